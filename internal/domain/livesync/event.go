package livesync

import "fmt"

// Priority decides the dispatch mode of an event.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// Category is the closed set of event kinds the core reacts to.
// CategoryNone covers everything else: such events may still carry a
// message, but they never invalidate anything.
type Category int

const (
	CategoryNone Category = iota
	CategoryNewPrescription
	CategoryInventoryMovement
	CategoryStockUpdate
	CategoryInventoryUpdate
	CategoryOrderUpdate
	CategoryPatientUpdate
	CategoryAppointmentUpdate
	CategoryConsultationUpdate
	CategoryDocumentUpdate
	// CategoryNotificationUpdate is the reserved {type:"update", notificationId} shape.
	CategoryNotificationUpdate
)

var categoryNames = map[Category]string{
	CategoryNone:               "",
	CategoryNewPrescription:    "new_prescription",
	CategoryInventoryMovement:  "inventory_movement",
	CategoryStockUpdate:        "stock_update",
	CategoryInventoryUpdate:    "inventory_update",
	CategoryOrderUpdate:        "order_update",
	CategoryPatientUpdate:      "patient_update",
	CategoryAppointmentUpdate:  "appointment_update",
	CategoryConsultationUpdate: "consultation_update",
	CategoryDocumentUpdate:     "document_update",
	CategoryNotificationUpdate: "update",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		if name == "" {
			return "none"
		}
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategory maps a wire name to its category. The reserved "update"
// name is not accepted here because it only counts together with a
// notification id; the classifier handles it.
func ParseCategory(name string) (Category, bool) {
	if name == "" || name == "update" {
		return CategoryNone, false
	}
	for c, n := range categoryNames {
		if n == name {
			return c, true
		}
	}
	return CategoryNone, false
}

// Priority returns the dispatch priority of the category. Only new
// prescriptions and inventory movements are high priority.
func (c Category) Priority() Priority {
	switch c {
	case CategoryNewPrescription, CategoryInventoryMovement:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Key identifies a partition of the local read cache. Keys are namespaced
// with dots so consumers can invalidate a family by prefix.
type Key string

const (
	KeyNotifications         Key = "notifications"
	KeyUnreadCount           Key = "unread-count"
	KeyPharmacyPrescriptions Key = "pharmacy.prescriptions"
	KeyDashboard             Key = "dashboard"
	KeyInventory             Key = "inventory"
	KeyPharmacyStats         Key = "pharmacy.stats"
	KeyPharmacyAlerts        Key = "pharmacy.alerts"
	KeyPharmacyOrders        Key = "pharmacy.orders"
)

// Mode is how the coordinator dispatches a category's keys.
type Mode int

const (
	ModeNone Mode = iota
	ModeImmediate
	ModeDebounced
)

func (m Mode) String() string {
	switch m {
	case ModeImmediate:
		return "immediate"
	case ModeDebounced:
		return "debounced"
	default:
		return "none"
	}
}

// Route returns the dispatch mode and the keys invalidated for the
// category. The switch is exhaustive over the categories above.
func (c Category) Route() (Mode, []Key) {
	switch c {
	case CategoryNewPrescription:
		return ModeImmediate, []Key{KeyNotifications, KeyUnreadCount, KeyPharmacyPrescriptions, KeyDashboard}
	case CategoryInventoryMovement:
		return ModeImmediate, []Key{KeyNotifications, KeyInventory, KeyPharmacyStats, KeyPharmacyAlerts, KeyDashboard}
	case CategoryNotificationUpdate:
		return ModeImmediate, []Key{KeyNotifications, KeyUnreadCount}
	case CategoryStockUpdate, CategoryInventoryUpdate:
		return ModeDebounced, []Key{KeyInventory, KeyPharmacyStats, KeyPharmacyAlerts, KeyDashboard}
	case CategoryOrderUpdate:
		return ModeDebounced, []Key{KeyPharmacyOrders, KeyDashboard}
	case CategoryPatientUpdate, CategoryAppointmentUpdate, CategoryConsultationUpdate, CategoryDocumentUpdate:
		return ModeDebounced, []Key{KeyDashboard}
	case CategoryNone:
		return ModeNone, nil
	default:
		return ModeNone, nil
	}
}

// Detail is the category-specific part of an event. Implementations are
// limited to this package.
type Detail interface {
	category() Category
}

// PrescriptionDetail accompanies CategoryNewPrescription.
type PrescriptionDetail struct {
	PrescriptionID string
	PatientName    string
	PrescriberName string
}

func (PrescriptionDetail) category() Category { return CategoryNewPrescription }

// MovementDetail accompanies CategoryInventoryMovement.
type MovementDetail struct {
	MedicamentName string
	Quantity       float64
	MovementType   string
}

func (MovementDetail) category() Category { return CategoryInventoryMovement }

// NotificationDetail accompanies CategoryNotificationUpdate.
type NotificationDetail struct {
	NotificationID string
}

func (NotificationDetail) category() Category { return CategoryNotificationUpdate }

// InboundEvent is one classified push message. It is built per message and
// discarded after dispatch.
type InboundEvent struct {
	RawType  string
	Category Category
	Priority Priority
	// SharedWith is nil when the payload carried no audience.
	SharedWith []string
	Title      string
	Message    string
	// Urgency is the payload's own "priority" field, e.g. "urgent".
	Urgency string
	Detail  Detail
	Payload map[string]interface{}
}
