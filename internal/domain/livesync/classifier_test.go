package livesync

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestClassify_Categories(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		category Category
		priority Priority
	}{
		{"new prescription", `{"type":"new_prescription"}`, CategoryNewPrescription, PriorityHigh},
		{"inventory movement", `{"type":"inventory_movement","quantity":5}`, CategoryInventoryMovement, PriorityHigh},
		{"stock update", `{"type":"stock_update"}`, CategoryStockUpdate, PriorityNormal},
		{"inventory update", `{"type":"inventory_update"}`, CategoryInventoryUpdate, PriorityNormal},
		{"order update", `{"type":"order_update"}`, CategoryOrderUpdate, PriorityNormal},
		{"patient update", `{"type":"patient_update"}`, CategoryPatientUpdate, PriorityNormal},
		{"appointment update from category field", `{"category":"appointment_update"}`, CategoryAppointmentUpdate, PriorityNormal},
		{"consultation update", `{"type":"consultation_update"}`, CategoryConsultationUpdate, PriorityNormal},
		{"document update", `{"type":"document_update"}`, CategoryDocumentUpdate, PriorityNormal},
		{"notification update", `{"type":"update","notificationId":"n-1"}`, CategoryNotificationUpdate, PriorityNormal},
		{"numeric notification id", `{"type":"update","notificationId":42}`, CategoryNotificationUpdate, PriorityNormal},
		{"update without id", `{"type":"update"}`, CategoryNone, PriorityNormal},
		{"unknown type", `{"type":"reminder","message":"hello"}`, CategoryNone, PriorityNormal},
		{"unknown type known category", `{"type":"notification","category":"order_update"}`, CategoryOrderUpdate, PriorityNormal},
		{"no type at all", `{"title":"T","message":"M"}`, CategoryNone, PriorityNormal},
		{"category cannot raise priority", `{"type":"alert","category":"new_prescription"}`, CategoryNone, PriorityNormal},
		{"category cannot raise movement", `{"type":"alert","category":"inventory_movement"}`, CategoryNone, PriorityNormal},
		{"high category without type", `{"category":"new_prescription"}`, CategoryNewPrescription, PriorityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Classify(tt.raw)
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if ev.Category != tt.category {
				t.Errorf("category = %v, want %v", ev.Category, tt.category)
			}
			if ev.Priority != tt.priority {
				t.Errorf("priority = %v, want %v", ev.Priority, tt.priority)
			}
		})
	}
}

func TestClassify_InputForms(t *testing.T) {
	const doc = `{"type":"stock_update","sharedWith":["u1"]}`
	encoded, _ := json.Marshal(doc)

	inputs := []struct {
		name string
		raw  interface{}
	}{
		{"string", doc},
		{"bytes", []byte(doc)},
		{"raw message", json.RawMessage(doc)},
		{"string-encoded", json.RawMessage(encoded)},
		{"decoded map", map[string]interface{}{"type": "stock_update", "sharedWith": []interface{}{"u1"}}},
		{"map with string slice", map[string]interface{}{"type": "stock_update", "sharedWith": []string{"u1"}}},
	}
	for _, in := range inputs {
		t.Run(in.name, func(t *testing.T) {
			ev, err := Classify(in.raw)
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if ev.Category != CategoryStockUpdate {
				t.Errorf("category = %v, want stock_update", ev.Category)
			}
			if len(ev.SharedWith) != 1 || ev.SharedWith[0] != "u1" {
				t.Errorf("sharedWith = %v, want [u1]", ev.SharedWith)
			}
		})
	}
}

func TestClassify_Undecodable(t *testing.T) {
	inputs := []struct {
		name string
		raw  interface{}
	}{
		{"nil", nil},
		{"empty", ""},
		{"truncated", `{"type":"stock_`},
		{"array", `[1,2,3]`},
		{"number", json.RawMessage(`17`)},
		{"null", json.RawMessage(`null`)},
		{"encoded garbage", json.RawMessage(`"{not json"`)},
		{"unsupported", 42},
	}
	for _, in := range inputs {
		t.Run(in.name, func(t *testing.T) {
			ev, err := Classify(in.raw)
			if !errors.Is(err, ErrUndecodable) {
				t.Fatalf("expected ErrUndecodable, got %v", err)
			}
			if ev != nil {
				t.Fatalf("expected no event, got %+v", ev)
			}
		})
	}
}

func TestClassify_Details(t *testing.T) {
	ev, err := Classify(`{"type":"inventory_movement","quantity":5,"medicamentName":"X","movementType":"out","priority":"urgent"}`)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	mv, ok := ev.Detail.(MovementDetail)
	if !ok {
		t.Fatalf("detail = %T, want MovementDetail", ev.Detail)
	}
	if mv.MedicamentName != "X" || mv.Quantity != 5 || mv.MovementType != "out" {
		t.Errorf("unexpected detail %+v", mv)
	}
	if ev.Urgency != "urgent" {
		t.Errorf("urgency = %q, want urgent", ev.Urgency)
	}

	ev, _ = Classify(`{"type":"new_prescription","prescriptionId":7,"patientName":"Ada"}`)
	rx, ok := ev.Detail.(PrescriptionDetail)
	if !ok {
		t.Fatalf("detail = %T, want PrescriptionDetail", ev.Detail)
	}
	if rx.PrescriptionID != "7" || rx.PatientName != "Ada" {
		t.Errorf("unexpected detail %+v", rx)
	}

	ev, _ = Classify(`{"type":"update","notificationId":"n-9"}`)
	if d, ok := ev.Detail.(NotificationDetail); !ok || d.NotificationID != "n-9" {
		t.Errorf("detail = %+v, want NotificationDetail{n-9}", ev.Detail)
	}
}

func TestClassify_SharedWith(t *testing.T) {
	ev, _ := Classify(`{"title":"T"}`)
	if ev.SharedWith != nil {
		t.Errorf("missing sharedWith should stay nil, got %v", ev.SharedWith)
	}

	ev, _ = Classify(`{"sharedWith":[]}`)
	if ev.SharedWith == nil || len(ev.SharedWith) != 0 {
		t.Errorf("empty sharedWith should be empty, got %v", ev.SharedWith)
	}

	ev, _ = Classify(`{"sharedWith":["u1", 12, "", null]}`)
	if len(ev.SharedWith) != 2 || ev.SharedWith[0] != "u1" || ev.SharedWith[1] != "12" {
		t.Errorf("sharedWith = %v, want [u1 12]", ev.SharedWith)
	}

	ev, _ = Classify(`{"sharedWith":"u1"}`)
	if ev.SharedWith != nil {
		t.Errorf("non-list sharedWith should be nil, got %v", ev.SharedWith)
	}
}

func TestParseCategory(t *testing.T) {
	if _, ok := ParseCategory("update"); ok {
		t.Error("bare update must not parse as a category")
	}
	for c, name := range categoryNames {
		if c == CategoryNone || c == CategoryNotificationUpdate {
			continue
		}
		got, ok := ParseCategory(name)
		if !ok || got != c {
			t.Errorf("ParseCategory(%q) = %v, %v", name, got, ok)
		}
		if got.String() != name {
			t.Errorf("String() = %q, want %q", got.String(), name)
		}
	}
}

func TestCategoryRoute(t *testing.T) {
	tests := []struct {
		category Category
		mode     Mode
		keys     []Key
	}{
		{CategoryNewPrescription, ModeImmediate, []Key{KeyNotifications, KeyUnreadCount, KeyPharmacyPrescriptions, KeyDashboard}},
		{CategoryInventoryMovement, ModeImmediate, []Key{KeyNotifications, KeyInventory, KeyPharmacyStats, KeyPharmacyAlerts, KeyDashboard}},
		{CategoryNotificationUpdate, ModeImmediate, []Key{KeyNotifications, KeyUnreadCount}},
		{CategoryStockUpdate, ModeDebounced, []Key{KeyInventory, KeyPharmacyStats, KeyPharmacyAlerts, KeyDashboard}},
		{CategoryInventoryUpdate, ModeDebounced, []Key{KeyInventory, KeyPharmacyStats, KeyPharmacyAlerts, KeyDashboard}},
		{CategoryOrderUpdate, ModeDebounced, []Key{KeyPharmacyOrders, KeyDashboard}},
		{CategoryPatientUpdate, ModeDebounced, []Key{KeyDashboard}},
		{CategoryAppointmentUpdate, ModeDebounced, []Key{KeyDashboard}},
		{CategoryConsultationUpdate, ModeDebounced, []Key{KeyDashboard}},
		{CategoryDocumentUpdate, ModeDebounced, []Key{KeyDashboard}},
		{CategoryNone, ModeNone, nil},
	}
	for _, tt := range tests {
		mode, keys := tt.category.Route()
		if mode != tt.mode {
			t.Errorf("%v: mode = %v, want %v", tt.category, mode, tt.mode)
		}
		if len(keys) != len(tt.keys) {
			t.Errorf("%v: keys = %v, want %v", tt.category, keys, tt.keys)
			continue
		}
		for i := range keys {
			if keys[i] != tt.keys[i] {
				t.Errorf("%v: keys = %v, want %v", tt.category, keys, tt.keys)
				break
			}
		}
	}
}

func TestIsRelevant(t *testing.T) {
	tests := []struct {
		name   string
		shared []string
		user   string
		want   bool
	}{
		{"addressed", []string{"u1", "u2"}, "u1", true},
		{"other user", []string{"u2"}, "u1", false},
		{"empty audience", []string{}, "u1", false},
		{"missing audience", nil, "u1", false},
		{"unknown viewer", []string{"u1"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &InboundEvent{SharedWith: tt.shared}
			if got := IsRelevant(ev, tt.user); got != tt.want {
				t.Errorf("IsRelevant = %v, want %v", got, tt.want)
			}
		})
	}
	if IsRelevant(nil, "u1") {
		t.Error("nil event must not be relevant")
	}
}
