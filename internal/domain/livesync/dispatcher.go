package livesync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicsync/internal/platform/notification"
)

// Outcome is what the dispatcher did with a message.
type Outcome int

const (
	// OutcomeDropped means the payload could not be decoded.
	OutcomeDropped Outcome = iota
	// OutcomeFiltered means a shared event was not addressed to the viewer.
	OutcomeFiltered
	// OutcomeHandled means the event reached the coordinator.
	OutcomeHandled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeFiltered:
		return "filtered"
	case OutcomeHandled:
		return "handled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Dispatcher runs every inbound message through classification, the scope
// filter, the coordinator and finally the notification sink.
type Dispatcher struct {
	coordinator *Coordinator
	sink        notification.Sink
	userID      string
	logger      zerolog.Logger
}

// NewDispatcher creates a Dispatcher acting for userID. A nil sink disables
// notifications.
func NewDispatcher(coordinator *Coordinator, sink notification.Sink, userID string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		coordinator: coordinator,
		sink:        sink,
		userID:      userID,
		logger:      logger,
	}
}

// Handler returns the subscription handler for ch.
func (d *Dispatcher) Handler(ch Channel) Handler {
	return func(msg Message) { d.Handle(ch, msg) }
}

// Handle processes one message received on ch.
func (d *Dispatcher) Handle(ch Channel, msg Message) Outcome {
	ev, err := Classify(msg.Data)
	if err != nil {
		d.logger.Warn().Err(err).
			Str("channel", ch.Name).
			Str("event", msg.Event).
			Msg("dropping undecodable push message")
		return OutcomeDropped
	}

	if ch.Shared() && !IsRelevant(ev, d.userID) {
		d.logger.Debug().
			Str("channel", ch.Name).
			Str("type", ev.RawType).
			Msg("shared event not addressed to current user")
		return OutcomeFiltered
	}

	mode := d.coordinator.Apply(ev)
	d.logger.Debug().
		Str("channel", ch.Name).
		Str("event", msg.Event).
		Stringer("category", ev.Category).
		Stringer("mode", mode).
		Msg("push event dispatched")

	if text, severity, ok := notificationFor(ch, ev); ok {
		d.notify(text, severity)
	}
	return OutcomeHandled
}

func (d *Dispatcher) notify(text string, severity notification.Severity) {
	if d.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn().Interface("panic", r).Msg("notification sink failed")
		}
	}()
	d.sink.Notify(text, severity)
}

// notificationFor decides whether ev deserves a toast: every high-priority
// event does, and so does a shared event with both a title and a message.
func notificationFor(ch Channel, ev *InboundEvent) (string, notification.Severity, bool) {
	severity := notification.SeverityInfo
	if strings.EqualFold(ev.Urgency, "urgent") {
		severity = notification.SeverityWarning
	}

	if ev.Priority == PriorityHigh {
		return highPriorityText(ev), severity, true
	}
	if ch.Shared() && ev.Title != "" && ev.Message != "" {
		return ev.Title + ": " + ev.Message, severity, true
	}
	return "", "", false
}

func highPriorityText(ev *InboundEvent) string {
	if ev.Message != "" {
		return ev.Message
	}
	switch detail := ev.Detail.(type) {
	case PrescriptionDetail:
		if detail.PatientName != "" {
			return "New prescription for " + detail.PatientName
		}
		return "New prescription received"
	case MovementDetail:
		name := detail.MedicamentName
		if name == "" {
			name = "unknown item"
		}
		return fmt.Sprintf("Inventory movement: %s (%s)", name, strconv.FormatFloat(detail.Quantity, 'f', -1, 64))
	}
	return ev.RawType
}
