package livesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Classify turns a raw push payload into an InboundEvent. raw may be a JSON
// document ([]byte, json.RawMessage or string), a JSON string that itself
// holds an encoded document, or an already decoded map. A payload that
// cannot be decoded yields an error wrapping ErrUndecodable.
func Classify(raw interface{}) (*InboundEvent, error) {
	payload, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}

	ev := &InboundEvent{
		Title:      stringField(payload, "title"),
		Message:    stringField(payload, "message"),
		Urgency:    stringField(payload, "priority"),
		SharedWith: audience(payload["sharedWith"]),
		Payload:    payload,
	}

	ev.RawType = stringField(payload, "type")
	if ev.RawType == "" {
		ev.RawType = stringField(payload, "category")
	}

	switch {
	case ev.RawType == "update":
		if id := idField(payload, "notificationId"); id != "" {
			ev.Category = CategoryNotificationUpdate
			ev.Detail = NotificationDetail{NotificationID: id}
		}
	default:
		if c, ok := ParseCategory(ev.RawType); ok {
			ev.Category = c
		} else if c, ok := ParseCategory(stringField(payload, "category")); ok && c.Priority() == PriorityNormal {
			// High priority is decided by the event type alone.
			ev.Category = c
		}
	}
	ev.Priority = ev.Category.Priority()

	switch ev.Category {
	case CategoryNewPrescription:
		ev.Detail = PrescriptionDetail{
			PrescriptionID: idField(payload, "prescriptionId"),
			PatientName:    stringField(payload, "patientName"),
			PrescriberName: stringField(payload, "prescriberName"),
		}
	case CategoryInventoryMovement:
		ev.Detail = MovementDetail{
			MedicamentName: stringField(payload, "medicamentName"),
			Quantity:       numberField(payload, "quantity"),
			MovementType:   stringField(payload, "movementType"),
		}
	}
	return ev, nil
}

func decodePayload(raw interface{}) (map[string]interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("%w: empty payload", ErrUndecodable)
	case map[string]interface{}:
		return v, nil
	case string:
		return decodeBytes([]byte(v))
	case []byte:
		return decodeBytes(v)
	case json.RawMessage:
		return decodeBytes(v)
	default:
		return nil, fmt.Errorf("%w: unsupported payload type %T", ErrUndecodable, raw)
	}
}

// decodeBytes accepts an object, or a JSON string wrapping an object. One
// level of wrapping is unwrapped; deeper nesting is rejected.
func decodeBytes(data []byte) (map[string]interface{}, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUndecodable)
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		data = bytes.TrimSpace([]byte(inner))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrUndecodable)
	}
	return payload, nil
}

func stringField(payload map[string]interface{}, name string) string {
	s, _ := payload[name].(string)
	return strings.TrimSpace(s)
}

// idField reads an identifier that may have been sent as a string or a number.
func idField(payload map[string]interface{}, name string) string {
	switch v := payload[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func numberField(payload map[string]interface{}, name string) float64 {
	switch v := payload[name].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

// audience normalizes sharedWith. Numeric ids are accepted alongside
// strings. A missing or non-list value yields nil.
func audience(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		out := make([]string, 0, len(list))
		for _, id := range list {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			switch id := item.(type) {
			case string:
				if id = strings.TrimSpace(id); id != "" {
					out = append(out, id)
				}
			case float64:
				out = append(out, strconv.FormatFloat(id, 'f', -1, 64))
			}
		}
		return out
	default:
		return nil
	}
}
