package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zonedesk/zonedesk/internal/events"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
)

// Decode parses a raw wire message into its frame.
// Malformed input yields a PROTOCOL_ERROR.
func Decode(data []byte) (Frame, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.ProtocolError("malformed message", err)
	}
	return DecodeMessage(m)
}

// DecodeMessage converts an already parsed envelope into its frame.
func DecodeMessage(m Message) (Frame, error) {
	h := Header{ID: m.ID, Timestamp: m.Time(), Seq: m.Seq}

	switch m.Type {
	case "":
		return nil, apperrors.ProtocolError("message type is required", nil)

	case TypeSubscribe:
		if len(m.EventTypes) == 0 {
			return nil, apperrors.ProtocolError("subscribe requires event_types", nil)
		}
		return Subscribe{Header: h, Categories: m.EventTypes}, nil

	case TypeUnsubscribe:
		if len(m.EventTypes) == 0 {
			return nil, apperrors.ProtocolError("unsubscribe requires event_types", nil)
		}
		return Unsubscribe{Header: h, Categories: m.EventTypes}, nil

	case TypePing:
		return Ping{Header: h}, nil

	case TypePong:
		return Pong{Header: h}, nil

	case TypeError:
		var d ErrorData
		if err := unmarshalData(m, &d); err != nil {
			return nil, err
		}
		return Error{Header: h, ErrorData: d}, nil

	case TypeStats:
		var d map[string]any
		if len(m.Data) > 0 {
			if err := unmarshalData(m, &d); err != nil {
				return nil, err
			}
		}
		return Stats{Header: h, Data: d}, nil

	case TypeConnectionEstablished:
		var d EstablishedData
		if err := unmarshalData(m, &d); err != nil {
			return nil, err
		}
		return ConnectionEstablished{Header: h, EstablishedData: d}, nil

	case TypeSubscriptionUpdated:
		var d SubscriptionData
		if err := unmarshalData(m, &d); err != nil {
			return nil, err
		}
		return SubscriptionUpdated{Header: h, SubscriptionData: d}, nil

	case TypeSessionExpired:
		var d SessionExpiredData
		if len(m.Data) > 0 {
			if err := unmarshalData(m, &d); err != nil {
				return nil, err
			}
		}
		return SessionExpired{Header: h, Reason: d.Reason}, nil

	case TypeBatch:
		var d BatchData
		if err := unmarshalData(m, &d); err != nil {
			return nil, err
		}
		out := Batch{Header: h, Events: make([]EventFrame, 0, len(d.Events))}
		for _, inner := range d.Events {
			f, err := decodeEvent(inner)
			if err != nil {
				return nil, err
			}
			out.Events = append(out.Events, f)
		}
		return out, nil
	}

	return decodeEvent(m)
}

func decodeEvent(m Message) (EventFrame, error) {
	category := events.Category(m.Type)
	if !category.Valid() {
		return EventFrame{}, apperrors.ProtocolError(fmt.Sprintf("unknown message type %q", m.Type), nil)
	}
	var payload map[string]any
	if len(m.Data) > 0 && string(m.Data) != "null" {
		if err := unmarshalData(m, &payload); err != nil {
			return EventFrame{}, err
		}
	}
	return EventFrame{
		Header:   Header{ID: m.ID, Timestamp: m.Time(), Seq: m.Seq},
		Category: category,
		Priority: m.Priority,
		Payload:  payload,
	}, nil
}

func unmarshalData(m Message, v any) error {
	if len(m.Data) == 0 {
		return apperrors.ProtocolError(m.Type+" requires data", nil)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return apperrors.ProtocolError("malformed "+m.Type+" data", err)
	}
	return nil
}

// ToMessage converts a frame to its envelope. A zero header id or
// timestamp is filled in.
func ToMessage(f Frame) (Message, error) {
	h := f.Head()
	m := Message{ID: h.ID, Timestamp: Millis(h.Timestamp), Seq: h.Seq}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}

	var data any
	switch v := f.(type) {
	case Subscribe:
		m.Type = TypeSubscribe
		m.EventTypes = v.Categories
	case Unsubscribe:
		m.Type = TypeUnsubscribe
		m.EventTypes = v.Categories
	case Ping:
		m.Type = TypePing
	case Pong:
		m.Type = TypePong
	case Error:
		m.Type = TypeError
		data = v.ErrorData
	case Stats:
		m.Type = TypeStats
		if v.Data != nil {
			data = v.Data
		}
	case ConnectionEstablished:
		m.Type = TypeConnectionEstablished
		data = v.EstablishedData
	case SubscriptionUpdated:
		m.Type = TypeSubscriptionUpdated
		data = v.SubscriptionData
	case SessionExpired:
		m.Type = TypeSessionExpired
		data = SessionExpiredData{Reason: v.Reason}
	case Batch:
		m.Type = TypeBatch
		inner := make([]Message, 0, len(v.Events))
		for _, e := range v.Events {
			em, err := ToMessage(e)
			if err != nil {
				return Message{}, err
			}
			inner = append(inner, em)
		}
		data = BatchData{Events: inner}
	case EventFrame:
		m.Type = string(v.Category)
		m.Priority = v.Priority
		if v.Payload != nil {
			data = v.Payload
		}
	default:
		return Message{}, fmt.Errorf("unsupported frame %T", f)
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("encoding %s data: %w", m.Type, err)
		}
		m.Data = raw
	}
	return m, nil
}

// Encode converts a frame to wire bytes.
func Encode(f Frame) ([]byte, error) {
	m, err := ToMessage(f)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
