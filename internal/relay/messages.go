package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alfredjeanlab/booger/internal/model"
)

// Inbound message types.
const (
	TypeEvent = "EVENT"
	TypeReq   = "REQ"
	TypeClose = "CLOSE"
)

// message is a decoded inbound frame.
type message struct {
	typ     string
	event   *model.Event
	subID   string
	filters []model.Filter
}

// errUnknownType reports an inbound frame whose type is not handled.
type errUnknownType string

func (e errUnknownType) Error() string { return "invalid request type " + string(e) }

// badEventError reports an EVENT whose id could be read but whose body
// could not be decoded. It is answered with OK false rather than NOTICE.
type badEventError struct {
	id     string
	reason string
}

func (e *badEventError) Error() string { return e.reason }

func parseMessage(raw []byte) (*message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, errors.New("invalid: message must be a JSON array")
	}
	if len(parts) == 0 {
		return nil, errors.New("invalid: empty message")
	}
	m := &message{}
	if err := json.Unmarshal(parts[0], &m.typ); err != nil {
		return nil, errUnknownType(string(parts[0]))
	}

	switch m.typ {
	case TypeEvent:
		if len(parts) != 2 {
			return nil, errors.New("invalid: EVENT takes exactly one event")
		}
		var e model.Event
		if err := json.Unmarshal(parts[1], &e); err != nil {
			reason := "invalid: event: " + jsonReason(err)
			var idOnly struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(parts[1], &idOnly) == nil && idOnly.ID != "" {
				return nil, &badEventError{id: idOnly.ID, reason: reason}
			}
			return nil, errors.New(reason)
		}
		m.event = &e
	case TypeReq:
		if len(parts) < 2 {
			return nil, errors.New("invalid: REQ requires a subscription id")
		}
		if err := json.Unmarshal(parts[1], &m.subID); err != nil {
			return nil, errors.New("invalid: subscription id must be a string")
		}
		m.filters = make([]model.Filter, 0, len(parts)-2)
		for i, p := range parts[2:] {
			var f model.Filter
			if err := json.Unmarshal(p, &f); err != nil {
				return nil, fmt.Errorf("invalid: filters[%d]: %s", i, jsonReason(err))
			}
			m.filters = append(m.filters, f)
		}
	case TypeClose:
		if len(parts) != 2 {
			return nil, errors.New("invalid: CLOSE takes exactly one subscription id")
		}
		if err := json.Unmarshal(parts[1], &m.subID); err != nil {
			return nil, errors.New("invalid: subscription id must be a string")
		}
	default:
		return nil, errUnknownType(m.typ)
	}
	return m, nil
}

// jsonReason trims encoding/json's prefix from decode errors.
func jsonReason(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return typeErr.Field + " has the wrong type"
	}
	return err.Error()
}

func okFrame(id string, accepted bool, msg string) []byte {
	return mustFrame("OK", id, accepted, msg)
}

// eventFrame splices the stored payload in verbatim.
func eventFrame(subID string, raw []byte) []byte {
	id := mustFrame(subID)
	b := make([]byte, 0, len(raw)+len(id)+10)
	b = append(b, `["EVENT",`...)
	b = append(b, id[1:len(id)-1]...)
	b = append(b, ',')
	b = append(b, raw...)
	return append(b, ']')
}

func eoseFrame(subID string) []byte {
	return mustFrame("EOSE", subID)
}

func noticeFrame(msg string) []byte {
	return mustFrame("NOTICE", msg)
}

// mustFrame encodes parts that are always marshalable.
func mustFrame(parts ...any) []byte {
	b, err := json.Marshal(parts)
	if err != nil {
		panic(fmt.Sprintf("relay: encode frame: %v", err))
	}
	return b
}
