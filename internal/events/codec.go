package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownEvent is returned when decoding an event kind outside the taxonomy.
	ErrUnknownEvent = errors.New("unknown event kind")
	// ErrMalformedEnvelope is returned when a message is not an envelope at all.
	ErrMalformedEnvelope = errors.New("malformed event envelope")
)

// Envelope is the wire form of an event: the sending worker, the kind tag and the
// JSON payload of the variant.
type Envelope struct {
	Client  string          `json:"client"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(client string, ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %v event: %w", ev.Kind(), err)
	}
	return Envelope{Client: client, Kind: ev.Kind(), Payload: payload}, nil
}

// Event decodes the payload. Unknown kinds yield ErrUnknownEvent.
func (e Envelope) Event() (Event, error) {
	var ev Event
	var err error
	switch e.Kind {
	case KindNewTestcase:
		ev, err = decodePayload[NewTestcase](e.Payload)
	case KindUpdateStats:
		ev, err = decodePayload[UpdateStats](e.Payload)
	case KindObjective:
		ev, err = decodePayload[Objective](e.Payload)
	case KindLog:
		ev, err = decodePayload[Log](e.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %v event: %w", e.Kind, err)
	}
	return ev, nil
}

func decodePayload[T Event](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

// Marshal encodes an event with its sender into a single message.
func Marshal(client string, ev Event) ([]byte, error) {
	env, err := NewEnvelope(client, ev)
	if err != nil {
		return nil, err
	}
	return Encode(env)
}

// Encode is the message form of an envelope that was built already.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %v envelope: %w", env.Kind, err)
	}
	return data, nil
}

// Unmarshal parses a message produced by Marshal. The envelope is returned even
// when the event kind is unknown so that the sender can be reported.
func Unmarshal(data []byte) (Envelope, Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	ev, err := env.Event()
	return env, ev, err
}
