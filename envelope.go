package phx

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire unit exchanged with the server. Message is an alias:
// the same shape is used both for outbound requests and for whatever is
// delivered to a Channel's event subscribers.
type Envelope struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// Message is what a Channel subscriber receives. It is the same shape as
// Envelope: Phoenix reuses one wire unit for both requests and the events
// delivered to application code.
type Message = Envelope

// Reserved event names, per the protocol.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"

	HeartbeatTopic = "phoenix"

	replyEventPrefix = "chan_reply_"
)

func replyEventFor(ref string) string {
	return replyEventPrefix + ref
}

// Reply is the payload shape carried by a phx_reply envelope, and also the
// shape synthesized locally for a Push timeout.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Serializer encodes and decodes envelopes for the wire. Two wire shapes are
// recognized by the protocol: the v2 array form (ArraySerializer, the
// canonical Phoenix serializer) and the v1 object form (ObjectSerializer).
type Serializer interface {
	Encode(env Envelope) (string, error)
	Decode(text string) (Envelope, error)
}

// ArraySerializer encodes an Envelope as the 5-element JSON array
// [joinRef, ref, topic, event, payload]. This is the canonical Phoenix v2
// wire serializer.
type ArraySerializer struct{}

func (ArraySerializer) Encode(env Envelope) (string, error) {
	arr := make([]any, 5)
	arr[0] = derefOrNil(env.JoinRef)
	arr[1] = derefOrNil(env.Ref)
	arr[2] = env.Topic
	arr[3] = env.Event
	if env.Payload == nil {
		arr[4] = json.RawMessage("{}")
	} else {
		arr[4] = env.Payload
	}

	b, err := json.Marshal(arr)
	if err != nil {
		return "", fmt.Errorf("phx: encode array envelope: %w", err)
	}
	return string(b), nil
}

func (ArraySerializer) Decode(text string) (Envelope, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(text), &arr); err != nil {
		return Envelope{}, fmt.Errorf("phx: decode array envelope: %w", err)
	}
	if len(arr) != 5 {
		return Envelope{}, fmt.Errorf("phx: expected 5-element envelope array, got %d", len(arr))
	}

	var env Envelope
	var err error
	env.JoinRef, err = decodeNullableString(arr[0])
	if err != nil {
		return Envelope{}, err
	}
	env.Ref, err = decodeNullableString(arr[1])
	if err != nil {
		return Envelope{}, err
	}
	if err := json.Unmarshal(arr[2], &env.Topic); err != nil {
		return Envelope{}, fmt.Errorf("phx: decode envelope topic: %w", err)
	}
	if err := json.Unmarshal(arr[3], &env.Event); err != nil {
		return Envelope{}, fmt.Errorf("phx: decode envelope event: %w", err)
	}
	env.Payload = arr[4]
	return env, nil
}

// ObjectSerializer encodes an Envelope as the equivalent v1 JSON object
// form: {joinRef, ref, topic, event, payload}.
type ObjectSerializer struct{}

type envelopeWire struct {
	JoinRef *string         `json:"joinRef"`
	Ref     *string         `json:"ref"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (ObjectSerializer) Encode(env Envelope) (string, error) {
	payload := env.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	b, err := json.Marshal(envelopeWire{
		JoinRef: env.JoinRef,
		Ref:     env.Ref,
		Topic:   env.Topic,
		Event:   env.Event,
		Payload: payload,
	})
	if err != nil {
		return "", fmt.Errorf("phx: encode object envelope: %w", err)
	}
	return string(b), nil
}

func (ObjectSerializer) Decode(text string) (Envelope, error) {
	var w envelopeWire
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return Envelope{}, fmt.Errorf("phx: decode object envelope: %w", err)
	}
	return Envelope{
		JoinRef: w.JoinRef,
		Ref:     w.Ref,
		Topic:   w.Topic,
		Event:   w.Event,
		Payload: w.Payload,
	}, nil
}

func decodeNullableString(raw json.RawMessage) (*string, error) {
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("phx: decode nullable ref: %w", err)
	}
	return s, nil
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
