package phx

import (
	"encoding/json"
	"reflect"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestArraySerializerRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{
			name: "join with refs",
			env: Envelope{
				JoinRef: strPtr("1"),
				Ref:     strPtr("1"),
				Topic:   "rooms:lobby",
				Event:   "phx_join",
				Payload: json.RawMessage(`{}`),
			},
		},
		{
			name: "heartbeat with no join ref",
			env: Envelope{
				Ref:     strPtr("2"),
				Topic:   "phoenix",
				Event:   "heartbeat",
				Payload: json.RawMessage(`{}`),
			},
		},
		{
			name: "reply with payload",
			env: Envelope{
				JoinRef: strPtr("1"),
				Ref:     strPtr("3"),
				Topic:   "rooms:lobby",
				Event:   "phx_reply",
				Payload: json.RawMessage(`{"status":"ok","response":{"foo":"bar"}}`),
			},
		},
	}

	var ser ArraySerializer
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, err := ser.Encode(tc.env)
			if err != nil {
				t.Fatalf("Encode returned error: %v", err)
			}

			got, err := ser.Decode(text)
			if err != nil {
				t.Fatalf("Decode returned error: %v", err)
			}

			if !reflect.DeepEqual(got.JoinRef, tc.env.JoinRef) {
				t.Errorf("JoinRef = %v, want %v", derefOrEmpty(got.JoinRef), derefOrEmpty(tc.env.JoinRef))
			}
			if !reflect.DeepEqual(got.Ref, tc.env.Ref) {
				t.Errorf("Ref = %v, want %v", derefOrEmpty(got.Ref), derefOrEmpty(tc.env.Ref))
			}
			if got.Topic != tc.env.Topic || got.Event != tc.env.Event {
				t.Errorf("Topic/Event = %q/%q, want %q/%q", got.Topic, got.Event, tc.env.Topic, tc.env.Event)
			}

			var gotPayload, wantPayload any
			json.Unmarshal(got.Payload, &gotPayload)
			json.Unmarshal(tc.env.Payload, &wantPayload)
			if !reflect.DeepEqual(gotPayload, wantPayload) {
				t.Errorf("Payload = %+v, want %+v", gotPayload, wantPayload)
			}
		})
	}
}

func TestArraySerializerEncodesCanonicalForm(t *testing.T) {
	var ser ArraySerializer
	text, err := ser.Encode(Envelope{
		JoinRef: strPtr("1"),
		Ref:     strPtr("2"),
		Topic:   "rooms:lobby",
		Event:   "phx_join",
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	want := `["1","2","rooms:lobby","phx_join",{}]`
	if text != want {
		t.Errorf("Encode = %s, want %s", text, want)
	}
}

func TestArraySerializerRejectsWrongLength(t *testing.T) {
	var ser ArraySerializer
	if _, err := ser.Decode(`[null,"1","t","e"]`); err == nil {
		t.Error("expected error decoding a 4-element array")
	}
}

func TestObjectSerializerRoundTrip(t *testing.T) {
	var ser ObjectSerializer
	env := Envelope{
		JoinRef: strPtr("5"),
		Ref:     strPtr("6"),
		Topic:   "rooms:lobby",
		Event:   "new_msg",
		Payload: json.RawMessage(`{"body":"hi"}`),
	}

	text, err := ser.Encode(env)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	got, err := ser.Decode(text)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if derefOrEmpty(got.JoinRef) != "5" || derefOrEmpty(got.Ref) != "6" {
		t.Errorf("got joinRef/ref = %q/%q, want 5/6", derefOrEmpty(got.JoinRef), derefOrEmpty(got.Ref))
	}
	if got.Topic != env.Topic || got.Event != env.Event {
		t.Errorf("Topic/Event mismatch: got %q/%q", got.Topic, got.Event)
	}
}
