package phx

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type capturingLogger struct {
	warns []string
	infos []string
}

func (l *capturingLogger) Debug(msg string, args ...any) {}
func (l *capturingLogger) Info(msg string, args ...any)  { l.infos = append(l.infos, msg) }
func (l *capturingLogger) Warn(msg string, args ...any)  { l.warns = append(l.warns, msg) }
func (l *capturingLogger) Error(msg string, args ...any) {}

func TestSocketPushBuffersWhileDisconnectedAndFlushesOnConnect(t *testing.T) {
	socket, _, tr := newTestSocket()

	err := socket.Push(Envelope{Topic: "rooms:lobby", Event: "msg", Ref: strPtr("1"), Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Push while disconnected returned error: %v", err)
	}
	if tr() != nil {
		t.Fatal("transport should not exist before Connect")
	}

	socket.Connect()
	envs := tr().sentEnvelopes(ArraySerializer{})
	if len(envs) != 1 || envs[0].Event != "msg" {
		t.Fatalf("expected the buffered push flushed on connect, got %+v", envs)
	}
}

func TestSocketHeartbeatTimeoutForceClosesTransport(t *testing.T) {
	socket, exec, tr := newTestSocket(WithHeartbeatInterval(10 * time.Millisecond))
	socket.Connect()

	exec.fireLast() // first heartbeat tick: sends, marks pendingHeartbeat

	closed := false
	var closeCode int
	origClose := tr()
	_ = origClose
	socket.OnClose(func(code int, reason string) { closed = true; closeCode = code })

	exec.fireLast() // second heartbeat tick: pendingHeartbeat still true -> force close

	if !closed {
		t.Fatal("expected heartbeat timeout to force-close the transport")
	}
	if closeCode != 1000 {
		t.Errorf("force-close code = %d, want 1000", closeCode)
	}
}

func TestSocketHeartbeatAckClearsPending(t *testing.T) {
	socket, exec, tr := newTestSocket(WithHeartbeatInterval(10 * time.Millisecond))
	socket.Connect()

	exec.fireLast() // sends the heartbeat
	envs := tr().sentEnvelopes(ArraySerializer{})
	hbRef := envs[len(envs)-1].Ref

	tr().deliver(Envelope{Ref: hbRef, Topic: HeartbeatTopic, Event: "phx_reply", Payload: json.RawMessage(`{"status":"ok","response":{}}`)}, ArraySerializer{})

	closed := false
	socket.OnClose(func(int, string) { closed = true })
	exec.fireLast() // next tick should send again, not force-close

	if closed {
		t.Error("heartbeat ack should have cleared pendingHeartbeat, preventing a forced close")
	}
}

func TestSocketReconnectsAfterUncleanCloseWithBackoff(t *testing.T) {
	socket, exec, tr := newTestSocket()
	socket.Connect()
	first := tr()

	first.Close(1006, "abnormal")

	reopened := false
	socket.OnOpen(func() { reopened = true })

	exec.fireLast() // reconnect backoff timer

	if !reopened {
		t.Fatal("expected the reconnect backoff to reopen the transport")
	}
	if tr() == first {
		t.Error("reconnect should have produced a new transport instance")
	}
}

func TestSocketExplicitDisconnectSuppressesReconnect(t *testing.T) {
	socket, exec, _ := newTestSocket()
	socket.Connect()
	before := len(exec.calls)

	socket.Disconnect(1000, "bye")

	// handleTransportClose's !explicit branch is what schedules a
	// reconnect; Disconnect marks explicitClose first, so no new timer
	// should have been appended.
	if len(exec.calls) != before {
		t.Errorf("Disconnect scheduled a reconnect timer: call count %d -> %d", before, len(exec.calls))
	}
	if socket.IsOpen() {
		t.Error("socket should be closed after Disconnect")
	}
}

func TestSocketRoutesOnlyToMatchingTopicAndDropsStaleJoinRef(t *testing.T) {
	logger := &capturingLogger{}
	socket, _, tr := newTestSocket(WithLogger(logger))
	socket.Connect()

	chA := socket.Channel("rooms:a", map[string]any{})
	chA.Join()
	joinA := tr().sentEnvelopes(ArraySerializer{})[0]
	tr().deliver(Envelope{JoinRef: joinA.Ref, Ref: joinA.Ref, Topic: "rooms:a", Event: "phx_reply", Payload: okReply()}, ArraySerializer{})

	chB := socket.Channel("rooms:b", map[string]any{})

	var aFired, bFired bool
	chA.On("broadcast", func(Message) { aFired = true })
	chB.On("broadcast", func(Message) { bFired = true })

	tr().deliver(Envelope{JoinRef: joinA.Ref, Ref: strPtr("99"), Topic: "rooms:a", Event: "broadcast", Payload: json.RawMessage(`{}`)}, ArraySerializer{})

	if !aFired {
		t.Error("channel A should have received a broadcast addressed to its own topic")
	}
	if bFired {
		t.Error("channel B must not receive a broadcast addressed to a different topic")
	}

	stale := "1234"
	tr().deliver(Envelope{JoinRef: &stale, Ref: strPtr("100"), Topic: "rooms:a", Event: "broadcast", Payload: json.RawMessage(`{}`)}, ArraySerializer{})
	if len(logger.infos) == 0 {
		t.Error("expected an Info log entry for the dropped stale-joinRef envelope")
	}
}

func TestSocketLeaveOpenTopicEvictsOlderChannelOnRejoin(t *testing.T) {
	socket, exec, tr := newTestSocket()
	socket.Connect()

	chA := socket.Channel("rooms:lobby", map[string]any{})
	chA.Join()
	joinA := tr().sentEnvelopes(ArraySerializer{})[0]
	tr().deliver(Envelope{JoinRef: joinA.Ref, Ref: joinA.Ref, Topic: "rooms:lobby", Event: "phx_reply", Payload: okReply()}, ArraySerializer{})
	if chA.State() != Joined {
		t.Fatalf("chA state = %v, want Joined", chA.State())
	}

	chB := socket.Channel("rooms:lobby", map[string]any{})
	chB.Join(50 * time.Millisecond)

	exec.fireLast() // chB's own join timeout: errors chB, schedules its rejoin backoff
	if chB.State() != Errored {
		t.Fatalf("chB state after its own join timeout = %v, want Errored", chB.State())
	}

	exec.fireLast() // chB's rejoin backoff fires: rejoin() evicts any other open channel sharing the topic

	if chA.State() != Closed {
		t.Errorf("chA state after chB's rejoin = %v, want Closed (evicted by leaveOpenTopic)", chA.State())
	}
	if chB.State() != Joining {
		t.Errorf("chB state after its own rejoin = %v, want Joining", chB.State())
	}
}

func TestSocketMakeRefIsMonotonicallyAscending(t *testing.T) {
	socket, _, _ := newTestSocket()
	a := socket.MakeRef()
	b := socket.MakeRef()
	if a != "1" || b != "2" {
		t.Errorf("MakeRef returned %q then %q, want \"1\" then \"2\"", a, b)
	}
}

func TestSocketSendNowFailsWithoutTransport(t *testing.T) {
	socket, _, _ := newTestSocket()
	socket.mu.Lock()
	socket.open = true // simulate without ever connecting a real transport
	socket.mu.Unlock()

	err := socket.sendNow(Envelope{Topic: "t", Event: "e", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("sendNow error = %v, want ErrNotConnected", err)
	}
}
