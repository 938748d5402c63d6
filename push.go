package phx

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Push models one outbound request and its reply correlation: send, await
// reply, timeout, resend on rejoin. A Push is returned by Channel.Join,
// Channel.Push and Channel.Leave so the caller can attach Receive callbacks.
type Push struct {
	mu sync.Mutex

	channel   *Channel
	event     string
	payloadFn func() any
	timeout   time.Duration

	ref      *string
	refEvent string

	receivedResp *Reply
	sent         bool

	refSub       *Subscription
	timeoutTimer *Scheduler
	receivers    map[string][]func(Reply)
}

func newPush(channel *Channel, event string, payloadFn func() any, timeout time.Duration) *Push {
	return &Push{
		channel:   channel,
		event:     event,
		payloadFn: payloadFn,
		timeout:   timeout,
		receivers: map[string][]func(Reply){},
	}
}

// Receive registers cb for a specific reply status ("ok", "error",
// "timeout"). If a matching reply has already arrived, cb fires
// immediately; otherwise it fires once, on arrival.
func (p *Push) Receive(status string, cb func(Reply)) *Push {
	p.mu.Lock()
	resp := p.receivedResp
	if resp != nil && resp.Status == status {
		p.mu.Unlock()
		cb(*resp)
		return p
	}
	p.receivers[status] = append(p.receivers[status], cb)
	p.mu.Unlock()
	return p
}

// Send dispatches the push through its channel's socket. If the channel
// already holds a ref for this push (e.g. a caller called Send twice), the
// existing ref is reused; Resend clears it first to force a fresh one.
func (p *Push) Send() {
	p.mu.Lock()
	if p.ref == nil {
		ref := p.channel.socket.MakeRef()
		p.ref = &ref
		p.refEvent = replyEventFor(ref)
	}
	refEvent := p.refEvent
	event := p.event
	ref := *p.ref
	payload, err := json.Marshal(p.payloadFn())
	p.sent = true
	p.mu.Unlock()

	if err != nil {
		payload = json.RawMessage("{}")
	}

	p.subscribeReply(refEvent)
	p.startTimeout()

	// phx_join goes out with a nil joinRef; every other push carries the
	// channel's current join incarnation.
	var joinRef *string
	if event != EventJoin {
		joinRef = p.channel.joinRefPtr()
	}
	env := Envelope{
		JoinRef: joinRef,
		Ref:     &ref,
		Topic:   p.channel.Topic,
		Event:   event,
		Payload: payload,
	}
	p.channel.socket.Push(env)
}

func (p *Push) subscribeReply(refEvent string) {
	p.mu.Lock()
	if p.refSub != nil {
		p.channel.Off(p.refSub)
	}
	p.mu.Unlock()

	sub := p.channel.On(refEvent, p.handleReply)

	p.mu.Lock()
	p.refSub = sub
	p.mu.Unlock()
}

func (p *Push) startTimeout() {
	p.mu.Lock()
	timeout := p.timeout
	exec := p.channel.socket.executor()
	p.mu.Unlock()

	timer := NewScheduler(p.fireTimeout, func(int) time.Duration { return timeout }, exec)

	p.mu.Lock()
	if p.timeoutTimer != nil {
		p.timeoutTimer.Reset()
	}
	p.timeoutTimer = timer
	p.mu.Unlock()

	timer.ScheduleTimeout()
}

func (p *Push) fireTimeout() {
	p.triggerSynthetic("timeout")
}

// triggerSynthetic delivers a locally-synthesized reply (used for both push
// timeouts and Channel.Leave's eager close when the socket cannot push).
func (p *Push) triggerSynthetic(status string) {
	p.handleReply(Message{Payload: json.RawMessage(fmt.Sprintf(`{"status":%q,"response":{}}`, status))})
}

func (p *Push) handleReply(msg Message) {
	var reply Reply
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &reply)
	}

	p.mu.Lock()
	p.receivedResp = &reply
	cbs := append([]func(Reply){}, p.receivers[reply.Status]...)
	p.mu.Unlock()

	p.cancelTimeout()

	for _, cb := range cbs {
		cb(reply)
	}
}

// clearReceivers removes every registered callback for the given reply
// statuses. Used to re-arm a push that gets resent across multiple
// attempts (e.g. a channel's joinPush across rejoin cycles) without
// accumulating a duplicate callback per attempt.
func (p *Push) clearReceivers(statuses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range statuses {
		delete(p.receivers, s)
	}
}

// cancelTimeout cancels the outstanding timeout timer without sending
// anything.
func (p *Push) cancelTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeoutTimer != nil {
		p.timeoutTimer.Reset()
	}
}

// resetRef clears this push's ref/refEvent/receivedResp without sending,
// used when a join push times out and must be re-armed for a future
// rejoin attempt.
func (p *Push) resetRef() {
	p.mu.Lock()
	p.ref = nil
	p.refEvent = ""
	p.receivedResp = nil
	p.sent = false
	p.mu.Unlock()
}

// Resend cancels any pending timer, clears ref/refEvent/receivedResp, and
// sends again. Used for rejoin and for user-level retry.
func (p *Push) Resend(timeout time.Duration) {
	p.cancelTimeout()
	p.mu.Lock()
	p.timeout = timeout
	p.ref = nil
	p.refEvent = ""
	p.receivedResp = nil
	p.sent = false
	p.mu.Unlock()
	p.Send()
}
