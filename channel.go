package phx

import (
	"encoding/json"
	"sync"
	"time"
)

// ChannelState is the Channel's lifecycle state.
type ChannelState int

const (
	Closed ChannelState = iota
	Joining
	Joined
	Leaving
	Errored
)

func (s ChannelState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Subscription identifies one On() registration for removal by Off. It is
// opaque and compared by identity, not by event name, so that multiple
// subscriptions to the same event can be independently removed.
type Subscription struct {
	id    uint64
	event string
}

type binding struct {
	id uint64
	cb func(Message)
}

// Channel is a per-topic state machine: join, rejoin, leave, push
// buffering, event subscription dispatch.
type Channel struct {
	mu sync.Mutex

	// Topic is the immutable identifier this channel was constructed
	// with, e.g. "rooms:lobby".
	Topic string
	// Params is sent as the join payload on every join attempt,
	// including rejoins; MessageHook may be set before the first Join to
	// post-process inbound payloads.
	Params      any
	Timeout     time.Duration
	MaxBuffered int

	// MessageHook runs on every inbound message's payload before
	// fan-out. It defaults to the identity function. Returning nil for a
	// non-nil input payload is a contract violation and panics.
	MessageHook func(event string, payload json.RawMessage) json.RawMessage

	socket     *Socket
	state      ChannelState
	joinedOnce bool
	joinPush   *Push
	pushBuffer []*Push
	bindings   map[string][]binding
	nextSubID  uint64

	rejoinTimer *Scheduler
	logger      Logger

	openSub  *Subscription
	closeSub *Subscription
	errSub   *Subscription
}

func newChannel(socket *Socket, topic string, params any) *Channel {
	c := &Channel{
		Topic:       topic,
		Params:      params,
		Timeout:     socket.defaultTimeout(),
		MaxBuffered: socket.maxBufferedPushes(),
		socket:      socket,
		state:       Closed,
		bindings:    map[string][]binding{},
		logger:      socket.logger,
	}
	c.joinPush = newPush(c, EventJoin, func() any { return c.Params }, c.Timeout)
	c.rejoinTimer = NewScheduler(c.rejoinTimerFired, socket.rejoinAfter, socket.executor())

	c.openSub = socket.OnOpen(c.onSocketOpen)
	c.closeSub = socket.OnClose(c.onSocketClose)
	c.errSub = socket.OnError(c.onSocketError)

	return c
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinedOnce reports whether Join has ever succeeded in being called (the
// one-shot latch; it never clears).
func (c *Channel) JoinedOnce() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinedOnce
}

// JoinRef returns the ref of the Push that performed the most recent join
// attempt, or "" if the channel has never attempted to join.
func (c *Channel) JoinRef() string {
	return derefOrEmpty(c.joinRefPtr())
}

func (c *Channel) joinRefPtr() *string {
	c.joinPush.mu.Lock()
	defer c.joinPush.mu.Unlock()
	return c.joinPush.ref
}

// Join sends the channel's first join attempt. It fails with
// ErrAlreadyJoined if called more than once on the same Channel; use the
// automatic rejoin machinery (driven by transport events) for every
// subsequent join of this topic.
func (c *Channel) Join(timeout ...time.Duration) (*Push, error) {
	c.mu.Lock()
	if c.joinedOnce {
		c.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	c.joinedOnce = true
	c.state = Joining
	t := c.Timeout
	if len(timeout) > 0 {
		t = timeout[0]
	}
	c.mu.Unlock()

	c.joinPush.mu.Lock()
	c.joinPush.timeout = t
	c.joinPush.mu.Unlock()

	c.armJoinReceivers()
	c.joinPush.Send()
	return c.joinPush, nil
}

// armJoinReceivers (re-)registers the join-outcome handlers on joinPush.
// It is called once per join/rejoin attempt, so it first clears any
// handlers left by a prior attempt — joinPush.receivers otherwise keeps
// accumulating one copy per rejoin, and a single reply would fire every
// copy (double phx_leave, corrupted backoff try count).
func (c *Channel) armJoinReceivers() {
	c.joinPush.clearReceivers("ok", "error", "timeout")
	c.joinPush.Receive("ok", func(Reply) { c.handleJoinOk() })
	c.joinPush.Receive("error", func(Reply) { c.handleJoinError() })
	c.joinPush.Receive("timeout", func(Reply) { c.handleJoinTimeout() })
}

func (c *Channel) handleJoinOk() {
	c.mu.Lock()
	c.state = Joined
	buffered := c.pushBuffer
	c.pushBuffer = nil
	c.mu.Unlock()

	c.rejoinTimer.Reset()
	for _, p := range buffered {
		p.Send()
	}
}

func (c *Channel) handleJoinError() {
	c.mu.Lock()
	c.state = Errored
	c.mu.Unlock()

	if c.socket.IsOpen() {
		c.rejoinTimer.ScheduleTimeout()
	}
}

func (c *Channel) handleJoinTimeout() {
	c.sendLeaveFireAndForget()

	c.mu.Lock()
	c.state = Errored
	c.mu.Unlock()
	c.joinPush.resetRef()

	c.rejoinTimer.ScheduleTimeout()
}

func (c *Channel) sendLeaveFireAndForget() {
	ref := c.socket.MakeRef()
	payload, _ := json.Marshal(map[string]any{})
	env := Envelope{
		JoinRef: c.joinRefPtr(),
		Ref:     &ref,
		Topic:   c.Topic,
		Event:   EventLeave,
		Payload: payload,
	}
	c.socket.Push(env)
}

// Push sends event/payload on this channel. It requires JoinedOnce, else
// fails with ErrNotJoined. If the channel can push immediately (socket
// open and state Joined) it sends now; otherwise the push's timeout timer
// starts and it is enqueued in pushBuffer, drained FIFO on the next
// successful join.
func (c *Channel) Push(event string, payload any, timeout ...time.Duration) (*Push, error) {
	c.mu.Lock()
	if !c.joinedOnce {
		c.mu.Unlock()
		return nil, ErrNotJoined
	}
	t := c.Timeout
	if len(timeout) > 0 {
		t = timeout[0]
	}
	c.mu.Unlock()

	p := newPush(c, event, func() any { return payload }, t)

	if c.canPush() {
		p.Send()
		return p, nil
	}

	p.startTimeout()
	c.bufferPush(p)
	return p, nil
}

func (c *Channel) bufferPush(p *Push) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MaxBuffered > 0 && len(c.pushBuffer) >= c.MaxBuffered {
		dropped := c.pushBuffer[0]
		c.pushBuffer = c.pushBuffer[1:]
		c.logger.Warn("dropping oldest buffered push", "topic", c.Topic, "event", dropped.event)
	}
	c.pushBuffer = append(c.pushBuffer, p)
}

func (c *Channel) canPush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canPushLocked()
}

func (c *Channel) canPushLocked() bool {
	return c.state == Joined && c.socket.IsOpen()
}

// Leave transitions the channel to Leaving and sends phx_leave. If the
// socket is not open, the leave is synthesized as an immediate "ok" rather
// than waiting for a reply that can never arrive.
func (c *Channel) Leave(timeout ...time.Duration) *Push {
	c.mu.Lock()
	c.state = Leaving
	t := c.Timeout
	if len(timeout) > 0 {
		t = timeout[0]
	}
	socketOpen := c.socket.IsOpen()
	c.mu.Unlock()

	c.joinPush.cancelTimeout()
	c.rejoinTimer.Reset()

	leavePush := newPush(c, EventLeave, func() any { return map[string]any{} }, t)
	leavePush.Receive("ok", func(Reply) { c.transitionClosed() })
	leavePush.Receive("timeout", func(Reply) { c.transitionClosed() })
	leavePush.Send()

	if !socketOpen {
		leavePush.triggerSynthetic("ok")
	}
	return leavePush
}

// transitionClosed moves the channel to Closed. It is idempotent: a
// server-delivered phx_close racing the eager synthetic close from Leave
// (see Leave) must not double-fire the transition.
func (c *Channel) transitionClosed() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.mu.Unlock()

	c.rejoinTimer.Reset()
	c.detachSocketListeners()
}

func (c *Channel) detachSocketListeners() {
	c.mu.Lock()
	openSub, closeSub, errSub := c.openSub, c.closeSub, c.errSub
	c.openSub, c.closeSub, c.errSub = nil, nil, nil
	c.mu.Unlock()

	if openSub != nil {
		c.socket.OffOpen(openSub)
	}
	if closeSub != nil {
		c.socket.OffClose(closeSub)
	}
	if errSub != nil {
		c.socket.OffError(errSub)
	}
}

// On registers cb for event, returning a Subscription handle for removal.
// Multiple subscriptions to the same event fire in insertion order.
func (c *Channel) On(event string, cb func(Message)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.bindings[event] = append(c.bindings[event], binding{id: id, cb: cb})
	return &Subscription{id: id, event: event}
}

// Off removes a single subscription by identity.
func (c *Channel) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	binds := c.bindings[sub.event]
	for i, b := range binds {
		if b.id == sub.id {
			c.bindings[sub.event] = append(binds[:i:i], binds[i+1:]...)
			return
		}
	}
}

// OffEvent removes every subscription registered for event.
func (c *Channel) OffEvent(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, event)
}

// isMember reports whether env should be delivered to this channel: the
// topic must match, and the joinRef must be absent or equal to the
// channel's current join incarnation.
func (c *Channel) isMember(env Envelope) bool {
	if env.Topic != c.Topic {
		return false
	}
	if env.JoinRef == nil {
		return true
	}
	cur := c.joinRefPtr()
	return cur != nil && *env.JoinRef == *cur
}

// trigger processes one inbound envelope already known to be a member of
// this channel (see isMember). phx_reply is fanned out under a synthetic
// chan_reply_<ref> event name so Push.Receive and arbitrary server events
// share the same dispatch path. Envelopes arriving while the channel is
// Closed are ignored.
func (c *Channel) trigger(env Envelope) {
	c.mu.Lock()
	closed := c.state == Closed
	c.mu.Unlock()
	if closed {
		return
	}

	handledEvent := env.Event
	if env.Event == EventReply && env.Ref != nil {
		handledEvent = replyEventFor(*env.Ref)
	}

	payload := c.runMessageHook(handledEvent, env.Payload)

	switch env.Event {
	case EventClose:
		c.transitionClosed()
	case EventError:
		c.handleInboundError()
	}

	c.dispatch(handledEvent, Message{
		JoinRef: env.JoinRef,
		Ref:     env.Ref,
		Topic:   env.Topic,
		Event:   handledEvent,
		Payload: payload,
	})
}

func (c *Channel) runMessageHook(event string, payload json.RawMessage) json.RawMessage {
	c.mu.Lock()
	hook := c.MessageHook
	c.mu.Unlock()
	if hook == nil {
		return payload
	}
	out := hook(event, payload)
	if payload != nil && out == nil {
		panic(ErrContractViolation)
	}
	return out
}

func (c *Channel) handleInboundError() {
	c.mu.Lock()
	wasJoining := c.state == Joining
	c.state = Errored
	c.mu.Unlock()

	if wasJoining {
		c.joinPush.resetRef()
	}
	if c.socket.IsOpen() {
		c.rejoinTimer.ScheduleTimeout()
	}
}

func (c *Channel) dispatch(event string, msg Message) {
	c.mu.Lock()
	binds := append([]binding(nil), c.bindings[event]...)
	c.mu.Unlock()
	for _, b := range binds {
		b.cb(msg)
	}
}

// rejoin evicts any other registered Channel on the same topic, transitions
// to Joining, and resends joinPush with a fresh ref. It is a no-op while
// Leaving, so an in-progress shutdown is never disturbed.
func (c *Channel) rejoin(timeout ...time.Duration) {
	c.mu.Lock()
	if c.state == Leaving {
		c.mu.Unlock()
		return
	}
	t := c.Timeout
	if len(timeout) > 0 {
		t = timeout[0]
	}
	c.mu.Unlock()

	c.socket.leaveOpenTopic(c.Topic)

	c.mu.Lock()
	c.state = Joining
	c.mu.Unlock()

	// Drop the previous attempt's reply first, so re-arming the receivers
	// does not replay it.
	c.joinPush.resetRef()
	c.armJoinReceivers()
	c.joinPush.Resend(t)
}

func (c *Channel) rejoinTimerFired() {
	if c.socket.IsOpen() {
		c.rejoin()
	}
}

func (c *Channel) onSocketOpen() {
	c.mu.Lock()
	errored := c.state == Errored
	c.mu.Unlock()
	if errored {
		c.rejoin()
	}
}

func (c *Channel) onSocketClose(code int, reason string) {
	c.mu.Lock()
	s := c.state
	if s == Joined || s == Joining {
		c.state = Errored
	}
	c.mu.Unlock()
	if s == Joined || s == Joining {
		c.logger.Info("channel errored by transport close", "topic", c.Topic, "code", code, "reason", reason)
	}
}

func (c *Channel) onSocketError(err error) {
	c.mu.Lock()
	s := c.state
	if s == Joined || s == Joining {
		c.state = Errored
	}
	c.mu.Unlock()
}
