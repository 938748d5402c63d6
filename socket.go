package phx

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// IWebsocket is the transport contract the Socket depends on. Connect
// opens the transport; Send writes one text frame; Close closes it. All
// inbound activity (open/message/error/close) arrives through the
// TransportCallbacks supplied to the TransportFactory that created this
// value. Implementations must not reorder frames within one connection.
type IWebsocket interface {
	Connect() error
	Send(text string) error
	Close(code int, reason string) error
}

// TransportCallbacks are invoked by an IWebsocket implementation as
// transport events occur. Any nil callback is simply not invoked.
type TransportCallbacks struct {
	OnOpen    func()
	OnMessage func(text string)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// TransportFactory constructs a new IWebsocket bound to endpointURL, wired
// to invoke cb as transport events occur.
type TransportFactory func(endpointURL string, cb TransportCallbacks) IWebsocket

type openSubscription struct {
	id uint64
	cb func()
}

type closeSubscription struct {
	id uint64
	cb func(code int, reason string)
}

type errorSubscription struct {
	id uint64
	cb func(err error)
}

// Socket owns a single multiplexed transport endpoint: it encodes/decodes
// envelopes, dispatches inbound messages to Channels by topic, sends
// heartbeats, and manages reconnect backoff.
type Socket struct {
	mu sync.Mutex

	endpointURL string
	params      any

	timeout           time.Duration
	heartbeatInterval time.Duration
	reconnectAfter    func(tries int) time.Duration
	rejoinAfter       func(tries int) time.Duration
	logger            Logger
	serializer        Serializer
	transportFactory  TransportFactory
	maxBuffered       int
	exec              Executor

	transport     IWebsocket
	open          bool
	connecting    bool
	explicitClose bool

	ref        uint64
	sendBuffer []Envelope
	channels   []*Channel

	heartbeatTimer   Canceler
	heartbeatRef     *string
	pendingHeartbeat bool

	reconnectTimer *Scheduler

	openSubs  []openSubscription
	closeSubs []closeSubscription
	errorSubs []errorSubscription
	nextSubID uint64
}

// SocketOption configures a Socket at construction time.
type SocketOption func(*Socket)

// WithTimeout overrides the default per-push deadline (10s).
func WithTimeout(d time.Duration) SocketOption { return func(s *Socket) { s.timeout = d } }

// WithHeartbeatInterval overrides the default heartbeat period (30s). A
// value <= 0 disables the heartbeat.
func WithHeartbeatInterval(d time.Duration) SocketOption {
	return func(s *Socket) { s.heartbeatInterval = d }
}

// WithReconnectAfter overrides the transport reconnect backoff schedule.
func WithReconnectAfter(f func(tries int) time.Duration) SocketOption {
	return func(s *Socket) { s.reconnectAfter = f }
}

// WithRejoinAfter overrides the per-channel rejoin backoff schedule.
func WithRejoinAfter(f func(tries int) time.Duration) SocketOption {
	return func(s *Socket) { s.rejoinAfter = f }
}

// WithLogger sets the structured log sink. Any *slog.Logger satisfies
// Logger directly.
func WithLogger(l Logger) SocketOption {
	return func(s *Socket) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSerializer overrides the wire serializer (default ArraySerializer,
// the canonical Phoenix v2 format).
func WithSerializer(ser Serializer) SocketOption { return func(s *Socket) { s.serializer = ser } }

// WithParams sets the default params object used as the join params of
// every channel created with nil params; a channel created with non-nil
// params uses its own.
func WithParams(p any) SocketOption { return func(s *Socket) { s.params = p } }

// WithTransportFactory overrides the default golang.org/x/net/websocket
// transport, e.g. with NewGorillaWebsocketFactory.
func WithTransportFactory(f TransportFactory) SocketOption {
	return func(s *Socket) { s.transportFactory = f }
}

// WithMaxBufferedPushes bounds each channel's pushBuffer. 0 (the default)
// leaves it unbounded, matching the literal spec text; a positive value
// drops the oldest buffered push (with a Warn log) once the bound is hit.
func WithMaxBufferedPushes(n int) SocketOption { return func(s *Socket) { s.maxBuffered = n } }

// withExecutor is unexported: only tests substitute a virtual-time
// Executor, production callers always get the real one.
func withExecutor(e Executor) SocketOption { return func(s *Socket) { s.exec = e } }

func defaultReconnectAfter(tries int) time.Duration {
	schedule := []time.Duration{
		10 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond,
		150 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond,
		500 * time.Millisecond, time.Second, 2 * time.Second,
	}
	if tries < 1 {
		tries = 1
	}
	if tries > len(schedule) {
		tries = len(schedule)
	}
	return schedule[tries-1]
}

func defaultRejoinAfter(tries int) time.Duration {
	schedule := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	if tries < 1 {
		tries = 1
	}
	if tries > len(schedule) {
		tries = len(schedule)
	}
	return schedule[tries-1]
}

// NewSocket constructs a Socket bound to endpointURL. The transport is not
// opened until Connect is called.
func NewSocket(endpointURL string, opts ...SocketOption) *Socket {
	s := &Socket{
		endpointURL:       endpointURL,
		timeout:           10 * time.Second,
		heartbeatInterval: 30 * time.Second,
		reconnectAfter:    defaultReconnectAfter,
		rejoinAfter:       defaultRejoinAfter,
		logger:            noopLogger{},
		serializer:        ArraySerializer{},
		transportFactory:  defaultXNetTransportFactory,
		exec:              realExecutor{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reconnectTimer = NewScheduler(s.reopenAfterBackoff, s.reconnectAfter, s.exec)
	return s
}

func (s *Socket) defaultTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *Socket) maxBufferedPushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBuffered
}

func (s *Socket) executor() Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec
}

// IsOpen reports whether the transport is currently open.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Connect opens the transport if not already open or opening. On open it
// flushes sendBuffer, starts the heartbeat, and notifies open listeners.
func (s *Socket) Connect() error {
	s.mu.Lock()
	if s.open || s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.explicitClose = false
	endpoint := s.endpointURL
	factory := s.transportFactory
	s.mu.Unlock()

	transport := factory(endpoint, TransportCallbacks{
		OnOpen:    s.handleTransportOpen,
		OnMessage: s.handleTransportMessage,
		OnError:   s.handleTransportError,
		OnClose:   s.handleTransportClose,
	})

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	return transport.Connect()
}

// Disconnect closes the transport and suppresses auto-reconnect.
func (s *Socket) Disconnect(code int, reason string) error {
	s.mu.Lock()
	s.explicitClose = true
	transport := s.transport
	s.mu.Unlock()

	s.reconnectTimer.Reset()
	s.stopHeartbeat()

	if transport == nil {
		return nil
	}
	return transport.Close(code, reason)
}

func (s *Socket) handleTransportOpen() {
	s.mu.Lock()
	s.open = true
	s.connecting = false
	buffered := s.sendBuffer
	s.sendBuffer = nil
	s.mu.Unlock()

	s.reconnectTimer.Reset()
	s.startHeartbeat()

	for _, env := range buffered {
		s.sendNow(env)
	}

	s.mu.Lock()
	subs := append([]openSubscription(nil), s.openSubs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.cb()
	}
}

func (s *Socket) handleTransportClose(code int, reason string) {
	s.mu.Lock()
	s.open = false
	s.connecting = false
	explicit := s.explicitClose
	subs := append([]closeSubscription(nil), s.closeSubs...)
	s.mu.Unlock()

	s.stopHeartbeat()

	for _, sub := range subs {
		sub.cb(code, reason)
	}

	if !explicit {
		s.reconnectTimer.ScheduleTimeout()
	}
}

func (s *Socket) handleTransportError(err error) {
	s.mu.Lock()
	subs := append([]errorSubscription(nil), s.errorSubs...)
	s.mu.Unlock()

	s.logger.Warn("transport error", "endpoint", s.endpointURL, "error", err)
	for _, sub := range subs {
		sub.cb(err)
	}
}

func (s *Socket) reopenAfterBackoff() {
	s.mu.Lock()
	explicit := s.explicitClose
	s.mu.Unlock()
	if explicit {
		return
	}
	_ = s.Connect()
}

func (s *Socket) startHeartbeat() {
	s.mu.Lock()
	interval := s.heartbeatInterval
	s.pendingHeartbeat = false
	s.heartbeatRef = nil
	s.mu.Unlock()
	if interval <= 0 {
		return
	}
	s.scheduleHeartbeatTick(interval)
}

func (s *Socket) stopHeartbeat() {
	s.mu.Lock()
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
	s.pendingHeartbeat = false
	s.heartbeatRef = nil
	s.mu.Unlock()
}

func (s *Socket) scheduleHeartbeatTick(interval time.Duration) {
	s.mu.Lock()
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}
	s.heartbeatTimer = s.exec.AfterFunc(interval, s.sendHeartbeat)
	s.mu.Unlock()
}

func (s *Socket) sendHeartbeat() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	if s.pendingHeartbeat {
		s.mu.Unlock()
		s.logger.Warn("heartbeat timeout, closing transport", "endpoint", s.endpointURL)
		s.forceClose(1000, "heartbeat timeout")
		return
	}

	s.ref++
	ref := strconv.FormatUint(s.ref, 10)
	s.pendingHeartbeat = true
	s.heartbeatRef = &ref
	interval := s.heartbeatInterval
	transport := s.transport
	serializer := s.serializer
	s.mu.Unlock()

	text, err := serializer.Encode(Envelope{
		Ref:     &ref,
		Topic:   HeartbeatTopic,
		Event:   EventHeartbeat,
		Payload: json.RawMessage("{}"),
	})
	if err == nil && transport != nil {
		_ = transport.Send(text)
	}

	s.scheduleHeartbeatTick(interval)
}

func (s *Socket) forceClose(code int, reason string) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport != nil {
		_ = transport.Close(code, reason)
	}
}

func (s *Socket) handleTransportMessage(text string) {
	env, err := s.serializer.Decode(text)
	if err != nil {
		s.logger.Warn("failed to decode inbound envelope", "error", err)
		return
	}

	s.mu.Lock()
	if s.pendingHeartbeat && s.heartbeatRef != nil && env.Ref != nil &&
		env.Topic == HeartbeatTopic && *env.Ref == *s.heartbeatRef {
		s.pendingHeartbeat = false
		s.heartbeatRef = nil
	}
	channels := append([]*Channel(nil), s.channels...)
	s.mu.Unlock()

	for _, ch := range channels {
		if ch.Topic != env.Topic {
			continue
		}
		if !ch.isMember(env) {
			s.logger.Info("dropping stale envelope", "topic", env.Topic, "event", env.Event, "ref", derefOrEmpty(env.Ref))
			continue
		}
		ch.trigger(env)
	}
}

// Channel constructs and registers a Channel for topic.
func (s *Socket) Channel(topic string, params any) *Channel {
	s.mu.Lock()
	if params == nil {
		params = s.params
	}
	s.mu.Unlock()
	c := newChannel(s, topic, params)
	s.mu.Lock()
	s.channels = append(s.channels, c)
	s.mu.Unlock()
	return c
}

// leaveOpenTopic force-closes any other Channel registered for topic that
// is currently Joined or Joining, evicting a duplicate-topic incarnation
// before a rejoin.
func (s *Socket) leaveOpenTopic(topic string) {
	s.mu.Lock()
	channels := append([]*Channel(nil), s.channels...)
	s.mu.Unlock()

	for _, ch := range channels {
		if ch.Topic != topic {
			continue
		}
		st := ch.State()
		if st == Joined || st == Joining {
			ch.transitionClosed()
		}
	}
}

// Push sends env immediately if the transport is open, otherwise appends
// it to sendBuffer (unbounded, memory-only) for delivery once connected.
func (s *Socket) Push(env Envelope) error {
	s.mu.Lock()
	if !s.open {
		s.sendBuffer = append(s.sendBuffer, env)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.sendNow(env)
}

func (s *Socket) sendNow(env Envelope) error {
	s.mu.Lock()
	transport := s.transport
	serializer := s.serializer
	s.mu.Unlock()

	if transport == nil {
		return ErrNotConnected
	}
	text, err := serializer.Encode(env)
	if err != nil {
		return err
	}
	return transport.Send(text)
}

// MakeRef returns the next ascending ref for this socket's lifetime,
// rendered as a string.
func (s *Socket) MakeRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

// OnOpen registers cb to fire whenever the transport opens (including on
// every reconnect). Returns a handle for OffOpen.
func (s *Socket) OnOpen(cb func()) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.openSubs = append(s.openSubs, openSubscription{id: id, cb: cb})
	return &Subscription{id: id}
}

// OffOpen removes a subscription registered with OnOpen.
func (s *Socket) OffOpen(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.openSubs {
		if o.id == sub.id {
			s.openSubs = append(s.openSubs[:i:i], s.openSubs[i+1:]...)
			return
		}
	}
}

// OnClose registers cb to fire whenever the transport closes.
func (s *Socket) OnClose(cb func(code int, reason string)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.closeSubs = append(s.closeSubs, closeSubscription{id: id, cb: cb})
	return &Subscription{id: id}
}

// OffClose removes a subscription registered with OnClose.
func (s *Socket) OffClose(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.closeSubs {
		if o.id == sub.id {
			s.closeSubs = append(s.closeSubs[:i:i], s.closeSubs[i+1:]...)
			return
		}
	}
}

// OnError registers cb to fire whenever the transport reports an error.
func (s *Socket) OnError(cb func(err error)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.errorSubs = append(s.errorSubs, errorSubscription{id: id, cb: cb})
	return &Subscription{id: id}
}

// OffError removes a subscription registered with OnError.
func (s *Socket) OffError(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.errorSubs {
		if o.id == sub.id {
			s.errorSubs = append(s.errorSubs[:i:i], s.errorSubs[i+1:]...)
			return
		}
	}
}
