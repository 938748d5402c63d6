package phx

import (
	"sync"
)

// fakeTransport is a synchronous, in-memory IWebsocket used by the unit
// tests in this package: Connect/Send/Close never touch the network, and
// inbound messages are delivered by calling deliver directly, so tests
// control ordering precisely instead of racing goroutines.
type fakeTransport struct {
	mu     sync.Mutex
	cb     TransportCallbacks
	sent   []string
	closed bool
}

func (f *fakeTransport) Connect() error {
	if f.cb.OnOpen != nil {
		f.cb.OnOpen()
	}
	return nil
}

func (f *fakeTransport) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	if f.cb.OnClose != nil {
		f.cb.OnClose(code, reason)
	}
	return nil
}

func (f *fakeTransport) deliverText(text string) {
	if f.cb.OnMessage != nil {
		f.cb.OnMessage(text)
	}
}

func (f *fakeTransport) deliver(env Envelope, ser Serializer) {
	text, err := ser.Encode(env)
	if err != nil {
		panic(err)
	}
	f.deliverText(text)
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) sentEnvelopes(ser Serializer) []Envelope {
	texts := f.sentTexts()
	envs := make([]Envelope, 0, len(texts))
	for _, text := range texts {
		env, err := ser.Decode(text)
		if err != nil {
			panic(err)
		}
		envs = append(envs, env)
	}
	return envs
}

// newTestSocket returns a Socket wired to a fakeExecutor (so timers never
// fire on their own — tests fire them explicitly) and a fakeTransport
// captured via closure, accessible once Connect has run.
func newTestSocket(opts ...SocketOption) (*Socket, *fakeExecutor, func() *fakeTransport) {
	exec := &fakeExecutor{}
	var tr *fakeTransport

	base := []SocketOption{
		withExecutor(exec),
		WithTransportFactory(func(url string, cb TransportCallbacks) IWebsocket {
			tr = &fakeTransport{cb: cb}
			return tr
		}),
	}
	s := NewSocket("ws://test/socket", append(base, opts...)...)
	return s, exec, func() *fakeTransport { return tr }
}
