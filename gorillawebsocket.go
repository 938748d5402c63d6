package phx

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// gorillaWebsocket is an alternative IWebsocket implementation backed by
// github.com/gorilla/websocket, grounded on the same wire protocol as
// xnetWebsocket but a different transport library — swap it in via
// WithTransportFactory(NewGorillaWebsocketFactory(nil)) when a host
// application already depends on gorilla/websocket elsewhere.
type gorillaWebsocket struct {
	url    string
	cb     TransportCallbacks
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewGorillaWebsocketFactory returns a TransportFactory backed by
// github.com/gorilla/websocket. A nil dialer uses websocket.DefaultDialer.
func NewGorillaWebsocketFactory(dialer *websocket.Dialer) TransportFactory {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return func(endpointURL string, cb TransportCallbacks) IWebsocket {
		return &gorillaWebsocket{url: endpointURL, cb: cb, dialer: dialer}
	}
}

func (w *gorillaWebsocket) Connect() error {
	conn, _, err := w.dialer.Dial(w.url, nil)
	if err != nil {
		if w.cb.OnError != nil {
			w.cb.OnError(err)
		}
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if w.cb.OnOpen != nil {
		w.cb.OnOpen()
	}
	go w.readLoop()
	return nil
}

func (w *gorillaWebsocket) readLoop() {
	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closed := w.conn == nil
			w.conn = nil
			w.mu.Unlock()
			if !closed && w.cb.OnClose != nil {
				code := 1006
				if ce, ok := err.(*websocket.CloseError); ok {
					code = ce.Code
				}
				w.cb.OnClose(code, err.Error())
			}
			return
		}

		if w.cb.OnMessage != nil {
			w.cb.OnMessage(string(data))
		}
	}
}

func (w *gorillaWebsocket) Send(text string) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (w *gorillaWebsocket) Close(code int, reason string) error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	err := conn.Close()
	if w.cb.OnClose != nil {
		w.cb.OnClose(code, reason)
	}
	return err
}
