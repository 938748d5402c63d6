package phx

import (
	"fmt"
	"sync"

	"golang.org/x/net/websocket"
)

const xnetOrigin = "http://localhost/"

// xnetWebsocket is the default IWebsocket implementation, backed directly
// by golang.org/x/net/websocket the way the teacher's pusher client dials
// and reads its connection.
type xnetWebsocket struct {
	url string
	cb  TransportCallbacks

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewXNetWebsocketFactory returns a TransportFactory backed by
// golang.org/x/net/websocket. This is the Socket default.
func NewXNetWebsocketFactory() TransportFactory {
	return defaultXNetTransportFactory
}

func defaultXNetTransportFactory(endpointURL string, cb TransportCallbacks) IWebsocket {
	return &xnetWebsocket{url: endpointURL, cb: cb}
}

func (w *xnetWebsocket) Connect() error {
	conn, err := websocket.Dial(w.url, "", xnetOrigin)
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

func (w *xnetWebsocket) readLoop() {
	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}

		var text string
		if err := websocket.Message.Receive(conn, &text); err != nil {
			w.mu.Lock()
			closed := w.conn == nil
			w.conn = nil
			w.mu.Unlock()
			if !closed && w.cb.OnClose != nil {
				w.cb.OnClose(1006, err.Error())
			}
			return
		}

		if w.cb.OnMessage != nil {
			w.cb.OnMessage(text)
		}
	}
}

func (w *xnetWebsocket) Send(text string) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("phx: %w", ErrNotConnected)
	}
	return websocket.Message.Send(conn, text)
}

func (w *xnetWebsocket) Close(code int, reason string) error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	if w.cb.OnClose != nil {
		w.cb.OnClose(code, reason)
	}
	return err
}
