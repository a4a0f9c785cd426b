package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/domain"
)

const (
	wsSignalPath   = "/api/ws/signal"
	wsWriteTimeout = 5 * time.Second
	recvBuffer     = 32
)

// WSDialer connects over a websocket, the preferred transport on
// unconstrained networks.
type WSDialer struct{}

func (WSDialer) Name() string { return "ws" }

func (WSDialer) Dial(ctx context.Context, baseURL string) (Transport, error) {
	u, err := wsURL(baseURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &domain.TransportError{Op: "ws dial", Err: err}
	}

	t := &wsTransport{
		conn: conn,
		recv: make(chan domain.Envelope, recvBuffer),
		done: make(chan struct{}),
	}
	go t.readPump()
	return t, nil
}

func wsURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", &domain.TransportError{Op: "ws dial", Err: err}
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + wsSignalPath
	return u.String(), nil
}

type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	recv    chan domain.Envelope
	done    chan struct{}
	once    sync.Once
}

func (t *wsTransport) Name() string                 { return "ws" }
func (t *wsTransport) Recv() <-chan domain.Envelope { return t.recv }
func (t *wsTransport) Done() <-chan struct{}        { return t.done }

func (t *wsTransport) Send(env domain.Envelope) error {
	select {
	case <-t.done:
		return &domain.TransportError{Op: "ws send", Err: websocket.ErrCloseSent}
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteJSON(env); err != nil {
		t.Close()
		return &domain.TransportError{Op: "ws send", Err: err}
	}
	return nil
}

func (t *wsTransport) readPump() {
	defer close(t.recv)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			log.Debug().Str("module", "client.ws").Err(err).Msg("read pump exit")
			t.Close()
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Str("module", "client.ws").Err(err).Msg("malformed envelope, dropping")
			continue
		}
		select {
		case t.recv <- env:
		case <-t.done:
			return
		}
	}
}

func (t *wsTransport) Close() {
	t.once.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
}
