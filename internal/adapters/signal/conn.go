package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/famcall/famcall/internal/app"
	"github.com/famcall/famcall/internal/domain"
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrBackpressure = errors.New("backpressure")
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// WSConn is one server-side websocket endpoint. It implements
// app.Conn; the controller owns its pumps and closes the socket.
type WSConn struct {
	id   app.ConnID
	conn *websocket.Conn

	mu   sync.RWMutex
	user domain.User

	send    chan domain.Envelope
	done    chan struct{}
	closing chan struct{}
	pumpOut chan struct{}

	once     sync.Once
	shutOnce sync.Once
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{
		id:      app.ConnID(uuid.NewString()),
		conn:    ws,
		send:    make(chan domain.Envelope, sendBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		pumpOut: make(chan struct{}),
	}
}

func (c *WSConn) ID() app.ConnID { return c.id }

func (c *WSConn) User() domain.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *WSConn) SetUser(u domain.User) {
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
}

// TrySend enqueues without blocking; a full buffer means the peer is
// not draining and the caller decides what to do with it.
func (c *WSConn) TrySend(env domain.Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *WSConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Shutdown hands the connection to the write pump for teardown: the
// pump writes out whatever is queued, then closes the socket. Used
// when the server rejects a peer, so the rejection envelope reaches
// the wire before the close does. Blocks until the pump is done; the
// write deadline bounds the wait.
func (c *WSConn) Shutdown() {
	c.shutOnce.Do(func() { close(c.closing) })
	select {
	case <-c.pumpOut:
	case <-time.After(writeTimeout):
		c.Close()
	}
}

// writePump drains the send queue to the network. Runs until the
// connection is closed or shut down.
func (c *WSConn) writePump() {
	defer close(c.pumpOut)
	for {
		select {
		case <-c.done:
			return
		case <-c.closing:
			c.flushQueue()
			c.Close()
			return
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				c.Close()
				return
			}
		}
	}
}

// flushQueue writes everything already queued, stopping at the first
// failure.
func (c *WSConn) flushQueue() {
	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		default:
			return
		}
	}
}
