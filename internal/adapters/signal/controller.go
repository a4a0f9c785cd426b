package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/domain"
)

type Controller struct {
	Dispatcher  *Dispatcher
	ReadLimit   int64
	AuthTimeout time.Duration
}

var upgrader = websocket.Upgrader{
	// The credential presented during the handshake is what gates the
	// connection, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until the
// peer goes away. The first envelope must be auth and must arrive
// within AuthTimeout; nothing is relayed before the room-join ack.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "adapters.signal").Err(err).Msg("ws upgrade failed")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := NewWSConn(ws)
	go conn.writePump()

	st := &PeerState{}
	defer func() {
		ctl.Dispatcher.Disconnect(st, conn)
		conn.Close()
		log.Info().Str("module", "adapters.signal").Str("conn", string(conn.ID())).Msg("connection closed")
	}()

	// The auth phase gets its own read deadline so a silent client
	// cannot hold an unauthenticated socket open.
	_ = ws.SetReadDeadline(time.Now().Add(ctl.AuthTimeout))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug().Str("module", "adapters.signal").Err(err).Msg("bad json")
			continue
		}
		if ctl.Dispatcher.Dispatch(ctx, st, conn, env) {
			// the rejection envelope must reach the wire before the close
			conn.Shutdown()
			return
		}
		if st.Authed {
			_ = ws.SetReadDeadline(time.Time{})
		}
	}
}
