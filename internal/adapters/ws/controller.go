// Package ws carries the gateway's websocket transport.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mstegen/relay/internal/app"
	"github.com/mstegen/relay/internal/core"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	// The platform fronts the gateway with its own origin checks.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller upgrades connections, runs the handshake through the
// supervisor, and pumps frames between the socket and the session.
type Controller struct {
	Supervisor *app.Supervisor
	Router     *app.Router

	ReadLimit  int64
	PingPeriod time.Duration
}

// Handle serves one websocket connection for its whole lifetime.
func (ctl *Controller) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Str("module", "ws.controller").Err(err).Msg("upgrade failed")
		return
	}

	sess, err := ctl.Supervisor.Accept(bearerToken(c.Request))
	if err != nil {
		log.Warn().Str("module", "ws.controller").Err(err).Msg("handshake rejected")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, authCloseReason(err))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	if ctl.ReadLimit > 0 {
		conn.SetReadLimit(ctl.ReadLimit)
	}

	// The request context dies with the hijacked handler; the pumps live on
	// their own context until the read side returns.
	ctx, cancel := context.WithCancel(context.Background())
	go ctl.writePump(ctx, sess, conn)
	ctl.readPump(sess, conn)
	cancel()
}

// readPump processes the connection's inbound stream sequentially; this is
// what makes per-sender ordering hold without any further coordination.
func (ctl *Controller) readPump(sess *core.Session, conn *websocket.Conn) {
	defer func() {
		ctl.Supervisor.OnDisconnect(sess)
		_ = conn.Close()
	}()

	// A quiet listener proves liveness through pong replies, so pongs count
	// as activity for the idle sweep and extend the read deadline.
	if ctl.PingPeriod > 0 {
		pongWait := ctl.PingPeriod * 10 / 9
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			sess.Touch()
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Str("module", "ws.controller").Str("conn", string(sess.ID())).Err(err).Msg("read error")
			}
			return
		}
		sess.Touch()
		ctl.handleFrame(sess, data)
	}
}

func (ctl *Controller) handleFrame(sess *core.Session, data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ctl.sendError(sess, "bad-event", "malformed event")
		return
	}
	if err := env.Validate(); err != nil {
		ctl.sendError(sess, "bad-event", err.Error())
		return
	}

	switch env.Type {
	case core.EventJoin:
		ctl.Router.Join(sess, env.RoomKey())
	case core.EventLeave:
		ctl.Router.Leave(sess, env.RoomKey())
	default:
		if err := ctl.Router.Route(sess, &env); err != nil {
			switch {
			case errors.Is(err, core.ErrNotMember):
				ctl.sendError(sess, "not-member", "join the room before publishing to it")
			case errors.Is(err, core.ErrUnknownTarget):
				ctl.sendError(sess, "unknown-target", "target is not a member of the room")
			default:
				ctl.sendError(sess, "bad-event", err.Error())
			}
		}
	}
}

func (ctl *Controller) writePump(ctx context.Context, sess *core.Session, conn *websocket.Conn) {
	ping := ctl.PingPeriod
	if ping <= 0 {
		ping = 54 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.Outbox().Ready():
			for {
				env, ok := sess.Outbox().TryPop()
				if !ok {
					break
				}
				raw, err := json.Marshal(env)
				if err != nil {
					log.Error().Str("module", "ws.controller").Err(err).Msg("marshal outbound")
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					log.Debug().Str("module", "ws.controller").Str("conn", string(sess.ID())).Err(err).Msg("write error")
					return
				}
			}
		}
	}
}

// sendError reports a rejected event to the connection itself.
func (ctl *Controller) sendError(sess *core.Session, code, msg string) {
	_, _ = sess.Outbox().Push(core.NewErrorEvent(code, msg), true)
}

// bearerToken pulls the credential from the Authorization header, or from
// the token query param for browser websocket clients that cannot set
// headers on the upgrade request.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func authCloseReason(err error) string {
	if errors.Is(err, core.ErrUnauthenticated) {
		return "authentication required"
	}
	return "authentication failed"
}
