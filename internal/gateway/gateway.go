// Package gateway accepts the participant-facing duplex connections and
// routes their messages into the room store, the arbitrator, and the audio
// session manager.
//
// One goroutine drives each connection: it reads inbound JSON frames and
// dispatches them by type. A second goroutine per connection sends a
// heartbeat ping. Outbound traffic — state updates and binary audio — flows
// through the room store's broadcast fan-out, for which every accepted
// connection registers a [room.Conn] adapter.
//
// The gateway also owns the cross-component wiring that does not belong to
// any single service: the arbitration tick callback (arbitrate, push
// upstream, apply, broadcast) and the drop vote side effects (countdown,
// prompt override, expiry).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/crowdsynth/crowdsynth/internal/arbiter"
	"github.com/crowdsynth/crowdsynth/internal/audio"
	"github.com/crowdsynth/crowdsynth/internal/observe"
	"github.com/crowdsynth/crowdsynth/internal/room"
)

const (
	// heartbeatInterval is how often the server pings each client.
	heartbeatInterval = 30 * time.Second

	// dropDelay is the countdown between a triggered drop vote and the
	// upstream prompt override.
	dropDelay = 3 * time.Second

	// Inbound high-frequency messages (input_update, applause_update) are
	// throttled per connection.
	inputRateLimit = rate.Limit(10)
	inputRateBurst = 20
)

// Gateway routes websocket traffic between clients and the room coordinator.
type Gateway struct {
	store   *room.Store
	arb     *arbiter.Arbiter
	audio   *audio.Manager
	metrics *observe.Metrics

	originPatterns []string
	heartbeat      time.Duration
	dropDelay      time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithOriginPatterns sets the allowed websocket origins. Default: all.
func WithOriginPatterns(patterns ...string) Option {
	return func(g *Gateway) { g.originPatterns = patterns }
}

// WithHeartbeatInterval overrides the ping cadence. Used in tests.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(g *Gateway) { g.heartbeat = d }
}

// WithDropDelay overrides the drop countdown. Used in tests.
func WithDropDelay(d time.Duration) Option {
	return func(g *Gateway) { g.dropDelay = d }
}

// New returns a Gateway wired to the given components.
func New(store *room.Store, arb *arbiter.Arbiter, audioMgr *audio.Manager, metrics *observe.Metrics, opts ...Option) *Gateway {
	g := &Gateway{
		store:          store,
		arb:            arb,
		audio:          audioMgr,
		metrics:        metrics,
		originPatterns: []string{"*"},
		heartbeat:      heartbeatInterval,
		dropDelay:      dropDelay,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// session is the per-connection mutable state: which room and user this
// connection currently speaks for. Only the connection's own read goroutine
// touches it.
type session struct {
	conn   *wsConn
	roomID string
	userID string
}

// HandleWS upgrades the request and drives the connection until it closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	conn := newWSConn(c)
	sess := &session{conn: conn}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if g.metrics != nil {
		g.metrics.ActiveConnections.Add(ctx, 1)
		defer g.metrics.ActiveConnections.Add(context.Background(), -1)
	}

	go g.heartbeatLoop(ctx, conn)

	defer func() {
		if sess.roomID != "" {
			g.store.RemoveConn(sess.roomID, conn.id)
		}
		c.Close(websocket.StatusNormalClosure, "")
		slog.Info("connection closed", "connection_id", conn.id, "user_id", sess.userID, "room_id", sess.roomID)
	}()

	slog.Info("connection accepted", "connection_id", conn.id)
	g.readLoop(ctx, sess)
}

// heartbeatLoop pings the client on a fixed cadence until the connection
// context ends or a send fails.
func (g *Gateway) heartbeatLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.SendJSON(ctx, typeOnlyMsg{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

// readLoop reads frames until the connection drops. Binary frames from
// clients are ignored; malformed JSON earns a private error but keeps the
// connection open.
func (g *Gateway) readLoop(ctx context.Context, sess *session) {
	limiter := rate.NewLimiter(inputRateLimit, inputRateBurst)

	for {
		typ, data, err := sess.conn.c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return
			}
			slog.Debug("read ended", "connection_id", sess.conn.id, "error", err)
			return
		}
		if typ == websocket.MessageBinary {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			g.sendPrivate(ctx, sess, errMessage("Invalid JSON"))
			continue
		}

		g.dispatch(ctx, sess, limiter, msg)
	}
}

func (g *Gateway) dispatch(ctx context.Context, sess *session, limiter *rate.Limiter, msg inbound) {
	if g.metrics != nil && msg.Type != "" {
		g.metrics.RecordInboundMessage(ctx, msg.Type)
	}
	if msg.UserID != "" {
		sess.userID = msg.UserID
	}

	// Reconnect path: a message carrying room_id on a connection that is not
	// yet registered re-joins that connection to the room's broadcast set.
	// Only users the room already knows get re-attached; anyone else has to
	// go through join_room and its capacity check.
	if sess.roomID == "" && msg.RoomID != "" && msg.Type != "join_room" && msg.Type != "create_room" {
		roomID := strings.ToUpper(msg.RoomID)
		if _, member := g.store.Role(roomID, sess.userID); member {
			if err := g.store.RegisterConn(roomID, sess.conn); err == nil {
				sess.roomID = roomID
				slog.Info("connection re-registered", "connection_id", sess.conn.id, "room_id", roomID, "user_id", sess.userID)
			}
		}
	}

	switch msg.Type {
	case "create_room":
		g.handleCreateRoom(ctx, sess, msg)
	case "join_room":
		g.handleJoinRoom(ctx, sess, msg)
	case "start_music":
		g.handleStartMusic(ctx, sess)
	case "stop_music":
		g.handleStopMusic(ctx, sess)
	case "close_room":
		g.handleCloseRoom(ctx, sess, "room_closed")
	case "end_stream":
		g.handleCloseRoom(ctx, sess, "room_ended")
	case "leave_room":
		g.handleLeaveRoom(ctx, sess)
	case "input_update":
		if limiter.Allow() {
			g.handleInputUpdate(ctx, sess, msg)
		}
	case "applause_update":
		if limiter.Allow() {
			g.handleApplause(ctx, sess, msg)
		}
	case "drop":
		g.handleDrop(ctx, sess)
	default:
		// Unknown message types are dropped silently.
	}
}

// sendPrivate sends a message to this connection only. Send failures are
// left to the read loop to notice.
func (g *Gateway) sendPrivate(ctx context.Context, sess *session, v any) {
	if err := sess.conn.SendJSON(ctx, v); err != nil {
		slog.Debug("private send failed", "connection_id", sess.conn.id, "error", err)
	}
}

// broadcastState snapshots and fans out a state_update for the room.
func (g *Gateway) broadcastState(ctx context.Context, roomID, reasoning string) {
	msg, err := g.store.StateUpdateMessage(roomID, reasoning)
	if err != nil {
		return
	}
	g.store.BroadcastJSON(ctx, roomID, msg)
}
