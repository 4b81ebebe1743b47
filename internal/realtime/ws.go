package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
)

// wsConn serializes writes to one websocket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

// Authorizer decides whether a caller may follow a ride's events.
type Authorizer interface {
	CanObserve(ctx context.Context, caller dispatch.Caller, rideID string) (bool, error)
}

type clientMessage struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id,omitempty"`
}

type serverMessage struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WSHandler upgrades authenticated requests and subscribes the connection
// to its user topic. Clients join ride topics with
// {"type":"join_ride","ride_id":"..."} and leave with leave_ride.
type WSHandler struct {
	bus      *Bus
	verifier auth.Verifier
	authz    Authorizer
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(bus *Bus, verifier auth.Verifier, authz Authorizer, log *slog.Logger) *WSHandler {
	return &WSHandler{
		bus:      bus,
		verifier: verifier,
		authz:    authz,
		log:      log.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.verifier.Verify(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	wc := &wsConn{conn: conn}
	sub := h.bus.Subscribe(wc, id.UserID, id.Role)
	h.log.Info("client connected", "sub_id", sub.ID, "user_id", id.UserID, "role", id.Role)
	defer func() {
		h.bus.Unsubscribe(sub)
		h.log.Info("client disconnected", "sub_id", sub.ID, "user_id", id.UserID)
	}()

	go h.pingLoop(wc, sub)
	h.readPump(r.Context(), conn, sub, dispatch.Caller{ID: id.UserID, Role: id.Role})
}

func (h *WSHandler) pingLoop(c *wsConn, sub *Subscription) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-sub.Done():
			return
		case <-t.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, sub *Subscription, caller dispatch.Caller) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("read error", "sub_id", sub.ID, "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "join_ride":
			h.join(ctx, sub, caller, msg.RideID)
		case "leave_ride":
			h.bus.Leave(sub, msg.RideID)
			h.bus.SendDirect(sub, serverMessage{Type: "left", RideID: msg.RideID})
		case "ping":
			h.bus.SendDirect(sub, serverMessage{Type: "pong"})
		default:
			h.bus.SendDirect(sub, serverMessage{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *WSHandler) join(ctx context.Context, sub *Subscription, caller dispatch.Caller, rideID string) {
	ok, err := h.authz.CanObserve(ctx, caller, rideID)
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		h.bus.SendDirect(sub, serverMessage{Type: "error", RideID: rideID, Error: "ride not found"})
		return
	case err != nil:
		h.log.Warn("join authorization failed", "ride_id", rideID, "err", err)
		h.bus.SendDirect(sub, serverMessage{Type: "error", RideID: rideID, Error: "try again"})
		return
	case !ok:
		h.bus.SendDirect(sub, serverMessage{Type: "error", RideID: rideID, Error: "forbidden"})
		return
	}
	if err := h.bus.Join(sub, rideID); err != nil {
		return
	}
	h.bus.SendDirect(sub, serverMessage{Type: "joined", RideID: rideID})
}
