// Package wsconn implements the WebSocket connection state machine
// (spec component C3): handshake negotiation with a deferred accept
// decision, frame send/receive once open, and the three WebSocket
// timeout rules, on top of github.com/coder/websocket.
package wsconn

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/cortexuvula/gatewaybridge/internal/apprunner"
	"github.com/cortexuvula/gatewaybridge/internal/dispatch"
	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
	"github.com/cortexuvula/gatewaybridge/internal/sweeper"
	"github.com/google/uuid"
)

// Config holds the WebSocket-side tunables from spec.md §6.
type Config struct {
	ConnectTimeout   time.Duration // websocket_connect_timeout
	HandshakeTimeout time.Duration // websocket_handshake_timeout
	IdleTimeout      time.Duration // websocket_timeout; <0 disables
	PingInterval     time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
}

// AppRunner spawns application tasks. Satisfied by *apprunner.Runner.
type AppRunner interface {
	Create(ctx context.Context, connID string, scope *gwtypes.Scope, send apprunner.SendFunc) (*apprunner.Queue, *apprunner.Task)
}

// Dispatcher routes outbound application messages. Satisfied by
// *dispatch.Dispatcher.
type Dispatcher interface {
	HandleReply(ctx context.Context, connID string, msg gwtypes.Message) error
}

// ConnRegistry is the subset of *registry.Registry the WebSocket handler
// needs; identical shape to httpconn.ConnRegistry.
type ConnRegistry interface {
	Register(conn *gwtypes.Connection, task *apprunner.Task)
	SetTarget(connID string, target dispatch.ReplyTarget)
	MarkDisconnected(connID string, at time.Time)
}

// InboundLimiter optionally gates frame admission per connection; Allow
// returning false triggers the backpressure path (spec.md §5, §7).
type InboundLimiter interface {
	Allow() bool
}

// AdmissionLimiter optionally gates new connections per client IP before
// any application task is created.
type AdmissionLimiter interface {
	Allow(ip string) bool
}

// Handler drives state CONNECTING through CLOSED for every upgraded
// connection (spec.md §4.3). It implements httpconn.Upgrader.
type Handler struct {
	Config    Config
	Runner    AppRunner
	Dispatch  Dispatcher
	Registry  ConnRegistry
	AccessLog AccessLogger
	Admission AdmissionLimiter // optional

	// NewInboundLimiter builds a fresh per-connection frame limiter, or
	// returns nil when the backpressure limiter is disabled.
	NewInboundLimiter func() InboundLimiter

	mu      sync.Mutex
	pending map[string]*wsState
}

// New creates a WebSocket upgrade handler.
func New(cfg Config, runner AppRunner, dispatcher Dispatcher, registry ConnRegistry, accessLog AccessLogger) *Handler {
	return &Handler{
		Config:    cfg,
		Runner:    runner,
		Dispatch:  dispatcher,
		Registry:  registry,
		AccessLog: accessLog,
		pending:   make(map[string]*wsState),
	}
}

// TimeoutCheckers implements sweeper.Source.
func (h *Handler) TimeoutCheckers() []sweeper.TimeoutChecker {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sweeper.TimeoutChecker, 0, len(h.pending))
	for _, st := range h.pending {
		out = append(out, st)
	}
	return out
}

func (h *Handler) track(connID string, st *wsState) {
	h.mu.Lock()
	h.pending[connID] = st
	h.mu.Unlock()
}

func (h *Handler) untrack(connID string) {
	h.mu.Lock()
	delete(h.pending, connID)
	h.mu.Unlock()
}

// HandleUpgrade implements httpconn.Upgrader. It runs the full CONNECTING
// through CLOSED lifecycle and does not return until the connection is
// finished, matching httpconn.Handler.ServeHTTP's blocking contract.
func (h *Handler) HandleUpgrade(w http.ResponseWriter, r *http.Request, headers gwtypes.Headers, rootPath, scheme string, client, server gwtypes.Address) {
	wsScheme := "ws"
	if scheme == "https" {
		wsScheme = "wss"
	}

	if h.Admission != nil && !h.Admission.Allow(client.Host) {
		slog.Warn("rejected websocket connection: admission limiter", "client", client.Host)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	subprotocols := parseSubprotocols(r.Header.Get("Sec-WebSocket-Protocol"))

	scope := &gwtypes.Scope{
		Type:         gwtypes.ScopeWebSocket,
		Path:         r.URL.Path,
		RawPath:      []byte(r.URL.EscapedPath()),
		RootPath:     rootPath,
		Scheme:       wsScheme,
		QueryString:  []byte(r.URL.RawQuery),
		Headers:      headers,
		Client:       client,
		Server:       server,
		Subprotocols: subprotocols,
	}

	connID := uuid.NewString()
	var inboundLimiter InboundLimiter
	if h.NewInboundLimiter != nil {
		inboundLimiter = h.NewInboundLimiter()
	}
	st := newWSState(connID, scope.Path, client.Host, h.AccessLog, h.Config.ConnectTimeout, h.Config.IdleTimeout, h.Config.PingInterval, h.Config.PingTimeout, h.Config.WriteTimeout)

	h.track(connID, st)
	defer h.untrack(connID)

	send := func(ctx context.Context, m gwtypes.Message) error {
		return h.Dispatch.HandleReply(ctx, connID, m)
	}
	queue, task := h.Runner.Create(context.Background(), connID, scope, send)

	conn := &gwtypes.Connection{
		ID:        connID,
		Client:    client,
		Server:    server,
		Scheme:    wsScheme,
		Kind:      gwtypes.KindWebSocket,
		CreatedAt: st.createdAt,
	}
	h.Registry.Register(conn, task)
	h.Registry.SetTarget(connID, st)
	defer h.Registry.MarkDisconnected(connID, time.Now())

	h.logAction("connecting", connID, scope.Path, client.Host)
	queue.Put(gwtypes.Message{"type": "websocket.connect"})

	var decision acceptDecision
	select {
	case decision = <-st.decisionCh:
	case <-task.Done():
		decision = acceptDecision{accept: false}
	}

	if !decision.accept {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		st.markClosed()
		h.logAction("rejected", connID, scope.Path, client.Host)
		queue.Close()
		return
	}

	accepted, err := h.acceptWithTimeout(w, r, subprotocols, decision.subprotocol)
	if err != nil {
		slog.Error("websocket handshake failed", "connection_id", connID, "error", err)
		task.Cancel()
		return
	}
	if h.Config.MaxMessageSize > 0 {
		accepted.SetReadLimit(h.Config.MaxMessageSize)
	}
	st.markOpen(accepted)
	h.logAction("connected", connID, scope.Path, client.Host)

	// Replay, in order, any outbound sends that arrived while the
	// decision was already resolved but this handshake was still in
	// flight: the implicit-accept send (if any) first, then whatever
	// queued up behind it.
	queuedSends := make([]gwtypes.Message, 0, 1)
	if decision.pendingSend != nil {
		queuedSends = append(queuedSends, decision.pendingSend)
	}
	queuedSends = append(queuedSends, st.drainPendingSends()...)
	for _, m := range queuedSends {
		if err := st.handleOpenOutbound(r.Context(), m); err != nil {
			slog.Debug("queued websocket.send after accept failed", "connection_id", connID, "error", err)
		}
	}

	h.readLoop(context.Background(), accepted, st, queue, inboundLimiter)
}

func (h *Handler) acceptWithTimeout(w http.ResponseWriter, r *http.Request, offered []string, chosen string) (*websocket.Conn, error) {
	type result struct {
		conn *websocket.Conn
		err  error
	}
	opts := &websocket.AcceptOptions{}
	if chosen != "" {
		opts.Subprotocols = []string{chosen}
	} else if len(offered) > 0 {
		opts.Subprotocols = offered
	}

	ch := make(chan result, 1)
	go func() {
		c, err := websocket.Accept(w, r, opts)
		ch <- result{c, err}
	}()

	timeout := h.Config.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case res := <-ch:
		return res.conn, res.err
	case <-time.After(timeout):
		return nil, context.DeadlineExceeded
	}
}

// readLoop implements the inbound half of OPEN/CLOSING: every frame
// becomes a websocket.receive message; peer close becomes
// websocket.disconnect unless the connection has been muted by
// backpressure.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, st *wsState, queue *apprunner.Queue, limiter InboundLimiter) {
	for {
		typ, reader, err := conn.Reader(ctx)
		if err != nil {
			st.markClosed()
			if !st.isMuted() {
				code := int(websocket.StatusCode(1006))
				if cs := websocket.CloseStatus(err); cs != -1 {
					code = int(cs)
				}
				queue.Put(gwtypes.Message{"type": "websocket.disconnect", "code": code})
			}
			queue.Close()
			return
		}

		if limiter != nil && !limiter.Allow() {
			slog.Warn("websocket backpressure: closing and muting connection", "connection_id", st.connID)
			st.mute()
			conn.Close(websocket.StatusCode(1013), "backpressure")
			queue.Close()
			return
		}

		payload, err := io.ReadAll(reader)
		if err != nil {
			slog.Debug("websocket frame read failed", "connection_id", st.connID, "error", err)
			continue
		}
		st.markActivity()

		msg := gwtypes.Message{"type": "websocket.receive"}
		if typ == websocket.MessageText {
			msg["text"] = string(payload)
		} else {
			msg["bytes"] = payload
		}
		queue.Put(msg)
	}
}

func (h *Handler) logAction(action, connID, path, client string) {
	if h.AccessLog != nil {
		h.AccessLog.LogWebSocketAction(action, connID, path, client)
	}
}

func parseSubprotocols(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
