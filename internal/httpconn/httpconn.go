// Package httpconn implements the HTTP/1.x connection state machine
// (spec component C2): it turns an incoming *http.Request into a scope,
// spawns the application task, streams the request body into the
// application's input queue, and applies the application's outbound
// messages to the wire via record, its dispatch.ReplyTarget.
package httpconn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cortexuvula/gatewaybridge/internal/apprunner"
	"github.com/cortexuvula/gatewaybridge/internal/dispatch"
	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
	"github.com/cortexuvula/gatewaybridge/internal/sweeper"
	"github.com/cortexuvula/gatewaybridge/internal/xforward"
	"github.com/google/uuid"
)

// Config holds the per-listener tunables from spec.md §6's configuration
// table that apply to the HTTP side.
type Config struct {
	HTTPTimeout       time.Duration
	RequestBufferSize int
	RootPath          string
	ServerName        string

	ProxyForwardedAddressHeader string
	ProxyForwardedPortHeader    string
	ProxyForwardedProtoHeader   string
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

// ConnRegistry is the subset of *registry.Registry the HTTP handler needs.
type ConnRegistry interface {
	Register(conn *gwtypes.Connection, task *apprunner.Task)
	SetTarget(connID string, target dispatch.ReplyTarget)
	MarkDisconnected(connID string, at time.Time)
}

// Upgrader hands a connection off to the WebSocket state machine once an
// upgrade request has been detected and its headers normalized.
type Upgrader interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request, headers gwtypes.Headers, rootPath, scheme string, client, server gwtypes.Address)
}

// Handler is an http.Handler implementing the C2 state machine. One
// Handler serves every HTTP listener; each request gets its own *record.
type Handler struct {
	Config    Config
	Runner    AppRunner
	Dispatch  Dispatcher
	Registry  ConnRegistry
	Upgrader  Upgrader
	AccessLog AccessLogger

	mu      sync.Mutex
	pending map[string]*record
}

// New creates an HTTP handler bound to the given collaborators.
func New(cfg Config, runner AppRunner, dispatcher Dispatcher, registry ConnRegistry, upgrader Upgrader, accessLog AccessLogger) *Handler {
	return &Handler{
		Config:    cfg,
		Runner:    runner,
		Dispatch:  dispatcher,
		Registry:  registry,
		Upgrader:  upgrader,
		AccessLog: accessLog,
		pending:   make(map[string]*record),
	}
}

// TimeoutCheckers implements sweeper.Source: every request currently
// awaiting or streaming a response is visited by the sweep.
func (h *Handler) TimeoutCheckers() []sweeper.TimeoutChecker {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sweeper.TimeoutChecker, 0, len(h.pending))
	for _, rec := range h.pending {
		out = append(out, rec)
	}
	return out
}

func (h *Handler) track(connID string, rec *record) {
	h.mu.Lock()
	h.pending[connID] = rec
	h.mu.Unlock()
}

func (h *Handler) untrack(connID string) {
	h.mu.Lock()
	delete(h.pending, connID)
	h.mu.Unlock()
}

// ServeHTTP drives states HEADERS_RECEIVED through DONE (spec.md §4.2).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// HEADERS_RECEIVED
	if !isASCII(r.URL.RawPath) || !isASCII(r.URL.RawQuery) {
		writeErrorPage(w, http.StatusBadRequest, "request path or query contains non-ASCII bytes")
		return
	}

	headers := cleanHeaders(r.Header)
	headers, rootPath := takeRootPath(headers, h.Config.RootPath)

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	client, server := addressesFrom(r)
	resolved := xforward.Resolve(r.Header,
		h.Config.ProxyForwardedAddressHeader,
		h.Config.ProxyForwardedPortHeader,
		h.Config.ProxyForwardedProtoHeader,
		xforward.Result{Host: client.Host, Port: client.Port, Scheme: scheme},
	)
	client = gwtypes.Address{Host: resolved.Host, Port: resolved.Port}
	scheme = resolved.Scheme

	// UPGRADE_CHECK
	if isWebSocketUpgrade(r) {
		h.Upgrader.HandleUpgrade(w, r, headers, rootPath, scheme, client, server)
		return
	}

	// SCOPE_BUILT
	connID := uuid.NewString()
	scope := &gwtypes.Scope{
		Type:        gwtypes.ScopeHTTP,
		HTTPVersion: httpVersionOf(r),
		Method:      strings.ToUpper(r.Method),
		Path:        r.URL.Path,
		RawPath:     []byte(r.URL.EscapedPath()),
		RootPath:    rootPath,
		Scheme:      scheme,
		QueryString: []byte(r.URL.RawQuery),
		Headers:     headers,
		Client:      client,
		Server:      server,
	}

	rec := newRecord(connID, w, h.Config.ServerName, h.Config.HTTPTimeout, scope.Method, scope.Path, client.Host, h.AccessLog)
	h.track(connID, rec)
	defer h.untrack(connID)

	send := func(ctx context.Context, m gwtypes.Message) error {
		return h.Dispatch.HandleReply(ctx, connID, m)
	}
	// A server-lifetime context, not r.Context(): net/http cancels the
	// request context the instant ServeHTTP returns, which would defeat
	// application_close_timeout's grace window (registry.go's reaper owns
	// cancellation on disconnect, same as the WebSocket path).
	queue, task := h.Runner.Create(context.Background(), connID, scope, send)

	conn := &gwtypes.Connection{
		ID:        connID,
		Client:    client,
		Server:    server,
		Scheme:    scheme,
		Kind:      gwtypes.KindHTTP,
		CreatedAt: rec.startedAt,
	}
	h.Registry.Register(conn, task)
	h.Registry.SetTarget(connID, rec)
	defer h.Registry.MarkDisconnected(connID, time.Now())

	// STREAMING_BODY
	go h.streamBody(r, queue)

	// AWAITING_RESPONSE / RESPONDING happen via rec's dispatch.ReplyTarget
	// methods, called from the application's own goroutine. This goroutine
	// just waits for the response to finish or the task to end badly.
	select {
	case <-rec.Done():
	case <-task.Done():
		if err := task.Err(); err != nil {
			rec.Fail(err)
		} else {
			rec.finish(nil)
		}
	}
}

// streamBody implements STREAMING_BODY (spec.md §4.2 state 4): the body
// is read in request_buffer_size chunks, each enqueued as an
// http.request message; more_body is false only on the terminal chunk.
// A non-EOF read error means the peer went away mid-body, which enqueues
// http.disconnect instead of a synthetic final chunk.
func (h *Handler) streamBody(r *http.Request, queue *apprunner.Queue) {
	bufSize := h.Config.RequestBufferSize
	if bufSize <= 0 {
		bufSize = 8192
	}
	buf := make([]byte, bufSize)
	// Each chunk is held back until the next read shows whether more body
	// follows, so the last chunk read is the one sent with more_body=false.
	var pending []byte
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			if pending != nil {
				queue.Put(gwtypes.Message{"type": "http.request", "body": pending, "more_body": true})
			}
			pending = make([]byte, n)
			copy(pending, buf[:n])
		}
		switch {
		case errors.Is(err, io.EOF):
			queue.Put(gwtypes.Message{"type": "http.request", "body": pending, "more_body": false})
			return
		case err != nil:
			if pending != nil {
				queue.Put(gwtypes.Message{"type": "http.request", "body": pending, "more_body": true})
			}
			slog.Debug("request body read stopped", "error", err)
			queue.Put(gwtypes.Message{"type": "http.disconnect"})
			return
		}
	}
}

func addressesFrom(r *http.Request) (client, server gwtypes.Address) {
	client = parseAddr(r.RemoteAddr)
	if r.Host != "" {
		server = parseAddr(r.Host)
	}
	return client, server
}

func parseAddr(hostport string) gwtypes.Address {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return gwtypes.Address{Host: hostport}
	}
	port := 0
	if p, err := strconv.Atoi(portStr); err == nil {
		port = p
	}
	return gwtypes.Address{Host: host, Port: port}
}

func httpVersionOf(r *http.Request) string {
	if r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		return "1.0"
	}
	return "1.1"
}

// isWebSocketUpgrade reports whether the request asks to upgrade to
// WebSocket per RFC 6455 §4.1 (case-insensitive Upgrade/Connection
// tokens).
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") && headerTokenContains(r.Header, "Connection", "upgrade")
}

func headerTokenContains(h http.Header, key, token string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), token) {
				return true
			}
		}
	}
	return false
}

