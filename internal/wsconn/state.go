package wsconn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/cortexuvula/gatewaybridge/internal/dispatch"
	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
)

type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

// acceptDecision is what the application's first handshake-relevant
// outbound message resolves to: accept the upgrade (optionally with a
// subprotocol and an implicit first frame to send once open), or reject
// it outright.
type acceptDecision struct {
	accept      bool
	subprotocol string
	pendingSend gwtypes.Message // non-nil if a websocket.send implicitly triggered the accept
}

// AccessLogger receives the three WebSocket action-log lines (spec.md
// §4.3): connecting, connected, rejected.
type AccessLogger interface {
	LogWebSocketAction(action, connID, path, client string)
}

// wsState is one WebSocket connection's dispatch.ReplyTarget and
// sweeper.TimeoutChecker (spec component C3). CONNECTING-state outbound
// messages resolve a one-shot decision channel that the handshake
// goroutine (HandleUpgrade) is blocked on; OPEN/CLOSING messages act on
// the live *websocket.Conn directly.
type wsState struct {
	connID    string
	path      string
	client    string
	accessLog AccessLogger

	connectTimeout time.Duration
	wsTimeout      time.Duration // <0 disables
	pingInterval   time.Duration
	pingTimeout    time.Duration
	writeTimeout   time.Duration

	mu           sync.Mutex
	state        connState
	createdAt    time.Time
	openedAt     time.Time
	lastActivity time.Time
	muted        bool
	pinging      bool
	conn         *websocket.Conn

	decisionOnce sync.Once
	decisionCh   chan acceptDecision

	// decided is true once the accept/reject decision has been resolved.
	// Outbound sends that arrive after that point but while still
	// CONNECTING (the handshake I/O hasn't finished) are queued here, in
	// order, for replay once markOpen runs instead of being dropped.
	decided      bool
	pendingSends []gwtypes.Message
}

func newWSState(connID, path, client string, accessLog AccessLogger, connectTimeout, wsTimeout, pingInterval, pingTimeout, writeTimeout time.Duration) *wsState {
	now := time.Now()
	return &wsState{
		connID:         connID,
		path:           path,
		client:         client,
		accessLog:      accessLog,
		connectTimeout: connectTimeout,
		wsTimeout:      wsTimeout,
		pingInterval:   pingInterval,
		pingTimeout:    pingTimeout,
		writeTimeout:   writeTimeout,
		state:          stateConnecting,
		createdAt:      now,
		lastActivity:   now,
		decisionCh:     make(chan acceptDecision, 1),
	}
}

func (s *wsState) deliverDecision(d acceptDecision) {
	s.decisionOnce.Do(func() { s.decisionCh <- d })
}

// HandleOutbound implements dispatch.ReplyTarget.
func (s *wsState) HandleOutbound(ctx context.Context, msg gwtypes.Message) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case stateConnecting:
		return s.handleConnectingOutbound(msg)
	case stateOpen, stateClosing:
		return s.handleOpenOutbound(ctx, msg)
	default:
		return nil
	}
}

func (s *wsState) handleConnectingOutbound(msg gwtypes.Message) error {
	switch msg.Type() {
	case "websocket.accept":
		s.mu.Lock()
		alreadyDecided := s.decided
		s.decided = true
		s.mu.Unlock()
		if alreadyDecided {
			return nil
		}
		subprotocol, _ := msg.String("subprotocol")
		s.deliverDecision(acceptDecision{accept: true, subprotocol: subprotocol})
		return nil
	case "websocket.close":
		s.mu.Lock()
		alreadyDecided := s.decided
		s.decided = true
		s.state = stateClosed
		s.mu.Unlock()
		if !alreadyDecided {
			s.deliverDecision(acceptDecision{accept: false})
		}
		return nil
	case "websocket.send":
		s.mu.Lock()
		if s.decided {
			// The accept decision already resolved but the handshake
			// (and markOpen) hasn't run yet: queue for replay, in
			// order, rather than collapsing onto the one-shot
			// decision channel and dropping the message.
			s.pendingSends = append(s.pendingSends, msg)
			s.mu.Unlock()
			return nil
		}
		s.decided = true
		s.mu.Unlock()
		// A bare send before accept implicitly accepts with no subprotocol
		// (spec.md §4.3) and is replayed once the handshake completes.
		s.deliverDecision(acceptDecision{accept: true, pendingSend: msg})
		return nil
	default:
		return nil
	}
}

// drainPendingSends returns and clears every websocket.send queued while
// the decision had already resolved but the handshake was still in
// flight, in the order they arrived.
func (s *wsState) drainPendingSends() []gwtypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pendingSends
	s.pendingSends = nil
	return out
}

func (s *wsState) handleOpenOutbound(ctx context.Context, msg gwtypes.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	switch msg.Type() {
	case "websocket.close":
		code := msg.Int("code", int(websocket.StatusNormalClosure))
		s.mu.Lock()
		s.state = stateClosing
		s.mu.Unlock()
		return conn.Close(websocket.StatusCode(code), "")
	case "websocket.send":
		text, hasText := msg.String("text")
		data, hasBytes := msg.Bytes("bytes")
		if hasText == hasBytes {
			return &dispatch.ContractError{Reason: "websocket.send must set exactly one of text or bytes"}
		}
		writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
		if hasText {
			return writeFrame(writeCtx, conn, websocket.MessageText, []byte(text))
		}
		return writeFrame(writeCtx, conn, websocket.MessageBinary, data)
	default:
		return nil
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, payload []byte) error {
	w, err := conn.Writer(ctx, typ)
	if err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Fail implements dispatch.ReplyTarget: a gateway contract violation
// closes with code 1011 (spec.md §7 GatewayContractError), or, while
// still CONNECTING, rejects the handshake instead.
func (s *wsState) Fail(err error) {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	slog.Warn("closing websocket after contract violation", "connection_id", s.connID, "error", err)
	if state == stateConnecting {
		s.mu.Lock()
		s.decided = true
		s.mu.Unlock()
		s.deliverDecision(acceptDecision{accept: false})
		return
	}
	if conn != nil {
		conn.Close(websocket.StatusInternalError, "gateway contract violation")
	}
}

// CheckTimeouts implements sweeper.TimeoutChecker: the three WebSocket
// timeout rules from spec.md §4.3.
func (s *wsState) CheckTimeouts(now time.Time) {
	s.mu.Lock()
	switch s.state {
	case stateConnecting:
		if now.Sub(s.createdAt) > s.connectTimeout {
			s.state = stateClosed
			s.decided = true
			s.mu.Unlock()
			s.deliverDecision(acceptDecision{accept: false})
			return
		}
		s.mu.Unlock()
	case stateOpen, stateClosing:
		conn := s.conn
		if s.wsTimeout >= 0 && now.Sub(s.openedAt) > s.wsTimeout {
			s.state = stateClosing
			s.mu.Unlock()
			if conn != nil {
				go conn.Close(websocket.StatusNormalClosure, "websocket_timeout exceeded")
			}
			return
		}
		if s.pingInterval > 0 && !s.pinging && now.Sub(s.lastActivity) > s.pingInterval && conn != nil {
			s.pinging = true
			s.mu.Unlock()
			go s.sendPing(conn)
			return
		}
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

func (s *wsState) sendPing(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)
	defer cancel()
	err := conn.Ping(ctx)

	s.mu.Lock()
	s.pinging = false
	if err == nil {
		s.lastActivity = time.Now()
	}
	s.mu.Unlock()

	if err != nil {
		slog.Debug("websocket ping timed out, closing", "connection_id", s.connID, "error", err)
		conn.Close(websocket.StatusGoingAway, "ping timeout")
	}
}

func (s *wsState) markOpen(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.state = stateOpen
	now := time.Now()
	s.openedAt = now
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *wsState) markActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *wsState) isMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *wsState) mute() {
	s.mu.Lock()
	s.muted = true
	s.mu.Unlock()
}

func (s *wsState) markClosed() {
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
}
