package httpconn

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cortexuvula/gatewaybridge/internal/dispatch"
	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
)

var errRequestTimeout = errors.New("httpconn: http_timeout exceeded before response started")

// AccessRecord is one completed request's access-log fields (spec.md
// §4.2 step 7's "(http, complete, {path, status, method, client,
// time_taken, size})" tuple).
type AccessRecord struct {
	Path      string
	Method    string
	Client    string
	Status    int
	TimeTaken time.Duration
	Size      int64
}

// AccessLogger receives completed-request records. Implemented by
// internal/accesslog.
type AccessLogger interface {
	LogHTTPComplete(AccessRecord)
}

// record is one HTTP request's reply target: the RESPONDING half of the
// C2 state machine (spec.md §4.2 states 5-7). It owns the
// http.ResponseWriter. Its dispatch.ReplyTarget methods are called from
// the application's goroutine via the dispatcher; the ServeHTTP goroutine
// calls Fail or finish when the task ends before the response does, and
// the sweeper calls CheckTimeouts.
type record struct {
	connID      string
	w           http.ResponseWriter
	serverName  string
	httpTimeout time.Duration
	startedAt   time.Time
	method      string
	path        string
	client      string
	accessLog   AccessLogger

	mu              sync.Mutex
	responseStarted bool
	finished        bool
	warnedSlow      bool
	status          int
	sentBytes       int64

	done chan struct{}
}

func newRecord(connID string, w http.ResponseWriter, serverName string, httpTimeout time.Duration, method, path, client string, accessLog AccessLogger) *record {
	return &record{
		connID:      connID,
		w:           w,
		serverName:  serverName,
		httpTimeout: httpTimeout,
		startedAt:   time.Now(),
		method:      method,
		path:        path,
		client:      client,
		accessLog:   accessLog,
		done:        make(chan struct{}),
	}
}

// Done is closed once the response is complete (successfully, via error,
// or via timeout).
func (r *record) Done() <-chan struct{} { return r.done }

// HandleOutbound implements dispatch.ReplyTarget.
func (r *record) HandleOutbound(ctx context.Context, msg gwtypes.Message) error {
	switch msg.Type() {
	case "http.response.start":
		return r.handleStart(msg)
	case "http.response.body":
		return r.handleBody(msg)
	default:
		return nil
	}
}

func (r *record) handleStart(msg gwtypes.Message) error {
	r.mu.Lock()
	if r.responseStarted {
		r.mu.Unlock()
		return &dispatch.ContractError{Reason: "http.response.start sent more than once"}
	}
	status, ok := msg["status"].(int)
	if !ok {
		r.mu.Unlock()
		return &dispatch.ContractError{Reason: "http.response.start missing integer status"}
	}
	headers, _, err := msg.HeaderPairs("headers")
	if err != nil {
		r.mu.Unlock()
		return &dispatch.ContractError{Reason: "http.response.start headers must be byte pairs"}
	}
	r.responseStarted = true
	r.status = status
	r.mu.Unlock()

	hdr := r.w.Header()
	sawServer := false
	for _, hf := range headers {
		name := string(hf.Name)
		hdr.Add(name, string(hf.Value))
		if strings.EqualFold(name, "Server") {
			sawServer = true
		}
	}
	if !sawServer && r.serverName != "" {
		hdr.Set("Server", r.serverName)
	}
	r.w.WriteHeader(status)
	return nil
}

func (r *record) handleBody(msg gwtypes.Message) error {
	r.mu.Lock()
	if !r.responseStarted {
		r.mu.Unlock()
		return &dispatch.ContractError{Reason: "http.response.body sent before http.response.start"}
	}
	if r.finished {
		r.mu.Unlock()
		return &dispatch.ContractError{Reason: "http.response.body sent after response already finished"}
	}
	r.mu.Unlock()

	body, _ := msg.Bytes("body")
	more := msg.Bool("more_body", false)

	if len(body) > 0 {
		n, err := r.w.Write(body)
		r.mu.Lock()
		r.sentBytes += int64(n)
		r.mu.Unlock()
		if err != nil {
			r.finish(nil)
			return nil
		}
	}
	if flusher, ok := r.w.(http.Flusher); ok {
		flusher.Flush()
	}
	if !more {
		r.finish(nil)
	}
	return nil
}

// Fail implements dispatch.ReplyTarget: synthesize a 500 if nothing has
// gone out yet, otherwise just tear the request down.
func (r *record) Fail(err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	started := r.responseStarted
	r.mu.Unlock()

	if !started {
		writeErrorPage(r.w, http.StatusInternalServerError, err.Error())
		r.mu.Lock()
		r.status = http.StatusInternalServerError
		r.responseStarted = true
		r.mu.Unlock()
	} else {
		slog.Warn("finishing response after contract violation mid-stream", "connection_id", r.connID, "error", err)
	}
	r.finish(err)
}

// CheckTimeouts implements sweeper.TimeoutChecker: applies the single HTTP
// timeout rule (spec.md §4.2 failure policy, §4.7).
func (r *record) CheckTimeouts(now time.Time) {
	r.mu.Lock()
	if r.finished || r.httpTimeout <= 0 || now.Sub(r.startedAt) <= r.httpTimeout {
		r.mu.Unlock()
		return
	}
	started := r.responseStarted
	alreadyWarned := r.warnedSlow
	if started {
		r.warnedSlow = true
	}
	r.mu.Unlock()

	if !started {
		writeErrorPage(r.w, http.StatusServiceUnavailable, "request timed out before a response was produced")
		r.mu.Lock()
		r.status = http.StatusServiceUnavailable
		r.responseStarted = true
		r.mu.Unlock()
		r.finish(errRequestTimeout)
		return
	}
	if !alreadyWarned {
		slog.Warn("http_timeout exceeded after response started", "connection_id", r.connID, "path", r.path)
	}
}

func (r *record) finish(err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	status, sentBytes, method, path, client, startedAt := r.status, r.sentBytes, r.method, r.path, r.client, r.startedAt
	accessLog := r.accessLog
	r.mu.Unlock()

	close(r.done)
	if accessLog != nil {
		accessLog.LogHTTPComplete(AccessRecord{
			Path:      path,
			Method:    method,
			Client:    client,
			Status:    status,
			TimeTaken: time.Since(startedAt),
			Size:      sentBytes,
		})
	}
	if err != nil && !errors.Is(err, errRequestTimeout) {
		slog.Debug("http request finished with error", "connection_id", r.connID, "error", err)
	}
}
