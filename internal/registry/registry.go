// Package registry tracks live connections and their application tasks
// (spec component C6), and reaps orphaned tasks and disconnected
// connection records on a periodic sweep.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cortexuvula/gatewaybridge/internal/apprunner"
	"github.com/cortexuvula/gatewaybridge/internal/dispatch"
	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
)

// ExceptionHandler is invoked by the reaper when a task finishes with an
// error and its connection is still registered. Implementations map the
// error onto the protocol-specific cleanup (500 on the wire for HTTP,
// code 1011 close for WebSocket).
type ExceptionHandler func(connID string, err error)

// entry is the registry's bookkeeping record for one connection.
type entry struct {
	conn         *gwtypes.Connection
	task         *apprunner.Task
	target       dispatch.ReplyTarget
	disconnected time.Time
}

// Registry is the mapping from connection ID to connection/task state.
// All mutation happens from sweep goroutines or protocol-layer calls;
// callers are responsible for not mutating an *entry concurrently with
// a sweep for the same connection (both only ever append/replace, never
// read-modify-write a shared struct field in place).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	onException ExceptionHandler

	// stopSignal is closed if an application signals the server should
	// stop (the Go analogue of a KeyboardInterrupt surfacing from an
	// application task), used by tests driving full-server scenarios.
	stopSignal chan struct{}
	stopOnce   sync.Once
}

// New creates an empty registry. handler may be nil.
func New(handler ExceptionHandler) *Registry {
	return &Registry{
		entries:     make(map[string]*entry),
		onException: handler,
		stopSignal:  make(chan struct{}),
	}
}

// Register adds a new live connection with its application task.
func (r *Registry) Register(conn *gwtypes.Connection, task *apprunner.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[conn.ID] = &entry{conn: conn, task: task}
}

// MarkDisconnected records the disconnect time for a connection. The
// task is not cancelled immediately — the reaper cancels it after
// closeTimeout has elapsed, giving in-flight sends a grace window.
func (r *Registry) MarkDisconnected(connID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connID]
	if !ok {
		return
	}
	if e.conn.Disconnected.IsZero() {
		e.conn.Disconnected = at
	}
	e.disconnected = at
}

// Task returns the task handle for a connection, if registered.
func (r *Registry) Task(connID string) (*apprunner.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connID]
	if !ok {
		return nil, false
	}
	return e.task, true
}

// Connection returns the connection record, if registered and not yet
// removed by the reaper.
func (r *Registry) Connection(connID string) (*gwtypes.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// SetTarget attaches the protocol-layer reply target for a connection, so
// the dispatcher can later route outbound messages to it. Must be called
// after Register.
func (r *Registry) SetTarget(connID string, target dispatch.ReplyTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[connID]; ok {
		e.target = target
	}
}

// ReplyTarget implements dispatch.Lookup: it resolves a connection ID to
// its reply target, refusing connections that are gone or already marked
// disconnected so the dispatcher drops messages for them silently.
func (r *Registry) ReplyTarget(connID string) (dispatch.ReplyTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connID]
	if !ok || e.target == nil || e.conn.IsDisconnected() {
		return nil, false
	}
	return e.target, true
}

// Len reports the number of live registry entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns a copy of every currently registered connection, for
// diagnostic reporting. Order is unspecified.
func (r *Registry) Snapshot() []gwtypes.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]gwtypes.Connection, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e.conn)
	}
	return out
}

// CancelAll cancels every currently live application task and blocks
// until they have all finished or ctx is done, whichever comes first. It
// returns the number of tasks cancelled and, of those, how many were
// still running when ctx gave out. Used by the orchestrator's shutdown
// path (spec §4.8 step 5: "cancels all live application tasks and awaits
// their completion") so no task outlives the listeners it was serving.
func (r *Registry) CancelAll(ctx context.Context) (total, timedOut int) {
	r.mu.Lock()
	tasks := make([]*apprunner.Task, 0, len(r.entries))
	for _, e := range r.entries {
		if e.task != nil {
			tasks = append(tasks, e.task)
		}
	}
	r.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, t := range tasks {
		go func(t *apprunner.Task) {
			defer wg.Done()
			select {
			case <-t.Done():
			case <-ctx.Done():
				mu.Lock()
				timedOut++
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	return len(tasks), timedOut
}

// StopRequested returns a channel closed once an application has
// requested the server stop (see RequestStop).
func (r *Registry) StopRequested() <-chan struct{} { return r.stopSignal }

// RequestStop signals that the server should begin shutting down. Mirrors
// the historical implementation's treatment of KeyboardInterrupt
// surfacing from an application as a stop signal, used by tests.
func (r *Registry) RequestStop() {
	r.stopOnce.Do(func() { close(r.stopSignal) })
}

// Sweep performs one reaper pass (spec §4.6):
//  1. cancel+warn tasks whose connection disconnected more than
//     closeTimeout ago and are still running;
//  2. for finished tasks, route errors to the exception handler and log,
//     then drop the task handle;
//  3. remove entries with no live task and a set disconnect time.
func (r *Registry) Sweep(ctx context.Context, now time.Time, closeTimeout time.Duration) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.sweepOne(id, now, closeTimeout)
	}
}

func (r *Registry) sweepOne(id string, now time.Time, closeTimeout time.Duration) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	disconnectedAt := e.disconnected
	task := e.task
	r.mu.Unlock()

	if task == nil {
		return
	}

	// Step 1: cancel tasks overdue past the grace window.
	if !disconnectedAt.IsZero() && now.Sub(disconnectedAt) > closeTimeout {
		select {
		case <-task.Done():
		default:
			slog.Warn("cancelling application task past close timeout", "connection_id", id)
			task.Cancel()
		}
	}

	// Step 2: reap finished tasks.
	select {
	case <-task.Done():
		if err := task.Err(); err != nil {
			if isStopSignal(err) {
				r.RequestStop()
			} else {
				slog.Error("application task finished with error", "connection_id", id, "error", err)
				if r.onException != nil {
					if _, live := r.Connection(id); live {
						r.onException(id, err)
					}
				}
			}
		}
		r.mu.Lock()
		if cur, ok := r.entries[id]; ok {
			cur.task = nil
		}
		r.mu.Unlock()
	default:
	}

	// Step 3: drop entries with no live task and a set disconnect time.
	r.mu.Lock()
	if cur, ok := r.entries[id]; ok && cur.task == nil && !cur.disconnected.IsZero() {
		delete(r.entries, id)
	}
	r.mu.Unlock()
}

// ErrStopServer is the sentinel applications return from their run
// function to request a full server shutdown — the Go analogue of a
// KeyboardInterrupt escaping an application task in the historical
// implementation. Used by tests driving full-server scenarios.
var ErrStopServer = errors.New("registry: application requested server stop")

func isStopSignal(err error) bool {
	return errors.Is(err, ErrStopServer)
}
