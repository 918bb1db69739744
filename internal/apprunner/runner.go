// Package apprunner implements the application-task lifecycle (spec
// component C5): creating a fresh input queue per connection, spawning
// the application as a goroutine bound to that queue and a send
// callback, and adapting legacy "dual-callable" applications to the
// current three-argument call convention.
package apprunner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
)

var errQueueClosed = errors.New("apprunner: queue closed")

const gatewayVersion = "1.0"

// SendFunc delivers an outbound message to the reply dispatcher.
type SendFunc func(ctx context.Context, m gwtypes.Message) error

// Application is the gateway contract entry point: given a scope, a
// receive function, and a send function, run until the connection ends.
type Application func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send SendFunc) error

// DualCallable is the legacy two-step calling convention: calling the
// outer function with a scope returns the actual application function.
// Detected once at server construction via Probe.
type DualCallable func(scope *gwtypes.Scope) Application

// Task represents one spawned application goroutine.
type Task struct {
	ConnID string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	mu     sync.Mutex
}

// Done returns a channel closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the error the task finished with, if any. Only valid after
// Done() is closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancel requests cancellation. Safe to call multiple times.
func (t *Task) Cancel() { t.cancel() }

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// Runner creates and spawns application tasks.
type Runner struct {
	app Application
}

// NewRunner wraps app directly. Use Probe first if the application might
// be a legacy dual-callable.
func NewRunner(app Application) *Runner {
	return &Runner{app: app}
}

// Probe adapts a dual-callable application to the current convention. It
// is a one-shot decision made at server start, mirroring the historical
// implementation's behavior of detecting legacy apps once rather than on
// every connection.
func Probe(candidate any) (Application, error) {
	switch a := candidate.(type) {
	case Application:
		return a, nil
	case func(context.Context, *gwtypes.Scope, func(context.Context) (gwtypes.Message, error), SendFunc) error:
		return Application(a), nil
	case DualCallable:
		return func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send SendFunc) error {
			inner := a(scope)
			return inner(ctx, scope, receive, send)
		}, nil
	case func(*gwtypes.Scope) Application:
		return Probe(DualCallable(a))
	default:
		return nil, fmt.Errorf("apprunner: unsupported application type %T", candidate)
	}
}

// Create spawns a fresh application task for conn/scope. It returns the
// input queue (for the protocol layer to Put onto) and the Task handle
// (for the registry to own). send is provided by the caller so it can
// route through the reply dispatcher bound to this specific connection.
func (r *Runner) Create(ctx context.Context, connID string, scope *gwtypes.Scope, send SendFunc) (*Queue, *Task) {
	if scope.GatewayVersion == "" {
		scope.GatewayVersion = gatewayVersion
	}

	q := NewQueue()
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		ConnID: connID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	receive := func(ctx context.Context) (gwtypes.Message, error) {
		return q.Get(ctx)
	}

	go func() {
		err := r.app(taskCtx, scope, receive, send)
		q.Close()
		t.finish(err)
	}()

	return q, t
}
