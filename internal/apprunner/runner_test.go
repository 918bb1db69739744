package apprunner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
)

func TestRunnerCreateDeliversMessagesInOrder(t *testing.T) {
	received := make(chan gwtypes.Message, 10)
	app := Application(func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send SendFunc) error {
		for i := 0; i < 3; i++ {
			m, err := receive(ctx)
			if err != nil {
				return err
			}
			received <- m
		}
		return nil
	})

	r := NewRunner(app)
	scope := &gwtypes.Scope{Type: gwtypes.ScopeHTTP}
	q, task := r.Create(context.Background(), "conn-1", scope, func(ctx context.Context, m gwtypes.Message) error { return nil })

	q.Put(gwtypes.Message{"n": 1})
	q.Put(gwtypes.Message{"n": 2})
	q.Put(gwtypes.Message{"n": 3})

	for i := 1; i <= 3; i++ {
		select {
		case m := <-received:
			if m.Int("n", -1) != i {
				t.Fatalf("message %d out of order: got %v", i, m)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}
	if task.Err() != nil {
		t.Fatalf("unexpected task error: %v", task.Err())
	}
	if scope.GatewayVersion != gatewayVersion {
		t.Errorf("GatewayVersion not stamped, got %q", scope.GatewayVersion)
	}
}

func TestRunnerCreateCancellation(t *testing.T) {
	started := make(chan struct{})
	app := Application(func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send SendFunc) error {
		close(started)
		_, err := receive(ctx)
		return err
	})

	r := NewRunner(app)
	scope := &gwtypes.Scope{Type: gwtypes.ScopeHTTP}
	_, task := r.Create(context.Background(), "conn-1", scope, func(ctx context.Context, m gwtypes.Message) error { return nil })

	<-started
	task.Cancel()

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
	if !errors.Is(task.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", task.Err())
	}
}

func TestProbeDualCallable(t *testing.T) {
	var gotScope *gwtypes.Scope
	dual := DualCallable(func(scope *gwtypes.Scope) Application {
		gotScope = scope
		return func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send SendFunc) error {
			return nil
		}
	})

	app, err := Probe(dual)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	scope := &gwtypes.Scope{Type: gwtypes.ScopeHTTP}
	if err := app(context.Background(), scope, nil, nil); err != nil {
		t.Fatalf("adapted app returned error: %v", err)
	}
	if gotScope != scope {
		t.Error("dual-callable outer call did not receive the scope")
	}
}

func TestProbeRejectsUnsupported(t *testing.T) {
	if _, err := Probe(42); err == nil {
		t.Fatal("expected error for unsupported candidate type")
	}
}

func TestQueuePutAfterCloseDropsSilently(t *testing.T) {
	q := NewQueue()
	q.Close()
	q.Put(gwtypes.Message{"x": 1}) // must not panic or block

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := q.Get(ctx); err == nil {
		t.Fatal("expected error reading from a closed, empty queue")
	}
}
