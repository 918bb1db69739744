package gatewayserver

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/cortexuvula/gatewaybridge/internal/registry"
	"github.com/cortexuvula/gatewaybridge/internal/sweeper"
)

type noopChecker struct{ calls int }

func (n *noopChecker) CheckTimeouts(now time.Time) { n.calls++ }

type staticSource struct{ checkers []sweeper.TimeoutChecker }

func (s staticSource) TimeoutCheckers() []sweeper.TimeoutChecker { return s.checkers }

func TestRunRejectsEmptyEndpoints(t *testing.T) {
	o := New(http.NotFoundHandler(), registry.New(nil), nil, time.Millisecond, time.Second)
	if err := o.Run(context.Background(), nil); err == nil {
		t.Error("expected error for empty endpoints")
	}
}

func TestRunBindsAndServesThenShutsDown(t *testing.T) {
	reg := registry.New(nil)
	checker := &noopChecker{}
	o := New(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), reg, []sweeper.Source{staticSource{checkers: []sweeper.TimeoutChecker{checker}}}, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	o.ReadyCallback = func() { close(ready) }

	if err := o.Run(ctx, []string{"tcp:127.0.0.1:0"}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("ReadyCallback never fired")
	}

	addr := o.listeners[0].Addr().String()
	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	time.Sleep(50 * time.Millisecond)
	if checker.calls == 0 {
		t.Error("expected the sweeper to have invoked the timeout checker at least once")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	o.Shutdown(shutdownCtx)
}
