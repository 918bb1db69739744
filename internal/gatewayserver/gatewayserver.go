// Package gatewayserver implements the top-level orchestrator (spec
// component C8): it binds every configured listener, wires the HTTP and
// WebSocket state machines to the shared registry and dispatcher, runs
// the periodic reaper and timeout sweep, and drains active connections
// on shutdown.
package gatewayserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cortexuvula/gatewaybridge/internal/registry"
	"github.com/cortexuvula/gatewaybridge/internal/sweeper"
)

// ReaperInterval is how often the registry reaps orphaned tasks and
// disconnected entries (spec.md §6, kept distinct from the protocol
// timeout sweep's own interval).
const ReaperInterval = time.Second

// combinedSource merges the HTTP and WebSocket handlers' timeout
// checkers into one sweeper.Source, since a single sweeper ticks for
// both protocols.
type combinedSource struct {
	sources []sweeper.Source
}

func (c combinedSource) TimeoutCheckers() []sweeper.TimeoutChecker {
	var out []sweeper.TimeoutChecker
	for _, s := range c.sources {
		out = append(out, s.TimeoutCheckers()...)
	}
	return out
}

// Orchestrator owns every listener and background goroutine that makes
// up a running gateway.
type Orchestrator struct {
	Handler      http.Handler
	Registry     *registry.Registry
	SweepSources []sweeper.Source
	SweepInterval time.Duration
	DrainTimeout time.Duration

	// ReadyCallback, if set, is invoked once every endpoint is bound and
	// serving.
	ReadyCallback func()

	mu        sync.Mutex
	listeners []net.Listener
	servers   []*http.Server
}

// New creates an orchestrator. The endpoints to bind are passed to Run.
func New(handler http.Handler, reg *registry.Registry, sweepSources []sweeper.Source, sweepInterval, drainTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		Handler:       handler,
		Registry:      reg,
		SweepSources:  sweepSources,
		SweepInterval: sweepInterval,
		DrainTimeout:  drainTimeout,
	}
}

// Run binds every endpoint, starts serving, and starts the reaper and
// sweeper. It returns once every listener is bound (or an error occurs)
// — serving happens on background goroutines. Call Shutdown to drain and
// stop.
func (o *Orchestrator) Run(ctx context.Context, endpoints []string) error {
	if len(endpoints) == 0 {
		return errors.New("gatewayserver: at least one endpoint is required")
	}

	inherited := &inheritedListeners{}
	var bound []net.Listener
	for _, ep := range endpoints {
		spec, err := ParseEndpoint(ep)
		if err != nil {
			o.closeAll(bound)
			return err
		}
		ln, err := Listen(spec, inherited)
		if err != nil {
			o.closeAll(bound)
			return fmt.Errorf("binding endpoint %q: %w", ep, err)
		}
		bound = append(bound, ln)
	}

	o.mu.Lock()
	o.listeners = bound
	o.mu.Unlock()

	for _, ln := range bound {
		srv := &http.Server{
			Handler:           o.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		o.mu.Lock()
		o.servers = append(o.servers, srv)
		o.mu.Unlock()

		go func(srv *http.Server, ln net.Listener) {
			slog.Info("listener serving", "address", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("listener error", "address", ln.Addr().String(), "error", err)
			}
		}(srv, ln)
	}

	reaperCtx, stopReaper := context.WithCancel(ctx)
	go o.runReaper(reaperCtx)

	sw := sweeper.New(combinedSource{sources: o.SweepSources}, o.SweepInterval)
	go sw.Run(reaperCtx)

	go func() {
		<-ctx.Done()
		stopReaper()
	}()

	if o.ReadyCallback != nil {
		o.ReadyCallback()
	}

	return nil
}

func (o *Orchestrator) runReaper(ctx context.Context) {
	ticker := time.NewTicker(ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.Registry.Sweep(ctx, now, o.DrainTimeout)
		}
	}
}

func (o *Orchestrator) closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		ln.Close()
	}
}

// Shutdown stops every listener from accepting new connections, gives
// in-flight requests up to DrainTimeout to finish on their own, then
// cancels every still-live application task and awaits their completion
// (spec §4.8 step 5) before returning. It mirrors the teacher's drain
// loop in cmd/.../main.go, generalized to also own task cancellation
// rather than leaving orphaned tasks behind.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	servers := o.servers
	o.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, o.DrainTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(drainCtx); err != nil {
				slog.Warn("listener shutdown did not complete within drain timeout", "error", err)
			}
		}(srv)
	}
	wg.Wait()

	total, timedOut := o.Registry.CancelAll(drainCtx)
	switch {
	case timedOut > 0:
		slog.Warn("drain timeout reached, application tasks still running", "remaining", timedOut)
	case total > 0:
		slog.Info("all application tasks drained", "count", total)
	default:
		slog.Info("all connections drained")
	}
}
