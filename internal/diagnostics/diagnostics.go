// Package diagnostics serves a trimmed, JSON-only admin endpoint for
// operators: the current connection snapshot and the tail of the
// structured log ring buffer. It replaces the teacher's HTML admin UI
// with the subset an operator actually needs when debugging a running
// gateway over SSH — no static assets, no config mutation, no remote
// restart.
package diagnostics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
	"github.com/cortexuvula/gatewaybridge/internal/logring"
)

// ConnectionLister reports the connections currently tracked by the
// registry. Satisfied by *registry.Registry.
type ConnectionLister interface {
	Snapshot() []gwtypes.Connection
	Len() int
}

// Handler serves GET /debug/recent.
type Handler struct {
	Registry  ConnectionLister
	Logs      *logring.RingBuffer
	StartTime time.Time
	Version   string
}

// New creates a diagnostics handler.
func New(registry ConnectionLister, logs *logring.RingBuffer, version string, startTime time.Time) *Handler {
	return &Handler{Registry: registry, Logs: logs, StartTime: startTime, Version: version}
}

type connectionSummary struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Client       string `json:"client"`
	CreatedAt    string `json:"created_at"`
	Disconnected bool   `json:"disconnected"`
}

type logSummary struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

type recentResponse struct {
	Version           string              `json:"version"`
	Uptime            string              `json:"uptime"`
	ActiveConnections int                 `json:"active_connections"`
	Goroutines        int                 `json:"goroutines"`
	MemoryMB          float64             `json:"memory_mb"`
	Connections       []connectionSummary `json:"connections"`
	Logs              []logSummary        `json:"logs"`
}

// ServeHTTP handles GET /debug/recent?log_limit=N.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logLimit := 100
	if v := r.URL.Query().Get("log_limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			logLimit = n
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := h.Registry.Snapshot()
	conns := make([]connectionSummary, len(snap))
	for i, c := range snap {
		conns[i] = connectionSummary{
			ID:           c.ID,
			Kind:         string(c.Kind),
			Client:       c.Client.Host,
			CreatedAt:    c.CreatedAt.Format(time.RFC3339),
			Disconnected: c.IsDisconnected(),
		}
	}

	var logs []logSummary
	if h.Logs != nil {
		entries := h.Logs.Entries(logLimit, slog.LevelDebug, time.Time{})
		logs = make([]logSummary, len(entries))
		for i, e := range entries {
			logs[i] = logSummary{
				Time:    e.Time.Format(time.RFC3339Nano),
				Level:   e.Level.String(),
				Message: e.Message,
				Attrs:   e.Attrs,
			}
		}
	}

	resp := recentResponse{
		Version:           h.Version,
		Uptime:            time.Since(h.StartTime).Round(time.Second).String(),
		ActiveConnections: h.Registry.Len(),
		Goroutines:        runtime.NumGoroutine(),
		MemoryMB:          float64(memStats.Alloc) / 1024 / 1024,
		Connections:       conns,
		Logs:              logs,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("diagnostics: failed to encode response", "error", err)
	}
}
