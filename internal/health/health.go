// Package health serves the /health endpoint on its own loopback
// listener, separate from the gateway's public listeners.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	Version           string   `json:"version"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information, shown only when the
// detailed config flag is set.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	MemoryMB         float64 `json:"memory_mb"`
}

// ConnectionCounter reports the registry's live connection count.
// Satisfied by *registry.Registry.
type ConnectionCounter interface {
	Len() int
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	registry  ConnectionCounter
	version   string
	detailed  bool
}

// NewHandler creates a health check handler bound to the live registry.
func NewHandler(registry ConnectionCounter, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		registry:  registry,
		version:   version,
		detailed:  detailed,
	}
}

// ServeHTTP handles health check requests. The health listener runs on
// its own loopback address (spec.md §6), separate from the public
// gateway listeners, so monitoring tools never need to reach the gateway
// over the network it serves.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := Response{
		Status:            "ok",
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.registry.Len(),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: int64(h.registry.Len()),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
