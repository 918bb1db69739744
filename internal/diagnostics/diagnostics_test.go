package diagnostics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
	"github.com/cortexuvula/gatewaybridge/internal/logring"
)

type fakeLister struct {
	conns []gwtypes.Connection
}

func (f *fakeLister) Snapshot() []gwtypes.Connection { return f.conns }
func (f *fakeLister) Len() int                       { return len(f.conns) }

func TestServeHTTPReturnsConnectionsAndLogs(t *testing.T) {
	lister := &fakeLister{conns: []gwtypes.Connection{
		{ID: "c1", Kind: gwtypes.KindHTTP, Client: gwtypes.Address{Host: "10.0.0.1"}},
		{ID: "c2", Kind: gwtypes.KindWebSocket, Client: gwtypes.Address{Host: "10.0.0.2"}},
	}}
	ring := logring.NewRingBuffer(10)
	ring.Add(logring.LogEntry{Time: time.Now(), Level: slog.LevelInfo, Message: "hello"})

	h := New(lister, ring, "1.0.0", time.Now().Add(-time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/debug/recent", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}

	var resp recentResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.ActiveConnections != 2 {
		t.Errorf("active_connections = %d, want 2", resp.ActiveConnections)
	}
	if len(resp.Connections) != 2 {
		t.Errorf("connections = %d, want 2", len(resp.Connections))
	}
	if len(resp.Logs) != 1 || resp.Logs[0].Message != "hello" {
		t.Errorf("logs = %+v, want one entry with message 'hello'", resp.Logs)
	}
}

func TestServeHTTPRejectsNonGet(t *testing.T) {
	h := New(&fakeLister{}, logring.NewRingBuffer(1), "1.0.0", time.Now())

	req := httptest.NewRequest(http.MethodPost, "/debug/recent", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rw.Code)
	}
}
