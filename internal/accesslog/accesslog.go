// Package accesslog writes the NCSA-style access lines the gateway
// contract requires: one line per completed HTTP request, and one line
// per WebSocket connection-lifecycle action (connecting, connected,
// rejected). It is deliberately separate from internal/logging's
// structured application log — access lines follow a fixed combined-log
// format, not slog's key/value shape.
package accesslog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cortexuvula/gatewaybridge/internal/httpconn"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ncsaTimeFormat is the combined-log-format timestamp: 10/Oct/2000:13:55:36 -0700.
const ncsaTimeFormat = "02/Jan/2006:15:04:05 -0700"

// Logger writes access lines to a combined-log-format destination and
// mirrors each one as a structured slog record, the way the teacher's
// internal/logging package handles application logs.
type Logger struct {
	out io.Writer
	lj  *lumberjack.Logger
}

// Config controls where access lines land. An empty File logs to stdout.
type Config struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New creates an access logger. Call Close on shutdown if File is set.
func New(cfg Config) *Logger {
	if cfg.File == "" {
		return &Logger{out: os.Stdout}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &Logger{out: lj, lj: lj}
}

// Close releases the underlying log file, if any.
func (l *Logger) Close() error {
	if l.lj != nil {
		return l.lj.Close()
	}
	return nil
}

// LogHTTPComplete records a completed HTTP request/response cycle
// (spec.md §4.2 step 7): client address, method, path, status, and
// response byte count. Implements httpconn.AccessLogger.
func (l *Logger) LogHTTPComplete(rec httpconn.AccessRecord) {
	now := time.Now()
	fmt.Fprintf(l.out, "%s - - [%s] \"%s %s HTTP/1.1\" %d %d\n",
		rec.Client, now.Format(ncsaTimeFormat), rec.Method, rec.Path, rec.Status, rec.Size)
	slog.Info("http request complete",
		"client", rec.Client, "method", rec.Method, "path", rec.Path,
		"status", rec.Status, "bytes", rec.Size, "duration", rec.TimeTaken)
}

// LogWebSocketAction records one of the three WebSocket lifecycle
// actions the gateway contract requires: "connecting" (handshake
// started), "connected" (application accepted), "rejected" (application
// or timeout refused the handshake). Implements wsconn.AccessLogger.
func (l *Logger) LogWebSocketAction(action, connID, path, client string) {
	now := time.Now()
	fmt.Fprintf(l.out, "%s - - [%s] \"WS %s %s\" - -\n",
		client, now.Format(ncsaTimeFormat), action, path)
	slog.Info("websocket "+action, "conn_id", connID, "path", path, "client", client)
}
