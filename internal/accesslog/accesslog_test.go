package accesslog

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/cortexuvula/gatewaybridge/internal/httpconn"
)

func TestLogHTTPCompleteWritesCombinedLogLine(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{out: &buf}

	l.LogHTTPComplete(httpconn.AccessRecord{
		Client:    "127.0.0.1",
		Method:    "GET",
		Path:      "/widgets",
		Status:    200,
		Size:      42,
		TimeTaken: 5 * time.Millisecond,
	})

	line := buf.String()
	if !strings.Contains(line, "127.0.0.1") {
		t.Errorf("line missing client address: %q", line)
	}
	if !strings.Contains(line, `"GET /widgets HTTP/1.1"`) {
		t.Errorf("line missing request line: %q", line)
	}
	if !strings.Contains(line, " 200 42") {
		t.Errorf("line missing status/size: %q", line)
	}
}

func TestLogWebSocketActionWritesCombinedLogLine(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{out: &buf}

	l.LogWebSocketAction("connected", "conn-1", "/chat", "10.0.0.1")

	line := buf.String()
	if !strings.Contains(line, "10.0.0.1") {
		t.Errorf("line missing client address: %q", line)
	}
	if !strings.Contains(line, `"WS connected /chat"`) {
		t.Errorf("line missing action/path: %q", line)
	}
}

func TestNewWithoutFileWritesToStdout(t *testing.T) {
	l := New(Config{})
	if l.lj != nil {
		t.Error("expected no lumberjack logger when File is empty")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() with no file should be a no-op, got %v", err)
	}
}
