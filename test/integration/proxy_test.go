//go:build integration

// Package integration exercises the gateway end to end: a real
// httptest.Server in front of httpconn.Handler and wsconn.Handler, wired
// through the actual registry and dispatcher, driven by a toy application
// that echoes what it receives back onto the wire.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/cortexuvula/gatewaybridge/internal/apprunner"
	"github.com/cortexuvula/gatewaybridge/internal/dispatch"
	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
	"github.com/cortexuvula/gatewaybridge/internal/httpconn"
	"github.com/cortexuvula/gatewaybridge/internal/registry"
	"github.com/cortexuvula/gatewaybridge/internal/wsconn"
)

// echoApp replies to an HTTP request with its method and path in the
// body, and echoes every WebSocket frame it receives back to the sender.
func echoApp(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send apprunner.SendFunc) error {
	switch scope.Type {
	case "http":
		if err := send(ctx, gwtypes.Message{
			"type":   "http.response.start",
			"status": 200,
			"headers": [][2][]byte{
				{[]byte("content-type"), []byte("text/plain")},
			},
		}); err != nil {
			return err
		}
		return send(ctx, gwtypes.Message{
			"type": "http.response.body",
			"body": []byte(scope.Method + " " + scope.Path),
		})
	case "websocket":
		m, err := receive(ctx)
		if err != nil {
			return err
		}
		if m.Type() != "websocket.connect" {
			return nil
		}
		if err := send(ctx, gwtypes.Message{"type": "websocket.accept"}); err != nil {
			return err
		}
		for {
			m, err := receive(ctx)
			if err != nil {
				return err
			}
			switch m.Type() {
			case "websocket.receive":
				reply := gwtypes.Message{"type": "websocket.send"}
				if text, ok := m.String("text"); ok {
					reply["text"] = text
				} else if body, ok := m.Bytes("bytes"); ok {
					reply["bytes"] = body
				}
				if err := send(ctx, reply); err != nil {
					return err
				}
			case "websocket.disconnect":
				return nil
			}
		}
	}
	return nil
}

// newTestGateway wires the real registry, dispatcher, httpconn and
// wsconn handlers together around the echo application and returns a
// running httptest.Server fronting them.
func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()

	reg := registry.New(nil)
	disp := dispatch.New(reg)
	runner := apprunner.NewRunner(apprunner.Application(echoApp))

	ws := wsconn.New(wsconn.Config{
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		IdleTimeout:      -1,
		WriteTimeout:     2 * time.Second,
	}, runner, disp, reg, nil)

	handler := httpconn.New(httpconn.Config{
		HTTPTimeout:       2 * time.Second,
		RequestBufferSize: 8192,
		ServerName:        "gatewaybridge-test",
	}, runner, disp, reg, ws, nil)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPRoundTripReturnsMethodAndPath(t *testing.T) {
	srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/widgets/42")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := make([]byte, 64)
	n, _ := resp.Body.Read(body)
	if got := string(body[:n]); got != "GET /widgets/42" {
		t.Errorf("body = %q, want %q", got, "GET /widgets/42")
	}
}

func TestWebSocketEchoesTextFrame(t *testing.T) {
	srv := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer c.CloseNow()

	if err := c.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write error: %v", err)
	}

	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("expected text message, got %v", typ)
	}
	if string(data) != "hello" {
		t.Errorf("echoed body = %q, want %q", data, "hello")
	}

	c.Close(websocket.StatusNormalClosure, "")
}

// TestWebSocketEchoesFrameSequenceInOrder sends a mixed sequence of text
// and binary frames of varying sizes and checks every one comes back with
// the right type, the right bytes, and in the order it was sent.
func TestWebSocketEchoesFrameSequenceInOrder(t *testing.T) {
	srv := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer c.CloseNow()

	frames := []struct {
		typ  websocket.MessageType
		data []byte
	}{
		{websocket.MessageText, []byte("first")},
		{websocket.MessageBinary, []byte{0x00, 0x01, 0x02}},
		{websocket.MessageText, []byte("")},
		{websocket.MessageBinary, make([]byte, 4096)},
		{websocket.MessageText, []byte("last")},
	}
	for i := range frames[3].data {
		frames[3].data[i] = byte(i)
	}

	for _, f := range frames {
		if err := c.Write(ctx, f.typ, f.data); err != nil {
			t.Fatalf("write error: %v", err)
		}
	}

	for i, want := range frames {
		typ, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read error on frame %d: %v", i, err)
		}
		if typ != want.typ {
			t.Errorf("frame %d: type = %v, want %v", i, typ, want.typ)
		}
		if string(data) != string(want.data) {
			t.Errorf("frame %d: data = %x, want %x", i, data, want.data)
		}
	}

	c.Close(websocket.StatusNormalClosure, "")
}

func TestWebSocketEchoesBinaryFrame(t *testing.T) {
	srv := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer c.CloseNow()

	payload := []byte{0x01, 0x02, 0x03, 0xff}
	if err := c.Write(ctx, websocket.MessageBinary, payload); err != nil {
		t.Fatalf("write error: %v", err)
	}

	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Errorf("expected binary message, got %v", typ)
	}
	if string(data) != string(payload) {
		t.Errorf("echoed bytes = %x, want %x", data, payload)
	}

	c.Close(websocket.StatusNormalClosure, "")
}
