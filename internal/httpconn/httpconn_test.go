package httpconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cortexuvula/gatewaybridge/internal/apprunner"
	"github.com/cortexuvula/gatewaybridge/internal/dispatch"
	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
)

// fakeRegistry is a minimal ConnRegistry that just remembers the last
// registered reply target so the dispatcher driving the test can route to
// it directly, without needing the real registry package (which would
// import this one's sibling dispatch package, creating noise unrelated to
// these tests).
type fakeRegistry struct {
	target dispatch.ReplyTarget
}

func (f *fakeRegistry) Register(conn *gwtypes.Connection, task *apprunner.Task) {}
func (f *fakeRegistry) SetTarget(connID string, target dispatch.ReplyTarget)     { f.target = target }
func (f *fakeRegistry) MarkDisconnected(connID string, at time.Time)             {}

type routingDispatcher struct{ reg *fakeRegistry }

func (d *routingDispatcher) HandleReply(ctx context.Context, connID string, msg gwtypes.Message) error {
	if d.reg.target == nil {
		return nil
	}
	return d.reg.target.HandleOutbound(ctx, msg)
}

func newTestHandler(app apprunner.Application) (*Handler, *fakeRegistry) {
	reg := &fakeRegistry{}
	disp := &routingDispatcher{reg: reg}
	runner := apprunner.NewRunner(app)
	h := New(Config{ServerName: "gatewaybridge", HTTPTimeout: time.Second}, runner, disp, reg, nil, nil)
	return h, reg
}

func TestServeHTTPSimpleGetResponse(t *testing.T) {
	app := apprunner.Application(func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send apprunner.SendFunc) error {
		if err := send(ctx, gwtypes.Message{"type": "http.response.start", "status": 200, "headers": [][2][]byte{}}); err != nil {
			return err
		}
		return send(ctx, gwtypes.Message{"type": "http.response.body", "body": []byte("OK")})
	})
	h, _ := newTestHandler(app)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != 200 {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	if rw.Body.String() != "OK" {
		t.Fatalf("expected body OK, got %q", rw.Body.String())
	}
}

func TestServeHTTPPostBodyDeliveredAsOneMessage(t *testing.T) {
	received := make(chan gwtypes.Message, 1)
	app := apprunner.Application(func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send apprunner.SendFunc) error {
		m, err := receive(ctx)
		if err != nil {
			return err
		}
		received <- m
		send(ctx, gwtypes.Message{"type": "http.response.start", "status": 200})
		return send(ctx, gwtypes.Message{"type": "http.response.body", "body": []byte("")})
	})
	h, _ := newTestHandler(app)

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("name=foo"))
	req.ContentLength = 8
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	select {
	case m := <-received:
		body, _ := m.Bytes("body")
		if string(body) != "name=foo" {
			t.Errorf("expected body name=foo, got %q", body)
		}
		if m.Bool("more_body", true) {
			t.Errorf("expected more_body=false on the only chunk")
		}
	case <-time.After(time.Second):
		t.Fatal("application never received http.request")
	}
}

func TestServeHTTPScopeRawPathRoundTripsEscapedURLPath(t *testing.T) {
	cases := []string{
		"/plain",
		"/with%20space",
		"/a/b/c",
		"/%E2%9C%93check",
		"/trailing/",
		"/",
	}

	for _, path := range cases {
		var gotRawPath []byte
		var gotPath string
		app := apprunner.Application(func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send apprunner.SendFunc) error {
			gotRawPath = scope.RawPath
			gotPath = scope.Path
			send(ctx, gwtypes.Message{"type": "http.response.start", "status": 200})
			return send(ctx, gwtypes.Message{"type": "http.response.body"})
		})
		h, _ := newTestHandler(app)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)

		if string(gotRawPath) != req.URL.EscapedPath() {
			t.Errorf("path %q: RawPath round-trip = %q, want %q", path, gotRawPath, req.URL.EscapedPath())
		}
		if gotPath != req.URL.Path {
			t.Errorf("path %q: scope.Path = %q, want %q", path, gotPath, req.URL.Path)
		}
	}
}

func TestServeHTTPChunkedResponseBodyByteEquality(t *testing.T) {
	chunks := [][]byte{
		[]byte("first-chunk,"),
		[]byte("second-chunk,"),
		[]byte("third-and-final"),
	}
	app := apprunner.Application(func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send apprunner.SendFunc) error {
		if err := send(ctx, gwtypes.Message{"type": "http.response.start", "status": 201}); err != nil {
			return err
		}
		for i, c := range chunks {
			more := i < len(chunks)-1
			if err := send(ctx, gwtypes.Message{"type": "http.response.body", "body": c, "more_body": more}); err != nil {
				return err
			}
		}
		return nil
	})
	h, _ := newTestHandler(app)

	req := httptest.NewRequest(http.MethodGet, "/chunked", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rw.Code)
	}

	var want []byte
	for _, c := range chunks {
		want = append(want, c...)
	}
	if got := rw.Body.Bytes(); string(got) != string(want) {
		t.Fatalf("response body = %q, want %q", got, want)
	}
}

func TestServeHTTPRejectsNonASCIIPath(t *testing.T) {
	h, _ := newTestHandler(apprunner.Application(func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send apprunner.SendFunc) error {
		t.Fatal("application should not be invoked for an invalid path")
		return nil
	}))

	for _, target := range []string{"/\xc3\xa4\xc3\xb6", "/?q=\xc3\xa4\xc3\xb6"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)

		if rw.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", target, rw.Code)
		}
	}
}

func TestServeHTTPMissingStatusIsContractError(t *testing.T) {
	app := apprunner.Application(func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send apprunner.SendFunc) error {
		return send(ctx, gwtypes.Message{"type": "http.response.start", "headers": [][2][]byte{}})
	})
	h, _ := newTestHandler(app)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from contract violation, got %d", rw.Code)
	}
}

func TestServeHTTPInjectsServerHeaderWhenAbsent(t *testing.T) {
	app := apprunner.Application(func(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send apprunner.SendFunc) error {
		send(ctx, gwtypes.Message{"type": "http.response.start", "status": 200, "headers": [][2][]byte{}})
		return send(ctx, gwtypes.Message{"type": "http.response.body", "body": []byte("x")})
	})
	h, _ := newTestHandler(app)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if got := rw.Header().Get("Server"); got != "gatewaybridge" {
		t.Errorf("expected injected Server header, got %q", got)
	}
}

func TestCleanHeadersDropsUnderscoreNamesAndLowercases(t *testing.T) {
	h := http.Header{}
	h.Set("X-Custom", "v1")
	h.Add("X_Bad_Name", "v2")
	got := cleanHeaders(h)
	for _, f := range got {
		if strings.Contains(string(f.Name), "_") {
			t.Errorf("expected underscore-named header to be dropped, found %q", f.Name)
		}
		if string(f.Name) != strings.ToLower(string(f.Name)) {
			t.Errorf("expected lower-case header name, got %q", f.Name)
		}
	}
}

func TestCleanHeadersPreservesValueOrderWithinAName(t *testing.T) {
	h := http.Header{}
	h.Add("X-Multi", "first")
	h.Add("X-Multi", "second")
	h.Add("X-Multi", "third")

	got := cleanHeaders(h)
	var values []string
	for _, f := range got {
		if string(f.Name) == "x-multi" {
			values = append(values, string(f.Value))
		}
	}
	want := []string{"first", "second", "third"}
	if len(values) != len(want) {
		t.Fatalf("expected %d values, got %d: %v", len(want), len(values), values)
	}
	for i, v := range want {
		if values[i] != v {
			t.Errorf("value[%d] = %q, want %q", i, values[i], v)
		}
	}
}

func TestCleanHeadersNameOrderIsDeterministic(t *testing.T) {
	h := http.Header{}
	h.Set("Zeta", "1")
	h.Set("Alpha", "2")
	h.Set("Mu", "3")

	first := cleanHeaders(h)
	second := cleanHeaders(h)

	if len(first) != len(second) {
		t.Fatalf("expected equal length, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if string(first[i].Name) != string(second[i].Name) {
			t.Errorf("name order not deterministic at index %d: %q vs %q", i, first[i].Name, second[i].Name)
		}
	}
	for i := 1; i < len(first); i++ {
		if string(first[i-1].Name) > string(first[i].Name) {
			t.Errorf("expected sorted header names, got %q before %q", first[i-1].Name, first[i].Name)
		}
	}
}

func TestTakeRootPathRelocatesAndDecodesHeader(t *testing.T) {
	h := http.Header{}
	h.Set(rootPathHeader, "%2Fmounted")
	headers := cleanHeaders(h)
	remaining, rootPath := takeRootPath(headers, "")
	if rootPath != "/mounted" {
		t.Errorf("expected decoded root path /mounted, got %q", rootPath)
	}
	for _, f := range remaining {
		if string(f.Name) == strings.ToLower(rootPathHeader) {
			t.Error("expected root path header to be removed from the remaining list")
		}
	}
}
