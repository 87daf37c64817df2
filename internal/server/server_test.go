package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

type fakeSnapshots struct {
	live    []byte
	archive []byte
	err     error
}

func (f *fakeSnapshots) LiveJSON() ([]byte, error)    { return f.live, f.err }
func (f *fakeSnapshots) ArchiveJSON() ([]byte, error) { return f.archive, f.err }
func (f *fakeSnapshots) ActiveCount() int             { return 2 }
func (f *fakeSnapshots) ArchivedCount() int           { return 5 }

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_ServesSnapshots(t *testing.T) {
	snaps := &fakeSnapshots{
		live:    []byte(`{"reports":[{"id":"a"}]}`),
		archive: []byte(`{"reports":[]}`),
	}
	h := NewRouter(Config{}, snaps, nil, zap.NewNop())

	rec := get(t, h, "/_monitor/live.json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %q", ct)
	}
	if rec.Body.String() != string(snaps.live) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = get(t, h, "/_monitor/archive.json", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != `{"reports":[]}` {
		t.Fatalf("unexpected archive response %d %s", rec.Code, rec.Body.String())
	}

	if rec := get(t, h, "/_monitor/ws", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a hub, got %d", rec.Code)
	}
}

func TestRouter_SnapshotError(t *testing.T) {
	h := NewRouter(Config{}, &fakeSnapshots{err: errors.New("boom")}, nil, zap.NewNop())
	rec := get(t, h, "/_monitor/live.json", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	h := NewRouter(Config{}, &fakeSnapshots{}, nil, zap.NewNop())

	rec := get(t, h, "/healthz", nil)
	var body struct {
		Status          string `json:"status"`
		ActiveMonitors  int    `json:"active_monitors"`
		ArchivedReports int    `json:"archived_reports"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid health JSON: %v", err)
	}
	if body.Status != "ok" || body.ActiveMonitors != 2 || body.ArchivedReports != 5 {
		t.Fatalf("unexpected health body %+v", body)
	}

	rec = get(t, h, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus metrics, got %d", rec.Code)
	}
}

func TestRouter_CORS(t *testing.T) {
	h := NewRouter(Config{CORSOrigins: []string{"https://example.com"}}, &fakeSnapshots{live: []byte(`{}`)}, nil, zap.NewNop())

	rec := get(t, h, "/_monitor/live.json", map[string]string{"Origin": "https://example.com"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Fatalf("expected allowed origin header, got %q", got)
	}

	rec = get(t, h, "/_monitor/live.json", map[string]string{"Origin": "https://other.com"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header for other origin, got %q", got)
	}
}

func TestRouter_MountsAlertHandler(t *testing.T) {
	alerts := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewRouter(Config{}, &fakeSnapshots{}, alerts, zap.NewNop())
	if rec := get(t, h, "/_monitor/ws", nil); rec.Code != http.StatusTeapot {
		t.Fatalf("expected alert handler to be mounted, got %d", rec.Code)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestService_ServeAndShutdown(t *testing.T) {
	port := freePort(t)
	handler := NewRouter(Config{}, &fakeSnapshots{live: []byte(`{"reports":[]}`)}, nil, zap.NewNop())
	svc := NewService(Config{Port: port, ShutdownTimeout: time.Second}, handler, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	url := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/_monitor/live.json"
	var resp *http.Response
	var err error
	for i := 0; i < 100; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != `{"reports":[]}` {
		t.Fatalf("unexpected body %s", body)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
