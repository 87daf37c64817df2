package holodex

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lyger/matsuri-monitor/pkg/errors"
	"go.uber.org/zap"
)

func strPtr(s string) *string { return &s }

type fakeDirectory struct {
	pageSize int
	channels map[string][]ChannelRaw
	live     map[string][]StreamRaw

	mu      sync.Mutex
	calls   map[string]int
	apiKeys []string
}

func (f *fakeDirectory) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	serve := func(w http.ResponseWriter, r *http.Request, items any, n int) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit != f.pageSize {
			t.Errorf("expected limit %d, got %d", f.pageSize, limit)
		}
		end := min(offset+limit, n)
		if offset >= n {
			_, _ = w.Write([]byte("[]"))
			return
		}
		var page any
		switch v := items.(type) {
		case []ChannelRaw:
			page = v[offset:end]
		case []StreamRaw:
			page = v[offset:end]
		}
		body, _ := json.Marshal(page)
		_, _ = w.Write(body)
	}

	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.URL.Query().Get("type") != "vtuber" {
			t.Errorf("expected type=vtuber, got %q", r.URL.Query().Get("type"))
		}
		items := f.channels[r.URL.Query().Get("org")]
		serve(w, r, items, len(items))
	})
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.URL.Query().Get("status") != "live" {
			t.Errorf("expected status=live, got %q", r.URL.Query().Get("status"))
		}
		items := f.live[r.URL.Query().Get("org")]
		serve(w, r, items, len(items))
	})
	return mux
}

func (f *fakeDirectory) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[r.URL.Path]++
	f.apiKeys = append(f.apiKeys, r.Header.Get("X-APIKEY"))
}

func testClient(baseURL string, keys []string) *APIClient {
	return NewAPIClient(ClientConfig{BaseURL: baseURL, Timeout: 2 * time.Second}, keys, zap.NewNop())
}

func newTestService(client Requester, orgs []string, pageSize int) *Service {
	svc := NewService(client, orgs, nil, zap.NewNop())
	svc.pageSize = pageSize
	return svc
}

func TestService_UpdateCollectsLiveStreams(t *testing.T) {
	dir := &fakeDirectory{
		pageSize: 2,
		channels: map[string][]ChannelRaw{
			"A": {
				{ID: "ch1", Name: "One", Photo: strPtr("https://img/1")},
				{ID: "ch2", Name: "Two"},
				{ID: "ch3", Name: "Three"},
			},
			"B": {{ID: "ch4", Name: "Four"}},
		},
		live: map[string][]StreamRaw{
			"A": {
				{ID: "v1", Title: "first", StartActual: strPtr("2024-01-01T00:00:00.000Z"), Channel: &ChannelRaw{ID: "ch1", Name: "One"}},
				{ID: "v2", Title: "not started", Channel: &ChannelRaw{ID: "ch2", Name: "Two"}},
				{ID: "v3", Title: "collab", StartActual: strPtr("2024-01-01T01:00:00Z"), Channel: &ChannelRaw{ID: "ch3", Name: "Three"}},
			},
			"B": {
				{ID: "v3", Title: "collab (dup)", StartActual: strPtr("2024-01-01T01:00:00Z"), Channel: &ChannelRaw{ID: "ch4", Name: "Four"}},
				{ID: "v4", Title: "unknown channel", StartActual: strPtr("2024-01-01T02:00:00Z"), Channel: &ChannelRaw{ID: "ch9", Name: "Nine", Photo: strPtr("https://img/9")}},
			},
		},
	}
	srv := httptest.NewServer(dir.handler(t))
	defer srv.Close()

	svc := newTestService(testClient(srv.URL, nil), []string{"A", "B"}, 2)
	if err := svc.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got := svc.CurrentlyLive()
	want := []string{"v1", "v3", "v4"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	info, err := svc.GetLiveInfo("v1")
	if err != nil {
		t.Fatalf("GetLiveInfo failed: %v", err)
	}
	if info.Channel.Name != "One" || info.Channel.ThumbnailURL != "https://img/1" || info.Channel.Org != "A" {
		t.Fatalf("unexpected channel: %+v", info.Channel)
	}
	start, ok := info.StartTimestamp()
	if !ok || start != float64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix()) {
		t.Fatalf("expected start at 2024-01-01, got %v (%v)", start, ok)
	}

	collab, _ := svc.GetLiveInfo("v3")
	if collab.Title != "collab" || collab.Channel.ID != "ch3" {
		t.Fatalf("expected first occurrence to win, got %q on %s", collab.Title, collab.Channel.ID)
	}

	embedded, _ := svc.GetLiveInfo("v4")
	if embedded.Channel.Name != "Nine" || embedded.Channel.Org != "B" {
		t.Fatalf("expected embedded channel fallback, got %+v", embedded.Channel)
	}

	if _, err := svc.GetLiveInfo("v2"); err == nil {
		t.Fatalf("expected error for stream without start_actual")
	}

	// Channel list is fetched once.
	if err := svc.Update(context.Background()); err != nil {
		t.Fatalf("second Update failed: %v", err)
	}
	dir.mu.Lock()
	channelCalls := dir.calls["/channels"]
	dir.mu.Unlock()
	// Org A: 3 channels at page size 2 -> 2 pages + empty, org B: 1 page + empty.
	if channelCalls != 5 {
		t.Fatalf("expected 5 channel page requests, got %d", channelCalls)
	}
}

type memCache struct {
	data map[string][]byte
	sets int
}

func (m *memCache) Get(_ context.Context, key string, dest any) (bool, error) {
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (m *memCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = raw
	m.sets++
	return nil
}

func TestService_ChannelCache(t *testing.T) {
	dir := &fakeDirectory{
		pageSize: 50,
		channels: map[string][]ChannelRaw{"A": {{ID: "ch1", Name: "One"}}},
		live:     map[string][]StreamRaw{},
	}
	srv := httptest.NewServer(dir.handler(t))
	defer srv.Close()

	cache := &memCache{data: make(map[string][]byte)}
	first := NewService(testClient(srv.URL, nil), []string{"A"}, cache, zap.NewNop())
	if err := first.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if cache.sets != 1 {
		t.Fatalf("expected channel list to be cached once, got %d", cache.sets)
	}

	second := NewService(testClient(srv.URL, nil), []string{"A"}, cache, zap.NewNop())
	if err := second.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	dir.mu.Lock()
	defer dir.mu.Unlock()
	if dir.calls["/channels"] != 2 {
		t.Fatalf("expected second service to use the cache, got %d channel requests", dir.calls["/channels"])
	}
	if second.channels["ch1"] == nil || second.channels["ch1"].Name != "One" {
		t.Fatalf("expected cached channel, got %+v", second.channels)
	}
}

func TestAPIClient_RotatesKeysOnRateLimit(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-APIKEY")
		mu.Lock()
		seen = append(seen, key)
		mu.Unlock()
		if key == "k1" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	client := testClient(srv.URL, []string{"k1", "k2"})
	if _, err := client.DoRequest(context.Background(), "/live", nil); err != nil {
		t.Fatalf("expected success after rotation, got %v", err)
	}
	if len(seen) != 2 || seen[0] != "k1" || seen[1] != "k2" {
		t.Fatalf("expected keys [k1 k2], got %v", seen)
	}
}

func TestAPIClient_ClientErrorDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := testClient(srv.URL, nil)
	for i := 0; i < 5; i++ {
		_, err := client.DoRequest(context.Background(), "/missing", nil)
		var apiErr *errors.APIError
		if !stderrors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 APIError, got %v", err)
		}
	}
	if client.IsCircuitOpen() {
		t.Fatalf("expected circuit to stay closed on client errors")
	}
}

func TestAPIClient_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := testClient(srv.URL, nil)
	for i := 0; i < 3; i++ {
		if _, err := client.DoRequest(context.Background(), "/live", nil); err == nil {
			t.Fatalf("expected error on attempt %d", i)
		}
	}
	if !client.IsCircuitOpen() {
		t.Fatalf("expected circuit to open after consecutive failures")
	}

	before := hits.Load()
	_, err := client.DoRequest(context.Background(), "/live", nil)
	var apiErr *errors.APIError
	if !stderrors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from open circuit, got %v", err)
	}
	if hits.Load() != before {
		t.Fatalf("expected no request while the circuit is open")
	}
}

func TestParseHolodexTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	for _, raw := range []string{"2024-03-01T12:30:00Z", "2024-03-01T12:30:00.000Z", "2024-03-01T12:30:00", "2024-03-01T21:30:00+09:00"} {
		got, err := parseHolodexTime(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parse %q: expected %v, got %v", raw, want, got)
		}
	}
	if _, err := parseHolodexTime("yesterday"); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}
