package supervisor

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lyger/matsuri-monitor/internal/domain"
	"github.com/lyger/matsuri-monitor/internal/report"
	"github.com/lyger/matsuri-monitor/internal/rules"
	"github.com/lyger/matsuri-monitor/internal/service/monitor"
	"go.uber.org/zap"
)

type fakeDirectory struct {
	mu        sync.Mutex
	live      []string
	err       error
	infoCalls map[string]int
	start     float64
}

func (d *fakeDirectory) Update(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *fakeDirectory) CurrentlyLive() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.live...)
}

func (d *fakeDirectory) GetLiveInfo(id string) (*domain.VideoInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.infoCalls == nil {
		d.infoCalls = make(map[string]int)
	}
	d.infoCalls[id]++
	info := domain.NewVideoInfo(id, "Stream "+id, &domain.ChannelInfo{ID: "UC" + id, Name: "Channel " + id})
	info.SetStartTimestamp(d.start)
	return info, nil
}

func (d *fakeDirectory) setLive(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live = ids
}

type fakeTask struct {
	rep        *report.Report
	archiver   monitor.Archiver
	started    atomic.Int32
	terminated atomic.Int32
	running    atomic.Bool
}

func (f *fakeTask) Start() {
	f.started.Add(1)
	f.running.Store(true)
}

func (f *fakeTask) Terminate()             { f.terminated.Add(1) }
func (f *fakeTask) IsRunning() bool        { return f.running.Load() }
func (f *fakeTask) Report() *report.Report { return f.rep }

// stop mimics a task finishing: hand off, then report not running.
func (f *fakeTask) stop() {
	f.archiver.Archive(context.Background(), f.rep)
	f.running.Store(false)
}

type taskRecorder struct {
	mu    sync.Mutex
	tasks map[string][]*fakeTask
}

func (r *taskRecorder) factory(info *domain.VideoInfo, rep *report.Report, archiver monitor.Archiver) Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks == nil {
		r.tasks = make(map[string][]*fakeTask)
	}
	t := &fakeTask{rep: rep, archiver: archiver}
	r.tasks[info.ID] = append(r.tasks[info.ID], t)
	return t
}

func (r *taskRecorder) get(id string) []*fakeTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

type staticRules struct {
	mu  sync.Mutex
	rs  *rules.RuleSet
	err error
}

func (s *staticRules) Load() (*rules.RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.rs, nil
}

func mustRules(t *testing.T, raw string) *rules.RuleSet {
	t.Helper()
	rs, err := rules.ParseJSON([]byte(raw))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	return rs
}

type memStore struct {
	mu    sync.Mutex
	saved []report.View
	list  []report.View
	since time.Time
	err   error
}

func (m *memStore) Save(_ context.Context, v report.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, v)
	return nil
}

func (m *memStore) List(_ context.Context, since time.Time) ([]report.View, error) {
	m.since = since
	return m.list, nil
}

type fixture struct {
	sup   *Supervisor
	dir   *fakeDirectory
	tasks *taskRecorder
	rules *staticRules
	store *memStore
	now   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		dir:   &fakeDirectory{start: float64(now.Add(-time.Hour).Unix())},
		tasks: &taskRecorder{},
		rules: &staticRules{rs: mustRules(t, `[{"type":"regex","value":"草","interval":10}]`)},
		store: &memStore{},
		now:   &now,
	}
	cfg := DefaultConfig()
	cfg.StoreBackend = "memory"
	f.sup = New(cfg, f.dir, f.rules, f.store, f.tasks.factory, zap.NewNop(),
		WithClock(func() time.Time { return *f.now }))
	return f
}

func TestUpdate_StartsAndTerminatesTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dir.setLive("abc")
	f.sup.Update(ctx)

	tasks := f.tasks.get("abc")
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one task for abc, got %d", len(tasks))
	}
	if tasks[0].started.Load() != 1 {
		t.Fatalf("expected task to be started once, got %d", tasks[0].started.Load())
	}
	if f.sup.ActiveCount() != 1 {
		t.Fatalf("expected one active task, got %d", f.sup.ActiveCount())
	}

	// Still live: nothing new.
	f.sup.Update(ctx)
	if len(f.tasks.get("abc")) != 1 || f.dir.infoCalls["abc"] != 1 {
		t.Fatalf("expected no duplicate task for abc")
	}

	// No longer live: terminated but kept until it stops.
	f.dir.setLive()
	f.sup.Update(ctx)
	if tasks[0].terminated.Load() != 1 {
		t.Fatalf("expected terminate to be called once, got %d", tasks[0].terminated.Load())
	}
	if _, ok := f.sup.Active("abc"); !ok {
		t.Fatalf("expected abc to stay active while still running")
	}

	tasks[0].running.Store(false)
	f.sup.Update(ctx)
	if _, ok := f.sup.Active("abc"); ok {
		t.Fatalf("expected abc to be swept once stopped")
	}
}

func TestUpdate_DirectoryFailureKeepsActiveSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dir.setLive("a", "b")
	f.sup.Update(ctx)

	f.dir.mu.Lock()
	f.dir.err = stderrors.New("holodex down")
	f.dir.live = nil
	f.dir.mu.Unlock()

	f.sup.Update(ctx)
	if f.sup.ActiveCount() != 2 {
		t.Fatalf("expected active set unchanged, got %d", f.sup.ActiveCount())
	}
	for _, id := range []string{"a", "b"} {
		if f.tasks.get(id)[0].terminated.Load() != 0 {
			t.Fatalf("expected %s not to be terminated on directory failure", id)
		}
	}
}

func TestUpdate_RestartsStreamAfterTaskStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dir.setLive("abc")
	f.sup.Update(ctx)
	f.tasks.get("abc")[0].running.Store(false)

	// Still live but the task died: swept, then started again.
	f.sup.Update(ctx)
	if len(f.tasks.get("abc")) != 2 {
		t.Fatalf("expected a new task after the first stopped, got %d", len(f.tasks.get("abc")))
	}
}

func TestUpdate_PushesChangedRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.sup.LoadRules(); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	f.dir.setLive("abc")
	f.sup.Update(ctx)
	rep := f.tasks.get("abc")[0].rep

	_, _ = rep.AddEvents([]domain.ChatEvent{
		domain.NewTextMessage("a", "www", 1, 0),
		domain.NewTextMessage("b", "www", 2, 0),
	})
	if rep.Size() != 0 {
		t.Fatalf("expected no groups before rule change, got %d", rep.Size())
	}

	f.rules.mu.Lock()
	f.rules.rs = mustRules(t, `[{"type":"regex","value":"w+","interval":10}]`)
	f.rules.mu.Unlock()

	f.sup.Update(ctx)
	if rep.Size() != 1 {
		t.Fatalf("expected new rules to regroup the buffer, got %d groups", rep.Size())
	}

	// Broken rule file keeps the previous set.
	f.rules.mu.Lock()
	f.rules.err = stderrors.New("bad rules")
	f.rules.mu.Unlock()
	f.sup.Update(ctx)
	if f.sup.Rules().Len() != 1 || rep.Size() != 1 {
		t.Fatalf("expected previous rules to remain in effect")
	}
}

func TestArchive_PersistsNonEmptyReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.sup.LoadRules()

	f.dir.setLive("full", "empty")
	f.sup.Update(ctx)

	full := f.tasks.get("full")[0]
	_, _ = full.rep.AddEvents([]domain.ChatEvent{domain.NewTextMessage("a", "草", 1, 0)})

	full.stop()
	f.tasks.get("empty")[0].stop()

	if len(f.store.saved) != 1 || f.store.saved[0].ID != "full" {
		t.Fatalf("expected only the non-empty report to be persisted, got %d", len(f.store.saved))
	}
	if f.sup.ArchivedCount() != 1 {
		t.Fatalf("expected one archived report, got %d", f.sup.ArchivedCount())
	}
	if !full.rep.IsFinalized() {
		t.Fatalf("expected archived report to be finalized")
	}

	// Persistence failure still keeps the report in memory.
	f.store.err = stderrors.New("disk full")
	f.dir.setLive("other")
	f.sup.Update(ctx)
	other := f.tasks.get("other")[0]
	_, _ = other.rep.AddEvents([]domain.ChatEvent{domain.NewTextMessage("a", "草", 1, 0)})
	other.stop()

	snap := f.sup.ArchiveSnapshot()
	if len(snap.Reports) != 2 || snap.Reports[0].ID != "other" {
		t.Fatalf("expected newest report first, got %+v", snap.Reports)
	}
}

func TestPrune_DropsReportsPastRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.sup.LoadRules()

	f.dir.setLive("old")
	f.sup.Update(ctx)
	old := f.tasks.get("old")[0]
	_, _ = old.rep.AddEvents([]domain.ChatEvent{domain.NewTextMessage("a", "草", 1, 0)})
	old.stop()

	if f.sup.ArchivedCount() != 1 {
		t.Fatalf("expected one archived report")
	}

	*f.now = f.now.Add(8 * 24 * time.Hour)
	f.dir.setLive()
	f.sup.Update(ctx)
	if f.sup.ArchivedCount() != 0 {
		t.Fatalf("expected report past retention to be pruned, got %d", f.sup.ArchivedCount())
	}
}

func TestRestore_LoadsStoredViews(t *testing.T) {
	f := newFixture(t)
	start := float64(f.now.Add(-2 * time.Hour).Unix())
	f.store.list = []report.View{
		{ID: "r1", Title: "one", StartTimestamp: &start, GroupLists: []report.GroupListView{{
			Description: "x", Notify: true,
			Groups: [][]domain.ChatEvent{{domain.NewTextMessage("a", "草", start+1, start)}},
		}}},
	}

	if err := f.sup.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !f.store.since.Equal(f.now.Add(-7 * 24 * time.Hour)) {
		t.Fatalf("expected retention cutoff as since, got %v", f.store.since)
	}

	snap := f.sup.ArchiveSnapshot()
	if len(snap.Reports) != 1 || snap.Reports[0].ID != "r1" || snap.Reports[0].GroupLists[0].Notify {
		t.Fatalf("unexpected restored archive: %+v", snap.Reports)
	}
}

func TestLiveJSON_CachedForTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dir.setLive("a")
	f.sup.Update(ctx)

	body, err := f.sup.LiveJSON()
	if err != nil {
		t.Fatalf("LiveJSON failed: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(snap.Reports) != 1 || snap.Reports[0].ID != "a" {
		t.Fatalf("unexpected live snapshot: %s", body)
	}
	if !strings.HasPrefix(string(body), `{"reports":[`) {
		t.Fatalf("expected reports envelope, got %s", body)
	}

	f.dir.setLive("a", "b")
	f.sup.Update(ctx)

	cached, _ := f.sup.LiveJSON()
	if string(cached) != string(body) {
		t.Fatalf("expected cached body within TTL")
	}

	*f.now = f.now.Add(6 * time.Second)
	fresh, _ := f.sup.LiveJSON()
	if err := json.Unmarshal(fresh, &snap); err != nil || len(snap.Reports) != 2 {
		t.Fatalf("expected refreshed snapshot with 2 reports, got %s", fresh)
	}
}

func TestArchiveJSON_EmptyArchive(t *testing.T) {
	f := newFixture(t)
	body, err := f.sup.ArchiveJSON()
	if err != nil {
		t.Fatalf("ArchiveJSON failed: %v", err)
	}
	if string(body) != `{"reports":[]}` {
		t.Fatalf("expected empty reports list, got %s", body)
	}
}

func TestSnapshotCache_CollapsesConcurrentMisses(t *testing.T) {
	now := time.Now()
	c := newSnapshotCache("test", time.Minute, func() time.Time { return now })

	var builds atomic.Int32
	release := make(chan struct{})
	build := func() ([]byte, error) {
		builds.Add(1)
		<-release
		return []byte("ok"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if body, err := c.get(build); err != nil || string(body) != "ok" {
				t.Errorf("unexpected result %q, %v", body, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := builds.Load(); n != 1 {
		t.Fatalf("expected one build, got %d", n)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.sup.cfg.Interval = 10 * time.Millisecond
	f.dir.setLive("abc")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sup.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.sup.ActiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.sup.ActiveCount() != 1 {
		t.Fatalf("expected first cycle to run immediately")
	}

	cancel()
	select {
	case err := <-done:
		if !stderrors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}
