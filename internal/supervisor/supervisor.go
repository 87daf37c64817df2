// Package supervisor reconciles the set of ingestion tasks with the live stream directory
// and owns the archive of finished reports.
package supervisor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lyger/matsuri-monitor/internal/archive"
	"github.com/lyger/matsuri-monitor/internal/constants"
	"github.com/lyger/matsuri-monitor/internal/domain"
	"github.com/lyger/matsuri-monitor/internal/metrics"
	"github.com/lyger/matsuri-monitor/internal/report"
	"github.com/lyger/matsuri-monitor/internal/rules"
	"github.com/lyger/matsuri-monitor/internal/service/monitor"
	"github.com/lyger/matsuri-monitor/pkg/errors"
	"go.uber.org/zap"
)

// Directory reports which streams are live. *holodex.Service is the production implementation.
type Directory interface {
	Update(ctx context.Context) error
	CurrentlyLive() []string
	GetLiveInfo(videoID string) (*domain.VideoInfo, error)
}

// Task is the supervisor's handle on one ingestion task.
type Task interface {
	Start()
	Terminate()
	IsRunning() bool
	Report() *report.Report
}

// TaskFactory builds a task for a new live stream. The archiver receives the finished report.
type TaskFactory func(info *domain.VideoInfo, rep *report.Report, archiver monitor.Archiver) Task

// MonitorFactory builds production tasks.
func MonitorFactory(cfg monitor.Config, deps monitor.Deps) TaskFactory {
	return func(info *domain.VideoInfo, rep *report.Report, archiver monitor.Archiver) Task {
		d := deps
		d.Archiver = archiver
		return monitor.New(info, rep, cfg, d)
	}
}

type Config struct {
	Interval     time.Duration
	LiveTTL      time.Duration
	ArchiveTTL   time.Duration
	Retention    time.Duration
	StoreBackend string
}

func DefaultConfig() Config {
	return Config{
		Interval:     constants.SupervisorConfig.UpdateInterval,
		LiveTTL:      constants.CacheTTL.LiveSnapshot,
		ArchiveTTL:   constants.CacheTTL.ArchiveSnapshot,
		Retention:    constants.SupervisorConfig.ArchiveRetention,
		StoreBackend: "none",
	}
}

// Snapshot is the document served for the live and archive views.
type Snapshot struct {
	Reports []report.View `json:"reports"`
}

type Supervisor struct {
	cfg       Config
	directory Directory
	ruleSrc   rules.Source
	store     archive.Store
	newTask   TaskFactory
	logger    *zap.Logger
	now       func() time.Time

	// cycleMu makes Update the single writer of active.
	cycleMu  sync.Mutex
	activeMu sync.RWMutex
	active   map[string]Task
	order    []string

	rulesMu sync.RWMutex
	rules   *rules.RuleSet

	archiveMu sync.RWMutex
	archived  []*report.Report

	liveCache    *snapshotCache
	archiveCache *snapshotCache
}

type Option func(*Supervisor)

// WithClock replaces time.Now, for retention and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

func New(cfg Config, directory Directory, ruleSrc rules.Source, store archive.Store, newTask TaskFactory, logger *zap.Logger, opts ...Option) *Supervisor {
	if store == nil {
		store = archive.Nop{}
	}
	s := &Supervisor{
		cfg:       cfg,
		directory: directory,
		ruleSrc:   ruleSrc,
		store:     store,
		newTask:   newTask,
		logger:    logger,
		now:       time.Now,
		active:    make(map[string]Task),
		rules:     rules.NewRuleSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.liveCache = newSnapshotCache("live", cfg.LiveTTL, s.now)
	s.archiveCache = newSnapshotCache("archive", cfg.ArchiveTTL, s.now)
	return s
}

// LoadRules performs the initial rule load. A failure leaves the empty rule set in place.
func (s *Supervisor) LoadRules() error {
	rs, err := s.ruleSrc.Load()
	if err != nil {
		return err
	}
	s.rulesMu.Lock()
	s.rules = rs
	s.rulesMu.Unlock()
	s.logger.Info("Rules loaded", zap.Int("rules", rs.Len()))
	return nil
}

func (s *Supervisor) Rules() *rules.RuleSet {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	return s.rules
}

func (s *Supervisor) String() string {
	return "supervisor-cycle"
}

// Serve runs a cycle immediately and then once per interval until ctx is done.
func (s *Supervisor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Update(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Supervisor stopped", zap.Int("active", s.ActiveCount()))
			return ctx.Err()
		case <-ticker.C:
			s.Update(ctx)
		}
	}
}

// Update runs one reconciliation cycle. Step failures are logged and never abort the process.
func (s *Supervisor) Update(ctx context.Context) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	started := s.now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}()

	s.reloadRules()
	s.sweep()

	if err := s.directory.Update(ctx); err != nil {
		metrics.CycleErrors.WithLabelValues("directory").Inc()
		s.logger.Error("Directory update failed, keeping active set", zap.Error(err))
	} else {
		s.reconcile(ctx, s.directory.CurrentlyLive())
	}

	s.prune()
	metrics.ActiveMonitors.Set(float64(s.ActiveCount()))
}

func (s *Supervisor) reloadRules() {
	next, err := s.ruleSrc.Load()
	if err != nil {
		metrics.CycleErrors.WithLabelValues("rules").Inc()
		s.logger.Error("Rule reload failed, keeping previous rules", zap.Error(err))
		return
	}

	current := s.Rules()
	if next.Equal(current) {
		return
	}

	s.logger.Info("Rules changed", zap.Int("previous", current.Len()), zap.Int("current", next.Len()))
	s.rulesMu.Lock()
	s.rules = next
	s.rulesMu.Unlock()

	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	for id, task := range s.active {
		if err := task.Report().SetRules(next); err != nil {
			if errors.IsInvalidState(err) {
				continue
			}
			s.logger.Warn("Failed to apply rules", zap.String("video_id", id), zap.Error(err))
		}
	}
}

// sweep drops tasks that have stopped. Their reports were handed off by the tasks themselves.
func (s *Supervisor) sweep() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	kept := s.order[:0]
	for _, id := range s.order {
		if s.active[id].IsRunning() {
			kept = append(kept, id)
			continue
		}
		delete(s.active, id)
		s.logger.Info("Removed stopped monitor", zap.String("video_id", id))
	}
	s.order = kept
}

func (s *Supervisor) reconcile(ctx context.Context, live []string) {
	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}

	s.activeMu.RLock()
	var stopped []Task
	for id, task := range s.active {
		if _, ok := liveSet[id]; !ok {
			stopped = append(stopped, task)
		}
	}
	s.activeMu.RUnlock()

	ruleSet := s.Rules()
	for _, id := range live {
		if ctx.Err() != nil {
			return
		}
		s.activeMu.RLock()
		_, exists := s.active[id]
		s.activeMu.RUnlock()
		if exists {
			continue
		}

		info, err := s.directory.GetLiveInfo(id)
		if err != nil {
			s.logger.Warn("Failed to get live info", zap.String("video_id", id), zap.Error(err))
			continue
		}

		rep := report.New(info)
		if err := rep.SetRules(ruleSet); err != nil {
			s.logger.Warn("Failed to bind rules", zap.String("video_id", id), zap.Error(err))
			continue
		}
		task := s.newTask(info, rep, s)

		s.activeMu.Lock()
		s.active[id] = task
		s.order = append(s.order, id)
		s.activeMu.Unlock()

		s.logger.Info("Starting monitor",
			zap.String("video_id", id),
			zap.String("title", info.Title),
			zap.String("channel", info.Channel.GetDisplayName()),
		)
		task.Start()
	}

	for _, task := range stopped {
		task.Terminate()
	}
}

func (s *Supervisor) prune() {
	cutoff := s.now().Add(-s.cfg.Retention)

	s.archiveMu.Lock()
	defer s.archiveMu.Unlock()

	kept := s.archived[:0]
	for _, r := range s.archived {
		if start, ok := r.Info().StartTime(); ok && !start.After(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	clear(s.archived[len(kept):])
	s.archived = kept
	metrics.ArchivedReports.Set(float64(len(kept)))
}

// Archive takes a finished report from its task. Non-empty reports are persisted and
// prepended to the in-memory archive; empty ones are dropped.
func (s *Supervisor) Archive(ctx context.Context, r *report.Report) {
	r.Finalize()

	logger := s.logger.With(zap.String("video_id", r.ID()))
	if r.Size() == 0 {
		logger.Info("Discarding report with no groups")
		return
	}

	if err := s.store.Save(ctx, r.View()); err != nil {
		metrics.ArchiveWrites.WithLabelValues(s.cfg.StoreBackend, "error").Inc()
		logger.Error("Failed to persist report", zap.Error(err))
	} else {
		metrics.ArchiveWrites.WithLabelValues(s.cfg.StoreBackend, "ok").Inc()
	}

	s.archiveMu.Lock()
	s.archived = slices.Insert(s.archived, 0, r)
	n := len(s.archived)
	s.archiveMu.Unlock()

	metrics.ArchivedReports.Set(float64(n))
	logger.Info("Report archived", zap.Int("groups", r.Size()))
}

// Restore loads persisted reports still inside the retention window.
func (s *Supervisor) Restore(ctx context.Context) error {
	views, err := s.store.List(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return fmt.Errorf("list archived reports: %w", err)
	}

	restored := make([]*report.Report, 0, len(views))
	for _, v := range views {
		restored = append(restored, report.Restore(v))
	}

	s.archiveMu.Lock()
	s.archived = append(s.archived, restored...)
	n := len(s.archived)
	s.archiveMu.Unlock()

	s.archiveCache.invalidate()
	metrics.ArchivedReports.Set(float64(n))
	s.logger.Info("Archive restored", zap.Int("reports", len(restored)))
	return nil
}

func (s *Supervisor) ActiveCount() int {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return len(s.active)
}

// Active returns the current task for a stream, if any.
func (s *Supervisor) Active(videoID string) (Task, bool) {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	t, ok := s.active[videoID]
	return t, ok
}

func (s *Supervisor) ArchivedCount() int {
	s.archiveMu.RLock()
	defer s.archiveMu.RUnlock()
	return len(s.archived)
}

// LiveSnapshot serializes every active report, in the order their tasks were started.
func (s *Supervisor) LiveSnapshot() Snapshot {
	s.activeMu.RLock()
	reports := make([]*report.Report, 0, len(s.order))
	for _, id := range s.order {
		reports = append(reports, s.active[id].Report())
	}
	s.activeMu.RUnlock()

	return snapshotOf(reports)
}

// ArchiveSnapshot serializes the archive, newest first.
func (s *Supervisor) ArchiveSnapshot() Snapshot {
	s.archiveMu.RLock()
	reports := slices.Clone(s.archived)
	s.archiveMu.RUnlock()

	return snapshotOf(reports)
}

func snapshotOf(reports []*report.Report) Snapshot {
	views := make([]report.View, 0, len(reports))
	for _, r := range reports {
		views = append(views, r.View())
	}
	return Snapshot{Reports: views}
}

// LiveJSON is the cached JSON encoding of LiveSnapshot.
func (s *Supervisor) LiveJSON() ([]byte, error) {
	return s.liveCache.get(func() ([]byte, error) {
		return json.Marshal(s.LiveSnapshot())
	})
}

// ArchiveJSON is the cached JSON encoding of ArchiveSnapshot.
func (s *Supervisor) ArchiveJSON() ([]byte, error) {
	return s.archiveCache.get(func() ([]byte, error) {
		return json.Marshal(s.ArchiveSnapshot())
	})
}
