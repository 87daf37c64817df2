// Package monitor runs one ingestion task per live stream.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyger/matsuri-monitor/internal/domain"
	"github.com/lyger/matsuri-monitor/internal/metrics"
	"github.com/lyger/matsuri-monitor/internal/report"
	"github.com/lyger/matsuri-monitor/internal/service/ytchat"
	"github.com/lyger/matsuri-monitor/pkg/errors"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

type State int32

const (
	StateInitializing State = iota
	StatePolling
	StateAwaitingTermination
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePolling:
		return "polling"
	case StateAwaitingTermination:
		return "awaiting_termination"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ChatSource fetches live chat pages. *ytchat.Client is the production implementation.
type ChatSource interface {
	Bootstrap(ctx context.Context, videoID string) (*ytchat.Session, *ytchat.Page, error)
	Next(ctx context.Context, session *ytchat.Session, continuation string) (*ytchat.Page, error)
}

// StartResolver looks up when a stream actually started.
type StartResolver interface {
	ResolveStart(ctx context.Context, videoID string) (float64, bool, error)
}

// Notifier receives alerts raised by notify rules.
type Notifier interface {
	Notify(ctx context.Context, alerts []report.Alert)
}

// Archiver takes ownership of a finished, finalized report.
type Archiver interface {
	Archive(ctx context.Context, r *report.Report)
}

// Runner is the concurrency substrate tasks are enqueued onto. *suture.Supervisor satisfies it.
type Runner interface {
	Add(service suture.Service) suture.ServiceToken
}

type Config struct {
	PollInterval      time.Duration
	InitRetries       int
	InitRetryDelay    time.Duration
	TerminationCutoff int
	HandOffTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		InitRetries:       5,
		TerminationCutoff: 10,
		HandOffTimeout:    30 * time.Second,
	}
}

type Deps struct {
	Source   ChatSource
	Resolver StartResolver
	Notifier Notifier
	Archiver Archiver
	Runner   Runner
	Logger   *zap.Logger
}

// Monitor is the ingestion task for one live stream. It is the only writer of its report.
type Monitor struct {
	info   *domain.VideoInfo
	report *report.Report
	cfg    Config
	deps   Deps
	logger *zap.Logger

	state      atomic.Int32
	served     atomic.Bool
	startOnce  sync.Once
	termOnce   sync.Once
	terminated chan struct{}
}

func New(info *domain.VideoInfo, rep *report.Report, cfg Config, deps Deps) *Monitor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InitRetries <= 0 {
		cfg.InitRetries = 1
	}
	if cfg.TerminationCutoff <= 0 {
		cfg.TerminationCutoff = 1
	}
	if cfg.HandOffTimeout <= 0 {
		cfg.HandOffTimeout = 30 * time.Second
	}

	m := &Monitor{
		info:       info,
		report:     rep,
		cfg:        cfg,
		deps:       deps,
		logger:     logger.With(zap.String("video_id", info.ID)),
		terminated: make(chan struct{}),
	}
	m.state.Store(int32(StateInitializing))
	return m
}

func (m *Monitor) String() string {
	return "monitor:" + m.info.ID
}

func (m *Monitor) Info() *domain.VideoInfo {
	return m.info
}

func (m *Monitor) Report() *report.Report {
	return m.report
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

// IsRunning is a lock-free liveness check.
func (m *Monitor) IsRunning() bool {
	return m.State() != StateStopped
}

// Start enqueues the task on its runner. Later calls do nothing.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.logger.Info("Begin monitoring")
		m.deps.Runner.Add(m)
	})
}

// Terminate signals that the stream is no longer live. It never blocks and may be called
// any number of times, before or after the feed runs dry.
func (m *Monitor) Terminate() {
	m.termOnce.Do(func() {
		m.logger.Info("Received terminate signal")
		close(m.terminated)
	})
}

func (m *Monitor) isTerminated() bool {
	select {
	case <-m.terminated:
		return true
	default:
		return false
	}
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
	metrics.MonitorTransitions.WithLabelValues(s.String()).Inc()
}

// Serve runs the task to completion. A finished task must never run again, so every exit
// path returns suture.ErrDoNotRestart.
func (m *Monitor) Serve(ctx context.Context) error {
	if !m.served.CompareAndSwap(false, true) {
		return suture.ErrDoNotRestart
	}
	defer func() {
		if m.State() != StateStopped {
			m.setState(StateStopped)
		}
	}()

	session, page, err := m.initialize(ctx)
	if err != nil {
		m.logger.Error("Failed to initialize monitor", zap.Error(err))
		return suture.ErrDoNotRestart
	}

	m.setState(StatePolling)
	if m.poll(ctx, session, page) {
		m.finish(ctx)
	}
	return suture.ErrDoNotRestart
}

func (m *Monitor) initialize(ctx context.Context) (*ytchat.Session, *ytchat.Page, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.InitRetries; attempt++ {
		fetchedAt := time.Now()
		session, page, err := m.deps.Source.Bootstrap(ctx, m.info.ID)
		if err == nil && (session == nil || page == nil) {
			err = errors.NewProtocolError("bootstrap returned no session", "", nil)
		}
		if err == nil {
			m.establishStart(ctx, fetchedAt)
			return session, page, nil
		}

		lastErr = err
		m.logger.Warn("Bootstrap failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.InitRetries),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if attempt < m.cfg.InitRetries && m.cfg.InitRetryDelay > 0 {
			if !sleep(ctx, m.cfg.InitRetryDelay) {
				return nil, nil, ctx.Err()
			}
		}
	}
	return nil, nil, lastErr
}

// establishStart fixes the stream start if the directory did not supply it.
func (m *Monitor) establishStart(ctx context.Context, fetchedAt time.Time) {
	if _, ok := m.info.StartTimestamp(); ok {
		return
	}

	if m.deps.Resolver != nil {
		start, ok, err := m.deps.Resolver.ResolveStart(ctx, m.info.ID)
		if err != nil {
			m.logger.Warn("Failed to resolve stream start", zap.Error(err))
		}
		if ok {
			m.info.SetStartTimestamp(start)
			return
		}
	}

	m.info.SetStartTimestamp(float64(fetchedAt.UnixMicro()) / 1e6)
}

// poll runs the Polling state. It reports whether the report should be finalized and
// handed off.
func (m *Monitor) poll(ctx context.Context, session *ytchat.Session, page *ytchat.Page) bool {
	start, _ := m.info.StartTimestamp()
	terminationSignals := 0

	for {
		if len(page.Actions) > 0 {
			if err := m.ingest(ctx, page.Events(start)); err != nil {
				m.logger.Error("Error while running monitor", zap.Error(err))
				return false
			}
		}

		if !sleep(ctx, m.cfg.PollInterval) {
			m.logger.Info("Shutdown during polling")
			return true
		}

		next, err := m.deps.Source.Next(ctx, session, page.Continuation)
		if err != nil {
			return m.handleFetchError(ctx, err)
		}
		page = next

		if m.isTerminated() {
			terminationSignals++
		}
		if terminationSignals >= m.cfg.TerminationCutoff {
			m.logger.Warn("Stopping monitor after termination",
				zap.Int("cycles", m.cfg.TerminationCutoff))
			return true
		}
	}
}

func (m *Monitor) handleFetchError(ctx context.Context, err error) bool {
	if errors.IsTransient(err) || ctx.Err() != nil {
		metrics.FetchErrors.WithLabelValues("transient").Inc()
		m.logger.Error("Error while fetching continuation", zap.Error(err))
		return true
	}

	metrics.FetchErrors.WithLabelValues("protocol").Inc()
	m.logger.Info("Could not fetch more chat", zap.Error(err))

	if m.isTerminated() {
		return true
	}

	m.setState(StateAwaitingTermination)
	select {
	case <-m.terminated:
	case <-ctx.Done():
		m.logger.Info("Shutdown while awaiting termination")
	}
	return true
}

func (m *Monitor) ingest(ctx context.Context, events []domain.ChatEvent) error {
	alerts, err := m.report.AddEvents(events)
	if err != nil {
		return err
	}

	for _, e := range events {
		metrics.EventsIngested.WithLabelValues(e.Type.String()).Inc()
	}

	if len(alerts) > 0 && m.deps.Notifier != nil {
		metrics.AlertsRaised.Add(float64(len(alerts)))
		m.deps.Notifier.Notify(ctx, alerts)
	}
	return nil
}

// finish finalizes the report and hands it to the archiver. It runs on a context detached
// from cancellation so a shutdown still persists the report.
func (m *Monitor) finish(ctx context.Context) {
	m.logger.Info("Serializing report")
	m.report.Finalize()

	if m.deps.Archiver != nil {
		handOffCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.HandOffTimeout)
		defer cancel()
		m.deps.Archiver.Archive(handOffCtx, m.report)
	}

	m.logger.Info("Monitor finished")
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
