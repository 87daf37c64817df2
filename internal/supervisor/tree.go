package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	// ShutdownTimeout bounds how long a layer waits for its services on shutdown. The
	// ingestion layer needs room for report hand-off.
	ShutdownTimeout time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  40 * time.Second,
	}
}

// Tree is the process supervision tree:
//   - ingestion: one service per live stream
//   - control: the reconciliation cycle and the websocket hub
//   - api: the HTTP server
type Tree struct {
	root      *suture.Supervisor
	ingestion *suture.Supervisor
	control   *suture.Supervisor
	api       *suture.Supervisor
}

func NewTree(cfg TreeConfig, logger *zap.Logger) *Tree {
	hook := func(e suture.Event) {
		logger.Warn(e.String(), zap.Int("event_type", int(e.Type())), zap.Any("event", e.Map()))
	}

	spec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := spec
	childSpec.EventHook = nil

	t := &Tree{
		root:      suture.New("matsuri-monitor", spec),
		ingestion: suture.New("ingestion", childSpec),
		control:   suture.New("control", childSpec),
		api:       suture.New("api", childSpec),
	}
	t.root.Add(t.ingestion)
	t.root.Add(t.control)
	t.root.Add(t.api)
	return t
}

// Ingestion is the runner stream monitors are enqueued on.
func (t *Tree) Ingestion() *suture.Supervisor {
	return t.ingestion
}

func (t *Tree) AddControl(svc suture.Service) suture.ServiceToken {
	return t.control.Add(svc)
}

func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
