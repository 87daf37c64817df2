// Package notify delivers alerts raised by notify rules.
package notify

import (
	"context"

	"github.com/lyger/matsuri-monitor/internal/metrics"
	"github.com/lyger/matsuri-monitor/internal/report"
	"go.uber.org/zap"
)

// Sink is anything that accepts alerts.
type Sink interface {
	Notify(ctx context.Context, alerts []report.Alert)
}

// Fanout delivers every alert batch to each sink in order.
type Fanout struct {
	sinks  []Sink
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Fanout{sinks: kept, logger: logger}
}

func (f *Fanout) Notify(ctx context.Context, alerts []report.Alert) {
	if len(alerts) == 0 {
		return
	}
	metrics.AlertsRaised.Add(float64(len(alerts)))

	for _, a := range alerts {
		f.logger.Info("Alert",
			zap.String("video_id", a.VideoID),
			zap.String("channel", a.ChannelName),
			zap.String("rule", a.Description),
			zap.Int("size", len(a.Group)),
		)
	}
	for _, s := range f.sinks {
		s.Notify(ctx, alerts)
	}
}
