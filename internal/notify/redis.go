package notify

import (
	"context"

	"github.com/lyger/matsuri-monitor/internal/report"
	"go.uber.org/zap"
)

// Publisher is a pub/sub transport. *cache.CacheService satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

// RedisPublisher publishes each alert as a JSON message on one channel.
type RedisPublisher struct {
	pub     Publisher
	channel string
	logger  *zap.Logger
}

func NewRedisPublisher(pub Publisher, channel string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{pub: pub, channel: channel, logger: logger}
}

func (p *RedisPublisher) Notify(ctx context.Context, alerts []report.Alert) {
	for _, a := range alerts {
		if err := p.pub.Publish(ctx, p.channel, a); err != nil {
			p.logger.Warn("Failed to publish alert",
				zap.String("channel", p.channel),
				zap.String("video_id", a.VideoID),
				zap.Error(err),
			)
		}
	}
}
