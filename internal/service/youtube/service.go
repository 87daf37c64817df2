package youtube

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// YouTubeService resolves stream metadata the directory did not provide, through the
// YouTube Data API.
type YouTubeService struct {
	service    *youtube.Service
	logger     *zap.Logger
	quotaUsed  int
	quotaMu    sync.Mutex
	quotaReset time.Time
}

const (
	dailyQuotaLimit   = 10000
	videosQuotaCost   = 1 // videos.list cost
	quotaSafetyMargin = 2000
)

// NewYouTubeService creates the service. Extra client options are appended after the API key,
// which lets tests point the client at a local endpoint.
func NewYouTubeService(ctx context.Context, apiKey string, logger *zap.Logger, opts ...option.ClientOption) (*YouTubeService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("YouTube API key is required")
	}

	clientOpts := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	service, err := youtube.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create YouTube service: %w", err)
	}

	ys := &YouTubeService{
		service:    service,
		logger:     logger,
		quotaReset: getNextQuotaReset(),
	}

	logger.Info("YouTube start resolver initialized",
		zap.Time("quotaReset", ys.quotaReset))

	return ys, nil
}

func getNextQuotaReset() time.Time {
	pt, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		pt = time.UTC
	}
	now := time.Now().In(pt)
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, pt)
}

func (ys *YouTubeService) checkQuota(cost int) error {
	ys.quotaMu.Lock()
	defer ys.quotaMu.Unlock()

	if time.Now().After(ys.quotaReset) {
		ys.quotaUsed = 0
		ys.quotaReset = getNextQuotaReset()
		ys.logger.Info("YouTube API quota auto-reset",
			zap.Time("nextReset", ys.quotaReset))
	}

	if ys.quotaUsed+cost > (dailyQuotaLimit - quotaSafetyMargin) {
		return &QuotaExceededError{
			Used:      ys.quotaUsed,
			Limit:     dailyQuotaLimit,
			Requested: cost,
			ResetTime: ys.quotaReset,
		}
	}

	return nil
}

func (ys *YouTubeService) consumeQuota(cost int) {
	ys.quotaMu.Lock()
	defer ys.quotaMu.Unlock()

	ys.quotaUsed += cost
	remaining := dailyQuotaLimit - ys.quotaUsed

	if remaining < quotaSafetyMargin {
		ys.logger.Warn("YouTube API quota running low",
			zap.Int("remaining", remaining),
			zap.Time("resetTime", ys.quotaReset))
	}
}

// ResolveStart returns the actual start time of a live stream in epoch seconds.
// ok is false when the video has not started or carries no live streaming details.
func (ys *YouTubeService) ResolveStart(ctx context.Context, videoID string) (float64, bool, error) {
	if err := ys.checkQuota(videosQuotaCost); err != nil {
		return 0, false, err
	}

	response, err := ys.service.Videos.List([]string{"liveStreamingDetails"}).
		Id(videoID).
		Context(ctx).
		Do()
	ys.consumeQuota(videosQuotaCost)
	if err != nil {
		if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == 403 {
			used, _, reset := ys.GetQuotaStatus()
			return 0, false, &QuotaExceededError{
				Used:      used,
				Limit:     dailyQuotaLimit,
				Requested: videosQuotaCost,
				ResetTime: reset,
			}
		}
		return 0, false, fmt.Errorf("YouTube API error: %w", err)
	}

	for _, item := range response.Items {
		if item.Id != videoID || item.LiveStreamingDetails == nil {
			continue
		}
		raw := item.LiveStreamingDetails.ActualStartTime
		if raw == "" {
			return 0, false, nil
		}
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return 0, false, fmt.Errorf("parse actual start time %q: %w", raw, err)
		}
		return float64(start.UnixMicro()) / 1e6, true, nil
	}

	return 0, false, nil
}

func (ys *YouTubeService) GetQuotaStatus() (used int, remaining int, resetTime time.Time) {
	ys.quotaMu.Lock()
	defer ys.quotaMu.Unlock()

	if time.Now().After(ys.quotaReset) {
		return 0, dailyQuotaLimit, getNextQuotaReset()
	}

	return ys.quotaUsed, dailyQuotaLimit - ys.quotaUsed, ys.quotaReset
}

type QuotaExceededError struct {
	Used      int
	Limit     int
	Requested int
	ResetTime time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("YouTube API quota exceeded: used %d/%d (requested %d more), resets at %s",
		e.Used, e.Limit, e.Requested, e.ResetTime.Format(time.RFC3339))
}
