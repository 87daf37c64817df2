// Package holodex is the live stream directory client.
package holodex

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lyger/matsuri-monitor/internal/constants"
	"github.com/lyger/matsuri-monitor/internal/domain"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// ChannelRaw is a channel record from /channels (and embedded in /live).
type ChannelRaw struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Photo *string `json:"photo,omitempty"`
	Org   *string `json:"org,omitempty"`
}

// StreamRaw is a stream record from /live.
type StreamRaw struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Status      string      `json:"status"`
	StartActual *string     `json:"start_actual,omitempty"`
	Channel     *ChannelRaw `json:"channel,omitempty"`
}

// ChannelCache persists the channel list between restarts. *cache.CacheService satisfies it.
type ChannelCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

type liveRecord struct {
	id        string
	title     string
	channelID string
	start     time.Time
}

// Service keeps the current set of live streams for the watched organizations.
type Service struct {
	client   Requester
	orgs     []string
	cache    ChannelCache
	pageSize int
	workers  int
	logger   *zap.Logger

	mu       sync.RWMutex
	channels map[string]*domain.ChannelInfo
	lives    []liveRecord
	byID     map[string]liveRecord
}

func NewService(client Requester, orgs []string, cache ChannelCache, logger *zap.Logger) *Service {
	if len(orgs) == 0 {
		orgs = constants.WatchedOrgs
	}
	return &Service{
		client:   client,
		orgs:     slices.Clone(orgs),
		cache:    cache,
		pageSize: constants.APIConfig.HolodexPageSize,
		workers:  constants.APIConfig.FanOutWorkers,
		logger:   logger,
		byID:     make(map[string]liveRecord),
	}
}

func (s *Service) channelCacheKey() string {
	return "matsuri:holodex:channels:" + strings.Join(s.orgs, ",")
}

// Update refreshes the live set. The channel list is fetched once and reused.
func (s *Service) Update(ctx context.Context) error {
	s.mu.RLock()
	haveChannels := s.channels != nil
	s.mu.RUnlock()

	if !haveChannels {
		channels, err := s.retrieveChannels(ctx)
		if err != nil {
			return fmt.Errorf("retrieve channels: %w", err)
		}
		s.mu.Lock()
		s.channels = channels
		s.mu.Unlock()
	}

	perOrg, err := fanOut(ctx, s.orgs, s.workers, func(ctx context.Context, org string) ([]StreamRaw, error) {
		return paginate[StreamRaw](ctx, s.client, "/live", url.Values{
			"status": {"live"},
			"org":    {org},
		}, s.pageSize)
	})
	if err != nil {
		return fmt.Errorf("retrieve live streams: %w", err)
	}

	lives := make([]liveRecord, 0)
	byID := make(map[string]liveRecord)
	discovered := make(map[string]*domain.ChannelInfo)

	for i, streams := range perOrg {
		for _, st := range streams {
			if st.StartActual == nil || *st.StartActual == "" || st.Channel == nil {
				continue
			}
			if _, dup := byID[st.ID]; dup {
				continue
			}

			start, err := parseHolodexTime(*st.StartActual)
			if err != nil {
				s.logger.Warn("Skipping stream with bad start time",
					zap.String("video_id", st.ID),
					zap.String("start_actual", *st.StartActual),
					zap.Error(err))
				continue
			}

			rec := liveRecord{id: st.ID, title: st.Title, channelID: st.Channel.ID, start: start}
			lives = append(lives, rec)
			byID[st.ID] = rec
			discovered[st.Channel.ID] = toChannelInfo(*st.Channel, s.orgs[i])
		}
	}

	s.mu.Lock()
	for id, ch := range discovered {
		if _, ok := s.channels[id]; !ok {
			s.channels[id] = ch
		}
	}
	s.lives = lives
	s.byID = byID
	s.mu.Unlock()

	s.logger.Debug("Directory updated", zap.Int("live", len(lives)))
	return nil
}

// CurrentlyLive returns the ids of the streams seen live in the last Update.
func (s *Service) CurrentlyLive() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.lives))
	for i, rec := range s.lives {
		ids[i] = rec.id
	}
	return ids
}

// GetLiveInfo builds the VideoInfo for a live stream, start time included.
func (s *Service) GetLiveInfo(videoID string) (*domain.VideoInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[videoID]
	if !ok {
		return nil, fmt.Errorf("video %s is not live", videoID)
	}

	channel, ok := s.channels[rec.channelID]
	if !ok {
		channel = &domain.ChannelInfo{ID: rec.channelID}
	}

	info := domain.NewVideoInfo(rec.id, rec.title, channel)
	info.SetStartTimestamp(float64(rec.start.UnixMicro()) / 1e6)
	return info, nil
}

func (s *Service) retrieveChannels(ctx context.Context) (map[string]*domain.ChannelInfo, error) {
	key := s.channelCacheKey()

	if s.cache != nil {
		var cached []*domain.ChannelInfo
		found, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.logger.Warn("Channel cache read failed", zap.Error(err))
		}
		if found && len(cached) > 0 {
			s.logger.Info("Loaded channels from cache", zap.Int("channels", len(cached)))
			return indexChannels(cached), nil
		}
	}

	perOrg, err := fanOut(ctx, s.orgs, s.workers, func(ctx context.Context, org string) ([]ChannelRaw, error) {
		return paginate[ChannelRaw](ctx, s.client, "/channels", url.Values{
			"type": {"vtuber"},
			"org":  {org},
		}, s.pageSize)
	})
	if err != nil {
		return nil, err
	}

	list := make([]*domain.ChannelInfo, 0)
	for i, raws := range perOrg {
		for _, raw := range raws {
			list = append(list, toChannelInfo(raw, s.orgs[i]))
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, list, constants.CacheTTL.Channels); err != nil {
			s.logger.Warn("Channel cache write failed", zap.Error(err))
		}
	}

	s.logger.Info("Channels retrieved", zap.Int("channels", len(list)))
	return indexChannels(list), nil
}

func indexChannels(list []*domain.ChannelInfo) map[string]*domain.ChannelInfo {
	out := make(map[string]*domain.ChannelInfo, len(list))
	for _, ch := range list {
		if _, dup := out[ch.ID]; !dup {
			out[ch.ID] = ch
		}
	}
	return out
}

func toChannelInfo(raw ChannelRaw, org string) *domain.ChannelInfo {
	ch := &domain.ChannelInfo{ID: raw.ID, Name: raw.Name, Org: org}
	if raw.Photo != nil {
		ch.ThumbnailURL = *raw.Photo
	}
	if raw.Org != nil && *raw.Org != "" {
		ch.Org = *raw.Org
	}
	return ch
}

// fanOut runs fn for every org on a bounded pool and returns the results in org order.
func fanOut[T any](ctx context.Context, orgs []string, workers int, fn func(context.Context, string) (T, error)) ([]T, error) {
	results := make([]T, len(orgs))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(max(workers, 1)).WithCancelOnError()
	for i, org := range orgs {
		p.Go(func(ctx context.Context) error {
			res, err := fn(ctx, org)
			if err != nil {
				return fmt.Errorf("org %s: %w", org, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// paginate walks offset/limit pages until the API returns an empty page.
func paginate[T any](ctx context.Context, client Requester, path string, params url.Values, pageSize int) ([]T, error) {
	var all []T
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(pageSize))

		body, err := client.DoRequest(ctx, path, q)
		if err != nil {
			return nil, err
		}

		var page []T
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)
	}
}

func parseHolodexTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	// Some records omit the zone designator; they are UTC.
	t, err := time.Parse("2006-01-02T15:04:05.999999999", strings.TrimRight(raw, "zZ"))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
