package holodex

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lyger/matsuri-monitor/internal/constants"
	"github.com/lyger/matsuri-monitor/internal/metrics"
	"github.com/lyger/matsuri-monitor/pkg/errors"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Requester performs authenticated GET requests against the Holodex API.
type Requester interface {
	DoRequest(ctx context.Context, path string, params url.Values) ([]byte, error)
}

type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	BaseDelay time.Duration
	Jitter    time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:   constants.APIConfig.HolodexBaseURL,
		Timeout:   constants.APIConfig.HolodexTimeout,
		BaseDelay: constants.RetryConfig.BaseDelay,
		Jitter:    constants.RetryConfig.Jitter,
	}
}

// APIClient rotates API keys, retries with exponential backoff and trips a circuit breaker
// after consecutive failures.
type APIClient struct {
	httpClient      *http.Client
	cfg             ClientConfig
	apiKeys         []string
	currentKeyIndex int
	keyMu           sync.Mutex
	cb              *gobreaker.CircuitBreaker[[]byte]
	logger          *zap.Logger
}

func NewAPIClient(cfg ClientConfig, apiKeys []string, logger *zap.Logger) *APIClient {
	c := &APIClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		apiKeys:    apiKeys,
		logger:     logger,
	}

	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "holodex-api",
		MaxRequests: 1,
		Interval:    constants.CircuitBreakerConfig.Interval,
		Timeout:     constants.CircuitBreakerConfig.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= constants.CircuitBreakerConfig.FailureThreshold
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Error("Holodex circuit breaker opened",
					zap.Duration("reset_timeout", constants.CircuitBreakerConfig.ResetTimeout))
				return
			}
			logger.Info("Holodex circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return c
}

// isBreakerSuccess keeps client errors from tripping the breaker; only transport failures,
// server errors and exhausted keys count.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var keyErr *errors.KeyRotationError
	if stderrors.As(err, &keyErr) {
		return false
	}
	var apiErr *errors.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
	}
	return false
}

func (c *APIClient) IsCircuitOpen() bool {
	return c.cb.State() == gobreaker.StateOpen
}

func (c *APIClient) DoRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.doWithRetry(ctx, path, params)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("Circuit breaker is open", zap.String("path", path))
		metrics.DirectoryRequests.WithLabelValues(path, "rejected").Inc()
		return nil, errors.NewAPIError("Circuit breaker open", http.StatusServiceUnavailable, map[string]any{
			"path": path,
		})
	}
	if err != nil {
		metrics.DirectoryRequests.WithLabelValues(path, "error").Inc()
		return nil, err
	}
	metrics.DirectoryRequests.WithLabelValues(path, "ok").Inc()
	return body, nil
}

func (c *APIClient) doWithRetry(ctx context.Context, path string, params url.Values) ([]byte, error) {
	maxAttempts := min(max(len(c.apiKeys), 1)*2, 10)
	var lastErr error

	reqURL := c.cfg.BaseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey := c.getNextAPIKey(); apiKey != "" {
			req.Header.Set("X-APIKEY", apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxAttempts-1 {
				delay := c.computeDelay(attempt)
				c.logger.Warn("Request failed, retrying",
					zap.Error(err),
					zap.Int("attempt", attempt+1),
					zap.Duration("delay", delay),
				)
				if !sleepCtx(ctx, delay) {
					return nil, ctx.Err()
				}
				continue
			}
			break
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
			c.logger.Warn("Rate limited, rotating key",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			if attempt < maxAttempts-1 {
				continue
			}
			return nil, errors.NewKeyRotationError("All API keys rate limited", resp.StatusCode, map[string]any{
				"url": c.cfg.BaseURL + path,
			})
		}

		if resp.StatusCode >= 500 {
			lastErr = errors.NewAPIError(fmt.Sprintf("Server error: %d", resp.StatusCode), resp.StatusCode, nil)
			c.logger.Warn("Server error",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			if attempt < maxAttempts-1 {
				if !sleepCtx(ctx, c.computeDelay(attempt)) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode >= 400 {
			return nil, errors.NewAPIError(fmt.Sprintf("Client error: %d", resp.StatusCode), resp.StatusCode, map[string]any{
				"url":  c.cfg.BaseURL + path,
				"body": string(body),
			})
		}

		return body, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.NewAPIError("Holodex request failed after all retries", http.StatusBadGateway, nil)
}

func (c *APIClient) getNextAPIKey() string {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()

	if len(c.apiKeys) == 0 {
		return ""
	}
	key := c.apiKeys[c.currentKeyIndex]
	c.currentKeyIndex = (c.currentKeyIndex + 1) % len(c.apiKeys)
	return key
}

func (c *APIClient) computeDelay(attempt int) time.Duration {
	base := c.cfg.BaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	jitter := time.Duration(rand.Float64() * float64(c.cfg.Jitter))
	return base + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
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
