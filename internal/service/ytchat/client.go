package ytchat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lyger/matsuri-monitor/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://www.youtube.com"

	bootstrapPath = "/live_chat"
	nextPath      = "/youtubei/v1/live_chat/get_live_chat"

	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/80.0.3987.149 Safari/537.36"
	requestTimeout = 20 * time.Second
)

// Client fetches live chat documents. A single client (and its rate limiter) is shared by
// every monitor in the process.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	logger     *zap.Logger
}

type ClientOption func(*Client)

// WithBaseURL points the client at another host, e.g. an httptest server.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a chat client. A nil limiter disables rate limiting.
func NewClient(limiter *rate.Limiter, logger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    limiter,
		baseURL:    DefaultBaseURL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bootstrap loads the live chat page for a video and returns its session tokens and the
// initial chat page.
func (c *Client) Bootstrap(ctx context.Context, videoID string) (*Session, *Page, error) {
	reqURL := c.baseURL + bootstrapPath + "?" + url.Values{"v": {videoID}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, nil, err
	}

	body, err := c.do(req, videoID)
	if err != nil {
		return nil, nil, err
	}

	return ParseBootstrap(videoID, bytes.NewReader(body))
}

type nextRequest struct {
	Context      map[string]any `json:"context"`
	Continuation string         `json:"continuation"`
}

// Next fetches the chat page that follows the given continuation token.
func (c *Client) Next(ctx context.Context, session *Session, continuation string) (*Page, error) {
	if session == nil {
		return nil, errors.NewInvalidStateError("chat session not initialized", "next")
	}

	payload, err := json.Marshal(nextRequest{
		Context:      session.Context,
		Continuation: continuation,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	reqURL := c.baseURL + nextPath + "?" + url.Values{"key": {session.APIKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, session.VideoID)
	if err != nil {
		return nil, err
	}

	return ParsePage(body)
}

func (c *Client) do(req *http.Request, videoID string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, errors.NewTransientFetchError("rate limiter wait failed", videoID, err)
		}
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewTransientFetchError("chat request failed", videoID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransientFetchError("chat response read failed", videoID, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.logger.Warn("Chat endpoint unavailable",
			zap.String("video_id", videoID),
			zap.Int("status", resp.StatusCode),
		)
		return nil, errors.NewTransientFetchError(
			fmt.Sprintf("chat endpoint returned %d", resp.StatusCode), videoID, nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errors.NewProtocolError(
			fmt.Sprintf("chat endpoint returned %d", resp.StatusCode), req.URL.Path, nil)
	}

	return body, nil
}
