package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/backlinehq/syncd/internal/cache"
	serrors "github.com/backlinehq/syncd/internal/errors"
	"github.com/backlinehq/syncd/internal/metrics"
	"github.com/backlinehq/syncd/internal/ratelimit"
	"github.com/backlinehq/syncd/internal/retry"
)

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	PageSize int
	CacheTTL time.Duration
	Retry    retry.Config
}

// Client wraps the remote file API. Credential refresh lives behind the
// oauth2.TokenSource; an invalid credential surfaces as ErrAuthRequired and
// is never retried here.
type Client struct {
	cfg     Config
	http    *http.Client
	tokens  oauth2.TokenSource
	limiter *ratelimit.Limiter
	cache   *cache.Manager
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewClient creates a remote file client. metrics may be nil.
func NewClient(cfg Config, tokens oauth2.TokenSource, limiter *ratelimit.Limiter, cacheMgr *cache.Manager, m *metrics.Metrics, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		limiter: limiter,
		cache:   cacheMgr,
		metrics: m,
		logger:  logger.With().Str("component", "drive_client").Logger(),
	}
}

// List returns one page of children of parentID.
func (c *Client) List(ctx context.Context, workspace, parentID, pageToken string) (*FileList, error) {
	key := cache.Key(parentID, "list", "page="+pageToken)
	raw, err := c.cache.GetOrFetch(ctx, key, c.cfg.CacheTTL, func(ctx context.Context) ([]byte, error) {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", parentID))
		q.Set("pageSize", fmt.Sprintf("%d", c.cfg.PageSize))
		q.Set("fields", "nextPageToken, files(id, name, mimeType, parents, modifiedTime, md5Checksum, size)")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		return c.do(ctx, workspace, "list", http.MethodGet, "/files?"+q.Encode(), nil)
	})
	if err != nil {
		return nil, err
	}
	var list FileList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decoding file list: %w", err)
	}
	return &list, nil
}

// GetMetadata returns the metadata of one file or folder.
func (c *Client) GetMetadata(ctx context.Context, workspace, id string) (*File, error) {
	key := cache.Key(id, "metadata")
	raw, err := c.cache.GetOrFetch(ctx, key, c.cfg.CacheTTL, func(ctx context.Context) ([]byte, error) {
		path := "/files/" + url.PathEscape(id) + "?fields=id,name,mimeType,parents,modifiedTime,md5Checksum,size,trashed"
		return c.do(ctx, workspace, "get_metadata", http.MethodGet, path, nil)
	})
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decoding file metadata: %w", err)
	}
	return &f, nil
}

// StreamContent returns the file's content as a stream. Content is large and
// never cached; the caller must close the reader. Error responses feed the
// same throttle accounting and retry policy as the other calls.
func (c *Client) StreamContent(ctx context.Context, workspace, id string) (io.ReadCloser, error) {
	const op = "stream_content"
	path := "/files/" + url.PathEscape(id) + "?alt=media"

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retry.MaxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx, workspace); err != nil {
			return nil, err
		}

		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = serrors.NewRemoteError(op, 0, err.Error())
			c.record(op, "error")
		} else if resp.StatusCode == http.StatusOK {
			c.limiter.ReportOutcome(workspace, ratelimit.OutcomeSuccess)
			c.record(op, "200")
			return resp.Body, nil
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			resp.Body.Close()
			lastErr = c.classify(op, resp.StatusCode, body)
			c.record(op, fmt.Sprintf("%d", resp.StatusCode))
		}

		if !serrors.IsRetryable(lastErr) {
			return nil, lastErr
		}

		delay := c.cfg.Retry.Delay(attempt)
		if serrors.IsThrottled(lastErr) {
			if d := c.limiter.ReportOutcome(workspace, ratelimit.OutcomeThrottled); d > delay {
				delay = d
			}
		}
		if attempt == c.cfg.Retry.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("%w: %s: %v", serrors.ErrRemoteUnavailable, op, lastErr)
}

// RegisterWatch registers a push-notification channel for resourceID.
func (c *Client) RegisterWatch(ctx context.Context, workspace, resourceID, callbackURL string) (*WatchChannel, error) {
	payload := map[string]any{
		"id":      uuid.NewString(),
		"type":    "web_hook",
		"address": callbackURL,
	}
	body, _ := json.Marshal(payload)

	raw, err := c.do(ctx, workspace, "register_watch", http.MethodPost,
		"/files/"+url.PathEscape(resourceID)+"/watch", body)
	if err != nil {
		return nil, err
	}
	var ch WatchChannel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("decoding watch channel: %w", err)
	}
	if ch.ResourceID == "" {
		ch.ResourceID = resourceID
	}
	return &ch, nil
}

// StopWatch tears down a push-notification channel.
func (c *Client) StopWatch(ctx context.Context, workspace, channelID, resourceID string) error {
	payload := map[string]any{"id": channelID, "resourceId": resourceID}
	body, _ := json.Marshal(payload)
	_, err := c.do(ctx, workspace, "stop_watch", http.MethodPost, "/channels/stop", body)
	return err
}

// StartPageToken fetches a fresh change-feed cursor.
func (c *Client) StartPageToken(ctx context.Context, workspace string) (string, error) {
	raw, err := c.do(ctx, workspace, "start_page_token", http.MethodGet, "/changes/startPageToken", nil)
	if err != nil {
		return "", err
	}
	var resp startPageTokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decoding start page token: %w", err)
	}
	return resp.StartPageToken, nil
}

// ListChanges returns changes after the given token. An expired token
// surfaces as ErrTokenExpired so the engine can fall back to a full sync.
func (c *Client) ListChanges(ctx context.Context, workspace, pageToken string) (*ChangeList, error) {
	key := cache.Key("changes", "list", "token="+pageToken)
	raw, err := c.cache.GetOrFetch(ctx, key, c.cfg.CacheTTL, func(ctx context.Context) ([]byte, error) {
		q := url.Values{}
		q.Set("pageToken", pageToken)
		q.Set("pageSize", fmt.Sprintf("%d", c.cfg.PageSize))
		q.Set("fields", "nextPageToken, newStartPageToken, changes(fileId, removed, time, file(id, name, mimeType, parents, modifiedTime, md5Checksum, size, trashed))")
		return c.do(ctx, workspace, "list_changes", http.MethodGet, "/changes?"+q.Encode(), nil)
	})
	if err != nil {
		return nil, err
	}
	var list ChangeList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decoding change list: %w", err)
	}
	return &list, nil
}

// --- transport ---

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", serrors.ErrAuthRequired, err)
	}
	tok.SetAuthHeader(req)
	return req, nil
}

// do issues one logical call: acquire a token, perform the request, and on a
// throttling response report the outcome and retry with the larger of the
// limiter's backoff and the policy's delay, up to the bounded attempt count.
func (c *Client) do(ctx context.Context, workspace, op, method, path string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.Retry.MaxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx, workspace); err != nil {
			return nil, err
		}

		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = serrors.NewRemoteError(op, 0, err.Error())
			c.record(op, "error")
		} else {
			respBody, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = serrors.NewRemoteError(op, resp.StatusCode, readErr.Error())
			} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				c.limiter.ReportOutcome(workspace, ratelimit.OutcomeSuccess)
				c.record(op, fmt.Sprintf("%d", resp.StatusCode))
				return respBody, nil
			} else {
				lastErr = c.classify(op, resp.StatusCode, respBody)
			}
			c.record(op, fmt.Sprintf("%d", resp.StatusCode))
		}

		if !serrors.IsRetryable(lastErr) {
			return nil, lastErr
		}

		delay := c.cfg.Retry.Delay(attempt)
		if serrors.IsThrottled(lastErr) {
			if d := c.limiter.ReportOutcome(workspace, ratelimit.OutcomeThrottled); d > delay {
				delay = d
			}
		}
		if attempt == c.cfg.Retry.MaxAttempts-1 {
			break
		}

		c.logger.Debug().
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(lastErr).
			Msg("remote call retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("%w: %s: %v", serrors.ErrRemoteUnavailable, op, lastErr)
}

// classify maps a non-2xx response to the error taxonomy.
func (c *Client) classify(op string, status int, body []byte) error {
	var envelope apiErrorBody
	_ = json.Unmarshal(body, &envelope)

	reason := ""
	if len(envelope.Error.Errors) > 0 {
		reason = envelope.Error.Errors[0].Reason
	}

	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", serrors.ErrAuthRequired, envelope.Error.Message)
	case status == http.StatusForbidden && !isRateLimitReason(reason):
		return fmt.Errorf("%w: %s", serrors.ErrAuthRequired, envelope.Error.Message)
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return serrors.NewRemoteError(op, http.StatusTooManyRequests, "rateLimitExceeded")
	case status == http.StatusGone && op == "list_changes":
		return serrors.ErrTokenExpired
	default:
		msg := envelope.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
			if len(msg) > 200 {
				msg = msg[:200]
			}
		}
		return serrors.NewRemoteError(op, status, msg)
	}
}

func isRateLimitReason(reason string) bool {
	switch reason {
	case "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded":
		return true
	}
	return false
}

func (c *Client) record(op, status string) {
	if c.metrics != nil {
		c.metrics.RecordRemoteCall(op, status)
	}
}
