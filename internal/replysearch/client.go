// Package replysearch はリプライ検索API（twitterapi.io）のクライアントを提供する。
// 指定ツイートへのリプライを新しい順に1ページずつ取得する。
package replysearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/socialverify/internal/metrics"
)

const (
	// DefaultBaseURL はリプライ検索APIのベースURL。
	DefaultBaseURL = "https://api.twitterapi.io"
	// repliesPath はリプライ取得エンドポイントのパス。
	repliesPath = "/twitter/tweet/replies/v2"
	// DefaultTimeout は1リクエストのタイムアウト。
	DefaultTimeout = 15 * time.Second
	// DefaultMaxResponseSize はレスポンスボディの最大サイズ（1MB）。
	DefaultMaxResponseSize int64 = 1 << 20
	// maxErrorBodySize はエラーに保持するレスポンスボディの最大サイズ。
	maxErrorBodySize = 2048
	// userAgent はリクエストに付与するUser-Agent。
	userAgent = "socialverify/1.0"
)

var errInvalidJSON = errors.New("response is not a JSON object")

// Page はリプライ1ページ分の取得結果。Repliesはプロバイダの返した順（新しい順）。
type Page struct {
	Replies     []Reply
	NextCursor  string
	HasNextPage bool
}

// Searcher はリプライ検索のインターフェース。テストではフェイクに差し替える。
type Searcher interface {
	// FetchReplies はtweetIDへのリプライを新しい順に1ページ取得する。cursorが空の場合は先頭ページ。
	FetchReplies(ctx context.Context, tweetID, cursor string) (*Page, error)
}

// RateLimitedError はプロバイダが429を返した場合のエラー。
type RateLimitedError struct {
	// RetryAfter はRetry-Afterヘッダーの値。ヘッダーがない場合は0。
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitedError) Error() string {
	return "reply search rate limited"
}

// UpstreamError は429以外のプロバイダ呼び出しの失敗。
// StatusCodeはHTTPレスポンスを受け取れなかった場合0。
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("reply search request failed: %v", e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("reply search returned status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("reply search returned status %d", e.StatusCode)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Config はClientの設定。
type Config struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	MaxResponseSize int64
	// MinInterval はプロセス全体での呼び出し間隔の下限。0以下の場合は制限しない。
	MinInterval time.Duration
}

// Client はリプライ検索APIのクライアント。
// 複数のgoroutineから同時に呼び出せる。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	limiter    *rate.Limiter
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxSize    int64
}

// NewClient はClientの新しいインスタンスを生成する。
// 未設定の項目はデフォルト値を使用する。
func NewClient(httpClient *http.Client, cfg Config, mc metrics.MetricsCollector, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = DefaultMaxResponseSize
	}
	if mc == nil {
		mc = metrics.NopCollector{}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    mc,
		limiter:    limiter,
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		maxSize:    cfg.MaxResponseSize,
	}
}

// FetchReplies はtweetIDへのリプライを新しい順に1ページ取得する。
// 429は*RateLimitedError、それ以外の失敗は*UpstreamErrorを返す。
func (c *Client) FetchReplies(ctx context.Context, tweetID, cursor string) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("呼び出し間隔の待機中に中断されました: %w", err)}
	}

	reqURL, err := url.Parse(c.baseURL + repliesPath)
	if err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)}
	}
	q := reqURL.Query()
	q.Set("tweetId", tweetID)
	q.Set("sortBy", "Latest")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)}
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordUpstreamLatency(time.Since(start))
	if err != nil {
		c.logger.Error("リプライ検索APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("tweet_id", tweetID),
		)
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()
	c.metrics.RecordUpstreamStatus(resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn("リプライ検索APIがレート制限を返しました",
			slog.String("tweet_id", tweetID),
			slog.String("retry_after", resp.Header.Get("Retry-After")),
		)
		return nil, &RateLimitedError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       truncate(body, maxErrorBodySize),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("リプライ検索APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("tweet_id", tweetID),
		)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: truncate(body, maxErrorBodySize)}
	}

	if int64(len(body)) > c.maxSize {
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("レスポンスサイズが上限を超えています: > %d bytes", c.maxSize),
		}
	}

	page, err := decodePage(body)
	if err != nil {
		c.logger.Error("リプライ検索APIのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       truncate(body, maxErrorBodySize),
			Err:        fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err),
		}
	}

	c.logger.Debug("リプライを取得しました",
		slog.String("tweet_id", tweetID),
		slog.Int("count", len(page.Replies)),
		slog.Bool("has_next_page", page.HasNextPage),
	)
	return page, nil
}

// parseRetryAfter はRetry-Afterヘッダー（秒数またはHTTP日付）を解釈する。
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(body []byte, n int) string {
	if len(body) > n {
		return string(body[:n])
	}
	return string(body)
}

// compile-time interface check
var _ Searcher = (*Client)(nil)
