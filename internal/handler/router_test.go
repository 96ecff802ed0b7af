package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	"github.com/hitoshi/socialverify/internal/code"
	"github.com/hitoshi/socialverify/internal/link"
	"github.com/hitoshi/socialverify/internal/metrics"
	"github.com/hitoshi/socialverify/internal/middleware"
	"github.com/hitoshi/socialverify/internal/model"
	"github.com/hitoshi/socialverify/internal/replysearch"
	"github.com/hitoshi/socialverify/internal/security"
	"github.com/hitoshi/socialverify/internal/session"
)

// --- 統合テスト用のステートフルなリポジトリ ---

type memorySessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.Session
}

func (m *memorySessionRepo) Create(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *memorySessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memorySessionRepo) Confirm(ctx context.Context, id string, p model.Platform, identity model.PlatformIdentity) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	s.Status = s.Status.Confirm(p)
	if p == model.PlatformTwitter && s.TwitterUserID == "" {
		s.TwitterUserID, s.TwitterUsername = identity.UserID, identity.Username
	}
	if p == model.PlatformTelegram && s.TelegramUserID == "" {
		s.TelegramUserID, s.TelegramUsername = identity.UserID, identity.Username
	}
	m.sessions[id] = s
	return &s, nil
}

type memoryLinkRepo struct {
	mu    sync.Mutex
	links []model.IdentityLink
}

func (m *memoryLinkRepo) find(match func(l *model.IdentityLink) bool) *model.IdentityLink {
	for i := range m.links {
		if match(&m.links[i]) {
			l := m.links[i]
			return &l
		}
	}
	return nil
}

func (m *memoryLinkRepo) FindByID(ctx context.Context, linkID string) (*model.IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(l *model.IdentityLink) bool { return l.LinkID == linkID }), nil
}

func (m *memoryLinkRepo) FindBySessionID(ctx context.Context, sessionID string) (*model.IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(l *model.IdentityLink) bool { return l.SessionID == sessionID }), nil
}

func (m *memoryLinkRepo) CreateForSession(ctx context.Context, nl *model.IdentityLink) (*model.IdentityLink, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.find(func(l *model.IdentityLink) bool { return l.SessionID == nl.SessionID }); existing != nil {
		return existing, false, nil
	}
	for i := range m.links {
		if m.links[i].TwitterUserID == nl.TwitterUserID && m.links[i].Status == model.LinkStatusActive {
			at := nl.VerifiedAt
			m.links[i].Status = model.LinkStatusRevoked
			m.links[i].RevokedAt = &at
		}
	}
	m.links = append(m.links, *nl)
	created := *nl
	return &created, true, nil
}

func (m *memoryLinkRepo) ExistsActiveByTwitterUserID(ctx context.Context, twitterUserID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.find(func(l *model.IdentityLink) bool {
		return l.TwitterUserID == twitterUserID && l.Status == model.LinkStatusActive
	})
	return l != nil, nil
}

func (m *memoryLinkRepo) Revoke(ctx context.Context, linkID string, at time.Time) (*model.IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.links {
		if m.links[i].LinkID != linkID {
			continue
		}
		if m.links[i].RevokedAt == nil {
			m.links[i].Status = model.LinkStatusRevoked
			m.links[i].RevokedAt = &at
		}
		l := m.links[i]
		return &l, nil
	}
	return nil, nil
}

// scriptedSearcher は返信一覧を関数で生成するreplysearch.Searcher。
type scriptedSearcher struct {
	fn func() (*replysearch.Page, error)
}

func (s *scriptedSearcher) FetchReplies(ctx context.Context, tweetID, cursor string) (*replysearch.Page, error) {
	if s.fn == nil {
		return &replysearch.Page{}, nil
	}
	return s.fn()
}

// --- 統合テスト用ルーター構築ヘルパー ---

type testStack struct {
	router   http.Handler
	searcher *scriptedSearcher
	links    *link.Service
	limiter  *middleware.RateLimiter
	registry *prometheus.Registry
}

func newTestStack(t *testing.T, limiterCfg middleware.RateLimiterConfig) *testStack {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	sessionRepo := &memorySessionRepo{sessions: make(map[string]model.Session)}
	linkRepo := &memoryLinkRepo{}
	searcher := &scriptedSearcher{}

	sessions := session.NewService(sessionRepo, code.NewGenerator(10*time.Minute), collector, logger, "kazar")
	reconciler := session.NewReplyReconciler(sessions, searcher, security.NewTextSanitizer(), collector, logger, session.ReconcilerConfig{
		ReferenceTweetID: "1790000000000000000",
	})
	links := link.NewService(sessions, linkRepo, collector, logger, time.Minute)
	limiter := middleware.NewRateLimiter(limiterCfg)
	t.Cleanup(func() {
		links.Close()
		limiter.Stop()
	})

	router := NewRouter(&RouterDeps{
		Logger:            logger,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       limiter,
		HealthChecker:     &mockHealthChecker{},
		MetricsGatherer:   reg,
		SessionService:    sessions,
		Reconciler:        reconciler,
		SessionConfig:     SessionHandlerConfig{EnableMockConfirm: true},
		LinkService:       links,
	})

	return &testStack{router: router, searcher: searcher, links: links, limiter: limiter, registry: reg}
}

func (s *testStack) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "192.0.2.10:54321"
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var decoded map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: failed to decode body %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, decoded
}

// replyPage はtwitterapi.io形式の返信1件からなるページを返す。
func replyPage(t *testing.T, text string, authorID string, createdAt time.Time) *replysearch.Page {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"text":      text,
		"createdAt": createdAt.Format(time.RubyDate),
		"author":    map[string]any{"id": authorID, "userName": "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &replysearch.Page{Replies: []replysearch.Reply{replysearch.NewReply(gjson.ParseBytes(raw).Raw)}}
}

// --- テスト ---

func TestIntegration_MockConfirmThenFinalizeThenVerify(t *testing.T) {
	s := newTestStack(t, middleware.DefaultRateLimiterConfig())

	w, created := s.do(t, http.MethodPost, "/v1/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	id, _ := created["session_id"].(string)
	if id == "" || created["code"] == "" {
		t.Fatalf("create response = %v", created)
	}

	// ボディの識別情報は無視され、セッションごとのモック識別情報で確認される
	twitterID := session.MockIdentity(model.PlatformTwitter, id).UserID
	_, body := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/twitter/mock-confirm", `{"twitter_user_id":"tw-42","twitter_username":"alice"}`)
	if body["status"] != "twitter_ok" {
		t.Fatalf("after twitter confirm status = %v", body["status"])
	}

	// 片方だけの確認ではfinalizeできない
	w, body = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/finalize", "")
	if w.Code != http.StatusConflict || body["code"] != model.ErrCodeSessionNotComplete {
		t.Fatalf("early finalize = %d %v", w.Code, body)
	}

	_, body = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/telegram/mock-confirm", "")
	if body["status"] != "complete" {
		t.Fatalf("after telegram confirm status = %v", body["status"])
	}

	w, body = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/finalize", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("finalize status = %d: %s", w.Code, w.Body.String())
	}
	if body["status"] != "active" || body["twitter_user_id"] != twitterID {
		t.Fatalf("finalize body = %v", body)
	}
	linkID, _ := body["link_id"].(string)

	// 2回目のfinalizeは同じリンクを返す
	w, body = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/finalize", "")
	if w.Code != http.StatusOK || body["link_id"] != linkID {
		t.Fatalf("repeated finalize = %d %v", w.Code, body)
	}

	_, body = s.do(t, http.MethodGet, "/v1/verify/twitter-id/"+twitterID, "")
	if body["verified"] != true {
		t.Fatalf("verify = %v, want true", body)
	}
	_, body = s.do(t, http.MethodGet, "/v1/verify/twitter-id/tw-42", "")
	if body["verified"] != false {
		t.Fatalf("verify body-supplied id = %v, want false", body)
	}
	_, body = s.do(t, http.MethodGet, "/v1/verify/twitter-id/someone-else", "")
	if body["verified"] != false {
		t.Fatalf("verify unknown = %v, want false", body)
	}

	_, body = s.do(t, http.MethodGet, "/v1/links/"+linkID, "")
	if body["session_id"] != id {
		t.Fatalf("get link = %v", body)
	}

	_, body = s.do(t, http.MethodPost, "/v1/links/"+linkID+"/revoke", "")
	if body["status"] != "revoked" {
		t.Fatalf("revoke = %v", body)
	}
	_, body = s.do(t, http.MethodGet, "/v1/verify/twitter-id/"+twitterID, "")
	if body["verified"] != false {
		t.Fatalf("verify after revoke = %v, want false", body)
	}
}

func TestIntegration_ConfirmByReply(t *testing.T) {
	s := newTestStack(t, middleware.DefaultRateLimiterConfig())

	_, created := s.do(t, http.MethodPost, "/v1/sessions", "")
	id := created["session_id"].(string)
	tweetText := created["tweet_text"].(string)

	// 一致する返信がまだない
	_, body := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/twitter/confirm-by-reply", "")
	if body["verified"] != false || body["message"] != "no matching reply found yet" {
		t.Fatalf("not-yet body = %v", body)
	}

	s.searcher.fn = func() (*replysearch.Page, error) {
		return replyPage(t, "done! "+tweetText, "987654321", time.Now().Add(time.Minute)), nil
	}
	w, body := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/twitter/confirm-by-reply", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if body["verified"] != true || body["twitter_user_id"] != "987654321" || body["twitter_username"] != "alice" {
		t.Fatalf("verified body = %v", body)
	}

	_, body = s.do(t, http.MethodGet, "/v1/sessions/"+id, "")
	if body["status"] != "twitter_ok" {
		t.Errorf("status = %v, want twitter_ok", body["status"])
	}
}

func TestIntegration_ConfirmByReply_UpstreamRateLimit(t *testing.T) {
	s := newTestStack(t, middleware.DefaultRateLimiterConfig())

	_, created := s.do(t, http.MethodPost, "/v1/sessions", "")
	id := created["session_id"].(string)

	s.searcher.fn = func() (*replysearch.Page, error) {
		return nil, &replysearch.RateLimitedError{Body: `{"error":"rate limited"}`}
	}
	w, body := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/twitter/confirm-by-reply", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if body["code"] != model.ErrCodeUpstreamRateLimited || body["retryable"] != true {
		t.Errorf("body = %v", body)
	}
	if got := w.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}

	_, body = s.do(t, http.MethodGet, "/v1/sessions/"+id, "")
	if body["status"] != "pending" {
		t.Errorf("status after rate limit = %v, want pending", body["status"])
	}
}

func TestRouter_ReconcileRateLimit_OnlyAppliesToConfirmByReply(t *testing.T) {
	s := newTestStack(t, middleware.NewRateLimiterConfig(120, 1))

	_, created := s.do(t, http.MethodPost, "/v1/sessions", "")
	id := created["session_id"].(string)

	w, _ := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/twitter/confirm-by-reply", "")
	if w.Code != http.StatusOK {
		t.Fatalf("first reconcile status = %d", w.Code)
	}
	w, body := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/twitter/confirm-by-reply", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second reconcile status = %d, want 429", w.Code)
	}
	if body["code"] != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %v, want RATE_LIMIT_EXCEEDED", body["code"])
	}

	// 他のエンドポイントは照合のレート制限を受けない
	w, _ = s.do(t, http.MethodGet, "/v1/sessions/"+id, "")
	if w.Code != http.StatusOK {
		t.Errorf("get session status = %d, want 200", w.Code)
	}
}

func TestRouter_OpsRoutes(t *testing.T) {
	s := newTestStack(t, middleware.DefaultRateLimiterConfig())

	w, _ := s.do(t, http.MethodGet, "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "running") {
		t.Errorf("GET / = %d %q", w.Code, w.Body.String())
	}

	w, body := s.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("GET /health = %d %v", w.Code, body)
	}

	s.do(t, http.MethodPost, "/v1/sessions", "")
	w, _ = s.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("socialverify_sessions_created_total 1")) {
		t.Errorf("metrics output missing session counter:\n%s", w.Body.String())
	}
}

func TestRouter_SecurityAndRequestIDHeaders(t *testing.T) {
	s := newTestStack(t, middleware.DefaultRateLimiterConfig())

	w, _ := s.do(t, http.MethodGet, "/v1/sessions/does-not-exist", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestRouter_UnknownRoute_Returns404Or405(t *testing.T) {
	s := newTestStack(t, middleware.DefaultRateLimiterConfig())

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/unknown"},
		{http.MethodDelete, "/v1/sessions"},
		{http.MethodGet, "/v1/links/abc/revoke"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.method, tt.path), func(t *testing.T) {
			w, _ := s.do(t, tt.method, tt.path, "")
			if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 404 or 405", w.Code)
			}
		})
	}
}
