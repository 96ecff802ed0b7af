package session

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/socialverify/internal/code"
	"github.com/hitoshi/socialverify/internal/metrics"
	"github.com/hitoshi/socialverify/internal/model"
	"github.com/hitoshi/socialverify/internal/replysearch"
	"github.com/hitoshi/socialverify/internal/security"
)

// memorySessionRepo はメモリ上のSessionRepository。
type memorySessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	createFn func(ctx context.Context, s *model.Session) error
}

func newMemorySessionRepo() *memorySessionRepo {
	return &memorySessionRepo{sessions: make(map[string]model.Session)}
}

func (m *memorySessionRepo) Create(ctx context.Context, s *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, s)
	}
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
	switch p {
	case model.PlatformTwitter:
		if s.TwitterUserID == "" {
			s.TwitterUserID = identity.UserID
			s.TwitterUsername = identity.Username
		}
	case model.PlatformTelegram:
		if s.TelegramUserID == "" {
			s.TelegramUserID = identity.UserID
			s.TelegramUsername = identity.Username
		}
	}
	m.sessions[id] = s
	return &s, nil
}

// put はテスト用にセッションを直接保存する。
func (m *memorySessionRepo) put(s model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

// fakeSearcher は呼び出しごとに用意したページかエラーを返す。
type fakeSearcher struct {
	mu      sync.Mutex
	pages   []*replysearch.Page
	err     error
	calls   int
	cursors []string
}

func (f *fakeSearcher) FetchReplies(ctx context.Context, tweetID, cursor string) (*replysearch.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cursors = append(f.cursors, cursor)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return &replysearch.Page{}, nil
	}
	p := f.pages[0]
	f.pages = f.pages[1:]
	return p, nil
}

func newTestLogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil))
}

func newTestService(repo *memorySessionRepo) *Service {
	return NewService(repo, code.NewGenerator(10*time.Minute), metrics.NopCollector{}, newTestLogger(), "kazar")
}

func newTestReconciler(svc *Service, searcher replysearch.Searcher, cfg ReconcilerConfig) *ReplyReconciler {
	if cfg.ReferenceTweetID == "" {
		cfg.ReferenceTweetID = "1790"
	}
	return NewReplyReconciler(svc, searcher, security.NewTextSanitizer(), metrics.NopCollector{}, newTestLogger(), cfg)
}
