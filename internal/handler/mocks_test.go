package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/socialverify/internal/link"
	"github.com/hitoshi/socialverify/internal/model"
	"github.com/hitoshi/socialverify/internal/session"
)

// --- モック定義 ---

// mockSessionService はSessionServiceInterfaceのモック実装。
type mockSessionService struct {
	createFn  func(ctx context.Context) (*session.Created, error)
	getFn     func(ctx context.Context, id string) (*model.Session, error)
	confirmFn func(ctx context.Context, id string, p model.Platform, identity model.PlatformIdentity) (*model.Session, error)
}

func (m *mockSessionService) Create(ctx context.Context) (*session.Created, error) {
	if m.createFn != nil {
		return m.createFn(ctx)
	}
	return nil, nil
}

func (m *mockSessionService) Get(ctx context.Context, id string) (*model.Session, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, model.NewSessionNotFoundError(id)
}

func (m *mockSessionService) Confirm(ctx context.Context, id string, p model.Platform, identity model.PlatformIdentity) (*model.Session, error) {
	if m.confirmFn != nil {
		return m.confirmFn(ctx, id, p, identity)
	}
	return nil, model.NewSessionNotFoundError(id)
}

// mockReconciler はReconcilerInterfaceのモック実装。
type mockReconciler struct {
	reconcileFn func(ctx context.Context, sessionID string) (*session.ReconcileResult, error)
	calls       int
}

func (m *mockReconciler) Reconcile(ctx context.Context, sessionID string) (*session.ReconcileResult, error) {
	m.calls++
	if m.reconcileFn != nil {
		return m.reconcileFn(ctx, sessionID)
	}
	return &session.ReconcileResult{Verified: false}, nil
}

// mockLinkService はLinkServiceInterfaceのモック実装。
type mockLinkService struct {
	finalizeFn   func(ctx context.Context, sessionID string) (*link.FinalizeResult, error)
	isVerifiedFn func(ctx context.Context, twitterUserID string) (bool, error)
	getLinkFn    func(ctx context.Context, linkID string) (*model.IdentityLink, error)
	revokeFn     func(ctx context.Context, linkID string) (*model.IdentityLink, error)
}

func (m *mockLinkService) Finalize(ctx context.Context, sessionID string) (*link.FinalizeResult, error) {
	if m.finalizeFn != nil {
		return m.finalizeFn(ctx, sessionID)
	}
	return nil, model.NewSessionNotFoundError(sessionID)
}

func (m *mockLinkService) IsVerified(ctx context.Context, twitterUserID string) (bool, error) {
	if m.isVerifiedFn != nil {
		return m.isVerifiedFn(ctx, twitterUserID)
	}
	return false, nil
}

func (m *mockLinkService) GetLink(ctx context.Context, linkID string) (*model.IdentityLink, error) {
	if m.getLinkFn != nil {
		return m.getLinkFn(ctx, linkID)
	}
	return nil, model.NewLinkNotFoundError(linkID)
}

func (m *mockLinkService) Revoke(ctx context.Context, linkID string) (*model.IdentityLink, error) {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, linkID)
	}
	return nil, model.NewLinkNotFoundError(linkID)
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// --- テストヘルパー ---

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// decodeBody はレスポンスボディをmapにデコードするヘルパー。
func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return result
}
