package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/socialverify/internal/model"
	"github.com/hitoshi/socialverify/internal/session"
)

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
type SessionServiceInterface interface {
	// Create は新しいセッションを発行する。
	Create(ctx context.Context) (*session.Created, error)
	// Get はセッションを取得する。
	Get(ctx context.Context, id string) (*model.Session, error)
	// Confirm は指定プラットフォームの確認を適用する。
	Confirm(ctx context.Context, id string, platform model.Platform, identity model.PlatformIdentity) (*model.Session, error)
}

// ReconcilerInterface はリプライ照合のインターフェース。
type ReconcilerInterface interface {
	Reconcile(ctx context.Context, sessionID string) (*session.ReconcileResult, error)
}

// SessionHandlerConfig はSessionHandlerの設定。
type SessionHandlerConfig struct {
	// EnableMockConfirm がfalseの場合、mock-confirmは404を返す。
	EnableMockConfirm bool
}

// SessionHandler は検証セッションのHTTPハンドラー。
type SessionHandler struct {
	service    SessionServiceInterface
	reconciler ReconcilerInterface
	config     SessionHandlerConfig
	now        func() time.Time
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface, reconciler ReconcilerInterface, config SessionHandlerConfig) *SessionHandler {
	return &SessionHandler{
		service:    service,
		reconciler: reconciler,
		config:     config,
		now:        time.Now,
	}
}

// createSessionResponse はセッション発行のAPIレスポンス。
type createSessionResponse struct {
	OK        bool      `json:"ok"`
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	TweetText string    `json:"tweet_text"`
}

// sessionResponse はセッション情報のAPIレスポンス。
type sessionResponse struct {
	OK               bool      `json:"ok"`
	SessionID        string    `json:"session_id"`
	Code             string    `json:"code"`
	Status           string    `json:"status"`
	Expired          bool      `json:"expired"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	TwitterUserID    string    `json:"twitter_user_id,omitempty"`
	TwitterUsername  string    `json:"twitter_username,omitempty"`
	TelegramUserID   string    `json:"telegram_user_id,omitempty"`
	TelegramUsername string    `json:"telegram_username,omitempty"`
}

// identityRequest は確認リクエストのボディ。
type identityRequest struct {
	TwitterUserID    string `json:"twitter_user_id"`
	TwitterUsername  string `json:"twitter_username"`
	TelegramUserID   string `json:"telegram_user_id"`
	TelegramUsername string `json:"telegram_username"`
}

// identity は指定プラットフォームの識別情報を返す。
func (req identityRequest) identity(p model.Platform) model.PlatformIdentity {
	if p == model.PlatformTwitter {
		return model.PlatformIdentity{UserID: req.TwitterUserID, Username: req.TwitterUsername}
	}
	return model.PlatformIdentity{UserID: req.TelegramUserID, Username: req.TelegramUsername}
}

// reconcileResponse はリプライ照合のAPIレスポンス。
type reconcileResponse struct {
	OK                 bool   `json:"ok"`
	Verified           bool   `json:"verified"`
	Status             string `json:"status,omitempty"`
	AlreadyConfirmed   bool   `json:"already_confirmed,omitempty"`
	TwitterUserID      string `json:"twitter_user_id,omitempty"`
	TwitterUsername    string `json:"twitter_username,omitempty"`
	MatchedTextPreview string `json:"matched_text_preview,omitempty"`
	Message            string `json:"message,omitempty"`
}

// CreateSession はセッションを発行する。
// POST /v1/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	created, err := h.service.Create(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		OK:        true,
		SessionID: created.Session.ID,
		Code:      created.Session.Code,
		ExpiresAt: created.Session.ExpiresAt,
		TweetText: created.TweetText,
	})
}

// GetSession はセッションの現在の状態を返す。期限切れの場合もexpired=trueとして返す。
// GET /v1/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toSessionResponse(sess))
}

// MockConfirmTwitter はTwitterの確認をモックで適用する。
// POST /v1/sessions/{id}/twitter/mock-confirm
func (h *SessionHandler) MockConfirmTwitter(w http.ResponseWriter, r *http.Request) {
	h.mockConfirm(w, r, model.PlatformTwitter)
}

// MockConfirmTelegram はTelegramの確認をモックで適用する。
// POST /v1/sessions/{id}/telegram/mock-confirm
func (h *SessionHandler) MockConfirmTelegram(w http.ResponseWriter, r *http.Request) {
	h.mockConfirm(w, r, model.PlatformTelegram)
}

// mockConfirm はセッションごとのモック識別情報で確認を適用する。
// リクエストボディの識別情報は使用しない。
func (h *SessionHandler) mockConfirm(w http.ResponseWriter, r *http.Request, p model.Platform) {
	if !h.config.EnableMockConfirm {
		http.NotFound(w, r)
		return
	}

	id := chi.URLParam(r, "id")
	h.confirm(w, r, id, p, session.MockIdentity(p, id))
}

// ConfirmTelegram はBotから受け取ったTelegramの識別情報で確認を適用する。
// POST /v1/sessions/{id}/telegram/confirm
func (h *SessionHandler) ConfirmTelegram(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	identity := req.identity(model.PlatformTelegram)
	if identity.UserID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("telegram_user_id is required"))
		return
	}

	h.confirm(w, r, chi.URLParam(r, "id"), model.PlatformTelegram, identity)
}

func (h *SessionHandler) confirm(w http.ResponseWriter, r *http.Request, id string, p model.Platform, identity model.PlatformIdentity) {
	sess, err := h.service.Confirm(r.Context(), id, p, identity)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toSessionResponse(sess))
}

// ConfirmByReply は告知ツイートへの返信を照合してTwitterを確認する。
// 一致する返信がない場合もverified=falseとして200を返す。
// POST /v1/sessions/{id}/twitter/confirm-by-reply
func (h *SessionHandler) ConfirmByReply(w http.ResponseWriter, r *http.Request) {
	result, err := h.reconciler.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := reconcileResponse{
		OK:                 true,
		Verified:           result.Verified,
		AlreadyConfirmed:   result.AlreadyConfirmed,
		TwitterUserID:      result.TwitterUserID,
		TwitterUsername:    result.TwitterUsername,
		MatchedTextPreview: result.MatchedTextPreview,
	}
	if result.Session != nil {
		resp.Status = string(result.Session.Status)
	}
	if !result.Verified {
		resp.Message = "no matching reply found yet"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) toSessionResponse(s *model.Session) sessionResponse {
	return sessionResponse{
		OK:               true,
		SessionID:        s.ID,
		Code:             s.Code,
		Status:           string(s.Status),
		Expired:          s.IsExpired(h.now()),
		CreatedAt:        s.CreatedAt,
		ExpiresAt:        s.ExpiresAt,
		UpdatedAt:        s.UpdatedAt,
		TwitterUserID:    s.TwitterUserID,
		TwitterUsername:  s.TwitterUsername,
		TelegramUserID:   s.TelegramUserID,
		TelegramUsername: s.TelegramUsername,
	}
}
