package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/socialverify/internal/link"
	"github.com/hitoshi/socialverify/internal/model"
)

// LinkServiceInterface はリンクハンドラーが必要とするサービスインターフェース。
type LinkServiceInterface interface {
	// Finalize はcompleteのセッションからIdentityLinkを作成する。
	Finalize(ctx context.Context, sessionID string) (*link.FinalizeResult, error)
	// IsVerified はtwitter_user_idにactiveなリンクが存在するかを返す。
	IsVerified(ctx context.Context, twitterUserID string) (bool, error)
	GetLink(ctx context.Context, linkID string) (*model.IdentityLink, error)
	Revoke(ctx context.Context, linkID string) (*model.IdentityLink, error)
}

// LinkHandler はIdentityLinkと検証済み問い合わせのHTTPハンドラー。
type LinkHandler struct {
	service LinkServiceInterface
}

// NewLinkHandler はLinkHandlerを生成する。
func NewLinkHandler(service LinkServiceInterface) *LinkHandler {
	return &LinkHandler{service: service}
}

// linkResponse はIdentityLinkのAPIレスポンス。
type linkResponse struct {
	OK                   bool       `json:"ok"`
	LinkID               string     `json:"link_id"`
	SessionID            string     `json:"session_id"`
	TwitterUserID        string     `json:"twitter_user_id"`
	TelegramUserID       string     `json:"telegram_user_id"`
	TwitterHandleLast    string     `json:"twitter_handle_last"`
	TelegramUsernameLast string     `json:"telegram_username_last"`
	VerifiedAt           time.Time  `json:"verified_at"`
	Status               string     `json:"status"`
	RevokedAt            *time.Time `json:"revoked_at,omitempty"`
}

// finalizeResponse はfinalizeのAPIレスポンス。
type finalizeResponse struct {
	Linked  bool `json:"linked"`
	Created bool `json:"created"`
	linkResponse
}

// verifyResponse は検証済み問い合わせのAPIレスポンス。
type verifyResponse struct {
	TwitterUserID string `json:"twitter_user_id"`
	Verified      bool   `json:"verified"`
}

// Finalize はcompleteのセッションを確定し、IdentityLinkを返す。
// 新規作成時は201、作成済みの場合は200を返す。
// POST /v1/sessions/{id}/finalize
func (h *LinkHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Finalize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, finalizeResponse{
		Linked:       true,
		Created:      result.Created,
		linkResponse: toLinkResponse(result.Link),
	})
}

// Verify はTwitterアカウントが検証済みかを返す。
// GET /v1/verify/twitter-id/{twitter_user_id}
func (h *LinkHandler) Verify(w http.ResponseWriter, r *http.Request) {
	twitterUserID := chi.URLParam(r, "twitter_user_id")

	verified, err := h.service.IsVerified(r.Context(), twitterUserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		TwitterUserID: twitterUserID,
		Verified:      verified,
	})
}

// GetLink はリンクを返す。
// GET /v1/links/{link_id}
func (h *LinkHandler) GetLink(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.GetLink(r.Context(), chi.URLParam(r, "link_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkResponse(l))
}

// RevokeLink はリンクをrevokedにする。
// POST /v1/links/{link_id}/revoke
func (h *LinkHandler) RevokeLink(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.Revoke(r.Context(), chi.URLParam(r, "link_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkResponse(l))
}

func toLinkResponse(l *model.IdentityLink) linkResponse {
	return linkResponse{
		OK:                   true,
		LinkID:               l.LinkID,
		SessionID:            l.SessionID,
		TwitterUserID:        l.TwitterUserID,
		TelegramUserID:       l.TelegramUserID,
		TwitterHandleLast:    l.TwitterHandleLast,
		TelegramUsernameLast: l.TelegramUsernameLast,
		VerifiedAt:           l.VerifiedAt,
		Status:               string(l.Status),
		RevokedAt:            l.RevokedAt,
	}
}
