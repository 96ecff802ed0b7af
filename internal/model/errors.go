package model

import (
	"fmt"
	"time"
)

// ErrorKind は呼び出し元がリトライ可否を判断するためのエラー分類。
type ErrorKind string

const (
	KindNotFound                 ErrorKind = "not_found"
	KindPreconditionFailed       ErrorKind = "precondition_failed"
	KindRateLimited              ErrorKind = "rate_limited"
	KindExternalDependency       ErrorKind = "external_dependency"
	KindMatchedButUnidentifiable ErrorKind = "matched_but_unidentifiable"
	KindValidation               ErrorKind = "validation"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法に加え、リトライ可否と上流の応答内容を含む。
type APIError struct {
	Kind     ErrorKind
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: session, link, upstream, validation, system
	Action   string // ユーザー向け対処方法

	Retryable  bool
	RetryAfter time.Duration

	// 上流APIの失敗時のみ設定する
	UpstreamStatus int
	UpstreamBody   string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSessionNotFound          = "SESSION_NOT_FOUND"
	ErrCodeSessionExpired           = "SESSION_EXPIRED"
	ErrCodeSessionNotComplete       = "SESSION_NOT_COMPLETE"
	ErrCodeIdentityMissing          = "IDENTITY_MISSING"
	ErrCodeLinkNotFound             = "LINK_NOT_FOUND"
	ErrCodeLinkConflict             = "LINK_CONFLICT"
	ErrCodeUpstreamRateLimited      = "TWITTERAPI_RATE_LIMIT"
	ErrCodeUpstreamError            = "TWITTERAPI_ERROR"
	ErrCodeMatchedButUnidentifiable = "MATCHED_BUT_UNIDENTIFIABLE"
	ErrCodeInvalidRequest           = "INVALID_REQUEST"
)

// NewSessionNotFoundError はセッション未検出エラーを生成する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("session not found: %s", sessionID),
		Category: "session",
		Action:   "セッションIDを確認するか、新しいセッションを作成してください。",
	}
}

// NewSessionExpiredError はセッション期限切れエラーを生成する。
func NewSessionExpiredError(sessionID string, expiredAt time.Time) *APIError {
	return &APIError{
		Kind:     KindPreconditionFailed,
		Code:     ErrCodeSessionExpired,
		Message:  fmt.Sprintf("session %s expired at %s", sessionID, expiredAt.UTC().Format(time.RFC3339)),
		Category: "session",
		Action:   "新しいセッションを作成してやり直してください。",
	}
}

// NewSessionNotCompleteError は確認が揃っていないセッションを確定しようとした場合のエラーを生成する。
func NewSessionNotCompleteError(status SessionStatus) *APIError {
	return &APIError{
		Kind:     KindPreconditionFailed,
		Code:     ErrCodeSessionNotComplete,
		Message:  fmt.Sprintf("session not complete yet (status: %s)", status),
		Category: "session",
		Action:   "TwitterとTelegramの両方の確認を完了してから再度お試しください。",
	}
}

// NewIdentityMissingError は確認済みだが識別情報が記録されていない場合のエラーを生成する。
func NewIdentityMissingError(p Platform) *APIError {
	return &APIError{
		Kind:     KindPreconditionFailed,
		Code:     ErrCodeIdentityMissing,
		Message:  fmt.Sprintf("session has no %s identity recorded", p),
		Category: "session",
		Action:   "確認をやり直してください。",
	}
}

// NewLinkNotFoundError はIdentityLink未検出エラーを生成する。
func NewLinkNotFoundError(linkID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeLinkNotFound,
		Message:  fmt.Sprintf("identity link not found: %s", linkID),
		Category: "link",
		Action:   "リンクIDを確認してください。",
	}
}

// NewLinkConflictError は同じTwitterアカウントの確定処理が競合した場合のエラーを生成する。
func NewLinkConflictError(twitterUserID string) *APIError {
	return &APIError{
		Kind:      KindPreconditionFailed,
		Code:      ErrCodeLinkConflict,
		Message:   fmt.Sprintf("another active link for twitter user %s was created concurrently", twitterUserID),
		Category:  "link",
		Action:    "しばらく待ってから再度お試しください。",
		Retryable: true,
	}
}

// NewUpstreamRateLimitedError は上流APIのレート制限エラーを生成する。
func NewUpstreamRateLimitedError(retryAfter time.Duration, body string) *APIError {
	return &APIError{
		Kind:           KindRateLimited,
		Code:           ErrCodeUpstreamRateLimited,
		Message:        "twitterapi.io rate limit hit. Wait 30-60 seconds and try again.",
		Category:       "upstream",
		Action:         fmt.Sprintf("%d秒以上待ってから再度お試しください。", int(retryAfter.Seconds())),
		Retryable:      true,
		RetryAfter:     retryAfter,
		UpstreamStatus: 429,
		UpstreamBody:   body,
	}
}

// NewUpstreamError は上流APIのその他の失敗を表すエラーを生成する。
// 通信エラー（status=0）と5xxはリトライ可能として扱う。
func NewUpstreamError(status int, body string, reason string) *APIError {
	return &APIError{
		Kind:           KindExternalDependency,
		Code:           ErrCodeUpstreamError,
		Message:        fmt.Sprintf("reply search failed: %s", reason),
		Category:       "upstream",
		Action:         "しばらく待ってから再度お試しください。",
		Retryable:      status == 0 || status >= 500,
		UpstreamStatus: status,
		UpstreamBody:   body,
	}
}

// NewMatchedButUnidentifiableError は返信の本文は一致したが投稿者IDが取得できない場合のエラーを生成する。
// 上流APIのレスポンス形式が変わった可能性を示す。
func NewMatchedButUnidentifiableError(preview string) *APIError {
	return &APIError{
		Kind:         KindMatchedButUnidentifiable,
		Code:         ErrCodeMatchedButUnidentifiable,
		Message:      "matched reply found but author id missing",
		Category:     "upstream",
		Action:       "運営者に連絡してください。",
		UpstreamBody: preview,
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("invalid request: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}
