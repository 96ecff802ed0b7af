package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/hitoshi/socialverify/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法に加え、リトライ可否と上流APIの応答内容を含む。
type ErrorResponseBody struct {
	OK                bool   `json:"ok"`
	Code              string `json:"code"`
	Kind              string `json:"kind,omitempty"`
	Message           string `json:"message"`
	Category          string `json:"category"`
	Action            string `json:"action"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	UpstreamStatus    int    `json:"upstream_status,omitempty"`
	UpstreamBody      string `json:"upstream_body,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// RetryAfterが設定されている場合はRetry-Afterヘッダーも付与する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	body := ErrorResponseBody{
		Code:           apiErr.Code,
		Kind:           string(apiErr.Kind),
		Message:        apiErr.Message,
		Category:       apiErr.Category,
		Action:         apiErr.Action,
		Retryable:      apiErr.Retryable,
		UpstreamStatus: apiErr.UpstreamStatus,
		UpstreamBody:   apiErr.UpstreamBody,
	}
	if apiErr.RetryAfter > 0 {
		body.RetryAfterSeconds = int(math.Ceil(apiErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
