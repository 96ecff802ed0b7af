package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/socialverify/internal/middleware"
	"github.com/hitoshi/socialverify/internal/model"
)

// maxRequestBodySize はリクエストボディの上限サイズ。
const maxRequestBodySize = 16 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.ErrorContext(r.Context(), "internal server error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorの分類からHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeSessionExpired:
		return http.StatusGone
	case model.ErrCodeLinkConflict:
		return http.StatusConflict
	}

	switch apiErr.Kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindPreconditionFailed:
		return http.StatusConflict
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindExternalDependency, model.KindMatchedButUnidentifiable:
		return http.StatusBadGateway
	case model.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptionalJSON はリクエストボディをJSONとしてデコードする。
// ボディが空の場合はdstを変更せずにnilを返す。
func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// invalidBodyError はリクエストボディの解析失敗を表すエラーを返す。
func invalidBodyError() *model.APIError {
	apiErr := model.NewInvalidRequestError("request body must be a JSON object")
	apiErr.Action = "正しいJSON形式でリクエストしてください。"
	return apiErr
}
