package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/tripmate/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// WebSocketのerrorイベントと同じフィールドを持つ。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteAPIError はエラーコードに対応するHTTPステータスで統一レスポンスを書き込む。
// APIErrorでないエラーは内部エラーとして扱う。
func WriteAPIError(w http.ResponseWriter, err error) {
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, StatusForCode(apiErr.Code), apiErr)
}

// StatusForCode はエラーコードをHTTPステータスに変換する。
func StatusForCode(code string) int {
	switch code {
	case model.ErrCodeValidation, model.ErrCodeInvalidPayload:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodePermissionDenied, model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeMessageNotFound, model.ErrCodeCallNotFound:
		return http.StatusNotFound
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodePersistenceFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
