// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/tripmate/internal/middleware"
	"github.com/hitoshi/tripmate/internal/model"
)

// handleServiceError はサービス層から返されたエラーを統一フォーマットのレスポンスに変換する。
// APIError以外のエラーは詳細をログのみに記録する。
func handleServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if _, ok := model.AsAPIError(err); !ok {
		logger.ErrorContext(r.Context(), "internal server error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteAPIError(w, err)
}

// queryInt はクエリパラメータを整数として読む。未指定ならdefを返す。
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, model.NewValidationError(name + " must be an integer")
	}
	return v, nil
}
