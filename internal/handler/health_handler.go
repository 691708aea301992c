package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はデータベースへの疎通を確認する。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// healthTimeout はDB疎通確認のタイムアウト。
const healthTimeout = 2 * time.Second

// HealthHandler はGET /healthのハンドラー。
type HealthHandler struct {
	checker HealthChecker
	logger  *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。checkerがnilの場合はDB確認を省略する。
func NewHealthHandler(checker HealthChecker, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{checker: checker, logger: logger}
}

// ServeHTTP はDBに到達できれば200、できなければ503を返す。
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := h.checker.PingContext(ctx); err != nil {
			h.logger.WarnContext(r.Context(), "health check failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
