package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tripmate/internal/middleware"
	"github.com/hitoshi/tripmate/internal/model"
)

const (
	// defaultMessagesPerPage は会話履歴の1回の取得件数（デフォルト）。
	defaultMessagesPerPage = 50
	maxMessagesPerPage     = 200
)

// ConversationService は会話履歴ハンドラーが必要とするサービスインターフェース。chat.Serviceが満たす。
type ConversationService interface {
	// History は2ユーザー間のメッセージを古い順に返す。beforeSeqが0なら最新から遡る。
	History(ctx context.Context, userID, peerID string, beforeSeq int64, limit int) ([]*model.Message, error)
}

// ConversationHandler は会話履歴のHTTPハンドラー。
type ConversationHandler struct {
	service ConversationService
	logger  *slog.Logger
}

// NewConversationHandler はConversationHandlerを生成する。
func NewConversationHandler(service ConversationService, logger *slog.Logger) *ConversationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationHandler{service: service, logger: logger}
}

// messageListResponse は会話履歴のレスポンス。
// nextBeforeは次のページを取得するためのbeforeの値で、これ以上古いメッセージがない場合は0。
type messageListResponse struct {
	Messages   []*model.Message `json:"messages"`
	NextBefore int64            `json:"nextBefore"`
}

// ListMessages は相手ユーザーとの会話履歴を返す。
// GET /api/conversations/{peerID}/messages?before=<seq>&limit=<n>
func (h *ConversationHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	before, err := queryInt(r, "before", 0)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultMessagesPerPage)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	switch {
	case limit <= 0:
		limit = defaultMessagesPerPage
	case limit > maxMessagesPerPage:
		limit = maxMessagesPerPage
	}

	msgs, err := h.service.History(r.Context(), userID, chi.URLParam(r, "peerID"), before, int(limit))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	resp := messageListResponse{Messages: msgs}
	if len(msgs) > 0 && len(msgs) == int(limit) {
		resp.NextBefore = msgs[0].SequenceNumber
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
