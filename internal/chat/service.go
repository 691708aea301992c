// Package chat は1対1チャットのメッセージ配送パイプラインと既読通知を提供する。
//
// 送信は 検証 → 冪等キーによる重複排除 → 送信可否判定 → 保存 → 配送 → 送信者への応答 → 通知
// の順で処理する。同じ冪等キーの再送は保存済みレコードへ解決され、再配送も再通知も行わない。
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/tripmate/internal/metrics"
	"github.com/hitoshi/tripmate/internal/model"
	"github.com/hitoshi/tripmate/internal/notification"
	"github.com/hitoshi/tripmate/internal/presence"
	"github.com/hitoshi/tripmate/internal/repository"
	"github.com/hitoshi/tripmate/internal/security"
)

const (
	defaultPreviewLength = 100
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 200
	maxIdempotencyKeyLen = 128
	maxEmojiRunes        = 16
)

// ConnLocator はユーザーの現在のライブ接続を返す。presence.Registryが満たす。
type ConnLocator interface {
	Lookup(userID string) presence.Conn
}

// Notifier は受信者への通知を作成する。notification.Serviceが満たす。
type Notifier interface {
	Notify(ctx context.Context, in notification.NotifyInput) (*model.Notification, error)
}

// ImageURLValidator は画像メッセージのURLを検証する。security.URLGuardが満たす。
type ImageURLValidator interface {
	ValidateImageURL(rawURL string) error
}

// SendInput はメッセージ送信の入力。Originは送信元の接続で、message:sentの送り先。
type SendInput struct {
	SenderID       string
	ReceiverID     string
	Content        model.MessageContent
	IdempotencyKey string
	ReplyToID      *string
	Origin         presence.Conn
}

// Service はチャットのサービス層。
type Service struct {
	messages  repository.MessageRepository
	policy    repository.ContactPolicy
	conns     ConnLocator
	notifier  Notifier
	sanitizer security.TextSanitizer
	images    ImageURLValidator
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time

	previewLength int

	// reactMu はリアクションの読み取り→更新を直列化する。
	reactMu sync.Mutex
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics はメトリクス収集先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPreviewLength は通知本文に使うプレビューの最大文字数を設定する。
func WithPreviewLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.previewLength = n
		}
	}
}

// NewService はServiceを生成する。
func NewService(
	messages repository.MessageRepository,
	policy repository.ContactPolicy,
	conns ConnLocator,
	notifier Notifier,
	sanitizer security.TextSanitizer,
	images ImageURLValidator,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		messages:      messages,
		policy:        policy,
		conns:         conns,
		notifier:      notifier,
		sanitizer:     sanitizer,
		images:        images,
		metrics:       metrics.NopCollector{},
		logger:        logger,
		now:           time.Now,
		previewLength: defaultPreviewLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send はメッセージを1回だけ保存して受信者へ配送する。
// 戻り値のメッセージは新規作成、または同じ冪等キーで保存済みのレコード。
func (s *Service) Send(ctx context.Context, in SendInput) (*model.Message, error) {
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	content, err := s.validateSend(in)
	if err != nil {
		s.metrics.RecordMessageSent(metrics.SendResultRejected)
		return nil, err
	}

	existing, err := s.messages.FindByIdempotencyKey(ctx, in.IdempotencyKey)
	if err != nil {
		return nil, s.persistenceFailure(ctx, "find by idempotency key", err, in)
	}
	if existing != nil {
		return s.replay(existing, in)
	}

	if err := s.authorize(ctx, in); err != nil {
		s.metrics.RecordMessageSent(metrics.SendResultRejected)
		return nil, err
	}

	msg := &model.Message{
		ID:             uuid.New().String(),
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        content,
		IdempotencyKey: in.IdempotencyKey,
		ReplyToID:      in.ReplyToID,
		Reactions:      []model.Reaction{},
		CreatedAt:      s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		if !errors.Is(err, repository.ErrDuplicateKey) {
			return nil, s.persistenceFailure(ctx, "create message", err, in)
		}
		// 同じキーの同時送信に負けた。勝者のレコードで再送扱いにする。
		winner, findErr := s.messages.FindByIdempotencyKey(ctx, in.IdempotencyKey)
		if findErr != nil || winner == nil {
			return nil, s.persistenceFailure(ctx, "refetch after duplicate key", errors.Join(err, findErr), in)
		}
		return s.replay(winner, in)
	}
	s.metrics.RecordMessageSent(metrics.SendResultCreated)

	if conn := s.conns.Lookup(msg.ReceiverID); conn != nil {
		conn.Emit(model.EventMessageReceive, msg)
	}
	if in.Origin != nil {
		in.Origin.Emit(model.EventMessageSent, msg)
	}

	s.notifyReceiver(ctx, msg)
	return msg, nil
}

// validateSend は副作用なしに入力を検証し、サニタイズ済みの本文を返す。
func (s *Service) validateSend(in SendInput) (model.MessageContent, error) {
	key := in.IdempotencyKey
	switch {
	case key == "":
		return model.MessageContent{}, model.NewValidationError("idempotencyKey is required")
	case len(key) > maxIdempotencyKeyLen:
		return model.MessageContent{}, model.NewValidationError("idempotencyKey is too long")
	case in.ReceiverID == "":
		return model.MessageContent{}, model.NewValidationError("receiverId is required")
	case in.ReceiverID == in.SenderID:
		return model.MessageContent{}, model.NewValidationError("cannot send a message to yourself")
	}

	switch in.Content.Type {
	case model.ContentTypeText:
		text := s.sanitizer.Sanitize(in.Content.Text)
		if text == "" {
			return model.MessageContent{}, model.NewValidationError("text must not be empty")
		}
		return model.TextContent(text), nil
	case model.ContentTypeImage:
		url := strings.TrimSpace(in.Content.URL)
		if url == "" {
			return model.MessageContent{}, model.NewValidationError("image url is required")
		}
		if err := s.images.ValidateImageURL(url); err != nil {
			return model.MessageContent{}, model.NewValidationError("image url is not allowed: " + err.Error())
		}
		return model.ImageContent(url, strings.TrimSpace(in.Content.AssetID)), nil
	default:
		return model.MessageContent{}, model.NewValidationError(fmt.Sprintf("unsupported content type %q", in.Content.Type))
	}
}

// authorize は送信可否と返信先の妥当性を判定する。保存より前に呼ぶ。
func (s *Service) authorize(ctx context.Context, in SendInput) error {
	allowed, err := s.policy.CanMessage(ctx, in.SenderID, in.ReceiverID)
	if err != nil {
		return s.persistenceFailure(ctx, "can message", err, in)
	}
	if !allowed {
		return model.NewPermissionError()
	}

	if in.ReplyToID == nil {
		return nil
	}
	parent, err := s.messages.FindByID(ctx, *in.ReplyToID)
	if err != nil {
		return s.persistenceFailure(ctx, "find reply target", err, in)
	}
	if parent == nil || !parent.Involves(in.SenderID) || !parent.Involves(in.ReceiverID) {
		return model.NewValidationError("replyToId must reference a message in this conversation")
	}
	return nil
}

// replay は保存済みレコードで送信元の接続にのみ応答する。再配送も再通知もしない。
// 競合した送信者が別ユーザーであっても、同じキーには同じレコードで応答する。
func (s *Service) replay(existing *model.Message, in SendInput) (*model.Message, error) {
	s.metrics.RecordMessageSent(metrics.SendResultReplayed)
	if in.Origin != nil {
		in.Origin.Emit(model.EventMessageSent, existing)
	}
	return existing, nil
}

func (s *Service) notifyReceiver(ctx context.Context, msg *model.Message) {
	sender := msg.SenderID
	_, err := s.notifier.Notify(ctx, notification.NotifyInput{
		RecipientID: msg.ReceiverID,
		SenderID:    &sender,
		Type:        model.NotificationTypeMessage,
		Title:       "New message",
		Body:        msg.Content.Preview(s.previewLength),
		Payload: map[string]any{
			"messageId": msg.ID,
			"senderId":  msg.SenderID,
		},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to notify message receiver",
			slog.String("message_id", msg.ID),
			slog.String("user_id", msg.ReceiverID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) persistenceFailure(ctx context.Context, op string, err error, in SendInput) error {
	s.metrics.RecordMessageSent(metrics.SendResultFailed)
	s.logger.ErrorContext(ctx, "message pipeline store failure",
		slog.String("op", op),
		slog.String("sender_id", in.SenderID),
		slog.String("idempotency_key", in.IdempotencyKey),
		slog.String("error", err.Error()),
	)
	return model.NewPersistenceFailureError()
}

// MarkRead はreaderID宛てのメッセージを1回の更新で既読にし、
// オンラインの送信者へメッセージごとにmessage:read_updateを送る。
// 戻り値は実際に既読になったメッセージIDと既読時刻。
func (s *Service) MarkRead(ctx context.Context, readerID string, ids []string) (*model.ReadAckPayload, error) {
	ids = uniqueNonEmpty(ids)
	if len(ids) == 0 {
		return nil, model.NewValidationError("messageIds must not be empty")
	}

	readAt := s.now().UTC().Truncate(time.Microsecond)
	receipts, err := s.messages.MarkRead(ctx, readerID, ids, readAt)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mark messages read",
			slog.String("user_id", readerID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewPersistenceFailureError()
	}
	s.metrics.RecordReadReceipts(len(receipts))

	updated := make([]string, 0, len(receipts))
	for _, rr := range receipts {
		updated = append(updated, rr.MessageID)
		conn := s.conns.Lookup(rr.SenderID)
		if conn == nil {
			continue
		}
		conn.Emit(model.EventMessageReadUpdate, model.ReadUpdatePayload{
			MessageID:      rr.MessageID,
			IdempotencyKey: rr.IdempotencyKey,
			ReadBy:         readerID,
			ReadAt:         readAt,
		})
	}

	return &model.ReadAckPayload{MessageIDs: updated, ReadAt: readAt}, nil
}

// React はuserIDのリアクションを付け外しし、オンラインの参加者全員にmessage:reactionを送る。
func (s *Service) React(ctx context.Context, userID, messageID, emoji string) (*model.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if messageID == "" {
		return nil, model.NewValidationError("messageId is required")
	}
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return nil, model.NewValidationError("emoji is invalid")
	}

	s.reactMu.Lock()
	msg, err := s.toggleReaction(ctx, userID, messageID, emoji)
	s.reactMu.Unlock()
	if err != nil {
		return nil, err
	}

	payload := model.ReactionPayload{MessageID: msg.ID, Reactions: msg.Reactions}
	for _, participant := range []string{msg.SenderID, msg.ReceiverID} {
		if conn := s.conns.Lookup(participant); conn != nil {
			conn.Emit(model.EventMessageReaction, payload)
		}
	}
	return msg, nil
}

func (s *Service) toggleReaction(ctx context.Context, userID, messageID, emoji string) (*model.Message, error) {
	msg, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load message for reaction",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewPersistenceFailureError()
	}
	if msg == nil {
		return nil, model.NewMessageNotFoundError(messageID)
	}
	if !msg.Involves(userID) {
		return nil, model.NewPermissionError()
	}

	msg.ToggleReaction(userID, emoji, s.now().UTC().Truncate(time.Microsecond))
	if err := s.messages.UpdateReactions(ctx, msg.ID, msg.Reactions); err != nil {
		s.logger.ErrorContext(ctx, "failed to update reactions",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewPersistenceFailureError()
	}
	return msg, nil
}

// History はuserIDとpeerIDの会話を(createdAt, sequenceNumber)昇順で返す。
// beforeSeqが0より大きい場合はそのメッセージより古いものを返す。
func (s *Service) History(ctx context.Context, userID, peerID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	if peerID == "" || peerID == userID {
		return nil, model.NewValidationError("peerId is invalid")
	}
	if beforeSeq < 0 {
		return nil, model.NewValidationError("before must not be negative")
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	msgs, err := s.messages.ListConversation(ctx, userID, peerID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("会話履歴の取得に失敗しました: %w", err)
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	return msgs, nil
}

func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
