// Package notification はアプリ内通知の保存とライブ接続・プッシュへの配信を提供する。
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/tripmate/internal/metrics"
	"github.com/hitoshi/tripmate/internal/model"
	"github.com/hitoshi/tripmate/internal/presence"
	"github.com/hitoshi/tripmate/internal/push"
	"github.com/hitoshi/tripmate/internal/repository"
)

// ConnLocator はユーザーの現在のライブ接続を返す。presence.Registryが満たす。
type ConnLocator interface {
	Lookup(userID string) presence.Conn
}

// NotifyInput は通知作成の入力。
type NotifyInput struct {
	RecipientID string
	SenderID    *string
	Type        model.NotificationType
	Title       string
	Body        string
	Payload     map[string]any
}

// Service は通知のファンアウトを担うサービス層。
// 保存が先、ライブ配信とプッシュが後。プッシュの失敗は呼び出し元に返さない。
type Service struct {
	repo        repository.NotificationRepository
	conns       ConnLocator
	gateway     push.Gateway
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	pushTimeout time.Duration
	now         func() time.Time
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

// WithPushTimeout はプッシュ送信1件あたりの待ち時間上限を設定する。
func WithPushTimeout(d time.Duration) Option {
	return func(s *Service) { s.pushTimeout = d }
}

// NewService はServiceを生成する。
func NewService(
	repo repository.NotificationRepository,
	conns ConnLocator,
	gateway push.Gateway,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		repo:        repo,
		conns:       conns,
		gateway:     gateway,
		metrics:     metrics.NopCollector{},
		logger:      logger,
		pushTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify は通知を保存し、受信者がオンラインならnotification:newとnotification:countを送り、
// 最後にプッシュ配信を要求する。保存に失敗した場合のみエラーを返す。
func (s *Service) Notify(ctx context.Context, in NotifyInput) (*model.Notification, error) {
	if in.RecipientID == "" {
		return nil, model.NewValidationError("recipientId is required")
	}
	if in.Type == "" {
		return nil, model.NewValidationError("notification type is required")
	}

	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	n := &model.Notification{
		ID:          uuid.New().String(),
		RecipientID: in.RecipientID,
		SenderID:    in.SenderID,
		Type:        in.Type,
		Title:       in.Title,
		Body:        in.Body,
		Payload:     payload,
		CreatedAt:   s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("通知の保存に失敗しました: %w", err)
	}
	s.metrics.RecordNotificationCreated(string(n.Type))

	if conn := s.conns.Lookup(n.RecipientID); conn != nil {
		conn.Emit(model.EventNotificationNew, n)
		s.emitCount(ctx, n.RecipientID, conn)
	}

	s.sendPush(ctx, n)
	return n, nil
}

// sendPush はプッシュ配信を要求する。呼び出し元のキャンセルに巻き込まれないよう、
// 独立したタイムアウト付きのcontextで送る。
func (s *Service) sendPush(ctx context.Context, n *model.Notification) {
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pushTimeout)
	defer cancel()

	err := s.gateway.SendToUser(pushCtx, n.RecipientID, push.Message{
		Title:   n.Title,
		Body:    n.Body,
		Payload: n.Payload,
	})
	if err != nil {
		s.metrics.RecordPushFailure()
		s.logger.WarnContext(ctx, "push notification failed",
			slog.String("notification_id", n.ID),
			slog.String("user_id", n.RecipientID),
			slog.String("error", err.Error()),
		)
	}
}

// emitCount は未読数を取得してconnへnotification:countを送る。取得失敗はログのみ。
func (s *Service) emitCount(ctx context.Context, userID string, conn presence.Conn) {
	count, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to count unread notifications",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	conn.Emit(model.EventNotificationCount, count)
}

// UnreadCount はユーザーの未読通知数を返す。
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	count, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("未読通知数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// EmitUnreadCount はユーザーがオンラインなら現在の未読数を送る。join直後に使用する。
func (s *Service) EmitUnreadCount(ctx context.Context, userID string) {
	if conn := s.conns.Lookup(userID); conn != nil {
		s.emitCount(ctx, userID, conn)
	}
}

// MarkRead はユーザー宛ての通知を既読にし、更新後の未読数をnotification:countで送る。
func (s *Service) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, model.NewValidationError("notificationIds must not be empty")
	}

	updated, err := s.repo.MarkRead(ctx, userID, ids, s.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return 0, fmt.Errorf("通知の既読更新に失敗しました: %w", err)
	}

	s.EmitUnreadCount(ctx, userID)
	return updated, nil
}

// List はユーザーの通知を新しい順に返す。
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	list, err := s.repo.ListByRecipient(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗しました: %w", err)
	}
	if list == nil {
		list = []*model.Notification{}
	}
	return list, nil
}
