// Package push はモバイル端末向けのプッシュ通知を外部の配信基盤へ委譲する。
//
// 配信プロバイダやデバイストークンの管理はこのサービスの外にあり、
// ここでは「ユーザーXに通知Yを届けてほしい」という要求を発行するだけを担う。
package push

import (
	"context"
	"log/slog"
)

// Message はプッシュ配信要求の本文。
type Message struct {
	UserID  string         `json:"userId"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Gateway はプッシュ配信要求の送信先。
// 失敗はエラーとして返すが、呼び出し側はそれによって処理を中断しない。
type Gateway interface {
	SendToUser(ctx context.Context, userID string, msg Message) error
}

// LogGateway は配信要求をログに出力するだけのGateway。開発環境の既定値。
type LogGateway struct {
	logger *slog.Logger
}

// NewLogGateway はLogGatewayを生成する。
func NewLogGateway(logger *slog.Logger) *LogGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogGateway{logger: logger}
}

// SendToUser は配信要求をINFOレベルで記録する。
func (g *LogGateway) SendToUser(ctx context.Context, userID string, msg Message) error {
	g.logger.InfoContext(ctx, "push notification requested",
		slog.String("user_id", userID),
		slog.String("title", msg.Title),
	)
	return nil
}

var _ Gateway = (*LogGateway)(nil)
