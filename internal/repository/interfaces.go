// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/tripmate/internal/model"
)

// ErrDuplicateKey は一意制約違反を表す。
// MessageRepository.Createで冪等キーが競合した場合に返される。
var ErrDuplicateKey = errors.New("repository: duplicate key")

// MessageRepository はチャットメッセージの永続化インターフェース。
type MessageRepository interface {
	// FindByIdempotencyKey は冪等キーでメッセージを取得する。見つからない場合はnilを返す。
	FindByIdempotencyKey(ctx context.Context, key string) (*model.Message, error)

	// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Message, error)

	// Create はメッセージを保存し、採番したSequenceNumberをmsgに設定する。
	// 冪等キーが既に存在する場合はErrDuplicateKeyを返す。
	Create(ctx context.Context, msg *model.Message) error

	// MarkRead はreaderID宛ての未読メッセージのうちidsに含まれるものを1回の更新で既読にする。
	// 既読済み・他人宛てのメッセージは無視される。更新された分のみを返す。
	MarkRead(ctx context.Context, readerID string, ids []string, readAt time.Time) ([]model.ReadReceipt, error)

	// UpdateReactions はメッセージのリアクション一覧を置き換える。
	UpdateReactions(ctx context.Context, id string, reactions []model.Reaction) error

	// ListConversation は2ユーザー間のメッセージを(created_at, sequence_number)昇順で返す。
	// beforeSeqが0より大きい場合はそのメッセージより古いものだけを返す。
	ListConversation(ctx context.Context, userID, peerID string, beforeSeq int64, limit int) ([]*model.Message, error)
}

// NotificationRepository はアプリ内通知の永続化インターフェース。
type NotificationRepository interface {
	// Create は通知を保存する。
	Create(ctx context.Context, n *model.Notification) error

	// CountUnread は受信者の未読通知数を返す。
	CountUnread(ctx context.Context, recipientID string) (int, error)

	// MarkRead は受信者の通知のうちidsに含まれる未読分を既読にし、更新件数を返す。
	MarkRead(ctx context.Context, recipientID string, ids []string, readAt time.Time) (int, error)

	// ListByRecipient は受信者の通知を新しい順にlimit件返す。
	ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*model.Notification, error)
}

// CallAuditRepository は通話監査記録の永続化インターフェース。
type CallAuditRepository interface {
	// Create は終了した通話の監査記録を保存する。
	Create(ctx context.Context, audit *model.CallAudit) error
}

// ContactPolicy は2ユーザー間でメッセージ交換が許可されているかを判定する。
// マッチング/フォロー機能が所有する読み取りモデルを参照する。
type ContactPolicy interface {
	CanMessage(ctx context.Context, userA, userB string) (bool, error)
}
