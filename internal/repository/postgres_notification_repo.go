package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/tripmate/internal/model"
	"github.com/lib/pq"
)

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

// Create は通知を保存する。
func (r *PostgresNotificationRepo) Create(ctx context.Context, n *model.Notification) error {
	if n.Payload == nil {
		n.Payload = map[string]any{}
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("通知ペイロードのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient_id, sender_id, type, title, body, is_read, read_at, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.RecipientID, n.SenderID, string(n.Type), n.Title, n.Body,
		n.Read, n.ReadAt, string(payload), n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("通知の作成に失敗しました: %w", err)
	}
	return nil
}

// CountUnread は受信者の未読通知数を返す。
func (r *PostgresNotificationRepo) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND is_read = FALSE`,
		recipientID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("未読通知数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// MarkRead は受信者の通知のうちidsに含まれる未読分を既読にする。
func (r *PostgresNotificationRepo) MarkRead(ctx context.Context, recipientID string, ids []string, readAt time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE, read_at = $3
		 WHERE id = ANY($1) AND recipient_id = $2 AND is_read = FALSE`,
		pq.Array(ids), recipientID, readAt,
	)
	if err != nil {
		return 0, fmt.Errorf("通知の既読更新に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("既読更新件数の取得に失敗しました: %w", err)
	}
	return int(affected), nil
}

// ListByRecipient は受信者の通知を新しい順にlimit件返す。
func (r *PostgresNotificationRepo) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*model.Notification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, recipient_id, sender_id, type, title, body, is_read, read_at, payload, created_at
		 FROM notifications
		 WHERE recipient_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		recipientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var list []*model.Notification
	for rows.Next() {
		n := &model.Notification{}
		var (
			senderID sql.NullString
			nType    string
			readAt   sql.NullTime
			payload  []byte
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &senderID, &nType, &n.Title, &n.Body,
			&n.Read, &readAt, &payload, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("通知の読み取りに失敗しました: %w", err)
		}
		n.Type = model.NotificationType(nType)
		if senderID.Valid {
			s := senderID.String
			n.SenderID = &s
		}
		if readAt.Valid {
			t := readAt.Time.UTC()
			n.ReadAt = &t
		}
		n.CreatedAt = n.CreatedAt.UTC()
		n.Payload = map[string]any{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, fmt.Errorf("通知ペイロードのデコードに失敗しました: %w", err)
			}
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知の読み取りに失敗しました: %w", err)
	}
	return list, nil
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
