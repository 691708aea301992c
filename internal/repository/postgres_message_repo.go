package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/tripmate/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// isUniqueViolation はerrがPostgreSQLの一意制約違反であるかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// messageColumns はmessagesテーブルのSELECT対象カラム。scanMessageと順序を合わせること。
const messageColumns = `id, sender_id, receiver_id, content_type, content_text, content_url, content_asset_id,
	idempotency_key, is_read, read_at, reply_to_id, reactions, created_at, sequence_number`

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	msg := &model.Message{}
	var (
		contentType string
		readAt      sql.NullTime
		replyToID   sql.NullString
		reactions   []byte
	)

	err := row.Scan(
		&msg.ID, &msg.SenderID, &msg.ReceiverID,
		&contentType, &msg.Content.Text, &msg.Content.URL, &msg.Content.AssetID,
		&msg.IdempotencyKey, &msg.Read, &readAt, &replyToID, &reactions,
		&msg.CreatedAt, &msg.SequenceNumber,
	)
	if err != nil {
		return nil, err
	}

	msg.Content.Type = model.ContentType(contentType)
	if readAt.Valid {
		t := readAt.Time.UTC()
		msg.ReadAt = &t
	}
	if replyToID.Valid {
		id := replyToID.String
		msg.ReplyToID = &id
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	msg.Reactions = []model.Reaction{}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &msg.Reactions); err != nil {
			return nil, fmt.Errorf("リアクションのデコードに失敗しました: %w", err)
		}
	}

	return msg, nil
}

// FindByIdempotencyKey は冪等キーでメッセージを取得する。見つからない場合はnilを返す。
func (r *PostgresMessageRepo) FindByIdempotencyKey(ctx context.Context, key string) (*model.Message, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE idempotency_key = $1`,
		key,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("冪等キーによるメッセージ取得に失敗しました: %w", err)
	}
	return msg, nil
}

// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
func (r *PostgresMessageRepo) FindByID(ctx context.Context, id string) (*model.Message, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗しました: %w", err)
	}
	return msg, nil
}

// Create はメッセージを保存する。sequence_numberはBIGSERIALで採番される。
// idempotency_keyのUNIQUE制約に違反した場合はErrDuplicateKeyを返す。
func (r *PostgresMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	if msg.Reactions == nil {
		msg.Reactions = []model.Reaction{}
	}
	reactions, err := json.Marshal(msg.Reactions)
	if err != nil {
		return fmt.Errorf("リアクションのエンコードに失敗しました: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, content_type, content_text, content_url, content_asset_id,
		     idempotency_key, is_read, read_at, reply_to_id, reactions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING sequence_number`,
		msg.ID, msg.SenderID, msg.ReceiverID,
		string(msg.Content.Type), msg.Content.Text, msg.Content.URL, msg.Content.AssetID,
		msg.IdempotencyKey, msg.Read, msg.ReadAt, msg.ReplyToID, string(reactions), msg.CreatedAt,
	).Scan(&msg.SequenceNumber)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("メッセージの作成に失敗しました: %w", err)
	}
	return nil
}

// MarkRead は未読メッセージを1回のUPDATEで既読にする。
// 戻り値の順序は引数idsの順序に揃える。
func (r *PostgresMessageRepo) MarkRead(ctx context.Context, readerID string, ids []string, readAt time.Time) ([]model.ReadReceipt, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`UPDATE messages SET is_read = TRUE, read_at = $3
		 WHERE id = ANY($1) AND receiver_id = $2 AND is_read = FALSE
		 RETURNING id, sender_id, idempotency_key`,
		pq.Array(ids), readerID, readAt,
	)
	if err != nil {
		return nil, fmt.Errorf("メッセージの既読更新に失敗しました: %w", err)
	}
	defer rows.Close()

	updated := make(map[string]model.ReadReceipt, len(ids))
	for rows.Next() {
		var rr model.ReadReceipt
		if err := rows.Scan(&rr.MessageID, &rr.SenderID, &rr.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("既読更新結果の読み取りに失敗しました: %w", err)
		}
		updated[rr.MessageID] = rr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既読更新結果の読み取りに失敗しました: %w", err)
	}

	receipts := make([]model.ReadReceipt, 0, len(updated))
	for _, id := range ids {
		if rr, ok := updated[id]; ok {
			receipts = append(receipts, rr)
			delete(updated, id)
		}
	}
	return receipts, nil
}

// UpdateReactions はメッセージのリアクション一覧を置き換える。
func (r *PostgresMessageRepo) UpdateReactions(ctx context.Context, id string, reactions []model.Reaction) error {
	if reactions == nil {
		reactions = []model.Reaction{}
	}
	data, err := json.Marshal(reactions)
	if err != nil {
		return fmt.Errorf("リアクションのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE messages SET reactions = $2 WHERE id = $1`,
		id, string(data),
	)
	if err != nil {
		return fmt.Errorf("リアクションの更新に失敗しました: %w", err)
	}
	return nil
}

// ListConversation は2ユーザー間のメッセージを(created_at, sequence_number)昇順で返す。
// 新しい順にlimit件取得してから反転するため、ページングは常に直近側から遡る。
func (r *PostgresMessageRepo) ListConversation(ctx context.Context, userID, peerID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE ((m.sender_id = $1 AND m.receiver_id = $2) OR (m.sender_id = $2 AND m.receiver_id = $1))
		   AND ($3::bigint = 0 OR (m.created_at, m.sequence_number) <
		        (SELECT b.created_at, b.sequence_number FROM messages b WHERE b.sequence_number = $3::bigint))
		 ORDER BY m.created_at DESC, m.sequence_number DESC
		 LIMIT $4`,
		userID, peerID, beforeSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("会話履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("会話履歴の読み取りに失敗しました: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("会話履歴の読み取りに失敗しました: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
