package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tripmate/internal/model"
)

// PostgresCallAuditRepo はPostgreSQLを使用した通話監査リポジトリ。
type PostgresCallAuditRepo struct {
	db *sql.DB
}

// NewPostgresCallAuditRepo はPostgresCallAuditRepoを生成する。
func NewPostgresCallAuditRepo(db *sql.DB) *PostgresCallAuditRepo {
	return &PostgresCallAuditRepo{db: db}
}

// Create は通話監査記録を保存する。同じcall_idの記録が既にある場合は何もしない。
func (r *PostgresCallAuditRepo) Create(ctx context.Context, audit *model.CallAudit) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_audits (id, call_id, caller_id, receiver_id, media_type, end_reason,
		     started_at, connected_at, ended_at, duration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (call_id) DO NOTHING`,
		audit.ID, audit.CallID, audit.CallerID, audit.ReceiverID,
		string(audit.MediaType), string(audit.EndReason),
		audit.StartedAt, audit.ConnectedAt, audit.EndedAt, audit.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("通話監査記録の作成に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CallAuditRepository = (*PostgresCallAuditRepo)(nil)
