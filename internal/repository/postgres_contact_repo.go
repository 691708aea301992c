package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresContactPolicy はマッチング/フォロー機能の読み取りモデルを参照してメッセージ交換可否を判定する。
// 2ユーザーがマッチ済み、または相互フォローしている場合に許可する。
type PostgresContactPolicy struct {
	db *sql.DB
}

// NewPostgresContactPolicy はPostgresContactPolicyを生成する。
func NewPostgresContactPolicy(db *sql.DB) *PostgresContactPolicy {
	return &PostgresContactPolicy{db: db}
}

// CanMessage はuserAとuserBがメッセージを交換できるかを返す。
func (p *PostgresContactPolicy) CanMessage(ctx context.Context, userA, userB string) (bool, error) {
	var allowed bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM user_matches
		     WHERE status = 'matched'
		       AND ((user_a_id = $1 AND user_b_id = $2) OR (user_a_id = $2 AND user_b_id = $1))
		 ) OR (
		     EXISTS (SELECT 1 FROM user_follows WHERE follower_id = $1 AND followee_id = $2)
		     AND EXISTS (SELECT 1 FROM user_follows WHERE follower_id = $2 AND followee_id = $1)
		 )`,
		userA, userB,
	).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("メッセージ交換可否の判定に失敗しました: %w", err)
	}
	return allowed, nil
}

// compile-time interface check
var _ ContactPolicy = (*PostgresContactPolicy)(nil)
