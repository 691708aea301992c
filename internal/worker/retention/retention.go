// Package retention は保持期間を過ぎたデータの定期削除ジョブを提供する。
// 既読になってから保持日数を超えた通知と、終了から保持日数を超えた通話監査記録を削除する。
// メッセージ本体は会話履歴として残すため対象外。
package retention

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// target は1種類の削除対象。
type target struct {
	name  string
	query string
	days  int
}

// Job は保持期間切れデータの削除ジョブ。
// 削除は冪等で、対象がなくてもエラーにならない。
type Job struct {
	db     Executor
	logger *slog.Logger

	NotificationRetentionDays int // 既読通知の保持日数。0以下で無効（デフォルト: 90）
	CallAuditRetentionDays    int // 通話監査記録の保持日数。0以下で無効（デフォルト: 365）
}

// NewJob は新しいJobを生成する。
func NewJob(db Executor, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		db:                        db,
		logger:                    logger,
		NotificationRetentionDays: 90,
		CallAuditRetentionDays:    365,
	}
}

func (j *Job) targets() []target {
	return []target{
		{
			name:  "notifications",
			query: `DELETE FROM notifications WHERE is_read = TRUE AND read_at < now() - $1::interval`,
			days:  j.NotificationRetentionDays,
		},
		{
			name:  "call_audits",
			query: `DELETE FROM call_audits WHERE ended_at < now() - $1::interval`,
			days:  j.CallAuditRetentionDays,
		},
	}
}

// Run は保持期間を超過したデータを1回削除する。
// 1つの対象で失敗した場合はそこで中断してエラーを返す。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()
	var total int64

	for _, tg := range j.targets() {
		if tg.days <= 0 {
			continue
		}

		result, err := j.db.ExecContext(ctx, tg.query, fmt.Sprintf("%d days", tg.days))
		if err != nil {
			j.logger.Error("保持期間切れデータの削除に失敗しました",
				slog.String("table", tg.name),
				slog.Int("retention_days", tg.days),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%sの削除に失敗: %w", tg.name, err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("%sの削除件数の取得に失敗: %w", tg.name, err)
		}
		total += deleted

		j.logger.Info("保持期間切れデータを削除しました",
			slog.String("table", tg.name),
			slog.Int64("deleted_count", deleted),
			slog.Int("retention_days", tg.days),
		)
	}

	j.logger.Info("保持期間ジョブが完了しました",
		slog.Int64("deleted_total", total),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はinterval間隔でRunを繰り返す。起動直後に1回実行する。
// コンテキストがキャンセルされるまで戻らない。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("保持期間ジョブを開始しました", slog.Duration("interval", interval))

	for {
		if err := j.Run(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("保持期間ジョブの実行に失敗しました", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			j.logger.Info("保持期間ジョブを停止しました")
			return
		case <-ticker.C:
		}
	}
}
