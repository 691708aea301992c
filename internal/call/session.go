package call

import (
	"time"

	"github.com/hitoshi/tripmate/internal/model"
)

// Timer は停止可能な遅延実行ハンドル。*time.Timerが満たす。
type Timer interface {
	Stop() bool
}

// AfterFunc はdの経過後にfを別goroutineで実行するタイマーを生成する。
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Session は1件の通話シグナリングの状態を表す。Managerのロック下でのみ変更される。
type Session struct {
	ID          string
	CallerID    string
	ReceiverID  string
	MediaType   model.MediaType
	State       model.CallState
	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     *time.Time
	EndReason   model.EndReason

	timer Timer
}

// Involves はuserIDが発信者または着信者であるかを判定する。
func (s *Session) Involves(userID string) bool {
	return s.CallerID == userID || s.ReceiverID == userID
}

// PeerOf はuserIDの通話相手を返す。
func (s *Session) PeerOf(userID string) string {
	if s.CallerID == userID {
		return s.ReceiverID
	}
	return s.CallerID
}

// pending は応答待ち（calling/ringing）であるかを判定する。
func (s *Session) pending() bool {
	return s.State == model.CallStateCalling || s.State == model.CallStateRinging
}

// Duration は接続からnowまでの経過秒数を返す。未接続なら0。
func (s *Session) Duration(now time.Time) int64 {
	if s.ConnectedAt == nil {
		return 0
	}
	d := now.Sub(*s.ConnectedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func (s *Session) audit(id string) *model.CallAudit {
	a := &model.CallAudit{
		ID:          id,
		CallID:      s.ID,
		CallerID:    s.CallerID,
		ReceiverID:  s.ReceiverID,
		MediaType:   s.MediaType,
		EndReason:   s.EndReason,
		StartedAt:   s.StartedAt,
		ConnectedAt: s.ConnectedAt,
	}
	if s.EndedAt != nil {
		a.EndedAt = *s.EndedAt
		a.DurationSeconds = s.Duration(*s.EndedAt)
	}
	return a
}
