// Package call は1対1通話のシグナリング状態機械を提供する。
//
// 状態は calling → ringing → connected → ended の順に進み、calling/ringing からは
// タイムアウト・拒否・切断で ended へ抜ける。ended からの復帰はない。
// メディアは扱わず、offer/answer/ICE候補を相手の接続へ中継するだけである。
package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/tripmate/internal/metrics"
	"github.com/hitoshi/tripmate/internal/model"
	"github.com/hitoshi/tripmate/internal/notification"
	"github.com/hitoshi/tripmate/internal/presence"
	"github.com/hitoshi/tripmate/internal/repository"
)

// DefaultTimeout は応答がない発信を打ち切るまでの時間。
const DefaultTimeout = 30 * time.Second

// ConnLocator はユーザーの現在のライブ接続を返す。presence.Registryが満たす。
type ConnLocator interface {
	Lookup(userID string) presence.Conn
}

// Notifier は不在着信の通知を作成する。notification.Serviceが満たす。
type Notifier interface {
	Notify(ctx context.Context, in notification.NotifyInput) (*model.Notification, error)
}

// Manager は進行中の通話セッションを保持する。
// 状態の変更はmuの下で行い、イベント送信・通知・監査記録はロック解放後に行う。
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	conns     ConnLocator
	notifier  Notifier
	audits    repository.CallAuditRepository
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
	afterFunc AfterFunc
	timeout   time.Duration
}

// Option はManagerの任意設定。
type Option func(*Manager)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAfterFunc はタイムアウト用タイマーの生成関数を差し替える。
func WithAfterFunc(f AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = f }
}

// WithTimeout は応答待ちのタイムアウト時間を設定する。
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMetrics はメトリクス収集先を設定する。
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = c }
}

// NewManager はManagerを生成する。auditsとnotifierはnilでもよい。
func NewManager(
	conns ConnLocator,
	notifier Notifier,
	audits repository.CallAuditRepository,
	logger *slog.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		sessions:  make(map[string]*Session),
		conns:     conns,
		notifier:  notifier,
		audits:    audits,
		metrics:   metrics.NopCollector{},
		logger:    logger,
		now:       time.Now,
		afterFunc: realAfterFunc,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Offer は発信を開始し、着信者へcall:incoming、発信者へcall:outgoingを送る。
// 着信者がオフラインならcall:user_offlineを送ってPeerOfflineErrorを、
// どちらかが通話中ならcall:busyを送ってCallBusyErrorを返す。
func (m *Manager) Offer(ctx context.Context, callerID, receiverID string, offer json.RawMessage, mediaType model.MediaType) (string, error) {
	switch {
	case receiverID == "":
		return "", model.NewValidationError("receiverId is required")
	case receiverID == callerID:
		return "", model.NewValidationError("cannot call yourself")
	case !mediaType.Valid():
		return "", model.NewValidationError("mediaType must be audio or video")
	case len(offer) == 0:
		return "", model.NewValidationError("offer is required")
	}

	// 在席確認とセッション登録は同じロック内で行い、着信者のDisconnectUserと直列化する。
	m.mu.Lock()
	receiverConn := m.conns.Lookup(receiverID)
	if receiverConn == nil {
		m.mu.Unlock()
		m.emit(callerID, model.EventCallUserOffline, model.CallPeerPayload{ReceiverID: receiverID})
		return "", model.NewPeerOfflineError(receiverID)
	}
	if busy := m.busyLocked(callerID, receiverID); busy != "" {
		m.mu.Unlock()
		m.emit(callerID, model.EventCallBusy, model.CallPeerPayload{ReceiverID: receiverID})
		return "", model.NewCallBusyError(busy)
	}
	s := &Session{
		ID:         uuid.New().String(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		MediaType:  mediaType,
		State:      model.CallStateCalling,
		StartedAt:  m.now().UTC(),
	}
	callID := s.ID
	s.timer = m.afterFunc(m.timeout, func() { m.expire(callID) })
	m.sessions[callID] = s
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "発信を開始しました",
		slog.String("call_id", callID),
		slog.String("caller_id", callerID),
		slog.String("receiver_id", receiverID),
		slog.String("media_type", string(mediaType)),
	)

	receiverConn.Emit(model.EventCallIncoming, model.CallIncomingPayload{
		CallID:    callID,
		CallerID:  callerID,
		Offer:     offer,
		MediaType: mediaType,
	})
	m.emit(callerID, model.EventCallOutgoing, model.CallOutgoingPayload{CallID: callID, ReceiverID: receiverID})
	return callID, nil
}

// busyLocked は通話中のユーザーIDを返す。どちらも空いていれば空文字列。
func (m *Manager) busyLocked(callerID, receiverID string) string {
	for _, s := range m.sessions {
		switch {
		case s.Involves(receiverID):
			return receiverID
		case s.Involves(callerID):
			return callerID
		}
	}
	return ""
}

// Received は着信者の端末が着信を表示したことを記録し、発信者へcall:ringingを送る。
// calling以外の状態や未知の通話では何もしない。
func (m *Manager) Received(ctx context.Context, callID, userID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.ReceiverID != userID || s.State != model.CallStateCalling {
		m.mu.Unlock()
		return
	}
	s.State = model.CallStateRinging
	callerID := s.CallerID
	m.mu.Unlock()

	m.emit(callerID, model.EventCallRinging, model.CallPayload{CallID: callID})
}

// Answer は通話を接続済みにし、answerを発信者へcall:acceptedとして中継する。
func (m *Manager) Answer(ctx context.Context, callID, userID string, answer json.RawMessage) error {
	if len(answer) == 0 {
		return model.NewValidationError("answer is required")
	}

	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.ReceiverID != userID || !s.pending() {
		m.mu.Unlock()
		return model.NewCallNotFoundError(callID)
	}
	now := m.now().UTC()
	s.State = model.CallStateConnected
	s.ConnectedAt = &now
	s.timer.Stop()
	callerID := s.CallerID
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "通話が接続されました", slog.String("call_id", callID))
	m.emit(callerID, model.EventCallAccepted, model.CallAcceptedPayload{CallID: callID, Answer: answer})
	return nil
}

// Reject は通話を拒否して終了し、相手へcall:rejectedを送る。
func (m *Manager) Reject(ctx context.Context, callID, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || !s.Involves(userID) {
		m.mu.Unlock()
		return model.NewCallNotFoundError(callID)
	}
	ended := m.finishLocked(s, model.EndReasonRejected)
	m.mu.Unlock()

	m.emit(ended.PeerOf(userID), model.EventCallRejected, model.CallPayload{CallID: callID})
	m.record(ctx, ended)
	return nil
}

// End は通話を正常終了し、相手へ接続時間付きのcall:endedを送る。
func (m *Manager) End(ctx context.Context, callID, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || !s.Involves(userID) {
		m.mu.Unlock()
		return model.NewCallNotFoundError(callID)
	}
	ended := m.finishLocked(s, model.EndReasonNormal)
	m.mu.Unlock()

	m.emit(ended.PeerOf(userID), model.EventCallEnded, endedPayload(ended))
	m.record(ctx, ended)
	return nil
}

// ICECandidate はICE候補をtoIDの接続へそのまま中継する。相手がオフラインなら破棄する。
func (m *Manager) ICECandidate(ctx context.Context, fromID, toID, callID string, candidate json.RawMessage) {
	conn := m.conns.Lookup(toID)
	if conn == nil {
		m.logger.DebugContext(ctx, "相手がオフラインのためICE候補を破棄しました",
			slog.String("user_id", fromID),
			slog.String("peer_id", toID),
		)
		return
	}
	conn.Emit(model.EventICECandidate, model.ICECandidatePayload{
		FromUserID: fromID,
		CallID:     callID,
		Candidate:  candidate,
	})
}

// expire はタイムアウト時にタイマーのgoroutineから呼ばれる。
// 既に接続・終了している通話には何もしない。
func (m *Manager) expire(callID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || !s.pending() {
		m.mu.Unlock()
		return
	}
	ended := m.finishLocked(s, model.EndReasonTimeout)
	m.mu.Unlock()

	ctx := context.Background()
	m.logger.InfoContext(ctx, "応答がないため通話を打ち切りました", slog.String("call_id", callID))

	payload := model.CallPayload{CallID: callID}
	m.emit(ended.CallerID, model.EventCallTimeout, payload)
	m.emit(ended.ReceiverID, model.EventCallTimeout, payload)
	m.notifyMissed(ctx, ended)
	m.record(ctx, ended)
}

// DisconnectUser はuserIDが参加する全ての通話を終了し、相手へcall:endedを送る。
// 接続の終了処理から同期的に呼ばれ、戻った時点で該当セッションは残っていない。
func (m *Manager) DisconnectUser(ctx context.Context, userID string) {
	m.mu.Lock()
	var ended []Session
	for _, s := range m.sessions {
		if s.Involves(userID) {
			ended = append(ended, m.finishLocked(s, model.EndReasonUserDisconnected))
		}
	}
	m.mu.Unlock()

	for _, s := range ended {
		m.emit(s.PeerOf(userID), model.EventCallEnded, endedPayload(s))
		m.record(ctx, s)
	}
}

// Shutdown は全てのタイマーを止めてセッションを破棄する。
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ended := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ended = append(ended, m.finishLocked(s, model.EndReasonShutdown))
	}
	m.mu.Unlock()

	for _, s := range ended {
		m.record(ctx, s)
	}
	if len(ended) > 0 {
		m.logger.InfoContext(ctx, "進行中の通話を破棄しました", slog.Int("count", len(ended)))
	}
}

// Get は通話セッションのスナップショットを返す。
func (m *Manager) Get(callID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ActiveCount は進行中の通話数を返す。
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// finishLocked はセッションを終了状態にして破棄し、スナップショットを返す。muを保持して呼ぶこと。
func (m *Manager) finishLocked(s *Session, reason model.EndReason) Session {
	if s.timer != nil {
		s.timer.Stop()
	}
	now := m.now().UTC()
	s.State = model.CallStateEnded
	s.EndedAt = &now
	s.EndReason = reason
	delete(m.sessions, s.ID)
	return *s
}

func endedPayload(s Session) model.CallEndedPayload {
	return model.CallEndedPayload{
		CallID:   s.ID,
		Duration: s.Duration(*s.EndedAt),
		Reason:   s.EndReason,
	}
}

func (m *Manager) emit(userID, event string, data any) {
	if conn := m.conns.Lookup(userID); conn != nil {
		conn.Emit(event, data)
	}
}

func (m *Manager) notifyMissed(ctx context.Context, s Session) {
	if m.notifier == nil {
		return
	}
	caller := s.CallerID
	_, err := m.notifier.Notify(ctx, notification.NotifyInput{
		RecipientID: s.ReceiverID,
		SenderID:    &caller,
		Type:        model.NotificationTypeCallMissed,
		Title:       "Missed call",
		Body:        "You missed a " + string(s.MediaType) + " call",
		Payload: map[string]any{
			"callId":    s.ID,
			"callerId":  s.CallerID,
			"mediaType": string(s.MediaType),
		},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "不在着信の通知に失敗しました",
			slog.String("call_id", s.ID),
			slog.String("user_id", s.ReceiverID),
			slog.String("error", err.Error()),
		)
	}
}

// record は終了した通話を監査記録として保存する。失敗はログのみ。
func (m *Manager) record(ctx context.Context, s Session) {
	m.metrics.RecordCallEnded(string(s.EndReason))
	if m.audits == nil {
		return
	}
	if err := m.audits.Create(context.WithoutCancel(ctx), s.audit(uuid.New().String())); err != nil {
		m.logger.WarnContext(ctx, "通話監査記録の保存に失敗しました",
			slog.String("call_id", s.ID),
			slog.String("error", err.Error()),
		)
	}
}
