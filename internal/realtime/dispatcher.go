package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/hitoshi/tripmate/internal/chat"
	"github.com/hitoshi/tripmate/internal/metrics"
	"github.com/hitoshi/tripmate/internal/model"
	"github.com/hitoshi/tripmate/internal/presence"
)

// Presence は接続中ユーザーの登録簿。presence.Registryが満たす。
type Presence interface {
	Join(userID string, conn presence.Conn) presence.Conn
	Leave(conn presence.Conn) (string, bool)
	Online() []string
	Count() int
	Broadcast(event string, data any, exceptUserID string)
}

// Messenger はチャット操作。chat.Serviceが満たす。
type Messenger interface {
	Send(ctx context.Context, in chat.SendInput) (*model.Message, error)
	MarkRead(ctx context.Context, readerID string, ids []string) (*model.ReadAckPayload, error)
	React(ctx context.Context, userID, messageID, emoji string) (*model.Message, error)
}

// Calls は通話シグナリング操作。call.Managerが満たす。
type Calls interface {
	Offer(ctx context.Context, callerID, receiverID string, offer json.RawMessage, mediaType model.MediaType) (string, error)
	Received(ctx context.Context, callID, userID string)
	Answer(ctx context.Context, callID, userID string, answer json.RawMessage) error
	Reject(ctx context.Context, callID, userID string) error
	End(ctx context.Context, callID, userID string) error
	ICECandidate(ctx context.Context, fromID, toID, callID string, candidate json.RawMessage)
	DisconnectUser(ctx context.Context, userID string)
}

// Notifications は通知の未読数と既読操作。notification.Serviceが満たす。
type Notifications interface {
	EmitUnreadCount(ctx context.Context, userID string)
	MarkRead(ctx context.Context, userID string, ids []string) (int, error)
}

// Deps はハンドラが参照する依存の一式。
type Deps struct {
	Presence      Presence
	Chat          Messenger
	Calls         Calls
	Notifications Notifications
	Metrics       metrics.MetricsCollector
	Logger        *slog.Logger
}

// Peer は1本の接続の状態。読み取りgoroutineからのみ操作される。
type Peer struct {
	Conn presence.Conn
	// Subject はハンドシェイクで検証したトークンの主体。未認証なら空。
	Subject string

	userID string
}

// NewPeer はPeerを生成する。
func NewPeer(conn presence.Conn, subject string) *Peer {
	return &Peer{Conn: conn, Subject: subject}
}

// UserID はjoin済みのユーザーIDを返す。未joinなら空。
func (p *Peer) UserID() string { return p.userID }

// Dispatcher は受信フレームを復号して対応するハンドラを呼ぶ。
type Dispatcher struct {
	deps Deps
	now  func() time.Time
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopCollector{}
	}
	return &Dispatcher{deps: deps, now: time.Now}
}

// Dispatch は1フレームを処理する。失敗は接続へのエラーイベントとして返し、呼び出し元には返さない。
// ハンドラのpanicはINTERNAL_ERRORとして報告し、接続は維持する。
func (d *Dispatcher) Dispatch(ctx context.Context, p *Peer, frame []byte) {
	start := d.now()
	eventType := ""
	defer func() {
		if rec := recover(); rec != nil {
			d.deps.Logger.ErrorContext(ctx, "panic recovered in event handler",
				slog.Any("panic", rec),
				slog.String("event", eventType),
				slog.String("user_id", p.userID),
				slog.String("stack", string(debug.Stack())),
			)
			p.Conn.Emit(model.EventError, model.ErrorPayloadFrom(model.NewInternalError()))
		}
		d.deps.Metrics.RecordEvent(metricLabel(eventType), d.now().Sub(start))
	}()

	// 外枠・種別・join状態の不備はプロトコルエラーとしてerrorイベントで返す
	env, err := DecodeEnvelope(frame)
	if err != nil {
		p.Conn.Emit(model.EventError, model.ErrorPayloadFrom(err))
		return
	}
	eventType = env.Type

	if !IsKnownEvent(env.Type) {
		p.Conn.Emit(model.EventError, model.ErrorPayloadFrom(model.NewUnknownEventError(env.Type)))
		return
	}
	if env.Type != model.EventJoin && p.userID == "" {
		p.Conn.Emit(model.EventError, model.ErrorPayloadFrom(model.NewNotJoinedError()))
		return
	}

	// ペイロードの不備はイベント種別ごとのエラーイベント（message:error / call:error）で返す
	in, err := Decode(env)
	if err != nil {
		d.reportError(ctx, p, env.Type, callIDFromData(env.Data), err)
		return
	}

	if err := d.route(ctx, p, in); err != nil {
		d.reportError(ctx, p, env.Type, callIDOf(in), err)
	}
}

func (d *Dispatcher) route(ctx context.Context, p *Peer, in Inbound) error {
	switch e := in.(type) {
	case *JoinEvent:
		return handleJoin(ctx, &d.deps, p, *e)
	case *SendEvent:
		return handleSend(ctx, &d.deps, p, *e)
	case *ReadEvent:
		return handleRead(ctx, &d.deps, p, *e)
	case *ReactEvent:
		return handleReact(ctx, &d.deps, p, *e)
	case *NotificationReadEvent:
		return handleNotificationRead(ctx, &d.deps, p, *e)
	case *CallOfferEvent:
		return handleCallOffer(ctx, &d.deps, p, *e)
	case *CallEvent:
		return handleCall(ctx, &d.deps, p, *e)
	case *CallAnswerEvent:
		return handleCallAnswer(ctx, &d.deps, p, *e)
	case *ICECandidateEvent:
		return handleICECandidate(ctx, &d.deps, p, *e)
	}
	return model.NewUnknownEventError(in.EventType())
}

// Disconnect は接続の終了処理を行う。登録簿の現在の接続だった場合のみ、
// そのユーザーの通話を終了してpresence:offlineを配信する。
func (d *Dispatcher) Disconnect(ctx context.Context, p *Peer) {
	userID, removed := d.deps.Presence.Leave(p.Conn)
	if !removed {
		return
	}
	d.deps.Calls.DisconnectUser(ctx, userID)
	d.deps.Presence.Broadcast(model.EventPresenceOffline, model.PresencePayload{UserID: userID}, userID)
	d.deps.Metrics.SetOnlineUsers(d.deps.Presence.Count())
	d.deps.Logger.InfoContext(ctx, "user left", slog.String("user_id", userID))
}

// reportError はハンドラのエラーをイベント種別に応じたエラーイベントで送信元へ返す。
// APIError以外は内部エラーとしてログに記録し、詳細は返さない。
func (d *Dispatcher) reportError(ctx context.Context, p *Peer, eventType, callID string, err error) {
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		d.deps.Logger.ErrorContext(ctx, "event handler failed",
			slog.String("event", eventType),
			slog.String("user_id", p.userID),
			slog.String("error", err.Error()),
		)
	}
	if ok && alreadyReported(apiErr.Code) {
		return
	}
	payload := model.ErrorPayloadFrom(err)
	if strings.HasPrefix(eventType, "call:") {
		payload.CallID = callID
	}
	p.Conn.Emit(errorEventFor(eventType), payload)
}

// alreadyReported は通話マネージャが専用イベントで応答済みのエラーコードを判定する。
func alreadyReported(code string) bool {
	return code == model.ErrCodePeerOffline || code == model.ErrCodeCallBusy
}

// errorEventFor はイベント種別に対応するエラーイベント名を返す。
func errorEventFor(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "message:"):
		return model.EventMessageError
	case strings.HasPrefix(eventType, "call:"):
		return model.EventCallError
	}
	return model.EventError
}

// metricLabel は未知のイベント種別でラベルが増え続けないようにまとめる。
func metricLabel(eventType string) string {
	if IsKnownEvent(eventType) {
		return eventType
	}
	return "unknown"
}

// callIDFromData は復号に失敗したペイロードからcallIdだけを取り出す。取れなければ空文字列。
func callIDFromData(data json.RawMessage) string {
	var v struct {
		CallID string `json:"callId"`
	}
	if json.Unmarshal(data, &v) != nil {
		return ""
	}
	return v.CallID
}

func callIDOf(in Inbound) string {
	switch e := in.(type) {
	case *CallEvent:
		return e.CallID
	case *CallAnswerEvent:
		return e.CallID
	}
	return ""
}
