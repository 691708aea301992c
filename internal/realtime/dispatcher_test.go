package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/hitoshi/tripmate/internal/call"
	"github.com/hitoshi/tripmate/internal/chat"
	"github.com/hitoshi/tripmate/internal/metrics"
	"github.com/hitoshi/tripmate/internal/model"
	"github.com/hitoshi/tripmate/internal/notification"
	"github.com/hitoshi/tripmate/internal/presence"
)

// compile-time interface check
var (
	_ Presence      = (*presence.Registry)(nil)
	_ Messenger     = (*chat.Service)(nil)
	_ Calls         = (*call.Manager)(nil)
	_ Notifications = (*notification.Service)(nil)
)

// --- モック ---

type emitted struct {
	event string
	data  any
}

type mockConn struct {
	id     string
	mu     sync.Mutex
	events []emitted
}

func (c *mockConn) ID() string { return c.id }
func (c *mockConn) Emit(event string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emitted{event, data})
}

func (c *mockConn) byEvent(event string) []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emitted
	for _, e := range c.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (c *mockConn) last() emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return emitted{}
	}
	return c.events[len(c.events)-1]
}

type mockMessenger struct {
	sendFn  func(ctx context.Context, in chat.SendInput) (*model.Message, error)
	readFn  func(ctx context.Context, readerID string, ids []string) (*model.ReadAckPayload, error)
	reactFn func(ctx context.Context, userID, messageID, emoji string) (*model.Message, error)
}

func (m *mockMessenger) Send(ctx context.Context, in chat.SendInput) (*model.Message, error) {
	return m.sendFn(ctx, in)
}
func (m *mockMessenger) MarkRead(ctx context.Context, readerID string, ids []string) (*model.ReadAckPayload, error) {
	return m.readFn(ctx, readerID, ids)
}
func (m *mockMessenger) React(ctx context.Context, userID, messageID, emoji string) (*model.Message, error) {
	return m.reactFn(ctx, userID, messageID, emoji)
}

type mockCalls struct {
	offerErr     error
	endErr       error
	disconnected []string
	relayed      []string
	received     []string
}

func (m *mockCalls) Offer(ctx context.Context, callerID, receiverID string, offer json.RawMessage, mediaType model.MediaType) (string, error) {
	return "call-1", m.offerErr
}
func (m *mockCalls) Received(ctx context.Context, callID, userID string) {
	m.received = append(m.received, callID)
}
func (m *mockCalls) Answer(ctx context.Context, callID, userID string, answer json.RawMessage) error {
	return nil
}
func (m *mockCalls) Reject(ctx context.Context, callID, userID string) error { return nil }
func (m *mockCalls) End(ctx context.Context, callID, userID string) error { return m.endErr }
func (m *mockCalls) ICECandidate(ctx context.Context, fromID, toID, callID string, candidate json.RawMessage) {
	m.relayed = append(m.relayed, toID)
}
func (m *mockCalls) DisconnectUser(ctx context.Context, userID string) {
	m.disconnected = append(m.disconnected, userID)
}

type mockNotifications struct {
	countEmitted []string
	markReadErr  error
}

func (m *mockNotifications) EmitUnreadCount(ctx context.Context, userID string) {
	m.countEmitted = append(m.countEmitted, userID)
}
func (m *mockNotifications) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	return len(ids), m.markReadErr
}

type testEnv struct {
	d        *Dispatcher
	registry *presence.Registry
	chat     *mockMessenger
	calls    *mockCalls
	notes    *mockNotifications
	logs     *bytes.Buffer
	nextConn int
}

func newTestEnv() *testEnv {
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	env := &testEnv{
		registry: presence.NewRegistry(logger),
		chat:     &mockMessenger{},
		calls:    &mockCalls{},
		notes:    &mockNotifications{},
		logs:     logs,
	}
	env.d = NewDispatcher(Deps{
		Presence:      env.registry,
		Chat:          env.chat,
		Calls:         env.calls,
		Notifications: env.notes,
		Metrics:       metrics.NopCollector{},
		Logger:        logger,
	})
	return env
}

func (e *testEnv) join(t *testing.T, userID string) (*Peer, *mockConn) {
	t.Helper()
	e.nextConn++
	conn := &mockConn{id: fmt.Sprintf("c-%s-%d", userID, e.nextConn)}
	p := NewPeer(conn, "")
	e.d.Dispatch(context.Background(), p, []byte(`{"type":"join","data":{"userId":"`+userID+`"}}`))
	if p.UserID() != userID {
		t.Fatalf("join failed: %+v", conn.events)
	}
	return p, conn
}

func errorCode(t *testing.T, e emitted) string {
	t.Helper()
	p, ok := e.data.(model.ErrorPayload)
	if !ok {
		t.Fatalf("data is %T, want ErrorPayload", e.data)
	}
	return p.Code
}

// --- テスト ---

// TestJoin_BroadcastsAndListsPresence はjoinで他の接続へpresence:onlineを配信し、本人に一覧と未読数を送ることをテストする。
func TestJoin_BroadcastsAndListsPresence(t *testing.T) {
	env := newTestEnv()
	_, alice := env.join(t, "alice")
	_, bob := env.join(t, "bob")

	online := alice.byEvent(model.EventPresenceOnline)
	if len(online) != 1 || online[0].data.(model.PresencePayload).UserID != "bob" {
		t.Errorf("alice presence:online = %+v", online)
	}
	if len(bob.byEvent(model.EventPresenceOnline)) != 0 {
		t.Error("本人にpresence:onlineが届きました")
	}
	list := bob.byEvent(model.EventPresenceList)
	if len(list) != 1 {
		t.Fatalf("presence:list = %d件", len(list))
	}
	ids := list[0].data.(model.PresenceListPayload).UserIDs
	if len(ids) != 1 || ids[0] != "alice" {
		t.Errorf("presence:list = %v", ids)
	}
	if len(env.notes.countEmitted) != 2 || env.notes.countEmitted[1] != "bob" {
		t.Errorf("未読数の送信 = %v", env.notes.countEmitted)
	}
}

// TestJoin_SubjectMismatch はトークンの主体と異なるuserIdでのjoinを拒否することをテストする。
func TestJoin_SubjectMismatch(t *testing.T) {
	env := newTestEnv()
	conn := &mockConn{id: "c1"}
	p := NewPeer(conn, "alice")

	env.d.Dispatch(context.Background(), p, []byte(`{"type":"join","data":{"userId":"mallory"}}`))

	if got := conn.last(); got.event != model.EventError || errorCode(t, got) != model.ErrCodeForbidden {
		t.Errorf("last event = %+v", got)
	}
	if p.UserID() != "" || env.registry.Count() != 0 {
		t.Error("拒否されたjoinが登録されました")
	}
}

// TestDispatch_NotJoined はjoin前のイベントがNOT_JOINEDで拒否されることをテストする。
func TestDispatch_NotJoined(t *testing.T) {
	env := newTestEnv()
	conn := &mockConn{id: "c1"}
	p := NewPeer(conn, "")

	env.d.Dispatch(context.Background(), p, []byte(`{"type":"message:send","data":{"receiverId":"b","content":{"type":"text","text":"x"},"idempotencyKey":"k"}}`))

	got := conn.last()
	if got.event != model.EventError || errorCode(t, got) != model.ErrCodeNotJoined {
		t.Errorf("last event = %+v", got)
	}
}

// TestDispatch_ProtocolErrors は未知のイベントと不正なペイロードがイベント種別に応じたエラーになることをテストする。
func TestDispatch_ProtocolErrors(t *testing.T) {
	env := newTestEnv()
	p, conn := env.join(t, "alice")

	tests := []struct {
		frame  string
		event  string
		code   string
		callID string
	}{
		{`{"type":"wallet:charge","data":{}}`, model.EventError, model.ErrCodeUnknownEvent, ""},
		{`garbage`, model.EventError, model.ErrCodeInvalidPayload, ""},
		{`{"type":"join","data":{}}`, model.EventError, model.ErrCodeInvalidPayload, ""},
		{`{"type":"message:react","data":{"messageId":"m1"}}`, model.EventMessageError, model.ErrCodeInvalidPayload, ""},
		{`{"type":"call:answer","data":{"callId":"c1"}}`, model.EventCallError, model.ErrCodeInvalidPayload, "c1"},
		{`{"type":"call:end","data":{"callId":42}}`, model.EventCallError, model.ErrCodeInvalidPayload, ""},
	}
	for _, tt := range tests {
		env.d.Dispatch(context.Background(), p, []byte(tt.frame))
		got := conn.last()
		if got.event != tt.event || errorCode(t, got) != tt.code {
			t.Errorf("%s: last event = %+v, want %s %s", tt.frame, got, tt.event, tt.code)
			continue
		}
		if id := got.data.(model.ErrorPayload).CallID; id != tt.callID {
			t.Errorf("%s: callId = %q, want %q", tt.frame, id, tt.callID)
		}
	}
}

// TestDispatch_SendWithoutKeyIsValidationError は冪等キーのない送信がチャットの検証エラーとしてmessage:errorで返ることをテストする。
func TestDispatch_SendWithoutKeyIsValidationError(t *testing.T) {
	env := newTestEnv()
	called := false
	env.chat.sendFn = func(ctx context.Context, in chat.SendInput) (*model.Message, error) {
		called = true
		if in.IdempotencyKey != "" || in.ReceiverID != "bob" {
			t.Errorf("SendInput = %+v", in)
		}
		return nil, model.NewValidationError("idempotencyKey is required")
	}
	p, conn := env.join(t, "alice")

	env.d.Dispatch(context.Background(), p, []byte(`{"type":"message:send","data":{"receiverId":"bob","content":{"type":"text","text":"hi"}}}`))

	if !called {
		t.Fatal("Send should be called for a well-formed frame without idempotencyKey")
	}
	got := conn.last()
	if got.event != model.EventMessageError || errorCode(t, got) != model.ErrCodeValidation {
		t.Errorf("last event = %+v, want message:error VALIDATION_ERROR", got)
	}
	if len(conn.byEvent(model.EventError)) != 0 {
		t.Error("validation failure of message:send should not use the generic error event")
	}
}

// TestDispatch_SendErrorMapsToMessageError はチャットのエラーがmessage:errorで返ることをテストする。
func TestDispatch_SendErrorMapsToMessageError(t *testing.T) {
	env := newTestEnv()
	env.chat.sendFn = func(ctx context.Context, in chat.SendInput) (*model.Message, error) {
		if in.SenderID != "alice" || in.Origin == nil {
			t.Errorf("SendInput = %+v", in)
		}
		return nil, model.NewPersistenceFailureError()
	}
	p, conn := env.join(t, "alice")

	env.d.Dispatch(context.Background(), p, []byte(`{"type":"message:send","data":{"receiverId":"bob","content":{"type":"text","text":"hi"},"idempotencyKey":"k1"}}`))

	got := conn.last()
	if got.event != model.EventMessageError || errorCode(t, got) != model.ErrCodePersistenceFailure {
		t.Errorf("last event = %+v", got)
	}
}

// TestDispatch_InternalErrorHidesDetail はAPIError以外のエラーの詳細を返さずログに残すことをテストする。
func TestDispatch_InternalErrorHidesDetail(t *testing.T) {
	env := newTestEnv()
	env.chat.reactFn = func(ctx context.Context, userID, messageID, emoji string) (*model.Message, error) {
		return nil, errors.New("pq: connection refused")
	}
	p, conn := env.join(t, "alice")

	env.d.Dispatch(context.Background(), p, []byte(`{"type":"message:react","data":{"messageId":"m1","emoji":"👍"}}`))

	got := conn.last()
	if got.event != model.EventMessageError || errorCode(t, got) != model.ErrCodeInternal {
		t.Errorf("last event = %+v", got)
	}
	if got.data.(model.ErrorPayload).Detail == "pq: connection refused" {
		t.Error("内部エラーの詳細がクライアントに返されました")
	}
	if !bytes.Contains(env.logs.Bytes(), []byte("connection refused")) {
		t.Error("内部エラーがログに記録されていません")
	}
}

// TestDispatch_ReadAck は既読処理の結果がmessage:read_ackで本人に返ることをテストする。
func TestDispatch_ReadAck(t *testing.T) {
	env := newTestEnv()
	env.chat.readFn = func(ctx context.Context, readerID string, ids []string) (*model.ReadAckPayload, error) {
		return &model.ReadAckPayload{MessageIDs: ids}, nil
	}
	p, conn := env.join(t, "bob")

	env.d.Dispatch(context.Background(), p, []byte(`{"type":"message:read","data":{"messageIds":["m1","m2"]}}`))

	acks := conn.byEvent(model.EventMessageReadAck)
	if len(acks) != 1 || len(acks[0].data.(*model.ReadAckPayload).MessageIDs) != 2 {
		t.Errorf("message:read_ack = %+v", acks)
	}
}

// TestDispatch_CallErrorCarriesCallID は通話操作のエラーがcallId付きのcall:errorで返ることをテストする。
func TestDispatch_CallErrorCarriesCallID(t *testing.T) {
	env := newTestEnv()
	env.calls.endErr = model.NewCallNotFoundError("c9")
	p, conn := env.join(t, "alice")

	env.d.Dispatch(context.Background(), p, []byte(`{"type":"call:end","data":{"callId":"c9"}}`))

	got := conn.last()
	if got.event != model.EventCallError {
		t.Fatalf("last event = %+v", got)
	}
	if pl := got.data.(model.ErrorPayload); pl.Code != model.ErrCodeCallNotFound || pl.CallID != "c9" {
		t.Errorf("call:error = %+v", pl)
	}
}

// TestDispatch_PeerOfflineNotDuplicated はcall:user_offlineで応答済みのエラーを重ねて送らないことをテストする。
func TestDispatch_PeerOfflineNotDuplicated(t *testing.T) {
	env := newTestEnv()
	env.calls.offerErr = model.NewPeerOfflineError("bob")
	p, conn := env.join(t, "alice")
	before := len(conn.events)

	env.d.Dispatch(context.Background(), p, []byte(`{"type":"call:offer","data":{"receiverId":"bob","offer":{"sdp":"v=0"},"mediaType":"audio"}}`))

	if len(conn.events) != before {
		t.Errorf("余分なイベントが送られました: %+v", conn.events[before:])
	}
}

// TestDispatch_CallReceivedAndICE はcall:receivedとice:candidateが通話マネージャへ渡ることをテストする。
func TestDispatch_CallReceivedAndICE(t *testing.T) {
	env := newTestEnv()
	p, conn := env.join(t, "bob")

	env.d.Dispatch(context.Background(), p, []byte(`{"type":"call:received","data":{"callId":"c1"}}`))
	env.d.Dispatch(context.Background(), p, []byte(`{"type":"ice:candidate","data":{"toUserId":"alice","candidate":{"c":1}}}`))
	env.d.Dispatch(context.Background(), p, []byte(`{"type":"ice:candidate","data":{"toUserId":"bob","candidate":{"c":1}}}`))

	if len(env.calls.received) != 1 || env.calls.received[0] != "c1" {
		t.Errorf("received = %v", env.calls.received)
	}
	if len(env.calls.relayed) != 1 || env.calls.relayed[0] != "alice" {
		t.Errorf("relayed = %v", env.calls.relayed)
	}
	if got := conn.last(); got.event != model.EventError || errorCode(t, got) != model.ErrCodeValidation {
		t.Errorf("自分宛てのICE候補: last event = %+v", got)
	}
}

// TestDispatch_PanicRecovered はハンドラのpanicがINTERNAL_ERRORとして報告され接続が維持されることをテストする。
func TestDispatch_PanicRecovered(t *testing.T) {
	env := newTestEnv()
	env.chat.reactFn = func(ctx context.Context, userID, messageID, emoji string) (*model.Message, error) {
		panic("boom")
	}
	p, conn := env.join(t, "alice")

	env.d.Dispatch(context.Background(), p, []byte(`{"type":"message:react","data":{"messageId":"m1","emoji":"👍"}}`))

	got := conn.last()
	if got.event != model.EventError || errorCode(t, got) != model.ErrCodeInternal {
		t.Errorf("last event = %+v", got)
	}
	if !bytes.Contains(env.logs.Bytes(), []byte("panic recovered")) {
		t.Error("panicがログに記録されていません")
	}
	if env.registry.Lookup("alice") == nil {
		t.Error("panic後に登録が失われました")
	}
}

// TestDisconnect_EndsCallsAndBroadcastsOffline は現在の接続が切れた場合だけ通話終了とpresence:offlineが行われることをテストする。
func TestDisconnect_EndsCallsAndBroadcastsOffline(t *testing.T) {
	env := newTestEnv()
	_, bob := env.join(t, "bob")
	oldPeer, _ := env.join(t, "alice")

	// aliceが2本目の接続で再接続してから古い接続の切断が届く
	newPeer, _ := env.join(t, "alice")
	env.d.Disconnect(context.Background(), oldPeer)

	if len(env.calls.disconnected) != 0 {
		t.Errorf("古い接続の切断で通話が終了されました: %v", env.calls.disconnected)
	}
	if len(bob.byEvent(model.EventPresenceOffline)) != 0 {
		t.Error("古い接続の切断でpresence:offlineが配信されました")
	}

	env.d.Disconnect(context.Background(), newPeer)

	if len(env.calls.disconnected) != 1 || env.calls.disconnected[0] != "alice" {
		t.Errorf("disconnected = %v", env.calls.disconnected)
	}
	off := bob.byEvent(model.EventPresenceOffline)
	if len(off) != 1 || off[0].data.(model.PresencePayload).UserID != "alice" {
		t.Errorf("presence:offline = %+v", off)
	}
	if env.registry.Lookup("alice") != nil {
		t.Error("切断後も登録が残っています")
	}
}
