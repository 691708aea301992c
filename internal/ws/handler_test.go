package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hitoshi/tripmate/internal/metrics"
	"github.com/hitoshi/tripmate/internal/model"
	"github.com/hitoshi/tripmate/internal/presence"
	"github.com/hitoshi/tripmate/internal/realtime"
)

// compile-time interface check
var (
	_ presence.Conn = (*Client)(nil)
	_ Dispatcher    = (*realtime.Dispatcher)(nil)
)

// --- モック ---

type echoDispatcher struct {
	mu           sync.Mutex
	frames       []string
	disconnected chan *realtime.Peer
}

func newEchoDispatcher() *echoDispatcher {
	return &echoDispatcher{disconnected: make(chan *realtime.Peer, 4)}
}

func (d *echoDispatcher) Dispatch(ctx context.Context, p *realtime.Peer, frame []byte) {
	d.mu.Lock()
	d.frames = append(d.frames, string(frame))
	d.mu.Unlock()
	p.Conn.Emit("echo", map[string]string{"frame": string(frame), "subject": p.Subject})
}

func (d *echoDispatcher) Disconnect(ctx context.Context, p *realtime.Peer) {
	d.disconnected <- p
}

type fakeVerifier map[string]string

func (v fakeVerifier) Verify(token string) (string, error) {
	if sub, ok := v[token]; ok {
		return sub, nil
	}
	return "", errors.New("invalid token")
}

type countingMetrics struct {
	metrics.NopCollector
	mu          sync.Mutex
	opened      int
	closed      int
	rateLimited int
}

func (m *countingMetrics) ConnectionOpened() { m.mu.Lock(); m.opened++; m.mu.Unlock() }
func (m *countingMetrics) ConnectionClosed() { m.mu.Lock(); m.closed++; m.mu.Unlock() }
func (m *countingMetrics) RecordRateLimited() { m.mu.Lock(); m.rateLimited++; m.mu.Unlock() }

// --- ヘルパー ---

type wsEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startServer(t *testing.T, h *Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ev wsEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("Read: %v", err)
	}
	return ev
}

func writeText(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// --- テスト ---

func TestHandler_RoundTrip(t *testing.T) {
	d := newEchoDispatcher()
	mc := &countingMetrics{}
	h := NewHandler(d, fakeVerifier{}, DefaultOptions(), mc, testLogger(&bytes.Buffer{}))
	conn := dial(t, startServer(t, h))

	writeText(t, conn, `{"type":"join","data":{"userId":"alice"}}`)
	ev := readEvent(t, conn)

	if ev.Type != "echo" {
		t.Fatalf("type = %q, want echo", ev.Type)
	}
	var data map[string]string
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data["frame"] != `{"type":"join","data":{"userId":"alice"}}` {
		t.Errorf("frame = %q", data["frame"])
	}
	if data["subject"] != "" {
		t.Errorf("subject = %q, want empty for anonymous connection", data["subject"])
	}

	mc.mu.Lock()
	opened := mc.opened
	mc.mu.Unlock()
	if opened != 1 {
		t.Errorf("ConnectionOpened called %d times, want 1", opened)
	}
}

func TestHandler_TokenSubjectIsPassedToPeer(t *testing.T) {
	d := newEchoDispatcher()
	h := NewHandler(d, fakeVerifier{"good": "alice"}, DefaultOptions(), nil, testLogger(&bytes.Buffer{}))
	conn := dial(t, startServer(t, h)+"?token=good")

	writeText(t, conn, `{"type":"join","data":{"userId":"alice"}}`)
	ev := readEvent(t, conn)

	var data map[string]string
	json.Unmarshal(ev.Data, &data)
	if data["subject"] != "alice" {
		t.Errorf("subject = %q, want alice", data["subject"])
	}
}

func TestHandler_InvalidTokenReturns401(t *testing.T) {
	h := NewHandler(newEchoDispatcher(), fakeVerifier{}, DefaultOptions(), nil, testLogger(&bytes.Buffer{}))
	url := startServer(t, h) + "?token=bad"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial to fail with invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}
}

func TestHandler_BinaryFrameRejected(t *testing.T) {
	d := newEchoDispatcher()
	h := NewHandler(d, nil, DefaultOptions(), nil, testLogger(&bytes.Buffer{}))
	conn := dial(t, startServer(t, h))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Type != model.EventError {
		t.Fatalf("type = %q, want %q", ev.Type, model.EventError)
	}
	var payload model.ErrorPayload
	json.Unmarshal(ev.Data, &payload)
	if payload.Code != model.ErrCodeInvalidPayload {
		t.Errorf("code = %q, want %q", payload.Code, model.ErrCodeInvalidPayload)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) != 0 {
		t.Errorf("binary frame should not reach dispatcher, got %v", d.frames)
	}
}

func TestHandler_EventRateLimit(t *testing.T) {
	d := newEchoDispatcher()
	mc := &countingMetrics{}
	opts := DefaultOptions()
	opts.EventRate = 0.01
	opts.EventBurst = 1
	h := NewHandler(d, nil, opts, mc, testLogger(&bytes.Buffer{}))
	conn := dial(t, startServer(t, h))

	writeText(t, conn, `{"type":"join","data":{"userId":"alice"}}`)
	if ev := readEvent(t, conn); ev.Type != "echo" {
		t.Fatalf("first event type = %q, want echo", ev.Type)
	}

	writeText(t, conn, `{"type":"join","data":{"userId":"alice"}}`)
	ev := readEvent(t, conn)
	if ev.Type != model.EventError {
		t.Fatalf("type = %q, want %q", ev.Type, model.EventError)
	}
	var payload model.ErrorPayload
	json.Unmarshal(ev.Data, &payload)
	if payload.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", payload.Code, model.ErrCodeRateLimited)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.rateLimited != 1 {
		t.Errorf("RecordRateLimited called %d times, want 1", mc.rateLimited)
	}
}

func TestHandler_ClientCloseRunsDisconnect(t *testing.T) {
	d := newEchoDispatcher()
	mc := &countingMetrics{}
	h := NewHandler(d, nil, DefaultOptions(), mc, testLogger(&bytes.Buffer{}))
	conn := dial(t, startServer(t, h))

	writeText(t, conn, `{"type":"join","data":{"userId":"alice"}}`)
	readEvent(t, conn)
	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case p := <-d.disconnected:
		if p == nil || p.Conn == nil {
			t.Fatal("Disconnect received nil peer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect was not called after client close")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.ActiveConnections() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if n := h.ActiveConnections(); n != 0 {
		t.Errorf("ActiveConnections = %d, want 0", n)
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.closed != 1 {
		t.Errorf("ConnectionClosed called %d times, want 1", mc.closed)
	}
}

func TestHandler_ShutdownClosesConnections(t *testing.T) {
	d := newEchoDispatcher()
	h := NewHandler(d, nil, DefaultOptions(), nil, testLogger(&bytes.Buffer{}))
	url := startServer(t, h)
	conn := dial(t, url)

	writeText(t, conn, `{"type":"join","data":{"userId":"alice"}}`)
	readEvent(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_, _, err := conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want GoingAway (err=%v)", status, err)
	}
	select {
	case <-d.disconnected:
	default:
		t.Error("Disconnect should have run before Shutdown returned")
	}

	// 停止後の新規接続は即座に閉じられる
	late := dial(t, url)
	_, _, err = late.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("late connection close status = %v, want GoingAway", status)
	}
}

func TestClient_EmitDropsWhenBufferFull(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.SendBuffer = 1
	c := newClient(context.Background(), nil, opts, metrics.NopCollector{}, testLogger(&buf))

	c.Emit("message:receive", map[string]string{"id": "m-1"})
	c.Emit("message:receive", map[string]string{"id": "m-2"})

	if got := c.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
	if len(c.send) != 1 {
		t.Errorf("queued = %d, want 1", len(c.send))
	}
	first := <-c.send
	if first.Type != "message:receive" {
		t.Errorf("queued type = %q", first.Type)
	}
	if !strings.Contains(buf.String(), "破棄") {
		t.Errorf("expected drop to be logged, got %s", buf.String())
	}

	// 切断後のEmitは破棄扱いにしない
	c.cancel()
	c.Emit("message:receive", nil)
	c.Emit("message:receive", nil)
	if got := c.Dropped(); got != 1 {
		t.Errorf("Dropped after cancel = %d, want 1", got)
	}
}

func TestNewHandler_AppliesDefaults(t *testing.T) {
	h := NewHandler(newEchoDispatcher(), nil, Options{}, nil, nil)
	def := DefaultOptions()
	if h.opts.SendBuffer != def.SendBuffer || h.opts.WriteTimeout != def.WriteTimeout ||
		h.opts.PingInterval != def.PingInterval || h.opts.EventBurst != def.EventBurst {
		t.Errorf("opts = %+v, want defaults %+v", h.opts, def)
	}
}
