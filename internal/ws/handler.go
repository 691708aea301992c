package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/hitoshi/tripmate/internal/metrics"
	"github.com/hitoshi/tripmate/internal/middleware"
	"github.com/hitoshi/tripmate/internal/model"
	"github.com/hitoshi/tripmate/internal/realtime"
)

// maxFrameBytes は受信フレームの上限サイズ。
const maxFrameBytes = 64 << 10

// Options は接続ごとのトランスポート設定。
type Options struct {
	// OriginPatterns はクロスオリジン接続を許可するホストのパターン。
	OriginPatterns []string
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	EventRate      rate.Limit
	EventBurst     int
}

// DefaultOptions はデフォルトのトランスポート設定を返す。
func DefaultOptions() Options {
	return Options{
		OriginPatterns: []string{"localhost:*"},
		SendBuffer:     64,
		WriteTimeout:   10 * time.Second,
		PingInterval:   25 * time.Second,
		EventRate:      20,
		EventBurst:     40,
	}
}

// Handler はGET /wsのアップグレードを受け付け、接続のライフサイクルを管理する。
type Handler struct {
	dispatcher Dispatcher
	verifier   middleware.TokenVerifier
	opts       Options
	metrics    metrics.MetricsCollector
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHandler はHandlerを生成する。verifierがnilの場合はトークンを受け付けない。
func NewHandler(d Dispatcher, verifier middleware.TokenVerifier, opts Options, mc metrics.MetricsCollector, logger *slog.Logger) *Handler {
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.EventRate <= 0 {
		opts.EventRate = def.EventRate
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = def.EventBurst
	}
	return &Handler{
		dispatcher: d,
		verifier:   verifier,
		opts:       opts,
		metrics:    mc,
		logger:     logger,
		clients:    make(map[*Client]struct{}),
	}
}

// ServeHTTP はトークンを検証してからアップグレードし、切断までブロックする。
// トークンは任意だが、付与されていて無効な場合は401を返す。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject := ""
	if token := r.URL.Query().Get("token"); token != "" {
		if h.verifier == nil {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		sub, err := h.verifier.Verify(token)
		if err != nil {
			h.logger.Info("websocket token rejected", slog.String("error", err.Error()))
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		subject = sub
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		// Acceptがエラーレスポンスを書き込み済み
		h.logger.Info("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	// ハイジャック後のリクエストctxはサーバー停止で取り消されないため、Shutdownで明示的に閉じる
	c := newClient(context.WithoutCancel(r.Context()), conn, h.opts, h.metrics, h.logger)
	if !h.track(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.untrack(c)

	h.serve(c, realtime.NewPeer(c, subject))
}

func (h *Handler) serve(c *Client, peer *realtime.Peer) {
	h.metrics.ConnectionOpened()
	defer h.metrics.ConnectionClosed()
	c.logger.Debug("websocket connected", slog.Bool("authenticated", peer.Subject != ""))

	go c.writeLoop()
	go c.pingLoop()

	err := c.readLoop(h.dispatcher, peer)

	h.dispatcher.Disconnect(context.WithoutCancel(c.ctx), peer)
	c.Close(websocket.StatusNormalClosure, "")

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
		c.logger.Debug("websocket disconnected", slog.String("user_id", peer.UserID()))
		return
	}
	c.logger.Info("websocket closed",
		slog.String("user_id", peer.UserID()),
		slog.Int("status", int(status)),
		slog.String("error", err.Error()),
	)
}

func (h *Handler) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Handler) untrack(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ActiveConnections は現在の接続数を返す。
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown は新規接続を拒否し、既存の接続をGoingAwayで閉じる。
// 各接続の後始末（Disconnect）が終わるか、ctxが終了するまで待つ。
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for h.ActiveConnections() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
