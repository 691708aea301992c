// Package ws はWebSocket接続のトランスポートを提供する。
//
// 1接続につき読み取り・書き込み・pingの3つのgoroutineが動く。
// 送信はバッファ付きチャネル経由で書き込みgoroutineに集約され、
// バッファが満杯のイベントは破棄する。
package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hitoshi/tripmate/internal/metrics"
	"github.com/hitoshi/tripmate/internal/model"
	"github.com/hitoshi/tripmate/internal/realtime"
)

// Dispatcher は受信フレームの処理と切断時の後始末を行う。realtime.Dispatcherが満たす。
type Dispatcher interface {
	Dispatch(ctx context.Context, p *realtime.Peer, frame []byte)
	Disconnect(ctx context.Context, p *realtime.Peer)
}

// Client は1本のWebSocket接続。presence.Connを満たす。
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan realtime.Outbound
	limiter *rate.Limiter
	opts    Options
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dropped atomic.Int64
}

func newClient(parent context.Context, conn *websocket.Conn, opts Options, mc metrics.MetricsCollector, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan realtime.Outbound, opts.SendBuffer),
		limiter: rate.NewLimiter(opts.EventRate, opts.EventBurst),
		opts:    opts,
		metrics: mc,
		logger:  logger.With(slog.String("conn_id", id)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ID は接続IDを返す。
func (c *Client) ID() string { return c.id }

// Emit はイベントを送信キューに積む。ブロックせず、キューが満杯または切断済みなら破棄する。
func (c *Client) Emit(event string, data any) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}

	select {
	case c.send <- realtime.Outbound{Type: event, Data: data}:
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("送信バッファが満杯のためイベントを破棄しました",
			slog.String("event", event),
			slog.Int64("dropped_total", n),
		)
	}
}

// Dropped は破棄したイベント数を返す。
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Close はクローズハンドシェイクを行ってから各ループを停止する。
// 先にctxを取り消すと読み取り中のReadが別のステータスで接続を閉じてしまう。
func (c *Client) Close(code websocket.StatusCode, reason string) {
	_ = c.conn.Close(code, reason)
	c.cancel()
}

// readLoop は切断までフレームを読み取りdispatcherへ渡す。
func (c *Client) readLoop(d Dispatcher, peer *realtime.Peer) error {
	for {
		typ, frame, err := c.conn.Read(c.ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.Emit(model.EventError, model.ErrorPayloadFrom(model.NewInvalidPayloadError("", "text frame required")))
			continue
		}
		if !c.limiter.Allow() {
			c.metrics.RecordRateLimited()
			c.Emit(model.EventError, model.ErrorPayloadFrom(model.NewRateLimitedError()))
			continue
		}
		d.Dispatch(c.ctx, peer, frame)
	}
}

// writeLoop は送信キューのイベントを順に書き込む。書き込みに失敗したら接続を閉じる。
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
			err := wsjson.Write(writeCtx, c.conn, ev)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.Warn("イベントの書き込みに失敗しました",
						slog.String("event", ev.Type),
						slog.String("error", err.Error()),
					)
				}
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// pingLoop は一定間隔でpingを送り、応答がなければ接続を閉じる。
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Info("ping timeout", slog.String("error", err.Error()))
				}
				c.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}
