package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// MsgPublisher はNATSへのメッセージ発行を抽象化する。*nats.Connが満たす。
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSGateway は配信要求を "<subjectPrefix>.<userID>" へJSONで発行する。
// 購読側の配信ワーカーが端末トークンを解決して各プロバイダへ送る。
type NATSGateway struct {
	pub           MsgPublisher
	subjectPrefix string
}

// NewNATSGateway はNATSGatewayを生成する。
func NewNATSGateway(pub MsgPublisher, subjectPrefix string) *NATSGateway {
	return &NATSGateway{pub: pub, subjectPrefix: subjectPrefix}
}

// SendToUser は配信要求を発行する。ctxが既にキャンセルされている場合は発行しない。
func (g *NATSGateway) SendToUser(ctx context.Context, userID string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg.UserID = userID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("プッシュ要求のエンコードに失敗しました: %w", err)
	}

	m := nats.NewMsg(g.subjectPrefix + "." + userID)
	m.Data = data
	m.Header.Set("Content-Type", "application/json")

	if err := g.pub.PublishMsg(m); err != nil {
		return fmt.Errorf("プッシュ要求の発行に失敗しました: %w", err)
	}
	return nil
}

// ConnectNATS はNATSへ接続する。切断時は無制限に再接続を試みる。
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("tripmate-realtime"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NATSへの接続に失敗しました: %w", err)
	}
	return nc, nil
}

var _ Gateway = (*NATSGateway)(nil)
