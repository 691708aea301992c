package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WebhookGateway は配信要求をHTTP POSTで外部の通知サービスへ送る。
// clientにはSSRF防止済みのクライアント（security.URLGuard.NewSafeClient）を渡す。
type WebhookGateway struct {
	client   *http.Client
	endpoint string
}

// NewWebhookGateway はWebhookGatewayを生成する。
func NewWebhookGateway(client *http.Client, endpoint string) *WebhookGateway {
	return &WebhookGateway{client: client, endpoint: endpoint}
}

// SendToUser は配信要求をPOSTする。2xx以外の応答はエラーとする。
func (g *WebhookGateway) SendToUser(ctx context.Context, userID string, msg Message) error {
	msg.UserID = userID
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("プッシュ要求のエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("プッシュ要求の作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("プッシュ要求の送信に失敗しました: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("プッシュ要求が拒否されました: status=%d", resp.StatusCode)
	}
	return nil
}

var _ Gateway = (*WebhookGateway)(nil)
