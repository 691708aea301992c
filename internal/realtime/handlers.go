package realtime

import (
	"context"
	"log/slog"

	"github.com/hitoshi/tripmate/internal/chat"
	"github.com/hitoshi/tripmate/internal/model"
)

// handleJoin は接続をユーザーとして登録し、他の全接続へpresence:onlineを配信する。
// 本人にはオンライン一覧と未読通知数を送る。
func handleJoin(ctx context.Context, deps *Deps, p *Peer, e JoinEvent) error {
	if p.Subject != "" && e.UserID != p.Subject {
		return model.NewForbiddenError()
	}
	if p.userID != "" && p.userID != e.UserID {
		return model.NewForbiddenError()
	}

	replaced := deps.Presence.Join(e.UserID, p.Conn)
	p.userID = e.UserID
	if replaced != nil && replaced != p.Conn {
		deps.Logger.InfoContext(ctx, "replaced existing connection",
			slog.String("user_id", e.UserID),
			slog.String("old_conn_id", replaced.ID()),
			slog.String("conn_id", p.Conn.ID()),
		)
	}

	deps.Presence.Broadcast(model.EventPresenceOnline, model.PresencePayload{UserID: e.UserID}, e.UserID)

	others := make([]string, 0)
	for _, id := range deps.Presence.Online() {
		if id != e.UserID {
			others = append(others, id)
		}
	}
	p.Conn.Emit(model.EventPresenceList, model.PresenceListPayload{UserIDs: others})

	deps.Notifications.EmitUnreadCount(ctx, e.UserID)
	deps.Metrics.SetOnlineUsers(deps.Presence.Count())
	return nil
}

func handleSend(ctx context.Context, deps *Deps, p *Peer, e SendEvent) error {
	_, err := deps.Chat.Send(ctx, chat.SendInput{
		SenderID:       p.userID,
		ReceiverID:     e.ReceiverID,
		Content:        e.Content,
		IdempotencyKey: e.IdempotencyKey,
		ReplyToID:      e.ReplyToID,
		Origin:         p.Conn,
	})
	return err
}

// handleRead は既読処理の結果をmessage:read_ackとして本人に返す。
func handleRead(ctx context.Context, deps *Deps, p *Peer, e ReadEvent) error {
	ack, err := deps.Chat.MarkRead(ctx, p.userID, e.IDs())
	if err != nil {
		return err
	}
	p.Conn.Emit(model.EventMessageReadAck, ack)
	return nil
}

func handleReact(ctx context.Context, deps *Deps, p *Peer, e ReactEvent) error {
	_, err := deps.Chat.React(ctx, p.userID, e.MessageID, e.Emoji)
	return err
}

// handleNotificationRead の応答は通知サービスが送るnotification:count。
func handleNotificationRead(ctx context.Context, deps *Deps, p *Peer, e NotificationReadEvent) error {
	_, err := deps.Notifications.MarkRead(ctx, p.userID, e.NotificationIDs)
	return err
}

func handleCallOffer(ctx context.Context, deps *Deps, p *Peer, e CallOfferEvent) error {
	_, err := deps.Calls.Offer(ctx, p.userID, e.ReceiverID, e.Offer, e.MediaType)
	return err
}

// handleCall はcall:received / call:reject / call:end を振り分ける。
func handleCall(ctx context.Context, deps *Deps, p *Peer, e CallEvent) error {
	switch e.Type {
	case model.EventCallReceived:
		deps.Calls.Received(ctx, e.CallID, p.userID)
		return nil
	case model.EventCallReject:
		return deps.Calls.Reject(ctx, e.CallID, p.userID)
	case model.EventCallEnd:
		return deps.Calls.End(ctx, e.CallID, p.userID)
	}
	return model.NewUnknownEventError(e.Type)
}

func handleCallAnswer(ctx context.Context, deps *Deps, p *Peer, e CallAnswerEvent) error {
	return deps.Calls.Answer(ctx, e.CallID, p.userID, e.Answer)
}

func handleICECandidate(ctx context.Context, deps *Deps, p *Peer, e ICECandidateEvent) error {
	if e.ToUserID == p.userID {
		return model.NewValidationError("toUserId must be another user")
	}
	deps.Calls.ICECandidate(ctx, p.userID, e.ToUserID, e.CallID, e.Candidate)
	return nil
}
