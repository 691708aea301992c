package model

import (
	"encoding/json"
	"time"
)

// クライアントからサーバーへのイベント名
const (
	EventJoin             = "join"
	EventMessageSend      = "message:send"
	EventMessageRead      = "message:read"
	EventMessageReact     = "message:react"
	EventNotificationRead = "notification:read"
	EventCallOffer        = "call:offer"
	EventCallReceived     = "call:received"
	EventCallReject       = "call:reject"
	EventCallEnd          = "call:end"
	EventCallAnswer       = "call:answer"
	EventICECandidate     = "ice:candidate"
)

// サーバーからクライアントへのイベント名
const (
	EventPresenceOnline    = "presence:online"
	EventPresenceOffline   = "presence:offline"
	EventPresenceList      = "presence:list"
	EventMessageSent       = "message:sent"
	EventMessageReceive    = "message:receive"
	EventMessageError      = "message:error"
	EventMessageReadUpdate = "message:read_update"
	EventMessageReadAck    = "message:read_ack"
	EventMessageReaction   = "message:reaction"
	EventCallIncoming      = "call:incoming"
	EventCallOutgoing      = "call:outgoing"
	EventCallRinging       = "call:ringing"
	EventCallAccepted      = "call:accepted"
	EventCallRejected      = "call:rejected"
	EventCallEnded         = "call:ended"
	EventCallTimeout       = "call:timeout"
	EventCallUserOffline   = "call:user_offline"
	EventCallBusy          = "call:busy"
	EventCallError         = "call:error"
	EventNotificationNew   = "notification:new"
	EventNotificationCount = "notification:count"
	EventError             = "error"
)

// ErrorPayload はerror/message:error/call:errorイベントの本文。
type ErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
	CallID string `json:"callId,omitempty"`
}

// ErrorPayloadFrom はerrからクライアント向けのエラー本文を組み立てる。
// APIError以外のエラーは内部エラーとして詳細を隠す。
func ErrorPayloadFrom(err error) ErrorPayload {
	if apiErr, ok := AsAPIError(err); ok {
		return ErrorPayload{Code: apiErr.Code, Detail: apiErr.Message}
	}
	internal := NewInternalError()
	return ErrorPayload{Code: internal.Code, Detail: internal.Message}
}

type PresencePayload struct {
	UserID string `json:"userId"`
}

type PresenceListPayload struct {
	UserIDs []string `json:"userIds"`
}

// ReadUpdatePayload は送信者に届く既読通知。
type ReadUpdatePayload struct {
	MessageID      string    `json:"messageId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	ReadBy         string    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}

// ReadAckPayload は既読操作を行った本人への応答。
type ReadAckPayload struct {
	MessageIDs []string  `json:"messageIds"`
	ReadAt     time.Time `json:"readAt"`
}

type ReactionPayload struct {
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

// CallIncomingPayload は着信側に届く発信通知。offerはSDPをそのまま中継する。
type CallIncomingPayload struct {
	CallID    string          `json:"callId"`
	CallerID  string          `json:"callerId"`
	Offer     json.RawMessage `json:"offer"`
	MediaType MediaType       `json:"mediaType"`
}

type CallOutgoingPayload struct {
	CallID     string `json:"callId"`
	ReceiverID string `json:"receiverId"`
}

// CallPayload はcallIdのみを持つ通話イベントの本文。
type CallPayload struct {
	CallID string `json:"callId"`
}

type CallAcceptedPayload struct {
	CallID string          `json:"callId"`
	Answer json.RawMessage `json:"answer"`
}

// CallEndedPayload のDurationは接続からの経過秒数。未接続なら0。
type CallEndedPayload struct {
	CallID   string    `json:"callId"`
	Duration int64     `json:"duration"`
	Reason   EndReason `json:"reason"`
}

type CallPeerPayload struct {
	ReceiverID string `json:"receiverId"`
}

type ICECandidatePayload struct {
	FromUserID string          `json:"fromUserId"`
	CallID     string          `json:"callId,omitempty"`
	Candidate  json.RawMessage `json:"candidate"`
}
