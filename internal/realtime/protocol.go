// Package realtime はWebSocket上のイベントプロトコルとイベントごとのハンドラを提供する。
//
// フレームは {"type": "<event>", "data": {...}} 形式のJSONテキスト。
// 受信したフレームはイベント種別ごとの型に復号・検証してから各ハンドラへ渡す。
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/hitoshi/tripmate/internal/model"
)

// Envelope は受信フレームの外枠。Dataはイベント種別に応じて後から復号する。
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Outbound は送信フレーム。
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Inbound は検証済みの受信イベント。
type Inbound interface {
	EventType() string
	validate() error
}

type JoinEvent struct {
	UserID string `json:"userId"`
}

type SendEvent struct {
	ReceiverID     string               `json:"receiverId"`
	Content        model.MessageContent `json:"content"`
	IdempotencyKey string               `json:"idempotencyKey"`
	ReplyToID      *string              `json:"replyToId,omitempty"`
}

// ReadEvent はmessageIdとmessageIdsのどちらか、または両方を受け付ける。
type ReadEvent struct {
	MessageID  string   `json:"messageId,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// IDs は指定された全てのメッセージIDを返す。
func (e ReadEvent) IDs() []string {
	if e.MessageID == "" {
		return e.MessageIDs
	}
	return append([]string{e.MessageID}, e.MessageIDs...)
}

type ReactEvent struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type NotificationReadEvent struct {
	NotificationIDs []string `json:"notificationIds"`
}

type CallOfferEvent struct {
	ReceiverID string          `json:"receiverId"`
	Offer      json.RawMessage `json:"offer"`
	MediaType  model.MediaType `json:"mediaType"`
}

// CallEvent はcall:received / call:reject / call:end の本文。
type CallEvent struct {
	Type   string `json:"-"`
	CallID string `json:"callId"`
}

type CallAnswerEvent struct {
	CallID string          `json:"callId"`
	Answer json.RawMessage `json:"answer"`
}

type ICECandidateEvent struct {
	ToUserID  string          `json:"toUserId"`
	CallID    string          `json:"callId,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

func (JoinEvent) EventType() string { return model.EventJoin }
func (SendEvent) EventType() string { return model.EventMessageSend }
func (ReadEvent) EventType() string { return model.EventMessageRead }
func (ReactEvent) EventType() string { return model.EventMessageReact }
func (NotificationReadEvent) EventType() string { return model.EventNotificationRead }
func (CallOfferEvent) EventType() string { return model.EventCallOffer }
func (e CallEvent) EventType() string { return e.Type }
func (CallAnswerEvent) EventType() string { return model.EventCallAnswer }
func (ICECandidateEvent) EventType() string { return model.EventICECandidate }

func (e JoinEvent) validate() error {
	if e.UserID == "" {
		return errors.New("userId is required")
	}
	return nil
}

// validate は形の検証のみを行う。宛先・本文・冪等キーの欠落はchat.Serviceが
// ValidationErrorとして判定する。
func (e SendEvent) validate() error {
	if e.ReplyToID != nil && *e.ReplyToID == "" {
		return errors.New("replyToId must not be empty")
	}
	return nil
}

func (e ReadEvent) validate() error {
	if len(e.IDs()) == 0 {
		return errors.New("messageId or messageIds is required")
	}
	return nil
}

func (e ReactEvent) validate() error {
	if e.MessageID == "" || e.Emoji == "" {
		return errors.New("messageId and emoji are required")
	}
	return nil
}

func (e NotificationReadEvent) validate() error {
	if len(e.NotificationIDs) == 0 {
		return errors.New("notificationIds is required")
	}
	return nil
}

func (e CallOfferEvent) validate() error {
	switch {
	case e.ReceiverID == "":
		return errors.New("receiverId is required")
	case isNull(e.Offer):
		return errors.New("offer is required")
	case !e.MediaType.Valid():
		return errors.New("mediaType must be audio or video")
	}
	return nil
}

func (e CallEvent) validate() error {
	if e.CallID == "" {
		return errors.New("callId is required")
	}
	return nil
}

func (e CallAnswerEvent) validate() error {
	if e.CallID == "" {
		return errors.New("callId is required")
	}
	if isNull(e.Answer) {
		return errors.New("answer is required")
	}
	return nil
}

func (e ICECandidateEvent) validate() error {
	if e.ToUserID == "" {
		return errors.New("toUserId is required")
	}
	if isNull(e.Candidate) {
		return errors.New("candidate is required")
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// newInbound はイベント種別に対応する空の値を返す。未知の種別ならnil。
func newInbound(eventType string) Inbound {
	switch eventType {
	case model.EventJoin:
		return &JoinEvent{}
	case model.EventMessageSend:
		return &SendEvent{}
	case model.EventMessageRead:
		return &ReadEvent{}
	case model.EventMessageReact:
		return &ReactEvent{}
	case model.EventNotificationRead:
		return &NotificationReadEvent{}
	case model.EventCallOffer:
		return &CallOfferEvent{}
	case model.EventCallReceived, model.EventCallReject, model.EventCallEnd:
		return &CallEvent{Type: eventType}
	case model.EventCallAnswer:
		return &CallAnswerEvent{}
	case model.EventICECandidate:
		return &ICECandidateEvent{}
	}
	return nil
}

// DecodeEnvelope はフレームの外枠を復号する。
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, model.NewInvalidPayloadError("", "frame is not valid JSON")
	}
	if env.Type == "" {
		return Envelope{}, model.NewInvalidPayloadError("", "type is required")
	}
	return env, nil
}

// Decode は外枠のDataをイベント種別ごとの型に復号して検証する。
func Decode(env Envelope) (Inbound, error) {
	in := newInbound(env.Type)
	if in == nil {
		return nil, model.NewUnknownEventError(env.Type)
	}
	if isNull(env.Data) {
		return nil, model.NewInvalidPayloadError(env.Type, "data is required")
	}
	if err := json.Unmarshal(env.Data, in); err != nil {
		return nil, model.NewInvalidPayloadError(env.Type, "data does not match the event schema")
	}
	if err := in.validate(); err != nil {
		return nil, model.NewInvalidPayloadError(env.Type, err.Error())
	}
	return in, nil
}

// IsKnownEvent はeventTypeが受信可能なイベントであるかを判定する。
func IsKnownEvent(eventType string) bool {
	return newInbound(eventType) != nil
}
