package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ContentType はメッセージ本文の種別を表す。
type ContentType string

const (
	// ContentTypeText はテキストメッセージ。
	ContentTypeText ContentType = "text"
	// ContentTypeImage は画像メッセージ（外部アセット参照）。
	ContentTypeImage ContentType = "image"
)

// MessageContent はメッセージ本文のタグ付きバリアント。
// Type=text の場合は Text、Type=image の場合は URL と AssetID のみが意味を持つ。
type MessageContent struct {
	Type    ContentType `json:"type"`
	Text    string      `json:"text,omitempty"`
	URL     string      `json:"url,omitempty"`
	AssetID string      `json:"assetId,omitempty"`
}

// TextContent はテキスト本文を生成する。
func TextContent(text string) MessageContent {
	return MessageContent{Type: ContentTypeText, Text: text}
}

// ImageContent は画像本文を生成する。
func ImageContent(url, assetID string) MessageContent {
	return MessageContent{Type: ContentTypeImage, URL: url, AssetID: assetID}
}

// IsEmpty は本文が空テキストでも画像参照でもない場合にtrueを返す。
func (c MessageContent) IsEmpty() bool {
	switch c.Type {
	case ContentTypeText:
		return strings.TrimSpace(c.Text) == ""
	case ContentTypeImage:
		return strings.TrimSpace(c.URL) == ""
	default:
		return true
	}
}

// imagePreview は画像メッセージの通知プレビューに使う固定文字列。
const imagePreview = "📷 Photo"

// Preview は通知用に本文を最大maxRunes文字へ切り詰めたプレビューを返す。
func (c MessageContent) Preview(maxRunes int) string {
	if c.Type == ContentTypeImage {
		return imagePreview
	}
	text := strings.TrimSpace(c.Text)
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxRunes]) + "…"
}

// Reaction はメッセージへのリアクションを表す。
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message は1対1チャットのメッセージを表す。
// IdempotencyKeyは全体で一意であり、同じキーの再送は既存レコードに解決される。
type Message struct {
	ID             string         `json:"id"`
	SenderID       string         `json:"senderId"`
	ReceiverID     string         `json:"receiverId"`
	Content        MessageContent `json:"content"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Read           bool           `json:"read"`
	ReadAt         *time.Time     `json:"readAt,omitempty"`
	ReplyToID      *string        `json:"replyToId,omitempty"`
	Reactions      []Reaction     `json:"reactions"`
	CreatedAt      time.Time      `json:"createdAt"`
	SequenceNumber int64          `json:"sequenceNumber"`
}

// Involves はuserIDが送信者または受信者であるかを判定する。
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// ToggleReaction はuserIDのemojiリアクションを付け外しする。
// 同じ絵文字が既にあれば削除してfalse、なければ末尾に追加してtrueを返す。
func (m *Message) ToggleReaction(userID, emoji string, now time.Time) bool {
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return false
		}
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji, CreatedAt: now})
	return true
}

// ReadReceipt は既読更新されたメッセージの送信者通知に必要な情報を表す。
type ReadReceipt struct {
	MessageID      string
	SenderID       string
	IdempotencyKey string
}
