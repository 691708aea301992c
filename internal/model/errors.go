// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// WebSocketのエラーイベントとHTTPエラーレスポンスの両方で使用する。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, chat, call, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodePeerOffline        = "PEER_OFFLINE"
	ErrCodePersistenceFailure = "PERSISTENCE_FAILURE"
	ErrCodeCallNotFound       = "CALL_NOT_FOUND"
	ErrCodeCallBusy           = "CALL_BUSY"
	ErrCodeMessageNotFound    = "MESSAGE_NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeNotJoined          = "NOT_JOINED"
	ErrCodeUnknownEvent       = "UNKNOWN_EVENT"
	ErrCodeInvalidPayload     = "INVALID_PAYLOAD"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// AsAPIError はerrからAPIErrorを取り出す。APIErrorでない場合はfalseを返す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HasCode はerrが指定コードのAPIErrorであるかを判定する。
func HasCode(err error, code string) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}

// NewValidationError は入力検証エラーを生成する。副作用なしで即時拒否される。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が不正です: %s", reason),
		Category: "validation",
		Action:   "送信内容を確認してください。",
	}
}

// NewPermissionError は送信者と受信者がメッセージを交換できない場合のエラーを生成する。
func NewPermissionError() *APIError {
	return &APIError{
		Code:     ErrCodePermissionDenied,
		Message:  "このユーザーにはメッセージを送信できません。",
		Category: "chat",
		Action:   "マッチングまたは相互フォロー後に再度お試しください。",
	}
}

// NewPeerOfflineError は通話相手がオフラインの場合のエラーを生成する。
func NewPeerOfflineError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodePeerOffline,
		Message:  fmt.Sprintf("相手がオフラインです: %s", userID),
		Category: "call",
		Action:   "相手がオンラインになってから再度発信してください。",
	}
}

// NewPersistenceFailureError は永続化失敗エラーを生成する。
// 自動リトライは行わないため、クライアントが同じ冪等キーで再送する。
func NewPersistenceFailureError() *APIError {
	return &APIError{
		Code:     ErrCodePersistenceFailure,
		Message:  "データの保存に失敗しました。",
		Category: "system",
		Action:   "同じ内容でしばらく待ってから再送してください。",
	}
}

// NewCallNotFoundError は通話セッションが存在しない場合のエラーを生成する。
func NewCallNotFoundError(callID string) *APIError {
	return &APIError{
		Code:     ErrCodeCallNotFound,
		Message:  fmt.Sprintf("指定された通話が見つかりません: %s", callID),
		Category: "call",
		Action:   "通話は既に終了しています。",
	}
}

// NewCallBusyError は発信者または着信者が既に通話中の場合のエラーを生成する。
func NewCallBusyError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeCallBusy,
		Message:  fmt.Sprintf("通話中のため発信できません: %s", userID),
		Category: "call",
		Action:   "現在の通話が終了してから再度発信してください。",
	}
}

// NewMessageNotFoundError はメッセージが存在しない場合のエラーを生成する。
func NewMessageNotFoundError(messageID string) *APIError {
	return &APIError{
		Code:     ErrCodeMessageNotFound,
		Message:  fmt.Sprintf("指定されたメッセージが見つかりません: %s", messageID),
		Category: "chat",
		Action:   "メッセージIDを確認してください。",
	}
}

// NewRateLimitedError はイベント送信レート超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "イベントの送信が多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewNotJoinedError はjoin前にイベントを送信した場合のエラーを生成する。
func NewNotJoinedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotJoined,
		Message:  "joinイベントが送信されていません。",
		Category: "auth",
		Action:   "接続後に最初にjoinを送信してください。",
	}
}

// NewUnknownEventError は未知のイベント種別のエラーを生成する。
func NewUnknownEventError(eventType string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownEvent,
		Message:  fmt.Sprintf("未知のイベントです: %s", eventType),
		Category: "validation",
		Action:   "サポートされているイベント名を指定してください。",
	}
}

// NewInvalidPayloadError はイベントペイロードの形式エラーを生成する。
func NewInvalidPayloadError(eventType, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPayload,
		Message:  fmt.Sprintf("%s のペイロードが不正です: %s", eventType, reason),
		Category: "validation",
		Action:   "必須フィールドを含む正しいJSON形式で送信してください。",
	}
}

// NewForbiddenError は認証済みユーザーと異なるIDでjoinした場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "このユーザーとして接続する権限がありません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUnauthorizedError はアクセストークンがない、または無効な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "有効なアクセストークンを付与して再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
