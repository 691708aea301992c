package model

import "time"

// MediaType は通話のメディア種別を表す。
type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
)

// Valid はメディア種別がaudioまたはvideoであるかを判定する。
func (m MediaType) Valid() bool {
	return m == MediaTypeAudio || m == MediaTypeVideo
}

// CallState は通話シグナリングの状態を表す。
type CallState string

const (
	CallStateCalling   CallState = "calling"
	CallStateRinging   CallState = "ringing"
	CallStateConnected CallState = "connected"
	CallStateEnded     CallState = "ended"
)

// EndReason は通話終了理由を表す。
type EndReason string

const (
	EndReasonNormal           EndReason = "normal"
	EndReasonRejected         EndReason = "rejected"
	EndReasonTimeout          EndReason = "timeout"
	EndReasonUserDisconnected EndReason = "user_disconnected"
	EndReasonShutdown         EndReason = "server_shutdown"
)

// CallAudit は終了した通話の監査記録を表す。
type CallAudit struct {
	ID              string
	CallID          string
	CallerID        string
	ReceiverID      string
	MediaType       MediaType
	EndReason       EndReason
	StartedAt       time.Time
	ConnectedAt     *time.Time
	EndedAt         time.Time
	DurationSeconds int64
}
