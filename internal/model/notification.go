package model

import "time"

// NotificationType は通知の種別を表す。
type NotificationType string

const (
	NotificationTypeMessage         NotificationType = "message"
	NotificationTypeMatch           NotificationType = "match"
	NotificationTypeLike            NotificationType = "like"
	NotificationTypeBookingRequest  NotificationType = "booking_request"
	NotificationTypeBookingAccepted NotificationType = "booking_accepted"
	NotificationTypeBookingRejected NotificationType = "booking_rejected"
	NotificationTypeReview          NotificationType = "review"
	NotificationTypeTripUpdate      NotificationType = "trip_update"
	NotificationTypeCallMissed      NotificationType = "call_missed"
	NotificationTypeSystem          NotificationType = "system"
)

// Notification はアプリ内通知を表す。作成後に変更されるのはReadとReadAtのみ。
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipientId"`
	SenderID    *string          `json:"senderId,omitempty"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	Read        bool             `json:"read"`
	ReadAt      *time.Time       `json:"readAt,omitempty"`
	Payload     map[string]any   `json:"payload"`
	CreatedAt   time.Time        `json:"createdAt"`
}
