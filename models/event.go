package models

import (
	"time"

	"github.com/google/uuid"
)

// Event status constants
const (
	EventStatusActive    = "ACTIVE"
	EventStatusCompleted = "COMPLETED"
	EventStatusCancelled = "CANCELLED"
)

// Event is a time-windowed check-in context that awards points.
type Event struct {
	ID                     uuid.UUID `json:"id" db:"id"`
	Title                  string    `json:"title" db:"title"`
	Status                 string    `json:"status" db:"status"`
	StartAt                time.Time `json:"start_at" db:"start_at"`
	EndAt                  time.Time `json:"end_at" db:"end_at"`
	TotalPoints            int64     `json:"total_points" db:"total_points"`
	AllowMultipleCheckins  bool      `json:"allow_multiple_checkins" db:"allow_multiple_checkins"`
	MaxCheckinsPerUser     int       `json:"max_checkins_per_user" db:"max_checkins_per_user"`
	CheckinIntervalSeconds int       `json:"checkin_interval_seconds" db:"checkin_interval_seconds"`
	RotationSeconds        int       `json:"rotation_seconds" db:"rotation_seconds"`
	Secret                 []byte    `json:"-" db:"secret"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
}

// Checkin records one successful token redemption at an event.
type Checkin struct {
	ID            uuid.UUID `json:"id" db:"id"`
	EventID       uuid.UUID `json:"event_id" db:"event_id"`
	UserID        uuid.UUID `json:"user_id" db:"user_id"`
	Sequence      int64     `json:"sequence" db:"sequence"`
	CheckinNumber int       `json:"checkin_number" db:"checkin_number"`
	PointsAwarded int64     `json:"points_awarded" db:"points_awarded"`
	CheckedInAt   time.Time `json:"checked_in_at" db:"checked_in_at"`
}

// CreateEventRequest for creating a check-in event
type CreateEventRequest struct {
	Title                  string    `json:"title" binding:"required"`
	StartAt                time.Time `json:"start_at" binding:"required"`
	EndAt                  time.Time `json:"end_at" binding:"required"`
	TotalPoints            int64     `json:"total_points"`
	AllowMultipleCheckins  bool      `json:"allow_multiple_checkins"`
	MaxCheckinsPerUser     int       `json:"max_checkins_per_user"`
	CheckinIntervalSeconds int       `json:"checkin_interval_seconds"`
	RotationSeconds        int       `json:"rotation_seconds"`
}

// CheckInRequest carries a scanned QR payload.
type CheckInRequest struct {
	UserID  uuid.UUID `json:"user_id" binding:"required"`
	Payload string    `json:"payload" binding:"required"`
}
