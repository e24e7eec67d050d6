package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates test session states.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "PENDING"
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusExpired    SessionStatus = "EXPIRED"
)

// Terminal reports whether the status accepts no further mutation.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusExpired
}

// Answer is a tagged value: exactly one of SelectedOptionID (single_choice)
// or Text (essay) is set. Last write wins per (session, question).
type Answer struct {
	SelectedOptionID string `json:"selected_option_id,omitempty"`
	Text             string `json:"text,omitempty"`
}

// IsZero reports whether the answer carries no value at all.
func (a Answer) IsZero() bool {
	return a.SelectedOptionID == "" && a.Text == ""
}

// TestSession represents one user's single attempt at one test.
type TestSession struct {
	ID                   uuid.UUID             `json:"id"`
	TestID               uuid.UUID             `json:"test_id"`
	UserID               int                   `json:"user_id"`
	Status               SessionStatus         `json:"status"`
	CurrentQuestionIndex int                   `json:"current_question_index"`
	TimeRemainingSeconds int                   `json:"time_remaining_seconds"`
	Answers              map[uuid.UUID]Answer  `json:"answers,omitempty"`
	Score                *float64              `json:"score,omitempty"`
	CorrectAnswers       *int                  `json:"correct_answers,omitempty"`
	StartedAt            *time.Time            `json:"started_at,omitempty"`
	FinishedAt           *time.Time            `json:"finished_at,omitempty"`
	CreatedAt            time.Time             `json:"created_at"`
}

// SessionResult is the terminal outcome of a session.
type SessionResult struct {
	Status         SessionStatus `json:"status"`
	Score          *float64      `json:"score,omitempty"`
	CorrectAnswers *int          `json:"correct_answers,omitempty"`
}

// CreateSessionRequest is the payload for creating a session. Identity is
// supplied by the caller; authentication happens upstream of this service.
type CreateSessionRequest struct {
	TestID uuid.UUID `json:"test_id" binding:"required"`
	UserID int       `json:"user_id" binding:"required,min=1"`
}
