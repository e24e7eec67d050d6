package client

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/examsync/internal/model"
)

// Phase is the client-visible state machine of a test attempt.
//
//	loading → (error | landing | quiz)
//	landing → quiz        on Start
//	quiz    → submitted   on local timeout or explicit/forced submit
//
// submitted and error are terminal for the synchronizer's lifetime; a fresh
// instance is required to retry.
type Phase string

const (
	PhaseLoading   Phase = "loading"
	PhaseError     Phase = "error"
	PhaseLanding   Phase = "landing"
	PhaseQuiz      Phase = "quiz"
	PhaseSubmitted Phase = "submitted"
)

// ConnectionStatus describes the transport channel as seen by the UI. It is
// an indicator, never a blocking error.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// State is the shadow copy owned by the synchronizer. It is the presentation
// layer's only read path and is eventually consistent with the Session Store.
type State struct {
	Phase                Phase
	SessionStatus        model.SessionStatus
	CurrentQuestionIndex int
	TimeRemainingSeconds int
	Answers              map[uuid.UUID]model.Answer
	ConnectionStatus     ConnectionStatus
	LastSyncAt           time.Time
	Result               *model.SessionResult
	Err                  error
}

func cloneAnswers(in map[uuid.UUID]model.Answer) map[uuid.UUID]model.Answer {
	out := make(map[uuid.UUID]model.Answer, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
