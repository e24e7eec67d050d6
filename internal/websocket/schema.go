package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/examsync/internal/model"
)

// Type tags every message on the wire. The envelope is {"type": ..., payload
// fields flattened alongside it}.
type Type string

// ─── Client → Server ────────────────────────────────────────────────

const (
	TypeSync                Type = "sync"
	TypeSaveAnswer          Type = "save_answer"
	TypeUpdateQuestionIndex Type = "updateQuestionIndex"
	TypePing                Type = "ping"
)

// Envelope is used to peek at the type before full parsing.
type Envelope struct {
	Type Type `json:"type"`
}

// SyncMessage is sent once on every (re)connect and carries the client's
// current position and answers so the server can correct drift accumulated
// while disconnected.
type SyncMessage struct {
	Type                 Type                       `json:"type"`
	CurrentQuestionIndex int                        `json:"currentQuestionIndex"`
	Answers              map[uuid.UUID]model.Answer `json:"answers"`
}

// SaveAnswerMessage carries one dispatched answer edit.
type SaveAnswerMessage struct {
	Type       Type         `json:"type"`
	QuestionID uuid.UUID    `json:"questionId"`
	Answer     model.Answer `json:"answer"`
}

// UpdateQuestionIndexMessage notifies the server of a navigation. Best
// effort; the client never blocks on it.
type UpdateQuestionIndexMessage struct {
	Type          Type `json:"type"`
	QuestionIndex int  `json:"questionIndex"`
}

// PingMessage is the client heartbeat.
type PingMessage struct {
	Type Type `json:"type"`
}

// ─── Server → Client ────────────────────────────────────────────────

const (
	TypeSessionState         Type = "sessionState"
	TypeAnswerSaved          Type = "answerSaved"
	TypeQuestionIndexUpdated Type = "questionIndexUpdated"
	TypeTimerUpdate          Type = "timer_update"
	TypeTimeExpired          Type = "time_expired"
	TypeTestCompleted        Type = "test_completed"
	TypePong                 Type = "pong"
	TypeError                Type = "error"
)

// SessionStateMessage is a full or partial correction, typically the reply
// to a sync. Nil fields mean "no correction".
type SessionStateMessage struct {
	Type                 Type                       `json:"type"`
	CurrentQuestionIndex *int                       `json:"currentQuestionIndex,omitempty"`
	Answers              map[uuid.UUID]model.Answer `json:"answers,omitempty"`
}

// AnswerSavedMessage acknowledges one persisted answer.
type AnswerSavedMessage struct {
	Type       Type      `json:"type"`
	QuestionID uuid.UUID `json:"questionId"`
}

// QuestionIndexUpdatedMessage is a corrective push, e.g. after another tab
// of the same session navigated.
type QuestionIndexUpdatedMessage struct {
	Type          Type `json:"type"`
	QuestionIndex int  `json:"questionIndex"`
}

// TimerUpdateMessage is the periodic authoritative remaining-time push.
type TimerUpdateMessage struct {
	Type                 Type `json:"type"`
	TimeRemainingSeconds int  `json:"timeRemainingSeconds"`
}

// TimeExpiredMessage signals the server-side deadline was reached. The
// session is terminal the moment this arrives.
type TimeExpiredMessage struct {
	Type    Type                 `json:"type"`
	Message string               `json:"message"`
	Result  *model.SessionResult `json:"result,omitempty"`
}

// TestCompletedMessage is sent when a client connects to a session that is
// already terminal (late join after submission elsewhere).
type TestCompletedMessage struct {
	Type   Type                `json:"type"`
	Status model.SessionStatus `json:"status"`
}

// PongMessage is the heartbeat reply.
type PongMessage struct {
	Type Type `json:"type"`
}

// ErrorMessage is non-fatal: logged by the receiver, never a state change.
type ErrorMessage struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// Decode parses a raw frame into its concrete message struct. Unknown types
// return an error; per the protocol they are logged and ignored by callers.
func Decode(data []byte) (interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg interface{}
	switch env.Type {
	case TypeSync:
		msg = &SyncMessage{}
	case TypeSaveAnswer:
		msg = &SaveAnswerMessage{}
	case TypeUpdateQuestionIndex:
		msg = &UpdateQuestionIndexMessage{}
	case TypePing:
		msg = &PingMessage{}
	case TypeSessionState:
		msg = &SessionStateMessage{}
	case TypeAnswerSaved:
		msg = &AnswerSavedMessage{}
	case TypeQuestionIndexUpdated:
		msg = &QuestionIndexUpdatedMessage{}
	case TypeTimerUpdate:
		msg = &TimerUpdateMessage{}
	case TypeTimeExpired:
		msg = &TimeExpiredMessage{}
	case TypeTestCompleted:
		msg = &TestCompletedMessage{}
	case TypePong:
		msg = &PongMessage{}
	case TypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}
