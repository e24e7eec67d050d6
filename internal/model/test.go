package model

import (
	"github.com/google/uuid"
)

// QuestionKind enumerates the supported question types.
type QuestionKind string

const (
	QuestionKindSingleChoice QuestionKind = "single_choice"
	QuestionKindEssay        QuestionKind = "essay"
)

// Option is one selectable choice of a single_choice question.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Question represents a single test question as served to a client.
// Correct options are never included in this shape.
type Question struct {
	ID       uuid.UUID    `json:"id"`
	Content  string       `json:"content"`
	Kind     QuestionKind `json:"kind"`
	Options  []Option     `json:"options,omitempty"`
	OrderNum int          `json:"order_num"`
}

// Test is the immutable paper a session runs against. Clients hold a
// read-only cached copy fetched once before the session starts.
type Test struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	PassingScore    *float64   `json:"passing_score,omitempty"`
	Questions       []Question `json:"questions"`
}

// QuestionCount returns the number of questions on the paper.
func (t *Test) QuestionCount() int {
	return len(t.Questions)
}

// QuestionByID returns the question with the given id, or nil.
func (t *Test) QuestionByID(id uuid.UUID) *Question {
	for i := range t.Questions {
		if t.Questions[i].ID == id {
			return &t.Questions[i]
		}
	}
	return nil
}
