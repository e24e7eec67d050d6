package client

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/examsync/internal/model"
)

type transmitRecorder struct {
	mu    sync.Mutex
	calls []struct {
		questionID uuid.UUID
		answer     model.Answer
	}
}

func (r *transmitRecorder) transmit(questionID uuid.UUID, answer model.Answer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		questionID uuid.UUID
		answer     model.Answer
	}{questionID, answer})
}

func (r *transmitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *transmitRecorder) last() (uuid.UUID, model.Answer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return uuid.Nil, model.Answer{}, false
	}
	c := r.calls[len(r.calls)-1]
	return c.questionID, c.answer, true
}

func TestDispatchSingleChoiceIsImmediate(t *testing.T) {
	rec := &transmitRecorder{}
	p := NewDispatchPolicy(time.Hour, rec.transmit)
	qID := uuid.New()

	p.Dispatch(qID, model.QuestionKindSingleChoice, model.Answer{SelectedOptionID: "a"}, false)
	p.Dispatch(qID, model.QuestionKindSingleChoice, model.Answer{SelectedOptionID: "b"}, false)

	if got := rec.count(); got != 2 {
		t.Fatalf("expected 2 immediate transmissions, got %d", got)
	}
	if _, ans, _ := rec.last(); ans.SelectedOptionID != "b" {
		t.Fatalf("expected last transmission to carry option b, got %q", ans.SelectedOptionID)
	}
}

func TestDispatchEssayCoalescesToLastValue(t *testing.T) {
	rec := &transmitRecorder{}
	p := NewDispatchPolicy(40*time.Millisecond, rec.transmit)
	qID := uuid.New()

	// Rapid keystrokes inside one quiet window.
	p.Dispatch(qID, model.QuestionKindEssay, model.Answer{Text: "h"}, false)
	p.Dispatch(qID, model.QuestionKindEssay, model.Answer{Text: "he"}, false)
	p.Dispatch(qID, model.QuestionKindEssay, model.Answer{Text: "hello"}, false)

	if got := rec.count(); got != 0 {
		t.Fatalf("expected no transmission before the quiet window, got %d", got)
	}

	deadline := time.After(time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("debounced edit never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := rec.count(); got != 1 {
		t.Fatalf("expected exactly 1 coalesced transmission, got %d", got)
	}
	if _, ans, _ := rec.last(); ans.Text != "hello" {
		t.Fatalf("expected last edit to win, got %q", ans.Text)
	}
}

func TestDispatchImmediateOverridesDebounce(t *testing.T) {
	rec := &transmitRecorder{}
	p := NewDispatchPolicy(time.Hour, rec.transmit)
	qID := uuid.New()

	p.Dispatch(qID, model.QuestionKindEssay, model.Answer{Text: "draft"}, false)
	p.Dispatch(qID, model.QuestionKindEssay, model.Answer{Text: "final"}, true)

	if got := rec.count(); got != 1 {
		t.Fatalf("expected 1 immediate transmission, got %d", got)
	}
	if _, ans, _ := rec.last(); ans.Text != "final" {
		t.Fatalf("expected immediate value, got %q", ans.Text)
	}
	if got := p.PendingAnswers(); len(got) != 0 {
		t.Fatalf("expected the pending timer to be cancelled, %d left", len(got))
	}
}

func TestDispatchFlushTransmitsPendingSynchronously(t *testing.T) {
	rec := &transmitRecorder{}
	p := NewDispatchPolicy(time.Hour, rec.transmit)
	qA, qB := uuid.New(), uuid.New()

	p.Dispatch(qA, model.QuestionKindEssay, model.Answer{Text: "answer a"}, false)
	p.Dispatch(qB, model.QuestionKindEssay, model.Answer{Text: "answer b"}, false)

	p.Flush()

	if got := rec.count(); got != 2 {
		t.Fatalf("expected both pending edits flushed, got %d", got)
	}
	if got := p.PendingAnswers(); len(got) != 0 {
		t.Fatalf("expected no pending edits after flush, got %d", len(got))
	}
}

func TestDispatchDiscardDropsPending(t *testing.T) {
	rec := &transmitRecorder{}
	p := NewDispatchPolicy(20*time.Millisecond, rec.transmit)
	qID := uuid.New()

	p.Dispatch(qID, model.QuestionKindEssay, model.Answer{Text: "abandoned"}, false)
	p.Discard()

	time.Sleep(60 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("expected no transmission after discard, got %d", got)
	}

	// A closed policy also refuses new edits.
	p.Dispatch(qID, model.QuestionKindSingleChoice, model.Answer{SelectedOptionID: "a"}, false)
	if got := rec.count(); got != 0 {
		t.Fatalf("expected closed policy to drop edits, got %d", got)
	}
}
