package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/examsync/internal/model"
)

// DispatchPolicy decides, per question kind, whether an answer edit is sent
// immediately or coalesced. single_choice edits go out on every change;
// essay edits wait for a quiet period since the last keystroke. At most one
// pending timer exists per question id; a new edit resets it instead of
// queuing another transmission.
type DispatchPolicy struct {
	mu       sync.Mutex
	window   time.Duration
	transmit func(questionID uuid.UUID, answer model.Answer)
	pending  map[uuid.UUID]*pendingEdit
	closed   bool
}

type pendingEdit struct {
	timer  *time.Timer
	answer model.Answer
}

// NewDispatchPolicy creates a policy with the given quiet window (normally
// about one second). transmit is invoked outside the policy lock.
func NewDispatchPolicy(window time.Duration, transmit func(uuid.UUID, model.Answer)) *DispatchPolicy {
	if window <= 0 {
		window = time.Second
	}
	return &DispatchPolicy{
		window:   window,
		transmit: transmit,
		pending:  make(map[uuid.UUID]*pendingEdit),
	}
}

// Dispatch routes one answer edit. immediate bypasses coalescing regardless
// of kind.
func (p *DispatchPolicy) Dispatch(questionID uuid.UUID, kind model.QuestionKind, answer model.Answer, immediate bool) {
	if immediate || kind != model.QuestionKindEssay {
		p.mu.Lock()
		if edit, ok := p.pending[questionID]; ok {
			edit.timer.Stop()
			delete(p.pending, questionID)
		}
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			p.transmit(questionID, answer)
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if edit, ok := p.pending[questionID]; ok {
		edit.answer = answer
		edit.timer.Reset(p.window)
		return
	}
	edit := &pendingEdit{answer: answer}
	edit.timer = time.AfterFunc(p.window, func() { p.fire(questionID) })
	p.pending[questionID] = edit
}

// fire transmits a debounced edit once its quiet period elapses.
func (p *DispatchPolicy) fire(questionID uuid.UUID) {
	p.mu.Lock()
	edit, ok := p.pending[questionID]
	if ok {
		delete(p.pending, questionID)
	}
	closed := p.closed
	p.mu.Unlock()
	if ok && !closed {
		p.transmit(questionID, edit.answer)
	}
}

// Flush cancels every pending timer and transmits its latest value
// synchronously. Called before the terminal submit so no edit made inside
// the debounce window is ever lost.
func (p *DispatchPolicy) Flush() {
	p.mu.Lock()
	flushed := make(map[uuid.UUID]model.Answer, len(p.pending))
	for qid, edit := range p.pending {
		edit.timer.Stop()
		flushed[qid] = edit.answer
		delete(p.pending, qid)
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return
	}
	for qid, ans := range flushed {
		p.transmit(qid, ans)
	}
}

// Discard cancels every pending timer without flushing and stops accepting
// edits. Used on teardown: the user is leaving, not submitting.
func (p *DispatchPolicy) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for qid, edit := range p.pending {
		edit.timer.Stop()
		delete(p.pending, qid)
	}
	p.closed = true
}

// PendingAnswers returns the latest value of every in-flight edit. These are
// the edits a server correction is not allowed to clobber before they
// complete.
func (p *DispatchPolicy) PendingAnswers() map[uuid.UUID]model.Answer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uuid.UUID]model.Answer, len(p.pending))
	for qid, edit := range p.pending {
		out[qid] = edit.answer
	}
	return out
}
