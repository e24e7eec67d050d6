package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/examsync/internal/model"
	ws "github.com/stemsi/examsync/internal/websocket"
)

// Transport is the message channel between one synchronizer and the Session
// Store. Implementations own connect/reconnect; Send is best effort and
// Close is an intentional close that suppresses reconnection.
type Transport interface {
	Start()
	Send(v interface{}) error
	Close()
}

// TransportCallbacks is how a Transport reports back into the synchronizer.
type TransportCallbacks struct {
	// OnMessage delivers one decoded inbound protocol message.
	OnMessage func(msg interface{})
	// OnStatus surfaces connection-status transitions.
	OnStatus func(status ConnectionStatus)
	// SyncPayload builds the sync message sent on every (re)connect,
	// carrying the current (not historical) position and answers.
	SyncPayload func() *ws.SyncMessage
}

// TransportFactory builds a Transport bound to the synchronizer's callbacks.
type TransportFactory func(cb TransportCallbacks) Transport

// Options configures a Synchronizer.
type Options struct {
	Store        StoreAPI
	NewTransport TransportFactory
	SessionID    uuid.UUID
	// UserID is the authenticated identity, injected by the caller.
	UserID int
	Log    zerolog.Logger

	// TickInterval defaults to one second; tests shorten it.
	TickInterval time.Duration
	// DebounceWindow defaults to one second; tests shorten it.
	DebounceWindow time.Duration
}

// Synchronizer keeps an in-progress attempt's question position, answers,
// and remaining time consistent between client and Session Store. It owns
// the local shadow state, drives the transport, reconciles divergence, and
// exposes a small action surface to the presentation layer.
//
// Every mutation — user action, local tick, inbound message — happens under
// one mutex, so no two state changes race; ordering is arrival order, which
// is safe because reconciliation is commutative (last server correction
// wins, last local edit wins). No action blocks its caller: network effects
// run in the background and are observed via State.
type Synchronizer struct {
	mu sync.Mutex

	log       zerolog.Logger
	store     StoreAPI
	sessionID uuid.UUID
	userID    int

	test      *model.Test
	state     State
	timer     *LocalTimer
	dispatch  *DispatchPolicy
	transport Transport
	factory   TransportFactory

	starting   bool
	submitting bool
	// terminal is set once the outcome is durable: a confirmed submit, a
	// server-pushed expiry, or a terminal snapshot. PhaseSubmitted without
	// terminal means the client-side outcome is still provisional.
	terminal bool

	ctx    context.Context
	cancel context.CancelFunc
}

// ErrNotStartable is returned by Start when the session is not PENDING.
var ErrNotStartable = errors.New("session is already started or terminal")

// New creates a synchronizer in the loading phase. Call Load before using
// the action surface.
func New(opts Options) (*Synchronizer, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.NewTransport == nil {
		return nil, errors.New("transport factory is required")
	}
	if opts.SessionID == uuid.Nil {
		return nil, errors.New("session id is required")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		log:       opts.Log.With().Str("component", "synchronizer").Str("session_id", opts.SessionID.String()).Logger(),
		store:     opts.Store,
		sessionID: opts.SessionID,
		userID:    opts.UserID,
		factory:   opts.NewTransport,
		state: State{
			Phase:            PhaseLoading,
			ConnectionStatus: StatusDisconnected,
			Answers:          make(map[uuid.UUID]model.Answer),
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.timer = NewLocalTimer(opts.TickInterval, s.onTick)
	s.dispatch = NewDispatchPolicy(opts.DebounceWindow, s.transmitAnswer)
	return s, nil
}

// Load fetches the session snapshot and the paper. On failure the phase
// becomes error, which is terminal for this instance.
func (s *Synchronizer) Load(ctx context.Context) error {
	sess, err := s.store.GetSession(ctx, s.sessionID)
	if err == nil {
		var test *model.Test
		test, err = s.store.GetTest(ctx, sess.TestID)
		if err == nil {
			s.applySnapshot(sess, test)
			return nil
		}
	}

	s.mu.Lock()
	s.state.Phase = PhaseError
	s.state.Err = fmt.Errorf("load session: %w", err)
	s.mu.Unlock()
	s.log.Error().Err(err).Msg("Session fetch failed")
	return err
}

func (s *Synchronizer) applySnapshot(sess *model.TestSession, test *model.Test) {
	s.mu.Lock()
	s.test = test
	s.state.SessionStatus = sess.Status
	s.state.CurrentQuestionIndex = clampIndex(sess.CurrentQuestionIndex, test.QuestionCount())
	s.state.TimeRemainingSeconds = sess.TimeRemainingSeconds
	if sess.Answers != nil {
		s.state.Answers = cloneAnswers(sess.Answers)
	}

	resume := false
	switch {
	case sess.Status.Terminal():
		s.terminal = true
		s.state.Phase = PhaseSubmitted
		s.state.Result = &model.SessionResult{
			Status:         sess.Status,
			Score:          sess.Score,
			CorrectAnswers: sess.CorrectAnswers,
		}
	case sess.Status == model.SessionStatusInProgress:
		// Page reload mid-attempt: resume straight into the quiz.
		s.state.Phase = PhaseQuiz
		resume = true
	default:
		s.state.Phase = PhaseLanding
	}
	s.mu.Unlock()

	if resume {
		s.timer.Start()
		s.openTransport()
	}
}

// Start requests the PENDING → IN_PROGRESS transition. On acceptance it
// begins the local timer and opens the transport channel. It fails without
// touching state if the session is already started or terminal.
func (s *Synchronizer) Start() error {
	s.mu.Lock()
	if s.state.Phase != PhaseLanding || s.starting {
		s.mu.Unlock()
		return ErrNotStartable
	}
	s.starting = true
	s.mu.Unlock()

	go func() {
		sess, err := s.store.StartSession(s.ctx, s.sessionID)
		s.mu.Lock()
		s.starting = false
		if err != nil {
			s.mu.Unlock()
			s.log.Error().Err(err).Msg("Start rejected")
			return
		}
		s.state.SessionStatus = sess.Status
		s.state.TimeRemainingSeconds = sess.TimeRemainingSeconds
		s.state.Phase = PhaseQuiz
		s.mu.Unlock()

		s.timer.Start()
		s.openTransport()
	}()
	return nil
}

// SubmitAnswer records an answer edit. The shadow state updates
// synchronously so the UI reflects the edit with zero latency; transmission
// is routed through the dispatch policy. After a terminal status the edit is
// accepted locally but not transmitted.
func (s *Synchronizer) SubmitAnswer(questionID uuid.UUID, answer model.Answer, immediate bool) {
	s.mu.Lock()
	s.state.Answers[questionID] = answer
	done := s.terminal || s.state.Phase == PhaseSubmitted
	kind := model.QuestionKindEssay
	if s.test != nil {
		if q := s.test.QuestionByID(questionID); q != nil {
			kind = q.Kind
		}
	}
	s.mu.Unlock()

	if done {
		return
	}
	s.dispatch.Dispatch(questionID, kind, answer, immediate)
}

// Navigate clamps the index, updates the local position, and notifies the
// Session Store best effort. A failed notification never blocks navigation.
func (s *Synchronizer) Navigate(index int) {
	s.mu.Lock()
	count := 0
	if s.test != nil {
		count = s.test.QuestionCount()
	}
	index = clampIndex(index, count)
	s.state.CurrentQuestionIndex = index
	t := s.transport
	s.mu.Unlock()

	if t != nil {
		_ = t.Send(&ws.UpdateQuestionIndexMessage{Type: ws.TypeUpdateQuestionIndex, QuestionIndex: index})
	}
}

// Submit ends the attempt. Idempotent: while a submit is in flight or after
// a terminal outcome, further calls observe the existing outcome instead of
// re-sending. Pending debounced answers are flushed synchronously before the
// terminal request, then the timer stops and the channel closes. The
// submitted phase is provisional until the Session Store confirms; if the
// store is unreachable the confirmation is retried on the next successful
// connection.
func (s *Synchronizer) Submit() {
	s.mu.Lock()
	if s.submitting || s.terminal || s.state.Phase == PhaseError || s.state.Phase == PhaseLoading || s.state.Phase == PhaseLanding {
		s.mu.Unlock()
		return
	}
	s.submitting = true
	s.mu.Unlock()

	// Flush before snapshotting so every last-window edit is in the payload.
	s.dispatch.Flush()

	s.mu.Lock()
	s.state.Phase = PhaseSubmitted
	answers := cloneAnswers(s.state.Answers)
	t := s.transport
	s.mu.Unlock()

	s.timer.Stop()
	if t != nil {
		t.Close()
	}

	go s.finalizeSubmit(answers)
}

func (s *Synchronizer) finalizeSubmit(answers map[uuid.UUID]model.Answer) {
	res, err := s.store.SubmitSession(s.ctx, s.sessionID, answers)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false
	if err != nil {
		// Provisional terminal stands; never fabricate a result.
		s.log.Warn().Err(err).Msg("Submit not confirmed, will retry")
		return
	}
	if s.terminal {
		// A server-pushed expiry won the race; its outcome stands.
		return
	}
	s.terminal = true
	s.state.SessionStatus = res.Status
	s.state.Result = res
}

// RetrySubmit re-issues the terminal request for a provisional submitted
// state. No-op while confirmed or in flight.
func (s *Synchronizer) RetrySubmit() {
	s.mu.Lock()
	if s.terminal || s.submitting || s.state.Phase != PhaseSubmitted {
		s.mu.Unlock()
		return
	}
	s.submitting = true
	answers := cloneAnswers(s.state.Answers)
	s.mu.Unlock()

	go s.finalizeSubmit(answers)
}

// State returns a copy of the shadow state for the presentation layer.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Answers = cloneAnswers(s.state.Answers)
	return st
}

// Test returns the cached read-only paper, nil before Load completes.
func (s *Synchronizer) Test() *model.Test {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.test
}

// Close tears the synchronizer down: stop the timer, drop pending debounce
// edits without flushing, cancel any reconnect, and close the channel
// intentionally so the server does not treat the disconnect as a failure.
func (s *Synchronizer) Close() {
	s.timer.Stop()
	s.dispatch.Discard()

	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	if t != nil {
		t.Close()
	}
	s.cancel()
}

// ─── Internal event handlers ────────────────────────────────────────

func (s *Synchronizer) openTransport() {
	s.mu.Lock()
	if s.transport != nil || s.terminal {
		s.mu.Unlock()
		return
	}
	t := s.factory(TransportCallbacks{
		OnMessage:   s.handleMessage,
		OnStatus:    s.handleStatus,
		SyncPayload: s.syncPayload,
	})
	s.transport = t
	s.mu.Unlock()

	t.Start()
}

// onTick decrements the local countdown by one, floored at zero. Reaching
// zero forces submission regardless of connection status: the exam ends even
// with the channel down, and the terminal state stays provisional until the
// store confirms.
func (s *Synchronizer) onTick() {
	s.mu.Lock()
	if s.state.Phase != PhaseQuiz {
		s.mu.Unlock()
		return
	}
	if s.state.TimeRemainingSeconds > 0 {
		s.state.TimeRemainingSeconds--
	}
	expired := s.state.TimeRemainingSeconds == 0
	s.mu.Unlock()

	if expired {
		s.Submit()
	}
}

func (s *Synchronizer) transmitAnswer(questionID uuid.UUID, answer model.Answer) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	_ = t.Send(&ws.SaveAnswerMessage{Type: ws.TypeSaveAnswer, QuestionID: questionID, Answer: answer})
}

func (s *Synchronizer) syncPayload() *ws.SyncMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ws.SyncMessage{
		Type:                 ws.TypeSync,
		CurrentQuestionIndex: s.state.CurrentQuestionIndex,
		Answers:              cloneAnswers(s.state.Answers),
	}
}

func (s *Synchronizer) handleStatus(status ConnectionStatus) {
	s.mu.Lock()
	s.state.ConnectionStatus = status
	retry := status == StatusConnected && s.state.Phase == PhaseSubmitted && !s.terminal && !s.submitting
	s.mu.Unlock()

	if retry {
		s.RetrySubmit()
	}
}

// handleMessage applies one inbound protocol message. The server is the
// tie-breaker for everything except the in-flight edits still owned by the
// dispatch policy, which are overlaid so they complete before being
// overwritten.
func (s *Synchronizer) handleMessage(msg interface{}) {
	switch m := msg.(type) {
	case *ws.SessionStateMessage:
		pending := s.dispatch.PendingAnswers()
		s.mu.Lock()
		if m.CurrentQuestionIndex != nil {
			count := 0
			if s.test != nil {
				count = s.test.QuestionCount()
			}
			s.state.CurrentQuestionIndex = clampIndex(*m.CurrentQuestionIndex, count)
		}
		if m.Answers != nil {
			merged := cloneAnswers(m.Answers)
			for qid, ans := range pending {
				merged[qid] = ans
			}
			s.state.Answers = merged
		}
		s.state.LastSyncAt = time.Now()
		s.mu.Unlock()

	case *ws.TimerUpdateMessage:
		s.mu.Lock()
		if s.state.Phase == PhaseQuiz {
			// Authoritative correction; the only path that may increase it.
			s.state.TimeRemainingSeconds = m.TimeRemainingSeconds
		}
		s.state.LastSyncAt = time.Now()
		s.mu.Unlock()

	case *ws.QuestionIndexUpdatedMessage:
		s.mu.Lock()
		count := 0
		if s.test != nil {
			count = s.test.QuestionCount()
		}
		s.state.CurrentQuestionIndex = clampIndex(m.QuestionIndex, count)
		s.mu.Unlock()

	case *ws.AnswerSavedMessage:
		s.mu.Lock()
		s.state.LastSyncAt = time.Now()
		s.mu.Unlock()

	case *ws.TimeExpiredMessage:
		s.finalizeFromServer(model.SessionStatusExpired, m.Result)

	case *ws.TestCompletedMessage:
		status := m.Status
		if !status.Terminal() {
			status = model.SessionStatusCompleted
		}
		s.finalizeFromServer(status, nil)

	case *ws.PongMessage:
		// Heartbeat bookkeeping lives in the channel.

	case *ws.ErrorMessage:
		s.log.Warn().Str("message", m.Message).Msg("Server reported error")

	default:
		s.log.Warn().Type("message", msg).Msg("Ignoring unexpected message")
	}
}

// finalizeFromServer applies a server-authoritative terminal outcome. The
// losing side of a concurrent local submit becomes a no-op.
func (s *Synchronizer) finalizeFromServer(status model.SessionStatus, result *model.SessionResult) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.state.SessionStatus = status
	s.state.Phase = PhaseSubmitted
	if result != nil {
		s.state.Result = result
	} else {
		s.state.Result = &model.SessionResult{Status: status}
	}
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	s.timer.Stop()
	s.dispatch.Discard()
	if t != nil {
		t.Close()
	}
}

func clampIndex(index, count int) int {
	if index < 0 {
		return 0
	}
	if count > 0 && index > count-1 {
		return count - 1
	}
	return index
}
