package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/examsync/internal/model"
	ws "github.com/stemsi/examsync/internal/websocket"
)

// ─── Fakes ──────────────────────────────────────────────────────────

type fakeStore struct {
	mu      sync.Mutex
	session model.TestSession
	test    model.Test

	submitErr     error
	submitCalls   int
	submitAnswers map[uuid.UUID]model.Answer
}

func (f *fakeStore) CreateSession(ctx context.Context, testID uuid.UUID, userID int) (*model.TestSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.session
	return &s, nil
}

func (f *fakeStore) GetSession(ctx context.Context, sessionID uuid.UUID) (*model.TestSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.session
	return &s, nil
}

func (f *fakeStore) GetTest(ctx context.Context, testID uuid.UUID) (*model.Test, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.test
	return &t, nil
}

func (f *fakeStore) StartSession(ctx context.Context, sessionID uuid.UUID) (*model.TestSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session.Status = model.SessionStatusInProgress
	f.session.TimeRemainingSeconds = f.test.DurationMinutes * 60
	s := f.session
	return &s, nil
}

func (f *fakeStore) SubmitSession(ctx context.Context, sessionID uuid.UUID, answers map[uuid.UUID]model.Answer) (*model.SessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitAnswers = answers
	f.session.Status = model.SessionStatusCompleted
	score := 100.0
	correct := len(answers)
	return &model.SessionResult{Status: model.SessionStatusCompleted, Score: &score, CorrectAnswers: &correct}, nil
}

func (f *fakeStore) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

func (f *fakeStore) setSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *fakeStore) submittedAnswers() map[uuid.UUID]model.Answer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitAnswers
}

// fakeTransport records outbound traffic and lets tests play the server:
// connect() mimics the real channel's connect sequence (status + sync),
// deliver() injects an inbound message.
type fakeTransport struct {
	mu      sync.Mutex
	cb      TransportCallbacks
	sent    []interface{}
	started bool
	closed  bool
}

func newFakeTransport() (*fakeTransport, TransportFactory) {
	ft := &fakeTransport{}
	return ft, func(cb TransportCallbacks) Transport {
		ft.mu.Lock()
		ft.cb = cb
		ft.mu.Unlock()
		return ft
	}
}

func (f *fakeTransport) Start() {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

func (f *fakeTransport) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrNotConnected
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeTransport) connect() {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb.OnStatus(StatusConnected)
	if payload := cb.SyncPayload(); payload != nil {
		f.Send(payload)
	}
}

func (f *fakeTransport) deliver(msg interface{}) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb.OnMessage(msg)
}

func (f *fakeTransport) sentMessages() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(f.sent))
	copy(out, f.sent)
	return out
}

// ─── Helpers ────────────────────────────────────────────────────────

func paper() model.Test {
	return model.Test{
		ID:              uuid.New(),
		Title:           "Sample",
		DurationMinutes: 30,
		Questions: []model.Question{
			{ID: uuid.New(), Kind: model.QuestionKindSingleChoice, OrderNum: 1,
				Options: []model.Option{{ID: "a"}, {ID: "b"}}},
			{ID: uuid.New(), Kind: model.QuestionKindEssay, OrderNum: 2},
			{ID: uuid.New(), Kind: model.QuestionKindSingleChoice, OrderNum: 3,
				Options: []model.Option{{ID: "a"}, {ID: "b"}}},
		},
	}
}

func newSyncUnderTest(t *testing.T, status model.SessionStatus, remaining int) (*Synchronizer, *fakeStore, *fakeTransport) {
	t.Helper()
	test := paper()
	store := &fakeStore{
		test: test,
		session: model.TestSession{
			ID:                   uuid.New(),
			TestID:               test.ID,
			UserID:               7,
			Status:               status,
			TimeRemainingSeconds: remaining,
		},
	}
	ft, factory := newFakeTransport()

	s, err := New(Options{
		Store:          store,
		NewTransport:   factory,
		SessionID:      store.session.ID,
		UserID:         7,
		Log:            zerolog.Nop(),
		TickInterval:   10 * time.Millisecond,
		DebounceWindow: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s, store, ft
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// ─── Tests ──────────────────────────────────────────────────────────

func TestLoadPendingLandsOnLanding(t *testing.T) {
	s, _, _ := newSyncUnderTest(t, model.SessionStatusPending, 0)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	st := s.State()
	if st.Phase != PhaseLanding {
		t.Fatalf("expected landing phase, got %s", st.Phase)
	}
}

func TestLoadTerminalSnapshotIsSubmitted(t *testing.T) {
	s, store, _ := newSyncUnderTest(t, model.SessionStatusCompleted, 0)
	score := 80.0
	store.session.Score = &score

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	st := s.State()
	if st.Phase != PhaseSubmitted {
		t.Fatalf("expected submitted phase, got %s", st.Phase)
	}
	if st.Result == nil || st.Result.Status != model.SessionStatusCompleted {
		t.Fatalf("expected completed result, got %+v", st.Result)
	}
	if err := s.Start(); !errors.Is(err, ErrNotStartable) {
		t.Fatalf("expected ErrNotStartable on a terminal session, got %v", err)
	}
}

func TestLoadFailureEntersErrorPhase(t *testing.T) {
	_, factory := newFakeTransport()
	s, err := New(Options{
		Store:        failingStore{},
		NewTransport: factory,
		SessionID:    uuid.New(),
		Log:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Load(context.Background()); err == nil {
		t.Fatal("expected Load to fail")
	}
	st := s.State()
	if st.Phase != PhaseError || st.Err == nil {
		t.Fatalf("expected error phase with error, got %s / %v", st.Phase, st.Err)
	}
}

type failingStore struct{}

func (failingStore) CreateSession(context.Context, uuid.UUID, int) (*model.TestSession, error) {
	return nil, errors.New("unreachable")
}
func (failingStore) GetSession(context.Context, uuid.UUID) (*model.TestSession, error) {
	return nil, errors.New("unreachable")
}
func (failingStore) GetTest(context.Context, uuid.UUID) (*model.Test, error) {
	return nil, errors.New("unreachable")
}
func (failingStore) StartSession(context.Context, uuid.UUID) (*model.TestSession, error) {
	return nil, errors.New("unreachable")
}
func (failingStore) SubmitSession(context.Context, uuid.UUID, map[uuid.UUID]model.Answer) (*model.SessionResult, error) {
	return nil, errors.New("unreachable")
}

func TestStartEntersQuizAndOpensTransport(t *testing.T) {
	s, _, ft := newSyncUnderTest(t, model.SessionStatusPending, 0)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "quiz phase", func() bool { return s.State().Phase == PhaseQuiz })

	ft.mu.Lock()
	started := ft.started
	ft.mu.Unlock()
	if !started {
		t.Fatal("expected transport to be started")
	}
}

func TestLoadInProgressResumesQuiz(t *testing.T) {
	s, _, ft := newSyncUnderTest(t, model.SessionStatusInProgress, 600)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	st := s.State()
	if st.Phase != PhaseQuiz {
		t.Fatalf("expected resume into quiz, got %s", st.Phase)
	}
	if st.TimeRemainingSeconds != 600 {
		t.Fatalf("expected snapshot remaining time, got %d", st.TimeRemainingSeconds)
	}

	ft.mu.Lock()
	started := ft.started
	ft.mu.Unlock()
	if !started {
		t.Fatal("expected transport to be started on resume")
	}
}

func TestCountdownDecrementsAndZeroForcesSubmit(t *testing.T) {
	s, store, _ := newSyncUnderTest(t, model.SessionStatusInProgress, 2)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	waitFor(t, "forced submit at zero", func() bool { return s.State().Phase == PhaseSubmitted })
	waitFor(t, "submit confirmation", func() bool { return store.submits() >= 1 })

	if got := s.State().TimeRemainingSeconds; got != 0 {
		t.Fatalf("expected remaining time floored at 0, got %d", got)
	}
	if got := store.submits(); got != 1 {
		t.Fatalf("expected exactly one submit, got %d", got)
	}
}

func TestSubmitFlushesPendingEssayEdit(t *testing.T) {
	s, store, _ := newSyncUnderTest(t, model.SessionStatusInProgress, 600)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	essayID := s.Test().Questions[1].ID

	// Debounce window is an hour: without the flush this edit would be lost.
	s.SubmitAnswer(essayID, model.Answer{Text: "last second thought"}, false)
	s.Submit()

	waitFor(t, "submit confirmation", func() bool { return store.submits() >= 1 })

	answers := store.submittedAnswers()
	if got := answers[essayID].Text; got != "last second thought" {
		t.Fatalf("pending edit missing from final payload: %q", got)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	s, store, _ := newSyncUnderTest(t, model.SessionStatusInProgress, 600)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	s.Submit()
	s.Submit()
	waitFor(t, "terminal result", func() bool { return s.State().Result != nil })
	s.Submit()

	time.Sleep(30 * time.Millisecond)
	if got := store.submits(); got != 1 {
		t.Fatalf("expected exactly one submit, got %d", got)
	}
}

func TestUnconfirmedSubmitRetriesOnReconnect(t *testing.T) {
	s, store, ft := newSyncUnderTest(t, model.SessionStatusInProgress, 600)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	store.setSubmitErr(errors.New("store unreachable"))

	s.Submit()
	waitFor(t, "failed submit attempt", func() bool { return store.submits() == 1 })

	// Provisional: submitted phase with no confirmed result.
	waitFor(t, "provisional settle", func() bool {
		st := s.State()
		return st.Phase == PhaseSubmitted && st.Result == nil
	})

	store.setSubmitErr(nil)
	ft.connect() // reconnect triggers the retry

	waitFor(t, "confirmed result", func() bool { return s.State().Result != nil })
	if got := s.State().Result.Status; got != model.SessionStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestServerCorrectionPreservesPendingEdits(t *testing.T) {
	s, _, ft := newSyncUnderTest(t, model.SessionStatusInProgress, 600)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	test := s.Test()
	essayID := test.Questions[1].ID
	choiceID := test.Questions[0].ID

	// An essay edit still inside its debounce window...
	s.SubmitAnswer(essayID, model.Answer{Text: "local draft"}, false)

	// ...must survive a server correction carrying stale answers.
	idx := 2
	ft.deliver(&ws.SessionStateMessage{
		Type:                 ws.TypeSessionState,
		CurrentQuestionIndex: &idx,
		Answers: map[uuid.UUID]model.Answer{
			choiceID: {SelectedOptionID: "b"},
			essayID:  {Text: "stale server copy"},
		},
	})

	st := s.State()
	if got := st.Answers[essayID].Text; got != "local draft" {
		t.Fatalf("server correction clobbered an in-flight edit: %q", got)
	}
	if got := st.Answers[choiceID].SelectedOptionID; got != "b" {
		t.Fatalf("expected server answer adopted, got %q", got)
	}
	if st.CurrentQuestionIndex != 2 {
		t.Fatalf("expected corrected index 2, got %d", st.CurrentQuestionIndex)
	}
	if st.LastSyncAt.IsZero() {
		t.Fatal("expected LastSyncAt to be set")
	}
}

func TestTimerUpdateIsAuthoritative(t *testing.T) {
	s, _, ft := newSyncUnderTest(t, model.SessionStatusInProgress, 10)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// The server may increase remaining time; the local tick never does.
	ft.deliver(&ws.TimerUpdateMessage{Type: ws.TypeTimerUpdate, TimeRemainingSeconds: 500})

	waitFor(t, "timer correction", func() bool {
		got := s.State().TimeRemainingSeconds
		return got > 400 && got <= 500
	})
}

func TestNavigateClampsAndNotifies(t *testing.T) {
	s, _, ft := newSyncUnderTest(t, model.SessionStatusInProgress, 600)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	s.Navigate(99)
	if got := s.State().CurrentQuestionIndex; got != 2 {
		t.Fatalf("expected clamp to last question (2), got %d", got)
	}
	s.Navigate(-5)
	if got := s.State().CurrentQuestionIndex; got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}

	var sawNav bool
	for _, m := range ft.sentMessages() {
		if _, ok := m.(*ws.UpdateQuestionIndexMessage); ok {
			sawNav = true
		}
	}
	if !sawNav {
		t.Fatal("expected navigation to be sent to the store")
	}
}

func TestServerExpiryWinsOverLocalSubmit(t *testing.T) {
	s, store, ft := newSyncUnderTest(t, model.SessionStatusInProgress, 600)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	score := 40.0
	ft.deliver(&ws.TimeExpiredMessage{
		Type:   ws.TypeTimeExpired,
		Result: &model.SessionResult{Status: model.SessionStatusExpired, Score: &score},
	})

	st := s.State()
	if st.Phase != PhaseSubmitted || st.SessionStatus != model.SessionStatusExpired {
		t.Fatalf("expected expired terminal state, got %s / %s", st.Phase, st.SessionStatus)
	}

	// A local submit racing in afterwards must not overwrite the outcome.
	s.Submit()
	time.Sleep(30 * time.Millisecond)
	if got := store.submits(); got != 0 {
		t.Fatalf("expected no submit after server expiry, got %d", got)
	}
	if got := s.State().Result.Status; got != model.SessionStatusExpired {
		t.Fatalf("expected expired result to stand, got %s", got)
	}
}

func TestSyncPayloadCarriesCurrentState(t *testing.T) {
	s, _, ft := newSyncUnderTest(t, model.SessionStatusInProgress, 600)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	choiceID := s.Test().Questions[0].ID

	s.SubmitAnswer(choiceID, model.Answer{SelectedOptionID: "a"}, false)
	s.Navigate(1)

	ft.connect()

	var sync *ws.SyncMessage
	for _, m := range ft.sentMessages() {
		if sm, ok := m.(*ws.SyncMessage); ok {
			sync = sm
		}
	}
	if sync == nil {
		t.Fatal("expected a sync message on connect")
	}
	if sync.CurrentQuestionIndex != 1 {
		t.Fatalf("expected sync to carry current index 1, got %d", sync.CurrentQuestionIndex)
	}
	if got := sync.Answers[choiceID].SelectedOptionID; got != "a" {
		t.Fatalf("expected sync to carry current answers, got %q", got)
	}
}

func TestTerminalAcceptsLocalEditsWithoutTransmitting(t *testing.T) {
	s, _, ft := newSyncUnderTest(t, model.SessionStatusInProgress, 600)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	choiceID := s.Test().Questions[0].ID

	ft.deliver(&ws.TestCompletedMessage{Type: ws.TypeTestCompleted, Status: model.SessionStatusCompleted})

	before := len(ft.sentMessages())
	s.SubmitAnswer(choiceID, model.Answer{SelectedOptionID: "b"}, false)

	if got := s.State().Answers[choiceID].SelectedOptionID; got != "b" {
		t.Fatalf("expected local state to accept the edit, got %q", got)
	}
	if got := len(ft.sentMessages()); got != before {
		t.Fatalf("expected no transmission after terminal, sent %d new", got-before)
	}
}
