package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/examsync/internal/config"
	"github.com/stemsi/examsync/internal/model"
	"github.com/stemsi/examsync/internal/repository"
)

// Service-level sentinel errors, mapped to API error codes by handlers.
var (
	ErrTestNotFound      = errors.New("test not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotPending = errors.New("session is already started or terminal")
	ErrSessionTerminal   = errors.New("session is terminal")
)

// SessionService owns the authoritative side of a test attempt: status
// transitions, the wall-clock deadline, and the hot answer state. Redis
// holds the hot path (answers hash, position, deadline); PostgreSQL is the
// source of truth, with Redis self-healed from it on cache misses.
type SessionService struct {
	sessionRepo *repository.SessionRepository
	testRepo    *repository.TestRepository
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	sessionRepo *repository.SessionRepository,
	testRepo *repository.TestRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		sessionRepo: sessionRepo,
		testRepo:    testRepo,
		rdb:         rdb,
		log:         log.With().Str("component", "session_service").Logger(),
	}
}

// GetTest serves the read-only paper.
func (s *SessionService) GetTest(ctx context.Context, testID uuid.UUID) (*model.Test, error) {
	test, err := s.testRepo.GetByID(ctx, testID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("get test: %w", err)
	}
	return test, nil
}

// CreateSession creates a PENDING attempt for test+user, or returns the
// existing one. Idempotent: refreshing or opening a second device never
// creates a duplicate attempt.
func (s *SessionService) CreateSession(ctx context.Context, testID uuid.UUID, userID int) (*model.TestSession, error) {
	test, err := s.testRepo.GetByID(ctx, testID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("get test: %w", err)
	}

	existing, err := s.sessionRepo.GetByTestAndUser(ctx, testID, userID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing session: %w", err)
	}
	if existing != nil {
		return s.hydrate(ctx, existing, test)
	}

	session := &model.TestSession{TestID: testID, UserID: userID, Status: model.SessionStatusPending}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent create: fetch the winner's row.
			existing, fetchErr := s.sessionRepo.GetByTestAndUser(ctx, testID, userID)
			if fetchErr != nil {
				return nil, fmt.Errorf("concurrent create detected, but fetch failed: %w", fetchErr)
			}
			return s.hydrate(ctx, existing, test)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	session.TimeRemainingSeconds = test.DurationMinutes * 60
	return session, nil
}

// GetSessionState returns the full snapshot: status, position, answers, and
// authoritative remaining time.
func (s *SessionService) GetSessionState(ctx context.Context, sessionID uuid.UUID) (*model.TestSession, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s.hydrate(ctx, sess, nil)
}

// hydrate overlays the hot Redis state and remaining time onto a session
// row. test may be nil; it is fetched when needed.
func (s *SessionService) hydrate(ctx context.Context, sess *model.TestSession, test *model.Test) (*model.TestSession, error) {
	answers, err := s.loadAnswers(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	sess.Answers = answers

	if idxStr, err := s.rdb.Get(ctx, config.CacheKey.SessionIndexKey(sess.ID.String())).Result(); err == nil {
		if idx, convErr := strconv.Atoi(idxStr); convErr == nil {
			sess.CurrentQuestionIndex = idx
		}
	}

	if test == nil {
		test, err = s.testRepo.GetByID(ctx, sess.TestID)
		if err != nil {
			return nil, fmt.Errorf("get test: %w", err)
		}
	}

	remaining, err := s.remaining(ctx, sess, test)
	if err != nil {
		return nil, err
	}
	sess.TimeRemainingSeconds = remaining
	return sess, nil
}

// StartSession transitions PENDING → IN_PROGRESS, caches the wall-clock
// deadline, and registers the session for expiry sweeps.
func (s *SessionService) StartSession(ctx context.Context, sessionID uuid.UUID) (*model.TestSession, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	test, err := s.testRepo.GetByID(ctx, sess.TestID)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", err)
	}

	startedAt, err := s.sessionRepo.MarkStarted(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotPending
		}
		return nil, fmt.Errorf("mark started: %w", err)
	}

	deadline := startedAt.Add(time.Duration(test.DurationMinutes) * time.Minute)
	id := sessionID.String()
	if err := s.rdb.Set(ctx, config.CacheKey.SessionDeadlineKey(id), deadline.Unix(), 0).Err(); err != nil {
		// The PG fallback in remaining() covers an evicted deadline.
		s.log.Warn().Err(err).Str("session_id", id).Msg("Failed to cache deadline")
	}
	s.rdb.SAdd(ctx, config.CacheKey.ActiveSessionsKey(), id)

	sess.Status = model.SessionStatusInProgress
	sess.StartedAt = &startedAt
	sess.TimeRemainingSeconds = test.DurationMinutes * 60
	return sess, nil
}

// SaveAnswer records one answer edit: Redis immediately, durable storage via
// the persistence queue. Rejected once the session is terminal.
func (s *SessionService) SaveAnswer(ctx context.Context, sessionID, questionID uuid.UUID, answer model.Answer) error {
	status, err := s.currentStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return ErrSessionTerminal
	}

	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	id := sessionID.String()
	if err := s.rdb.HSet(ctx, config.CacheKey.SessionAnswersKey(id), questionID.String(), raw).Err(); err != nil {
		return fmt.Errorf("cache answer: %w", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"session_id":         id,
		"question_id":        questionID.String(),
		"selected_option_id": answer.SelectedOptionID,
		"answer_text":        answer.Text,
	})
	s.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload)
	return nil
}

// UpdateQuestionIndex records a navigation, Redis first, PG best effort.
func (s *SessionService) UpdateQuestionIndex(ctx context.Context, sessionID uuid.UUID, index int) error {
	if index < 0 {
		index = 0
	}
	id := sessionID.String()
	if err := s.rdb.Set(ctx, config.CacheKey.SessionIndexKey(id), index, 0).Err(); err != nil {
		return fmt.Errorf("cache question index: %w", err)
	}
	if err := s.sessionRepo.UpdateQuestionIndex(ctx, sessionID, index); err != nil {
		s.log.Warn().Err(err).Str("session_id", id).Msg("Persist question index failed")
	}
	return nil
}

// ApplySync absorbs a client's reconnect state (position and answers) and
// returns the merged authoritative index and answers for the correction
// reply. Terminal sessions reject the sync.
func (s *SessionService) ApplySync(ctx context.Context, sessionID uuid.UUID, index int, answers map[uuid.UUID]model.Answer) (int, map[uuid.UUID]model.Answer, error) {
	status, err := s.currentStatus(ctx, sessionID)
	if err != nil {
		return 0, nil, err
	}
	if status.Terminal() {
		return 0, nil, ErrSessionTerminal
	}

	if index < 0 {
		index = 0
	}
	for qID, ans := range answers {
		if err := s.SaveAnswer(ctx, sessionID, qID, ans); err != nil {
			return 0, nil, err
		}
	}
	if err := s.UpdateQuestionIndex(ctx, sessionID, index); err != nil {
		return 0, nil, err
	}

	merged, err := s.loadAnswers(ctx, sessionID)
	if err != nil {
		return 0, nil, err
	}
	return index, merged, nil
}

// RemainingSeconds returns the authoritative remaining time.
func (s *SessionService) RemainingSeconds(ctx context.Context, sessionID uuid.UUID) (int, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrSessionNotFound
		}
		return 0, fmt.Errorf("get session: %w", err)
	}
	return s.remaining(ctx, sess, nil)
}

// SubmitSession applies the explicit terminal transition with the final
// answer payload. Idempotent: a terminal session returns its existing
// outcome, so a retried submit after a timeout never double-counts.
func (s *SessionService) SubmitSession(ctx context.Context, sessionID uuid.UUID, answers map[uuid.UUID]model.Answer) (*model.SessionResult, error) {
	return s.finish(ctx, sessionID, model.SessionStatusCompleted, answers)
}

// ExpireSession applies the deadline-driven terminal transition. Answers
// saved so far are graded as they stand.
func (s *SessionService) ExpireSession(ctx context.Context, sessionID uuid.UUID) (*model.SessionResult, error) {
	return s.finish(ctx, sessionID, model.SessionStatusExpired, nil)
}

// finish resolves the terminal race through the conditional UPDATE in the
// repository: whichever transition commits first wins, the loser re-reads
// and reports the winner's outcome.
func (s *SessionService) finish(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus, extra map[uuid.UUID]model.Answer) (*model.SessionResult, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.Status.Terminal() {
		return resultOf(sess), nil
	}

	answers, err := s.loadAnswers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for qID, ans := range extra {
		answers[qID] = ans
	}

	correct, score, err := s.grade(ctx, sess.TestID, answers)
	if err != nil {
		return nil, err
	}

	if err := s.sessionRepo.Finish(ctx, sessionID, status, &score, &correct); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the terminal race; the winner's outcome stands and this
			// caller's answers are discarded.
			sess, err = s.sessionRepo.GetByID(ctx, sessionID)
			if err != nil {
				return nil, fmt.Errorf("reload after lost race: %w", err)
			}
			return resultOf(sess), nil
		}
		return nil, fmt.Errorf("finish session: %w", err)
	}

	if err := s.sessionRepo.UpsertAnswers(ctx, sessionID, answers); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Persist final answers failed")
	}
	s.rdb.SRem(ctx, config.CacheKey.ActiveSessionsKey(), sessionID.String())

	s.log.Info().
		Str("session_id", sessionID.String()).
		Str("status", string(status)).
		Float64("score", score).
		Int("correct", correct).
		Msg("Session finished")

	return &model.SessionResult{Status: status, Score: &score, CorrectAnswers: &correct}, nil
}

// grade counts correct single-choice answers against the cached answer key.
func (s *SessionService) grade(ctx context.Context, testID uuid.UUID, answers map[uuid.UUID]model.Answer) (int, float64, error) {
	key, err := s.answerKey(ctx, testID)
	if err != nil {
		return 0, 0, err
	}

	correct := 0
	for qID, correctOption := range key {
		parsed, err := uuid.Parse(qID)
		if err != nil {
			continue
		}
		if ans, ok := answers[parsed]; ok && ans.SelectedOptionID == correctOption {
			correct++
		}
	}

	var score float64
	if len(key) > 0 {
		score = (float64(correct) / float64(len(key))) * 100
	}
	return correct, score, nil
}

func (s *SessionService) answerKey(ctx context.Context, testID uuid.UUID) (map[string]string, error) {
	cacheKey := config.CacheKey.TestAnswerKeyKey(testID.String())
	if raw, err := s.rdb.Get(ctx, cacheKey).Result(); err == nil {
		key := make(map[string]string)
		if err := json.Unmarshal([]byte(raw), &key); err == nil {
			return key, nil
		}
	}

	key, err := s.testRepo.AnswerKey(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("load answer key: %w", err)
	}
	if raw, err := json.Marshal(key); err == nil {
		s.rdb.Set(ctx, cacheKey, raw, 0)
	}
	return key, nil
}

// loadAnswers reads the hot answers hash, falling back to PG and
// self-healing the cache on a miss.
func (s *SessionService) loadAnswers(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]model.Answer, error) {
	id := sessionID.String()
	fields, err := s.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load cached answers: %w", err)
	}

	answers := make(map[uuid.UUID]model.Answer, len(fields))
	if len(fields) > 0 {
		for field, raw := range fields {
			qID, err := uuid.Parse(field)
			if err != nil {
				continue
			}
			var a model.Answer
			if err := json.Unmarshal([]byte(raw), &a); err != nil {
				continue
			}
			answers[qID] = a
		}
		return answers, nil
	}

	answers, err = s.sessionRepo.ListAnswers(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	for qID, a := range answers {
		if raw, err := json.Marshal(a); err == nil {
			s.rdb.HSet(ctx, config.CacheKey.SessionAnswersKey(id), qID.String(), raw)
		}
	}
	return answers, nil
}

// remaining computes authoritative remaining seconds, preferring the cached
// deadline and self-healing it from PG when evicted.
func (s *SessionService) remaining(ctx context.Context, sess *model.TestSession, test *model.Test) (int, error) {
	switch {
	case sess.Status.Terminal():
		return 0, nil
	case sess.Status == model.SessionStatusPending:
		if test == nil {
			var err error
			test, err = s.testRepo.GetByID(ctx, sess.TestID)
			if err != nil {
				return 0, fmt.Errorf("get test: %w", err)
			}
		}
		return test.DurationMinutes * 60, nil
	}

	var deadline time.Time
	key := config.CacheKey.SessionDeadlineKey(sess.ID.String())
	val, err := s.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		unix, parseErr := strconv.ParseInt(val, 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("invalid deadline format in cache: %w", parseErr)
		}
		deadline = time.Unix(unix, 0)
	case errors.Is(err, redis.Nil):
		// Cache miss (evicted or legacy session): rebuild from PG.
		if sess.StartedAt == nil {
			return 0, nil
		}
		if test == nil {
			test, err = s.testRepo.GetByID(ctx, sess.TestID)
			if err != nil {
				return 0, fmt.Errorf("get test: %w", err)
			}
		}
		deadline = sess.StartedAt.Add(time.Duration(test.DurationMinutes) * time.Minute)
		s.rdb.Set(ctx, key, deadline.Unix(), 0)
	default:
		return 0, fmt.Errorf("redis error getting deadline: %w", err)
	}

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining.Seconds()), nil
}

func (s *SessionService) currentStatus(ctx context.Context, sessionID uuid.UUID) (model.SessionStatus, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("get session: %w", err)
	}
	return sess.Status, nil
}

func resultOf(sess *model.TestSession) *model.SessionResult {
	return &model.SessionResult{
		Status:         sess.Status,
		Score:          sess.Score,
		CorrectAnswers: sess.CorrectAnswers,
	}
}
