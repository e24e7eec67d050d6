package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/examsync/internal/model"
)

// SessionRepository handles test session data access.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, test_id, user_id, status, current_question_index,
	started_at, finished_at, score, correct_answers, created_at`

func scanSession(row pgx.Row) (*model.TestSession, error) {
	s := &model.TestSession{}
	err := row.Scan(&s.ID, &s.TestID, &s.UserID, &s.Status, &s.CurrentQuestionIndex,
		&s.StartedAt, &s.FinishedAt, &s.Score, &s.CorrectAnswers, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a session by id. Answers are loaded separately.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.TestSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions WHERE id = $1`, id))
}

// GetByTestAndUser retrieves the session for a specific test-user pair.
func (r *SessionRepository) GetByTestAndUser(ctx context.Context, testID uuid.UUID, userID int) (*model.TestSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions WHERE test_id = $1 AND user_id = $2`,
		testID, userID))
}

// Create inserts a new PENDING session. On a concurrent create for the same
// test-user pair the insert is skipped and pgx.ErrNoRows is returned.
func (r *SessionRepository) Create(ctx context.Context, s *model.TestSession) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO test_sessions (test_id, user_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (test_id, user_id) DO NOTHING
		 RETURNING id, created_at`,
		s.TestID, s.UserID, model.SessionStatusPending,
	).Scan(&s.ID, &s.CreatedAt)
}

// MarkStarted transitions PENDING → IN_PROGRESS. Returns pgx.ErrNoRows when
// the session was not PENDING (already started or terminal).
func (r *SessionRepository) MarkStarted(ctx context.Context, id uuid.UUID) (time.Time, error) {
	var startedAt time.Time
	err := r.pool.QueryRow(ctx,
		`UPDATE test_sessions
		 SET status = $1, started_at = NOW()
		 WHERE id = $2 AND status = $3
		 RETURNING started_at`,
		model.SessionStatusInProgress, id, model.SessionStatusPending,
	).Scan(&startedAt)
	return startedAt, err
}

// Finish applies a terminal transition. The conditional WHERE makes
// concurrent submit/expiry races resolve to exactly one winner: the loser
// gets pgx.ErrNoRows and must re-read the row for the existing outcome.
func (r *SessionRepository) Finish(ctx context.Context, id uuid.UUID, status model.SessionStatus, score *float64, correct *int) error {
	var finishedAt time.Time
	return r.pool.QueryRow(ctx,
		`UPDATE test_sessions
		 SET status = $1, score = $2, correct_answers = $3, finished_at = NOW()
		 WHERE id = $4 AND status = $5
		 RETURNING finished_at`,
		status, score, correct, id, model.SessionStatusInProgress,
	).Scan(&finishedAt)
}

// UpdateQuestionIndex persists the current position. Best effort from the
// caller's point of view; position is also mirrored in Redis.
func (r *SessionRepository) UpdateQuestionIndex(ctx context.Context, id uuid.UUID, index int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE test_sessions SET current_question_index = $1 WHERE id = $2`,
		index, id)
	return err
}

// ListAnswers loads the durable answers of a session.
func (r *SessionRepository) ListAnswers(ctx context.Context, id uuid.UUID) (map[uuid.UUID]model.Answer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, selected_option_id, answer_text
		 FROM session_answers WHERE session_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := make(map[uuid.UUID]model.Answer)
	for rows.Next() {
		var qID uuid.UUID
		var selected, text *string
		if err := rows.Scan(&qID, &selected, &text); err != nil {
			return nil, err
		}
		var a model.Answer
		if selected != nil {
			a.SelectedOptionID = *selected
		}
		if text != nil {
			a.Text = *text
		}
		answers[qID] = a
	}
	return answers, rows.Err()
}

// UpsertAnswers writes a batch of answers synchronously. Used at the
// terminal transition so the final payload is durable before the session is
// closed; the steady-state path goes through the async persistence queue.
func (r *SessionRepository) UpsertAnswers(ctx context.Context, id uuid.UUID, answers map[uuid.UUID]model.Answer) error {
	for qID, a := range answers {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO session_answers (session_id, question_id, selected_option_id, answer_text)
			 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
			 ON CONFLICT (session_id, question_id) DO UPDATE
			 SET selected_option_id = EXCLUDED.selected_option_id,
			     answer_text = EXCLUDED.answer_text,
			     updated_at = NOW()`,
			id, qID, a.SelectedOptionID, a.Text,
		)
		if err != nil {
			return err
		}
	}
	return nil
}
