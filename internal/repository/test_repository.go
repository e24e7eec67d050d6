package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/examsync/internal/model"
)

// TestRepository handles read access to tests and questions. Authoring
// happens in an external system; this service only serves papers.
type TestRepository struct {
	pool *pgxpool.Pool
}

// NewTestRepository creates a new TestRepository.
func NewTestRepository(pool *pgxpool.Pool) *TestRepository {
	return &TestRepository{pool: pool}
}

// GetByID retrieves a test with its ordered questions. Correct options are
// never attached to the returned shape.
func (r *TestRepository) GetByID(ctx context.Context, testID uuid.UUID) (*model.Test, error) {
	t := &model.Test{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_minutes, passing_score
		 FROM tests WHERE id = $1`, testID,
	).Scan(&t.ID, &t.Title, &t.DurationMinutes, &t.PassingScore)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, content, kind, options, order_num
		 FROM questions
		 WHERE test_id = $1
		 ORDER BY order_num ASC`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var q model.Question
		var rawOptions []byte
		if err := rows.Scan(&q.ID, &q.Content, &q.Kind, &rawOptions, &q.OrderNum); err != nil {
			return nil, err
		}
		if len(rawOptions) > 0 {
			if err := json.Unmarshal(rawOptions, &q.Options); err != nil {
				return nil, fmt.Errorf("decode options for question %s: %w", q.ID, err)
			}
		}
		t.Questions = append(t.Questions, q)
	}
	return t, rows.Err()
}

// AnswerKey returns question id → correct option id for every keyed
// single_choice question of the test.
func (r *TestRepository) AnswerKey(ctx context.Context, testID uuid.UUID) (map[string]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, correct_option_id
		 FROM questions
		 WHERE test_id = $1 AND kind = $2 AND correct_option_id IS NOT NULL`,
		testID, model.QuestionKindSingleChoice,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	key := make(map[string]string)
	for rows.Next() {
		var qID uuid.UUID
		var correct string
		if err := rows.Scan(&qID, &correct); err != nil {
			return nil, err
		}
		key[qID.String()] = correct
	}
	return key, rows.Err()
}
