package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/examsync/internal/config"
	"github.com/stemsi/examsync/internal/database"
	"github.com/stemsi/examsync/internal/logger"
	"github.com/stemsi/examsync/internal/model"
)

// Seeds one sample test with a mix of single-choice and essay questions so a
// local Session Store has something to serve.
func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	fmt.Println("=== Seeding sample test ===")

	testID := uuid.New()
	passing := 70.0
	_, err = pool.Exec(ctx,
		`INSERT INTO tests (id, title, duration_minutes, passing_score)
		 VALUES ($1, $2, $3, $4)`,
		testID, "General Knowledge Practice", 30, passing,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to insert test")
	}

	type seedQuestion struct {
		content string
		kind    model.QuestionKind
		options []model.Option
		correct string
	}

	questions := []seedQuestion{
		{
			content: "Which planet is closest to the sun?",
			kind:    model.QuestionKindSingleChoice,
			options: []model.Option{
				{ID: "a", Label: "Venus"},
				{ID: "b", Label: "Mercury"},
				{ID: "c", Label: "Mars"},
				{ID: "d", Label: "Earth"},
			},
			correct: "b",
		},
		{
			content: "What is the chemical symbol for gold?",
			kind:    model.QuestionKindSingleChoice,
			options: []model.Option{
				{ID: "a", Label: "Au"},
				{ID: "b", Label: "Ag"},
				{ID: "c", Label: "Gd"},
				{ID: "d", Label: "Go"},
			},
			correct: "a",
		},
		{
			content: "Explain the difference between weather and climate.",
			kind:    model.QuestionKindEssay,
		},
		{
			content: "Which ocean is the largest by surface area?",
			kind:    model.QuestionKindSingleChoice,
			options: []model.Option{
				{ID: "a", Label: "Atlantic"},
				{ID: "b", Label: "Indian"},
				{ID: "c", Label: "Pacific"},
				{ID: "d", Label: "Arctic"},
			},
			correct: "c",
		},
		{
			content: "Describe one way rivers shape the landscape over time.",
			kind:    model.QuestionKindEssay,
		},
	}

	for i, q := range questions {
		var rawOptions []byte
		if len(q.options) > 0 {
			rawOptions, err = json.Marshal(q.options)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to encode options")
			}
		}

		var correct *string
		if q.correct != "" {
			correct = &q.correct
		}

		_, err = pool.Exec(ctx,
			`INSERT INTO questions (id, test_id, content, kind, options, correct_option_id, order_num)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), testID, q.content, q.kind, rawOptions, correct, i+1,
		)
		if err != nil {
			log.Fatal().Err(err).Int("order", i+1).Msg("Failed to insert question")
		}
	}

	fmt.Printf("Seeded test %s with %d questions\n", testID, len(questions))
}
