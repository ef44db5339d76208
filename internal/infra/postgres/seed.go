package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/uptrace/bun"

	"school-assistant/internal/domain"
)

type quizRow struct {
	bun.BaseModel `bun:"table:quizzes"`

	ID   string          `bun:"id,pk"`
	Data json.RawMessage `bun:"data,type:jsonb"`
}

// Seed upserts quizzes into the quizzes table. Invalid definitions are
// rejected before anything is written.
func Seed(ctx context.Context, db *bun.DB, quizzes map[string]domain.QuizDefinition) (int, error) {
	ids := make([]string, 0, len(quizzes))
	for id := range quizzes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]quizRow, 0, len(ids))
	for _, id := range ids {
		quiz := quizzes[id]
		if err := quiz.Validate(); err != nil {
			return 0, err
		}
		data, err := json.Marshal(quiz)
		if err != nil {
			return 0, fmt.Errorf("marshal quiz %s: %w", id, err)
		}
		rows = append(rows, quizRow{ID: id, Data: data})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	_, err := db.NewInsert().
		Model(&rows).
		On("CONFLICT (id) DO UPDATE").
		Set("data = EXCLUDED.data").
		Set("updated_at = now()").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("seed quizzes: %w", err)
	}
	return len(rows), nil
}
