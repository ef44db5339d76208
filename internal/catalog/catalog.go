// Package catalog holds the built-in question sets shipped with the app.
package catalog

import "school-assistant/internal/domain"

// GetTestByID looks up a built-in quiz. The returned value is a private copy.
func GetTestByID(id string) (domain.QuizDefinition, bool) {
	def, ok := builtin[id]
	if !ok {
		return domain.QuizDefinition{}, false
	}
	return def.Clone(), true
}

// Builtin returns a copy of every built-in quiz keyed by id.
func Builtin() map[string]domain.QuizDefinition {
	out := make(map[string]domain.QuizDefinition, len(builtin))
	for id, def := range builtin {
		out[id] = def.Clone()
	}
	return out
}

var builtin = map[string]domain.QuizDefinition{
	"discriminant": {
		ID:        "discriminant",
		Title:     "Дискриминант и квадратные уравнения",
		Subject:   "algebra",
		TimeLimit: 1800,
		Questions: []domain.Question{
			{
				ID:     1,
				Kind:   domain.KindSingleChoice,
				Prompt: "Чему равен дискриминант уравнения x² − 5x + 6 = 0?",
				Options: []domain.Option{
					{ID: "a", Text: "1", Correct: true},
					{ID: "b", Text: "25"},
					{ID: "c", Text: "−1"},
					{ID: "d", Text: "49"},
				},
				Explanation: "D = b² − 4ac = 25 − 24 = 1.",
			},
			{
				ID:     2,
				Kind:   domain.KindSingleChoice,
				Prompt: "Сколько действительных корней у уравнения, если D < 0?",
				Options: []domain.Option{
					{ID: "a", Text: "Два"},
					{ID: "b", Text: "Ни одного", Correct: true},
					{ID: "c", Text: "Один"},
					{ID: "d", Text: "Бесконечно много"},
				},
				Explanation: "При отрицательном дискриминанте действительных корней нет.",
			},
			{
				ID:            3,
				Kind:          domain.KindFreeText,
				Prompt:        "Разминка: Чёрное ..., Красное ..., Белое ... Какое слово пропущено?",
				CorrectAnswer: "море",
				Suggestions:   []string{"озеро", "море", "поле"},
				Explanation:   "Чёрное, Красное и Белое — моря.",
			},
			{
				ID:     4,
				Kind:   domain.KindSingleChoice,
				Prompt: "По какой формуле вычисляется дискриминант уравнения ax² + bx + c = 0?",
				Options: []domain.Option{
					{ID: "a", Text: "b² − 4ac", Correct: true},
					{ID: "b", Text: "b² + 4ac"},
					{ID: "c", Text: "4ac − b²"},
					{ID: "d", Text: "b − 4ac"},
				},
				Media:       "formulas/discriminant.png",
				Explanation: "D = b² − 4ac.",
			},
			{
				ID:            5,
				Kind:          domain.KindFreeText,
				Prompt:        "Найдите корень уравнения x² − 4x + 4 = 0.",
				CorrectAnswer: "2",
				Suggestions:   []string{"2", "-2", "4"},
				Explanation:   "D = 0, значит корень один: x = 4 / 2 = 2.",
			},
		},
	},
	"english-basics": {
		ID:        "english-basics",
		Title:     "English: Present Simple",
		Subject:   "english",
		TimeLimit: 600,
		Questions: []domain.Question{
			{
				ID:     1,
				Kind:   domain.KindSingleChoice,
				Prompt: "She ___ to school every day.",
				Options: []domain.Option{
					{ID: "a", Text: "go"},
					{ID: "b", Text: "goes", Correct: true},
					{ID: "c", Text: "going"},
				},
				HasAudio:    true,
				Media:       "audio/present-simple-1.mp3",
				Explanation: "Third person singular takes -es.",
			},
			{
				ID:            2,
				Kind:          domain.KindFreeText,
				Prompt:        "Translate: «кошка»",
				CorrectAnswer: "cat",
				Explanation:   "кошка — cat.",
			},
			{
				ID:     3,
				Kind:   domain.KindSingleChoice,
				Prompt: "They ___ like coffee.",
				Options: []domain.Option{
					{ID: "a", Text: "doesn't"},
					{ID: "b", Text: "don't", Correct: true},
					{ID: "c", Text: "isn't"},
				},
				Explanation: "Plural subjects use don't.",
			},
		},
	},
}
