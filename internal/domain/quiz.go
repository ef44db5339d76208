package domain

import (
	"fmt"
	"strings"
)

// QuestionKind tags the variant a Question carries.
type QuestionKind string

const (
	KindSingleChoice QuestionKind = "single_choice"
	KindFreeText     QuestionKind = "free_text"
)

// Option is one answer choice of a single-choice question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question is a tagged variant. Options and HasAudio belong to single-choice
// questions; CorrectAnswer and Suggestions belong to free-text ones.
type Question struct {
	ID          int          `json:"id"`
	Kind        QuestionKind `json:"kind"`
	Prompt      string       `json:"prompt"`
	Media       string       `json:"media,omitempty"`
	Explanation string       `json:"explanation,omitempty"`

	Options  []Option `json:"options,omitempty"`
	HasAudio bool     `json:"has_audio,omitempty"`

	CorrectAnswer string   `json:"correct_answer,omitempty"`
	Suggestions   []string `json:"suggestions,omitempty"`
}

// FindOption returns the option with the given id.
func (q Question) FindOption(id string) (Option, bool) {
	for _, opt := range q.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// CorrectOption returns the single option flagged as correct.
func (q Question) CorrectOption() (Option, bool) {
	for _, opt := range q.Options {
		if opt.Correct {
			return opt, true
		}
	}
	return Option{}, false
}

func (q Question) validate() error {
	switch q.Kind {
	case KindSingleChoice:
		correct := 0
		for _, opt := range q.Options {
			if opt.Correct {
				correct++
			}
		}
		if correct != 1 {
			return fmt.Errorf("question %d: %d correct options, want exactly 1", q.ID, correct)
		}
	case KindFreeText:
		if strings.TrimSpace(q.CorrectAnswer) == "" {
			return fmt.Errorf("question %d: empty canonical answer", q.ID)
		}
	default:
		return fmt.Errorf("question %d: unknown kind %q", q.ID, q.Kind)
	}
	return nil
}

// QuizDefinition is an immutable question set from the catalog.
// TimeLimit is in seconds; zero means untimed.
type QuizDefinition struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Subject   string     `json:"subject"`
	TimeLimit int        `json:"time_limit"`
	Questions []Question `json:"questions"`
}

// Validate checks that the set can be played.
func (d QuizDefinition) Validate() error {
	if len(d.Questions) == 0 {
		return fmt.Errorf("%w: quiz %q has no questions", ErrInvalidQuiz, d.ID)
	}
	if d.TimeLimit < 0 {
		return fmt.Errorf("%w: quiz %q has negative time limit", ErrInvalidQuiz, d.ID)
	}
	for _, q := range d.Questions {
		if err := q.validate(); err != nil {
			return fmt.Errorf("%w: quiz %q: %v", ErrInvalidQuiz, d.ID, err)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can never alias catalog slices.
func (d QuizDefinition) Clone() QuizDefinition {
	out := d
	out.Questions = make([]Question, len(d.Questions))
	for i, q := range d.Questions {
		q.Options = append([]Option(nil), q.Options...)
		q.Suggestions = append([]string(nil), q.Suggestions...)
		out.Questions[i] = q
	}
	return out
}

// SessionStatus is the coarse state of a quiz session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusResults    SessionStatus = "results"
)

// QuestionProgress is the per-question mutable state of an attempt.
// IsCorrect stays nil until the question is answered.
type QuestionProgress struct {
	QuestionID int    `json:"questionId"`
	Answered   bool   `json:"answered"`
	Answer     string `json:"answer,omitempty"`
	IsCorrect  *bool  `json:"isCorrect,omitempty"`
}

// AttemptProgress is everything needed to resume an attempt.
type AttemptProgress struct {
	Questions []QuestionProgress `json:"questions"`
	TimeLeft  int                `json:"timeLeft"`
}

// OptionView hides correctness from clients.
type OptionView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// QuestionView is what a client may see of the current question.
// CorrectAnswer and Explanation are only filled once the question is answered.
type QuestionView struct {
	ID            int          `json:"id"`
	Kind          QuestionKind `json:"kind"`
	Prompt        string       `json:"prompt"`
	Media         string       `json:"media,omitempty"`
	HasAudio      bool         `json:"hasAudio,omitempty"`
	Options       []OptionView `json:"options,omitempty"`
	Suggestions   []string     `json:"suggestions,omitempty"`
	Answered      bool         `json:"answered"`
	Answer        string       `json:"answer,omitempty"`
	IsCorrect     *bool        `json:"isCorrect,omitempty"`
	CorrectAnswer string       `json:"correctAnswer,omitempty"`
	Explanation   string       `json:"explanation,omitempty"`
}

// QuizResults summarizes a finished attempt.
type QuizResults struct {
	Score      int    `json:"score"`
	Total      int    `json:"total"`
	Answered   int    `json:"answered"`
	Skipped    int    `json:"skipped"`
	Percentage int    `json:"percentage"`
	TimeUp     bool   `json:"timeUp"`
	TimeSpent  string `json:"timeSpent"`
}

// QuizState is a snapshot of a session for rendering.
type QuizState struct {
	AttemptID    string        `json:"attemptId"`
	QuizID       string        `json:"quizId"`
	Title        string        `json:"title"`
	Subject      string        `json:"subject"`
	Status       SessionStatus `json:"status"`
	CurrentIndex int           `json:"currentIndex"`
	Total        int           `json:"total"`
	Score        int           `json:"score"`
	TimeLimit    int           `json:"timeLimit"`
	TimeLeft     int           `json:"timeLeft"`
	Clock        string        `json:"clock"`
	Current      *QuestionView `json:"current,omitempty"`
	Results      *QuizResults  `json:"results,omitempty"`
}

// AnswerOutcome is the result of a single accepted submission.
type AnswerOutcome struct {
	QuestionID    int    `json:"questionId"`
	Correct       bool   `json:"correct"`
	Score         int    `json:"score"`
	CorrectAnswer string `json:"correctAnswer"`
	Explanation   string `json:"explanation,omitempty"`
	Last          bool   `json:"last"`
}
