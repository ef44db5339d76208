package app

import (
	"fmt"
	"strings"

	"school-assistant/internal/domain"
)

// Percentage rounds score/total*100 half-up. An empty quiz scores 0.
func Percentage(score, total int) int {
	if total <= 0 {
		return 0
	}
	return (score*200 + total) / (2 * total)
}

// FormatClock renders seconds as zero-padded MM:SS.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// evaluate checks an answer against a question. ok is false when the answer
// does not satisfy the submission precondition.
func evaluate(q domain.Question, answer string) (correct bool, given string, ok bool) {
	given = strings.TrimSpace(answer)
	if given == "" {
		return false, "", false
	}
	switch q.Kind {
	case domain.KindSingleChoice:
		opt, found := q.FindOption(given)
		if !found {
			return false, "", false
		}
		return opt.Correct, opt.ID, true
	case domain.KindFreeText:
		return strings.EqualFold(given, strings.TrimSpace(q.CorrectAnswer)), given, true
	default:
		return false, "", false
	}
}

// canonicalAnswer is what a client is shown as the right answer.
func canonicalAnswer(q domain.Question) string {
	switch q.Kind {
	case domain.KindSingleChoice:
		opt, _ := q.CorrectOption()
		return opt.ID
	case domain.KindFreeText:
		return q.CorrectAnswer
	default:
		return ""
	}
}
