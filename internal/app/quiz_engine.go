package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"school-assistant/internal/domain"
)

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.QuizDefinition, error)
}

// FinishReason records why a session reached results.
type FinishReason string

const (
	FinishCompleted FinishReason = "completed"
	FinishTimeout   FinishReason = "timeout"
)

// Ticker is the part of time.Ticker the session timer needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// EngineOption configures a QuizEngine.
type EngineOption func(*QuizEngine)

func WithEngineLogger(log logrus.FieldLogger) EngineOption {
	return func(e *QuizEngine) { e.log = log }
}

func WithEngineRecorder(r Recorder) EngineOption {
	return func(e *QuizEngine) { e.metrics = r }
}

// WithTicker replaces the once-per-second ticker, for tests.
func WithTicker(newTicker func(time.Duration) Ticker) EngineOption {
	return func(e *QuizEngine) { e.newTicker = newTicker }
}

// QuizEngine hydrates quiz sessions from the catalog.
type QuizEngine struct {
	quizzes   QuizRepository
	log       logrus.FieldLogger
	metrics   Recorder
	newTicker func(time.Duration) Ticker
}

func NewQuizEngine(quizzes QuizRepository, opts ...EngineOption) *QuizEngine {
	e := &QuizEngine{
		quizzes:   quizzes,
		log:       logrus.StandardLogger(),
		metrics:   nopRecorder{},
		newTicker: newRealTicker,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open hydrates a session for quizID. Unknown ids return domain.ErrQuizNotFound.
// When progress is given the session resumes at the first unanswered question.
func (e *QuizEngine) Open(ctx context.Context, quizID string, progress *domain.AttemptProgress) (*QuizSession, error) {
	def, err := e.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	def = def.Clone()
	if err := def.Validate(); err != nil {
		return nil, err
	}

	s := &QuizSession{
		attemptID:   uuid.NewString(),
		def:         def,
		log:         e.log.WithField("quiz_id", def.ID),
		metrics:     e.metrics,
		newTicker:   e.newTicker,
		subscribers: make(map[chan domain.QuizState]struct{}),
	}
	s.resetLocked()
	if progress != nil {
		s.restoreLocked(*progress)
	}
	return s, nil
}

// QuizSession is one attempt at a question set. All state changes, including
// timer ticks, go through mu, so a session can be finalized only once.
type QuizSession struct {
	attemptID string
	def       domain.QuizDefinition
	log       logrus.FieldLogger
	metrics   Recorder
	newTicker func(time.Duration) Ticker

	mu          sync.Mutex
	progress    []domain.QuestionProgress
	score       int
	current     int
	timeLeft    int
	showResults bool
	timeUp      bool
	stopTimer   context.CancelFunc
	timerDone   chan struct{}
	subscribers map[chan domain.QuizState]struct{}
}

func (s *QuizSession) QuizID() string { return s.def.ID }

func (s *QuizSession) Definition() domain.QuizDefinition { return s.def.Clone() }

// Submit answers the current question. The answer is an option id for
// single-choice questions and free text otherwise. It reports false and
// changes nothing when the call is not allowed.
func (s *QuizSession) Submit(answer string) (domain.AnswerOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.showResults {
		return domain.AnswerOutcome{}, false
	}
	p := &s.progress[s.current]
	if p.Answered {
		return domain.AnswerOutcome{}, false
	}
	q := s.def.Questions[s.current]
	correct, given, ok := evaluate(q, answer)
	if !ok {
		return domain.AnswerOutcome{}, false
	}

	p.Answered = true
	p.Answer = given
	p.IsCorrect = &correct
	if correct {
		s.score++
	}
	s.metrics.AnswerSubmitted(correct)
	s.broadcastLocked()

	return domain.AnswerOutcome{
		QuestionID:    q.ID,
		Correct:       correct,
		Score:         s.score,
		CorrectAnswer: canonicalAnswer(q),
		Explanation:   q.Explanation,
		Last:          s.current == len(s.progress)-1,
	}, true
}

// Advance leaves an answered question for the next one, or for results after
// the last question.
func (s *QuizSession) Advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.showResults || !s.progress[s.current].Answered {
		return false
	}
	s.moveNextLocked()
	return true
}

// Skip leaves an unanswered question without scoring it.
func (s *QuizSession) Skip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.showResults || s.progress[s.current].Answered {
		return false
	}
	s.moveNextLocked()
	return true
}

// Tick takes one second off the clock and finishes the session at zero.
// It reports whether the session is still in progress afterwards.
func (s *QuizSession) Tick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickLocked()
}

// Retake resets every question, the score, the position and the clock. A
// running timer is stopped; call StartTimer again to resume ticking.
func (s *QuizSession) Retake() {
	s.mu.Lock()
	done := s.detachTimerLocked()
	s.attemptID = uuid.NewString()
	s.resetLocked()
	s.broadcastLocked()
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// StartTimer begins calling Tick once per second until the session leaves
// in-progress or Close is called. It reports false when nothing was started.
func (s *QuizSession) StartTimer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.showResults || s.def.TimeLimit == 0 || s.stopTimer != nil || s.timerDone != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopTimer = cancel
	s.timerDone = done

	ticker := s.newTicker(time.Second)
	go s.runTimer(ctx, ticker, done)
	return true
}

// Close stops the timer and waits for its goroutine to exit.
func (s *QuizSession) Close() {
	s.mu.Lock()
	done := s.detachTimerLocked()
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// TimerRunning reports whether a timer goroutine is active.
func (s *QuizSession) TimerRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopTimer != nil
}

func (s *QuizSession) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.showResults
}

// State returns a snapshot for rendering.
func (s *QuizSession) State() domain.QuizState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Results returns the summary once the session has finished.
func (s *QuizSession) Results() (domain.QuizResults, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.showResults {
		return domain.QuizResults{}, false
	}
	return s.resultsLocked(), true
}

// Progress returns what is needed to resume this attempt later.
func (s *QuizSession) Progress() domain.AttemptProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := domain.AttemptProgress{
		Questions: make([]domain.QuestionProgress, len(s.progress)),
		TimeLeft:  s.timeLeft,
	}
	copy(out.Questions, s.progress)
	return out
}

// Subscribe returns a channel that receives a state snapshot after every change.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *QuizSession) Subscribe() (<-chan domain.QuizState, func()) {
	ch := make(chan domain.QuizState, 8)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *QuizSession) runTimer(ctx context.Context, ticker Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if !s.timerTick(ctx) {
				return
			}
		}
	}
}

// timerTick ignores ticks that arrive after the timer was released under mu.
func (s *QuizSession) timerTick(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	return s.tickLocked()
}

func (s *QuizSession) tickLocked() bool {
	if s.showResults {
		return false
	}
	if s.def.TimeLimit == 0 {
		return true
	}
	s.timeLeft--
	if s.timeLeft <= 0 {
		s.timeLeft = 0
		s.timeUp = true
		s.finishLocked(FinishTimeout)
	}
	s.broadcastLocked()
	return !s.showResults
}

func (s *QuizSession) moveNextLocked() {
	if s.current == len(s.progress)-1 {
		s.finishLocked(FinishCompleted)
	} else {
		s.current++
	}
	s.broadcastLocked()
}

func (s *QuizSession) finishLocked(reason FinishReason) {
	s.showResults = true
	s.releaseTimerLocked()
	s.metrics.QuizFinished(reason)
	s.log.WithFields(logrus.Fields{
		"attempt_id": s.attemptID,
		"score":      s.score,
		"reason":     string(reason),
	}).Info("quiz finished")
}

func (s *QuizSession) releaseTimerLocked() {
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
}

// detachTimerLocked releases the timer and hands back its done channel so the
// caller can wait for the goroutine after unlocking mu.
func (s *QuizSession) detachTimerLocked() chan struct{} {
	done := s.timerDone
	s.timerDone = nil
	s.releaseTimerLocked()
	return done
}

func (s *QuizSession) resetLocked() {
	s.progress = make([]domain.QuestionProgress, len(s.def.Questions))
	for i, q := range s.def.Questions {
		s.progress[i] = domain.QuestionProgress{QuestionID: q.ID}
	}
	s.score = 0
	s.current = 0
	s.timeLeft = s.def.TimeLimit
	s.showResults = false
	s.timeUp = false
}

// restoreLocked applies saved progress. Correctness is recomputed against the
// current definition rather than trusted from the snapshot.
func (s *QuizSession) restoreLocked(saved domain.AttemptProgress) {
	byID := make(map[int]domain.QuestionProgress, len(saved.Questions))
	for _, p := range saved.Questions {
		byID[p.QuestionID] = p
	}

	s.score = 0
	for i, q := range s.def.Questions {
		p, ok := byID[q.ID]
		if !ok || !p.Answered {
			continue
		}
		correct, given, valid := evaluate(q, p.Answer)
		if !valid {
			continue
		}
		s.progress[i] = domain.QuestionProgress{QuestionID: q.ID, Answered: true, Answer: given, IsCorrect: &correct}
		if correct {
			s.score++
		}
	}

	s.current = 0
	for i, p := range s.progress {
		if !p.Answered {
			s.current = i
			break
		}
	}

	switch {
	case s.def.TimeLimit == 0:
	case saved.TimeLeft <= 0:
		s.timeLeft = 0
		s.timeUp = true
		s.finishLocked(FinishTimeout)
	case saved.TimeLeft <= s.def.TimeLimit:
		s.timeLeft = saved.TimeLeft
	}
}

func (s *QuizSession) snapshotLocked() domain.QuizState {
	state := domain.QuizState{
		AttemptID:    s.attemptID,
		QuizID:       s.def.ID,
		Title:        s.def.Title,
		Subject:      s.def.Subject,
		Status:       domain.StatusInProgress,
		CurrentIndex: s.current,
		Total:        len(s.progress),
		Score:        s.score,
		TimeLimit:    s.def.TimeLimit,
		TimeLeft:     s.timeLeft,
		Clock:        FormatClock(s.timeLeft),
	}
	if s.showResults {
		state.Status = domain.StatusResults
		results := s.resultsLocked()
		state.Results = &results
		return state
	}
	view := s.viewLocked(s.current)
	state.Current = &view
	return state
}

func (s *QuizSession) viewLocked(i int) domain.QuestionView {
	q := s.def.Questions[i]
	p := s.progress[i]
	view := domain.QuestionView{
		ID:       q.ID,
		Kind:     q.Kind,
		Prompt:   q.Prompt,
		Media:    q.Media,
		Answered: p.Answered,
	}
	switch q.Kind {
	case domain.KindSingleChoice:
		view.HasAudio = q.HasAudio
		view.Options = make([]domain.OptionView, len(q.Options))
		for j, opt := range q.Options {
			view.Options[j] = domain.OptionView{ID: opt.ID, Text: opt.Text}
		}
	case domain.KindFreeText:
		view.Suggestions = append([]string(nil), q.Suggestions...)
	}
	if p.Answered {
		view.Answer = p.Answer
		view.IsCorrect = p.IsCorrect
		view.CorrectAnswer = canonicalAnswer(q)
		view.Explanation = q.Explanation
	}
	return view
}

func (s *QuizSession) resultsLocked() domain.QuizResults {
	answered := 0
	for _, p := range s.progress {
		if p.Answered {
			answered++
		}
	}
	total := len(s.progress)
	return domain.QuizResults{
		Score:      s.score,
		Total:      total,
		Answered:   answered,
		Skipped:    total - answered,
		Percentage: Percentage(s.score, total),
		TimeUp:     s.timeUp,
		TimeSpent:  FormatClock(s.def.TimeLimit - s.timeLeft),
	}
}

func (s *QuizSession) broadcastLocked() {
	if len(s.subscribers) == 0 {
		return
	}
	state := s.snapshotLocked()
	for ch := range s.subscribers {
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- state
		}
	}
}
