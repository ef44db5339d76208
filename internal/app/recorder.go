package app

// Recorder receives counters about identity and quiz activity.
type Recorder interface {
	IdentityResolved(source IdentitySource)
	PointsAwarded(delta int)
	LevelUp()
	AnswerSubmitted(correct bool)
	QuizFinished(reason FinishReason)
}

type nopRecorder struct{}

func (nopRecorder) IdentityResolved(IdentitySource) {}
func (nopRecorder) PointsAwarded(int)               {}
func (nopRecorder) LevelUp()                        {}
func (nopRecorder) AnswerSubmitted(bool)            {}
func (nopRecorder) QuizFinished(FinishReason)       {}
