package domain

import "errors"

var (
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrInvalidQuiz indicates a question set that cannot be played.
	ErrInvalidQuiz = errors.New("invalid quiz definition")
	// ErrStoreUnavailable is the only fatal outcome of identity resolution.
	ErrStoreUnavailable = errors.New("key-value store unavailable")
	// ErrAuthFailed covers every remote authentication failure.
	ErrAuthFailed = errors.New("auth failed")
	// ErrNoIdentity is returned by operations that need an active user.
	ErrNoIdentity = errors.New("no active identity")
	// ErrNegativePoints rejects point awards below zero.
	ErrNegativePoints = errors.New("points delta must not be negative")
)
