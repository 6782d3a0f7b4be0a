package story

import "errors"

var (
	// ErrSessionNotFound is returned when no snapshot exists for a session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCorrupted is returned when a stored snapshot cannot be decoded.
	ErrSessionCorrupted = errors.New("session snapshot corrupted")
	// ErrInvalidSessionID is returned for ids that cannot name a stored snapshot.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrSessionNotStarted is returned when acting on a session that was never started or loaded.
	ErrSessionNotStarted = errors.New("session not started")
	// ErrInvalidPlayerName is returned for unusable character names.
	ErrInvalidPlayerName = errors.New("invalid player name")
	// ErrEmptyAction is returned when a submitted action has no text.
	ErrEmptyAction = errors.New("empty action")
)
