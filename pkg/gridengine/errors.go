package gridengine

import "errors"

var (
	ErrSyntheticMessage = errors.New("cannot react to simulated signals")
	ErrLoginRequired    = errors.New("login required")
	ErrProfanity        = errors.New("message contains blocked words")
	ErrNoMoreSignals    = errors.New("no more signals")
	ErrNoClanTag        = errors.New("a [TAG] in your name is required for clan comms")
	ErrSelfFollow       = errors.New("cannot follow yourself")
	ErrLocationRequired = errors.New("location required for node synchronization")
	ErrEmptyText        = errors.New("text is required")
	ErrUnknownMessage   = errors.New("message is not on the map")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrInvalidSortKey   = errors.New("invalid sort key")
	ErrMalformedMessage = errors.New("malformed message")
	ErrHistoryInactive  = errors.New("history mode is not active")
	ErrSessionClosed    = errors.New("session closed")
)
