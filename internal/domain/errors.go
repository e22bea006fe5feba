package domain

import "errors"

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSlotBusy indicates a generation is already running for the conversation
	ErrSlotBusy = errors.New("generation already in progress for conversation")
	// ErrSessionCancelled indicates the session was cancelled locally
	ErrSessionCancelled = errors.New("generation cancelled")
	// ErrStreamUnavailable indicates the push connection failed
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrMalformedFrame indicates an inbound frame could not be decoded
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnavailable indicates the service cannot accept work right now
	ErrUnavailable = errors.New("service unavailable")
	// ErrIdentityConflict indicates an id is already bound to a different peer
	ErrIdentityConflict = errors.New("identity already bound")
)
