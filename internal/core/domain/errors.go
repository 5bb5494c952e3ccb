package domain

import "errors"

// Request rejections, returned synchronously by call control operations.
var (
	ErrAlreadyInCall      = errors.New("already in call")
	ErrUserOffline        = errors.New("user offline")
	ErrChannelUnavailable = errors.New("signaling channel unavailable")
	ErrSessionNotFound    = errors.New("session not found")

	ErrInvalidTarget    = errors.New("invalid call target")
	ErrInvalidMediaType = errors.New("invalid media type")
	ErrInvalidStatus    = errors.New("invalid presence status")
)

// Terminal session outcomes. These are reported through state change
// notifications and never returned from call control operations.
var (
	ErrNegotiationFailed = errors.New("media negotiation failed")
	ErrTimeout           = errors.New("call timed out")
	ErrBusy              = errors.New("remote user busy")
	ErrRejected          = errors.New("call rejected")
)

var (
	ErrHandlerRegistered = errors.New("message handler already registered")
	ErrManagerStopped    = errors.New("call manager stopped")
	ErrMalformedEnvelope = errors.New("malformed envelope")
)
