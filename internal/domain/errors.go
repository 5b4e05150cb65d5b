package domain

import "errors"

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidMessage = errors.New("message must have content or an attachment")
	ErrForbidden      = errors.New("admin secret missing or mismatched")

	// ErrUnavailable marks failures of the backing store or broker. Callers may
	// retry; it is never returned for a missing or expired room.
	ErrUnavailable = errors.New("store unavailable")
)
