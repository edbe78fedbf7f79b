package message

import "errors"

var (
	ErrUnknownRequest = errors.New("unknown request")
	ErrInvalidSize    = errors.New("invalid payload size")
	ErrInvalidIndex   = errors.New("vring index out of range")
	ErrMissingFD      = errors.New("missing file descriptor")
	ErrShortHeader    = errors.New("short message header")
	ErrPayloadTooBig  = errors.New("payload exceeds maximum size")
	ErrUnexpectedFD   = errors.New("unexpected file descriptor")
)
