package protocol

import "errors"

var (
	ErrPayloadTruncated = errors.New("Payload is malformed, it appears to be too short")
	ErrPayloadMalformed = errors.New("Payload is malformed")
	ErrTimeOutOfRange   = errors.New("Sample timestamp cannot be expressed relative to the current base times")
)
