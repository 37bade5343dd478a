package sdp

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrNotEnoughSpace  = errors.New("not enough free space in buffer")
	ErrNotEnoughData   = errors.New("not enough data in buffer")
	ErrPayloadTooBig   = errors.New("payload exceeds maximum payload size")
	ErrEmptyPayload    = errors.New("payload must contain at least one byte")
	ErrFrameTooBig     = errors.New("composed frame exceeds maximum frame size")
	ErrFrameTooShort   = errors.New("composed frame is shorter than the minimum frame size")
	ErrTxTimeout       = errors.New("frame transmission timeout")
	ErrNoResponse      = errors.New("no valid response after all retransmissions")
	ErrPortClosed      = errors.New("port is closed")
)
