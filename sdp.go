// Package sdp implements SDP, a byte oriented framing and acknowledged
// transfer protocol for point-to-point serial links (UART or similar).
// Frames are delimited with SOF/EOF bytes, special bytes inside the payload
// are escaped with DLE, integrity is checked with a 16 bit CRC and a
// request/response discipline with bounded retransmission is layered on top.
package sdp

import "time"

// Frame delimiting bytes. Any occurrence of one of these inside the
// payload or CRC trailer is escaped with DLE and XOR-ed with dleXorMask.
const (
	sofByte    byte = 0x7E
	eofByte    byte = 0x66
	dleByte    byte = 0x7D
	dleXorMask byte = 0x20
)

// Single header byte values (half-duplex variant)
const (
	ackOk    byte = 0x00
	ackError byte = 0xAA
)

// Pair header byte values (full-duplex variant)
const (
	frameResponse byte = 0xFF // frame is a response to a previous SendData
	frameData     byte = 0x00 // frame carries ordinary data
	statusOk      byte = 0xFF
	statusError   byte = 0x00
)

const crcSize = 2

// Default node timings and retransmission count
const (
	DefaultRxMsgTimeout    = 300 * time.Millisecond
	DefaultTxMsgTimeout    = 300 * time.Millisecond
	DefaultResponseTimeout = 300 * time.Millisecond
	DefaultRetransmit      = 2
	DefaultRxBufferFrames  = 3
)

// HeaderMode selects the wire header shape. The two modes are not wire
// compatible with each other, both ends of a link must use the same one.
type HeaderMode uint8

const (
	// HalfDuplex frames carry a single acknowledgement header byte
	HalfDuplex HeaderMode = iota + 1
	// FullDuplex frames carry a response flag byte followed by a status byte
	FullDuplex
)

func (mode HeaderMode) headerSize() int {
	if mode == FullDuplex {
		return 2
	}
	return 1
}

func (mode HeaderMode) String() string {
	switch mode {
	case HalfDuplex:
		return "half-duplex"
	case FullDuplex:
		return "full-duplex"
	default:
		return "unknown"
	}
}

// MessageHandler is invoked from Process when a valid non-response frame
// has been received. The handler is expected to answer with SendResponse
// or SendDummyResponse before returning, the peer is blocked waiting for it.
type MessageHandler func(node *Node, payload []byte)

// DebugHandler receives the numeric diagnostic codes raised on every
// non-fatal error path. Codes are stable and can be relied upon by log
// consumers.
type DebugHandler func(node *Node, code int)
