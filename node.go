package sdp

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Receive state machine states, driven one byte at a time
type rxState uint8

const (
	rxIdle      rxState = iota // waiting for SOF
	rxHeader1                  // waiting for the first header byte
	rxHeader2                  // waiting for the second header byte (full-duplex only)
	rxReceiving                // accumulating payload, waiting for EOF
	rxEscaped                  // DLE seen, waiting for the escaped byte
)

// Node is one endpoint of an SDP link. It owns the receive ring buffer,
// the receive state machine and the two frame scratch buffers. All state
// except the ring buffer and the atomic counters is touched only from the
// cooperative context (Process, SendData, SendResponse); the ring buffer
// and the rxBytes/overflows counters are also written by the receive
// context feeding ReceiveByte, which calls the debug handler on overflow.
//
// Diagnostic codes raised through the debug handler (all non fatal) :
//
//	2       receive ring buffer overflow, buffer flushed
//	10-12   transmit : nothing to send, byte failure, frame timeout
//	60      response wait timeout
//	61-64   send data : transmit failed, compose failed, peer reported
//	        failure, inbound frame drain timeout
//	70-71   send response : compose failed, transmit failed
//	80      payload buffer overflow while receiving
//	81      CRC mismatch on a received frame
//	82      unexpected empty frame
//	83      unescaped SOF inside a frame, resynchronized
//	90      payload buffer overflow on an escaped byte
//	91      framing error, DLE not followed by a valid escaped byte
//	100     receive frame timeout
//	110     payload missing or larger than the maximum
//	150     dummy response transmit failed
//	161     error response transmit failed
//	191     response frame received with no response pending, dropped
type Node struct {
	id   uint8
	port Port
	mode HeaderMode

	maxPayload   int
	maxFrameSize int

	rxMsgTimeout    time.Duration
	txMsgTimeout    time.Duration
	responseTimeout time.Duration
	retransmit      int

	handler MessageHandler
	debugFn DebugHandler
	now     func() time.Time

	rxBuff  *RingBuffer
	state   rxState
	rxStart time.Time
	rxData  []byte // de-stuffed payload + CRC trailer
	rxLen   int
	txData  []byte // composed outbound frame
	txLen   int

	header            [2]byte
	lastAck           byte
	lastStatus        byte
	expectingResponse bool

	counters nodeCounters
}

// NewNode creates a node talking through port and subscribes it for
// reception. Zero valued mode, timeout, retransmit and buffer fields fall
// back to the package defaults; a MaxPayload outside 1..255 is rejected.
func NewNode(port Port, conf *NodeConfig) (*Node, error) {
	if port == nil || conf == nil {
		return nil, ErrIllegalArgument
	}
	if conf.MaxPayload < 1 || conf.MaxPayload > 255 {
		return nil, ErrIllegalArgument
	}
	mode := conf.Mode
	if mode == 0 {
		mode = HalfDuplex
	}
	if mode != HalfDuplex && mode != FullDuplex {
		return nil, ErrIllegalArgument
	}
	node := &Node{
		id:              conf.Id,
		port:            port,
		mode:            mode,
		maxPayload:      conf.MaxPayload,
		rxMsgTimeout:    conf.RxMsgTimeout,
		txMsgTimeout:    conf.TxMsgTimeout,
		responseTimeout: conf.ResponseTimeout,
		retransmit:      conf.Retransmit,
		now:             time.Now,
		lastAck:         ackOk,
		lastStatus:      statusOk,
	}
	if node.rxMsgTimeout <= 0 {
		node.rxMsgTimeout = DefaultRxMsgTimeout
	}
	if node.txMsgTimeout <= 0 {
		node.txMsgTimeout = DefaultTxMsgTimeout
	}
	if node.responseTimeout <= 0 {
		node.responseTimeout = DefaultResponseTimeout
	}
	if node.retransmit <= 0 {
		node.retransmit = DefaultRetransmit
	}
	frames := conf.RxBufferFrames
	if frames <= 0 {
		frames = DefaultRxBufferFrames
	}
	// worst case framed size : every payload and CRC byte stuffed
	node.maxFrameSize = 1 + mode.headerSize() + 2*node.maxPayload + 2*crcSize + 1
	rxBuff, err := NewRingBuffer(node.maxFrameSize*frames + 1)
	if err != nil {
		return nil, err
	}
	node.rxBuff = rxBuff
	node.rxData = make([]byte, node.maxPayload+crcSize)
	node.txData = make([]byte, node.maxFrameSize)
	port.Subscribe(node)
	log.Infof("[NODE][x%x] initialized | mode : %v, max payload : %v, max frame size : %v",
		node.id, mode, node.maxPayload, node.maxFrameSize)
	return node, nil
}

func (node *Node) Id() uint8 {
	return node.id
}

func (node *Node) Mode() HeaderMode {
	return node.mode
}

func (node *Node) MaxPayload() int {
	return node.maxPayload
}

// SetMessageHandler registers the callback invoked on every valid
// non-response frame.
func (node *Node) SetMessageHandler(handler MessageHandler) {
	node.handler = handler
}

// SetDebugHandler registers the numeric diagnostic sink.
func (node *Node) SetDebugHandler(handler DebugHandler) {
	node.debugFn = handler
}

// Response returns the payload of the last fully received frame. The
// slice aliases the node's scratch buffer; its content is overwritten as
// soon as Process starts receiving another frame.
func (node *Node) Response() []byte {
	return node.rxData[:node.rxLen]
}

// ResponseSize returns the length of the last received payload.
func (node *Node) ResponseSize() int {
	return node.rxLen
}

// ReceiveByte stores one inbound byte, a single ring buffer put. This is
// the receive context entry point; on overflow the buffer is flushed and
// reception restarts clean.
func (node *Node) ReceiveByte(b byte) {
	node.counters.rxBytes.Add(1)
	var buf [1]byte
	buf[0] = b
	if err := node.rxBuff.Put(buf[:]); err != nil {
		node.counters.overflows.Add(1)
		node.debug(2)
		node.rxBuff.Flush()
	}
}

// Process drains the receive ring buffer through the state machine and
// checks the frame timeout. Poll it frequently from the cooperative
// context; completed frames are delivered to the message handler from
// inside this call.
func (node *Node) Process() {
	var buf [1]byte
	for node.rxBuff.Get(buf[:]) == nil {
		node.processByte(buf[0])
	}
	node.checkRxTimeout()
}

func (node *Node) processByte(b byte) {
	switch node.state {
	case rxIdle:
		if b == sofByte {
			node.startFrame()
		}
		// anything else is garbage between frames
	case rxHeader1:
		node.header[0] = b
		if node.mode == FullDuplex {
			node.state = rxHeader2
		} else {
			node.state = rxReceiving
		}
	case rxHeader2:
		node.header[1] = b
		node.state = rxReceiving
	case rxReceiving:
		switch b {
		case dleByte:
			node.state = rxEscaped
		case eofByte:
			node.finalizeFrame()
		case sofByte:
			// unescaped SOF mid frame : drop the partial frame and lock
			// on to the new one
			node.debug(83)
			node.startFrame()
		default:
			if !node.appendRx(b) {
				node.state = rxIdle
				node.debug(80)
			}
		}
	case rxEscaped:
		original := b ^ dleXorMask
		if original == sofByte || original == eofByte || original == dleByte {
			node.state = rxReceiving
			if !node.appendRx(original) {
				node.state = rxIdle
				node.debug(90)
			}
		} else {
			// DLE must be followed by an escaped delimiter, EOF included
			node.state = rxIdle
			node.counters.framingErrors.Add(1)
			node.debug(91)
		}
	default:
		node.debug(50)
		node.state = rxIdle
	}
}

func (node *Node) startFrame() {
	node.state = rxHeader1
	node.rxStart = node.now()
	node.rxLen = 0
}

func (node *Node) appendRx(b byte) bool {
	if node.rxLen >= len(node.rxData) {
		return false
	}
	node.rxData[node.rxLen] = b
	node.rxLen++
	return true
}

// finalizeFrame runs when EOF closes a frame : CRC check, response
// rendezvous or handler delivery.
func (node *Node) finalizeFrame() {
	node.state = rxIdle
	if node.rxLen == 0 {
		node.finalizeEmptyFrame()
		return
	}
	crcOk := verifyFrame(node.rxData[:node.rxLen])
	if crcOk {
		node.rxLen -= crcSize
	}

	if node.expectingResponse && (node.mode == HalfDuplex || node.header[0] == frameResponse || !crcOk) {
		// rendezvous with a pending SendData
		node.expectingResponse = false
		if !crcOk {
			node.counters.crcErrors.Add(1)
			node.debug(81)
			node.lastAck = ackError
			node.lastStatus = statusError
			node.rxLen = 0
			return
		}
		node.counters.rxFrames.Add(1)
		node.lastAck = node.header[0]
		node.lastStatus = node.header[1]
		return
	}

	if !crcOk {
		node.counters.crcErrors.Add(1)
		node.debug(81)
		node.rxLen = 0
		if err := node.sendErrResponse(); err != nil {
			node.debug(161)
		}
		return
	}
	if node.mode == FullDuplex && node.header[0] == frameResponse {
		// stale response : the SendData it answers has already given up
		node.debug(191)
		node.rxLen = 0
		return
	}
	node.counters.rxFrames.Add(1)
	if node.handler != nil {
		node.handler(node, node.rxData[:node.rxLen])
	} else {
		log.Warnf("[NODE][x%x] no message handler, dropping %v byte payload", node.id, node.rxLen)
	}
}

// finalizeEmptyFrame handles the status-only frame shape : no payload and
// no CRC, the header carries all the information.
func (node *Node) finalizeEmptyFrame() {
	if node.expectingResponse && (node.mode == HalfDuplex || node.header[0] == frameResponse) {
		node.expectingResponse = false
		node.counters.rxFrames.Add(1)
		node.lastAck = node.header[0]
		node.lastStatus = node.header[1]
		return
	}
	node.debug(82)
}

func (node *Node) checkRxTimeout() {
	if node.state != rxIdle && node.now().Sub(node.rxStart) > node.rxMsgTimeout {
		node.state = rxIdle
		node.counters.rxTimeouts.Add(1)
		node.debug(100)
	}
}

// responseOk reports whether the last rendezvoused response carried a
// positive acknowledgement.
func (node *Node) responseOk() bool {
	if node.mode == FullDuplex {
		return node.lastStatus == statusOk
	}
	return node.lastAck == ackOk
}

func (node *Node) dataHeader() []byte {
	if node.mode == FullDuplex {
		return []byte{frameData, statusOk}
	}
	return []byte{ackOk}
}

func (node *Node) responseHeader() []byte {
	if node.mode == FullDuplex {
		return []byte{frameResponse, statusOk}
	}
	return []byte{ackOk}
}

// SendData transmits payload and waits for the peer's response,
// retransmitting on failure or timeout up to the configured count. On
// success the response payload is returned; it aliases the node's scratch
// buffer and its content is overwritten as soon as Process starts
// receiving another frame. There is no delay between retries.
func (node *Node) SendData(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		node.debug(110)
		return nil, ErrEmptyPayload
	}
	if len(payload) > node.maxPayload {
		node.debug(110)
		return nil, ErrPayloadTooBig
	}

	// a frame may already be underway from the peer : drain it before
	// seizing the line, best effort
	deadline := node.now().Add(node.responseTimeout)
	for node.state != rxIdle {
		node.Process()
		if node.now().After(deadline) {
			node.debug(64)
			break
		}
	}

	responseWait := node.responseTimeout
	if node.mode == FullDuplex {
		responseWait *= 2
	}

	for attempt := 0; attempt < node.retransmit; attempt++ {
		if attempt > 0 {
			node.counters.retransmits.Add(1)
		}
		n, err := composeFrame(node.txData, node.dataHeader(), payload)
		if err != nil {
			node.debug(62)
			return nil, err
		}
		node.txLen = n

		if err := node.transmitFrame(); err != nil {
			node.debug(61)
			continue
		}

		node.state = rxIdle
		node.lastAck = ackError
		node.lastStatus = statusError
		node.expectingResponse = true
		respDeadline := node.now().Add(responseWait)
		for node.expectingResponse {
			node.Process()
			if node.now().After(respDeadline) {
				node.debug(60)
				break
			}
		}
		if node.expectingResponse {
			node.expectingResponse = false
			node.counters.responseTimeouts.Add(1)
			continue
		}
		if node.responseOk() {
			return node.rxData[:node.rxLen], nil
		}
		// peer reported a reception failure, retransmit right away
		node.debug(63)
	}
	return nil, ErrNoResponse
}

// SendResponse answers the frame currently being handled. One attempt
// only : the peer's SendData owns the retry policy.
func (node *Node) SendResponse(payload []byte) error {
	if len(payload) == 0 || len(payload) > node.maxPayload {
		node.debug(110)
		if len(payload) == 0 {
			return ErrEmptyPayload
		}
		return ErrPayloadTooBig
	}
	n, err := composeFrame(node.txData, node.responseHeader(), payload)
	if err != nil {
		node.debug(70)
		return err
	}
	node.txLen = n
	if err := node.transmitFrame(); err != nil {
		node.debug(71)
		return err
	}
	return nil
}

// SendDummyResponse confirms reception when there is no payload to
// return : a literal header-only frame without CRC.
func (node *Node) SendDummyResponse() error {
	node.txData[0] = sofByte
	if node.mode == FullDuplex {
		node.txData[1] = frameResponse
		node.txData[2] = statusOk
		node.txData[3] = eofByte
		node.txLen = 4
	} else {
		node.txData[1] = ackOk
		node.txData[2] = eofByte
		node.txLen = 3
	}
	if err := node.transmitFrame(); err != nil {
		node.debug(150)
		return err
	}
	return nil
}

// sendErrResponse signals a CRC failure back to the peer so its pending
// SendData retries without waiting for the full response timeout.
func (node *Node) sendErrResponse() error {
	node.txData[0] = sofByte
	if node.mode == FullDuplex {
		node.txData[1] = frameResponse
		node.txData[2] = statusError
		node.txData[3] = eofByte
		node.txLen = 4
	} else {
		node.txData[1] = ackError
		node.txData[2] = eofByte
		node.txLen = 3
	}
	return node.transmitFrame()
}

// transmitFrame pushes the composed frame through the port byte by byte,
// bounded by the frame transmit timeout.
func (node *Node) transmitFrame() error {
	if node.txLen < 1+node.mode.headerSize()+1 {
		node.debug(10)
		return ErrFrameTooShort
	}
	deadline := node.now().Add(node.txMsgTimeout)
	for _, b := range node.txData[:node.txLen] {
		if err := node.port.TransmitByte(b); err != nil {
			node.debug(11)
			return err
		}
		node.counters.txBytes.Add(1)
		if node.now().After(deadline) {
			node.debug(12)
			return ErrTxTimeout
		}
	}
	node.counters.txFrames.Add(1)
	return nil
}

// Reset flushes the receive ring buffer and returns the state machine to
// idle. Call it from an interface error handler (overrun, noise, frame
// error). Idempotent.
func (node *Node) Reset() {
	node.rxBuff.Flush()
	node.rxLen = 0
	node.state = rxIdle
	node.lastAck = ackOk
	node.lastStatus = statusOk
	node.expectingResponse = false
}

func (node *Node) debug(code int) {
	log.Debugf("[NODE][x%x] diagnostic code %v", node.id, code)
	if node.debugFn != nil {
		node.debugFn(node, code)
	}
}
