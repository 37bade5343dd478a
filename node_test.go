package sdp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPort records every transmitted byte and lets tests inject inbound
// bytes synchronously. When respond is set it is called at the end of
// every transmitted frame, playing the role of the peer.
type mockPort struct {
	sent    []byte
	handler ByteHandler
	respond func(port *mockPort)
	txErr   error
}

func (port *mockPort) TransmitByte(b byte) error {
	if port.txErr != nil {
		return port.txErr
	}
	port.sent = append(port.sent, b)
	if b == eofByte && port.respond != nil {
		port.respond(port)
	}
	return nil
}

func (port *mockPort) Subscribe(handler ByteHandler) {
	port.handler = handler
}

func (port *mockPort) Close() error {
	return nil
}

func (port *mockPort) inject(data ...byte) {
	for _, b := range data {
		port.handler.ReceiveByte(b)
	}
}

func testConfig(mode HeaderMode) *NodeConfig {
	conf := DefaultNodeConfig(1, 8)
	conf.Mode = mode
	conf.RxMsgTimeout = 50 * time.Millisecond
	conf.TxMsgTimeout = 50 * time.Millisecond
	conf.ResponseTimeout = 20 * time.Millisecond
	return conf
}

func newTestNode(t *testing.T, mode HeaderMode) (*Node, *mockPort) {
	t.Helper()
	port := &mockPort{}
	node, err := NewNode(port, testConfig(mode))
	require.Nil(t, err)
	return node, port
}

func collectDebug(node *Node) *[]int {
	codes := &[]int{}
	node.SetDebugHandler(func(_ *Node, code int) {
		*codes = append(*codes, code)
	})
	return codes
}

func TestNewNodeArguments(t *testing.T) {
	_, err := NewNode(nil, DefaultNodeConfig(1, 8))
	assert.Equal(t, ErrIllegalArgument, err)
	_, err = NewNode(&mockPort{}, nil)
	assert.Equal(t, ErrIllegalArgument, err)

	conf := DefaultNodeConfig(1, 0)
	_, err = NewNode(&mockPort{}, conf)
	assert.Equal(t, ErrIllegalArgument, err)
	conf.MaxPayload = 256
	_, err = NewNode(&mockPort{}, conf)
	assert.Equal(t, ErrIllegalArgument, err)
}

func TestReceiveSimpleFrame(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	var got []byte
	node.SetMessageHandler(func(n *Node, payload []byte) {
		got = append([]byte{}, payload...)
		require.Nil(t, n.SendDummyResponse())
	})

	port.inject(0x7E, 0x00, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66)
	node.Process()

	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)
	// dummy response went out on the wire
	assert.Equal(t, []byte{0x7E, 0x00, 0x66}, port.sent)
}

func TestReceiveStuffedFrames(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	var got []byte
	node.SetMessageHandler(func(n *Node, payload []byte) {
		got = append([]byte{}, payload...)
	})

	// payload [7E], crc 0x0104
	port.inject(0x7E, 0x00, 0x7D, 0x5E, 0x01, 0x04, 0x66)
	node.Process()
	assert.Equal(t, []byte{0x7E}, got)

	// payload [7D 66], crc 0x8F51
	port.inject(0x7E, 0x00, 0x7D, 0x5D, 0x7D, 0x46, 0x8F, 0x51, 0x66)
	node.Process()
	assert.Equal(t, []byte{0x7D, 0x66}, got)

	// payload [11], crc 0x0066 : stuffed trailer byte
	port.inject(0x7E, 0x00, 0x11, 0x00, 0x7D, 0x46, 0x66)
	node.Process()
	assert.Equal(t, []byte{0x11}, got)
}

func TestReceiveGarbageBeforeFrame(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	calls := 0
	var got []byte
	node.SetMessageHandler(func(n *Node, payload []byte) {
		calls++
		got = append([]byte{}, payload...)
	})

	port.inject(0xFF, 0xFF, 0x13, 0x7E, 0x00, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66)
	node.Process()

	assert.Equal(t, 1, calls)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)
}

func TestReceiveMidFrameSofResync(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	codes := collectDebug(node)
	calls := 0
	var got []byte
	node.SetMessageHandler(func(n *Node, payload []byte) {
		calls++
		got = append([]byte{}, payload...)
	})

	// partial frame interrupted by a fresh SOF : lock on to the new frame
	port.inject(0x7E, 0x00, 0xAA, 0xBB)
	port.inject(0x7E, 0x00, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66)
	node.Process()

	assert.Equal(t, 1, calls)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)
	assert.Contains(t, *codes, 83)
}

func TestReceiveDleFramingError(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	codes := collectDebug(node)
	calls := 0
	node.SetMessageHandler(func(n *Node, payload []byte) {
		calls++
	})

	// DLE followed by a bare EOF is a framing error, not end of frame
	port.inject(0x7E, 0x00, 0x01, 0x7D, 0x66)
	node.Process()
	assert.Equal(t, 0, calls)
	assert.Contains(t, *codes, 91)
	assert.Equal(t, rxIdle, node.state)

	// the parser recovers on the next frame
	port.inject(0x7E, 0x00, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66)
	node.Process()
	assert.Equal(t, 1, calls)
}

func TestReceiveCrcMismatch(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	codes := collectDebug(node)
	calls := 0
	node.SetMessageHandler(func(n *Node, payload []byte) {
		calls++
	})

	port.inject(0x7E, 0x00, 0x01, 0x02, 0x03, 0x0C, 0x1F, 0x66) // bad CRC low byte
	node.Process()

	assert.Equal(t, 0, calls)
	assert.Contains(t, *codes, 81)
	// a NACK response went back so the peer retries immediately
	assert.Equal(t, []byte{0x7E, 0xAA, 0x66}, port.sent)
	assert.EqualValues(t, 1, node.counters.crcErrors.Load())
}

func TestReceivePayloadOverflow(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex) // max payload 8, buffer 10
	codes := collectDebug(node)
	calls := 0
	node.SetMessageHandler(func(n *Node, payload []byte) {
		calls++
	})

	frame := []byte{0x7E, 0x00}
	for i := 0; i < 12; i++ {
		frame = append(frame, byte(i+1))
	}
	frame = append(frame, 0x66)
	port.inject(frame...)
	node.Process()
	assert.Equal(t, 0, calls)
	assert.Contains(t, *codes, 80)

	port.inject(0x7E, 0x00, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66)
	node.Process()
	assert.Equal(t, 1, calls)
}

func TestReceiveUnexpectedEmptyFrame(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	codes := collectDebug(node)

	port.inject(0x7E, 0x00, 0x66)
	node.Process()
	assert.Contains(t, *codes, 82)
}

func TestReceiveFrameTimeout(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	codes := collectDebug(node)
	current := time.Now()
	node.now = func() time.Time { return current }

	port.inject(0x7E, 0x00, 0x01) // truncated frame
	node.Process()
	assert.Equal(t, rxReceiving, node.state)

	// exactly at the boundary the frame is still alive
	current = current.Add(node.rxMsgTimeout)
	node.Process()
	assert.Equal(t, rxReceiving, node.state)
	assert.NotContains(t, *codes, 100)

	current = current.Add(time.Millisecond)
	node.Process()
	assert.Equal(t, rxIdle, node.state)
	assert.Contains(t, *codes, 100)
	assert.EqualValues(t, 1, node.counters.rxTimeouts.Load())

	// a subsequent full frame is accepted
	calls := 0
	node.SetMessageHandler(func(n *Node, payload []byte) { calls++ })
	port.inject(0x7E, 0x00, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66)
	node.Process()
	assert.Equal(t, 1, calls)
}

func TestReceiveRingBufferOverflow(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	codes := collectDebug(node)

	for i := 0; i < node.rxBuff.Capacity()+10; i++ {
		port.inject(0x55)
	}
	assert.Contains(t, *codes, 2)
	// the buffer was flushed on overflow, only the tail end survives
	assert.Equal(t, 9, node.rxBuff.Size())
	node.Process()
	assert.True(t, node.rxBuff.Empty())
}

func TestSendDataWireFormat(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	port.respond = func(p *mockPort) {
		p.inject(0x7E, 0x00, 0x66) // dummy OK
	}

	response, err := node.SendData([]byte{0x01, 0x02, 0x03})
	require.Nil(t, err)
	assert.Len(t, response, 0)
	assert.Equal(t, []byte{0x7E, 0x00, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66}, port.sent)
}

func TestSendDataResponsePayload(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	port.respond = func(p *mockPort) {
		// crc16([AA 55]) = 0xFDF4
		p.inject(0x7E, 0x00, 0xAA, 0x55, 0xFD, 0xF4, 0x66)
	}

	response, err := node.SendData([]byte{0x01})
	require.Nil(t, err)
	assert.Equal(t, []byte{0xAA, 0x55}, response)
	assert.Equal(t, response, node.Response())
	assert.Equal(t, 2, node.ResponseSize())
}

func TestSendDataNackExhaustsRetries(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	codes := collectDebug(node)
	responses := 0
	port.respond = func(p *mockPort) {
		responses++
		p.inject(0x7E, 0xAA, 0x66) // NACK every time
	}

	_, err := node.SendData([]byte{0x01, 0x02, 0x03})
	assert.Equal(t, ErrNoResponse, err)
	assert.Equal(t, DefaultRetransmit, responses)
	assert.Contains(t, *codes, 63)
	assert.EqualValues(t, 1, node.counters.retransmits.Load())
}

func TestSendDataResponseTimeout(t *testing.T) {
	node, _ := newTestNode(t, HalfDuplex)
	codes := collectDebug(node)

	start := time.Now()
	_, err := node.SendData([]byte{0x01})
	assert.Equal(t, ErrNoResponse, err)
	assert.Contains(t, *codes, 60)
	assert.EqualValues(t, DefaultRetransmit, node.counters.responseTimeouts.Load())
	// both attempts waited for the response timeout
	assert.GreaterOrEqual(t, time.Since(start), 2*node.responseTimeout)
}

func TestSendDataPayloadChecks(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)

	_, err := node.SendData(nil)
	assert.Equal(t, ErrEmptyPayload, err)
	_, err = node.SendData(make([]byte, node.MaxPayload()+1))
	assert.Equal(t, ErrPayloadTooBig, err)
	assert.Empty(t, port.sent)
}

func TestSendDataTransmitFailure(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	codes := collectDebug(node)
	port.txErr = ErrTxTimeout

	_, err := node.SendData([]byte{0x01})
	assert.Equal(t, ErrNoResponse, err)
	assert.Contains(t, *codes, 61)
}

func TestSendResponseWireFormat(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	require.Nil(t, node.SendResponse([]byte{0x01, 0x02, 0x03}))
	assert.Equal(t, []byte{0x7E, 0x00, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66}, port.sent)

	assert.Equal(t, ErrEmptyPayload, node.SendResponse(nil))
	assert.Equal(t, ErrPayloadTooBig, node.SendResponse(make([]byte, 9)))
}

func TestSendDummyResponseWireFormat(t *testing.T) {
	half, halfPort := newTestNode(t, HalfDuplex)
	require.Nil(t, half.SendDummyResponse())
	assert.Equal(t, []byte{0x7E, 0x00, 0x66}, halfPort.sent)

	full, fullPort := newTestNode(t, FullDuplex)
	require.Nil(t, full.SendDummyResponse())
	assert.Equal(t, []byte{0x7E, 0xFF, 0xFF, 0x66}, fullPort.sent)
}

func TestFullDuplexReceiveData(t *testing.T) {
	node, port := newTestNode(t, FullDuplex)
	var got []byte
	node.SetMessageHandler(func(n *Node, payload []byte) {
		got = append([]byte{}, payload...)
	})

	// data frame : response flag 0x00, status 0xFF
	port.inject(0x7E, 0x00, 0xFF, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66)
	node.Process()
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)
}

func TestFullDuplexSendData(t *testing.T) {
	node, port := newTestNode(t, FullDuplex)
	port.respond = func(p *mockPort) {
		p.inject(0x7E, 0xFF, 0xFF, 0x66) // dummy response, status OK
	}

	response, err := node.SendData([]byte{0x01, 0x02, 0x03})
	require.Nil(t, err)
	assert.Len(t, response, 0)
	// data frames lead with the data flag and an OK status
	assert.Equal(t, []byte{0x7E, 0x00, 0xFF, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66}, port.sent)
}

func TestFullDuplexStatusError(t *testing.T) {
	node, port := newTestNode(t, FullDuplex)
	responses := 0
	port.respond = func(p *mockPort) {
		responses++
		p.inject(0x7E, 0xFF, 0x00, 0x66) // response, status error
	}

	_, err := node.SendData([]byte{0x01})
	assert.Equal(t, ErrNoResponse, err)
	assert.Equal(t, DefaultRetransmit, responses)
}

// A data frame arriving while a response is awaited is delivered to the
// handler; the pending SendData keeps waiting for the actual response.
func TestFullDuplexDataWhileAwaitingResponse(t *testing.T) {
	node, port := newTestNode(t, FullDuplex)
	calls := 0
	node.SetMessageHandler(func(n *Node, payload []byte) {
		calls++
	})
	port.respond = func(p *mockPort) {
		p.respond = nil
		p.inject(0x7E, 0x00, 0xFF, 0xAA, 0x55, 0xFD, 0xF4, 0x66) // data frame
		p.inject(0x7E, 0xFF, 0xFF, 0x66)                         // then the response
	}

	_, err := node.SendData([]byte{0x01})
	require.Nil(t, err)
	assert.Equal(t, 1, calls)
}

// A response frame that arrives after its SendData already gave up must
// not reach the message handler.
func TestFullDuplexStrayResponseDropped(t *testing.T) {
	node, port := newTestNode(t, FullDuplex)
	codes := collectDebug(node)
	calls := 0
	node.SetMessageHandler(func(n *Node, payload []byte) {
		calls++
	})

	// valid response frame, nothing pending : crc16([AA 55]) = 0xFDF4
	port.inject(0x7E, 0xFF, 0xFF, 0xAA, 0x55, 0xFD, 0xF4, 0x66)
	node.Process()
	assert.Equal(t, 0, calls)
	assert.Contains(t, *codes, 191)
	assert.Equal(t, 0, node.ResponseSize())

	// ordinary data still gets through afterwards
	port.inject(0x7E, 0x00, 0xFF, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66)
	node.Process()
	assert.Equal(t, 1, calls)
}

func TestReceiveCrcMismatchWhileAwaitingResponse(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	codes := collectDebug(node)
	responses := 0
	port.respond = func(p *mockPort) {
		responses++
		// corrupted response frame : consumed as a failed response
		p.inject(0x7E, 0x00, 0xAA, 0x55, 0xFD, 0xF5, 0x66)
	}

	_, err := node.SendData([]byte{0x01})
	assert.Equal(t, ErrNoResponse, err)
	assert.Equal(t, DefaultRetransmit, responses)
	assert.Contains(t, *codes, 81)
	// no error response was sent back while a response was pending
	for _, b := range port.sent {
		assert.NotEqual(t, ackError, b)
	}
}

func TestResetIdempotent(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)

	port.inject(0x7E, 0x00, 0x01, 0x02) // partial frame
	node.Process()
	assert.Equal(t, rxReceiving, node.state)

	node.Reset()
	assert.Equal(t, rxIdle, node.state)
	assert.True(t, node.rxBuff.Empty())
	assert.Equal(t, 0, node.ResponseSize())

	node.Reset()
	assert.Equal(t, rxIdle, node.state)
	assert.True(t, node.rxBuff.Empty())

	calls := 0
	node.SetMessageHandler(func(n *Node, payload []byte) { calls++ })
	port.inject(0x7E, 0x00, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66)
	node.Process()
	assert.Equal(t, 1, calls)
}

func TestRingBufferWraparoundMidFrame(t *testing.T) {
	node, port := newTestNode(t, HalfDuplex)
	calls := 0
	node.SetMessageHandler(func(n *Node, payload []byte) { calls++ })

	// walk the ring indices close to the wrap point with garbage, then
	// deliver a frame across the boundary
	capacity := node.rxBuff.Capacity()
	for i := 0; i < capacity-4; i++ {
		port.inject(0x00)
		node.Process()
	}
	port.inject(0x7E, 0x00, 0x01, 0x02, 0x03, 0x0C, 0x1E, 0x66)
	node.Process()
	assert.Equal(t, 1, calls)
}
