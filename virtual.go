package sdp

import (
	"sync"
	"time"
)

// Virtual port implementation used for testing and examples : two ports
// joined back to back by in-memory byte channels, one byte per send like
// a UART. No real hardware involved.

const virtualChannelDepth = 4096

// VirtualPort is one end of an in-memory duplex link.
type VirtualPort struct {
	tx chan<- byte
	rx <-chan byte
	// CorruptTx, when set, rewrites each outbound byte before it reaches
	// the peer. Used to inject wire faults in tests.
	CorruptTx func(b byte) byte

	byteTimeout time.Duration
	stopChan    chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	mu          sync.Mutex
	subscribed  bool
}

// NewVirtualPair creates two ports connected back to back.
func NewVirtualPair() (*VirtualPort, *VirtualPort) {
	aToB := make(chan byte, virtualChannelDepth)
	bToA := make(chan byte, virtualChannelDepth)
	a := &VirtualPort{tx: aToB, rx: bToA, byteTimeout: 100 * time.Millisecond, stopChan: make(chan struct{})}
	b := &VirtualPort{tx: bToA, rx: aToB, byteTimeout: 100 * time.Millisecond, stopChan: make(chan struct{})}
	return a, b
}

// TransmitByte sends one byte to the peer, blocking until the channel
// accepts it or the per byte timeout elapses.
func (port *VirtualPort) TransmitByte(b byte) error {
	if port.CorruptTx != nil {
		b = port.CorruptTx(b)
	}
	select {
	case <-port.stopChan:
		return ErrPortClosed
	default:
	}
	select {
	case <-port.stopChan:
		return ErrPortClosed
	case port.tx <- b:
		return nil
	case <-time.After(port.byteTimeout):
		return ErrTxTimeout
	}
}

// Subscribe starts the goroutine delivering peer bytes to handler.
func (port *VirtualPort) Subscribe(handler ByteHandler) {
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.subscribed {
		return
	}
	port.subscribed = true
	port.wg.Add(1)
	go func() {
		defer port.wg.Done()
		for {
			select {
			case <-port.stopChan:
				return
			case b := <-port.rx:
				handler.ReceiveByte(b)
			}
		}
	}()
}

// Close stops delivery. Safe to call more than once.
func (port *VirtualPort) Close() error {
	port.closeOnce.Do(func() { close(port.stopChan) })
	port.wg.Wait()
	return nil
}
