package sdp

// Port is the byte sink and source a node talks through. Implementations
// deliver inbound bytes one at a time to the subscribed handler from
// their own receive context and accept outbound bytes from the node's
// cooperative context.
type Port interface {
	// TransmitByte sends one byte, blocking until the underlying device
	// accepts it or the per byte timeout elapses.
	TransmitByte(b byte) error
	// Subscribe registers the receive side byte handler and starts
	// delivering inbound bytes to it.
	Subscribe(handler ByteHandler)
	// Close stops reception and releases the underlying device.
	Close() error
}

// ByteHandler consumes inbound bytes, one call per byte. A Node is a
// ByteHandler; its ReceiveByte performs a single ring buffer put and
// returns, which keeps it safe to call from an interrupt-like context.
type ByteHandler interface {
	ReceiveByte(b byte)
}
