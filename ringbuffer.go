package sdp

import "sync/atomic"

// RingBuffer is a fixed capacity byte queue for a single producer and a
// single consumer. The head index is written only by the producer, the
// tail index only by the consumer, and occupancy is derived from the two,
// so no field is ever written from both contexts. Indices grow
// monotonically and are masked into the buffer, which requires the
// capacity to be a power of two; NewRingBuffer rounds up.
type RingBuffer struct {
	buffer []byte
	mask   uint32
	head   atomic.Uint32 // next write, producer only
	tail   atomic.Uint32 // next read, consumer only
}

// NewRingBuffer creates a ring buffer holding at least capacity bytes.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 || capacity > 1<<30 {
		return nil, ErrIllegalArgument
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &RingBuffer{buffer: make([]byte, size), mask: uint32(size - 1)}, nil
}

// Capacity returns the number of bytes the buffer can hold.
func (rb *RingBuffer) Capacity() int {
	return len(rb.buffer)
}

// Size returns the number of bytes currently stored.
func (rb *RingBuffer) Size() int {
	return int(rb.head.Load() - rb.tail.Load())
}

// Free returns the number of bytes that can still be written.
func (rb *RingBuffer) Free() int {
	return len(rb.buffer) - rb.Size()
}

func (rb *RingBuffer) Empty() bool {
	return rb.Size() == 0
}

func (rb *RingBuffer) Full() bool {
	return rb.Size() == len(rb.buffer)
}

// Put appends data to the buffer. All or nothing : if the free space is
// smaller than len(data) nothing is written and ErrNotEnoughSpace is
// returned. Producer context only.
func (rb *RingBuffer) Put(data []byte) error {
	head := rb.head.Load()
	free := len(rb.buffer) - int(head-rb.tail.Load())
	if free < len(data) {
		return ErrNotEnoughSpace
	}
	index := int(head & rb.mask)
	toEnd := len(rb.buffer) - index
	if toEnd < len(data) {
		copy(rb.buffer[index:], data[:toEnd])
		copy(rb.buffer, data[toEnd:])
	} else {
		copy(rb.buffer[index:], data)
	}
	rb.head.Store(head + uint32(len(data)))
	return nil
}

// Get removes exactly len(data) bytes from the buffer. All or nothing :
// if fewer bytes are stored nothing is read and ErrNotEnoughData is
// returned. Consumer context only.
func (rb *RingBuffer) Get(data []byte) error {
	tail := rb.tail.Load()
	if int(rb.head.Load()-tail) < len(data) {
		return ErrNotEnoughData
	}
	index := int(tail & rb.mask)
	toEnd := len(rb.buffer) - index
	if toEnd < len(data) {
		copy(data[:toEnd], rb.buffer[index:])
		copy(data[toEnd:], rb.buffer)
	} else {
		copy(data, rb.buffer[index:index+len(data)])
	}
	rb.tail.Store(tail + uint32(len(data)))
	return nil
}

// Flush discards all stored bytes. Consumer context only, idempotent.
func (rb *RingBuffer) Flush() {
	rb.tail.Store(rb.head.Load())
}
