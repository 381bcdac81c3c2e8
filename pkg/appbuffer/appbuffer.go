package appbuffer

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
)

const lenPrefix = 4

var (
	ErrFull   = errors.New("receive buffer full")
	ErrClosed = errors.New("receive buffer closed")
)

// Buffer accumulates delivered payloads for the application. Each Put is one
// message; Get hands back one message at a time in arrival order.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   *ringbuffer.RingBuffer
	closed bool
}

func New(size int) *Buffer {
	b := &Buffer{ring: ringbuffer.New(size)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Put stores one payload. It never blocks: when the ring cannot hold the
// whole message it is rejected with ErrFull.
func (b *Buffer) Put(payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.ring.Free() < lenPrefix+len(payload) {
		return errors.Wrapf(ErrFull, "need %d bytes, %d free", lenPrefix+len(payload), b.ring.Free())
	}
	var prefix [lenPrefix]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := b.ring.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "write length prefix")
	}
	if len(payload) > 0 {
		if _, err := b.ring.Write(payload); err != nil {
			return errors.Wrap(err, "write payload")
		}
	}
	b.cond.Broadcast()
	return nil
}

// Get blocks until a message is available and returns at most max bytes of
// it. The remainder of a longer message is discarded.
func (b *Buffer) Get(max int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.ring.IsEmpty() && !b.closed {
		b.cond.Wait()
	}
	if b.ring.IsEmpty() {
		return nil, ErrClosed
	}

	var prefix [lenPrefix]byte
	if _, err := b.ring.Read(prefix[:]); err != nil {
		return nil, errors.Wrap(err, "read length prefix")
	}
	size := int(binary.BigEndian.Uint32(prefix[:]))
	msg := make([]byte, size)
	if size > 0 {
		if _, err := b.ring.Read(msg); err != nil {
			return nil, errors.Wrap(err, "read payload")
		}
	}
	if max >= 0 && size > max {
		msg = msg[:max]
	}
	return msg, nil
}

// Len is the number of buffered bytes, length prefixes included.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Length()
}

// Close wakes blocked readers. Messages already buffered can still be read.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
