package secret

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Use after the buffer has been closed.
var ErrClosed = errors.New("secret: buffer closed")

// Buffer owns sensitive bytes. It must not be copied after creation.
type Buffer struct {
	mu     sync.Mutex
	region region
	data   []byte
	closed bool
}

// New allocates a zeroed buffer of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, errors.New("secret: buffer size must be positive")
	}
	r, err := allocate(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{region: r, data: r.bytes()[:size]}, nil
}

// NewFromBytes copies source into a new buffer and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("secret: cannot create buffer from empty source")
	}
	b, err := New(len(source))
	if err != nil {
		Zero(source)
		return nil, err
	}
	copy(b.data, source)
	Zero(source)
	return b, nil
}

// Use lends the secret bytes to fn. The slice must not be retained after fn
// returns.
func (b *Buffer) Use(fn func(secret []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return fn(b.data)
}

// Len returns the size of the secret.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close zeroes and releases the memory. Close is idempotent and safe on a
// nil Buffer.
func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)
	b.data = nil
	return b.region.release()
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
