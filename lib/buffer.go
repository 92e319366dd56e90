package lib

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Buffer assembles and scans length-prefixed protocol frames. Buffers
// are pooled; use TakeBuffer/ReleaseBuffer around a frame exchange.
type Buffer struct {
	B        []byte
	original []byte
}

var (
	DefaultBufferLength = 4096

	buffers = &sync.Pool{
		New: func() interface{} {
			b := &Buffer{
				B: make([]byte, 0, DefaultBufferLength),
			}
			b.original = b.B
			return b
		},
	}

	ErrBufferLimit = fmt.Errorf("buffer size limit exceeded")
)

// TakeBuffer
func TakeBuffer() *Buffer {
	return buffers.Get().(*Buffer)
}

// ReleaseBuffer
func ReleaseBuffer(b *Buffer) {
	b.B = b.original[:0]
	buffers.Put(b)
}

// Reset
func (b *Buffer) Reset() {
	b.B = b.B[:0]
}

// Set replaces the content, reusing the pooled backing array when the
// data fits.
func (b *Buffer) Set(v []byte) {
	if len(v) <= cap(b.original) {
		b.B = append(b.original[:0], v...)
		return
	}
	b.B = append(b.B[:0], v...)
}

// AppendByte
func (b *Buffer) AppendByte(v byte) {
	b.B = append(b.B, v)
}

// Append
func (b *Buffer) Append(v []byte) {
	b.B = append(b.B, v...)
}

// AppendString
func (b *Buffer) AppendString(s string) {
	b.B = append(b.B, s...)
}

// Len
func (b *Buffer) Len() int {
	return len(b.B)
}

// Frame scans for a big-endian length-prefixed frame at the start of
// the buffer. prefixLen is 2 (handshake, EPMD requests) or 4
// (distribution frames). total is the frame length including the
// prefix, known as soon as the prefix itself is buffered; done reports
// whether the whole frame has arrived. The frame body is
// b.B[prefixLen:total].
func (b *Buffer) Frame(prefixLen int) (total int, done bool) {
	if len(b.B) < prefixLen {
		return 0, false
	}
	if prefixLen == 2 {
		total = prefixLen + int(binary.BigEndian.Uint16(b.B))
	} else {
		total = prefixLen + int(binary.BigEndian.Uint32(b.B))
	}
	return total, len(b.B) >= total
}

// Advance drops the first n bytes, typically a consumed frame.
func (b *Buffer) Advance(n int) {
	b.Set(b.B[n:])
}

// WriteDataTo writes the whole buffer content to w.
func (b *Buffer) WriteDataTo(w io.Writer) error {
	data := b.B
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ReadDataFrom performs a single Read into the spare capacity, growing
// the buffer when less than half of the capacity is left. limit bounds
// the buffered size, 0 means no limit.
func (b *Buffer) ReadDataFrom(r io.Reader, limit int) (int, error) {
	if limit > 0 && len(b.B) > limit {
		return 0, ErrBufferLimit
	}
	if cap(b.B)-len(b.B) < cap(b.B)>>1 {
		b.grow(2 * cap(b.B))
	}
	n, err := r.Read(b.B[len(b.B):cap(b.B)])
	b.B = b.B[:len(b.B)+n]
	return n, err
}

// Allocate sets the buffer length to n, growing as needed. The content
// of the allocated area is unspecified.
func (b *Buffer) Allocate(n int) {
	if cap(b.B) < n {
		b.grow(n)
	}
	b.B = b.B[:n]
}

// Extend grows the buffer by n bytes and returns the extension slice.
func (b *Buffer) Extend(n int) []byte {
	l := len(b.B)
	if l+n > cap(b.B) {
		b.grow(l + n)
	}
	b.B = b.B[:l+n]
	return b.B[l:]
}

func (b *Buffer) grow(min int) {
	c := 2 * cap(b.B)
	if c < min {
		c = min
	}
	grown := make([]byte, len(b.B), c)
	copy(grown, b.B)
	b.B = grown
}
