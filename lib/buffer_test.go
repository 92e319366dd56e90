package lib

import (
	"bytes"
	"testing"
)

func TestBuffer(t *testing.T) {
	b := TakeBuffer()
	defer ReleaseBuffer(b)

	b.Append([]byte{1, 2, 3})
	b.AppendByte(4)
	if b.Len() != 4 {
		t.Fatal(b.Len())
	}

	ext := b.Extend(2)
	ext[0] = 5
	ext[1] = 6
	if !bytes.Equal(b.B, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatal(b.B)
	}

	b.Set(b.B[4:])
	if !bytes.Equal(b.B, []byte{5, 6}) {
		t.Fatal(b.B)
	}

	b.Reset()
	if b.Len() != 0 {
		t.Fatal(b.Len())
	}
}

func TestBufferFrame(t *testing.T) {
	b := TakeBuffer()
	defer ReleaseBuffer(b)

	// nothing buffered
	if total, done := b.Frame(4); total != 0 || done {
		t.Fatal(total, done)
	}

	// prefix known, body still missing
	b.Append([]byte{0, 0, 0, 3, 'a'})
	total, done := b.Frame(4)
	if total != 7 || done {
		t.Fatal(total, done)
	}

	b.Append([]byte{'b', 'c', 0, 2})
	total, done = b.Frame(4)
	if total != 7 || !done {
		t.Fatal(total, done)
	}
	if !bytes.Equal(b.B[4:total], []byte("abc")) {
		t.Fatal(b.B[4:total])
	}

	// the tail holds the start of a 2-byte prefixed frame
	b.Advance(total)
	total, done = b.Frame(2)
	if total != 4 || done {
		t.Fatal(total, done)
	}
	b.Append([]byte{'x', 'y'})
	if total, done = b.Frame(2); total != 4 || !done {
		t.Fatal(total, done)
	}
	if !bytes.Equal(b.B[2:total], []byte("xy")) {
		t.Fatal(b.B[2:total])
	}
}

func TestBufferGrow(t *testing.T) {
	b := TakeBuffer()
	defer ReleaseBuffer(b)

	huge := make([]byte, DefaultBufferLength*3)
	for i := range huge {
		huge[i] = byte(i)
	}
	b.Append(huge)
	if !bytes.Equal(b.B, huge) {
		t.Fatal("content lost while growing")
	}
}

func TestBufferReadDataFrom(t *testing.T) {
	b := TakeBuffer()
	defer ReleaseBuffer(b)

	src := bytes.NewReader([]byte{1, 2, 3, 4})
	n, err := b.ReadDataFrom(src, 0)
	if err != nil || n != 4 {
		t.Fatal(n, err)
	}
	if !bytes.Equal(b.B, []byte{1, 2, 3, 4}) {
		t.Fatal(b.B)
	}

	b.Allocate(100)
	if _, err := b.ReadDataFrom(src, 10); err != ErrBufferLimit {
		t.Fatal(err)
	}
}
