package internal

import (
	"errors"
	"io"
)

var (
	errRingBufferFull = errors.New("coopnet/ring: buffer full")
	errRingDiscard    = errors.New("coopnet/ring: discard exceeds buffered")
)

// Ring is a fixed-size byte ring over caller supplied memory. Writes accept as
// much data as fits, which is how a socket transmit buffer behaves.
type Ring struct {
	// Buf holds the ring's data. Its capacity is unused.
	Buf []byte
	// Off is the index of the first readable byte. Off<len(Buf) when Buf is not empty.
	Off int
	// Len is the number of readable bytes starting at Off, wrapping at len(Buf).
	Len int
}

// Write appends up to [Ring.Free] bytes of b and returns the amount written.
// It returns an error only if b is not empty and the ring is full.
func (r *Ring) Write(b []byte) (int, error) {
	free := r.Free()
	if len(b) == 0 {
		return 0, nil
	} else if free == 0 {
		return 0, errRingBufferFull
	}
	b = b[:min(len(b), free)]
	end := r.end()
	n := copy(r.Buf[end:], b)
	if n < len(b) {
		n += copy(r.Buf, b[n:])
	}
	r.Len += n
	return n, nil
}

// Read reads up to len(b) bytes and advances the read pointer. [io.EOF] is returned
// when there is no data.
func (r *Ring) Read(b []byte) (int, error) {
	n, err := r.ReadPeek(b)
	if err != nil {
		return 0, err
	}
	r.discard(n)
	return n, nil
}

// ReadPeek reads up to len(b) bytes without advancing the read pointer.
func (r *Ring) ReadPeek(b []byte) (int, error) {
	if r.Len == 0 {
		return 0, io.EOF
	}
	want := min(len(b), r.Len)
	n := copy(b[:want], r.Buf[r.Off:min(r.Off+want, len(r.Buf))])
	if n < want {
		n += copy(b[n:want], r.Buf)
	}
	return n, nil
}

// ReadDiscard advances the read pointer n bytes without copying.
func (r *Ring) ReadDiscard(n int) error {
	if n < 0 || n > r.Len {
		return errRingDiscard
	}
	r.discard(n)
	return nil
}

func (r *Ring) discard(n int) {
	r.Len -= n
	if r.Len == 0 {
		// Keep subsequent writes contiguous.
		r.Off = 0
		return
	}
	r.Off += n
	if r.Off >= len(r.Buf) {
		r.Off -= len(r.Buf)
	}
}

// Reset discards all buffered data.
func (r *Ring) Reset() {
	r.Off = 0
	r.Len = 0
}

// Size returns the capacity of the ring.
func (r *Ring) Size() int { return len(r.Buf) }

// Buffered returns the number of readable bytes.
func (r *Ring) Buffered() int { return r.Len }

// Free returns the number of bytes that can be written before the ring is full.
func (r *Ring) Free() int { return len(r.Buf) - r.Len }

func (r *Ring) end() int {
	end := r.Off + r.Len
	if end >= len(r.Buf) {
		end -= len(r.Buf)
	}
	return end
}
