package kfmt

import "io"

// ringBufferSize is the capacity of the early output buffer. It holds the
// log lines emitted while the memory core boots. The size must be a power
// of 2.
const ringBufferSize = 16 << 10

// ringBuffer keeps the most recent ringBufferSize bytes written to it. Once
// full, new writes overwrite the oldest data.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// start is the index of the oldest byte and size the number of bytes
	// currently stored.
	start, size int
}

// Write appends p to the buffer and never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	written := len(p)
	if len(p) > ringBufferSize {
		p = p[len(p)-ringBufferSize:]
	}

	for len(p) > 0 {
		end := (rb.start + rb.size) & (ringBufferSize - 1)
		n := copy(rb.buffer[end:], p)
		p = p[n:]

		rb.size += n
		if overflow := rb.size - ringBufferSize; overflow > 0 {
			rb.start = (rb.start + overflow) & (ringBufferSize - 1)
			rb.size = ringBufferSize
		}
	}

	return written, nil
}

// Len returns the number of buffered bytes.
func (rb *ringBuffer) Len() int {
	return rb.size
}

// Reset discards the buffered bytes.
func (rb *ringBuffer) Reset() {
	rb.start, rb.size = 0, 0
}

// WriteTo drains the buffer into w, oldest bytes first.
func (rb *ringBuffer) WriteTo(w io.Writer) (int64, error) {
	var total int64

	for rb.size > 0 {
		chunk := rb.buffer[rb.start:min(rb.start+rb.size, ringBufferSize)]

		n, err := w.Write(chunk)
		total += int64(n)
		rb.start = (rb.start + n) & (ringBufferSize - 1)
		rb.size -= n

		if err != nil {
			return total, err
		}
		if n < len(chunk) {
			return total, io.ErrShortWrite
		}
	}

	rb.start = 0
	return total, nil
}
