package util

import (
	"errors"
	"io"
	"net"
)

// DefaultBufSize is the read size for each direction of a session.
// A full apcupsd status report is well under this.
const DefaultBufSize = 8 * 1024

// Chunk is one read's worth of bytes held in a pooled buffer.
type Chunk struct {
	buf *[]byte
	n   int
}

// Bytes returns the valid portion of the chunk.  It must not be used
// after Release.
func (c Chunk) Bytes() []byte {
	if c.buf == nil {
		return nil
	}
	return (*c.buf)[:c.n]
}

// Len returns the number of valid bytes.
func (c Chunk) Len() int { return c.n }

// Release returns the buffer to the pool.
func (c Chunk) Release() { PutBuf(c.buf) }

// ReadChunk performs a single Read from r into a pooled buffer.  A chunk
// with data is returned even when err is non-nil, mirroring io.Reader;
// on error with no data the buffer is released and the chunk is empty.
func ReadChunk(r io.Reader) (Chunk, error) {
	buf := GetBuf()
	n, err := r.Read(*buf)
	if n == 0 {
		PutBuf(buf)
		return Chunk{}, err
	}
	return Chunk{buf: buf, n: n}, err
}

// IsHarmless returns true for errors that are expected during shutdown.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
