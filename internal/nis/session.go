package nis

import (
	"encoding/binary"

	ncerr "apcgate/internal/errors"
)

// Options tunes a Session.  The zero value reproduces the classic
// gateway: status command, no payload cap, default response headers.
type Options struct {
	// Command is the frame sent to the backend on each request cycle.
	// Nil means CommandFrame.
	Command []byte
	// MaxPayload caps the bytes buffered for one response.  A declared
	// record that would exceed it fails the cycle with a
	// *errors.ProtocolError.  Zero disables the cap.
	MaxPayload int
	// Response controls the synthesized HTTP header block.
	Response ResponseOptions
}

// Session is the protocol state of one client↔backend stream pair.
// It is not safe for concurrent use; the transport must deliver events
// for a given session serially.
type Session struct {
	opts Options

	pending    int      // body bytes still owed to the last record
	records    [][]byte // wire order; the last may be in progress
	terminated bool

	// A record's length field may straddle two chunks.  half holds
	// the first byte until the second one arrives.
	half    byte
	hasHalf bool

	awaiting bool // a command is outstanding
	size     int  // payload bytes buffered this cycle
	consumed int  // backend bytes seen this cycle
	cycles   int
	ignored  int
}

// NewSession returns an idle session.
func NewSession(opts Options) *Session {
	if opts.Command == nil {
		opts.Command = CommandFrame
	}
	return &Session{opts: opts}
}

// ClientData handles bytes from the client direction.  The bytes are
// never inspected or forwarded.  If no cycle is outstanding the state is
// reset and the command frame is emitted toward the backend; otherwise
// the chunk is a continuation of a request already being answered and
// nothing happens.
func (s *Session) ClientData(p []byte) Actions {
	if len(p) == 0 || s.awaiting {
		return nil
	}
	s.reset()
	s.awaiting = true
	return Actions{{Dir: ToBackend, Data: s.opts.Command, Flush: true}}
}

// BackendData feeds one chunk read from the backend.  Chunks may be of
// any size, including empty.  When the terminator is seen the HTTP
// response is returned and the session goes idle until the next
// client request; backend bytes arriving while idle are dropped.
func (s *Session) BackendData(p []byte) (Actions, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if !s.awaiting {
		s.ignored += len(p)
		return nil, nil
	}

	off, err := s.scan(p)
	s.consumed += off
	if err != nil {
		s.awaiting = false
		return nil, err
	}
	if !s.terminated {
		return nil, nil
	}

	s.ignored += len(p) - off
	s.awaiting = false
	s.cycles++
	return Respond(s.records, s.opts.Response), nil
}

// scan consumes p and returns how many bytes were used.  Anything after
// a terminator is left unconsumed.
func (s *Session) scan(p []byte) (int, error) {
	off := 0

	if s.pending > 0 {
		n := min(s.pending, len(p))
		last := len(s.records) - 1
		s.records[last] = append(s.records[last], p[:n]...)
		s.pending -= n
		s.size += n
		off = n
	}

	for off < len(p) {
		var c int
		switch {
		case s.hasHalf:
			c = int(s.half)<<8 | int(p[off])
			s.hasHalf = false
			off++
		case len(p)-off < prefixLen:
			s.half = p[off]
			s.hasHalf = true
			return len(p), nil
		default:
			c = int(binary.BigEndian.Uint16(p[off:]))
			off += prefixLen
		}

		if c == 0 {
			s.terminated = true
			return off, nil
		}
		if s.opts.MaxPayload > 0 && s.size+c > s.opts.MaxPayload {
			return off, ncerr.Protocol("record", s.consumed+off-prefixLen,
				"record of %d bytes exceeds the %d byte response limit", c, s.opts.MaxPayload)
		}

		n := min(c, len(p)-off)
		rec := make([]byte, n, c)
		copy(rec, p[off:off+n])
		s.records = append(s.records, rec)
		s.pending = c - n
		s.size += n
		off += n
	}
	return off, nil
}

func (s *Session) reset() {
	s.pending = 0
	s.records = s.records[:0]
	s.terminated = false
	s.hasHalf = false
	s.size = 0
	s.consumed = 0
}

// ── inspection ───────────────────────────────────────────────────────

// Pending returns the body bytes still owed to the in-progress record.
func (s *Session) Pending() int { return s.pending }

// Records returns the buffered records in wire order.  The slices are
// owned by the session and are only valid until the next ClientData.
func (s *Session) Records() [][]byte { return s.records }

// Terminated reports whether the current cycle has seen its terminator.
func (s *Session) Terminated() bool { return s.terminated }

// Awaiting reports whether a command is outstanding.
func (s *Session) Awaiting() bool { return s.awaiting }

// PayloadLen returns the payload bytes buffered in the current cycle.
func (s *Session) PayloadLen() int { return s.size }

// Cycles returns the number of completed request/response cycles.
func (s *Session) Cycles() int { return s.cycles }

// Ignored returns the number of backend bytes dropped because they
// arrived while no cycle was outstanding or after a terminator.
func (s *Session) Ignored() int { return s.ignored }
