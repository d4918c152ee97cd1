package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	ncerr "apcgate/internal/errors"
	"apcgate/internal/nis"
	"apcgate/internal/session"
	"apcgate/util"
)

// Session-ending conditions that are not failures.
var (
	errMaxRequests = errors.New("max requests reached")
	errDrained     = errors.New("server shutting down")
)

type source int

const (
	fromClient source = iota
	fromBackend
)

// event is one chunk read from either side, or the client's EOF.  The
// receiver releases the chunk.
type event struct {
	src   source
	chunk util.Chunk
	eof   bool
}

// serveConn runs one session from backend dial to teardown.
func (s *Server) serveConn(ctx context.Context, client net.Conn, opts Options) {
	sess := session.New(client, opts.Protocol, s.Logger)
	defer sess.Close()

	s.active.Add(1)
	defer s.active.Add(-1)
	s.Metrics.SessionOpened()
	defer s.Metrics.SessionClosed()

	addr := s.BackendAddr()
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	backend, err := s.Dialer.Dial(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		sess.Logger.Warn("backend %s unavailable: %v", addr, err)
		return
	}
	sess.Attach(backend)
	sess.Logger.Verbose("client %s bridged to backend %s", client.RemoteAddr(), addr)

	err = s.drive(ctx, sess, opts)
	s.logEnd(sess, err)
}

// drive runs the two reader pumps and the event loop under one errgroup.
// The first goroutine to fail cancels the rest; closing both
// connections unblocks the pumps.
func (s *Server) drive(ctx context.Context, sess *session.Session, opts Options) error {
	g, gctx := errgroup.WithContext(ctx)
	events := make(chan event)

	g.Go(func() error {
		return pump(gctx, sess.Client, fromClient, opts.IdleTimeout, events)
	})
	g.Go(func() error {
		return pump(gctx, sess.Backend, fromBackend, 0, events)
	})
	g.Go(func() error {
		return s.loop(gctx, sess, opts, events)
	})
	g.Go(func() error {
		<-gctx.Done()
		sess.Close()
		return nil
	})

	return g.Wait()
}

// pump reads conn until it fails, handing every non-empty chunk to the
// event loop.  idle > 0 arms a read deadline before each read.  A
// client EOF is passed on as an event so a half-closed client still
// gets its response.
func pump(ctx context.Context, conn net.Conn, src source, idle time.Duration, events chan<- event) error {
	for {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle)) //nolint:errcheck
		}
		chunk, err := util.ReadChunk(conn)
		if chunk.Len() > 0 {
			select {
			case events <- event{src: src, chunk: chunk}:
			case <-ctx.Done():
				chunk.Release()
				return ctx.Err()
			}
		}
		if err != nil {
			if src == fromClient && errors.Is(err, io.EOF) {
				select {
				case events <- event{src: src, eof: true}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return readError(src, conn, err)
		}
	}
}

func readError(src source, conn net.Conn, err error) error {
	closed := ncerr.ErrClientClosed
	if src == fromBackend {
		closed = ncerr.ErrBackendClosed
	}
	switch {
	case util.IsHarmless(err):
		return closed
	case ncerr.IsTimeout(err):
		return fmt.Errorf("%w: client idle", ncerr.ErrTimeout)
	default:
		return ncerr.Wrap("read", conn.RemoteAddr().String(), err)
	}
}

// loop is the only goroutine that touches sess.Proto, so protocol
// events for a session are handled strictly one at a time.
func (s *Server) loop(ctx context.Context, sess *session.Session, opts Options, events <-chan event) error {
	cw := bufio.NewWriterSize(sess.Client, util.DefaultBufSize)
	bw := bufio.NewWriter(sess.Backend)
	drain := s.drain
	draining := false
	clientDone := false

	var (
		responses  int
		cycleStart time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-drain:
			drain = nil
			draining = true
			if !sess.Proto.Awaiting() {
				return errDrained
			}

		case ev := <-events:
			if ev.eof {
				if !sess.Proto.Awaiting() {
					return ncerr.ErrClientClosed
				}
				clientDone = true
				continue
			}

			var (
				acts nis.Actions
				err  error
			)
			switch ev.src {
			case fromClient:
				acts = sess.Proto.ClientData(ev.chunk.Bytes())
				if len(acts) > 0 {
					cycleStart = time.Now()
					sess.Logger.Debug("request cycle %d started", sess.Proto.Cycles()+1)
				}
			case fromBackend:
				before := sess.Proto.Ignored()
				s.Metrics.BytesReceived(int64(ev.chunk.Len()))
				acts, err = sess.Proto.BackendData(ev.chunk.Bytes())
				s.Metrics.BytesIgnored(int64(sess.Proto.Ignored() - before))
			}
			ev.chunk.Release()

			if err != nil {
				s.Metrics.ProtocolError(err.Error())
				return err
			}
			if err := s.execute(sess, acts, cw, bw); err != nil {
				return err
			}

			if ev.src != fromBackend || len(acts) == 0 {
				continue
			}
			responses++
			s.Metrics.ResponseSent(time.Since(cycleStart))
			sess.Logger.Debug("response %d sent (%d records)", responses, len(sess.Proto.Records()))

			if opts.MaxRequests > 0 && responses >= opts.MaxRequests {
				return errMaxRequests
			}
			if clientDone {
				return ncerr.ErrClientClosed
			}
			if draining {
				return errDrained
			}
		}
	}
}

// execute performs acts in order on the buffered writers.
func (s *Server) execute(sess *session.Session, acts nis.Actions, cw, bw *bufio.Writer) error {
	for _, a := range acts {
		w, conn := cw, sess.Client
		if a.Dir == nis.ToBackend {
			w, conn = bw, sess.Backend
		}
		if _, err := w.Write(a.Data); err != nil {
			return ncerr.Wrap("write", conn.RemoteAddr().String(), err)
		}
		if a.Dir == nis.ToClient {
			s.Metrics.BytesSent(int64(len(a.Data)))
		}
		if a.Flush {
			if err := w.Flush(); err != nil {
				return ncerr.Wrap("write", conn.RemoteAddr().String(), err)
			}
		}
	}
	return nil
}

// logEnd reports why a session ended at a level matching its severity.
func (s *Server) logEnd(sess *session.Session, err error) {
	cycles := sess.Proto.Cycles()
	lifetime := time.Since(sess.Started).Truncate(time.Millisecond)

	switch {
	case errors.Is(err, errMaxRequests), errors.Is(err, errDrained):
		sess.Logger.Verbose("closed after %d responses: %v", cycles, err)
	case errors.Is(err, ncerr.ErrClientClosed):
		sess.Logger.Verbose("client closed after %d responses in %v", cycles, lifetime)
	case errors.Is(err, ncerr.ErrTimeout):
		sess.Logger.Verbose("idle timeout after %d responses", cycles)
	case errors.Is(err, context.Canceled):
		sess.Logger.Verbose("session cancelled")
	case errors.Is(err, ncerr.ErrBackendClosed):
		sess.Logger.Warn("backend closed the session after %d responses", cycles)
	case ncerr.IsProtocol(err):
		sess.Logger.Warn("protocol error: %v", err)
	default:
		s.Metrics.RecordError(err.Error())
		sess.Logger.Warn("session failed: %v", err)
	}
}
