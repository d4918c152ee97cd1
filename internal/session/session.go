// Package session binds the pieces that make up one gateway session:
// the client connection, its dedicated backend connection, the NIS
// protocol state and a logger tagged with the session ID.
//
// A Session is owned by the goroutine driving it and is never shared
// between sessions.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"apcgate/internal/nis"
	"apcgate/util"
)

// Session encapsulates the runtime context for a single client
// connection and the backend stream opened on its behalf.
type Session struct {
	ID      uuid.UUID
	Client  net.Conn
	Backend net.Conn
	Proto   *nis.Session
	Logger  *util.Logger
	Started time.Time

	closeOnce sync.Once
}

// New creates a session for an accepted client.  Backend is attached
// later with [Session.Attach] once the dial succeeds.
func New(client net.Conn, opts nis.Options, logger *util.Logger) *Session {
	id := uuid.New()
	return &Session{
		ID:      id,
		Client:  client,
		Proto:   nis.NewSession(opts),
		Logger:  logger.With("[" + ShortID(id) + "]"),
		Started: time.Now(),
	}
}

// Attach records the backend connection.
func (s *Session) Attach(backend net.Conn) { s.Backend = backend }

// Close closes both connections.  It is safe to call more than once
// and from any goroutine; the first call wins.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.Client != nil {
			s.Client.Close()
		}
		if s.Backend != nil {
			s.Backend.Close()
		}
	})
}

// String returns the short session ID.
func (s *Session) String() string { return ShortID(s.ID) }

// ShortID returns the first eight hex digits of id, enough to tell
// sessions apart in a log.
func ShortID(id uuid.UUID) string { return id.String()[:8] }
