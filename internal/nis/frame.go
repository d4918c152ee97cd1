// Package nis implements the apcupsd Network Information Server wire
// protocol as a pure state machine.
//
// A NIS exchange is a length-prefixed command frame followed by a
// stream of records, each a big-endian uint16 length and that many
// payload bytes, terminated by a zero-length record.  This package does
// no I/O: [Session] consumes bytes from either direction and returns the
// [Actions] the transport must perform.
package nis

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DefaultPort is the TCP port apcupsd's NIS listens on.
const DefaultPort = 3551

// prefixLen is the size of every record's length field.
const prefixLen = 2

// CommandFrame is the pre-encoded "status" request: 0x0006 "status".
var CommandFrame = []byte{0x00, 0x06, 's', 't', 'a', 't', 'u', 's'}

// EncodeCommand frames an arbitrary NIS command.
func EncodeCommand(name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("empty command")
	}
	if len(name) > math.MaxUint16 {
		return nil, fmt.Errorf("command is %d bytes, limit %d", len(name), math.MaxUint16)
	}
	out := make([]byte, prefixLen+len(name))
	binary.BigEndian.PutUint16(out, uint16(len(name)))
	copy(out[prefixLen:], name)
	return out, nil
}

// AppendRecord appends one framed record to dst.  An empty payload
// produces the terminator.
func AppendRecord(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...)
}

// ── actions ──────────────────────────────────────────────────────────

// Direction names the stream an Action writes to.
type Direction int

const (
	// ToBackend writes toward the NIS daemon.
	ToBackend Direction = iota
	// ToClient writes toward the HTTP client.
	ToClient
)

func (d Direction) String() string {
	switch d {
	case ToBackend:
		return "backend"
	case ToClient:
		return "client"
	default:
		return "unknown"
	}
}

// Action is one outbound write.  Flush asks the transport not to hold
// the bytes behind later writes.
type Action struct {
	Dir   Direction
	Data  []byte
	Flush bool
}

// Actions is an ordered list of writes; order must be preserved.
type Actions []Action

// Bytes concatenates the data of every action headed in dir.
func (a Actions) Bytes(dir Direction) []byte {
	var out []byte
	for _, act := range a {
		if act.Dir == dir {
			out = append(out, act.Data...)
		}
	}
	return out
}
