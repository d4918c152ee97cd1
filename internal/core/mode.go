// Package core is the orchestration layer.  It composes the transport,
// the gateway and the ambient services into complete operational modes
// and provides a builder that selects the right mode from a Config.
//
// Architecture layers (bottom → top):
//
//	nis  →  transport  →  session  →  gateway  →  core  →  cmd (CLI)
package core

import "context"

// Mode represents a complete operational mode of apcgate (serve or
// probe).  Each mode owns its full lifecycle from the first backend
// dial to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
