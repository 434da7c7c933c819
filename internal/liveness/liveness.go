// Package liveness decides whether the process behind a recorded token is
// still running. Tokens pair a PID with the process start time so a recycled
// PID is never mistaken for the original owner.
package liveness

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// State is the verdict of a liveness probe.
//
//go:generate go tool stringer -type=State -linecomment
type State uint8

const (
	Unknown State = iota // unknown
	Alive                // alive
	Dead                 // dead
)

// Token identifies a participant. PID and Start identify the process, Node
// the participant inside it (zero for process-scoped resources).
type Token struct {
	PID   uint32
	Start uint64
	Node  ulid.ULID
}

// IsZero reports whether t was never filled in.
func (t Token) IsZero() bool {
	return t.PID == 0
}

// WithNode returns a copy of t bound to node id.
func (t Token) WithNode(id ulid.ULID) Token {
	t.Node = id
	return t
}

// Probe reports the liveness of a token.
type Probe interface {
	Probe(Token) State
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(Token) State

// Probe calls f(t).
func (f ProbeFunc) Probe(t Token) State {
	return f(t)
}

// ProcessProbe probes the operating system process behind a token.
type ProcessProbe struct{}

// Probe implements Probe.
func (ProcessProbe) Probe(t Token) State {
	if t.IsZero() {
		return Unknown
	}
	return probeProcess(t.PID, t.Start)
}

var self = sync.OnceValue(func() Token {
	pid, start := selfProcess()
	return Token{PID: pid, Start: start}
})

// Self returns the token of the current process.
func Self() Token {
	return self()
}
