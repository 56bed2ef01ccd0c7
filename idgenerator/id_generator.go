// Package idgenerator hands out sequence numbers, such as the N in the
// host's guest-N names.
package idgenerator

import "sync/atomic"

// IdGenerator hands out increasing uint32 sequence numbers. It is safe for
// concurrent use, so racing handshakes never share a number.
type IdGenerator struct {
	next atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id is after+1. Passing 0
// keeps 0 free to mean "unnumbered".
//
// Parameters:
//   - after: The last number considered already used
//
// Returns:
//   - A new *IdGenerator
func NewIdGenerator(after uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.next.Store(after)
	return gen
}

// Id returns the next number in the sequence. It wraps to 0 after the
// largest uint32.
func (g *IdGenerator) Id() uint32 {
	return g.next.Add(1)
}
