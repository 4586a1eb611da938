package ai

import (
	"iter"
	"sync/atomic"
)

// Stream is a finite sequence of text fragments that can be consumed once.
type Stream struct {
	run  func(yield func(string) bool)
	used atomic.Bool
}

func newStream(run func(yield func(string) bool)) *Stream {
	return &Stream{run: run}
}

// StreamOf yields the given fragments in order.
func StreamOf(fragments ...string) *Stream {
	return newStream(func(yield func(string) bool) {
		for _, f := range fragments {
			if !yield(f) {
				return
			}
		}
	})
}

// Fragments ranges over the stream. Only the first range produces anything;
// later ones see an empty sequence.
func (s *Stream) Fragments() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !s.used.CompareAndSwap(false, true) {
			return
		}
		s.run(yield)
	}
}
