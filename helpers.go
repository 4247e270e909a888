package veil

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// set is an immutable membership set. Sets are always replaced wholesale, never
// mutated in place, so concurrent readers need no locking.
type set[T comparable] map[T]struct{}

// makeSet builds a set from a slice of values.
func makeSet[T comparable](values []T) set[T] {
	s := make(set[T], len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// contains reports whether v is a member of the set.
func (s set[T]) contains(v T) bool {
	_, ok := s[v]
	return ok
}

// values returns the members of the set as a slice, in map order.
func (s set[T]) values() []T {
	out := make([]T, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

// with returns a copy of the set with v added.
func (s set[T]) with(v T) set[T] {
	out := make(set[T], len(s)+1)
	for k := range s {
		out[k] = struct{}{}
	}
	out[v] = struct{}{}
	return out
}

// without returns a copy of the set with v removed.
func (s set[T]) without(v T) set[T] {
	out := make(set[T], len(s))
	for k := range s {
		if k != v {
			out[k] = struct{}{}
		}
	}
	return out
}

// blockY converts a continuous Y coordinate to the block column it falls into.
func blockY(y float64) int {
	return int(math.Floor(y))
}

// chunkCoord converts a block coordinate to its chunk coordinate.
func chunkCoord(v int) int32 {
	return int32(v >> 4)
}

// chunkPos returns the chunk column a continuous position falls into.
func chunkPos(p mgl64.Vec3) (x, z int32) {
	return chunkCoord(int(math.Floor(p.X()))), chunkCoord(int(math.Floor(p.Z())))
}
