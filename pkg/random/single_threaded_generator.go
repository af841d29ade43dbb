package random

import (
	"encoding/binary"
	"math/rand/v2"
)

// SingleThreadedGenerator is a Random Number Generator (RNG) that
// cannot be used concurrently. This interface is a subset of Go's
// rand.Rand.
type SingleThreadedGenerator interface {
	// Generates a number in range [0.0, 1.0).
	Float64() float64
	// Generates a number in range [0, n), where n is of type int64.
	Int64N(n int64) int64
	// Generates a number in range [0, n), where n is of type int.
	IntN(n int) int
	// Shuffle the elements in a list.
	Shuffle(n int, swap func(i, j int))
	// Generates an arbitrary 64-bit integer value.
	Uint64() uint64
	// Generates a number in range [0, n), where n is of type uint64.
	Uint64N(n uint64) uint64
}

var _ SingleThreadedGenerator = (*rand.Rand)(nil)

// NewSeededSingleThreadedGenerator creates a SingleThreadedGenerator
// whose output is fully determined by the provided seed. Generators
// created with the same seed yield identical sequences on every
// platform, which makes them suitable for decisions that need to be
// reproducible, such as selecting files to defragment at a given
// height.
func NewSeededSingleThreadedGenerator(seed uint64) SingleThreadedGenerator {
	var chachaSeed [32]byte
	binary.LittleEndian.PutUint64(chachaSeed[:], seed)
	return rand.New(rand.NewChaCha8(chachaSeed))
}
