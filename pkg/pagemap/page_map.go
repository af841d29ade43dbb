package pagemap

import (
	"sort"
)

// PageSize is the size of a single page of memory, in bytes. Page maps
// are persisted at page granularity.
const PageSize = 4096

// PageIndex is the index of a page within a page map.
type PageIndex uint64

// PageDelta contains the contents of a set of pages. Every value has a
// length of exactly PageSize bytes.
type PageDelta map[PageIndex][]byte

// SortedIndices returns the indices of all pages in the delta in
// increasing order.
func (d PageDelta) SortedIndices() []PageIndex {
	return sortedPageIndices(d)
}

func sortedPageIndices[V any](m map[PageIndex]V) []PageIndex {
	indices := make([]PageIndex, 0, len(m))
	for index := range m {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

// copyPage copies page contents into a buffer of PageSize bytes,
// zero-filling the remainder if the source is shorter.
func copyPage(dst, src []byte) {
	n := copy(dst[:PageSize], src)
	clear(dst[n:PageSize])
}

// StorageMode controls how deltas are written to disk.
type StorageMode int

const (
	// StorageModeLegacy writes deltas into the base file directly.
	StorageModeLegacy StorageMode = iota
	// StorageModeLayered writes every delta into a new overlay file
	// that is placed on top of the base file.
	StorageModeLayered
)

func (m StorageMode) String() string {
	if m == StorageModeLayered {
		return "layered"
	}
	return "legacy"
}

// PageMap is the in-memory representation of a page map that is
// maintained by the execution environment. The tip worker only needs
// to be able to write out the pages that have not been persisted yet.
type PageMap interface {
	// NumPages returns the number of logical pages of the page map.
	NumPages() uint64
	// UnflushedDeltaIsEmpty returns whether all modified pages have
	// already been written to disk.
	UnflushedDeltaIsEmpty() bool
	// PersistUnflushedDelta writes all pages that have been
	// modified since the last flush.
	PersistUnflushedDelta(dst PersistDestination) error
	// PersistDelta writes all pages that have been modified since
	// the last checkpoint and have not been flushed yet.
	PersistDelta(dst PersistDestination) error
}
