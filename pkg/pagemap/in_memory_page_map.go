package pagemap

import (
	"sync"
)

// InMemoryPageMap is a simple implementation of PageMap that keeps all
// modified pages in memory until they are persisted.
type InMemoryPageMap struct {
	lock      sync.Mutex
	numPages  uint64
	unflushed PageDelta
}

var _ PageMap = (*InMemoryPageMap)(nil)

// NewInMemoryPageMap creates a page map that initially has numPages
// logical pages and no modifications.
func NewInMemoryPageMap(numPages uint64) *InMemoryPageMap {
	return &InMemoryPageMap{
		numPages:  numPages,
		unflushed: PageDelta{},
	}
}

// WritePage replaces the contents of a page. Data shorter than a page
// is padded with zeros.
func (m *InMemoryPageMap) WritePage(index PageIndex, data []byte) {
	page := make([]byte, PageSize)
	copyPage(page, data)

	m.lock.Lock()
	defer m.lock.Unlock()
	m.unflushed[index] = page
	m.numPages = max(m.numPages, uint64(index)+1)
}

// NumPages returns the number of logical pages of the page map.
func (m *InMemoryPageMap) NumPages() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.numPages
}

// UnflushedDeltaIsEmpty returns true if no pages have been written
// since the last time the page map was persisted.
func (m *InMemoryPageMap) UnflushedDeltaIsEmpty() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.unflushed) == 0
}

// PersistUnflushedDelta writes all pages modified since the last
// flush to the destination.
func (m *InMemoryPageMap) PersistUnflushedDelta(dst PersistDestination) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := dst.Write(m.unflushed); err != nil {
		return err
	}
	m.unflushed = PageDelta{}
	return nil
}

// PersistDelta is identical to PersistUnflushedDelta. Pages that were
// flushed before are already part of an earlier overlay or the base
// file of the tip.
func (m *InMemoryPageMap) PersistDelta(dst PersistDestination) error {
	return m.PersistUnflushedDelta(dst)
}
