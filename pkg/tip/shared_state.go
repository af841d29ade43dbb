package tip

import (
	"sync"

	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
	"github.com/buildbarn/bb-checkpoint/pkg/util"
	"github.com/google/btree"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// StateMetadata is the metadata of a single checkpoint.
type StateMetadata struct {
	Checkpoint *statelayout.CheckpointLayout
	// Nil if the manifest has not been computed yet.
	BundledManifest *manifest.BundledManifest
}

type stateMetadataEntry struct {
	height   statelayout.Height
	metadata StateMetadata
}

func stateMetadataEntryLess(a, b stateMetadataEntry) bool {
	return a.height < b.height
}

// SharedState holds the metadata of all checkpoints, indexed by
// height. It is updated by the tip worker when manifests are computed,
// while other goroutines may read it at any time.
type SharedState struct {
	store statelayout.StatesMetadataStore

	lock   sync.RWMutex
	states *btree.BTreeG[stateMetadataEntry]
}

// NewSharedState creates an empty SharedState that persists metadata
// into the provided store.
func NewSharedState(store statelayout.StatesMetadataStore) *SharedState {
	return &SharedState{
		store:  store,
		states: btree.NewG[stateMetadataEntry](2, stateMetadataEntryLess),
	}
}

// LoadSharedState creates a SharedState containing all checkpoints
// present in a state layout. Manifests are restored from the states
// metadata store. Manifests that cannot be decoded are discarded, as
// they can be recomputed.
func LoadSharedState(layout *statelayout.StateLayout, logger *zap.Logger) (*SharedState, error) {
	store := layout.StatesMetadataStore()
	records, err := store.ReadStatesMetadata()
	if err != nil {
		return nil, err
	}
	manifests := make(map[statelayout.Height][]byte, len(records))
	for _, record := range records {
		manifests[record.Height] = record.BundledManifest
	}

	heights, err := layout.CheckpointHeights()
	if err != nil {
		return nil, err
	}
	s := NewSharedState(store)
	for _, height := range heights {
		checkpoint, err := layout.Checkpoint(height)
		if err != nil {
			return nil, err
		}
		metadata := StateMetadata{Checkpoint: checkpoint}
		if data := manifests[height]; data != nil {
			if bundledManifest, err := manifest.UnmarshalBundledManifest(data); err == nil {
				metadata.BundledManifest = bundledManifest
			} else {
				logger.Warn("Discarding manifest of checkpoint", zap.Uint64("height", uint64(height)), zap.Error(err))
			}
		}
		s.states.ReplaceOrInsert(stateMetadataEntry{height: height, metadata: metadata})
	}
	return s, nil
}

// AddCheckpoint registers a newly created checkpoint. Existing metadata
// at the same height is retained.
func (s *SharedState) AddCheckpoint(checkpoint *statelayout.CheckpointLayout) {
	s.lock.Lock()
	defer s.lock.Unlock()
	key := stateMetadataEntry{height: checkpoint.Height()}
	if _, ok := s.states.Get(key); !ok {
		key.metadata.Checkpoint = checkpoint
		s.states.ReplaceOrInsert(key)
	}
}

// RemoveCheckpoint removes the metadata of a checkpoint, returning the
// metadata that was removed.
func (s *SharedState) RemoveCheckpoint(height statelayout.Height) (StateMetadata, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	entry, ok := s.states.Delete(stateMetadataEntry{height: height})
	return entry.metadata, ok
}

// Get returns the metadata of the checkpoint at a given height.
func (s *SharedState) Get(height statelayout.Height) (StateMetadata, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	entry, ok := s.states.Get(stateMetadataEntry{height: height})
	return entry.metadata, ok
}

// Heights returns the heights of all checkpoints, in increasing order.
func (s *SharedState) Heights() []statelayout.Height {
	s.lock.RLock()
	defer s.lock.RUnlock()
	heights := make([]statelayout.Height, 0, s.states.Len())
	s.states.Ascend(func(entry stateMetadataEntry) bool {
		heights = append(heights, entry.height)
		return true
	})
	return heights
}

// HeightsWithoutManifest returns the heights of all checkpoints whose
// manifest has not been computed yet, in increasing order.
func (s *SharedState) HeightsWithoutManifest() []statelayout.Height {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var heights []statelayout.Height
	s.states.Ascend(func(entry stateMetadataEntry) bool {
		if entry.metadata.BundledManifest == nil {
			heights = append(heights, entry.height)
		}
		return true
	})
	return heights
}

// Latest returns the metadata of the checkpoint with the highest
// height.
func (s *SharedState) Latest() (statelayout.Height, StateMetadata, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	entry, ok := s.states.Max()
	return entry.height, entry.metadata, ok
}

// SetBundledManifest stores the manifest of a checkpoint and persists
// the metadata of all checkpoints. The persist guard is acquired before
// the write lock is released, so that persisted metadata always
// reflects updates in the order in which they were made. Nothing is
// stored if the checkpoint has been removed in the meantime.
func (s *SharedState) SetBundledManifest(height statelayout.Height, bundledManifest *manifest.BundledManifest, persistGuard *sync.Mutex) error {
	s.lock.Lock()
	key := stateMetadataEntry{height: height}
	if entry, ok := s.states.Get(key); ok {
		entry.metadata.BundledManifest = bundledManifest
		s.states.ReplaceOrInsert(entry)
	}
	entries := make([]stateMetadataEntry, 0, s.states.Len())
	s.states.Ascend(func(entry stateMetadataEntry) bool {
		entries = append(entries, entry)
		return true
	})
	persistGuard.Lock()
	s.lock.Unlock()
	defer persistGuard.Unlock()

	records := make([]statelayout.StateMetadataRecord, 0, len(entries))
	for _, entry := range entries {
		record := statelayout.StateMetadataRecord{Height: entry.height}
		if entry.metadata.BundledManifest != nil {
			record.BundledManifest = manifest.MarshalBundledManifest(entry.metadata.BundledManifest)
		}
		records = append(records, record)
	}
	if err := s.store.WriteStatesMetadata(records); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to persist states metadata")
	}
	return nil
}
