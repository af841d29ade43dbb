package pagemap

import (
	"os"
	"sync"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/util"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	persistDestinationPrometheusMetrics sync.Once

	persistDestinationWrittenBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "page_map_persisted_bytes_total",
			Help:      "Number of bytes of page data written while persisting page map deltas.",
		},
		[]string{"storage_mode"})
)

// PersistDestination is the target to which a page map writes its
// delta. Depending on the storage mode, pages are either written into a
// new overlay file, or into the base file.
type PersistDestination struct {
	paths       *Paths
	storageMode StorageMode
}

// NewPersistDestination creates a PersistDestination for the page map
// whose files are described by paths.
func NewPersistDestination(paths *Paths, storageMode StorageMode) PersistDestination {
	persistDestinationPrometheusMetrics.Do(func() {
		prometheus.MustRegister(persistDestinationWrittenBytes)
	})

	return PersistDestination{
		paths:       paths,
		storageMode: storageMode,
	}
}

// Write persists a set of pages. Nothing is written if the delta is
// empty.
func (d PersistDestination) Write(delta PageDelta) error {
	if len(delta) == 0 {
		return nil
	}
	var writtenBytes int64
	var err error
	if d.storageMode == StorageModeLayered {
		writtenBytes, err = d.writeOverlay(delta)
	} else {
		indices := delta.SortedIndices()
		writtenBytes, err = writePagesToBase(d.paths.Directory, d.paths.BaseFile, indices, func(i int, page []byte) error {
			copyPage(page, delta[indices[i]])
			return nil
		})
		if err != nil {
			err = util.StatusWrapf(err, "Failed to write pages to %#v", d.paths.BaseFile.String())
		}
	}
	if err != nil {
		return err
	}
	persistDestinationWrittenBytes.WithLabelValues(d.storageMode.String()).Add(float64(writtenBytes))
	return nil
}

// writeOverlay writes the delta into the overlay for the current
// height. There is at most one overlay per height. If one already
// exists, its pages are combined with the delta, the delta taking
// precedence.
func (d PersistDestination) writeOverlay(delta PageDelta) (int64, error) {
	directory := d.paths.Directory
	name := d.paths.NextOverlay
	if _, err := directory.Lstat(name); err == nil {
		combined := PageDelta{}
		if err := loadOverlayPages(directory, name, combined); err != nil {
			return 0, err
		}
		for index, page := range delta {
			combined[index] = page
		}
		delta = combined
	} else if !os.IsNotExist(err) {
		return 0, util.StatusWrapf(err, "Failed to obtain properties of %#v", name.String())
	}

	tmpName := name.WithSuffix(".tmp")
	if err := filesystem.RemoveIfExists(directory, tmpName); err != nil {
		return 0, util.StatusWrapf(err, "Failed to remove stale %#v", tmpName.String())
	}
	indices := delta.SortedIndices()
	writtenBytes, err := writeOverlayFile(directory, tmpName, indices, func(i int, page []byte) error {
		copyPage(page, delta[indices[i]])
		return nil
	})
	if err != nil {
		return 0, util.StatusWrapf(err, "Failed to write overlay %#v", tmpName.String())
	}
	if err := directory.Rename(tmpName, directory, name); err != nil {
		return 0, util.StatusWrapf(err, "Failed to rename %#v to %#v", tmpName.String(), name.String())
	}
	return writtenBytes, nil
}
