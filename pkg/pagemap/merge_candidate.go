package pagemap

import (
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/util"
)

// MaxNumberOfFiles is the number of files a page map may consist of
// before its newest files are merged, regardless of their sizes.
const MaxNumberOfFiles = 7

// MergeCandidate describes how a number of files of a page map are
// combined into a single file. A full merge folds all overlays into the
// base file. A partial merge folds the newest overlays into a single
// overlay.
type MergeCandidate struct {
	directory      filesystem.Directory
	baseFile       path.Component
	includesBase   bool
	overlays       []path.Component
	destination    path.Component
	fullMerge      bool
	inputSizeBytes int64
}

// numFilesToMerge computes how many of the newest files need to be
// merged to restore the following properties:
//
//   - Every file is larger than all newer files combined, so that
//     the files form a pyramid.
//   - There are no more than MaxNumberOfFiles files.
//
// File sizes are provided oldest first.
func numFilesToMerge(sizes []int64) int {
	n := len(sizes)
	pyramidDepth := 0
	var newerSizeBytes int64
	for i := n - 1; i >= 0; i-- {
		if sizes[i] <= newerSizeBytes {
			pyramidDepth = n - i
		}
		newerSizeBytes += sizes[i]
	}
	return max(pyramidDepth, n-MaxNumberOfFiles+1)
}

// NewMergeCandidate returns the merge that should be applied to a page
// map whose logical size is numPages pages. A full merge is returned
// if the files use more than twice the logical size, or if all files
// need to be merged anyway. A nil candidate is returned if the page
// map is in good shape.
func NewMergeCandidate(paths *Paths, numPages uint64) (*MergeCandidate, error) {
	names, sizes, err := paths.fileSizes()
	if err != nil {
		return nil, err
	}
	if len(names) <= 1 {
		return nil, nil
	}

	var storageSizeBytes int64
	for _, size := range sizes {
		storageSizeBytes += size
	}
	k := numFilesToMerge(sizes)
	if storageSizeBytes > 2*int64(numPages)*PageSize || k >= len(names) {
		return newFullMergeCandidate(paths, names, sizes), nil
	}
	if k <= 1 {
		return nil, nil
	}

	var inputSizeBytes int64
	for _, size := range sizes[len(sizes)-k:] {
		inputSizeBytes += size
	}
	return &MergeCandidate{
		directory:      paths.Directory,
		baseFile:       paths.BaseFile,
		overlays:       names[len(names)-k:],
		destination:    paths.NextOverlay,
		inputSizeBytes: inputSizeBytes,
	}, nil
}

// NewFullMergeCandidate returns a merge that folds all overlays of a
// page map into its base file. A nil candidate is returned if the page
// map has no overlays.
func NewFullMergeCandidate(paths *Paths) (*MergeCandidate, error) {
	names, sizes, err := paths.fileSizes()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 || (len(names) == 1 && names[0] == paths.BaseFile) {
		return nil, nil
	}
	return newFullMergeCandidate(paths, names, sizes), nil
}

func newFullMergeCandidate(paths *Paths, names []path.Component, sizes []int64) *MergeCandidate {
	m := &MergeCandidate{
		directory:   paths.Directory,
		baseFile:    paths.BaseFile,
		destination: paths.BaseFile,
		fullMerge:   true,
	}
	for i, name := range names {
		if name == paths.BaseFile {
			m.includesBase = true
		} else {
			m.overlays = append(m.overlays, name)
		}
		m.inputSizeBytes += sizes[i]
	}
	return m
}

// IsFullMerge returns whether the merge produces a new base file.
func (m *MergeCandidate) IsFullMerge() bool {
	return m.fullMerge
}

// InputSizeBytes returns the combined size of all files that are read
// by the merge.
func (m *MergeCandidate) InputSizeBytes() int64 {
	return m.inputSizeBytes
}

// NumInputFiles returns the number of files that are combined.
func (m *MergeCandidate) NumInputFiles() int {
	if m.includesBase {
		return len(m.overlays) + 1
	}
	return len(m.overlays)
}

// ModifiedFiles returns the names of all files that are created,
// replaced or removed by the merge.
func (m *MergeCandidate) ModifiedFiles() []path.Component {
	names := make([]path.Component, 0, len(m.overlays)+1)
	names = append(names, m.destination)
	for _, overlay := range m.overlays {
		if overlay != m.destination {
			names = append(names, overlay)
		}
	}
	return names
}

// Apply performs the merge. The output is written under a temporary
// name and renamed into place, after which the input files are
// removed. The number of bytes of page data written is returned.
func (m *MergeCandidate) Apply() (int64, error) {
	tmpName := m.destination.WithSuffix(".merge.tmp")
	if err := filesystem.RemoveIfExists(m.directory, tmpName); err != nil {
		return 0, util.StatusWrapf(err, "Failed to remove stale %#v", tmpName.String())
	}

	var writtenBytes int64
	var err error
	if m.fullMerge {
		writtenBytes, err = m.writeBase(tmpName)
	} else {
		writtenBytes, err = m.writeOverlay(tmpName)
	}
	if err != nil {
		filesystem.RemoveIfExists(m.directory, tmpName)
		return 0, err
	}

	if err := m.directory.Rename(tmpName, m.directory, m.destination); err != nil {
		return 0, util.StatusWrapf(err, "Failed to rename %#v to %#v", tmpName.String(), m.destination.String())
	}
	for _, overlay := range m.overlays {
		if overlay != m.destination {
			if err := filesystem.RemoveIfExists(m.directory, overlay); err != nil {
				return 0, util.StatusWrapf(err, "Failed to remove merged overlay %#v", overlay.String())
			}
		}
	}
	return writtenBytes, nil
}

// writeBase creates a new base file by copying the existing base file
// and writing the pages of all overlays on top of it, oldest first.
func (m *MergeCandidate) writeBase(tmpName path.Component) (int64, error) {
	var writtenBytes int64
	if m.includesBase {
		if err := filesystem.CloneOrCopyFile(m.directory, m.baseFile, m.directory, tmpName); err != nil {
			return 0, util.StatusWrapf(err, "Failed to copy %#v", m.baseFile.String())
		}
	}
	for _, name := range m.overlays {
		o, err := openOverlayFile(m.directory, name)
		if err != nil {
			return 0, util.StatusWrapf(err, "Failed to open %#v", name.String())
		}
		n, err := writePagesToBase(m.directory, tmpName, o.indices, o.readPage)
		o.Close()
		if err != nil {
			return 0, util.StatusWrapf(err, "Failed to merge %#v", name.String())
		}
		writtenBytes += n
	}
	return writtenBytes, nil
}

// writeOverlay creates a new overlay file containing the union of the
// pages of all input overlays, newer overlays taking precedence.
func (m *MergeCandidate) writeOverlay(tmpName path.Component) (int64, error) {
	type pageLocation struct {
		file     *overlayFile
		position int
	}
	locations := map[PageIndex]pageLocation{}
	for _, name := range m.overlays {
		o, err := openOverlayFile(m.directory, name)
		if err != nil {
			return 0, util.StatusWrapf(err, "Failed to open %#v", name.String())
		}
		defer o.Close()
		for position, index := range o.indices {
			locations[index] = pageLocation{file: o, position: position}
		}
	}

	sortedIndices := sortedPageIndices(locations)
	writtenBytes, err := writeOverlayFile(m.directory, tmpName, sortedIndices, func(i int, page []byte) error {
		location := locations[sortedIndices[i]]
		return location.file.readPage(location.position, page)
	})
	if err != nil {
		return 0, util.StatusWrapf(err, "Failed to write %#v", tmpName.String())
	}
	return writtenBytes, nil
}
