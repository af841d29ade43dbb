package pagemap

import (
	"io"
	"os"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/util"
)

// Paths contains the names of all files that make up a single page
// map at a given height. Overlays are ordered from oldest to newest.
// NextOverlay is the name an overlay created at this height would get.
type Paths struct {
	Directory        filesystem.DirectoryCloser
	BaseFile         path.Component
	ExistingOverlays []path.Component
	NextOverlay      path.Component
}

// Close releases the directory handle.
func (p *Paths) Close() error {
	return p.Directory.Close()
}

// fileSize returns the size of a file, or -1 if it does not exist.
func (p *Paths) fileSize(name path.Component) (int64, error) {
	info, err := p.Directory.Lstat(name)
	if os.IsNotExist(err) {
		return -1, nil
	} else if err != nil {
		return 0, util.StatusWrapf(err, "Failed to obtain size of %#v", name.String())
	}
	return info.SizeBytes(), nil
}

// fileSizes returns the names and sizes of all files that currently
// make up the page map, starting with the base file if it exists.
func (p *Paths) fileSizes() ([]path.Component, []int64, error) {
	var names []path.Component
	var sizes []int64
	baseSize, err := p.fileSize(p.BaseFile)
	if err != nil {
		return nil, nil, err
	}
	if baseSize >= 0 {
		names = append(names, p.BaseFile)
		sizes = append(sizes, baseSize)
	}
	for _, overlay := range p.ExistingOverlays {
		size, err := p.fileSize(overlay)
		if err != nil {
			return nil, nil, err
		}
		if size >= 0 {
			names = append(names, overlay)
			sizes = append(sizes, size)
		}
	}
	return names, sizes, nil
}

// StorageSize returns the number of files that make up the page map
// and their combined size in bytes.
func (p *Paths) StorageSize() (int, int64, error) {
	_, sizes, err := p.fileSizes()
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, size := range sizes {
		total += size
	}
	return len(sizes), total, nil
}

// DeleteFiles removes the base file and all overlays of the page map.
// Files that do not exist are skipped.
func (p *Paths) DeleteFiles() error {
	if err := filesystem.RemoveIfExists(p.Directory, p.BaseFile); err != nil {
		return util.StatusWrapf(err, "Failed to remove %#v", p.BaseFile.String())
	}
	for _, overlay := range p.ExistingOverlays {
		if err := filesystem.RemoveIfExists(p.Directory, overlay); err != nil {
			return util.StatusWrapf(err, "Failed to remove %#v", overlay.String())
		}
	}
	return nil
}

// LoadPages reconstructs the logical contents of the page map by
// placing the overlays on top of the base file. Pages of the base file
// are all included, even if they only contain zeros.
func (p *Paths) LoadPages() (PageDelta, error) {
	pages := PageDelta{}
	baseSize, err := p.fileSize(p.BaseFile)
	if err != nil {
		return nil, err
	}
	if baseSize > 0 {
		r, err := p.Directory.OpenRead(p.BaseFile)
		if err != nil {
			return nil, util.StatusWrapf(err, "Failed to open %#v", p.BaseFile.String())
		}
		for offset := int64(0); offset < baseSize; offset += PageSize {
			page := make([]byte, PageSize)
			if _, err := r.ReadAt(page, offset); err != nil && err != io.EOF {
				r.Close()
				return nil, util.StatusWrapf(err, "Failed to read %#v", p.BaseFile.String())
			}
			pages[PageIndex(offset/PageSize)] = page
		}
		r.Close()
	}

	for _, overlay := range p.ExistingOverlays {
		if err := loadOverlayPages(p.Directory, overlay, pages); err != nil {
			return nil, err
		}
	}
	return pages, nil
}

func loadOverlayPages(directory filesystem.Directory, name path.Component, pages PageDelta) error {
	o, err := openOverlayFile(directory, name)
	if err != nil {
		return util.StatusWrapf(err, "Failed to open %#v", name.String())
	}
	defer o.Close()
	for i, index := range o.indices {
		page := make([]byte, PageSize)
		if err := o.readPage(i, page); err != nil {
			return util.StatusWrapf(err, "Failed to read %#v", name.String())
		}
		pages[index] = page
	}
	return nil
}

// NumPages returns the number of logical pages of the page map, which
// is determined by the highest page index stored in any of its files.
func (p *Paths) NumPages() (uint64, error) {
	baseSize, err := p.fileSize(p.BaseFile)
	if err != nil {
		return 0, err
	}
	var numPages uint64
	if baseSize > 0 {
		numPages = uint64(baseSize+PageSize-1) / PageSize
	}
	for _, overlay := range p.ExistingOverlays {
		o, err := openOverlayFile(p.Directory, overlay)
		if err != nil {
			return 0, util.StatusWrapf(err, "Failed to open %#v", overlay.String())
		}
		if n := len(o.indices); n > 0 {
			numPages = max(numPages, uint64(o.indices[n-1])+1)
		}
		o.Close()
	}
	return numPages, nil
}
