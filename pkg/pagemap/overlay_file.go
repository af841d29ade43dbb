package pagemap

import (
	"encoding/binary"
	"io"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Overlay files have the following layout:
//
//	[page data: numPages * PageSize bytes]
//	[page indices: numPages * 8 bytes, little endian, strictly increasing]
//	[footer: numPages uint64, version uint32, magic uint32]
const (
	overlayIndexEntrySizeBytes = 8
	overlayFooterSizeBytes     = 16
	overlayVersion             = 1
	overlayMagic               = 0x4f56524c
)

// overlayFile is an opened overlay file whose page index has been
// loaded into memory.
type overlayFile struct {
	reader  filesystem.FileReader
	indices []PageIndex
}

func openOverlayFile(directory filesystem.Directory, name path.Component) (*overlayFile, error) {
	info, err := directory.Lstat(name)
	if err != nil {
		return nil, err
	}
	sizeBytes := info.SizeBytes()
	if sizeBytes < overlayFooterSizeBytes {
		return nil, status.Errorf(codes.InvalidArgument, "Overlay file %#v is too small", name.String())
	}
	reader, err := directory.OpenRead(name)
	if err != nil {
		return nil, err
	}

	var footer [overlayFooterSizeBytes]byte
	if _, err := reader.ReadAt(footer[:], sizeBytes-overlayFooterSizeBytes); err != nil {
		reader.Close()
		return nil, util.StatusWrapf(err, "Failed to read footer of overlay file %#v", name.String())
	}
	numPages := binary.LittleEndian.Uint64(footer[0:])
	if version := binary.LittleEndian.Uint32(footer[8:]); version != overlayVersion {
		reader.Close()
		return nil, status.Errorf(codes.InvalidArgument, "Overlay file %#v has unsupported version %d", name.String(), version)
	}
	if magic := binary.LittleEndian.Uint32(footer[12:]); magic != overlayMagic {
		reader.Close()
		return nil, status.Errorf(codes.InvalidArgument, "Overlay file %#v has invalid magic %#x", name.String(), magic)
	}
	if expectedSizeBytes := numPages*(PageSize+overlayIndexEntrySizeBytes) + overlayFooterSizeBytes; uint64(sizeBytes) != expectedSizeBytes {
		reader.Close()
		return nil, status.Errorf(codes.InvalidArgument, "Overlay file %#v has size %d, while %d pages require size %d", name.String(), sizeBytes, numPages, expectedSizeBytes)
	}

	indexData := make([]byte, numPages*overlayIndexEntrySizeBytes)
	if _, err := reader.ReadAt(indexData, int64(numPages*PageSize)); err != nil && err != io.EOF {
		reader.Close()
		return nil, util.StatusWrapf(err, "Failed to read index of overlay file %#v", name.String())
	}
	indices := make([]PageIndex, numPages)
	for i := range indices {
		indices[i] = PageIndex(binary.LittleEndian.Uint64(indexData[i*overlayIndexEntrySizeBytes:]))
		if i > 0 && indices[i] <= indices[i-1] {
			reader.Close()
			return nil, status.Errorf(codes.InvalidArgument, "Overlay file %#v has page indices that are not strictly increasing", name.String())
		}
	}
	return &overlayFile{
		reader:  reader,
		indices: indices,
	}, nil
}

// readPage reads the contents of the i'th page stored in the overlay
// file. This is not necessarily the page with PageIndex i.
func (o *overlayFile) readPage(i int, page []byte) error {
	if _, err := o.reader.ReadAt(page[:PageSize], int64(i)*PageSize); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (o *overlayFile) Close() error {
	return o.reader.Close()
}

// writeOverlayFile creates a new overlay file containing the pages with
// the provided indices. The contents of every page are obtained through
// a callback, so that merges can stream pages from their inputs.
func writeOverlayFile(directory filesystem.Directory, name path.Component, indices []PageIndex, readPage func(i int, page []byte) error) (int64, error) {
	w, err := directory.OpenWrite(name, filesystem.CreateExcl(0o644))
	if err != nil {
		return 0, err
	}

	page := make([]byte, PageSize)
	for i := range indices {
		if err := readPage(i, page); err != nil {
			w.Close()
			return 0, err
		}
		if _, err := w.WriteAt(page, int64(i)*PageSize); err != nil {
			w.Close()
			return 0, err
		}
	}

	numPages := uint64(len(indices))
	trailer := make([]byte, 0, numPages*overlayIndexEntrySizeBytes+overlayFooterSizeBytes)
	for _, index := range indices {
		trailer = binary.LittleEndian.AppendUint64(trailer, uint64(index))
	}
	trailer = binary.LittleEndian.AppendUint64(trailer, numPages)
	trailer = binary.LittleEndian.AppendUint32(trailer, overlayVersion)
	trailer = binary.LittleEndian.AppendUint32(trailer, overlayMagic)
	if _, err := w.WriteAt(trailer, int64(numPages)*PageSize); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return int64(numPages)*PageSize + int64(len(trailer)), nil
}

// writePagesToBase writes pages into a base file at their natural
// offsets, creating the base file if needed.
func writePagesToBase(directory filesystem.Directory, name path.Component, indices []PageIndex, readPage func(i int, page []byte) error) (int64, error) {
	w, err := directory.OpenWrite(name, filesystem.CreateReuse(0o644))
	if err != nil {
		return 0, err
	}
	page := make([]byte, PageSize)
	for i, index := range indices {
		if err := readPage(i, page); err != nil {
			w.Close()
			return 0, err
		}
		if _, err := w.WriteAt(page, int64(index)*PageSize); err != nil {
			w.Close()
			return 0, err
		}
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return int64(len(indices)) * PageSize, nil
}
