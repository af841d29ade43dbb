package manifest

import (
	"encoding/hex"
	"math"

	"github.com/buildbarn/bb-checkpoint/pkg/pagemap"
)

const (
	// DefaultChunkSize is the maximum size of a chunk of a file, a
	// file-group chunk, or a sub-manifest.
	DefaultChunkSize = 1 << 20

	// MaxFileSizeToGroup is the maximum size of a file for it to be
	// bundled into a file-group chunk.
	MaxFileSizeToGroup = 8192

	// FileGroupChunkIDOffset is the first chunk ID assigned to
	// file-group chunks.
	FileGroupChunkIDOffset uint32 = 1 << 30
	// ManifestChunkIDOffset is the first chunk ID assigned to
	// sub-manifest chunks. IDs run up to math.MaxUint32.
	ManifestChunkIDOffset uint32 = 1 << 31

	// FileGroupChunkIDRangeLength is the number of chunk IDs available
	// to file-group chunks.
	FileGroupChunkIDRangeLength = uint64(ManifestChunkIDOffset - FileGroupChunkIDOffset)
	// SubManifestChunkIDRangeLength is the number of chunk IDs
	// available to sub-manifest chunks.
	SubManifestChunkIDRangeLength = uint64(math.MaxUint32) - uint64(ManifestChunkIDOffset) + 1

	// RehashEveryNthChunk controls how many chunks whose hash is
	// reused from a base manifest are hashed again to detect
	// corruption of files on disk.
	RehashEveryNthChunk = 10
)

// State sync versions that affect how manifests are computed.
const (
	// StateSyncV1 computes the root hash over the manifest.
	StateSyncV1 uint32 = 1
	// StateSyncV2 adds file-group chunks.
	StateSyncV2 uint32 = 2
	// StateSyncV3 computes the root hash over the meta-manifest.
	StateSyncV3 uint32 = 3

	// MaxSupportedStateSyncVersion is the newest version for which
	// manifests can be computed.
	MaxSupportedStateSyncVersion = StateSyncV3
)

// Hash is a SHA-256 hash computed with domain separation.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// FileInfo is an entry in the file table of a manifest.
type FileInfo struct {
	// Path of the file relative to the root of the checkpoint, using
	// forward slashes as separators.
	RelativePath string
	SizeBytes    uint64
	Hash         Hash
}

// ChunkInfo is an entry in the chunk table of a manifest.
type ChunkInfo struct {
	FileIndex uint32
	SizeBytes uint32
	Offset    uint64
	Hash      Hash
}

// Manifest describes the contents of a checkpoint as a list of files
// sorted by path, each of which is split up into chunks.
type Manifest struct {
	Version    uint32
	FileTable  []FileInfo
	ChunkTable []ChunkInfo
}

// StateSizeBytes returns the total size of all files in the manifest.
func (m *Manifest) StateSizeBytes() uint64 {
	var total uint64
	for _, f := range m.FileTable {
		total += f.SizeBytes
	}
	return total
}

// ByteRange is a range of bytes within a file.
type ByteRange struct {
	Offset    uint64
	SizeBytes uint64
}

func (r ByteRange) overlaps(offset, sizeBytes uint64) bool {
	return r.Offset < offset+sizeBytes && offset < r.Offset+r.SizeBytes
}

// ManifestDelta describes which parts of a checkpoint have changed
// relative to a checkpoint whose manifest is already known. It permits
// computing the manifest of the new checkpoint without hashing all of
// its contents.
type ManifestDelta struct {
	BaseManifest *Manifest
	BaseHeight   uint64
	TargetHeight uint64
	// Ranges of bytes of files that have been modified. A nil slice
	// indicates that the whole file must be considered modified. Files
	// that are not listed have not been modified.
	DirtyFiles map[string][]ByteRange
}

// MarkFileDirty marks the full contents of a file as modified.
func (d *ManifestDelta) MarkFileDirty(relativePath string) {
	if d.DirtyFiles == nil {
		d.DirtyFiles = map[string][]ByteRange{}
	}
	d.DirtyFiles[relativePath] = nil
}

// AddDirtyPages marks the pages of a page map file with the provided
// indices as modified.
func (d *ManifestDelta) AddDirtyPages(relativePath string, indices []pagemap.PageIndex) {
	if d.DirtyFiles == nil {
		d.DirtyFiles = map[string][]ByteRange{}
	}
	ranges, ok := d.DirtyFiles[relativePath]
	if ok && ranges == nil {
		return
	}
	if ranges == nil {
		ranges = make([]ByteRange, 0, len(indices))
	}
	for _, index := range indices {
		ranges = append(ranges, ByteRange{
			Offset:    uint64(index) * pagemap.PageSize,
			SizeBytes: pagemap.PageSize,
		})
	}
	d.DirtyFiles[relativePath] = ranges
}

// chunkIsDirty returns whether a chunk of a file may have been modified
// since the base manifest was computed.
func (d *ManifestDelta) chunkIsDirty(relativePath string, offset, sizeBytes uint64) bool {
	ranges, ok := d.DirtyFiles[relativePath]
	if !ok {
		return false
	}
	if ranges == nil {
		return true
	}
	for _, r := range ranges {
		if r.overlaps(offset, sizeBytes) {
			return true
		}
	}
	return false
}

// MetaManifest contains the hashes of the sub-manifests into which the
// encoded manifest is split for transfer.
type MetaManifest struct {
	Version           uint32
	SubManifestHashes []Hash
}

// BundledManifest is a manifest together with its root hash and
// meta-manifest, as stored in the metadata of a checkpoint.
type BundledManifest struct {
	RootHash     Hash
	Manifest     *Manifest
	MetaManifest *MetaManifest
}

// SubManifestChunkID returns the chunk ID of the sub-manifest with a
// given index.
func SubManifestChunkID(index int) uint32 {
	return ManifestChunkIDOffset + uint32(index)
}
