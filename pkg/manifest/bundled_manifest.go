package manifest

import (
	"strings"
)

// groupedFileSuffix is the name of the files that are eligible for
// being bundled into file-group chunks. Canisters' state bits are small
// and numerous, so fetching them one chunk at a time is inefficient.
const groupedFileSuffix = "canister.pbuf"

// FileGroupChunk is a chunk that bundles multiple small files, so that
// they can be fetched by peers as a single unit.
type FileGroupChunk struct {
	ID uint32
	// Indices in the chunk table of the chunks that are part of the
	// group, in increasing order.
	ChunkIndices []uint32
}

// BuildFileGroupChunks groups chunks of small files into file-group
// chunks whose total size does not exceed DefaultChunkSize. Only
// single-chunk files no larger than MaxFileSizeToGroup are grouped.
// File-group chunks are not used by manifests older than StateSyncV2.
func BuildFileGroupChunks(m *Manifest) []FileGroupChunk {
	if m.Version < StateSyncV2 {
		return nil
	}
	var groups []FileGroupChunk
	var current []uint32
	var currentSizeBytes uint64
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, FileGroupChunk{
				ID:           FileGroupChunkIDOffset + uint32(len(groups)),
				ChunkIndices: current,
			})
			current = nil
			currentSizeBytes = 0
		}
	}
	for i, c := range m.ChunkTable {
		f := &m.FileTable[c.FileIndex]
		if f.SizeBytes > MaxFileSizeToGroup || uint64(c.SizeBytes) != f.SizeBytes || !strings.HasSuffix(f.RelativePath, groupedFileSuffix) {
			continue
		}
		if currentSizeBytes+uint64(c.SizeBytes) > DefaultChunkSize {
			flush()
		}
		current = append(current, uint32(i))
		currentSizeBytes += uint64(c.SizeBytes)
	}
	flush()
	return groups
}

// ComputeMetaManifest splits the encoded form of a manifest into
// sub-manifests of DefaultChunkSize bytes and hashes each of them.
func ComputeMetaManifest(m *Manifest) *MetaManifest {
	encoded := MarshalManifest(m)
	metaManifest := &MetaManifest{Version: m.Version}
	for len(encoded) > 0 {
		n := min(len(encoded), DefaultChunkSize)
		metaManifest.SubManifestHashes = append(metaManifest.SubManifestHashes, hashSubManifest(encoded[:n]))
		encoded = encoded[n:]
	}
	return metaManifest
}

// ComputeBundledManifest computes the meta-manifest and root hash of a
// manifest.
func ComputeBundledManifest(m *Manifest) *BundledManifest {
	metaManifest := ComputeMetaManifest(m)
	var rootHash Hash
	if m.Version >= StateSyncV3 {
		rootHash = HashMetaManifest(metaManifest)
	} else {
		rootHash = HashManifest(m)
	}
	return &BundledManifest{
		RootHash:     rootHash,
		Manifest:     m,
		MetaManifest: metaManifest,
	}
}
