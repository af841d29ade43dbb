package manifest

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
)

const (
	domainChunk        = "ic-state-chunk"
	domainFile         = "ic-state-file"
	domainManifest     = "ic-state-manifest"
	domainSubManifest  = "ic-state-sub-manifest"
	domainMetaManifest = "ic-state-meta-manifest"
)

// hasher computes SHA-256 hashes, prefixed with a length-prefixed
// domain separator. Integers are written in big endian order.
type hasher struct {
	h hash.Hash
}

func newHasher(domain string) hasher {
	h := hasher{h: sha256.New()}
	h.h.Write([]byte{byte(len(domain))})
	h.h.Write([]byte(domain))
	return h
}

func (h hasher) writeUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	h.h.Write(b[:])
}

func (h hasher) writeUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	h.h.Write(b[:])
}

func (h hasher) writeBytes(b []byte) {
	h.h.Write(b)
}

func (h hasher) writeString(s string) {
	h.writeUint32(uint32(len(s)))
	h.h.Write([]byte(s))
}

func (h hasher) sum() Hash {
	var out Hash
	h.h.Sum(out[:0])
	return out
}

func hashChunk(data []byte) Hash {
	h := newHasher(domainChunk)
	h.writeBytes(data)
	return h.sum()
}

// hashFile computes the hash of a file from the hashes of its chunks.
func hashFile(chunks []ChunkInfo) Hash {
	h := newHasher(domainFile)
	h.writeUint32(uint32(len(chunks)))
	for _, c := range chunks {
		h.writeBytes(c.Hash[:])
	}
	return h.sum()
}

// HashManifest computes the hash of a manifest over all of its file and
// chunk table entries. This is the root hash of states using a state
// sync version older than StateSyncV3.
func HashManifest(m *Manifest) Hash {
	h := newHasher(domainManifest)
	h.writeUint32(m.Version)
	h.writeUint32(uint32(len(m.FileTable)))
	for _, f := range m.FileTable {
		h.writeString(f.RelativePath)
		h.writeUint64(f.SizeBytes)
		h.writeBytes(f.Hash[:])
	}
	h.writeUint32(uint32(len(m.ChunkTable)))
	for _, c := range m.ChunkTable {
		h.writeUint32(c.FileIndex)
		h.writeUint32(c.SizeBytes)
		h.writeUint64(c.Offset)
		h.writeBytes(c.Hash[:])
	}
	return h.sum()
}

func hashSubManifest(data []byte) Hash {
	h := newHasher(domainSubManifest)
	h.writeBytes(data)
	return h.sum()
}

// HashMetaManifest computes the hash of a meta-manifest. This is the
// root hash of states using StateSyncV3 or later.
func HashMetaManifest(m *MetaManifest) Hash {
	h := newHasher(domainMetaManifest)
	h.writeUint32(m.Version)
	h.writeUint32(uint32(len(m.SubManifestHashes)))
	for _, s := range m.SubManifestHashes {
		h.writeBytes(s[:])
	}
	return h.sum()
}
