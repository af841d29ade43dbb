package manifest

import (
	"github.com/buildbarn/bb-checkpoint/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the Protobuf messages in which manifests are stored.
const (
	manifestFieldVersion = 1
	manifestFieldFile    = 2
	manifestFieldChunk   = 3

	fileInfoFieldRelativePath = 1
	fileInfoFieldSizeBytes    = 2
	fileInfoFieldHash         = 3

	chunkInfoFieldFileIndex = 1
	chunkInfoFieldSizeBytes = 2
	chunkInfoFieldOffset    = 3
	chunkInfoFieldHash      = 4

	metaManifestFieldVersion         = 1
	metaManifestFieldSubManifestHash = 2

	bundledManifestFieldRootHash     = 1
	bundledManifestFieldManifest     = 2
	bundledManifestFieldMetaManifest = 3
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// MarshalManifest encodes a manifest using the Protobuf wire format.
// The encoding is deterministic, as it is split into sub-manifests
// whose hashes are part of the meta-manifest.
func MarshalManifest(m *Manifest) []byte {
	var b []byte
	b = appendVarintField(b, manifestFieldVersion, uint64(m.Version))
	for _, f := range m.FileTable {
		var entry []byte
		entry = protowire.AppendTag(entry, fileInfoFieldRelativePath, protowire.BytesType)
		entry = protowire.AppendString(entry, f.RelativePath)
		entry = appendVarintField(entry, fileInfoFieldSizeBytes, f.SizeBytes)
		entry = appendBytesField(entry, fileInfoFieldHash, f.Hash[:])
		b = appendBytesField(b, manifestFieldFile, entry)
	}
	for _, c := range m.ChunkTable {
		var entry []byte
		entry = appendVarintField(entry, chunkInfoFieldFileIndex, uint64(c.FileIndex))
		entry = appendVarintField(entry, chunkInfoFieldSizeBytes, uint64(c.SizeBytes))
		entry = appendVarintField(entry, chunkInfoFieldOffset, c.Offset)
		entry = appendBytesField(entry, chunkInfoFieldHash, c.Hash[:])
		b = appendBytesField(b, manifestFieldChunk, entry)
	}
	return b
}

// field is a single decoded field of a Protobuf message. Only varint
// and length-delimited values are retained.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func parseFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func parseHash(f field) (Hash, error) {
	var h Hash
	if f.typ != protowire.BytesType || len(f.bytes) != len(h) {
		return h, status.Errorf(codes.InvalidArgument, "Hash in field %d has length %d, while %d was expected", f.num, len(f.bytes), len(h))
	}
	copy(h[:], f.bytes)
	return h, nil
}

// UnmarshalManifest decodes a manifest stored in the Protobuf wire
// format. Unknown fields are ignored.
func UnmarshalManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := parseFields(b, func(f field) error {
		switch {
		case f.num == manifestFieldVersion && f.typ == protowire.VarintType:
			m.Version = uint32(f.varint)
		case f.num == manifestFieldFile && f.typ == protowire.BytesType:
			var fi FileInfo
			if err := parseFields(f.bytes, func(f field) error {
				var err error
				switch {
				case f.num == fileInfoFieldRelativePath && f.typ == protowire.BytesType:
					fi.RelativePath = string(f.bytes)
				case f.num == fileInfoFieldSizeBytes && f.typ == protowire.VarintType:
					fi.SizeBytes = f.varint
				case f.num == fileInfoFieldHash:
					fi.Hash, err = parseHash(f)
				}
				return err
			}); err != nil {
				return util.StatusWrapf(err, "File %d", len(m.FileTable))
			}
			m.FileTable = append(m.FileTable, fi)
		case f.num == manifestFieldChunk && f.typ == protowire.BytesType:
			var ci ChunkInfo
			if err := parseFields(f.bytes, func(f field) error {
				var err error
				switch {
				case f.num == chunkInfoFieldFileIndex && f.typ == protowire.VarintType:
					ci.FileIndex = uint32(f.varint)
				case f.num == chunkInfoFieldSizeBytes && f.typ == protowire.VarintType:
					ci.SizeBytes = uint32(f.varint)
				case f.num == chunkInfoFieldOffset && f.typ == protowire.VarintType:
					ci.Offset = f.varint
				case f.num == chunkInfoFieldHash:
					ci.Hash, err = parseHash(f)
				}
				return err
			}); err != nil {
				return util.StatusWrapf(err, "Chunk %d", len(m.ChunkTable))
			}
			m.ChunkTable = append(m.ChunkTable, ci)
		}
		return nil
	}); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid manifest")
	}
	for i, c := range m.ChunkTable {
		if int(c.FileIndex) >= len(m.FileTable) {
			return nil, status.Errorf(codes.InvalidArgument, "Invalid manifest: Chunk %d refers to file %d, while only %d files exist", i, c.FileIndex, len(m.FileTable))
		}
	}
	return &m, nil
}

// MarshalMetaManifest encodes a meta-manifest using the Protobuf wire
// format.
func MarshalMetaManifest(m *MetaManifest) []byte {
	var b []byte
	b = appendVarintField(b, metaManifestFieldVersion, uint64(m.Version))
	for _, h := range m.SubManifestHashes {
		b = appendBytesField(b, metaManifestFieldSubManifestHash, h[:])
	}
	return b
}

// UnmarshalMetaManifest decodes a meta-manifest stored in the Protobuf
// wire format.
func UnmarshalMetaManifest(b []byte) (*MetaManifest, error) {
	var m MetaManifest
	if err := parseFields(b, func(f field) error {
		switch {
		case f.num == metaManifestFieldVersion && f.typ == protowire.VarintType:
			m.Version = uint32(f.varint)
		case f.num == metaManifestFieldSubManifestHash:
			h, err := parseHash(f)
			if err != nil {
				return err
			}
			m.SubManifestHashes = append(m.SubManifestHashes, h)
		}
		return nil
	}); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid meta-manifest")
	}
	return &m, nil
}

// MarshalBundledManifest encodes a bundled manifest, so that it can be
// stored as part of the metadata of a checkpoint.
func MarshalBundledManifest(m *BundledManifest) []byte {
	var b []byte
	b = appendBytesField(b, bundledManifestFieldRootHash, m.RootHash[:])
	b = appendBytesField(b, bundledManifestFieldManifest, MarshalManifest(m.Manifest))
	b = appendBytesField(b, bundledManifestFieldMetaManifest, MarshalMetaManifest(m.MetaManifest))
	return b
}

// UnmarshalBundledManifest decodes a bundled manifest created by
// MarshalBundledManifest.
func UnmarshalBundledManifest(b []byte) (*BundledManifest, error) {
	var m BundledManifest
	hasRootHash := false
	if err := parseFields(b, func(f field) error {
		var err error
		switch f.num {
		case bundledManifestFieldRootHash:
			m.RootHash, err = parseHash(f)
			hasRootHash = true
		case bundledManifestFieldManifest:
			m.Manifest, err = UnmarshalManifest(f.bytes)
		case bundledManifestFieldMetaManifest:
			m.MetaManifest, err = UnmarshalMetaManifest(f.bytes)
		}
		return err
	}); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid bundled manifest")
	}
	if !hasRootHash || m.Manifest == nil || m.MetaManifest == nil {
		return nil, status.Error(codes.InvalidArgument, "Invalid bundled manifest: Root hash, manifest or meta-manifest missing")
	}
	return &m, nil
}
