package statelayout

import (
	"os"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/util"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	componentStatesMetadata    = path.MustNewComponent("states_metadata.pbuf")
	componentStatesMetadataNew = path.MustNewComponent("states_metadata.pbuf.new")
)

const (
	statesMetadataFieldEntry          = 1
	stateMetadataFieldHeight          = 1
	stateMetadataFieldBundledManifest = 2
)

// StateMetadataRecord is the persisted form of the metadata of a
// single checkpoint.
type StateMetadataRecord struct {
	Height Height
	// Serialized bundled manifest. Nil if the manifest of the
	// checkpoint has not been computed yet.
	BundledManifest []byte
}

// StatesMetadataStore persists the metadata of all checkpoints, so that
// manifests don't need to be recomputed after a restart.
type StatesMetadataStore interface {
	ReadStatesMetadata() ([]StateMetadataRecord, error)
	WriteStatesMetadata(records []StateMetadataRecord) error
}

type directoryBackedStatesMetadataStore struct {
	directory filesystem.Directory
	logger    *zap.Logger
}

// NewDirectoryBackedStatesMetadataStore creates a StatesMetadataStore
// that writes records to a file named "states_metadata.pbuf" stored
// inside a filesystem.Directory.
func NewDirectoryBackedStatesMetadataStore(directory filesystem.Directory, logger *zap.Logger) StatesMetadataStore {
	return directoryBackedStatesMetadataStore{
		directory: directory,
		logger:    logger,
	}
}

func (s directoryBackedStatesMetadataStore) ReadStatesMetadata() ([]StateMetadataRecord, error) {
	data, err := filesystem.ReadFile(s.directory, componentStatesMetadata)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to read states metadata")
	}
	records, err := unmarshalStatesMetadata(data)
	if err != nil {
		// Metadata can always be recomputed from the checkpoints
		// themselves, so start from scratch instead of failing.
		s.logger.Warn("Discarding corrupted states metadata", zap.Error(err))
		return nil, nil
	}
	return records, nil
}

func (s directoryBackedStatesMetadataStore) WriteStatesMetadata(records []StateMetadataRecord) error {
	data := marshalStatesMetadata(records)

	// Write the metadata to a temporary file.
	if err := filesystem.RemoveIfExists(s.directory, componentStatesMetadataNew); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to remove previous temporary file")
	}
	f, err := s.directory.OpenWrite(componentStatesMetadataNew, filesystem.CreateExcl(0o644))
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to create temporary file")
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		f.Close()
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to write to temporary file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to synchronize temporary file")
	}
	if err := f.Close(); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to close temporary file")
	}

	// Move the new metadata over the old copy.
	if err := s.directory.Rename(componentStatesMetadataNew, s.directory, componentStatesMetadata); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to rename temporary file")
	}
	if err := s.directory.Sync(); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to synchronize directory")
	}
	return nil
}

func marshalStatesMetadata(records []StateMetadataRecord) []byte {
	var b []byte
	for _, record := range records {
		var entry []byte
		entry = protowire.AppendTag(entry, stateMetadataFieldHeight, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(record.Height))
		if record.BundledManifest != nil {
			entry = protowire.AppendTag(entry, stateMetadataFieldBundledManifest, protowire.BytesType)
			entry = protowire.AppendBytes(entry, record.BundledManifest)
		}
		b = protowire.AppendTag(b, statesMetadataFieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func unmarshalStatesMetadata(b []byte) ([]StateMetadataRecord, error) {
	var records []StateMetadataRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != statesMetadataFieldEntry || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		record, err := unmarshalStateMetadataRecord(entry)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func unmarshalStateMetadataRecord(b []byte) (StateMetadataRecord, error) {
	var record StateMetadataRecord
	hasHeight := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return record, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == stateMetadataFieldHeight && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return record, protowire.ParseError(n)
			}
			record.Height = Height(v)
			hasHeight = true
			b = b[n:]
		case num == stateMetadataFieldBundledManifest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return record, protowire.ParseError(n)
			}
			record.BundledManifest = append([]byte{}, v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return record, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if !hasHeight {
		return record, status.Error(codes.InvalidArgument, "State metadata entry has no height")
	}
	return record, nil
}
