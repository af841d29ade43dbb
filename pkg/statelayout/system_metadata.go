package statelayout

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	systemMetadataFieldStateSyncVersion = 1
	systemMetadataFieldPayload          = 2
)

// SystemMetadata is the subset of the subnet's system metadata that is
// interpreted by the checkpointing logic. The remainder of the message
// is kept as an opaque payload.
type SystemMetadata struct {
	StateSyncVersion uint32
	Payload          []byte
}

// Marshal the system metadata using the Protobuf wire format.
func (m *SystemMetadata) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, systemMetadataFieldStateSyncVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.StateSyncVersion))
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, systemMetadataFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

// UnmarshalSystemMetadata parses system metadata stored in the Protobuf
// wire format. Unknown fields are ignored.
func UnmarshalSystemMetadata(b []byte) (*SystemMetadata, error) {
	var m SystemMetadata
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, status.Errorf(codes.InvalidArgument, "Invalid system metadata: %s", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == systemMetadataFieldStateSyncVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, status.Errorf(codes.InvalidArgument, "Invalid state sync version: %s", protowire.ParseError(n))
			}
			m.StateSyncVersion = uint32(v)
			b = b[n:]
		case num == systemMetadataFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, status.Errorf(codes.InvalidArgument, "Invalid payload: %s", protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, status.Errorf(codes.InvalidArgument, "Invalid field %d: %s", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return &m, nil
}
