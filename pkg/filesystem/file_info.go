package filesystem

import (
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
)

// FileType is an enumeration of the type of a file stored on a file
// system.
type FileType int

const (
	// FileTypeRegularFile means the file is a regular file.
	FileTypeRegularFile FileType = iota
	// FileTypeDirectory means the file is a directory.
	FileTypeDirectory
	// FileTypeOther means the file is neither a regular file nor a
	// directory. State directories never contain such files.
	FileTypeOther
)

// FileInfo is a subset of os.FileInfo, only containing the features
// needed to traverse and size state directories.
type FileInfo struct {
	name      path.Component
	fileType  FileType
	sizeBytes int64
}

// NewFileInfo constructs a FileInfo object that returns fixed values
// for its methods.
func NewFileInfo(name path.Component, fileType FileType, sizeBytes int64) FileInfo {
	return FileInfo{
		name:      name,
		fileType:  fileType,
		sizeBytes: sizeBytes,
	}
}

// Name returns the filename of the file.
func (fi *FileInfo) Name() path.Component {
	return fi.name
}

// Type returns the type of a file (e.g., regular file, directory).
func (fi *FileInfo) Type() FileType {
	return fi.fileType
}

// SizeBytes returns the size of a regular file. For other file types
// the value is unspecified.
func (fi *FileInfo) SizeBytes() int64 {
	return fi.sizeBytes
}
