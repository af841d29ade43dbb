package filesystem

import (
	"io"
)

// FileReader is a read-only file handle, such as the handle to a base
// or overlay file of a page map that is loaded or hashed.
type FileReader interface {
	io.Closer
	io.ReaderAt
}

// FileWriter is a file handle to which pages or metadata can be
// written at arbitrary offsets. Sync() must be called before a file
// is renamed into place.
type FileWriter interface {
	io.Closer
	io.WriterAt

	Sync() error
	Truncate(size int64) error
}

// FileReadWriter is used for base files of page maps, which are
// extended in place when legacy storage is used.
type FileReadWriter interface {
	FileReader
	FileWriter
}
