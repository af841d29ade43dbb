package filesystem

import (
	"io"
	"os"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
)

// CreationMode specifies whether and how Directory.Open*() should
// create new files.
type CreationMode struct {
	flags       int
	permissions os.FileMode
}

// ShouldCreate returns whether a new file should be created if it
// doesn't exist yet.
func (c CreationMode) ShouldCreate() bool {
	return (c.flags & os.O_CREATE) != 0
}

// ShouldFailWhenExists returns whether a new file must be created. When
// true, opening must fail in case the target file already exists.
func (c CreationMode) ShouldFailWhenExists() bool {
	return (c.flags & os.O_EXCL) != 0
}

var (
	// DontCreate indicates that opening should fail in case the
	// target file does not exist.
	DontCreate = CreationMode{}
)

// CreateReuse indicates that a new file should be created if it doesn't
// already exist. If the target file already exists, that file will be
// opened instead.
func CreateReuse(perm os.FileMode) CreationMode {
	return CreationMode{flags: os.O_CREATE, permissions: perm}
}

// CreateExcl indicates that a new file should be created. If the target
// file already exists, opening shall fail.
func CreateExcl(perm os.FileMode) CreationMode {
	return CreationMode{flags: os.O_CREATE | os.O_EXCL, permissions: perm}
}

// Directory is an abstraction for accessing a subtree of the file
// system. State directories (the tip, checkpoints and scratch
// directories) are all accessed through handles of this type, so that
// code operating on them never has to construct absolute pathnames.
//
// Directory handles remain valid when the directory they refer to is
// renamed. Code that hands out long-lived handles to a directory must
// therefore never rename that directory.
type Directory interface {
	// EnterDirectory creates a derived directory handle for a
	// subdirectory of the current subtree.
	EnterDirectory(name path.Component) (DirectoryCloser, error)

	// Open a file contained within the directory for reading. The
	// CreationMode is assumed to be equal to DontCreate.
	OpenRead(name path.Component) (FileReader, error)
	// Open a file contained within the current directory for both
	// reading and writing.
	OpenReadWrite(name path.Component, creationMode CreationMode) (FileReadWriter, error)
	// Open a file contained within the current directory for writing.
	OpenWrite(name path.Component, creationMode CreationMode) (FileWriter, error)

	// Clonefile creates a copy-on-write copy of a regular file. An
	// error with code Unimplemented is returned when the underlying
	// file system has no support for this.
	Clonefile(oldName path.Component, newDirectory Directory, newName path.Component) error
	// Lstat is the equivalent of os.Lstat().
	Lstat(name path.Component) (FileInfo, error)
	// Mkdir is the equivalent of os.Mkdir().
	Mkdir(name path.Component, perm os.FileMode) error
	// ReadDir is the equivalent of os.ReadDir(), except that it
	// also reports file sizes. Entries are sorted by name.
	ReadDir() ([]FileInfo, error)
	// RemoveFile unlinks a file that is not a directory.
	RemoveFile(name path.Component) error
	// RemoveAll is the equivalent of os.RemoveAll(). Read-only
	// directories, such as those of checkpoints, are removed as
	// well.
	RemoveAll(name path.Component) error
	// RemoveAllChildren empties out a directory, without removing
	// the directory itself.
	RemoveAllChildren() error
	// Rename is the equivalent of os.Rename(). Both directories
	// must be backed by the same file system.
	Rename(oldName path.Component, newDirectory Directory, newName path.Component) error
	// Sync the contents of the directory to disk.
	Sync() error
}

// DirectoryCloser is a Directory handle that can be released.
type DirectoryCloser interface {
	Directory
	io.Closer
}

type nopDirectoryCloser struct {
	Directory
}

// NopDirectoryCloser adds a no-op Close method to a Directory object,
// similar to how io.NopCloser() adds a Close method to a Reader.
func NopDirectoryCloser(d Directory) DirectoryCloser {
	return nopDirectoryCloser{
		Directory: d,
	}
}

func (d nopDirectoryCloser) Close() error {
	return nil
}
