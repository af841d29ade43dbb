//go:build darwin || freebsd || linux
// +build darwin freebsd linux

package filesystem

import (
	"os"
	"runtime"
	"sort"
	"syscall"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"

	"golang.org/x/sys/unix"
)

// localDirectory is a Directory backed by a file descriptor of a
// directory on a local file system. All operations are performed
// relative to that descriptor using the *at() system calls.
type localDirectory struct {
	fd int
}

func newLocalDirectory(fd int) *localDirectory {
	d := &localDirectory{fd: fd}
	runtime.SetFinalizer(d, (*localDirectory).Close)
	return d
}

// openDirectoryAt opens a directory without following symbolic links.
// Platforms disagree on the error returned when the final component is
// not a directory, so it is normalized to ENOTDIR.
func openDirectoryAt(dirFD int, name string) (*localDirectory, error) {
	fd, err := unix.Openat(dirFD, name, unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	switch err {
	case nil:
		return newLocalDirectory(fd), nil
	case syscall.ELOOP, syscall.EMLINK:
		return nil, syscall.ENOTDIR
	default:
		return nil, err
	}
}

// NewLocalDirectory creates a directory handle that corresponds to a
// local path on the system.
func NewLocalDirectory(path string) (DirectoryCloser, error) {
	return openDirectoryAt(unix.AT_FDCWD, path)
}

// localDirectoryFD returns the file descriptor of a directory handle,
// if it is backed by the local file system.
func localDirectoryFD(d Directory) (int, bool) {
	switch dt := d.(type) {
	case *localDirectory:
		return dt.fd, true
	case nopDirectoryCloser:
		return localDirectoryFD(dt.Directory)
	default:
		return -1, false
	}
}

func (d *localDirectory) EnterDirectory(name path.Component) (DirectoryCloser, error) {
	defer runtime.KeepAlive(d)
	return openDirectoryAt(d.fd, name.String())
}

func (d *localDirectory) Close() error {
	fd := d.fd
	d.fd = -1
	runtime.SetFinalizer(d, nil)
	return unix.Close(fd)
}

func (d *localDirectory) openFile(name path.Component, creationMode CreationMode, flag int) (*os.File, error) {
	defer runtime.KeepAlive(d)

	fd, err := unix.Openat(d.fd, name.String(), flag|creationMode.flags|unix.O_NOFOLLOW|unix.O_CLOEXEC, uint32(creationMode.permissions))
	if err == syscall.EMLINK {
		return nil, syscall.ELOOP
	} else if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), name.String()), nil
}

func (d *localDirectory) OpenRead(name path.Component) (FileReader, error) {
	return d.openFile(name, DontCreate, os.O_RDONLY)
}

func (d *localDirectory) OpenReadWrite(name path.Component, creationMode CreationMode) (FileReadWriter, error) {
	return d.openFile(name, creationMode, os.O_RDWR)
}

func (d *localDirectory) OpenWrite(name path.Component, creationMode CreationMode) (FileWriter, error) {
	return d.openFile(name, creationMode, os.O_WRONLY)
}

func (d *localDirectory) Clonefile(oldName path.Component, newDirectory Directory, newName path.Component) error {
	defer runtime.KeepAlive(d)
	defer runtime.KeepAlive(newDirectory)
	newFD, ok := localDirectoryFD(newDirectory)
	if !ok {
		return syscall.EXDEV
	}
	return clonefileImpl(d.fd, oldName.String(), newFD, newName.String())
}

func (d *localDirectory) Lstat(name path.Component) (FileInfo, error) {
	defer runtime.KeepAlive(d)

	var stat unix.Stat_t
	if err := unix.Fstatat(d.fd, name.String(), &stat, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return FileInfo{}, err
	}
	var fileType FileType
	switch stat.Mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		fileType = FileTypeDirectory
	case syscall.S_IFREG:
		fileType = FileTypeRegularFile
	default:
		fileType = FileTypeOther
	}
	return NewFileInfo(name, fileType, stat.Size), nil
}

func (d *localDirectory) Mkdir(name path.Component, perm os.FileMode) error {
	defer runtime.KeepAlive(d)
	return unix.Mkdirat(d.fd, name.String(), uint32(perm))
}

// names returns the names of all children of the directory, in no
// particular order.
func (d *localDirectory) names() ([]string, error) {
	defer runtime.KeepAlive(d)

	// Reading from d.fd directly would move its offset, which is
	// shared with any other readers of the same handle.
	fd, err := unix.Openat(d.fd, ".", unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), ".")
	defer f.Close()
	return f.Readdirnames(-1)
}

func (d *localDirectory) ReadDir() ([]FileInfo, error) {
	names, err := d.names()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	infos := make([]FileInfo, 0, len(names))
	for _, name := range names {
		info, err := d.Lstat(path.MustNewComponent(name))
		if os.IsNotExist(err) {
			// Removed while listing.
			continue
		} else if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (d *localDirectory) RemoveFile(name path.Component) error {
	defer runtime.KeepAlive(d)
	return unix.Unlinkat(d.fd, name.String(), 0)
}

func (d *localDirectory) RemoveAllChildren() error {
	names, err := d.names()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := d.RemoveAll(path.MustNewComponent(name)); err != nil {
			return err
		}
	}
	return nil
}

func (d *localDirectory) RemoveAll(name path.Component) error {
	defer runtime.KeepAlive(d)

	child, err := openDirectoryAt(d.fd, name.String())
	if err == syscall.ENOTDIR {
		return unix.Unlinkat(d.fd, name.String(), 0)
	} else if err != nil {
		return err
	}

	// Checkpoints are made read-only after creation, meaning their
	// directories need to be made writable before they can be
	// emptied.
	unix.Fchmod(child.fd, 0o700)
	err = child.RemoveAllChildren()
	child.Close()
	if err != nil {
		return err
	}
	return unix.Unlinkat(d.fd, name.String(), unix.AT_REMOVEDIR)
}

func (d *localDirectory) Rename(oldName path.Component, newDirectory Directory, newName path.Component) error {
	defer runtime.KeepAlive(d)
	defer runtime.KeepAlive(newDirectory)
	newFD, ok := localDirectoryFD(newDirectory)
	if !ok {
		return syscall.EXDEV
	}
	return unix.Renameat(d.fd, oldName.String(), newFD, newName.String())
}

func (d *localDirectory) Sync() error {
	defer runtime.KeepAlive(d)
	return unix.Fsync(d.fd)
}
