package filesystem

import (
	"io"
	"os"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const copyBufferSizeBytes = 1 << 20

// CopyFile copies the contents of a regular file into a newly created
// file. The new file is synchronized to disk before returning.
func CopyFile(src Directory, srcName path.Component, dst Directory, dstName path.Component) error {
	r, err := src.OpenRead(srcName)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := dst.OpenWrite(dstName, CreateExcl(0o644))
	if err != nil {
		return err
	}
	buffer := make([]byte, copyBufferSizeBytes)
	var offset int64
	for {
		n, readErr := r.ReadAt(buffer, offset)
		if n > 0 {
			if _, err := w.WriteAt(buffer[:n], offset); err != nil {
				w.Close()
				return err
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			break
		} else if readErr != nil {
			w.Close()
			return readErr
		}
	}
	if err := w.Sync(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// CloneOrCopyFile creates a copy of a regular file. A copy-on-write
// clone is attempted first. If the file system does not support this,
// the file's contents are copied instead.
func CloneOrCopyFile(src Directory, srcName path.Component, dst Directory, dstName path.Component) error {
	if err := src.Clonefile(srcName, dst, dstName); err == nil || status.Code(err) != codes.Unimplemented {
		return err
	}
	return CopyFile(src, srcName, dst, dstName)
}

// CloneOrCopyDirectory recursively copies the contents of a directory
// into another, empty directory. Each copied directory is synchronized
// to disk after its children have been copied.
func CloneOrCopyDirectory(src, dst Directory) error {
	entries, err := src.ReadDir()
	if err != nil {
		return util.StatusWrap(err, "Failed to read directory contents")
	}
	for _, entry := range entries {
		name := entry.Name()
		switch entry.Type() {
		case FileTypeRegularFile:
			if err := CloneOrCopyFile(src, name, dst, name); err != nil {
				return util.StatusWrapf(err, "Failed to copy file %#v", name.String())
			}
		case FileTypeDirectory:
			if err := copySubdirectory(src, dst, name); err != nil {
				return util.StatusWrapf(err, "Directory %#v", name.String())
			}
		default:
			return status.Errorf(codes.InvalidArgument, "File %#v has an unsupported type", name.String())
		}
	}
	return dst.Sync()
}

func copySubdirectory(src, dst Directory, name path.Component) error {
	if err := dst.Mkdir(name, 0o755); err != nil {
		return err
	}
	srcChild, err := src.EnterDirectory(name)
	if err != nil {
		return err
	}
	defer srcChild.Close()
	dstChild, err := dst.EnterDirectory(name)
	if err != nil {
		return err
	}
	defer dstChild.Close()
	return CloneOrCopyDirectory(srcChild, dstChild)
}

// EnterOrCreateDirectory enters a subdirectory, creating it if it does
// not exist yet.
func EnterOrCreateDirectory(d Directory, name path.Component) (DirectoryCloser, error) {
	if err := d.Mkdir(name, 0o755); err != nil && !os.IsExist(err) {
		return nil, err
	}
	return d.EnterDirectory(name)
}

// RemoveIfExists removes a file. Removing a file that does not exist
// is not an error.
func RemoveIfExists(d Directory, name path.Component) error {
	if err := d.RemoveFile(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadFile returns the full contents of a regular file.
func ReadFile(d Directory, name path.Component) ([]byte, error) {
	info, err := d.Lstat(name)
	if err != nil {
		return nil, err
	}
	r, err := d.OpenRead(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data := make([]byte, info.SizeBytes())
	if n, err := r.ReadAt(data, 0); err != nil && !(err == io.EOF && n == len(data)) {
		return nil, err
	}
	return data, nil
}

// WriteFile replaces the contents of a regular file, creating it if it
// does not exist.
func WriteFile(d Directory, name path.Component, data []byte) error {
	w, err := d.OpenWrite(name, CreateReuse(0o644))
	if err != nil {
		return err
	}
	if err := w.Truncate(0); err != nil {
		w.Close()
		return err
	}
	if _, err := w.WriteAt(data, 0); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
