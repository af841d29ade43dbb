//go:build linux
// +build linux

package filesystem

import (
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func clonefileImpl(oldFD int, oldName string, newFD int, newName string) error {
	srcFD, err := unix.Openat(oldFD, oldName, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(srcFD)

	var stat unix.Stat_t
	if err := unix.Fstat(srcFD, &stat); err != nil {
		return err
	}
	dstFD, err := unix.Openat(newFD, newName, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW|unix.O_CLOEXEC, stat.Mode&0o777)
	if err != nil {
		return err
	}
	if err := unix.IoctlFileClone(dstFD, srcFD); err != nil {
		unix.Close(dstFD)
		unix.Unlinkat(newFD, newName, 0)
		switch err {
		case unix.EOPNOTSUPP, unix.EXDEV, unix.EINVAL, unix.ENOTTY:
			return status.Errorf(codes.Unimplemented, "File system does not support reflinks: %s", err)
		}
		return err
	}
	if err := unix.Fsync(dstFD); err != nil {
		unix.Close(dstFD)
		return err
	}
	return unix.Close(dstFD)
}
