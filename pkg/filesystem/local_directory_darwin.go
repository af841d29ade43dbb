//go:build darwin
// +build darwin

package filesystem

import (
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func clonefileImpl(oldFD int, oldName string, newFD int, newName string) error {
	err := unix.Clonefileat(oldFD, oldName, newFD, newName, unix.CLONE_NOFOLLOW)
	if err == unix.ENOTSUP || err == unix.EXDEV {
		return status.Errorf(codes.Unimplemented, "File system does not support cloning files: %s", err)
	}
	return err
}
