//go:build freebsd
// +build freebsd

package filesystem

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func clonefileImpl(oldFD int, oldName string, newFD int, newName string) error {
	return status.Error(codes.Unimplemented, "Clonefile is not supported on FreeBSD")
}
