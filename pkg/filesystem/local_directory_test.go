package filesystem_test

import (
	"os"
	"syscall"
	"testing"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/stretchr/testify/require"
)

func openTmpDir(t *testing.T) filesystem.DirectoryCloser {
	d, err := filesystem.NewLocalDirectory(t.TempDir())
	require.NoError(t, err)
	return d
}

func writeTestFile(t *testing.T, d filesystem.Directory, name string, data []byte) {
	require.NoError(t, filesystem.WriteFile(d, path.MustNewComponent(name), data))
}

func TestLocalDirectoryCreationFailure(t *testing.T) {
	_, err := filesystem.NewLocalDirectory("/nonexistent")
	require.True(t, os.IsNotExist(err))
}

func TestLocalDirectoryEnterFile(t *testing.T) {
	d := openTmpDir(t)
	writeTestFile(t, d, "file", nil)
	_, err := d.EnterDirectory(path.MustNewComponent("file"))
	require.Equal(t, syscall.ENOTDIR, err)
	require.NoError(t, d.Close())
}

func TestLocalDirectoryLstatFile(t *testing.T) {
	d := openTmpDir(t)
	writeTestFile(t, d, "file", []byte("Hello"))
	fi, err := d.Lstat(path.MustNewComponent("file"))
	require.NoError(t, err)
	require.Equal(t, path.MustNewComponent("file"), fi.Name())
	require.Equal(t, filesystem.FileTypeRegularFile, fi.Type())
	require.Equal(t, int64(5), fi.SizeBytes())
	require.NoError(t, d.Close())
}

func TestLocalDirectoryReadDir(t *testing.T) {
	d := openTmpDir(t)
	writeTestFile(t, d, "b", []byte("bb"))
	writeTestFile(t, d, "a", []byte("a"))
	require.NoError(t, d.Mkdir(path.MustNewComponent("c"), 0o755))

	entries, err := d.ReadDir()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a", entries[0].Name().String())
	require.Equal(t, int64(1), entries[0].SizeBytes())
	require.Equal(t, "b", entries[1].Name().String())
	require.Equal(t, filesystem.FileTypeDirectory, entries[2].Type())
	require.NoError(t, d.Close())
}

func TestLocalDirectoryRemoveAllChildren(t *testing.T) {
	d := openTmpDir(t)
	sub, err := filesystem.EnterOrCreateDirectory(d, path.MustNewComponent("sub"))
	require.NoError(t, err)
	writeTestFile(t, sub, "file", []byte("x"))
	require.NoError(t, sub.Close())
	writeTestFile(t, d, "file", []byte("y"))

	require.NoError(t, d.RemoveAllChildren())
	entries, err := d.ReadDir()
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NoError(t, d.Close())
}

func TestLocalDirectoryRename(t *testing.T) {
	d := openTmpDir(t)
	writeTestFile(t, d, "old", []byte("data"))
	require.NoError(t, d.Rename(path.MustNewComponent("old"), d, path.MustNewComponent("new")))
	data, err := filesystem.ReadFile(d, path.MustNewComponent("new"))
	require.NoError(t, err)
	require.Equal(t, []byte("data"), data)
	_, err = d.Lstat(path.MustNewComponent("old"))
	require.True(t, os.IsNotExist(err))
	require.NoError(t, d.Close())
}

func TestLocalDirectoryRenameIntoWrappedDirectory(t *testing.T) {
	d := openTmpDir(t)
	writeTestFile(t, d, "old", []byte("data"))
	sub, err := filesystem.EnterOrCreateDirectory(d, path.MustNewComponent("sub"))
	require.NoError(t, err)

	require.NoError(t, d.Rename(path.MustNewComponent("old"), filesystem.NopDirectoryCloser(sub), path.MustNewComponent("new")))
	data, err := filesystem.ReadFile(sub, path.MustNewComponent("new"))
	require.NoError(t, err)
	require.Equal(t, []byte("data"), data)
	require.NoError(t, sub.Close())
	require.NoError(t, d.Close())
}

func TestLocalDirectoryRemoveFile(t *testing.T) {
	d := openTmpDir(t)
	require.NoError(t, d.Mkdir(path.MustNewComponent("dir"), 0o755))
	require.Error(t, d.RemoveFile(path.MustNewComponent("dir")))
	_, err := d.Lstat(path.MustNewComponent("dir"))
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestRemoveIfExists(t *testing.T) {
	d := openTmpDir(t)
	require.NoError(t, filesystem.RemoveIfExists(d, path.MustNewComponent("missing")))
	writeTestFile(t, d, "present", nil)
	require.NoError(t, filesystem.RemoveIfExists(d, path.MustNewComponent("present")))
	_, err := d.Lstat(path.MustNewComponent("present"))
	require.True(t, os.IsNotExist(err))
	require.NoError(t, d.Close())
}

func TestCloneOrCopyDirectory(t *testing.T) {
	src := openTmpDir(t)
	dst := openTmpDir(t)
	writeTestFile(t, src, "top", []byte("top level"))
	sub, err := filesystem.EnterOrCreateDirectory(src, path.MustNewComponent("sub"))
	require.NoError(t, err)
	writeTestFile(t, sub, "nested", make([]byte, 3<<20))
	require.NoError(t, sub.Close())

	require.NoError(t, filesystem.CloneOrCopyDirectory(src, dst))

	data, err := filesystem.ReadFile(dst, path.MustNewComponent("top"))
	require.NoError(t, err)
	require.Equal(t, []byte("top level"), data)
	dstSub, err := dst.EnterDirectory(path.MustNewComponent("sub"))
	require.NoError(t, err)
	fi, err := dstSub.Lstat(path.MustNewComponent("nested"))
	require.NoError(t, err)
	require.Equal(t, int64(3<<20), fi.SizeBytes())
	require.NoError(t, dstSub.Close())

	// Copies are independent of the original.
	writeTestFile(t, dst, "top", []byte("changed"))
	data, err = filesystem.ReadFile(src, path.MustNewComponent("top"))
	require.NoError(t, err)
	require.Equal(t, []byte("top level"), data)

	require.NoError(t, src.Close())
	require.NoError(t, dst.Close())
}
