package manifest

import (
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/buildbarn/bb-checkpoint/pkg/filesystem"
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/util"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	computerPrometheusMetrics sync.Once

	computerChunkBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "manifest_chunk_bytes_total",
			Help:      "Number of bytes of chunks processed while computing manifests, by whether their hashes were computed or reused from a base manifest.",
		},
		[]string{"source"})
	computerChunkBytesHashed = computerChunkBytes.WithLabelValues("hashed")
	computerChunkBytesReused = computerChunkBytes.WithLabelValues("reused")

	computerRehashedChunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "checkpoint",
			Name:      "manifest_rehashed_chunks_total",
			Help:      "Number of chunks whose hash was reused from a base manifest, but was hashed again for validation.",
		})
)

// Computer of manifests of checkpoints. Files are hashed in parallel.
type Computer struct {
	concurrency int
}

// NewComputer creates a Computer that hashes at most the provided
// number of files concurrently.
func NewComputer(concurrency int) *Computer {
	computerPrometheusMetrics.Do(func() {
		prometheus.MustRegister(computerChunkBytes)
		prometheus.MustRegister(computerRehashedChunks)
	})

	return &Computer{
		concurrency: concurrency,
	}
}

type walkedFile struct {
	relativePath string
	components   []path.Component
	sizeBytes    uint64
}

// walkDirectory returns all regular files underneath a directory,
// sorted by relative path.
func walkDirectory(d filesystem.Directory, prefix []path.Component, files []walkedFile) ([]walkedFile, error) {
	entries, err := d.ReadDir()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		components := append(append([]path.Component(nil), prefix...), entry.Name())
		switch entry.Type() {
		case filesystem.FileTypeRegularFile:
			names := make([]string, 0, len(components))
			for _, c := range components {
				names = append(names, c.String())
			}
			files = append(files, walkedFile{
				relativePath: strings.Join(names, "/"),
				components:   components,
				sizeBytes:    uint64(entry.SizeBytes()),
			})
		case filesystem.FileTypeDirectory:
			child, err := d.EnterDirectory(entry.Name())
			if err != nil {
				return nil, util.StatusWrapf(err, "Failed to open directory %#v", entry.Name().String())
			}
			files, err = walkDirectory(child, components, files)
			child.Close()
			if err != nil {
				return nil, err
			}
		default:
			return nil, status.Errorf(codes.InvalidArgument, "File %#v has an unsupported type", entry.Name().String())
		}
	}
	return files, nil
}

func openFile(root filesystem.Directory, components []path.Component) (filesystem.FileReader, error) {
	d := root
	var closer filesystem.DirectoryCloser
	defer func() {
		if closer != nil {
			closer.Close()
		}
	}()
	for _, c := range components[:len(components)-1] {
		child, err := d.EnterDirectory(c)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			closer.Close()
		}
		closer, d = child, child
	}
	return d.OpenRead(components[len(components)-1])
}

// reusableChunks returns the hashes of the chunks in the base manifest
// of a file that has the same path and size as in the base manifest,
// indexed by offset.
func reusableChunks(delta *ManifestDelta, relativePath string, sizeBytes uint64) map[uint64]ChunkInfo {
	if delta == nil || delta.BaseManifest == nil {
		return nil
	}
	base := delta.BaseManifest
	fileIndex := sort.Search(len(base.FileTable), func(i int) bool {
		return base.FileTable[i].RelativePath >= relativePath
	})
	if fileIndex == len(base.FileTable) || base.FileTable[fileIndex].RelativePath != relativePath || base.FileTable[fileIndex].SizeBytes != sizeBytes {
		return nil
	}
	chunks := map[uint64]ChunkInfo{}
	for _, c := range base.ChunkTable {
		if c.FileIndex == uint32(fileIndex) {
			chunks[c.Offset] = c
		}
	}
	return chunks
}

type fileResult struct {
	chunks        []ChunkInfo
	hashedBytes   uint64
	reusedBytes   uint64
	rehashedCount int
}

// Compute the manifest of the state stored in a directory. If a delta
// is provided, hashes of chunks that are identical to those in the base
// manifest are reused. A subset of them, depending on the target
// height, is hashed nonetheless to detect corruption of files on disk.
// A manifest computed with a correct delta is identical to one computed
// without.
func (c *Computer) Compute(root filesystem.Directory, version uint32, chunkSizeBytes uint32, delta *ManifestDelta) (*Manifest, error) {
	if version > MaxSupportedStateSyncVersion {
		return nil, status.Errorf(codes.FailedPrecondition, "Cannot compute manifest with version %d, as the maximum supported version is %d", version, MaxSupportedStateSyncVersion)
	}
	if chunkSizeBytes == 0 {
		return nil, status.Error(codes.InvalidArgument, "Chunk size must be positive")
	}
	files, err := walkDirectory(root, nil, nil)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to list files")
	}
	sort.Slice(files, func(i, j int) bool { return files[i].relativePath < files[j].relativePath })

	// The index of the first chunk of every file in the chunk table
	// determines which reused chunks are hashed again.
	firstChunkIndices := make([]uint64, len(files))
	var numChunks uint64
	for i, f := range files {
		firstChunkIndices[i] = numChunks
		numChunks += (f.sizeBytes + uint64(chunkSizeBytes) - 1) / uint64(chunkSizeBytes)
	}

	indices := make([]int, len(files))
	for i := range indices {
		indices[i] = i
	}
	results, err := util.ParallelMap(c.concurrency, indices, func(i int) (fileResult, error) {
		return c.computeFile(root, files[i], uint32(i), firstChunkIndices[i], chunkSizeBytes, delta)
	})
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:    version,
		FileTable:  make([]FileInfo, 0, len(files)),
		ChunkTable: make([]ChunkInfo, 0, numChunks),
	}
	for i, f := range files {
		r := results[i]
		m.FileTable = append(m.FileTable, FileInfo{
			RelativePath: f.relativePath,
			SizeBytes:    f.sizeBytes,
			Hash:         hashFile(r.chunks),
		})
		m.ChunkTable = append(m.ChunkTable, r.chunks...)
		computerChunkBytesHashed.Add(float64(r.hashedBytes))
		computerChunkBytesReused.Add(float64(r.reusedBytes))
		computerRehashedChunks.Add(float64(r.rehashedCount))
	}
	return m, nil
}

func (c *Computer) computeFile(root filesystem.Directory, file walkedFile, fileIndex uint32, firstChunkIndex uint64, chunkSizeBytes uint32, delta *ManifestDelta) (fileResult, error) {
	var r fileResult
	if file.sizeBytes == 0 {
		return r, nil
	}
	f, err := openFile(root, file.components)
	if err != nil {
		return r, util.StatusWrapf(err, "Failed to open %#v", file.relativePath)
	}
	defer f.Close()

	reusable := reusableChunks(delta, file.relativePath, file.sizeBytes)
	buffer := make([]byte, chunkSizeBytes)
	for offset, chunkIndex := uint64(0), firstChunkIndex; offset < file.sizeBytes; offset, chunkIndex = offset+uint64(chunkSizeBytes), chunkIndex+1 {
		sizeBytes := min(uint64(chunkSizeBytes), file.sizeBytes-offset)
		chunk := ChunkInfo{
			FileIndex: fileIndex,
			SizeBytes: uint32(sizeBytes),
			Offset:    offset,
		}

		baseChunk, ok := reusable[offset]
		canReuse := ok && uint64(baseChunk.SizeBytes) == sizeBytes && !delta.chunkIsDirty(file.relativePath, offset, sizeBytes)
		if canReuse && (chunkIndex+delta.TargetHeight)%RehashEveryNthChunk != 0 {
			chunk.Hash = baseChunk.Hash
			r.reusedBytes += sizeBytes
			r.chunks = append(r.chunks, chunk)
			continue
		}

		data := buffer[:sizeBytes]
		if n, err := f.ReadAt(data, int64(offset)); n != len(data) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return r, util.StatusWrapf(err, "Failed to read %#v at offset %d", file.relativePath, offset)
		}
		chunk.Hash = hashChunk(data)
		r.hashedBytes += sizeBytes
		if canReuse {
			r.rehashedCount++
			if chunk.Hash != baseChunk.Hash {
				return r, status.Errorf(
					codes.DataLoss,
					"Chunk of %#v at offset %d has hash %s at height %d, while it had hash %s at height %d and was not modified since",
					file.relativePath, offset, chunk.Hash, delta.TargetHeight, baseChunk.Hash, delta.BaseHeight)
			}
		}
		r.chunks = append(r.chunks, chunk)
	}
	return r, nil
}
