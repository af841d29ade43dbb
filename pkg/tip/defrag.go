package tip

import (
	"io"

	"github.com/buildbarn/bb-checkpoint/pkg/random"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
	"github.com/buildbarn/bb-checkpoint/pkg/util"
	"github.com/dustin/go-humanize"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defragBlockSizeBytes = 1 << 20

// samplePageMapTypes picks up to n page map types uniformly at random
// using reservoir sampling.
func samplePageMapTypes(generator random.SingleThreadedGenerator, pageMapTypes []statelayout.PageMapType, n int) []statelayout.PageMapType {
	if n <= 0 {
		return nil
	}
	sample := make([]statelayout.PageMapType, 0, min(n, len(pageMapTypes)))
	for i, pageMapType := range pageMapTypes {
		if i < n {
			sample = append(sample, pageMapType)
		} else if j := generator.IntN(i + 1); j < n {
			sample[j] = pageMapType
		}
	}
	return sample
}

// defragTip rewrites a region of one of the base files in the tip with
// its own contents. Base files are mutated in place when persisting
// page deltas in legacy storage mode, which causes them to become
// fragmented on file systems that use copy-on-write cloning. Rewriting
// a region causes the file system to allocate it contiguously again.
//
// All choices are made using a generator seeded with the provided
// value, so that repeated calls at the same height rewrite the same
// region.
func defragTip(logger *zap.Logger, tip *statelayout.CheckpointLayout, pageMapTypes []statelayout.PageMapType, maxSizeBytes int64, maxFiles int, seed uint64) error {
	generator := random.NewSeededSingleThreadedGenerator(seed)
	sample := samplePageMapTypes(generator, pageMapTypes, maxFiles)

	type baseFile struct {
		pageMapType statelayout.PageMapType
		sizeBytes   int64
	}
	var files []baseFile
	var totalSizeBytes uint64
	for _, pageMapType := range sample {
		f, sizeBytes, err := tip.OpenPageMapBaseFile(pageMapType)
		if err != nil {
			return util.StatusWrapf(err, "Failed to open base file of page map %s", pageMapType)
		}
		if f == nil {
			continue
		}
		f.Close()
		files = append(files, baseFile{pageMapType: pageMapType, sizeBytes: sizeBytes})
		totalSizeBytes += uint64(sizeBytes)
	}
	if totalSizeBytes == 0 {
		return nil
	}

	// Larger files are more likely to be fragmented.
	pick := generator.Uint64N(totalSizeBytes)
	var chosen baseFile
	for _, file := range files {
		if pick < uint64(file.sizeBytes) {
			chosen = file
			break
		}
		pick -= uint64(file.sizeBytes)
	}

	writeSizeBytes := min(maxSizeBytes, chosen.sizeBytes)
	offset := int64(generator.Uint64N(uint64(chosen.sizeBytes-writeSizeBytes) + 1))

	f, _, err := tip.OpenPageMapBaseFile(chosen.pageMapType)
	if err != nil {
		return util.StatusWrapf(err, "Failed to open base file of page map %s", chosen.pageMapType)
	}
	if f == nil {
		return status.Errorf(codes.Internal, "Base file of page map %s disappeared", chosen.pageMapType)
	}
	defer f.Close()

	buf := make([]byte, min(writeSizeBytes, defragBlockSizeBytes))
	for position := offset; position < offset+writeSizeBytes; {
		b := buf[:min(int64(len(buf)), offset+writeSizeBytes-position)]
		if n, err := f.ReadAt(b, position); n != len(b) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to read base file of page map %s at offset %d", chosen.pageMapType, position)
		}
		if _, err := f.WriteAt(b, position); err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to write base file of page map %s at offset %d", chosen.pageMapType, position)
		}
		position += int64(len(b))
	}
	if err := f.Sync(); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to synchronize base file of page map %s", chosen.pageMapType)
	}
	workerDefragmentedBytes.Add(float64(writeSizeBytes))
	logger.Debug(
		"Defragmented tip",
		zap.Stringer("page_map", chosen.pageMapType),
		zap.Int64("offset", offset),
		zap.String("size", humanize.IBytes(uint64(writeSizeBytes))))
	return nil
}
