//go:build malicious_code

package tip

import (
	"slices"

	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"

	"go.uber.org/zap"
)

func maliciouslyAlterRootHash(logger *zap.Logger, flags MaliciousFlags, height statelayout.Height, rootHash manifest.Hash) manifest.Hash {
	if !slices.Contains(flags.CorruptOwnStateAtHeights, uint64(height)) {
		return rootHash
	}
	for i := range rootHash {
		rootHash[i] = ^rootHash[i]
	}
	logger.Warn("Maliciously altered root hash", zap.Uint64("height", uint64(height)), zap.Stringer("root_hash", rootHash))
	return rootHash
}
