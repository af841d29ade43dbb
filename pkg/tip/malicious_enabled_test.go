//go:build malicious_code

package tip

import (
	"testing"

	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap/zaptest"
)

func TestMaliciouslyAlterRootHashEnabled(t *testing.T) {
	logger := zaptest.NewLogger(t)
	flags := MaliciousFlags{CorruptOwnStateAtHeights: []uint64{7}}
	rootHash := manifest.Hash{0x00, 0x0f, 0xff}

	require.Equal(t, rootHash, maliciouslyAlterRootHash(logger, flags, 6, rootHash))

	altered := maliciouslyAlterRootHash(logger, flags, 7, rootHash)
	require.NotEqual(t, rootHash, altered)
	require.Equal(t, byte(0xff), altered[0])
	require.Equal(t, byte(0xf0), altered[1])
	require.Equal(t, byte(0x00), altered[2])
	require.Equal(t, byte(0xff), altered[31])
}
