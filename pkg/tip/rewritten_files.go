package tip

import (
	"github.com/buildbarn/bb-checkpoint/pkg/filesystem/path"
	"github.com/buildbarn/bb-checkpoint/pkg/manifest"
	"github.com/buildbarn/bb-checkpoint/pkg/statelayout"
)

// rewrittenFiles contains the paths of the files that the worker
// rewrote on its own initiative after resetting the tip to the
// checkpoint at resetHeight, such as base files and overlays produced
// by merges. Manifest deltas provided by callers only describe changes
// made through page deltas, meaning these files need to be added to
// them.
type rewrittenFiles struct {
	resetHeight statelayout.Height
	paths       map[string]struct{}
}

func (rf *rewrittenFiles) add(pageMapType statelayout.PageMapType, names []path.Component) {
	if rf.paths == nil {
		rf.paths = map[string]struct{}{}
	}
	for _, name := range names {
		rf.paths[pageMapType.RelativePath(name)] = struct{}{}
	}
}

// extendManifestDelta returns a copy of a manifest delta of the
// checkpoint at a given height, in which all files that were rewritten
// by the worker since the base height are marked dirty. The files are
// collected by following the chain of checkpoints the tip was reset
// to, starting at the target height. Nil is returned if the chain does
// not lead to the base height, as changes may have gone unnoticed.
func (w *worker) extendManifestDelta(height statelayout.Height, delta *manifest.ManifestDelta) *manifest.ManifestDelta {
	extended := &manifest.ManifestDelta{
		BaseManifest: delta.BaseManifest,
		BaseHeight:   delta.BaseHeight,
		TargetHeight: delta.TargetHeight,
		DirtyFiles:   make(map[string][]manifest.ByteRange, len(delta.DirtyFiles)),
	}
	for relativePath, ranges := range delta.DirtyFiles {
		extended.DirtyFiles[relativePath] = ranges
	}

	baseHeight := statelayout.Height(delta.BaseHeight)
	for h := height; h != baseHeight; {
		rf, ok := w.checkpointRewrittenFiles[h]
		if !ok || rf.resetHeight >= h || rf.resetHeight < baseHeight {
			return nil
		}
		for relativePath := range rf.paths {
			extended.MarkFileDirty(relativePath)
		}
		h = rf.resetHeight
	}
	return extended
}

// pruneRewrittenFiles discards the files rewritten before creating
// checkpoints older than the provided height.
func (w *worker) pruneRewrittenFiles(height statelayout.Height) {
	for h := range w.checkpointRewrittenFiles {
		if h < height {
			delete(w.checkpointRewrittenFiles, h)
		}
	}
}
