package diffit

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// patchSplit divides a feature map shaped [batch, channels, size, size] into
// non-overlapping patchSize×patchSize tiles and flattens each tile, returning
// [batch, (size/patchSize)², patchSize²·channels]. It is the projection-free
// half of patchify; patchMerge is its exact inverse.
func patchSplit(x *Node, patchSize int) *Node {
	if x.Rank() != 4 {
		panicShapef("patchify requires a rank-4 feature map, got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if height != width {
		panicShapef("patchify requires a square feature map, got %dx%d", height, width)
	}
	if patchSize < 1 || height%patchSize != 0 {
		panicShapef("spatial size %d is not divisible by the patch size %d", height, patchSize)
	}
	grid := height / patchSize
	x = Reshape(x, batchSize, channels, grid, patchSize, grid, patchSize)
	x = TransposeAllDims(x, 0, 2, 4, 3, 5, 1) // [batch, h, w, p, q, channels]
	return Reshape(x, batchSize, grid*grid, patchSize*patchSize*channels)
}

// patchMerge is the inverse of patchSplit: it reassembles per-patch values
// shaped [batch, numPatches, patchSize²·channels] into a feature map shaped
// [batch, channels, side, side] with side = √numPatches·patchSize. The patch
// grid must be square.
func patchMerge(x *Node, patchSize, channels int) *Node {
	if x.Rank() != 3 {
		panicShapef("unpatchify requires a rank-3 token sequence, got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, numPatches, features := dims[0], dims[1], dims[2]
	if features != patchSize*patchSize*channels {
		panicShapef("unpatchify got %d features per patch, want patchSize²·channels = %d",
			features, patchSize*patchSize*channels)
	}
	grid := int(math.Sqrt(float64(numPatches)))
	if grid*grid != numPatches {
		panicShapef("unpatchify requires a square patch grid, %d patches is not a perfect square", numPatches)
	}
	x = Reshape(x, batchSize, grid, grid, patchSize, patchSize, channels)
	x = TransposeAllDims(x, 0, 5, 1, 3, 2, 4) // [batch, channels, h, p, w, q]
	return Reshape(x, batchSize, channels, grid*patchSize, grid*patchSize)
}

// PatchEmbedding converts a feature map shaped [batch, channels, size, size]
// into a sequence of patch tokens shaped [batch, numPatches, HiddenSize]: each
// patch is linearly projected and the fixed 2D sin-cos position table is added.
func (c *Config) PatchEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	spatialSize := x.Shape().Dimensions[2]

	tokens := patchSplit(x, c.PatchSize)
	tokens = layers.Dense(ctx.In("patch_projection"), tokens, true, c.HiddenSize)

	grid := spatialSize / c.PatchSize
	table := positionTable2D(g, c.DType, c.HiddenSize, grid)
	// The table broadcasts over the batch axis; everything else must match.
	tableDims := table.Shape().Dimensions
	tokenDims := tokens.Shape().Dimensions
	if tableDims[1] != tokenDims[1] || tableDims[2] != tokenDims[2] {
		panicShapef("position table %s does not match patch tokens %s",
			table.Shape(), tokens.Shape())
	}
	return Add(tokens, table)
}
