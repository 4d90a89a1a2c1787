package diffit

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	timages "github.com/gomlx/gomlx/types/tensors/images"
)

// ResidualBlock is one hybrid DiffiT block: a convolutional path (group norm,
// swish, 3x3 convolution) followed by an attention path (patchify, token
// mixer, unpatchify), with the attention output added residually onto the
// convolutional features. The channel count and the spatial size are
// preserved.
//
// cond is the conditioning vector from Config.ConditioningVector, shaped
// [batchSize, HiddenSize].
func (c *Config) ResidualBlock(ctx *context.Context, x, cond *Node, numGroups int) *Node {
	channels := x.Shape().Dimensions[1]

	h := GroupNormalization(ctx.In("norm"), x, numGroups).Done()
	h = activations.Swish(h)
	h = layers.Convolution(ctx.In("conv"), h).
		ChannelsAxis(timages.ChannelsFirst).
		Filters(channels).
		KernelSize(3).
		PadSame().
		Done()

	tokens := c.PatchEmbedding(ctx.In("patch_embedding"), h)
	tokens = c.TokenMixer(ctx.In("mixer"), tokens, cond)
	tokens = c.OutputProjection(ctx.In("output"), tokens, channels)
	attended := patchMerge(tokens, c.PatchSize, channels)
	if !attended.Shape().Equal(h.Shape()) {
		panicShapef("attention path produced %s, convolutional path %s",
			attended.Shape(), h.Shape())
	}
	return Add(attended, h)
}

// BlockStack applies numBlocks residual blocks in sequence, each with its own
// variables.
func (c *Config) BlockStack(ctx *context.Context, x, cond *Node, numBlocks, numGroups int) *Node {
	for ii := range numBlocks {
		x = c.ResidualBlock(ctx.Inf("%03d-block", ii), x, cond, numGroups)
	}
	return x
}
