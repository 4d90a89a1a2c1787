package diffit

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// TokenMixer runs one transformer layer over the patch tokens, shaped
// [batchSize, numPatches, HiddenSize], conditioned on cond, shaped
// [batchSize, HiddenSize]: multi-head self-attention followed by a pointwise
// feed-forward network, each with a residual connection and layer
// normalization.
//
// The conditioning vector is projected and added to every token before the
// attention, so queries, keys and values all see the timestep and label
// information (the "time-dependent self-attention" of the DiffiT paper).
func (c *Config) TokenMixer(ctx *context.Context, tokens, cond *Node) *Node {
	condToken := layers.Dense(ctx.In("conditioning_projection"), cond, true, c.HiddenSize)
	condToken = InsertAxes(condToken, 1) // [batchSize, 1, HiddenSize]
	h := Add(tokens, condToken)

	attnOutput := layers.MultiHeadAttention(
		ctx.In("attention"), h, h, h, c.NumHeads, c.HiddenSize/c.NumHeads).
		SetOutputDim(c.HiddenSize).
		Done()
	attnOutput = layers.DropoutFromContext(ctx, attnOutput)
	h = Add(tokens, attnOutput)
	h = layers.LayerNormalization(ctx.In("attention_norm"), h, -1).Done()

	ffn := layers.Dense(ctx.In("ffn_hidden"), h, true, 4*c.HiddenSize)
	ffn = activations.ApplyFromContext(ctx, ffn)
	ffn = layers.Dense(ctx.In("ffn_output"), ffn, true, c.HiddenSize)
	ffn = layers.DropoutFromContext(ctx, ffn)
	h = Add(h, ffn)
	return layers.LayerNormalization(ctx.In("output_norm"), h, -1).Done()
}

// OutputProjection normalizes the mixed tokens and linearly maps them back to
// patchSize²·channels features per patch, ready for patchMerge. The projection
// is zero-initialized, so at initialization every hybrid block reduces to its
// convolutional path.
func (c *Config) OutputProjection(ctx *context.Context, tokens *Node, channels int) *Node {
	tokens = layers.LayerNormalization(ctx.In("final_norm"), tokens, -1).Done()
	projCtx := ctx.In("final_projection").WithInitializer(initializers.Zero)
	return layers.Dense(projCtx, tokens, true, c.PatchSize*c.PatchSize*channels)
}
