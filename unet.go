package diffit

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	timages "github.com/gomlx/gomlx/types/tensors/images"
)

// Tokenizer lifts the input images, shaped [batchSize, InputChannels, size,
// size], to HiddenChannels feature maps with a 3x3 convolution.
func (c *Config) Tokenizer(ctx *context.Context, x *Node) *Node {
	return layers.Convolution(ctx.In("tokenizer"), x).
		ChannelsAxis(timages.ChannelsFirst).
		Filters(c.HiddenChannels).
		KernelSize(3).
		PadSame().
		Done()
}

// Head maps the final feature maps back to InputChannels: group norm followed
// by a 3x3 convolution, with no activation in between.
func (c *Config) Head(ctx *context.Context, x *Node) *Node {
	ctx = ctx.In("head")
	x = GroupNormalization(ctx.In("norm"), x, c.NumGroups).Done()
	return layers.Convolution(ctx.In("conv"), x).
		ChannelsAxis(timages.ChannelsFirst).
		Filters(c.InputChannels).
		KernelSize(3).
		PadSame().
		Done()
}

// Downsample halves the spatial size with a strided 3x3 convolution,
// preserving the channel count. The spatial size must be even.
func (c *Config) Downsample(ctx *context.Context, x *Node) *Node {
	size := x.Shape().Dimensions[2]
	if size%2 != 0 {
		panicShapef("cannot halve an odd spatial size, got %s", x.Shape())
	}
	return layers.Convolution(ctx.In("downsample"), x).
		ChannelsAxis(timages.ChannelsFirst).
		Filters(x.Shape().Dimensions[1]).
		KernelSize(3).
		PadSame().
		Strides(2).
		Done()
}

// Upsample doubles the spatial size with a transposed convolution (kernel 4,
// stride 2, padding 1), preserving the channel count. It is expressed as a
// regular convolution over the input dilated with zeros.
func (c *Config) Upsample(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	ctx = ctx.In("upsample")
	channels := x.Shape().Dimensions[1]

	kernelVar := ctx.VariableWithShape("weights",
		shapes.Make(x.DType(), channels, 4, 4, channels))
	x = Convolve(x, kernelVar.ValueGraph(g)).
		ChannelsAxis(timages.ChannelsFirst).
		PaddingPerDim([][2]int{{2, 2}, {2, 2}}).
		InputDilationPerDim(2, 2).
		Done()

	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(x.DType(), channels))
	bias := Reshape(biasVar.ValueGraph(g), 1, channels, 1, 1)
	return Add(x, bias)
}

// skipAdd merges an encoder skip connection into the upsampled decoder
// features by element-wise addition.
func skipAdd(skip, up *Node) *Node {
	if !skip.Shape().Equal(up.Shape()) {
		panicShapef("skip connection %s does not match upsampled features %s",
			skip.Shape(), up.Shape())
	}
	return Add(skip, up)
}

// UNetGraph builds the full denoising network. Inputs:
//
//   - x: noisy images, shaped [batchSize, InputChannels, ImageSize, ImageSize].
//   - t: diffusion timesteps, shaped [batchSize], any integer or float dtype.
//   - y: class labels, shaped [batchSize] int32, in [0, NumClasses] where
//     NumClasses is the null label. The graph uses labels as embedding-table
//     indices without range checks; host-side validation happens in
//     Denoiser.Denoise.
//
// It returns the predicted noise with the same shape as x.
//
// The encoder runs BlocksPerLevel[i] hybrid blocks at each of the four
// resolution levels, halving the spatial size between levels; the decoder
// mirrors it, adding the encoder features of each level back in after
// upsampling. The same conditioning vector is fed to every block. The
// outermost level normalizes with a single group, since its full-resolution
// statistics are already stable; inner levels use NumGroups.
func (c *Config) UNetGraph(ctx *context.Context, x, t, y *Node) *Node {
	ctx = ctx.In(ModelScope).WithInitializer(initializers.XavierNormalFn(ctx))
	batchSize := x.Shape().Dimensions[0]
	if x.Rank() != 4 || x.Shape().Dimensions[1] != c.InputChannels ||
		x.Shape().Dimensions[2] != c.ImageSize || x.Shape().Dimensions[3] != c.ImageSize {
		panicShapef("input images must be shaped [batch, %d, %d, %d], got %s",
			c.InputChannels, c.ImageSize, c.ImageSize, x.Shape())
	}
	t.AssertDims(batchSize)
	y.AssertDims(batchSize)

	cond := c.ConditioningVector(ctx.In("conditioning"), t, y)

	// Each numbered scope holds the variables of one stage.
	var stage int
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d-%s", stage, name)
		stage++
		return newCtx
	}

	x = c.Tokenizer(nextCtx("tokenizer"), x)
	x1 := c.BlockStack(nextCtx("encoder1"), x, cond, c.BlocksPerLevel[0], 1)
	x = c.Downsample(nextCtx("down1"), x1)
	x2 := c.BlockStack(nextCtx("encoder2"), x, cond, c.BlocksPerLevel[1], c.NumGroups)
	x = c.Downsample(nextCtx("down2"), x2)
	x3 := c.BlockStack(nextCtx("encoder3"), x, cond, c.BlocksPerLevel[2], c.NumGroups)
	x = c.Downsample(nextCtx("down3"), x3)

	x = c.BlockStack(nextCtx("bottleneck"), x, cond, c.BlocksPerLevel[3], c.NumGroups)

	x = skipAdd(x3, c.Upsample(nextCtx("up3"), x))
	x = c.BlockStack(nextCtx("decoder3"), x, cond, c.BlocksPerLevel[2], c.NumGroups)
	x = skipAdd(x2, c.Upsample(nextCtx("up2"), x))
	x = c.BlockStack(nextCtx("decoder2"), x, cond, c.BlocksPerLevel[1], c.NumGroups)
	x = skipAdd(x1, c.Upsample(nextCtx("up1"), x))
	x = c.BlockStack(nextCtx("decoder1"), x, cond, c.BlocksPerLevel[0], 1)

	return c.Head(nextCtx("head"), x)
}
