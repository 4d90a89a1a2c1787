package diffit

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// TimestepEmbedding maps the diffusion timesteps t, shaped [batchSize] (any
// integer or float dtype), to a conditioning vector shaped
// [batchSize, HiddenSize].
//
// The timestep is first encoded with sines and cosines over geometrically
// spaced frequencies -- this lets the network easily resolve both coarse and
// fine timestep ranges -- and then refined by a two-layer MLP.
func (c *Config) TimestepEmbedding(ctx *context.Context, t *Node) *Node {
	g := t.Graph()
	batchSize := t.Shape().Dimensions[0]
	t = ConvertDType(t, c.DType)
	t = InsertAxes(t, -1) // [batchSize, 1]

	// Geometrically spaced frequencies: half the embedding for sines, half for
	// cosines.
	halfEmbed := c.HiddenSize / 2
	logMinFreq := math.Log(context.GetParamOr(ctx, ParamSinusoidalMinFreq, 1.0))
	logMaxFreq := math.Log(context.GetParamOr(ctx, ParamSinusoidalMaxFreq, 10_000.0))
	frequencies := IotaFull(g, shapes.Make(c.DType, halfEmbed))
	frequencies = AddScalar(
		MulScalar(frequencies, -(logMaxFreq-logMinFreq)/float64(halfEmbed-1)),
		logMaxFreq)
	frequencies = Exp(frequencies)
	frequencies = InsertAxes(frequencies, 0) // [1, halfEmbed]

	angles := Mul(frequencies, t) // [batchSize, halfEmbed]
	embed := Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
	embed.AssertDims(batchSize, c.HiddenSize)

	mlpCtx := ctx.In("timestep_embedding").
		WithInitializer(initializers.RandomNormalFn(ctx, 0.02))
	embed = layers.Dense(mlpCtx.In("hidden"), embed, true, c.HiddenSize)
	embed = activations.Swish(embed)
	embed = layers.Dense(mlpCtx.In("output"), embed, true, c.HiddenSize)
	return embed
}

// LabelEmbedding maps class labels y, shaped [batchSize] int32, to vectors
// shaped [batchSize, HiddenSize] through a learned table of NumClasses+1 rows.
// The last row is the null ("no class") token, see Config.NullLabel.
//
// While the context is set to training, each label is independently remapped
// to the null token with probability ClassDropout, which trains the
// unconditional branch used by classifier-free guidance. During inference
// labels pass through unchanged -- the guidance path supplies the null token
// explicitly.
func (c *Config) LabelEmbedding(ctx *context.Context, y *Node) *Node {
	g := y.Graph()
	batchSize := y.Shape().Dimensions[0]
	y.AssertDims(batchSize)

	if c.ClassDropout > 0 && ctx.IsTraining(g) {
		dropped := ctx.RandomBernoulli(
			Const(g, c.ClassDropout), shapes.Make(dtypes.Bool, batchSize))
		nulls := BroadcastToDims(Const(g, c.NullLabel()), batchSize)
		y = Where(dropped, nulls, y)
	}

	embedCtx := ctx.In("label_embedding").
		WithInitializer(initializers.RandomNormalFn(ctx, 0.02))
	return layers.Embedding(embedCtx, y, c.DType, c.NumClasses+1, c.HiddenSize)
}

// ConditioningVector combines the timestep and label embeddings into the
// single vector, shaped [batchSize, HiddenSize], that is threaded unchanged
// into every residual block of the U-Net.
func (c *Config) ConditioningVector(ctx *context.Context, t, y *Node) *Node {
	return Add(c.TimestepEmbedding(ctx, t), c.LabelEmbedding(ctx, y))
}
