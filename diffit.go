// Package diffit implements DiffiT, a conditional image-denoising network that
// combines convolutional feature extraction with self-attention over patch
// tokens, arranged as a four-level U-Net with additive skip connections.
//
// The network is meant to be used inside a diffusion-based image generator:
// given a batch of noisy images, their diffusion timesteps and class labels, it
// predicts the noise component to remove. Classifier-free guidance is provided
// by Config.GuidedDenoiseGraph and the Denoiser wrapper.
//
// Models are built the GoMLX way: Config methods are graph-building functions
// over a *context.Context (variables and hyperparameters) and *graph.Node
// values. Hyperparameters are read from the context, see CreateDefaultContext.
//
// Based on "DiffiT: Diffusion Vision Transformers for Image Generation"
// (Hatamizadeh et al.), https://arxiv.org/pdf/2312.02139
package diffit

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Hyperparameter names read by NewConfig. They can be set in the context with
// Context.SetParams or overridden from the command line (see the demo binary).
const (
	// ParamImageSize is the spatial size of the (square) model inputs. It must
	// be divisible by 8, since the U-Net halves it three times.
	ParamImageSize = "image_size"

	// ParamPatchSize is the side of the square patches the feature maps are
	// split into before token mixing.
	ParamPatchSize = "diffit_patch_size"

	// ParamNumClasses is the number of valid class labels. The label equal to
	// the number of classes is reserved as the "no class" (null) token.
	ParamNumClasses = "diffit_num_classes"

	// ParamClassDropout is the probability of replacing a label with the null
	// token during training, which trains the unconditional branch used by
	// classifier-free guidance.
	ParamClassDropout = "diffit_class_dropout"

	// ParamHiddenSize is the width of the token embeddings and of the
	// conditioning vector. It must be divisible by ParamNumHeads and by 4.
	ParamHiddenSize = "diffit_hidden_size"

	// ParamNumHeads is the number of attention heads in the token mixer.
	ParamNumHeads = "diffit_num_heads"

	// ParamNumGroups is the group count for group normalization on the inner
	// U-Net levels. The outermost level always uses a single group.
	ParamNumGroups = "diffit_num_groups"

	// ParamInputChannels is the number of channels of the input images.
	ParamInputChannels = "diffit_input_channels"

	// ParamHiddenChannels is the channel count of the feature maps at every
	// resolution level. It must be divisible by ParamNumGroups.
	ParamHiddenChannels = "diffit_hidden_channels"

	// ParamBlocksPerLevel is the number of hybrid residual blocks on each of
	// the four resolution levels (outermost first). Decoder levels mirror the
	// encoder counts.
	ParamBlocksPerLevel = "diffit_blocks_per_level"

	// ParamSinusoidalMinFreq and ParamSinusoidalMaxFreq bound the geometric
	// frequency range of the timestep embedding.
	ParamSinusoidalMinFreq = "diffit_sinusoidal_min_freq"
	ParamSinusoidalMaxFreq = "diffit_sinusoidal_max_freq"
)

// ModelScope is the context scope under which all model variables live.
const ModelScope = "diffit"

// numLevels is the number of U-Net resolution levels (full, half, quarter,
// eighth of the base spatial size).
const numLevels = 4

// guidedChannels is the number of leading output channels affected by
// classifier-free guidance; any remaining channels pass through untouched.
const guidedChannels = 3

// CreateDefaultContext returns a context with the default hyperparameters for
// the model: the DiffiT ImageNet configuration (patch 2, hidden size 1152,
// 16 heads, 128 hidden channels, 4 blocks per level).
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamImageSize:      64,
		"dtype":             "float32",
		ParamPatchSize:      2,
		ParamNumClasses:     1000,
		ParamClassDropout:   0.1,
		ParamHiddenSize:     1152,
		ParamNumHeads:       16,
		ParamNumGroups:      8,
		ParamInputChannels:  3,
		ParamHiddenChannels: 128,
		ParamBlocksPerLevel: []int{4, 4, 4, 4},

		ParamSinusoidalMinFreq: 1.0,
		ParamSinusoidalMaxFreq: 10_000.0,

		activations.ParamActivation: "swish",
		layers.ParamDropoutRate:     0.0,
	})
	return ctx
}

// Config holds the validated model configuration and the execution backend.
// Create it with NewConfig; its methods build the model graphs.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	DType dtypes.DType

	// ImageSize of the (square) inputs at the outermost level. Inner levels
	// use ImageSize/2, /4 and /8.
	ImageSize int

	// PatchSize of the square patches used to tokenize feature maps.
	PatchSize int

	// NumClasses of valid labels; NumClasses itself is the null label.
	NumClasses   int
	ClassDropout float64

	HiddenSize     int
	NumHeads       int
	NumGroups      int
	InputChannels  int
	HiddenChannels int

	// BlocksPerLevel is the number of hybrid residual blocks per resolution
	// level, outermost first. len(BlocksPerLevel) == 4.
	BlocksPerLevel []int
}

// NewConfig reads the hyperparameters from ctx (see CreateDefaultContext for
// the defaults) and validates them. It panics with an error wrapping
// ErrConfiguration or ErrShapeMismatch if any invariant is violated, so an
// invalid model can never be constructed.
func NewConfig(backend backends.Backend, ctx *context.Context) *Config {
	dtype := must.M1(dtypes.DTypeString(
		context.GetParamOr(ctx, "dtype", "float32")))
	cfg := &Config{
		Backend:        backend,
		Context:        ctx,
		DType:          dtype,
		ImageSize:      context.GetParamOr(ctx, ParamImageSize, 64),
		PatchSize:      context.GetParamOr(ctx, ParamPatchSize, 2),
		NumClasses:     context.GetParamOr(ctx, ParamNumClasses, 1000),
		ClassDropout:   context.GetParamOr(ctx, ParamClassDropout, 0.1),
		HiddenSize:     context.GetParamOr(ctx, ParamHiddenSize, 1152),
		NumHeads:       context.GetParamOr(ctx, ParamNumHeads, 16),
		NumGroups:      context.GetParamOr(ctx, ParamNumGroups, 8),
		InputChannels:  context.GetParamOr(ctx, ParamInputChannels, 3),
		HiddenChannels: context.GetParamOr(ctx, ParamHiddenChannels, 128),
		BlocksPerLevel: context.GetParamOr(ctx, ParamBlocksPerLevel, []int{4, 4, 4, 4}),
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks the configuration invariants. Divisibility and range
// violations return an error wrapping ErrConfiguration; image sizes that
// cannot flow through the U-Net's resolution levels return an error wrapping
// ErrShapeMismatch.
func (c *Config) Validate() error {
	if c.HiddenSize <= 0 || c.NumHeads <= 0 || c.HiddenSize%c.NumHeads != 0 {
		return errors.Wrapf(ErrConfiguration,
			"hidden size (%d) must be positive and divisible by the number of attention heads (%d)",
			c.HiddenSize, c.NumHeads)
	}
	if c.HiddenSize%4 != 0 {
		return errors.Wrapf(ErrConfiguration,
			"hidden size (%d) must be divisible by 4: the 2D sin-cos position table splits it into sine/cosine quarters per axis",
			c.HiddenSize)
	}
	if c.NumGroups <= 0 || c.HiddenChannels <= 0 || c.HiddenChannels%c.NumGroups != 0 {
		return errors.Wrapf(ErrConfiguration,
			"hidden channels (%d) must be positive and divisible by the number of normalization groups (%d)",
			c.HiddenChannels, c.NumGroups)
	}
	if c.PatchSize < 1 {
		return errors.Wrapf(ErrConfiguration, "patch size (%d) must be >= 1", c.PatchSize)
	}
	if c.NumClasses < 1 {
		return errors.Wrapf(ErrConfiguration, "number of classes (%d) must be >= 1", c.NumClasses)
	}
	if c.InputChannels < 1 {
		return errors.Wrapf(ErrConfiguration, "input channels (%d) must be >= 1", c.InputChannels)
	}
	if c.ClassDropout < 0 || c.ClassDropout > 1 {
		return errors.Wrapf(ErrConfiguration,
			"class dropout probability (%g) must be in [0, 1]", c.ClassDropout)
	}
	if len(c.BlocksPerLevel) != numLevels {
		return errors.Wrapf(ErrConfiguration,
			"blocks per level must list exactly %d levels, got %v", numLevels, c.BlocksPerLevel)
	}
	for level, numBlocks := range c.BlocksPerLevel {
		if numBlocks < 1 {
			return errors.Wrapf(ErrConfiguration,
				"level %d must have at least one block, got %d", level+1, numBlocks)
		}
	}
	if c.ImageSize <= 0 || c.ImageSize%8 != 0 {
		return errors.Wrapf(ErrShapeMismatch,
			"image size (%d) must be positive and divisible by 8, it is halved at each of the 3 downsampling steps",
			c.ImageSize)
	}
	if (c.ImageSize/8)%c.PatchSize != 0 {
		return errors.Wrapf(ErrShapeMismatch,
			"innermost spatial size (%d) is not divisible by the patch size (%d)",
			c.ImageSize/8, c.PatchSize)
	}
	return nil
}

// NullLabel is the reserved label index meaning "no conditioning class". It is
// one past the valid label range.
func (c *Config) NullLabel() int32 {
	return int32(c.NumClasses)
}
