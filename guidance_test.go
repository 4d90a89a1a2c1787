package diffit

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenoiser(t *testing.T) {
	config := newTestConfig()
	denoiser := config.NewDenoiser(4.0)

	numImages := 2
	noisy := config.GenerateNoise(numImages)
	require.NoError(t, noisy.Shape().CheckDims(numImages, 3, config.ImageSize, config.ImageSize))

	predicted, err := denoiser.Denoise(noisy, []int32{10, 20}, []int32{3, 4})
	require.NoError(t, err)
	assert.True(t, noisy.Shape().Equal(predicted.Shape()),
		"the blended noise prediction must have the same shape as the input images")
}

func TestGuidedDenoiseGraphShape(t *testing.T) {
	config := newTestConfig()
	g := NewGraph(config.Backend, "guided denoise")

	noisy := Zeros(g, shapes.Make(config.DType, 2, 3, config.ImageSize, config.ImageSize))
	timesteps := Zeros(g, shapes.Make(dtypes.Int32, 2))
	labels := Zeros(g, shapes.Make(dtypes.Int32, 2))
	guided := config.GuidedDenoiseGraph(config.Context, noisy, timesteps, labels, 4.0)
	require.NoError(t, guided.Shape().CheckDims(4, 3, config.ImageSize, config.ImageSize))
}

func TestDenoiserInputErrors(t *testing.T) {
	config := newTestConfig()
	denoiser := config.NewDenoiser(4.0)
	noisy := config.GenerateNoise(2)

	// The null label is a valid input: it asks for an unconditional
	// prediction.
	_, err := denoiser.Denoise(noisy, []int32{1, 1}, []int32{0, config.NullLabel()})
	require.NoError(t, err)

	// Labels outside [0, NumClasses] are not.
	_, err = denoiser.Denoise(noisy, []int32{1, 1}, []int32{-1, 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValueDomain)

	_, err = denoiser.Denoise(noisy, []int32{1, 1}, []int32{0, config.NullLabel() + 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValueDomain)

	_, err = denoiser.Denoise(noisy, []int32{1}, []int32{0, 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

// With guidance scale 1 the unconditional prediction cancels out and the
// guided output must equal the plain conditional prediction.
func TestGuidanceScaleOneIsConditional(t *testing.T) {
	config := newTestConfig()
	ctx := config.Context.Checked(false)
	exec := context.NewExec(config.Backend, ctx,
		func(ctx *context.Context, g *Graph) *Node {
			x := MulScalar(IotaFull(g, shapes.Make(config.DType, 2, 3, config.ImageSize, config.ImageSize)), 1e-3)
			timesteps := Const(g, []int32{3, 7})
			labels := Const(g, []int32{1, 2})
			guided := config.GuidedDenoiseGraph(ctx, x, timesteps, labels, 1.0)
			plain := config.UNetGraph(ctx, x, timesteps, labels)
			conditionalHalf := Slice(guided, AxisRange(0, 2))
			return ReduceAllMax(Abs(Sub(conditionalHalf, plain)))
		})
	maxDiff := exec.Call()[0]
	assert.InDelta(t, 0, maxDiff.Value().(float32), 1e-5)
}
