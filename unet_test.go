package diffit

import (
	"fmt"
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUNetGraphShape(t *testing.T) {
	config := newTestConfig()
	ctx := config.Context
	g := NewGraph(config.Backend, "test")

	numExamples := 5
	noisyImages := Zeros(g, shapes.Make(config.DType, numExamples, 3, config.ImageSize, config.ImageSize))
	timesteps := Zeros(g, shapes.Make(dtypes.Int32, numExamples))
	labels := Zeros(g, shapes.Make(dtypes.Int32, numExamples))
	predicted := config.UNetGraph(ctx, noisyImages, timesteps, labels)
	assert.True(t, noisyImages.Shape().Equal(predicted.Shape()),
		"predicted noise must have the same shape as the input images")
	assert.Greater(t, ctx.NumParameters(), 0, "No context parameters created!?")
	fmt.Printf("U-Net Model #params:\t%d\n", ctx.NumParameters())
}

// The head is group normalization followed by a convolution, nothing else.
// Normalization maps x and -x to opposite values (with the identity scale and
// offset it is initialized with) and any constant input to zero, so
// head(x) + head(-x) must equal twice the head of a constant input. An
// activation between the norm and the convolution would break this.
func TestHeadLinearity(t *testing.T) {
	config := newTestConfig()
	ctx := config.Context.Checked(false)
	exec := context.NewExec(config.Backend, ctx,
		func(ctx *context.Context, g *Graph) *Node {
			headCtx := ctx.In("test")
			x := MulScalar(IotaFull(g, shapes.Make(config.DType, 1, config.HiddenChannels, 4, 4)), 0.1)
			plus := config.Head(headCtx, x)
			minus := config.Head(headCtx, Neg(x))
			bias := config.Head(headCtx, OnesLike(x))
			return ReduceAllMax(Abs(Sub(Add(plus, minus), MulScalar(bias, 2))))
		})
	maxDiff := exec.Call()[0]
	assert.InDelta(t, 0, maxDiff.Value().(float32), 1e-4)
}

func TestDownsampleOddSize(t *testing.T) {
	config := newTestConfig()
	err := exceptions.TryCatch[error](func() {
		g := NewGraph(config.Backend, "odd downsample")
		x := Zeros(g, shapes.Make(config.DType, 1, config.HiddenChannels, 7, 7))
		config.Downsample(config.Context.In("test"), x)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestUNetGraphInputErrors(t *testing.T) {
	config := newTestConfig()
	g := NewGraph(config.Backend, "test")

	// Wrong spatial size.
	badImages := Zeros(g, shapes.Make(config.DType, 2, 3, 8, 8))
	timesteps := Zeros(g, shapes.Make(dtypes.Int32, 2))
	labels := Zeros(g, shapes.Make(dtypes.Int32, 2))
	assert.Panics(t, func() {
		config.UNetGraph(config.Context, badImages, timesteps, labels)
	})
}

func TestUNetDeterministicInference(t *testing.T) {
	config := newTestConfig()
	exec := context.NewExec(config.Backend, config.Context,
		func(ctx *context.Context, x, timesteps, labels *Node) *Node {
			return config.UNetGraph(ctx, x, timesteps, labels)
		})

	noisy := tensors.FromShape(shapes.Make(config.DType, 2, 3, config.ImageSize, config.ImageSize))
	timesteps := tensors.FromValue([]int32{5, 9})
	labels := tensors.FromValue([]int32{1, 2})

	first := tensors.CopyFlatData[float32](exec.Call(noisy, timesteps, labels)[0])
	second := tensors.CopyFlatData[float32](exec.Call(noisy, timesteps, labels)[0])
	require.Len(t, second, len(first))
	assert.Equal(t, first, second,
		"inference must be a pure function of the inputs and the variables")
}
