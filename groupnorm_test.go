package diffit

import (
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupNormalization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	// A constant input has zero variance within every group: after
	// normalization (and the identity-initialized scale and offset) the
	// output must be all zeros.
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, shapes.Make(dtypes.Float32, 2, 8, 4, 4))
		return GroupNormalization(ctx, x, 4).Done()
	})
	got := exec.Call()[0]
	require.NoError(t, got.Shape().CheckDims(2, 8, 4, 4))
	for _, value := range tensors.CopyFlatData[float32](got) {
		assert.InDelta(t, 0, value, 1e-6)
	}

	// One learned scale and one learned offset, per channel.
	assert.Equal(t, 2, ctx.NumVariables())
	assert.Equal(t, 16, ctx.NumParameters())
}

func TestGroupNormalizationErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	err := exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "indivisible groups")
		GroupNormalization(ctx, Zeros(g, shapes.Make(dtypes.Float32, 1, 8, 4, 4)), 3).Done()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)

	err = exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "bad rank")
		GroupNormalization(ctx, Zeros(g, shapes.Make(dtypes.Float32, 8, 4)), 2).Done()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
