package diffit

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// GroupNormBuilder is a helper to build a group normalization computation.
// Create it with GroupNormalization, set the desired parameters and when all
// is set, call Done.
type GroupNormBuilder struct {
	ctx           *context.Context
	x             *Node
	numGroups     int
	epsilon       float64
	center, scale bool
}

// GroupNormalization performs a group normalization on x, which must be a
// rank-4 feature map shaped [batch, channels, height, width]. The channels are
// split into numGroups groups, and mean and variance are computed per group
// over the group's channels and the spatial dimensions. With numGroups == 1 it
// degenerates to layer normalization over channels and space; with
// numGroups == channels to instance normalization.
//
// A learned per-channel scale (initialized to 1) and offset (initialized to 0)
// are applied after normalization, controlled by GroupNormBuilder.LearnedScale
// and GroupNormBuilder.LearnedOffset.
//
// The channel count must be divisible by numGroups, otherwise Done panics with
// an error wrapping ErrConfiguration.
//
// Based on paper "Group Normalization" (Yuxin Wu, Kaiming He),
// https://arxiv.org/abs/1803.08494
func GroupNormalization(ctx *context.Context, x *Node, numGroups int) *GroupNormBuilder {
	return &GroupNormBuilder{
		ctx:       ctx.In("group_normalization"),
		x:         x,
		numGroups: numGroups,
		epsilon:   1e-5,
		center:    true,
		scale:     true,
	}
}

// Epsilon is a small float added to the variance to avoid dividing by zero.
// It defaults to 1e-5.
func (builder *GroupNormBuilder) Epsilon(value float64) *GroupNormBuilder {
	builder.epsilon = value
	return builder
}

// LearnedOffset defines whether a learned per-channel offset is added after
// normalization. It defaults to true.
func (builder *GroupNormBuilder) LearnedOffset(value bool) *GroupNormBuilder {
	builder.center = value
	return builder
}

// LearnedScale defines whether a learned per-channel scale is applied after
// normalization. It defaults to true.
func (builder *GroupNormBuilder) LearnedScale(value bool) *GroupNormBuilder {
	builder.scale = value
	return builder
}

// Done finishes configuring the GroupNormalization and generates the graph
// computation to normalize x.
func (builder *GroupNormBuilder) Done() *Node {
	ctx := builder.ctx
	x := builder.x
	g := x.Graph()

	if x.Rank() != 4 {
		panicShapef("group normalization requires a rank-4 feature map, got %s", x.Shape())
	}
	if builder.numGroups <= 0 {
		panicConfigf("group normalization requires a positive number of groups, got %d", builder.numGroups)
	}
	dims := x.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if channels%builder.numGroups != 0 {
		panicConfigf("channels (%d) must be divisible by the number of normalization groups (%d)",
			channels, builder.numGroups)
	}

	grouped := Reshape(x, batchSize, builder.numGroups, channels/builder.numGroups, height, width)
	mean := ReduceAndKeep(grouped, ReduceMean, 2, 3, 4)
	normalized := Sub(grouped, mean)
	variance := ReduceAndKeep(Square(normalized), ReduceMean, 2, 3, 4)
	normalized = Div(normalized, Sqrt(AddScalar(variance, builder.epsilon)))
	normalized = Reshape(normalized, batchSize, channels, height, width)

	varShape := shapes.Make(x.DType(), 1, channels, 1, 1)
	if builder.scale {
		scaleVar := ctx.WithInitializer(initializers.One).
			VariableWithShape("scale", varShape)
		normalized = Mul(normalized, scaleVar.ValueGraph(g))
	}
	if builder.center {
		offsetVar := ctx.WithInitializer(initializers.Zero).
			VariableWithShape("offset", varShape)
		normalized = Add(normalized, offsetVar.ValueGraph(g))
	}
	return normalized
}
