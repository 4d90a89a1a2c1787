package diffit

import (
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"

	_ "github.com/gomlx/gomlx/backends/default"
)

// newTestContext returns a context with a model configuration small enough
// for quick graph builds: 16x16 images, hidden size 64 and one block per
// level.
func newTestContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamImageSize:      16,
		ParamNumClasses:     10,
		ParamHiddenSize:     64,
		ParamNumHeads:       4,
		ParamNumGroups:      4,
		ParamHiddenChannels: 16,
		ParamBlocksPerLevel: []int{1, 1, 1, 1},
	})
	return ctx
}

func newTestConfig() *Config {
	return NewConfig(graphtest.BuildTestBackend(), newTestContext())
}
