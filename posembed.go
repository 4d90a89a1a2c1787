package diffit

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// positionTable2D builds the fixed 2D sin-cos position table for a
// gridSide×gridSide patch grid, shaped [1, gridSide², hiddenSize].
//
// Half of the embedding encodes the patch row, half the patch column; each
// half is the standard transformer encoding sin(pos·ωᵢ)‖cos(pos·ωᵢ) with
// ωᵢ = 10000^(-i/(hiddenSize/4)). The table is a pure function of the sizes:
// it contains no variables and is identical on every graph build, so it acts
// as a frozen, construction-time buffer.
func positionTable2D(g *Graph, dtype dtypes.DType, hiddenSize, gridSide int) *Node {
	if hiddenSize%4 != 0 {
		panicConfigf("position table requires a hidden size divisible by 4, got %d", hiddenSize)
	}
	if gridSide < 1 {
		panicShapef("position table requires a positive patch grid, got side %d", gridSide)
	}
	quarter := hiddenSize / 4
	half := hiddenSize / 2

	omega := IotaFull(g, shapes.Make(dtype, quarter))
	omega = Exp(MulScalar(omega, -math.Log(10_000.0)/float64(quarter)))
	omega = InsertAxes(omega, 0) // [1, quarter]

	positions := IotaFull(g, shapes.Make(dtype, gridSide))
	positions = InsertAxes(positions, -1) // [gridSide, 1]

	angles := Mul(positions, omega) // [gridSide, quarter]
	axisEmbed := Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
	axisEmbed.AssertDims(gridSide, half)

	// Rows vary along the grid height, columns along the width.
	rowEmbed := BroadcastToDims(InsertAxes(axisEmbed, 1), gridSide, gridSide, half)
	colEmbed := BroadcastToDims(InsertAxes(axisEmbed, 0), gridSide, gridSide, half)
	table := Concatenate([]*Node{rowEmbed, colEmbed}, -1)
	return Reshape(table, 1, gridSide*gridSide, hiddenSize)
}
