package graph

import (
	"testing"

	"github.com/clgraph/clgraph/ops"
	"github.com/stretchr/testify/require"
)

func TestFuseNodesReparentsPeerDependencies(t *testing.T) {
	topology := NewTopology().Add(
		inputPrim("in", 1, 3, 8, 8),
		dataPrim("weights", 16, 3, 1, 1),
		convPrim("conv", "in", "weights"),
		dataPrim("addend", 1, 16, 8, 8),
		&ops.Primitive{
			ID:      "sum",
			Kind:    ops.KindEltwise,
			Inputs:  []string{"conv", "addend"},
			Eltwise: &ops.EltwiseParams{Mode: ops.EltwiseSum},
		},
	)
	p := buildGraphOnly(t, topology)
	conv, err := p.Node("conv")
	require.NoError(t, err)
	sum, err := p.Node("sum")
	require.NoError(t, err)
	sum.isOutput = false
	p.fixOutputsList()

	require.NoError(t, p.FuseNodes(conv, sum))
	require.True(t, p.RemoveIfDangling(sum))

	// The peer's other dependency moved onto the target with its slot
	// recorded.
	require.Equal(t, []string{"in", "weights", "addend"}, conv.Dependencies())
	fused := conv.FusedPrimitives()
	require.Len(t, fused, 1)
	require.Equal(t, "sum", fused[0].Desc.ID)
	require.Equal(t, []FusedDep{{ID: "addend", Slot: 1}}, fused[0].Deps)
	require.Equal(t, 2, fused[0].DepStartIdx)
	requireEdgeSymmetry(t, p)
}

func TestFuseNodesPreconditions(t *testing.T) {
	p := buildGraphOnly(t, smallConvNet())
	conv, err := p.Node("conv")
	require.NoError(t, err)
	act, err := p.Node("act")
	require.NoError(t, err)

	// The peer must consume the target, not the other way around.
	err = p.FuseNodes(act, conv)
	require.ErrorIs(t, err, ErrStructuralPrecondition)
}

func TestFusionProvenanceIsTransitive(t *testing.T) {
	// a <- b <- c: fusing c into b, then b into a, must keep c recoverable
	// from a's fused list.
	topology := NewTopology().Add(
		inputPrim("in", 1, 3, 8, 8),
		dataPrim("wa", 16, 3, 1, 1),
		convPrim("a", "in", "wa"),
		activationPrim("b", "a"),
		activationPrim("c", "b"),
	)
	p := buildGraphOnly(t, topology)
	a, _ := p.Node("a")
	b, _ := p.Node("b")
	c, _ := p.Node("c")
	c.isOutput = false
	p.fixOutputsList()

	require.NoError(t, p.FuseNodes(b, c))
	require.True(t, p.RemoveIfDangling(c))
	require.NoError(t, p.FuseNodes(a, b))
	require.True(t, p.RemoveIfDangling(b))

	fused := a.FusedPrimitives()
	require.Len(t, fused, 2)
	require.Equal(t, "b", fused[0].Desc.ID)
	require.Equal(t, "c", fused[1].Desc.ID)

	// The ledger resolves both through the chain to the live target.
	require.Equal(t, []string{"a"}, p.OptimizedOutReplacement("c"))
	require.Equal(t, []string{"a"}, p.OptimizedOutReplacement("b"))
}

func TestFusingHistoryRecordsSlot(t *testing.T) {
	// conv <- act <- sum: after act fuses into conv, sum consumes conv in
	// act's place; fusing sum next must record that it used to read act.
	topology := NewTopology().Add(
		inputPrim("in", 1, 3, 8, 8),
		dataPrim("weights", 16, 3, 1, 1),
		convPrim("conv", "in", "weights"),
		activationPrim("act", "conv"),
		dataPrim("addend", 1, 16, 8, 8),
		&ops.Primitive{
			ID:      "sum",
			Kind:    ops.KindEltwise,
			Inputs:  []string{"act", "addend"},
			Eltwise: &ops.EltwiseParams{Mode: ops.EltwiseSum},
		},
	)
	p := buildGraphOnly(t, topology)
	conv, _ := p.Node("conv")
	act, _ := p.Node("act")
	sum, _ := p.Node("sum")
	sum.isOutput = false
	p.fixOutputsList()

	require.NoError(t, p.FuseNodes(conv, act))
	p.RemoveIfDangling(act)
	require.NoError(t, p.FuseNodes(conv, sum))
	p.RemoveIfDangling(sum)

	fused := conv.FusedPrimitives()
	require.Len(t, fused, 2)
	require.Equal(t, "sum", fused[1].Desc.ID)
	require.Equal(t, map[string]int{"act": 0}, fused[1].FusedDeps)
}

func TestCanDropQuantizeInput(t *testing.T) {
	base := func() *ops.QuantizeParams {
		return &ops.QuantizeParams{
			Levels:        256,
			ScaleShiftOpt: true,
			NeedClamp:     true,
			NeedPreShift:  true,
			NeedPostScale: true,
			NeedPostShift: true,
		}
	}

	t.Run("disabled without scale-shift form", func(t *testing.T) {
		q := base()
		q.ScaleShiftOpt = false
		for slot := 1; slot <= 8; slot++ {
			require.False(t, canDropQuantizeInput(q, slot))
		}
	})

	t.Run("output range always droppable", func(t *testing.T) {
		q := base()
		require.True(t, canDropQuantizeInput(q, 3))
		require.True(t, canDropQuantizeInput(q, 4))
	})

	t.Run("input range kept while clamping without per-tensor output", func(t *testing.T) {
		q := base()
		require.False(t, canDropQuantizeInput(q, 1))
		require.False(t, canDropQuantizeInput(q, 2))

		q.NeedClamp = false
		require.True(t, canDropQuantizeInput(q, 1))

		q = base()
		q.PerTensorOutputRange = true
		q.OutLo, q.OutHi = 0, 255
		require.True(t, canDropQuantizeInput(q, 1))
		require.True(t, canDropQuantizeInput(q, 2))
	})

	t.Run("scale and shift slots follow per-tensor flags", func(t *testing.T) {
		q := base()
		require.False(t, canDropQuantizeInput(q, 5))
		q.PerTensorInputScale = true
		require.True(t, canDropQuantizeInput(q, 5))

		require.False(t, canDropQuantizeInput(q, 6))
		q.NeedPreShift = false
		require.True(t, canDropQuantizeInput(q, 6))

		q = base()
		q.PerTensorOutputScale = true
		require.True(t, canDropQuantizeInput(q, 7))
		require.False(t, canDropQuantizeInput(q, 8))
		q.NeedPostShift = false
		require.True(t, canDropQuantizeInput(q, 8))
	})

	t.Run("data slot never dropped", func(t *testing.T) {
		require.False(t, canDropQuantizeInput(base(), 0))
	})
}
