package graph

import (
	"testing"

	"github.com/clgraph/clgraph/ops"
	"github.com/stretchr/testify/require"
)

func TestCalculateBFSGroupsByDepth(t *testing.T) {
	// Diamond: in -> {left, right} -> join. Both branches sit in the same
	// frontier wave and must stay adjacent in the order.
	topology := NewTopology().Add(
		inputPrim("in", 1, 16, 8, 8),
		activationPrim("left", "in"),
		activationPrim("right", "in"),
		&ops.Primitive{
			ID:      "join",
			Kind:    ops.KindEltwise,
			Inputs:  []string{"left", "right"},
			Eltwise: &ops.EltwiseParams{Mode: ops.EltwiseSum},
		},
	)
	p := buildGraphOnly(t, topology)

	order := p.order.Nodes()
	require.Len(t, order, 4)
	require.Equal(t, "in", order[0])
	require.ElementsMatch(t, []string{"left", "right"}, order[1:3])
	require.Equal(t, "join", order[3])
	require.True(t, p.order.IsCorrect(p))
}

func TestCalculateBFSIsDeterministic(t *testing.T) {
	// The first wave holds every dependency-free node in a fixed order, so
	// repeated recomputes over the map-backed node set never reshuffle.
	topology := NewTopology().Add(
		inputPrim("in", 1, 16, 8, 8),
		dataPrim("aa_weights", 16, 16, 1, 1),
		convPrim("conv", "in", "aa_weights"),
	)
	p := buildGraphOnly(t, topology)

	order := p.order.Nodes()
	require.Equal(t, []string{"aa_weights", "in", "conv"}, order)
	for i := 0; i < 5; i++ {
		p.order.CalculateBFS(p)
		require.Equal(t, order, p.order.Nodes())
	}
}

func TestProcessingOrderLocalEditsStayCorrect(t *testing.T) {
	p := buildGraphOnly(t, smallConvNet())
	require.True(t, p.order.IsCorrect(p))

	p.order.Erase("act")
	require.False(t, p.order.IsCorrect(p))
	p.order.InsertNext("conv", "act")
	require.True(t, p.order.IsCorrect(p))

	p.order.Insert("conv", "act")
	require.False(t, p.order.IsCorrect(p))
	p.order.CalculateBFS(p)
	require.True(t, p.order.IsCorrect(p))
}

func TestProcessingOrderIndex(t *testing.T) {
	p := buildGraphOnly(t, smallConvNet())
	require.Equal(t, 0, p.order.Index("in"))
	require.Equal(t, -1, p.order.Index("missing"))
	require.False(t, p.order.Contains("missing"))
}
