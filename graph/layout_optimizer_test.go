package graph

import (
	"testing"

	"github.com/clgraph/clgraph/layout"
	"github.com/clgraph/clgraph/ops"
	"github.com/stretchr/testify/require"
)

// scanned runs the node marking and the layout scan without the rest of the
// pipeline, so counter assertions see exactly the constructed topology.
func scanned(t *testing.T, p *Program) *layoutOptimizer {
	t.Helper()
	require.NoError(t, p.markNodes())
	lo := newLayoutOptimizer(p)
	require.NoError(t, lo.scan())
	return lo
}

func TestConv1x1CountsInputFeatureMap(t *testing.T) {
	// Unit-kernel convolutions over large feature maps are not 1x1: the
	// counter tracks the spatial extent of the input, not of the weights.
	lo := scanned(t, buildGraphOnly(t, convChain(12)))
	require.Equal(t, 12, lo.totalConvs)
	require.Equal(t, 0, lo.conv1x1)
	require.True(t, lo.shouldUseFsv32())

	// A convolution reading a 1x1 feature map does count.
	topology := NewTopology().Add(
		inputPrim("in", 1, 16, 1, 1),
		dataPrim("weights", 16, 16, 1, 1),
		convPrim("conv", "in", "weights"),
	)
	lo = scanned(t, buildGraphOnly(t, topology))
	require.Equal(t, 1, lo.conv1x1)
}

func TestMVNDisqualifiesChannelBlockedFormat(t *testing.T) {
	topology := convChain(12)
	topology.Add(&ops.Primitive{
		ID:     "norm",
		Kind:   ops.KindMVN,
		Inputs: []string{"conv11"},
		MVN:    &ops.MVNParams{},
	})
	p := buildGraphOnly(t, topology)
	p.engine.(*fakeEngine).selector.optimizedFormats =
		map[layout.Format]bool{layout.FormatBFsYXFsv16: true}

	lo := scanned(t, p)
	require.False(t, lo.canUseFsv16)
	require.False(t, lo.shouldUseFsv16())
}

func TestBinaryConvolutionsNotCounted(t *testing.T) {
	topology := convChain(12)
	topology.Add(&ops.Primitive{
		ID:     "conv5",
		Kind:   ops.KindBinaryConvolution,
		Inputs: []string{"conv4", "weights5"},
		Conv:   &ops.ConvParams{Stride: []int{1, 1}, OutputFeatures: 16},
	})
	p := buildGraphOnly(t, topology)
	p.engine.(*fakeEngine).selector.optimizedFormats =
		map[layout.Format]bool{layout.FormatBFsYXFsv16: true}

	lo := scanned(t, p)
	require.Equal(t, 11, lo.totalConvs)
	require.False(t, lo.shouldUseFsv16())
}
