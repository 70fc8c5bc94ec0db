package ops

import (
	"testing"

	"github.com/clgraph/clgraph/layout"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	valid := &Primitive{
		ID:   "in",
		Kind: KindInput,
		Input: &InputParams{
			Layout: layout.Make(dtypes.Float32, layout.FormatBFYX, 1, 3, 8, 8),
		},
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name string
		prim *Primitive
	}{
		{"nil descriptor", nil},
		{"empty id", &Primitive{Kind: KindInput}},
		{"invalid kind", &Primitive{ID: "x", Kind: KindInvalid}},
		{"empty dependency id", &Primitive{ID: "x", Kind: KindActivation, Inputs: []string{""}}},
		{"input without layout", &Primitive{ID: "x", Kind: KindInput}},
		{"split without outputs", &Primitive{ID: "x", Kind: KindSplit, Split: &SplitParams{}}},
		{"split outputs/offsets mismatch", &Primitive{
			ID: "x", Kind: KindSplit,
			Split: &SplitParams{OutputIDs: []string{"a", "b"}, OutputOffsets: [][]int{{0, 0}}},
		}},
		{"quantize with one level", &Primitive{
			ID: "x", Kind: KindQuantize, Inputs: []string{"in"},
			Quantize: &QuantizeParams{Levels: 1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.prim.Validate())
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	prim := &Primitive{
		ID:     "conv",
		Kind:   KindConvolution,
		Inputs: []string{"in", "weights"},
		Conv:   &ConvParams{Stride: []int{2, 2}, Pad: []int{1, 1}, OutputFeatures: 16},
	}
	clone := prim.Clone()
	clone.Inputs[0] = "other"
	clone.Conv.Stride[0] = 7

	require.Equal(t, "in", prim.Inputs[0])
	require.Equal(t, 2, prim.Conv.Stride[0])
	require.NotSame(t, prim.Conv, clone.Conv)

	var nilPrim *Primitive
	require.Nil(t, nilPrim.Clone())
}

func TestKindPredicates(t *testing.T) {
	require.True(t, KindConvolution.FusionTarget())
	require.False(t, KindConvolution.FusiblePeer())
	require.True(t, KindActivation.FusiblePeer())
	require.True(t, KindData.IsDataInput())
	require.False(t, KindEltwise.IsDataInput())
	require.True(t, KindPriorBox.NeverConstant())
	require.True(t, KindPooling.SupportsOutputSizeOverride())

	require.False(t, KindInvalid.IsValid())
	require.False(t, Kind(1000).FSV16Friendly())
}

func TestActivationFusibility(t *testing.T) {
	require.True(t, ActivationReLU.FusibleIntoConvolution())
	require.True(t, ActivationSwish.FusibleIntoConvolution())
	require.False(t, ActivationMish.FusibleIntoConvolution())
	require.Equal(t, "relu", ActivationReLU.String())
}
