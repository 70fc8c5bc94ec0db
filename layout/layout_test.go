package layout

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	l := Make(dtypes.Float32, FormatBFYX, 1, 16, 32, 32)
	require.True(t, l.Ok())
	require.Equal(t, 1, l.Batch())
	require.Equal(t, 16, l.Feature())
	require.Equal(t, []int{32, 32}, l.Spatial())
	require.Equal(t, 1*16*32*32, l.Count())
	require.Equal(t, "(Float32)[1 16 32 32]@bfyx", l.String())

	require.Panics(t, func() { Make(dtypes.Float32, FormatBFYX, 1, 0, 32, 32) })
}

func TestInvalid(t *testing.T) {
	require.False(t, Invalid().Ok())
	require.Equal(t, int64(0), Invalid().BytesCount())
	require.Equal(t, "(invalid layout)", Invalid().String())
}

func TestBytesCountIncludesPadding(t *testing.T) {
	l := Make(dtypes.Float32, FormatBFYX, 1, 16, 8, 8)
	require.Equal(t, int64(1*16*8*8*4), l.BytesCount())

	padded := l.WithPadding(MakePadding([]int{0, 0, 1, 1}, []int{0, 0, 1, 1}))
	require.Equal(t, int64(1*16*10*10*4), padded.BytesCount())
	// The logical element count ignores padding.
	require.Equal(t, l.Count(), padded.Count())
}

func TestCloneIsDeep(t *testing.T) {
	l := Make(dtypes.Float32, FormatBFYX, 1, 16, 8, 8)
	c := l.Clone()
	c.Dims[0] = 4
	require.Equal(t, 1, l.Batch())
	require.True(t, l.Equal(l.Clone()))
	require.False(t, l.Equal(c))
}

func TestCompatible(t *testing.T) {
	a := Make(dtypes.Float32, FormatBFYX, 1, 16, 8, 8)
	b := Make(dtypes.Float32, FormatBYXF, 1, 8, 8, 16)
	require.True(t, a.Compatible(b))
	require.False(t, a.Equal(b))
	require.False(t, a.Compatible(Make(dtypes.Float16, FormatBFYX, 1, 16, 8, 8)))
}

func TestPaddingMax(t *testing.T) {
	a := MakePadding([]int{0, 0, 1, 0}, []int{0, 0, 1, 0})
	b := MakePadding([]int{0, 0, 0, 2}, []int{0, 0, 0, 2})
	m := Max(a, b)
	require.Equal(t, []int{0, 0, 1, 2}, m.Lower)
	require.Equal(t, []int{0, 0, 1, 2}, m.Upper)

	// Ranks may differ; missing axes count as zero.
	require.True(t, Max(a, Padding{}).Equal(a))
	require.True(t, Padding{}.Equal(MakePadding([]int{0, 0}, []int{0, 0})))
}

func TestPaddingIsZero(t *testing.T) {
	require.True(t, Padding{}.IsZero())
	require.True(t, MakePadding([]int{0, 0}, []int{0, 0}).IsZero())
	require.False(t, MakePadding([]int{0, 1}, []int{0, 0}).IsZero())
	require.Panics(t, func() { MakePadding([]int{1}, []int{-1}) })
}

func TestFormatProperties(t *testing.T) {
	require.True(t, FormatBFsYXFsv16.Blocked())
	require.False(t, FormatBFYX.Blocked())
	require.Equal(t, 2, FormatBFYX.SpatialRank())
	require.Equal(t, 3, FormatBFsZYXFsv16.SpatialRank())
	require.Equal(t, "b_fs_yx_fsv16", FormatBFsYXFsv16.String())
}
