// Package layout defines the memory arrangement of a node's output tensor: the
// Format (blocking and axis ordering), the element DType, the logical dimensions
// and the Padding around the data.
//
// DType is the one from github.com/gomlx/gopjrt/dtypes.
package layout

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Layout describes the resolved output of one graph node: element type, concrete
// memory format, logical dimensions (batch, feature, spatial...) and padding.
type Layout struct {
	DType       dtypes.DType
	Format      Format
	Dims        []int
	DataPadding Padding
}

// Make returns a Layout with the given values. It panics on dimensions <= 0.
func Make(dtype dtypes.DType, format Format, dims ...int) Layout {
	for _, dim := range dims {
		if dim <= 0 {
			exceptions.Panicf("layout.Make(%s, %s, %v): dimensions must be > 0", dtype, format, dims)
		}
	}
	return Layout{DType: dtype, Format: format, Dims: slices.Clone(dims)}
}

// Invalid returns an invalid Layout: Invalid().Ok() == false.
func Invalid() Layout {
	return Layout{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid layout.
func (l Layout) Ok() bool { return l.DType != dtypes.InvalidDType && len(l.Dims) > 0 }

// Batch returns the batch dimension (axis 0), or 1 if the layout is rank 0.
func (l Layout) Batch() int {
	if len(l.Dims) == 0 {
		return 1
	}
	return l.Dims[0]
}

// Feature returns the feature (channel) dimension (axis 1), or 1 if absent.
func (l Layout) Feature() int {
	if len(l.Dims) < 2 {
		return 1
	}
	return l.Dims[1]
}

// Spatial returns the spatial dimensions, axes 2 and above.
func (l Layout) Spatial() []int {
	if len(l.Dims) < 3 {
		return nil
	}
	return l.Dims[2:]
}

// Count returns the number of elements, padding excluded.
func (l Layout) Count() int {
	if !l.Ok() {
		return 0
	}
	count := 1
	for _, dim := range l.Dims {
		count *= dim
	}
	return count
}

// BytesCount returns the size in bytes of a buffer holding this layout,
// padding included.
func (l Layout) BytesCount() int64 {
	if !l.Ok() {
		return 0
	}
	count := int64(1)
	for axis, dim := range l.Dims {
		count *= int64(dim + l.DataPadding.Total(axis))
	}
	return count * int64(l.DType.Memory())
}

// WithPadding returns a copy of the layout with the given padding.
func (l Layout) WithPadding(padding Padding) Layout {
	l2 := l.Clone()
	l2.DataPadding = padding
	return l2
}

// WithFormat returns a copy of the layout in the given format.
func (l Layout) WithFormat(format Format) Layout {
	l2 := l.Clone()
	l2.Format = format
	return l2
}

// Clone returns a deep copy of the layout.
func (l Layout) Clone() Layout {
	return Layout{
		DType:       l.DType,
		Format:      l.Format,
		Dims:        slices.Clone(l.Dims),
		DataPadding: l.DataPadding.Clone(),
	}
}

// Equal reports whether two layouts fully match, padding included.
func (l Layout) Equal(other Layout) bool {
	return l.DType == other.DType && l.Format == other.Format &&
		slices.Equal(l.Dims, other.Dims) && l.DataPadding.Equal(other.DataPadding)
}

// Compatible reports whether a buffer of layout l can be reinterpreted as other:
// same element type, element count and padding.
func (l Layout) Compatible(other Layout) bool {
	return l.DType == other.DType && l.Count() == other.Count() &&
		l.DataPadding.Equal(other.DataPadding)
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	if !l.Ok() {
		return "(invalid layout)"
	}
	parts := make([]string, 0, len(l.Dims))
	for _, dim := range l.Dims {
		parts = append(parts, fmt.Sprintf("%d", dim))
	}
	return fmt.Sprintf("(%s)[%s]@%s", l.DType, strings.Join(parts, " "), l.Format)
}
