package layout

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Padding describes per-axis lower/upper element padding around a tensor's data.
// A zero-value Padding means no padding on any axis.
type Padding struct {
	Lower []int
	Upper []int
}

// MakePadding returns a Padding with the given lower and upper per-axis values.
// Both slices must have the same length and non-negative entries.
func MakePadding(lower, upper []int) Padding {
	if len(lower) != len(upper) {
		exceptions.Panicf("layout.MakePadding: lower and upper must have the same rank, got %d and %d",
			len(lower), len(upper))
	}
	for axis := range lower {
		if lower[axis] < 0 || upper[axis] < 0 {
			exceptions.Panicf("layout.MakePadding: padding must be >= 0, got lower=%v upper=%v", lower, upper)
		}
	}
	return Padding{Lower: slices.Clone(lower), Upper: slices.Clone(upper)}
}

// IsZero reports whether no axis carries any padding.
func (p Padding) IsZero() bool {
	for axis := range p.Lower {
		if p.Lower[axis] != 0 || p.Upper[axis] != 0 {
			return false
		}
	}
	for axis := range p.Upper {
		if p.Upper[axis] != 0 {
			return false
		}
	}
	return true
}

// Total returns lower+upper padding for the given axis, 0 if the axis is beyond
// the padding's rank.
func (p Padding) Total(axis int) int {
	total := 0
	if axis < len(p.Lower) {
		total += p.Lower[axis]
	}
	if axis < len(p.Upper) {
		total += p.Upper[axis]
	}
	return total
}

// Max returns the element-wise maximum of two paddings. The result has the rank
// of the larger of the two.
func Max(a, b Padding) Padding {
	rank := max(len(a.Lower), len(b.Lower), len(a.Upper), len(b.Upper))
	merged := Padding{Lower: make([]int, rank), Upper: make([]int, rank)}
	at := func(s []int, i int) int {
		if i < len(s) {
			return s[i]
		}
		return 0
	}
	for axis := 0; axis < rank; axis++ {
		merged.Lower[axis] = max(at(a.Lower, axis), at(b.Lower, axis))
		merged.Upper[axis] = max(at(a.Upper, axis), at(b.Upper, axis))
	}
	return merged
}

// Equal reports whether two paddings are element-wise equal, treating missing
// axes as zero.
func (p Padding) Equal(other Padding) bool {
	rank := max(len(p.Lower), len(other.Lower), len(p.Upper), len(other.Upper))
	at := func(s []int, i int) int {
		if i < len(s) {
			return s[i]
		}
		return 0
	}
	for axis := 0; axis < rank; axis++ {
		if at(p.Lower, axis) != at(other.Lower, axis) || at(p.Upper, axis) != at(other.Upper, axis) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (p Padding) Clone() Padding {
	return Padding{Lower: slices.Clone(p.Lower), Upper: slices.Clone(p.Upper)}
}
