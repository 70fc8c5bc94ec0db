package layout

// Format enumerates the concrete memory arrangements a device kernel can consume
// or produce. The letters name the axis order (b=batch, f=feature, y/x/z=spatial)
// and the "fsv"/"bsv" suffixes the block sizes of the blocked variants.
type Format int

const (
	// FormatAny means the format was not yet chosen.
	FormatAny Format = iota

	// Plain formats.
	FormatBFYX
	FormatYXFB
	FormatBYXF
	FormatBFZYX

	// Channel-blocked formats.
	FormatBFsYXFsv16
	FormatBFsZYXFsv16
	FormatFsBYXFsv32
	FormatBFsZYXFsv32
	FormatBsFsYXBsv16Fsv16
)

var formatNames = [...]string{
	FormatAny:              "any",
	FormatBFYX:             "bfyx",
	FormatYXFB:             "yxfb",
	FormatBYXF:             "byxf",
	FormatBFZYX:            "bfzyx",
	FormatBFsYXFsv16:       "b_fs_yx_fsv16",
	FormatBFsZYXFsv16:      "b_fs_zyx_fsv16",
	FormatFsBYXFsv32:       "fs_b_yx_fsv32",
	FormatBFsZYXFsv32:      "b_fs_zyx_fsv32",
	FormatBsFsYXBsv16Fsv16: "bs_fs_yx_bsv16_fsv16",
}

// String implements fmt.Stringer.
func (f Format) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return "invalid_format"
	}
	return formatNames[f]
}

// Blocked reports whether the format blocks the feature (or batch) axis.
func (f Format) Blocked() bool {
	switch f {
	case FormatBFsYXFsv16, FormatBFsZYXFsv16, FormatFsBYXFsv32, FormatBFsZYXFsv32,
		FormatBsFsYXBsv16Fsv16:
		return true
	}
	return false
}

// SpatialRank returns the number of spatial axes the format assumes.
func (f Format) SpatialRank() int {
	switch f {
	case FormatBFZYX, FormatBFsZYXFsv16, FormatBFsZYXFsv32:
		return 3
	}
	return 2
}
