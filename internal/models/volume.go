package models

// Volume represents a 3D CT volume as a flat array in row-major order,
// indexed [depth][row][column]. Intensities are either raw Hounsfield units
// or normalized [0,1] values depending on the processing stage.
type Volume struct {
	// Data is the voxel data as a 1D array in row-major order:
	// index = z*Height*Width + y*Width + x.
	Data []float64

	// Depth, Height and Width are the voxel dimensions along the
	// [depth, row, column] axes.
	Depth  int
	Height int
	Width  int

	// Spacing is the physical voxel size in mm per axis, ordered
	// [depth, row, column]. All components are strictly positive.
	Spacing [3]float64
}

// NewVolume allocates a zero-filled volume with the given dimensions and spacing.
func NewVolume(depth, height, width int, spacing [3]float64) *Volume {
	return &Volume{
		Data:    make([]float64, depth*height*width),
		Depth:   depth,
		Height:  height,
		Width:   width,
		Spacing: spacing,
	}
}

// Index converts voxel coordinates to the flat array index.
func (v *Volume) Index(z, y, x int) int {
	return z*v.Height*v.Width + y*v.Width + x
}

// At returns the intensity at the given voxel coordinates.
func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

// Set writes the intensity at the given voxel coordinates.
func (v *Volume) Set(z, y, x int, value float64) {
	v.Data[v.Index(z, y, x)] = value
}

// Shape returns the dimensions ordered [depth, row, column].
func (v *Volume) Shape() [3]int {
	return [3]int{v.Depth, v.Height, v.Width}
}

// VoxelVolume returns the physical volume of a single voxel in mm3.
func (v *Volume) VoxelVolume() float64 {
	return v.Spacing[0] * v.Spacing[1] * v.Spacing[2]
}

// PadTo returns a volume zero-padded at the trailing end of any axis shorter
// than minEdge. If no axis needs padding the receiver is returned unchanged.
func (v *Volume) PadTo(minEdge int) *Volume {
	d, h, w := v.Depth, v.Height, v.Width
	if d >= minEdge && h >= minEdge && w >= minEdge {
		return v
	}
	if d < minEdge {
		d = minEdge
	}
	if h < minEdge {
		h = minEdge
	}
	if w < minEdge {
		w = minEdge
	}
	padded := NewVolume(d, h, w, v.Spacing)
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			srcRow := v.Index(z, y, 0)
			dstRow := padded.Index(z, y, 0)
			copy(padded.Data[dstRow:dstRow+v.Width], v.Data[srcRow:srcRow+v.Width])
		}
	}
	return padded
}

// Crop returns a volume truncated to the given dimensions, dropping any
// trailing padding. If the volume already has the requested shape the
// receiver is returned unchanged.
func (v *Volume) Crop(depth, height, width int) *Volume {
	if v.Depth == depth && v.Height == height && v.Width == width {
		return v
	}
	cropped := NewVolume(depth, height, width, v.Spacing)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			srcRow := v.Index(z, y, 0)
			dstRow := cropped.Index(z, y, 0)
			copy(cropped.Data[dstRow:dstRow+width], v.Data[srcRow:srcRow+width])
		}
	}
	return cropped
}

// Patch extracts a cubic sub-array of edge length size whose start offsets are
// the voxel coordinates clamped so the patch begins inside the volume; any
// overhang past the trailing bounds is zero-padded. This matches the patch
// geometry used for per-nodule classification and explainability.
func (v *Volume) Patch(cz, cy, cx, size int) []float64 {
	half := size / 2
	z0 := clamp(cz-half, 0, maxInt(0, v.Depth-1))
	y0 := clamp(cy-half, 0, maxInt(0, v.Height-1))
	x0 := clamp(cx-half, 0, maxInt(0, v.Width-1))

	patch := make([]float64, size*size*size)
	for z := 0; z < size; z++ {
		sz := z0 + z
		if sz >= v.Depth {
			break
		}
		for y := 0; y < size; y++ {
			sy := y0 + y
			if sy >= v.Height {
				break
			}
			n := size
			if x0+n > v.Width {
				n = v.Width - x0
			}
			if n <= 0 {
				continue
			}
			srcRow := v.Index(sz, sy, x0)
			dstRow := z*size*size + y*size
			copy(patch[dstRow:dstRow+n], v.Data[srcRow:srcRow+n])
		}
	}
	return patch
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
