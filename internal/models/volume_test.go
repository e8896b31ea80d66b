package models

import "testing"

func TestVolumeIndexing(t *testing.T) {
	v := NewVolume(2, 3, 4, [3]float64{1, 1, 1})
	v.Set(1, 2, 3, 7.5)

	if got := v.At(1, 2, 3); got != 7.5 {
		t.Errorf("At(1,2,3) = %g, want 7.5", got)
	}
	if got := v.Index(1, 2, 3); got != 1*3*4+2*4+3 {
		t.Errorf("Index(1,2,3) = %d, want %d", got, 1*3*4+2*4+3)
	}
	if got := v.Shape(); got != [3]int{2, 3, 4} {
		t.Errorf("Shape() = %v", got)
	}
}

func TestVoxelVolume(t *testing.T) {
	v := NewVolume(1, 1, 1, [3]float64{2.5, 0.7, 0.7})
	want := 2.5 * 0.7 * 0.7
	if got := v.VoxelVolume(); got != want {
		t.Errorf("VoxelVolume() = %g, want %g", got, want)
	}
}

func TestPadTo(t *testing.T) {
	t.Run("short axes are zero padded", func(t *testing.T) {
		v := NewVolume(2, 3, 5, [3]float64{1, 1, 1})
		for i := range v.Data {
			v.Data[i] = 1
		}
		p := v.PadTo(4)

		if p.Depth != 4 || p.Height != 4 || p.Width != 5 {
			t.Fatalf("padded shape = %v, want [4 4 5]", p.Shape())
		}
		// Original content preserved in place.
		for z := 0; z < 2; z++ {
			for y := 0; y < 3; y++ {
				for x := 0; x < 5; x++ {
					if p.At(z, y, x) != 1 {
						t.Fatalf("voxel (%d,%d,%d) lost during padding", z, y, x)
					}
				}
			}
		}
		// Padding is zero.
		if p.At(3, 3, 4) != 0 || p.At(2, 0, 0) != 0 {
			t.Error("padding region not zero")
		}
	})

	t.Run("no-op when already large enough", func(t *testing.T) {
		v := NewVolume(4, 4, 4, [3]float64{1, 1, 1})
		if p := v.PadTo(4); p != v {
			t.Error("PadTo allocated a copy for an already-large volume")
		}
	})
}

func TestCrop(t *testing.T) {
	v := NewVolume(4, 4, 4, [3]float64{1, 1, 1})
	for z := 0; z < 4; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				v.Set(z, y, x, float64(v.Index(z, y, x)))
			}
		}
	}
	c := v.Crop(2, 3, 4)
	if c.Shape() != [3]int{2, 3, 4} {
		t.Fatalf("cropped shape = %v", c.Shape())
	}
	for z := 0; z < 2; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				if c.At(z, y, x) != v.At(z, y, x) {
					t.Fatalf("voxel (%d,%d,%d) changed during crop", z, y, x)
				}
			}
		}
	}
}

func TestPatch(t *testing.T) {
	v := NewVolume(10, 10, 10, [3]float64{1, 1, 1})
	for i := range v.Data {
		v.Data[i] = 1
	}

	t.Run("interior patch is fully inside", func(t *testing.T) {
		p := v.Patch(5, 5, 5, 4)
		if len(p) != 64 {
			t.Fatalf("patch length = %d, want 64", len(p))
		}
		for i, val := range p {
			if val != 1 {
				t.Fatalf("patch voxel %d = %g, want 1", i, val)
			}
		}
	})

	t.Run("corner patch clamps start and zero pads overhang", func(t *testing.T) {
		p := v.Patch(0, 0, 0, 4)
		// Start is clamped to the origin so the full patch fits.
		for i, val := range p {
			if val != 1 {
				t.Fatalf("patch voxel %d = %g, want 1", i, val)
			}
		}
	})

	t.Run("patch larger than volume zero pads", func(t *testing.T) {
		small := NewVolume(2, 2, 2, [3]float64{1, 1, 1})
		for i := range small.Data {
			small.Data[i] = 3
		}
		p := small.Patch(1, 1, 1, 4)
		sum := 0.0
		for _, val := range p {
			sum += val
		}
		// All 8 original voxels land in the patch, rest is zero.
		if sum != 8*3 {
			t.Errorf("patch sum = %g, want 24", sum)
		}
	})
}
