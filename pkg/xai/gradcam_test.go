package xai

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Kowshik4593/health-atm/internal/models"
	"github.com/Kowshik4593/health-atm/pkg/inference"
)

func TestResizeCube(t *testing.T) {
	t.Run("constant grid stays constant", func(t *testing.T) {
		src := make([]float64, 4*4*4)
		for i := range src {
			src[i] = 0.7
		}
		out := resizeCube(src, 4, 16)
		if len(out) != 16*16*16 {
			t.Fatalf("output length = %d, want %d", len(out), 16*16*16)
		}
		for i, v := range out {
			if math.Abs(v-0.7) > 1e-12 {
				t.Fatalf("out[%d] = %g, want 0.7", i, v)
			}
		}
	})

	t.Run("corners are preserved", func(t *testing.T) {
		src := make([]float64, 2*2*2)
		src[0] = 1 // (0,0,0)
		src[7] = 5 // (1,1,1)
		out := resizeCube(src, 2, 8)
		if out[0] != 1 {
			t.Errorf("origin corner = %g, want 1", out[0])
		}
		if last := out[len(out)-1]; last != 5 {
			t.Errorf("far corner = %g, want 5", last)
		}
	})

	t.Run("interpolation is bounded by endpoints", func(t *testing.T) {
		src := make([]float64, 2*2*2)
		src[7] = 1
		out := resizeCube(src, 2, 5)
		for i, v := range out {
			if v < 0 || v > 1 {
				t.Fatalf("out[%d] = %g outside [0,1]", i, v)
			}
		}
	})
}

func TestQualifies(t *testing.T) {
	p := func(v float64) *float64 { return &v }
	cases := []struct {
		nodule models.Nodule
		want   bool
	}{
		{models.Nodule{ProbMalignant: p(0.9)}, true},
		{models.Nodule{ProbMalignant: p(0.4)}, true},
		{models.Nodule{ProbMalignant: p(0.39)}, false},
		{models.Nodule{ProbMalignant: nil}, false},
		{models.Nodule{ProbMalignant: p(math.NaN())}, false},
	}
	for i, c := range cases {
		if got := Qualifies(&c.nodule); got != c.want {
			t.Errorf("case %d: Qualifies = %v, want %v", i, got, c.want)
		}
	}
}

func TestGenerateWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	model := inference.NewAnalyticModel(16, inference.DefaultWeights())
	g := NewGenerator(model, dir, nil)

	vol := models.NewVolume(32, 32, 32, [3]float64{1, 1, 1})
	for i := range vol.Data {
		vol.Data[i] = 0.9
	}
	n := &models.Nodule{ID: 3, Centroid: [3]float64{16, 16, 16}}

	path, err := g.Generate(vol, n)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if filepath.Base(path) != "nodule_3_gradcam.png" {
		t.Errorf("overlay path = %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("overlay file not written: %v", err)
	}
	rawPath := filepath.Join(dir, "nodule_3_gradcam.bin")
	info, err := os.Stat(rawPath)
	if err != nil {
		t.Fatalf("raw map not written: %v", err)
	}
	// 16^3 float64 values.
	if info.Size() != 16*16*16*8 {
		t.Errorf("raw map size = %d, want %d", info.Size(), 16*16*16*8)
	}
}

// noMapModel implements only the base model interface.
type noMapModel struct{ size int }

func (m *noMapModel) PatchSize() int { return m.size }
func (m *noMapModel) Infer(patch []float64) ([]float64, float64, error) {
	return make([]float64, len(patch)), 0, nil
}

// badMapModel exposes an activation map that always fails.
type badMapModel struct{ noMapModel }

func (m *badMapModel) ActivationMap([]float64) ([]float64, int, error) {
	return nil, 0, fmt.Errorf("no activations recorded")
}

func TestGenerateUnavailable(t *testing.T) {
	vol := models.NewVolume(16, 16, 16, [3]float64{1, 1, 1})
	n := &models.Nodule{ID: 1, Centroid: [3]float64{8, 8, 8}}

	t.Run("model without activation support", func(t *testing.T) {
		g := NewGenerator(&noMapModel{size: 16}, t.TempDir(), nil)
		if _, err := g.Generate(vol, n); err == nil {
			t.Error("expected error for model without activation map")
		}
	})

	t.Run("activation map failure", func(t *testing.T) {
		g := NewGenerator(&badMapModel{noMapModel{size: 16}}, t.TempDir(), nil)
		if _, err := g.Generate(vol, n); err == nil {
			t.Error("expected error when activation map fails")
		}
	})
}
