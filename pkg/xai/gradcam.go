// Package xai produces class-activation saliency artifacts for risk-flagged
// nodules. Generation is best-effort: any failure leaves the nodule's
// explainability path unavailable without affecting the rest of the pipeline.
package xai

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/Kowshik4593/health-atm/internal/logging"
	"github.com/Kowshik4593/health-atm/internal/models"
	"github.com/Kowshik4593/health-atm/pkg/inference"
)

// overlayAlpha blends the activation map over the CT slice in the PNG
// visualization.
const overlayAlpha = 0.4

// Generator computes localized saliency maps for nodules whose malignancy
// probability reaches the moderate band.
type Generator struct {
	model  inference.Model
	outDir string
	log    *zap.Logger
}

// NewGenerator writes artifacts under outDir.
func NewGenerator(model inference.Model, outDir string, logger *zap.Logger) *Generator {
	return &Generator{model: model, outDir: outDir, log: logging.OrNop(logger).Named("xai")}
}

// Generate computes and persists the saliency map for one nodule, returning
// the path of the slice visualization. The map is restricted to the same
// cubic patch used for classification: the model's internal activation map is
// resized back to patch resolution by trilinear interpolation, negative
// values clipped, and the result normalized to [0,1]. Both the raw map and a
// 2D overlay of its central slice on the corresponding CT slice are written.
//
// Errors are returned for the caller to log; the caller records the nodule's
// explainability path as unavailable rather than failing the run.
func (g *Generator) Generate(vol *models.Volume, n *models.Nodule) (string, error) {
	mapper, ok := g.model.(inference.ActivationMapper)
	if !ok {
		return "", fmt.Errorf("model does not expose internal activations")
	}

	size := g.model.PatchSize()
	patch := vol.Patch(int(n.Centroid[0]), int(n.Centroid[1]), int(n.Centroid[2]), size)

	cam, edge, err := mapper.ActivationMap(patch)
	if err != nil {
		return "", fmt.Errorf("activation map: %w", err)
	}
	if len(cam) != edge*edge*edge || edge < 2 {
		return "", fmt.Errorf("activation map has invalid shape %d^3", edge)
	}

	resized := resizeCube(cam, edge, size)

	// Clip negatives and normalize to [0,1].
	maxVal := 0.0
	for i, v := range resized {
		if v < 0 {
			resized[i] = 0
		} else if v > maxVal {
			maxVal = v
		}
	}
	if maxVal > 0 {
		for i := range resized {
			resized[i] /= maxVal
		}
	}

	if err := os.MkdirAll(g.outDir, 0755); err != nil {
		return "", fmt.Errorf("create xai dir: %w", err)
	}

	rawPath := filepath.Join(g.outDir, fmt.Sprintf("nodule_%d_gradcam.bin", n.ID))
	if err := writeRawMap(rawPath, resized); err != nil {
		return "", err
	}

	pngPath := filepath.Join(g.outDir, fmt.Sprintf("nodule_%d_gradcam.png", n.ID))
	if err := g.writeOverlay(pngPath, patch, resized, size, n.ID); err != nil {
		return "", err
	}

	g.log.Debug("saliency artifacts written",
		zap.Int("nodule_id", n.ID),
		zap.String("png", pngPath))
	return pngPath, nil
}

// writeRawMap persists the normalized map as little-endian float64 values.
func writeRawMap(path string, data []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create raw map file: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("write raw map: %w", err)
	}
	return nil
}

// writeOverlay renders the central slice of the saliency map blended over the
// matching CT slice as a heatmap PNG.
func (g *Generator) writeOverlay(path string, patch, cam []float64, size, id int) error {
	mid := size / 2
	grid := &sliceGrid{n: size, data: make([]float64, size*size)}
	base := mid * size * size
	for i := 0; i < size*size; i++ {
		grid.data[i] = (1-overlayAlpha)*patch[base+i] + overlayAlpha*cam[base+i]
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Nodule #%d GradCAM", id)
	p.HideAxes()
	p.Add(plotter.NewHeatMap(grid, palette.Heat(16, 1)))

	if err := p.Save(4*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save overlay: %w", err)
	}
	return nil
}

// sliceGrid adapts a flat 2D slice to the plotter grid interface. Rows are
// flipped so image row 0 renders at the top.
type sliceGrid struct {
	n    int
	data []float64
}

func (g *sliceGrid) Dims() (int, int)   { return g.n, g.n }
func (g *sliceGrid) X(c int) float64    { return float64(c) }
func (g *sliceGrid) Y(r int) float64    { return float64(r) }
func (g *sliceGrid) Z(c, r int) float64 { return g.data[(g.n-1-r)*g.n+c] }

// resizeCube resamples a cubic grid of edge length from to edge length to by
// trilinear interpolation.
func resizeCube(src []float64, from, to int) []float64 {
	out := make([]float64, to*to*to)
	scale := float64(from-1) / float64(to-1)
	for z := 0; z < to; z++ {
		sz := float64(z) * scale
		z0 := int(sz)
		z1 := minInt(z0+1, from-1)
		fz := sz - float64(z0)
		for y := 0; y < to; y++ {
			sy := float64(y) * scale
			y0 := int(sy)
			y1 := minInt(y0+1, from-1)
			fy := sy - float64(y0)
			for x := 0; x < to; x++ {
				sx := float64(x) * scale
				x0 := int(sx)
				x1 := minInt(x0+1, from-1)
				fx := sx - float64(x0)

				c000 := src[z0*from*from+y0*from+x0]
				c001 := src[z0*from*from+y0*from+x1]
				c010 := src[z0*from*from+y1*from+x0]
				c011 := src[z0*from*from+y1*from+x1]
				c100 := src[z1*from*from+y0*from+x0]
				c101 := src[z1*from*from+y0*from+x1]
				c110 := src[z1*from*from+y1*from+x0]
				c111 := src[z1*from*from+y1*from+x1]

				c00 := lerp(c000, c001, fx)
				c01 := lerp(c010, c011, fx)
				c10 := lerp(c100, c101, fx)
				c11 := lerp(c110, c111, fx)

				out[z*to*to+y*to+x] = lerp(lerp(c00, c01, fy), lerp(c10, c11, fy), fz)
			}
		}
	}
	return out
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Qualifies reports whether a nodule's probability reaches the band for
// which saliency artifacts are produced.
func Qualifies(n *models.Nodule) bool {
	if n.ProbMalignant == nil {
		return false
	}
	return *n.ProbMalignant >= models.ModerateRiskThreshold && !math.IsNaN(*n.ProbMalignant)
}
