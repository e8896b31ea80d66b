// Package inference runs a fixed-size 3D model over overlapping patches of a
// normalized volume and stitches the per-patch predictions into a whole-volume
// probability field plus an aggregate risk estimate.
package inference

import (
	"fmt"
	"math"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Model is the handle to a pre-trained model. Implementations must be
// immutable after construction and safe for concurrent use: the loaded model
// is shared read-only across concurrent runs and its evaluation mode is fixed
// at load time.
type Model interface {
	// PatchSize returns the cubic edge length of the model's input unit.
	PatchSize() int

	// Infer runs a forward pass on one patch (PatchSize^3 values, row-major)
	// and returns a patch-shaped probability sub-field in [0,1] together
	// with a scalar risk value in [0,1].
	Infer(patch []float64) (field []float64, risk float64, err error)
}

// ActivationMapper is implemented by models that can expose a coarse internal
// activation map for a patch, the raw material for class-activation saliency.
// The returned map is a cube of edge length edge (edge < PatchSize) whose
// values weight each internal cell's contribution to the risk output;
// negative contributions are already clipped to zero.
type ActivationMapper interface {
	ActivationMap(patch []float64) (cam []float64, edge int, err error)
}

// InferenceError reports a model forward-pass failure. It is fatal for the
// run and carries the patch position for diagnostics.
type InferenceError struct {
	Pos [3]int
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference at patch %v: %v", e.Pos, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Weights holds the analytic model parameters.
type Weights struct {
	// Gain and Bias shape the per-voxel segmentation response:
	// p(x) = sigmoid(Gain * (x - Bias)).
	Gain float64 `yaml:"gain"`
	Bias float64 `yaml:"bias"`

	// RiskGain and RiskBias shape the classification head applied to the
	// mean intensity of the patch's central half-cube.
	RiskGain float64 `yaml:"riskGain"`
	RiskBias float64 `yaml:"riskBias"`
}

// DefaultWeights returns the calibration shipped with the pipeline.
func DefaultWeights() Weights {
	return Weights{Gain: 12, Bias: 0.65, RiskGain: 6, RiskBias: 0.35}
}

// AnalyticModel is a deterministic intensity-based scorer standing in for the
// trained segmentation network. The segmentation head is a per-voxel logistic
// response over normalized intensity; the classification head is a logistic
// over the mean intensity of the central half-cube; the activation map is an
// 8x8x8 pooled intensity grid weighted by its risk contribution.
type AnalyticModel struct {
	patchSize int
	weights   Weights
}

// NewAnalyticModel builds a model with the given patch size and weights.
func NewAnalyticModel(patchSize int, w Weights) *AnalyticModel {
	return &AnalyticModel{patchSize: patchSize, weights: w}
}

// LoadModel reads analytic model weights from a YAML file. When the file is
// absent the shipped defaults are used and a warning is logged, mirroring a
// deployment without fine-tuned weights.
func LoadModel(path string, patchSize int, logger *zap.Logger) (*AnalyticModel, error) {
	w := DefaultWeights()
	data, err := os.ReadFile(path)
	if err != nil {
		if logger != nil {
			logger.Warn("no model weights found, using defaults", zap.String("path", path))
		}
		return NewAnalyticModel(patchSize, w), nil
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse model weights %s: %w", path, err)
	}
	return NewAnalyticModel(patchSize, w), nil
}

// PatchSize returns the model's cubic input edge length.
func (m *AnalyticModel) PatchSize() int { return m.patchSize }

// Infer scores one patch.
func (m *AnalyticModel) Infer(patch []float64) ([]float64, float64, error) {
	n := m.patchSize * m.patchSize * m.patchSize
	if len(patch) != n {
		return nil, 0, fmt.Errorf("patch has %d voxels, model expects %d", len(patch), n)
	}
	field := make([]float64, n)
	for i, x := range patch {
		field[i] = sigmoid(m.weights.Gain * (x - m.weights.Bias))
	}
	risk := sigmoid(m.weights.RiskGain * (m.coreMean(patch) - m.weights.RiskBias))
	return field, risk, nil
}

// ActivationMap pools the patch into an 8x8x8 grid of mean intensities and
// weights each cell by its positive contribution to the risk head. Cells
// outside the classification core contribute nothing.
func (m *AnalyticModel) ActivationMap(patch []float64) ([]float64, int, error) {
	const edge = 8
	n := m.patchSize * m.patchSize * m.patchSize
	if len(patch) != n {
		return nil, 0, fmt.Errorf("patch has %d voxels, model expects %d", len(patch), n)
	}
	cell := m.patchSize / edge
	if cell == 0 {
		return nil, 0, fmt.Errorf("patch size %d too small for activation pooling", m.patchSize)
	}

	lo, hi := m.patchSize/4, 3*m.patchSize/4
	cam := make([]float64, edge*edge*edge)
	for cz := 0; cz < edge; cz++ {
		for cy := 0; cy < edge; cy++ {
			for cx := 0; cx < edge; cx++ {
				// Skip cells whose center lies outside the core region.
				zc, yc, xc := cz*cell+cell/2, cy*cell+cell/2, cx*cell+cell/2
				if zc < lo || zc >= hi || yc < lo || yc >= hi || xc < lo || xc >= hi {
					continue
				}
				sum := 0.0
				for z := cz * cell; z < (cz+1)*cell; z++ {
					for y := cy * cell; y < (cy+1)*cell; y++ {
						row := z*m.patchSize*m.patchSize + y*m.patchSize + cx*cell
						for x := 0; x < cell; x++ {
							sum += patch[row+x]
						}
					}
				}
				mean := sum / float64(cell*cell*cell)
				if v := mean - m.weights.RiskBias; v > 0 {
					cam[cz*edge*edge+cy*edge+cx] = v
				}
			}
		}
	}
	return cam, edge, nil
}

// coreMean averages the central half-cube of a patch.
func (m *AnalyticModel) coreMean(patch []float64) float64 {
	lo, hi := m.patchSize/4, 3*m.patchSize/4
	sum, count := 0.0, 0
	for z := lo; z < hi; z++ {
		for y := lo; y < hi; y++ {
			row := z*m.patchSize*m.patchSize + y*m.patchSize + lo
			for x := lo; x < hi; x++ {
				sum += patch[row+x-lo]
				count++
			}
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
