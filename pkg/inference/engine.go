package inference

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/Kowshik4593/health-atm/internal/logging"
	"github.com/Kowshik4593/health-atm/internal/models"
)

// Params configures the sliding-window engine.
type Params struct {
	// Stride is the step between consecutive patch start offsets. It must
	// be smaller than the model's patch size so adjacent patch predictions
	// overlap and smooth each other at boundaries.
	Stride int

	// Threshold is the probability cutoff used to binarize the averaged
	// field into the segmentation mask.
	Threshold float64

	// Workers bounds parallel patch inference. A value of 1 (or less) runs
	// patches sequentially. Output is bit-reproducible for a fixed
	// (model, stride, threshold, workers).
	Workers int
}

// Result holds the stitched whole-volume output of one inference pass.
type Result struct {
	// Field is the full-volume probability field, same shape as the input,
	// each voxel the average of all overlapping patch predictions that
	// covered it. Retained for diagnostic and explainability use.
	Field *models.Volume

	// Mask is the binary segmentation mask obtained by thresholding Field;
	// this, not the smoothed field, feeds nodule extraction. Row-major,
	// same shape as Field.
	Mask []uint8

	// AvgRisk is the mean of all per-patch scalar risk outputs.
	AvgRisk float64

	// Patches is the number of patch forward passes performed.
	Patches int
}

// Engine stitches overlapping patch predictions from a fixed model into a
// whole-volume probability field.
type Engine struct {
	model  Model
	params Params
	log    *zap.Logger
}

// NewEngine builds an engine around a pre-loaded model. The model is held
// read-only; the engine never mutates it.
func NewEngine(model Model, params Params, logger *zap.Logger) (*Engine, error) {
	if params.Stride <= 0 || params.Stride >= model.PatchSize() {
		return nil, fmt.Errorf("stride %d must be in (0, %d)", params.Stride, model.PatchSize())
	}
	if params.Threshold < 0 || params.Threshold > 1 {
		return nil, fmt.Errorf("threshold %g must be in [0,1]", params.Threshold)
	}
	if params.Workers < 1 {
		params.Workers = 1
	}
	return &Engine{model: model, params: params, log: logging.OrNop(logger).Named("inference")}, nil
}

// patchPos is one patch start offset in the padded volume.
type patchPos struct {
	z, y, x int
}

// Run performs sliding-window inference over the normalized volume.
//
// Any axis shorter than the patch edge is zero-padded so every voxel inside
// the original bounds receives at least one prediction; on longer axes a
// final start offset clamped to the axis end completes coverage when the
// stride does not divide the remainder evenly. Overlapping predictions are
// accumulated and divided by a per-voxel count (floored at 1) after all
// patches complete, then the field is cropped back to the pre-pad shape.
func (e *Engine) Run(ctx context.Context, vol *models.Volume) (*Result, error) {
	patch := e.model.PatchSize()
	origD, origH, origW := vol.Depth, vol.Height, vol.Width

	padded := vol.PadTo(patch)

	zSteps := starts(padded.Depth, patch, e.params.Stride)
	ySteps := starts(padded.Height, patch, e.params.Stride)
	xSteps := starts(padded.Width, patch, e.params.Stride)

	positions := make([]patchPos, 0, len(zSteps)*len(ySteps)*len(xSteps))
	for _, z := range zSteps {
		for _, y := range ySteps {
			for _, x := range xSteps {
				positions = append(positions, patchPos{z, y, x})
			}
		}
	}
	e.log.Debug("sliding window",
		zap.Int("patches", len(positions)),
		zap.Int("depth", padded.Depth),
		zap.Int("height", padded.Height),
		zap.Int("width", padded.Width))

	accum := make([]float64, len(padded.Data))
	count := make([]int32, len(padded.Data))
	risks := make([]float64, len(positions))

	workers := e.params.Workers
	if workers > len(positions) {
		workers = len(positions)
	}

	if workers <= 1 {
		for i, pos := range positions {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			risk, err := e.inferInto(padded, pos, patch, accum, count)
			if err != nil {
				return nil, err
			}
			risks[i] = risk
		}
	} else {
		// Each worker accumulates into private buffers over a contiguous
		// share of the patch list; the buffers are merged in worker order
		// after the group barrier, so all writes for a voxel complete
		// before the averaging division reads it.
		type partial struct {
			accum []float64
			count []int32
		}
		partials := make([]partial, workers)
		g, gctx := errgroup.WithContext(ctx)
		chunk := (len(positions) + workers - 1) / workers
		for w := 0; w < workers; w++ {
			w := w
			lo, hi := w*chunk, (w+1)*chunk
			if hi > len(positions) {
				hi = len(positions)
			}
			if lo >= hi {
				continue
			}
			partials[w] = partial{
				accum: make([]float64, len(padded.Data)),
				count: make([]int32, len(padded.Data)),
			}
			g.Go(func() error {
				for i := lo; i < hi; i++ {
					if err := gctx.Err(); err != nil {
						return err
					}
					risk, err := e.inferInto(padded, positions[i], patch, partials[w].accum, partials[w].count)
					if err != nil {
						return err
					}
					risks[i] = risk
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for w := range partials {
			if partials[w].accum == nil {
				continue
			}
			for i, v := range partials[w].accum {
				accum[i] += v
			}
			for i, c := range partials[w].count {
				count[i] += c
			}
		}
	}

	// Average overlapping regions; a count of zero cannot occur inside the
	// original bounds but the floor keeps the division total.
	for i := range accum {
		c := count[i]
		if c == 0 {
			c = 1
		}
		accum[i] /= float64(c)
	}

	field := &models.Volume{
		Data:    accum,
		Depth:   padded.Depth,
		Height:  padded.Height,
		Width:   padded.Width,
		Spacing: vol.Spacing,
	}
	field = field.Crop(origD, origH, origW)

	mask := make([]uint8, len(field.Data))
	for i, v := range field.Data {
		if v > e.params.Threshold {
			mask[i] = 1
		}
	}

	avgRisk := 0.0
	if len(risks) > 0 {
		avgRisk = stat.Mean(risks, nil)
	}
	e.log.Debug("inference complete",
		zap.Int("patches", len(positions)),
		zap.Float64("avg_risk", avgRisk))

	return &Result{Field: field, Mask: mask, AvgRisk: avgRisk, Patches: len(positions)}, nil
}

// inferInto runs one patch forward pass and accumulates the prediction over
// the exact voxel range the patch covered.
func (e *Engine) inferInto(vol *models.Volume, pos patchPos, patch int, accum []float64, count []int32) (float64, error) {
	in := make([]float64, patch*patch*patch)
	for z := 0; z < patch; z++ {
		for y := 0; y < patch; y++ {
			srcRow := vol.Index(pos.z+z, pos.y+y, pos.x)
			dstRow := z*patch*patch + y*patch
			copy(in[dstRow:dstRow+patch], vol.Data[srcRow:srcRow+patch])
		}
	}

	field, risk, err := e.model.Infer(in)
	if err != nil {
		return 0, &InferenceError{Pos: [3]int{pos.z, pos.y, pos.x}, Err: err}
	}
	if len(field) != len(in) {
		return 0, &InferenceError{Pos: [3]int{pos.z, pos.y, pos.x},
			Err: fmt.Errorf("model returned %d values for %d-voxel patch", len(field), len(in))}
	}

	for z := 0; z < patch; z++ {
		for y := 0; y < patch; y++ {
			dstRow := vol.Index(pos.z+z, pos.y+y, pos.x)
			srcRow := z*patch*patch + y*patch
			for x := 0; x < patch; x++ {
				accum[dstRow+x] += field[srcRow+x]
				count[dstRow+x]++
			}
		}
	}
	return risk, nil
}

// starts returns the patch start offsets along one axis. Offsets advance by
// stride; when the axis length equals the patch edge the single offset 0 is
// used, and when the stride overshoots the end a final offset clamped to
// n-patch guarantees the tail is covered.
func starts(n, patch, stride int) []int {
	if n <= patch {
		return []int{0}
	}
	var offsets []int
	last := -1
	for s := 0; s+patch <= n; s += stride {
		offsets = append(offsets, s)
		last = s
	}
	if last != n-patch {
		offsets = append(offsets, n-patch)
	}
	return offsets
}
