package models

import (
	"math"
	"time"
)

// PathNotAvailable is the placeholder written to explainability path fields
// when no asset could be produced for a nodule.
const PathNotAvailable = "not_available"

// Risk category thresholds for the malignancy probability. Boundaries are
// inclusive: a probability of exactly 0.7 is high, exactly 0.4 is moderate.
const (
	HighRiskThreshold     = 0.7
	ModerateRiskThreshold = 0.4
)

// RiskCategory is the coarse risk band derived from the malignancy probability.
type RiskCategory string

const (
	RiskHigh     RiskCategory = "high"
	RiskModerate RiskCategory = "moderate"
	RiskLow      RiskCategory = "low"
)

// RiskFor maps a malignancy probability to its risk category.
func RiskFor(p float64) RiskCategory {
	switch {
	case p >= HighRiskThreshold:
		return RiskHigh
	case p >= ModerateRiskThreshold:
		return RiskModerate
	default:
		return RiskLow
	}
}

// TypeFor maps a malignancy probability to the descriptive nodule type label.
func TypeFor(p float64) string {
	switch {
	case p >= HighRiskThreshold:
		return "suspicious"
	case p >= ModerateRiskThreshold:
		return "indeterminate"
	default:
		return "benign"
	}
}

// BoundingBox is the axis-aligned voxel bounding box of a nodule, with
// inclusive per-axis [min, max] indices.
type BoundingBox struct {
	Z [2]int `json:"z"`
	Y [2]int `json:"y"`
	X [2]int `json:"x"`
}

// Uncertainty captures how confident the classifier is in a nodule's
// malignancy probability.
type Uncertainty struct {
	// Confidence is max(p, 1-p): distance of the probability from the
	// decision boundary.
	Confidence float64 `json:"confidence"`

	// Entropy is the binary entropy of p in nats, computed with an epsilon
	// guard against log(0).
	Entropy float64 `json:"entropy"`

	// NeedsReview is set when the probability reaches the moderate band.
	NeedsReview bool `json:"needs_review"`
}

// UncertaintyFor computes the uncertainty record for a malignancy probability.
func UncertaintyFor(p float64) Uncertainty {
	const eps = 1e-8
	return Uncertainty{
		Confidence:  math.Max(p, 1-p),
		Entropy:     -p*math.Log(p+eps) - (1-p)*math.Log(1-p+eps),
		NeedsReview: p >= ModerateRiskThreshold,
	}
}

// Nodule is one detected structure in the segmentation mask.
//
// Lifecycle: created during extraction with geometry fields, enriched during
// classification (probability, labels, uncertainty) and explainability
// generation (asset paths), then never mutated once the findings artifact is
// finalized.
type Nodule struct {
	// ID is the presentation order, a dense sequence starting at 1 assigned
	// after sorting by descending physical volume.
	ID int `json:"id"`

	// Centroid is the mean voxel coordinate, ordered [depth, row, column].
	Centroid [3]float64 `json:"centroid"`

	BBox       BoundingBox `json:"bbox"`
	VoxelCount int         `json:"voxel_count"`
	VolumeMM3  float64     `json:"volume_mm3"`
	LongAxisMM float64     `json:"long_axis_mm"`

	// ProbMalignant is the calibrated malignancy probability from the
	// classification head. Nil when classification failed for this nodule.
	ProbMalignant *float64 `json:"prob_malignant"`

	Risk        RiskCategory `json:"risk"`
	Type        string       `json:"type"`
	Location    string       `json:"location"`
	Uncertainty Uncertainty  `json:"uncertainty"`

	// GradCAMPath points to the persisted explainability visualization, or
	// PathNotAvailable when none was produced.
	GradCAMPath string `json:"gradcam_path"`

	// Degraded marks a nodule whose classification failed; geometry fields
	// remain valid but probability-derived fields are absent.
	Degraded bool `json:"degraded,omitempty"`
}

// Prob returns the malignancy probability, or 0 for a degraded nodule.
func (n *Nodule) Prob() float64 {
	if n.ProbMalignant == nil {
		return 0
	}
	return *n.ProbMalignant
}

// ScanMetadata describes the analyzed volume.
type ScanMetadata struct {
	Shape      [3]int     `json:"shape"`
	Spacing    [3]float64 `json:"spacing"`
	AnalyzedAt time.Time  `json:"analyzed_at"`
}

// Findings is the finalized, structured output of one pipeline run for one
// case. It is owned exclusively by the orchestrator during a run and persisted
// once as an immutable record; corrections create a new artifact.
type Findings struct {
	CaseID       string       `json:"case_id"`
	ScanMetadata ScanMetadata `json:"scan_metadata"`

	NumNodules int      `json:"num_nodules"`
	Nodules    []Nodule `json:"nodules"`

	// Scan-level lung descriptors.
	LungHealth          string  `json:"lung_health"`
	EmphysemaScore      float64 `json:"emphysema_score"`
	FibrosisScore       float64 `json:"fibrosis_score"`
	ConsolidationScore  float64 `json:"consolidation_score"`
	AirwayWallThickness string  `json:"airway_wall_thickness"`

	Impression  string `json:"impression"`
	SummaryText string `json:"summary_text"`

	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`

	// MaskPath points to the persisted binary segmentation mask, if saved.
	MaskPath string `json:"mask_path,omitempty"`
}

// Normalize fills defaults in place once, immediately after extraction, so
// downstream consumers never need default-access logic: the declared nodule
// count is synchronized and empty asset paths become PathNotAvailable.
func (f *Findings) Normalize() {
	if f.Nodules == nil {
		f.Nodules = []Nodule{}
	}
	f.NumNodules = len(f.Nodules)
	for i := range f.Nodules {
		if f.Nodules[i].GradCAMPath == "" {
			f.Nodules[i].GradCAMPath = PathNotAvailable
		}
	}
	if f.AirwayWallThickness == "" {
		f.AirwayWallThickness = "normal"
	}
}

// RiskCounts returns the number of nodules in the high and moderate bands.
func (f *Findings) RiskCounts() (high, moderate int) {
	for i := range f.Nodules {
		if f.Nodules[i].ProbMalignant == nil {
			continue
		}
		switch RiskFor(*f.Nodules[i].ProbMalignant) {
		case RiskHigh:
			high++
		case RiskModerate:
			moderate++
		}
	}
	return high, moderate
}
