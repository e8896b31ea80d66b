// Package validate checks structural completeness and internal consistency of
// a findings artifact. Validation is graded: every layer runs regardless of
// earlier issues, warnings accumulate with category tags, and only the
// structural layer can mark an artifact invalid. The validator never mutates
// the artifact.
package validate

import (
	"fmt"
	"os"
	"time"

	"github.com/Kowshik4593/health-atm/internal/models"
)

// Category tags one validation warning with the layer that produced it.
type Category string

const (
	CategorySchema   Category = "schema"
	CategoryRequired Category = "required"
	CategoryNodule   Category = "nodule"
	CategoryXAI      Category = "xai"
	CategorySanity   Category = "sanity"
)

// Warning is one graded validation finding.
type Warning struct {
	Category Category
	Message  string
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s", w.Category, w.Message)
}

// Summary is the structured digest of one validation pass, suitable for
// audit logging.
type Summary struct {
	Timestamp     time.Time
	StudyID       string
	TotalWarnings int
	ByCategory    map[Category]int
	Status        string
}

// Result is the outcome of validating one findings artifact.
type Result struct {
	// Valid is false only when the structural layer found the artifact
	// unusable; all other layers degrade gracefully to warnings.
	Valid    bool
	Warnings []Warning
	Summary  Summary
}

// Strings renders all warnings in order.
func (r Result) Strings() []string {
	out := make([]string, len(r.Warnings))
	for i, w := range r.Warnings {
		out[i] = w.String()
	}
	return out
}

// Validator checks findings artifacts. The zero value is ready to use.
type Validator struct {
	// SkipAssetCheck disables on-disk existence checks for explainability
	// paths, for validating artifacts detached from their output directory.
	SkipAssetCheck bool
}

// Validate runs all validation layers over the artifact.
func (v *Validator) Validate(f *models.Findings) Result {
	if f == nil {
		w := Warning{CategorySchema, "findings artifact is nil"}
		return Result{
			Valid:    false,
			Warnings: []Warning{w},
			Summary: Summary{
				Timestamp:     time.Now().UTC(),
				TotalWarnings: 1,
				ByCategory:    map[Category]int{CategorySchema: 1},
				Status:        "failed",
			},
		}
	}

	var warnings []Warning

	schemaWarnings := checkStructure(f)
	warnings = append(warnings, schemaWarnings...)
	warnings = append(warnings, checkRequired(f)...)
	warnings = append(warnings, checkNodules(f)...)
	warnings = append(warnings, v.checkAssets(f)...)
	warnings = append(warnings, checkSanity(f)...)

	byCategory := make(map[Category]int)
	for _, w := range warnings {
		byCategory[w.Category]++
	}

	status := "ok"
	switch {
	case len(schemaWarnings) > 0:
		status = "failed"
	case len(warnings) > 0:
		status = "ok_with_warnings"
	}

	return Result{
		Valid:    len(schemaWarnings) == 0,
		Warnings: warnings,
		Summary: Summary{
			Timestamp:     time.Now().UTC(),
			StudyID:       f.CaseID,
			TotalWarnings: len(warnings),
			ByCategory:    byCategory,
			Status:        status,
		},
	}
}

// checkStructure is the only layer that can flip Valid to false: it verifies
// the artifact has the shape downstream consumers depend on.
func checkStructure(f *models.Findings) []Warning {
	var w []Warning
	if f.Nodules == nil {
		w = append(w, Warning{CategorySchema, "nodules array is absent"})
	}
	for i, s := range f.ScanMetadata.Shape {
		if s <= 0 {
			w = append(w, Warning{CategorySchema, fmt.Sprintf("scan shape axis %d is non-positive (%d)", i, s)})
		}
	}
	for i, s := range f.ScanMetadata.Spacing {
		if s <= 0 {
			w = append(w, Warning{CategorySchema, fmt.Sprintf("scan spacing axis %d is non-positive (%g)", i, s)})
		}
	}
	return w
}

// checkRequired verifies business-critical fields are present.
func checkRequired(f *models.Findings) []Warning {
	var w []Warning
	if f.CaseID == "" {
		w = append(w, Warning{CategoryRequired, "missing study identifier (case_id)"})
	}
	if f.ScanMetadata.AnalyzedAt.IsZero() {
		w = append(w, Warning{CategoryRequired, "missing analysis timestamp in scan metadata"})
	}
	if f.Impression == "" {
		w = append(w, Warning{CategoryRequired, "missing impression text"})
	}
	return w
}

// checkNodules verifies each nodule carries the fields reporting depends on.
func checkNodules(f *models.Findings) []Warning {
	var w []Warning
	for i := range f.Nodules {
		n := &f.Nodules[i]
		if n.LongAxisMM <= 0 && n.VolumeMM3 <= 0 {
			w = append(w, Warning{CategoryNodule, fmt.Sprintf("nodule %d: missing size measurement", n.ID)})
		}
		if n.ProbMalignant == nil {
			w = append(w, Warning{CategoryNodule, fmt.Sprintf("nodule %d: missing malignancy probability", n.ID)})
		}
		if n.Type == "" && !n.Degraded {
			w = append(w, Warning{CategoryNodule, fmt.Sprintf("nodule %d: missing type label", n.ID)})
		}
		if n.Location == "" {
			w = append(w, Warning{CategoryNodule, fmt.Sprintf("nodule %d: missing anatomical location", n.ID)})
		}
	}
	return w
}

// checkAssets verifies explainability paths point at real files. A high-risk
// nodule with no asset at all is elevated beyond a plain missing-file note.
func (v *Validator) checkAssets(f *models.Findings) []Warning {
	var w []Warning
	for i := range f.Nodules {
		n := &f.Nodules[i]
		hasAsset := false
		if n.GradCAMPath != "" && n.GradCAMPath != models.PathNotAvailable {
			hasAsset = true
			if !v.SkipAssetCheck {
				if _, err := os.Stat(n.GradCAMPath); err != nil {
					hasAsset = false
					w = append(w, Warning{CategoryXAI,
						fmt.Sprintf("nodule %d: gradcam file missing: %s", n.ID, n.GradCAMPath)})
				}
			}
		}
		if n.ProbMalignant != nil && *n.ProbMalignant >= models.HighRiskThreshold && !hasAsset {
			w = append(w, Warning{CategoryXAI,
				fmt.Sprintf("nodule %d: high-risk nodule (p=%.2f) lacks explainability visualization", n.ID, *n.ProbMalignant)})
		}
	}
	return w
}

// checkSanity flags cross-field inconsistencies and distributions that look
// like synthetic or erroneous model output.
func checkSanity(f *models.Findings) []Warning {
	var w []Warning

	if f.NumNodules != len(f.Nodules) {
		w = append(w, Warning{CategorySanity,
			fmt.Sprintf("num_nodules mismatch: declared %d vs actual %d", f.NumNodules, len(f.Nodules))})
	}

	var probs []float64
	for i := range f.Nodules {
		n := &f.Nodules[i]
		if n.ProbMalignant == nil {
			continue
		}
		p := *n.ProbMalignant
		probs = append(probs, p)

		if p < 0 || p > 1 {
			w = append(w, Warning{CategorySanity,
				fmt.Sprintf("nodule %d: probability %g outside [0,1]", n.ID, p)})
		}
		if p > 0.8 && n.Uncertainty.Entropy > 0.5 {
			w = append(w, Warning{CategorySanity,
				fmt.Sprintf("nodule %d: high malignancy (%.2f) with high uncertainty (%.2f), flagging for review", n.ID, p, n.Uncertainty.Entropy)})
		}
	}

	if len(probs) > 3 {
		allHigh := true
		for _, p := range probs {
			if p <= 0.9 {
				allHigh = false
				break
			}
		}
		if allHigh {
			w = append(w, Warning{CategorySanity, "all nodules show >90% malignancy, verify model output"})
		}

		identical := make(map[float64]int)
		for _, p := range probs {
			identical[round4(p)]++
		}
		for _, c := range identical {
			if c > 3 {
				w = append(w, Warning{CategorySanity,
					fmt.Sprintf("%d nodules share an identical probability, possible synthetic data", c)})
				break
			}
		}
	}
	return w
}

// round4 buckets probabilities to four decimals for the identical-value scan.
func round4(p float64) float64 {
	return float64(int(p*10000+0.5)) / 10000
}
