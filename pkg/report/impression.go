// Package report derives the deterministic textual and scan-level summary
// fields of a findings artifact. Narrative generation and document rendering
// live outside the pipeline core; this package only templates from risk
// counts and intensity statistics.
package report

import (
	"fmt"

	"github.com/Kowshik4593/health-atm/internal/models"
)

// BuildImpression returns the clinician impression and the plain-language
// summary templated from the nodule risk counts. The four branches (high
// risk present, moderate risk present, only low risk, nothing detected) are
// fixed sentences parameterized by counts only.
func BuildImpression(f *models.Findings) (impression, summary string) {
	high, moderate := f.RiskCounts()
	total := len(f.Nodules)

	switch {
	case high > 0:
		impression = fmt.Sprintf(
			"AI detected %d nodule(s), %d classified as high-risk for malignancy. Clinical correlation and follow-up recommended.",
			total, high)
		summary = fmt.Sprintf(
			"The AI scan found %d spot(s) in your lungs. %d need(s) attention. Please consult your doctor for next steps.",
			total, high)
	case moderate > 0:
		impression = fmt.Sprintf(
			"AI detected %d nodule(s), %d with moderate risk. Monitoring recommended.",
			total, moderate)
		summary = fmt.Sprintf(
			"The AI scan found %d spot(s). Some may need monitoring. Your doctor will advise on follow-up.",
			total)
	case total > 0:
		impression = fmt.Sprintf(
			"AI detected %d nodule(s), all classified as low risk. Routine follow-up suggested.",
			total)
		summary = fmt.Sprintf(
			"The AI scan found %d small spot(s) that appear low risk. Regular check-ups are recommended.",
			total)
	default:
		impression = "No significant nodules detected by AI analysis."
		summary = "The AI scan did not find any concerning spots in your lungs. Continue with regular health check-ups."
	}
	return impression, summary
}
