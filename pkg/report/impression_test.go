package report

import (
	"strings"
	"testing"

	"github.com/Kowshik4593/health-atm/internal/models"
)

func withProbs(probs ...float64) *models.Findings {
	f := &models.Findings{}
	for i, p := range probs {
		p := p
		f.Nodules = append(f.Nodules, models.Nodule{ID: i + 1, ProbMalignant: &p})
	}
	f.Normalize()
	return f
}

func TestBuildImpression(t *testing.T) {
	t.Run("high risk present", func(t *testing.T) {
		imp, sum := BuildImpression(withProbs(0.9, 0.5, 0.1))
		want := "AI detected 3 nodule(s), 1 classified as high-risk for malignancy. Clinical correlation and follow-up recommended."
		if imp != want {
			t.Errorf("impression = %q", imp)
		}
		if !strings.Contains(sum, "1 need(s) attention") {
			t.Errorf("summary = %q", sum)
		}
	})

	t.Run("moderate risk without high", func(t *testing.T) {
		imp, _ := BuildImpression(withProbs(0.5, 0.45, 0.1))
		want := "AI detected 3 nodule(s), 2 with moderate risk. Monitoring recommended."
		if imp != want {
			t.Errorf("impression = %q", imp)
		}
	})

	t.Run("only low risk", func(t *testing.T) {
		imp, _ := BuildImpression(withProbs(0.2, 0.1))
		want := "AI detected 2 nodule(s), all classified as low risk. Routine follow-up suggested."
		if imp != want {
			t.Errorf("impression = %q", imp)
		}
	})

	t.Run("nothing detected", func(t *testing.T) {
		imp, sum := BuildImpression(withProbs())
		if imp != "No significant nodules detected by AI analysis." {
			t.Errorf("impression = %q", imp)
		}
		if !strings.Contains(sum, "did not find any concerning spots") {
			t.Errorf("summary = %q", sum)
		}
	})

	t.Run("degraded nodules still count toward the total", func(t *testing.T) {
		f := withProbs(0.1)
		f.Nodules = append(f.Nodules, models.Nodule{ID: 2, Degraded: true})
		f.Normalize()
		imp, _ := BuildImpression(f)
		if !strings.Contains(imp, "2 nodule(s)") {
			t.Errorf("impression = %q", imp)
		}
	})
}
