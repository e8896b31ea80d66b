package nodule

import (
	"go.uber.org/zap"

	"github.com/Kowshik4593/health-atm/internal/logging"
	"github.com/Kowshik4593/health-atm/internal/models"
	"github.com/Kowshik4593/health-atm/pkg/inference"
)

// Classifier re-scores each extracted nodule individually through the model's
// classification head for a calibrated malignancy probability.
type Classifier struct {
	model inference.Model
	log   *zap.Logger
}

// NewClassifier wraps the shared read-only model handle.
func NewClassifier(model inference.Model, logger *zap.Logger) *Classifier {
	return &Classifier{model: model, log: logging.OrNop(logger).Named("classify")}
}

// Classify enriches each nodule in place with a malignancy probability, risk
// category, type and location labels, and an uncertainty record.
//
// The model sees a cubic patch of the normalized volume centered on the
// nodule's centroid (zero-padded where it extends outside volume bounds). A
// forward-pass failure on one nodule does not abort the others: the nodule is
// marked degraded with a nil probability and classification continues.
// Location is derived purely from the centroid and is set even for degraded
// nodules.
func (c *Classifier) Classify(vol *models.Volume, nodules []models.Nodule) []models.Nodule {
	size := c.model.PatchSize()
	for i := range nodules {
		n := &nodules[i]
		n.Location = EstimateLobe(n.Centroid, vol.Shape())

		patch := vol.Patch(
			int(n.Centroid[0]),
			int(n.Centroid[1]),
			int(n.Centroid[2]),
			size,
		)
		_, prob, err := c.model.Infer(patch)
		if err != nil {
			c.log.Warn("nodule classification failed, continuing",
				zap.Int("nodule_id", n.ID),
				zap.Error(err))
			n.Degraded = true
			n.ProbMalignant = nil
			continue
		}

		p := prob
		n.ProbMalignant = &p
		n.Risk = models.RiskFor(p)
		n.Type = models.TypeFor(p)
		n.Uncertainty = models.UncertaintyFor(p)
	}
	return nodules
}
