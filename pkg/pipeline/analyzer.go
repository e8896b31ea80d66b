// Package pipeline runs the end-to-end scan analysis: load, normalize,
// sliding-window inference, nodule extraction, per-nodule classification,
// explainability generation and report field derivation, orchestrated under a
// per-case processing state machine.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Kowshik4593/health-atm/internal/logging"
	"github.com/Kowshik4593/health-atm/internal/models"
	"github.com/Kowshik4593/health-atm/pkg/config"
	"github.com/Kowshik4593/health-atm/pkg/inference"
	"github.com/Kowshik4593/health-atm/pkg/nodule"
	"github.com/Kowshik4593/health-atm/pkg/report"
	"github.com/Kowshik4593/health-atm/pkg/volume"
	"github.com/Kowshik4593/health-atm/pkg/xai"
)

// Pipeline stage names recorded in run state and the audit trail.
const (
	StageLoad       = "load"
	StageNormalize  = "normalize"
	StageInference  = "inference"
	StageExtraction = "extraction"
	StageClassify   = "classification"
	StageXAI        = "xai"
	StageReport     = "report"
	StagePersist    = "persist"
)

// StageError reports which pipeline stage a run failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Analyzer runs the analysis stages for one scan. It holds the loaded model
// and derived engine read-only and is safe for sequential reuse across cases.
type Analyzer struct {
	cfg    *config.Config
	model  inference.Model
	engine *inference.Engine
	log    *zap.Logger
}

// NewAnalyzer loads the model named by the configuration and prepares the
// inference engine.
func NewAnalyzer(cfg *config.Config, logger *zap.Logger) (*Analyzer, error) {
	logger = logging.OrNop(logger)

	model, err := inference.LoadModel(cfg.Inference.ModelPath, cfg.Inference.PatchSize, logger)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	engine, err := inference.NewEngine(model, inference.Params{
		Stride:    cfg.Inference.Stride,
		Threshold: cfg.Inference.Threshold,
		Workers:   cfg.Inference.Workers,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return &Analyzer{cfg: cfg, model: model, engine: engine, log: logger.Named("analyze")}, nil
}

// Analyze runs the full stage sequence for one scan and returns the finalized
// findings artifact. A returned error is always a *StageError naming the
// failed stage. Per-nodule classification and explainability failures degrade
// the affected nodule instead of failing the run.
func (a *Analyzer) Analyze(ctx context.Context, caseID, scanPath string) (*models.Findings, error) {
	start := time.Now()

	vol, err := volume.Load(scanPath)
	if err != nil {
		return nil, &StageError{Stage: StageLoad, Err: err}
	}
	a.log.Info("scan loaded",
		zap.String("case_id", caseID),
		zap.Int("depth", vol.Depth),
		zap.Int("height", vol.Height),
		zap.Int("width", vol.Width))

	norm := volume.Normalize(vol, a.cfg.Normalization.HUMin, a.cfg.Normalization.HUMax)

	res, err := a.engine.Run(ctx, norm)
	if err != nil {
		return nil, &StageError{Stage: StageInference, Err: err}
	}
	a.log.Info("inference complete",
		zap.String("case_id", caseID),
		zap.Int("patches", res.Patches),
		zap.Float64("avg_risk", res.AvgRisk))

	nodules := nodule.Extract(res.Mask, norm.Shape(), norm.Spacing, a.cfg.Extraction.MinVolumeMM3)

	classifier := nodule.NewClassifier(a.model, a.log)
	nodules = classifier.Classify(norm, nodules)

	f := &models.Findings{
		CaseID: caseID,
		ScanMetadata: models.ScanMetadata{
			Shape:      norm.Shape(),
			Spacing:    norm.Spacing,
			AnalyzedAt: time.Now().UTC(),
		},
		Nodules: nodules,
	}
	f.Normalize()

	a.generateExplanations(norm, f)

	report.ScanScores(norm).Apply(f)
	f.Impression, f.SummaryText = report.BuildImpression(f)

	f.ProcessingTimeSeconds = time.Since(start).Seconds()

	if err := a.writeArtifacts(caseID, f, res); err != nil {
		return nil, &StageError{Stage: StagePersist, Err: err}
	}

	a.log.Info("analysis complete",
		zap.String("case_id", caseID),
		zap.Int("nodules", f.NumNodules),
		zap.Float64("seconds", f.ProcessingTimeSeconds))
	return f, nil
}

// generateExplanations produces saliency artifacts for every nodule in the
// moderate band or above. Failures leave the nodule's path unavailable.
func (a *Analyzer) generateExplanations(norm *models.Volume, f *models.Findings) {
	gen := xai.NewGenerator(a.model, filepath.Join(a.caseDir(f.CaseID), "xai"), a.log)
	for i := range f.Nodules {
		n := &f.Nodules[i]
		if !xai.Qualifies(n) {
			continue
		}
		path, err := gen.Generate(norm, n)
		if err != nil {
			a.log.Warn("explainability generation failed, continuing",
				zap.Int("nodule_id", n.ID),
				zap.Error(err))
			n.GradCAMPath = models.PathNotAvailable
			continue
		}
		n.GradCAMPath = path
	}
}

// writeArtifacts persists the per-case output files: the findings JSON and,
// when configured, the binary segmentation mask.
func (a *Analyzer) writeArtifacts(caseID string, f *models.Findings, res *inference.Result) error {
	dir := a.caseDir(caseID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create case output dir: %w", err)
	}

	if a.cfg.Output.SaveMask {
		maskVol := &models.Volume{
			Data:    make([]float64, len(res.Mask)),
			Depth:   res.Field.Depth,
			Height:  res.Field.Height,
			Width:   res.Field.Width,
			Spacing: res.Field.Spacing,
		}
		for i, m := range res.Mask {
			maskVol.Data[i] = float64(m)
		}
		maskPath := filepath.Join(dir, "mask.hatmvol")
		if err := volume.WriteVolumeFile(maskPath, maskVol); err != nil {
			return fmt.Errorf("write mask: %w", err)
		}
		f.MaskPath = maskPath
	}

	return WriteFindingsFile(filepath.Join(dir, "findings.json"), f)
}

func (a *Analyzer) caseDir(caseID string) string {
	return filepath.Join(a.cfg.Output.Dir, caseID)
}

// WriteFindingsFile persists a findings artifact as indented JSON.
func WriteFindingsFile(path string, f *models.Findings) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write findings file: %w", err)
	}
	return nil
}

// ReadFindingsFile loads a findings artifact from a JSON file.
func ReadFindingsFile(path string) (*models.Findings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read findings file: %w", err)
	}
	var f models.Findings
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode findings file: %w", err)
	}
	return &f, nil
}
