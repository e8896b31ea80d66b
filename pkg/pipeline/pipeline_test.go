package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kowshik4593/health-atm/internal/models"
	"github.com/Kowshik4593/health-atm/internal/store"
	"github.com/Kowshik4593/health-atm/pkg/config"
	"github.com/Kowshik4593/health-atm/pkg/volume"
)

// testConfig builds a small-patch configuration writing into a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Inference.PatchSize = 16
	cfg.Inference.Stride = 12
	cfg.Inference.Workers = 2
	cfg.Inference.ModelPath = filepath.Join(t.TempDir(), "absent-weights.yaml")
	cfg.Output.Dir = t.TempDir()
	return cfg
}

// writeScan persists a synthetic 32^3 scan. When bright is set, an 8^3 cube
// of soft-tissue intensity sits at the volume center; the rest is air.
func writeScan(t *testing.T, bright bool) string {
	t.Helper()
	vol := models.NewVolume(32, 32, 32, [3]float64{1, 1, 1})
	for i := range vol.Data {
		vol.Data[i] = -1000
	}
	if bright {
		for z := 12; z < 20; z++ {
			for y := 12; y < 20; y++ {
				for x := 12; x < 20; x++ {
					vol.Set(z, y, x, 400)
				}
			}
		}
	}
	path := filepath.Join(t.TempDir(), "scan.hatmvol")
	require.NoError(t, volume.WriteVolumeFile(path, vol))
	return path
}

func TestAnalyzeDetectsNodule(t *testing.T) {
	cfg := testConfig(t)
	analyzer, err := NewAnalyzer(cfg, nil)
	require.NoError(t, err)

	f, err := analyzer.Analyze(context.Background(), "case-bright", writeScan(t, true))
	require.NoError(t, err)

	assert.Equal(t, "case-bright", f.CaseID)
	assert.Equal(t, [3]int{32, 32, 32}, f.ScanMetadata.Shape)
	require.Equal(t, 1, f.NumNodules)

	n := f.Nodules[0]
	assert.Equal(t, 1, n.ID)
	assert.Equal(t, 512, n.VoxelCount)
	// Cube spans voxels 12..19 on every axis.
	assert.InDelta(t, 15.5, n.Centroid[0], 1.0)
	assert.InDelta(t, 15.5, n.Centroid[1], 1.0)
	assert.InDelta(t, 15.5, n.Centroid[2], 1.0)

	require.NotNil(t, n.ProbMalignant)
	assert.Greater(t, *n.ProbMalignant, 0.5)
	assert.NotEmpty(t, n.Location)
	assert.False(t, n.Degraded)

	// A nodule above the moderate band gets explainability artifacts.
	if assert.NotEqual(t, models.PathNotAvailable, n.GradCAMPath) {
		_, err := os.Stat(n.GradCAMPath)
		assert.NoError(t, err, "gradcam overlay missing on disk")
	}

	assert.NotEmpty(t, f.Impression)
	assert.NotEmpty(t, f.SummaryText)
	assert.NotEmpty(t, f.LungHealth)
	assert.Greater(t, f.ProcessingTimeSeconds, 0.0)

	// Per-case artifacts land in the output directory.
	_, err = os.Stat(filepath.Join(cfg.Output.Dir, "case-bright", "findings.json"))
	assert.NoError(t, err)
	require.NotEmpty(t, f.MaskPath)
	_, err = os.Stat(f.MaskPath)
	assert.NoError(t, err)
}

func TestAnalyzeCleanScan(t *testing.T) {
	cfg := testConfig(t)
	analyzer, err := NewAnalyzer(cfg, nil)
	require.NoError(t, err)

	f, err := analyzer.Analyze(context.Background(), "case-clean", writeScan(t, false))
	require.NoError(t, err)

	assert.Equal(t, 0, f.NumNodules)
	assert.NotNil(t, f.Nodules)
	assert.Equal(t, "No significant nodules detected by AI analysis.", f.Impression)
}

func TestAnalyzeDefaultParameters(t *testing.T) {
	// Full-size run with the stock patch 64 / stride 48 configuration.
	cfg := config.DefaultConfig()
	cfg.Inference.Workers = 1
	cfg.Inference.ModelPath = filepath.Join(t.TempDir(), "absent-weights.yaml")
	cfg.Output.Dir = t.TempDir()

	analyzer, err := NewAnalyzer(cfg, nil)
	require.NoError(t, err)

	newScan := func(t *testing.T) *models.Volume {
		vol := models.NewVolume(64, 64, 64, [3]float64{1, 1, 1})
		for i := range vol.Data {
			vol.Data[i] = -1000
		}
		return vol
	}

	t.Run("all-air volume yields empty findings", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "scan.hatmvol")
		require.NoError(t, volume.WriteVolumeFile(path, newScan(t)))

		f, err := analyzer.Analyze(context.Background(), "case-air", path)
		require.NoError(t, err)
		assert.Equal(t, 0, f.NumNodules)
		assert.Equal(t, "No significant nodules detected by AI analysis.", f.Impression)
	})

	t.Run("embedded cube yields one measured nodule", func(t *testing.T) {
		vol := newScan(t)
		// 15^3 soft-tissue cube centered at voxel 31 on every axis.
		for z := 24; z < 39; z++ {
			for y := 24; y < 39; y++ {
				for x := 24; x < 39; x++ {
					vol.Set(z, y, x, 400)
				}
			}
		}
		path := filepath.Join(t.TempDir(), "scan.hatmvol")
		require.NoError(t, volume.WriteVolumeFile(path, vol))

		f, err := analyzer.Analyze(context.Background(), "case-cube", path)
		require.NoError(t, err)
		require.Equal(t, 1, f.NumNodules)

		n := f.Nodules[0]
		assert.Equal(t, 15*15*15, n.VoxelCount)
		assert.InDelta(t, float64(15*15*15), n.VolumeMM3, 1e-9)
		for axis := 0; axis < 3; axis++ {
			assert.InDelta(t, 31.0, n.Centroid[axis], 1.0)
		}
		require.NotNil(t, n.ProbMalignant)
		assert.Contains(t, f.Impression, "Routine follow-up")
	})
}

func TestAnalyzeMissingScan(t *testing.T) {
	analyzer, err := NewAnalyzer(testConfig(t), nil)
	require.NoError(t, err)

	_, err = analyzer.Analyze(context.Background(), "case-x", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageLoad, se.Stage)
	assert.True(t, volume.IsInputError(err))
}

func TestFindingsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "findings.json")
	f := &models.Findings{CaseID: "case-rt"}
	f.Normalize()

	require.NoError(t, WriteFindingsFile(path, f))
	got, err := ReadFindingsFile(path)
	require.NoError(t, err)
	assert.Equal(t, "case-rt", got.CaseID)
	assert.NotNil(t, got.Nodules)
}

// recordingReporter captures published findings, optionally failing.
type recordingReporter struct {
	published []*models.Findings
	fail      bool
}

func (r *recordingReporter) Publish(_ context.Context, f *models.Findings) error {
	if r.fail {
		return fmt.Errorf("report service unavailable")
	}
	r.published = append(r.published, f)
	return nil
}

// recordingNotifier captures notifications, optionally failing.
type recordingNotifier struct {
	states []models.RunState
	fail   bool
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, state models.RunState, _ string) error {
	if n.fail {
		return fmt.Errorf("notification channel down")
	}
	n.states = append(n.states, state)
	return nil
}

func newTestOrchestrator(t *testing.T, st store.Store, opts Options) *Orchestrator {
	t.Helper()
	analyzer, err := NewAnalyzer(testConfig(t), nil)
	require.NoError(t, err)
	o := NewOrchestrator(st, analyzer, opts, nil)
	t.Cleanup(o.Close)
	return o
}

func TestOrchestratorCompletedRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	reporter := &recordingReporter{}
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, st, Options{Reporter: reporter, Notifier: notifier})

	require.NoError(t, st.RegisterCase(ctx, "case-1", writeScan(t, true)))

	runID, err := o.Trigger(ctx, "case-1")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	out, err := o.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, out.State)
	assert.NoError(t, out.Err)
	require.NotNil(t, out.Findings)
	assert.Equal(t, 1, out.Findings.NumNodules)
	assert.Empty(t, out.DownstreamErrs)

	rec, err := o.Status(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, rec.State)

	saved, err := st.GetFindings(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, "case-1", saved.CaseID)

	require.Len(t, reporter.published, 1)
	require.Len(t, notifier.states, 1)
	assert.Equal(t, models.StateCompleted, notifier.states[0])

	// Audit trail covers trigger, start and completion.
	events := st.Events()
	assert.GreaterOrEqual(t, len(events), 3)
	for _, ev := range events {
		assert.Equal(t, runID, ev.RunID)
		assert.Equal(t, "case-1", ev.CaseID)
	}
}

func TestOrchestratorTriggerGuards(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	o := newTestOrchestrator(t, st, Options{})

	require.NoError(t, st.RegisterCase(ctx, "case-g", writeScan(t, false)))

	t.Run("unknown case", func(t *testing.T) {
		_, err := o.Trigger(ctx, "ghost")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("processing case cannot start twice", func(t *testing.T) {
		require.NoError(t, st.UpsertStatus(ctx, "case-g", models.StateProcessing, "inference", ""))
		_, err := o.Trigger(ctx, "case-g")
		assert.ErrorIs(t, err, ErrAlreadyRunning)
		_, err = o.Retrigger(ctx, "case-g")
		assert.ErrorIs(t, err, ErrAlreadyRunning)
	})

	t.Run("completed case needs retrigger", func(t *testing.T) {
		require.NoError(t, st.UpsertStatus(ctx, "case-g", models.StateCompleted, "persist", ""))
		_, err := o.Trigger(ctx, "case-g")
		assert.ErrorIs(t, err, ErrAlreadyCompleted)

		runID, err := o.Retrigger(ctx, "case-g")
		require.NoError(t, err)
		out, err := o.Wait(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, models.StateCompleted, out.State)
	})

	t.Run("failed case restarts without retrigger", func(t *testing.T) {
		require.NoError(t, st.UpsertStatus(ctx, "case-g", models.StateFailed, "inference", "boom"))
		runID, err := o.Trigger(ctx, "case-g")
		require.NoError(t, err)
		_, err = o.Wait(ctx, runID)
		require.NoError(t, err)
	})
}

func TestOrchestratorFailedRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, st, Options{Notifier: notifier})

	require.NoError(t, st.RegisterCase(ctx, "case-bad", filepath.Join(t.TempDir(), "missing-scan")))

	runID, err := o.Trigger(ctx, "case-bad")
	require.NoError(t, err)

	out, err := o.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, out.State)
	assert.Equal(t, StageLoad, out.Stage)
	require.Error(t, out.Err)

	rec, err := o.Status(ctx, "case-bad")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, rec.State)
	assert.Equal(t, StageLoad, rec.Stage)
	assert.NotEmpty(t, rec.Error)

	require.Len(t, notifier.states, 1)
	assert.Equal(t, models.StateFailed, notifier.states[0])
}

func TestOrchestratorDownstreamFailureKeepsRunCompleted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	o := newTestOrchestrator(t, st, Options{
		Reporter: &recordingReporter{fail: true},
		Notifier: &recordingNotifier{fail: true},
	})

	require.NoError(t, st.RegisterCase(ctx, "case-ds", writeScan(t, true)))

	runID, err := o.Trigger(ctx, "case-ds")
	require.NoError(t, err)
	out, err := o.Wait(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, models.StateCompleted, out.State)
	assert.NoError(t, out.Err)
	require.Len(t, out.DownstreamErrs, 2)
	var derr *DownstreamError
	assert.ErrorAs(t, out.DownstreamErrs[0], &derr)

	rec, err := o.Status(ctx, "case-ds")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, rec.State, "downstream failure must not fail the run")
}

func TestOrchestratorProcessPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	o := newTestOrchestrator(t, st, Options{})

	require.NoError(t, st.RegisterCase(ctx, "case-p1", writeScan(t, false)))
	require.NoError(t, st.RegisterCase(ctx, "case-p2", writeScan(t, true)))
	require.NoError(t, st.RegisterCase(ctx, "case-done", writeScan(t, false)))
	require.NoError(t, st.UpsertStatus(ctx, "case-done", models.StateCompleted, "persist", ""))

	runIDs, err := o.ProcessPending(ctx)
	require.NoError(t, err)
	require.Len(t, runIDs, 2)

	for _, runID := range runIDs {
		out, err := o.Wait(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, models.StateCompleted, out.State)
	}
}

func TestOrchestratorClosedRejectsTriggers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	analyzer, err := NewAnalyzer(testConfig(t), nil)
	require.NoError(t, err)
	o := NewOrchestrator(st, analyzer, Options{}, nil)

	require.NoError(t, st.RegisterCase(ctx, "case-c", writeScan(t, false)))
	o.Close()

	_, err = o.Trigger(ctx, "case-c")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStageErrorUnwrap(t *testing.T) {
	inner := errors.New("disk gone")
	err := &StageError{Stage: StagePersist, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), StagePersist)
}
