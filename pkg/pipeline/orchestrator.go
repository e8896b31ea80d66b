package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kowshik4593/health-atm/internal/logging"
	"github.com/Kowshik4593/health-atm/internal/models"
	"github.com/Kowshik4593/health-atm/internal/store"
	"github.com/Kowshik4593/health-atm/pkg/validate"
)

// Trigger errors. A case already being processed is never started twice; a
// completed case requires an explicit Retrigger.
var (
	ErrAlreadyRunning   = errors.New("pipeline: case is already processing")
	ErrAlreadyCompleted = errors.New("pipeline: case already completed, use retrigger")
	ErrQueueFull        = errors.New("pipeline: work queue is full")
	ErrClosed           = errors.New("pipeline: orchestrator is closed")
)

// Reporter publishes a finalized findings artifact to a downstream report
// consumer. Failures are non-fatal for the run.
type Reporter interface {
	Publish(ctx context.Context, f *models.Findings) error
}

// Notifier informs a downstream consumer of a run's terminal state. Failures
// are non-fatal for the run.
type Notifier interface {
	Notify(ctx context.Context, caseID string, state models.RunState, message string) error
}

// DownstreamError wraps a failure of a downstream consumer. The run that
// produced it still completed.
type DownstreamError struct {
	Op  string
	Err error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("downstream %s: %v", e.Op, e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }

// Outcome is the terminal result of one run.
type Outcome struct {
	CaseID string
	RunID  string
	State  models.RunState

	// Stage is the last stage entered; for a failed run, the stage that
	// failed.
	Stage string

	Findings *models.Findings
	Warnings []validate.Warning

	// DownstreamErrs holds non-fatal downstream consumer failures of a
	// completed run.
	DownstreamErrs []error

	Err error
}

// Options configures optional orchestrator collaborators.
type Options struct {
	Reporter  Reporter
	Notifier  Notifier
	QueueSize int
}

type job struct {
	caseID string
	runID  string
}

// Orchestrator serializes pipeline runs through a single worker and enforces
// the per-case state machine: pending -> processing -> {completed | failed}.
// The transition to processing happens synchronously inside Trigger, before
// the job is queued, so concurrent triggers for one case cannot both start.
type Orchestrator struct {
	store     store.Store
	analyzer  *Analyzer
	validator *validate.Validator
	reporter  Reporter
	notifier  Notifier
	log       *zap.Logger

	mu      sync.Mutex
	closed  bool
	waiters map[string]chan Outcome

	queue chan job
	wg    sync.WaitGroup
}

// NewOrchestrator starts the worker goroutine. Callers must Close the
// orchestrator to drain the queue and stop the worker.
func NewOrchestrator(st store.Store, analyzer *Analyzer, opts Options, logger *zap.Logger) *Orchestrator {
	size := opts.QueueSize
	if size <= 0 {
		size = 64
	}
	o := &Orchestrator{
		store:     st,
		analyzer:  analyzer,
		validator: &validate.Validator{},
		reporter:  opts.Reporter,
		notifier:  opts.Notifier,
		log:       logging.OrNop(logger).Named("pipeline"),
		waiters:   make(map[string]chan Outcome),
		queue:     make(chan job, size),
	}
	o.wg.Add(1)
	go o.run()
	return o
}

// Trigger starts a run for a registered case. It returns the run ID for use
// with Wait. A case in pending or failed state starts; a processing case
// returns ErrAlreadyRunning and a completed case ErrAlreadyCompleted.
func (o *Orchestrator) Trigger(ctx context.Context, caseID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.triggerLocked(ctx, caseID)
}

// Retrigger restarts a terminal case from pending. A processing case cannot
// be retriggered.
func (o *Orchestrator) Retrigger(ctx context.Context, caseID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, err := o.store.GetStatus(ctx, caseID)
	if err != nil {
		return "", err
	}
	if rec.State == models.StateProcessing {
		return "", ErrAlreadyRunning
	}
	if err := o.store.UpsertStatus(ctx, caseID, models.StatePending, "", ""); err != nil {
		return "", err
	}
	return o.triggerLocked(ctx, caseID)
}

func (o *Orchestrator) triggerLocked(ctx context.Context, caseID string) (string, error) {
	if o.closed {
		return "", ErrClosed
	}
	rec, err := o.store.GetStatus(ctx, caseID)
	if err != nil {
		return "", err
	}
	switch rec.State {
	case models.StateProcessing:
		return "", ErrAlreadyRunning
	case models.StateCompleted:
		return "", ErrAlreadyCompleted
	}

	runID := uuid.NewString()
	if err := o.store.UpsertStatus(ctx, caseID, models.StateProcessing, "queued", ""); err != nil {
		return "", err
	}
	o.event(ctx, caseID, runID, models.StateProcessing, "queued", "run triggered")

	ch := make(chan Outcome, 1)
	select {
	case o.queue <- job{caseID: caseID, runID: runID}:
		o.waiters[runID] = ch
	default:
		// Roll the state back so the case can be triggered again later.
		if rbErr := o.store.UpsertStatus(ctx, caseID, models.StatePending, "", ""); rbErr != nil {
			o.log.Error("queue full and state rollback failed",
				zap.String("case_id", caseID), zap.Error(rbErr))
		}
		return "", ErrQueueFull
	}
	o.log.Info("run queued", zap.String("case_id", caseID), zap.String("run_id", runID))
	return runID, nil
}

// Wait blocks until the identified run reaches a terminal state.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (Outcome, error) {
	o.mu.Lock()
	ch, ok := o.waiters[runID]
	o.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("pipeline: unknown run %s", runID)
	}
	select {
	case out := <-ch:
		o.mu.Lock()
		delete(o.waiters, runID)
		o.mu.Unlock()
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Status returns the case's current processing record.
func (o *Orchestrator) Status(ctx context.Context, caseID string) (store.CaseRecord, error) {
	return o.store.GetStatus(ctx, caseID)
}

// ProcessPending triggers a run for every case currently pending, returning
// the run IDs started. Cases that fail to trigger are logged and skipped.
func (o *Orchestrator) ProcessPending(ctx context.Context) ([]string, error) {
	ids, err := o.store.PendingCases(ctx)
	if err != nil {
		return nil, err
	}
	var runIDs []string
	for _, id := range ids {
		runID, err := o.Trigger(ctx, id)
		if err != nil {
			o.log.Warn("skipping pending case",
				zap.String("case_id", id), zap.Error(err))
			continue
		}
		runIDs = append(runIDs, runID)
	}
	return runIDs, nil
}

// Close stops accepting triggers, drains queued runs and stops the worker.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) run() {
	defer o.wg.Done()
	for j := range o.queue {
		out := o.processCase(context.Background(), j)
		o.deliver(j.runID, out)
	}
}

// deliver parks the outcome in the run's buffered channel. The waiter entry
// stays until Wait consumes it, so a Wait issued after the run finished still
// observes the outcome.
func (o *Orchestrator) deliver(runID string, out Outcome) {
	o.mu.Lock()
	ch, ok := o.waiters[runID]
	o.mu.Unlock()
	if ok {
		ch <- out
	}
}

func (o *Orchestrator) processCase(ctx context.Context, j job) Outcome {
	scanPath, err := o.store.ScanLocation(ctx, j.caseID)
	if err != nil {
		return o.fail(ctx, j, StageLoad, err)
	}

	o.event(ctx, j.caseID, j.runID, models.StateProcessing, StageLoad, "analysis started")

	f, err := o.analyzer.Analyze(ctx, j.caseID, scanPath)
	if err != nil {
		stage := StageLoad
		var se *StageError
		if errors.As(err, &se) {
			stage = se.Stage
		}
		return o.fail(ctx, j, stage, err)
	}

	res := o.validator.Validate(f)
	for _, w := range res.Warnings {
		o.log.Warn("findings validation warning",
			zap.String("case_id", j.caseID),
			zap.String("category", string(w.Category)),
			zap.String("warning", w.Message))
	}
	if !res.Valid {
		return o.failWithWarnings(ctx, j, StageReport,
			fmt.Errorf("findings artifact failed structural validation (%d warnings)", len(res.Warnings)),
			res.Warnings)
	}

	if err := o.store.SaveFindings(ctx, j.caseID, f); err != nil {
		return o.failWithWarnings(ctx, j, StagePersist, err, res.Warnings)
	}
	if err := o.store.UpsertStatus(ctx, j.caseID, models.StateCompleted, StagePersist, ""); err != nil {
		return o.failWithWarnings(ctx, j, StagePersist, err, res.Warnings)
	}
	o.event(ctx, j.caseID, j.runID, models.StateCompleted, StagePersist,
		fmt.Sprintf("%d nodule(s) found", f.NumNodules))

	out := Outcome{
		CaseID:   j.caseID,
		RunID:    j.runID,
		State:    models.StateCompleted,
		Stage:    StagePersist,
		Findings: f,
		Warnings: res.Warnings,
	}
	out.DownstreamErrs = o.fanOut(ctx, j, f)
	return out
}

// fanOut publishes the completed run to downstream consumers. A downstream
// failure never changes the run's completed state.
func (o *Orchestrator) fanOut(ctx context.Context, j job, f *models.Findings) []error {
	var errs []error
	if o.reporter != nil {
		if err := o.reporter.Publish(ctx, f); err != nil {
			derr := &DownstreamError{Op: "report", Err: err}
			errs = append(errs, derr)
			o.log.Warn("report publish failed, run remains completed",
				zap.String("case_id", j.caseID), zap.Error(err))
			o.event(ctx, j.caseID, j.runID, models.StateCompleted, StageReport, derr.Error())
		}
	}
	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, j.caseID, models.StateCompleted, f.SummaryText); err != nil {
			derr := &DownstreamError{Op: "notify", Err: err}
			errs = append(errs, derr)
			o.log.Warn("notification failed, run remains completed",
				zap.String("case_id", j.caseID), zap.Error(err))
			o.event(ctx, j.caseID, j.runID, models.StateCompleted, StageReport, derr.Error())
		}
	}
	return errs
}

func (o *Orchestrator) fail(ctx context.Context, j job, stage string, err error) Outcome {
	return o.failWithWarnings(ctx, j, stage, err, nil)
}

func (o *Orchestrator) failWithWarnings(ctx context.Context, j job, stage string, err error, warnings []validate.Warning) Outcome {
	o.log.Error("run failed",
		zap.String("case_id", j.caseID),
		zap.String("run_id", j.runID),
		zap.String("stage", stage),
		zap.Error(err))

	if uerr := o.store.UpsertStatus(ctx, j.caseID, models.StateFailed, stage, err.Error()); uerr != nil {
		o.log.Error("failed-state write failed",
			zap.String("case_id", j.caseID), zap.Error(uerr))
	}
	o.event(ctx, j.caseID, j.runID, models.StateFailed, stage, err.Error())

	if o.notifier != nil {
		if nerr := o.notifier.Notify(ctx, j.caseID, models.StateFailed, err.Error()); nerr != nil {
			o.log.Warn("failure notification failed",
				zap.String("case_id", j.caseID), zap.Error(nerr))
		}
	}
	return Outcome{
		CaseID:   j.caseID,
		RunID:    j.runID,
		State:    models.StateFailed,
		Stage:    stage,
		Warnings: warnings,
		Err:      err,
	}
}

// event appends to the audit trail; trail write failures are logged, never
// fatal.
func (o *Orchestrator) event(ctx context.Context, caseID, runID string, state models.RunState, stage, detail string) {
	err := o.store.RecordRunEvent(ctx, store.RunEvent{
		RunID:  runID,
		CaseID: caseID,
		State:  state,
		Stage:  stage,
		Detail: detail,
	})
	if err != nil {
		o.log.Warn("audit event write failed",
			zap.String("case_id", caseID), zap.Error(err))
	}
}
