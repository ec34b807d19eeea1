package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/franksops/fileops/jobs"
)

// Outcome distinguishes the results of a submission.
type Outcome string

const (
	OutcomeQueued        Outcome = "queued"
	OutcomeDryRun        Outcome = "dry_run"
	OutcomeNeedsDecision Outcome = "needs_decision"
)

// SubmitResult is the result of Service.Submit. Job is set when Outcome is
// OutcomeQueued; Conflicts may be set for the other outcomes.
type SubmitResult struct {
	Outcome   Outcome
	Job       *jobs.Job
	Operation *Operation
	Conflicts []Conflict
}

// Service turns requests into queued jobs.
type Service struct {
	engine *Engine
	jobs   *jobs.Manager
	log    *zap.Logger
}

// NewService ties an engine to a job manager.
func NewService(e *Engine, m *jobs.Manager, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{engine: e, jobs: m, log: log.Named("service")}
}

// Engine returns the engine jobs run on.
func (s *Service) Engine() *Engine { return s.engine }

// Submit validates req and either reports its conflicts or queues a job.
// Validation failures are returned as errors before any job exists.
func (s *Service) Submit(ctx context.Context, req Request) (*SubmitResult, error) {
	op, err := s.engine.Normalize(ctx, req)
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	if req.DryRun || undecided(op.Options) {
		if conflicts, err = s.engine.Plan(ctx, op); err != nil {
			return nil, err
		}
	}
	if req.DryRun {
		return &SubmitResult{Outcome: OutcomeDryRun, Operation: op, Conflicts: conflicts}, nil
	}
	if len(conflicts) > 0 {
		return &SubmitResult{Outcome: OutcomeNeedsDecision, Operation: op, Conflicts: conflicts}, nil
	}

	job := s.jobs.Create(op.Op, label(op))
	run := func(ctx context.Context, j *jobs.Job) error {
		return s.engine.Execute(ctx, j, op)
	}
	if err := s.jobs.Submit(job, run); err != nil {
		return nil, err
	}
	s.log.Info("job queued",
		zap.String("job_id", job.ID),
		zap.String("op", string(op.Op)),
		zap.Int("sources", len(op.Sources)),
		zap.Stringer("src", op.Src),
		zap.Stringer("dst", op.Dst),
	)
	return &SubmitResult{Outcome: OutcomeQueued, Job: job, Operation: op}, nil
}

// undecided reports whether an Ask request carries no way to settle a
// conflict.
func undecided(o Options) bool {
	return o.Overwrite == PolicyAsk && len(o.Decisions) == 0 && o.Default == DecisionNone
}

func label(op *Operation) string {
	what := fmt.Sprintf("%d items", len(op.Sources))
	if len(op.Sources) == 1 {
		what = op.Sources[0].Name
	}
	if op.Op == jobs.OpDelete {
		return fmt.Sprintf("delete %s on %s", what, op.Src)
	}
	return fmt.Sprintf("%s %s from %s to %s", op.Op, what, op.Src, op.Dst)
}
