package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/synqx/pipeline-core/internal/logging"
	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/platform/lifecycle"
)

// Scheduler is a lifecycle.Service that fires enabled pipelines whose
// cron schedule came due since the last tick, and separately flags
// runs that breached their SLA (spec §4.11).
type Scheduler struct {
	base *lifecycle.BaseService

	Store        Store
	Log          *logging.Logger
	TickInterval time.Duration

	parser cron.Parser

	mu        sync.Mutex
	lastCheck map[string]time.Time
}

// New builds a Scheduler. tickInterval should come from
// config.SchedulerConfig.TickInterval.
func New(store Store, log *logging.Logger, tickInterval time.Duration) *Scheduler {
	return &Scheduler{
		Store:        store,
		Log:          log,
		TickInterval: tickInterval,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastCheck:    make(map[string]time.Time),
	}
}

func (s *Scheduler) Name() string { return "scheduler" }

// Start registers the tick worker and returns immediately; the worker
// runs until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.base = lifecycle.NewBaseService("scheduler")
	s.base.AddTickerWorker(s.TickInterval, s.tick, lifecycle.WithTickerWorkerImmediate())
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	if s.base == nil {
		return nil
	}
	return s.base.Stop(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	s.checkAndEnqueue(ctx)
	s.checkSLABreaches(ctx)
}

// checkAndEnqueue fires every enabled pipeline whose schedule has a
// fire time between its last-checked moment and now, skipping
// pipelines already at their max_parallel_runs cap (spec §4.11 steps
// 1-4).
func (s *Scheduler) checkAndEnqueue(ctx context.Context) {
	pipelines, err := s.Store.DuePipelines(ctx)
	if err != nil {
		s.Log.WithError(err).Warn("scheduler: failed to list pipelines")
		return
	}

	now := time.Now().UTC()
	for _, p := range pipelines {
		if !p.ScheduleEnabled || p.CronExpr == "" {
			continue
		}
		if !s.isDue(p, now) {
			continue
		}

		active, err := s.Store.ActiveRunCount(ctx, p.ID)
		if err != nil {
			s.Log.WithError(err).WithField("pipeline_id", p.ID).Warn("scheduler: failed to count active runs")
			continue
		}
		if p.MaxParallelRuns > 0 && active >= p.MaxParallelRuns {
			s.Log.WithField("pipeline_id", p.ID).Info("scheduler: skipping fire, max_parallel_runs reached")
			continue
		}

		job := &model.Job{
			ID:              uuid.NewString(),
			PipelineID:      p.ID,
			PipelineVersion: p.ActiveVersion,
			Status:          model.JobQueued,
			WorkspaceID:     p.WorkspaceID,
			QueueName:       p.QueueName,
			CreatedAt:       now,
		}
		if err := s.Store.EnqueueJob(ctx, job); err != nil {
			s.Log.WithError(err).WithField("pipeline_id", p.ID).Error("scheduler: failed to enqueue job")
		}
	}
}

// isDue reports whether p's cron schedule fired at least once in
// (lastCheck[p.ID], now], honoring p.Timezone. The first tick for a
// pipeline only arms the watermark; it never fires retroactively for
// time elapsed before the scheduler started watching it.
func (s *Scheduler) isDue(p *model.Pipeline, now time.Time) bool {
	loc := time.UTC
	if p.Timezone != "" {
		if tz, err := time.LoadLocation(p.Timezone); err == nil {
			loc = tz
		}
	}

	sched, err := s.parser.Parse(p.CronExpr)
	if err != nil {
		s.Log.WithError(err).WithField("pipeline_id", p.ID).Warn("scheduler: invalid cron expression")
		return false
	}

	s.mu.Lock()
	last, seen := s.lastCheck[p.ID]
	s.lastCheck[p.ID] = now
	s.mu.Unlock()
	if !seen {
		return false
	}

	next := sched.Next(last.In(loc))
	return !next.After(now.In(loc))
}

// checkSLABreaches records an alert for every running PipelineRun whose
// max_duration or finish_by wall-clock budget has elapsed (spec §4.11
// step 5, supplemented from backend/app/services/dashboard_service.py's
// scheduling surface, narrowed to the breach record itself).
func (s *Scheduler) checkSLABreaches(ctx context.Context) {
	now := time.Now().UTC()

	candidates, err := s.Store.RunningPastSLA(ctx)
	if err != nil {
		s.Log.WithError(err).Warn("scheduler: failed to list SLA candidates")
	}
	for _, c := range candidates {
		reason, breached := evaluateSLA(c, now)
		if !breached {
			continue
		}
		if err := s.Store.RecordSLABreach(ctx, SLABreach{
			RunID:      c.RunID,
			PipelineID: c.PipelineID,
			Reason:     reason,
			DetectedAt: now,
		}); err != nil {
			s.Log.WithError(err).WithField("run_id", c.RunID).Error("scheduler: failed to record SLA breach")
		}
	}

	missing, err := s.Store.MissingRunsToday(ctx)
	if err != nil {
		s.Log.WithError(err).Warn("scheduler: failed to list missing-run SLA candidates")
		return
	}
	for _, c := range missing {
		if !evaluateMissingRunSLA(c, now) {
			continue
		}
		if err := s.Store.RecordSLABreach(ctx, SLABreach{
			PipelineID: c.PipelineID,
			Reason:     "finish_by",
			DetectedAt: now,
		}); err != nil {
			s.Log.WithError(err).WithField("pipeline_id", c.PipelineID).Error("scheduler: failed to record SLA breach")
		}
	}
}

func evaluateSLA(c *SLACandidate, now time.Time) (string, bool) {
	if c.SLA.MaxDuration > 0 && now.Sub(c.StartedAt) > c.SLA.MaxDuration {
		return "max_duration", true
	}
	if deadline, local, ok := finishByDeadline(c.SLA.FinishBy, c.Timezone, now); ok {
		if local.After(deadline) && c.StartedAt.In(deadline.Location()).Before(deadline) {
			return "finish_by", true
		}
	}
	return "", false
}

// evaluateMissingRunSLA breaches a pipeline's finish_by SLA once the
// wall-clock deadline has passed today without a successful run since
// midnight local time — the case RunningPastSLA structurally cannot see
// because it only inspects runs that are still Running.
func evaluateMissingRunSLA(c *MissingRunCandidate, now time.Time) bool {
	deadline, local, ok := finishByDeadline(c.FinishBy, c.Timezone, now)
	if !ok || !local.After(deadline) {
		return false
	}
	if c.LastSuccessAt == nil {
		return true
	}
	todayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, deadline.Location())
	return c.LastSuccessAt.In(deadline.Location()).Before(todayStart)
}

// finishByDeadline parses finishBy ("HH:MM") against timezone (UTC if
// empty/invalid) and projects it onto now's local calendar day.
func finishByDeadline(finishBy, timezone string, now time.Time) (deadline, local time.Time, ok bool) {
	if finishBy == "" {
		return time.Time{}, time.Time{}, false
	}
	loc := time.UTC
	if timezone != "" {
		if tz, err := time.LoadLocation(timezone); err == nil {
			loc = tz
		}
	}
	local = now.In(loc)
	parsed, err := time.ParseInLocation("15:04", finishBy, loc)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	deadline = time.Date(local.Year(), local.Month(), local.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc)
	return deadline, local, true
}
