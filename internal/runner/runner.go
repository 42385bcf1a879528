// Package runner drives one job from creation to a terminal status: it
// resolves the prompt list, feeds each prompt to the executor through the
// shared execution slot and records every outcome in the registry.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/example/promptrelay/api-go/internal/blob"
	"github.com/example/promptrelay/api-go/internal/executor"
	"github.com/example/promptrelay/api-go/internal/metrics"
	"github.com/example/promptrelay/api-go/internal/model"
	"github.com/example/promptrelay/api-go/internal/prompts"
	"github.com/example/promptrelay/api-go/internal/registry"
	"github.com/example/promptrelay/api-go/internal/serializer"
	"github.com/example/promptrelay/api-go/internal/telemetry"
)

var ErrNoPrompts = errors.New("no prompts to process")

// Archiver keeps a copy of finished jobs.
type Archiver interface {
	SaveJob(ctx context.Context, job model.Job) error
}

// Retention schedules deletion of a finished job's output directory.
type Retention interface {
	Arm(jobID, dir string, ttl time.Duration) bool
}

type Options struct {
	Registry   *registry.Registry
	Events     registry.Publisher
	Serializer *serializer.Serializer
	Executor   executor.Executor
	Source     prompts.Source
	Blobs      blob.LocalFS
	Retention  Retention
	Archive    Archiver         // optional
	Metrics    *metrics.Metrics // optional
	Tracer     trace.Tracer     // optional
	Log        *slog.Logger

	UnitTimeout  time.Duration
	RetentionTTL time.Duration
}

type Runner struct {
	opts Options
	log  *slog.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

// New returns a runner whose jobs live as long as ctx, independent of the
// request that submitted them.
func New(ctx context.Context, opts Options) *Runner {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("runner")
	}
	if opts.UnitTimeout <= 0 {
		opts.UnitTimeout = 5 * time.Minute
	}
	if opts.RetentionTTL <= 0 {
		opts.RetentionTTL = time.Hour
	}
	return &Runner{opts: opts, log: opts.Log, ctx: ctx}
}

// Submit creates a job and starts processing it in the background. An empty
// list means the default source is used.
func (r *Runner) Submit(custom []string) string {
	id := r.opts.Registry.Create()
	units := append([]string(nil), custom...)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run(r.ctx, id, units)
	}()
	return id
}

// Wait blocks until every submitted job has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Run processes the job to completion. It never returns early on a single
// prompt failure; only setup problems fail the job.
func (r *Runner) Run(ctx context.Context, id string, custom []string) {
	log := r.log.With("job_id", id)
	ctx, span := telemetry.AddSpan(ctx, r.opts.Tracer, "runner.job", attribute.String("job.id", id))
	defer span.End()

	r.opts.Metrics.JobStarted()
	defer r.finish(ctx, id, log)

	failed := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(id, err, log)
	}
	defer func() {
		if v := recover(); v != nil {
			failed(fmt.Errorf("runner panic: %v", v))
		}
	}()

	if err := r.run(ctx, id, custom, log); err != nil {
		failed(err)
	}
}

func (r *Runner) run(ctx context.Context, id string, custom []string, log *slog.Logger) error {
	if err := r.opts.Registry.Mutate(id, func(j *model.Job) {
		j.Status = model.JobRunning
		j.CurrentTask = "Initializing"
	}); err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	r.emitLog(id, model.LevelInfo, "Job started")
	log.Info("job started")

	units, err := r.resolve(ctx, custom)
	if err != nil {
		return err
	}
	total := len(units)

	if err := r.opts.Registry.Mutate(id, func(j *model.Job) {
		j.Total = total
	}); err != nil {
		return fmt.Errorf("set total: %w", err)
	}
	r.emitLog(id, model.LevelInfo, fmt.Sprintf("Loaded %d prompts", total))

	dir, err := r.opts.Blobs.EnsureJobDir(id)
	if err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	session, err := r.opts.Executor.Open(ctx, id)
	if err != nil {
		return fmt.Errorf("open executor: %w", err)
	}
	defer closeSession(session, log)

	for i, prompt := range units {
		pos := fmt.Sprintf("%d/%d", i+1, total)
		_ = r.opts.Registry.Mutate(id, func(j *model.Job) {
			j.CurrentTask = "Processing prompt " + pos
		})

		res := r.runUnit(ctx, session, executor.Request{
			JobID:     id,
			Index:     i,
			Prompt:    prompt,
			OutputDir: dir,
		})

		if err := r.opts.Registry.Mutate(id, func(j *model.Job) {
			j.Results = append(j.Results, res)
			j.Progress = len(j.Results)
			if res.Success {
				j.CurrentTask = "Prompt " + pos + " completed"
			} else {
				j.CurrentTask = "Prompt " + pos + " failed"
			}
		}); err != nil {
			return fmt.Errorf("record result %s: %w", pos, err)
		}

		if res.Success {
			r.emitLog(id, model.LevelSuccess, fmt.Sprintf("Prompt %s completed: %s", pos, res.ArtifactRef))
		} else {
			r.emitLog(id, model.LevelError, fmt.Sprintf("Prompt %s failed: %s", pos, res.ErrorMessage))
			log.Warn("prompt failed", "index", i, "err", res.ErrorMessage)
		}
	}

	now := time.Now().UTC()
	if err := r.opts.Registry.Mutate(id, func(j *model.Job) {
		j.Status = model.JobCompleted
		j.CurrentTask = "Completed successfully"
		j.CompletedAt = &now
	}); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	job, err := r.opts.Registry.Get(id)
	if err != nil {
		return nil
	}
	ev := model.JobCompletedEvent(job)
	r.publish(ev)
	r.emitLog(id, model.LevelSuccess, fmt.Sprintf("Job completed: %d/%d prompts succeeded", ev.Summary.Succeeded, ev.Summary.Total))
	log.Info("job completed", "total", ev.Summary.Total, "succeeded", ev.Summary.Succeeded, "failed", ev.Summary.Failed)
	return nil
}

// closeSession tears the session down without letting a misbehaving
// executor change the outcome of a job that already reached a terminal state.
func closeSession(session executor.Session, log *slog.Logger) {
	defer func() {
		if v := recover(); v != nil {
			log.Error("executor session panicked on close", "panic", v)
		}
	}()
	if err := session.Close(); err != nil {
		log.Warn("closing executor session", "err", err)
	}
}

func (r *Runner) resolve(ctx context.Context, custom []string) ([]string, error) {
	if len(custom) > 0 {
		return custom, nil
	}
	if r.opts.Source == nil {
		return nil, ErrNoPrompts
	}
	units, err := r.opts.Source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load default prompts: %w", err)
	}
	if len(units) == 0 {
		return nil, ErrNoPrompts
	}
	return units, nil
}

// runUnit executes one prompt while holding the execution slot. Every
// failure mode, including a timeout or a panic in the executor, becomes an
// unsuccessful result.
func (r *Runner) runUnit(ctx context.Context, session executor.Session, req executor.Request) model.UnitResult {
	ctx, span := telemetry.AddSpan(ctx, r.opts.Tracer, "runner.unit",
		attribute.String("job.id", req.JobID),
		attribute.Int("unit.index", req.Index),
	)
	defer span.End()

	var (
		art     executor.Artifact
		started time.Time
	)
	queued := time.Now()
	err := r.opts.Serializer.Do(ctx, func(ctx context.Context) error {
		started = time.Now()
		r.opts.Metrics.ObserveSlotWait(started.Sub(queued))

		ctx, cancel := context.WithTimeout(ctx, r.opts.UnitTimeout)
		defer cancel()

		a, err := session.Execute(ctx, req)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timed out after %s: %w", r.opts.UnitTimeout, err)
			}
			return err
		}
		if a.Filename == "" {
			return executor.ErrNoArtifact
		}
		art = a
		return nil
	})

	var took time.Duration
	if !started.IsZero() {
		took = time.Since(started)
	}
	r.opts.Metrics.ObserveUnit(err == nil, took)

	res := model.UnitResult{
		Index:      req.Index,
		Prompt:     req.Prompt,
		DurationMs: took.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.ErrorMessage = err.Error()
		return res
	}
	res.Success = true
	res.ArtifactRef = art.Filename
	span.SetAttributes(attribute.String("unit.artifact", art.Filename))
	return res
}

func (r *Runner) fail(id string, cause error, log *slog.Logger) {
	msg := cause.Error()
	now := time.Now().UTC()
	err := r.opts.Registry.Mutate(id, func(j *model.Job) {
		j.Status = model.JobFailed
		j.Error = msg
		j.CurrentTask = "Failed"
		j.CompletedAt = &now
	})
	if err != nil {
		log.Error("marking job failed", "cause", msg, "err", err)
		return
	}
	r.publish(model.JobFailedEvent(id, msg))
	r.emitLog(id, model.LevelError, "Job failed: "+msg)
	log.Error("job failed", "err", cause)
}

// finish runs on every exit path: it schedules cleanup of the output
// directory, archives the final snapshot and records the outcome.
func (r *Runner) finish(ctx context.Context, id string, log *slog.Logger) {
	dir := r.opts.Blobs.JobDir(id)
	if r.opts.Retention != nil {
		r.opts.Retention.Arm(id, dir, r.opts.RetentionTTL)
	}

	job, err := r.opts.Registry.Get(id)
	if err != nil {
		return
	}
	r.opts.Metrics.JobFinished(string(job.Status))

	if r.opts.Archive == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.opts.Archive.SaveJob(actx, job); err != nil {
		log.Error("archiving job", "err", err)
	}
}

func (r *Runner) emitLog(id string, level model.LogLevel, msg string) {
	r.publish(model.LogEvent(id, level, msg))
}

func (r *Runner) publish(ev model.Event) {
	if r.opts.Events != nil {
		r.opts.Events.Publish(ev)
	}
}
