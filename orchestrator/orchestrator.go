// Package orchestrator owns the compression job lifecycle: it composes
// the flag gate, availability checker, settings resolver, worker
// transport, recovery policy and telemetry sink, and exposes the only
// entry points hosting UI code calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"medcompress/flags"
	"medcompress/policy"
	"medcompress/recovery"
	"medcompress/telemetry"
	"medcompress/worker"
)

// maxRecoveryAttempts bounds retries per job with an explicit counter.
// The recovery policy alone cannot guarantee termination: a worker that
// reports the same timeout-classified error after every retry would loop
// forever without this cap.
const maxRecoveryAttempts = 1

// Options tunes the orchestrator.
type Options struct {
	// MaxConcurrent bounds simultaneous dispatches. Zero means unbounded.
	MaxConcurrent int
}

// Orchestrator is the single owner of the active-job table. Components
// never hold job references, only ids.
type Orchestrator struct {
	gate      *flags.Gate
	resolver  *policy.Resolver
	checker   *policy.Checker
	transport worker.Transport
	recovery  *recovery.Policy
	sink      *telemetry.Sink
	bus       *Bus

	mu   sync.Mutex
	jobs map[string]*Job
	sem  chan struct{}
}

func New(
	gate *flags.Gate,
	resolver *policy.Resolver,
	checker *policy.Checker,
	transport worker.Transport,
	rec *recovery.Policy,
	sink *telemetry.Sink,
	opts Options,
) *Orchestrator {
	o := &Orchestrator{
		gate:      gate,
		resolver:  resolver,
		checker:   checker,
		transport: transport,
		recovery:  rec,
		sink:      sink,
		bus:       NewBus(),
		jobs:      make(map[string]*Job),
	}
	if opts.MaxConcurrent > 0 {
		o.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	return o
}

// Events exposes the lifecycle event bus for UI subscriptions.
func (o *Orchestrator) Events() *Bus {
	return o.bus
}

// CheckAvailability validates a candidate file and current conditions
// without dispatching any work.
func (o *Orchestrator) CheckAvailability(ctx context.Context, file policy.File, opts policy.Options) policy.Availability {
	return o.checker.Check(ctx, file, opts)
}

// Compress runs one compression job to its terminal state and returns
// the structured result. It never returns an error: failures land in
// Result.Error with Fallback set when the caller should upload the
// original file instead.
func (o *Orchestrator) Compress(ctx context.Context, file policy.File, inputPath string, opts policy.Options) Result {
	return o.execute(ctx, o.newJob(file, inputPath, opts))
}

// CompressAsync registers the job and runs it in the background. The id
// is usable immediately for Status, Cancel and event subscriptions; the
// returned channel delivers the terminal result exactly once.
func (o *Orchestrator) CompressAsync(ctx context.Context, file policy.File, inputPath string, opts policy.Options) (string, <-chan Result) {
	job := o.newJob(file, inputPath, opts)
	done := make(chan Result, 1)
	go func() {
		done <- o.execute(ctx, job)
	}()
	return job.ID, done
}

func (o *Orchestrator) newJob(file policy.File, inputPath string, opts policy.Options) *Job {
	job := &Job{
		ID:        shortuuid.New(),
		File:      file,
		InputPath: inputPath,
		Options:   opts,
		Status:    StatusChecking,
		Stage:     worker.StageInitializing,
		CreatedAt: time.Now(),
	}

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()
	return job
}

func (o *Orchestrator) execute(ctx context.Context, job *Job) Result {
	file := job.File
	opts := job.Options

	avail := o.checker.Check(ctx, file, opts)
	if avail.Bypassed {
		return o.finalizeRejected(job, "emergency bypass active", true)
	}
	if !avail.Available {
		return o.finalizeRejected(job, avail.Reason, false)
	}

	o.mu.Lock()
	if job.cancelled {
		o.mu.Unlock()
		return o.finalizeCancelled(job)
	}
	job.Settings = *avail.Settings
	job.Status = StatusQueued
	o.mu.Unlock()

	if o.sem != nil {
		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-ctx.Done():
			return o.finalizeCancelled(job)
		}
	}

	o.mu.Lock()
	if job.cancelled {
		o.mu.Unlock()
		return o.finalizeCancelled(job)
	}
	job.Status = StatusRunning
	job.StartedAt = time.Now()
	o.mu.Unlock()

	o.sink.StartTracking(job.ID, telemetry.Meta{
		FileName: file.Name,
		FileSize: file.Size,
		Preset:   job.Settings.Preset,
		Priority: string(opts.Priority),
	})
	o.bus.Publish(Event{Type: EventStarted, JobID: job.ID, File: &file})

	return o.run(ctx, job)
}

// run dispatches the job and applies the recovery policy on failure,
// bounded to one recovery attempt.
func (o *Orchestrator) run(ctx context.Context, job *Job) Result {
	for {
		res, err := o.dispatchOnce(ctx, job)
		if err == nil {
			return o.finalizeCompleted(job, res)
		}

		if o.userCancelled(job) || recovery.Classify(err) == recovery.ClassCancelled {
			return o.finalizeCancelled(job)
		}

		dec := o.recovery.Handle(err)
		if dec.Retry && job.retries < maxRecoveryAttempts {
			log.Printf("orchestrator: job %s %s, retrying once with timeout %s",
				job.ID, dec.Class, dec.Timeout)

			o.mu.Lock()
			job.retries++
			job.Options.Timeout = dec.Timeout
			job.Settings = o.resolver.Resolve(job.File, job.Options)
			job.Status = StatusRecovering
			job.Stage = worker.StageInitializing
			job.Progress = 0
			o.mu.Unlock()
			continue
		}

		return o.finalizeFailed(job, err)
	}
}

// dispatchOnce sends the job to the worker and consumes its message
// stream until a terminal message or the timeout wins the race. The
// loser's listener is detached by id so no callback leaks.
func (o *Orchestrator) dispatchOnce(ctx context.Context, job *Job) (*worker.Result, error) {
	o.mu.Lock()
	settings := job.Settings
	dctx, cancel := context.WithTimeout(ctx, settings.Timeout)
	job.cancel = cancel
	o.mu.Unlock()
	defer cancel()

	stream, err := o.transport.Dispatch(dctx, worker.NewRequest(job.ID, job.InputPath, job.File, settings))
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	defer o.transport.Detach(job.ID)

	o.applyStage(job, worker.StageLoading)

	for {
		select {
		case <-dctx.Done():
			o.transport.Detach(job.ID)
			return nil, dctx.Err()

		case msg, ok := <-stream:
			if !ok {
				// Stream detached externally: the job was cancelled.
				return nil, context.Canceled
			}
			if !o.registered(job.ID) {
				// Late message for a job already finalized; discard.
				return nil, context.Canceled
			}

			switch msg.Type {
			case worker.MessageProgress:
				o.applyProgress(job, msg.Progress)
			case worker.MessageComplete:
				o.applyStage(job, worker.StageFinalizing)
				if msg.Result == nil {
					return nil, errors.New("worker completed without a result payload")
				}
				return msg.Result, nil
			case worker.MessageError:
				return nil, errors.New(msg.Error)
			default:
				log.Printf("orchestrator: job %s received unknown message type %q", job.ID, msg.Type)
			}
		}
	}
}

// applyStage advances the job to a fixed stage point, rejecting illegal
// transitions.
func (o *Orchestrator) applyStage(job *Job, stage worker.Stage) {
	o.mu.Lock()
	if !worker.ValidTransition(job.Stage, stage) {
		o.mu.Unlock()
		log.Printf("orchestrator: job %s illegal transition %s -> %s rejected", job.ID, job.Stage, stage)
		return
	}
	job.Stage = stage
	if p := stage.BaseProgress(); p > job.Progress {
		job.Progress = p
	}
	progress := job.Progress
	o.mu.Unlock()

	o.sink.UpdateStage(job.ID, stage, progress)
	o.bus.Publish(Event{Type: EventProgress, JobID: job.ID, Stage: stage, Progress: progress})
}

// applyProgress folds a worker progress fraction into the job. Progress
// is monotone non-decreasing within the processing stage: a regressing
// frame is clamped, never applied.
func (o *Orchestrator) applyProgress(job *Job, workerFraction float64) {
	o.mu.Lock()
	if job.Stage != worker.StageProcessing {
		if !worker.ValidTransition(job.Stage, worker.StageProcessing) {
			o.mu.Unlock()
			return
		}
		job.Stage = worker.StageProcessing
	}
	if scaled := worker.ScaleProgress(workerFraction); scaled > job.Progress {
		job.Progress = scaled
	}
	progress := job.Progress
	o.mu.Unlock()

	o.sink.UpdateStage(job.ID, worker.StageProcessing, progress)
	o.bus.Publish(Event{Type: EventProgress, JobID: job.ID, Stage: worker.StageProcessing, Progress: progress})
}

// Cancel transitions a non-terminal job to cancelled, detaches its
// worker listeners and is idempotent: unknown or already-terminal ids
// are a no-op.
func (o *Orchestrator) Cancel(id string) {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok || job.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	job.cancelled = true
	cancel := job.cancel
	o.mu.Unlock()

	log.Printf("orchestrator: job %s cancel requested", id)
	o.transport.Detach(id)
	if cancel != nil {
		cancel()
	}
}

// Status returns a snapshot of an active job.
func (o *Orchestrator) Status(id string) (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[id]
	if !ok {
		return Snapshot{}, false
	}
	return job.snapshot(), true
}

// ActiveJobs returns snapshots of every job still in the active table.
func (o *Orchestrator) ActiveJobs() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Snapshot, 0, len(o.jobs))
	for _, job := range o.jobs {
		out = append(out, job.snapshot())
	}
	return out
}

// SystemStatus is the coarse health view for dashboards.
type SystemStatus struct {
	ActiveJobs      int             `json:"activeJobs"`
	BypassActive    bool            `json:"bypassActive"`
	BypassReason    string          `json:"bypassReason,omitempty"`
	BypassSince     time.Time       `json:"bypassSince,omitempty"`
	LastFlagRefresh time.Time       `json:"lastFlagRefresh,omitempty"`
	Stats           telemetry.Stats `json:"stats"`
}

func (o *Orchestrator) SystemStatus() SystemStatus {
	o.mu.Lock()
	active := len(o.jobs)
	o.mu.Unlock()

	bypass, reason, since := o.gate.BypassInfo()
	return SystemStatus{
		ActiveJobs:      active,
		BypassActive:    bypass,
		BypassReason:    reason,
		BypassSince:     since,
		LastFlagRefresh: o.gate.LastRefresh(),
		Stats:           o.sink.Statistics(),
	}
}

// Metrics is the detailed view: aggregates, active jobs and recent
// completed records.
type Metrics struct {
	Stats  telemetry.Stats    `json:"stats"`
	Active []Snapshot         `json:"active"`
	Recent []telemetry.Record `json:"recent"`
}

func (o *Orchestrator) DetailedMetrics() Metrics {
	return Metrics{
		Stats:  o.sink.Statistics(),
		Active: o.ActiveJobs(),
		Recent: o.sink.Recent(),
	}
}

// ActivateEmergencyBypass trips the global latch: all compression is
// disabled until an explicit reset, and every caller falls back to
// direct upload.
func (o *Orchestrator) ActivateEmergencyBypass(reason string) {
	o.gate.EmergencyDisable(reason)
	o.bus.Publish(Event{Type: EventBypass, Reason: reason})
}

// ResetEmergencyBypass clears the latch. Privileged.
func (o *Orchestrator) ResetEmergencyBypass() {
	o.gate.Reset()
}

// SweepLoop force-cancels jobs older than maxAge on an interval. Jobs
// can sit queued behind the concurrency gate with no deadline of their
// own; the sweep keeps the active table from accumulating them.
func (o *Orchestrator) SweepLoop(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepStale(maxAge)
		}
	}
}

func (o *Orchestrator) sweepStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	o.mu.Lock()
	var stale []string
	for id, job := range o.jobs {
		if !job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	o.mu.Unlock()

	for _, id := range stale {
		log.Printf("orchestrator: job %s stale for more than %s, cancelling", id, maxAge)
		o.Cancel(id)
	}
}

func (o *Orchestrator) registered(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.jobs[id]
	return ok
}

func (o *Orchestrator) userCancelled(job *Job) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return job.cancelled
}

func (o *Orchestrator) finalizeRejected(job *Job, reason string, fallback bool) Result {
	o.mu.Lock()
	job.Status = StatusRejected
	delete(o.jobs, job.ID)
	o.mu.Unlock()

	o.sink.StartTracking(job.ID, telemetry.Meta{
		FileName: job.File.Name,
		FileSize: job.File.Size,
		Priority: string(job.Options.Priority),
	})
	o.sink.CompleteTracking(job.ID, telemetry.Completion{Outcome: telemetry.OutcomeRejected, Error: reason})

	if !fallback {
		o.bus.Publish(Event{Type: EventError, JobID: job.ID, Error: reason})
	}
	return Result{
		CompressionID: job.ID,
		OriginalSize:  job.File.Size,
		Error:         reason,
		Fallback:      fallback,
	}
}

func (o *Orchestrator) finalizeCompleted(job *Job, res *worker.Result) Result {
	duration := time.Since(job.StartedAt)
	ratio := 0.0
	if job.File.Size > 0 {
		ratio = 1 - float64(res.CompressedSize)/float64(job.File.Size)
	}

	o.mu.Lock()
	job.Status = StatusCompleted
	job.Stage = worker.StageCompleted
	job.Progress = 1
	delete(o.jobs, job.ID)
	o.mu.Unlock()

	o.sink.UpdateStage(job.ID, worker.StageCompleted, 1)
	o.sink.CompleteTracking(job.ID, telemetry.Completion{
		Outcome:        telemetry.OutcomeSuccess,
		CompressedSize: res.CompressedSize,
		Duration:       duration,
	})

	result := Result{
		Success:          true,
		CompressionID:    job.ID,
		OriginalSize:     job.File.Size,
		CompressedSize:   res.CompressedSize,
		CompressionRatio: ratio,
		Duration:         duration,
		OutputPath:       res.OutputPath,
	}
	o.bus.Publish(Event{Type: EventCompleted, JobID: job.ID, Result: &result})
	log.Printf("orchestrator: job %s completed, %d -> %d bytes (%.1f%% saved) in %s",
		job.ID, job.File.Size, res.CompressedSize, ratio*100, duration)
	return result
}

func (o *Orchestrator) finalizeFailed(job *Job, err error) Result {
	duration := time.Since(job.StartedAt)

	o.mu.Lock()
	job.Status = StatusFailed
	job.Stage = worker.StageError
	delete(o.jobs, job.ID)
	o.mu.Unlock()

	o.sink.CompleteTracking(job.ID, telemetry.Completion{
		Outcome:  telemetry.OutcomeFailed,
		Duration: duration,
		Error:    err.Error(),
	})

	result := Result{
		CompressionID: job.ID,
		OriginalSize:  job.File.Size,
		Duration:      duration,
		Error:         err.Error(),
		Fallback:      true,
	}
	o.bus.Publish(Event{Type: EventError, JobID: job.ID, Error: err.Error()})
	log.Printf("orchestrator: job %s failed after %d retries: %v", job.ID, job.retries, err)
	return result
}

func (o *Orchestrator) finalizeCancelled(job *Job) Result {
	o.mu.Lock()
	job.Status = StatusCancelled
	job.Stage = worker.StageCancelled
	delete(o.jobs, job.ID)
	o.mu.Unlock()

	o.sink.CompleteTracking(job.ID, telemetry.Completion{Outcome: telemetry.OutcomeCancelled})

	o.bus.Publish(Event{Type: EventCancelled, JobID: job.ID})
	log.Printf("orchestrator: job %s cancelled", job.ID)
	return Result{
		CompressionID: job.ID,
		OriginalSize:  job.File.Size,
		Cancelled:     true,
	}
}
