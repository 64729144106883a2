// Package orchestrator drives one invocation's batch through its
// three phases - initiate, process, finalise - racing each phase's
// sub-tasks against a deadline derived from the host's remaining
// time, and decides whether the invocation re-raises a replay-
// triggering error so the host redelivers the same records.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streambatch/corebatch/batch"
	"github.com/streambatch/corebatch/checkpoint"
	"github.com/streambatch/corebatch/config"
	"github.com/streambatch/corebatch/errs"
	"github.com/streambatch/corebatch/hostclock"
	"github.com/streambatch/corebatch/logger"
	"github.com/streambatch/corebatch/metrics"
	"github.com/streambatch/corebatch/task"
)

// Orchestrator runs invocations for one consumer's Options. It holds
// no per-invocation state itself; every Invoke call builds a fresh
// Batch.
type Orchestrator struct {
	opts    *config.Options
	log     logger.Logger
	metrics metrics.MonitoringService

	clockFunc func(context.Context) hostclock.Clock
}

// New validates opts and returns an Orchestrator for it.
func New(opts *config.Options) (*Orchestrator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	mtr := opts.MonitoringService
	if mtr == nil {
		mtr = metrics.NoopMonitoringService{}
	}
	return &Orchestrator{
		opts:      opts,
		log:       log,
		metrics:   mtr,
		clockFunc: hostclock.FromContext,
	}, nil
}

// WithClock overrides the remaining-time source, for tests that need
// a deterministic deadline.
func (o *Orchestrator) WithClock(fn func(context.Context) hostclock.Clock) *Orchestrator {
	o.clockFunc = fn
	return o
}

// Invoke runs one full batch lifecycle for key over records (and,
// where the stream shape carries one, the matching userRecords entry
// per index). It returns a human-readable summary of the finished
// batch and either nil or a replay-triggering error the caller should
// let propagate so the host redelivers the same records.
func (o *Orchestrator) Invoke(ctx context.Context, key batch.Key, records []batch.Record, userRecords []interface{}) (summary string, err error) {
	invocationStart := time.Now()
	clock := o.clockFunc(ctx)

	b, err := batch.New(key, o.opts.ToBatchConfig(), o.log, o.metrics)
	if err != nil {
		return "", &errs.FatalError{Op: "orchestrator: construct batch", Cause: err}
	}
	b.TaskDefs.Initiate = &task.Template{Name: batch.TaskInitiatePhase}
	b.TaskDefs.Process = &task.Template{Name: batch.TaskProcessPhase}
	b.TaskDefs.Finalise = &task.Template{Name: batch.TaskFinalisePhase}

	collector := &errorCollector{}

	phaseStart := time.Now()
	initiateErr := o.runInitiate(ctx, b, records, userRecords)
	if b.State.Initiating == nil {
		// runInitiate failed before it reached ReviveTasks; build the
		// phase trees anyway so every bookkeeping call below has a
		// tree to act on.
		b.ReviveTasks()
	}
	recordPhaseOutcome(b.State.Initiating, initiateErr)
	collector.add(initiateErr)
	o.metrics.RecordPhaseDuration("initiate", msSince(phaseStart))

	if initiateErr == nil {
		phaseStart = time.Now()
		processErr := o.runProcess(ctx, b, clock, collector)
		recordPhaseOutcome(b.State.Processing, processErr)
		collector.add(processErr)
		o.metrics.RecordPhaseDuration("process", msSince(phaseStart))
	} else {
		o.log.Warnf("orchestrator: skipping process phase, initiate failed: %v", initiateErr)
	}

	phaseStart = time.Now()
	finaliseErr := o.runFinalise(ctx, b, clock, collector)
	recordPhaseOutcome(b.State.Finalising, finaliseErr)
	collector.add(finaliseErr)
	o.metrics.RecordPhaseDuration("finalise", msSince(phaseStart))

	finalErr := o.computeFinalError(b, collector.all())

	var fatal *errs.FatalError
	if o.opts.OnFatalError != nil && errors.As(finalErr, &fatal) {
		if hookErr := o.opts.OnFatalError(ctx, b, fatal); hookErr != nil {
			o.log.Errorf("orchestrator: on-fatal-error hook failed: %v", hookErr)
		}
	}

	if o.opts.PostFinaliseBatch != nil {
		if hookErr := o.opts.PostFinaliseBatch(ctx, b, finalErr); hookErr != nil {
			o.log.Errorf("orchestrator: post-finalise hook failed: %v", hookErr)
		}
	}

	summary = b.SummarizeFinalResults(finalErr)
	if finalErr != nil {
		o.metrics.IncrReplay()
		o.log.Warnf("%s (invocation took %s)", summary, time.Since(invocationStart))
	} else {
		o.log.Infof("%s (invocation took %s)", summary, time.Since(invocationStart))
	}
	return summary, finalErr
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Milliseconds())
}

func recordPhaseOutcome(t *task.Task, err error) {
	if t == nil {
		return
	}
	t.Start(task.TransitionOptions{})
	if err != nil {
		t.Fail(err, task.TransitionOptions{})
		return
	}
	t.Complete(nil, task.TransitionOptions{})
}

// runInitiate extracts every message from records, sequences the
// batch, loads and restores any prior checkpoint, revives the task
// trees, and runs the optional pre-process hook. Per-record extraction
// failures are filed as unusable records rather than aborting the
// whole invocation; failures here are reserved for conditions that
// make the rest of the invocation meaningless (sequencing required but
// impossible, a broken checkpoint load, a failing pre-process hook).
func (o *Orchestrator) runInitiate(ctx context.Context, b *batch.Batch, records []batch.Record, userRecords []interface{}) error {
	for i, record := range records {
		var userRecord interface{}
		if i < len(userRecords) {
			userRecord = userRecords[i]
		}

		messages, err := o.extract(ctx, record, userRecord)
		if err != nil {
			if addErr := b.AddUnusableRecord(record, userRecord, err.Error()); addErr != nil {
				return &errs.FatalError{Op: "orchestrator: file unusable record", Cause: addErr}
			}
			o.metrics.IncrRecordsUnusable(1)
			continue
		}
		for _, msg := range messages {
			if err := b.AddMessage(msg, record, userRecord, o.opts.PropertyNames,
				o.opts.ResolveMessageIdsAndSeqNos, o.opts.ResolveEventIDAndSeqNos, o.opts.GenerateMD5s); err != nil {
				return &errs.FatalError{Op: "orchestrator: file message", Cause: err}
			}
			o.metrics.IncrMessagesExtracted(1)
		}
	}

	if err := b.Sequence(); err != nil {
		return &errs.FatalError{Op: "orchestrator: sequence batch", Cause: err}
	}

	if o.opts.LoadBatchState != nil {
		item, found, err := o.opts.LoadBatchState(ctx, b.Key)
		if err != nil {
			return err
		}
		saved := found
		b.PreviouslySaved = &saved
		if found {
			checkpoint.Restore(b, item)
		}
	}

	b.ReviveTasks()

	if o.opts.PreProcessBatch != nil {
		if err := o.opts.PreProcessBatch(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, record batch.Record, userRecord interface{}) ([]interface{}, error) {
	if o.opts.ExtractMessagesFromRecord != nil {
		return o.opts.ExtractMessagesFromRecord(ctx, record, userRecord)
	}
	if o.opts.ExtractMessageFromRecord != nil {
		msg, err := o.opts.ExtractMessageFromRecord(ctx, record, userRecord)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, nil
		}
		return []interface{}{msg}, nil
	}
	return nil, fmt.Errorf("orchestrator: no extraction callback configured")
}

// runProcess races the process phase's sub-tasks - per-message chains,
// batch-wide "all" tasks, and unusable-record discards - against a
// deadline of remaining*configured. On timeout it reverses every
// still-incomplete task's in-flight attempt and defers to finalise
// rather than failing the phase outright.
func (o *Orchestrator) runProcess(ctx context.Context, b *batch.Batch, clock hostclock.Clock, collector *errorCollector) error {
	deadline := processDeadline(clock.Remaining(), o.opts.TimeoutAtPercentageOfRemainingTime)
	pctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var wg sync.WaitGroup
	for _, head := range b.FirstMessagesToProcess {
		wg.Add(1)
		go func(head *batch.MessageState) {
			defer wg.Done()
			o.runMessageChain(pctx, head, collector)
		}(head)
	}

	var masterChans []<-chan task.Outcome
	for _, master := range b.State.Alls {
		if !master.IsFullyFinalised() {
			masterChans = append(masterChans, master.Run(pctx, task.TransitionOptions{}))
		}
	}
	masterChans = append(masterChans, b.DiscardUnusableRecords(pctx)...)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		for _, ch := range masterChans {
			outcome := <-ch
			collector.add(outcome.Err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-pctx.Done():
		o.metrics.IncrPhaseTimeout("process")
		b.TimeoutProcessingTasks(&errs.TimeoutError{Phase: "process"})
		o.log.Warnf("orchestrator: process phase timed out after %s, deferring to finalise", deadline)
	}

	if o.opts.PreFinaliseBatch != nil {
		if err := o.opts.PreFinaliseBatch(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// runMessageChain advances one key chain message by message, stopping
// as soon as a message's "ones" tasks are not all fully finalised -
// that message, and everything after it in the chain, resumes on a
// later invocation.
func (o *Orchestrator) runMessageChain(ctx context.Context, head *batch.MessageState, collector *errorCollector) {
	for cur := head; cur != nil; cur = cur.Next() {
		if !o.runMessageOnes(ctx, cur, collector) {
			return
		}
	}
}

func (o *Orchestrator) runMessageOnes(ctx context.Context, m *batch.MessageState, collector *errorCollector) bool {
	type running struct {
		t  *task.Task
		ch <-chan task.Outcome
	}
	var inFlight []running
	for _, t := range m.Ones {
		if t.IsFullyFinalised() {
			continue
		}
		inFlight = append(inFlight, running{t: t, ch: t.Run(ctx, task.TransitionOptions{})})
	}
	for _, r := range inFlight {
		outcome := <-r.ch
		collector.add(outcome.Err)
		o.metrics.IncrTaskAttempt(r.t.Name(), string(r.t.State()))
	}

	for _, t := range m.Ones {
		if !t.IsFullyFinalised() {
			return false
		}
	}
	return true
}

// runFinalise freezes the process phase's tasks (after applying the
// retry cap and unblocking tasks stranded behind an abandoned
// predecessor), discards rejected messages, freezes the finalise
// phase's own tasks, and always attempts to save the checkpoint before
// returning - even when the phase's own deadline was exceeded, since a
// saved partial state is what lets a later invocation resume instead
// of redoing completed work.
func (o *Orchestrator) runFinalise(ctx context.Context, b *batch.Batch, clock hostclock.Clock, collector *errorCollector) error {
	deadline := finaliseDeadline(clock.Remaining(), o.opts.TimeoutAtPercentageOfRemainingTime)
	fctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	b.DiscardProcessingTasksIfOverAttempted()
	b.AbandonDeadProcessingTasks()
	b.FreezeProcessingTasks()

	chans := b.DiscardRejectedMessages(fctx)
	done := make(chan struct{})
	go func() {
		for _, ch := range chans {
			outcome := <-ch
			collector.add(outcome.Err)
		}
		close(done)
	}()

	var timedOut bool
	select {
	case <-done:
	case <-fctx.Done():
		timedOut = true
		o.metrics.IncrPhaseTimeout("finalise")
		b.TimeoutFinalisingTasks(&errs.TimeoutError{Phase: "finalise"})
		o.log.Warnf("orchestrator: finalise phase timed out after %s", deadline)
	}

	b.DiscardFinalisingTasksIfOverAttempted()
	b.AbandonDeadFinalisingTasks()
	b.FreezeFinalisingTasks()

	if o.opts.SaveBatchState != nil {
		item := checkpoint.Serialize(b)
		start := time.Now()
		err := o.opts.SaveBatchState(ctx, b.Key, item, b.PreviouslySaved)
		o.metrics.RecordCheckpointWriteTime(msSince(start))
		if err != nil {
			return err
		}
	}

	if timedOut {
		return &errs.ReplayError{Cause: &errs.TimeoutError{Phase: "finalise"}}
	}
	return nil
}

// processDeadline computes the process phase's share of remaining
// time. A non-positive or unconfigured fraction falls back to the
// option default of 0.8.
func processDeadline(remaining time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || fraction > 1 {
		fraction = 0.8
	}
	d := time.Duration(float64(remaining) * fraction)
	if d < 0 {
		return 0
	}
	return d
}

// finaliseDeadline computes the finalise phase's share of remaining
// time: never less than 80% of what's left, and never less than
// remaining-1s, guaranteeing the checkpoint save has runway even on a
// host with very little time left.
func finaliseDeadline(remaining time.Duration, fraction float64) time.Duration {
	if fraction < 0.8 {
		fraction = 0.8
	}
	reserve := remaining - time.Second
	floor := time.Duration(float64(remaining) * fraction)
	if reserve > floor {
		return reserve
	}
	return floor
}

// computeFinalError implements the replay policy: a collected
// FatalError is re-raised as is, even for a fully finalised batch; a
// fully finalised batch otherwise needs no replay; a FinalisedError
// surfaced by the task engine is promoted to fatal, since it means the
// orchestrator itself asked for an impossible transition; otherwise
// the first collected failure is re-thrown, falling back to a generic
// incomplete-batch error.
func (o *Orchestrator) computeFinalError(b *batch.Batch, collected []error) error {
	for _, err := range collected {
		var fatal *errs.FatalError
		if errors.As(err, &fatal) {
			return err
		}
	}
	if b.IsFullyFinalised() {
		return nil
	}

	for _, err := range collected {
		var fin *errs.FinalisedError
		if errors.As(err, &fin) {
			return &errs.FatalError{Op: "orchestrator: task tree already finalised", Cause: fin}
		}
	}
	for _, err := range collected {
		if err != nil {
			return &errs.ReplayError{Cause: err}
		}
	}
	return &errs.ReplayError{Cause: fmt.Errorf("batch %s still incomplete after finalise", b.Key)}
}

// errorCollector gathers outcome errors across concurrently-running
// sub-tasks, safe for concurrent use. Errors are kept in the order add
// is called, so among concurrent chains the one that reports first is
// "first"; the replay policy above consults it only after every phase
// has run.
type errorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errorCollector) add(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *errorCollector) all() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error{}, c.errs...)
}
