/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package metrics

// MonitoringService publishes batch-core metrics: task attempts, phase
// durations and checkpoint write activity. A consumer wires a concrete
// implementation (e.g. metrics/prometheus) via
// config.Options.WithMonitoringService; the default is NoopMonitoringService.
type MonitoringService interface {
	Init(appName, consumerID string) error
	Start() error
	Shutdown()

	// IncrMessagesExtracted counts messages successfully extracted from
	// records in a batch.
	IncrMessagesExtracted(count int)
	// IncrRecordsUnusable counts records that could not be decoded and
	// were routed to the dead-record stream.
	IncrRecordsUnusable(count int)
	// IncrMessagesRejected counts messages whose execute callback
	// returned a rejection and were routed to the dead-message stream.
	IncrMessagesRejected(count int)

	// IncrTaskAttempt counts one attempt of a named task, tagged with
	// its outcome ("completed", "failed", "timedOut").
	IncrTaskAttempt(taskName, outcome string)
	// IncrTaskDiscarded counts a task discarded for exceeding its
	// attempt budget.
	IncrTaskDiscarded(taskName string)
	// IncrTaskAbandoned counts a task abandoned as unrecoverable dead
	// weight after the batch could not otherwise finalise.
	IncrTaskAbandoned(taskName string)

	// RecordPhaseDuration records how long a named orchestrator phase
	// ("initiate", "process", "finalise") took, in milliseconds.
	RecordPhaseDuration(phase string, millis float64)
	// IncrPhaseTimeout counts a phase that lost its race against the
	// host deadline.
	IncrPhaseTimeout(phase string)

	// RecordCheckpointWriteTime records how long a checkpoint write
	// (insert or update) took, in milliseconds.
	RecordCheckpointWriteTime(millis float64)
	// IncrCheckpointConditionalRetry counts a checkpoint write that hit
	// a conditional-check failure and fell back to the alternate write
	// path (insert-then-update, or vice versa).
	IncrCheckpointConditionalRetry()
	// IncrReplay counts an invocation that ended by requesting replay
	// because the batch did not fully finalise.
	IncrReplay()
}

// NoopMonitoringService implements MonitoringService by doing nothing.
type NoopMonitoringService struct{}

func (NoopMonitoringService) Init(appName, consumerID string) error { return nil }
func (NoopMonitoringService) Start() error                          { return nil }
func (NoopMonitoringService) Shutdown()                             {}

func (NoopMonitoringService) IncrMessagesExtracted(count int) {}
func (NoopMonitoringService) IncrRecordsUnusable(count int)   {}
func (NoopMonitoringService) IncrMessagesRejected(count int) {}

func (NoopMonitoringService) IncrTaskAttempt(taskName, outcome string) {}
func (NoopMonitoringService) IncrTaskDiscarded(taskName string)        {}
func (NoopMonitoringService) IncrTaskAbandoned(taskName string)        {}

func (NoopMonitoringService) RecordPhaseDuration(phase string, millis float64) {}
func (NoopMonitoringService) IncrPhaseTimeout(phase string)                    {}

func (NoopMonitoringService) RecordCheckpointWriteTime(millis float64) {}
func (NoopMonitoringService) IncrCheckpointConditionalRetry()          {}
func (NoopMonitoringService) IncrReplay()                              {}
