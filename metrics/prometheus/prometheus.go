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
package prometheus

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streambatch/corebatch/logger"
)

// MonitoringService publishes batch core metrics to Prometheus. It
// might be tricky if the service onboarding with this library already
// uses Prometheus under the same process.
type MonitoringService struct {
	listenAddress string
	namespace     string
	consumerID    string
	logger        logger.Logger

	messagesExtracted *prom.CounterVec
	recordsUnusable    *prom.CounterVec
	messagesRejected   *prom.CounterVec

	taskAttempts  *prom.CounterVec
	taskDiscarded *prom.CounterVec
	taskAbandoned *prom.CounterVec

	phaseDuration *prom.HistogramVec
	phaseTimeouts *prom.CounterVec

	checkpointWriteTime       prom.Histogram
	checkpointConditionalRetry prom.Counter
	replays                    prom.Counter
}

// NewMonitoringService returns a MonitoringService publishing metrics
// to Prometheus, with the /metrics handler served on listenAddress.
func NewMonitoringService(listenAddress string, log logger.Logger) *MonitoringService {
	return &MonitoringService{
		listenAddress: listenAddress,
		logger:        log,
	}
}

func (p *MonitoringService) Init(appName, consumerID string) error {
	p.namespace = appName
	p.consumerID = consumerID

	p.messagesExtracted = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_messages_extracted`,
		Help: "Number of messages extracted from batch records",
	}, []string{"consumerId"})
	p.recordsUnusable = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_records_unusable`,
		Help: "Number of records that could not be decoded into a message",
	}, []string{"consumerId"})
	p.messagesRejected = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_messages_rejected`,
		Help: "Number of messages rejected by an execute callback",
	}, []string{"consumerId"})
	p.taskAttempts = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_task_attempts`,
		Help: "Number of task attempts, by outcome",
	}, []string{"consumerId", "task", "outcome"})
	p.taskDiscarded = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_task_discarded`,
		Help: "Number of tasks discarded for exceeding their attempt budget",
	}, []string{"consumerId", "task"})
	p.taskAbandoned = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_task_abandoned`,
		Help: "Number of tasks abandoned as unrecoverable dead weight",
	}, []string{"consumerId", "task"})
	p.phaseDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Name: p.namespace + `_phase_duration_seconds`,
		Help: "Time taken by each orchestrator phase",
	}, []string{"consumerId", "phase"})
	p.phaseTimeouts = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_phase_timeouts`,
		Help: "Number of phases that lost their race against the host deadline",
	}, []string{"consumerId", "phase"})
	p.checkpointWriteTime = prom.NewHistogram(prom.HistogramOpts{
		Name: p.namespace + `_checkpoint_write_duration_seconds`,
		Help: "Time taken to write the checkpoint table",
	})
	p.checkpointConditionalRetry = prom.NewCounter(prom.CounterOpts{
		Name: p.namespace + `_checkpoint_conditional_retries`,
		Help: "Number of checkpoint writes that fell back after a conditional-check failure",
	})
	p.replays = prom.NewCounter(prom.CounterOpts{
		Name: p.namespace + `_replays`,
		Help: "Number of invocations that ended by requesting replay",
	})

	collectors := []prom.Collector{
		p.messagesExtracted,
		p.recordsUnusable,
		p.messagesRejected,
		p.taskAttempts,
		p.taskDiscarded,
		p.taskAbandoned,
		p.phaseDuration,
		p.phaseTimeouts,
		p.checkpointWriteTime,
		p.checkpointConditionalRetry,
		p.replays,
	}
	for _, c := range collectors {
		if err := prom.Register(c); err != nil {
			return err
		}
	}

	return nil
}

func (p *MonitoringService) Start() error {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		p.logger.Infof("Starting Prometheus listener on %s", p.listenAddress)
		if err := http.ListenAndServe(p.listenAddress, nil); err != nil {
			p.logger.Errorf("Error starting Prometheus metrics endpoint. %+v", err)
		}
		p.logger.Infof("Stopped metrics server")
	}()

	return nil
}

func (p *MonitoringService) Shutdown() {}

func (p *MonitoringService) IncrMessagesExtracted(count int) {
	p.messagesExtracted.With(prom.Labels{"consumerId": p.consumerID}).Add(float64(count))
}

func (p *MonitoringService) IncrRecordsUnusable(count int) {
	p.recordsUnusable.With(prom.Labels{"consumerId": p.consumerID}).Add(float64(count))
}

func (p *MonitoringService) IncrMessagesRejected(count int) {
	p.messagesRejected.With(prom.Labels{"consumerId": p.consumerID}).Add(float64(count))
}

func (p *MonitoringService) IncrTaskAttempt(taskName, outcome string) {
	p.taskAttempts.With(prom.Labels{"consumerId": p.consumerID, "task": taskName, "outcome": outcome}).Inc()
}

func (p *MonitoringService) IncrTaskDiscarded(taskName string) {
	p.taskDiscarded.With(prom.Labels{"consumerId": p.consumerID, "task": taskName}).Inc()
}

func (p *MonitoringService) IncrTaskAbandoned(taskName string) {
	p.taskAbandoned.With(prom.Labels{"consumerId": p.consumerID, "task": taskName}).Inc()
}

func (p *MonitoringService) RecordPhaseDuration(phase string, millis float64) {
	p.phaseDuration.With(prom.Labels{"consumerId": p.consumerID, "phase": phase}).Observe(millis / 1000)
}

func (p *MonitoringService) IncrPhaseTimeout(phase string) {
	p.phaseTimeouts.With(prom.Labels{"consumerId": p.consumerID, "phase": phase}).Inc()
}

func (p *MonitoringService) RecordCheckpointWriteTime(millis float64) {
	p.checkpointWriteTime.Observe(millis / 1000)
}

func (p *MonitoringService) IncrCheckpointConditionalRetry() {
	p.checkpointConditionalRetry.Inc()
}

func (p *MonitoringService) IncrReplay() {
	p.replays.Inc()
}
