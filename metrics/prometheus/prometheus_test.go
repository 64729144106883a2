package prometheus_test

import (
	"testing"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streambatch/corebatch/logger"
	"github.com/streambatch/corebatch/metrics/prometheus"
)

// newInitializedService returns a MonitoringService registered under a
// namespace unique to the calling test, so repeated Init calls in this
// file never collide on the shared default registry.
func newInitializedService(t *testing.T, namespace, consumerID string) *prometheus.MonitoringService {
	svc := prometheus.NewMonitoringService(":0", logger.NewNoopLogger())
	require.NoError(t, svc.Init(namespace, consumerID))
	return svc
}

func gatherFamily(t *testing.T, name string) *promclient.MetricFamily {
	mfs, err := promclient.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestIncrMessagesExtractedAddsToTheCounter(t *testing.T) {
	svc := newInitializedService(t, "corebatch_extracted", "c1")
	svc.IncrMessagesExtracted(3)
	svc.IncrMessagesExtracted(2)

	mf := gatherFamily(t, "corebatch_extracted_messages_extracted")
	require.NotNil(t, mf, "expected the messages extracted metric family to be registered")
	require.Len(t, mf.Metric, 1)
	assert.Equal(t, 5.0, mf.Metric[0].GetCounter().GetValue())
}

func TestIncrTaskAttemptLabelsByTaskAndOutcome(t *testing.T) {
	svc := newInitializedService(t, "corebatch_taskattempt", "c1")
	svc.IncrTaskAttempt("handle", "succeeded")
	svc.IncrTaskAttempt("handle", "succeeded")
	svc.IncrTaskAttempt("handle", "failed")

	mf := gatherFamily(t, "corebatch_taskattempt_task_attempts")
	require.NotNil(t, mf, "expected the task attempts metric family to be registered")
	require.Len(t, mf.Metric, 2, "one series per distinct outcome label")
}

func TestIncrTaskDiscardedAndAbandonedAreSafeToCall(t *testing.T) {
	svc := newInitializedService(t, "corebatch_taskoutcome", "c1")
	svc.IncrTaskDiscarded("handle")
	svc.IncrTaskAbandoned("handle")

	require.NotNil(t, gatherFamily(t, "corebatch_taskoutcome_task_discarded"))
	require.NotNil(t, gatherFamily(t, "corebatch_taskoutcome_task_abandoned"))
}

func TestRecordPhaseDurationAndTimeoutAreSafeToCall(t *testing.T) {
	svc := newInitializedService(t, "corebatch_phase", "c1")
	svc.RecordPhaseDuration("process", 250)
	svc.IncrPhaseTimeout("process")

	require.NotNil(t, gatherFamily(t, "corebatch_phase_phase_duration_seconds"))
	require.NotNil(t, gatherFamily(t, "corebatch_phase_phase_timeouts"))
}

func TestShutdownIsANoopThatDoesNotPanic(t *testing.T) {
	svc := newInitializedService(t, "corebatch_shutdown", "c1")
	svc.Shutdown()
}

func TestRecordCheckpointWriteTimeAndConditionalRetryAndReplayAreSafeToCall(t *testing.T) {
	svc := newInitializedService(t, "corebatch_misc", "c1")
	svc.RecordCheckpointWriteTime(125)
	svc.IncrCheckpointConditionalRetry()
	svc.IncrReplay()

	require.NotNil(t, gatherFamily(t, "corebatch_misc_checkpoint_write_duration_seconds"))
	require.NotNil(t, gatherFamily(t, "corebatch_misc_checkpoint_conditional_retries"))
	require.NotNil(t, gatherFamily(t, "corebatch_misc_replays"))
}
