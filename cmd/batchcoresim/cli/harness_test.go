package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streambatch/corebatch/batch"
	"github.com/streambatch/corebatch/checkpoint"
	"github.com/streambatch/corebatch/errs"
	"github.com/streambatch/corebatch/identity"
	"github.com/streambatch/corebatch/task"
)

func TestBuildSyntheticBatchShapesRecordsByStreamType(t *testing.T) {
	kinesisKey, kinesisRecords := buildSyntheticBatch(batch.StreamKinesis, 4, 2)
	assert.Equal(t, "shard-0000", kinesisKey.ShardOrEventID)
	require.Len(t, kinesisRecords, 4)
	assert.Equal(t, "shard-0000", kinesisRecords[0].SourceID())

	dynamoKey, dynamoRecords := buildSyntheticBatch(batch.StreamDynamoDB, 4, 2)
	assert.Equal(t, "dynamodb-stream-0000", dynamoKey.ShardOrEventID)
	assert.Equal(t, "dynamodb-stream-0000", dynamoRecords[0].SourceID())

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(kinesisRecords[0].Data(), &msg))
	assert.Equal(t, "key-0", msg["key"])

	require.NoError(t, json.Unmarshal(kinesisRecords[1].Data(), &msg))
	assert.Equal(t, "key-1", msg["key"], "keys should cycle across the requested keyCount")
}

func TestExtractMessageDecodesJSONPayload(t *testing.T) {
	rec := &syntheticRecord{data: []byte(`{"key":"k1","seq":1}`)}
	msg, err := extractMessage(context.Background(), rec, nil)
	require.NoError(t, err)
	asMap, ok := msg.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "k1", asMap["key"])
}

func TestExtractMessageSurfacesADecodeFailure(t *testing.T) {
	rec := &syntheticRecord{data: []byte(`not json`)}
	_, err := extractMessage(context.Background(), rec, nil)
	assert.Error(t, err)
}

func TestCheckpointStoreInMemoryRoundTrips(t *testing.T) {
	store := newCheckpointStore("")
	key := batch.Key{StreamConsumerID: "c1", ShardOrEventID: "shard-0000"}

	_, found, err := store.load(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, found)

	item := checkpointItemWithOneCompletedTask()
	require.NoError(t, store.save(context.Background(), key, item, nil))

	loaded, found, err := store.load(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, item, loaded)
}

func TestCheckpointStoreFileRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := newCheckpointStore(path)
	key := batch.Key{StreamConsumerID: "c1", ShardOrEventID: "shard-0000"}

	_, found, err := store.load(context.Background(), key)
	require.NoError(t, err, "a missing file is not an error, just an absent checkpoint")
	assert.False(t, found)

	item := checkpointItemWithOneCompletedTask()
	require.NoError(t, store.save(context.Background(), key, item, nil))
	assert.FileExists(t, path)

	loaded, found, err := store.load(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, item, loaded)
}

func TestCheckpointStoreFileLoadWrapsAnUndecodableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	store := newCheckpointStore(path)
	_, _, err := store.load(context.Background(), batch.Key{StreamConsumerID: "c1", ShardOrEventID: "shard-0000"})
	assert.Error(t, err)
}

func TestFlakyProcessTemplateFailsUntilFailEveryAttempts(t *testing.T) {
	tmpl := flakyProcessTemplate(3)
	tsk := task.New(tmpl)
	tsk.SetPayload(&batch.MessageState{Identity: identity.Identity{ID: "m1"}})

	for attempt := 1; attempt <= 2; attempt++ {
		require.True(t, tsk.Start(task.TransitionOptions{}))
		_, err := tmpl.Execute(context.Background(), tsk)
		assert.Error(t, err, "attempt %d should still fail", attempt)
		require.True(t, tsk.Fail(err, task.TransitionOptions{}))
	}

	require.True(t, tsk.Start(task.TransitionOptions{}))
	result, err := tmpl.Execute(context.Background(), tsk)
	require.NoError(t, err, "the third attempt should finally succeed")
	assert.Equal(t, "processed m1", result)
}

func TestDlqSinkPublishesThroughTheDeadLetterPublisherAndSnapshots(t *testing.T) {
	sink := newDLQSink()
	b, err := batch.New(batch.Key{StreamConsumerID: "c1", ShardOrEventID: "shard-0000"}, batch.Config{
		MaxNumberOfAttempts:    1,
		DiscardUnusableRecord:  func(context.Context, *batch.UnusableRecordState, *batch.Batch) error { return nil },
		DiscardRejectedMessage: func(context.Context, *batch.MessageState, *batch.Batch) error { return nil },
	}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, sink.discardUnusable(context.Background(), &batch.UnusableRecordState{
		Coordinates:    identity.EventCoordinates{EventID: "evt-1"},
		ReasonUnusable: "bad payload",
	}, b))
	require.NoError(t, sink.discardRejected(context.Background(), &batch.MessageState{
		Identity:       identity.Identity{ID: "m1"},
		ReasonRejected: "blocklisted",
	}, b))

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "batchcoresim-drq")
	assert.Contains(t, got[0], "evt-1")
	assert.Contains(t, got[1], "batchcoresim-dmq")
	assert.Contains(t, got[1], "m1")
}

func TestBuildOptionsWiresAvoidEsmCacheAndTheFatalErrorHook(t *testing.T) {
	store := newCheckpointStore("")
	dlq := newDLQSink()
	cfg := buildOptions(store, dlq, 0, true)

	assert.True(t, cfg.AvoidEsmCache)
	require.NotNil(t, cfg.OnFatalError)

	b, err := batch.New(batch.Key{StreamConsumerID: "c1", ShardOrEventID: "shard-0000"}, batch.Config{
		MaxNumberOfAttempts:    1,
		DiscardUnusableRecord:  func(context.Context, *batch.UnusableRecordState, *batch.Batch) error { return nil },
		DiscardRejectedMessage: func(context.Context, *batch.MessageState, *batch.Batch) error { return nil },
	}, nil, nil)
	require.NoError(t, err)

	hookErr := cfg.OnFatalError(context.Background(), b, &errs.FatalError{Op: "test"})
	assert.NoError(t, hookErr, "the hook only logs control-plane failures, it never fails the invocation itself")
}

func TestEventSourceControlPlaneDisablesTheSyntheticMappingOnAFatalError(t *testing.T) {
	controlPlane, lc := newTestControlPlane()
	fatalErr := &errs.FatalError{Op: "test"}

	err := controlPlane.HandleFatalError(context.Background(), "batchcoresim", false, fatalErr)
	assert.Equal(t, fatalErr, err, "HandleFatalError always re-raises the error it was given")
	assert.True(t, lc.isDisabled(), "the synthetic event-source mapping should be disabled")
}

func TestParseStreamTypeRecognizesKinesisDynamodbAndRejectsUnknown(t *testing.T) {
	st, err := parseStreamType("kinesis")
	require.NoError(t, err)
	assert.Equal(t, batch.StreamKinesis, st)

	st, err = parseStreamType("")
	require.NoError(t, err)
	assert.Equal(t, batch.StreamKinesis, st)

	st, err = parseStreamType("dynamodb")
	require.NoError(t, err)
	assert.Equal(t, batch.StreamDynamoDB, st)

	_, err = parseStreamType("sqs")
	assert.Error(t, err)
}

func TestExitCodeMapsExitErrorsAndDefaultsForPlainErrors(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitReplay, ExitCode(wrapExitError(ExitReplay, "replay", nil)))
	assert.Equal(t, ExitCommandError, ExitCode(assertError("boom")))
}

func TestSimulateCommandRunsEndToEndAndPrintsSummary(t *testing.T) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"simulate", "--messages", "5", "--keys", "2"})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.NotEmpty(t, out.String())
}

func TestReplayCommandResumesFromASimulateCheckpointFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	simulateCmd := NewRootCommand()
	out := &bytes.Buffer{}
	simulateCmd.SetOut(out)
	simulateCmd.SetErr(out)
	simulateCmd.SetArgs([]string{"simulate", "--messages", "4", "--keys", "2", "--checkpoint-file", path})
	err := simulateCmd.Execute()
	require.NoError(t, err)
	assert.FileExists(t, path)

	replayCmd := NewRootCommand()
	out.Reset()
	replayCmd.SetOut(out)
	replayCmd.SetErr(out)
	replayCmd.SetArgs([]string{"replay", "--messages", "4", "--keys", "2", "--checkpoint-file", path})
	err = replayCmd.Execute()
	require.NoError(t, err, "replaying a checkpoint where every message already completed should stay a no-op success")
	assert.NotEmpty(t, out.String())
}

func checkpointItemWithOneCompletedTask() checkpoint.Item {
	return checkpoint.Item{
		StreamConsumerID: "c1",
		ShardOrEventID:   "shard-0000",
		MessageStates: []checkpoint.StorableMessageState{
			{IDs: []identity.Part{{Name: "id", Value: "m1"}}},
		},
	}
}

type assertErrorType string

func (e assertErrorType) Error() string { return string(e) }

func assertError(msg string) error { return assertErrorType(msg) }
