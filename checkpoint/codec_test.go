package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streambatch/corebatch/batch"
	"github.com/streambatch/corebatch/checkpoint"
	"github.com/streambatch/corebatch/identity"
	"github.com/streambatch/corebatch/task"
)

type fakeRecord struct {
	eventID  string
	eventSeq string
}

func (r *fakeRecord) EventID() string       { return r.eventID }
func (r *fakeRecord) EventSeqNo() string    { return r.eventSeq }
func (r *fakeRecord) EventSubSeqNo() string { return "" }
func (r *fakeRecord) SourceID() string      { return "shard-0000" }
func (r *fakeRecord) Data() []byte          { return nil }

func buildBatch(t *testing.T, processed *task.Template) *batch.Batch {
	b, err := batch.New(
		batch.Key{StreamConsumerID: "c1", ShardOrEventID: "shard-0000"},
		batch.Config{
			MaxNumberOfAttempts: 3,
			ProcessOneTemplates: []*task.Template{processed},
			DiscardUnusableRecord: func(ctx context.Context, state *batch.UnusableRecordState, b *batch.Batch) error {
				return nil
			},
			DiscardRejectedMessage: func(ctx context.Context, state *batch.MessageState, b *batch.Batch) error {
				return nil
			},
		},
		nil, nil,
	)
	require.NoError(t, err)
	b.TaskDefs.Initiate = &task.Template{Name: batch.TaskInitiatePhase}
	b.TaskDefs.Process = &task.Template{Name: batch.TaskProcessPhase}
	b.TaskDefs.Finalise = &task.Template{Name: batch.TaskFinalisePhase}

	names := identity.PropertyNames{KeyPropertyNames: []string{"key"}, SeqNoPropertyNames: []string{"seq"}}
	require.NoError(t, b.AddMessage(map[string]interface{}{"key": "k1", "seq": 1}, &fakeRecord{eventID: "evt-1", eventSeq: "1"}, nil, names, nil, nil, nil))
	require.NoError(t, b.Sequence())
	return b
}

func TestSerializeRestoreRoundTripsTaskProgressAcrossInvocations(t *testing.T) {
	processed := &task.Template{
		Name: "process",
		Execute: func(ctx context.Context, self *task.Task) (interface{}, error) {
			return nil, assertableError{}
		},
	}

	first := buildBatch(t, processed)
	first.ReviveTasks()
	<-first.Messages[0].Ones["process"].Run(context.Background(), task.TransitionOptions{})
	require.Equal(t, task.Failed, first.Messages[0].Ones["process"].State())
	require.Equal(t, 1, first.Messages[0].Ones["process"].Attempts())

	item := checkpoint.Serialize(first)
	require.Len(t, item.MessageStates, 1)
	assert.NotEmpty(t, item.MessageStates[0].BFK)

	second := buildBatch(t, processed)
	checkpoint.Restore(second, item)
	second.ReviveTasks()

	revivedTask := second.Messages[0].Ones["process"]
	assert.Equal(t, task.Failed, revivedTask.State())
	assert.Equal(t, 1, revivedTask.Attempts())
}

type assertableError struct{}

func (assertableError) Error() string { return "simulated processing failure" }

func TestRestoreIsANoopWhenThereIsNoPriorBFKMatch(t *testing.T) {
	processed := &task.Template{Name: "process"}
	b := buildBatch(t, processed)

	prior := checkpoint.Item{
		StreamConsumerID: "c1",
		ShardOrEventID:   "shard-0000",
		MessageStates: []checkpoint.StorableMessageState{
			{BFK: "some-other-message-entirely"},
		},
	}
	checkpoint.Restore(b, prior)
	b.ReviveTasks()

	assert.Equal(t, task.Unstarted, b.Messages[0].Ones["process"].State())
}

func TestRestoreFallsBackToContentEqualityWhenThePriorStateHasNoIdentifier(t *testing.T) {
	processed := &task.Template{Name: "process"}

	b1, err := batch.New(batch.Key{StreamConsumerID: "c1", ShardOrEventID: "shard-0000"}, batch.Config{
		MaxNumberOfAttempts: 3,
		ProcessOneTemplates: []*task.Template{processed},
		DiscardUnusableRecord: func(ctx context.Context, state *batch.UnusableRecordState, b *batch.Batch) error {
			return nil
		},
		DiscardRejectedMessage: func(ctx context.Context, state *batch.MessageState, b *batch.Batch) error {
			return nil
		},
	}, nil, nil)
	require.NoError(t, err)
	b1.TaskDefs.Initiate = &task.Template{Name: batch.TaskInitiatePhase}
	b1.TaskDefs.Process = &task.Template{Name: batch.TaskProcessPhase}
	b1.TaskDefs.Finalise = &task.Template{Name: batch.TaskFinalisePhase}

	// A caller that opts out of both identifiers and digests (e.g. to
	// avoid hashing large payloads) saves its state with an empty BFK.
	// The next invocation uses the default resolvers, so its BFK finds no
	// prior match and Restore falls back to content equality.
	noIdentity := func(message interface{}, record identity.Record, userRecord interface{}, coords identity.EventCoordinates, digests identity.Digests) ([]identity.Part, []identity.Part, []identity.Part, error) {
		return nil, nil, nil, nil
	}
	noDigests := func(message, record, userRecord interface{}) (identity.Digests, error) {
		return identity.Digests{}, nil
	}
	rec := &fakeRecord{eventID: "", eventSeq: ""}
	msg := map[string]interface{}{"payload": "same-content"}
	require.NoError(t, b1.AddMessage(msg, rec, nil, identity.PropertyNames{}, noIdentity, nil, noDigests))
	require.NoError(t, b1.Sequence())
	b1.ReviveTasks()
	b1.Messages[0].Ones["process"].Start(task.TransitionOptions{})
	b1.Messages[0].Ones["process"].Complete("ok", task.TransitionOptions{})

	item := checkpoint.Serialize(b1)
	require.Empty(t, item.MessageStates[0].BFK)
	require.NotNil(t, item.MessageStates[0].AttachedContent)

	b2, err := batch.New(batch.Key{StreamConsumerID: "c1", ShardOrEventID: "shard-0000"}, batch.Config{
		MaxNumberOfAttempts: 3,
		ProcessOneTemplates: []*task.Template{processed},
		DiscardUnusableRecord: func(ctx context.Context, state *batch.UnusableRecordState, b *batch.Batch) error {
			return nil
		},
		DiscardRejectedMessage: func(ctx context.Context, state *batch.MessageState, b *batch.Batch) error {
			return nil
		},
	}, nil, nil)
	require.NoError(t, err)
	b2.TaskDefs.Initiate = &task.Template{Name: batch.TaskInitiatePhase}
	b2.TaskDefs.Process = &task.Template{Name: batch.TaskProcessPhase}
	b2.TaskDefs.Finalise = &task.Template{Name: batch.TaskFinalisePhase}
	require.NoError(t, b2.AddMessage(msg, rec, nil, identity.PropertyNames{}, nil, nil, nil))
	require.NoError(t, b2.Sequence())

	checkpoint.Restore(b2, item)
	b2.ReviveTasks()

	assert.Equal(t, task.Completed, b2.Messages[0].Ones["process"].State())
}
