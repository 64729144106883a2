package terminal_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streambatch/corebatch/batch"
	"github.com/streambatch/corebatch/terminal"
)

type mockKinesis struct {
	kinesisiface.KinesisAPI

	calls []*kinesis.PutRecordInput
	err   error
}

func (m *mockKinesis) PutRecord(input *kinesis.PutRecordInput) (*kinesis.PutRecordOutput, error) {
	m.calls = append(m.calls, input)
	if m.err != nil {
		return nil, m.err
	}
	return &kinesis.PutRecordOutput{}, nil
}

func validKey() batch.Key {
	return batch.Key{StreamConsumerID: "c1", ShardOrEventID: "shard-0000"}
}

func TestDiscardUnusableRecordToDRQPublishesUnderTheBatchKey(t *testing.T) {
	kc := &mockKinesis{}
	b, err := batch.New(validKey(), batch.Config{
		MaxNumberOfAttempts:    1,
		DiscardUnusableRecord:  func(context.Context, *batch.UnusableRecordState, *batch.Batch) error { return nil },
		DiscardRejectedMessage: func(context.Context, *batch.MessageState, *batch.Batch) error { return nil },
	}, nil, nil)
	require.NoError(t, err)

	pub := terminal.NewDeadLetterPublisher(kc, "drq-stream", "dmq-stream", nil)
	envelope := terminal.EnvelopeFunc(func() ([]byte, error) { return []byte("payload"), nil })

	err = pub.DiscardUnusableRecordToDRQ(context.Background(), envelope, b)
	require.NoError(t, err)
	require.Len(t, kc.calls, 1)
	assert.Equal(t, "drq-stream", aws.StringValue(kc.calls[0].StreamName))
	assert.Equal(t, []byte("payload"), kc.calls[0].Data)
	assert.Equal(t, b.Key.String(), aws.StringValue(kc.calls[0].PartitionKey))
}

func TestDiscardRejectedMessageToDMQPublishesToTheConfiguredStream(t *testing.T) {
	kc := &mockKinesis{}
	b, err := batch.New(validKey(), batch.Config{
		MaxNumberOfAttempts:    1,
		DiscardUnusableRecord:  func(context.Context, *batch.UnusableRecordState, *batch.Batch) error { return nil },
		DiscardRejectedMessage: func(context.Context, *batch.MessageState, *batch.Batch) error { return nil },
	}, nil, nil)
	require.NoError(t, err)

	pub := terminal.NewDeadLetterPublisher(kc, "drq-stream", "dmq-stream", nil)
	envelope := terminal.EnvelopeFunc(func() ([]byte, error) { return []byte("payload"), nil })

	err = pub.DiscardRejectedMessageToDMQ(context.Background(), envelope, b)
	require.NoError(t, err)
	require.Len(t, kc.calls, 1)
	assert.Equal(t, "dmq-stream", aws.StringValue(kc.calls[0].StreamName))
}

func TestPublishRejectsAnInvalidBatchKey(t *testing.T) {
	kc := &mockKinesis{}
	pub := terminal.NewDeadLetterPublisher(kc, "drq-stream", "dmq-stream", nil)
	envelope := terminal.EnvelopeFunc(func() ([]byte, error) { return []byte("payload"), nil })

	err := pub.DiscardUnusableRecordToDRQ(context.Background(), envelope, &batch.Batch{})
	assert.Error(t, err)
	assert.Empty(t, kc.calls)
}

func TestPublishSurfacesAMarshalFailureWithoutCallingKinesis(t *testing.T) {
	kc := &mockKinesis{}
	b, err := batch.New(validKey(), batch.Config{
		MaxNumberOfAttempts:    1,
		DiscardUnusableRecord:  func(context.Context, *batch.UnusableRecordState, *batch.Batch) error { return nil },
		DiscardRejectedMessage: func(context.Context, *batch.MessageState, *batch.Batch) error { return nil },
	}, nil, nil)
	require.NoError(t, err)

	pub := terminal.NewDeadLetterPublisher(kc, "drq-stream", "dmq-stream", nil)
	envelope := terminal.EnvelopeFunc(func() ([]byte, error) { return nil, errors.New("bad envelope") })

	err = pub.DiscardUnusableRecordToDRQ(context.Background(), envelope, b)
	assert.Error(t, err)
	assert.Empty(t, kc.calls)
}

func TestPublishWrapsAKinesisFailureAsTransient(t *testing.T) {
	kc := &mockKinesis{err: errors.New("throttled")}
	b, err := batch.New(validKey(), batch.Config{
		MaxNumberOfAttempts:    1,
		DiscardUnusableRecord:  func(context.Context, *batch.UnusableRecordState, *batch.Batch) error { return nil },
		DiscardRejectedMessage: func(context.Context, *batch.MessageState, *batch.Batch) error { return nil },
	}, nil, nil)
	require.NoError(t, err)

	pub := terminal.NewDeadLetterPublisher(kc, "drq-stream", "dmq-stream", nil)
	envelope := terminal.EnvelopeFunc(func() ([]byte, error) { return []byte("payload"), nil })

	err = pub.DiscardUnusableRecordToDRQ(context.Background(), envelope, b)
	assert.Error(t, err)
}

type mockLambda struct {
	lambdaiface.LambdaAPI

	listCalls   []*lambda.ListEventSourceMappingsInput
	updateCalls []*lambda.UpdateEventSourceMappingInput
	mappingUUID string
	listErr     error
	updateErr   error
}

func (m *mockLambda) ListEventSourceMappings(input *lambda.ListEventSourceMappingsInput) (*lambda.ListEventSourceMappingsOutput, error) {
	m.listCalls = append(m.listCalls, input)
	if m.listErr != nil {
		return nil, m.listErr
	}
	if m.mappingUUID == "" {
		return &lambda.ListEventSourceMappingsOutput{}, nil
	}
	return &lambda.ListEventSourceMappingsOutput{
		EventSourceMappings: []*lambda.EventSourceMappingConfiguration{
			{UUID: aws.String(m.mappingUUID)},
		},
	}, nil
}

func (m *mockLambda) UpdateEventSourceMapping(input *lambda.UpdateEventSourceMappingInput) (*lambda.UpdateEventSourceMappingOutput, error) {
	m.updateCalls = append(m.updateCalls, input)
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	return &lambda.UpdateEventSourceMappingOutput{}, nil
}

func TestHandleFatalErrorDisablesTheMappingAndRaisesTheOriginalError(t *testing.T) {
	lc := &mockLambda{mappingUUID: "mapping-1"}
	cp := terminal.NewEventSourceControlPlane(lc, nil)

	original := errors.New("processing exploded")
	err := cp.HandleFatalError(context.Background(), "my-fn", false, original)

	assert.Equal(t, original, err)
	require.Len(t, lc.updateCalls, 1)
	assert.Equal(t, "mapping-1", aws.StringValue(lc.updateCalls[0].UUID))
	assert.False(t, aws.BoolValue(lc.updateCalls[0].Enabled))
}

func TestHandleFatalErrorCachesTheMappingIDAcrossCalls(t *testing.T) {
	lc := &mockLambda{mappingUUID: "mapping-1"}
	cp := terminal.NewEventSourceControlPlane(lc, nil)

	_ = cp.HandleFatalError(context.Background(), "my-fn", false, errors.New("first"))
	_ = cp.HandleFatalError(context.Background(), "my-fn", false, errors.New("second"))

	assert.Len(t, lc.listCalls, 1, "the second call should reuse the cached mapping id")
	assert.Len(t, lc.updateCalls, 2)
}

func TestHandleFatalErrorAvoidCacheForcesAFreshLookup(t *testing.T) {
	lc := &mockLambda{mappingUUID: "mapping-1"}
	cp := terminal.NewEventSourceControlPlane(lc, nil)

	_ = cp.HandleFatalError(context.Background(), "my-fn", false, errors.New("first"))
	_ = cp.HandleFatalError(context.Background(), "my-fn", true, errors.New("second"))

	assert.Len(t, lc.listCalls, 2)
}

func TestHandleFatalErrorInvalidatesTheCacheWhenUpdateFails(t *testing.T) {
	lc := &mockLambda{mappingUUID: "mapping-1", updateErr: errors.New("update rejected")}
	cp := terminal.NewEventSourceControlPlane(lc, nil)

	_ = cp.HandleFatalError(context.Background(), "my-fn", false, errors.New("first"))
	_ = cp.HandleFatalError(context.Background(), "my-fn", false, errors.New("second"))

	assert.Len(t, lc.listCalls, 2, "a failed update must force the next call to re-resolve the mapping")
}

func TestHandleFatalErrorWithNoMappingStillRaisesTheOriginalError(t *testing.T) {
	lc := &mockLambda{}
	cp := terminal.NewEventSourceControlPlane(lc, nil)

	original := errors.New("processing exploded")
	err := cp.HandleFatalError(context.Background(), "my-fn", false, original)

	assert.Equal(t, original, err)
	assert.Empty(t, lc.updateCalls)
}
