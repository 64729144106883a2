package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"

	"github.com/streambatch/corebatch/batch"
	"github.com/streambatch/corebatch/checkpoint"
	"github.com/streambatch/corebatch/config"
	"github.com/streambatch/corebatch/errs"
	"github.com/streambatch/corebatch/identity"
	"github.com/streambatch/corebatch/task"
	"github.com/streambatch/corebatch/terminal"
)

// syntheticRecord is a minimal identity.Record used to drive the
// orchestrator without a live Kinesis or DynamoDB Streams source.
type syntheticRecord struct {
	eventID    string
	eventSeqNo string
	sourceID   string
	data       []byte
}

func (r *syntheticRecord) EventID() string       { return r.eventID }
func (r *syntheticRecord) EventSeqNo() string    { return r.eventSeqNo }
func (r *syntheticRecord) EventSubSeqNo() string { return "" }
func (r *syntheticRecord) SourceID() string      { return r.sourceID }
func (r *syntheticRecord) Data() []byte          { return r.data }

// buildSyntheticBatch constructs count records shaped like either a
// Kinesis shard or a DynamoDB stream, each carrying one JSON message
// keyed into keyCount parallel chains.
func buildSyntheticBatch(streamType batch.StreamType, count, keyCount int) (batch.Key, []batch.Record) {
	sourceID := "shard-0000"
	if streamType == batch.StreamDynamoDB {
		sourceID = "dynamodb-stream-0000"
	}

	key := batch.Key{StreamConsumerID: "batchcoresim", ShardOrEventID: sourceID}

	records := make([]batch.Record, count)
	for i := 0; i < count; i++ {
		msg := map[string]interface{}{
			"key":     fmt.Sprintf("key-%d", i%keyCount),
			"seq":     i,
			"payload": fmt.Sprintf("payload-%d", i),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			panic(fmt.Sprintf("batchcoresim: marshal synthetic message: %v", err))
		}
		records[i] = &syntheticRecord{
			eventID:    fmt.Sprintf("evt-%06d", i),
			eventSeqNo: fmt.Sprintf("%020d", i),
			sourceID:   sourceID,
			data:       data,
		}
	}
	return key, records
}

// extractMessage decodes a synthetic record's JSON payload back into
// the map shape property-name identity resolution expects.
func extractMessage(_ context.Context, record batch.Record, _ interface{}) (interface{}, error) {
	var msg map[string]interface{}
	if err := json.Unmarshal(record.Data(), &msg); err != nil {
		return nil, fmt.Errorf("batchcoresim: decode record payload: %w", err)
	}
	return msg, nil
}

// fakeKinesis stands in for a live Kinesis stream: it records every
// PutRecord call in order instead of calling out to AWS, so the
// harness can drive terminal.DeadLetterPublisher without credentials.
type fakeKinesis struct {
	kinesisiface.KinesisAPI

	mu    sync.Mutex
	calls []*kinesis.PutRecordInput
}

func (k *fakeKinesis) PutRecord(input *kinesis.PutRecordInput) (*kinesis.PutRecordOutput, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, input)
	return &kinesis.PutRecordOutput{}, nil
}

func (k *fakeKinesis) snapshot() []*kinesis.PutRecordInput {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*kinesis.PutRecordInput{}, k.calls...)
}

// fakeLambda stands in for the Lambda control plane: it reports a
// single, always-present event-source mapping and records whether it
// has been disabled, so terminal.EventSourceControlPlane has something
// real to call without a live function to manage.
type fakeLambda struct {
	lambdaiface.LambdaAPI

	mu       sync.Mutex
	disabled bool
}

func (l *fakeLambda) ListEventSourceMappings(*lambda.ListEventSourceMappingsInput) (*lambda.ListEventSourceMappingsOutput, error) {
	return &lambda.ListEventSourceMappingsOutput{
		EventSourceMappings: []*lambda.EventSourceMappingConfiguration{
			{UUID: aws.String("batchcoresim-mapping")},
		},
	}, nil
}

func (l *fakeLambda) UpdateEventSourceMapping(input *lambda.UpdateEventSourceMappingInput) (*lambda.UpdateEventSourceMappingOutput, error) {
	l.mu.Lock()
	l.disabled = !aws.BoolValue(input.Enabled)
	l.mu.Unlock()
	return &lambda.UpdateEventSourceMappingOutput{}, nil
}

func (l *fakeLambda) isDisabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disabled
}

// newTestControlPlane returns an EventSourceControlPlane backed by a
// fresh fakeLambda, and the fake itself so a test can assert on what
// the control plane did to it.
func newTestControlPlane() (*terminal.EventSourceControlPlane, *fakeLambda) {
	lc := &fakeLambda{}
	return terminal.NewEventSourceControlPlane(lc, nil), lc
}

// dlqSink routes unusable records and rejected messages through a real
// terminal.DeadLetterPublisher backed by fakeKinesis, then reads the
// publisher's own call log back for printing once the invocation
// finishes - demonstrating the production dead-letter path rather than
// hand-rolling a separate recording mechanism.
type dlqSink struct {
	kc  *fakeKinesis
	pub *terminal.DeadLetterPublisher
}

func newDLQSink() *dlqSink {
	kc := &fakeKinesis{}
	return &dlqSink{
		kc:  kc,
		pub: terminal.NewDeadLetterPublisher(kc, "batchcoresim-drq", "batchcoresim-dmq", nil),
	}
}

func (s *dlqSink) discardUnusable(ctx context.Context, state *batch.UnusableRecordState, b *batch.Batch) error {
	envelope := terminal.EnvelopeFunc(func() ([]byte, error) {
		return json.Marshal(struct {
			EventID        string `json:"eventId"`
			ReasonUnusable string `json:"reasonUnusable"`
		}{state.Coordinates.EventID, state.ReasonUnusable})
	})
	return s.pub.DiscardUnusableRecordToDRQ(ctx, envelope, b)
}

func (s *dlqSink) discardRejected(ctx context.Context, state *batch.MessageState, b *batch.Batch) error {
	envelope := terminal.EnvelopeFunc(func() ([]byte, error) {
		return json.Marshal(struct {
			ID             string `json:"id"`
			ReasonRejected string `json:"reasonRejected"`
		}{state.Identity.ID, state.ReasonRejected})
	})
	return s.pub.DiscardRejectedMessageToDMQ(ctx, envelope, b)
}

func (s *dlqSink) snapshot() []string {
	var out []string
	for _, call := range s.kc.snapshot() {
		out = append(out, fmt.Sprintf("%s: %s", aws.StringValue(call.StreamName), string(call.Data)))
	}
	return out
}

// checkpointStore backs config.Options' LoadBatchState/SaveBatchState
// callbacks. With a blank path it behaves as a process-lifetime
// in-memory table (enough for one simulate run); with a path set it
// reads and writes a single JSON file standing in for one batch key's
// DynamoDB row, which is what lets the replay subcommand demonstrate
// restore-and-resume across two separate process invocations.
type checkpointStore struct {
	mu   sync.Mutex
	path string
	mem  map[string]checkpoint.Item
}

func newCheckpointStore(path string) *checkpointStore {
	return &checkpointStore{path: path, mem: map[string]checkpoint.Item{}}
}

func (s *checkpointStore) load(_ context.Context, key batch.Key) (checkpoint.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		item, ok := s.mem[key.String()]
		return item, ok, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return checkpoint.Item{}, false, nil
	}
	if err != nil {
		return checkpoint.Item{}, false, fmt.Errorf("batchcoresim: read checkpoint file: %w", err)
	}
	var item checkpoint.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return checkpoint.Item{}, false, fmt.Errorf("batchcoresim: decode checkpoint file: %w", err)
	}
	return item, true, nil
}

func (s *checkpointStore) save(_ context.Context, key batch.Key, item checkpoint.Item, _ *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		s.mem[key.String()] = item
		return nil
	}

	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("batchcoresim: encode checkpoint file: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("batchcoresim: write checkpoint file: %w", err)
	}
	return nil
}

// flakyProcessTemplate builds a "process" task that fails its first
// failEvery-1 attempts before succeeding, so --fail-every can
// demonstrate the retry-and-resume path without a real transient
// dependency to fault-inject against.
func flakyProcessTemplate(failEvery int) *task.Template {
	return &task.Template{
		Name: "process",
		Execute: func(_ context.Context, self *task.Task) (interface{}, error) {
			m := self.Payload().(*batch.MessageState)
			if failEvery > 0 && self.Attempts() < failEvery {
				return nil, fmt.Errorf("simulated transient failure on attempt %d", self.Attempts())
			}
			return fmt.Sprintf("processed %s", m.Identity.ID), nil
		},
	}
}

// buildOptions assembles the config.Options all subcommands share,
// wiring the synthetic extractor, the in-memory/file checkpoint store,
// the dead-letter sink, the flaky process template, and a fatal-error
// hook backed by a fake Lambda control plane that disables its one
// synthetic event-source mapping rather than retrying forever.
func buildOptions(store *checkpointStore, dlq *dlqSink, failEvery int, avoidEsmCache bool) *config.Options {
	controlPlane, _ := newTestControlPlane()

	return config.NewOptions("batchcoresim").
		WithBatchStateTableName("batchcoresim-local").
		WithDeadRecordQueueName("batchcoresim-drq").
		WithDeadMessageQueueName("batchcoresim-dmq").
		WithAvoidEsmCache(avoidEsmCache).
		WithPropertyNames(identity.PropertyNames{
			KeyPropertyNames:   []string{"key"},
			SeqNoPropertyNames: []string{"seq"},
		}).
		WithExtractMessageFromRecord(extractMessage).
		WithLoadBatchState(store.load).
		WithSaveBatchState(store.save).
		WithDiscardUnusableRecord(dlq.discardUnusable).
		WithDiscardRejectedMessage(dlq.discardRejected).
		WithProcessOneTemplates(flakyProcessTemplate(failEvery)).
		WithOnFatalError(func(ctx context.Context, b *batch.Batch, fatalErr *errs.FatalError) error {
			_ = controlPlane.HandleFatalError(ctx, "batchcoresim", avoidEsmCache, fatalErr)
			return nil
		})
}

func printDLQs(w io.Writer, dlq *dlqSink) {
	for _, item := range dlq.snapshot() {
		fmt.Fprintf(w, "  dlq: %s\n", item)
	}
}
