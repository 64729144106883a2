// Package terminal implements the batch core's terminal actions:
// publishing unusable records and rejected messages to their
// dead-letter streams, and disabling the upstream event-source
// binding when a fatal error forces operator attention. These are the
// cloud-facing edges of the core; everything here is a thin adapter
// over an AWS SDK facade the caller supplies.
package terminal

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"

	"github.com/streambatch/corebatch/batch"
	"github.com/streambatch/corebatch/errs"
	"github.com/streambatch/corebatch/logger"
)

// Envelope builds the dead-letter payload for an unusable record or a
// rejected message. The caller supplies the codec; this package only
// knows how to publish bytes to a named stream.
type Envelope interface {
	MarshalEnvelope() ([]byte, error)
}

// EnvelopeFunc adapts a plain function to Envelope.
type EnvelopeFunc func() ([]byte, error)

func (f EnvelopeFunc) MarshalEnvelope() ([]byte, error) { return f() }

// DeadLetterPublisher publishes unusable records and rejected
// messages to their configured dead-letter streams.
type DeadLetterPublisher struct {
	log logger.Logger
	kc  kinesisiface.KinesisAPI

	DeadRecordQueueName  string
	DeadMessageQueueName string
}

// NewDeadLetterPublisher returns a publisher backed by kc.
func NewDeadLetterPublisher(kc kinesisiface.KinesisAPI, deadRecordQueue, deadMessageQueue string, log logger.Logger) *DeadLetterPublisher {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &DeadLetterPublisher{
		log:                  log,
		kc:                   kc,
		DeadRecordQueueName:  deadRecordQueue,
		DeadMessageQueueName: deadMessageQueue,
	}
}

// DiscardUnusableRecordToDRQ publishes envelope under b's batch key as
// partition key to the dead-record stream. The batch key must be
// valid; this never publishes an unassociated envelope.
func (p *DeadLetterPublisher) DiscardUnusableRecordToDRQ(ctx context.Context, envelope Envelope, b *batch.Batch) error {
	return p.publish(ctx, p.DeadRecordQueueName, envelope, b)
}

// DiscardRejectedMessageToDMQ publishes envelope under b's batch key
// as partition key to the dead-message stream.
func (p *DeadLetterPublisher) DiscardRejectedMessageToDMQ(ctx context.Context, envelope Envelope, b *batch.Batch) error {
	return p.publish(ctx, p.DeadMessageQueueName, envelope, b)
}

func (p *DeadLetterPublisher) publish(ctx context.Context, streamName string, envelope Envelope, b *batch.Batch) error {
	if !b.Key.IsValid() {
		return &errs.FatalError{Op: "terminal: publish to dead-letter stream with an invalid batch key"}
	}
	data, err := envelope.MarshalEnvelope()
	if err != nil {
		return &errs.UnusableInputError{Reason: "failed to marshal dead-letter envelope", Cause: err}
	}
	_, err = p.kc.PutRecord(&kinesis.PutRecordInput{
		Data:         data,
		StreamName:   aws.String(streamName),
		PartitionKey: aws.String(b.Key.String()),
	})
	if err != nil {
		p.log.Errorf("terminal: failed publishing to %s: %+v", streamName, err)
		return &errs.TransientError{Op: "terminal: publish to " + streamName, Cause: err}
	}
	return nil
}

// EventSourceControlPlane disables the upstream event-source binding
// on a fatal error. The mapping identifier for a given function is
// cached between invocations of the same process and invalidated on
// error, since Lambda's control plane does not change it for the
// lifetime of a binding.
type EventSourceControlPlane struct {
	log logger.Logger
	lc  lambdaiface.LambdaAPI

	mu        sync.Mutex
	mappingID string
}

// NewEventSourceControlPlane returns a control plane facade backed by
// lc.
func NewEventSourceControlPlane(lc lambdaiface.LambdaAPI, log logger.Logger) *EventSourceControlPlane {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &EventSourceControlPlane{log: log, lc: lc}
}

// HandleFatalError disables the upstream event-source mapping for
// functionName, then always re-raises err so the host surfaces it to
// an operator.
func (c *EventSourceControlPlane) HandleFatalError(ctx context.Context, functionName string, avoidCache bool, err error) error {
	if disableErr := c.disableSourceStreamEventSourceMapping(ctx, functionName, avoidCache); disableErr != nil {
		c.log.Errorf("terminal: failed to disable event source mapping for %s: %+v", functionName, disableErr)
	}
	return err
}

func (c *EventSourceControlPlane) disableSourceStreamEventSourceMapping(ctx context.Context, functionName string, avoidCache bool) error {
	id, err := c.resolveMappingID(functionName, avoidCache)
	if err != nil {
		return err
	}
	_, err = c.lc.UpdateEventSourceMapping(&lambda.UpdateEventSourceMappingInput{
		UUID:    aws.String(id),
		Enabled: aws.Bool(false),
	})
	if err != nil {
		c.invalidateCache()
	}
	return err
}

func (c *EventSourceControlPlane) resolveMappingID(functionName string, avoidCache bool) (string, error) {
	c.mu.Lock()
	cached := c.mappingID
	c.mu.Unlock()
	if cached != "" && !avoidCache {
		return cached, nil
	}

	out, err := c.lc.ListEventSourceMappings(&lambda.ListEventSourceMappingsInput{
		FunctionName: aws.String(functionName),
	})
	if err != nil {
		return "", &errs.TransientError{Op: "terminal: list event source mappings", Cause: err}
	}
	if len(out.EventSourceMappings) == 0 {
		return "", &errs.FatalError{Op: "terminal: no event source mapping found for " + functionName}
	}

	id := aws.StringValue(out.EventSourceMappings[0].UUID)
	c.mu.Lock()
	c.mappingID = id
	c.mu.Unlock()
	return id, nil
}

func (c *EventSourceControlPlane) invalidateCache() {
	c.mu.Lock()
	c.mappingID = ""
	c.mu.Unlock()
}
