// Package config is the single explicit configuration record for the
// batch core: the enumerated options of this module's external
// interfaces plus the callbacks that adapt the engine to a caller's
// record shape, message shape and persistence backend. Construction
// follows the builder idiom this module uses for its own client
// configuration: NewOptions returns sensible defaults, and With...
// methods override one field at a time.
package config

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/streambatch/corebatch/batch"
	"github.com/streambatch/corebatch/checkpoint"
	"github.com/streambatch/corebatch/errs"
	"github.com/streambatch/corebatch/identity"
	"github.com/streambatch/corebatch/logger"
	"github.com/streambatch/corebatch/metrics"
	"github.com/streambatch/corebatch/task"
)

// ExtractMessagesFunc extracts zero or more messages from one record,
// for aggregate encodings that pack several logical messages into a
// single stream record.
type ExtractMessagesFunc func(ctx context.Context, record batch.Record, userRecord interface{}) ([]interface{}, error)

// ExtractMessageFunc extracts exactly one message from one record, the
// common case.
type ExtractMessageFunc func(ctx context.Context, record batch.Record, userRecord interface{}) (interface{}, error)

// LoadBatchStateFunc loads the prior checkpoint item for key, or
// found=false if there is none.
type LoadBatchStateFunc func(ctx context.Context, key batch.Key) (item checkpoint.Item, found bool, err error)

// SaveBatchStateFunc persists item for key, given the batch's current
// tri-state previouslySaved heuristic.
type SaveBatchStateFunc func(ctx context.Context, key batch.Key, item checkpoint.Item, previouslySaved *bool) error

// PreProcessBatchFunc runs once per invocation as the last step of the
// initiate phase, before the process phase's sub-tasks are started; an
// error from it fails the initiate phase.
type PreProcessBatchFunc func(ctx context.Context, b *batch.Batch) error

// PreFinaliseBatchFunc runs once per invocation as the last step of the
// process phase, before the finalise phase starts.
type PreFinaliseBatchFunc func(ctx context.Context, b *batch.Batch) error

// PostFinaliseBatchFunc runs once per invocation, after the checkpoint
// has been saved; finalErr is the error the orchestrator is about to
// re-raise, or nil.
type PostFinaliseBatchFunc func(ctx context.Context, b *batch.Batch, finalErr error) error

// OnFatalErrorFunc runs once per invocation when the orchestrator's
// final result is a *errs.FatalError, immediately before that error is
// re-raised to the host. It is the extension point for disabling the
// upstream event-source binding so a broken invocation doesn't retry
// forever without an operator noticing; a non-nil return is logged but
// never replaces fatalErr, which is re-raised unconditionally.
type OnFatalErrorFunc func(ctx context.Context, b *batch.Batch, fatalErr *errs.FatalError) error

// Options is the single explicit configuration record for one
// consumer. Build it with NewOptions and the With... methods, then
// call Validate before handing it to orchestrator.New.
type Options struct {
	StreamType          batch.StreamType
	SequencingRequired  bool
	SequencingPerKey    bool
	BatchKeyedOnEventID bool

	ConsumerID       string
	ConsumerIDSuffix string

	TimeoutAtPercentageOfRemainingTime float64
	MaxNumberOfAttempts                int

	PropertyNames identity.PropertyNames

	BatchStateTableName  string
	DeadRecordQueueName  string
	DeadMessageQueueName string
	AvoidEsmCache        bool

	ExtractMessagesFromRecord  ExtractMessagesFunc
	ExtractMessageFromRecord   ExtractMessageFunc
	GenerateMD5s               identity.DigestGenerator
	ResolveEventIDAndSeqNos    identity.EventCoordinateResolver
	ResolveMessageIdsAndSeqNos identity.MessageIdentityResolver

	LoadBatchState         LoadBatchStateFunc
	SaveBatchState         SaveBatchStateFunc
	PreProcessBatch        PreProcessBatchFunc
	DiscardUnusableRecord  batch.DiscardUnusableFunc
	PreFinaliseBatch       PreFinaliseBatchFunc
	DiscardRejectedMessage batch.DiscardRejectedFunc
	PostFinaliseBatch      PostFinaliseBatchFunc
	OnFatalError           OnFatalErrorFunc

	ProcessOneTemplates []*task.Template
	ProcessAllTemplates []*task.Template

	Logger            logger.Logger
	MonitoringService metrics.MonitoringService
}

// NewOptions returns an Options with the enumerated defaults this
// module has always shipped: process-phase deadline at 80% of
// remaining time, five attempts before discard, per-key sequencing
// enabled, Kinesis stream shape.
func NewOptions(consumerID string) *Options {
	return &Options{
		StreamType:                         batch.StreamKinesis,
		SequencingRequired:                 false,
		SequencingPerKey:                   true,
		ConsumerID:                         consumerID,
		TimeoutAtPercentageOfRemainingTime: 0.8,
		MaxNumberOfAttempts:                5,
		Logger:                             logger.GetDefaultLogger(),
		MonitoringService:                  metrics.NoopMonitoringService{},
	}
}

func (o *Options) WithStreamType(t batch.StreamType) *Options { o.StreamType = t; return o }
func (o *Options) WithSequencingRequired(v bool) *Options      { o.SequencingRequired = v; return o }
func (o *Options) WithSequencingPerKey(v bool) *Options        { o.SequencingPerKey = v; return o }
func (o *Options) WithBatchKeyedOnEventID(v bool) *Options     { o.BatchKeyedOnEventID = v; return o }
func (o *Options) WithConsumerIDSuffix(s string) *Options      { o.ConsumerIDSuffix = s; return o }

func (o *Options) WithTimeoutAtPercentageOfRemainingTime(f float64) *Options {
	o.TimeoutAtPercentageOfRemainingTime = f
	return o
}

func (o *Options) WithMaxNumberOfAttempts(n int) *Options { o.MaxNumberOfAttempts = n; return o }

func (o *Options) WithPropertyNames(names identity.PropertyNames) *Options {
	o.PropertyNames = names
	return o
}

func (o *Options) WithBatchStateTableName(name string) *Options  { o.BatchStateTableName = name; return o }
func (o *Options) WithDeadRecordQueueName(name string) *Options  { o.DeadRecordQueueName = name; return o }
func (o *Options) WithDeadMessageQueueName(name string) *Options { o.DeadMessageQueueName = name; return o }
func (o *Options) WithAvoidEsmCache(v bool) *Options             { o.AvoidEsmCache = v; return o }

func (o *Options) WithExtractMessagesFromRecord(fn ExtractMessagesFunc) *Options {
	o.ExtractMessagesFromRecord = fn
	return o
}

func (o *Options) WithExtractMessageFromRecord(fn ExtractMessageFunc) *Options {
	o.ExtractMessageFromRecord = fn
	return o
}

func (o *Options) WithGenerateMD5s(fn identity.DigestGenerator) *Options {
	o.GenerateMD5s = fn
	return o
}

func (o *Options) WithResolveEventIDAndSeqNos(fn identity.EventCoordinateResolver) *Options {
	o.ResolveEventIDAndSeqNos = fn
	return o
}

func (o *Options) WithResolveMessageIdsAndSeqNos(fn identity.MessageIdentityResolver) *Options {
	o.ResolveMessageIdsAndSeqNos = fn
	return o
}

func (o *Options) WithLoadBatchState(fn LoadBatchStateFunc) *Options { o.LoadBatchState = fn; return o }
func (o *Options) WithSaveBatchState(fn SaveBatchStateFunc) *Options { o.SaveBatchState = fn; return o }
func (o *Options) WithPreProcessBatch(fn PreProcessBatchFunc) *Options {
	o.PreProcessBatch = fn
	return o
}

func (o *Options) WithDiscardUnusableRecord(fn batch.DiscardUnusableFunc) *Options {
	o.DiscardUnusableRecord = fn
	return o
}

func (o *Options) WithPreFinaliseBatch(fn PreFinaliseBatchFunc) *Options {
	o.PreFinaliseBatch = fn
	return o
}

func (o *Options) WithDiscardRejectedMessage(fn batch.DiscardRejectedFunc) *Options {
	o.DiscardRejectedMessage = fn
	return o
}

func (o *Options) WithPostFinaliseBatch(fn PostFinaliseBatchFunc) *Options {
	o.PostFinaliseBatch = fn
	return o
}

func (o *Options) WithOnFatalError(fn OnFatalErrorFunc) *Options {
	o.OnFatalError = fn
	return o
}

func (o *Options) WithProcessOneTemplates(tmpls ...*task.Template) *Options {
	o.ProcessOneTemplates = append(o.ProcessOneTemplates, tmpls...)
	return o
}

func (o *Options) WithProcessAllTemplates(tmpls ...*task.Template) *Options {
	o.ProcessAllTemplates = append(o.ProcessAllTemplates, tmpls...)
	return o
}

func (o *Options) WithLogger(l logger.Logger) *Options                     { o.Logger = l; return o }
func (o *Options) WithMonitoringService(m metrics.MonitoringService) *Options {
	o.MonitoringService = m
	return o
}

// ResolveConsumerID returns the configured ConsumerID if non-blank,
// otherwise derives one from the host function's name and alias plus
// ConsumerIDSuffix, using a random base in place of the name and alias
// when both are blank. Both explicit and derived forms are legal; only a final blank
// value fails Validate.
func (o *Options) ResolveConsumerID(functionName, functionAlias string) string {
	if o.ConsumerID != "" {
		return o.ConsumerID
	}
	base := functionName
	if functionAlias != "" {
		base = base + ":" + functionAlias
	}
	if base == "" {
		base = uuid.NewString()
	}
	if o.ConsumerIDSuffix != "" {
		return base + "-" + o.ConsumerIDSuffix
	}
	return base
}

// Validate checks the options required for construction to succeed:
// non-blank identifiers, at least one extraction callback, both
// discard callbacks, and a deadline fraction in range. It does not
// resolve ConsumerID itself (see ResolveConsumerID); callers using the
// derived form should resolve it first and assign it back.
func (o *Options) Validate() error {
	if o.ConsumerID == "" {
		return fmt.Errorf("config: consumerId must not be blank (set explicitly or via ResolveConsumerID)")
	}
	if o.ExtractMessagesFromRecord == nil && o.ExtractMessageFromRecord == nil {
		return fmt.Errorf("config: one of extractMessagesFromRecord or extractMessageFromRecord is required")
	}
	if o.DiscardUnusableRecord == nil {
		return fmt.Errorf("config: discardUnusableRecord callback is required")
	}
	if o.DiscardRejectedMessage == nil {
		return fmt.Errorf("config: discardRejectedMessage callback is required")
	}
	if o.BatchStateTableName == "" {
		return fmt.Errorf("config: batchStateTableName must not be blank")
	}
	if o.LoadBatchState == nil {
		return fmt.Errorf("config: loadBatchState callback is required")
	}
	if o.SaveBatchState == nil {
		return fmt.Errorf("config: saveBatchState callback is required")
	}
	if o.TimeoutAtPercentageOfRemainingTime < 0 || o.TimeoutAtPercentageOfRemainingTime > 1 {
		return fmt.Errorf("config: timeoutAtPercentageOfRemainingTime must be in [0,1], got %v", o.TimeoutAtPercentageOfRemainingTime)
	}
	if o.MaxNumberOfAttempts <= 0 {
		return fmt.Errorf("config: maxNumberOfAttempts must be positive, got %d", o.MaxNumberOfAttempts)
	}
	return nil
}

// ToBatchConfig projects the handful of primitive fields the batch
// aggregate itself needs out of Options.
func (o *Options) ToBatchConfig() batch.Config {
	return batch.Config{
		MaxNumberOfAttempts:    o.MaxNumberOfAttempts,
		SequencingRequired:     o.SequencingRequired,
		SequencingPerKey:       o.SequencingPerKey,
		ProcessOneTemplates:    o.ProcessOneTemplates,
		ProcessAllTemplates:    o.ProcessAllTemplates,
		DiscardUnusableRecord:  o.DiscardUnusableRecord,
		DiscardRejectedMessage: o.DiscardRejectedMessage,
	}
}
