// Package batch implements the invocation-scoped aggregate that owns
// every record, message, rejected message and unusable record of one
// stream-consumer invocation, together with their tracked state and
// task trees. It is the component the phase orchestrator drives and
// the checkpoint codec serializes and restores.
package batch

import (
	"context"
	"fmt"

	"github.com/streambatch/corebatch/identity"
	"github.com/streambatch/corebatch/logger"
	"github.com/streambatch/corebatch/metrics"
	"github.com/streambatch/corebatch/sequencer"
	"github.com/streambatch/corebatch/task"
)

// Record is the record surface the batch aggregate needs; it is the
// same interface the identity component consumes, re-exported here so
// callers only need to import one package to implement it.
type Record = identity.Record

// StreamType selects shard-id vs event-id batch keying and record
// shape expectations.
type StreamType string

const (
	StreamKinesis  StreamType = "kinesis"
	StreamDynamoDB StreamType = "dynamodb"
)

// Key is the checkpoint primary key of a batch: the stream consumer
// identity and the shard (Kinesis) or first event id (DynamoDB
// Streams, or any Kinesis batch explicitly keyed on event id).
type Key struct {
	StreamConsumerID string
	ShardOrEventID   string
}

// IsValid reports whether both halves of the key are non-blank. Save
// must never be issued against an invalid key.
func (k Key) IsValid() bool {
	return k.StreamConsumerID != "" && k.ShardOrEventID != ""
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.StreamConsumerID, k.ShardOrEventID)
}

// TaskNames are the well-known template names the batch engine wires
// up itself, as opposed to the per-message "ones"/"alls" templates a
// caller supplies via Config.
const (
	TaskDiscardUnusable  = "discardUnusableRecord"
	TaskDiscardRejected  = "discardRejectedMessage"
	TaskInitiatePhase    = "initiate"
	TaskProcessPhase     = "process"
	TaskFinalisePhase    = "finalise"
)

// DiscardUnusableFunc routes an unusable record to the dead-record
// stream. It is required; construction fails without one.
type DiscardUnusableFunc func(ctx context.Context, state *UnusableRecordState, b *Batch) error

// DiscardRejectedFunc routes a rejected message to the dead-message
// stream. It is required; construction fails without one.
type DiscardRejectedFunc func(ctx context.Context, state *MessageState, b *Batch) error

// Config is the slice of the caller's overall configuration the batch
// aggregate itself needs: retry policy, sequencing mode, the per-item
// task catalog, and the two discard callbacks.
type Config struct {
	MaxNumberOfAttempts int
	SequencingRequired  bool
	SequencingPerKey    bool

	// ProcessOneTemplates are executed once per message, in sequence
	// order within that message's key chain.
	ProcessOneTemplates []*task.Template
	// ProcessAllTemplates are executed once per batch, mirrored as
	// master tasks whose slaves are the per-message task of the same
	// name (so a single failure can be inspected per-message too).
	ProcessAllTemplates []*task.Template

	DiscardUnusableRecord  DiscardUnusableFunc
	DiscardRejectedMessage DiscardRejectedFunc
}

// TaskDefs is the catalog of templates a batch instantiates tasks
// from: the two discard templates built from Config's callbacks, and
// the three phase templates the orchestrator fills in once it builds
// its own phase bodies.
type TaskDefs struct {
	DiscardUnusable *task.Template
	DiscardRejected *task.Template

	Initiate *task.Template
	Process  *task.Template
	Finalise *task.Template
}

// Batch is the aggregate for one invocation.
type Batch struct {
	Key Key

	Records          []Record
	Messages         []*MessageState
	RejectedMessages []*MessageState
	UnusableRecords  []*UnusableRecordState

	State    *BatchState
	TaskDefs *TaskDefs

	FirstMessagesToProcess []*MessageState

	// PreviouslySaved is the tri-state heuristic the checkpoint codec
	// uses to choose insert vs update: nil means unknown (try insert
	// and let the conditional-check-failed path decide).
	PreviouslySaved *bool

	cfg     Config
	log     logger.Logger
	metrics metrics.MonitoringService
}

// New builds an empty batch for key, materializing its discard task
// templates from cfg's callbacks. It fails if either discard callback
// is absent.
func New(key Key, cfg Config, log logger.Logger, mtr metrics.MonitoringService) (*Batch, error) {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	if mtr == nil {
		mtr = metrics.NoopMonitoringService{}
	}

	b := &Batch{
		Key:     key,
		State:   &BatchState{},
		cfg:     cfg,
		log:     log,
		metrics: mtr,
	}
	defs, err := defineDiscardTasks(cfg)
	if err != nil {
		return nil, err
	}
	b.TaskDefs = defs
	return b, nil
}

func defineDiscardTasks(cfg Config) (*TaskDefs, error) {
	if cfg.DiscardUnusableRecord == nil {
		return nil, fmt.Errorf("batch: discardUnusableRecord callback is required")
	}
	if cfg.DiscardRejectedMessage == nil {
		return nil, fmt.Errorf("batch: discardRejectedMessage callback is required")
	}

	defs := &TaskDefs{}
	defs.DiscardUnusable = &task.Template{
		Name: TaskDiscardUnusable,
		Execute: func(ctx context.Context, self *task.Task) (interface{}, error) {
			u := self.Payload().(*unusablePayload)
			return nil, cfg.DiscardUnusableRecord(ctx, u.state, u.batch)
		},
	}
	defs.DiscardRejected = &task.Template{
		Name: TaskDiscardRejected,
		Execute: func(ctx context.Context, self *task.Task) (interface{}, error) {
			m := self.Payload().(*rejectedPayload)
			return nil, cfg.DiscardRejectedMessage(ctx, m.state, m.batch)
		},
	}
	return defs, nil
}

type unusablePayload struct {
	state *UnusableRecordState
	batch *Batch
}

type rejectedPayload struct {
	state *MessageState
	batch *Batch
}

// AddMessage resolves identity for message (extracted from record,
// optionally via userRecord) and files it into Messages on success,
// into RejectedMessages if identity resolution itself fails, or into
// UnusableRecords if message is nil (the record could not be decoded
// at all).
func (b *Batch) AddMessage(
	message interface{}, record Record, userRecord interface{},
	names identity.PropertyNames,
	identityResolver identity.MessageIdentityResolver,
	coordResolver identity.EventCoordinateResolver,
	digestGen identity.DigestGenerator,
) error {
	if message == nil {
		return b.AddUnusableRecord(record, userRecord, "extractor produced no message")
	}

	digests, err := resolveDigests(digestGen, message, record, userRecord)
	if err != nil {
		return err
	}
	coords, err := identity.ResolveEventCoordinates(coordResolver, record, userRecord)
	if err != nil {
		return b.AddUnusableRecord(record, userRecord, err.Error())
	}

	id, err := identity.ResolveMessageIdentity(identityResolver, names, message, record, userRecord, coords, digests)
	if err != nil {
		m := newMessageState(message, record, userRecord, identity.Identity{}, coords, digests)
		m.ReasonRejected = err.Error()
		b.RejectedMessages = append(b.RejectedMessages, m)
		return nil
	}

	m := newMessageState(message, record, userRecord, id, coords, digests)
	b.Messages = append(b.Messages, m)
	return nil
}

// AddUnusableRecord files record (which could not be decoded into a
// message at all) into UnusableRecords with reason.
func (b *Batch) AddUnusableRecord(record Record, userRecord interface{}, reason string) error {
	digests, err := resolveDigests(nil, nil, record, userRecord)
	if err != nil {
		return err
	}
	coords, _ := identity.ResolveEventCoordinates(nil, record, userRecord)

	u := &UnusableRecordState{
		Record:         record,
		UserRecord:     userRecord,
		Coordinates:    coords,
		Digests:        digests,
		ReasonUnusable: reason,
		Discards:       map[string]*task.Task{},
	}
	u.BFK = identity.BigFatKey(coords, identity.Identity{}, digests)
	b.UnusableRecords = append(b.UnusableRecords, u)
	return nil
}

func resolveDigests(gen identity.DigestGenerator, message interface{}, record Record, userRecord interface{}) (identity.Digests, error) {
	if gen != nil {
		return gen(message, record, userRecord)
	}
	return identity.DeriveDigests(message, record, userRecord)
}

// Sequence links every message into its key chain (or one global
// chain when SequencingPerKey is false) and sets
// FirstMessagesToProcess to the resulting chain heads. A batch of zero
// messages is left unchanged; a single message becomes the only head.
func (b *Batch) Sequence() error {
	if len(b.Messages) < 2 {
		if len(b.Messages) == 1 {
			b.Messages[0].SetIsFirst(true)
			b.FirstMessagesToProcess = []*MessageState{b.Messages[0]}
		}
		return nil
	}

	nodes := make([]sequencer.Node, len(b.Messages))
	for i, m := range b.Messages {
		nodes[i] = m
	}
	if err := sequencer.Link(nodes, b.cfg.SequencingPerKey); err != nil {
		if b.cfg.SequencingRequired {
			return fmt.Errorf("batch: sequencing failed: %w", err)
		}
		b.log.Warnf("batch: sequencing degraded to insertion order: %v", err)
		for _, m := range b.Messages {
			m.SetIsFirst(true)
		}
		b.FirstMessagesToProcess = append([]*MessageState{}, b.Messages...)
		return nil
	}

	b.FirstMessagesToProcess = nil
	for _, m := range b.Messages {
		if m.IsFirst() {
			b.FirstMessagesToProcess = append(b.FirstMessagesToProcess, m)
		}
	}
	return nil
}

// ReviveTasks reconstitutes per-item and per-batch task subtrees from
// whatever pending snapshots the checkpoint codec has overlaid onto
// each state, then wires master→slave links between the batch-level
// "alls" and the per-message "alls" of the same name.
func (b *Batch) ReviveTasks() {
	allMessages := append(append([]*MessageState{}, b.Messages...), b.RejectedMessages...)

	for _, m := range allMessages {
		m.Ones = map[string]*task.Task{}
		for _, tmpl := range b.cfg.ProcessOneTemplates {
			t := task.Revive(tmpl, m.pendingOnes, task.ReviveAndCreateMissing)
			t.SetPayload(m)
			m.Ones[tmpl.Name] = t
		}
		m.Alls = map[string]*task.Task{}
		for _, tmpl := range b.cfg.ProcessAllTemplates {
			t := task.Revive(tmpl, m.pendingAlls, task.ReviveAndCreateMissing)
			t.SetPayload(m)
			m.Alls[tmpl.Name] = t
		}
		m.Discards = map[string]*task.Task{}
		if b.TaskDefs.DiscardRejected != nil {
			t := task.Revive(b.TaskDefs.DiscardRejected, m.pendingDiscards, task.ReviveOnlyExisting)
			t.SetPayload(&rejectedPayload{state: m, batch: b})
			m.Discards[b.TaskDefs.DiscardRejected.Name] = t
		}
	}

	for _, u := range b.UnusableRecords {
		u.Discards = map[string]*task.Task{}
		if b.TaskDefs.DiscardUnusable != nil {
			t := task.Revive(b.TaskDefs.DiscardUnusable, u.pendingDiscards, task.ReviveOnlyExisting)
			t.SetPayload(&unusablePayload{state: u, batch: b})
			u.Discards[b.TaskDefs.DiscardUnusable.Name] = t
		}
	}

	b.State.Alls = map[string]*task.Task{}
	for _, tmpl := range b.cfg.ProcessAllTemplates {
		master := task.Revive(tmpl, b.State.pendingAlls, task.ReviveAndCreateMissing)
		master.SetPayload(b)
		b.State.Alls[tmpl.Name] = master
		for _, m := range allMessages {
			master.AddSlave(m.Alls[tmpl.Name])
		}
	}

	b.State.Initiating = task.Revive(b.TaskDefs.Initiate, b.State.pendingPhases, task.ReviveAndCreateMissing)
	b.State.Processing = task.Revive(b.TaskDefs.Process, b.State.pendingPhases, task.ReviveAndCreateMissing)
	b.State.Finalising = task.Revive(b.TaskDefs.Finalise, b.State.pendingPhases, task.ReviveAndCreateMissing)
}

// DiscardUnusableRecords runs every not-yet-finalized discard task for
// the batch's unusable records and returns their completion channels.
func (b *Batch) DiscardUnusableRecords(ctx context.Context) []<-chan task.Outcome {
	var chans []<-chan task.Outcome
	for _, u := range b.UnusableRecords {
		t, ok := u.Discards[TaskDiscardUnusable]
		if !ok || t.IsFullyFinalised() {
			continue
		}
		chans = append(chans, t.Run(ctx, task.TransitionOptions{}))
	}
	return chans
}

// DiscardRejectedMessages promotes any message that is fully
// finalised but not cleanly completed into RejectedMessages, then runs
// every not-yet-finalized discard-rejected task and returns their
// completion channels.
func (b *Batch) DiscardRejectedMessages(ctx context.Context) []<-chan task.Outcome {
	b.promoteFinalisedRejections()

	var chans []<-chan task.Outcome
	for _, m := range b.RejectedMessages {
		t, ok := m.Discards[TaskDiscardRejected]
		if !ok || t.IsFullyFinalised() {
			continue
		}
		chans = append(chans, t.Run(ctx, task.TransitionOptions{}))
	}
	return chans
}

func (b *Batch) promoteFinalisedRejections() {
	var kept []*MessageState
	for _, m := range b.Messages {
		if m.isFinalisedAsRejected() {
			if m.ReasonRejected == "" {
				m.ReasonRejected = "exhausted retry budget without completing"
			}
			b.RejectedMessages = append(b.RejectedMessages, m)
			continue
		}
		kept = append(kept, m)
	}
	b.Messages = kept
}

// DiscardProcessingTasksIfOverAttempted walks every per-message "ones"
// task and applies the retry cap.
func (b *Batch) DiscardProcessingTasksIfOverAttempted() {
	for _, m := range b.Messages {
		for _, t := range m.Ones {
			t.DiscardIfOverAttempted(b.cfg.MaxNumberOfAttempts, true)
		}
	}
}

// DiscardFinalisingTasksIfOverAttempted walks every discard-rejected
// and discard-unusable task and applies the retry cap.
func (b *Batch) DiscardFinalisingTasksIfOverAttempted() {
	for _, m := range b.RejectedMessages {
		for _, t := range m.Discards {
			t.DiscardIfOverAttempted(b.cfg.MaxNumberOfAttempts, true)
		}
	}
	for _, u := range b.UnusableRecords {
		for _, t := range u.Discards {
			t.DiscardIfOverAttempted(b.cfg.MaxNumberOfAttempts, true)
		}
	}
}

// AbandonDeadProcessingTasks unblocks a message's "ones" task that
// never got a chance to run because its key-chain predecessor stalled
// short of finalising: once every other "ones" task across the whole
// batch has reached a terminal state, a straggler still sitting
// Unstarted is abandoned rather than left to block finalisation
// forever.
func (b *Batch) AbandonDeadProcessingTasks() {
	var peers []*task.Task
	for _, m := range b.Messages {
		for _, t := range m.Ones {
			peers = append(peers, t)
		}
	}
	for _, t := range peers {
		abandonIfDead(t, peers)
	}
}

// AbandonDeadFinalisingTasks is the finalise-phase analogue of
// AbandonDeadProcessingTasks, applied to the discard task trees.
func (b *Batch) AbandonDeadFinalisingTasks() {
	var peers []*task.Task
	for _, m := range b.RejectedMessages {
		for _, t := range m.Discards {
			peers = append(peers, t)
		}
	}
	for _, u := range b.UnusableRecords {
		for _, t := range u.Discards {
			peers = append(peers, t)
		}
	}
	for _, t := range peers {
		abandonIfDead(t, peers)
	}
}

// abandonIfDead abandons t if it is Unstarted and every other task in
// peers is already fully finalised, so a single straggler that never
// got reached by its chain walk doesn't block the batch forever.
func abandonIfDead(t *task.Task, peers []*task.Task) bool {
	if t.State() != task.Unstarted {
		return false
	}
	for _, p := range peers {
		if p == t {
			continue
		}
		if !p.IsFullyFinalised() {
			return false
		}
	}
	return t.Abandon("batch is otherwise fully finalised", task.TransitionOptions{})
}

// FreezeProcessingTasks stops all further mutation of every
// per-message "ones" and "alls" task, after the process-phase race
// against the deadline has been decided.
func (b *Batch) FreezeProcessingTasks() {
	for _, m := range b.Messages {
		for _, t := range m.Ones {
			t.Freeze()
		}
	}
	for _, t := range b.State.Alls {
		t.Freeze()
	}
}

// FreezeFinalisingTasks stops all further mutation of every discard
// task, after discard-rejected has run.
func (b *Batch) FreezeFinalisingTasks() {
	for _, m := range b.RejectedMessages {
		for _, t := range m.Discards {
			t.Freeze()
		}
	}
	for _, u := range b.UnusableRecords {
		for _, t := range u.Discards {
			t.Freeze()
		}
	}
}

// TimeoutProcessingTasks marks every not-yet-finalized per-message
// "ones" task as timed out, reversing its in-progress attempt.
func (b *Batch) TimeoutProcessingTasks(err error) {
	opts := task.TransitionOptions{ReversibleAttempt: true}
	for _, m := range b.Messages {
		for _, t := range m.Ones {
			if !t.IsFullyFinalised() {
				t.Timeout(err, opts)
			}
		}
	}
}

// TimeoutFinalisingTasks is the finalise-phase analogue of
// TimeoutProcessingTasks, applied to the discard task trees.
func (b *Batch) TimeoutFinalisingTasks(err error) {
	opts := task.TransitionOptions{ReversibleAttempt: true}
	for _, m := range b.RejectedMessages {
		for _, t := range m.Discards {
			if !t.IsFullyFinalised() {
				t.Timeout(err, opts)
			}
		}
	}
	for _, u := range b.UnusableRecords {
		for _, t := range u.Discards {
			if !t.IsFullyFinalised() {
				t.Timeout(err, opts)
			}
		}
	}
}

// IsFullyFinalised reports whether every per-message task, every
// batch-wide "all" task, and every unusable-record discard task is
// terminal.
func (b *Batch) IsFullyFinalised() bool {
	for _, m := range b.Messages {
		for _, t := range m.Ones {
			if !t.IsFullyFinalised() {
				return false
			}
		}
	}
	for _, m := range b.RejectedMessages {
		for _, t := range m.Discards {
			if !t.IsFullyFinalised() {
				return false
			}
		}
	}
	for _, t := range b.State.Alls {
		if !t.IsFullyFinalised() {
			return false
		}
	}
	for _, u := range b.UnusableRecords {
		for _, t := range u.Discards {
			if !t.IsFullyFinalised() {
				return false
			}
		}
	}
	return true
}

// Progress summarises the current finalisation state of a batch, used
// both for logging and to pick the orchestrator's replay error.
type Progress struct {
	TotalMessages     int
	CompletedMessages int
	RejectedMessages  int
	UnusableRecords   int
	FullyFinalised    bool
}

// AssessProgress reports a point-in-time summary of the batch.
func (b *Batch) AssessProgress() Progress {
	p := Progress{
		TotalMessages:    len(b.Messages) + len(b.RejectedMessages),
		RejectedMessages: len(b.RejectedMessages),
		UnusableRecords:  len(b.UnusableRecords),
		FullyFinalised:   b.IsFullyFinalised(),
	}
	for _, m := range b.Messages {
		if m.isFullyFinalisedCompleted() {
			p.CompletedMessages++
		}
	}
	return p
}

// Describe renders a short human-readable summary of the batch for
// logging.
func (b *Batch) Describe() string {
	p := b.AssessProgress()
	return fmt.Sprintf("batch %s: %d/%d messages completed, %d rejected, %d unusable, finalised=%v",
		b.Key, p.CompletedMessages, p.TotalMessages, p.RejectedMessages, p.UnusableRecords, p.FullyFinalised)
}

// SummarizeFinalResults renders the outcome of the invocation for the
// final log line, incorporating finalError if the orchestrator is
// about to re-raise one.
func (b *Batch) SummarizeFinalResults(finalErr error) string {
	if finalErr != nil {
		return fmt.Sprintf("%s; replaying due to: %v", b.Describe(), finalErr)
	}
	return b.Describe()
}
