// Package checkpoint implements the codec that projects a Batch's
// live state into a durable item and, on load, overlays a prior
// item's task trees onto the current invocation's items by
// identifier-or-content matching.
package checkpoint

import (
	"reflect"

	"github.com/streambatch/corebatch/batch"
	"github.com/streambatch/corebatch/identity"
	"github.com/streambatch/corebatch/task"
)

// Item is the durable shape of one batch key's checkpoint: the table
// row described in the external interfaces of this module.
type Item struct {
	StreamConsumerID      string                   `dynamodbav:"streamConsumerId"`
	ShardOrEventID        string                   `dynamodbav:"shardOrEventId"`
	MessageStates         []StorableMessageState   `dynamodbav:"messageStates,omitempty"`
	RejectedMessageStates []StorableMessageState   `dynamodbav:"rejectedMessageStates,omitempty"`
	UnusableRecordStates  []StorableUnusableState  `dynamodbav:"unusableRecordStates,omitempty"`
	BatchState            *StorableBatchState      `dynamodbav:"batchState,omitempty"`
}

// StorableMessageState is a MessageState reduced to its durable form:
// identity, digests, task snapshots, and - only when the state has no
// usable identifier at all - a copy of its content for the
// equality-based restore fallback.
type StorableMessageState struct {
	IDs    []identity.Part `dynamodbav:"ids,omitempty"`
	Keys   []identity.Part `dynamodbav:"keys,omitempty"`
	SeqNos []identity.Part `dynamodbav:"seqNos,omitempty"`
	ID     string          `dynamodbav:"id,omitempty"`
	Key    string          `dynamodbav:"key,omitempty"`
	SeqNo  string          `dynamodbav:"seqNo,omitempty"`

	EventID       string `dynamodbav:"eventId,omitempty"`
	EventSeqNo    string `dynamodbav:"eventSeqNo,omitempty"`
	EventSubSeqNo string `dynamodbav:"eventSubSeqNo,omitempty"`

	Digests identity.Digests `dynamodbav:"md5s"`
	BFK     string           `dynamodbav:"bfk,omitempty"`

	ReasonRejected string `dynamodbav:"reasonRejected,omitempty"`

	Ones     map[string]task.Snapshot `dynamodbav:"ones,omitempty"`
	Alls     map[string]task.Snapshot `dynamodbav:"alls,omitempty"`
	Discards map[string]task.Snapshot `dynamodbav:"discards,omitempty"`

	// AttachedContent holds a safely-copied message/userRecord/record
	// triple, present only when BFK is empty, so restore can fall back
	// to deep-equality matching.
	AttachedContent *AttachedContent `dynamodbav:"attachedContent,omitempty"`
}

// StorableUnusableState is an UnusableRecordState reduced to its
// durable form.
type StorableUnusableState struct {
	EventID       string `dynamodbav:"eventId,omitempty"`
	EventSeqNo    string `dynamodbav:"eventSeqNo,omitempty"`
	EventSubSeqNo string `dynamodbav:"eventSubSeqNo,omitempty"`

	Digests        identity.Digests `dynamodbav:"md5s"`
	BFK            string           `dynamodbav:"bfk,omitempty"`
	ReasonUnusable string           `dynamodbav:"reasonUnusable,omitempty"`

	Discards map[string]task.Snapshot `dynamodbav:"discards,omitempty"`

	AttachedContent *AttachedContent `dynamodbav:"attachedContent,omitempty"`
}

// StorableBatchState is a BatchState reduced to its durable form.
type StorableBatchState struct {
	Alls   map[string]task.Snapshot `dynamodbav:"alls,omitempty"`
	Phases map[string]task.Snapshot `dynamodbav:"phases,omitempty"`
}

// AttachedContent is the safely-copied content used for the
// equality-based restore fallback. Only the caller-supplied values are
// retained; transient projections (prev/next links, cached
// descriptions) are never attached.
type AttachedContent struct {
	Message    interface{} `dynamodbav:"message,omitempty"`
	UserRecord interface{} `dynamodbav:"userRecord,omitempty"`
	Record     interface{} `dynamodbav:"record,omitempty"`
}

// Serialize reduces b's current state to a storable Item.
func Serialize(b *batch.Batch) Item {
	item := Item{
		StreamConsumerID: b.Key.StreamConsumerID,
		ShardOrEventID:   b.Key.ShardOrEventID,
	}
	for _, m := range b.Messages {
		item.MessageStates = append(item.MessageStates, serializeMessage(m))
	}
	for _, m := range b.RejectedMessages {
		item.RejectedMessageStates = append(item.RejectedMessageStates, serializeMessage(m))
	}
	for _, u := range b.UnusableRecords {
		item.UnusableRecordStates = append(item.UnusableRecordStates, serializeUnusable(u))
	}
	item.BatchState = serializeBatchState(b.State)
	return item
}

func serializeMessage(m *batch.MessageState) StorableMessageState {
	s := StorableMessageState{
		IDs:            m.Identity.IDs,
		Keys:           m.Identity.Keys,
		SeqNos:         m.Identity.SeqNos,
		ID:             m.Identity.ID,
		Key:            m.Identity.Key,
		SeqNo:          m.Identity.SeqNo,
		EventID:        m.Coordinates.EventID,
		EventSeqNo:     m.Coordinates.EventSeqNo,
		EventSubSeqNo:  m.Coordinates.EventSubSeqNo,
		Digests:        m.Digests,
		BFK:            m.BFK,
		ReasonRejected: m.ReasonRejected,
		Ones:           snapshotTasks(m.Ones),
		Alls:           snapshotTasks(m.Alls),
		Discards:       snapshotTasks(m.Discards),
	}
	if s.BFK == "" {
		s.AttachedContent = &AttachedContent{
			Message:    m.Message,
			UserRecord: m.UserRecord,
			Record:     m.Record,
		}
	}
	return s
}

func serializeUnusable(u *batch.UnusableRecordState) StorableUnusableState {
	s := StorableUnusableState{
		EventID:        u.Coordinates.EventID,
		EventSeqNo:     u.Coordinates.EventSeqNo,
		EventSubSeqNo:  u.Coordinates.EventSubSeqNo,
		Digests:        u.Digests,
		BFK:            u.BFK,
		ReasonUnusable: u.ReasonUnusable,
		Discards:       snapshotTasks(u.Discards),
	}
	if s.BFK == "" {
		s.AttachedContent = &AttachedContent{
			UserRecord: u.UserRecord,
			Record:     u.Record,
		}
	}
	return s
}

func serializeBatchState(s *batch.BatchState) *StorableBatchState {
	if s == nil {
		return nil
	}
	out := &StorableBatchState{
		Alls: snapshotTasks(s.Alls),
	}
	phases := map[string]task.Snapshot{}
	if s.Initiating != nil {
		phases[s.Initiating.Name()] = s.Initiating.Snapshot()
	}
	if s.Processing != nil {
		phases[s.Processing.Name()] = s.Processing.Snapshot()
	}
	if s.Finalising != nil {
		phases[s.Finalising.Name()] = s.Finalising.Snapshot()
	}
	if len(phases) > 0 {
		out.Phases = phases
	}
	return out
}

func snapshotTasks(tasks map[string]*task.Task) map[string]task.Snapshot {
	if len(tasks) == 0 {
		return nil
	}
	out := make(map[string]task.Snapshot, len(tasks))
	for name, t := range tasks {
		out[name] = t.Snapshot()
	}
	return out
}

// Restore overlays a prior Item's task maps onto b's current items by
// Big Fat Key match, falling back to content equality for items on
// either side that lack any identifier. Unmatched current items are
// left to proceed with fresh task trees; matching is attempted in the
// order current messages, then current rejected messages (trying the
// opposite list on a miss), then current unusable records.
func Restore(b *batch.Batch, prior Item) {
	byBFK, byContent := indexMessages(append(prior.MessageStates, prior.RejectedMessageStates...))

	overlayMessage := func(m *batch.MessageState) bool {
		if s, ok := matchMessage(m, byBFK, byContent); ok {
			m.OverlaySnapshots(s.Ones, s.Alls, s.Discards)
			return true
		}
		return false
	}
	for _, m := range b.Messages {
		overlayMessage(m)
	}
	for _, m := range b.RejectedMessages {
		overlayMessage(m)
	}

	ubyBFK, ubyContent := indexUnusable(prior.UnusableRecordStates)
	for _, u := range b.UnusableRecords {
		if s, ok := matchUnusable(u, ubyBFK, ubyContent); ok {
			u.OverlaySnapshots(s.Discards)
		}
	}

	if prior.BatchState != nil {
		b.State.OverlaySnapshots(prior.BatchState.Alls, prior.BatchState.Phases)
	}
}

func indexMessages(states []StorableMessageState) (map[string]StorableMessageState, []StorableMessageState) {
	byBFK := map[string]StorableMessageState{}
	var byContent []StorableMessageState
	for _, s := range states {
		if s.BFK != "" {
			byBFK[s.BFK] = s
		} else {
			byContent = append(byContent, s)
		}
	}
	return byBFK, byContent
}

func indexUnusable(states []StorableUnusableState) (map[string]StorableUnusableState, []StorableUnusableState) {
	byBFK := map[string]StorableUnusableState{}
	var byContent []StorableUnusableState
	for _, s := range states {
		if s.BFK != "" {
			byBFK[s.BFK] = s
		} else {
			byContent = append(byContent, s)
		}
	}
	return byBFK, byContent
}

func matchMessage(m *batch.MessageState, byBFK map[string]StorableMessageState, byContent []StorableMessageState) (StorableMessageState, bool) {
	if m.BFK != "" {
		if s, ok := byBFK[m.BFK]; ok {
			return s, true
		}
	}
	for _, s := range byContent {
		if s.AttachedContent == nil {
			continue
		}
		if reflect.DeepEqual(s.AttachedContent.Message, m.Message) &&
			reflect.DeepEqual(s.AttachedContent.UserRecord, m.UserRecord) &&
			reflect.DeepEqual(s.AttachedContent.Record, m.Record) {
			return s, true
		}
	}
	return StorableMessageState{}, false
}

func matchUnusable(u *batch.UnusableRecordState, byBFK map[string]StorableUnusableState, byContent []StorableUnusableState) (StorableUnusableState, bool) {
	if u.BFK != "" {
		if s, ok := byBFK[u.BFK]; ok {
			return s, true
		}
	}
	for _, s := range byContent {
		if s.AttachedContent == nil {
			continue
		}
		if reflect.DeepEqual(s.AttachedContent.UserRecord, u.UserRecord) &&
			reflect.DeepEqual(s.AttachedContent.Record, u.Record) {
			return s, true
		}
	}
	return StorableUnusableState{}, false
}
