package batch

import (
	"reflect"

	"github.com/streambatch/corebatch/identity"
	"github.com/streambatch/corebatch/sequencer"
	"github.com/streambatch/corebatch/task"
)

// MessageState is the tracked state of one extracted message: its
// identity, its position in its key chain, and its three task maps
// ("ones" per-message tasks, "alls" mirrored batch-wide tasks,
// "discards" the discard-rejected task).
type MessageState struct {
	Message    interface{}
	UserRecord interface{}
	Record     Record

	Identity    identity.Identity
	Coordinates identity.EventCoordinates
	Digests     identity.Digests
	BFK         string

	prev    *MessageState
	next    *MessageState
	isFirst bool

	Ones     map[string]*task.Task
	Alls     map[string]*task.Task
	Discards map[string]*task.Task

	ReasonRejected string

	pendingOnes     map[string]task.Snapshot
	pendingAlls     map[string]task.Snapshot
	pendingDiscards map[string]task.Snapshot
}

func newMessageState(message interface{}, record Record, userRecord interface{}, id identity.Identity, coords identity.EventCoordinates, digests identity.Digests) *MessageState {
	m := &MessageState{
		Message:     message,
		UserRecord:  userRecord,
		Record:      record,
		Identity:    id,
		Coordinates: coords,
		Digests:     digests,
	}
	m.BFK = identity.BigFatKey(coords, id, digests)
	return m
}

// Key implements sequencer.Node.
func (m *MessageState) Key() string { return m.Identity.Key }

// SeqNo implements sequencer.Node.
func (m *MessageState) SeqNo() []identity.Part { return m.Identity.SeqNos }

// SetPrev implements sequencer.Node.
func (m *MessageState) SetPrev(n sequencer.Node) {
	if n == nil {
		m.prev = nil
		return
	}
	m.prev, _ = n.(*MessageState)
}

// SetNext implements sequencer.Node.
func (m *MessageState) SetNext(n sequencer.Node) {
	if n == nil {
		m.next = nil
		return
	}
	m.next, _ = n.(*MessageState)
}

// SetIsFirst implements sequencer.Node.
func (m *MessageState) SetIsFirst(v bool) { m.isFirst = v }

// Prev is the predecessor in this message's key chain, or nil if it
// has none or is not yet sequenced.
func (m *MessageState) Prev() *MessageState { return m.prev }

// Next is the successor in this message's key chain, or nil if it has
// none or is not yet sequenced.
func (m *MessageState) Next() *MessageState { return m.next }

// IsFirst reports whether this message is the head of its key chain.
func (m *MessageState) IsFirst() bool { return m.isFirst }

// OverlaySnapshots attaches a prior invocation's persisted task
// snapshots for this message, to be turned into live tasks by the
// owning batch's ReviveTasks.
func (m *MessageState) OverlaySnapshots(ones, alls, discards map[string]task.Snapshot) {
	m.pendingOnes = ones
	m.pendingAlls = alls
	m.pendingDiscards = discards
}

func (m *MessageState) isFullyFinalisedCompleted() bool {
	if len(m.Ones) == 0 {
		return false
	}
	for _, t := range m.Ones {
		if t.State() != task.Completed {
			return false
		}
	}
	return true
}

func (m *MessageState) isFinalisedAsRejected() bool {
	if len(m.Ones) == 0 {
		return false
	}
	allTerminal := true
	anyNonCompleted := false
	for _, t := range m.Ones {
		if !t.IsFullyFinalised() {
			allTerminal = false
			break
		}
		if t.State() != task.Completed {
			anyNonCompleted = true
		}
	}
	return allTerminal && anyNonCompleted
}

// ContentEqual reports whether m's attached message/user record/record
// copies are deep-equal to another message state's, for the
// content-based restore fallback used when neither has an identifier.
func (m *MessageState) ContentEqual(other *MessageState) bool {
	return reflect.DeepEqual(m.Message, other.Message) &&
		reflect.DeepEqual(m.UserRecord, other.UserRecord) &&
		reflect.DeepEqual(m.Record, other.Record)
}

// UnusableRecordState is the tracked state of a record that could not
// be decoded into a message.
type UnusableRecordState struct {
	Record         Record
	UserRecord     interface{}
	Coordinates    identity.EventCoordinates
	Digests        identity.Digests
	BFK            string
	ReasonUnusable string

	Discards map[string]*task.Task

	pendingDiscards map[string]task.Snapshot
}

// OverlaySnapshots attaches a prior invocation's persisted discard
// task snapshot for this unusable record.
func (u *UnusableRecordState) OverlaySnapshots(discards map[string]task.Snapshot) {
	u.pendingDiscards = discards
}

// ContentEqual reports deep equality of the attached record/user
// record copies, for the content-based restore fallback.
func (u *UnusableRecordState) ContentEqual(other *UnusableRecordState) bool {
	return reflect.DeepEqual(u.UserRecord, other.UserRecord) && reflect.DeepEqual(u.Record, other.Record)
}

// BatchState is the tracked state of the batch itself: the master
// "alls" tasks and the three phase task roots.
type BatchState struct {
	Alls map[string]*task.Task

	Initiating *task.Task
	Processing *task.Task
	Finalising *task.Task

	pendingAlls   map[string]task.Snapshot
	pendingPhases map[string]task.Snapshot
}

// OverlaySnapshots attaches a prior invocation's persisted batch-level
// task snapshots.
func (s *BatchState) OverlaySnapshots(alls, phases map[string]task.Snapshot) {
	s.pendingAlls = alls
	s.pendingPhases = phases
}
