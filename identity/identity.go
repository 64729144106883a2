// Package identity derives a stable fingerprint (ids, keys, sequence
// numbers, content digests) for every record/message pair flowing
// through a batch. It is the leaf component of the batch core: it has
// no knowledge of tasks, batches or checkpoints, only of the shape of
// a single record and the callbacks a caller supplies to describe it.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Delimiters used when joining ordered (name,value) parts into the
// cached string projections (id/key/seqNo). Picked to match the
// source system's joined-form convention.
const (
	PartDelimiter = ":"
	ListDelimiter = "|"
)

// Record is the minimal surface the identity component needs from an
// opaque stream record: the triple of coordinates that place it in its
// shard, plus raw bytes for content digesting when the caller exposes
// them. Kinesis and DynamoDB Streams records are adapted to this
// interface by the caller, not by this package.
type Record interface {
	EventID() string
	EventSeqNo() string
	// EventSubSeqNo is non-empty only for sub-records produced by
	// aggregate (KPL-style) decoding.
	EventSubSeqNo() string
	SourceID() string
	// Data returns the raw payload, or nil if the caller does not want
	// to expose one for content digesting.
	Data() []byte
}

// Part is one (name, value) pair in an ordered identity list. Value is
// kept as a string; callers that need numeric comparison go through
// the sequencer's sortable-projection step, not this package.
type Part struct {
	Name  string `json:"name" dynamodbav:"name"`
	Value string `json:"value" dynamodbav:"value"`
}

// Join renders an ordered list of parts as the joined string
// projection cached on every identified item, e.g. "key1:v1|key2:v2".
func Join(parts []Part) string {
	segs := make([]string, len(parts))
	for i, p := range parts {
		segs[i] = p.Name + PartDelimiter + p.Value
	}
	return strings.Join(segs, ListDelimiter)
}

// EventCoordinates is the record's event triple, resolved once and
// reused for BFK construction and for restoring prior checkpoint state.
type EventCoordinates struct {
	EventID       string
	EventSeqNo    string
	EventSubSeqNo string
}

// Digests are stable content digests of the JSON-encoded forms of the
// message, the record, the user record (if any) and the raw payload
// (if exposed). They exist so that items lacking an explicit
// identifier can still be matched by content on restore.
type Digests struct {
	Msg     string `json:"msg,omitempty" dynamodbav:"msg,omitempty"`
	Rec     string `json:"rec,omitempty" dynamodbav:"rec,omitempty"`
	UserRec string `json:"userRec,omitempty" dynamodbav:"userRec,omitempty"`
	Data    string `json:"data,omitempty" dynamodbav:"data,omitempty"`
}

// Identity is the resolved (ids, keys, seqNos) triple for a message,
// plus the cached joined-string projections used for logging and for
// the checkpoint codec's Big Fat Key.
type Identity struct {
	IDs    []Part
	Keys   []Part
	SeqNos []Part

	ID    string
	Key   string
	SeqNo string

	// Description is a short, human-readable summary cached for logs.
	Description string
}

// DigestGenerator lets a caller override how content digests are
// produced; nil means use the default (JSON marshal + MD5) below.
type DigestGenerator func(message, record, userRecord interface{}) (Digests, error)

// EventCoordinateResolver lets a caller override event-triple
// extraction for record shapes this package doesn't know about.
type EventCoordinateResolver func(record Record, userRecord interface{}) (EventCoordinates, error)

// MessageIdentityResolver lets a caller supply the (ids, keys, seqNos)
// triple directly instead of relying on the property-name fallback.
type MessageIdentityResolver func(message interface{}, record Record, userRecord interface{}, coords EventCoordinates, digests Digests) (ids, keys, seqNos []Part, err error)

func md5Hex(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("identity: marshal for digest: %w", err)
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// DeriveDigests computes the stable content digests of the
// JSON-encoded forms of message, record and userRecord, plus the raw
// payload digest when record exposes one. It fails only if the JSON
// encoding of a caller-supplied value fails, which is surfaced by
// callers as a fatal configuration problem, never as a per-record
// retryable error.
func DeriveDigests(message interface{}, record Record, userRecord interface{}) (Digests, error) {
	var d Digests
	var err error

	if d.Msg, err = md5Hex(message); err != nil {
		return d, err
	}
	if d.Rec, err = md5Hex(record); err != nil {
		return d, err
	}
	if d.UserRec, err = md5Hex(userRecord); err != nil {
		return d, err
	}
	if record != nil {
		if raw := record.Data(); raw != nil {
			sum := md5.Sum(raw)
			d.Data = hex.EncodeToString(sum[:])
		}
	}
	return d, nil
}

// ResolveEventCoordinates extracts the record's event triple. The
// default implementation reads it straight off the Record interface;
// a caller-supplied EventCoordinateResolver can override this for
// record shapes that need custom handling (e.g. deaggregated KPL
// sub-records carrying an explicit sub-sequence number).
func ResolveEventCoordinates(resolver EventCoordinateResolver, record Record, userRecord interface{}) (EventCoordinates, error) {
	if resolver != nil {
		return resolver(record, userRecord)
	}
	if record == nil {
		return EventCoordinates{}, fmt.Errorf("identity: cannot resolve coordinates of a nil record")
	}
	return EventCoordinates{
		EventID:       record.EventID(),
		EventSeqNo:    record.EventSeqNo(),
		EventSubSeqNo: record.EventSubSeqNo(),
	}, nil
}

// PropertyNames configures the fallback identity derivation used when
// the caller does not resolve identity explicitly: seqNos default to
// the event sequence number, keys may be empty, and ids default to
// keys followed by seqNos.
type PropertyNames struct {
	IDPropertyNames    []string
	KeyPropertyNames   []string
	SeqNoPropertyNames []string
}

// ResolveMessageIdentity derives the (ids, keys, seqNos) triple for a
// message. If resolver is non-nil it is used as-is (the caller is
// trusted to have applied PropertyNames itself). Otherwise the
// fallback policy applies: seqNos default to eventSeqNo, keys may be
// empty, ids default to keys followed by seqNos.
func ResolveMessageIdentity(resolver MessageIdentityResolver, names PropertyNames, message interface{}, record Record, userRecord interface{}, coords EventCoordinates, digests Digests) (Identity, error) {
	var ids, keys, seqNos []Part
	var err error

	if resolver != nil {
		ids, keys, seqNos, err = resolver(message, record, userRecord, coords, digests)
		if err != nil {
			return Identity{}, err
		}
	} else {
		keys = namedParts(names.KeyPropertyNames, message)
		seqNos = namedParts(names.SeqNoPropertyNames, message)
		if len(seqNos) == 0 {
			seqNos = []Part{{Name: "eventSeqNo", Value: coords.EventSeqNo}}
		}
		ids = namedParts(names.IDPropertyNames, message)
		if len(ids) == 0 {
			ids = append(append([]Part{}, keys...), seqNos...)
		}
	}

	id := Identity{
		IDs:    ids,
		Keys:   keys,
		SeqNos: seqNos,
		ID:     Join(ids),
		Key:    Join(keys),
		SeqNo:  Join(seqNos),
	}
	id.Description = describe(id, coords)
	return id, nil
}

// namedParts reads each named field off message when it is a
// map[string]interface{}; any other message type yields no parts.
// Callers with richer message types should
// supply an explicit MessageIdentityResolver instead of relying on the
// property-name fallback.
func namedParts(names []string, message interface{}) []Part {
	if len(names) == 0 {
		return nil
	}
	asMap, ok := message.(map[string]interface{})
	if !ok {
		return nil
	}
	parts := make([]Part, 0, len(names))
	for _, name := range names {
		v, ok := asMap[name]
		if !ok {
			continue
		}
		parts = append(parts, Part{Name: name, Value: fmt.Sprintf("%v", v)})
	}
	return parts
}

func describe(id Identity, coords EventCoordinates) string {
	if id.ID != "" {
		return fmt.Sprintf("id=%s eventID=%s", id.ID, coords.EventID)
	}
	return fmt.Sprintf("eventID=%s eventSeqNo=%s", coords.EventID, coords.EventSeqNo)
}

// BigFatKey concatenates every available identifier field of a state
// into the stable key the checkpoint codec uses to match prior state
// against current items across invocations.
func BigFatKey(coords EventCoordinates, id Identity, digests Digests) string {
	fields := []string{
		coords.EventID, coords.EventSeqNo, coords.EventSubSeqNo,
		id.ID, id.Key, id.SeqNo,
		digests.Msg, digests.Rec, digests.UserRec, digests.Data,
	}
	nonEmpty := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			nonEmpty = append(nonEmpty, f)
		}
	}
	if len(nonEmpty) == 0 {
		return ""
	}
	return strings.Join(nonEmpty, ListDelimiter)
}
