// Package sequencer orders the messages of a batch into the chains
// the task engine replays attempts against: a single global chain when
// the caller requires total ordering, or one chain per partition key
// when ordering only needs to hold within a key. It knows nothing of
// tasks or batches, only of an ordered list of sortable nodes.
package sequencer

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/streambatch/corebatch/identity"
)

// SortKind is the sortable shape resolved for one distinct part-name,
// by scanning every value that name carries across the node set being
// linked: integer if every value parses as a whole number, decimal if
// every value parses as a number but not all are whole, string if
// every value shares the same length (safe to compare byte-wise
// without a width mismatch skewing the order), and lexicographic as
// the byte-wise fallback when lengths vary.
type SortKind int

const (
	SortKindUnknown SortKind = iota
	SortKindInteger
	SortKindDecimal
	SortKindString
	SortKindLexicographic
)

// Node is the minimal surface the sequencer needs from a batch message
// in order to chain it: its key and sequence-number projections, plus
// settable links to its neighbours in whichever chain it belongs to.
// batch.MessageState implements this so sequencer never imports batch.
type Node interface {
	Key() string
	SeqNo() []identity.Part
	SetPrev(Node)
	SetNext(Node)
	// SetIsFirst marks the node as the first of its chain to be
	// attempted; the task engine only starts first-in-chain nodes
	// immediately, deferring the rest until their predecessor completes.
	SetIsFirst(bool)
}

// InferSortKind resolves the SortKind for a single part-name from
// every value recorded under that name. An empty list is
// SortKindUnknown.
func InferSortKind(parts []identity.Part) SortKind {
	if len(parts) == 0 {
		return SortKindUnknown
	}

	allInteger, allDecimal := true, true
	for _, p := range parts {
		if _, err := strconv.ParseInt(p.Value, 10, 64); err != nil {
			allInteger = false
		}
		if _, err := strconv.ParseFloat(p.Value, 64); err != nil {
			allDecimal = false
		}
	}
	switch {
	case allInteger:
		return SortKindInteger
	case allDecimal:
		return SortKindDecimal
	}

	width := len(parts[0].Value)
	for _, p := range parts[1:] {
		if len(p.Value) != width {
			return SortKindLexicographic
		}
	}
	return SortKindString
}

// Compare orders two sequence-number projections under kinds, the
// per-part-name sort kind resolved once across the node set being
// linked (see inferKindsByName). Ordinal positions are compared
// pairwise:
//  1. a part-key name mismatch at an ordinal breaks the tie by name.
//  2. matching part-keys compare by that name's resolved sort kind.
//  3. once the shared prefix ties, the projection with more parts
//     sorts first - a message with fewer parts sorts after one with more.
func Compare(kinds map[string]SortKind, a, b []identity.Part) (int, error) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].Name != b[i].Name {
			if a[i].Name < b[i].Name {
				return -1, nil
			}
			return 1, nil
		}

		c, err := compareValue(kinds[a[i].Name], a[i].Value, b[i].Value)
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return c, nil
		}
	}
	switch {
	case len(a) < len(b):
		return 1, nil
	case len(a) > len(b):
		return -1, nil
	default:
		return 0, nil
	}
}

func compareValue(kind SortKind, a, b string) (int, error) {
	switch kind {
	case SortKindInteger:
		ai, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("sequencer: value %q is not an integer under an inferred integer sort kind: %w", a, err)
		}
		bi, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("sequencer: value %q is not an integer under an inferred integer sort kind: %w", b, err)
		}
		switch {
		case ai < bi:
			return -1, nil
		case ai > bi:
			return 1, nil
		default:
			return 0, nil
		}
	case SortKindDecimal:
		af, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return 0, fmt.Errorf("sequencer: value %q is not numeric under an inferred decimal sort kind: %w", a, err)
		}
		bf, err := strconv.ParseFloat(b, 64)
		if err != nil {
			return 0, fmt.Errorf("sequencer: value %q is not numeric under an inferred decimal sort kind: %w", b, err)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	default: // SortKindString, SortKindLexicographic, SortKindUnknown
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	}
}

// Link orders nodes and wires each one's Prev/Next pointers so the
// task engine can walk the chain an attempt belongs to. When perKey is
// true, nodes are grouped by Key() and chained independently within
// each group (global ordering across keys is not enforced); when
// false, every node is chained into a single global sequence. Each
// distinct part-name's sort kind is resolved independently (see
// inferKindsByName) - a batch whose seqNo parts mix names (e.g.
// "shardId" and "eventSeqNo") compares each name under its own kind
// rather than forcing one kind across the whole node set.
func Link(nodes []Node, perKey bool) error {
	if len(nodes) == 0 {
		return nil
	}

	if !perKey {
		return linkChain(nodes)
	}

	groups := make(map[string][]Node)
	order := make([]string, 0)
	for _, n := range nodes {
		k := n.Key()
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], n)
	}
	for _, k := range order {
		if err := linkChain(groups[k]); err != nil {
			return err
		}
	}
	return nil
}

// inferKindsByName resolves one SortKind per distinct part-name found
// anywhere in nodes' seqNo projections, scanning every value recorded
// under that name regardless of which ordinal position it appears at.
func inferKindsByName(nodes []Node) map[string]SortKind {
	partsByName := make(map[string][]identity.Part)
	for _, n := range nodes {
		for _, p := range n.SeqNo() {
			partsByName[p.Name] = append(partsByName[p.Name], p)
		}
	}
	kinds := make(map[string]SortKind, len(partsByName))
	for name, parts := range partsByName {
		kinds[name] = InferSortKind(parts)
	}
	return kinds
}

func linkChain(nodes []Node) error {
	kinds := inferKindsByName(nodes)

	sorted := append([]Node{}, nodes...)
	var sortErr error
	sort.SliceStable(sorted, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		c, err := Compare(kinds, sorted[i].SeqNo(), sorted[j].SeqNo())
		if err != nil {
			sortErr = err
			return false
		}
		return c < 0
	})
	if sortErr != nil {
		return sortErr
	}

	for i, n := range sorted {
		if i == 0 {
			n.SetPrev(nil)
			n.SetIsFirst(true)
		} else {
			n.SetPrev(sorted[i-1])
			n.SetIsFirst(false)
		}
		if i == len(sorted)-1 {
			n.SetNext(nil)
		} else {
			n.SetNext(sorted[i+1])
		}
	}
	return nil
}
