package mvstore

// Decision is the outcome a DecisionMaker returns for a pending update at
// the point MVMap.operate() has located the key's current value (or
// confirmed its absence).
type Decision int

const (
	// DecisionAbort leaves the map unchanged; operate returns the existing
	// value (or nil) without publishing a new root.
	DecisionAbort Decision = iota
	// DecisionRemove deletes the key.
	DecisionRemove
	// DecisionPut inserts or replaces the key with the value selectValue
	// returns.
	DecisionPut
	// DecisionRepeat re-reads the current value and asks again; used by
	// decision makers with internal state that must resynchronize after a
	// concurrent update was observed.
	DecisionRepeat
)

// DecisionMaker is the strategy object operate() consults once it has
// found the existing value (or confirmed absence) for a key. It decouples
// "where in the tree does this key belong" (CursorPos.traverseDown, shared
// by every operation) from "what should happen to it" (insert, delete,
// conditional replace, background rewrite).
type DecisionMaker interface {
	// Decide returns how to proceed given the value currently in the map
	// (nil if absent) and the value supplied to operate. tip is the leaf
	// CursorPos, available to decision makers that need to inspect the
	// traversal trail (RewriteDecisionMaker).
	Decide(existingValue, providedValue []byte, tip *CursorPos) Decision

	// SelectValue returns the value to store, given decide returned
	// DecisionPut. Most decision makers simply return providedValue;
	// RewriteDecisionMaker returns existingValue unchanged since a
	// background rewrite never changes the data.
	SelectValue(existingValue, providedValue []byte) []byte

	// Reset clears any internal state, invoked whenever operate must retry
	// after losing a CAS race.
	Reset()
}

// baseDecisionMaker implements the stateless parts shared by every
// built-in DecisionMaker: SelectValue returns providedValue unchanged, and
// Reset is a no-op.
type baseDecisionMaker struct{}

func (baseDecisionMaker) SelectValue(_, providedValue []byte) []byte { return providedValue }
func (baseDecisionMaker) Reset()                                     {}

type defaultDecisionMaker struct{ baseDecisionMaker }

func (defaultDecisionMaker) Decide(existingValue, providedValue []byte, _ *CursorPos) Decision {
	if providedValue == nil {
		return DecisionRemove
	}
	return DecisionPut
}

type putDecisionMaker struct{ baseDecisionMaker }

func (putDecisionMaker) Decide([]byte, []byte, *CursorPos) Decision { return DecisionPut }

type removeDecisionMaker struct{ baseDecisionMaker }

func (removeDecisionMaker) Decide([]byte, []byte, *CursorPos) Decision { return DecisionRemove }

type ifAbsentDecisionMaker struct{ baseDecisionMaker }

func (ifAbsentDecisionMaker) Decide(existingValue, _ []byte, _ *CursorPos) Decision {
	if existingValue == nil {
		return DecisionPut
	}
	return DecisionAbort
}

type ifPresentDecisionMaker struct{ baseDecisionMaker }

func (ifPresentDecisionMaker) Decide(existingValue, _ []byte, _ *CursorPos) Decision {
	if existingValue != nil {
		return DecisionPut
	}
	return DecisionAbort
}

// Predefined, stateless decision makers, one instance shared across calls.
var (
	decisionMakerDefault   DecisionMaker = defaultDecisionMaker{}
	decisionMakerPut       DecisionMaker = putDecisionMaker{}
	decisionMakerRemove    DecisionMaker = removeDecisionMaker{}
	decisionMakerIfAbsent  DecisionMaker = ifAbsentDecisionMaker{}
	decisionMakerIfPresent DecisionMaker = ifPresentDecisionMaker{}
)

// EqualsDecisionMaker backs MVMap.RemoveIf/MVMap.ReplaceIf (CAS-style
// conditional update): it commits only if the value currently in the map
// equals an expected value supplied at construction.
type EqualsDecisionMaker struct {
	expectedValue []byte
	decision      Decision
	decided       bool
}

// NewEqualsDecisionMaker builds a DecisionMaker for a compare-and-swap
// style update: remove(key, expectedValue) or replace(key, expectedValue,
// newValue).
func NewEqualsDecisionMaker(expectedValue []byte) *EqualsDecisionMaker {
	return &EqualsDecisionMaker{expectedValue: expectedValue}
}

func (d *EqualsDecisionMaker) Decide(existingValue, providedValue []byte, _ *CursorPos) Decision {
	switch {
	case !valuesEqual(d.expectedValue, existingValue):
		d.decision = DecisionAbort
	case providedValue == nil:
		d.decision = DecisionRemove
	default:
		d.decision = DecisionPut
	}
	d.decided = true
	return d.decision
}

func (d *EqualsDecisionMaker) SelectValue(_, providedValue []byte) []byte { return providedValue }

func (d *EqualsDecisionMaker) Reset() {
	d.decided = false
}

// Decision returns the last decision made, valid only after Decide has run.
func (d *EqualsDecisionMaker) Decision() (Decision, bool) { return d.decision, d.decided }

func valuesEqual(a, b []byte) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RewriteDecisionMaker drives a background page rewrite: it is given the
// page to rewrite (identified by pointer identity rather than the
// original's on-disk position, since this engine has no disk position
// concept) and aborts unless the traversal trail actually passed through
// that exact page, so a concurrent structural change never causes it to
// touch the wrong page.
type RewriteDecisionMaker struct {
	target   *Page
	decision Decision
}

// NewRewriteDecisionMaker builds a DecisionMaker that rewrites target in
// place (same key, same value) purely to give it a fresh identity —
// useful for compacting a page whose backing arrays have grown sparse
// after many removals.
func NewRewriteDecisionMaker(target *Page) *RewriteDecisionMaker {
	return &RewriteDecisionMaker{target: target}
}

func (d *RewriteDecisionMaker) Decide(existingValue, providedValue []byte, tip *CursorPos) Decision {
	d.decision = DecisionAbort
	if !d.target.isLeaf {
		for p := tip.parent; p != nil; p = p.parent {
			if p.page == d.target {
				d.decision = d.decideLeaf(existingValue)
				break
			}
		}
	} else if tip.page == d.target {
		d.decision = d.decideLeaf(existingValue)
	}
	return d.decision
}

func (d *RewriteDecisionMaker) decideLeaf(existingValue []byte) Decision {
	if existingValue == nil {
		return DecisionAbort
	}
	return DecisionPut
}

func (d *RewriteDecisionMaker) SelectValue(existingValue, _ []byte) []byte { return existingValue }

func (d *RewriteDecisionMaker) Reset() { d.decision = DecisionAbort }

// Decision returns the last decision made.
func (d *RewriteDecisionMaker) Decision() Decision { return d.decision }
