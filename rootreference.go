package mvstore

// WriterToken identifies a logical writer for RootReference's reentrant
// lock. Goroutines have no public identity the way Java threads do, so
// each MVMap mutating call (operate, Append, TrimLast, Clear,
// SetWriteVersion) allocates its own token via NewWriterToken. The lock is
// reentrant only for code that presents the same token; no public MVMap
// method accepts a token, so a nested mutating call on the same map (for
// example from inside a DecisionMaker) counts as a different writer.
type WriterToken struct{ _ int }

// NewWriterToken allocates a fresh, comparable writer identity.
func NewWriterToken() *WriterToken {
	return &WriterToken{}
}

// RootReference is an immutable snapshot of a MVMap's state as a whole:
// the current root page, the version it was last modified at, and the
// bookkeeping needed to publish the next snapshot lock-free via CAS on a
// single atomic.Pointer[RootReference] cell per map. Ported field-for-
// field from the reference engine's RootReference.
type RootReference struct {
	root *Page

	version int64

	// holdCount/owner implement a reentrant logical lock: a writer that
	// already owns the lock may "relock" it (incrementing holdCount)
	// without blocking on itself.
	holdCount int
	owner     *WriterToken

	// previous points at the last root of the previous version that had
	// any data changes; versions with no changes are skipped as the chain
	// is built. This is the one mutable field on an otherwise-immutable
	// value: removeUnusedOldVersions severs the tail in place.
	previous *RootReference

	updateCounter        int64
	updateAttemptCounter int64

	// appendCounter is the number of entries resident in the single-writer
	// append buffer (see MVMap.Append/flushAppendBuffer).
	appendCounter int
}

// newRootReference builds the initial RootReference for a freshly created
// or reopened map.
func newRootReference(root *Page, version int64) *RootReference {
	return &RootReference{
		root:                 root,
		version:              version,
		updateCounter:        1,
		updateAttemptCounter: 1,
	}
}

func (r *RootReference) isLocked() bool {
	return r.holdCount != 0
}

func (r *RootReference) isFree() bool {
	return r.holdCount == 0
}

func (r *RootReference) isLockedBy(tok *WriterToken) bool {
	return r.holdCount != 0 && r.owner == tok
}

func (r *RootReference) canUpdate(tok *WriterToken) bool {
	return r.isFree() || r.owner == tok
}

func (r *RootReference) getAppendCounter() int {
	return r.appendCounter
}

func (r *RootReference) needFlush() bool {
	return r.appendCounter != 0
}

func (r *RootReference) getTotalCount() int64 {
	return r.root.getTotalCount() + int64(r.appendCounter)
}

// getVersion returns the version at which the root last actually changed,
// walking back through previous while the root page and append buffer
// contents are unchanged.
func (r *RootReference) getVersion() int64 {
	prev := r.previous
	if prev == nil || prev.root != r.root || prev.appendCounter != r.appendCounter {
		return r.version
	}
	return prev.getVersion()
}

// hasChangesSince reports whether this root has unsaved changes relative
// to version, for a map backed by persistent storage or not.
func (r *RootReference) hasChangesSince(version int64, persistent bool) bool {
	if persistent {
		if r.root.isSaved() {
			if r.getAppendCounter() > 0 {
				return true
			}
		} else if r.getTotalCount() > 0 {
			return true
		}
	}
	return r.getVersion() > version
}

// updateRootPage attempts to publish newRoot as the map's current root via
// CAS, returning the updated RootReference on success or nil if the CAS
// lost a race or the reference is currently locked by another writer.
func (m *MVMap) updateRootPage(r *RootReference, newRoot *Page, attemptCounter int64) *RootReference {
	if !r.isFree() {
		return nil
	}
	updated := &RootReference{
		root:                 newRoot,
		version:              r.version,
		previous:             r.previous,
		updateCounter:        r.updateCounter + 1,
		updateAttemptCounter: r.updateAttemptCounter + attemptCounter,
		appendCounter:        r.appendCounter,
	}
	return m.tryUpdateRoot(r, updated)
}

// tryLockRoot attempts to acquire the reentrant lock on r for tok. On
// success the published reference carries updateAttemptCounter increased
// by attempt, which feeds the backoff ladder's contention estimate; on
// failure nothing is published or counted.
func (m *MVMap) tryLockRoot(r *RootReference, tok *WriterToken, attempt int64) *RootReference {
	if !r.canUpdate(tok) {
		return nil
	}
	updated := &RootReference{
		root:                 r.root,
		version:              r.version,
		previous:             r.previous,
		updateCounter:        r.updateCounter + 1,
		updateAttemptCounter: r.updateAttemptCounter + attempt,
		holdCount:            r.holdCount + 1,
		owner:                tok,
		appendCounter:        r.appendCounter,
	}
	return m.tryUpdateRoot(r, updated)
}

// tryUnlockAndUpdateVersion attempts to unlock r, bumping its version to
// version and collapsing the previous chain to the oldest entry that still
// shares the same root page (mirrors the Java engine's version-change
// constructor exactly, including its invariant that appendCounter must be
// zero at this point).
func (m *MVMap) tryUnlockAndUpdateVersion(r *RootReference, version int64, attempt int64) *RootReference {
	if !r.canUpdate(r.owner) {
		return nil
	}
	previous := r
	for previous.previous != nil && previous.previous.root == r.root {
		previous = previous.previous
	}
	newHoldCount := 0
	var newOwner *WriterToken
	if r.holdCount != 0 {
		newHoldCount = r.holdCount - 1
		if newHoldCount != 0 {
			newOwner = r.owner
		}
	}
	updated := &RootReference{
		root:                 r.root,
		version:              version,
		previous:             previous,
		updateCounter:        r.updateCounter + 1,
		updateAttemptCounter: r.updateAttemptCounter + attempt,
		holdCount:            newHoldCount,
		owner:                newOwner,
	}
	return m.tryUpdateRoot(r, updated)
}

// updatePageAndLockedStatus updates the root page while optionally keeping
// the lock held (keepLocked) and setting the resident append-buffer count.
func (m *MVMap) updatePageAndLockedStatus(r *RootReference, page *Page, keepLocked bool, appendCounter int) *RootReference {
	if !r.canUpdate(r.owner) {
		return nil
	}
	newHoldCount := r.holdCount
	if !keepLocked {
		newHoldCount--
	}
	var newOwner *WriterToken
	if newHoldCount != 0 {
		newOwner = r.owner
	}
	updated := &RootReference{
		root:                 page,
		version:              r.version,
		previous:             r.previous,
		updateCounter:        r.updateCounter,
		updateAttemptCounter: r.updateAttemptCounter,
		holdCount:            newHoldCount,
		owner:                newOwner,
		appendCounter:        appendCounter,
	}
	return m.tryUpdateRoot(r, updated)
}

// removeUnusedOldVersions severs previous links for every entry in the
// chain whose version predates oldestVersionToKeep, keeping at least one
// predecessor so the full history of the oldest retained version is still
// reachable (that predecessor is the last root of the version before it,
// i.e. the first known root of the retained version).
func (r *RootReference) removeUnusedOldVersions(oldestVersionToKeep int64) {
	for rootRef := r; rootRef != nil; rootRef = rootRef.previous {
		if rootRef.version < oldestVersionToKeep {
			rootRef.previous = nil
		}
	}
}

// tryUpdateRoot CASes expected -> updated on m's root cell.
func (m *MVMap) tryUpdateRoot(expected, updated *RootReference) *RootReference {
	if m.root.CompareAndSwap(expected, updated) {
		return updated
	}
	return nil
}
