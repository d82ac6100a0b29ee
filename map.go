package mvstore

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// InitialVersion is the version stamped on the root that CopyFrom installs.
// Maps opened through Store.OpenMap start at their CreateVersion instead.
const InitialVersion int64 = -1

// MapConfig configures a new or reopened MVMap. It is the Go analogue of
// the reference engine's generic config map passed to MVMap's package-
// private constructor.
type MapConfig struct {
	ID            int
	CreateVersion int64
	SingleWriter  bool
	Comparator    Comparator // defaults to ByteCompare if nil

	// Type optionally tags the map's kind (e.g. a caller-defined codec or
	// schema name). Store.OpenMap rejects a reopen whose Type, SingleWriter,
	// or Comparator disagrees with the map's existing configuration, the Go
	// analogue of the reference builder's "incompatible map type" check.
	Type string
}

// MVMap is a persistent, multi-version concurrent ordered key-value map
// backed by a copy-on-write B+tree. All mutation flows through operate(),
// which publishes a new RootReference via a single atomic CAS; readers
// never block on writers and never observe a torn tree.
type MVMap struct {
	store Store
	name  string

	id            int
	createVersion int64
	keysPerPage   int
	singleWriter  bool
	compare       Comparator
	mapType       string

	root atomic.Pointer[RootReference]

	// Append buffer, valid only when singleWriter is true. Access is
	// serialized by the root's reentrant lock (see Append/TrimLast), so it
	// needs no lock of its own.
	keysBuffer   [][]byte
	valuesBuffer [][]byte

	notify chan struct{} // closed+replaced to wake backoff waiters

	closed   atomic.Bool
	readOnly bool
	volatile bool
}

// newMap constructs a map bound to store, not yet given an initial root.
func newMap(store Store, name string, cfg MapConfig) *MVMap {
	cmp := cfg.Comparator
	if cmp == nil {
		cmp = ByteCompare
	}
	keysPerPage := store.getKeysPerPage()
	m := &MVMap{
		store:         store,
		name:          name,
		id:            cfg.ID,
		createVersion: cfg.CreateVersion,
		keysPerPage:   keysPerPage,
		singleWriter:  cfg.SingleWriter,
		compare:       cmp,
		mapType:       cfg.Type,
		notify:        make(chan struct{}),
	}
	if cfg.SingleWriter {
		m.keysBuffer = make([][]byte, keysPerPage)
		m.valuesBuffer = make([][]byte, keysPerPage)
	}
	return m
}

func (m *MVMap) setInitialRoot(root *Page, version int64) {
	m.root.Store(newRootReference(root, version))
}

// GetRoot returns the map's current RootReference without flushing the
// append buffer.
func (m *MVMap) GetRoot() *RootReference {
	return m.root.Load()
}

// FlushAndGetRoot returns the current RootReference, first fully flushing
// any pending append-buffer entries for single-writer maps.
func (m *MVMap) FlushAndGetRoot() *RootReference {
	r := m.GetRoot()
	if m.singleWriter && r.getAppendCounter() > 0 {
		return m.flushAppendBuffer(r, true)
	}
	return r
}

func (m *MVMap) rootPage() *Page {
	return m.FlushAndGetRoot().root
}

// ID returns the map's small-int identifier within its Store.
func (m *MVMap) ID() int { return m.id }

// Name returns the map's registered name.
func (m *MVMap) Name() string { return m.name }

// IsReadOnly reports whether mutating operations are rejected.
func (m *MVMap) IsReadOnly() bool { return m.readOnly }

// IsClosed reports whether Close has been called.
func (m *MVMap) IsClosed() bool { return m.closed.Load() }

// Size returns the number of entries in the map.
func (m *MVMap) Size() int64 {
	return m.GetRoot().getTotalCount()
}

// IsEmpty reports whether the map has zero entries.
func (m *MVMap) IsEmpty() bool {
	return m.Size() == 0
}

// GetVersion returns the store version at which the map was last
// structurally modified.
func (m *MVMap) GetVersion() int64 {
	return m.GetRoot().getVersion()
}

// HasChangesSince reports whether the map has changes since version.
func (m *MVMap) HasChangesSince(version int64) bool {
	return m.GetRoot().hasChangesSince(version, m.isPersistent())
}

func (m *MVMap) isPersistent() bool {
	return m.store.getFileStore() != nil && !m.volatile
}

// IsVolatile reports whether the map is exempt from persistence: a volatile
// map is never considered persistent even when its store is, which in turn
// changes hasChangesSince/unlock semantics (see isPersistent).
func (m *MVMap) IsVolatile() bool {
	return m.volatile
}

// SetVolatile marks the map volatile (or not). Grounded on the reference
// engine's isVolatile/setVolatile pair.
func (m *MVMap) SetVolatile(v bool) {
	m.volatile = v
}

func (m *MVMap) beforeWrite() error {
	if m.closed.Load() {
		return fmt.Errorf("%w: %s(%d)", ErrMapClosed, m.store.getMapName(m.id), m.id)
	}
	if m.readOnly {
		return ErrMapReadOnly
	}
	return m.store.beforeWrite(m)
}

// Close marks the map closed; further mutating operations return
// ErrMapClosed. Readers already holding a RootReference are unaffected.
func (m *MVMap) Close() {
	m.closed.Store(true)
}

// ---- point access ----------------------------------------------------

// Get returns the value stored for key, or nil if absent.
func (m *MVMap) Get(key []byte) []byte {
	return m.getFrom(m.rootPage(), key)
}

func (m *MVMap) getFrom(p *Page, key []byte) []byte {
	for !p.isLeaf {
		idx := p.binarySearch(key) + 1
		if idx < 0 {
			idx = -idx
		}
		p = p.getChildPage(idx)
	}
	idx := p.binarySearch(key)
	if idx < 0 {
		return nil
	}
	return p.getValue(idx)
}

// ContainsKey reports whether key is present.
func (m *MVMap) ContainsKey(key []byte) bool {
	return m.Get(key) != nil
}

// Put inserts or replaces key's value, returning the previous value (nil
// if absent). value must not be nil; use Remove to delete.
func (m *MVMap) Put(key, value []byte) ([]byte, error) {
	if value == nil {
		return nil, ErrNullValue
	}
	return m.operate(key, value, decisionMakerPut)
}

// PutIfAbsent inserts value only if key is currently absent, returning the
// existing value if one was present (in which case the map is unchanged).
func (m *MVMap) PutIfAbsent(key, value []byte) ([]byte, error) {
	if value == nil {
		return nil, ErrNullValue
	}
	return m.operate(key, value, decisionMakerIfAbsent)
}

// Remove deletes key, returning its previous value (nil if absent).
func (m *MVMap) Remove(key []byte) ([]byte, error) {
	return m.operate(key, nil, decisionMakerRemove)
}

// RemoveIf deletes key only if its current value equals expectedValue,
// returning whether the removal happened.
func (m *MVMap) RemoveIf(key, expectedValue []byte) (bool, error) {
	dm := NewEqualsDecisionMaker(expectedValue)
	_, err := m.operate(key, nil, dm)
	if err != nil {
		return false, err
	}
	decision, _ := dm.Decision()
	return decision == DecisionRemove, nil
}

// Replace overwrites key's value only if it is currently present,
// returning the previous value (nil, and the map unchanged, if absent).
func (m *MVMap) Replace(key, value []byte) ([]byte, error) {
	if value == nil {
		return nil, ErrNullValue
	}
	return m.operate(key, value, decisionMakerIfPresent)
}

// ReplaceIf overwrites key's value with newValue only if its current value
// equals expectedValue, returning whether the replacement happened.
func (m *MVMap) ReplaceIf(key, expectedValue, newValue []byte) (bool, error) {
	dm := NewEqualsDecisionMaker(expectedValue)
	_, err := m.operate(key, newValue, dm)
	if err != nil {
		return false, err
	}
	decision, _ := dm.Decision()
	return decision == DecisionPut, nil
}

// ---- operate: the core CoW mutation pipeline --------------------------

// operate performs a single add/replace/remove decided by decisionMaker,
// publishing a new RootReference via CAS (the common, lock-free path) or
// falling back to the reentrant logical lock under contention. It mirrors
// the reference engine's MVMap.operate exactly: traverse down once to
// find the key's position, ask the decision maker what to do, build the
// replacement page chain bottom-up, and attempt to publish it.
func (m *MVMap) operate(key []byte, value []byte, decisionMaker DecisionMaker) ([]byte, error) {
	if key == nil {
		panic("mvstore: nil key")
	}
	tok := NewWriterToken()
	var unsavedMemory int
	attempt := 0
	for {
		rootReference := m.FlushAndGetRoot()
		locked := rootReference.isLockedBy(tok)
		if !locked {
			if attempt == 0 {
				if err := m.beforeWrite(); err != nil {
					return nil, err
				}
			}
			attempt++
			if attempt > 3 || rootReference.isLocked() {
				rootReference = m.lockRoot(rootReference, tok, attempt)
				locked = true
			}
		}

		rootPage := rootReference.root
		version := rootReference.version
		unsavedMemory = 0

		result, done, newRootPage, err := m.tryOperate(rootPage, key, value, decisionMaker, version, &unsavedMemory)
		if err != nil {
			if locked {
				m.unlockRoot(newRootPage)
			}
			return nil, err
		}
		if !done {
			if locked {
				m.unlockRoot(rootPage)
			}
			continue
		}

		if !locked {
			updated := m.updateRootPage(rootReference, newRootPage, int64(attempt))
			if updated == nil {
				decisionMaker.Reset()
				continue
			}
		} else {
			m.unlockRoot(newRootPage)
		}
		m.store.registerUnsavedMemory(unsavedMemory)
		return result, nil
	}
}

// tryOperate runs one traversal+decide+act pass. done=false (returned only
// for REPEAT) means the caller should retry the whole operate loop. ABORT
// and REMOVE-on-absent return done=true with the unchanged root page, which
// operate still publishes by CAS on the lock-free path, so a concurrent
// change makes that CAS fail and the loop retries.
func (m *MVMap) tryOperate(rootPage *Page, key, value []byte, decisionMaker DecisionMaker, version int64, unsavedMemory *int) (result []byte, done bool, newRootPage *Page, err error) {
	tip := traverseDown(rootPage, key)
	p := tip.page
	index := tip.index
	pos := tip.parent

	if index >= 0 {
		result = p.getValue(index)
	}
	decision := decisionMaker.Decide(result, value, tip)

	switch decision {
	case DecisionRepeat:
		decisionMaker.Reset()
		return result, false, rootPage, nil
	case DecisionAbort:
		return result, true, rootPage, nil
	case DecisionRemove:
		if index < 0 {
			return nil, true, rootPage, nil
		}
		p, pos = m.collapseForRemoval(p, index, pos)
	case DecisionPut:
		if index < 0 {
			if err := m.checkKeySize(key); err != nil {
				return result, true, rootPage, err
			}
		}
		value = decisionMaker.SelectValue(result, value)
		p = p.copy()
		if index < 0 {
			p.insertLeaf(-index-1, key, value)
			p, pos = m.splitIfNeeded(p, pos, unsavedMemory)
		} else {
			p.setValue(index, value)
		}
	}

	newRootPage = m.replacePage(pos, p, unsavedMemory)
	*unsavedMemory += tip.processRemovalInfo(version)
	return result, true, newRootPage, nil
}

// maxKeySizeFraction bounds an individual key to a quarter of the page size
// budget: split arithmetic assumes a leaf can shed enough of its content to
// make progress, which breaks down if one key alone can approach the whole
// page budget.
const maxKeySizeFraction = 4

// checkKeySize rejects a key too large for splitIfNeeded to ever reduce a
// leaf below the page size budget.
func (m *MVMap) checkKeySize(key []byte) error {
	limit := m.store.getMaxPageSize() / maxKeySizeFraction
	if limit > 0 && len(key) > limit {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrKeyTooLarge, len(key), limit)
	}
	return nil
}

// collapseForRemoval implements the reference engine's single-child
// collapse: when removing the last key from a leaf, walk up past any
// internal ancestors with zero keys (a legacy layout this engine never
// produces itself, but tolerates on read) to the first ancestor with keys.
// An ancestor with one key is replaced by its other child; one with more
// keys loses the emptied child slot. If only zero-key ancestors remain up
// to the root, the result is an empty leaf.
func (m *MVMap) collapseForRemoval(p *Page, index int, pos *CursorPos) (*Page, *CursorPos) {
	if p.getTotalCount() == 1 && pos != nil {
		var keyCount int
		for {
			p = pos.page
			index = pos.index
			pos = pos.parent
			keyCount = p.getKeyCount()
			if keyCount != 0 || pos == nil {
				break
			}
		}
		if keyCount <= 1 {
			if keyCount == 1 {
				p = p.getChildPage(1 - index)
			} else {
				p = createEmptyLeaf(m)
			}
			return p, pos
		}
	}
	p = p.copy()
	p.remove(index)
	return p, pos
}

// splitIfNeeded repeatedly splits p (and propagates the split up through
// pos) while it exceeds the map's fan-out or memory budget, returning the
// final child page and its (possibly new) parent trail.
func (m *MVMap) splitIfNeeded(p *Page, pos *CursorPos, unsavedMemory *int) (*Page, *CursorPos) {
	maxPageSize := m.store.getMaxPageSize()
	for {
		keyCount := p.getKeyCount()
		minKeys := 1
		if !p.isLeaf {
			minKeys = 2
		}
		if !(keyCount > m.keysPerPage || (p.getMemory() > maxPageSize && keyCount > minKeys)) {
			return p, pos
		}
		at := keyCount >> 1
		k := p.getKey(at)
		split := p.split(at)
		*unsavedMemory += p.getMemory() + split.getMemory()

		if pos == nil {
			return createNode(m, k, p, split), pos
		}
		c := p
		p = pos.page
		index := pos.index
		pos = pos.parent
		p = p.copy()
		p.setChild(index, split)
		p.insertNode(index, k, c)
	}
}

// replacePage rebuilds every ancestor on path with its child slot pointed
// at replacement, bottom-up, producing the new root page. Ancestors with
// zero keys (legacy single-childed internal nodes) are skipped, matching
// the reference engine.
func (m *MVMap) replacePage(path *CursorPos, replacement *Page, unsavedMemory *int) *Page {
	mem := 0
	if !replacement.isSaved() {
		mem = replacement.getMemory()
	}
	for path != nil {
		parent := path.page
		if parent.getKeyCount() > 0 {
			child := replacement
			replacement = parent.copy()
			replacement.setChild(path.index, child)
			mem += replacement.getMemory()
		}
		path = path.parent
	}
	*unsavedMemory += mem
	return replacement
}

// ---- locking / backoff -------------------------------------------------

func (m *MVMap) lockRoot(rootReference *RootReference, tok *WriterToken, attempt int) *RootReference {
	for {
		locked := m.tryLockRoot(rootReference, tok, int64(attempt))
		if locked != nil {
			return locked
		}
		attempt++
		m.backoff(rootReference, attempt)
		rootReference = m.GetRoot()
	}
}

// backoff implements the reference engine's escalating contention ladder:
// a handful of busy-spin attempts, then cooperative yielding, then a short
// sleep scaled by an estimate of contention (ratio of failed to
// successful CAS attempts against the previous root), then bounded
// waiting on a notification channel.
func (m *MVMap) backoff(rootReference *RootReference, attempt int) {
	if attempt <= 4 {
		return
	}
	contention := 1
	if old := rootReference.previous; old != nil {
		updateAttempts := rootReference.updateAttemptCounter - old.updateAttemptCounter
		updates := rootReference.updateCounter - old.updateCounter
		if updates < 0 {
			updates = 0
		}
		contention += int((updateAttempts + 1) / (updates + 1))
	}

	switch {
	case attempt <= 12:
		runtime.Gosched()
	case attempt <= 70-2*contention:
		time.Sleep(time.Duration(contention) * time.Millisecond)
	default:
		m.waitForNotify(5 * time.Millisecond)
	}
}

func (m *MVMap) waitForNotify(timeout time.Duration) {
	ch := m.notify
	select {
	case <-ch:
	case <-time.After(timeout):
	}
}

func (m *MVMap) notifyWaiters() {
	old := m.notify
	m.notify = make(chan struct{})
	close(old)
}

func (m *MVMap) unlockRoot(newRootPage *Page) *RootReference {
	return m.unlockRootFull(newRootPage, -1)
}

func (m *MVMap) unlockRootFull(newRootPage *Page, appendCounter int) *RootReference {
	var updated *RootReference
	for updated == nil {
		r := m.GetRoot()
		root := newRootPage
		if root == nil {
			root = r.root
		}
		ac := appendCounter
		if ac == -1 {
			ac = r.getAppendCounter()
		}
		updated = m.updatePageAndLockedStatus(r, root, false, ac)
	}
	m.notifyWaiters()
	return updated
}

// ---- single-writer append fast path -------------------------------------

// Append adds key/value to a single-writer map without taking the full
// operate() path; key must sort after every existing key. Not safe to call
// concurrently with any other mutating call on the same map. Falls back to
// Put for maps not opened with SingleWriter.
func (m *MVMap) Append(key, value []byte) error {
	if !m.singleWriter {
		_, err := m.Put(key, value)
		return err
	}
	if key == nil {
		panic("mvstore: nil key")
	}
	if err := m.checkKeySize(key); err != nil {
		return err
	}
	if err := m.beforeWrite(); err != nil {
		return err
	}
	tok := NewWriterToken()
	rootReference := m.lockRoot(m.GetRoot(), tok, 1)
	appendCounter := rootReference.getAppendCounter()
	if appendCounter >= m.keysPerPage {
		rootReference = m.flushAppendBuffer(rootReference, false)
		appendCounter = rootReference.getAppendCounter()
	}
	m.keysBuffer[appendCounter] = key
	m.valuesBuffer[appendCounter] = value
	appendCounter++
	m.unlockRootFull(nil, appendCounter)
	return nil
}

// TrimLast removes the most recently appended entry from a single-writer
// map. Falls back to removing the last key via the ordered Cursor for
// maps not opened with SingleWriter.
func (m *MVMap) TrimLast() error {
	if !m.singleWriter {
		c := m.Cursor(nil, nil, true)
		if !c.Valid() {
			return nil
		}
		_, err := m.Remove(c.Key())
		return err
	}
	rootReference := m.GetRoot()
	appendCounter := rootReference.getAppendCounter()
	if appendCounter == 0 {
		c := m.Cursor(nil, nil, true)
		if !c.Valid() {
			return nil
		}
		_, err := m.Remove(c.Key())
		return err
	}
	tok := NewWriterToken()
	rootReference = m.lockRoot(rootReference, tok, 1)
	appendCounter = rootReference.getAppendCounter()
	if appendCounter == 0 {
		m.unlockRootFull(nil, 0)
		return m.TrimLast()
	}
	appendCounter--
	m.unlockRootFull(nil, appendCounter)
	return nil
}

// flushAppendBuffer drains the append buffer into the tree. If fullFlush
// is false, only enough entries are flushed to leave at least one free
// slot (the fast path used when the buffer fills up mid-Append);
// otherwise every buffered entry is committed (used whenever a reader
// needs a consistent root, via FlushAndGetRoot).
func (m *MVMap) flushAppendBuffer(rootReference *RootReference, fullFlush bool) *RootReference {
	preLocked := rootReference.isLockedBy(rootReference.owner) && rootReference.owner != nil
	locked := preLocked
	keysPerPage := m.keysPerPage
	availabilityThreshold := keysPerPage - 1
	if fullFlush {
		availabilityThreshold = 0
	}

	tok := rootReference.owner
	if tok == nil {
		tok = NewWriterToken()
	}

	attempt := 0
	for {
		keyCount := rootReference.getAppendCounter()
		if keyCount <= availabilityThreshold {
			break
		}
		if !locked {
			attempt++
			lr := m.tryLockRoot(rootReference, tok, int64(attempt))
			if lr == nil {
				rootReference = m.GetRoot()
				continue
			}
			rootReference = lr
			locked = true
		}

		rootPage := rootReference.root
		version := rootReference.version
		tip := rootPage.getAppendCursorPos(nil)
		p := tip.page
		pos := tip.parent

		var unsavedMemory int
		var remainingBuffer int
		var page *Page

		available := keysPerPage - p.getKeyCount()
		if available > 0 {
			p = p.copy()
			if keyCount <= available {
				p.expand(keyCount, m.keysBuffer, m.valuesBuffer)
			} else {
				p.expand(available, m.keysBuffer, m.valuesBuffer)
				remaining := keyCount - available
				if fullFlush {
					keys := append([][]byte(nil), m.keysBuffer[available:available+remaining]...)
					values := append([][]byte(nil), m.valuesBuffer[available:available+remaining]...)
					page = createLeaf(m, keys, values)
				} else {
					copy(m.keysBuffer, m.keysBuffer[available:available+remaining])
					copy(m.valuesBuffer, m.valuesBuffer[available:available+remaining])
					remainingBuffer = remaining
				}
			}
		} else {
			tip = tip.parent
			keys := append([][]byte(nil), m.keysBuffer[:keyCount]...)
			values := append([][]byte(nil), m.valuesBuffer[:keyCount]...)
			page = createLeaf(m, keys, values)
		}

		if page != nil {
			key := page.getKey(0)
			unsavedMemory += page.getMemory()
			for {
				if pos == nil {
					if p.getKeyCount() == 0 {
						p = page
					} else {
						unsavedMemory += p.getMemory()
						p = createNode(m, key, p, page)
					}
					break
				}
				c := p
				p = pos.page
				idx := pos.index
				pos = pos.parent
				p = p.copy()
				p.setChild(idx, page)
				p.insertNode(idx, key, c)

				kc := p.getKeyCount()
				minKeys := 1
				if !p.isLeaf {
					minKeys = 2
				}
				at := kc - minKeys
				if kc <= keysPerPage && (p.getMemory() < m.store.getMaxPageSize() || at <= 0) {
					break
				}
				key = p.getKey(at)
				page = p.split(at)
				unsavedMemory += p.getMemory() + page.getMemory()
			}
		}

		newRootPage := m.replacePage(pos, p, &unsavedMemory)
		updated := m.updatePageAndLockedStatus(rootReference, newRootPage, preLocked || m.isPersistent(), remainingBuffer)
		if updated != nil {
			rootReference = updated
			locked = preLocked || m.isPersistent()
			if m.isPersistent() && tip != nil {
				m.store.registerUnsavedMemory(unsavedMemory + tip.processRemovalInfo(version))
			}
			break
		}
		rootReference = m.GetRoot()
	}

	if locked && !preLocked {
		rootReference = m.unlockRoot(nil)
	}
	return rootReference
}

// ---- ordered / ranked access --------------------------------------------

// Cursor returns an ordered iterator over [from, to] (nil bounds are
// open-ended), traversing in reverse if reverse is true.
func (m *MVMap) Cursor(from, to []byte, reverse bool) *Cursor {
	return newCursor(m, m.rootPage(), from, to, reverse)
}

// FirstKey returns the smallest key in the map, or nil if empty.
func (m *MVMap) FirstKey() []byte {
	c := m.Cursor(nil, nil, false)
	if !c.Valid() {
		return nil
	}
	return c.Key()
}

// LastKey returns the largest key in the map, or nil if empty.
func (m *MVMap) LastKey() []byte {
	c := m.Cursor(nil, nil, true)
	if !c.Valid() {
		return nil
	}
	return c.Key()
}

// HigherKey returns the smallest key strictly greater than key, or nil.
func (m *MVMap) HigherKey(key []byte) []byte {
	c := m.Cursor(key, nil, false)
	if !c.Valid() {
		return nil
	}
	if m.compare(c.Key(), key) == 0 {
		return c.Next()
	}
	return c.Key()
}

// CeilingKey returns the smallest key greater than or equal to key, or nil.
func (m *MVMap) CeilingKey(key []byte) []byte {
	c := m.Cursor(key, nil, false)
	if !c.Valid() {
		return nil
	}
	return c.Key()
}

// LowerKey returns the largest key strictly less than key, or nil.
func (m *MVMap) LowerKey(key []byte) []byte {
	c := m.Cursor(nil, key, true)
	for c.Valid() {
		if m.compare(c.Key(), key) < 0 {
			return c.Key()
		}
		if c.Prev() == nil {
			return nil
		}
	}
	return nil
}

// FloorKey returns the largest key less than or equal to key, or nil.
func (m *MVMap) FloorKey(key []byte) []byte {
	c := m.Cursor(nil, key, true)
	for c.Valid() {
		if m.compare(c.Key(), key) <= 0 {
			return c.Key()
		}
		if c.Prev() == nil {
			return nil
		}
	}
	return nil
}

// GetKeyIndex returns the rank of key in sorted order (the number of keys
// strictly less than it), or -(rank)-1 if key is absent (matching the
// binarySearch insertion-point convention).
func (m *MVMap) GetKeyIndex(key []byte) int64 {
	p := m.rootPage()
	var idx int64
	for {
		childIdx := p.binarySearch(key) + 1
		if !p.isLeaf {
			if childIdx < 0 {
				childIdx = -childIdx
			}
			for i := 0; i < childIdx; i++ {
				idx += p.getChildPage(i).getTotalCount()
			}
			p = p.getChildPage(childIdx)
			continue
		}
		leafIdx := p.binarySearch(key)
		if leafIdx < 0 {
			return -(idx + int64(-leafIdx-1)) - 1
		}
		return idx + int64(leafIdx)
	}
}

// GetKey returns the key at rank index (0-based), or nil if out of range.
func (m *MVMap) GetKey(index int64) []byte {
	if index < 0 || index >= m.Size() {
		return nil
	}
	p := m.rootPage()
	for !p.isLeaf {
		for i := 0; i < p.childPageCount(); i++ {
			child := p.getChildPage(i)
			if index < child.getTotalCount() {
				p = child
				break
			}
			index -= child.getTotalCount()
		}
	}
	return p.getKey(int(index))
}

// ---- keyList / scan / bulk ------------------------------------------------

// KeyList is a read-only view over the map's keys in sorted order. Unlike a
// materialized slice, Get and IndexOf are each O(log size), backed directly
// by GetKey/GetKeyIndex — the Go analogue of the reference engine's
// AbstractList-backed keyList().
type KeyList struct {
	m *MVMap
}

// KeyList returns a read-only, lazily-evaluated view over the map's keys.
func (m *MVMap) KeyList() KeyList {
	return KeyList{m: m}
}

// Len returns the number of keys in the underlying map.
func (kl KeyList) Len() int64 {
	return kl.m.Size()
}

// Get returns the key at rank index, or nil if out of range.
func (kl KeyList) Get(index int64) []byte {
	return kl.m.GetKey(index)
}

// IndexOf returns the rank of key, following GetKeyIndex's convention.
func (kl KeyList) IndexOf(key []byte) int64 {
	return kl.m.GetKeyIndex(key)
}

// KeyIterator returns a Cursor over keys starting at or after from (from
// the smallest key if from is nil), matching the reference engine's
// keyIterator.
func (m *MVMap) KeyIterator(from []byte) *Cursor {
	return m.Cursor(from, nil, false)
}

// KeyIteratorReverse returns a Cursor over keys starting at or before from
// and descending (from the largest key if from is nil), matching the
// reference engine's keyIteratorReverse.
func (m *MVMap) KeyIteratorReverse(from []byte) *Cursor {
	return m.Cursor(nil, from, true)
}

// Entry is one key/value pair, returned by EntrySet.
type Entry struct {
	Key   []byte
	Value []byte
}

// EntrySet returns every (key, value) pair of the current snapshot in
// sorted order. The reference engine returns a lazily-iterated Set view;
// Go has no equivalent collection literal, so this materializes the scan
// into a slice, the idiomatic stand-in.
func (m *MVMap) EntrySet() []Entry {
	root := m.rootPage()
	entries := make([]Entry, 0, int(root.getTotalCount()))
	for c := newCursor(m, root, nil, nil, false); c.Valid(); c.Next() {
		entries = append(entries, Entry{Key: c.Key(), Value: c.Value()})
	}
	return entries
}

// KeySet returns every key of the current snapshot in sorted order, the
// materialized counterpart to the reference engine's keySet() view.
func (m *MVMap) KeySet() [][]byte {
	root := m.rootPage()
	keys := make([][]byte, 0, int(root.getTotalCount()))
	for c := newCursor(m, root, nil, nil, false); c.Valid(); c.Next() {
		keys = append(keys, c.Key())
	}
	return keys
}

// Clear removes every entry, publishing a single empty-root RootReference
// through the same lock-free-or-reentrant-lock protocol as operate().
// Grounded on the reference engine's clearIt().
func (m *MVMap) Clear() error {
	tok := NewWriterToken()
	attempt := 0
	for {
		rootReference := m.FlushAndGetRoot()
		if rootReference.getTotalCount() == 0 {
			return nil
		}
		locked := rootReference.isLockedBy(tok)
		if !locked {
			if attempt == 0 {
				if err := m.beforeWrite(); err != nil {
					return err
				}
			}
			attempt++
			if attempt > 3 || rootReference.isLocked() {
				rootReference = m.lockRoot(rootReference, tok, attempt)
				locked = true
			}
		}

		empty := createEmptyLeaf(m)
		if !locked {
			if m.updateRootPage(rootReference, empty, int64(attempt)) == nil {
				continue
			}
		} else {
			m.unlockRoot(empty)
		}
		return nil
	}
}

// ---- versioning ----------------------------------------------------------

// SetWriteVersion advances the map's RootReference to writeVersion,
// trimming RootReference.previous chains behind the store's retention
// watermark. Returns the (possibly still-locked) RootReference, or nil if
// the map was closed and has aged out of retention entirely (in which
// case the store should forget it).
func (m *MVMap) SetWriteVersion(writeVersion int64) *RootReference {
	attempt := 0
	for {
		rootReference := m.FlushAndGetRoot()
		if rootReference.version >= writeVersion {
			return rootReference
		}
		if m.IsClosed() {
			if rootReference.getVersion()+1 < m.store.getOldestVersionToKeep() {
				m.store.deregisterMapRoot(m.id)
				return nil
			}
		}

		tok := NewWriterToken()
		var lockedRootReference *RootReference
		attempt++
		if attempt > 3 || rootReference.isLocked() {
			lockedRootReference = m.lockRoot(rootReference, tok, attempt)
			rootReference = m.FlushAndGetRoot()
		}

		updated := m.tryUnlockAndUpdateVersion(rootReference, writeVersion, int64(attempt))
		if updated != nil {
			lockedRootReference = nil
			updated.removeUnusedOldVersions(m.store.getOldestVersionToKeep())
			return updated
		}
		if lockedRootReference != nil {
			m.unlockRoot(nil)
		}
	}
}

// OpenVersion returns a read-only view of the map as of version, which
// must be no older than the store's oldest retained version and no newer
// than the map's current state.
func (m *MVMap) OpenVersion(version int64) (*MVMap, error) {
	if m.readOnly {
		return nil, fmt.Errorf("OpenVersion must be called on the writable map")
	}
	if version < m.createVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	rootReference := m.FlushAndGetRoot()
	rootReference.removeUnusedOldVersions(m.store.getOldestVersionToKeep())
	var previous *RootReference
	for rootReference.previous != nil && rootReference.previous.version >= version {
		rootReference = rootReference.previous
		previous = rootReference
	}
	if previous == nil && version < m.store.getOldestVersionToKeep() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	clone := m.openReadOnly(rootReference.root, version)
	return clone, nil
}

func (m *MVMap) openReadOnly(root *Page, version int64) *MVMap {
	clone := newMap(m.store, m.name, MapConfig{
		ID:            m.id,
		CreateVersion: m.createVersion,
		SingleWriter:  false,
		Comparator:    m.compare,
	})
	clone.readOnly = true
	clone.setInitialRoot(root, version)
	return clone
}

// RollbackTo discards every RootReference at or after version, restoring
// the map to its state as of version. Returns false if not enough
// in-memory history remains.
func (m *MVMap) RollbackTo(version int64) bool {
	if version <= m.createVersion {
		return true
	}
	rootReference := m.FlushAndGetRoot()
	for rootReference.version >= version {
		previous := rootReference.previous
		if previous == nil {
			break
		}
		if m.root.CompareAndSwap(rootReference, previous) {
			rootReference = previous
			m.closed.Store(false)
		} else {
			rootReference = m.GetRoot()
		}
	}
	m.SetWriteVersion(version)
	return rootReference.version < version
}

// CopyFrom deep-copies every page of source into m, used to implement
// bulk duplication of a map (e.g. snapshot branching) without sharing any
// page identity with the source.
func (m *MVMap) CopyFrom(source *MVMap) error {
	if err := m.beforeWrite(); err != nil {
		return err
	}
	m.copyPage(source.rootPage(), nil, 0)
	return nil
}

func (m *MVMap) copyPage(source *Page, parent *Page, index int) {
	target := source.copy()
	target.mvMap = m
	if parent == nil {
		m.setInitialRoot(target, InitialVersion)
	} else {
		parent.setChild(index, target)
	}
	if !source.isLeaf {
		for i := 0; i < target.childPageCount(); i++ {
			m.copyPage(source.getChildPage(i), target, i)
		}
	}
	m.store.registerUnsavedMemory(target.getMemory())
	if m.store.isSaveNeeded() {
		m.store.commit()
	}
}

// ---- bulk load -----------------------------------------------------------

// BulkLoad replaces the entire contents of the map with entries, which
// must already be sorted in strictly ascending key order, building the
// tree bottom-up in a single pass rather than via repeated operate()
// calls. Intended for initial population of an empty map.
func (m *MVMap) BulkLoad(keys, values [][]byte) error {
	if len(keys) != len(values) {
		return fmt.Errorf("keys and values length mismatch: %d != %d", len(keys), len(values))
	}
	for i := 1; i < len(keys); i++ {
		if m.compare(keys[i-1], keys[i]) >= 0 {
			return fmt.Errorf("keys must be inserted in strictly ascending order")
		}
	}
	if err := m.beforeWrite(); err != nil {
		return err
	}
	if len(keys) == 0 {
		m.setInitialRoot(createEmptyLeaf(m), m.store.getCurrentVersion())
		return nil
	}

	leaves := m.buildLeaves(keys, values)
	level := leaves
	for len(level) > 1 {
		level = m.buildParentLevel(level)
	}
	m.setInitialRoot(level[0], m.store.getCurrentVersion())
	return nil
}

func (m *MVMap) buildLeaves(keys, values [][]byte) []*Page {
	var leaves []*Page
	for i := 0; i < len(keys); i += m.keysPerPage {
		end := i + m.keysPerPage
		if end > len(keys) {
			end = len(keys)
		}
		leaves = append(leaves, createLeaf(m, keys[i:end:end], values[i:end:end]))
	}
	return leaves
}

func (m *MVMap) buildParentLevel(children []*Page) []*Page {
	var parents []*Page
	for i := 0; i < len(children); i += m.keysPerPage + 1 {
		end := i + m.keysPerPage + 1
		if end > len(children) {
			end = len(children)
		}
		group := children[i:end]
		if len(group) == 1 {
			parents = append(parents, group[0])
			continue
		}
		parent := &Page{mvMap: m, isLeaf: false}
		for j, child := range group {
			if j > 0 {
				first := child
				for !first.isLeaf {
					first = first.getChildPage(0)
				}
				parent.keys = append(parent.keys, first.getKey(0))
			}
			parent.refs = append(parent.refs, pageRef{page: child})
			parent.totalCount += child.getTotalCount()
		}
		parents = append(parents, parent)
	}
	return parents
}

// ---- builder ---------------------------------------------------------

// MapBuilder constructs a MapConfig fluently, mirroring the reference
// engine's Builder/BasicBuilder surface.
type MapBuilder struct {
	singleWriter bool
	comparator   Comparator
	mapType      string
}

// NewMapBuilder returns a builder with defaults (not single-writer,
// ByteCompare).
func NewMapBuilder() *MapBuilder {
	return &MapBuilder{}
}

// SingleWriter enables the append-buffer fast path for the resulting map.
func (b *MapBuilder) SingleWriter() *MapBuilder {
	b.singleWriter = true
	return b
}

// WithComparator overrides the default ByteCompare ordering.
func (b *MapBuilder) WithComparator(c Comparator) *MapBuilder {
	b.comparator = c
	return b
}

// WithType tags the resulting map with an optional type name; reopening an
// existing map with a builder naming a different type fails with
// ErrIncompatibleMapType.
func (b *MapBuilder) WithType(t string) *MapBuilder {
	b.mapType = t
	return b
}

func (b *MapBuilder) toConfig() MapConfig {
	return MapConfig{
		SingleWriter: b.singleWriter,
		Comparator:   b.comparator,
		Type:         b.mapType,
	}
}

// Create opens or creates the named map on store using this builder's
// configuration.
func (b *MapBuilder) Create(store Store, name string) (*MVMap, error) {
	return store.OpenMap(name, b.toConfig())
}
