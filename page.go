package mvstore

import "github.com/cespare/xxhash/v2"

// pageRef holds a child pointer for a branch Page. A child may be resident
// (page set, pos 0) or evictable and known only by its store position
// (page nil, pos set) — the position is resolved back to a Page on demand
// via Store.readPage, mirroring the teacher's hybrid tx-local/versioned/
// disk page cache in loadNode.
type pageRef struct {
	page *Page
	pos  int64
}

// Page is one copy-on-write node of the B+tree: either a leaf (holding
// keys and values) or a branch (holding keys and child references, one
// more child than key). Pages are immutable once published to a
// RootReference; every mutation produces a new Page via copy.
type Page struct {
	mvMap *MVMap

	isLeaf bool
	keys   [][]byte
	values [][]byte  // leaf only
	refs   []pageRef // branch only, len(refs) == len(keys)+1

	totalCount int64 // number of leaf entries in this subtree

	pos int64 // store position once saved; 0 while unsaved
}

const unsavedPos = 0

func (p *Page) isSaved() bool {
	return p.pos != unsavedPos
}

// getKeyCount returns the number of keys held directly on this page.
func (p *Page) getKeyCount() int {
	return len(p.keys)
}

func (p *Page) getTotalCount() int64 {
	return p.totalCount
}

func (p *Page) getKey(i int) []byte {
	return p.keys[i]
}

func (p *Page) getValue(i int) []byte {
	return p.values[i]
}

func (p *Page) setValue(i int, value []byte) {
	p.values[i] = value
}

// getMemory estimates the resident byte footprint of this page, used to
// decide when a page should split (spec.md §4.1) independent of key count.
func (p *Page) getMemory() int {
	mem := 48 // fixed page overhead estimate
	for _, k := range p.keys {
		mem += len(k) + 8
	}
	if p.isLeaf {
		for _, v := range p.values {
			mem += len(v) + 8
		}
	} else {
		mem += len(p.refs) * 16
	}
	return mem
}

// fingerprint returns a diagnostic content hash of this page, used by tests
// to tell pages with different content apart. It is not part of any
// correctness invariant.
func (p *Page) fingerprint() uint64 {
	h := xxhash.New()
	for i, k := range p.keys {
		_, _ = h.Write(k)
		if p.isLeaf {
			_, _ = h.Write(p.values[i])
		}
	}
	return h.Sum64()
}

func (p *Page) binarySearch(key []byte) int {
	cmp := p.mvMap.compare
	low, high := 0, len(p.keys)-1
	for low <= high {
		x := (low + high) >> 1
		c := cmp(key, p.keys[x])
		switch {
		case c > 0:
			low = x + 1
		case c < 0:
			high = x - 1
		default:
			return x
		}
	}
	return -(low + 1)
}

// getChildPage resolves the i-th child reference, loading it from the
// store if it is not already resident.
func (p *Page) getChildPage(i int) *Page {
	ref := &p.refs[i]
	if ref.page != nil {
		return ref.page
	}
	child, err := p.mvMap.store.readPage(ref.pos)
	if err != nil {
		panic(err) // store corruption; no recovery path at this layer
	}
	ref.page = child
	return child
}

func (p *Page) childPageCount() int {
	return len(p.refs)
}

// copy returns a shallow mutable clone of this page: same backing key/value
// slices (copy-on-write at the slice-header level, not content level, since
// individual keys/values are never mutated in place after insertLeaf).
func (p *Page) copy() *Page {
	c := &Page{
		mvMap:      p.mvMap,
		isLeaf:     p.isLeaf,
		totalCount: p.totalCount,
	}
	c.keys = append([][]byte(nil), p.keys...)
	if p.isLeaf {
		c.values = append([][]byte(nil), p.values...)
	} else {
		c.refs = append([]pageRef(nil), p.refs...)
	}
	return c
}

// insertLeaf inserts a key/value pair at index i on a leaf page already
// obtained via copy.
func (p *Page) insertLeaf(i int, key, value []byte) {
	p.keys = append(p.keys, nil)
	copy(p.keys[i+1:], p.keys[i:])
	p.keys[i] = key

	p.values = append(p.values, nil)
	copy(p.values[i+1:], p.values[i:])
	p.values[i] = value

	p.totalCount++
}

// insertNode inserts a separator key at index i and the child it separates
// on a branch page already obtained via copy. child becomes refs[i]; the
// existing refs[i] (set via setChild beforehand) becomes refs[i+1].
func (p *Page) insertNode(i int, key []byte, child *Page) {
	p.keys = append(p.keys, nil)
	copy(p.keys[i+1:], p.keys[i:])
	p.keys[i] = key

	p.refs = append(p.refs, pageRef{})
	copy(p.refs[i+1:], p.refs[i:])
	p.refs[i] = pageRef{page: child}

	p.totalCount += child.totalCount
}

// setChild replaces the i-th child reference, used when a child subtree
// was rewritten (split, or ordinary replacePage propagation).
func (p *Page) setChild(i int, child *Page) {
	old := p.refs[i]
	p.refs[i] = pageRef{page: child}
	if old.page != nil {
		p.totalCount += child.totalCount - old.page.totalCount
	} else {
		// Position-only ref: totalCount bookkeeping was already folded into
		// the parent when the page was loaded from the store.
		p.totalCount += child.totalCount
	}
}

// remove deletes the key/value at index i (leaf), or the child at slot i
// together with separator key i (key i-1 when i is the last slot) (branch),
// on a page already obtained via copy.
func (p *Page) remove(i int) {
	if p.isLeaf {
		p.totalCount--
		p.keys = append(p.keys[:i], p.keys[i+1:]...)
		p.values = append(p.values[:i], p.values[i+1:]...)
		return
	}
	removed := p.getChildPage(i)
	p.totalCount -= removed.totalCount
	keyIndex := i
	if keyIndex == len(p.keys) {
		keyIndex--
	}
	p.keys = append(p.keys[:keyIndex], p.keys[keyIndex+1:]...)
	p.refs = append(p.refs[:i], p.refs[i+1:]...)
}

// split divides this page at index at, returning the right half as a new
// page; this page is truncated in place to the left half. Mirrors
// Page.split in the original engine: leaves split key-aligned, branches
// split with the middle key promoted to the parent (not kept on either
// side).
func (p *Page) split(at int) *Page {
	if p.isLeaf {
		right := &Page{
			mvMap:  p.mvMap,
			isLeaf: true,
			keys:   append([][]byte(nil), p.keys[at:]...),
			values: append([][]byte(nil), p.values[at:]...),
		}
		right.totalCount = int64(len(right.keys))
		p.keys = p.keys[:at]
		p.values = p.values[:at]
		p.totalCount = int64(len(p.keys))
		return right
	}

	right := &Page{
		mvMap:  p.mvMap,
		isLeaf: false,
		keys:   append([][]byte(nil), p.keys[at+1:]...),
		refs:   append([]pageRef(nil), p.refs[at+1:]...),
	}
	right.totalCount = sumRefCounts(right.refs)
	p.keys = p.keys[:at]
	p.refs = p.refs[:at+1]
	p.totalCount = sumRefCounts(p.refs)
	return right
}

func sumRefCounts(refs []pageRef) int64 {
	var total int64
	for _, r := range refs {
		if r.page != nil {
			total += r.page.totalCount
		}
	}
	return total
}

// expand copies up to n entries from keysBuffer/valuesBuffer onto this leaf
// page (already obtained via copy), used by flushAppendBuffer.
func (p *Page) expand(n int, keysBuffer, valuesBuffer [][]byte) {
	p.keys = append(p.keys, keysBuffer[:n]...)
	p.values = append(p.values, valuesBuffer[:n]...)
	p.totalCount += int64(n)
}

// getAppendCursorPos builds the CursorPos trail to the rightmost insertion
// point of this subtree, used by flushAppendBuffer to locate the tail leaf
// without a full key search.
func (p *Page) getAppendCursorPos(parent *CursorPos) *CursorPos {
	if p.isLeaf {
		return &CursorPos{page: p, index: -len(p.keys) - 1, parent: parent}
	}
	lastChild := len(p.refs) - 1
	cp := &CursorPos{page: p, index: lastChild, parent: parent}
	return p.getChildPage(lastChild).getAppendCursorPos(cp)
}

// removePage accounts for this page's memory as part of a removal/rewrite
// chain walk (CursorPos.processRemovalInfo); unsaved pages contribute their
// estimated memory once as they are dropped from the tree.
func (p *Page) removePage(version int64) int {
	if p.isSaved() {
		return 0
	}
	return p.getMemory()
}

// createEmptyLeaf returns a fresh, empty leaf page for m.
func createEmptyLeaf(m *MVMap) *Page {
	return &Page{mvMap: m, isLeaf: true}
}

// createEmptyNode returns a fresh, empty branch page for m (no keys, no
// children). Root collapse uses createEmptyLeaf, not this.
func createEmptyNode(m *MVMap) *Page {
	return &Page{mvMap: m, isLeaf: false}
}

// createLeaf builds a leaf page directly from key/value slices, used by
// flushAppendBuffer when a whole new tail leaf is created at once.
func createLeaf(m *MVMap, keys, values [][]byte) *Page {
	return &Page{
		mvMap:      m,
		isLeaf:     true,
		keys:       keys,
		values:     values,
		totalCount: int64(len(keys)),
	}
}

// createNode builds a branch page with a single separator key and two
// children, used at the root when a split or append propagates past the
// top of the tree.
func createNode(m *MVMap, key []byte, left, right *Page) *Page {
	return &Page{
		mvMap:      m,
		isLeaf:     false,
		keys:       [][]byte{key},
		refs:       []pageRef{{page: left}, {page: right}},
		totalCount: left.totalCount + right.totalCount,
	}
}
