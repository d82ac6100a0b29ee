package mvstore

// cursorStep is one level of a Cursor's navigation stack: for a branch
// page, childIndex is which child was descended into; for the leaf at the
// top of the stack, childIndex is the current key slot.
type cursorStep struct {
	page       *Page
	childIndex int
}

// Cursor provides ordered iteration over a MVMap snapshot's keys, forward
// or in reverse, optionally bounded to [from, to]. A Cursor is a read-only
// view of one immutable root page and is unaffected by writes that happen
// after it was created, matching the map's snapshot-isolation guarantee.
type Cursor struct {
	mvMap *MVMap
	root  *Page

	from, to []byte
	reverse  bool

	stack []cursorStep
	key   []byte
	value []byte
	valid bool
}

// newCursor builds a Cursor over root bounded to [from, to] (either may be
// nil for an open bound) and positions it at the first entry in iteration
// order (the smallest in-bounds key, or the largest if reverse).
func newCursor(m *MVMap, root *Page, from, to []byte, reverse bool) *Cursor {
	c := &Cursor{mvMap: m, root: root, from: from, to: to, reverse: reverse}
	if reverse {
		if to != nil {
			c.seek(to, true)
		} else {
			c.last()
		}
	} else {
		if from != nil {
			c.seek(from, false)
		} else {
			c.first()
		}
	}
	c.checkBounds()
	return c
}

func (c *Cursor) checkBounds() {
	if !c.valid {
		return
	}
	if c.from != nil && c.mvMap.compare(c.key, c.from) < 0 {
		c.valid = false
	}
	if c.to != nil && c.mvMap.compare(c.key, c.to) > 0 {
		c.valid = false
	}
}

// first descends to the leftmost leaf of root.
func (c *Cursor) first() {
	c.stack = nil
	c.valid = false
	node := c.root
	for !node.isLeaf {
		c.stack = append(c.stack, cursorStep{page: node, childIndex: 0})
		node = node.getChildPage(0)
	}
	c.stack = append(c.stack, cursorStep{page: node, childIndex: 0})
	if node.getKeyCount() > 0 {
		c.key = node.getKey(0)
		c.value = node.getValue(0)
		c.valid = true
	}
}

// last descends to the rightmost leaf of root.
func (c *Cursor) last() {
	c.stack = nil
	c.valid = false
	node := c.root
	for !node.isLeaf {
		lastChild := node.childPageCount() - 1
		c.stack = append(c.stack, cursorStep{page: node, childIndex: lastChild})
		node = node.getChildPage(lastChild)
	}
	lastIndex := node.getKeyCount() - 1
	c.stack = append(c.stack, cursorStep{page: node, childIndex: lastIndex})
	if lastIndex >= 0 {
		c.key = node.getKey(lastIndex)
		c.value = node.getValue(lastIndex)
		c.valid = true
	}
}

// seek positions the cursor at the first key >= target (ceiling=false) or
// at the last key <= target (ceiling=true); ceiling is used when seeding a
// reverse cursor from an upper bound.
func (c *Cursor) seek(target []byte, ceiling bool) {
	c.stack = nil
	c.valid = false
	node := c.root
	for !node.isLeaf {
		i := node.binarySearch(target) + 1
		if i < 0 {
			i = -i
		}
		c.stack = append(c.stack, cursorStep{page: node, childIndex: i})
		node = node.getChildPage(i)
	}
	i := node.binarySearch(target)
	if i >= 0 {
		c.stack = append(c.stack, cursorStep{page: node, childIndex: i})
		c.key = node.getKey(i)
		c.value = node.getValue(i)
		c.valid = true
		return
	}
	insertAt := -i - 1
	if ceiling {
		insertAt--
	}
	c.stack = append(c.stack, cursorStep{page: node, childIndex: insertAt})
	if insertAt >= 0 && insertAt < node.getKeyCount() {
		c.key = node.getKey(insertAt)
		c.value = node.getValue(insertAt)
		c.valid = true
		return
	}
	if ceiling {
		c.valid = c.prevLeaf()
	} else {
		c.valid = c.nextLeaf()
	}
}

// Next advances the cursor to the next larger key, returning it (or nil if
// exhausted or the new position falls outside the bound). It ascends on a
// reverse cursor too; use Prev to walk a reverse cursor downwards.
func (c *Cursor) Next() []byte {
	if !c.valid || len(c.stack) == 0 {
		return nil
	}
	leaf := &c.stack[len(c.stack)-1]
	leaf.childIndex++
	if leaf.childIndex < leaf.page.getKeyCount() {
		c.key = leaf.page.getKey(leaf.childIndex)
		c.value = leaf.page.getValue(leaf.childIndex)
	} else if !c.nextLeaf() {
		c.valid = false
		return nil
	}
	c.checkBounds()
	if !c.valid {
		return nil
	}
	return c.key
}

// Prev moves the cursor to the next smaller key, returning it (or nil if
// exhausted or the new position falls outside the bound).
func (c *Cursor) Prev() []byte {
	if !c.valid || len(c.stack) == 0 {
		return nil
	}
	leaf := &c.stack[len(c.stack)-1]
	leaf.childIndex--
	if leaf.childIndex >= 0 {
		c.key = leaf.page.getKey(leaf.childIndex)
		c.value = leaf.page.getValue(leaf.childIndex)
	} else if !c.prevLeaf() {
		c.valid = false
		return nil
	}
	c.checkBounds()
	if !c.valid {
		return nil
	}
	return c.key
}

// nextLeaf advances the navigation stack to the next leaf, skipping branch
// levels (a B+tree only stores data at leaves).
func (c *Cursor) nextLeaf() bool {
	for len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
		parent := &c.stack[len(c.stack)-1]
		parent.childIndex++
		if parent.childIndex < parent.page.childPageCount() {
			node := parent.page.getChildPage(parent.childIndex)
			for !node.isLeaf {
				c.stack = append(c.stack, cursorStep{page: node, childIndex: 0})
				node = node.getChildPage(0)
			}
			c.stack = append(c.stack, cursorStep{page: node, childIndex: 0})
			if node.getKeyCount() > 0 {
				c.key = node.getKey(0)
				c.value = node.getValue(0)
				return true
			}
		}
	}
	return false
}

// prevLeaf moves the navigation stack to the previous leaf.
func (c *Cursor) prevLeaf() bool {
	for len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
		parent := &c.stack[len(c.stack)-1]
		parent.childIndex--
		if parent.childIndex >= 0 {
			node := parent.page.getChildPage(parent.childIndex)
			for !node.isLeaf {
				lastChild := node.childPageCount() - 1
				c.stack = append(c.stack, cursorStep{page: node, childIndex: lastChild})
				node = node.getChildPage(lastChild)
			}
			lastIndex := node.getKeyCount() - 1
			c.stack = append(c.stack, cursorStep{page: node, childIndex: lastIndex})
			if lastIndex >= 0 {
				c.key = node.getKey(lastIndex)
				c.value = node.getValue(lastIndex)
				return true
			}
		}
	}
	return false
}

// Key returns the key at the cursor's current position, or nil if invalid.
func (c *Cursor) Key() []byte {
	if !c.valid {
		return nil
	}
	return c.key
}

// Value returns the value at the cursor's current position, or nil if
// invalid.
func (c *Cursor) Value() []byte {
	if !c.valid {
		return nil
	}
	return c.value
}

// Valid reports whether the cursor is positioned on an in-bounds key.
func (c *Cursor) Valid() bool {
	return c.valid
}
