package mvstore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...StoreOption) *MVStore {
	s, err := NewStore(opts...)
	require.NoError(t, err, "NewStore")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestMap(t *testing.T, opts ...StoreOption) *MVMap {
	s := newTestStore(t, opts...)
	m, err := s.OpenMap("test", MapConfig{})
	require.NoError(t, err, "OpenMap")
	return m
}

func TestPutGet(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)

	prev, err := m.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	assert.Equal(t, []byte("1"), m.Get([]byte("a")))
	assert.Nil(t, m.Get([]byte("missing")))

	prev, err = m.Put([]byte("a"), []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), prev)
	assert.Equal(t, []byte("2"), m.Get([]byte("a")))
}

func TestPutNilValueRejected(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	_, err := m.Put([]byte("a"), nil)
	assert.ErrorIs(t, err, ErrNullValue)
}

func TestRemove(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)

	_, _ = m.Put([]byte("a"), []byte("1"))
	prev, err := m.Remove([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), prev)
	assert.Nil(t, m.Get([]byte("a")))

	prev, err = m.Remove([]byte("a"))
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestPutIfAbsent(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)

	prev, err := m.PutIfAbsent([]byte("a"), []byte("1"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = m.PutIfAbsent([]byte("a"), []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), prev)
	assert.Equal(t, []byte("1"), m.Get([]byte("a")))
}

func TestReplace(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)

	prev, err := m.Replace([]byte("a"), []byte("1"))
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.Nil(t, m.Get([]byte("a")))

	_, _ = m.Put([]byte("a"), []byte("1"))
	prev, err = m.Replace([]byte("a"), []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), prev)
	assert.Equal(t, []byte("2"), m.Get([]byte("a")))
}

func TestRemoveIfEqualsDecisionMaker(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	_, _ = m.Put([]byte("a"), []byte("1"))

	ok, err := m.RemoveIf([]byte("a"), []byte("wrong"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []byte("1"), m.Get([]byte("a")))

	ok, err = m.RemoveIf([]byte("a"), []byte("1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, m.Get([]byte("a")))
}

func TestReplaceIfEqualsDecisionMaker(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	_, _ = m.Put([]byte("a"), []byte("1"))

	ok, err := m.ReplaceIf([]byte("a"), []byte("wrong"), []byte("2"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.ReplaceIf([]byte("a"), []byte("1"), []byte("2"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), m.Get([]byte("a")))
}

func TestSplitAndCollapseAcrossManyKeys(t *testing.T) {
	t.Parallel()
	m := newTestMap(t, WithKeysPerPage(4))

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		_, err := m.Put(key, key)
		require.NoError(t, err)
	}
	assert.EqualValues(t, n, m.Size())

	for i := 0; i < n; i += 3 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		_, err := m.Remove(key)
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		v := m.Get(key)
		if i%3 == 0 {
			assert.Nil(t, v, "key %s should be removed", key)
		} else {
			assert.Equal(t, key, v, "key %s should still be present", key)
		}
	}
}

func TestOrderedAccess(t *testing.T) {
	t.Parallel()
	m := newTestMap(t, WithKeysPerPage(4))

	keys := []string{"b", "d", "f", "h", "j"}
	for _, k := range keys {
		_, err := m.Put([]byte(k), []byte(k))
		require.NoError(t, err)
	}

	assert.Equal(t, []byte("b"), m.FirstKey())
	assert.Equal(t, []byte("j"), m.LastKey())
	assert.Equal(t, []byte("f"), m.HigherKey([]byte("d")))
	assert.Equal(t, []byte("d"), m.HigherKey([]byte("c")))
	assert.Equal(t, []byte("d"), m.CeilingKey([]byte("d")))
	assert.Equal(t, []byte("d"), m.CeilingKey([]byte("c")))
	assert.Equal(t, []byte("d"), m.LowerKey([]byte("f")))
	assert.Equal(t, []byte("f"), m.FloorKey([]byte("f")))
	assert.Equal(t, []byte("d"), m.FloorKey([]byte("e")))
	assert.Nil(t, m.HigherKey([]byte("j")))
	assert.Nil(t, m.LowerKey([]byte("b")))
}

func TestGetKeyIndexAndGetKey(t *testing.T) {
	t.Parallel()
	m := newTestMap(t, WithKeysPerPage(4))

	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		_, err := m.Put([]byte(k), []byte(k))
		require.NoError(t, err)
	}

	for i, k := range keys {
		assert.EqualValues(t, i, m.GetKeyIndex([]byte(k)))
		assert.Equal(t, []byte(k), m.GetKey(int64(i)))
	}
	assert.Nil(t, m.GetKey(-1))
	assert.Nil(t, m.GetKey(int64(len(keys))))
}

func TestConcurrentPutNoLostUpdates(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)

	const workers = 8
	const perWorker = 200
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("w%d-k%d", w, i))
				_, err := m.Put(key, key)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.EqualValues(t, workers*perWorker, m.Size())
	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			key := []byte(fmt.Sprintf("w%d-k%d", w, i))
			assert.Equal(t, key, m.Get(key))
		}
	}
}

func TestVersionSnapshotIsolation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithRetentionWindow(10))
	m, err := s.OpenMap("test", MapConfig{})
	require.NoError(t, err)

	_, err = m.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	v1 := s.commit()

	snapshot, err := m.OpenVersion(v1)
	require.NoError(t, err)

	_, err = m.Put([]byte("a"), []byte("2"))
	require.NoError(t, err)
	s.commit()

	assert.Equal(t, []byte("1"), snapshot.Get([]byte("a")))
	assert.Equal(t, []byte("2"), m.Get([]byte("a")))
}

func TestRollbackTo(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m, err := s.OpenMap("test", MapConfig{})
	require.NoError(t, err)

	_, err = m.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	v1 := s.commit()

	_, err = m.Put([]byte("a"), []byte("2"))
	require.NoError(t, err)
	s.commit()
	assert.Equal(t, []byte("2"), m.Get([]byte("a")))

	m.RollbackTo(v1)
	assert.Equal(t, []byte("1"), m.Get([]byte("a")))
}

func TestAppendSingleWriter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m, err := s.OpenMap("append-test", MapConfig{SingleWriter: true})
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		require.NoError(t, m.Append(key, key))
	}
	assert.EqualValues(t, n, m.Size())

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		assert.Equal(t, key, m.Get(key))
	}

	require.NoError(t, m.TrimLast())
	assert.EqualValues(t, n-1, m.Size())
	assert.Nil(t, m.Get([]byte(fmt.Sprintf("key-%05d", n-1))))
}

func TestBulkLoad(t *testing.T) {
	t.Parallel()
	m := newTestMap(t, WithKeysPerPage(4))

	const n = 100
	keys := make([][]byte, n)
	values := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%05d", i))
		values[i] = keys[i]
	}
	require.NoError(t, m.BulkLoad(keys, values))
	assert.EqualValues(t, n, m.Size())
	for i := 0; i < n; i++ {
		assert.Equal(t, keys[i], m.Get(keys[i]))
	}
}

func TestBulkLoadRejectsUnsortedKeys(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	err := m.BulkLoad([][]byte{[]byte("b"), []byte("a")}, [][]byte{[]byte("1"), []byte("2")})
	assert.Error(t, err)
}

func TestNumericComparator(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m, err := s.OpenMap("numeric", MapConfig{Comparator: NumericComparator})
	require.NoError(t, err)

	_, err = m.Put([]byte("10"), []byte("ten"))
	require.NoError(t, err)
	_, err = m.Put([]byte("2"), []byte("two"))
	require.NoError(t, err)
	_, err = m.Put([]byte("33"), []byte("thirty-three"))
	require.NoError(t, err)

	assert.Equal(t, []byte("2"), m.FirstKey())
	assert.Equal(t, []byte("33"), m.LastKey())
}

func TestClosedMapRejectsWrites(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)
	m.Close()
	_, err := m.Put([]byte("a"), []byte("1"))
	assert.ErrorIs(t, err, ErrMapClosed)
}

func TestKeyTooLargeRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithMaxPageSize(64))
	m, err := s.OpenMap("test", MapConfig{})
	require.NoError(t, err)

	_, err = m.Put(make([]byte, 100), []byte("v"))
	assert.ErrorIs(t, err, ErrKeyTooLarge)
}

func TestVolatileMapIsNeverPersistent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithPersistentMode())
	m, err := s.OpenMap("test", MapConfig{})
	require.NoError(t, err)

	assert.False(t, m.IsVolatile())
	assert.True(t, m.isPersistent())

	m.SetVolatile(true)
	assert.True(t, m.IsVolatile())
	assert.False(t, m.isPersistent())
}

func TestKeyList(t *testing.T) {
	t.Parallel()
	m := newTestMap(t, WithKeysPerPage(4))
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		_, err := m.Put([]byte(k), []byte(k))
		require.NoError(t, err)
	}

	kl := m.KeyList()
	assert.EqualValues(t, len(keys), kl.Len())
	for i, k := range keys {
		assert.Equal(t, []byte(k), kl.Get(int64(i)))
		assert.EqualValues(t, i, kl.IndexOf([]byte(k)))
	}
}

func TestKeyIteratorAndReverse(t *testing.T) {
	t.Parallel()
	m := newTestMap(t, WithKeysPerPage(4))
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_, err := m.Put([]byte(k), []byte(k))
		require.NoError(t, err)
	}

	var forward []string
	for c := m.KeyIterator([]byte("b")); c.Valid(); c.Next() {
		forward = append(forward, string(c.Key()))
	}
	assert.Equal(t, []string{"b", "c", "d", "e"}, forward)

	var reverse []string
	for c := m.KeyIteratorReverse([]byte("d")); c.Valid(); c.Prev() {
		reverse = append(reverse, string(c.Key()))
	}
	assert.Equal(t, []string{"d", "c", "b", "a"}, reverse)
}

func TestEntrySetAndKeySet(t *testing.T) {
	t.Parallel()
	m := newTestMap(t, WithKeysPerPage(4))
	for _, k := range []string{"c", "a", "b"} {
		_, err := m.Put([]byte(k), []byte(k+k))
		require.NoError(t, err)
	}

	keys := m.KeySet()
	require.Len(t, keys, 3)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, keys)

	entries := m.EntrySet()
	require.Len(t, entries, 3)
	for i, k := range keys {
		assert.Equal(t, k, entries[i].Key)
		assert.Equal(t, string(k)+string(k), string(entries[i].Value))
	}
}

func TestClearEmptiesMap(t *testing.T) {
	t.Parallel()
	m := newTestMap(t, WithKeysPerPage(4))
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		_, err := m.Put(key, key)
		require.NoError(t, err)
	}
	require.EqualValues(t, 50, m.Size())

	require.NoError(t, m.Clear())
	assert.EqualValues(t, 0, m.Size())
	assert.True(t, m.IsEmpty())
	assert.Nil(t, m.Get([]byte("key-000")))

	// Clear on an already-empty map is a no-op, not an error.
	require.NoError(t, m.Clear())
}

// ---- scenarios (spec §8) --------------------------------------------------

func TestScenario1NumericOrderRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m, err := s.OpenMap("scenario1", MapConfig{Comparator: NumericComparator})
	require.NoError(t, err)

	const n = 400
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("%d", i))
		_, err := m.Put(key, key)
		require.NoError(t, err)
	}
	s.commit()

	reopened, err := s.OpenMap("scenario1", MapConfig{Comparator: NumericComparator})
	require.NoError(t, err)
	assert.Same(t, m, reopened)

	assert.Equal(t, []byte("399"), reopened.Get([]byte("399")))
	assert.EqualValues(t, n, reopened.Size())
	assert.Equal(t, []byte("0"), reopened.FirstKey())
	assert.Equal(t, []byte("399"), reopened.LastKey())

	i := 0
	for c := reopened.Cursor(nil, nil, false); c.Valid(); c.Next() {
		assert.Equal(t, []byte(fmt.Sprintf("%d", i)), c.Key())
		i++
	}
	assert.Equal(t, n, i)
}

func TestScenario2SplitProducesInternalRoot(t *testing.T) {
	t.Parallel()
	m := newTestMap(t, WithKeysPerPage(4))

	for _, k := range []string{"A", "B", "C", "D", "E"} {
		_, err := m.Put([]byte(k), []byte(k))
		require.NoError(t, err)
	}

	root := m.rootPage()
	require.False(t, root.isLeaf, "expected root to have split into an internal page")
	assert.GreaterOrEqual(t, root.childPageCount(), 2)

	for _, k := range []string{"A", "B", "C", "D", "E"} {
		assert.Equal(t, []byte(k), m.Get([]byte(k)))
	}
	var order []string
	for c := m.Cursor(nil, nil, false); c.Valid(); c.Next() {
		order = append(order, string(c.Key()))
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, order)
}

func TestScenario3ConcurrentDisjointRanges(t *testing.T) {
	t.Parallel()
	m := newTestMap(t)

	var wg sync.WaitGroup
	wg.Add(2)
	for _, base := range []int{0, 1000} {
		go func(base int) {
			defer wg.Done()
			for i := base; i < base+1000; i++ {
				key := []byte(fmt.Sprintf("k%04d", i))
				_, err := m.Put(key, key)
				assert.NoError(t, err)
			}
		}(base)
	}
	wg.Wait()

	assert.EqualValues(t, 2000, m.Size())
	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		assert.Equal(t, key, m.Get(key))
	}
}

func TestScenario4SingleWriterAppendAndTrim(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m, err := s.OpenMap("scenario4", MapConfig{SingleWriter: true})
	require.NoError(t, err)

	for i := 1; i <= 99; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		value := []byte(fmt.Sprintf("v%d", i))
		require.NoError(t, m.Append(key, value))
	}

	assert.Equal(t, []byte("v50"), m.Get([]byte("k50")))
	assert.Equal(t, []byte("k99"), m.LastKey())

	for i := 0; i < 10; i++ {
		require.NoError(t, m.TrimLast())
	}
	assert.EqualValues(t, 89, m.Size())
	assert.Equal(t, []byte("k89"), m.LastKey())
}

func TestScenario5SnapshotStability(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithRetentionWindow(10))
	m, err := s.OpenMap("scenario5", MapConfig{})
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		_, err := m.Put(key, []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	v := s.commit()

	snapshot, err := m.OpenVersion(v)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		_, err := m.Put(key, []byte("changed"))
		require.NoError(t, err)
	}
	s.commit()

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), snapshot.Get(key))
		assert.Equal(t, []byte("changed"), m.Get(key))
	}
}

func TestScenario6Rollback(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m, err := s.OpenMap("scenario6", MapConfig{})
	require.NoError(t, err)

	_, err = m.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	versionBeforeSecondPut := s.commit()

	_, err = m.Put([]byte("a"), []byte("2"))
	require.NoError(t, err)
	s.commit()
	assert.Equal(t, []byte("2"), m.Get([]byte("a")))

	m.RollbackTo(versionBeforeSecondPut)
	assert.Equal(t, []byte("1"), m.Get([]byte("a")))
}
