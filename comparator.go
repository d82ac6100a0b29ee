package mvstore

import (
	"bytes"
	"math/big"
)

// Comparator orders two keys, returning a negative number if a < b, zero if
// a == b, and a positive number if a > b. Every map is opened with one;
// Page.binarySearch and CursorPos.traverseDown never compare keys directly.
type Comparator func(a, b []byte) int

// ByteCompare is the default Comparator: plain lexicographic byte order.
func ByteCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// NumericComparator treats keys that parse as decimal numbers numerically
// and falls back to lexicographic order otherwise, exactly matching the
// original engine's compareString/isNumeric pair. It is never the default:
// a map must opt in explicitly via MapConfig.Comparator, since numeric
// comparison produces a different total order than ByteCompare and mixing
// the two within a map's lifetime corrupts the B+tree's ordering invariant.
func NumericComparator(a, b []byte) int {
	an, aOK := new(big.Rat).SetString(string(a))
	if !aOK {
		return bytes.Compare(a, b)
	}
	bn, bOK := new(big.Rat).SetString(string(b))
	if !bOK {
		return bytes.Compare(a, b)
	}
	return an.Cmp(bn)
}
