package mvstore

import "errors"

var (
	// ErrMapClosed is returned by mutating operations on a map after Close
	// has been called on it; reads keep working.
	ErrMapClosed = errors.New("map is closed")

	// ErrMapReadOnly is returned by mutating operations on a map opened via
	// OpenVersion or otherwise marked read-only.
	ErrMapReadOnly = errors.New("map is read-only")

	// ErrUnknownVersion is returned by OpenVersion when the requested
	// version predates the store's oldest retained version, or is older
	// than the map's creation version.
	ErrUnknownVersion = errors.New("unknown version")

	// ErrNullValue is returned by Put when the supplied value is nil.
	// A nil value is reserved internally to signal "no entry" and can
	// never be stored.
	ErrNullValue = errors.New("value cannot be nil")

	// ErrIncompatibleMapType is returned by Store.OpenMap/OpenMapWithBuilder
	// when an existing map was created with a different comparator,
	// single-writer mode, or type tag than requested on reopen.
	ErrIncompatibleMapType = errors.New("incompatible map type")

	// ErrStoreClosed is returned by Store operations after Close.
	ErrStoreClosed = errors.New("store is closed")

	// ErrKeyTooLarge bounds individual key size so Page.getMemory estimates
	// and split arithmetic stay sane.
	ErrKeyTooLarge = errors.New("key too large")

	ErrMapNotFound = errors.New("map not found")
)
