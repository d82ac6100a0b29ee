package mvstore

import "golang.org/x/sys/unix"

// StoreOptions configures a Store's behavior.
type StoreOptions struct {
	keysPerPage     int
	maxPageSize     int
	logger          Logger
	maxCacheEntries int
	persistent      bool
	retentionWindow int
}

// DefaultStoreOptions returns safe default configuration.
//
// goland:noinspection GoUnusedExportedFunction
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		keysPerPage:     48,
		maxPageSize:     4 * defaultMaxPageSizeUnit(),
		logger:          DiscardLogger{},
		maxCacheEntries: 10000,
		persistent:      false,
		retentionWindow: 1,
	}
}

// defaultMaxPageSizeUnit anchors the default page-split threshold to the
// host's native page size rather than a hardcoded constant, the way a
// store backed by mmap'd storage would size its pages.
func defaultMaxPageSizeUnit() int {
	if sz := unix.Getpagesize(); sz > 0 {
		return sz
	}
	return 4096
}

// StoreOption configures a Store using the functional options pattern.
type StoreOption func(*StoreOptions)

// WithKeysPerPage sets the target fan-out before a page splits.
//
//goland:noinspection GoUnusedExportedFunction
func WithKeysPerPage(n int) StoreOption {
	return func(opts *StoreOptions) {
		opts.keysPerPage = n
	}
}

// WithMaxPageSize sets the memory-estimate threshold at which a page splits
// regardless of key count (subject to the minimum key count in spec.md §4.1).
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxPageSize(bytes int) StoreOption {
	return func(opts *StoreOptions) {
		opts.maxPageSize = bytes
	}
}

// WithLogger overrides the default no-op Logger.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) StoreOption {
	return func(opts *StoreOptions) {
		opts.logger = l
	}
}

// WithMaxCacheEntries bounds the reference Store's position-table cache.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxCacheEntries(n int) StoreOption {
	return func(opts *StoreOptions) {
		opts.maxCacheEntries = n
	}
}

// WithPersistentMode marks the store as backed by persistent storage,
// toggling hasChangesSince/unlock semantics that differ for volatile maps
// (see RootReference.hasChangesSince and MVMap.flushAppendBuffer).
//
//goland:noinspection GoUnusedExportedFunction
func WithPersistentMode() StoreOption {
	return func(opts *StoreOptions) {
		opts.persistent = true
	}
}

// WithRetentionWindow configures how many versions back
// getOldestVersionToKeep reports relative to getCurrentVersion.
//
//goland:noinspection GoUnusedExportedFunction
func WithRetentionWindow(n int) StoreOption {
	return func(opts *StoreOptions) {
		opts.retentionWindow = n
	}
}
