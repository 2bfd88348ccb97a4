package lsfs

import "log"

// Option configures a FS at Mount time using the functional-options
// pattern.
type Option func(*FS) error

// WithLogger overrides the default logger (log.Default()) used for the
// component-boundary Printf-style lines.
func WithLogger(l *log.Logger) Option {
	return func(fs *FS) error {
		fs.log = l
		return nil
	}
}

// WithBufferPoolSize overrides the buffer pool's slot count (default ~256, §4.2).
func WithBufferPoolSize(n int) Option {
	return func(fs *FS) error {
		fs.bufPoolSize = n
		return nil
	}
}

// WithInodeCacheSize overrides the inode cache's entry cap (default ~1024, §4.5).
func WithInodeCacheSize(n int) Option {
	return func(fs *FS) error {
		fs.inodeCacheSize = n
		return nil
	}
}

// WithCheckpointInterval overrides the log-block count that triggers a
// checkpoint (default 100 blocks, §4.8 policy (i)).
func WithCheckpointInterval(blocks uint32) Option {
	return func(fs *FS) error {
		fs.checkpointBlocks = blocks
		return nil
	}
}

// WithCheckpointPeriod overrides the wall-clock checkpoint trigger
// (default 30s, §4.8 policy (ii)).
func WithCheckpointPeriod(seconds int64) Option {
	return func(fs *FS) error {
		fs.checkpointSeconds = seconds
		return nil
	}
}

// WithCleanerThresholds overrides the free-segment ratios that start and
// stop the cleaner (defaults 10%/20%, §4.7).
func WithCleanerThresholds(low, high float64) Option {
	return func(fs *FS) error {
		fs.cleanerLow = low
		fs.cleanerHigh = high
		return nil
	}
}

// ReadOnly forbids writes at the block-I/O layer (§4.1).
func ReadOnly() Option {
	return func(fs *FS) error {
		fs.readOnly = true
		return nil
	}
}
