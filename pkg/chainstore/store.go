// Package chainstore persists chains as directories of one-record-per-file blocks.
//
// Layout:
//
//	<root>/<chain>/000000.json
//	<root>/<chain>/000001.json
//	<root>/<chain>/.lock          advisory append/repair lock
//	<root>/<chain>/.head.json     head hint, rebuilt from a scan when stale
//	<root>/<chain>/.quarantine/   relocated suffixes (see package revise)
//
// Records are written to a temporary file and published with an exclusive
// hard link, so a block file is either absent or complete and an existing block
// is never overwritten.
package chainstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/entrhq/soulchain/pkg/chain"
)

var (
	ErrInvalidChainName = errors.New("chainstore: invalid chain name")
	ErrLocked           = errors.New("chainstore: chain is locked")
	ErrHeadMoved        = errors.New("chainstore: chain head moved during append")
	ErrCorruptHead      = errors.New("chainstore: head record is unreadable")
)

// LockError reports contention on a chain. It is always retryable.
type LockError struct {
	Chain  string
	Holder string
	Err    error
}

func (e *LockError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("chainstore: lock %s (held by %s): %v", e.Chain, e.Holder, e.Err)
	}
	return fmt.Sprintf("chainstore: lock %s: %v", e.Chain, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// Retryable reports whether the failed operation may be retried as is.
func (e *LockError) Retryable() bool { return true }

// Appender adds blocks to chains.
type Appender interface {
	Append(ctx context.Context, chainName string, data chain.BlockData) (*chain.Block, error)
}

// Reader reads chains. Readers trust what they parse; integrity is judged by
// chain.VerifyChain.
type Reader interface {
	LastBlock(chainName string) (*chain.Block, error)
	ReadChain(chainName string) ([]chain.Block, error)
	ListChains() ([]string, error)
	Stats(chainName string) (Stats, error)
}

// Store is the full engine interface consumed by journal writers and the
// query layer.
type Store interface {
	Appender
	Reader
}

// Stats summarises a chain.
type Stats struct {
	Chain          string `json:"chain"`
	Count          int    `json:"count"`
	FirstTimestamp string `json:"first_timestamp,omitempty"`
	LastTimestamp  string `json:"last_timestamp,omitempty"`
}

// Entry is one block file as found on disk.
type Entry struct {
	Name      string
	Path      string
	Position  int
	FileIndex int
	Block     *chain.Block
	Err       error
}

const (
	DefaultLockTTL       = 30 * time.Second
	DefaultLockWait      = 5 * time.Second
	DefaultAppendRetries = 5
)

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLockTTL sets the age after which a lock left by a crashed holder is broken.
func WithLockTTL(d time.Duration) Option {
	return func(s *FileStore) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithLockWait bounds how long Append and WithLock wait for a busy lock.
func WithLockWait(d time.Duration) Option {
	return func(s *FileStore) {
		if d >= 0 {
			s.lockWait = d
		}
	}
}

// WithAppendRetries bounds how often Append rebuilds a block after losing the
// race for the next index.
func WithAppendRetries(n int) Option {
	return func(s *FileStore) {
		if n >= 0 {
			s.appendRetries = n
		}
	}
}

// WithClock overrides the time source used for block timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) {
		if now != nil {
			s.now = now
		}
	}
}
