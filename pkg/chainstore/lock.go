package chainstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const lockFileName = ".lock"

const (
	lockBackoffStart = 10 * time.Millisecond
	lockBackoffMax   = 200 * time.Millisecond
)

// lockInfo is the body of a lock file.
type lockInfo struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// heldLock is an acquired chain lock.
type heldLock struct {
	path  string
	owner string
}

// WithLock runs fn while holding chainName's advisory lock. The lock is
// released on every return path, including a panic in fn.
func (s *FileStore) WithLock(ctx context.Context, chainName string, fn func() error) error {
	dir, err := s.ChainDir(chainName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("chainstore: init chain %s: %w", chainName, err)
	}
	l, err := s.acquire(ctx, chainName, dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.release(); err != nil {
			s.logger.Warn("chainstore: release lock", "chain", chainName, "err", err)
		}
	}()
	return fn()
}

func (s *FileStore) acquire(ctx context.Context, chainName, dir string) (*heldLock, error) {
	path := filepath.Join(dir, lockFileName)
	owner := uuid.New().String()
	deadline := time.Now().Add(s.lockWait)
	backoff := lockBackoffStart

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			host, _ := os.Hostname()
			werr := json.NewEncoder(f).Encode(lockInfo{
				Owner:      owner,
				PID:        os.Getpid(),
				Host:       host,
				AcquiredAt: time.Now().UTC(),
			})
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("chainstore: write lock %s: %w", path, errors.Join(werr, cerr))
			}
			return &heldLock{path: path, owner: owner}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("chainstore: create lock %s: %w", path, err)
		}

		if s.breakStaleLock(chainName, path) {
			continue
		}
		if !time.Now().Before(deadline) {
			return nil, &LockError{Chain: chainName, Holder: readLockOwner(path), Err: ErrLocked}
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &LockError{Chain: chainName, Holder: readLockOwner(path), Err: ctx.Err()}
		case <-timer.C:
		}
		backoff *= 2
		if backoff > lockBackoffMax {
			backoff = lockBackoffMax
		}
	}
}

// breakStaleLock removes a lock whose file is older than the TTL. The stale file
// is first renamed aside so two processes cannot both break the same lock; if the
// renamed file turns out to be a fresh lock it is linked back.
func (s *FileStore) breakStaleLock(chainName, path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		// Vanished between create and stat: retry immediately.
		return errors.Is(err, fs.ErrNotExist)
	}
	if time.Since(info.ModTime()) < s.lockTTL {
		return false
	}

	aside := path + ".stale-" + uuid.New().String()
	if err := os.Rename(path, aside); err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	defer os.Remove(aside)

	moved, err := os.Stat(aside)
	if err == nil && !os.SameFile(info, moved) {
		_ = os.Link(aside, path)
		return false
	}
	s.logger.Warn("chainstore: broke stale lock", "chain", chainName, "holder", readLockOwner(aside), "age", time.Since(info.ModTime()))
	return true
}

func readLockOwner(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var info lockInfo
	if json.Unmarshal(raw, &info) != nil {
		return ""
	}
	return info.Owner
}

// release removes the lock file if it still names this owner.
func (l *heldLock) release() error {
	if owner := readLockOwner(l.path); owner != l.owner {
		return fmt.Errorf("chainstore: lock %s no longer held (owner %q)", l.path, owner)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("chainstore: remove lock %s: %w", l.path, err)
	}
	return nil
}
