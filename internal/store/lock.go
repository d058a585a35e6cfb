package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cairn-oracle/cairn/pkg/ledger"
)

const lockFile = "cairn.lock"

// lockRetryInterval is how often acquisition re-attempts while waiting.
const lockRetryInterval = 25 * time.Millisecond

// staleLockFactor: a lock file older than this multiple of the timeout is
// treated as abandoned by a crashed process and broken.
const staleLockFactor = 10

// withLock runs fn while holding the cooperative exclusive lock. The lock is
// a lock file created with O_CREATE|O_EXCL, which is atomic on every
// filesystem the state directory can reasonably live on. Acquisition blocks
// up to the configured timeout and then fails with ErrLockTimeout; it never
// deadlocks.
func (s *Store) withLock(fn func() error) error {
	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (s *Store) acquireLock() (release func(), err error) {
	path := filepath.Join(s.dir, lockFile)
	deadline := time.Now().Add(s.lockTimeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().UnixMilli())
			f.Close()
			return func() {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					s.logger.Warn("failed to release state lock", zap.Error(err))
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		s.breakStaleLock(path)

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s held for over %s", ledger.ErrLockTimeout, path, s.lockTimeout)
		}
		time.Sleep(lockRetryInterval)
	}
}

// breakStaleLock removes a lock file abandoned by a crashed holder. A live
// holder refreshes nothing, so age is the only signal; the threshold is far
// beyond any legitimate critical section.
func (s *Store) breakStaleLock(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	age := time.Since(info.ModTime())
	if age < time.Duration(staleLockFactor)*s.lockTimeout {
		return
	}
	if err := os.Remove(path); err == nil {
		s.logger.Warn("broke stale state lock",
			zap.String("path", path),
			zap.Duration("age", age))
	}
}
