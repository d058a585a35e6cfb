package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/cairn-oracle/cairn/pkg/ledger"
)

// rotateBackups copies the current version of name into the backups area as
// <name>.<unix-ms>.bak and prunes the oldest copies beyond the retention
// count. Called before each successful append, so the backups area always
// holds the N most recent previous versions. Failures are logged, never
// fatal: a missed backup must not block a commit.
func (s *Store) rotateBackups(name string) {
	src := filepath.Join(s.dir, name)
	if _, err := os.Stat(src); err != nil {
		return // nothing to back up yet
	}

	dst := filepath.Join(s.dir, backupDir, fmt.Sprintf("%s.%d.bak", name, ledger.NowMs()))
	if err := copyFile(src, dst); err != nil {
		s.logger.Warn("backup copy failed", zap.String("file", name), zap.Error(err))
		return
	}
	s.pruneBackups(name)
}

// pruneBackups keeps only the newest backupKeep copies of name.
func (s *Store) pruneBackups(name string) {
	dir := filepath.Join(s.dir, backupDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var stamps []int64
	for _, e := range entries {
		if ts, ok := backupStamp(e.Name(), name); ok {
			stamps = append(stamps, ts)
		}
	}
	if len(stamps) <= s.backupKeep {
		return
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	for _, ts := range stamps[:len(stamps)-s.backupKeep] {
		old := filepath.Join(dir, fmt.Sprintf("%s.%d.bak", name, ts))
		if err := os.Remove(old); err != nil {
			s.logger.Warn("backup prune failed", zap.String("path", old), zap.Error(err))
		}
	}
}

// backupStamp extracts the timestamp from a backup filename of the form
// <name>.<stamp>.bak, or reports false for anything else.
func backupStamp(filename, name string) (int64, bool) {
	if !strings.HasPrefix(filename, name+".") || !strings.HasSuffix(filename, ".bak") {
		return 0, false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(filename, name+"."), ".bak")
	ts, err := strconv.ParseInt(middle, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
