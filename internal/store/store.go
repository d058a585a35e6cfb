// Package store owns the on-disk representations of the chain and the master
// table. It is the single mutation entry point for ledger state: every write
// lands as a full new version in a temporary file that is atomically renamed
// over the previous one, so readers in other processes always observe either
// the old version or the complete new one, never a partial file.
//
// Mutations take a cooperative exclusive lock scoped to the read-modify-write
// cycle; concurrent readers need no lock at all.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/cairn-oracle/cairn/pkg/ledger"
)

const (
	chainFile  = "chain.json"
	masterFile = "master_table.json"
	backupDir  = "backups"
)

// Options tune the store's locking and backup behavior.
type Options struct {
	// LockTimeout bounds how long a mutation waits for the exclusive lock
	// before failing with ErrLockTimeout.
	LockTimeout time.Duration

	// BackupKeep is how many timestamped backups to retain per file.
	BackupKeep int

	// Logger receives structured store events. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Store provides durable, crash-safe access to the chain and master table
// under a single state directory.
type Store struct {
	dir         string
	lockTimeout time.Duration
	backupKeep  int
	logger      *zap.Logger
}

// chainDoc is the persisted chain layout: an ordered block log.
type chainDoc struct {
	Blocks []ledger.Block `json:"blocks"`
}

// New opens (creating if necessary) a store rooted at dir.
func New(dir string, opts Options) (*Store, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.BackupKeep <= 0 {
		opts.BackupKeep = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	for _, sub := range []string{dir, filepath.Join(dir, backupDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return &Store{
		dir:         dir,
		lockTimeout: opts.LockTimeout,
		backupKeep:  opts.BackupKeep,
		logger:      opts.Logger.Named("store"),
	}, nil
}

// Dir returns the state directory the store is rooted at.
func (s *Store) Dir() string {
	return s.dir
}

// ReadChain returns a snapshot of the full block log. Safe for concurrent
// readers, including readers in other processes.
func (s *Store) ReadChain() ([]ledger.Block, error) {
	var doc chainDoc
	if err := s.readJSON(chainFile, &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Blocks, nil
}

// VerifyChain loads the chain and checks the hash links end to end.
// A mismatch surfaces ErrChainCorrupt, which the miner treats as fatal.
func (s *Store) VerifyChain() ([]ledger.Block, error) {
	chain, err := s.ReadChain()
	if err != nil {
		return nil, err
	}
	if err := ledger.VerifyChain(chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// AppendBlock durably appends a block after verifying it extends the current
// tip: its index must equal the chain length and its previous-hash reference
// must match the last block's hash, otherwise ErrOutOfOrder. The append and
// the master-table refresh are performed under the exclusive lock, and the
// previous file versions are rotated into the backups area afterwards.
func (s *Store) AppendBlock(block *ledger.Block, table *ledger.MasterTable) error {
	if err := block.Validate(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}
	return s.withLock(func() error {
		chain, err := s.ReadChain()
		if err != nil {
			return err
		}
		tip := ledger.GenesisHash
		if n := len(chain); n > 0 {
			tip = chain[n-1].Hash
		}
		if block.Index != len(chain) {
			return fmt.Errorf("%w: index %d, chain length %d", ledger.ErrOutOfOrder, block.Index, len(chain))
		}
		if block.PrevHash != tip {
			return fmt.Errorf("%w: prev_hash does not reference chain tip", ledger.ErrOutOfOrder)
		}

		s.rotateBackups(chainFile)
		s.rotateBackups(masterFile)

		chain = append(chain, *block)
		if err := s.writeJSON(chainFile, chainDoc{Blocks: chain}); err != nil {
			return err
		}
		if err := s.writeJSON(masterFile, table); err != nil {
			return err
		}
		s.logger.Info("block appended",
			zap.Int("index", block.Index),
			zap.String("hash", shortHash(block.Hash)),
			zap.String("proposal_id", block.ProposalID))
		return nil
	})
}

// ReadMasterTable returns a snapshot of the materialized tier view. Returns
// an empty table if none has been written yet.
func (s *Store) ReadMasterTable() (*ledger.MasterTable, error) {
	table := ledger.NewMasterTable()
	if err := s.readJSON(masterFile, table); err != nil {
		if os.IsNotExist(err) {
			return ledger.NewMasterTable(), nil
		}
		return nil, err
	}
	if table.Sources == nil {
		table.Sources = make(map[string]*ledger.MasterEntry)
	}
	if table.Rankings == nil {
		table.Rankings = make(map[string][]string)
	}
	return table, nil
}

// WriteMasterTable replaces the materialized view under the exclusive lock.
// Only the miner calls this outside of AppendBlock.
func (s *Store) WriteMasterTable(table *ledger.MasterTable) error {
	return s.withLock(func() error {
		return s.writeJSON(masterFile, table)
	})
}

// RebuildMasterTable replays the full chain from genesis and re-derives the
// master table. Used for recovery when the materialized table is suspected
// stale or missing, and as a consistency check against the maintained table.
func (s *Store) RebuildMasterTable() (*ledger.MasterTable, error) {
	chain, err := s.ReadChain()
	if err != nil {
		return nil, err
	}
	return ledger.Replay(chain)
}

// Reset removes the chain and master table. Backups are left in place.
func (s *Store) Reset() error {
	return s.withLock(func() error {
		for _, name := range []string{chainFile, masterFile} {
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// writeJSON writes a full new version to a temporary file in the same
// directory and atomically renames it into place.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", name, err)
	}
	data = append(data, '\n')
	if err := renameio.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
