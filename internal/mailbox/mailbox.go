// Package mailbox is the shared proposal and vote ledger. Proposers and the
// miner coordinate through a directory tree on a shared filesystem: one
// directory per proposal, one vote file per proposer. Directory creation is
// the atomicity point for submission, and vote files are keyed by proposer id
// so re-voting is naturally idempotent.
//
// Layout:
//
//	<dir>/<proposalID>/proposal.json
//	<dir>/<proposalID>/votes/<proposerID>.json
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/cairn-oracle/cairn/pkg/ledger"
)

const (
	proposalFile = "proposal.json"
	votesDir     = "votes"
)

// Mailbox reads and writes the proposal tree rooted at a state directory.
type Mailbox struct {
	dir    string
	logger *zap.Logger
}

// New opens (creating if needed) the mailbox at dir.
func New(dir string, logger *zap.Logger) (*Mailbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mailbox directory: %w", err)
	}
	return &Mailbox{dir: dir, logger: logger.Named("mailbox")}, nil
}

// Dir returns the mailbox root directory.
func (m *Mailbox) Dir() string {
	return m.dir
}

// Submit records a new proposal and returns its id. Proposal ids derive from
// content, so an equivalent open proposal dedups to the existing id rather
// than creating a second one. A proposal whose effect has already committed
// returns ErrConflict. Expired proposals may be resubmitted; the expired
// record is replaced and its votes cleared.
//
// Conflict detection reads the proposal record only, not the chain. After a
// mailbox Reset that keeps the chain, a duplicate ADD is accepted here; the
// miner re-checks the master table at commit time and expires it there.
func (m *Mailbox) Submit(p *ledger.Proposal) (string, error) {
	if p.ID == "" {
		p.ID = ledger.ProposalID(p.Kind, p.Key)
	}
	if p.Status == "" {
		p.Status = ledger.ProposalOpen
	}
	if p.CreatedAtMs == 0 {
		p.CreatedAtMs = ledger.NowMs()
	}
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("invalid proposal: %w", err)
	}

	dir := filepath.Join(m.dir, p.ID)
	err := os.Mkdir(dir, 0o755)
	if errors.Is(err, fs.ErrExist) {
		existing, readErr := m.Get(p.ID)
		if readErr != nil {
			return "", readErr
		}
		switch existing.Status {
		case ledger.ProposalOpen:
			m.logger.Debug("proposal already open, dedup",
				zap.String("proposal_id", p.ID),
				zap.String("key", p.Key))
			return existing.ID, nil
		case ledger.ProposalCommitted:
			// An ADD's effect is permanent, so resubmission is a conflict.
			// CLUSTER rounds repeat; a committed round starts a new one.
			if p.Kind == ledger.KindAdd {
				return "", fmt.Errorf("%w: proposal %s already committed at block %d",
					ledger.ErrConflict, p.ID, existing.BlockIndex)
			}
			if err := m.clearVotes(p.ID); err != nil {
				return "", err
			}
		case ledger.ProposalExpired:
			if err := m.clearVotes(p.ID); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("proposal %s has unknown status %q", p.ID, existing.Status)
		}
	} else if err != nil {
		return "", fmt.Errorf("creating proposal directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(dir, votesDir), 0o755); err != nil {
		return "", fmt.Errorf("creating votes directory: %w", err)
	}
	if err := m.writeProposal(p); err != nil {
		return "", err
	}
	m.logger.Info("proposal submitted",
		zap.String("proposal_id", p.ID),
		zap.String("kind", string(p.Kind)),
		zap.String("key", p.Key),
		zap.String("creator", p.Creator))
	return p.ID, nil
}

// Get loads one proposal by id. Unknown ids return ErrNotFound.
func (m *Mailbox) Get(id string) (*ledger.Proposal, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id, proposalFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: proposal %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading proposal %s: %w", id, err)
	}
	var p ledger.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing proposal %s: %w", id, err)
	}
	return &p, nil
}

// Vote records proposerID's approval of the proposal. Voting on an unknown or
// resolved proposal returns ErrNotFound. Voting twice is a no-op.
func (m *Mailbox) Vote(id, proposerID string) error {
	if proposerID == "" {
		return fmt.Errorf("proposer id cannot be empty")
	}
	p, err := m.Get(id)
	if err != nil {
		return err
	}
	if p.Resolved() {
		return fmt.Errorf("%w: proposal %s is %s", ledger.ErrNotFound, id, p.Status)
	}

	v := ledger.Vote{
		ProposalID:  id,
		ProposerID:  proposerID,
		CreatedAtMs: ledger.NowMs(),
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("invalid vote: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding vote: %w", err)
	}
	path := filepath.Join(m.dir, id, votesDir, proposerID+".json")
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing vote: %w", err)
	}
	m.logger.Debug("vote recorded",
		zap.String("proposal_id", id),
		zap.String("proposer_id", proposerID))
	return nil
}

// HasVoted reports whether proposerID has already voted on the proposal.
func (m *Mailbox) HasVoted(id, proposerID string) (bool, error) {
	_, err := os.Stat(filepath.Join(m.dir, id, votesDir, proposerID+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking vote: %w", err)
	}
	return true, nil
}

// Tally returns the distinct approving proposers of the proposal, sorted.
func (m *Mailbox) Tally(id string) (int, []string, error) {
	if _, err := m.Get(id); err != nil {
		return 0, nil, err
	}
	entries, err := os.ReadDir(filepath.Join(m.dir, id, votesDir))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("reading votes for %s: %w", id, err)
	}
	var proposers []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() {
			continue
		}
		proposers = append(proposers, name)
	}
	sort.Strings(proposers)
	return len(proposers), proposers, nil
}

// Expire transitions an open proposal to expired. Resolved proposals are left
// untouched.
func (m *Mailbox) Expire(id string) error {
	p, err := m.Get(id)
	if err != nil {
		return err
	}
	if p.Resolved() {
		return nil
	}
	p.Status = ledger.ProposalExpired
	if err := m.writeProposal(p); err != nil {
		return err
	}
	m.logger.Info("proposal expired",
		zap.String("proposal_id", id),
		zap.String("key", p.Key))
	return nil
}

// ExpireStale expires every open proposal older than maxAge and returns the
// expired ids.
func (m *Mailbox) ExpireStale(maxAge time.Duration) ([]string, error) {
	open, err := m.List(ledger.ProposalOpen)
	if err != nil {
		return nil, err
	}
	cutoff := ledger.NowMs() - maxAge.Milliseconds()
	var expired []string
	for _, p := range open {
		if p.CreatedAtMs >= cutoff {
			continue
		}
		if err := m.Expire(p.ID); err != nil {
			return expired, err
		}
		expired = append(expired, p.ID)
	}
	return expired, nil
}

// MarkCommitted resolves a proposal after its block is appended, recording
// the block index and, for ADD proposals, the tier the source landed on.
// Only the miner calls this.
func (m *Mailbox) MarkCommitted(id string, blockIndex int, tier ledger.Tier) error {
	p, err := m.Get(id)
	if err != nil {
		return err
	}
	p.Status = ledger.ProposalCommitted
	p.BlockIndex = blockIndex
	p.DecidedTier = tier
	return m.writeProposal(p)
}

// List returns proposals matching the status filter ("" for all), ordered by
// creation time then id for a stable scan order.
func (m *Mailbox) List(filter ledger.ProposalStatus) ([]*ledger.Proposal, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("scanning mailbox: %w", err)
	}
	var out []*ledger.Proposal
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := m.Get(e.Name())
		if err != nil {
			if ledger.IsNotFound(err) {
				// Directory created but proposal.json not written yet;
				// a submitter is mid-flight. Skip this cycle.
				continue
			}
			return nil, err
		}
		if filter != "" && p.Status != filter {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Reset removes every proposal. Used by the --reset flag.
func (m *Mailbox) Reset() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("scanning mailbox: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(m.dir, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (m *Mailbox) writeProposal(p *ledger.Proposal) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding proposal: %w", err)
	}
	path := filepath.Join(m.dir, p.ID, proposalFile)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing proposal: %w", err)
	}
	return nil
}

func (m *Mailbox) clearVotes(id string) error {
	dir := filepath.Join(m.dir, id, votesDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading votes for %s: %w", id, err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clearing vote %s: %w", e.Name(), err)
		}
	}
	return nil
}
