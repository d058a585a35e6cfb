package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// GenesisHash is the previous-hash reference of the first block.
const GenesisHash = "genesis"

// DeltaType describes the state change a block carries.
type DeltaType string

const (
	// DeltaAdd records a new source entering the master table.
	DeltaAdd DeltaType = "add"

	// DeltaCluster records a re-tiering of existing sources.
	DeltaCluster DeltaType = "cluster"
)

// TierChange records one source's tier move inside a cluster delta.
type TierChange struct {
	From Tier `json:"from"`
	To   Tier `json:"to"`
}

// BlockDelta is the state change produced by executing a committed proposal.
type BlockDelta struct {
	Type        DeltaType                `json:"type"`
	Source      *DataSource              `json:"source,omitempty"`       // DeltaAdd: the source at its computed tier
	TierChanges map[string]TierChange    `json:"tier_changes,omitempty"` // DeltaCluster: key → tier move
	Vectors     map[string]FeatureVector `json:"vectors,omitempty"`      // DeltaCluster: refreshed vectors the tiering used
	Fingerprint string                   `json:"fingerprint,omitempty"`  // feature-set fingerprint the tiering was computed from
}

// digest returns a canonical line for hashing. Map iteration order must not
// leak into the block hash, so tier changes are emitted key-sorted.
func (d *BlockDelta) digest() string {
	var b strings.Builder
	b.WriteString(string(d.Type))
	if d.Source != nil {
		fmt.Fprintf(&b, "|%s|%s|%s|%s", d.Source.Key, d.Source.Category, d.Source.Tier, d.Source.URL)
		for _, v := range d.Source.Vector.Dims() {
			fmt.Fprintf(&b, "|%.9f", v)
		}
	}
	if len(d.TierChanges) > 0 {
		keys := make([]string, 0, len(d.TierChanges))
		for k := range d.TierChanges {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c := d.TierChanges[k]
			fmt.Fprintf(&b, "|%s:%s>%s", k, c.From, c.To)
		}
	}
	if len(d.Vectors) > 0 {
		keys := make([]string, 0, len(d.Vectors))
		for k := range d.Vectors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("|" + k)
			for _, v := range d.Vectors[k].Dims() {
				fmt.Fprintf(&b, ":%.9f", v)
			}
		}
	}
	if d.Fingerprint != "" {
		b.WriteString("|" + d.Fingerprint)
	}
	return b.String()
}

// Block is an immutable, ordered ledger entry recording one committed
// proposal. Blocks are hash-linked: each references the hash of its
// predecessor, and the genesis block references GenesisHash.
type Block struct {
	Index       int        `json:"index"`
	TimestampMs int64      `json:"timestamp_ms"`
	PrevHash    string     `json:"prev_hash"`
	Hash        string     `json:"hash"`
	ProposalID  string     `json:"proposal_id"`
	MinerID     string     `json:"miner_id"`
	Delta       BlockDelta `json:"delta"`
	Approvals   []string   `json:"approvals"` // distinct proposer ids that satisfied quorum
}

// ComputeHash derives the block's hash from its content, excluding the Hash
// field itself. Approvals are order-normalized first.
func (b *Block) ComputeHash() string {
	approvals := append([]string(nil), b.Approvals...)
	sort.Strings(approvals)
	payload := fmt.Sprintf("%d|%d|%s|%s|%s|%s|%s",
		b.Index, b.TimestampMs, b.PrevHash, b.ProposalID, b.MinerID,
		b.Delta.digest(), strings.Join(approvals, ","))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Seal sets the block's hash from its content.
func (b *Block) Seal() {
	b.Hash = b.ComputeHash()
}

// Validate checks the block's internal consistency (not its chain position).
func (b *Block) Validate() error {
	if b.Index < 0 {
		return fmt.Errorf("block index cannot be negative: %d", b.Index)
	}
	if b.PrevHash == "" {
		return fmt.Errorf("block prev_hash cannot be empty")
	}
	if b.ProposalID == "" {
		return fmt.Errorf("block proposal id cannot be empty")
	}
	if b.Hash != b.ComputeHash() {
		return fmt.Errorf("block hash does not match content")
	}
	switch b.Delta.Type {
	case DeltaAdd:
		if b.Delta.Source == nil {
			return fmt.Errorf("add block carries no source")
		}
		return b.Delta.Source.Validate()
	case DeltaCluster:
		return nil
	default:
		return fmt.Errorf("unknown delta type: %q", b.Delta.Type)
	}
}

// MasterEntry is one source's row in the master table.
type MasterEntry struct {
	Category    string        `json:"category"`
	URL         string        `json:"url"`
	Tier        Tier          `json:"tier"`
	Vector      FeatureVector `json:"vector"`
	Status      SourceStatus  `json:"status"`
	CreatedBy   string        `json:"created_by"`
	UpdatedAtMs int64         `json:"updated_at_ms"`
}

// MasterTable is the materialized current view: every known source's tier and
// feature vector, plus per-category rankings ordered best-first. It exists
// for fast reads only; the chain is the source of truth and the table can
// always be regenerated by Replay.
type MasterTable struct {
	Sources         map[string]*MasterEntry `json:"sources"`
	Rankings        map[string][]string     `json:"rankings"`
	LastFingerprint string                  `json:"last_fingerprint,omitempty"`
	Height          int                     `json:"height"` // number of blocks applied
}

// NewMasterTable returns an empty table at height zero.
func NewMasterTable() *MasterTable {
	return &MasterTable{
		Sources:  make(map[string]*MasterEntry),
		Rankings: make(map[string][]string),
	}
}

// Apply folds one block into the table. Blocks must be applied in chain
// order; the caller is responsible for sequencing.
func (m *MasterTable) Apply(b *Block) error {
	switch b.Delta.Type {
	case DeltaAdd:
		src := b.Delta.Source
		m.Sources[src.Key] = &MasterEntry{
			Category:    src.Category,
			URL:         src.URL,
			Tier:        src.Tier,
			Vector:      src.Vector,
			Status:      SourceActive,
			CreatedBy:   src.CreatedBy,
			UpdatedAtMs: b.TimestampMs,
		}
	case DeltaCluster:
		for key, vector := range b.Delta.Vectors {
			entry, ok := m.Sources[key]
			if !ok {
				return fmt.Errorf("cluster block %d refreshes unknown source %q", b.Index, key)
			}
			entry.Vector = vector
			entry.UpdatedAtMs = b.TimestampMs
		}
		for key, change := range b.Delta.TierChanges {
			entry, ok := m.Sources[key]
			if !ok {
				return fmt.Errorf("cluster block %d retiers unknown source %q", b.Index, key)
			}
			entry.Tier = change.To
			entry.UpdatedAtMs = b.TimestampMs
		}
	default:
		return fmt.Errorf("unknown delta type: %q", b.Delta.Type)
	}
	if b.Delta.Fingerprint != "" {
		m.LastFingerprint = b.Delta.Fingerprint
	}
	m.Height = b.Index + 1
	m.RebuildRankings()
	return nil
}

// RebuildRankings recomputes the per-category orderings from the current
// source tiers. Within a tier, keys order lexicographically for determinism.
func (m *MasterTable) RebuildRankings() {
	rankings := make(map[string][]string)
	for key, entry := range m.Sources {
		rankings[entry.Category] = append(rankings[entry.Category], key)
	}
	for _, keys := range rankings {
		sort.Slice(keys, func(i, j int) bool {
			ri, rj := m.Sources[keys[i]].Tier.Rank(), m.Sources[keys[j]].Tier.Rank()
			if ri != rj {
				return ri < rj
			}
			return keys[i] < keys[j]
		})
	}
	m.Rankings = rankings
}

// Replay rebuilds a master table from a full chain, verifying hash links
// along the way. A link mismatch returns ErrChainCorrupt.
func Replay(chain []Block) (*MasterTable, error) {
	if err := VerifyChain(chain); err != nil {
		return nil, err
	}
	table := NewMasterTable()
	for i := range chain {
		if err := table.Apply(&chain[i]); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// VerifyChain checks that the chain is contiguously indexed and hash-linked
// end to end. Any mismatch returns ErrChainCorrupt.
func VerifyChain(chain []Block) error {
	prev := GenesisHash
	for i := range chain {
		b := &chain[i]
		if b.Index != i {
			return fmt.Errorf("%w: block at position %d has index %d", ErrChainCorrupt, i, b.Index)
		}
		if b.PrevHash != prev {
			return fmt.Errorf("%w: block %d prev_hash mismatch", ErrChainCorrupt, i)
		}
		if b.Hash != b.ComputeHash() {
			return fmt.Errorf("%w: block %d hash does not match content", ErrChainCorrupt, i)
		}
		prev = b.Hash
	}
	return nil
}

// Equal reports whether two tables agree on sources, tiers and height.
// Used by the miner's startup reconciliation.
func (m *MasterTable) Equal(other *MasterTable) bool {
	if m.Height != other.Height || len(m.Sources) != len(other.Sources) {
		return false
	}
	for key, entry := range m.Sources {
		o, ok := other.Sources[key]
		if !ok || o.Tier != entry.Tier || o.Vector != entry.Vector || o.Category != entry.Category {
			return false
		}
	}
	return true
}
