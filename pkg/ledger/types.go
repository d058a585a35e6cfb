package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// FeatureDimensions is the number of evaluation dimensions in a FeatureVector.
const FeatureDimensions = 7

// Evaluation weights, one per dimension. They sum to 1.0, so the weighted
// sum of a FeatureVector is itself a score in [0,1].
const (
	WeightAccuracy        = 0.35
	WeightAvailability    = 0.15
	WeightLatency         = 0.15
	WeightUpdateFrequency = 0.10
	WeightCompleteness    = 0.10
	WeightErrorRate       = 0.10
	WeightStability       = 0.05
)

// Weights returns the evaluation weights in dimension order.
func Weights() [FeatureDimensions]float64 {
	return [FeatureDimensions]float64{
		WeightAccuracy,
		WeightAvailability,
		WeightLatency,
		WeightUpdateFrequency,
		WeightCompleteness,
		WeightErrorRate,
		WeightStability,
	}
}

// FeatureVector is the 7-dimensional quality profile of a data source.
// Every score is bounded to [0,1] and oriented so that higher is better:
// Latency is a response-time score (fast responses score high) and ErrorRate
// is stored inverted (an error-free source scores 1.0). A vector is immutable
// once captured for a given evaluation timestamp.
type FeatureVector struct {
	Accuracy        float64 `json:"accuracy"`
	Availability    float64 `json:"availability"`
	Latency         float64 `json:"latency"`
	UpdateFrequency float64 `json:"update_frequency"`
	Completeness    float64 `json:"completeness"`
	ErrorRate       float64 `json:"error_rate"`
	Stability       float64 `json:"stability"`
}

// Dims returns the vector's scores in dimension order.
func (f FeatureVector) Dims() [FeatureDimensions]float64 {
	return [FeatureDimensions]float64{
		f.Accuracy,
		f.Availability,
		f.Latency,
		f.UpdateFrequency,
		f.Completeness,
		f.ErrorRate,
		f.Stability,
	}
}

// Weighted returns the vector with each dimension pre-scaled by its
// evaluation weight. Clustering distance is computed in this space.
func (f FeatureVector) Weighted() [FeatureDimensions]float64 {
	d := f.Dims()
	w := Weights()
	for i := range d {
		d[i] *= w[i]
	}
	return d
}

// WeightedScore returns the weighted sum of all dimensions, a single quality
// score in [0,1].
func (f FeatureVector) WeightedScore() float64 {
	var sum float64
	for _, v := range f.Weighted() {
		sum += v
	}
	return sum
}

// Validate checks that every dimension is within [0,1].
func (f FeatureVector) Validate() error {
	names := [FeatureDimensions]string{
		"accuracy", "availability", "latency", "update_frequency",
		"completeness", "error_rate", "stability",
	}
	for i, v := range f.Dims() {
		if v < 0.0 || v > 1.0 {
			return fmt.Errorf("feature %s out of bounds: %v (must be within [0,1])", names[i], v)
		}
	}
	return nil
}

// Tier is the ordinal quality grade assigned by clustering.
type Tier string

const (
	TierAPlus Tier = "A+"
	TierA     Tier = "A"
	TierB     Tier = "B"
	TierC     Tier = "C"
	TierD     Tier = "D"
)

// TierOrder lists tiers from best to worst.
var TierOrder = []Tier{TierAPlus, TierA, TierB, TierC, TierD}

// Rank returns the tier's position in TierOrder (0 = best). Unknown tiers
// rank worst.
func (t Tier) Rank() int {
	for i, known := range TierOrder {
		if t == known {
			return i
		}
	}
	return len(TierOrder) - 1
}

// Validate checks that the tier is a known grade.
func (t Tier) Validate() error {
	for _, known := range TierOrder {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("unknown tier: %q", t)
}

// Categories are the supported asset symbols. A data source reports the price
// of exactly one of these.
var Categories = []string{
	"bitcoin_price",
	"ethereum_price",
	"tether_price",
	"bnb_price",
	"xrp_price",
	"cardano_price",
	"dogecoin_price",
	"solana_price",
	"tron_price",
	"polkadot_price",
}

// ValidCategory reports whether c is a supported asset symbol.
func ValidCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// SourceStatus is the lifecycle state of a data source.
type SourceStatus string

const (
	// SourceActive is a source committed to the chain and carrying a tier.
	SourceActive SourceStatus = "active"

	// SourcePending is a source proposed but not yet committed.
	SourcePending SourceStatus = "pending"
)

// DataSource is a registered price-feed endpoint together with its current
// evaluation state. Sources are created by a committed ADD proposal, updated
// only by committed CLUSTER or re-evaluation proposals, and never deleted.
type DataSource struct {
	Key         string        `json:"key"`
	Category    string        `json:"category"`
	URL         string        `json:"url"`
	Vector      FeatureVector `json:"vector"`
	Tier        Tier          `json:"tier"`
	Status      SourceStatus  `json:"status"`
	CreatedBy   string        `json:"created_by"`
	CreatedAtMs int64         `json:"created_at_ms"`
	UpdatedAtMs int64         `json:"updated_at_ms"`
}

// Validate checks the source's identity and category.
func (s *DataSource) Validate() error {
	if s.Key == "" {
		return fmt.Errorf("source key cannot be empty")
	}
	if !ValidCategory(s.Category) {
		return fmt.Errorf("unsupported category: %q", s.Category)
	}
	if s.URL == "" {
		return fmt.Errorf("source URL cannot be empty")
	}
	if s.Status != SourceActive && s.Status != SourcePending {
		return fmt.Errorf("unknown source status: %q", s.Status)
	}
	return s.Vector.Validate()
}

// ProposalKind is the effect a proposal carries.
type ProposalKind string

const (
	// KindAdd registers a new data source and assigns it a tier.
	KindAdd ProposalKind = "ADD"

	// KindCluster re-runs tiering across all (or sampled) sources.
	KindCluster ProposalKind = "CLUSTER"
)

// Validate checks that the kind is known.
func (k ProposalKind) Validate() error {
	switch k {
	case KindAdd, KindCluster:
		return nil
	default:
		return fmt.Errorf("unknown proposal kind: %q", k)
	}
}

// ProposalStatus is the lifecycle state of a proposal.
// Proposals transition open → committed or open → expired; expired proposals
// may be resubmitted.
type ProposalStatus string

const (
	ProposalOpen      ProposalStatus = "open"
	ProposalCommitted ProposalStatus = "committed"
	ProposalExpired   ProposalStatus = "expired"
)

// Validate checks that the status is a known lifecycle state.
func (s ProposalStatus) Validate() error {
	switch s {
	case ProposalOpen, ProposalCommitted, ProposalExpired:
		return nil
	default:
		return fmt.Errorf("unknown proposal status: %q", s)
	}
}

// ClusterKey is the source key recorded on CLUSTER proposals, which target
// the whole table rather than a single source.
const ClusterKey = "cluster"

// Proposal is the unit of agreement: a proposed ledger effect accumulating
// votes until it commits or expires.
type Proposal struct {
	ID          string                   `json:"id"`
	Kind        ProposalKind             `json:"kind"`
	Key         string                   `json:"key"`
	Category    string                   `json:"category,omitempty"`
	URL         string                   `json:"url,omitempty"`
	Features    *FeatureVector           `json:"features,omitempty"`    // pre-computed vector (addf); nil means miner-side evaluation
	SampleSize  int                      `json:"sample_size,omitempty"` // CLUSTER only; 0 = full recompute
	Refresh     map[string]FeatureVector `json:"refresh,omitempty"`     // CLUSTER only: freshly evaluated vectors to fold in
	Creator     string                   `json:"creator"`
	CreatedAtMs int64                    `json:"created_at_ms"`
	Status      ProposalStatus           `json:"status"`

	// Resolution fields, set by the miner when the proposal commits.
	BlockIndex  int  `json:"block_index,omitempty"`
	DecidedTier Tier `json:"decided_tier,omitempty"`
}

// ProposalID derives the content-based identity for a proposal of the given
// kind and source key. The derivation is stable across restarts, which makes
// open-proposal deduplication a pure lookup.
func ProposalID(kind ProposalKind, key string) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + key))
	return hex.EncodeToString(sum[:])[:16]
}

// Validate checks the proposal's identity, kind and payload coherence.
func (p *Proposal) Validate() error {
	if err := p.Kind.Validate(); err != nil {
		return err
	}
	if p.Key == "" {
		return fmt.Errorf("proposal key cannot be empty")
	}
	if p.ID != ProposalID(p.Kind, p.Key) {
		return fmt.Errorf("proposal id %q does not match content identity %q", p.ID, ProposalID(p.Kind, p.Key))
	}
	if p.Creator == "" {
		return fmt.Errorf("proposal creator cannot be empty")
	}
	if err := p.Status.Validate(); err != nil {
		return err
	}
	switch p.Kind {
	case KindAdd:
		if !ValidCategory(p.Category) {
			return fmt.Errorf("unsupported category: %q", p.Category)
		}
		if p.URL == "" {
			return fmt.Errorf("ADD proposal requires a source URL")
		}
		if p.Features != nil {
			if err := p.Features.Validate(); err != nil {
				return err
			}
		}
	case KindCluster:
		if p.SampleSize < 0 {
			return fmt.Errorf("sample size cannot be negative: %d", p.SampleSize)
		}
		for key, vector := range p.Refresh {
			if err := vector.Validate(); err != nil {
				return fmt.Errorf("refresh vector for %s: %w", key, err)
			}
		}
	}
	return nil
}

// Resolved reports whether the proposal has left the open state.
func (p *Proposal) Resolved() bool {
	return p.Status != ProposalOpen
}

// Vote is a single proposer's approval of a proposal. Reject voting is not
// modeled; the only "no" is the absence of a vote. At most one vote exists
// per (proposal, proposer) pair, so duplicate casts are idempotent.
type Vote struct {
	ProposalID  string `json:"proposal_id"`
	ProposerID  string `json:"proposer_id"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Validate checks the vote's identity pair.
func (v *Vote) Validate() error {
	if v.ProposalID == "" {
		return fmt.Errorf("vote proposal id cannot be empty")
	}
	if v.ProposerID == "" {
		return fmt.Errorf("vote proposer id cannot be empty")
	}
	return nil
}

// NowMs returns the current wall-clock time in Unix milliseconds, the
// timestamp convention used throughout the ledger.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
