package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validVector() FeatureVector {
	return FeatureVector{
		Accuracy:        0.9,
		Availability:    0.8,
		Latency:         0.7,
		UpdateFrequency: 0.6,
		Completeness:    0.5,
		ErrorRate:       0.9,
		Stability:       0.4,
	}
}

func TestFeatureVectorWeightedScore(t *testing.T) {
	// A uniform vector's weighted score equals the uniform value because the
	// weights sum to 1.
	uniform := FeatureVector{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	assert.InDelta(t, 0.5, uniform.WeightedScore(), 1e-9)

	perfect := FeatureVector{1, 1, 1, 1, 1, 1, 1}
	assert.InDelta(t, 1.0, perfect.WeightedScore(), 1e-9)
}

func TestFeatureVectorValidate(t *testing.T) {
	assert.NoError(t, validVector().Validate())

	bad := validVector()
	bad.Accuracy = 1.2
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accuracy")

	bad = validVector()
	bad.Stability = -0.1
	assert.Error(t, bad.Validate())
}

func TestTierRankOrdering(t *testing.T) {
	assert.Equal(t, 0, TierAPlus.Rank())
	assert.Equal(t, 4, TierD.Rank())
	// Unknown tiers rank worst rather than panicking.
	assert.Equal(t, 4, Tier("F").Rank())

	assert.Error(t, Tier("F").Validate())
	assert.NoError(t, TierB.Validate())
}

func TestProposalIDStability(t *testing.T) {
	id1 := ProposalID(KindAdd, "btc_binance")
	id2 := ProposalID(KindAdd, "btc_binance")
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 16)

	// Different kind or key derives a different identity.
	assert.NotEqual(t, id1, ProposalID(KindCluster, "btc_binance"))
	assert.NotEqual(t, id1, ProposalID(KindAdd, "btc_kraken"))
}

func TestProposalValidate(t *testing.T) {
	p := &Proposal{
		ID:          ProposalID(KindAdd, "btc_binance"),
		Kind:        KindAdd,
		Key:         "btc_binance",
		Category:    "bitcoin_price",
		URL:         "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT",
		Creator:     "proposer-1",
		CreatedAtMs: NowMs(),
		Status:      ProposalOpen,
	}
	require.NoError(t, p.Validate())

	t.Run("rejects mismatched identity", func(t *testing.T) {
		bad := *p
		bad.ID = "deadbeefdeadbeef"
		assert.Error(t, bad.Validate())
	})

	t.Run("rejects unsupported category", func(t *testing.T) {
		bad := *p
		bad.Category = "gold_price"
		assert.Error(t, bad.Validate())
	})

	t.Run("cluster proposal needs no URL", func(t *testing.T) {
		c := &Proposal{
			ID:          ProposalID(KindCluster, ClusterKey),
			Kind:        KindCluster,
			Key:         ClusterKey,
			Creator:     "miner-1",
			CreatedAtMs: NowMs(),
			Status:      ProposalOpen,
		}
		assert.NoError(t, c.Validate())
	})

	t.Run("rejects negative sample size", func(t *testing.T) {
		c := &Proposal{
			ID:          ProposalID(KindCluster, ClusterKey),
			Kind:        KindCluster,
			Key:         ClusterKey,
			SampleSize:  -1,
			Creator:     "miner-1",
			CreatedAtMs: NowMs(),
			Status:      ProposalOpen,
		}
		assert.Error(t, c.Validate())
	})
}

func TestValidCategory(t *testing.T) {
	assert.True(t, ValidCategory("bitcoin_price"))
	assert.True(t, ValidCategory("polkadot_price"))
	assert.False(t, ValidCategory("gold_price"))
	assert.False(t, ValidCategory(""))
	assert.Len(t, Categories, 10)
}
