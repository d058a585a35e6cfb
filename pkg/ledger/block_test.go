package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addBlock(t *testing.T, index int, prevHash, key string, tier Tier) Block {
	t.Helper()
	b := Block{
		Index:       index,
		TimestampMs: 1700000000000 + int64(index),
		PrevHash:    prevHash,
		ProposalID:  ProposalID(KindAdd, key),
		MinerID:     "miner-1",
		Delta: BlockDelta{
			Type: DeltaAdd,
			Source: &DataSource{
				Key:         key,
				Category:    "bitcoin_price",
				URL:         "https://example.com/" + key,
				Vector:      validVector(),
				Tier:        tier,
				Status:      SourceActive,
				CreatedBy:   "proposer-1",
				CreatedAtMs: 1700000000000,
			},
		},
		Approvals: []string{"proposer-1", "proposer-2", "proposer-3"},
	}
	b.Seal()
	return b
}

func TestBlockHashDeterminism(t *testing.T) {
	b := addBlock(t, 0, GenesisHash, "btc_binance", TierA)

	// Hash is stable for identical content and ignores approval order.
	again := b
	again.Approvals = []string{"proposer-3", "proposer-1", "proposer-2"}
	assert.Equal(t, b.ComputeHash(), again.ComputeHash())

	// Any content change alters the hash.
	mutated := b
	mutated.TimestampMs++
	assert.NotEqual(t, b.Hash, mutated.ComputeHash())
}

func TestBlockValidate(t *testing.T) {
	b := addBlock(t, 0, GenesisHash, "btc_binance", TierA)
	require.NoError(t, b.Validate())

	tampered := b
	tampered.MinerID = "miner-2"
	assert.Error(t, tampered.Validate(), "hash must no longer match after tampering")

	noSource := b
	noSource.Delta.Source = nil
	noSource.Seal()
	assert.Error(t, noSource.Validate())
}

func TestVerifyChain(t *testing.T) {
	b0 := addBlock(t, 0, GenesisHash, "btc_binance", TierA)
	b1 := addBlock(t, 1, b0.Hash, "btc_kraken", TierB)
	b2 := addBlock(t, 2, b1.Hash, "eth_coinbase", TierA)

	require.NoError(t, VerifyChain([]Block{b0, b1, b2}))
	require.NoError(t, VerifyChain(nil), "empty chain is valid")

	t.Run("detects broken link", func(t *testing.T) {
		broken := addBlock(t, 1, "0000000000000000", "btc_kraken", TierB)
		err := VerifyChain([]Block{b0, broken})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrChainCorrupt)
	})

	t.Run("detects index gap", func(t *testing.T) {
		skipped := addBlock(t, 2, b0.Hash, "btc_kraken", TierB)
		err := VerifyChain([]Block{b0, skipped})
		assert.ErrorIs(t, err, ErrChainCorrupt)
	})

	t.Run("detects content tampering", func(t *testing.T) {
		tampered := b1
		tampered.Delta.Source = &DataSource{}
		err := VerifyChain([]Block{b0, tampered})
		assert.ErrorIs(t, err, ErrChainCorrupt)
	})
}

func TestReplay(t *testing.T) {
	b0 := addBlock(t, 0, GenesisHash, "btc_binance", TierA)
	b1 := addBlock(t, 1, b0.Hash, "btc_kraken", TierC)

	cluster := Block{
		Index:       2,
		TimestampMs: 1700000000002,
		PrevHash:    b1.Hash,
		ProposalID:  ProposalID(KindCluster, ClusterKey),
		MinerID:     "miner-1",
		Delta: BlockDelta{
			Type: DeltaCluster,
			TierChanges: map[string]TierChange{
				"btc_kraken": {From: TierC, To: TierB},
			},
			Fingerprint: "abc123",
		},
		Approvals: []string{"proposer-1", "proposer-2", "proposer-3"},
	}
	cluster.Seal()

	table, err := Replay([]Block{b0, b1, cluster})
	require.NoError(t, err)

	assert.Equal(t, 3, table.Height)
	assert.Equal(t, TierA, table.Sources["btc_binance"].Tier)
	assert.Equal(t, TierB, table.Sources["btc_kraken"].Tier, "cluster delta re-tiers the source")
	assert.Equal(t, "abc123", table.LastFingerprint)

	// Rankings order best tier first within the category.
	assert.Equal(t, []string{"btc_binance", "btc_kraken"}, table.Rankings["bitcoin_price"])

	t.Run("retiering unknown source fails", func(t *testing.T) {
		orphan := cluster
		orphan.PrevHash = b0.Hash
		orphan.Index = 1
		orphan.Delta.TierChanges = map[string]TierChange{"ghost": {From: TierC, To: TierB}}
		orphan.Seal()
		_, err := Replay([]Block{b0, orphan})
		assert.Error(t, err)
	})
}

func TestMasterTableEqual(t *testing.T) {
	b0 := addBlock(t, 0, GenesisHash, "btc_binance", TierA)

	a, err := Replay([]Block{b0})
	require.NoError(t, err)
	b, err := Replay([]Block{b0})
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	b.Sources["btc_binance"].Tier = TierD
	assert.False(t, a.Equal(b))
}
