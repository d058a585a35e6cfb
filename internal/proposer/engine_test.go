package proposer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairn-oracle/cairn/internal/evaluator"
	"github.com/cairn-oracle/cairn/internal/mailbox"
	"github.com/cairn-oracle/cairn/pkg/ledger"
)

func newTestEngine(t *testing.T) (*Engine, *mailbox.Mailbox) {
	t.Helper()
	mb, err := mailbox.New(t.TempDir(), nil)
	require.NoError(t, err)
	eval := evaluator.New(evaluator.Config{
		Timeout:     2 * time.Second,
		Concurrency: 2,
		RatePerSec:  100,
	}, nil)
	return New(Config{NodeID: "proposer-test", Poll: time.Second}, mb, eval, nil), mb
}

func goodVector() *ledger.FeatureVector {
	v := ledger.FeatureVector{
		Accuracy:        0.9,
		Availability:    0.9,
		Latency:         0.9,
		UpdateFrequency: 0.9,
		Completeness:    0.9,
		ErrorRate:       0.9,
		Stability:       0.9,
	}
	return &v
}

func hasVote(t *testing.T, mb *mailbox.Mailbox, id string) bool {
	t.Helper()
	voted, err := mb.HasVoted(id, "proposer-test")
	require.NoError(t, err)
	return voted
}

func TestCycleVotesOnValidAddWithVector(t *testing.T) {
	e, mb := newTestEngine(t)
	id, err := mb.Submit(&ledger.Proposal{
		Kind:     ledger.KindAdd,
		Key:      "btc_binance",
		Category: "bitcoin_price",
		URL:      "https://example.com/btc",
		Features: goodVector(),
		Creator:  "someone-else",
	})
	require.NoError(t, err)

	require.NoError(t, e.Cycle(context.Background()))
	assert.True(t, hasVote(t, mb, id))

	// A second cycle does not double-count.
	require.NoError(t, e.Cycle(context.Background()))
	count, _, err := mb.Tally(id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCycleEvaluatesAddWithoutVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"price": 67000}`))
	}))
	t.Cleanup(srv.Close)

	e, mb := newTestEngine(t)
	id, err := mb.Submit(&ledger.Proposal{
		Kind:     ledger.KindAdd,
		Key:      "btc_live",
		Category: "bitcoin_price",
		URL:      srv.URL,
		Creator:  "someone-else",
	})
	require.NoError(t, err)

	require.NoError(t, e.Cycle(context.Background()))
	assert.True(t, hasVote(t, mb, id))
}

func TestCycleWithholdsVoteWhenSourceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	e, mb := newTestEngine(t)
	id, err := mb.Submit(&ledger.Proposal{
		Kind:     ledger.KindAdd,
		Key:      "btc_down",
		Category: "bitcoin_price",
		URL:      srv.URL,
		Creator:  "someone-else",
	})
	require.NoError(t, err)

	require.NoError(t, e.Cycle(context.Background()), "unreachable source is a skip, not an error")
	assert.False(t, hasVote(t, mb, id))
}

func TestCycleAcknowledgesCluster(t *testing.T) {
	e, mb := newTestEngine(t)
	id, err := mb.Submit(&ledger.Proposal{
		Kind:    ledger.KindCluster,
		Key:     ledger.ClusterKey,
		Creator: "miner-1",
	})
	require.NoError(t, err)

	require.NoError(t, e.Cycle(context.Background()))
	assert.True(t, hasVote(t, mb, id))
}

func TestProposeAdd(t *testing.T) {
	e, mb := newTestEngine(t)

	id, err := e.ProposeAdd("btc_binance", "bitcoin_price", "https://example.com/btc", goodVector())
	require.NoError(t, err)

	p, err := mb.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "proposer-test", p.Creator)
	require.NotNil(t, p.Features)

	count, proposers, err := mb.Tally(id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"proposer-test"}, proposers)
}

func TestProposeAddRejectsBadCategory(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ProposeAdd("btc_binance", "stonks", "https://example.com/btc", nil)
	assert.Error(t, err)
}
