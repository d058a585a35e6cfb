package evaluator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairn-oracle/cairn/pkg/ledger"
)

func priceServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() Config {
	return Config{Timeout: 2 * time.Second, Concurrency: 2, RatePerSec: 100}
}

func TestEvaluateProducesBoundedVector(t *testing.T) {
	srv := priceServer(t, `{"price": 67123.4}`)
	e := New(testConfig(), nil)

	v, err := e.Evaluate(context.Background(), Target{Key: "btc_test", URL: srv.URL}, 67000)
	require.NoError(t, err)
	require.NoError(t, v.Validate())

	assert.Greater(t, v.Accuracy, 0.9, "near-reference price scores high accuracy")
	assert.Equal(t, 1.0, v.Availability)
	assert.Equal(t, 1.0, v.Completeness)
	assert.Equal(t, 1.0, v.ErrorRate)
	assert.Greater(t, v.Latency, 0.9, "local server answers fast")
}

func TestEvaluateWithoutReference(t *testing.T) {
	srv := priceServer(t, `{"price": 100}`)
	e := New(testConfig(), nil)

	v, err := e.Evaluate(context.Background(), Target{Key: "btc_test", URL: srv.URL}, 0)
	require.NoError(t, err)
	assert.InDelta(t, accuracyCeiling, v.Accuracy, 1e-9, "no reference means no deviation penalty")
}

func TestEvaluateDeviationLowersAccuracy(t *testing.T) {
	srv := priceServer(t, `{"price": 120}`)
	e := New(testConfig(), nil)

	far, err := e.Evaluate(context.Background(), Target{Key: "far", URL: srv.URL}, 100)
	require.NoError(t, err)

	srv2 := priceServer(t, `{"price": 101}`)
	near, err := e.Evaluate(context.Background(), Target{Key: "near", URL: srv2.URL}, 100)
	require.NoError(t, err)

	assert.Less(t, far.Accuracy, near.Accuracy)
}

func TestEvaluateFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	e := New(testConfig(), nil)

	_, err := e.Evaluate(context.Background(), Target{Key: "broken", URL: srv.URL}, 0)
	require.Error(t, err)

	var evalErr *ledger.EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, srv.URL, evalErr.URL)
}

func TestEvaluateRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"price": 50}`))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.Retries = 2
	e := New(cfg, nil)

	_, err := e.Evaluate(context.Background(), Target{Key: "flaky", URL: srv.URL}, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEvaluateBatchUsesMedianReference(t *testing.T) {
	// Three agreeing sources and one outlier: the outlier's deviation from
	// the batch median must cost it accuracy.
	agree1 := priceServer(t, `{"price": 100}`)
	agree2 := priceServer(t, `{"price": 101}`)
	agree3 := priceServer(t, `{"price": 99}`)
	outlier := priceServer(t, `{"price": 150}`)

	e := New(testConfig(), nil)
	vectors, errs := e.EvaluateBatch(context.Background(), []Target{
		{Key: "a", URL: agree1.URL},
		{Key: "b", URL: agree2.URL},
		{Key: "c", URL: agree3.URL},
		{Key: "x", URL: outlier.URL},
	})

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, vectors, 4)
	assert.Less(t, vectors["x"].Accuracy, vectors["a"].Accuracy)
	assert.Less(t, vectors["x"].Accuracy, vectors["c"].Accuracy)
}

func TestEvaluateBatchPartialFailure(t *testing.T) {
	good := priceServer(t, `{"price": 100}`)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(bad.Close)

	e := New(testConfig(), nil)
	vectors, errs := e.EvaluateBatch(context.Background(), []Target{
		{Key: "good", URL: good.URL},
		{Key: "bad", URL: bad.URL},
	})

	require.Contains(t, vectors, "good")
	assert.NotContains(t, vectors, "bad")
	assert.NoError(t, errs[0])
	var evalErr *ledger.EvaluationError
	assert.ErrorAs(t, errs[1], &evalErr)
}

func TestAvailabilityReflectsHistory(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"price": 100}`))
	}))
	t.Cleanup(srv.Close)

	e := New(testConfig(), nil)
	target := Target{Key: "wobbly", URL: srv.URL}
	ctx := context.Background()

	_, err := e.Evaluate(ctx, target, 0)
	require.NoError(t, err)

	fail.Store(true)
	_, err = e.Evaluate(ctx, target, 0)
	require.Error(t, err)

	fail.Store(false)
	v, err := e.Evaluate(ctx, target, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, v.Availability, 1e-9, "one failure out of three fetches")
}

func TestExtractPrice(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    float64
		wantErr bool
	}{
		{name: "price field", body: `{"price": 42.5}`, want: 42.5},
		{name: "last field", body: `{"last": 42.5}`, want: 42.5},
		{name: "usd field", body: `{"usd": 42.5}`, want: 42.5},
		{name: "uppercase USD", body: `{"USD": 42.5}`, want: 42.5},
		{name: "numeric string", body: `{"price": "42.5"}`, want: 42.5},
		{name: "nested data", body: `{"data": {"price": "67123.4"}}`, want: 67123.4},
		{name: "nested list", body: `{"result": [{"close": 42.5}]}`, want: 42.5},
		{name: "price wins over close", body: `{"close": 1, "price": 2}`, want: 2},
		{name: "nested branches resolve in key order", body: `{"z": {"price": 5}, "a": {"price": 3}}`, want: 3},
		{name: "no price", body: `{"volume": 42.5}`, wantErr: true},
		{name: "negative price", body: `{"price": -1}`, wantErr: true},
		{name: "not json", body: `<html></html>`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractPrice(strings.NewReader(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
