// Package evaluator scores live data sources. It fetches a source's price
// endpoint over HTTP, measures the fetch, and derives the 7-dimensional
// feature vector that clustering runs on. Accuracy needs a reference price
// to measure deviation against, so batch evaluation scores a whole category
// at once and uses the batch median as the reference.
package evaluator

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/cairn-oracle/cairn/pkg/ledger"
	"github.com/cairn-oracle/cairn/pkg/workerpool"
)

const (
	// deviationDecay shapes the accuracy curve: a 20% deviation from the
	// reference price scores roughly 0.6, keeping good sources from all
	// saturating at the top.
	deviationDecay = 5.0

	// accuracyCeiling leaves headroom so identical prices do not collapse
	// into indistinguishable perfect scores.
	accuracyCeiling = 0.995

	// latencyFullMarksMs is the response time beyond which the latency
	// score reaches zero.
	latencyFullMarksMs = 5000.0

	// freshnessFullMarksMs is the data age beyond which the update
	// frequency score reaches zero.
	freshnessFullMarksMs = 60000.0

	historyLen = 20
)

// Config controls fetch behavior and batch parallelism.
type Config struct {
	Timeout     time.Duration
	Retries     int
	Concurrency int
	RatePerSec  int
}

// Target identifies one source to evaluate.
type Target struct {
	Key string
	URL string
}

// history is the per-source rolling window feeding the availability and
// stability dimensions.
type history struct {
	successes  []bool
	latencies  []float64
	deviations []float64
}

func (h *history) push(success bool, latencyMs, deviation float64) {
	h.successes = appendBounded(h.successes, success)
	if success {
		h.latencies = appendBounded(h.latencies, latencyMs)
		h.deviations = appendBounded(h.deviations, deviation)
	}
}

func appendBounded[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > historyLen {
		s = s[len(s)-historyLen:]
	}
	return s
}

// Evaluator fetches and scores data sources. Safe for concurrent use.
type Evaluator struct {
	cfg     Config
	client  *http.Client
	limiter ratelimit.Limiter
	logger  *zap.Logger

	mu        sync.Mutex
	histories map[string]*history
}

// New returns an evaluator with the given fetch configuration. Zero config
// fields fall back to defaults.
func New(cfg Config, logger *zap.Logger) *Evaluator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.RatePerSec < 1 {
		cfg.RatePerSec = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   ratelimit.New(cfg.RatePerSec),
		logger:    logger.Named("evaluator"),
		histories: make(map[string]*history),
	}
}

// Evaluate fetches and scores a single source. reference is the category's
// reference price; pass 0 when none is known, which scores accuracy on the
// fetch alone. Fetch failure after retries returns an *ledger.EvaluationError.
func (e *Evaluator) Evaluate(ctx context.Context, target Target, reference float64) (ledger.FeatureVector, error) {
	sample, err := e.fetch(ctx, target)
	e.record(target.Key, sample, reference)
	if err != nil {
		return ledger.FeatureVector{}, err
	}
	vector := e.score(target.Key, sample, reference)
	e.logger.Debug("source evaluated",
		zap.String("key", target.Key),
		zap.Float64("price", sample.price),
		zap.Float64("latency_ms", sample.latencyMs),
		zap.Float64("score", vector.WeightedScore()))
	return vector, nil
}

// EvaluateBatch fetches every target concurrently, derives the reference
// price as the median of the successful fetches, and scores each source
// against it. The returned map holds a vector per succeeded key; errs is
// index-aligned with targets and carries an *ledger.EvaluationError per
// failed fetch.
func (e *Evaluator) EvaluateBatch(ctx context.Context, targets []Target) (map[string]ledger.FeatureVector, []error) {
	samples, errs := workerpool.Map(ctx, e.cfg.Concurrency, targets,
		func(ctx context.Context, t Target) (sample, error) {
			return e.fetch(ctx, t)
		})

	var prices []float64
	for i := range samples {
		if errs[i] == nil {
			prices = append(prices, samples[i].price)
		}
	}
	reference := median(prices)

	vectors := make(map[string]ledger.FeatureVector, len(prices))
	for i, t := range targets {
		e.record(t.Key, samples[i], reference)
		if errs[i] != nil {
			e.logger.Warn("source fetch failed",
				zap.String("key", t.Key),
				zap.Error(errs[i]))
			continue
		}
		vectors[t.Key] = e.score(t.Key, samples[i], reference)
	}
	return vectors, errs
}

type sample struct {
	price     float64
	latencyMs float64
	ageMs     float64 // server-reported data age; negative when unknown
	ok        bool
}

// fetch retrieves and parses the price once per attempt, retrying with a
// short linear backoff.
func (e *Evaluator) fetch(ctx context.Context, target Target) (sample, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return sample{}, &ledger.EvaluationError{URL: target.URL, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		e.limiter.Take()

		s, err := e.fetchOnce(ctx, target.URL)
		if err == nil {
			return s, nil
		}
		lastErr = err
	}
	return sample{}, &ledger.EvaluationError{URL: target.URL, Err: lastErr}
}

func (e *Evaluator) fetchOnce(ctx context.Context, url string) (sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return sample{}, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return sample{}, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return sample{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	price, err := extractPrice(resp.Body)
	if err != nil {
		return sample{}, err
	}

	ageMs := -1.0
	if date, derr := http.ParseTime(resp.Header.Get("Date")); derr == nil {
		ageMs = float64(time.Since(date).Milliseconds())
		if ageMs < 0 {
			ageMs = 0
		}
	}
	return sample{
		price:     price,
		latencyMs: float64(latency.Milliseconds()),
		ageMs:     ageMs,
		ok:        true,
	}, nil
}

// record folds one fetch outcome into the source's rolling history.
func (e *Evaluator) record(key string, s sample, reference float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.histories[key]
	if !ok {
		h = &history{}
		e.histories[key] = h
	}
	h.push(s.ok, s.latencyMs, deviationRatio(s.price, reference))
}

// score derives the feature vector from the sample and the source's history.
func (e *Evaluator) score(key string, s sample, reference float64) ledger.FeatureVector {
	deviation := deviationRatio(s.price, reference)
	accuracy := math.Min(accuracyCeiling, accuracyCeiling*math.Exp(-deviationDecay*deviation))

	freshness := 0.5
	if s.ageMs >= 0 {
		freshness = clamp01(1.0 - s.ageMs/freshnessFullMarksMs)
	}

	e.mu.Lock()
	h := e.histories[key]
	availability := successRate(h.successes)
	stability := stabilityScore(h.latencies, h.deviations)
	e.mu.Unlock()

	return ledger.FeatureVector{
		Accuracy:        accuracy,
		Availability:    availability,
		Latency:         clamp01(1.0 - s.latencyMs/latencyFullMarksMs),
		UpdateFrequency: freshness,
		Completeness:    1.0,
		ErrorRate:       1.0,
		Stability:       stability,
	}
}

func deviationRatio(price, reference float64) float64 {
	if reference <= 0 {
		return 0
	}
	return math.Abs(price-reference) / reference
}

func successRate(successes []bool) float64 {
	if len(successes) == 0 {
		return 1.0
	}
	var n int
	for _, ok := range successes {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(successes))
}

// stabilityScore uses the coefficient of variation of the latency history,
// falling back to the deviation history and then to a neutral 0.5 when there
// is not enough data to judge.
func stabilityScore(latencies, deviations []float64) float64 {
	if cv, ok := coefficientOfVariation(latencies); ok {
		return clamp01(1.0 - cv)
	}
	if cv, ok := coefficientOfVariation(deviations); ok {
		return clamp01(1.0 - cv)
	}
	return 0.5
}

func coefficientOfVariation(vals []float64) (float64, bool) {
	if len(vals) < 3 {
		return 0, false
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	if mean <= 0 {
		return 0, false
	}
	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	return math.Sqrt(variance) / mean, true
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}
