// Package cluster assigns quality tiers to data sources with a deterministic
// k-means over the weighted 7-dimensional feature space. Determinism is the
// point: given the same feature set, every node computes the same tiers, so
// tier assignment never needs its own round of consensus.
package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cairn-oracle/cairn/pkg/ledger"
)

// DefaultMaxIterations bounds the Lloyd iteration loop.
const DefaultMaxIterations = 100

// Point is one source's input to clustering. UpdatedAtMs drives staleness
// ordering in sample mode.
type Point struct {
	Key         string
	Vector      ledger.FeatureVector
	UpdatedAtMs int64
}

// Result is a complete tier assignment.
type Result struct {
	// Tiers maps every input key to its assigned tier.
	Tiers map[string]ledger.Tier

	// Fingerprint identifies the feature set the assignment was computed
	// from. Same fingerprint, same Tiers.
	Fingerprint string

	// Clusters is the number of non-empty clusters the assignment used.
	Clusters int

	Iterations int

	// Converged is false when the iteration cap was hit before assignments
	// stabilized. The result is still usable; the flag is surfaced so the
	// miner can log it.
	Converged bool
}

type vec [ledger.FeatureDimensions]float64

func sub(a, b vec) vec {
	for i := range a {
		a[i] -= b[i]
	}
	return a
}

func dist2(a, b vec) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func scoreOf(v vec) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum
}

// ComputeTiers clusters the given points into at most k quality groups and
// labels the groups A+ through D, best first. If sampleSize is positive and
// smaller than the input, centroids are fitted on the sampleSize most stale
// points only and the remainder is assigned to the nearest fitted centroid.
//
// The whole computation is deterministic: seeding interpolates between the
// worst and best weighted vectors, distance ties resolve to the lower
// centroid index, and cluster ranking ties resolve by smallest member key.
func ComputeTiers(points []Point, k, sampleSize int) (*Result, error) {
	if k < 1 {
		return nil, fmt.Errorf("cluster count must be at least 1, got %d", k)
	}
	if k > len(ledger.TierOrder) {
		return nil, fmt.Errorf("cluster count %d exceeds the %d tiers", k, len(ledger.TierOrder))
	}
	res := &Result{
		Tiers:       make(map[string]ledger.Tier, len(points)),
		Fingerprint: Fingerprint(points),
		Converged:   true,
	}
	if len(points) == 0 {
		return res, nil
	}

	// Weighted space, sorted worst to best. The sort only drives seeding and
	// tie-breaks; assignment order never affects the outcome.
	pts := make([]Point, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool {
		si, sj := pts[i].Vector.WeightedScore(), pts[j].Vector.WeightedScore()
		if si != sj {
			return si < sj
		}
		return pts[i].Key < pts[j].Key
	})
	weighted := make([]vec, len(pts))
	for i, p := range pts {
		weighted[i] = p.Vector.Weighted()
	}

	fit := len(pts)
	if sampleSize > 0 && sampleSize < len(pts) {
		fit = sampleSize
	}
	fitIdx := fitIndices(pts, fit)

	// A cluster per distinct vector is the most the data can support.
	distinct := make(map[vec]struct{}, len(fitIdx))
	for _, i := range fitIdx {
		distinct[weighted[i]] = struct{}{}
	}
	shrunk := false
	if len(distinct) < k {
		k = len(distinct)
		shrunk = true
	}

	centroids := seedCentroids(weighted, fitIdx, k)
	assign := make([]int, len(pts))
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < DefaultMaxIterations; iter++ {
		res.Iterations = iter + 1
		changed := false
		for _, i := range fitIdx {
			c := nearest(weighted[i], centroids)
			if assign[i] != c {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		if iter == DefaultMaxIterations-1 {
			res.Converged = false
			break
		}
		// Mean of members; an empty cluster keeps its centroid.
		sums := make([]vec, k)
		counts := make([]int, k)
		for _, i := range fitIdx {
			c := assign[i]
			for d := range sums[c] {
				sums[c][d] += weighted[i][d]
			}
			counts[c]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = sums[c][d] / float64(counts[c])
			}
		}
	}

	// Sample mode: the points left out of fitting join the nearest centroid
	// without moving it.
	for i := range pts {
		if assign[i] < 0 {
			assign[i] = nearest(weighted[i], centroids)
		}
	}

	members := make([][]int, k)
	for i, c := range assign {
		members[c] = append(members[c], i)
	}
	labels := labelClusters(centroids, members, pts, shrunk)
	res.Clusters = len(labels)
	for c, tier := range labels {
		for _, i := range members[c] {
			res.Tiers[pts[i].Key] = tier
		}
	}
	return res, nil
}

// fitIndices selects which points participate in centroid fitting: all of
// them, or the fit most stale ones in sample mode.
func fitIndices(pts []Point, fit int) []int {
	idx := make([]int, len(pts))
	for i := range idx {
		idx[i] = i
	}
	if fit >= len(pts) {
		return idx
	}
	sort.Slice(idx, func(a, b int) bool {
		pi, pj := pts[idx[a]], pts[idx[b]]
		if pi.UpdatedAtMs != pj.UpdatedAtMs {
			return pi.UpdatedAtMs < pj.UpdatedAtMs
		}
		return pi.Key < pj.Key
	})
	return idx[:fit]
}

// seedCentroids spreads k seeds linearly between the worst and best weighted
// vectors among the fitted points. weighted is sorted worst to best, so the
// extremes are the lowest and highest fitted indices.
func seedCentroids(weighted []vec, fitIdx []int, k int) []vec {
	lo, hi := fitIdx[0], fitIdx[0]
	for _, i := range fitIdx {
		if i < lo {
			lo = i
		}
		if i > hi {
			hi = i
		}
	}
	vMin, vMax := weighted[lo], weighted[hi]
	seeds := make([]vec, k)
	if k == 1 {
		seeds[0] = vMin
		return seeds
	}
	span := sub(vMax, vMin)
	for i := range seeds {
		t := float64(i) / float64(k-1)
		for d := range seeds[i] {
			seeds[i][d] = vMin[d] + span[d]*t
		}
	}
	return seeds
}

// nearest returns the index of the closest centroid, preferring the lower
// index on exact ties.
func nearest(v vec, centroids []vec) int {
	best, bestD := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := dist2(v, centroid); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

// labelClusters maps each non-empty cluster to a tier. Clusters rank by
// centroid quality, best first; the best and worst clusters always take A+
// and D respectively and the rest spread proportionally between them. When k
// was shrunk to the distinct-vector count, labels instead run contiguously
// from A+ down, since the data cannot fill the full range. Empty clusters
// (seeds no point landed on) get no label.
func labelClusters(centroids []vec, members [][]int, pts []Point, shrunk bool) map[int]ledger.Tier {
	type ranked struct {
		cluster int
		score   float64
		minKey  string
	}
	var order []ranked
	for c, m := range members {
		if len(m) == 0 {
			continue
		}
		minKey := pts[m[0]].Key
		for _, i := range m[1:] {
			if pts[i].Key < minKey {
				minKey = pts[i].Key
			}
		}
		order = append(order, ranked{cluster: c, score: scoreOf(centroids[c]), minKey: minKey})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].minKey < order[j].minKey
	})

	labels := make(map[int]ledger.Tier, len(order))
	m := len(order)
	span := len(ledger.TierOrder) - 1
	for rank, r := range order {
		var idx int
		switch {
		case m == 1:
			idx = 0
		case shrunk:
			idx = rank
		default:
			idx = int(math.Round(float64(rank*span) / float64(m-1)))
		}
		labels[r.cluster] = ledger.TierOrder[idx]
	}
	return labels
}

// Fingerprint derives an order-independent identity for a feature set. Two
// point slices with the same keys and vectors fingerprint identically no
// matter how they are ordered, which is what lets the miner skip a recompute
// when nothing changed.
func Fingerprint(points []Point) string {
	lines := make([]string, len(points))
	for i, p := range points {
		var b strings.Builder
		b.WriteString(p.Key)
		for _, v := range p.Vector.Dims() {
			fmt.Fprintf(&b, ":%.9f", v)
		}
		lines[i] = b.String()
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// PointsFromTable extracts clustering inputs from the master table.
func PointsFromTable(table *ledger.MasterTable) []Point {
	points := make([]Point, 0, len(table.Sources))
	for key, entry := range table.Sources {
		points = append(points, Point{
			Key:         key,
			Vector:      entry.Vector,
			UpdatedAtMs: entry.UpdatedAtMs,
		})
	}
	return points
}
