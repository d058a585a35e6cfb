// Package miner implements the commit role: the single process that turns
// quorum-approved proposals into blocks. Proposers only ever write votes;
// everything that touches the chain and the master table goes through one
// miner, which is what keeps appends ordered without distributed locking.
package miner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cairn-oracle/cairn/internal/cluster"
	"github.com/cairn-oracle/cairn/internal/clustercache"
	"github.com/cairn-oracle/cairn/internal/config"
	"github.com/cairn-oracle/cairn/internal/evaluator"
	"github.com/cairn-oracle/cairn/internal/mailbox"
	"github.com/cairn-oracle/cairn/internal/store"
	"github.com/cairn-oracle/cairn/pkg/ledger"
)

// Engine polls the mailbox, commits ready proposals and runs the periodic
// maintenance cycle. Not safe for concurrent use; run exactly one.
type Engine struct {
	cfg     *config.Config
	store   *store.Store
	mailbox *mailbox.Mailbox
	cache   clustercache.Cache
	eval    *evaluator.Evaluator
	logger  *zap.Logger

	chain []ledger.Block
	table *ledger.MasterTable

	lastMaintenance time.Time
}

// New verifies the persisted chain, rebuilds the master table from it and
// reconciles the persisted table against the rebuild. A chain that fails
// hash-link verification is fatal; a diverged master table is repaired by
// trusting the chain.
func New(cfg *config.Config, st *store.Store, mb *mailbox.Mailbox, cache clustercache.Cache, eval *evaluator.Evaluator, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("miner")

	chain, err := st.VerifyChain()
	if err != nil {
		return nil, fmt.Errorf("startup chain verification: %w", err)
	}
	rebuilt, err := ledger.Replay(chain)
	if err != nil {
		return nil, fmt.Errorf("startup chain replay: %w", err)
	}
	persisted, err := st.ReadMasterTable()
	if err != nil {
		return nil, fmt.Errorf("reading master table: %w", err)
	}
	if !rebuilt.Equal(persisted) {
		logger.Warn("master table diverged from chain, repairing from replay",
			zap.Int("chain_height", rebuilt.Height),
			zap.Int("table_height", persisted.Height))
		if err := st.WriteMasterTable(rebuilt); err != nil {
			return nil, fmt.Errorf("repairing master table: %w", err)
		}
	}
	logger.Info("miner ready",
		zap.String("node_id", cfg.NodeID),
		zap.Int("chain_height", rebuilt.Height),
		zap.Int("sources", len(rebuilt.Sources)),
		zap.Int("quorum", cfg.Quorum))

	return &Engine{
		cfg:             cfg,
		store:           st,
		mailbox:         mb,
		cache:           cache,
		eval:            eval,
		logger:          logger,
		chain:           chain,
		table:           rebuilt,
		lastMaintenance: time.Now(),
	}, nil
}

// Table returns the current master table.
func (e *Engine) Table() *ledger.MasterTable {
	return e.table
}

// Run polls until the context is cancelled. Cycle errors are logged and the
// loop continues; only chain corruption stops the miner.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.MinerPoll.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("miner stopping")
			return nil
		case <-ticker.C:
			if err := e.Cycle(ctx); err != nil {
				if errors.Is(err, ledger.ErrChainCorrupt) {
					return err
				}
				e.logger.Error("cycle failed", zap.Error(err))
			}
		}
	}
}

// Cycle runs one poll iteration: expire stale proposals, commit every
// proposal that reached quorum, then maintenance if it is due.
func (e *Engine) Cycle(ctx context.Context) error {
	expired, err := e.mailbox.ExpireStale(e.cfg.ProposalExpiry.Std())
	if err != nil {
		return fmt.Errorf("expiring stale proposals: %w", err)
	}
	for _, id := range expired {
		e.logger.Info("proposal expired without quorum", zap.String("proposal_id", id))
	}

	open, err := e.mailbox.List(ledger.ProposalOpen)
	if err != nil {
		return fmt.Errorf("listing open proposals: %w", err)
	}
	for _, p := range open {
		count, approvals, err := e.mailbox.Tally(p.ID)
		if err != nil {
			return fmt.Errorf("tallying %s: %w", p.ID, err)
		}
		if count < e.cfg.Quorum {
			continue
		}
		if err := e.commit(ctx, p, approvals); err != nil {
			var evalErr *ledger.EvaluationError
			if errors.As(err, &evalErr) {
				// The source could not be scored right now. The proposal
				// stays open and is retried next cycle until it expires.
				e.logger.Warn("commit deferred, evaluation failed",
					zap.String("proposal_id", p.ID),
					zap.String("url", evalErr.URL),
					zap.Error(evalErr.Err))
				continue
			}
			return fmt.Errorf("committing %s: %w", p.ID, err)
		}
	}

	if time.Since(e.lastMaintenance) >= e.cfg.MaintenanceInterval.Std() {
		if err := e.maintain(ctx); err != nil {
			e.logger.Error("maintenance failed", zap.Error(err))
		}
		e.lastMaintenance = time.Now()
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, p *ledger.Proposal, approvals []string) error {
	switch p.Kind {
	case ledger.KindAdd:
		return e.commitAdd(ctx, p, approvals)
	case ledger.KindCluster:
		return e.commitCluster(ctx, p, approvals)
	default:
		return fmt.Errorf("unknown proposal kind: %q", p.Kind)
	}
}

func (e *Engine) commitAdd(ctx context.Context, p *ledger.Proposal, approvals []string) error {
	if _, exists := e.table.Sources[p.Key]; exists {
		e.logger.Warn("source already active, expiring duplicate proposal",
			zap.String("proposal_id", p.ID),
			zap.String("key", p.Key))
		return e.mailbox.Expire(p.ID)
	}

	var vector ledger.FeatureVector
	if p.Features != nil {
		vector = *p.Features
	} else {
		v, err := e.eval.Evaluate(ctx, evaluator.Target{Key: p.Key, URL: p.URL}, 0)
		if err != nil {
			return err
		}
		vector = v
	}

	points := append(cluster.PointsFromTable(e.table), cluster.Point{
		Key:         p.Key,
		Vector:      vector,
		UpdatedAtMs: ledger.NowMs(),
	})
	tiers, fingerprint, err := e.tiersFor(ctx, points, e.cfg.SampleSize)
	if err != nil {
		return err
	}
	tier := tiers[p.Key]

	block := e.buildBlock(p.ID, approvals, ledger.BlockDelta{
		Type: ledger.DeltaAdd,
		Source: &ledger.DataSource{
			Key:         p.Key,
			Category:    p.Category,
			URL:         p.URL,
			Vector:      vector,
			Tier:        tier,
			Status:      ledger.SourceActive,
			CreatedBy:   p.Creator,
			CreatedAtMs: p.CreatedAtMs,
		},
	})
	if err := e.append(block); err != nil {
		return err
	}
	if err := e.mailbox.MarkCommitted(p.ID, block.Index, tier); err != nil {
		return err
	}
	e.logger.Info("source added",
		zap.String("key", p.Key),
		zap.String("category", p.Category),
		zap.String("tier", string(tier)),
		zap.Int("block", block.Index),
		zap.String("fingerprint", fingerprint[:12]))
	return nil
}

func (e *Engine) commitCluster(ctx context.Context, p *ledger.Proposal, approvals []string) error {
	if len(e.table.Sources) == 0 {
		e.logger.Warn("no sources to cluster, expiring proposal",
			zap.String("proposal_id", p.ID))
		return e.mailbox.Expire(p.ID)
	}

	points := e.refreshedPoints(p.Refresh)
	sampleSize := p.SampleSize
	if sampleSize == 0 {
		sampleSize = e.cfg.SampleSize
	}
	tiers, fingerprint, err := e.tiersFor(ctx, points, sampleSize)
	if err != nil {
		return err
	}

	changes := make(map[string]ledger.TierChange)
	for key, tier := range tiers {
		if current := e.table.Sources[key].Tier; current != tier {
			changes[key] = ledger.TierChange{From: current, To: tier}
		}
	}

	block := e.buildBlock(p.ID, approvals, ledger.BlockDelta{
		Type:        ledger.DeltaCluster,
		TierChanges: changes,
		Vectors:     p.Refresh,
		Fingerprint: fingerprint,
	})
	if err := e.append(block); err != nil {
		return err
	}
	// Any assignment cached before this commit is stale now.
	if err := e.cache.Invalidate(ctx); err != nil {
		e.logger.Warn("cache invalidation failed", zap.Error(err))
	}
	if err := e.mailbox.MarkCommitted(p.ID, block.Index, ""); err != nil {
		return err
	}
	e.logger.Info("cluster committed",
		zap.Int("block", block.Index),
		zap.Int("tier_changes", len(changes)),
		zap.Int("refreshed", len(p.Refresh)),
		zap.String("fingerprint", fingerprint[:12]))
	return nil
}

// maintain refreshes the most stale source of each category and proposes a
// CLUSTER round when the refreshed features would change the assignment.
func (e *Engine) maintain(ctx context.Context) error {
	clusterID := ledger.ProposalID(ledger.KindCluster, ledger.ClusterKey)
	if pending, err := e.mailbox.Get(clusterID); err == nil && !pending.Resolved() {
		e.logger.Debug("cluster proposal still pending, skipping maintenance",
			zap.String("proposal_id", clusterID))
		return nil
	}
	if len(e.table.Sources) == 0 {
		return nil
	}

	refresh := make(map[string]ledger.FeatureVector)
	for category := range e.table.Rankings {
		key, vector, err := e.refreshStalest(ctx, category)
		if err != nil {
			var evalErr *ledger.EvaluationError
			if errors.As(err, &evalErr) {
				e.logger.Warn("maintenance refresh failed",
					zap.String("category", category),
					zap.String("url", evalErr.URL),
					zap.Error(evalErr.Err))
				continue
			}
			return err
		}
		refresh[key] = vector
	}
	if len(refresh) == 0 {
		return nil
	}

	points := e.refreshedPoints(refresh)
	fingerprint := cluster.Fingerprint(points)
	if fingerprint == e.table.LastFingerprint {
		e.logger.Info("feature set unchanged, skipping cluster proposal",
			zap.String("fingerprint", fingerprint[:12]))
		return nil
	}
	tiers, _, err := e.tiersFor(ctx, points, e.cfg.SampleSize)
	if err != nil {
		return err
	}
	changed := false
	for key, tier := range tiers {
		if e.table.Sources[key].Tier != tier {
			changed = true
			break
		}
	}
	if !changed {
		e.logger.Info("assignment unchanged after refresh, skipping cluster proposal",
			zap.Int("refreshed", len(refresh)))
		return nil
	}

	id, err := e.mailbox.Submit(&ledger.Proposal{
		Kind:       ledger.KindCluster,
		Key:        ledger.ClusterKey,
		SampleSize: e.cfg.SampleSize,
		Refresh:    refresh,
		Creator:    e.cfg.NodeID,
	})
	if err != nil {
		return fmt.Errorf("submitting cluster proposal: %w", err)
	}
	if err := e.mailbox.Vote(id, e.cfg.NodeID); err != nil {
		return fmt.Errorf("self-voting cluster proposal: %w", err)
	}
	e.logger.Info("cluster proposal submitted",
		zap.String("proposal_id", id),
		zap.Int("refreshed", len(refresh)))
	return nil
}

// refreshStalest re-evaluates the least recently updated source of a
// category. The whole category is fetched so the deviation reference is the
// category's own median price, but only the stalest source's vector is kept.
func (e *Engine) refreshStalest(ctx context.Context, category string) (string, ledger.FeatureVector, error) {
	var stalest string
	var targets []evaluator.Target
	for _, key := range e.table.Rankings[category] {
		entry := e.table.Sources[key]
		targets = append(targets, evaluator.Target{Key: key, URL: entry.URL})
		if stalest == "" || entry.UpdatedAtMs < e.table.Sources[stalest].UpdatedAtMs ||
			(entry.UpdatedAtMs == e.table.Sources[stalest].UpdatedAtMs && key < stalest) {
			stalest = key
		}
	}

	vectors, errs := e.eval.EvaluateBatch(ctx, targets)
	vector, ok := vectors[stalest]
	if !ok {
		for i, t := range targets {
			if t.Key == stalest {
				return "", ledger.FeatureVector{}, errs[i]
			}
		}
	}
	return stalest, vector, nil
}

// refreshedPoints builds the clustering input from the master table with the
// given vectors folded in as just-refreshed.
func (e *Engine) refreshedPoints(refresh map[string]ledger.FeatureVector) []cluster.Point {
	points := cluster.PointsFromTable(e.table)
	now := ledger.NowMs()
	for i := range points {
		if vector, ok := refresh[points[i].Key]; ok {
			points[i].Vector = vector
			points[i].UpdatedAtMs = now
		}
	}
	return points
}

// tiersFor returns the tier assignment for the given points, consulting the
// cluster cache by fingerprint before computing.
func (e *Engine) tiersFor(ctx context.Context, points []cluster.Point, sampleSize int) (map[string]ledger.Tier, string, error) {
	fingerprint := cluster.Fingerprint(points)
	if entry, err := e.cache.Get(ctx, fingerprint); err == nil {
		e.logger.Debug("cluster cache hit", zap.String("fingerprint", fingerprint[:12]))
		return entry.Tiers, fingerprint, nil
	} else if !ledger.IsNotFound(err) {
		e.logger.Warn("cluster cache read failed", zap.Error(err))
	}

	res, err := cluster.ComputeTiers(points, e.cfg.Clusters, sampleSize)
	if err != nil {
		return nil, "", fmt.Errorf("computing tiers: %w", err)
	}
	if !res.Converged {
		e.logger.Warn("clustering hit the iteration cap before converging",
			zap.Int("iterations", res.Iterations),
			zap.Int("sources", len(points)))
	}
	if err := e.cache.Put(ctx, fingerprint, res.Tiers); err != nil {
		e.logger.Warn("cluster cache write failed", zap.Error(err))
	}
	return res.Tiers, fingerprint, nil
}

func (e *Engine) buildBlock(proposalID string, approvals []string, delta ledger.BlockDelta) *ledger.Block {
	prev := ledger.GenesisHash
	if len(e.chain) > 0 {
		prev = e.chain[len(e.chain)-1].Hash
	}
	b := &ledger.Block{
		Index:       len(e.chain),
		TimestampMs: ledger.NowMs(),
		PrevHash:    prev,
		ProposalID:  proposalID,
		MinerID:     e.cfg.NodeID,
		Delta:       delta,
		Approvals:   approvals,
	}
	b.Seal()
	return b
}

// append applies the block to the in-memory table and persists both. A
// failed persist reloads memory from disk so the two never diverge.
func (e *Engine) append(block *ledger.Block) error {
	if err := e.table.Apply(block); err != nil {
		return fmt.Errorf("applying block %d: %w", block.Index, err)
	}
	if err := e.store.AppendBlock(block, e.table); err != nil {
		if reloadErr := e.reload(); reloadErr != nil {
			return errors.Join(err, reloadErr)
		}
		return err
	}
	e.chain = append(e.chain, *block)
	return nil
}

func (e *Engine) reload() error {
	chain, err := e.store.VerifyChain()
	if err != nil {
		return err
	}
	table, err := ledger.Replay(chain)
	if err != nil {
		return err
	}
	e.chain, e.table = chain, table
	return nil
}
