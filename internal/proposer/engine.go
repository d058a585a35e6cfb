// Package proposer implements the voting role. A proposer never touches the
// chain: it scans the mailbox for open proposals, forms its own opinion of
// each and records at most one approval vote per proposal. Commit is the
// miner's job.
package proposer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cairn-oracle/cairn/internal/evaluator"
	"github.com/cairn-oracle/cairn/internal/mailbox"
	"github.com/cairn-oracle/cairn/pkg/ledger"
)

// Engine is one proposer process's poll loop.
type Engine struct {
	cfg     Config
	mailbox *mailbox.Mailbox
	eval    *evaluator.Evaluator
	logger  *zap.Logger
}

// Config is the subset of node configuration a proposer needs.
type Config struct {
	NodeID string
	Poll   time.Duration
}

// New returns a proposer engine.
func New(cfg Config, mb *mailbox.Mailbox, eval *evaluator.Evaluator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		mailbox: mb,
		eval:    eval,
		logger:  logger.Named("proposer"),
	}
}

// Run polls until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("proposer ready", zap.String("node_id", e.cfg.NodeID))
	ticker := time.NewTicker(e.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("proposer stopping")
			return nil
		case <-ticker.C:
			if err := e.Cycle(ctx); err != nil {
				e.logger.Error("cycle failed", zap.Error(err))
			}
		}
	}
}

// Cycle scans the open proposals and votes on every one this proposer has
// not voted on yet.
func (e *Engine) Cycle(ctx context.Context) error {
	open, err := e.mailbox.List(ledger.ProposalOpen)
	if err != nil {
		return fmt.Errorf("listing open proposals: %w", err)
	}
	for _, p := range open {
		voted, err := e.mailbox.HasVoted(p.ID, e.cfg.NodeID)
		if err != nil {
			return err
		}
		if voted {
			continue
		}
		if err := e.consider(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// consider forms an opinion on one proposal. Approval is a vote; any
// objection is simply not voting, which lets the proposal expire if enough
// peers agree.
func (e *Engine) consider(ctx context.Context, p *ledger.Proposal) error {
	switch p.Kind {
	case ledger.KindCluster:
		// Re-tiering is deterministic from on-chain state, so there is
		// nothing to independently verify; acknowledge.
		return e.vote(p, "cluster ack")

	case ledger.KindAdd:
		if p.Features != nil {
			if err := p.Features.Validate(); err != nil {
				e.logger.Warn("withholding vote, proposal vector invalid",
					zap.String("proposal_id", p.ID),
					zap.String("key", p.Key),
					zap.Error(err))
				return nil
			}
			return e.vote(p, "vector verified")
		}

		// No vector supplied: the source has to answer for itself.
		if _, err := e.eval.Evaluate(ctx, evaluator.Target{Key: p.Key, URL: p.URL}, 0); err != nil {
			var evalErr *ledger.EvaluationError
			if errors.As(err, &evalErr) {
				e.logger.Info("withholding vote, source unreachable",
					zap.String("proposal_id", p.ID),
					zap.String("key", p.Key),
					zap.String("url", evalErr.URL),
					zap.Error(evalErr.Err))
				return nil
			}
			return err
		}
		return e.vote(p, "source evaluated")

	default:
		e.logger.Warn("ignoring proposal of unknown kind",
			zap.String("proposal_id", p.ID),
			zap.String("kind", string(p.Kind)))
		return nil
	}
}

func (e *Engine) vote(p *ledger.Proposal, reason string) error {
	err := e.mailbox.Vote(p.ID, e.cfg.NodeID)
	if ledger.IsNotFound(err) {
		// Resolved between scan and vote; the miner got there first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("voting on %s: %w", p.ID, err)
	}
	e.logger.Info("voted",
		zap.String("proposal_id", p.ID),
		zap.String("kind", string(p.Kind)),
		zap.String("key", p.Key),
		zap.String("reason", reason))
	return nil
}

// ProposeAdd submits an ADD proposal for a new source and casts this
// proposer's own vote on it. A nil features vector leaves evaluation to the
// miner at commit time.
func (e *Engine) ProposeAdd(key, category, url string, features *ledger.FeatureVector) (string, error) {
	id, err := e.mailbox.Submit(&ledger.Proposal{
		Kind:     ledger.KindAdd,
		Key:      key,
		Category: category,
		URL:      url,
		Features: features,
		Creator:  e.cfg.NodeID,
	})
	if err != nil {
		return "", err
	}
	if err := e.mailbox.Vote(id, e.cfg.NodeID); err != nil {
		return "", err
	}
	return id, nil
}
