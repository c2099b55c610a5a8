package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/gomp/internal/bitcoin"
	"github.com/bardlex/gomp/internal/messaging"
	"github.com/bardlex/gomp/internal/rewards"
	"github.com/bardlex/gomp/internal/validation"
	"github.com/bardlex/gomp/internal/workgen"
	"github.com/bardlex/gomp/pkg/circuit"
	"github.com/bardlex/gomp/pkg/retry"
)

// RefreshWork fetches a new block template and installs it as the current
// job. Called on a timer and on every round closure.
// Broadcasts mining.notify to every authorized session; clean_jobs is
// whatever workgen.Generator decided (true when the previous-block
// reference changed).
func (c *Coordinator) RefreshWork(ctx context.Context) error {
	return c.refreshWork(ctx, false)
}

// refreshWork is RefreshWork with a forced clean_jobs override: a round
// closure abandons every outstanding job even when the template's
// previous-block reference has not moved yet.
func (c *Coordinator) refreshWork(ctx context.Context, forceClean bool) error {
	job, err := retry.DoWithResult(ctx, c.rpcRetry, func() (*workgen.Job, error) {
		return circuit.ExecuteWithResult(ctx, c.rpcBreaker, func() (*workgen.Job, error) {
			return c.work.GenerateJob(ctx)
		})
	})
	if err != nil {
		return fmt.Errorf("refresh work: %w", err)
	}

	c.broadcastJob(job, job.CleanJobs || forceClean)
	return nil
}

// broadcastJob pushes job to every authorized session's mining.notify. Must
// not be called while c.mu is held by the caller if it is also going to
// read c.sessions concurrently with OnSubmit; it takes its own lock.
func (c *Coordinator) broadcastJob(job *workgen.Job, cleanJobs bool) {
	c.mu.Lock()
	targets := make([]*sessionState, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s.authorized {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		c.notify().NotifyJob(s.id, job, s.extraNonce1, cleanJobs)
	}
	c.logger.LogJobDistribution(job.ID, job.Height, cleanJobs, len(targets))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events().PublishJob(ctx, messaging.JobEvent{
		JobID:        job.ID,
		PrevHash:     job.PrevHash,
		Coinb1:       job.CoinbasePrefixHex,
		Coinb2:       job.CoinbaseSuffixHex,
		MerkleBranch: job.MerkleBranch,
		Version:      job.Version,
		NBits:        job.NBits,
		NTime:        job.NTime,
		CleanJobs:    cleanJobs,
		BlockHeight:  job.Height,
		CreatedAt:    job.CreatedAt,
	}); err != nil {
		c.logger.WithError(err).Debug("job event publish failed", "job_id", job.ID)
	}
}

// handleBlockCandidate runs the block-submission path for a share already
// recorded as a block. Runs after OnSubmit releases the coordinator lock.
func (c *Coordinator) handleBlockCandidate(ctx context.Context, candidate validation.Candidate, finderMinerID int64) {
	job := c.work.Current()
	if job == nil || job.ID != candidate.JobID {
		found, ok := c.work.Lookup(candidate.JobID)
		if !ok {
			c.logger.Warn("block candidate referenced an unknown job", "job_id", candidate.JobID)
			return
		}
		job = found
	}

	coinbaseTx, err := workgen.AssembleCoinbaseTx(job, candidate.ExtraNonce1, candidate.ExtraNonce2)
	if err != nil {
		c.logger.WithError(err).Error("assemble coinbase for block candidate failed")
		return
	}

	block, blockHex, err := bitcoin.ReconstructBlock(job.Template, coinbaseTx, candidate.ExtraNonce2, candidate.NTime, candidate.Nonce)
	if err != nil {
		c.logger.WithError(err).Error("reconstruct block failed")
		c.closeRoundAndAdvance(ctx, job, "", 0, 0)
		return
	}

	submitErr := retry.Do(ctx, c.rpcRetry, func() error {
		return c.rpcBreaker.Execute(ctx, func() error {
			return c.rpc.SubmitBlock(ctx, blockHex)
		})
	})

	blockHash := block.BlockHash().String()
	if submitErr != nil {
		c.logger.WithError(submitErr).Error("submit block rejected by full node")
		// On failure the round's block hash stays empty but a fresh
		// round and job still start; staying on a dead template would
		// strand every connected miner.
		c.closeRoundAndAdvance(ctx, job, "", 0, 0)
		return
	}

	var blockReward int64
	if job.Template.CoinbaseValue != nil {
		blockReward = *job.Template.CoinbaseValue
	}
	c.logger.LogBlockFound(blockHash, job.Height, "", "", float64(candidate.WorkerDifficulty))
	c.distributeReward(finderMinerID, blockReward)
	c.closeRoundAndAdvance(ctx, job, blockHash, blockReward, finderMinerID)
}

// closeRoundAndAdvance closes the current round (recording height, hash and
// reward; hash empty on a submission failure) and immediately fetches a
// fresh job so the pool never idles on a completed round's template.
func (c *Coordinator) closeRoundAndAdvance(ctx context.Context, job *workgen.Job, blockHash string, blockReward, finderMinerID int64) {
	closed := c.store.CloseRound(job.Height, blockHash, blockReward, finderMinerID)

	if err := c.events().PublishBlock(ctx, messaging.BlockEvent{
		RoundID:       closed.ID,
		BlockHeight:   closed.BlockHeight,
		BlockHash:     closed.BlockHash,
		BlockReward:   closed.BlockReward,
		FinderMinerID: closed.FinderMinerID,
		Accepted:      closed.BlockHash != "",
		FoundAt:       closed.EndedAt,
	}); err != nil {
		c.logger.WithError(err).Debug("block event publish failed", "height", closed.BlockHeight)
	}

	if err := c.refreshWork(ctx, true); err != nil {
		c.logger.WithError(err).Error("refresh work after round closure failed")
	}
}

// distributeReward splits a found block's reward using the configured
// payout method and credits each miner's unpaid balance. The pool's cut is
// simply never credited to any miner.
func (c *Coordinator) distributeReward(finderMinerID int64, blockReward int64) {
	_, net := rewards.Fee(blockReward, c.cfg.PoolFeePercent)

	var payouts map[int64]int64
	switch c.cfg.PayoutMethod {
	case PayoutPPS:
		networkDifficulty := c.networkDifficulty()
		payouts = rewards.PPS(c.recentShareRecords(c.cfg.PPLNSWindow), networkDifficulty, net)
	case PayoutProportional:
		payouts = rewards.Proportional(c.roundShareRecords(), net)
	case PayoutSolo:
		payouts = rewards.SOLO(finderMinerID, net)
	default: // PPLNS
		payouts = rewards.PPLNS(c.recentShareRecords(c.cfg.PPLNSWindow), c.cfg.PPLNSWindow, net)
	}

	for minerID, amount := range payouts {
		if amount > 0 {
			c.store.CreditUnpaid(minerID, amount)
		}
	}
}

// recentShareRecords projects the store's global recent-shares ring into
// the reward calculators' input shape.
func (c *Coordinator) recentShareRecords(n int) []rewards.ShareRecord {
	shares := c.store.RecentShares(n)
	out := make([]rewards.ShareRecord, len(shares))
	for i, s := range shares {
		out[i] = rewards.ShareRecord{MinerID: s.MinerID, Valid: s.Valid, Difficulty: s.Difficulty}
	}
	return out
}

// roundShareRecords reconstructs one ShareRecord per valid share tallied
// against the round just closed. The round register keeps only a per-miner
// count, not individual Share rows, which is exactly what Proportional's
// count-weighted split needs.
func (c *Coordinator) roundShareRecords() []rewards.ShareRecord {
	round := c.store.GetCurrentRound()
	var out []rewards.ShareRecord
	for minerID, count := range round.MinerTally {
		for i := int64(0); i < count; i++ {
			out = append(out, rewards.ShareRecord{MinerID: minerID, Valid: true})
		}
	}
	return out
}

// networkDifficulty asks the full node for the current network difficulty,
// falling back to 1 (making PPS degenerate to crediting every valid share
// equally) if the call fails rather than blocking the payout path on it.
func (c *Coordinator) networkDifficulty() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, err := c.rpc.GetDifficulty(ctx)
	if err != nil || d <= 0 {
		return 1
	}
	return int64(d)
}
