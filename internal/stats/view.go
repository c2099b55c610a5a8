// Package stats is the read-only aggregation layer over the entity store:
// pool and per-miner hashrate estimation, efficiency, luck, block and
// payment histories, and the current-round snapshot served to operator
// dashboards. Nothing here mutates pool state, and no value computed here
// ever flows back into reward accounting; hashrate and luck are display
// metrics, which is why they alone are allowed to be floating point.
package stats

import (
	"context"
	"sort"
	"time"

	"github.com/bardlex/gomp/internal/bitcoin"
	"github.com/bardlex/gomp/internal/poolstore"
	"github.com/bardlex/gomp/pkg/log"
)

// hashrateScale converts summed share difficulty into hashes: one share at
// difficulty 1 represents about 2^32 hashes of work.
const hashrateScale = 4294967296

// shareScanDepth matches the store's recent-shares ring capacity, so a
// stats scan sees the whole ring.
const shareScanDepth = 10000

// roundScanDepth bounds how much round history a block listing walks.
const roundScanDepth = 100

// rpcTimeout bounds the stats view's upstream calls so a slow full node
// degrades a dashboard number instead of hanging the query.
const rpcTimeout = 10 * time.Second

// View answers read-only statistics queries. All store reads within one
// method observe the store's own atomic snapshots; a round closure or
// balance transfer is either fully visible or not at all.
type View struct {
	store  *poolstore.Store
	rpc    bitcoin.RPCInterface
	logger *log.Logger

	startedAt       time.Time
	targetBlockTime time.Duration
	hashrateWindow  time.Duration
}

// Config carries the view's tunables.
type Config struct {
	// TargetBlockTime is the chain's block cadence, used for the luck
	// estimate. Zero means 10 minutes.
	TargetBlockTime time.Duration

	// HashrateWindow is how far back share difficulty is summed when
	// estimating hashrate. Zero means 10 minutes.
	HashrateWindow time.Duration
}

// New constructs the stats view. startedAt anchors the luck calculation;
// pass the server's start instant.
func New(store *poolstore.Store, rpc bitcoin.RPCInterface, cfg Config, startedAt time.Time, logger *log.Logger) *View {
	if cfg.TargetBlockTime <= 0 {
		cfg.TargetBlockTime = 10 * time.Minute
	}
	if cfg.HashrateWindow <= 0 {
		cfg.HashrateWindow = 10 * time.Minute
	}
	return &View{
		store:           store,
		rpc:             rpc,
		logger:          logger.WithComponent("stats"),
		startedAt:       startedAt,
		targetBlockTime: cfg.TargetBlockTime,
		hashrateWindow:  cfg.HashrateWindow,
	}
}

// PoolStats is the point-in-time pool summary.
type PoolStats struct {
	Hashrate          float64 `json:"hashrate"`
	NetworkDifficulty float64 `json:"network_difficulty"`
	NetworkHeight     int64   `json:"network_height"`
	ActiveMiners      int     `json:"active_miners"`
	ActiveWorkers     int     `json:"active_workers"`
	BlocksFound       int64   `json:"blocks_found"`
	TotalShares       int64   `json:"total_shares"`
	ValidSharesLast1h int64   `json:"valid_shares_last_1h"`
	ValidShares24h    int64   `json:"valid_shares_last_24h"`
	Efficiency        float64 `json:"efficiency"`
	Luck              float64 `json:"luck"`
}

// BlockStatus is a found block's confirmation tier.
type BlockStatus string

const (
	BlockPending    BlockStatus = "pending"
	BlockConfirming BlockStatus = "confirming"
	BlockConfirmed  BlockStatus = "confirmed"
	BlockOrphaned   BlockStatus = "orphaned"
)

// confirmedDepth is how many blocks deep a found block must be before it
// counts as confirmed.
const confirmedDepth = 100

// statusAtDepth derives the confirmation tier from chain depth. Orphan
// status is never computed here; an external reconciliation marks it in
// the store adapter when the recorded hash falls off the canonical chain.
func statusAtDepth(networkHeight, blockHeight int64) BlockStatus {
	depth := networkHeight - blockHeight
	switch {
	case depth < 1:
		return BlockPending
	case depth < confirmedDepth:
		return BlockConfirming
	default:
		return BlockConfirmed
	}
}

// BlockInfo is one found block in the recent-blocks listing.
type BlockInfo struct {
	Height        int64       `json:"height"`
	Hash          string      `json:"hash"`
	TimestampMS   int64       `json:"timestamp_ms"`
	FinderAddress string      `json:"finder_address"`
	Reward        int64       `json:"reward_base_units"`
	Status        BlockStatus `json:"status"`
}

// PaymentInfo is one payment in the recent-payments listing.
type PaymentInfo struct {
	PaymentID   int64  `json:"payment_id"`
	MinerID     int64  `json:"miner_id"`
	Address     string `json:"address"`
	Amount      int64  `json:"amount_base_units"`
	TxHash      string `json:"tx_hash"`
	TimestampMS int64  `json:"timestamp_ms"`
	IsConfirmed bool   `json:"is_confirmed"`
	Status      string `json:"status"`
}

// MinerStanding is one row of the top-miners leaderboard.
type MinerStanding struct {
	MinerID        int64   `json:"miner_id"`
	Address        string  `json:"address"`
	Hashrate       float64 `json:"hashrate"`
	AcceptedShares int64   `json:"accepted_shares"`
	Workers        int     `json:"workers"`
}

// WorkerStats is the per-address summary behind the worker_stats query.
type WorkerStats struct {
	Address        string  `json:"address"`
	Hashrate       float64 `json:"hashrate"`
	AcceptedShares int64   `json:"accepted_shares"`
	UnpaidBalance  int64   `json:"unpaid_balance"`
	PaidBalance    int64   `json:"paid_balance"`
}

// RoundSnapshot is the current round as the dashboard sees it.
type RoundSnapshot struct {
	RoundID         int64     `json:"round_id"`
	StartedAt       time.Time `json:"started_at"`
	SubmittedShares int64     `json:"submitted_shares"`
	Miners          int       `json:"miners"`
}

// PoolStats assembles the pool summary. Upstream failures degrade the
// network fields to zero rather than failing the whole query.
func (v *View) PoolStats(ctx context.Context) PoolStats {
	now := time.Now()

	networkDifficulty, networkHeight := v.networkState(ctx)

	recent := v.store.RecentShares(shareScanDepth)
	hashrate := v.hashrateOf(recent, func(poolstore.Share) bool { return true }, now)

	var totalShares, blocksFound int64
	for _, m := range v.store.AllMiners() {
		totalShares += m.AcceptedShares + m.RejectedShares
		blocksFound += m.BlocksFound
	}

	var valid1h, valid24h int64
	var recentValid, recentTotal int64
	for _, s := range recent {
		recentTotal++
		if !s.Valid {
			continue
		}
		recentValid++
		age := now.Sub(s.Timestamp)
		if age <= time.Hour {
			valid1h++
		}
		if age <= 24*time.Hour {
			valid24h++
		}
	}

	efficiency := 0.0
	if recentTotal > 0 {
		efficiency = float64(recentValid) / float64(recentTotal)
	}

	return PoolStats{
		Hashrate:          hashrate,
		NetworkDifficulty: networkDifficulty,
		NetworkHeight:     networkHeight,
		ActiveMiners:      v.store.ActiveMinerCount(now),
		ActiveWorkers:     v.store.ActiveWorkerCount(now),
		BlocksFound:       blocksFound,
		TotalShares:       totalShares,
		ValidSharesLast1h: valid1h,
		ValidShares24h:    valid24h,
		Efficiency:        efficiency,
		Luck:              v.luck(hashrate, networkDifficulty, blocksFound, now),
	}
}

// networkState fetches difficulty and height from the full node, degrading
// to zeros when it is unreachable.
func (v *View) networkState(ctx context.Context) (difficulty float64, height int64) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	difficulty, err := v.rpc.GetDifficulty(ctx)
	if err != nil {
		v.logger.WithError(err).Debug("network difficulty unavailable")
		difficulty = 0
	}
	height, err = v.rpc.GetBlockCount(ctx)
	if err != nil {
		v.logger.WithError(err).Debug("network height unavailable")
		height = 0
	}
	return difficulty, height
}

// hashrateOf estimates hashes per second from the valid shares matching
// keep inside the hashrate window: sum of share difficulty times 2^32 over
// the window's length in seconds.
func (v *View) hashrateOf(shares []poolstore.Share, keep func(poolstore.Share) bool, now time.Time) float64 {
	cutoff := now.Add(-v.hashrateWindow)
	var difficultySum int64
	for _, s := range shares {
		if !s.Valid || s.Timestamp.Before(cutoff) || !keep(s) {
			continue
		}
		difficultySum += s.Difficulty
	}
	if difficultySum == 0 {
		return 0
	}
	return float64(difficultySum) * hashrateScale / v.hashrateWindow.Seconds()
}

// luck is actual blocks over expected blocks since server start. Expected
// follows from the pool's share of network work: pool_hashrate * elapsed /
// (network_difficulty * 2^32).
func (v *View) luck(poolHashrate, networkDifficulty float64, actualBlocks int64, now time.Time) float64 {
	if networkDifficulty <= 0 || poolHashrate <= 0 {
		return 0
	}
	elapsed := now.Sub(v.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	expected := poolHashrate * elapsed / (networkDifficulty * hashrateScale)
	if expected <= 0 {
		return 0
	}
	return float64(actualBlocks) / expected
}

// PoolHashrate estimates the whole pool's current hashrate.
func (v *View) PoolHashrate() float64 {
	return v.hashrateOf(v.store.RecentShares(shareScanDepth), func(poolstore.Share) bool { return true }, time.Now())
}

// MinerHashrate estimates one miner's current hashrate from that miner's
// own slice of the share ring.
func (v *View) MinerHashrate(minerID int64) float64 {
	return v.hashrateOf(v.store.MinerShares(minerID, shareScanDepth), func(poolstore.Share) bool { return true }, time.Now())
}

// RecentBlocks lists the pool's found blocks, newest first, with their
// confirmation tier relative to the current network height. Rounds that
// closed without a successful block submission are skipped.
func (v *View) RecentBlocks(ctx context.Context, limit int) []BlockInfo {
	_, networkHeight := v.networkState(ctx)

	rounds := v.store.RoundHistory(roundScanDepth)
	blocks := make([]BlockInfo, 0, limit)
	for i := len(rounds) - 1; i >= 0 && (limit <= 0 || len(blocks) < limit); i-- {
		r := rounds[i]
		if r.BlockHash == "" {
			continue
		}
		finder := ""
		if m, ok := v.store.GetMiner(r.FinderMinerID); ok {
			finder = m.PayoutAddress
		}
		blocks = append(blocks, BlockInfo{
			Height:        r.BlockHeight,
			Hash:          r.BlockHash,
			TimestampMS:   r.EndedAt.UnixMilli(),
			FinderAddress: finder,
			Reward:        r.BlockReward,
			Status:        statusAtDepth(networkHeight, r.BlockHeight),
		})
	}
	return blocks
}

// RecentPayments lists payment intents, newest first.
func (v *View) RecentPayments(limit int) []PaymentInfo {
	payments := v.store.PaymentHistory(limit)
	out := make([]PaymentInfo, 0, len(payments))
	for i := len(payments) - 1; i >= 0; i-- {
		out = append(out, paymentInfo(payments[i]))
	}
	return out
}

// MinerPayments lists one miner's payment intents, newest first.
func (v *View) MinerPayments(minerID int64, limit int) []PaymentInfo {
	payments := v.store.MinerPayments(minerID, limit)
	out := make([]PaymentInfo, 0, len(payments))
	for i := len(payments) - 1; i >= 0; i-- {
		out = append(out, paymentInfo(payments[i]))
	}
	return out
}

func paymentInfo(p poolstore.Payment) PaymentInfo {
	return PaymentInfo{
		PaymentID:   p.ID,
		MinerID:     p.MinerID,
		Address:     p.Address,
		Amount:      p.Amount,
		TxHash:      p.TxHash,
		TimestampMS: p.CreatedAt.UnixMilli(),
		IsConfirmed: p.Status == poolstore.PaymentConfirmed,
		Status:      string(p.Status),
	}
}

// TopMiners ranks miners by current hashrate, descending.
func (v *View) TopMiners(limit int) []MinerStanding {
	now := time.Now()
	recent := v.store.RecentShares(shareScanDepth)

	// One pass over the ring builds every miner's difficulty sum instead
	// of rescanning per miner.
	cutoff := now.Add(-v.hashrateWindow)
	sums := make(map[int64]int64)
	for _, s := range recent {
		if s.Valid && !s.Timestamp.Before(cutoff) {
			sums[s.MinerID] += s.Difficulty
		}
	}

	miners := v.store.AllMiners()
	standings := make([]MinerStanding, 0, len(miners))
	for _, m := range miners {
		standings = append(standings, MinerStanding{
			MinerID:        m.ID,
			Address:        m.PayoutAddress,
			Hashrate:       float64(sums[m.ID]) * hashrateScale / v.hashrateWindow.Seconds(),
			AcceptedShares: m.AcceptedShares,
			Workers:        len(m.WorkerIDs),
		})
	}
	sort.Slice(standings, func(i, j int) bool {
		if standings[i].Hashrate != standings[j].Hashrate {
			return standings[i].Hashrate > standings[j].Hashrate
		}
		return standings[i].MinerID < standings[j].MinerID
	})
	if limit > 0 && len(standings) > limit {
		standings = standings[:limit]
	}
	return standings
}

// WorkerStats answers the per-address query. The address is the miner's
// username (which doubles as the payout address on auto-registration).
// ok is false when no such miner exists.
func (v *View) WorkerStats(address string) (WorkerStats, bool) {
	miner, ok := v.store.GetMinerByUsername(address)
	if !ok {
		// A miner registered with an explicit payout address differs
		// from its username; fall back to an address scan.
		for _, m := range v.store.AllMiners() {
			if m.PayoutAddress == address {
				miner, ok = m, true
				break
			}
		}
	}
	if !ok {
		return WorkerStats{}, false
	}
	return WorkerStats{
		Address:        miner.PayoutAddress,
		Hashrate:       v.MinerHashrate(miner.ID),
		AcceptedShares: miner.AcceptedShares,
		UnpaidBalance:  miner.UnpaidBalance,
		PaidBalance:    miner.PaidBalance,
	}, true
}

// CurrentRound snapshots the open round.
func (v *View) CurrentRound() RoundSnapshot {
	r := v.store.GetCurrentRound()
	return RoundSnapshot{
		RoundID:         r.ID,
		StartedAt:       r.StartedAt,
		SubmittedShares: r.SubmittedShares,
		Miners:          len(r.MinerTally),
	}
}
