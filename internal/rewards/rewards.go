// Package rewards implements the pool's payout calculators (PPLNS, PPS,
// Proportional and SOLO) as pure integer-arithmetic functions over a batch
// of shares. No floating point ever touches a value that flows into a
// payment; floats are reserved for display metrics elsewhere (hashrate,
// luck), never here.
package rewards

// ShareRecord is the minimal share data a reward calculator needs:
// ownership, validity, and (for PPS) the difficulty it was accepted at.
type ShareRecord struct {
	MinerID    int64
	Valid      bool
	Difficulty int64
}

// Fee splits a block reward into the pool's cut and the net remaining for
// distribution. feePercent is 0-100; both results are floored integers.
func Fee(blockReward int64, feePercent int64) (fee, net int64) {
	fee = (blockReward * feePercent) / 100
	net = blockReward - fee
	return fee, net
}

// PPLNS distributes net across the last min(window, len(shares)) valid
// shares, proportionally to each miner's count within that window. Rounding
// drift (the remainder after integer division) accrues to the pool, never
// to a miner.
func PPLNS(shares []ShareRecord, window int, net int64) map[int64]int64 {
	valid := make([]ShareRecord, 0, len(shares))
	for _, s := range shares {
		if s.Valid {
			valid = append(valid, s)
		}
	}
	if window > 0 && window < len(valid) {
		valid = valid[len(valid)-window:]
	}
	return splitByCount(valid, net)
}

// Proportional distributes net across all valid shares in the current
// round: the same formula as PPLNS but over the round's shares rather than
// a sliding window of the last N.
func Proportional(roundShares []ShareRecord, net int64) map[int64]int64 {
	return splitByCount(roundShares, net)
}

// SOLO credits the entire net reward to the single miner who found the
// block; no other miner's shares matter. It is the degenerate case of
// Proportional restricted to one miner.
func SOLO(finderMinerID int64, net int64) map[int64]int64 {
	if net <= 0 {
		return map[int64]int64{}
	}
	return map[int64]int64{finderMinerID: net}
}

func splitByCount(shares []ShareRecord, net int64) map[int64]int64 {
	counts := make(map[int64]int64)
	var total int64
	for _, s := range shares {
		if !s.Valid {
			continue
		}
		counts[s.MinerID]++
		total++
	}

	payouts := make(map[int64]int64, len(counts))
	if total == 0 {
		return payouts
	}
	for minerID, count := range counts {
		payouts[minerID] = (net * count) / total
	}
	return payouts
}

// PPS credits each valid share in the accounting batch at its expected
// value: net divided by the expected number of shares needed to find a
// block at the network's difficulty, given the difficulty the share was
// accepted at. Only valid shares are iterated; invalid shares are never
// assigned value; only valid shares earn credit.
func PPS(shares []ShareRecord, networkDifficulty int64, net int64) map[int64]int64 {
	payouts := make(map[int64]int64)
	for _, s := range shares {
		if !s.Valid {
			continue
		}
		expected := int64(1)
		if s.Difficulty > 0 {
			expected = networkDifficulty / s.Difficulty
		}
		if expected < 1 {
			expected = 1
		}
		perShare := net / expected
		payouts[s.MinerID] += perShare
	}
	return payouts
}
