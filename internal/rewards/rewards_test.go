package rewards

import "testing"

func abs(i int64) int64 {
	if i < 0 {
		return -i
	}
	return i
}

func sharesOf(counts map[int64]int) []ShareRecord {
	var out []ShareRecord
	for minerID, n := range counts {
		for i := 0; i < n; i++ {
			out = append(out, ShareRecord{MinerID: minerID, Valid: true})
		}
	}
	return out
}

func TestFee(t *testing.T) {
	fee, net := Fee(105113636, 1)
	if fee != 1051136 {
		t.Fatalf("fee: got %d, want 1051136", fee)
	}
	if net != 104062500 {
		t.Fatalf("net: got %d, want 104062500", net)
	}
	if fee+net != 105113636 {
		t.Fatal("fee + net must equal block reward exactly")
	}
}

// PPLNS split with a 1 percent fee over a 1000-share window.
func TestS1PPLNS(t *testing.T) {
	_, net := Fee(105113636, 1)
	shares := sharesOf(map[int64]int{1: 300, 2: 200, 3: 500})

	payouts := PPLNS(shares, 1000, net)
	want := map[int64]int64{1: 31218750, 2: 20812500, 3: 52031250}
	for minerID, wantAmt := range want {
		if payouts[minerID] != wantAmt {
			t.Fatalf("miner %d: got %d, want %d", minerID, payouts[minerID], wantAmt)
		}
	}

	var sum int64
	for _, v := range payouts {
		sum += v
	}
	if sum > net {
		t.Fatalf("sum of payouts %d exceeds net %d", sum, net)
	}
	if net-sum > 2 {
		t.Fatalf("rounding drift %d exceeds tolerance", net-sum)
	}
}

// Proportional round with a 2 percent fee.
func TestS2Proportional(t *testing.T) {
	_, net := Fee(105113636, 2)
	shares := sharesOf(map[int64]int{1: 600, 2: 400})

	payouts := Proportional(shares, net)
	if abs(net-103011363) > 1 {
		t.Fatalf("net: got %d, want ~103011363", net)
	}
	if abs(payouts[1]-61806817) > 1 {
		t.Fatalf("miner 1: got %d, want ~61806817", payouts[1])
	}
	if abs(payouts[2]-41204545) > 1 {
		t.Fatalf("miner 2: got %d, want ~41204545", payouts[2])
	}
}

func TestPPLNSWindowSmallerThanTotal(t *testing.T) {
	shares := append(sharesOf(map[int64]int{1: 10}), sharesOf(map[int64]int{2: 10})...)
	// window of 10 should only see the most recently appended entries,
	// which in this construction order will be all miner 2 (it's
	// appended second).
	payouts := PPLNS(shares, 10, 1000)
	if payouts[1] != 0 {
		t.Fatalf("miner 1 should have no shares inside a 10-share window taken from the tail, got %d", payouts[1])
	}
	if payouts[2] != 1000 {
		t.Fatalf("miner 2 should take the entire net, got %d", payouts[2])
	}
}

func TestPPLNSEmptyWindowYieldsNoPayouts(t *testing.T) {
	payouts := PPLNS(nil, 1000, 5000)
	if len(payouts) != 0 {
		t.Fatalf("expected empty payouts, got %v", payouts)
	}
}

func TestPPLNSIgnoresInvalidShares(t *testing.T) {
	shares := []ShareRecord{
		{MinerID: 1, Valid: true},
		{MinerID: 1, Valid: false},
		{MinerID: 2, Valid: true},
	}
	payouts := PPLNS(shares, 1000, 1000)
	if payouts[1] != 500 || payouts[2] != 500 {
		t.Fatalf("invalid share should not count: %v", payouts)
	}
}

func TestPPSOnlyIteratesValidShares(t *testing.T) {
	shares := []ShareRecord{
		{MinerID: 1, Valid: true, Difficulty: 1000},
		{MinerID: 1, Valid: false, Difficulty: 1000},
		{MinerID: 2, Valid: true, Difficulty: 2000},
	}
	payouts := PPS(shares, 10000, 100000)

	// miner1: expected = 10000/1000=10, perShare=100000/10=10000 (one valid share)
	// miner2: expected = 10000/2000=5, perShare=100000/5=20000 (one valid share)
	if payouts[1] != 10000 {
		t.Fatalf("miner 1: got %d, want 10000", payouts[1])
	}
	if payouts[2] != 20000 {
		t.Fatalf("miner 2: got %d, want 20000", payouts[2])
	}
}

func TestPPSExpectedSharesFloorsAtOne(t *testing.T) {
	shares := []ShareRecord{{MinerID: 1, Valid: true, Difficulty: 1_000_000}}
	payouts := PPS(shares, 100, 50)
	// networkDifficulty(100)/shareDifficulty(1e6) = 0 -> clamp to 1.
	if payouts[1] != 50 {
		t.Fatalf("got %d, want 50 (expected shares clamped to 1)", payouts[1])
	}
}

func TestSOLOCreditsOnlyFinder(t *testing.T) {
	payouts := SOLO(42, 100000)
	if len(payouts) != 1 || payouts[42] != 100000 {
		t.Fatalf("got %v, want only miner 42 credited with 100000", payouts)
	}
}

func TestSOLOZeroNetYieldsNoPayouts(t *testing.T) {
	payouts := SOLO(42, 0)
	if len(payouts) != 0 {
		t.Fatalf("expected no payouts for zero net, got %v", payouts)
	}
}

// Pool-fee identity: sum of payouts never exceeds net, and the
// rounding deficit is bounded by the number of distinct miners minus one.
func TestFeeIdentityAcrossManyMiners(t *testing.T) {
	counts := map[int64]int{}
	for i := int64(1); i <= 37; i++ {
		counts[i] = int(i) // uneven shares per miner
	}
	shares := sharesOf(counts)
	_, net := Fee(999999999, 3)
	payouts := PPLNS(shares, len(shares), net)

	var sum int64
	for _, v := range payouts {
		sum += v
	}
	if sum > net {
		t.Fatalf("sum %d exceeds net %d", sum, net)
	}
	deficit := net - sum
	maxDeficit := int64(len(counts) - 1)
	if deficit > maxDeficit {
		t.Fatalf("rounding deficit %d exceeds max %d for %d miners", deficit, maxDeficit, len(counts))
	}
}
