package poolstore

import (
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gomp/internal/identity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ids := identity.New(identity.KindMiner, identity.KindWorker, identity.KindShare, identity.KindRound, identity.KindPayment)
	return New(ids, Limits{MaxMiners: 0, MaxWorkersPerMiner: 0})
}

func TestRegisterMinerUniqueUsername(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.RegisterMiner("alice", "addr1", "")
	if err != nil {
		t.Fatalf("first register: %v", err)
	}

	_, err = s.RegisterMiner("alice", "addr2", "")
	if err != ErrAlreadyExists {
		t.Fatalf("second register: got %v, want ErrAlreadyExists", err)
	}

	m, ok := s.GetMiner(id1)
	if !ok || m.PayoutAddress != "addr1" {
		t.Fatalf("state corrupted by rejected duplicate register: %+v", m)
	}
}

func TestRegisterMinerAtCapacity(t *testing.T) {
	ids := identity.New(identity.KindMiner, identity.KindWorker, identity.KindRound)
	s := New(ids, Limits{MaxMiners: 1})

	if _, err := s.RegisterMiner("a", "addr", ""); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := s.RegisterMiner("b", "addr", ""); err != ErrAtCapacity {
		t.Fatalf("got %v, want ErrAtCapacity", err)
	}
}

func TestAddRemoveWorkerIdempotent(t *testing.T) {
	s := newTestStore(t)
	minerID, _ := s.RegisterMiner("alice", "addr", "")

	workerID, err := s.AddWorker(minerID, "rig1", Endpoint{Addr: "1.2.3.4"})
	if err != nil {
		t.Fatalf("add worker: %v", err)
	}
	m, _ := s.GetMiner(minerID)
	if len(m.WorkerIDs) != 1 || m.WorkerIDs[0] != workerID {
		t.Fatalf("miner worker set not updated: %+v", m.WorkerIDs)
	}

	s.RemoveWorker(workerID)
	m, _ = s.GetMiner(minerID)
	if len(m.WorkerIDs) != 0 {
		t.Fatalf("worker not removed from miner set: %+v", m.WorkerIDs)
	}

	// Second removal must be a no-op, not an error/panic.
	s.RemoveWorker(workerID)
	if _, ok := s.GetWorker(workerID); ok {
		t.Fatal("removed worker still resolvable")
	}
}

func TestAddWorkerUnknownMiner(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddWorker(999, "rig1", Endpoint{}); err != ErrUnknownMiner {
		t.Fatalf("got %v, want ErrUnknownMiner", err)
	}
}

func TestAddWorkerPerMinerCap(t *testing.T) {
	ids := identity.New(identity.KindMiner, identity.KindWorker, identity.KindRound)
	s := New(ids, Limits{MaxWorkersPerMiner: 1})
	minerID, _ := s.RegisterMiner("alice", "addr", "")

	if _, err := s.AddWorker(minerID, "rig1", Endpoint{}); err != nil {
		t.Fatalf("first worker: %v", err)
	}
	if _, err := s.AddWorker(minerID, "rig2", Endpoint{}); err != ErrPerMinerCap {
		t.Fatalf("got %v, want ErrPerMinerCap", err)
	}
}

func TestRecordShareUpdatesCountersAndRoundTally(t *testing.T) {
	s := newTestStore(t)
	minerID, _ := s.RegisterMiner("alice", "addr", "")
	workerID, _ := s.AddWorker(minerID, "rig1", Endpoint{})

	accepted := Share{ID: 1, MinerID: minerID, WorkerID: workerID, JobID: "job1", Nonce: "a", Timestamp: time.Now(), Valid: true}
	if err := s.RecordShare(accepted); err != nil {
		t.Fatalf("record accepted share: %v", err)
	}

	rejected := Share{ID: 2, MinerID: minerID, WorkerID: workerID, JobID: "job1", Nonce: "b", Timestamp: time.Now(), Valid: false, Reject: RejectLowDifficulty}
	if err := s.RecordShare(rejected); err != nil {
		t.Fatalf("record rejected share: %v", err)
	}

	m, _ := s.GetMiner(minerID)
	if m.AcceptedShares != 1 || m.RejectedShares != 1 {
		t.Fatalf("miner counters: accepted=%d rejected=%d", m.AcceptedShares, m.RejectedShares)
	}
	if m.AcceptedShares+m.RejectedShares != 2 {
		t.Fatal("invariant violated: accepted+rejected != submitted")
	}
	if m.InvalidShareCount != 1 {
		t.Fatalf("invalid share count: got %d, want 1 (low_difficulty counts as invalid)", m.InvalidShareCount)
	}

	round := s.GetCurrentRound()
	if round.SubmittedShares != 2 {
		t.Fatalf("round submitted shares: got %d, want 2", round.SubmittedShares)
	}
	if round.MinerTally[minerID] != 1 {
		t.Fatalf("round miner tally: got %d, want 1 (only the accepted share)", round.MinerTally[minerID])
	}
}

func TestRecordShareStaleDoesNotCountAsInvalid(t *testing.T) {
	s := newTestStore(t)
	minerID, _ := s.RegisterMiner("alice", "addr", "")
	workerID, _ := s.AddWorker(minerID, "rig1", Endpoint{})

	stale := Share{ID: 1, MinerID: minerID, WorkerID: workerID, JobID: "job1", Nonce: "a", Timestamp: time.Now(), Valid: false, Reject: RejectStale}
	if err := s.RecordShare(stale); err != nil {
		t.Fatalf("record stale share: %v", err)
	}

	m, _ := s.GetMiner(minerID)
	if m.InvalidShareCount != 0 {
		t.Fatalf("stale share incremented invalid counter: %d", m.InvalidShareCount)
	}
	if m.RejectedShares != 1 {
		t.Fatalf("stale share should still count toward rejected: %d", m.RejectedShares)
	}
}

func TestRecordShareAcceptedResetsInvalidCounter(t *testing.T) {
	s := newTestStore(t)
	minerID, _ := s.RegisterMiner("alice", "addr", "")
	workerID, _ := s.AddWorker(minerID, "rig1", Endpoint{})

	s.RecordShare(Share{ID: 1, MinerID: minerID, WorkerID: workerID, JobID: "j", Nonce: "a", Timestamp: time.Now(), Valid: false, Reject: RejectDuplicate})
	m, _ := s.GetMiner(minerID)
	if m.InvalidShareCount != 1 {
		t.Fatalf("expected invalid count 1, got %d", m.InvalidShareCount)
	}

	s.RecordShare(Share{ID: 2, MinerID: minerID, WorkerID: workerID, JobID: "j", Nonce: "b", Timestamp: time.Now(), Valid: true})
	m, _ = s.GetMiner(minerID)
	if m.InvalidShareCount != 0 {
		t.Fatalf("accepted share should reset invalid counter, got %d", m.InvalidShareCount)
	}
}

func TestRecordShareUnknownWorker(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordShare(Share{ID: 1, WorkerID: 999})
	if err != ErrUnknownWorker {
		t.Fatalf("got %v, want ErrUnknownWorker", err)
	}
}

func TestCloseRoundOpensFreshRound(t *testing.T) {
	s := newTestStore(t)
	minerID, _ := s.RegisterMiner("alice", "addr", "")
	workerID, _ := s.AddWorker(minerID, "rig1", Endpoint{})
	s.RecordShare(Share{ID: 1, MinerID: minerID, WorkerID: workerID, JobID: "j", Nonce: "a", Timestamp: time.Now(), Valid: true})

	closed := s.CloseRound(100, "deadbeef", 5000, minerID)
	if !closed.Completed || closed.BlockHeight != 100 || closed.BlockHash != "deadbeef" {
		t.Fatalf("closed round not recorded correctly: %+v", closed)
	}
	if closed.EndedAt.Before(closed.StartedAt) {
		t.Fatal("ended_at before started_at")
	}

	fresh := s.GetCurrentRound()
	if fresh.SubmittedShares != 0 || len(fresh.MinerTally) != 0 {
		t.Fatalf("fresh round not empty: %+v", fresh)
	}
	if fresh.ID == closed.ID {
		t.Fatal("fresh round reused closed round's id")
	}
}

func TestCreatePaymentAndFailPaymentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	minerID, _ := s.RegisterMiner("alice", "addr", "")
	s.CreditUnpaid(minerID, 1000)

	p, err := s.CreatePayment(minerID, 600)
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	m, _ := s.GetMiner(minerID)
	if m.UnpaidBalance != 400 || m.PaidBalance != 600 {
		t.Fatalf("balances after payment: unpaid=%d paid=%d", m.UnpaidBalance, m.PaidBalance)
	}

	s.FailPayment(p.ID)
	m, _ = s.GetMiner(minerID)
	if m.UnpaidBalance != 1000 || m.PaidBalance != 0 {
		t.Fatalf("balances after failed payment rollback: unpaid=%d paid=%d", m.UnpaidBalance, m.PaidBalance)
	}

	payments := s.MinerPayments(minerID, 10)
	if len(payments) != 1 || payments[0].Status != PaymentFailed {
		t.Fatalf("payment history not updated: %+v", payments)
	}
}

func TestCreatePaymentInsufficientBalance(t *testing.T) {
	s := newTestStore(t)
	minerID, _ := s.RegisterMiner("alice", "addr", "")
	if _, err := s.CreatePayment(minerID, 1); err != ErrInsufficient {
		t.Fatalf("got %v, want ErrInsufficient", err)
	}
}

func TestRecentSharesRingEviction(t *testing.T) {
	s := newTestStore(t)
	minerID, _ := s.RegisterMiner("alice", "addr", "")
	workerID, _ := s.AddWorker(minerID, "rig1", Endpoint{})

	const total = recentShareRingCap + recentShareEvictSize + 5
	for i := int64(0); i < total; i++ {
		s.RecordShare(Share{ID: i, MinerID: minerID, WorkerID: workerID, JobID: "j", Nonce: "x", Timestamp: time.Now(), Valid: true})
	}

	shares := s.RecentShares(recentShareRingCap * 2)
	if len(shares) > recentShareRingCap {
		t.Fatalf("ring exceeded cap: %d entries", len(shares))
	}
	// Newest share must be present; oldest ones must have been evicted.
	if shares[len(shares)-1].ID != total-1 {
		t.Fatalf("newest share missing: got id %d, want %d", shares[len(shares)-1].ID, total-1)
	}
	if shares[0].ID == 0 {
		t.Fatal("oldest shares were not evicted")
	}
}

func TestBanExpiryTreatedAsUnbanned(t *testing.T) {
	s := newTestStore(t)
	minerID, _ := s.RegisterMiner("alice", "addr", "")
	s.BanMiner(minerID, time.Now().Add(-time.Minute))

	m, _ := s.GetMiner(minerID)
	if m.IsBanned(time.Now()) {
		t.Fatal("expired ban still reports banned")
	}
}

func TestConcurrentRecordShareNoRaceOnCounters(t *testing.T) {
	s := newTestStore(t)
	minerID, _ := s.RegisterMiner("alice", "addr", "")
	workerID, _ := s.AddWorker(minerID, "rig1", Endpoint{})

	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.RecordShare(Share{ID: int64(i), MinerID: minerID, WorkerID: workerID, JobID: "j", Nonce: "x", Timestamp: time.Now(), Valid: true})
		}(i)
	}
	wg.Wait()

	m, _ := s.GetMiner(minerID)
	if m.AcceptedShares != n {
		t.Fatalf("accepted shares under concurrency: got %d, want %d", m.AcceptedShares, n)
	}
}

func TestMinerSharesFiltersAndBounds(t *testing.T) {
	s := newTestStore(t)
	alice, _ := s.RegisterMiner("alice", "addr", "")
	aliceRig, _ := s.AddWorker(alice, "rig1", Endpoint{})
	bob, _ := s.RegisterMiner("bob", "addr", "")
	bobRig, _ := s.AddWorker(bob, "rig1", Endpoint{})

	for i := 0; i < 5; i++ {
		s.RecordShare(Share{ID: int64(i + 1), MinerID: alice, WorkerID: aliceRig, JobID: "j", Nonce: string(rune('a' + i)), Timestamp: time.Now(), Valid: true})
	}
	s.RecordShare(Share{ID: 6, MinerID: bob, WorkerID: bobRig, JobID: "j", Nonce: "z", Timestamp: time.Now(), Valid: true})

	got := s.MinerShares(alice, 3)
	if len(got) != 3 {
		t.Fatalf("got %d shares, want 3", len(got))
	}
	for _, share := range got {
		if share.MinerID != alice {
			t.Fatalf("foreign share in miner scan: %+v", share)
		}
	}
	if got[len(got)-1].ID != 5 {
		t.Fatalf("newest share last expected, got tail ID %d", got[len(got)-1].ID)
	}
}
