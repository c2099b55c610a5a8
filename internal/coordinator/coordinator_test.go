package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gomp/internal/bitcoin"
	"github.com/bardlex/gomp/internal/identity"
	"github.com/bardlex/gomp/internal/poolstore"
	"github.com/bardlex/gomp/internal/validation"
	"github.com/bardlex/gomp/internal/vardiff"
	"github.com/bardlex/gomp/internal/workgen"
	"github.com/bardlex/gomp/pkg/log"
)

// fakeRPC is a hand-rolled bitcoin.RPCInterface, in the same shape as the
// package's own MockRPCClient (which lives in a _test.go file private to
// package bitcoin and so cannot be imported here). CreateCoinbaseTransaction
// and GetMerkleBranch delegate to the real crypto helpers so GenerateJob
// produces an internally consistent job; the coordinator tests below never
// depend on a submitted share actually meeting the network target.
type fakeRPC struct {
	mu          sync.Mutex
	template    *btcjson.GetBlockTemplateResult
	submitErr   error
	submitCalls int
}

func newFakeRPC() *fakeRPC {
	value := int64(5000000000)
	return &fakeRPC{
		template: &btcjson.GetBlockTemplateResult{
			Version:       1,
			PreviousHash:  "0000000000000000000000000000000000000000000000000000000000000000",
			Bits:          "1d00ffff",
			Height:        100,
			Target:        "00000000ffff0000000000000000000000000000000000000000000000000000",
			CurTime:       1700000000,
			CoinbaseValue: &value,
			Transactions:  []btcjson.GetBlockTemplateResultTx{},
		},
	}
}

func (f *fakeRPC) GetBlockTemplate(context.Context) (*btcjson.GetBlockTemplateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.template, nil
}
func (f *fakeRPC) GetBlockCount(context.Context) (int64, error)       { return 100, nil }
func (f *fakeRPC) GetBestBlockHash(context.Context) (string, error)   { return "", nil }
func (f *fakeRPC) GetBlock(context.Context, string) (*btcjson.GetBlockVerboseResult, error) {
	return &btcjson.GetBlockVerboseResult{}, nil
}
func (f *fakeRPC) GetNetworkInfo(context.Context) (*btcjson.GetNetworkInfoResult, error) {
	return &btcjson.GetNetworkInfoResult{}, nil
}
func (f *fakeRPC) GetDifficulty(context.Context) (float64, error) { return 1.0, nil }
func (f *fakeRPC) GetMiningInfo(context.Context) (*btcjson.GetMiningInfoResult, error) {
	return &btcjson.GetMiningInfoResult{Difficulty: 1.0}, nil
}
func (f *fakeRPC) GetBlockchainInfo(context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	return &btcjson.GetBlockChainInfoResult{Chain: "regtest"}, nil
}
func (f *fakeRPC) SubmitBlock(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	return f.submitErr
}
func (f *fakeRPC) ValidateAddress(context.Context, string) (bool, error) { return true, nil }
func (f *fakeRPC) Ping(context.Context) error                            { return nil }

func (f *fakeRPC) CreateCoinbaseTransaction(_ context.Context, blockHeight int64, coinbaseValue int64, extraNonce1 string, poolAddress string) (*wire.MsgTx, string, string, error) {
	return bitcoin.CreateCoinbaseTransaction(blockHeight, coinbaseValue, extraNonce1, poolAddress, &chaincfg.MainNetParams)
}

func (f *fakeRPC) CalculateMerkleRoot(_ context.Context, txHashes []string) (string, error) {
	hashes, err := stringsToHashes(txHashes)
	if err != nil {
		return "", err
	}
	root := bitcoin.CalculateMerkleRoot(hashes)
	return root.String(), nil
}

func (f *fakeRPC) GetMerkleBranch(_ context.Context, txHashes []string) ([]string, error) {
	if len(txHashes) <= 1 {
		return []string{}, nil
	}
	hashes, err := stringsToHashes(txHashes)
	if err != nil {
		return nil, err
	}
	branch := bitcoin.GetMerkleBranch(hashes, 0)
	out := make([]string, len(branch))
	for i, h := range branch {
		out[i] = h.String()
	}
	return out, nil
}

func (f *fakeRPC) Close() {}

func stringsToHashes(in []string) ([]chainhash.Hash, error) {
	out := make([]chainhash.Hash, len(in))
	for i, s := range in {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, err
		}
		out[i] = *h
	}
	return out, nil
}

var _ bitcoin.RPCInterface = (*fakeRPC)(nil)

// fakeNotifier records every call the coordinator makes against it.
type fakeNotifier struct {
	mu           sync.Mutex
	jobs         map[int64]*workgen.Job
	cleanFlags   map[int64]bool
	difficulties map[int64]int64
	disconnected map[int64]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		jobs:         make(map[int64]*workgen.Job),
		cleanFlags:   make(map[int64]bool),
		difficulties: make(map[int64]int64),
		disconnected: make(map[int64]bool),
	}
}

func (f *fakeNotifier) NotifyJob(sessionID int64, job *workgen.Job, _ string, cleanJobs bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[sessionID] = job
	f.cleanFlags[sessionID] = cleanJobs
}
func (f *fakeNotifier) NotifyDifficulty(sessionID int64, difficulty int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.difficulties[sessionID] = difficulty
}
func (f *fakeNotifier) Disconnect(sessionID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected[sessionID] = true
}

func (f *fakeNotifier) wasDisconnected(sessionID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected[sessionID]
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *fakeRPC, *fakeNotifier) {
	t.Helper()
	ids := identity.New(identity.KindMiner, identity.KindWorker, identity.KindShare, identity.KindJob, identity.KindRound, identity.KindPayment, identity.KindSession)
	store := poolstore.New(ids, poolstore.Limits{})
	rpc := newFakeRPC()
	gen := workgen.NewGenerator(rpc, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", 10)
	notifier := newFakeNotifier()
	logger := log.New("coordinator-test", "test", "error", "text")

	if cfg.VarDiff == (vardiff.Config{}) {
		cfg.VarDiff = vardiff.Config{
			TargetShareTime:  10 * time.Second,
			RetargetInterval: time.Minute,
			Variance:         0.3,
			MinDifficulty:    1000,
			MaxDifficulty:    1_000_000,
		}
	}
	if cfg.InitialDifficulty == 0 {
		cfg.InitialDifficulty = 1000
	}
	if cfg.MaxConnectionsPerIP == 0 {
		cfg.MaxConnectionsPerIP = 3
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 5 * time.Minute
	}

	return New(cfg, ids, store, rpc, gen, notifier, logger), rpc, notifier
}

func TestOnConnectEnforcesPerIPCap(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{MaxConnectionsPerIP: 2})

	if _, _, err := c.OnConnect("1.2.3.4"); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if _, _, err := c.OnConnect("1.2.3.4"); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if _, _, err := c.OnConnect("1.2.3.4"); err == nil {
		t.Fatal("expected third connection from the same IP to be refused")
	}

	// a different IP is unaffected by the first IP's cap.
	if _, _, err := c.OnConnect("5.6.7.8"); err != nil {
		t.Fatalf("connect from distinct IP: %v", err)
	}
}

func TestOnConnectReleaseFreesSlot(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{MaxConnectionsPerIP: 1})

	sid, _, err := c.OnConnect("1.2.3.4")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, _, err := c.OnConnect("1.2.3.4"); err == nil {
		t.Fatal("expected cap to be enforced before disconnect")
	}

	c.OnDisconnect(sid)

	if _, _, err := c.OnConnect("1.2.3.4"); err != nil {
		t.Fatalf("expected a slot to be free after disconnect: %v", err)
	}
}

func TestOnAuthorizeAutoRegistersAndSeedsDifficulty(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{InitialDifficulty: 4096})

	sid, _, err := c.OnConnect("10.0.0.1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	minerID, workerID, difficulty, err := c.OnAuthorize(sid, "pool1ExampleAddress.rig1", "10.0.0.1")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if minerID == 0 || workerID == 0 {
		t.Fatalf("expected non-zero ids, got miner=%d worker=%d", minerID, workerID)
	}
	if difficulty != 4096 {
		t.Fatalf("expected seeded difficulty 4096, got %d", difficulty)
	}

	miner, ok := c.store.GetMinerByUsername("pool1ExampleAddress")
	if !ok {
		t.Fatal("expected miner to be auto-registered under the bare address")
	}
	if miner.ID != minerID {
		t.Fatalf("miner id mismatch: %d vs %d", miner.ID, minerID)
	}

	worker, ok := c.store.GetWorker(workerID)
	if !ok || worker.Name != "rig1" {
		t.Fatalf("expected worker named rig1, got %+v ok=%v", worker, ok)
	}
}

func TestOnDisconnectDestroysWorker(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	sid1, _, _ := c.OnConnect("10.0.0.2")
	minerID, workerID1, _, err := c.OnAuthorize(sid1, "minerX.rig1", "10.0.0.2")
	if err != nil {
		t.Fatalf("first authorize: %v", err)
	}
	c.OnDisconnect(sid1)

	// The worker dies with its session and is gone from the miner's set.
	if _, ok := c.store.GetWorker(workerID1); ok {
		t.Fatal("worker survived its session's disconnect")
	}
	if workers := c.store.MinerWorkers(minerID); len(workers) != 0 {
		t.Fatalf("miner still lists %d workers after disconnect", len(workers))
	}

	// A reconnect authorizes a fresh worker; the miner record persists.
	sid2, _, _ := c.OnConnect("10.0.0.2")
	minerID2, workerID2, _, err := c.OnAuthorize(sid2, "minerX.rig1", "10.0.0.2")
	if err != nil {
		t.Fatalf("second authorize: %v", err)
	}
	if minerID2 != minerID {
		t.Fatalf("reconnect re-registered the miner: %d then %d", minerID, minerID2)
	}
	if workerID2 == workerID1 {
		t.Fatal("reconnect rebound the destroyed worker's id")
	}
}

func TestOnAuthorizeRejectsBannedMiner(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	sid, _, _ := c.OnConnect("10.0.0.3")
	minerID, _, _, err := c.OnAuthorize(sid, "bannedMiner", "10.0.0.3")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	c.store.BanMiner(minerID, time.Now().Add(time.Hour))

	sid2, _, _ := c.OnConnect("10.0.0.4")
	if _, _, _, err := c.OnAuthorize(sid2, "bannedMiner", "10.0.0.4"); err == nil {
		t.Fatal("expected authorize to fail for a banned miner")
	}
}

func TestOnSubmitRejectsUnauthorizedSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	sid, _, _ := c.OnConnect("10.0.0.5")

	outcome, err := c.OnSubmit(context.Background(), sid, "deadbeef", "00000000", "00000000", "00000000")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.Accepted || outcome.Reject != poolstore.RejectUnauthorized {
		t.Fatalf("expected RejectUnauthorized for an unauthenticated session, got %+v", outcome)
	}
}

func TestOnSubmitRejectsUnknownJob(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	sid, _, _ := c.OnConnect("10.0.0.6")
	if _, _, _, err := c.OnAuthorize(sid, "minerY.rig1", "10.0.0.6"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := c.RefreshWork(context.Background()); err != nil {
		t.Fatalf("refresh work: %v", err)
	}

	outcome, err := c.OnSubmit(context.Background(), sid, "not-a-real-job-id", "00000000", "00000000", "00000000")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.Accepted || outcome.Reject != poolstore.RejectJobNotFound {
		t.Fatalf("expected RejectJobNotFound, got %+v", outcome)
	}
}

func TestCheckInvalidSharesBansAfterThreshold(t *testing.T) {
	c, _, notifier := newTestCoordinator(t, Config{
		BanOnInvalidShare: true,
		MaxInvalidShares:  3,
		BanDuration:       time.Hour,
	})

	sid, _, _ := c.OnConnect("10.0.0.7")
	minerID, _, _, err := c.OnAuthorize(sid, "flakyMiner.rig1", "10.0.0.7")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := c.RefreshWork(context.Background()); err != nil {
		t.Fatalf("refresh work: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.OnSubmit(ctx, sid, "bogus-job", "00000000", "00000000", "00000000"); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	miner, ok := c.store.GetMiner(minerID)
	if !ok || !miner.Banned {
		t.Fatalf("expected miner to be banned after %d invalid shares, got %+v", 3, miner)
	}
	if !notifier.wasDisconnected(sid) {
		t.Fatal("expected coordinator to disconnect a newly banned miner's session")
	}
}

func TestRefreshWorkBroadcastsToAuthorizedSessions(t *testing.T) {
	c, _, notifier := newTestCoordinator(t, Config{})

	sid, _, _ := c.OnConnect("10.0.0.8")
	if _, _, _, err := c.OnAuthorize(sid, "minerZ.rig1", "10.0.0.8"); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	// an unauthorized session must not receive the broadcast.
	otherSID, _, _ := c.OnConnect("10.0.0.9")

	if err := c.RefreshWork(context.Background()); err != nil {
		t.Fatalf("refresh work: %v", err)
	}

	notifier.mu.Lock()
	_, gotJob := notifier.jobs[sid]
	_, gotOther := notifier.jobs[otherSID]
	notifier.mu.Unlock()

	if !gotJob {
		t.Fatal("expected the authorized session to receive the new job")
	}
	if gotOther {
		t.Fatal("did not expect the unauthorized session to receive the new job")
	}
}

func TestProcessPayoutsCreatesPaymentAboveThreshold(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{MinPayout: 1000, PayoutInterval: time.Hour})

	sid, _, _ := c.OnConnect("10.0.0.10")
	minerID, _, _, err := c.OnAuthorize(sid, "payoutMiner", "10.0.0.10")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	c.store.CreditUnpaid(minerID, 5000)

	created := c.ProcessPayouts(context.Background())
	if created != 1 {
		t.Fatalf("expected exactly one payment created, got %d", created)
	}

	miner, _ := c.store.GetMiner(minerID)
	if miner.UnpaidBalance != 0 {
		t.Fatalf("expected unpaid balance to be fully claimed by the payment, got %d", miner.UnpaidBalance)
	}
	if miner.PaidBalance != 5000 {
		t.Fatalf("expected paid balance 5000, got %d", miner.PaidBalance)
	}
}

func TestProcessPayoutsSkipsBelowThreshold(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{MinPayout: 10000, PayoutInterval: time.Hour})

	sid, _, _ := c.OnConnect("10.0.0.11")
	minerID, _, _, err := c.OnAuthorize(sid, "smallMiner", "10.0.0.11")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	c.store.CreditUnpaid(minerID, 50)

	if created := c.ProcessPayouts(context.Background()); created != 0 {
		t.Fatalf("expected no payment below min_payout, got %d", created)
	}
}

func TestSweepInactiveDisconnectsIdleSessions(t *testing.T) {
	c, _, notifier := newTestCoordinator(t, Config{ConnectionTimeout: time.Millisecond, MaxConnectionsPerIP: 1})

	sid, _, err := c.OnConnect("10.0.0.12")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, workerID, _, err := c.OnAuthorize(sid, "idleMiner.rig1", "10.0.0.12")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	swept := c.SweepInactive()
	if swept != 1 {
		t.Fatalf("expected exactly one idle session swept, got %d", swept)
	}
	if !notifier.wasDisconnected(sid) {
		t.Fatal("expected the idle session to be disconnected")
	}
	if _, ok := c.store.GetWorker(workerID); ok {
		t.Fatal("expected the idle session's worker to be destroyed")
	}

	// the per-IP slot it held must be free again.
	if _, _, err := c.OnConnect("10.0.0.12"); err != nil {
		t.Fatalf("expected admission slot to be released by the sweep: %v", err)
	}
}

// The block-found sequence: record -> submit_block -> close round with
// height/hash/reward -> fresh round with zero shares -> new clean job
// broadcast.
func TestBlockCandidatePathClosesRoundAndAdvances(t *testing.T) {
	c, rpc, notifier := newTestCoordinator(t, Config{PoolFeePercent: 0, PayoutMethod: PayoutPPLNS, PPLNSWindow: 1000})

	sid, _, _ := c.OnConnect("10.0.0.20")
	minerID, workerID, _, err := c.OnAuthorize(sid, "finder.rig1", "10.0.0.20")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := c.RefreshWork(context.Background()); err != nil {
		t.Fatalf("refresh work: %v", err)
	}
	job := c.CurrentJob()

	// One valid share on record so the reward split has a recipient.
	if err := c.store.RecordShare(poolstore.Share{
		ID: 1, MinerID: minerID, WorkerID: workerID, JobID: job.ID,
		Nonce: "aa", Difficulty: 1000, Timestamp: time.Now(), Valid: true,
	}); err != nil {
		t.Fatalf("record share: %v", err)
	}

	candidate := validation.Candidate{
		JobID:            job.ID,
		ExtraNonce1:      "00000001",
		ExtraNonce2:      "00000002",
		NTime:            "5a54a978",
		Nonce:            "1a2b3c4d",
		WorkerDifficulty: 1000,
		SubmittedAt:      time.Now(),
	}
	c.handleBlockCandidate(context.Background(), candidate, minerID)

	rpc.mu.Lock()
	submits := rpc.submitCalls
	rpc.mu.Unlock()
	if submits != 1 {
		t.Fatalf("submit_block called %d times, want 1", submits)
	}

	history := c.store.RoundHistory(10)
	if len(history) != 1 {
		t.Fatalf("expected one closed round, got %d", len(history))
	}
	closed := history[0]
	if !closed.Completed || closed.BlockHeight != 100 || closed.BlockHash == "" {
		t.Fatalf("closed round not recorded correctly: %+v", closed)
	}
	if closed.BlockReward != 5000000000 || closed.FinderMinerID != minerID {
		t.Fatalf("round closure fields wrong: %+v", closed)
	}

	fresh := c.store.GetCurrentRound()
	if fresh.SubmittedShares != 0 || len(fresh.MinerTally) != 0 {
		t.Fatalf("fresh round not empty: %+v", fresh)
	}

	// Full net reward (zero fee) lands on the only miner in the window.
	miner, _ := c.store.GetMiner(minerID)
	if miner.UnpaidBalance != 5000000000 {
		t.Fatalf("unpaid balance = %d, want 5000000000", miner.UnpaidBalance)
	}

	// A new job was installed and broadcast clean.
	next := c.CurrentJob()
	if next == nil || next.ID == job.ID {
		t.Fatal("round closure did not install a fresh job")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if got := notifier.jobs[sid]; got == nil || got.ID != next.ID {
		t.Fatalf("session did not receive the post-closure job")
	}
	if !notifier.cleanFlags[sid] {
		t.Fatal("post-closure broadcast must set clean_jobs")
	}
}

// A rejected submission still closes the round (hash empty, no reward)
// and advances to a fresh job; miners must never be stranded on a dead
// template.
func TestBlockSubmissionFailureStillAdvancesRound(t *testing.T) {
	c, rpc, _ := newTestCoordinator(t, Config{})

	sid, _, _ := c.OnConnect("10.0.0.21")
	minerID, _, _, err := c.OnAuthorize(sid, "unlucky.rig1", "10.0.0.21")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := c.RefreshWork(context.Background()); err != nil {
		t.Fatalf("refresh work: %v", err)
	}
	job := c.CurrentJob()

	rpc.mu.Lock()
	rpc.submitErr = errors.New("inconclusive")
	rpc.mu.Unlock()

	candidate := validation.Candidate{
		JobID:            job.ID,
		ExtraNonce1:      "00000001",
		ExtraNonce2:      "00000002",
		NTime:            "5a54a978",
		Nonce:            "1a2b3c4d",
		WorkerDifficulty: 1000,
		SubmittedAt:      time.Now(),
	}
	c.handleBlockCandidate(context.Background(), candidate, minerID)

	history := c.store.RoundHistory(10)
	if len(history) != 1 {
		t.Fatalf("expected the round to close despite rejection, got %d closed", len(history))
	}
	if history[0].BlockHash != "" || history[0].BlockReward != 0 {
		t.Fatalf("rejected submission must close with empty hash and no reward: %+v", history[0])
	}

	miner, _ := c.store.GetMiner(minerID)
	if miner.UnpaidBalance != 0 {
		t.Fatalf("no reward may be credited on a rejected block, got %d", miner.UnpaidBalance)
	}

	if next := c.CurrentJob(); next == nil || next.ID == job.ID {
		t.Fatal("rejected submission must still advance to a fresh job")
	}
}

// The duplicate window is pool-wide: a second miner replaying another
// miner's (job_id, nonce) pair is rejected as a duplicate, not judged
// afresh on its own history.
func TestOnSubmitDuplicateAcrossMiners(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})

	if err := c.RefreshWork(context.Background()); err != nil {
		t.Fatalf("refresh work: %v", err)
	}
	job := c.CurrentJob()

	sidA, _, _ := c.OnConnect("10.0.0.30")
	if _, _, _, err := c.OnAuthorize(sidA, "minerA.rig1", "10.0.0.30"); err != nil {
		t.Fatalf("authorize A: %v", err)
	}
	sidB, _, _ := c.OnConnect("10.0.0.31")
	if _, _, _, err := c.OnAuthorize(sidB, "minerB.rig1", "10.0.0.31"); err != nil {
		t.Fatalf("authorize B: %v", err)
	}

	// Miner A's submission is recorded (as a low-difficulty reject) and
	// its (job_id, nonce) enters the global ring.
	first, err := c.OnSubmit(context.Background(), sidA, job.ID, "00000003", "5a54a978", "deadbeef")
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.Reject != poolstore.RejectLowDifficulty {
		t.Fatalf("first submit reject = %q, want low_difficulty", first.Reject)
	}

	// Miner B replays the same pair and must hit the duplicate check,
	// which runs before the difficulty check.
	second, err := c.OnSubmit(context.Background(), sidB, job.ID, "00000003", "5a54a978", "deadbeef")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Reject != poolstore.RejectDuplicate {
		t.Fatalf("cross-miner replay reject = %q, want duplicate", second.Reject)
	}
}
