// Package coordinator wires the identifier allocator, entity store, share
// validator, VarDiff controller, reward calculators and work generator into
// the pool's single live coordinator: one goroutine-safe object holding the
// current job and the round register, exposing a handful of operations a
// Stratum session invokes as it moves through its state machine.
//
// The share pipeline (validating a share, recording it, retargeting its
// worker) runs under the coordinator's single exclusive mutex. The entity
// store has its own internal locking for individual field updates, but the
// multi-step pipeline above it needs one lock held across the whole
// sequence, the same way the circuit breaker serializes state transitions
// under one mutex rather than field-by-field. The block path of an accepted
// block share (submit_block, reward split, round closure, refresh work)
// runs after that mutex is released, so other submissions can be processed
// between a block share's acceptance and its round's closure.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bardlex/gomp/internal/bitcoin"
	"github.com/bardlex/gomp/internal/identity"
	"github.com/bardlex/gomp/internal/messaging"
	"github.com/bardlex/gomp/internal/poolstore"
	"github.com/bardlex/gomp/internal/validation"
	"github.com/bardlex/gomp/internal/vardiff"
	"github.com/bardlex/gomp/internal/workgen"
	"github.com/bardlex/gomp/pkg/circuit"
	"github.com/bardlex/gomp/pkg/log"
	"github.com/bardlex/gomp/pkg/retry"
)

// PayoutMethod selects which reward calculator process_payouts and the
// block-submission path use to split a found block's net reward.
type PayoutMethod string

const (
	PayoutPPLNS        PayoutMethod = "PPLNS"
	PayoutPPS          PayoutMethod = "PPS"
	PayoutProportional PayoutMethod = "PROPORTIONAL"
	PayoutSolo         PayoutMethod = "SOLO"
)

// ErrBanned is returned (wrapped) by OnAuthorize when the miner behind a
// username is serving a ban.
// The session layer matches it to close the connection rather than leave
// the miner retrying.
var ErrBanned = errors.New("coordinator: miner banned")

// recentShareLookback bounds how far back in the global share ring the
// duplicate check searches; generous enough to span several jobs without
// scanning the store's entire ring on every submit. The window is
// pool-wide, not per-miner: no two accepted shares may carry the same
// (job_id, nonce) pair regardless of who submitted them.
const recentShareLookback = 500

// Config holds the tunables the coordinator was constructed with; all of it
// maps directly to internal/config fields.
type Config struct {
	PoolAddress         string
	PoolFeePercent      int64
	InitialDifficulty   int64
	VarDiff             vardiff.Config
	PayoutMethod        PayoutMethod
	PPLNSWindow         int
	MinPayout           int64
	PayoutInterval      time.Duration
	BanOnInvalidShare   bool
	MaxInvalidShares    int64
	BanDuration         time.Duration
	ConnectionTimeout   time.Duration
	MaxConnectionsPerIP int
}

// Notifier is how the coordinator reaches a live session without importing
// the transport layer. internal/stratum's Server implements it by looking
// up the stratum.Session bound to a session ID and writing the
// corresponding Stratum message.
type Notifier interface {
	NotifyJob(sessionID int64, job *workgen.Job, extraNonce1 string, cleanJobs bool)
	NotifyDifficulty(sessionID int64, difficulty int64)
	Disconnect(sessionID int64)
}

// EventSink publishes pool events onto the cross-process bus.
// *messaging.Publisher satisfies it; the coordinator treats every publish
// as best-effort and never lets a bus failure affect the accounting path.
type EventSink interface {
	PublishJob(ctx context.Context, event messaging.JobEvent) error
	PublishShare(ctx context.Context, event messaging.ShareEvent) error
	PublishBlock(ctx context.Context, event messaging.BlockEvent) error
	PublishPayment(ctx context.Context, event messaging.PaymentEvent) error
}

// sessionState is the coordinator's per-connection bookkeeping: connection
// ID, peer address, assigned extranonce1, owning worker ID once authorized,
// connected-at and last-activity instants.
type sessionState struct {
	id           int64
	remoteIP     string
	extraNonce1  string
	minerID      int64
	workerID     int64
	authorized   bool
	connectedAt  time.Time
	lastActivity time.Time
}

// Coordinator is the pool's single live coordinator state.
type Coordinator struct {
	cfg      Config
	ids      *identity.Allocator
	store    *poolstore.Store
	rpc      bitcoin.RPCInterface
	work     *workgen.Generator
	notifier Notifier
	logger   *log.Logger

	rpcBreaker *circuit.Breaker
	rpcRetry   *retry.Config

	admission *admissionTracker
	sink      EventSink

	mu       sync.Mutex
	sessions map[int64]*sessionState
}

// New constructs a Coordinator. notifier may be nil until the listener that
// implements it is wired up; operations that would notify simply no-op
// until then, which lets tests exercise the pipeline without a transport.
func New(cfg Config, ids *identity.Allocator, store *poolstore.Store, rpc bitcoin.RPCInterface, work *workgen.Generator, notifier Notifier, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New("coordinator", "dev", "info", "text")
	}
	return &Coordinator{
		cfg:      cfg,
		ids:      ids,
		store:    store,
		rpc:      rpc,
		work:     work,
		notifier: notifier,
		logger:   logger,
		rpcBreaker: circuit.New(&circuit.Config{
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         10 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		rpcRetry:  retry.NetworkConfig(),
		admission: newAdmissionTracker(cfg.MaxConnectionsPerIP),
		sessions:  make(map[int64]*sessionState),
	}
}

// notify is a nil-safe shim so internal callers never have to check
// c.notifier themselves.
func (c *Coordinator) notify() Notifier {
	if c.notifier == nil {
		return noopNotifier{}
	}
	return c.notifier
}

type noopNotifier struct{}

func (noopNotifier) NotifyJob(int64, *workgen.Job, string, bool) {}
func (noopNotifier) NotifyDifficulty(int64, int64)               {}
func (noopNotifier) Disconnect(int64)                            {}

// SetEventSink attaches the bus publisher. Optional; without one the
// coordinator runs standalone and publishes nothing.
func (c *Coordinator) SetEventSink(sink EventSink) {
	c.sink = sink
}

// SetNotifier attaches the session transport. The listener is constructed
// after the coordinator (it needs the coordinator for admission), so the
// two are tied together with this setter before anything serves traffic.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// events is the nil-safe counterpart of notify for the bus.
func (c *Coordinator) events() EventSink {
	if c.sink == nil {
		return noopSink{}
	}
	return c.sink
}

type noopSink struct{}

func (noopSink) PublishJob(context.Context, messaging.JobEvent) error         { return nil }
func (noopSink) PublishShare(context.Context, messaging.ShareEvent) error     { return nil }
func (noopSink) PublishBlock(context.Context, messaging.BlockEvent) error     { return nil }
func (noopSink) PublishPayment(context.Context, messaging.PaymentEvent) error { return nil }

// OnConnect admits a new connection from remoteIP, enforcing the per-IP
// connection cap at accept time, and allocates its session ID and
// extranonce1 from the identifier allocator, never from the raw
// connection descriptor or a timestamp.
func (c *Coordinator) OnConnect(remoteIP string) (sessionID int64, extraNonce1 string, err error) {
	if err := c.admission.acquire(remoteIP); err != nil {
		return 0, "", err
	}

	id := c.ids.Next(identity.KindSession)
	extraNonce1 = fmt.Sprintf("%08x", uint32(id))

	now := time.Now()
	c.mu.Lock()
	c.sessions[id] = &sessionState{
		id:           id,
		remoteIP:     remoteIP,
		extraNonce1:  extraNonce1,
		connectedAt:  now,
		lastActivity: now,
	}
	c.mu.Unlock()

	return id, extraNonce1, nil
}

// OnDisconnect releases a session's admission slot, removes its
// bookkeeping, and destroys the Worker the session had bound: workers
// live exactly as long as their owning session. The miner's cumulative
// accounting is unaffected; a reconnect authorizes a fresh worker at the
// initial difficulty.
func (c *Coordinator) OnDisconnect(sessionID int64) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if ok {
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()

	if ok {
		if s.workerID != 0 {
			c.store.RemoveWorker(s.workerID)
		}
		c.admission.release(s.remoteIP)
	}
}

// OnSubscribe returns the subscription details for a session: its
// extranonce1 (fixed at connect time) and extranonce2_size, and the
// currently live job if one exists yet so the session can seed its first
// mining.notify immediately rather than waiting for the next broadcast.
// Idempotent per connection.
func (c *Coordinator) OnSubscribe(sessionID int64) (extraNonce1 string, extraNonce2Size int, current *workgen.Job, err error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return "", 0, nil, fmt.Errorf("coordinator: unknown session %d", sessionID)
	}
	c.touchSession(sessionID)
	return s.extraNonce1, 4, c.work.Current(), nil
}

// OnAuthorize parses "miner[.worker]", auto-registering the miner if the
// username has never been seen (no address validation is performed here;
// an operator wanting stricter checks enforces it upstream of this call),
// binds a Worker to the session, and seeds its difficulty. Apart from
// registration and worker-creation failures, it succeeds for any miner
// that is not banned; the caller schedules the session's first
// set_difficulty and notify.
func (c *Coordinator) OnAuthorize(sessionID int64, username, ip string) (minerID, workerID, difficulty int64, err error) {
	minerUsername, workerName, _ := strings.Cut(username, ".")
	if minerUsername == "" {
		return 0, 0, 0, fmt.Errorf("coordinator: empty miner username")
	}

	miner, ok := c.store.GetMinerByUsername(minerUsername)
	if !ok {
		id, regErr := c.store.RegisterMiner(minerUsername, minerUsername, "")
		if regErr != nil {
			return 0, 0, 0, fmt.Errorf("register miner: %w", regErr)
		}
		miner, _ = c.store.GetMiner(id)
	}

	if miner.IsBanned(time.Now()) {
		return 0, 0, 0, fmt.Errorf("%w: %s", ErrBanned, minerUsername)
	}

	worker, ok := c.store.GetWorkerByName(miner.ID, workerName)
	if !ok {
		wid, addErr := c.store.AddWorker(miner.ID, workerName, poolstore.Endpoint{Addr: ip})
		if addErr != nil {
			return 0, 0, 0, fmt.Errorf("add worker: %w", addErr)
		}
		c.store.SetWorkerDifficulty(wid, c.cfg.InitialDifficulty)
		worker, _ = c.store.GetWorker(wid)
	}

	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if ok {
		s.minerID = miner.ID
		s.workerID = worker.ID
		s.authorized = true
	}
	c.mu.Unlock()
	if !ok {
		return 0, 0, 0, fmt.Errorf("coordinator: unknown session %d", sessionID)
	}

	c.store.BindWorkerSession(worker.ID, sessionID, s.extraNonce1, poolstore.Endpoint{Addr: ip})
	c.store.TouchWorkerActivity(worker.ID, time.Now())

	return miner.ID, worker.ID, worker.CurrentDifficulty, nil
}

// CurrentJob returns the live job, or nil before the first template fetch
// succeeds. The session layer uses it to seed a freshly authorized
// session's first mining.notify.
func (c *Coordinator) CurrentJob() *workgen.Job {
	return c.work.Current()
}

// SubmitOutcome is the coordinator's verdict on a mining.submit, shaped so
// the session layer can map it directly onto the Stratum wire response.
type SubmitOutcome struct {
	Accepted bool
	IsBlock  bool
	Reject   poolstore.RejectReason
}

// OnSubmit runs the validate -> record -> retarget pipeline for one share
// atomically with respect to every other submit. The coordinator
// mutex and the upstream full-node RPC call never overlap: if the share is
// a block candidate,
// (reconstruct, submit_block, close round, refresh work, broadcast) runs
// after the mutex is released, never holding it across a network call.
func (c *Coordinator) OnSubmit(ctx context.Context, sessionID int64, jobID, extraNonce2, ntime, nonce string) (SubmitOutcome, error) {
	c.mu.Lock()
	outcome, candidate, share, err := c.submitLocked(sessionID, jobID, extraNonce2, ntime, nonce)
	c.mu.Unlock()
	if err != nil {
		return SubmitOutcome{}, err
	}

	c.publishShare(ctx, share)

	if outcome.Accepted && outcome.IsBlock {
		c.handleBlockCandidate(ctx, candidate, share.MinerID)
	}
	return outcome, nil
}

// publishShare mirrors one recorded share onto the bus, best-effort.
func (c *Coordinator) publishShare(ctx context.Context, share poolstore.Share) {
	if share.ID == 0 {
		return
	}
	err := c.events().PublishShare(ctx, messaging.ShareEvent{
		ShareID:     share.ID,
		MinerID:     share.MinerID,
		WorkerID:    share.WorkerID,
		WorkerName:  share.WorkerName,
		JobID:       share.JobID,
		Nonce:       share.Nonce,
		ExtraNonce2: share.ExtraNonce2,
		HashHex:     messaging.HashHex(share.Hash),
		Difficulty:  share.Difficulty,
		Valid:       share.Valid,
		IsBlock:     share.IsBlock,
		Reject:      string(share.Reject),
		SubmittedAt: share.Timestamp,
	})
	if err != nil {
		c.logger.WithError(err).Debug("share event publish failed", "share_id", share.ID)
	}
}

// submitLocked holds the pipeline body that must run under c.mu: resolving
// the session, validating the share, recording it, and retargeting its
// worker. It returns the candidate and the recorded share so the caller
// can run the (unlocked) block-submission path and the bus publish without
// re-deriving them.
func (c *Coordinator) submitLocked(sessionID int64, jobID, extraNonce2, ntime, nonce string) (SubmitOutcome, validation.Candidate, poolstore.Share, error) {
	s, ok := c.sessions[sessionID]
	if !ok || !s.authorized {
		return SubmitOutcome{Reject: poolstore.RejectUnauthorized}, validation.Candidate{}, poolstore.Share{}, nil
	}
	s.lastActivity = time.Now()

	worker, ok := c.store.GetWorker(s.workerID)
	if !ok {
		return SubmitOutcome{Reject: poolstore.RejectUnauthorized}, validation.Candidate{}, poolstore.Share{}, nil
	}
	miner, ok := c.store.GetMiner(s.minerID)
	if !ok {
		return SubmitOutcome{Reject: poolstore.RejectUnauthorized}, validation.Candidate{}, poolstore.Share{}, nil
	}
	if miner.IsBanned(time.Now()) {
		c.notify().Disconnect(sessionID)
		return SubmitOutcome{Reject: poolstore.RejectUnauthorized}, validation.Candidate{}, poolstore.Share{}, nil
	}

	candidate := validation.Candidate{
		JobID:            jobID,
		ExtraNonce1:      s.extraNonce1,
		ExtraNonce2:      extraNonce2,
		NTime:            ntime,
		Nonce:            nonce,
		WorkerDifficulty: worker.CurrentDifficulty,
		SubmittedAt:      time.Now(),
	}
	recent := c.store.RecentShares(recentShareLookback)

	result, err := validation.Validate(candidate, c.work.Current(), c.work.Lookup, recent)
	if err != nil {
		c.logger.WithError(err).Warn("share validation failed to evaluate")
		result = validation.Result{Reject: poolstore.RejectInvalid}
	}

	share := poolstore.Share{
		ID:          c.ids.Next(identity.KindShare),
		MinerID:     miner.ID,
		WorkerID:    worker.ID,
		WorkerName:  worker.Name,
		JobID:       jobID,
		Nonce:       nonce,
		ExtraNonce2: extraNonce2,
		Hash:        result.Hash,
		Difficulty:  worker.CurrentDifficulty,
		Timestamp:   candidate.SubmittedAt,
		Valid:       result.Valid,
		IsBlock:     result.IsBlock,
		Reject:      result.Reject,
	}
	if err := c.store.RecordShare(share); err != nil {
		return SubmitOutcome{}, validation.Candidate{}, poolstore.Share{}, fmt.Errorf("record share: %w", err)
	}

	c.checkInvalidShares(sessionID, miner.ID)
	c.retargetWorker(sessionID, worker.ID)

	outcome := SubmitOutcome{Accepted: result.Valid, IsBlock: result.IsBlock, Reject: result.Reject}
	return outcome, candidate, share, nil
}

// checkInvalidShares bans a miner whose invalid_share_count has crossed the
// configured threshold. A valid share resets
// the counter to 0 inside Store.RecordShare, so this only ever fires after
// a run of rejects.
func (c *Coordinator) checkInvalidShares(sessionID, minerID int64) {
	if !c.cfg.BanOnInvalidShare {
		return
	}
	miner, ok := c.store.GetMiner(minerID)
	if !ok || miner.InvalidShareCount < c.cfg.MaxInvalidShares {
		return
	}
	c.store.BanMiner(minerID, time.Now().Add(c.cfg.BanDuration))
	c.logger.LogBan("banned", minerID, int64(c.cfg.BanDuration.Seconds()))
	c.notify().Disconnect(sessionID)
}

// retargetWorker applies the VarDiff controller's verdict for one worker
// and, if its difficulty changed, pushes a new set_difficulty.
func (c *Coordinator) retargetWorker(sessionID, workerID int64) {
	worker, ok := c.store.GetWorker(workerID)
	if !ok {
		return
	}
	state := vardiff.WorkerState{
		CurrentDifficulty:     worker.CurrentDifficulty,
		LastShareTime:         worker.LastShareAt,
		RecentShareTimestamps: worker.RecentShareTimestamps,
	}
	now := time.Now()
	if !c.cfg.VarDiff.ShouldAdjust(state, now) {
		return
	}
	next := c.cfg.VarDiff.NewDifficulty(state)
	if next == worker.CurrentDifficulty {
		return
	}
	c.store.SetWorkerDifficulty(workerID, next)
	c.logger.LogDifficultyRetarget(workerID, worker.CurrentDifficulty, next)
	c.notify().NotifyDifficulty(sessionID, next)
}

// touchSession refreshes a session's last-activity instant, used by both
// OnSubscribe and the idle sweep's exemption of freshly-seen connections.
func (c *Coordinator) touchSession(sessionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		s.lastActivity = time.Now()
	}
}
