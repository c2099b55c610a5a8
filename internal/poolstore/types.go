// Package poolstore holds the pool's authoritative in-memory entity graph
// (miners, workers, shares, rounds and payments) together with the
// invariants from the data model. Nothing outside this package ever holds a
// direct pointer to a Miner or Worker; every other component addresses them
// by ID and goes through Store methods.
package poolstore

import "time"

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// Miner is a payout principal: the account a share's reward is ultimately
// attributed to.
type Miner struct {
	ID                int64
	Username          string
	PayoutAddress     string
	Email             string
	AcceptedShares    int64
	RejectedShares    int64
	BlocksFound       int64
	UnpaidBalance     int64
	PaidBalance       int64
	InvalidShareCount int64
	Banned            bool
	BanExpiry         time.Time
	LastPayoutAt      time.Time
	RegisteredAt      time.Time
	LastSeen          time.Time
	WorkerIDs         []int64
}

// IsBanned reports whether the miner is currently serving a ban, treating an
// expired ban as lifted without needing a separate unban call.
func (m *Miner) IsBanned(now time.Time) bool {
	if !m.Banned {
		return false
	}
	if m.BanExpiry.IsZero() {
		return true
	}
	return now.Before(m.BanExpiry)
}

// Endpoint is the network address a Worker connected from.
type Endpoint struct {
	Addr string
	Port int
}

// recentShareWindowCap bounds Worker.RecentShareTimestamps per the data
// model's "at most a fixed number of entries" invariant.
const recentShareWindowCap = 100

// Worker is a single mining endpoint belonging to a Miner.
type Worker struct {
	ID                    int64
	MinerID               int64
	Name                  string
	CurrentDifficulty     int64
	RecentShareTimestamps []time.Time
	LastShareAt           time.Time
	AcceptedShares        int64
	RejectedShares        int64
	StaleShares           int64
	DuplicateShares       int64
	BlocksFound           int64
	Endpoint              Endpoint
	ConnectedAt           time.Time
	LastActivity          time.Time
	Active                bool
	SessionID             int64
	ExtraNonce1           string
}

// recordShareTime appends a share timestamp to the bounded window, evicting
// the oldest entry once the cap is hit. Newest is always last.
func (w *Worker) recordShareTime(t time.Time) {
	w.RecentShareTimestamps = append(w.RecentShareTimestamps, t)
	if len(w.RecentShareTimestamps) > recentShareWindowCap {
		w.RecentShareTimestamps = w.RecentShareTimestamps[len(w.RecentShareTimestamps)-recentShareWindowCap:]
	}
}

// FullyQualifiedName is the "miner.worker" form used on the wire and in
// logs.
func (w *Worker) FullyQualifiedName(minerUsername string) string {
	if w.Name == "" {
		return minerUsername
	}
	return minerUsername + "." + w.Name
}

// RejectReason tags why a Share was not accepted. The empty string means
// the share was accepted.
type RejectReason string

const (
	RejectNone          RejectReason = ""
	RejectStale         RejectReason = "stale"
	RejectDuplicate     RejectReason = "duplicate"
	RejectLowDifficulty RejectReason = "low_difficulty"
	RejectJobNotFound   RejectReason = "job_not_found"
	RejectUnauthorized  RejectReason = "unauthorized_worker"
	// RejectInvalid marks a share the validator could not even evaluate
	// (malformed hex, an unparseable nonce/ntime) as distinct from a share
	// that was evaluated and found wanting.
	RejectInvalid RejectReason = "invalid"
)

// Share is a single submission event, valid or not.
type Share struct {
	ID          int64
	MinerID     int64
	WorkerID    int64
	WorkerName  string
	JobID       string
	Nonce       string
	ExtraNonce2 string
	Hash        [32]byte
	Difficulty  int64
	Timestamp   time.Time
	Valid       bool
	IsBlock     bool
	Reject      RejectReason
}

// Round is the interval between two found blocks.
type Round struct {
	ID              int64
	StartedAt       time.Time
	EndedAt         time.Time
	SubmittedShares int64
	MinerTally      map[int64]int64
	BlockHeight     int64
	BlockHash       string
	BlockReward     int64
	FinderMinerID   int64
	Completed       bool
}

// Snapshot returns a deep-enough copy safe to hand to a reader outside the
// store's lock.
func (r *Round) Snapshot() Round {
	tally := make(map[int64]int64, len(r.MinerTally))
	for k, v := range r.MinerTally {
		tally[k] = v
	}
	cp := *r
	cp.MinerTally = tally
	return cp
}

// Payment is an intent to pay a Miner, recorded by the coordinator's payout
// cycle. Dispatching the on-chain transaction is out of scope; this is the
// ledger row recording that the pool owes (or has attempted to pay) it.
type Payment struct {
	ID          int64
	MinerID     int64
	Address     string
	Amount      int64
	CreatedAt   time.Time
	TxHash      string
	ConfirmedAt time.Time
	Status      PaymentStatus
}
