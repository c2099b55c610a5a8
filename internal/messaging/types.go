package messaging

import "time"

// JobEvent mirrors a mining job onto the bus whenever the coordinator
// installs a new template, so additional listener processes and audit
// consumers can follow the job stream without touching the coordinator's
// lock.
type JobEvent struct {
	JobID        string    `json:"job_id"`
	PrevHash     string    `json:"prev_hash"`
	Coinb1       string    `json:"coinb1"`
	Coinb2       string    `json:"coinb2"`
	MerkleBranch []string  `json:"merkle_branch"`
	Version      string    `json:"version"`
	NBits        string    `json:"nbits"`
	NTime        string    `json:"ntime"`
	CleanJobs    bool      `json:"clean_jobs"`
	BlockHeight  int64     `json:"block_height"`
	CreatedAt    time.Time `json:"created_at"`
}

// ShareEvent records one share submission, accepted or rejected, for
// warehousing and audit consumers. Reject is empty on accepted shares.
type ShareEvent struct {
	ShareID     int64     `json:"share_id"`
	MinerID     int64     `json:"miner_id"`
	WorkerID    int64     `json:"worker_id"`
	WorkerName  string    `json:"worker_name"`
	JobID       string    `json:"job_id"`
	Nonce       string    `json:"nonce"`
	ExtraNonce2 string    `json:"extra_nonce2"`
	HashHex     string    `json:"hash"`
	Difficulty  int64     `json:"difficulty"`
	Valid       bool      `json:"valid"`
	IsBlock     bool      `json:"is_block"`
	Reject      string    `json:"reject,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// BlockEvent records a round-closing block: the height, hash and reward
// the round closed with, and whether the upstream node accepted the
// submission. A rejected submission still closes the round, with an empty
// hash and Accepted false.
type BlockEvent struct {
	RoundID       int64     `json:"round_id"`
	BlockHeight   int64     `json:"block_height"`
	BlockHash     string    `json:"block_hash"`
	BlockReward   int64     `json:"block_reward"`
	FinderMinerID int64     `json:"finder_miner_id"`
	Accepted      bool      `json:"accepted"`
	FoundAt       time.Time `json:"found_at"`
}

// PaymentEvent records one payment intent emitted by the payout cycle.
type PaymentEvent struct {
	PaymentID int64     `json:"payment_id"`
	MinerID   int64     `json:"miner_id"`
	Address   string    `json:"address"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
