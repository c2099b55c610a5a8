package postgres

import (
	"time"
)

// Miner is the durable mirror of a pool payout principal. Balances are
// integer base units (BIGINT); no money column is ever floating point.
type Miner struct {
	ID                int64      `db:"id"`
	Username          string     `db:"username"`
	PayoutAddress     string     `db:"payout_address"`
	Email             string     `db:"email"`
	AcceptedShares    int64      `db:"accepted_shares"`
	RejectedShares    int64      `db:"rejected_shares"`
	BlocksFound       int64      `db:"blocks_found"`
	UnpaidBalance     int64      `db:"unpaid_balance"`
	PaidBalance       int64      `db:"paid_balance"`
	InvalidShareCount int64      `db:"invalid_share_count"`
	Banned            bool       `db:"banned"`
	BanExpiry         *time.Time `db:"ban_expiry"`
	RegisteredAt      time.Time  `db:"registered_at"`
	LastSeenAt        *time.Time `db:"last_seen_at"`
}

// Worker is the durable mirror of a mining endpoint.
type Worker struct {
	ID              int64      `db:"id"`
	MinerID         int64      `db:"miner_id"`
	Name            string     `db:"name"`
	Difficulty      int64      `db:"difficulty"`
	AcceptedShares  int64      `db:"accepted_shares"`
	RejectedShares  int64      `db:"rejected_shares"`
	StaleShares     int64      `db:"stale_shares"`
	DuplicateShares int64      `db:"duplicate_shares"`
	BlocksFound     int64      `db:"blocks_found"`
	EndpointAddr    string     `db:"endpoint_addr"`
	EndpointPort    int        `db:"endpoint_port"`
	IsActive        bool       `db:"is_active"`
	ConnectedAt     time.Time  `db:"connected_at"`
	LastActivityAt  *time.Time `db:"last_activity_at"`
}

// Share is one submission event, valid or not. Bounded retention is
// enforced by ShareRepository.PruneBefore on the warehouse side.
type Share struct {
	ID           int64     `db:"id"`
	MinerID      int64     `db:"miner_id"`
	WorkerID     int64     `db:"worker_id"`
	WorkerName   string    `db:"worker_name"`
	JobID        string    `db:"job_id"`
	Nonce        string    `db:"nonce"`
	ExtraNonce2  string    `db:"extra_nonce2"`
	Hash         string    `db:"hash"`
	Difficulty   int64     `db:"difficulty"`
	IsValid      bool      `db:"is_valid"`
	IsBlock      bool      `db:"is_block"`
	RejectReason string    `db:"reject_reason"`
	SubmittedAt  time.Time `db:"submitted_at"`
}

// Round is a closed accounting round. Open rounds are never persisted;
// the in-memory store owns them until closure.
type Round struct {
	ID              int64     `db:"id"`
	StartedAt       time.Time `db:"started_at"`
	EndedAt         time.Time `db:"ended_at"`
	SubmittedShares int64     `db:"submitted_shares"`
	BlockHeight     int64     `db:"block_height"`
	BlockHash       string    `db:"block_hash"`
	BlockReward     int64     `db:"block_reward"`
	FinderMinerID   int64     `db:"finder_miner_id"`
	Completed       bool      `db:"completed"`
}

// Block is a found block with its confirmation lifecycle. Status moves
// pending -> confirming -> confirmed as the chain extends past it, or to
// orphaned when reconciliation finds the recorded hash off-chain.
type Block struct {
	ID            int64      `db:"id"`
	Height        int64      `db:"height"`
	Hash          string     `db:"hash"`
	FinderMinerID int64      `db:"finder_miner_id"`
	Difficulty    int64      `db:"difficulty"`
	Reward        int64      `db:"reward"`
	Status        string     `db:"status"` // pending, confirming, confirmed, orphaned
	Confirmations int        `db:"confirmations"`
	FoundAt       time.Time  `db:"found_at"`
	ConfirmedAt   *time.Time `db:"confirmed_at"`
}

// Payment is one payout intent. Amounts are integer base units.
type Payment struct {
	ID          int64      `db:"id"`
	MinerID     int64      `db:"miner_id"`
	Address     string     `db:"address"`
	Amount      int64      `db:"amount"`
	TxHash      *string    `db:"tx_hash"`
	Status      string     `db:"status"` // pending, confirmed, failed
	CreatedAt   time.Time  `db:"created_at"`
	ConfirmedAt *time.Time `db:"confirmed_at"`
}
