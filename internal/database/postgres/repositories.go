package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// The repositories below realize the store-adapter contract: idempotent
// upserts keyed by the entity's allocator-assigned ID, and bounded scans
// in reverse chronological order. Upserting the same row twice is always
// safe; the core may replay a mirror write after a transient failure.

// MinerRepository handles miner persistence.
type MinerRepository struct {
	db *sql.DB
}

// NewMinerRepository creates a new miner repository
func NewMinerRepository(db *sql.DB) *MinerRepository {
	return &MinerRepository{db: db}
}

// UpsertMiner inserts or fully refreshes a miner row by ID.
func (r *MinerRepository) UpsertMiner(ctx context.Context, m *Miner) error {
	query := `
		INSERT INTO miners (id, username, payout_address, email, accepted_shares, rejected_shares,
		                    blocks_found, unpaid_balance, paid_balance, invalid_share_count,
		                    banned, ban_expiry, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			payout_address = EXCLUDED.payout_address,
			email = EXCLUDED.email,
			accepted_shares = EXCLUDED.accepted_shares,
			rejected_shares = EXCLUDED.rejected_shares,
			blocks_found = EXCLUDED.blocks_found,
			unpaid_balance = EXCLUDED.unpaid_balance,
			paid_balance = EXCLUDED.paid_balance,
			invalid_share_count = EXCLUDED.invalid_share_count,
			banned = EXCLUDED.banned,
			ban_expiry = EXCLUDED.ban_expiry,
			last_seen_at = EXCLUDED.last_seen_at`

	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.Username, m.PayoutAddress, m.Email, m.AcceptedShares, m.RejectedShares,
		m.BlocksFound, m.UnpaidBalance, m.PaidBalance, m.InvalidShareCount,
		m.Banned, m.BanExpiry, m.RegisteredAt, m.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert miner: %w", err)
	}
	return nil
}

// GetMinerByUsername retrieves a miner by username.
func (r *MinerRepository) GetMinerByUsername(ctx context.Context, username string) (*Miner, error) {
	query := `
		SELECT id, username, payout_address, email, accepted_shares, rejected_shares,
		       blocks_found, unpaid_balance, paid_balance, invalid_share_count,
		       banned, ban_expiry, registered_at, last_seen_at
		FROM miners WHERE username = $1`

	m := &Miner{}
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&m.ID, &m.Username, &m.PayoutAddress, &m.Email, &m.AcceptedShares, &m.RejectedShares,
		&m.BlocksFound, &m.UnpaidBalance, &m.PaidBalance, &m.InvalidShareCount,
		&m.Banned, &m.BanExpiry, &m.RegisteredAt, &m.LastSeenAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("miner not found")
		}
		return nil, fmt.Errorf("failed to get miner: %w", err)
	}
	return m, nil
}

// UpdateLastSeen refreshes a miner's last-seen timestamp.
func (r *MinerRepository) UpdateLastSeen(ctx context.Context, minerID int64) error {
	query := `UPDATE miners SET last_seen_at = $1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, time.Now(), minerID); err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

// WorkerRepository handles worker persistence.
type WorkerRepository struct {
	db *sql.DB
}

// NewWorkerRepository creates a new worker repository
func NewWorkerRepository(db *sql.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// UpsertWorker inserts or fully refreshes a worker row by ID.
func (r *WorkerRepository) UpsertWorker(ctx context.Context, w *Worker) error {
	query := `
		INSERT INTO workers (id, miner_id, name, difficulty, accepted_shares, rejected_shares,
		                     stale_shares, duplicate_shares, blocks_found, endpoint_addr,
		                     endpoint_port, is_active, connected_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			difficulty = EXCLUDED.difficulty,
			accepted_shares = EXCLUDED.accepted_shares,
			rejected_shares = EXCLUDED.rejected_shares,
			stale_shares = EXCLUDED.stale_shares,
			duplicate_shares = EXCLUDED.duplicate_shares,
			blocks_found = EXCLUDED.blocks_found,
			endpoint_addr = EXCLUDED.endpoint_addr,
			endpoint_port = EXCLUDED.endpoint_port,
			is_active = EXCLUDED.is_active,
			last_activity_at = EXCLUDED.last_activity_at`

	_, err := r.db.ExecContext(ctx, query,
		w.ID, w.MinerID, w.Name, w.Difficulty, w.AcceptedShares, w.RejectedShares,
		w.StaleShares, w.DuplicateShares, w.BlocksFound, w.EndpointAddr,
		w.EndpointPort, w.IsActive, w.ConnectedAt, w.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}
	return nil
}

// GetWorkersByMiner lists a miner's workers.
func (r *WorkerRepository) GetWorkersByMiner(ctx context.Context, minerID int64) ([]*Worker, error) {
	query := `
		SELECT id, miner_id, name, difficulty, accepted_shares, rejected_shares,
		       stale_shares, duplicate_shares, blocks_found, endpoint_addr,
		       endpoint_port, is_active, connected_at, last_activity_at
		FROM workers
		WHERE miner_id = $1
		ORDER BY connected_at DESC`

	rows, err := r.db.QueryContext(ctx, query, minerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer closeRows(rows)

	var workers []*Worker
	for rows.Next() {
		w := &Worker{}
		err := rows.Scan(
			&w.ID, &w.MinerID, &w.Name, &w.Difficulty, &w.AcceptedShares, &w.RejectedShares,
			&w.StaleShares, &w.DuplicateShares, &w.BlocksFound, &w.EndpointAddr,
			&w.EndpointPort, &w.IsActive, &w.ConnectedAt, &w.LastActivityAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}

// DeactivateWorker marks a worker inactive after its session closed.
func (r *WorkerRepository) DeactivateWorker(ctx context.Context, workerID int64) error {
	query := `UPDATE workers SET is_active = FALSE, last_activity_at = $1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, time.Now(), workerID); err != nil {
		return fmt.Errorf("failed to deactivate worker: %w", err)
	}
	return nil
}

// ShareRepository handles share persistence.
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// UpsertShare inserts a share row by ID; a replayed write is a no-op since
// share rows never change after submission.
func (r *ShareRepository) UpsertShare(ctx context.Context, s *Share) error {
	query := `
		INSERT INTO shares (id, miner_id, worker_id, worker_name, job_id, nonce, extra_nonce2,
		                    hash, difficulty, is_valid, is_block, reject_reason, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.MinerID, s.WorkerID, s.WorkerName, s.JobID, s.Nonce, s.ExtraNonce2,
		s.Hash, s.Difficulty, s.IsValid, s.IsBlock, s.RejectReason, s.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert share: %w", err)
	}
	return nil
}

// GetSharesByMiner retrieves a miner's shares, newest first.
func (r *ShareRepository) GetSharesByMiner(ctx context.Context, minerID int64, limit, offset int) ([]*Share, error) {
	query := `
		SELECT id, miner_id, worker_id, worker_name, job_id, nonce, extra_nonce2,
		       hash, difficulty, is_valid, is_block, reject_reason, submitted_at
		FROM shares
		WHERE miner_id = $1
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, minerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer closeRows(rows)

	var shares []*Share
	for rows.Next() {
		s := &Share{}
		err := rows.Scan(
			&s.ID, &s.MinerID, &s.WorkerID, &s.WorkerName, &s.JobID, &s.Nonce, &s.ExtraNonce2,
			&s.Hash, &s.Difficulty, &s.IsValid, &s.IsBlock, &s.RejectReason, &s.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}
	return shares, nil
}

// PruneBefore deletes shares older than cutoff, keeping the warehouse
// bounded the same way the in-memory ring is.
func (r *ShareRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM shares WHERE submitted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune shares: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned shares: %w", err)
	}
	return n, nil
}

// RoundRepository handles closed-round persistence.
type RoundRepository struct {
	db *sql.DB
}

// NewRoundRepository creates a new round repository
func NewRoundRepository(db *sql.DB) *RoundRepository {
	return &RoundRepository{db: db}
}

// UpsertRound records a closed round by ID.
func (r *RoundRepository) UpsertRound(ctx context.Context, round *Round) error {
	query := `
		INSERT INTO rounds (id, started_at, ended_at, submitted_shares, block_height,
		                    block_hash, block_reward, finder_miner_id, completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			submitted_shares = EXCLUDED.submitted_shares,
			block_height = EXCLUDED.block_height,
			block_hash = EXCLUDED.block_hash,
			block_reward = EXCLUDED.block_reward,
			finder_miner_id = EXCLUDED.finder_miner_id,
			completed = EXCLUDED.completed`

	_, err := r.db.ExecContext(ctx, query,
		round.ID, round.StartedAt, round.EndedAt, round.SubmittedShares, round.BlockHeight,
		round.BlockHash, round.BlockReward, round.FinderMinerID, round.Completed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert round: %w", err)
	}
	return nil
}

// GetRecentRounds retrieves closed rounds, newest first.
func (r *RoundRepository) GetRecentRounds(ctx context.Context, limit, offset int) ([]*Round, error) {
	query := `
		SELECT id, started_at, ended_at, submitted_shares, block_height,
		       block_hash, block_reward, finder_miner_id, completed
		FROM rounds
		ORDER BY ended_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer closeRows(rows)

	var rounds []*Round
	for rows.Next() {
		round := &Round{}
		err := rows.Scan(
			&round.ID, &round.StartedAt, &round.EndedAt, &round.SubmittedShares, &round.BlockHeight,
			&round.BlockHash, &round.BlockReward, &round.FinderMinerID, &round.Completed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rounds: %w", err)
	}
	return rounds, nil
}

// BlockRepository handles found-block persistence.
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// UpsertBlock records a found block by height+hash.
func (r *BlockRepository) UpsertBlock(ctx context.Context, b *Block) error {
	query := `
		INSERT INTO blocks (height, hash, finder_miner_id, difficulty, reward,
		                    status, confirmations, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (height, hash) DO UPDATE SET
			status = EXCLUDED.status,
			confirmations = EXCLUDED.confirmations
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		b.Height, b.Hash, b.FinderMinerID, b.Difficulty, b.Reward,
		b.Status, b.Confirmations, b.FoundAt,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert block: %w", err)
	}
	return nil
}

// UpdateBlockStatus moves a block through its confirmation lifecycle.
func (r *BlockRepository) UpdateBlockStatus(ctx context.Context, blockID int64, status string, confirmations int) error {
	query := `UPDATE blocks SET status = $1, confirmations = $2`
	args := []any{status, confirmations}

	if status == "confirmed" {
		query += `, confirmed_at = $3`
		args = append(args, time.Now())
	}

	query += ` WHERE id = $` + fmt.Sprintf("%d", len(args)+1)
	args = append(args, blockID)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update block status: %w", err)
	}
	return nil
}

// GetRecentBlocks retrieves found blocks, newest first.
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit, offset int) ([]*Block, error) {
	query := `
		SELECT id, height, hash, finder_miner_id, difficulty, reward,
		       status, confirmations, found_at, confirmed_at
		FROM blocks
		ORDER BY found_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer closeRows(rows)

	var blocks []*Block
	for rows.Next() {
		b := &Block{}
		err := rows.Scan(
			&b.ID, &b.Height, &b.Hash, &b.FinderMinerID, &b.Difficulty, &b.Reward,
			&b.Status, &b.Confirmations, &b.FoundAt, &b.ConfirmedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}
	return blocks, nil
}

// GetUnconfirmedBlocks lists blocks still awaiting their confirmation
// depth, for the reconciliation sweep.
func (r *BlockRepository) GetUnconfirmedBlocks(ctx context.Context) ([]*Block, error) {
	query := `
		SELECT id, height, hash, finder_miner_id, difficulty, reward,
		       status, confirmations, found_at, confirmed_at
		FROM blocks
		WHERE status IN ('pending', 'confirming')
		ORDER BY height ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unconfirmed blocks: %w", err)
	}
	defer closeRows(rows)

	var blocks []*Block
	for rows.Next() {
		b := &Block{}
		err := rows.Scan(
			&b.ID, &b.Height, &b.Hash, &b.FinderMinerID, &b.Difficulty, &b.Reward,
			&b.Status, &b.Confirmations, &b.FoundAt, &b.ConfirmedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}
	return blocks, nil
}

// PaymentRepository handles payment persistence.
type PaymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// UpsertPayment inserts or refreshes a payment row by ID, carrying status
// transitions (pending -> confirmed/failed) into the warehouse.
func (r *PaymentRepository) UpsertPayment(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (id, miner_id, address, amount, tx_hash, status, created_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			tx_hash = EXCLUDED.tx_hash,
			status = EXCLUDED.status,
			confirmed_at = EXCLUDED.confirmed_at`

	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.MinerID, p.Address, p.Amount, p.TxHash, p.Status, p.CreatedAt, p.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert payment: %w", err)
	}
	return nil
}

// GetRecentPayments retrieves payments, newest first.
func (r *PaymentRepository) GetRecentPayments(ctx context.Context, limit, offset int) ([]*Payment, error) {
	query := `
		SELECT id, miner_id, address, amount, tx_hash, status, created_at, confirmed_at
		FROM payments
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer closeRows(rows)

	var payments []*Payment
	for rows.Next() {
		p := &Payment{}
		err := rows.Scan(
			&p.ID, &p.MinerID, &p.Address, &p.Amount, &p.TxHash, &p.Status, &p.CreatedAt, &p.ConfirmedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, nil
}

func closeRows(rows *sql.Rows) {
	_ = rows.Close()
}
