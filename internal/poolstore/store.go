package poolstore

import (
	"sort"
	"sync"
	"time"

	"github.com/bardlex/gomp/internal/identity"
)

// activeWindow is how recently a miner must have been seen to count as
// "active" for stats purposes.
const activeWindow = 10 * time.Minute

// recentShareRingCap and recentShareEvictSize implement the bounded global
// share ring: once full, the oldest batch is dropped in one slice
// reallocation rather than shifting one element at a time, so eviction is
// amortized O(1) per append.
const (
	recentShareRingCap   = 10000
	recentShareEvictSize = 1000
)

const roundHistoryCap = 500
const paymentHistoryCap = 5000

// Limits bounds the store's admission caps.
type Limits struct {
	MaxMiners          int
	MaxWorkersPerMiner int
}

// Store is the pool's authoritative in-memory entity graph. All mutating
// operations are atomic with respect to one another via a single exclusive
// mutex; nothing outside this package is allowed to bypass it.
type Store struct {
	mu sync.RWMutex

	ids    *identity.Allocator
	limits Limits

	miners    map[int64]*Miner
	usernames map[string]int64
	workers   map[int64]*Worker

	shares []Share // ring buffer, oldest first

	currentRound *Round
	roundHistory []Round // closed rounds, newest last

	payments []Payment // append-only, newest last
}

// New constructs an empty Store with a fresh open Round.
func New(ids *identity.Allocator, limits Limits) *Store {
	s := &Store{
		ids:       ids,
		limits:    limits,
		miners:    make(map[int64]*Miner),
		usernames: make(map[string]int64),
		workers:   make(map[int64]*Worker),
	}
	s.currentRound = s.newRound()
	return s
}

func (s *Store) newRound() *Round {
	return &Round{
		ID:         s.ids.Next(identity.KindRound),
		StartedAt:  time.Now(),
		MinerTally: make(map[int64]int64),
	}
}

// RegisterMiner creates a Miner if the username is not already taken.
func (s *Store) RegisterMiner(username, payoutAddress, email string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usernames[username]; exists {
		return 0, ErrAlreadyExists
	}
	if s.limits.MaxMiners > 0 && len(s.miners) >= s.limits.MaxMiners {
		return 0, ErrAtCapacity
	}

	id := s.ids.Next(identity.KindMiner)
	now := time.Now()
	m := &Miner{
		ID:            id,
		Username:      username,
		PayoutAddress: payoutAddress,
		Email:         email,
		RegisteredAt:  now,
		LastSeen:      now,
	}
	s.miners[id] = m
	s.usernames[username] = id
	return id, nil
}

// AddWorker creates a Worker bound to an existing Miner.
func (s *Store) AddWorker(minerID int64, name string, endpoint Endpoint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.miners[minerID]
	if !ok {
		return 0, ErrUnknownMiner
	}
	if s.limits.MaxWorkersPerMiner > 0 && len(m.WorkerIDs) >= s.limits.MaxWorkersPerMiner {
		return 0, ErrPerMinerCap
	}

	id := s.ids.Next(identity.KindWorker)
	now := time.Now()
	w := &Worker{
		ID:           id,
		MinerID:      minerID,
		Name:         name,
		Endpoint:     endpoint,
		ConnectedAt:  now,
		LastActivity: now,
		Active:       true,
	}
	s.workers[id] = w
	m.WorkerIDs = append(m.WorkerIDs, id)
	return id, nil
}

// RemoveWorker deletes a Worker and cascades removal from its miner's
// worker set. Idempotent: removing an already-removed or unknown worker is
// a no-op.
func (s *Store) RemoveWorker(workerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	delete(s.workers, workerID)

	if m, ok := s.miners[w.MinerID]; ok {
		for i, id := range m.WorkerIDs {
			if id == workerID {
				m.WorkerIDs = append(m.WorkerIDs[:i], m.WorkerIDs[i+1:]...)
				break
			}
		}
	}
}

// GetMiner returns a copy of the miner record, never a live pointer.
func (s *Store) GetMiner(minerID int64) (Miner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.miners[minerID]
	if !ok {
		return Miner{}, false
	}
	return cloneMiner(m), true
}

// GetMinerByUsername resolves a miner by its unique username.
func (s *Store) GetMinerByUsername(username string) (Miner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[username]
	if !ok {
		return Miner{}, false
	}
	return cloneMiner(s.miners[id]), true
}

// GetWorker returns a copy of the worker record.
func (s *Store) GetWorker(workerID int64) (Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[workerID]
	if !ok {
		return Worker{}, false
	}
	return cloneWorker(w), true
}

// SetWorkerDifficulty updates a worker's current difficulty, as driven by
// the VarDiff controller.
func (s *Store) SetWorkerDifficulty(workerID int64, difficulty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[workerID]; ok {
		w.CurrentDifficulty = difficulty
	}
}

// GetWorkerByName resolves a worker belonging to minerID by its name,
// matching the "miner.worker" lookup authorize performs on reconnect.
func (s *Store) GetWorkerByName(minerID int64, name string) (Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.miners[minerID]
	if !ok {
		return Worker{}, false
	}
	for _, id := range m.WorkerIDs {
		if w, ok := s.workers[id]; ok && w.Name == name {
			return cloneWorker(w), true
		}
	}
	return Worker{}, false
}

// BindWorkerSession associates a worker with the session currently serving
// it, replacing whatever session (if any) previously claimed it; a
// reconnecting worker always wins the binding.
func (s *Store) BindWorkerSession(workerID, sessionID int64, extraNonce1 string, endpoint Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	w.SessionID = sessionID
	w.ExtraNonce1 = extraNonce1
	w.Endpoint = endpoint
	w.Active = true
	now := time.Now()
	w.ConnectedAt = now
	w.LastActivity = now
}

// TouchWorkerActivity records that a session for this worker did something,
// refreshing the LastActivity that ActiveWorkerCount reads.
func (s *Store) TouchWorkerActivity(workerID int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[workerID]; ok {
		w.LastActivity = at
	}
	if w, ok := s.workers[workerID]; ok {
		if m, ok := s.miners[w.MinerID]; ok {
			m.LastSeen = at
		}
	}
}

// RecordShare appends a share to the bounded ring and applies its
// accounting consequences to its worker, miner and the open round, all
// atomically. The share's Valid/IsBlock/Reject fields must already be set
// by the validator; this method never re-validates.
func (s *Store) RecordShare(share Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[share.WorkerID]
	if !ok {
		return ErrUnknownWorker
	}
	m, ok := s.miners[w.MinerID]
	if !ok {
		return ErrUnknownMiner
	}

	s.appendShare(share)

	now := share.Timestamp
	w.LastActivity = now
	m.LastSeen = now
	s.currentRound.SubmittedShares++

	switch {
	case share.Valid:
		w.AcceptedShares++
		w.recordShareTime(now)
		w.LastShareAt = now
		m.AcceptedShares++
		m.InvalidShareCount = 0
		s.currentRound.MinerTally[m.ID]++
		if share.IsBlock {
			w.BlocksFound++
			m.BlocksFound++
		}
	case share.Reject == RejectStale:
		w.StaleShares++
		m.RejectedShares++
	case share.Reject == RejectDuplicate:
		w.DuplicateShares++
		m.RejectedShares++
		m.InvalidShareCount++
	default:
		m.RejectedShares++
		m.InvalidShareCount++
	}

	return nil
}

func (s *Store) appendShare(share Share) {
	s.shares = append(s.shares, share)
	if len(s.shares) > recentShareRingCap {
		over := len(s.shares) - recentShareRingCap
		drop := recentShareEvictSize
		if drop < over {
			drop = over
		}
		if drop > len(s.shares) {
			drop = len(s.shares)
		}
		rest := make([]Share, len(s.shares)-drop)
		copy(rest, s.shares[drop:])
		s.shares = rest
	}
}

// RecentShares returns up to n of the most recently recorded shares,
// newest last, matching the ring's storage order.
func (s *Store) RecentShares(n int) []Share {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastN(s.shares, n)
}

// MinerShares returns up to n of the most recent shares belonging to a
// given miner.
func (s *Store) MinerShares(minerID int64, n int) []Share {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Share
	for i := len(s.shares) - 1; i >= 0 && len(out) < n; i-- {
		if s.shares[i].MinerID == minerID {
			out = append(out, s.shares[i])
		}
	}
	// restore chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// GetCurrentRound returns a snapshot of the open round.
func (s *Store) GetCurrentRound() Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRound.Snapshot()
}

// CloseRound closes the open round with the given block-found outcome and
// atomically opens a fresh one. finderMinerID is zero when the block
// submission failed and the round closes without a credited finder.
// Returns the closed round's final snapshot.
func (s *Store) CloseRound(height int64, hash string, reward int64, finderMinerID int64) Round {
	s.mu.Lock()
	defer s.mu.Unlock()

	closed := s.currentRound
	closed.EndedAt = time.Now()
	closed.BlockHeight = height
	closed.BlockHash = hash
	closed.BlockReward = reward
	closed.FinderMinerID = finderMinerID
	closed.Completed = true

	snapshot := closed.Snapshot()
	s.roundHistory = append(s.roundHistory, snapshot)
	if len(s.roundHistory) > roundHistoryCap {
		s.roundHistory = s.roundHistory[len(s.roundHistory)-roundHistoryCap:]
	}

	s.currentRound = s.newRound()
	return snapshot
}

// RoundHistory returns up to n of the most recently closed rounds, newest
// last.
func (s *Store) RoundHistory(n int) []Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastN(s.roundHistory, n)
}

// CreatePayment atomically moves amount from a miner's unpaid to paid
// balance and appends a pending Payment row.
func (s *Store) CreatePayment(minerID int64, amount int64) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.miners[minerID]
	if !ok {
		return Payment{}, ErrUnknownMiner
	}
	if amount <= 0 || m.UnpaidBalance < amount {
		return Payment{}, ErrInsufficient
	}

	m.UnpaidBalance -= amount
	m.PaidBalance += amount
	m.LastPayoutAt = time.Now()

	p := Payment{
		ID:        s.ids.Next(identity.KindPayment),
		MinerID:   minerID,
		Address:   m.PayoutAddress,
		Amount:    amount,
		CreatedAt: time.Now(),
		Status:    PaymentPending,
	}
	s.payments = append(s.payments, p)
	if len(s.payments) > paymentHistoryCap {
		s.payments = s.payments[len(s.payments)-paymentHistoryCap:]
	}
	return p, nil
}

// FailPayment rolls back a pending payment's balance transfer and marks it
// failed, per the payout-failure propagation policy.
func (s *Store) FailPayment(paymentID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.payments {
		p := &s.payments[i]
		if p.ID != paymentID || p.Status != PaymentPending {
			continue
		}
		if m, ok := s.miners[p.MinerID]; ok {
			m.PaidBalance -= p.Amount
			m.UnpaidBalance += p.Amount
		}
		p.Status = PaymentFailed
		return
	}
}

// ConfirmPayment marks a pending payment confirmed with its on-chain tx
// hash.
func (s *Store) ConfirmPayment(paymentID int64, txHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.payments {
		p := &s.payments[i]
		if p.ID == paymentID {
			p.Status = PaymentConfirmed
			p.TxHash = txHash
			p.ConfirmedAt = time.Now()
			return
		}
	}
}

// CreditUnpaid increases a miner's unpaid balance, used by the reward
// calculators to post a block's payout split.
func (s *Store) CreditUnpaid(minerID int64, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.miners[minerID]; ok {
		m.UnpaidBalance += amount
	}
}

// PaymentHistory returns up to n of the most recent payments, newest last.
func (s *Store) PaymentHistory(n int) []Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastN(s.payments, n)
}

// MinerPayments returns up to n of the most recent payments for a miner.
func (s *Store) MinerPayments(minerID int64, n int) []Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Payment
	for i := len(s.payments) - 1; i >= 0 && len(out) < n; i-- {
		if s.payments[i].MinerID == minerID {
			out = append(out, s.payments[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// BanMiner marks a miner banned until expiry.
func (s *Store) BanMiner(minerID int64, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.miners[minerID]; ok {
		m.Banned = true
		m.BanExpiry = expiry
		m.InvalidShareCount = 0
	}
}

// UnbanMiner lifts a ban immediately.
func (s *Store) UnbanMiner(minerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.miners[minerID]; ok {
		m.Banned = false
		m.BanExpiry = time.Time{}
	}
}

// ActiveMinerCount returns the number of miners seen within activeWindow.
func (s *Store) ActiveMinerCount(now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.miners {
		if now.Sub(m.LastSeen) < activeWindow {
			count++
		}
	}
	return count
}

// ActiveWorkerCount returns the number of workers with recent activity.
func (s *Store) ActiveWorkerCount(now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, w := range s.workers {
		if w.Active && now.Sub(w.LastActivity) < activeWindow {
			count++
		}
	}
	return count
}

// AllMiners returns a snapshot of every miner, for stats aggregation.
func (s *Store) AllMiners() []Miner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Miner, 0, len(s.miners))
	for _, m := range s.miners {
		out = append(out, cloneMiner(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MinerWorkers returns a snapshot of every worker belonging to a miner.
func (s *Store) MinerWorkers(minerID int64) []Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.miners[minerID]
	if !ok {
		return nil
	}
	out := make([]Worker, 0, len(m.WorkerIDs))
	for _, id := range m.WorkerIDs {
		if w, ok := s.workers[id]; ok {
			out = append(out, cloneWorker(w))
		}
	}
	return out
}

// AllWorkers returns a snapshot of every worker, for stats aggregation.
func (s *Store) AllWorkers() []Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, cloneWorker(w))
	}
	return out
}

func cloneMiner(m *Miner) Miner {
	cp := *m
	cp.WorkerIDs = append([]int64(nil), m.WorkerIDs...)
	return cp
}

func cloneWorker(w *Worker) Worker {
	cp := *w
	cp.RecentShareTimestamps = append([]time.Time(nil), w.RecentShareTimestamps...)
	return cp
}

func lastN[T any](items []T, n int) []T {
	if n <= 0 || len(items) == 0 {
		return nil
	}
	if n > len(items) {
		n = len(items)
	}
	out := make([]T, n)
	copy(out, items[len(items)-n:])
	return out
}
