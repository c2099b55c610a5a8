package coordinator

import (
	"context"
	"time"

	"github.com/bardlex/gomp/internal/messaging"
)

// ProcessPayouts runs the periodic payout cycle: for every miner whose
// unpaid balance has crossed min_payout and whose last payout is at least
// payout_interval in the past, it creates a pending Payment for the full
// unpaid balance. Dispatching the on-chain transaction happens elsewhere;
// this only records the pool's intent to pay and announces it on the bus.
func (c *Coordinator) ProcessPayouts(ctx context.Context) int {
	now := time.Now()
	created := 0
	var totalAmount int64
	for _, m := range c.store.AllMiners() {
		if m.UnpaidBalance < c.cfg.MinPayout {
			continue
		}
		if !m.LastPayoutAt.IsZero() && now.Sub(m.LastPayoutAt) < c.cfg.PayoutInterval {
			continue
		}
		payment, err := c.store.CreatePayment(m.ID, m.UnpaidBalance)
		if err != nil {
			c.logger.WithError(err).Warn("payout cycle could not create payment", "miner_id", m.ID)
			continue
		}
		created++
		totalAmount += payment.Amount

		if err := c.events().PublishPayment(ctx, messaging.PaymentEvent{
			PaymentID: payment.ID,
			MinerID:   payment.MinerID,
			Address:   payment.Address,
			Amount:    payment.Amount,
			Status:    string(payment.Status),
			CreatedAt: payment.CreatedAt,
		}); err != nil {
			c.logger.WithError(err).Debug("payment event publish failed", "payment_id", payment.ID)
		}
	}
	if created > 0 {
		c.logger.LogPayoutCycle(created, totalAmount)
	}
	return created
}

// SweepInactive closes every session that has been idle past the
// connection timeout: the session is disconnected through the notifier
// and its worker is destroyed, the same teardown a voluntary disconnect
// gets. The miner record and its balances are untouched.
func (c *Coordinator) SweepInactive() int {
	now := time.Now()

	c.mu.Lock()
	var expired []*sessionState
	for _, s := range c.sessions {
		if now.Sub(s.lastActivity) > c.cfg.ConnectionTimeout {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		delete(c.sessions, s.id)
	}
	c.mu.Unlock()

	for _, s := range expired {
		if s.workerID != 0 {
			c.store.RemoveWorker(s.workerID)
		}
		c.admission.release(s.remoteIP)
		c.notify().Disconnect(s.id)
	}
	return len(expired)
}
