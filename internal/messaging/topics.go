package messaging

// Topic constants for the pool's event bus. The in-process coordinator is
// authoritative; these streams exist for scale-out listeners and
// out-of-process warehousing, never as a source of truth.
const (
	TopicJobs     = "pool.jobs"     // coordinator → scale-out listeners, audit
	TopicShares   = "pool.shares"   // coordinator → warehousing, audit
	TopicBlocks   = "pool.blocks"   // coordinator → warehousing, dashboards
	TopicPayments = "pool.payments" // payout cycle → warehousing, audit
)
