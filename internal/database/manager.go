// Package database coordinates the pool's durable mirrors: PostgreSQL as
// the warehouse of record for miners, workers, shares, rounds, blocks and
// payments; Redis for fleet-wide counters and hot caches; InfluxDB for
// time-series metrics. The in-memory entity store remains authoritative;
// everything here is written after the in-memory commit and degrades
// gracefully.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/gomp/internal/database/influx"
	"github.com/bardlex/gomp/internal/database/postgres"
	"github.com/bardlex/gomp/internal/database/redis"
	"github.com/bardlex/gomp/internal/messaging"
	"github.com/bardlex/gomp/pkg/circuit"
	"github.com/bardlex/gomp/pkg/errors"
	"github.com/bardlex/gomp/pkg/log"
	"github.com/bardlex/gomp/pkg/retry"
)

// shareRetention bounds the share warehouse, mirroring the in-memory
// ring's intent at warehouse scale.
const shareRetention = 7 * 24 * time.Hour

// confirmedDepth matches the stats view's confirmation tiers.
const confirmedDepth = 100

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Miners   *postgres.MinerRepository
	Workers  *postgres.WorkerRepository
	Shares   *postgres.ShareRepository
	Rounds   *postgres.RoundRepository
	Blocks   *postgres.BlockRepository
	Payments *postgres.PaymentRepository

	logger *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager creates a new database manager with all connections
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	// Initialize PostgreSQL
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	// Initialize Redis
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
			closeErr = errors.Wrap(closeErr, errors.ErrorTypeDatabase, "postgres_cleanup",
				"failed to close PostgreSQL connection during error cleanup")
			return nil, errors.New(errors.ErrorTypeDatabase, "connection_failure",
				"multiple database connection failures").
				WithContext("redis_error", origErr.Error()).
				WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
	}

	// Initialize InfluxDB
	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")

		if len(closeErrs) > 0 {
			return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, origErr
	}

	// Configure error handling
	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Miners:         postgres.NewMinerRepository(pgClient.DB()),
		Workers:        postgres.NewWorkerRepository(pgClient.DB()),
		Shares:         postgres.NewShareRepository(pgClient.DB()),
		Rounds:         postgres.NewRoundRepository(pgClient.DB()),
		Blocks:         postgres.NewBlockRepository(pgClient.DB()),
		Payments:       postgres.NewPaymentRepository(pgClient.DB()),
		logger:         logger.WithComponent("database"),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
	}, nil
}

// NewManagerFromURLs builds the manager from connection URLs, the form
// the process configuration carries them in.
func NewManagerFromURLs(postgresURL, redisURL string, influxCfg *influx.Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClientFromURL(postgresURL, 25, 5, 5*time.Minute)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	redisClient, err := redis.NewClientFromURL(redisURL)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("postgres cleanup after redis failure")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
	}

	influxClient, err := influx.NewClient(influxCfg)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("postgres cleanup after influx failure")
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("redis cleanup after influx failure")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")
	}

	return &Manager{
		Postgres: pgClient,
		Redis:    redisClient,
		Influx:   influxClient,
		Miners:   postgres.NewMinerRepository(pgClient.DB()),
		Workers:  postgres.NewWorkerRepository(pgClient.DB()),
		Shares:   postgres.NewShareRepository(pgClient.DB()),
		Rounds:   postgres.NewRoundRepository(pgClient.DB()),
		Blocks:   postgres.NewBlockRepository(pgClient.DB()),
		Payments: postgres.NewPaymentRepository(pgClient.DB()),
		logger:   logger.WithComponent("database"),
		circuitBreaker: circuit.New(&circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
	}, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// High-level operations that coordinate across multiple databases

// RecordShareEvent warehouses one share event: the Postgres row is the
// critical write; Influx and Redis are best-effort side channels.
func (m *Manager) RecordShareEvent(ctx context.Context, event messaging.ShareEvent) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			row := &postgres.Share{
				ID:           event.ShareID,
				MinerID:      event.MinerID,
				WorkerID:     event.WorkerID,
				WorkerName:   event.WorkerName,
				JobID:        event.JobID,
				Nonce:        event.Nonce,
				ExtraNonce2:  event.ExtraNonce2,
				Hash:         event.HashHex,
				Difficulty:   event.Difficulty,
				IsValid:      event.Valid,
				IsBlock:      event.IsBlock,
				RejectReason: event.Reject,
				SubmittedAt:  event.SubmittedAt,
			}
			if err := m.Shares.UpsertShare(ctx, row); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share in PostgreSQL").
					WithContext("share_id", event.ShareID).
					WithContext("miner_id", event.MinerID)
			}

			// Metrics point (best effort, asynchronous inside the client)
			m.Influx.WriteShareMetric(event.MinerID, event.WorkerID, event.Difficulty, event.Valid, event.IsBlock, event.Reject)

			// Hashrate sample in Redis (best effort)
			if event.Valid {
				hashrate := float64(event.Difficulty) * 4294967296 / 600
				if err := m.Redis.SetHashrate(ctx, event.MinerID, event.WorkerID, hashrate, 10*time.Minute); err != nil {
					m.logger.WithError(err).Debug("hashrate sample dropped",
						"miner_id", event.MinerID, "worker_id", event.WorkerID)
				}
			}

			return nil
		})
	})
}

// RecordBlockEvent warehouses one round-closing block event. Rounds are
// always recorded; a block row is only written when the submission was
// accepted upstream.
func (m *Manager) RecordBlockEvent(ctx context.Context, event messaging.BlockEvent) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			round := &postgres.Round{
				ID:            event.RoundID,
				EndedAt:       event.FoundAt,
				BlockHeight:   event.BlockHeight,
				BlockHash:     event.BlockHash,
				BlockReward:   event.BlockReward,
				FinderMinerID: event.FinderMinerID,
				Completed:     true,
			}
			if err := m.Rounds.UpsertRound(ctx, round); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_round",
					"failed to store round in PostgreSQL").
					WithContext("round_id", event.RoundID)
			}

			if !event.Accepted {
				return nil
			}

			block := &postgres.Block{
				Height:        event.BlockHeight,
				Hash:          event.BlockHash,
				FinderMinerID: event.FinderMinerID,
				Reward:        event.BlockReward,
				Status:        "pending",
				FoundAt:       event.FoundAt,
			}
			if err := m.Blocks.UpsertBlock(ctx, block); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block",
					"failed to store block in PostgreSQL").
					WithContext("block_hash", event.BlockHash).
					WithContext("block_height", event.BlockHeight)
			}

			m.Influx.WriteBlockMetric(event.BlockHeight, event.BlockHash, event.FinderMinerID, event.BlockReward, "pending")

			// Cache block info in Redis for quick access (best effort)
			blockKey := fmt.Sprintf("block:%d", event.BlockHeight)
			if err := m.Redis.SetCache(ctx, blockKey, block, 24*time.Hour); err != nil {
				m.logger.WithError(err).Debug("block cache write dropped", "height", event.BlockHeight)
			}

			return nil
		})
	})
}

// RecordPaymentEvent warehouses one payment intent.
func (m *Manager) RecordPaymentEvent(ctx context.Context, event messaging.PaymentEvent) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			row := &postgres.Payment{
				ID:        event.PaymentID,
				MinerID:   event.MinerID,
				Address:   event.Address,
				Amount:    event.Amount,
				Status:    event.Status,
				CreatedAt: event.CreatedAt,
			}
			if err := m.Payments.UpsertPayment(ctx, row); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_payment",
					"failed to store payment in PostgreSQL").
					WithContext("payment_id", event.PaymentID)
			}

			m.Influx.WritePaymentMetric(event.MinerID, event.Amount, event.Status)
			return nil
		})
	})
}

// RecordJobEvent mirrors the current job into Redis for read-heavy stats
// consumers. Jobs are ephemeral, so there is no Postgres row.
func (m *Manager) RecordJobEvent(ctx context.Context, event messaging.JobEvent) error {
	if err := m.Redis.SetCurrentJob(ctx, event); err != nil {
		return err
	}
	return m.Redis.SetJobTemplate(ctx, event.JobID, event, 15*time.Minute)
}

// ReconcileBlockStatus walks unconfirmed blocks and advances their
// confirmation tier against the given network height. isCanonical reports
// whether a recorded hash is still on the chain at its height; when it is
// not, the block is marked orphaned.
func (m *Manager) ReconcileBlockStatus(ctx context.Context, networkHeight int64, isCanonical func(ctx context.Context, height int64, hash string) bool) error {
	blocks, err := m.Blocks.GetUnconfirmedBlocks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unconfirmed blocks: %w", err)
	}

	for _, b := range blocks {
		depth := networkHeight - b.Height
		if depth < 1 {
			continue
		}

		if isCanonical != nil && !isCanonical(ctx, b.Height, b.Hash) {
			if err := m.Blocks.UpdateBlockStatus(ctx, b.ID, "orphaned", int(depth)); err != nil {
				m.logger.WithError(err).Warn("orphan status update failed", "height", b.Height)
			}
			continue
		}

		status := "confirming"
		if depth >= confirmedDepth {
			status = "confirmed"
		}
		if err := m.Blocks.UpdateBlockStatus(ctx, b.ID, status, int(depth)); err != nil {
			m.logger.WithError(err).Warn("block status update failed", "height", b.Height)
		}
	}
	return nil
}

// StartPeriodicTasks starts background maintenance: Influx flushes and
// share-warehouse pruning.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	// Flush InfluxDB writes every 10 seconds
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	// Prune aged-out shares hourly
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.Shares.PruneBefore(ctx, time.Now().Add(-shareRetention))
				if err != nil {
					m.logger.WithError(err).Warn("share pruning failed")
					continue
				}
				if n > 0 {
					m.logger.Info("pruned aged shares", "count", n)
				}
			}
		}
	}()
}
