// Package main implements auditd, the warehousing consumer: it follows
// the pool's Kafka event bus and mirrors shares, rounds, blocks and
// payments into PostgreSQL (with Influx metrics and Redis caches on the
// side), and periodically reconciles warehoused block statuses against
// the chain. poold never blocks on any of this; auditd can lag, restart,
// or be absent without affecting mining.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gomp/internal/bitcoin"
	"github.com/bardlex/gomp/internal/config"
	"github.com/bardlex/gomp/internal/database"
	"github.com/bardlex/gomp/internal/database/influx"
	"github.com/bardlex/gomp/internal/messaging"
	"github.com/bardlex/gomp/pkg/log"
)

// reconcileInterval is how often warehoused block statuses are advanced
// against the chain tip.
const reconcileInterval = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("auditd", cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting auditd",
		"version", cfg.Version,
		"kafka_brokers", cfg.KafkaBrokers,
	)

	dbManager, err := database.NewManagerFromURLs(cfg.PostgresURL, cfg.RedisURL, &influx.Config{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Warn("database close")
		}
	}()

	rpc, err := bitcoin.NewRPCClient(cfg.BitcoinRPCHost, cfg.BitcoinRPCPort, cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword)
	if err != nil {
		logger.WithError(err).Error("failed to create bitcoin rpc client")
		os.Exit(1)
	}
	defer rpc.Close()

	kafka := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)
	defer func() {
		if err := kafka.Close(); err != nil {
			logger.WithError(err).Warn("kafka close")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	warehouse := NewWarehouse(dbManager, rpc, logger)

	dbManager.StartPeriodicTasks(ctx)

	var wg sync.WaitGroup
	consumers := map[string]messaging.JSONHandler{
		messaging.TopicShares:   messaging.JSONHandlerFunc(warehouse.handleShare),
		messaging.TopicBlocks:   messaging.JSONHandlerFunc(warehouse.handleBlock),
		messaging.TopicPayments: messaging.JSONHandlerFunc(warehouse.handlePayment),
		messaging.TopicJobs:     messaging.JSONHandlerFunc(warehouse.handleJob),
	}
	for topic, handler := range consumers {
		wg.Add(1)
		go func(topic string, handler messaging.JSONHandler) {
			defer wg.Done()
			if err := kafka.StartJSONConsumer(ctx, topic, cfg.KafkaGroupID, handler); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("consumer stopped", "topic", topic)
			}
		}(topic, handler)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		warehouse.reconcileLoop(ctx)
	}()

	<-sigChan
	logger.Info("shutdown signal received")
	cancel()
	wg.Wait()
	logger.Info("auditd stopped")
}

// Warehouse decodes bus events and lands them in the durable stores.
type Warehouse struct {
	db     *database.Manager
	rpc    bitcoin.RPCInterface
	logger *log.Logger
}

// NewWarehouse constructs the event warehouse.
func NewWarehouse(db *database.Manager, rpc bitcoin.RPCInterface, logger *log.Logger) *Warehouse {
	return &Warehouse{
		db:     db,
		rpc:    rpc,
		logger: logger.WithComponent("warehouse"),
	}
}

func (w *Warehouse) handleShare(ctx context.Context, _ string, value []byte) error {
	var event messaging.ShareEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("decode share event: %w", err)
	}
	return w.db.RecordShareEvent(ctx, event)
}

func (w *Warehouse) handleBlock(ctx context.Context, _ string, value []byte) error {
	var event messaging.BlockEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("decode block event: %w", err)
	}
	return w.db.RecordBlockEvent(ctx, event)
}

func (w *Warehouse) handlePayment(ctx context.Context, _ string, value []byte) error {
	var event messaging.PaymentEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("decode payment event: %w", err)
	}
	return w.db.RecordPaymentEvent(ctx, event)
}

func (w *Warehouse) handleJob(ctx context.Context, _ string, value []byte) error {
	var event messaging.JobEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("decode job event: %w", err)
	}
	return w.db.RecordJobEvent(ctx, event)
}

// reconcileLoop periodically advances block statuses against the tip.
func (w *Warehouse) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reconcileOnce(ctx)
		}
	}
}

func (w *Warehouse) reconcileOnce(ctx context.Context) {
	reconcileCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	height, err := w.rpc.GetBlockCount(reconcileCtx)
	if err != nil {
		w.logger.WithError(err).Debug("tip height unavailable, skipping reconciliation")
		return
	}

	err = w.db.ReconcileBlockStatus(reconcileCtx, height, func(ctx context.Context, _ int64, hash string) bool {
		block, err := w.rpc.GetBlock(ctx, hash)
		if err != nil {
			return true
		}
		return block.Confirmations >= 0
	})
	if err != nil {
		w.logger.WithError(err).Warn("block reconciliation failed")
	}
}
