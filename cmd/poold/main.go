// Package main implements poold, the pool server process: the Stratum
// listener, the pool coordinator, the work generator, the stats HTTP API
// and the chain watcher, wired over one in-memory entity store. Durable
// warehousing runs out-of-process (auditd) off the Kafka event bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gomp/internal/api"
	"github.com/bardlex/gomp/internal/bitcoin"
	"github.com/bardlex/gomp/internal/chainwatch"
	"github.com/bardlex/gomp/internal/config"
	"github.com/bardlex/gomp/internal/coordinator"
	"github.com/bardlex/gomp/internal/identity"
	"github.com/bardlex/gomp/internal/messaging"
	"github.com/bardlex/gomp/internal/poolstore"
	"github.com/bardlex/gomp/internal/stats"
	"github.com/bardlex/gomp/internal/stratum"
	"github.com/bardlex/gomp/internal/vardiff"
	"github.com/bardlex/gomp/internal/workgen"
	"github.com/bardlex/gomp/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poold",
		"version", cfg.Version,
		"stratum_addr", fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort),
		"http_port", cfg.HTTPPort,
		"payout_method", cfg.PayoutMethod,
	)

	server, err := NewPoolServer(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to build pool server")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Run(ctx)
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}

	server.Close()
	logger.Info("poold stopped")
}

// PoolServer owns every long-lived component of the pool process.
type PoolServer struct {
	cfg    *config.Config
	logger *log.Logger

	rpc     *bitcoin.RPCClient
	kafka   *messaging.KafkaClient
	store   *poolstore.Store
	work    *workgen.Generator
	coord   *coordinator.Coordinator
	stratum *stratum.Server
	api     *api.Server
	watcher *chainwatch.Watcher
}

// NewPoolServer wires the components together. Nothing listens yet; Run
// starts the loops.
func NewPoolServer(cfg *config.Config, logger *log.Logger) (*PoolServer, error) {
	rpc, err := bitcoin.NewRPCClientWithParams(
		cfg.BitcoinRPCHost, cfg.BitcoinRPCPort,
		cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword,
		&chaincfg.MainNetParams,
	)
	if err != nil {
		return nil, fmt.Errorf("bitcoin rpc client: %w", err)
	}

	kafka := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)

	ids := identity.New(
		identity.KindMiner, identity.KindWorker, identity.KindShare,
		identity.KindJob, identity.KindRound, identity.KindPayment,
		identity.KindSession,
	)
	store := poolstore.New(ids, poolstore.Limits{
		MaxMiners:          cfg.MaxMiners,
		MaxWorkersPerMiner: cfg.MaxWorkersPerMiner,
	})

	work := workgen.NewGenerator(rpc, cfg.PoolPayoutAddress, 10)

	coord := coordinator.New(coordinator.Config{
		PoolAddress:       cfg.PoolPayoutAddress,
		PoolFeePercent:    int64(cfg.PoolFeePercent),
		InitialDifficulty: int64(cfg.InitialDifficulty),
		VarDiff: vardiff.Config{
			TargetShareTime:  cfg.VardiffTarget,
			RetargetInterval: cfg.VardiffRetarget,
			Variance:         cfg.VardiffVariance,
			MinDifficulty:    int64(cfg.MinDifficulty),
			MaxDifficulty:    int64(cfg.MaxDifficulty),
		},
		PayoutMethod:        coordinator.PayoutMethod(cfg.PayoutMethod),
		PPLNSWindow:         cfg.PPLNSWindow,
		MinPayout:           cfg.MinPayout,
		PayoutInterval:      cfg.PayoutIntervalS,
		BanOnInvalidShare:   cfg.BanOnInvalidShare,
		MaxInvalidShares:    cfg.MaxInvalidShares,
		BanDuration:         cfg.BanDurationS,
		ConnectionTimeout:   cfg.ConnectionTimeoutS,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
	}, ids, store, rpc, work, nil, logger.WithComponent("coordinator"))

	coord.SetEventSink(messaging.NewPublisher(kafka))

	stratumServer := stratum.NewServer(stratum.ServerConfig{
		Addr:         cfg.ListenAddr,
		Port:         cfg.ListenPort,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, coord, logger)
	coord.SetNotifier(stratumServer)

	view := stats.New(store, rpc, stats.Config{}, time.Now(), logger)
	apiServer := api.NewServer(fmt.Sprintf(":%d", cfg.HTTPPort), view, logger)

	zmq, err := bitcoin.NewZMQNotifier(cfg.BitcoinZMQAddr, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("zmq notifier: %w", err)
	}
	watcher := chainwatch.New(zmq, coord, nil, rpc, logger)

	return &PoolServer{
		cfg:     cfg,
		logger:  logger,
		rpc:     rpc,
		kafka:   kafka,
		store:   store,
		work:    work,
		coord:   coord,
		stratum: stratumServer,
		api:     apiServer,
		watcher: watcher,
	}, nil
}

// Run starts every loop and blocks until ctx is cancelled.
func (s *PoolServer) Run(ctx context.Context) error {
	// First template before accepting miners, so the earliest authorize
	// already has work to hand out. A failure is survivable; the refresh
	// timer keeps retrying.
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := s.coord.RefreshWork(startCtx); err != nil {
		s.logger.WithError(err).Warn("initial template fetch failed, retrying on timer")
	}
	cancel()

	go s.refreshLoop(ctx)
	go s.payoutLoop(ctx)
	go func() {
		if err := s.watcher.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("chain watcher stopped")
		}
	}()
	go func() {
		if err := s.api.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("stats api stopped")
		}
	}()

	return s.stratum.Run(ctx)
}

// refreshLoop drives the timer-based template refresh.
func (s *PoolServer) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TemplateRefreshIntervalS)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			if err := s.coord.RefreshWork(refreshCtx); err != nil {
				s.logger.WithError(err).Warn("template refresh failed")
			}
			cancel()
		}
	}
}

// payoutLoop drives the periodic payout cycle. The cycle itself enforces
// per-miner thresholds and intervals; the ticker just wakes it up.
func (s *PoolServer) payoutLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.coord.ProcessPayouts(ctx)
		}
	}
}

// Close releases the process's external connections.
func (s *PoolServer) Close() {
	if err := s.kafka.Close(); err != nil {
		s.logger.WithError(err).Warn("kafka close")
	}
	s.rpc.Close()
}
