package main

import (
	"testing"
	"time"

	"github.com/bardlex/gomp/internal/config"
	"github.com/bardlex/gomp/pkg/log"
)

// NewPoolServer only wires components; no external service is dialed
// until Run, so construction is testable offline.
func TestNewPoolServer(t *testing.T) {
	cfg := &config.Config{
		ServiceName:              "test-poold",
		Version:                  "test",
		LogLevel:                 "error",
		LogFormat:                "text",
		ListenAddr:               "127.0.0.1",
		ListenPort:               0,
		HTTPPort:                 0,
		BitcoinRPCHost:           "localhost",
		BitcoinRPCPort:           8332,
		BitcoinZMQAddr:           "tcp://localhost:28332",
		KafkaBrokers:             []string{"localhost:9092"},
		PoolPayoutAddress:        "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		PoolFeePercent:           1,
		MinDifficulty:            1000,
		MaxDifficulty:            1000000,
		InitialDifficulty:        10000,
		PayoutMethod:             "PPLNS",
		PPLNSWindow:              1000,
		MaxConnectionsPerIP:      10,
		TemplateRefreshIntervalS: 5 * time.Second,
	}
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	server, err := NewPoolServer(cfg, logger)
	if err != nil {
		t.Fatalf("NewPoolServer: %v", err)
	}

	if server.coord == nil || server.stratum == nil || server.api == nil || server.watcher == nil {
		t.Error("pool server wired incompletely")
	}
	if server.coord.CurrentJob() != nil {
		t.Error("job present before any template fetch")
	}

	server.Close()
}
