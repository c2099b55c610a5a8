// Package workgen turns Bitcoin Core block templates into Stratum mining
// jobs: it fetches a template, builds the coinbase transaction and merkle
// branch, and retains a bounded window of recent jobs so a lagging
// submission can still be validated against the job it was issued for.
package workgen

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gomp/internal/bitcoin"
)

// Job is one unit of work distributed to miners via mining.notify. The
// coinbase transaction miners build is coinbase_prefix || extranonce1 ||
// extranonce2 || coinbase_suffix; MerkleBranch lets each miner compute the
// block's merkle root from that coinbase hash without seeing every
// transaction in the block.
type Job struct {
	ID                string
	Height            int64
	PrevHash          string
	CoinbasePrefixHex string
	CoinbaseSuffixHex string
	MerkleBranch      []string
	Version           string
	NBits             string
	NTime             string
	CleanJobs         bool
	Template          *btcjson.GetBlockTemplateResult
	CreatedAt         time.Time
}

// Generator produces Job values from the upstream full-node contract. It
// depends only on bitcoin.RPCInterface, never a concrete client, so the
// coordinator can be driven by a mock full-node in tests.
type Generator struct {
	rpc         bitcoin.RPCInterface
	poolAddress string
	windowSize  int

	mu      sync.RWMutex
	current *Job
	window  []*Job // superseded jobs, oldest first, bounded to windowSize
}

// NewGenerator constructs a Generator. windowSize is how many superseded
// jobs are retained for late submissions (defaults to 10).
func NewGenerator(rpc bitcoin.RPCInterface, poolAddress string, windowSize int) *Generator {
	if windowSize < 1 {
		windowSize = 10
	}
	return &Generator{
		rpc:         rpc,
		poolAddress: poolAddress,
		windowSize:  windowSize,
	}
}

// GenerateJob fetches a fresh block template and installs a new current
// Job, pushing the previous current job into the recent-jobs window.
// clean_jobs is set whenever the previous-block reference changed.
func (g *Generator) GenerateJob(ctx context.Context) (*Job, error) {
	template, err := g.rpc.GetBlockTemplate(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block template: %w", err)
	}
	if template.CoinbaseValue == nil {
		return nil, fmt.Errorf("block template missing coinbase value")
	}

	coinbaseTx, coinb1, coinb2, err := g.rpc.CreateCoinbaseTransaction(ctx, template.Height, *template.CoinbaseValue, "", g.poolAddress)
	if err != nil {
		return nil, fmt.Errorf("create coinbase transaction: %w", err)
	}

	txHashes := make([]string, len(template.Transactions)+1)
	txHashes[0] = coinbaseTx.TxHash().String()
	for i, tx := range template.Transactions {
		txHashes[i+1] = tx.Hash
	}
	branch, err := g.rpc.GetMerkleBranch(ctx, txHashes)
	if err != nil {
		return nil, fmt.Errorf("calculate merkle branch: %w", err)
	}

	id, err := randomJobID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	job := &Job{
		ID:                id,
		Height:            template.Height,
		PrevHash:          template.PreviousHash,
		CoinbasePrefixHex: coinb1,
		CoinbaseSuffixHex: coinb2,
		MerkleBranch:      branch,
		Version:           fmt.Sprintf("%08x", uint32(template.Version)),
		NBits:             template.Bits,
		NTime:             fmt.Sprintf("%08x", uint32(template.CurTime)),
		CleanJobs:         g.current == nil || g.current.PrevHash != template.PreviousHash,
		Template:          template,
		CreatedAt:         time.Now(),
	}

	if g.current != nil {
		g.window = append(g.window, g.current)
		if len(g.window) > g.windowSize {
			g.window = g.window[len(g.window)-g.windowSize:]
		}
	}
	g.current = job

	return job, nil
}

// Current returns the currently active job, or nil before the first
// GenerateJob call.
func (g *Generator) Current() *Job {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// Lookup resolves a job ID against the current job and the recent-jobs
// window, matching the validator's "job referenced is current, or in the
// bounded recent-jobs window" check.
func (g *Generator) Lookup(jobID string) (*Job, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.current != nil && g.current.ID == jobID {
		return g.current, true
	}
	for i := len(g.window) - 1; i >= 0; i-- {
		if g.window[i].ID == jobID {
			return g.window[i], true
		}
	}
	return nil, false
}

// randomJobID returns a fresh 256-bit value hex-encoded, never derived from
// any counter or connection identifier.
func randomJobID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
