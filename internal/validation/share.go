// Package validation implements the pool's share validator: a stateless
// set of checks run against a submitted share, the job it claims to solve,
// and the recent-shares history, delegating every cryptographic operation
// to internal/bitcoin rather than reimplementing block assembly.
package validation

import (
	"fmt"
	"time"

	"github.com/bardlex/gomp/internal/bitcoin"
	"github.com/bardlex/gomp/internal/poolstore"
	"github.com/bardlex/gomp/internal/workgen"
)

// maxShareTimeSkew bounds how far a share's timestamp may drift from its
// job's creation time before it is rejected as stale.
const maxShareTimeSkew = 300 * time.Second

// Candidate is the wire-level content of a mining.submit, plus the
// session/worker context the coordinator already resolved.
type Candidate struct {
	JobID            string
	ExtraNonce1      string
	ExtraNonce2      string
	NTime            string
	Nonce            string
	WorkerDifficulty int64
	SubmittedAt      time.Time
}

// Result is the validator's verdict, shaped to drop directly into a
// poolstore.Share.
type Result struct {
	Valid   bool
	IsBlock bool
	Reject  poolstore.RejectReason
	Hash    [32]byte
}

// JobLookup resolves a job ID against the bounded recent-jobs window,
// matching workgen.Generator.Lookup's signature so a *workgen.Generator can
// be passed directly.
type JobLookup func(jobID string) (*workgen.Job, bool)

// Validate runs the checks of the share validator, in order, short-
// circuiting on the first failure: job currency, timestamp sanity,
// duplicate detection, difficulty, and finally the block test.
//
// current is the coordinator's live job; lookup resolves anything older.
// recentShares is the slice the duplicate check searches; the coordinator
// supplies a window over the pool-wide share ring, since no two accepted
// shares may carry the same (job_id, nonce) regardless of submitter.
func Validate(c Candidate, current *workgen.Job, lookup JobLookup, recentShares []poolstore.Share) (Result, error) {
	job := current
	if job == nil || job.ID != c.JobID {
		found, ok := lookup(c.JobID)
		if !ok {
			return Result{Reject: poolstore.RejectJobNotFound}, nil
		}
		job = found
	}

	age := c.SubmittedAt.Sub(job.CreatedAt)
	if age < 0 || age > maxShareTimeSkew {
		return Result{Reject: poolstore.RejectStale}, nil
	}

	for _, s := range recentShares {
		if s.JobID == c.JobID && s.Nonce == c.Nonce {
			return Result{Reject: poolstore.RejectDuplicate}, nil
		}
	}

	coinbaseTx, err := workgen.AssembleCoinbaseTx(job, c.ExtraNonce1, c.ExtraNonce2)
	if err != nil {
		return Result{}, fmt.Errorf("assemble coinbase: %w", err)
	}

	hash, err := bitcoin.ShareHash(job.Template, coinbaseTx, c.ExtraNonce2, c.NTime, c.Nonce)
	if err != nil {
		return Result{}, fmt.Errorf("compute share hash: %w", err)
	}

	workerTarget := bitcoin.DifficultyToTarget(float64(c.WorkerDifficulty))
	if !bitcoin.HashMeetsTarget(hash, workerTarget) {
		return Result{Reject: poolstore.RejectLowDifficulty, Hash: hash}, nil
	}

	isBlock, err := bitcoin.IsBlockCandidate(job.ID, c.ExtraNonce2, c.NTime, c.Nonce, job.Template, coinbaseTx)
	if err != nil {
		return Result{}, fmt.Errorf("block candidate test: %w", err)
	}

	return Result{Valid: true, IsBlock: isBlock, Hash: hash}, nil
}
