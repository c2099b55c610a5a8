package poolstore

import "errors"

// Sentinel errors returned by Store operations. Callers match with
// errors.Is; none of these represent an Internal/fatal condition.
var (
	ErrAlreadyExists = errors.New("poolstore: already exists")
	ErrAtCapacity    = errors.New("poolstore: at capacity")
	ErrUnknownMiner  = errors.New("poolstore: unknown miner")
	ErrUnknownWorker = errors.New("poolstore: unknown worker")
	ErrPerMinerCap   = errors.New("poolstore: per-miner worker cap reached")
	ErrInsufficient  = errors.New("poolstore: insufficient unpaid balance")
)
