// Package chainwatch reacts to the upstream node's real-time block
// notifications: every hashblock event triggers an immediate work refresh
// (so miners move to the new tip without waiting for the template timer)
// and a block-status reconciliation pass over the warehouse.
package chainwatch

import (
	"context"
	"time"

	"github.com/bardlex/gomp/internal/bitcoin"
	"github.com/bardlex/gomp/pkg/log"
)

// WorkRefresher is the slice of the coordinator the watcher drives.
type WorkRefresher interface {
	RefreshWork(ctx context.Context) error
}

// Reconciler advances warehoused block statuses against the new tip.
// Optional; a pool without a warehouse runs the watcher with nil.
type Reconciler interface {
	ReconcileBlockStatus(ctx context.Context, networkHeight int64, isCanonical func(ctx context.Context, height int64, hash string) bool) error
}

// Watcher subscribes to the node's ZMQ hashblock stream and fans each new
// tip into work refresh and reconciliation.
type Watcher struct {
	zmq        bitcoin.ZMQInterface
	refresher  WorkRefresher
	reconciler Reconciler
	rpc        bitcoin.RPCInterface
	logger     *log.Logger
}

// New constructs a Watcher over an existing ZMQ subscription. rpc supplies
// the tip height and canonical-chain checks for reconciliation; it may be
// nil when reconciler is nil.
func New(zmq bitcoin.ZMQInterface, refresher WorkRefresher, reconciler Reconciler, rpc bitcoin.RPCInterface, logger *log.Logger) *Watcher {
	return &Watcher{
		zmq:        zmq,
		refresher:  refresher,
		reconciler: reconciler,
		rpc:        rpc,
		logger:     logger.WithComponent("chainwatch"),
	}
}

// Run connects, subscribes to hashblock, and listens until ctx is
// cancelled. Handler errors are logged, never fatal: a missed
// notification only delays the refresh until the template timer fires.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.zmq.Subscribe("hashblock"); err != nil {
		return err
	}
	if err := w.zmq.Connect(); err != nil {
		return err
	}
	defer func() {
		if err := w.zmq.Close(); err != nil {
			w.logger.WithError(err).Warn("zmq close")
		}
	}()

	handler := bitcoin.NewBlockNotificationHandler(w.logger.Logger)
	handler.SetNewBlockHandler(func(blockHash string) error {
		w.onNewBlock(ctx, blockHash)
		return nil
	})

	return w.zmq.Listen(ctx, handler.HandleMessage)
}

// onNewBlock refreshes work immediately and kicks reconciliation.
func (w *Watcher) onNewBlock(ctx context.Context, blockHash string) {
	w.logger.Info("chain advanced", "block_hash", blockHash)

	refreshCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := w.refresher.RefreshWork(refreshCtx); err != nil {
		w.logger.WithError(err).Warn("work refresh on new block failed")
	}

	w.reconcile(ctx)
}

// reconcile advances warehoused block statuses against the current tip.
func (w *Watcher) reconcile(ctx context.Context) {
	if w.reconciler == nil || w.rpc == nil {
		return
	}

	reconcileCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	height, err := w.rpc.GetBlockCount(reconcileCtx)
	if err != nil {
		w.logger.WithError(err).Debug("tip height unavailable, skipping reconciliation")
		return
	}

	err = w.reconciler.ReconcileBlockStatus(reconcileCtx, height, w.isCanonical)
	if err != nil {
		w.logger.WithError(err).Warn("block reconciliation failed")
	}
}

// isCanonical reports whether the recorded hash is still the chain's block
// at its height. Errors err on the side of canonical; orphaning a block
// is the destructive direction, so it needs positive evidence.
func (w *Watcher) isCanonical(ctx context.Context, _ int64, hash string) bool {
	block, err := w.rpc.GetBlock(ctx, hash)
	if err != nil {
		return true
	}
	// A confirmed off-chain block reports negative confirmations.
	return block.Confirmations >= 0
}
