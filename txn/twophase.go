package txn

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/omnidb/engine"
	"github.com/BaSui01/omnidb/types"
)

// prepareTimeout bounds each participant call during two-phase commit.
const prepareTimeout = 10 * time.Second

// commitDistributed runs two-phase commit. Phase 1 sends prepare to every
// participant in parallel; any failure rolls every participant back and
// the transaction ends failed. Phase 2 commits only after a unanimous
// prepare vote. The decision lives in memory only: this is at-most-once
// coordination, not crash-safe.
func (m *Manager) commitDistributed(ctx context.Context, tx *Transaction) error {
	participants, err := m.resolveParticipants(tx)
	if err != nil {
		return err
	}

	// Phase 1: prepare.
	g, gctx := errgroup.WithContext(ctx)
	for dbID, ta := range participants {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, prepareTimeout)
			defer cancel()
			if err := ta.PrepareTransaction(callCtx, tx.ID); err != nil {
				return fmt.Errorf("prepare on %s: %w", dbID, err)
			}
			return nil
		})
	}
	if prepareErr := g.Wait(); prepareErr != nil {
		m.logger.Warn("prepare failed, rolling back all participants",
			zap.String("tx_id", tx.ID), zap.Error(prepareErr))
		if rbErr := m.rollbackParticipants(ctx, tx); rbErr != nil {
			m.logger.Error("rollback after failed prepare errored",
				zap.String("tx_id", tx.ID), zap.Error(rbErr))
		}
		return types.NewError(types.ErrCodePrepareFailed, "two-phase prepare failed").
			WithResource(tx.ID).WithCause(prepareErr)
	}

	// Phase 2: commit. Every participant voted yes. A plain group here: one
	// participant failing must not cancel a sibling's in-flight commit, and
	// the decision survives the caller's cancellation.
	detached := context.WithoutCancel(ctx)
	var g2 errgroup.Group
	for dbID, ta := range participants {
		g2.Go(func() error {
			callCtx, cancel := context.WithTimeout(detached, prepareTimeout)
			defer cancel()
			if err := ta.CommitTransaction(callCtx, tx.ID); err != nil {
				return fmt.Errorf("commit on %s: %w", dbID, err)
			}
			return nil
		})
	}
	if commitErr := g2.Wait(); commitErr != nil {
		return types.NewError(types.ErrCodeExecution, "two-phase commit failed").
			WithResource(tx.ID).WithCause(commitErr)
	}

	return nil
}

// resolveParticipants maps each participating database to its transaction
// adapter. Participants without transaction support vote yes implicitly
// and are excluded from the fan-out.
func (m *Manager) resolveParticipants(tx *Transaction) (map[string]engine.TxAdapter, error) {
	participants := make(map[string]engine.TxAdapter, len(tx.Databases))
	for _, dbID := range tx.Databases {
		adapter, err := m.resolver.Resolve(dbID)
		if err != nil {
			return nil, types.NewError(types.ErrCodeNotFound, "unknown database").
				WithResource(dbID).WithCause(err)
		}
		if ta, ok := adapter.(engine.TxAdapter); ok {
			participants[dbID] = ta
		}
	}
	return participants, nil
}

// rollbackParticipants rolls every transaction-capable participant back in
// parallel, best effort, collecting the first error.
func (m *Manager) rollbackParticipants(ctx context.Context, tx *Transaction) error {
	participants, err := m.resolveParticipants(tx)
	if err != nil {
		return err
	}

	// Best effort means every participant gets its rollback call: no shared
	// cancellation, no caller context.
	detached := context.WithoutCancel(ctx)
	var g errgroup.Group
	for dbID, ta := range participants {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(detached, prepareTimeout)
			defer cancel()
			if err := ta.RollbackTransaction(callCtx, tx.ID); err != nil {
				return fmt.Errorf("rollback on %s: %w", dbID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
