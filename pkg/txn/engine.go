// Package txn orchestrates the write-set lifecycle against a Provider
// in the exact order its contract requires, translating provider
// result codes into local Store decisions. It has no
// notion of worker pools or retry backoff — pkg/workerpool drives
// Engine in a loop and owns TRX_FAIL/CONN_FAIL policy.
package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/repnode/repnode/pkg/gtid"
	"github.com/repnode/repnode/pkg/log"
	"github.com/repnode/repnode/pkg/metrics"
	"github.com/repnode/repnode/pkg/provider"
	"github.com/repnode/repnode/pkg/store"
)

// Config sizes the transactions Engine generates on the master side.
type Config struct {
	// Operations is the number of operations per local transaction.
	Operations int
}

// Engine ties one Store to one Provider.
type Engine struct {
	store *store.Store
	prov  provider.Provider
	cfg   Config

	// fatal is called on any non-OK status from a commit-order
	// primitive, which has no recoverable handling. Overridable for
	// tests; defaults to log.Fatal, which exits the process.
	fatal func(string)
}

// New returns an Engine bound to store s and provider p.
func New(s *store.Store, p provider.Provider, cfg Config) *Engine {
	if cfg.Operations <= 0 {
		cfg.Operations = 1
	}
	return &Engine{
		store: s,
		prov:  p,
		cfg:   cfg,
		fatal: log.Fatal,
	}
}

// RunMaster produces and certifies exactly one local transaction,
// returning the provider's final status for it. connID identifies the
// calling master worker to the provider.
func (e *Engine) RunMaster(ctx context.Context, connID int) provider.StatusCode {
	h := store.NewHandle()
	ws := provider.NewWriteSet()
	ws.Handle = h

	caps := e.prov.Capabilities()

	for i := 0; i < e.cfg.Operations; i++ {
		op, err := e.store.BeginOrExtendOp(h)
		if errors.Is(err, store.ErrReadViewMoved) {
			e.store.Rollback(h)
			e.prov.Release(ws)
			return provider.TrxFail
		}

		if i == 0 && caps.Has(store.CapSnapshotReadView) {
			readView := h.ReadView()
			if err := e.prov.AssignReadView(ws, readView); err != nil {
				e.store.Rollback(h)
				e.prov.Release(ws)
				return provider.TrxFail
			}
			ws.AppendData(readView.Bytes(), provider.Ordered)
		}

		ws.AppendKey(op.Src, provider.Reference)
		ws.AppendKey(op.Dst, provider.Update)
	}

	payload := h.WriteSetPayload()
	ws.AppendData(payload, provider.Ordered)
	metrics.BytesReplicated.Add(float64(len(payload)))

	g, status := e.prov.Certify(ctx, connID, ws, provider.TrxStart|provider.TrxEnd)
	e.handleMasterResult(ctx, h, g, status)
	e.prov.Release(ws)
	return status
}

func (e *Engine) handleMasterResult(ctx context.Context, h *store.Handle, g gtid.GTID, status provider.StatusCode) {
	switch status {
	case provider.OK:
		if g.Seqno > 0 {
			e.commitOrdered(ctx, h, g)
		}

	case provider.BFAbort:
		metrics.BFAborts.Inc()
		e.store.Rollback(h)
		if g.Seqno > 0 {
			e.enterCommitOrder(ctx, g)
			if err := e.store.UpdateGTID(g); err != nil {
				e.fatal(fmt.Sprintf("txn: update_gtid after bf_abort: %v", err))
			}
			e.leaveCommitOrder(ctx, g, nil)
		}

	default:
		metrics.CertificationFailures.Inc()
		if g.Seqno > 0 {
			e.enterCommitOrder(ctx, g)
			if err := e.store.UpdateGTID(g); err != nil {
				e.fatal(fmt.Sprintf("txn: update_gtid after %s: %v", status, err))
			}
			e.leaveCommitOrder(ctx, g, nil)
			e.store.Rollback(h)
		} else {
			e.store.Rollback(h)
		}
	}
}

// commitOrdered runs commit_order_enter, Store.Commit, commit_order_leave
// for an ordered write-set that certified successfully. g was already
// assigned by the provider's total order, so the seqno must be consumed
// one way or another regardless of what Store.Commit reports: a local
// invariant violation is fatal, and a read-view mismatch still leaves
// the write-set's seqno to account for via UpdateGTID.
func (e *Engine) commitOrdered(ctx context.Context, h *store.Handle, g gtid.GTID) {
	timer := metrics.NewTimer()
	e.enterCommitOrder(ctx, g)

	var errBuf []byte
	switch err := e.store.Commit(h, g); {
	case err == nil:
		metrics.WriteSetsReplicated.Inc()

	case errors.Is(err, store.ErrReadViewMoved):
		errBuf = []byte(err.Error())
		if uerr := e.store.UpdateGTID(g); uerr != nil {
			e.fatal(fmt.Sprintf("txn: update_gtid after read-view-moved commit failure at %s: %v", g, uerr))
		}

	default:
		var inv *store.InvariantViolation
		if errors.As(err, &inv) {
			e.fatal(fmt.Sprintf("txn: commit at %s: %v", g, err))
		}
		errBuf = []byte(err.Error())
	}

	e.leaveCommitOrder(ctx, g, errBuf)
	timer.ObserveDuration(metrics.CommitDuration)
}

func (e *Engine) enterCommitOrder(ctx context.Context, g gtid.GTID) {
	if status := e.prov.CommitOrderEnter(ctx, g); status != provider.OK {
		e.fatal(fmt.Sprintf("txn: commit_order_enter at %s: %s", g, status))
	}
}

func (e *Engine) leaveCommitOrder(ctx context.Context, g gtid.GTID, errBuf []byte) {
	if status := e.prov.CommitOrderLeave(ctx, g, errBuf); status != provider.OK {
		e.fatal(fmt.Sprintf("txn: commit_order_leave at %s: %s", g, status))
	}
}

// ApplyRemote runs the slave lifecycle for one write-set the provider
// has ordered on this node. It is the function wired into
// provider.Callbacks.Apply.
func (e *Engine) ApplyRemote(ws []byte, g gtid.GTID) (exitLoop bool, err error) {
	ctx := context.Background()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ApplyDuration)

	var h *store.Handle
	if ws != nil {
		h, err = e.store.Apply(ws)
		if err != nil {
			h = store.NewHandle()
		}
		metrics.BytesReceived.Add(float64(len(ws)))
	} else {
		h = store.NewHandle()
	}

	if status := e.prov.CommitOrderEnter(ctx, g); status != provider.OK {
		e.store.Rollback(h)
		return false, fmt.Errorf("txn: commit_order_enter at %s: %s", g, status)
	}

	var commitErr error
	if len(h.Operations()) > 0 {
		commitErr = e.store.Commit(h, g)
		switch {
		case commitErr == nil:
			metrics.WriteSetsReceived.Inc()

		case errors.Is(commitErr, store.ErrReadViewMoved):
			if uerr := e.store.UpdateGTID(g); uerr != nil {
				e.fatal(fmt.Sprintf("txn: update_gtid after read-view-moved apply failure at %s: %v", g, uerr))
			}

		default:
			var inv *store.InvariantViolation
			if errors.As(commitErr, &inv) {
				e.fatal(fmt.Sprintf("txn: apply commit at %s: %v", g, commitErr))
			}
		}
	} else {
		commitErr = e.store.UpdateGTID(g)
	}

	var errBuf []byte
	if commitErr != nil {
		errBuf = []byte(commitErr.Error())
	}
	if status := e.prov.CommitOrderLeave(ctx, g, errBuf); status != provider.OK {
		e.fatal(fmt.Sprintf("txn: commit_order_leave at %s: %s", g, status))
	}

	if err != nil {
		return false, err
	}
	return false, commitErr
}
