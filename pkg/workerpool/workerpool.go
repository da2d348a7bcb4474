// Package workerpool drives fixed-size slave and master goroutine pools
// against a shared txn.Engine. It owns the TRX_FAIL /
// CONN_FAIL retry policy; pkg/txn stays ignorant of pooling and backoff.
package workerpool

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/repnode/repnode/pkg/log"
	"github.com/repnode/repnode/pkg/provider"
	"github.com/repnode/repnode/pkg/txn"
)

// trxFailDelay is the sleep between master retries after TRX_FAIL, per
// master retries after TRX_FAIL (~10 ms sleep).
const trxFailDelay = 10 * time.Millisecond

// Pool runs a fixed number of goroutines of one role (slave or master)
// sharing one txn.Engine and one provider.Provider.
type Pool struct {
	engine *txn.Engine
	prov   provider.Provider
	delay  time.Duration

	group   *errgroup.Group
	cancel  context.CancelFunc
	started int
}

// StartSlaves launches n slave workers. Each calls Provider.Recv in a
// loop and exits the first time it sees a non-OK status. A Recv that
// returns OK because the apply callback set exit_loop is simply called
// again, so exit_loop alone does not stop a worker.
//
// If fewer than n workers can be started the pool is truncated to
// however many did start; StartSlaves never retries a failed spawn.
func StartSlaves(ctx context.Context, prov provider.Provider, n int) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p := &Pool{prov: prov, cancel: cancel, group: g}

	for i := 0; i < n; i++ {
		if !p.spawn(func() error { p.runSlave(ctx); return nil }) {
			break
		}
	}
	return p
}

// StartMasters launches n master workers driving e.RunMaster. delay is
// the inter-commit pause applied after every successful commit
// (the CLI's "delay" flag); some upstream wsrep-style references
// document this but never actually sleep between commits — this
// implementation honors the documented behavior instead of repeating
// that bug).
func StartMasters(ctx context.Context, e *txn.Engine, prov provider.Provider, n int, delay time.Duration) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p := &Pool{engine: e, prov: prov, delay: delay, cancel: cancel, group: g}

	for i := 0; i < n; i++ {
		connID := i
		if !p.spawn(func() error { p.runMaster(ctx, connID); return nil }) {
			break
		}
	}
	return p
}

// spawn always succeeds today (goroutine creation cannot fail in Go),
// but keeps the truncate-on-partial-failure shape in place
// in case a future spawn path can fail (bounded stack reservation,
// OS thread limits under a custom scheduler, and so on).
func (p *Pool) spawn(fn func() error) bool {
	p.started++
	p.group.Go(fn)
	return true
}

// Stop cancels every worker and joins the pool.
func (p *Pool) Stop() {
	p.cancel()
	_ = p.group.Wait()
}

// Size reports how many workers actually started.
func (p *Pool) Size() int { return p.started }

func (p *Pool) runSlave(ctx context.Context) {
	for {
		status := p.prov.Recv(ctx)
		if status != provider.OK {
			return
		}
	}
}

func (p *Pool) runMaster(ctx context.Context, connID int) {
	for {
		if err := p.prov.WaitSynced(ctx); err != nil {
			return
		}

		if !p.driveUntilConnFail(ctx, connID) {
			return
		}
		// CONN_FAIL: fall through to the outer loop and wait for
		// SYNCED again.
	}
}

// driveUntilConnFail runs the master lifecycle in a loop; it returns
// true if the caller should re-wait for SYNCED (CONN_FAIL), false if
// the worker should exit entirely (context cancellation or any status
// other than OK/TRX_FAIL/CONN_FAIL).
func (p *Pool) driveUntilConnFail(ctx context.Context, connID int) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		status := p.engine.RunMaster(ctx, connID)
		switch status {
		case provider.OK:
			if p.delay > 0 {
				time.Sleep(p.delay)
			}
			continue
		case provider.TrxFail:
			time.Sleep(trxFailDelay)
			continue
		case provider.ConnFail:
			return true
		default:
			log.Error("workerpool: master worker exiting on status " + status.String())
			return false
		}
	}
}
