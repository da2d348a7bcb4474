// Package node wires together the Store, a replication Provider, the
// transaction engine, the worker pools and SST into one process,
// constructed in dependency order and torn down in reverse.
package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/repnode/repnode/pkg/config"
	"github.com/repnode/repnode/pkg/log"
	"github.com/repnode/repnode/pkg/metrics"
	"github.com/repnode/repnode/pkg/provider"
	"github.com/repnode/repnode/pkg/sst"
	"github.com/repnode/repnode/pkg/store"
	"github.com/repnode/repnode/pkg/txn"
	"github.com/repnode/repnode/pkg/workerpool"
)

// Node owns one Store, one Provider, and the worker pools driving
// transactions against them for the lifetime of the process.
type Node struct {
	cfg   config.Config
	store *store.Store
	prov  provider.Provider
	eng   *txn.Engine

	metrics    *metrics.Collector
	metricsSrv *http.Server

	slaves  *workerpool.Pool
	masters *workerpool.Pool

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// New opens the Store and constructs the configured Provider, but does
// not yet connect to the group or start any workers.
func New(cfg config.Config) (*Node, error) {
	s, err := store.Open(store.Config{
		Records:    cfg.Records,
		WSSize:     cfg.Size,
		Operations: cfg.Ops,
		MinOpSize:  20,
	})
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	prov, err := newProvider(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:            cfg,
		store:          s,
		prov:           prov,
		eng:            txn.New(s, prov, txn.Config{Operations: cfg.Ops}),
		metrics:        metrics.NewCollector(s),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}
	return n, nil
}

func newProvider(cfg config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.NoopProvider, "":
		return provider.NewNoop(), nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("node: create data dir: %w", err)
		}
		return provider.NewRaft(provider.RaftConfig{
			DataDir:  cfg.DataDir,
			BindAddr: cfg.ListenAddr(),
		}), nil
	}
}

// Run connects to the group, starts the worker pools, and blocks until
// ctx is cancelled, at which point it performs an orderly shutdown in
// reverse construction order.
func (n *Node) Run(ctx context.Context) error {
	if err := n.prov.Init(n.cfg.Name, n.callbacks()); err != nil {
		return fmt.Errorf("node: provider init: %w", err)
	}

	n.metrics.Start()
	n.startMetricsServer()
	metrics.RegisterComponent("provider", false, "connecting")

	if err := n.prov.Connect(ctx, n.cfg.Address, n.cfg.ShouldBootstrap()); err != nil {
		n.metrics.Stop()
		return fmt.Errorf("node: provider connect: %w", err)
	}
	metrics.RegisterComponent("provider", true, "connected")

	n.slaves = workerpool.StartSlaves(n.shutdownCtx, n.prov, n.cfg.Slaves)
	n.masters = workerpool.StartMasters(n.shutdownCtx, n.eng, n.prov, n.cfg.Masters,
		time.Duration(n.cfg.DelayMS)*time.Millisecond)

	n.statsLoop(ctx)

	return n.shutdown()
}

// startMetricsServer serves /metrics, /health, /ready and /live in the
// background.
func (n *Node) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	n.metricsSrv = &http.Server{Addr: n.cfg.MetricsAddr(), Handler: mux}
	go func() {
		if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("node: metrics server: %v", err)
		}
	}()
}

// statsLoop blocks, printing a periodic statistics line until ctx is
// done.
func (n *Node) statsLoop(ctx context.Context) {
	period := time.Duration(n.cfg.PeriodS) * time.Second
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	nodeLog := log.WithComponent("node")
	for {
		select {
		case <-ticker.C:
			members, records, cur := n.store.Snapshot()
			nodeLog.Info().
				Str("gtid", cur.String()).
				Int("members", members).
				Int("records", records).
				Uint64("read_view_failures", n.store.ReadViewFailures()).
				Float64("writesets_replicated", metrics.CounterValue(metrics.WriteSetsReplicated)).
				Float64("writesets_received", metrics.CounterValue(metrics.WriteSetsReceived)).
				Float64("bytes_replicated", metrics.CounterValue(metrics.BytesReplicated)).
				Float64("bytes_received", metrics.CounterValue(metrics.BytesReceived)).
				Float64("certification_failures", metrics.CounterValue(metrics.CertificationFailures)).
				Float64("flow_control_paused_seconds", metrics.CounterValue(metrics.FlowControlPausedSeconds)).
				Msg("stats")
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) shutdown() error {
	n.shutdownCancel()

	metrics.UpdateComponent("provider", false, "shutting down")

	if err := n.prov.Disconnect(); err != nil {
		log.Errorf("node: provider disconnect: %v", err)
	}

	if n.masters != nil {
		n.masters.Stop()
	}
	if n.slaves != nil {
		n.slaves.Stop()
	}

	n.metrics.Stop()
	if n.metricsSrv != nil {
		if err := n.metricsSrv.Close(); err != nil {
			log.Errorf("node: metrics server close: %v", err)
		}
	}

	if err := n.prov.Free(); err != nil {
		log.Errorf("node: provider free: %v", err)
	}

	if err := n.store.Close(); err != nil {
		return fmt.Errorf("node: close store: %w", err)
	}
	return nil
}

// callbacks builds the provider.Callbacks glue: view updates feed
// store.UpdateMembership, apply dispatches to the transaction engine's
// slave lifecycle, and SST requests/donations run pkg/sst workers.
func (n *Node) callbacks() provider.Callbacks {
	nodeLog := log.WithComponent("node")

	return provider.Callbacks{
		Connected: func(stateID string) {
			nodeLog.Info().Str("state_id", stateID).Msg("connected")
		},
		View: func(v store.View) {
			if v.Status != store.StatusPrimary {
				return
			}
			if err := n.store.UpdateMembership(v); err != nil {
				log.Fatal(fmt.Sprintf("node: update_membership at %s: %v", v.GTID, err))
			}
		},
		Synced: func() {
			nodeLog.Info().Msg("synced")
		},
		Apply: n.eng.ApplyRemote,
		SSTRequest: func() ([]byte, error) {
			ready, done := sst.StartJoiner(n.cfg.SSTAddr(), n.store)
			<-ready
			go n.awaitJoiner(done)
			return []byte(n.cfg.SSTAddr()), nil
		},
		SSTDonate: func(joinerAddr string) error {
			bypass := n.cfg.Provider == config.NoopProvider
			ready, done := sst.StartDonor(joinerAddr, n.store, bypass)
			<-ready
			go n.awaitDonor(done)
			return nil
		},
		Logger: func(level, msg string) {
			switch level {
			case "debug":
				log.Debug("provider: " + msg)
			case "warn":
				log.Warn("provider: " + msg)
			case "error":
				log.Error("provider: " + msg)
			default:
				log.Info("provider: " + msg)
			}
		},
	}
}

func (n *Node) awaitJoiner(done <-chan sst.JoinerResult) {
	r := <-done
	if err := n.prov.SSTReceived(r.GTID, r.Status); err != nil {
		log.Errorf("node: sst_received: %v", err)
	}
}

func (n *Node) awaitDonor(done <-chan sst.DonorResult) {
	r := <-done
	if err := n.prov.SSTSent(n.store.CurrentGTID(), r.Status); err != nil {
		log.Errorf("node: sst_sent: %v", err)
	}
}

// SelfUUID derives this node's deterministic member identity for
// diagnostics, consistent with how provider.Raft maps server ids to
// member uuids.
func SelfUUID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.MustParse("6c7e3f0a-2b1d-4e9a-9c3e-4d5f6a7b8c9d"), []byte(name))
}
