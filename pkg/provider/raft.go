package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/repnode/repnode/pkg/gtid"
	"github.com/repnode/repnode/pkg/store"
)

// RaftConfig configures a Raft provider. BindAddr is the Raft transport
// address; the join control-plane listens on the same host one port up
// (see DESIGN.md).
type RaftConfig struct {
	DataDir  string
	BindAddr string
}

// Raft is a Provider backed by hashicorp/raft: group membership and
// write-set ordering both ride the Raft log, giving repnode durable,
// crash-consistent total order for free. Because Raft elects a single
// writer, only the leader can originate a master transaction — a
// deliberate narrowing of the multi-master model documented in
// DESIGN.md: Certify returns CONN_FAIL on a non-leader, and
// provider.Raft never produces BF_ABORT since there is never more than
// one concurrent proposer.
type Raft struct {
	cfg  RaftConfig
	name string

	mu  sync.Mutex
	cb  Callbacks
	raw *hraft.Raft
	fsm *fsm

	controlLn   net.Listener
	controlAddr string

	view   store.View
	viewMu sync.Mutex

	applyCh        chan appliedEntry
	stopCh         chan struct{}
	syncedCh       chan struct{}
	syncedOnce     sync.Once
	disconnectedCh chan struct{}

	order *commitOrder

	certifyTimeout time.Duration
}

// NewRaft returns an uninitialized Raft provider.
func NewRaft(cfg RaftConfig) *Raft {
	return &Raft{
		cfg:            cfg,
		applyCh:        make(chan appliedEntry, 256),
		stopCh:         make(chan struct{}),
		syncedCh:       make(chan struct{}),
		disconnectedCh: make(chan struct{}),
		order:          newCommitOrder(),
		certifyTimeout: 5 * time.Second,
	}
}

func (r *Raft) Init(name string, cb Callbacks) error {
	r.name = name
	r.cb = cb
	r.fsm = newFSM(r.applyCh, r.stopCh)

	// fsm.Apply runs on every node for a "view" command, including
	// joiners who never submit it themselves; track the view here so
	// CurrentView/Capabilities stay correct everywhere, then forward to
	// the node's own callback.
	fsmCb := cb
	fsmCb.View = func(v store.View) {
		r.viewMu.Lock()
		r.view = v
		r.viewMu.Unlock()
		r.order.reset(v.GTID.Seqno + 1)
		if cb.View != nil {
			cb.View(v)
		}
	}
	r.fsm.cb = fsmCb

	if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("provider/raft: create data dir: %w", err)
	}

	config := hraft.DefaultConfig()
	config.LocalID = hraft.ServerID(name)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", r.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("provider/raft: resolve bind addr: %w", err)
	}
	transport, err := hraft.NewTCPTransport(r.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("provider/raft: transport: %w", err)
	}

	snapshots, err := hraft.NewFileSnapshotStore(r.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("provider/raft: snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("provider/raft: log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("provider/raft: stable store: %w", err)
	}

	raw, err := hraft.NewRaft(config, r.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("provider/raft: new raft: %w", err)
	}
	r.raw = raw

	host, portStr, err := net.SplitHostPort(r.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("provider/raft: split bind addr: %w", err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("provider/raft: bad port in bind addr: %w", err)
	}
	r.controlAddr = net.JoinHostPort(host, fmt.Sprint(port+1))

	return nil
}

func (r *Raft) Connect(ctx context.Context, address string, bootstrap bool) error {
	ln, err := net.Listen("tcp", r.controlAddr)
	if err != nil {
		return fmt.Errorf("provider/raft: control listener: %w", err)
	}
	r.controlLn = ln
	go r.serveControl(ln)

	if bootstrap {
		cfg := hraft.Configuration{Servers: []hraft.Server{{
			ID:      hraft.ServerID(r.name),
			Address: hraft.ServerAddress(r.cfg.BindAddr),
		}}}
		if err := r.raw.BootstrapCluster(cfg).Error(); err != nil {
			return fmt.Errorf("provider/raft: bootstrap: %w", err)
		}
		if err := r.waitLeader(ctx); err != nil {
			return err
		}

		epoch := uuid.New()
		if _, err := r.submit(ctx, fsmCommand{Kind: cmdEpoch, Epoch: epoch}); err != nil {
			return fmt.Errorf("provider/raft: submit epoch: %w", err)
		}
		if _, err := r.submit(ctx, fsmCommand{Kind: cmdView, Members: []uuid.UUID{nodeUUID(r.name)}}); err != nil {
			return fmt.Errorf("provider/raft: submit initial view: %w", err)
		}
	} else {
		if err := r.requestJoin(ctx, address); err != nil {
			return fmt.Errorf("provider/raft: join: %w", err)
		}
	}

	if r.cb.Connected != nil {
		r.cb.Connected(r.name)
	}

	go r.watchSynced(ctx)
	return nil
}

// watchSynced declares the node synced once it has a view with at
// least one member including, eventually, itself; for the bootstrap
// node this is immediate, for a joiner it resolves once the leader's
// view command (triggered by AddVoter) reaches it through the FSM.
func (r *Raft) watchSynced(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.disconnectedCh:
			return
		case <-ticker.C:
			r.viewMu.Lock()
			haveView := len(r.view.Members) > 0
			r.viewMu.Unlock()
			if haveView {
				r.syncedOnce.Do(func() { close(r.syncedCh) })
				if r.cb.Synced != nil {
					r.cb.Synced()
				}
				return
			}
		}
	}
}

func (r *Raft) waitLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.raw.State() == hraft.Leader {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Raft) submit(ctx context.Context, cmd fsmCommand) (gtid.GTID, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return gtid.GTID{}, err
	}
	future := r.raw.Apply(data, r.certifyTimeout)
	if err := future.Error(); err != nil {
		return gtid.GTID{}, err
	}
	res, _ := future.Response().(applyResult)
	if res.Err != "" {
		return gtid.GTID{}, fmt.Errorf("provider/raft: %s", res.Err)
	}
	return res.GTID, nil
}

func (r *Raft) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.disconnectedCh:
		return nil
	default:
		close(r.disconnectedCh)
		close(r.stopCh)
	}
	if r.controlLn != nil {
		r.controlLn.Close()
	}
	return nil
}

func (r *Raft) Recv(ctx context.Context) StatusCode {
	for {
		select {
		case <-ctx.Done():
			return NodeFail
		case <-r.disconnectedCh:
			return ConnFail
		case e := <-r.applyCh:
			if r.cb.Apply == nil {
				continue
			}
			exitLoop, err := r.cb.Apply(e.ws, e.g)
			if err != nil && r.cb.Logger != nil {
				r.cb.Logger("warn", fmt.Sprintf("apply %s failed: %v", e.g, err))
			}
			if exitLoop {
				return OK
			}
		}
	}
}

func (r *Raft) Certify(ctx context.Context, connID int, ws *WriteSet, flags Flags) (gtid.GTID, StatusCode) {
	if r.raw.State() != hraft.Leader {
		return gtid.GTID{}, ConnFail
	}

	reqID := uuid.NewString()
	r.fsm.registerPending(reqID)

	data, err := json.Marshal(fsmCommand{Kind: cmdWriteSet, ReqID: reqID, WriteSet: ws.Payload()})
	if err != nil {
		r.fsm.clearPending(reqID)
		return gtid.GTID{}, TrxFail
	}

	future := r.raw.Apply(data, r.certifyTimeout)
	if err := future.Error(); err != nil {
		r.fsm.clearPending(reqID)
		if err == hraft.ErrNotLeader || err == hraft.ErrLeadershipLost {
			return gtid.GTID{}, ConnFail
		}
		return gtid.GTID{}, TrxFail
	}

	res, _ := future.Response().(applyResult)
	if res.Err != "" {
		return gtid.GTID{}, TrxFail
	}
	return res.GTID, OK
}

// CommitOrderEnter blocks until g is the next seqno in line. The FSM's
// single apply goroutine serializes log entries, but it does not
// serialize the goroutines that called Certify and are waking up to
// commit locally: with masters > 1 on the leader, two of them can hold
// consecutive seqnos and reach here in either order.
func (r *Raft) CommitOrderEnter(ctx context.Context, g gtid.GTID) StatusCode {
	return r.order.enter(ctx, g.Seqno)
}

func (r *Raft) CommitOrderLeave(ctx context.Context, g gtid.GTID, errBuf []byte) StatusCode {
	r.order.leave(g.Seqno)
	return OK
}

func (r *Raft) Release(ws *WriteSet) {}

// AssignReadView is never called: provider.Raft advertises no
// snapshot-read-view capability.
func (r *Raft) AssignReadView(ws *WriteSet, readView gtid.GTID) error { return nil }

func (r *Raft) SSTSent(g gtid.GTID, status StatusCode) error {
	if r.cb.Logger != nil {
		r.cb.Logger("info", fmt.Sprintf("sst sent at %s: %s", g, status))
	}
	return nil
}

func (r *Raft) SSTReceived(g gtid.GTID, status StatusCode) error {
	if r.cb.Logger != nil {
		r.cb.Logger("info", fmt.Sprintf("sst received at %s: %s", g, status))
	}
	return nil
}

func (r *Raft) Capabilities() store.Capability {
	r.viewMu.Lock()
	defer r.viewMu.Unlock()
	return r.view.Capabilities
}

func (r *Raft) CurrentView() store.View {
	r.viewMu.Lock()
	defer r.viewMu.Unlock()
	return r.view
}

func (r *Raft) WaitSynced(ctx context.Context) error {
	select {
	case <-r.syncedCh:
		return nil
	case <-r.disconnectedCh:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Raft) StatsGet() map[string]string {
	if r.raw == nil {
		return map[string]string{"provider": "raft"}
	}
	stats := r.raw.Stats()
	stats["provider"] = "raft"
	return stats
}

func (r *Raft) Free() error {
	r.Disconnect()
	if r.raw != nil {
		r.raw.Shutdown().Error()
	}
	return nil
}
