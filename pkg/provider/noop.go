package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/repnode/repnode/pkg/gtid"
	"github.com/repnode/repnode/pkg/store"
)

// Noop is the single-node provider: it forms a one-member primary
// component on Connect and never receives a write-set from anyone but
// itself. It exists for running repnode with no replication provider
// configured at all, and as the simplest possible Provider to read
// before provider.Raft.
type Noop struct {
	mu sync.Mutex

	name  string
	cb    Callbacks
	self  uuid.UUID
	view  store.View
	seq   int64
	order *commitOrder

	connected      bool
	syncedOnce     sync.Once
	syncedCh       chan struct{}
	disconnectedCh chan struct{}

	certifyCount uint64
}

// NewNoop returns an unconnected Noop provider.
func NewNoop() *Noop {
	return &Noop{
		syncedCh:       make(chan struct{}),
		disconnectedCh: make(chan struct{}),
		order:          newCommitOrder(),
	}
}

func (n *Noop) Init(name string, cb Callbacks) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.name = name
	n.cb = cb
	n.self = uuid.New()
	n.seq = -1
	return nil
}

func (n *Noop) Connect(ctx context.Context, address string, bootstrap bool) error {
	n.mu.Lock()
	n.connected = true
	n.seq = 0
	n.view = store.View{
		Members: []uuid.UUID{n.self},
		GTID:    gtid.GTID{UUID: n.self, Seqno: 0},
		Status:  store.StatusPrimary,
	}
	view := n.view
	cb := n.cb
	n.mu.Unlock()

	n.order.reset(view.GTID.Seqno + 1)

	if cb.Connected != nil {
		cb.Connected(n.self.String())
	}
	if cb.View != nil {
		cb.View(view)
	}
	n.syncedOnce.Do(func() { close(n.syncedCh) })
	if cb.Synced != nil {
		cb.Synced()
	}
	return nil
}

func (n *Noop) Disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		return nil
	}
	n.connected = false
	select {
	case <-n.disconnectedCh:
	default:
		close(n.disconnectedCh)
	}
	return nil
}

// Recv blocks until disconnect; a single node never receives a
// write-set from anyone else.
func (n *Noop) Recv(ctx context.Context) StatusCode {
	select {
	case <-n.disconnectedCh:
		return ConnFail
	case <-ctx.Done():
		return NodeFail
	}
}

func (n *Noop) Certify(ctx context.Context, connID int, ws *WriteSet, flags Flags) (gtid.GTID, StatusCode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		return gtid.GTID{}, ConnFail
	}
	n.seq++
	n.certifyCount++
	return gtid.GTID{UUID: n.self, Seqno: n.seq}, OK
}

// CommitOrderEnter blocks until g is the next seqno in line: with
// masters > 1, two workers can hold consecutive seqnos returned from
// Certify and reach here in either order.
func (n *Noop) CommitOrderEnter(ctx context.Context, g gtid.GTID) StatusCode {
	return n.order.enter(ctx, g.Seqno)
}

func (n *Noop) CommitOrderLeave(ctx context.Context, g gtid.GTID, errBuf []byte) StatusCode {
	n.order.leave(g.Seqno)
	return OK
}

func (n *Noop) Release(ws *WriteSet) {}

// AssignReadView is never called: Noop advertises no snapshot-read-view
// capability, so the transaction engine always takes the re-verify path
// in store.Store.Commit.
func (n *Noop) AssignReadView(ws *WriteSet, readView gtid.GTID) error { return nil }

func (n *Noop) SSTSent(g gtid.GTID, status StatusCode) error     { return nil }
func (n *Noop) SSTReceived(g gtid.GTID, status StatusCode) error { return nil }

func (n *Noop) Capabilities() store.Capability {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.view.Capabilities
}

func (n *Noop) CurrentView() store.View {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.view
}

func (n *Noop) WaitSynced(ctx context.Context) error {
	select {
	case <-n.syncedCh:
		return nil
	case <-n.disconnectedCh:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Noop) StatsGet() map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return map[string]string{
		"provider":      "noop",
		"certify_count": uitoa(n.certifyCount),
		"current_seqno": itoa64(n.seq),
		"connected":     btoa(n.connected),
	}
}

func (n *Noop) Free() error { return n.Disconnect() }
