package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	hraft "github.com/hashicorp/raft"

	"github.com/repnode/repnode/pkg/gtid"
	"github.com/repnode/repnode/pkg/store"
)

// fsmCommandKind distinguishes the three things repnode ever puts
// through the Raft log: the group's epoch uuid, a group view change,
// and a write-set to apply.
type fsmCommandKind string

const (
	cmdEpoch    fsmCommandKind = "epoch"
	cmdView     fsmCommandKind = "view"
	cmdWriteSet fsmCommandKind = "writeset"
)

// fsmCommand is the sole envelope raft.Log.Data ever carries.
type fsmCommand struct {
	Kind     fsmCommandKind `json:"kind"`
	ReqID    string         `json:"req_id,omitempty"`
	Epoch    uuid.UUID      `json:"epoch,omitempty"`
	Members  []uuid.UUID    `json:"members,omitempty"`
	WriteSet []byte         `json:"writeset,omitempty"`
}

// applyResult is what FSM.Apply returns through raft's future.Response().
type applyResult struct {
	GTID gtid.GTID
	Err  string
}

// appliedEntry is a committed write-set this node did not originate,
// queued for the slave-path Recv loop to drain.
type appliedEntry struct {
	ws []byte
	g  gtid.GTID
}

// fsm assigns the total order (as a contiguous seqno counter, not raft's
// own log index, which also counts configuration and no-op entries) and
// dispatches view changes and received write-sets to the owning Raft
// provider's callbacks.
//
// Only ordering metadata (epoch, seqno) rides through Raft's own
// snapshot/restore; the record array itself moves through pkg/sst, so
// Raft's log compaction never needs to carry the whole state (see
// DESIGN.md).
type fsm struct {
	mu      sync.Mutex
	epoch   uuid.UUID
	seqno   int64
	pending map[string]struct{}

	cb      Callbacks
	applyCh chan appliedEntry
	stopCh  chan struct{}
}

func newFSM(applyCh chan appliedEntry, stopCh chan struct{}) *fsm {
	return &fsm{
		seqno:   -1,
		pending: make(map[string]struct{}),
		applyCh: applyCh,
		stopCh:  stopCh,
	}
}

func (f *fsm) registerPending(reqID string) {
	f.mu.Lock()
	f.pending[reqID] = struct{}{}
	f.mu.Unlock()
}

func (f *fsm) clearPending(reqID string) {
	f.mu.Lock()
	delete(f.pending, reqID)
	f.mu.Unlock()
}

func (f *fsm) Apply(log *hraft.Log) interface{} {
	var cmd fsmCommand
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Sprintf("fsm: bad command: %v", err)}
	}

	switch cmd.Kind {
	case cmdEpoch:
		f.mu.Lock()
		if f.epoch == uuid.Nil {
			f.epoch = cmd.Epoch
		}
		g := gtid.GTID{UUID: f.epoch, Seqno: f.seqno}
		f.mu.Unlock()
		return applyResult{GTID: g}

	case cmdView:
		f.mu.Lock()
		f.seqno++
		g := gtid.GTID{UUID: f.epoch, Seqno: f.seqno}
		f.mu.Unlock()

		if f.cb.View != nil {
			f.cb.View(store.View{
				Members: cmd.Members,
				GTID:    g,
				Status:  store.StatusPrimary,
			})
		}
		return applyResult{GTID: g}

	case cmdWriteSet:
		f.mu.Lock()
		f.seqno++
		g := gtid.GTID{UUID: f.epoch, Seqno: f.seqno}
		_, own := f.pending[cmd.ReqID]
		if own {
			delete(f.pending, cmd.ReqID)
		}
		f.mu.Unlock()

		if !own {
			select {
			case f.applyCh <- appliedEntry{ws: cmd.WriteSet, g: g}:
			case <-f.stopCh:
			}
		}
		return applyResult{GTID: g}

	default:
		return applyResult{Err: fmt.Sprintf("fsm: unknown command kind %q", cmd.Kind)}
	}
}

// fsmSnapshot persists only {epoch, seqno}; record state transfer is
// pkg/sst's job, not Raft's.
type fsmSnapshot struct {
	Epoch uuid.UUID
	Seqno int64
}

func (f *fsm) Snapshot() (hraft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fsmSnapshot{Epoch: f.epoch, Seqno: f.seqno}, nil
}

func (s *fsmSnapshot) Persist(sink hraft.SnapshotSink) error {
	data, err := json.Marshal(s)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var s fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&s); err != nil {
		return err
	}
	f.mu.Lock()
	f.epoch = s.Epoch
	f.seqno = s.Seqno
	f.mu.Unlock()
	return nil
}
