package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	hraft "github.com/hashicorp/raft"
)

// Adding a voter is rare and the request tiny, so a one-shot JSON
// request on a dedicated TCP port next to the Raft transport does the
// job without pulling in an RPC framework.

type joinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

type joinResponse struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

func (r *Raft) serveControl(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go r.handleJoin(conn)
	}
}

func (r *Raft) handleJoin(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	var req joinRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}

	resp := joinResponse{}
	if r.raw.State() != hraft.Leader {
		resp.Error = "not leader"
		resp.LeaderAddr = string(r.raw.Leader())
		json.NewEncoder(conn).Encode(resp)
		return
	}

	future := r.raw.AddVoter(hraft.ServerID(req.NodeID), hraft.ServerAddress(req.RaftAddr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		resp.Error = err.Error()
		json.NewEncoder(conn).Encode(resp)
		return
	}

	members, err := r.memberEpochUUIDs()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.certifyTimeout)
		r.submit(ctx, fsmCommand{Kind: cmdView, Members: members})
		cancel()
	}

	resp.OK = true
	json.NewEncoder(conn).Encode(resp)
}

// requestJoin asks the node listening at the group address (its
// control port, one above its Raft transport port) to add this node as
// a voter, retrying if it answers with a different current leader.
func (r *Raft) requestJoin(ctx context.Context, address string) error {
	controlAddr, err := controlPortOf(address)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		resp, err := dialJoin(controlAddr, joinRequest{NodeID: r.name, RaftAddr: r.cfg.BindAddr})
		if err == nil && resp.OK {
			return nil
		}
		if err == nil && resp.LeaderAddr != "" {
			controlAddr, err = controlPortOf(resp.LeaderAddr)
			if err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("provider/raft: could not join via %s", address)
}

func dialJoin(controlAddr string, req joinRequest) (joinResponse, error) {
	conn, err := net.DialTimeout("tcp", controlAddr, 3*time.Second)
	if err != nil {
		return joinResponse{}, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return joinResponse{}, err
	}
	var resp joinResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return joinResponse{}, err
	}
	return resp, nil
}

func controlPortOf(raftAddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(raftAddr)
	if err != nil {
		return "", fmt.Errorf("provider/raft: bad address %q: %w", raftAddr, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", fmt.Errorf("provider/raft: bad port in %q: %w", raftAddr, err)
	}
	return net.JoinHostPort(host, fmt.Sprint(port+1)), nil
}

// nodeNamespace scopes the deterministic server-ID -> member-uuid
// mapping; Raft identifies servers by string ID, store.View wants
// uuid.UUID, so every node derives the same uuid from the same ID
// without an extra coordinated identity map.
var nodeNamespace = uuid.MustParse("6c7e3f0a-2b1d-4e9a-9c3e-4d5f6a7b8c9d")

func nodeUUID(serverID string) uuid.UUID {
	return uuid.NewSHA1(nodeNamespace, []byte(serverID))
}

// memberEpochUUIDs reads Raft's current configuration and maps each
// server ID to its deterministic member uuid, for the "view" command
// submitted after every configuration change.
func (r *Raft) memberEpochUUIDs() ([]uuid.UUID, error) {
	future := r.raw.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	servers := future.Configuration().Servers
	out := make([]uuid.UUID, 0, len(servers))
	for _, s := range servers {
		out = append(out, nodeUUID(string(s.ID)))
	}
	return out, nil
}
