// Package sst implements the joiner and donor sides of State Snapshot
// Transfer: a full copy of a node's state moved over a dedicated TCP
// rendezvous, or a zero-length "bypass" frame telling the joiner to
// catch up by replaying ordered write-sets instead.
//
// Each side runs as a detached worker. The worker captures the handles
// it exclusively owns (the listening socket for the joiner, the
// acquired Store snapshot for the donor) before signaling a one-shot
// ready channel; the caller — one of provider.Callbacks' SSTRequest or
// SSTDonate hooks — blocks on that channel and returns only once the
// worker has taken ownership, a one-shot-channel handshake in place of
// a mutex+condvar rendezvous.
package sst

import (
	"fmt"
	"net"
	"time"

	"github.com/repnode/repnode/pkg/gtid"
	"github.com/repnode/repnode/pkg/metrics"
	"github.com/repnode/repnode/pkg/provider"
	"github.com/repnode/repnode/pkg/sendrecv"
	"github.com/repnode/repnode/pkg/store"
)

const dialTimeout = 10 * time.Second

// JoinerResult is what the joiner worker reports to the provider via
// sst_received once it finishes.
type JoinerResult struct {
	GTID   gtid.GTID
	Status provider.StatusCode
	Err    error
}

// DonorResult is what the donor worker reports to the provider via
// sst_sent once it finishes.
type DonorResult struct {
	StateID string
	Status  provider.StatusCode
	Err     error
}

// StartJoiner listens on listenAddr, signals ready once the socket is
// held, then accepts exactly one connection, installs whatever
// snapshot arrives (or nothing, for a bypass), and reports the
// resulting GTID on done.
func StartJoiner(listenAddr string, s *store.Store) (ready <-chan struct{}, done <-chan JoinerResult) {
	readyCh := make(chan struct{})
	doneCh := make(chan JoinerResult, 1)

	go func() {
		timer := metrics.NewTimer()

		ln, err := net.Listen("tcp", listenAddr)
		if err != nil {
			close(readyCh)
			doneCh <- failedJoin(timer, fmt.Errorf("sst: joiner listen: %w", err))
			return
		}
		close(readyCh)
		defer ln.Close()

		conn, err := ln.Accept()
		if err != nil {
			doneCh <- failedJoin(timer, fmt.Errorf("sst: joiner accept: %w", err))
			return
		}
		defer conn.Close()

		payload, err := sendrecv.Recv(conn)
		if err != nil {
			doneCh <- failedJoin(timer, fmt.Errorf("sst: joiner recv: %w", err))
			return
		}

		if payload != nil {
			if err := s.InitState(payload); err != nil {
				doneCh <- failedJoin(timer, fmt.Errorf("sst: init_state: %w", err))
				return
			}
		}

		timer.ObserveDuration(metrics.SSTDuration)
		metrics.SSTTransfersTotal.WithLabelValues("joiner", "ok").Inc()
		doneCh <- JoinerResult{GTID: s.CurrentGTID(), Status: provider.OK}
	}()

	return readyCh, doneCh
}

func failedJoin(timer *metrics.Timer, err error) JoinerResult {
	timer.ObserveDuration(metrics.SSTDuration)
	metrics.SSTTransfersTotal.WithLabelValues("joiner", "failed").Inc()
	return JoinerResult{Status: provider.NodeFail, Err: err}
}

// StartDonor acquires s's state (unless bypass is set, in which case it
// sends the zero-length frame instead), signals ready once the
// snapshot is held, then dials joinerAddr and streams it across.
func StartDonor(joinerAddr string, s *store.Store, bypass bool) (ready <-chan struct{}, done <-chan DonorResult) {
	readyCh := make(chan struct{})
	doneCh := make(chan DonorResult, 1)

	go func() {
		timer := metrics.NewTimer()

		var payload []byte
		if !bypass {
			buf, err := s.AcquireState()
			if err != nil {
				close(readyCh)
				doneCh <- failedDonate(timer, fmt.Errorf("sst: acquire_state: %w", err))
				return
			}
			payload = buf
		}
		close(readyCh)

		if !bypass {
			defer func() {
				if err := s.ReleaseState(); err != nil {
					// Nothing to recover: the snapshot reference is
					// already gone from this worker's perspective.
					_ = err
				}
			}()
		}

		conn, err := net.DialTimeout("tcp", joinerAddr, dialTimeout)
		if err != nil {
			doneCh <- failedDonate(timer, fmt.Errorf("sst: donor dial: %w", err))
			return
		}
		defer conn.Close()

		if err := sendrecv.Send(conn, payload); err != nil {
			doneCh <- failedDonate(timer, fmt.Errorf("sst: donor send: %w", err))
			return
		}

		timer.ObserveDuration(metrics.SSTDuration)
		metrics.SSTTransfersTotal.WithLabelValues("donor", "ok").Inc()
		doneCh <- DonorResult{StateID: s.CurrentGTID().String(), Status: provider.OK}
	}()

	return readyCh, doneCh
}

func failedDonate(timer *metrics.Timer, err error) DonorResult {
	timer.ObserveDuration(metrics.SSTDuration)
	metrics.SSTTransfersTotal.WithLabelValues("donor", "failed").Inc()
	return DonorResult{Status: provider.NodeFail, Err: err}
}
