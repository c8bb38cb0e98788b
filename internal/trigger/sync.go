// Package trigger coordinates starting and stopping groups of stream
// handles on one card. Each handle walks a small state machine
// (Idle -> Starting -> Streaming -> Stopping -> Idle); the package
// enforces hardware-exclusivity conflicts and the trigger semantics
// (immediate, PPS-gated, timestamp-gated, synchronized) on top of the
// raw transport calls.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rjboer/GoRFHost/block"
	"github.com/rjboer/GoRFHost/transport"
)

var (
	// ErrAlreadyStreaming is returned when a start names a handle that
	// is not idle.
	ErrAlreadyStreaming = errors.New("trigger: handle already streaming")

	// ErrNotStreaming is returned when a stop names a handle that is
	// not streaming.
	ErrNotStreaming = errors.New("trigger: handle not streaming")

	// ErrConflict is returned when a start names a handle that is
	// hardware-exclusive with one already streaming, even if that other
	// handle is not part of the request.
	ErrConflict = errors.New("trigger: handle conflicts with active handle")

	// ErrUnsupportedTrigger is returned when the card cannot realize
	// the requested trigger. There is no silent fallback.
	ErrUnsupportedTrigger = errors.New("trigger: trigger not supported by card")

	// ErrUnknownHandle is returned when a handle is not present on the
	// card at all.
	ErrUnknownHandle = errors.New("trigger: handle not present on card")
)

// Trigger selects how a start or stop takes effect at the hardware.
type Trigger int

const (
	// Immediate commits the transition as soon as the card accepts it.
	Immediate Trigger = iota

	// OnPPS blocks the caller until the next 1PPS edge after the given
	// system timestamp (zero means the very next edge), then commits.
	// A PPS-gated call is not interruptible by ordinary cancellation.
	OnPPS

	// OnTimestamp commits when the RF clock reaches the given
	// timestamp. The call itself returns once the gate is armed.
	OnTimestamp

	// SyncedImmediate commits all named handles on the same sample
	// clock edge. Requires firmware support.
	SyncedImmediate
)

func (t Trigger) String() string {
	switch t {
	case Immediate:
		return "immediate"
	case OnPPS:
		return "on-1pps"
	case OnTimestamp:
		return "on-timestamp"
	case SyncedImmediate:
		return "synced-immediate"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// State is the per-handle streaming state.
type State int

const (
	Idle State = iota
	Starting
	Streaming
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Control is the slice of the card transport the synchronizer drives.
type Control interface {
	Capabilities() transport.Caps
	StartRx(hdl block.RxHandle, at uint64) error
	StopRx(hdl block.RxHandle, at uint64) error
	StartTx(hdl block.TxHandle, at uint64) error
	StopTx(hdl block.TxHandle, at uint64) error
	WaitPPS(ctx context.Context, afterSys uint64) error
}

// Synchronizer tracks handle states for one card and serializes the
// state-machine checks. Concurrent calls on disjoint handle sets are
// safe; calls on overlapping sets must be serialized by the caller.
type Synchronizer struct {
	ctl Control

	mu sync.Mutex
	rx map[block.RxHandle]State
	tx map[block.TxHandle]State
}

// New returns a synchronizer with every handle idle.
func New(ctl Control) *Synchronizer {
	return &Synchronizer{
		ctl: ctl,
		rx:  make(map[block.RxHandle]State),
		tx:  make(map[block.TxHandle]State),
	}
}

// RxState reports the current state of a receive handle.
func (s *Synchronizer) RxState(hdl block.RxHandle) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx[hdl]
}

// TxState reports the current state of a transmit handle.
func (s *Synchronizer) TxState(hdl block.TxHandle) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx[hdl]
}

func (s *Synchronizer) checkTrigger(trig Trigger) error {
	caps := s.ctl.Capabilities()
	switch trig {
	case Immediate, OnTimestamp:
		return nil
	case OnPPS:
		if !caps.PPS {
			return fmt.Errorf("%w: %s", ErrUnsupportedTrigger, trig)
		}
		return nil
	case SyncedImmediate:
		if !caps.SyncedStart {
			return fmt.Errorf("%w: %s", ErrUnsupportedTrigger, trig)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedTrigger, trig)
}

// gate blocks for a PPS-gated transition. The handles involved are
// already marked transitional, so competing calls fail the state check
// while the caller parks here.
func (s *Synchronizer) gate(ctx context.Context, trig Trigger, ts uint64) error {
	if trig != OnPPS {
		return nil
	}
	return s.ctl.WaitPPS(ctx, ts)
}

// hwTimestamp is the gate passed down to the transport. Only the
// on-timestamp trigger arms the FPGA-side comparator.
func hwTimestamp(trig Trigger, ts uint64) uint64 {
	if trig == OnTimestamp {
		return ts
	}
	return 0
}

// StartRx transitions the named receive handles to streaming.
// All state checks are performed and committed under one lock before
// any hardware call, so a request either claims every handle or none.
func (s *Synchronizer) StartRx(ctx context.Context, handles []block.RxHandle, trig Trigger, ts uint64) error {
	caps := s.ctl.Capabilities()
	if err := s.checkTrigger(trig); err != nil {
		return err
	}

	s.mu.Lock()
	for _, hdl := range handles {
		if !caps.HasRx(hdl) {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownHandle, hdl)
		}
		if s.rx[hdl] != Idle {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyStreaming, hdl)
		}
	}
	if hdl, other, ok := s.rxConflictLocked(handles); ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s vs %s", ErrConflict, hdl, other)
	}
	for _, hdl := range handles {
		s.rx[hdl] = Starting
	}
	s.mu.Unlock()

	if err := s.gate(ctx, trig, ts); err != nil {
		s.setRx(handles, Idle)
		return fmt.Errorf("pps gate: %w", err)
	}

	at := hwTimestamp(trig, ts)
	for i, hdl := range handles {
		if err := s.ctl.StartRx(hdl, at); err != nil {
			for _, h := range handles[:i] {
				s.ctl.StopRx(h, 0)
			}
			s.setRx(handles, Idle)
			return fmt.Errorf("start rx %s: %w", hdl, err)
		}
	}
	s.setRx(handles, Streaming)
	return nil
}

// StopRx mirrors StartRx: the handles must all be streaming, and the
// same trigger semantics gate the transition. Stopping at the card does
// not drain blocks already queued host side; callers keep pulling until
// no data remains.
func (s *Synchronizer) StopRx(ctx context.Context, handles []block.RxHandle, trig Trigger, ts uint64) error {
	if err := s.checkTrigger(trig); err != nil {
		return err
	}

	s.mu.Lock()
	for _, hdl := range handles {
		if s.rx[hdl] != Streaming {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotStreaming, hdl)
		}
	}
	for _, hdl := range handles {
		s.rx[hdl] = Stopping
	}
	s.mu.Unlock()

	if err := s.gate(ctx, trig, ts); err != nil {
		s.setRx(handles, Streaming)
		return fmt.Errorf("pps gate: %w", err)
	}

	at := hwTimestamp(trig, ts)
	var firstErr error
	for _, hdl := range handles {
		if err := s.ctl.StopRx(hdl, at); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop rx %s: %w", hdl, err)
		}
	}
	s.setRx(handles, Idle)
	return firstErr
}

// StartTx transitions the named transmit handles to streaming.
func (s *Synchronizer) StartTx(ctx context.Context, handles []block.TxHandle, trig Trigger, ts uint64) error {
	caps := s.ctl.Capabilities()
	if err := s.checkTrigger(trig); err != nil {
		return err
	}

	s.mu.Lock()
	for _, hdl := range handles {
		if !caps.HasTx(hdl) {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownHandle, hdl)
		}
		if s.tx[hdl] != Idle {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyStreaming, hdl)
		}
	}
	for _, hdl := range handles {
		s.tx[hdl] = Starting
	}
	s.mu.Unlock()

	if err := s.gate(ctx, trig, ts); err != nil {
		s.setTx(handles, Idle)
		return fmt.Errorf("pps gate: %w", err)
	}

	at := hwTimestamp(trig, ts)
	for i, hdl := range handles {
		if err := s.ctl.StartTx(hdl, at); err != nil {
			for _, h := range handles[:i] {
				s.ctl.StopTx(h, 0)
			}
			s.setTx(handles, Idle)
			return fmt.Errorf("start tx %s: %w", hdl, err)
		}
	}
	s.setTx(handles, Streaming)
	return nil
}

// StopTx mirrors StartTx.
func (s *Synchronizer) StopTx(ctx context.Context, handles []block.TxHandle, trig Trigger, ts uint64) error {
	if err := s.checkTrigger(trig); err != nil {
		return err
	}

	s.mu.Lock()
	for _, hdl := range handles {
		if s.tx[hdl] != Streaming {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotStreaming, hdl)
		}
	}
	for _, hdl := range handles {
		s.tx[hdl] = Stopping
	}
	s.mu.Unlock()

	if err := s.gate(ctx, trig, ts); err != nil {
		s.setTx(handles, Streaming)
		return fmt.Errorf("pps gate: %w", err)
	}

	at := hwTimestamp(trig, ts)
	var firstErr error
	for _, hdl := range handles {
		if err := s.ctl.StopTx(hdl, at); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop tx %s: %w", hdl, err)
		}
	}
	s.setTx(handles, Idle)
	return firstErr
}

// rxConflictLocked checks the request against the card's exclusivity
// table. A request handle conflicts if an exclusive peer is active
// (whether or not that peer is part of the request) or if the request
// itself names two mutually exclusive handles.
func (s *Synchronizer) rxConflictLocked(handles []block.RxHandle) (block.RxHandle, block.RxHandle, bool) {
	conflicts := s.ctl.Capabilities().RxConflicts
	requested := make(map[block.RxHandle]bool, len(handles))
	for _, hdl := range handles {
		requested[hdl] = true
	}
	for _, hdl := range handles {
		for _, other := range conflicts[hdl] {
			if s.rx[other] != Idle || requested[other] {
				return hdl, other, true
			}
		}
	}
	return 0, 0, false
}

func (s *Synchronizer) setRx(handles []block.RxHandle, st State) {
	s.mu.Lock()
	for _, hdl := range handles {
		s.rx[hdl] = st
	}
	s.mu.Unlock()
}

func (s *Synchronizer) setTx(handles []block.TxHandle, st State) {
	s.mu.Lock()
	for _, hdl := range handles {
		s.tx[hdl] = st
	}
	s.mu.Unlock()
}
