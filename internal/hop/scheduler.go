// Package hop schedules frequency hops for stream handles. Each handle
// carries a bounded hop list and a pair of cursors (current and next);
// hops are staged ahead of time and committed either synchronously or
// when the RF clock reaches a caller-supplied timestamp.
package hop

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rjboer/GoRFHost/block"
	"github.com/rjboer/GoRFHost/transport"
)

var (
	// ErrNotHopping is returned when a hop operation targets a handle
	// whose tune mode is fixed.
	ErrNotHopping = errors.New("hop: handle not in a hopping tune mode")

	// ErrRange is returned for an over-long list, a frequency outside
	// the card's tunable range, or an index outside the list.
	ErrRange = errors.New("hop: value out of range")
)

// TuneMode selects how a handle's LO frequency is managed.
type TuneMode int

const (
	// Fixed disables hopping; the LO moves only through direct tunes.
	Fixed TuneMode = iota

	// HopImmediate executes each hop synchronously with PerformHop.
	HopImmediate

	// HopOnTimestamp executes each hop when the RF clock reaches the
	// timestamp given to PerformHop. An already-elapsed timestamp hops
	// immediately; that is deliberate, not an error.
	HopOnTimestamp
)

func (m TuneMode) String() string {
	switch m {
	case Fixed:
		return "fixed"
	case HopImmediate:
		return "hop-immediate"
	case HopOnTimestamp:
		return "hop-on-timestamp"
	}
	return fmt.Sprintf("tunemode(%d)", int(m))
}

// Tuner is the slice of the card transport the scheduler drives.
type Tuner interface {
	Capabilities() transport.Caps
	TuneRx(hdl block.RxHandle, freqHz uint64, at uint64) error
	TuneTx(hdl block.TxHandle, freqHz uint64, at uint64) error
	PrepareRxHop(hdl block.RxHandle, freqHz uint64) error
	PrepareTxHop(hdl block.TxHandle, freqHz uint64) error
	RFTimestamp() uint64
}

// hopState is the per-handle hop bookkeeping.
type hopState struct {
	mode TuneMode
	list []uint64
	cur  int
	next int
}

// Scheduler owns hop state for every handle on one card. Cursor
// commits happen at call time, so the reported current index tracks
// the order of PerformHop calls even when a timestamped hop is still
// pending in the FPGA.
type Scheduler struct {
	tuner Tuner

	mu sync.Mutex
	rx map[block.RxHandle]*hopState
	tx map[block.TxHandle]*hopState
}

// New returns a scheduler with every handle in fixed tune mode.
func New(tuner Tuner) *Scheduler {
	return &Scheduler{
		tuner: tuner,
		rx:    make(map[block.RxHandle]*hopState),
		tx:    make(map[block.TxHandle]*hopState),
	}
}

func (s *Scheduler) rxState(hdl block.RxHandle) *hopState {
	st, ok := s.rx[hdl]
	if !ok {
		st = &hopState{}
		s.rx[hdl] = st
	}
	return st
}

func (s *Scheduler) txState(hdl block.TxHandle) *hopState {
	st, ok := s.tx[hdl]
	if !ok {
		st = &hopState{}
		s.tx[hdl] = st
	}
	return st
}

// SetRxTuneMode switches a receive handle between fixed and hopping
// operation. Leaving a hopping mode clears the hop list.
func (s *Scheduler) SetRxTuneMode(hdl block.RxHandle, mode TuneMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.rxState(hdl)
	st.mode = mode
	if mode == Fixed {
		st.list = nil
		st.cur, st.next = 0, 0
	}
}

// SetTxTuneMode is the transmit counterpart of SetRxTuneMode.
func (s *Scheduler) SetTxTuneMode(hdl block.TxHandle, mode TuneMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.txState(hdl)
	st.mode = mode
	if mode == Fixed {
		st.list = nil
		st.cur, st.next = 0, 0
	}
}

// RxTuneMode reports the tune mode of a receive handle.
func (s *Scheduler) RxTuneMode(hdl block.RxHandle) TuneMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxState(hdl).mode
}

// TxTuneMode reports the tune mode of a transmit handle.
func (s *Scheduler) TxTuneMode(hdl block.TxHandle) TuneMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txState(hdl).mode
}

func (s *Scheduler) checkList(list []uint64, initial int) error {
	if len(list) == 0 || len(list) > block.MaxFreqHops {
		return fmt.Errorf("%w: list length %d", ErrRange, len(list))
	}
	if initial < 0 || initial >= len(list) {
		return fmt.Errorf("%w: initial index %d", ErrRange, initial)
	}
	caps := s.tuner.Capabilities()
	for i, f := range list {
		if f < caps.MinFreqHz || f > caps.MaxFreqHz {
			return fmt.Errorf("%w: hop %d frequency %d Hz outside %d..%d", ErrRange, i, f, caps.MinFreqHz, caps.MaxFreqHz)
		}
	}
	return nil
}

// WriteRxHopList replaces the hop list on the given receive handles and
// resets both cursors to initial. The whole list is validated before
// any handle is touched, so a bad list leaves every handle unchanged.
func (s *Scheduler) WriteRxHopList(handles []block.RxHandle, list []uint64, initial int) error {
	if err := s.checkList(list, initial); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hdl := range handles {
		if s.rxState(hdl).mode == Fixed {
			return fmt.Errorf("%w: %s", ErrNotHopping, hdl)
		}
	}
	for _, hdl := range handles {
		st := s.rxState(hdl)
		st.list = append([]uint64(nil), list...)
		st.cur, st.next = initial, initial
	}
	return nil
}

// WriteTxHopList is the transmit counterpart of WriteRxHopList.
func (s *Scheduler) WriteTxHopList(handles []block.TxHandle, list []uint64, initial int) error {
	if err := s.checkList(list, initial); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hdl := range handles {
		if s.txState(hdl).mode == Fixed {
			return fmt.Errorf("%w: %s", ErrNotHopping, hdl)
		}
	}
	for _, hdl := range handles {
		st := s.txState(hdl)
		st.list = append([]uint64(nil), list...)
		st.cur, st.next = initial, initial
	}
	return nil
}

// StageRxNext points the next-hop cursor at index and has the RF front
// end pre-configure for that frequency, so the later PerformRxHop only
// pays the switch cost. The LO does not move until PerformRxHop commits
// the staged entry.
func (s *Scheduler) StageRxNext(hdl block.RxHandle, index int) error {
	s.mu.Lock()
	st := s.rxState(hdl)
	if st.mode == Fixed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHopping, hdl)
	}
	if index < 0 || index >= len(st.list) {
		s.mu.Unlock()
		return fmt.Errorf("%w: index %d of %d hops", ErrRange, index, len(st.list))
	}
	st.next = index
	freq := st.list[index]
	s.mu.Unlock()

	if err := s.tuner.PrepareRxHop(hdl, freq); err != nil {
		return fmt.Errorf("stage rx %s: %w", hdl, err)
	}
	return nil
}

// StageTxNext is the transmit counterpart of StageRxNext.
func (s *Scheduler) StageTxNext(hdl block.TxHandle, index int) error {
	s.mu.Lock()
	st := s.txState(hdl)
	if st.mode == Fixed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHopping, hdl)
	}
	if index < 0 || index >= len(st.list) {
		s.mu.Unlock()
		return fmt.Errorf("%w: index %d of %d hops", ErrRange, index, len(st.list))
	}
	st.next = index
	freq := st.list[index]
	s.mu.Unlock()

	if err := s.tuner.PrepareTxHop(hdl, freq); err != nil {
		return fmt.Errorf("stage tx %s: %w", hdl, err)
	}
	return nil
}

// PerformRxHop commits the staged hop. In hop-immediate mode ts is
// ignored; in hop-on-timestamp mode the retune is gated on the RF
// clock reaching ts, and an elapsed ts retunes immediately.
//
// When the receive handle shares its RF IC with a transmit handle, the
// hop re-tunes that transmit handle to the same frequency as well; the
// two cannot move independently on shared-RFIC hardware.
func (s *Scheduler) PerformRxHop(hdl block.RxHandle, ts uint64) error {
	s.mu.Lock()
	st := s.rxState(hdl)
	if st.mode == Fixed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHopping, hdl)
	}
	if len(st.list) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: no hop list written for %s", ErrRange, hdl)
	}
	freq := st.list[st.next]
	st.cur = st.next
	mode := st.mode
	s.mu.Unlock()

	at := s.gateTimestamp(mode, ts)
	if err := s.tuner.TuneRx(hdl, freq, at); err != nil {
		return fmt.Errorf("hop rx %s: %w", hdl, err)
	}
	if pair, ok := s.tuner.Capabilities().SharedRFIC[hdl]; ok {
		if err := s.tuner.TuneTx(pair, freq, at); err != nil {
			return fmt.Errorf("hop coupled tx %s: %w", pair, err)
		}
	}
	return nil
}

// PerformTxHop is the transmit counterpart of PerformRxHop. Transmit
// hops never drag a receive handle along; the coupling runs one way.
func (s *Scheduler) PerformTxHop(hdl block.TxHandle, ts uint64) error {
	s.mu.Lock()
	st := s.txState(hdl)
	if st.mode == Fixed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHopping, hdl)
	}
	if len(st.list) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: no hop list written for %s", ErrRange, hdl)
	}
	freq := st.list[st.next]
	st.cur = st.next
	mode := st.mode
	s.mu.Unlock()

	at := s.gateTimestamp(mode, ts)
	if err := s.tuner.TuneTx(hdl, freq, at); err != nil {
		return fmt.Errorf("hop tx %s: %w", hdl, err)
	}
	return nil
}

// gateTimestamp maps a requested hop time onto the transport gate.
// Zero means "now". An elapsed timestamp collapses to an immediate
// retune rather than an error.
func (s *Scheduler) gateTimestamp(mode TuneMode, ts uint64) uint64 {
	if mode != HopOnTimestamp || ts == 0 {
		return 0
	}
	if ts <= s.tuner.RFTimestamp() {
		return 0
	}
	return ts
}

// RxHop reports the hop cursors of a receive handle without mutating
// them.
func (s *Scheduler) RxHop(hdl block.RxHandle) (current, next int, freqs []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.rxState(hdl)
	return st.cur, st.next, append([]uint64(nil), st.list...)
}

// TxHop reports the hop cursors of a transmit handle without mutating
// them.
func (s *Scheduler) TxHop(hdl block.TxHandle) (current, next int, freqs []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.txState(hdl)
	return st.cur, st.next, append([]uint64(nil), st.list...)
}
