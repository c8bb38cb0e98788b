package hop

import (
	"errors"
	"sync"
	"testing"

	"github.com/rjboer/GoRFHost/block"
	"github.com/rjboer/GoRFHost/transport"
)

type tuneCall struct {
	rx   bool
	hdl  int
	freq uint64
	at   uint64
}

type fakeTuner struct {
	caps transport.Caps
	rf   uint64

	mu       sync.Mutex
	calls    []tuneCall
	prepared []tuneCall
}

func newFakeTuner() *fakeTuner {
	return &fakeTuner{caps: transport.DefaultLoopbackCaps()}
}

func (f *fakeTuner) Capabilities() transport.Caps { return f.caps }
func (f *fakeTuner) RFTimestamp() uint64          { return f.rf }

func (f *fakeTuner) TuneRx(hdl block.RxHandle, freqHz, at uint64) error {
	f.mu.Lock()
	f.calls = append(f.calls, tuneCall{true, int(hdl), freqHz, at})
	f.mu.Unlock()
	return nil
}

func (f *fakeTuner) TuneTx(hdl block.TxHandle, freqHz, at uint64) error {
	f.mu.Lock()
	f.calls = append(f.calls, tuneCall{false, int(hdl), freqHz, at})
	f.mu.Unlock()
	return nil
}

func (f *fakeTuner) PrepareRxHop(hdl block.RxHandle, freqHz uint64) error {
	f.mu.Lock()
	f.prepared = append(f.prepared, tuneCall{true, int(hdl), freqHz, 0})
	f.mu.Unlock()
	return nil
}

func (f *fakeTuner) PrepareTxHop(hdl block.TxHandle, freqHz uint64) error {
	f.mu.Lock()
	f.prepared = append(f.prepared, tuneCall{false, int(hdl), freqHz, 0})
	f.mu.Unlock()
	return nil
}

func (f *fakeTuner) callsSnapshot() []tuneCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tuneCall(nil), f.calls...)
}

func (f *fakeTuner) preparedSnapshot() []tuneCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tuneCall(nil), f.prepared...)
}

var testList = []uint64{100_000_000, 200_000_000, 300_000_000}

func TestWriteHopListResetsCursors(t *testing.T) {
	tuner := newFakeTuner()
	s := New(tuner)
	s.SetRxTuneMode(block.RxA2, HopImmediate)

	if err := s.WriteRxHopList([]block.RxHandle{block.RxA2}, testList, 1); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cur, next, freqs := s.RxHop(block.RxA2)
	if cur != 1 || next != 1 || len(freqs) != 3 {
		t.Fatalf("cursors = %d/%d with %d hops, want 1/1 with 3", cur, next, len(freqs))
	}
}

func TestWriteHopListRejectsBadInput(t *testing.T) {
	tuner := newFakeTuner()
	s := New(tuner)
	s.SetRxTuneMode(block.RxA2, HopImmediate)
	handles := []block.RxHandle{block.RxA2}

	long := make([]uint64, block.MaxFreqHops+1)
	for i := range long {
		long[i] = 100_000_000
	}
	if err := s.WriteRxHopList(handles, long, 0); !errors.Is(err, ErrRange) {
		t.Fatalf("oversize list = %v, want ErrRange", err)
	}
	// 10 MHz is below the card's tunable floor.
	if err := s.WriteRxHopList(handles, []uint64{10_000_000}, 0); !errors.Is(err, ErrRange) {
		t.Fatalf("out-of-range frequency = %v, want ErrRange", err)
	}
	if err := s.WriteRxHopList(handles, testList, 3); !errors.Is(err, ErrRange) {
		t.Fatalf("initial index past end = %v, want ErrRange", err)
	}
	if err := s.WriteRxHopList([]block.RxHandle{block.RxB1}, testList, 0); !errors.Is(err, ErrNotHopping) {
		t.Fatalf("write in fixed mode = %v, want ErrNotHopping", err)
	}
}

func TestStageNextRequiresHoppingMode(t *testing.T) {
	tuner := newFakeTuner()
	s := New(tuner)

	if err := s.StageRxNext(block.RxA2, 0); !errors.Is(err, ErrNotHopping) {
		t.Fatalf("stage in fixed mode = %v, want ErrNotHopping", err)
	}

	s.SetRxTuneMode(block.RxA2, HopImmediate)
	if err := s.WriteRxHopList([]block.RxHandle{block.RxA2}, testList, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := s.StageRxNext(block.RxA2, 5); !errors.Is(err, ErrRange) {
		t.Fatalf("stage past end = %v, want ErrRange", err)
	}
	if err := s.StageRxNext(block.RxA2, 2); err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	cur, next, _ := s.RxHop(block.RxA2)
	if cur != 0 || next != 2 {
		t.Fatalf("cursors = %d/%d, want 0/2 (stage must not move current)", cur, next)
	}
}

func TestStageNextPreConfiguresFrontEnd(t *testing.T) {
	tuner := newFakeTuner()
	s := New(tuner)
	s.SetRxTuneMode(block.RxA2, HopImmediate)
	if err := s.WriteRxHopList([]block.RxHandle{block.RxA2}, testList, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := s.StageRxNext(block.RxA2, 2); err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	prepared := tuner.preparedSnapshot()
	if len(prepared) != 1 || !prepared[0].rx || prepared[0].freq != testList[2] {
		t.Fatalf("front end prepared %+v, want one rx prepare at %d Hz", prepared, testList[2])
	}
	if calls := tuner.callsSnapshot(); len(calls) != 0 {
		t.Fatalf("staging moved the LO: %+v", calls)
	}

	s.SetTxTuneMode(block.TxA1, HopImmediate)
	if err := s.WriteTxHopList([]block.TxHandle{block.TxA1}, testList, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := s.StageTxNext(block.TxA1, 1); err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	prepared = tuner.preparedSnapshot()
	if len(prepared) != 2 || prepared[1].rx || prepared[1].freq != testList[1] {
		t.Fatalf("front end prepared %+v, want a tx prepare at %d Hz", prepared, testList[1])
	}
}

func TestPerformHopCommitsStagedIndex(t *testing.T) {
	tuner := newFakeTuner()
	s := New(tuner)
	s.SetRxTuneMode(block.RxA2, HopImmediate)
	if err := s.WriteRxHopList([]block.RxHandle{block.RxA2}, testList, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := s.StageRxNext(block.RxA2, 2); err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	// Immediate mode ignores the timestamp entirely.
	if err := s.PerformRxHop(block.RxA2, 999_999); err != nil {
		t.Fatalf("hop failed: %v", err)
	}
	cur, next, _ := s.RxHop(block.RxA2)
	if cur != 2 || next != 2 {
		t.Fatalf("cursors = %d/%d, want 2/2", cur, next)
	}
	calls := tuner.callsSnapshot()
	if len(calls) != 1 || calls[0].freq != testList[2] || calls[0].at != 0 {
		t.Fatalf("tuner saw %+v, want one immediate tune to %d", calls, testList[2])
	}
}

func TestPerformHopOnTimestamp(t *testing.T) {
	tuner := newFakeTuner()
	tuner.rf = 5000
	s := New(tuner)
	s.SetTxTuneMode(block.TxA1, HopOnTimestamp)
	if err := s.WriteTxHopList([]block.TxHandle{block.TxA1}, testList, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Future timestamp arms the gate.
	if err := s.PerformTxHop(block.TxA1, 8000); err != nil {
		t.Fatalf("hop failed: %v", err)
	}
	// Elapsed timestamp retunes immediately, no error.
	if err := s.PerformTxHop(block.TxA1, 4000); err != nil {
		t.Fatalf("elapsed-timestamp hop failed: %v", err)
	}
	calls := tuner.callsSnapshot()
	if len(calls) != 2 || calls[0].at != 8000 || calls[1].at != 0 {
		t.Fatalf("tuner saw %+v, want gated then immediate", calls)
	}
}

func TestRxHopRetunesCoupledTxHandle(t *testing.T) {
	tuner := newFakeTuner()
	s := New(tuner)
	// RxA1 shares its RF IC with TxA1 on this card.
	s.SetRxTuneMode(block.RxA1, HopImmediate)
	if err := s.WriteRxHopList([]block.RxHandle{block.RxA1}, testList, 1); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := s.PerformRxHop(block.RxA1, 0); err != nil {
		t.Fatalf("hop failed: %v", err)
	}
	calls := tuner.callsSnapshot()
	if len(calls) != 2 {
		t.Fatalf("tuner saw %d calls, want rx plus coupled tx", len(calls))
	}
	if !calls[0].rx || calls[1].rx || calls[1].hdl != int(block.TxA1) || calls[1].freq != testList[1] {
		t.Fatalf("coupled tune = %+v, want TxA1 at %d Hz", calls[1], testList[1])
	}
}

func TestLeavingHopModeClearsList(t *testing.T) {
	tuner := newFakeTuner()
	s := New(tuner)
	s.SetRxTuneMode(block.RxA2, HopImmediate)
	if err := s.WriteRxHopList([]block.RxHandle{block.RxA2}, testList, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	s.SetRxTuneMode(block.RxA2, Fixed)
	if err := s.PerformRxHop(block.RxA2, 0); !errors.Is(err, ErrNotHopping) {
		t.Fatalf("hop after leaving mode = %v, want ErrNotHopping", err)
	}
}
