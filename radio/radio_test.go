package radio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rjboer/GoRFHost/block"
	"github.com/rjboer/GoRFHost/internal/dsp"
	"github.com/rjboer/GoRFHost/transport"
)

func openTestContext(t *testing.T) *Context {
	t.Helper()
	// A slow sample clock keeps the block cadence lazy enough that the
	// receive ring never wraps under test scheduling jitter.
	ctx, err := Open(WithLoopback(transport.LoopbackConfig{
		SampleRate:  100_000,
		BlockWords:  256,
		PPSInterval: 50 * time.Millisecond,
	}))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return ctx
}

func initTestCard(t *testing.T, ctx *Context) *Card {
	t.Helper()
	card, err := ctx.InitCard("loopback0", LevelFull)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() { card.Exit() })
	return card
}

func TestTxWorkerCountReachesController(t *testing.T) {
	ctx, err := Open(
		WithLoopback(transport.LoopbackConfig{SampleRate: 100_000}),
		WithTxWorkers(4),
		WithTxQueueDepth(16),
	)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	card := initTestCard(t, ctx)
	if got := card.TxWorkers(); got != 4 {
		t.Fatalf("tx workers = %d, want 4", got)
	}
	if err := card.Exit(); err != nil {
		t.Fatalf("exit failed: %v", err)
	}

	// Oversized requests clamp to the pool bound.
	ctx2, err := Open(
		WithLoopback(transport.LoopbackConfig{SampleRate: 100_000}),
		WithTxWorkers(99),
	)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	card2 := initTestCard(t, ctx2)
	if got := card2.TxWorkers(); got <= 0 || got > 8 {
		t.Fatalf("tx workers = %d, want clamped within the pool bounds", got)
	}
}

func TestInitCardLifecycle(t *testing.T) {
	ctx := openTestContext(t)

	ids := ctx.Cards()
	if len(ids) != 1 || ids[0] != "loopback0" {
		t.Fatalf("cards = %v", ids)
	}

	card, err := ctx.InitCard("loopback0", LevelFull)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if card.Serial() != "LB0001" || card.PartNumber() != "LOOPBK" {
		t.Fatalf("identity = %s/%s", card.Serial(), card.PartNumber())
	}

	if _, err := ctx.InitCard("loopback0", LevelFull); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("re-init = %v, want ErrAlreadyInitialized", err)
	}
	if err := card.Exit(); err != nil {
		t.Fatalf("exit failed: %v", err)
	}
	card2, err := ctx.InitCard("loopback0", LevelBasic)
	if err != nil {
		t.Fatalf("init after exit failed: %v", err)
	}
	card2.Exit()

	if _, err := ctx.InitCard("nosuch", LevelFull); !errors.Is(err, ErrUnknownCard) {
		t.Fatalf("unknown id = %v, want ErrUnknownCard", err)
	}
}

func TestBasicLevelRejectsStreaming(t *testing.T) {
	ctx := openTestContext(t)
	card, err := ctx.InitCard("loopback0", LevelBasic)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	defer card.Exit()

	if err := card.StartRx([]block.RxHandle{block.RxA1}, Immediate, 0); !errors.Is(err, ErrNotReady) {
		t.Fatalf("start = %v, want ErrNotReady", err)
	}
	if _, err := card.ReceiveTimeout(NoWait); !errors.Is(err, ErrNotReady) {
		t.Fatalf("receive = %v, want ErrNotReady", err)
	}
}

func TestReceiveTimestampContinuity(t *testing.T) {
	ctx := openTestContext(t)
	card := initTestCard(t, ctx)

	if err := card.StartRx([]block.RxHandle{block.RxA1}, Immediate, 0); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var prev uint64
	for i := 0; i < 5; i++ {
		blk, err := card.ReceiveTimeout(2 * time.Second)
		if err != nil {
			t.Fatalf("receive %d failed: %v", i, err)
		}
		if blk.Header.Handle != block.RxA1 {
			t.Fatalf("block %d from %s", i, blk.Header.Handle)
		}
		if i > 0 && blk.Header.RFTimestamp != prev+uint64(blk.PayloadWords()) {
			t.Fatalf("block %d timestamp %d, want %d", i, blk.Header.RFTimestamp, prev+uint64(blk.PayloadWords()))
		}
		prev = blk.Header.RFTimestamp
	}

	if got := card.Counters().RxDelivered; got < 5 {
		t.Fatalf("delivered counter = %d, want >= 5", got)
	}
}

func TestConfigRejectedWhileStreaming(t *testing.T) {
	ctx := openTestContext(t)
	card := initTestCard(t, ctx)

	if err := card.SetSampleRate(2_000_000); err != nil {
		t.Fatalf("idle rate change failed: %v", err)
	}
	if err := card.StartRx([]block.RxHandle{block.RxA1}, Immediate, 0); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := card.SetSampleRate(4_000_000); !errors.Is(err, ErrStreaming) {
		t.Fatalf("rate while streaming = %v, want ErrStreaming", err)
	}
	if err := card.SetRxBlockWords(512); !errors.Is(err, ErrStreaming) {
		t.Fatalf("block size while streaming = %v, want ErrStreaming", err)
	}
	if err := card.SetChannelMode(ChannelSingle); !errors.Is(err, ErrStreaming) {
		t.Fatalf("channel mode while streaming = %v, want ErrStreaming", err)
	}
	if err := card.StopRx([]block.RxHandle{block.RxA1}, Immediate, 0); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := card.SetRxBlockWords(512); err != nil {
		t.Fatalf("block size after stop failed: %v", err)
	}
}

func TestSingleChannelModeParksSecondHandles(t *testing.T) {
	ctx := openTestContext(t)
	card := initTestCard(t, ctx)

	if err := card.SetChannelMode(ChannelSingle); err != nil {
		t.Fatalf("mode change failed: %v", err)
	}
	if err := card.StartRx([]block.RxHandle{block.RxA2}, Immediate, 0); err == nil {
		t.Fatal("expected second-channel start to fail in single mode")
	}
	if err := card.StartRx([]block.RxHandle{block.RxA1}, Immediate, 0); err != nil {
		t.Fatalf("first-channel start failed: %v", err)
	}
}

func TestTransmitThroughCard(t *testing.T) {
	ctx := openTestContext(t)
	card := initTestCard(t, ctx)

	blk, err := block.NewTxBlock(block.TxPacketIncrementWords - block.TxHeaderWords)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	copy(blk.Data, dsp.Tone(blk.PayloadWords(), 100_000, 1_000_000, 1500))

	if err := card.Transmit(block.TxA1, blk, nil); err == nil {
		t.Fatal("expected transmit before start to fail")
	}
	if err := card.StartTx([]block.TxHandle{block.TxA1}, Immediate, 0); err != nil {
		t.Fatalf("start tx failed: %v", err)
	}
	if err := card.Transmit(block.TxA1, blk, nil); err != nil {
		t.Fatalf("transmit failed: %v", err)
	}
	if got := card.Counters().TxSent; got != 1 {
		t.Fatalf("sent counter = %d, want 1", got)
	}
	if err := card.StopTx([]block.TxHandle{block.TxA1}, Immediate, 0); err != nil {
		t.Fatalf("stop tx failed: %v", err)
	}
}

func TestExitUnblocksReceive(t *testing.T) {
	ctx := openTestContext(t)
	card, err := ctx.InitCard("loopback0", LevelFull)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		_, err := card.ReceiveTimeout(WaitForever)
		got <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := card.Exit(); err != nil {
		t.Fatalf("exit failed: %v", err)
	}
	select {
	case err := <-got:
		if err == nil {
			t.Fatal("blocked receive returned a block after exit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit left receive blocked")
	}

	if _, err := card.ReceiveTimeout(NoWait); !errors.Is(err, ErrExited) {
		t.Fatalf("receive after exit = %v, want ErrExited", err)
	}
}

func TestHopSurface(t *testing.T) {
	ctx := openTestContext(t)
	card := initTestCard(t, ctx)

	list := []uint64{100_000_000, 200_000_000, 300_000_000}
	if err := card.SetRxTuneMode(block.RxA2, TuneHopImmediate); err != nil {
		t.Fatalf("tune mode failed: %v", err)
	}
	if err := card.WriteRxHopList([]block.RxHandle{block.RxA2}, list, 0); err != nil {
		t.Fatalf("write list failed: %v", err)
	}
	if err := card.StageNextRxHop(block.RxA2, 2); err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if err := card.PerformRxHop(block.RxA2, 0); err != nil {
		t.Fatalf("perform failed: %v", err)
	}
	cur, next, freqs := card.RxHopState(block.RxA2)
	if cur != 2 || next != 2 || len(freqs) != 3 {
		t.Fatalf("hop state = %d/%d/%d", cur, next, len(freqs))
	}

	// A handle in a hopping mode refuses direct LO writes.
	if err := card.SetRxLO(block.RxA2, 500_000_000); !errors.Is(err, ErrHopping) {
		t.Fatalf("direct tune while hopping = %v, want ErrHopping", err)
	}
	if err := card.SetRxLO(block.RxB1, 500_000_000); err != nil {
		t.Fatalf("direct tune in fixed mode failed: %v", err)
	}
}

func TestResetTimestampsOnPPS(t *testing.T) {
	ctx := openTestContext(t)
	card := initTestCard(t, ctx)

	if err := card.ResetTimestampsOnPPS(context.Background()); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	// Counter restarts from zero at the edge; allow generous slack for
	// a slow test host.
	if ts := card.RFTimestamp(); ts > 500_000 {
		t.Fatalf("rf timestamp = %d after reset, want near zero", ts)
	}
}

func TestGainAndAttenuationPassThrough(t *testing.T) {
	ctx := openTestContext(t)
	card := initTestCard(t, ctx)

	if err := card.SetRxGain(block.RxA1, 30); err != nil {
		t.Fatalf("set gain failed: %v", err)
	}
	if got := card.RxGain(block.RxA1); got != 30 {
		t.Fatalf("gain = %d", got)
	}
	if err := card.SetTxAttenuation(block.TxA1, 120); err != nil {
		t.Fatalf("set attenuation failed: %v", err)
	}
	if got := card.TxAttenuation(block.TxA1); got != 120 {
		t.Fatalf("attenuation = %d", got)
	}
}
