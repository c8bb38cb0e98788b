package transport

import (
	"context"
	"testing"
	"time"

	"github.com/rjboer/GoRFHost/block"
)

func TestLoopbackBlockContinuity(t *testing.T) {
	lb := NewLoopback(LoopbackConfig{SampleRate: 2_000_000, BlockWords: 256})
	defer lb.Close()

	if err := lb.StartRx(block.RxA1, 0); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var last uint64
	for i := 0; i < 8; i++ {
		pkt, err := lb.Receive(ctx)
		if err != nil {
			t.Fatalf("receive %d failed: %v", i, err)
		}
		hdr, err := block.DecodeRxHeader(pkt)
		if err != nil {
			t.Fatalf("decode %d failed: %v", i, err)
		}
		if hdr.Handle != block.RxA1 {
			t.Fatalf("block %d from %s", i, hdr.Handle)
		}
		if i > 0 && hdr.RFTimestamp != last+256 {
			t.Fatalf("block %d timestamp %d, want %d", i, hdr.RFTimestamp, last+256)
		}
		last = hdr.RFTimestamp
	}
}

func TestLoopbackUnknownHandleRejected(t *testing.T) {
	lb := NewLoopback(LoopbackConfig{})
	defer lb.Close()
	if err := lb.StartRx(block.RxB2, 0); err == nil {
		t.Fatal("expected unsupported handle error")
	}
	if err := lb.StartTx(block.TxA2, 0); err == nil {
		t.Fatal("expected unsupported handle error")
	}
}

func TestLoopbackTransmitRequiresStreaming(t *testing.T) {
	lb := NewLoopback(LoopbackConfig{})
	defer lb.Close()

	b, err := block.NewTxBlock(block.TxPacketIncrementWords - block.TxHeaderWords)
	if err != nil {
		t.Fatalf("NewTxBlock failed: %v", err)
	}
	pkt, err := b.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := lb.Transmit(block.TxA1, pkt); err == nil {
		t.Fatal("expected transmit-while-stopped error")
	}
	if err := lb.StartTx(block.TxA1, 0); err != nil {
		t.Fatalf("start tx failed: %v", err)
	}
	if err := lb.Transmit(block.TxA1, pkt); err != nil {
		t.Fatalf("transmit failed: %v", err)
	}
	if got := len(lb.TxPackets()); got != 1 {
		t.Fatalf("tx log has %d packets", got)
	}
}

func TestLoopbackUnderrunResetOnStart(t *testing.T) {
	lb := NewLoopback(LoopbackConfig{SampleRate: 10_000_000})
	defer lb.Close()

	if err := lb.StartTx(block.TxA1, 0); err != nil {
		t.Fatalf("start tx failed: %v", err)
	}
	b, _ := block.NewTxBlock(block.TxPacketIncrementWords - block.TxHeaderWords)
	pkt, _ := b.Encode()

	// Two transmits with a starving gap between them.
	if err := lb.Transmit(block.TxA1, pkt); err != nil {
		t.Fatalf("transmit failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := lb.Transmit(block.TxA1, pkt); err != nil {
		t.Fatalf("transmit failed: %v", err)
	}
	if lb.TxUnderruns() == 0 {
		t.Fatal("expected an underrun after starvation gap")
	}

	if err := lb.StartTx(block.TxA1, 0); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if got := lb.TxUnderruns(); got != 0 {
		t.Fatalf("underruns = %d after restart, want 0", got)
	}
}

func TestLoopbackWaitPPS(t *testing.T) {
	lb := NewLoopback(LoopbackConfig{PPSInterval: 20 * time.Millisecond})
	defer lb.Close()

	start := time.Now()
	if err := lb.WaitPPS(context.Background(), 0); err != nil {
		t.Fatalf("WaitPPS failed: %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("edge arrived far too late")
	}
}

func TestLoopbackTune(t *testing.T) {
	lb := NewLoopback(LoopbackConfig{})
	defer lb.Close()

	if err := lb.TuneRx(block.RxA1, 915_000_000, 0); err != nil {
		t.Fatalf("tune failed: %v", err)
	}
	if got := lb.RxLO(block.RxA1); got != 915_000_000 {
		t.Fatalf("rx LO = %d", got)
	}
}
