package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rjboer/GoRFHost/block"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4, 5}
	if err := WriteFrame(&buf, frameData, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	typ, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if typ != frameData || !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: type %d payload %v", typ, got)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, 5)
	binary.LittleEndian.PutUint32(hdr, maxFrameBytes+1)
	buf.Write(hdr)
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected length range error")
	}
}

// startMockCard runs a minimal card-side responder: it answers the
// capability exchange, acknowledges control ops, records transmit packets,
// and pushes canned rx data frames.
func startMockCard(t *testing.T, caps Caps, rxPackets [][]byte) (string, chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	txSeen := make(chan []byte, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			typ, payload, err := ReadFrame(conn)
			if err != nil {
				return
			}
			if typ != frameCtrl || len(payload) < 2 {
				continue
			}
			tag, op, args := payload[0], payload[1], payload[2:]
			resp := []byte{tag, 0}
			switch op {
			case opCaps:
				body, _ := json.Marshal(caps)
				resp = append(resp, body...)
			case opReadRF, opReadSys:
				v := make([]byte, 8)
				binary.LittleEndian.PutUint64(v, 12345)
				resp = append(resp, v...)
			case opTxUnderruns:
				resp = append(resp, 0, 0, 0, 0)
			case opTransmit:
				txSeen <- append([]byte(nil), args...)
			case opWaitPPS:
				// The edge never fires; the reply stays pending forever.
				continue
			case opStartRx:
				// Follow the ack with the canned data frames.
				if err := WriteFrame(conn, frameCtrlResp, resp); err != nil {
					return
				}
				for _, pkt := range rxPackets {
					if err := WriteFrame(conn, frameData, pkt); err != nil {
						return
					}
				}
				continue
			}
			if err := WriteFrame(conn, frameCtrlResp, resp); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), txSeen
}

func TestTCPTransportControlAndData(t *testing.T) {
	caps := DefaultLoopbackCaps()
	rxPkt := make([]byte, block.RxHeaderBytes+16)
	if err := block.EncodeRxHeader(rxPkt, block.RxHeader{RFTimestamp: 777, Handle: block.RxA1}); err != nil {
		t.Fatalf("encode header: %v", err)
	}
	addr, txSeen := startMockCard(t, caps, [][]byte{rxPkt})

	tr, err := DialTCP(addr, TCPConfig{DialTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer tr.Close()

	if got := tr.Capabilities().Serial; got != caps.Serial {
		t.Fatalf("serial = %q", got)
	}
	if ts := tr.RFTimestamp(); ts != 12345 {
		t.Fatalf("rf timestamp = %d", ts)
	}

	if err := tr.StartRx(block.RxA1, 0); err != nil {
		t.Fatalf("start rx failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pkt, err := tr.Receive(ctx)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	hdr, err := block.DecodeRxHeader(pkt)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if hdr.RFTimestamp != 777 {
		t.Fatalf("timestamp = %d", hdr.RFTimestamp)
	}

	b, _ := block.NewTxBlock(block.TxPacketIncrementWords - block.TxHeaderWords)
	wire, _ := b.Encode()
	if err := tr.Transmit(block.TxA1, wire); err != nil {
		t.Fatalf("transmit failed: %v", err)
	}
	select {
	case seen := <-txSeen:
		if seen[0] != byte(block.TxA1) || len(seen) != len(wire)+1 {
			t.Fatalf("card saw %d bytes for handle %d", len(seen), seen[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("card never saw the transmit")
	}
}

func TestWaitPPSCancelWithdrawsPendingTag(t *testing.T) {
	addr, _ := startMockCard(t, DefaultLoopbackCaps(), nil)
	tr, err := DialTCP(addr, TCPConfig{DialTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.WaitPPS(ctx, 0) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("wait = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not unblock on cancel")
	}

	tr.pmu.Lock()
	waiters := len(tr.pending)
	tr.pmu.Unlock()
	if waiters != 0 {
		t.Fatalf("%d control waiters still parked after cancel", waiters)
	}
	// The link keeps serving control traffic.
	if ts := tr.RFTimestamp(); ts != 12345 {
		t.Fatalf("rf timestamp = %d after cancelled wait", ts)
	}
}

func TestTCPReceiveUnblocksOnClose(t *testing.T) {
	addr, _ := startMockCard(t, DefaultLoopbackCaps(), nil)
	tr, err := DialTCP(addr, TCPConfig{DialTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := tr.Receive(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	tr.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not unblock on close")
	}
}
