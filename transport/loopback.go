package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rjboer/GoRFHost/block"
)

// sysClockHz is the rate of the loopback system counter. It is independent
// of the RF sample rate, mirroring the free-running system timestamp on
// real cards.
const sysClockHz = 40_000_000

// LoopbackConfig tunes the software card.
type LoopbackConfig struct {
	SampleRate  uint32        // RF sample clock, default 1 MHz
	BlockWords  int           // payload words per generated rx block
	PPSInterval time.Duration // spacing of simulated 1PPS edges, default 1s
	QueueDepth  int           // rx packets buffered before the card drops
	Caps        *Caps         // capability overrides, default DefaultLoopbackCaps
}

// DefaultLoopbackCaps returns the capability set of the software card: two
// receive handles and one transmit handle on a shared RF IC, plus a
// second-RFIC receive handle that is hardwired against RxA1.
func DefaultLoopbackCaps() Caps {
	return Caps{
		Serial:          "LB0001",
		PartNumber:      "LOOPBK",
		FirmwareVersion: "1.0",
		RxHandles:       []block.RxHandle{block.RxA1, block.RxA2, block.RxB1},
		TxHandles:       []block.TxHandle{block.TxA1},
		RxConflicts: map[block.RxHandle][]block.RxHandle{
			block.RxA1: {block.RxB1},
			block.RxB1: {block.RxA1},
		},
		SharedRFIC:  map[block.RxHandle]block.TxHandle{block.RxA1: block.TxA1},
		SyncedStart: true,
		PPS:         true,
		MinFreqHz:   47_000_000,
		MaxFreqHz:   6_000_000_000,
	}
}

type loopRxState struct {
	nextTS uint64
}

// Loopback is an in-process software card. It runs a free RF clock derived
// from wall time, synthesizes well-formed receive blocks with exact
// timestamp continuity per handle, and accepts transmit packets. All driver
// tests and the demo tools run against it.
type Loopback struct {
	mu         sync.Mutex
	caps       Caps
	epoch      time.Time
	sampleRate uint32
	blockWords int
	ppsEvery   time.Duration

	rxStreaming map[block.RxHandle]*loopRxState
	txStreaming map[block.TxHandle]bool
	rxLO        map[block.RxHandle]uint64
	txLO        map[block.TxHandle]uint64
	rxPrepared  map[block.RxHandle]uint64
	txPrepared  map[block.TxHandle]uint64

	rxCh   chan []byte
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup

	underruns uint32
	lastTx    time.Time
	txLog     []*block.TxBlock
}

// NewLoopback starts a software card with the provided configuration.
func NewLoopback(cfg LoopbackConfig) *Loopback {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1_000_000
	}
	if cfg.BlockWords == 0 {
		cfg.BlockWords = block.DefaultRxPayloadWords
	}
	if cfg.PPSInterval == 0 {
		cfg.PPSInterval = time.Second
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 32
	}
	caps := DefaultLoopbackCaps()
	if cfg.Caps != nil {
		caps = *cfg.Caps
	}
	lb := &Loopback{
		caps:        caps,
		epoch:       time.Now(),
		sampleRate:  cfg.SampleRate,
		blockWords:  cfg.BlockWords,
		ppsEvery:    cfg.PPSInterval,
		rxStreaming: make(map[block.RxHandle]*loopRxState),
		txStreaming: make(map[block.TxHandle]bool),
		rxLO:        make(map[block.RxHandle]uint64),
		txLO:        make(map[block.TxHandle]uint64),
		rxPrepared:  make(map[block.RxHandle]uint64),
		txPrepared:  make(map[block.TxHandle]uint64),
		rxCh:        make(chan []byte, cfg.QueueDepth),
		done:        make(chan struct{}),
	}
	lb.wg.Add(1)
	go lb.generate()
	return lb
}

func (lb *Loopback) Capabilities() Caps { return lb.caps }

func (lb *Loopback) SetSampleRate(hz uint32) error {
	if hz == 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	lb.sampleRate = hz
	return nil
}

func (lb *Loopback) SetRxBlockWords(words int) error {
	if words <= 0 || words > block.MaxRxPayloadWords {
		return fmt.Errorf("rx block of %d words out of range", words)
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	lb.blockWords = words
	return nil
}

func (lb *Loopback) rfNowLocked() uint64 {
	return uint64(time.Since(lb.epoch).Seconds() * float64(lb.sampleRate))
}

// RFTimestamp reads the free-running RF sample counter.
func (lb *Loopback) RFTimestamp() uint64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.rfNowLocked()
}

// SysTimestamp reads the free-running system counter.
func (lb *Loopback) SysTimestamp() uint64 {
	return uint64(time.Since(lb.epoch).Seconds() * sysClockHz)
}

func (lb *Loopback) StartRx(hdl block.RxHandle, at uint64) error {
	if !lb.caps.HasRx(hdl) {
		return fmt.Errorf("%w: %s", ErrUnsupported, hdl)
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	if _, ok := lb.rxStreaming[hdl]; ok {
		return nil
	}
	start := lb.rfNowLocked()
	if at > start {
		start = at
	}
	lb.rxStreaming[hdl] = &loopRxState{nextTS: start}
	return nil
}

func (lb *Loopback) StopRx(hdl block.RxHandle, at uint64) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	delete(lb.rxStreaming, hdl)
	return nil
}

func (lb *Loopback) StartTx(hdl block.TxHandle, at uint64) error {
	if !lb.caps.HasTx(hdl) {
		return fmt.Errorf("%w: %s", ErrUnsupported, hdl)
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	lb.txStreaming[hdl] = true
	lb.underruns = 0
	lb.lastTx = time.Time{}
	return nil
}

func (lb *Loopback) StopTx(hdl block.TxHandle, at uint64) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	delete(lb.txStreaming, hdl)
	return nil
}

// generate runs the block producer: one well-formed receive block per
// streaming handle per block period, timestamps advancing by exactly the
// payload sample count.
func (lb *Loopback) generate() {
	defer lb.wg.Done()
	for {
		lb.mu.Lock()
		period := time.Duration(float64(lb.blockWords) / float64(lb.sampleRate) * float64(time.Second))
		lb.mu.Unlock()
		if period < 100*time.Microsecond {
			period = 100 * time.Microsecond
		}
		select {
		case <-lb.done:
			return
		case <-time.After(period):
		}
		lb.emitDue()
	}
}

func (lb *Loopback) emitDue() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	now := lb.rfNowLocked()
	for hdl, st := range lb.rxStreaming {
		for st.nextTS+uint64(lb.blockWords) <= now {
			pkt := lb.makeBlockLocked(hdl, st.nextTS)
			select {
			case lb.rxCh <- pkt:
			default:
				// Host queue saturated: the card overwrites, the
				// timestamp gap is the caller's evidence.
			}
			st.nextTS += uint64(lb.blockWords)
		}
	}
}

func (lb *Loopback) makeBlockLocked(hdl block.RxHandle, ts uint64) []byte {
	pkt := make([]byte, block.RxHeaderBytes+lb.blockWords*block.WordBytes)
	_ = block.EncodeRxHeader(pkt, block.RxHeader{
		RFTimestamp:  ts,
		SysTimestamp: uint64(time.Since(lb.epoch).Seconds() * sysClockHz),
		Handle:       hdl,
		RFICControl:  0x40,
	})
	// Deterministic 12-bit ramp payload keyed to the timestamp so
	// consumers can verify sample alignment.
	for i := 0; i < lb.blockWords*2; i++ {
		v := int16((ts + uint64(i)) % 4096)
		v -= 2048
		pkt[block.RxHeaderBytes+i*2] = byte(uint16(v))
		pkt[block.RxHeaderBytes+i*2+1] = byte(uint16(v) >> 8)
	}
	return pkt
}

// Receive blocks for the next generated packet.
func (lb *Loopback) Receive(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-lb.rxCh:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-lb.done:
		return nil, ErrClosed
	}
}

// Transmit accepts a packet for the given handle. The packet is decoded and
// retained for inspection via TxPackets.
func (lb *Loopback) Transmit(hdl block.TxHandle, pkt []byte) error {
	b, err := block.DecodeTxBlock(pkt)
	if err != nil {
		return err
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	if !lb.txStreaming[hdl] {
		return fmt.Errorf("%w: %s is not streaming", ErrTransport, hdl)
	}
	now := time.Now()
	period := time.Duration(float64(b.PayloadWords()) / float64(lb.sampleRate) * float64(time.Second))
	if !lb.lastTx.IsZero() && now.Sub(lb.lastTx) > 2*period {
		lb.underruns++
	}
	lb.lastTx = now
	lb.txLog = append(lb.txLog, b)
	return nil
}

// TxPackets returns the transmit blocks accepted so far, in order.
func (lb *Loopback) TxPackets() []*block.TxBlock {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]*block.TxBlock, len(lb.txLog))
	copy(out, lb.txLog)
	return out
}

func (lb *Loopback) TxUnderruns() uint32 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.underruns
}

// WaitPPS blocks until the first simulated 1PPS edge whose system timestamp
// is after afterSys.
func (lb *Loopback) WaitPPS(ctx context.Context, afterSys uint64) error {
	if !lb.caps.PPS {
		return fmt.Errorf("%w: no 1PPS input", ErrUnsupported)
	}
	for {
		elapsed := time.Since(lb.epoch)
		next := lb.ppsEvery * time.Duration(elapsed/lb.ppsEvery+1)
		edgeSys := uint64(next.Seconds() * sysClockHz)
		if edgeSys > afterSys {
			select {
			case <-time.After(next - elapsed):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-lb.done:
				return ErrClosed
			}
		}
		select {
		case <-time.After(next - elapsed):
		case <-ctx.Done():
			return ctx.Err()
		case <-lb.done:
			return ErrClosed
		}
	}
}

// ResetTimestampsOnPPS re-bases both free-running counters to zero at
// the next simulated 1PPS edge. The call blocks until the edge passes.
func (lb *Loopback) ResetTimestampsOnPPS(ctx context.Context) error {
	if err := lb.WaitPPS(ctx, 0); err != nil {
		return err
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	lb.epoch = time.Now()
	for _, st := range lb.rxStreaming {
		st.nextTS = 0
	}
	return nil
}

func (lb *Loopback) TuneRx(hdl block.RxHandle, freqHz uint64, at uint64) error {
	if !lb.caps.HasRx(hdl) {
		return fmt.Errorf("%w: %s", ErrUnsupported, hdl)
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	lb.rxLO[hdl] = freqHz
	return nil
}

func (lb *Loopback) TuneTx(hdl block.TxHandle, freqHz uint64, at uint64) error {
	if !lb.caps.HasTx(hdl) {
		return fmt.Errorf("%w: %s", ErrUnsupported, hdl)
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	lb.txLO[hdl] = freqHz
	return nil
}

func (lb *Loopback) PrepareRxHop(hdl block.RxHandle, freqHz uint64) error {
	if !lb.caps.HasRx(hdl) {
		return fmt.Errorf("%w: %s", ErrUnsupported, hdl)
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	lb.rxPrepared[hdl] = freqHz
	return nil
}

func (lb *Loopback) PrepareTxHop(hdl block.TxHandle, freqHz uint64) error {
	if !lb.caps.HasTx(hdl) {
		return fmt.Errorf("%w: %s", ErrUnsupported, hdl)
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	lb.txPrepared[hdl] = freqHz
	return nil
}

// RxPreparedHop reports the last frequency pre-configured for a receive
// hop on hdl, for tests.
func (lb *Loopback) RxPreparedHop(hdl block.RxHandle) uint64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.rxPrepared[hdl]
}

// TxPreparedHop reports the last frequency pre-configured for a
// transmit hop on hdl, for tests.
func (lb *Loopback) TxPreparedHop(hdl block.TxHandle) uint64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.txPrepared[hdl]
}

// RxLO reports the last receive LO applied to hdl, for tests.
func (lb *Loopback) RxLO(hdl block.RxHandle) uint64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.rxLO[hdl]
}

// TxLO reports the last transmit LO applied to hdl, for tests.
func (lb *Loopback) TxLO(hdl block.TxHandle) uint64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.txLO[hdl]
}

func (lb *Loopback) Close() error {
	lb.mu.Lock()
	if lb.closed {
		lb.mu.Unlock()
		return nil
	}
	lb.closed = true
	close(lb.done)
	lb.mu.Unlock()
	lb.wg.Wait()
	return nil
}
