package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"

	"github.com/rjboer/GoRFHost/block"
)

// Wire framing for network-attached cards: every frame is a 4-byte
// little-endian length followed by a type byte and the payload.
//
// Data frames carry one raw receive block. Control frames carry a tag byte,
// an op byte, and op-specific arguments; responses echo the tag so multiple
// control transactions can be in flight (a blocking 1PPS wait must not
// starve timestamp reads).
const (
	frameData     byte = 1
	frameCtrl     byte = 2
	frameCtrlResp byte = 3
)

const (
	opCaps byte = iota + 1
	opSetRate
	opSetBlockWords
	opStartRx
	opStopRx
	opStartTx
	opStopTx
	opTransmit
	opReadRF
	opReadSys
	opTxUnderruns
	opWaitPPS
	opTuneRx
	opTuneTx
	opPrepareRxHop
	opPrepareTxHop
)

const maxFrameBytes = 1 << 20

// WriteFrame emits one frame on w. Exported for card-side emulators and
// tests.
func WriteFrame(w io.Writer, typ byte, payload []byte) error {
	hdr := make([]byte, 5)
	binary.LittleEndian.PutUint32(hdr, uint32(len(payload)+1))
	hdr[4] = typ
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("%w: write frame header: %v", ErrTransport, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("%w: write frame payload: %v", ErrTransport, err)
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (typ byte, payload []byte, err error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, fmt.Errorf("%w: read frame header: %v", ErrTransport, err)
	}
	n := binary.LittleEndian.Uint32(hdr)
	if n == 0 || n > maxFrameBytes {
		return 0, nil, fmt.Errorf("%w: frame length %d out of range", ErrTransport, n)
	}
	payload = make([]byte, n-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: read frame payload: %v", ErrTransport, err)
	}
	return hdr[4], payload, nil
}

// TCPConfig tunes DialTCP.
type TCPConfig struct {
	DialTimeout time.Duration // overall budget for the backoff dialer
	QueueDepth  int           // rx packets buffered host-side
	Logger      *log.Logger
}

// TCP is a Transport over a TCP connection to a network-attached card.
type TCP struct {
	addr string
	conn net.Conn
	log  *log.Logger

	wmu sync.Mutex // serializes frame writes

	pmu     sync.Mutex
	pending map[byte]chan []byte
	nextTag byte

	rxCh   chan []byte
	done   chan struct{}
	closed sync.Once

	caps Caps
}

// DialTCP connects to a card with exponential backoff and performs the
// initial capability exchange.
func DialTCP(addr string, cfg TCPConfig) (*TCP, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	var conn net.Conn
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.DialTimeout
	err := backoff.Retry(func() error {
		c, err := net.DialTimeout("tcp", addr, 3*time.Second)
		if err != nil {
			cfg.Logger.Debug("card dial failed, retrying", "addr", addr, "err", err)
			return err
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}

	t := &TCP{
		addr:    addr,
		conn:    conn,
		log:     cfg.Logger,
		pending: make(map[byte]chan []byte),
		rxCh:    make(chan []byte, cfg.QueueDepth),
		done:    make(chan struct{}),
	}
	go t.readLoop()

	raw, err := t.ctrl(opCaps, nil)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("capability exchange: %w", err)
	}
	if err := json.Unmarshal(raw, &t.caps); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: decode capabilities: %v", ErrTransport, err)
	}
	t.log.Info("card connected", "addr", addr, "serial", t.caps.Serial, "part", t.caps.PartNumber)
	return t, nil
}

func (t *TCP) readLoop() {
	for {
		typ, payload, err := ReadFrame(t.conn)
		if err != nil {
			select {
			case <-t.done:
			default:
				t.log.Warn("card link lost", "addr", t.addr, "err", err)
			}
			t.failPending(err)
			return
		}
		switch typ {
		case frameData:
			select {
			case t.rxCh <- payload:
			default:
				// Saturated host queue: the block is lost and the
				// timestamp gap reports it downstream.
			}
		case frameCtrlResp:
			if len(payload) < 2 {
				continue
			}
			t.pmu.Lock()
			ch, ok := t.pending[payload[0]]
			if ok {
				delete(t.pending, payload[0])
			}
			t.pmu.Unlock()
			if ok {
				ch <- payload[1:]
			}
		}
	}
}

func (t *TCP) failPending(err error) {
	t.pmu.Lock()
	defer t.pmu.Unlock()
	for tag, ch := range t.pending {
		close(ch)
		delete(t.pending, tag)
	}
	_ = err
}

// ctrl runs one tagged control transaction and waits for its response.
// The first response byte is a status: zero for success.
func (t *TCP) ctrl(op byte, args []byte) ([]byte, error) {
	return t.ctrlCtx(context.Background(), op, args)
}

// ctrlCtx is ctrl with caller-controlled cancellation. On ctx
// expiration the pending tag is withdrawn, so a response the card sends
// later is dropped by the read loop instead of leaking a parked waiter.
func (t *TCP) ctrlCtx(ctx context.Context, op byte, args []byte) ([]byte, error) {
	select {
	case <-t.done:
		return nil, ErrClosed
	default:
	}

	ch := make(chan []byte, 1)
	t.pmu.Lock()
	t.nextTag++
	tag := t.nextTag
	t.pending[tag] = ch
	t.pmu.Unlock()

	payload := make([]byte, 0, len(args)+2)
	payload = append(payload, tag, op)
	payload = append(payload, args...)

	t.wmu.Lock()
	err := WriteFrame(t.conn, frameCtrl, payload)
	t.wmu.Unlock()
	if err != nil {
		t.pmu.Lock()
		delete(t.pending, tag)
		t.pmu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: connection lost", ErrTransport)
		}
		if len(resp) < 1 {
			return nil, fmt.Errorf("%w: empty response", ErrTransport)
		}
		if resp[0] != 0 {
			return nil, fmt.Errorf("%w: op %d rejected with status %d", ErrTransport, op, resp[0])
		}
		return resp[1:], nil
	case <-ctx.Done():
		t.pmu.Lock()
		delete(t.pending, tag)
		t.pmu.Unlock()
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func (t *TCP) Capabilities() Caps { return t.caps }

func (t *TCP) SetSampleRate(hz uint32) error {
	_, err := t.ctrl(opSetRate, u32(hz))
	return err
}

func (t *TCP) SetRxBlockWords(words int) error {
	_, err := t.ctrl(opSetBlockWords, u32(uint32(words)))
	return err
}

func (t *TCP) StartRx(hdl block.RxHandle, at uint64) error {
	_, err := t.ctrl(opStartRx, append([]byte{byte(hdl)}, u64(at)...))
	return err
}

func (t *TCP) StopRx(hdl block.RxHandle, at uint64) error {
	_, err := t.ctrl(opStopRx, append([]byte{byte(hdl)}, u64(at)...))
	return err
}

func (t *TCP) StartTx(hdl block.TxHandle, at uint64) error {
	_, err := t.ctrl(opStartTx, append([]byte{byte(hdl)}, u64(at)...))
	return err
}

func (t *TCP) StopTx(hdl block.TxHandle, at uint64) error {
	_, err := t.ctrl(opStopTx, append([]byte{byte(hdl)}, u64(at)...))
	return err
}

func (t *TCP) Receive(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-t.rxCh:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
}

func (t *TCP) Transmit(hdl block.TxHandle, pkt []byte) error {
	args := make([]byte, 0, len(pkt)+1)
	args = append(args, byte(hdl))
	args = append(args, pkt...)
	_, err := t.ctrl(opTransmit, args)
	return err
}

func (t *TCP) RFTimestamp() uint64 {
	resp, err := t.ctrl(opReadRF, nil)
	if err != nil || len(resp) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(resp)
}

func (t *TCP) SysTimestamp() uint64 {
	resp, err := t.ctrl(opReadSys, nil)
	if err != nil || len(resp) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(resp)
}

func (t *TCP) TxUnderruns() uint32 {
	resp, err := t.ctrl(opTxUnderruns, nil)
	if err != nil || len(resp) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(resp)
}

func (t *TCP) WaitPPS(ctx context.Context, afterSys uint64) error {
	if !t.caps.PPS {
		return fmt.Errorf("%w: no 1PPS input", ErrUnsupported)
	}
	// The card replies when the edge fires; the tagged protocol keeps
	// other control traffic flowing meanwhile, and cancellation
	// withdraws the tag so nothing stays parked on an edge that will
	// never be consumed.
	_, err := t.ctrlCtx(ctx, opWaitPPS, u64(afterSys))
	return err
}

func (t *TCP) TuneRx(hdl block.RxHandle, freqHz uint64, at uint64) error {
	args := append([]byte{byte(hdl)}, u64(freqHz)...)
	args = append(args, u64(at)...)
	_, err := t.ctrl(opTuneRx, args)
	return err
}

func (t *TCP) TuneTx(hdl block.TxHandle, freqHz uint64, at uint64) error {
	args := append([]byte{byte(hdl)}, u64(freqHz)...)
	args = append(args, u64(at)...)
	_, err := t.ctrl(opTuneTx, args)
	return err
}

func (t *TCP) PrepareRxHop(hdl block.RxHandle, freqHz uint64) error {
	args := append([]byte{byte(hdl)}, u64(freqHz)...)
	_, err := t.ctrl(opPrepareRxHop, args)
	return err
}

func (t *TCP) PrepareTxHop(hdl block.TxHandle, freqHz uint64) error {
	args := append([]byte{byte(hdl)}, u64(freqHz)...)
	_, err := t.ctrl(opPrepareTxHop, args)
	return err
}

func (t *TCP) Close() error {
	var err error
	t.closed.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}
