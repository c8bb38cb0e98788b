// Package txflow implements the transmit flow controller: synchronous or
// asynchronous block submission with a bounded queue and worker pool, and
// the timestamp send policy (immediate, on-time, allow-late).
package txflow

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rjboer/GoRFHost/block"
)

// TransferMode selects how Submit hands blocks to the transport.
type TransferMode int

const (
	// TransferSync blocks Submit until the card has accepted the block.
	TransferSync TransferMode = iota
	// TransferAsync queues the block and returns; a worker pool drains the
	// queue and a completion callback reports acceptance per block.
	TransferAsync
)

func (m TransferMode) String() string {
	switch m {
	case TransferSync:
		return "sync"
	case TransferAsync:
		return "async"
	default:
		return fmt.Sprintf("TransferMode(%d)", int(m))
	}
}

// FlowMode selects the timestamp send policy.
type FlowMode int

const (
	// FlowImmediate ignores block timestamps; samples go out as soon as
	// the pipeline permits.
	FlowImmediate FlowMode = iota
	// FlowTimestamps holds each block until the RF clock reaches its
	// timestamp and drops blocks that arrive already late, counting them.
	FlowTimestamps
	// FlowTimestampsAllowLate schedules like FlowTimestamps but transmits
	// late blocks anyway. Late blocks are not counted in this mode; the
	// asymmetry is deliberate and matches the hardware behavior.
	FlowTimestampsAllowLate
)

func (m FlowMode) String() string {
	switch m {
	case FlowImmediate:
		return "immediate"
	case FlowTimestamps:
		return "with-timestamps"
	case FlowTimestampsAllowLate:
		return "with-timestamps-allow-late"
	default:
		return fmt.Sprintf("FlowMode(%d)", int(m))
	}
}

// Worker pool bounds for asynchronous transfer.
const (
	MinWorkers = 1
	MaxWorkers = 8
)

var (
	// ErrQueueFull reports a saturated asynchronous queue; the block was
	// not queued and no completion will fire for it.
	ErrQueueFull = errors.New("transmit queue full")
	// ErrLateTimestamp reports a block dropped because its timestamp had
	// already passed in FlowTimestamps mode.
	ErrLateTimestamp = errors.New("transmit timestamp already passed")
	// ErrStopped reports submission against a closed controller.
	ErrStopped = errors.New("transmit controller stopped")
)

// Sink is the transmit half of the transport contract.
type Sink interface {
	Transmit(hdl block.TxHandle, pkt []byte) error
	RFTimestamp() uint64
	TxUnderruns() uint32
}

// CompleteFunc receives exactly one completion per accepted asynchronous
// block, carrying the submitter's user context. A nil status means the card
// accepted the block; the caller may reuse or free the block afterwards
// either way.
type CompleteFunc func(status error, blk *block.TxBlock, user any)

// Config sets up a Controller.
type Config struct {
	TransferMode TransferMode
	FlowMode     FlowMode
	Workers      int    // clamped to [MinWorkers, MaxWorkers]
	QueueDepth   int    // default block.MaxQueuedTxPackets
	SampleRate   uint32 // used to estimate timestamp waits, default 1 MHz
	Logger       *log.Logger
}

type pending struct {
	hdl   block.TxHandle
	blk   *block.TxBlock
	user  any
	pkt   []byte     // encoded by the preparing worker
	ready chan error // flow-policy verdict from the worker pool
}

// Controller drives transmit for one card.
type Controller struct {
	sink    Sink
	log     *log.Logger
	workers int

	mu           sync.Mutex
	mode         TransferMode
	flow         FlowMode
	pendingMode  *TransferMode
	pendingFlow  *FlowMode
	streamingRef int
	complete     CompleteFunc

	sampleRate atomic.Uint32
	late       [block.TxHandleCount]atomic.Uint32
	sent       [block.TxHandleCount]atomic.Uint64

	queue chan *pending
	order chan *pending
	work  chan *pending

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a controller and starts its worker pool.
func New(sink Sink, cfg Config) *Controller {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = block.MaxQueuedTxPackets
	}
	if cfg.Workers < MinWorkers {
		cfg.Workers = MinWorkers
	}
	if cfg.Workers > MaxWorkers {
		cfg.Workers = MaxWorkers
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1_000_000
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	c := &Controller{
		sink:    sink,
		log:     cfg.Logger,
		workers: cfg.Workers,
		mode:    cfg.TransferMode,
		flow:    cfg.FlowMode,
		queue:   make(chan *pending, cfg.QueueDepth),
		order:   make(chan *pending, cfg.QueueDepth+cfg.Workers),
		work:    make(chan *pending, cfg.Workers),
		done:    make(chan struct{}),
	}
	c.sampleRate.Store(cfg.SampleRate)

	c.wg.Add(1)
	go c.dispatch()
	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.wg.Add(1)
	go c.completer()
	return c
}

// SetCompleteCallback registers the asynchronous completion callback.
// Completions are serialized: one goroutine invokes the callback in strict
// submission order regardless of the worker count.
func (c *Controller) SetCompleteCallback(fn CompleteFunc) {
	c.mu.Lock()
	c.complete = fn
	c.mu.Unlock()
}

// SetSampleRate updates the wait estimator for timestamped sends.
func (c *Controller) SetSampleRate(hz uint32) {
	if hz > 0 {
		c.sampleRate.Store(hz)
	}
}

// SetTransferMode requests a transfer mode change. While any handle is
// streaming the change is accepted but deferred to the next stop/start
// cycle; it is never live immediately.
func (c *Controller) SetTransferMode(m TransferMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamingRef > 0 {
		mode := m
		c.pendingMode = &mode
		c.log.Debug("transfer mode change deferred until restart", "mode", m)
		return
	}
	c.mode = m
}

// SetFlowMode requests a flow mode change with the same deferral rule as
// SetTransferMode.
func (c *Controller) SetFlowMode(m FlowMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamingRef > 0 {
		flow := m
		c.pendingFlow = &flow
		c.log.Debug("flow mode change deferred until restart", "mode", m)
		return
	}
	c.flow = m
}

// TransferMode reports the mode currently in effect.
func (c *Controller) TransferMode() TransferMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// FlowMode reports the flow policy currently in effect.
func (c *Controller) FlowMode() FlowMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flow
}

// StreamingStarted tells the controller a transmit handle started. Deferred
// mode changes are applied at the first start of a cycle, and the late
// counter for the handle resets.
func (c *Controller) StreamingStarted(hdl block.TxHandle) {
	c.mu.Lock()
	if c.streamingRef == 0 {
		if c.pendingMode != nil {
			c.mode = *c.pendingMode
			c.pendingMode = nil
		}
		if c.pendingFlow != nil {
			c.flow = *c.pendingFlow
			c.pendingFlow = nil
		}
	}
	c.streamingRef++
	c.mu.Unlock()
	c.late[hdl%block.TxHandleCount].Store(0)
}

// StreamingStopped tells the controller a transmit handle stopped.
func (c *Controller) StreamingStopped(hdl block.TxHandle) {
	c.mu.Lock()
	if c.streamingRef > 0 {
		c.streamingRef--
	}
	c.mu.Unlock()
}

// Submit hands one block to the controller under the active transfer mode.
//
// In synchronous mode it blocks until the card accepted the block (or the
// flow policy dropped it) and the result is final. In asynchronous mode it
// returns once the block is queued; ErrQueueFull means the queue was
// saturated and nothing was queued or mutated.
func (c *Controller) Submit(hdl block.TxHandle, blk *block.TxBlock, user any) error {
	if !hdl.Valid() {
		return fmt.Errorf("invalid transmit handle %d", hdl)
	}
	if blk == nil {
		return fmt.Errorf("nil transmit block")
	}
	select {
	case <-c.done:
		return ErrStopped
	default:
	}

	if c.TransferMode() == TransferSync {
		return c.send(hdl, blk)
	}

	p := &pending{hdl: hdl, blk: blk, user: user, ready: make(chan error, 1)}
	select {
	case c.queue <- p:
		return nil
	default:
		return ErrQueueFull
	}
}

// dispatch preserves submission order: every queued block enters the work
// pool and the drain sequence in the same order.
func (c *Controller) dispatch() {
	defer c.wg.Done()
	defer close(c.order)
	for {
		select {
		case <-c.done:
			return
		case p := <-c.queue:
			c.order <- p
			select {
			case c.work <- p:
			case <-c.done:
				p.ready <- ErrStopped
				return
			}
		}
	}
}

// worker prepares blocks concurrently: it encodes the packet and rides out
// the flow-policy wait. It never touches the card; the drain goroutine does
// that, in submission order.
func (c *Controller) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case p := <-c.work:
			p.ready <- c.prepare(p)
		}
	}
}

// completer is the single point where asynchronous blocks reach the card.
// It drains prepared blocks in submission order, transmits each one, then
// invokes the completion callback, so hardware acceptance order, completion
// order, and submission order are all the same sequence.
func (c *Controller) completer() {
	defer c.wg.Done()
	for p := range c.order {
		var err error
		select {
		case err = <-p.ready:
		case <-c.done:
			select {
			case err = <-p.ready:
			default:
				err = ErrStopped
			}
		}
		if err == nil {
			select {
			case <-c.done:
				err = ErrStopped
			default:
				err = c.transmit(p.hdl, p.pkt)
			}
		}
		c.mu.Lock()
		fn := c.complete
		c.mu.Unlock()
		if fn != nil {
			fn(err, p.blk, p.user)
		}
	}
}

func (c *Controller) prepare(p *pending) error {
	pkt, err := p.blk.Encode()
	if err != nil {
		return err
	}
	p.pkt = pkt
	return c.flowWait(p.hdl, p.blk)
}

// send is the synchronous path: flow policy, wait, transmit, all inline.
func (c *Controller) send(hdl block.TxHandle, blk *block.TxBlock) error {
	pkt, err := blk.Encode()
	if err != nil {
		return err
	}
	if err := c.flowWait(hdl, blk); err != nil {
		return err
	}
	return c.transmit(hdl, pkt)
}

// flowWait applies the flow policy. Lateness is judged once, on arrival: a
// timestamp already behind the RF clock is late; a future timestamp is
// waited out so the block transmits on time.
func (c *Controller) flowWait(hdl block.TxHandle, blk *block.TxBlock) error {
	flow := c.FlowMode()
	if flow == FlowImmediate {
		return nil
	}

	now := c.sink.RFTimestamp()
	if blk.Timestamp < now {
		if flow == FlowTimestamps {
			c.late[hdl%block.TxHandleCount].Add(1)
			return fmt.Errorf("%w: timestamp %d behind RF clock %d", ErrLateTimestamp, blk.Timestamp, now)
		}
		// Allow-late: transmitted anyway, and deliberately not counted.
		return nil
	}
	return c.waitRF(blk.Timestamp)
}

func (c *Controller) transmit(hdl block.TxHandle, pkt []byte) error {
	if err := c.sink.Transmit(hdl, pkt); err != nil {
		return fmt.Errorf("transmit %s: %w", hdl, err)
	}
	c.sent[hdl%block.TxHandleCount].Add(1)
	return nil
}

// waitRF sleeps until the RF clock reaches ts, re-checking against the
// clock so the wait is a floor rather than an estimate.
func (c *Controller) waitRF(ts uint64) error {
	for {
		now := c.sink.RFTimestamp()
		if now >= ts {
			return nil
		}
		remaining := time.Duration(float64(ts-now) / float64(c.sampleRate.Load()) * float64(time.Second))
		if remaining > 5*time.Millisecond {
			remaining = 5 * time.Millisecond
		}
		if remaining < 50*time.Microsecond {
			remaining = 50 * time.Microsecond
		}
		select {
		case <-time.After(remaining):
		case <-c.done:
			return ErrStopped
		}
	}
}

// LateCount reports blocks dropped for late timestamps on hdl since the
// handle last started streaming.
func (c *Controller) LateCount(hdl block.TxHandle) uint32 {
	return c.late[hdl%block.TxHandleCount].Load()
}

// SentCount reports blocks accepted by the card for hdl.
func (c *Controller) SentCount(hdl block.TxHandle) uint64 {
	return c.sent[hdl%block.TxHandleCount].Load()
}

// Workers reports the size of the asynchronous worker pool after clamping.
func (c *Controller) Workers() int { return c.workers }

// Underruns reads the FPGA-side starvation counter. Meaningful in
// FlowImmediate mode only; the card resets it when transmit streaming
// starts.
func (c *Controller) Underruns() uint32 { return c.sink.TxUnderruns() }

// Close stops the workers and unblocks any waiting submission. Blocks
// already queued complete with ErrStopped if they were not yet accepted.
func (c *Controller) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}
