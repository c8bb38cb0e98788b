// Package rxflow implements the host-side receive delivery engine: a
// bounded ring of in-flight receive blocks fed by the transport and drained
// one block at a time through Pull.
package rxflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rjboer/GoRFHost/block"
)

var (
	// ErrTimeout reports that no block arrived within the requested bound.
	ErrTimeout = errors.New("receive timed out")
	// ErrNoData reports an empty ring on a non-blocking pull.
	ErrNoData = errors.New("no receive data available")
	// ErrOverrun reports a data discontinuity: the ring wrapped before the
	// caller consumed it and blocks were lost. Delivery resumes on the
	// following pull.
	ErrOverrun = errors.New("receive data discontinuity")
	// ErrStopped reports a pull against a stopped engine.
	ErrStopped = errors.New("receive engine stopped")
)

// WaitForever blocks a Pull until data arrives or the engine stops.
const WaitForever time.Duration = -1

// overrunMarker is a sentinel ring index marking a discontinuity.
const overrunMarker = -1

// NoWait makes Pull non-blocking.
const NoWait time.Duration = 0

// Source is the receive half of the transport contract.
type Source interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Block is one delivered receive block. It aliases ring memory owned by the
// engine: the view is read-only and valid only until the next Pull on the
// same engine.
type Block struct {
	Header  block.RxHeader
	Samples []int16 // interleaved Q, I pairs

	slot int
}

// PayloadWords returns the payload length in words (complex samples).
func (b *Block) PayloadWords() int { return len(b.Samples) / 2 }

// Config sizes the engine.
type Config struct {
	Slots  int // ring depth in blocks, default 64
	Logger *log.Logger
}

type slot struct {
	hdr     block.RxHeader
	samples []int16
}

// Engine owns the receive ring for one card.
type Engine struct {
	src Source
	log *log.Logger

	slots []slot
	free  chan int
	ready chan int

	prevMu sync.Mutex
	prev   int

	// markerQueued is true while an overrun marker sits in the ready
	// channel; at most one is in flight at a time.
	markerQueued atomic.Bool
	transportErr atomic.Pointer[error]

	delivered [block.RxHandleCount]atomic.Uint64
	overruns  atomic.Uint64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New starts an engine reading from src.
func New(src Source, cfg Config) *Engine {
	if cfg.Slots <= 0 {
		cfg.Slots = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	e := &Engine{
		src:   src,
		log:   cfg.Logger,
		slots: make([]slot, cfg.Slots),
		free:  make(chan int, cfg.Slots),
		ready: make(chan int, cfg.Slots+1),
		prev:  -1,
		done:  make(chan struct{}),
	}
	for i := range e.slots {
		e.free <- i
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.read(ctx)
	return e
}

func (e *Engine) read(ctx context.Context) {
	defer e.wg.Done()
	for {
		raw, err := e.src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-e.done:
				return
			default:
			}
			werr := fmt.Errorf("transport receive: %w", err)
			e.transportErr.Store(&werr)
			e.log.Error("receive path failed", "err", err)
			return
		}

		hdr, err := block.DecodeRxHeader(raw)
		if err != nil {
			werr := err
			e.transportErr.Store(&werr)
			e.log.Warn("dropping malformed receive block", "err", err)
			continue
		}

		var idx int
		select {
		case idx = <-e.free:
		default:
			// Ring full. The block is lost; queue a discontinuity
			// marker behind the blocks already delivered so the gap is
			// surfaced in stream order, never as a silent skip.
			e.overruns.Add(1)
			if e.markerQueued.CompareAndSwap(false, true) {
				e.ready <- overrunMarker
			}
			continue
		}

		s := &e.slots[idx]
		s.hdr = hdr
		samples, err := block.DecodeRxPayload(raw, s.samples)
		if err != nil {
			werr := err
			e.transportErr.Store(&werr)
			e.free <- idx
			continue
		}
		s.samples = samples
		e.ready <- idx
	}
}

// recycle returns the previously delivered slot to the free list,
// invalidating the caller's last Block view.
func (e *Engine) recycle() {
	e.prevMu.Lock()
	defer e.prevMu.Unlock()
	if e.prev >= 0 {
		e.free <- e.prev
		e.prev = -1
	}
}

func (e *Engine) take(idx int) (*Block, error) {
	if idx == overrunMarker {
		e.markerQueued.Store(false)
		return nil, ErrOverrun
	}
	e.prevMu.Lock()
	e.prev = idx
	e.prevMu.Unlock()
	s := &e.slots[idx]
	e.delivered[s.hdr.Handle%block.RxHandleCount].Add(1)
	return &Block{Header: s.hdr, Samples: s.samples, slot: idx}, nil
}

// Pull returns the next in-flight block from any streaming handle on the
// card. The returned Block is valid until the next Pull.
//
// timeout semantics: NoWait returns immediately, WaitForever blocks until
// data or stop, any positive duration is a floor — Pull may return later
// than requested but never meaningfully earlier.
func (e *Engine) Pull(timeout time.Duration) (*Block, error) {
	e.recycle()

	if perr := e.transportErr.Swap(nil); perr != nil {
		return nil, *perr
	}

	select {
	case <-e.done:
		// Drain remaining blocks before reporting the stop.
		return e.drainOrStopped()
	default:
	}

	if timeout == NoWait {
		select {
		case idx := <-e.ready:
			return e.take(idx)
		default:
			return nil, ErrNoData
		}
	}

	if timeout == WaitForever {
		select {
		case idx := <-e.ready:
			return e.take(idx)
		case <-e.done:
			return e.drainOrStopped()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case idx := <-e.ready:
		return e.take(idx)
	case <-e.done:
		return e.drainOrStopped()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (e *Engine) drainOrStopped() (*Block, error) {
	select {
	case idx := <-e.ready:
		return e.take(idx)
	default:
		return nil, ErrStopped
	}
}

// Delivered reports how many blocks have been handed to the caller for hdl.
func (e *Engine) Delivered(hdl block.RxHandle) uint64 {
	return e.delivered[hdl%block.RxHandleCount].Load()
}

// Overruns reports how many blocks were lost to ring saturation.
func (e *Engine) Overruns() uint64 { return e.overruns.Load() }

// Stop tears the engine down and unblocks any pending Pull. Blocks already
// queued remain pullable until drained.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.cancel()
		e.wg.Wait()
	})
}
