package radio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"

	"github.com/rjboer/GoRFHost/block"
	"github.com/rjboer/GoRFHost/internal/hop"
	"github.com/rjboer/GoRFHost/internal/rxflow"
	"github.com/rjboer/GoRFHost/internal/telemetry"
	"github.com/rjboer/GoRFHost/internal/trigger"
	"github.com/rjboer/GoRFHost/internal/txflow"
	"github.com/rjboer/GoRFHost/transport"
)

// Trigger selects how start/stop operations take effect at the card.
type Trigger = trigger.Trigger

const (
	Immediate       = trigger.Immediate
	OnPPS           = trigger.OnPPS
	OnTimestamp     = trigger.OnTimestamp
	SyncedImmediate = trigger.SyncedImmediate
)

// TuneMode selects fixed tuning or one of the hopping modes.
type TuneMode = hop.TuneMode

const (
	TuneFixed          = hop.Fixed
	TuneHopImmediate   = hop.HopImmediate
	TuneHopOnTimestamp = hop.HopOnTimestamp
)

// TransferMode and FlowMode mirror the transmit flow controller modes.
type (
	TransferMode = txflow.TransferMode
	FlowMode     = txflow.FlowMode
)

const (
	TransferSync  = txflow.TransferSync
	TransferAsync = txflow.TransferAsync

	FlowImmediate           = txflow.FlowImmediate
	FlowTimestamps          = txflow.FlowTimestamps
	FlowTimestampsAllowLate = txflow.FlowTimestampsAllowLate
)

// RxBlock is one delivered receive block. The sample view aliases ring
// memory and stays valid only until the next Receive on the same card.
type RxBlock = rxflow.Block

// TxCompleteFunc is the asynchronous transmit completion callback.
type TxCompleteFunc = txflow.CompleteFunc

// Receive timeout sentinels.
const (
	WaitForever = rxflow.WaitForever
	NoWait      = rxflow.NoWait
)

// ErrHopping is returned when a direct LO write targets a handle that
// is in a hopping tune mode; the hop scheduler owns the LO there.
var ErrHopping = errors.New("radio: handle is in a hopping tune mode")

// ChannelMode selects whether the second channel of each RF IC is
// available. Single mode takes RxA2 and TxA2 out of service.
type ChannelMode int

const (
	ChannelSingle ChannelMode = iota
	ChannelDual
)

func (m ChannelMode) String() string {
	if m == ChannelSingle {
		return "single"
	}
	return "dual"
}

// timestampResetter is implemented by transports that can re-base the
// free-running counters on a 1PPS edge.
type timestampResetter interface {
	ResetTimestampsOnPPS(ctx context.Context) error
}

// Card is one initialized card. Configuration calls are checked against
// the streaming state machine only; RF-domain values pass through to
// the card unvalidated.
type Card struct {
	id      string
	log     *log.Logger
	tr      transport.Transport
	caps    transport.Caps
	level   InitLevel
	release func()

	sync *trigger.Synchronizer
	hops *hop.Scheduler
	rx   *rxflow.Engine
	tx   *txflow.Controller

	mu          sync.Mutex
	exited      bool
	chanMode    ChannelMode
	rxTimeout   time.Duration
	rxGain      map[block.RxHandle]int
	txAtten     map[block.TxHandle]int
	critical    func(err error, user any)
	criticalCtx any
}

func newCard(id string, tr transport.Transport, level InitLevel, logger *log.Logger, release func(), txWorkers, txQueueDepth int) (*Card, error) {
	c := &Card{
		id:        id,
		log:       logger.With("card", id),
		tr:        tr,
		caps:      tr.Capabilities(),
		level:     level,
		release:   release,
		sync:      trigger.New(tr),
		hops:      hop.New(tr),
		chanMode:  ChannelDual,
		rxTimeout: WaitForever,
		rxGain:    make(map[block.RxHandle]int),
		txAtten:   make(map[block.TxHandle]int),
	}
	c.critical = func(err error, _ any) {
		c.log.Fatal("unrecoverable card fault", "err", err)
	}
	if level == LevelFull {
		c.rx = rxflow.New(tr, rxflow.Config{Logger: c.log})
		c.tx = txflow.New(tr, txflow.Config{
			Workers:    txWorkers,
			QueueDepth: txQueueDepth,
			Logger:     c.log,
		})
	}
	return c, nil
}

// TxWorkers reports the transmit worker pool size for a card at full
// level, zero at basic level.
func (c *Card) TxWorkers() int {
	if c.tx == nil {
		return 0
	}
	return c.tx.Workers()
}

// Serial reports the card serial number.
func (c *Card) Serial() string { return c.caps.Serial }

// PartNumber reports the card part number.
func (c *Card) PartNumber() string { return c.caps.PartNumber }

// FirmwareVersion reports the card firmware version.
func (c *Card) FirmwareVersion() string { return c.caps.FirmwareVersion }

// Capabilities returns the card capability set.
func (c *Card) Capabilities() transport.Caps { return c.caps }

func (c *Card) checkLive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return ErrExited
	}
	return nil
}

func (c *Card) checkStreamingData() error {
	if err := c.checkLive(); err != nil {
		return err
	}
	if c.level != LevelFull {
		return ErrNotReady
	}
	return nil
}

// anyRxStreaming reports whether any receive handle is not idle.
func (c *Card) anyRxStreaming() bool {
	for _, hdl := range c.caps.RxHandles {
		if c.sync.RxState(hdl) != trigger.Idle {
			return true
		}
	}
	return false
}

func (c *Card) anyTxStreaming() bool {
	for _, hdl := range c.caps.TxHandles {
		if c.sync.TxState(hdl) != trigger.Idle {
			return true
		}
	}
	return false
}

// SetSampleRate applies a new RF sample rate. Refused while any handle
// streams; the rate feeds both the card and the transmit controller's
// timestamp wait estimates.
func (c *Card) SetSampleRate(hz uint32) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	if c.anyRxStreaming() || c.anyTxStreaming() {
		return fmt.Errorf("%w: sample rate", ErrStreaming)
	}
	if err := c.tr.SetSampleRate(hz); err != nil {
		return err
	}
	if c.tx != nil {
		c.tx.SetSampleRate(hz)
	}
	return nil
}

// SetRxBlockWords sets the receive block payload size. Refused while
// any receive handle streams.
func (c *Card) SetRxBlockWords(words int) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	if c.anyRxStreaming() {
		return fmt.Errorf("%w: rx block size", ErrStreaming)
	}
	return c.tr.SetRxBlockWords(words)
}

// SetChannelMode switches between single and dual channel operation.
// Refused while anything streams.
func (c *Card) SetChannelMode(mode ChannelMode) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	if c.anyRxStreaming() || c.anyTxStreaming() {
		return fmt.Errorf("%w: channel mode", ErrStreaming)
	}
	c.mu.Lock()
	c.chanMode = mode
	c.mu.Unlock()
	return nil
}

// ChannelMode reports the current channel mode.
func (c *Card) ChannelMode() ChannelMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chanMode
}

// secondChannel reports whether a handle rides the second channel of
// its RF IC, which single channel mode takes out of service.
func secondRxChannel(hdl block.RxHandle) bool {
	return hdl == block.RxA2 || hdl == block.RxB2
}

func secondTxChannel(hdl block.TxHandle) bool {
	return hdl == block.TxA2
}

// SetRxLO tunes the receive LO directly. Only valid in fixed tune
// mode; hopping handles move their LO through the hop scheduler.
func (c *Card) SetRxLO(hdl block.RxHandle, freqHz uint64) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	if c.hops.RxTuneMode(hdl) != TuneFixed {
		return fmt.Errorf("%w: %s", ErrHopping, hdl)
	}
	return c.tr.TuneRx(hdl, freqHz, 0)
}

// SetTxLO tunes the transmit LO directly. Only valid in fixed tune
// mode.
func (c *Card) SetTxLO(hdl block.TxHandle, freqHz uint64) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	if c.hops.TxTuneMode(hdl) != TuneFixed {
		return fmt.Errorf("%w: %s", ErrHopping, hdl)
	}
	return c.tr.TuneTx(hdl, freqHz, 0)
}

// SetRxGain records the receive gain for a handle. Gain changes are
// permitted while streaming.
func (c *Card) SetRxGain(hdl block.RxHandle, db int) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	c.mu.Lock()
	c.rxGain[hdl] = db
	c.mu.Unlock()
	return nil
}

// RxGain reports the last gain applied to a receive handle.
func (c *Card) RxGain(hdl block.RxHandle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxGain[hdl]
}

// SetTxAttenuation records the transmit attenuation for a handle.
func (c *Card) SetTxAttenuation(hdl block.TxHandle, quarterDB int) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	c.mu.Lock()
	c.txAtten[hdl] = quarterDB
	c.mu.Unlock()
	return nil
}

// TxAttenuation reports the last attenuation applied to a transmit
// handle.
func (c *Card) TxAttenuation(hdl block.TxHandle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txAtten[hdl]
}

// SetRxTransferTimeout sets the default timeout used by Receive.
// WaitForever and NoWait are accepted alongside bounded timeouts.
func (c *Card) SetRxTransferTimeout(d time.Duration) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	c.mu.Lock()
	c.rxTimeout = d
	c.mu.Unlock()
	return nil
}

// SetTransferMode selects synchronous or asynchronous transmit. While
// transmit streams the change is deferred to the next stop/start.
func (c *Card) SetTransferMode(m TransferMode) error {
	if err := c.checkStreamingData(); err != nil {
		return err
	}
	c.tx.SetTransferMode(m)
	return nil
}

// SetFlowMode selects the transmit timestamp policy. Deferred while
// streaming, like SetTransferMode.
func (c *Card) SetFlowMode(m FlowMode) error {
	if err := c.checkStreamingData(); err != nil {
		return err
	}
	c.tx.SetFlowMode(m)
	return nil
}

func (c *Card) checkRxHandles(handles []block.RxHandle) error {
	c.mu.Lock()
	mode := c.chanMode
	c.mu.Unlock()
	if mode == ChannelSingle {
		for _, hdl := range handles {
			if secondRxChannel(hdl) {
				return fmt.Errorf("%w: %s unavailable in single channel mode", trigger.ErrUnknownHandle, hdl)
			}
		}
	}
	return nil
}

func (c *Card) checkTxHandles(handles []block.TxHandle) error {
	c.mu.Lock()
	mode := c.chanMode
	c.mu.Unlock()
	if mode == ChannelSingle {
		for _, hdl := range handles {
			if secondTxChannel(hdl) {
				return fmt.Errorf("%w: %s unavailable in single channel mode", trigger.ErrUnknownHandle, hdl)
			}
		}
	}
	return nil
}

// StartRx starts streaming on the given receive handles using the
// requested trigger. An OnPPS trigger blocks until the edge.
func (c *Card) StartRx(handles []block.RxHandle, trig Trigger, ts uint64) error {
	if err := c.checkStreamingData(); err != nil {
		return err
	}
	if err := c.checkRxHandles(handles); err != nil {
		return err
	}
	return c.sync.StartRx(context.Background(), handles, trig, ts)
}

// StopRx stops streaming on the given receive handles. Blocks already
// delivered host side remain pullable; keep calling Receive until it
// reports no data to drain the stream.
func (c *Card) StopRx(handles []block.RxHandle, trig Trigger, ts uint64) error {
	if err := c.checkStreamingData(); err != nil {
		return err
	}
	return c.sync.StopRx(context.Background(), handles, trig, ts)
}

// StartTx starts streaming on the given transmit handles and arms the
// flow controller for them.
func (c *Card) StartTx(handles []block.TxHandle, trig Trigger, ts uint64) error {
	if err := c.checkStreamingData(); err != nil {
		return err
	}
	if err := c.checkTxHandles(handles); err != nil {
		return err
	}
	if err := c.sync.StartTx(context.Background(), handles, trig, ts); err != nil {
		return err
	}
	for _, hdl := range handles {
		c.tx.StreamingStarted(hdl)
	}
	return nil
}

// StopTx stops streaming on the given transmit handles.
func (c *Card) StopTx(handles []block.TxHandle, trig Trigger, ts uint64) error {
	if err := c.checkStreamingData(); err != nil {
		return err
	}
	if err := c.sync.StopTx(context.Background(), handles, trig, ts); err != nil {
		return err
	}
	for _, hdl := range handles {
		c.tx.StreamingStopped(hdl)
	}
	return nil
}

// Receive pulls the next receive block using the card's configured
// transfer timeout.
func (c *Card) Receive() (*RxBlock, error) {
	c.mu.Lock()
	timeout := c.rxTimeout
	c.mu.Unlock()
	return c.ReceiveTimeout(timeout)
}

// ReceiveTimeout pulls the next receive block, waiting at most timeout
// (WaitForever and NoWait are accepted). Errors other than the
// recoverable stream conditions are routed to the critical-error
// callback before being returned.
func (c *Card) ReceiveTimeout(timeout time.Duration) (*RxBlock, error) {
	if err := c.checkStreamingData(); err != nil {
		return nil, err
	}
	blk, err := c.rx.Pull(timeout)
	if err != nil && !recoverable(err) {
		c.fireCritical(err)
	}
	return blk, err
}

// recoverable reports whether a receive error is an ordinary stream
// condition rather than a card fault.
func recoverable(err error) bool {
	return errors.Is(err, rxflow.ErrTimeout) ||
		errors.Is(err, rxflow.ErrNoData) ||
		errors.Is(err, rxflow.ErrOverrun) ||
		errors.Is(err, rxflow.ErrStopped) ||
		errors.Is(err, block.ErrMalformedBlock)
}

// Transmit submits a transmit block through the flow controller. In
// synchronous transfer mode the call blocks until the card accepts the
// block; in asynchronous mode it queues and returns.
func (c *Card) Transmit(hdl block.TxHandle, blk *block.TxBlock, user any) error {
	if err := c.checkStreamingData(); err != nil {
		return err
	}
	return c.tx.Submit(hdl, blk, user)
}

// RegisterTxCompleteCallback installs the asynchronous completion
// callback. Completions fire in submission order.
func (c *Card) RegisterTxCompleteCallback(fn TxCompleteFunc) error {
	if err := c.checkStreamingData(); err != nil {
		return err
	}
	c.tx.SetCompleteCallback(fn)
	return nil
}

// RegisterCriticalErrorCallback installs the handler invoked when the
// card hits an unrecoverable fault. Without a registered handler the
// process terminates via the card logger.
func (c *Card) RegisterCriticalErrorCallback(fn func(err error, user any), user any) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	c.mu.Lock()
	c.critical = fn
	c.criticalCtx = user
	c.mu.Unlock()
	return nil
}

func (c *Card) fireCritical(err error) {
	c.mu.Lock()
	fn, user := c.critical, c.criticalCtx
	c.mu.Unlock()
	if fn != nil {
		fn(err, user)
	}
}

// ResetTimestampsOnPPS re-bases the card's free-running counters on
// the next 1PPS edge. Blocks until the edge.
func (c *Card) ResetTimestampsOnPPS(ctx context.Context) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	r, ok := c.tr.(timestampResetter)
	if !ok {
		return fmt.Errorf("%w: timestamp reset on 1PPS", transport.ErrUnsupported)
	}
	return r.ResetTimestampsOnPPS(ctx)
}

// RFTimestamp reads the card's free-running RF sample counter.
func (c *Card) RFTimestamp() uint64 { return c.tr.RFTimestamp() }

// SysTimestamp reads the card's free-running system counter.
func (c *Card) SysTimestamp() uint64 { return c.tr.SysTimestamp() }

// Hop surface. All calls delegate to the per-card scheduler; see the
// scheduler for the staging and commit semantics.

func (c *Card) SetRxTuneMode(hdl block.RxHandle, mode TuneMode) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	c.hops.SetRxTuneMode(hdl, mode)
	return nil
}

func (c *Card) SetTxTuneMode(hdl block.TxHandle, mode TuneMode) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	c.hops.SetTxTuneMode(hdl, mode)
	return nil
}

func (c *Card) WriteRxHopList(handles []block.RxHandle, list []uint64, initial int) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	return c.hops.WriteRxHopList(handles, list, initial)
}

func (c *Card) WriteTxHopList(handles []block.TxHandle, list []uint64, initial int) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	return c.hops.WriteTxHopList(handles, list, initial)
}

func (c *Card) StageNextRxHop(hdl block.RxHandle, index int) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	return c.hops.StageRxNext(hdl, index)
}

func (c *Card) StageNextTxHop(hdl block.TxHandle, index int) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	return c.hops.StageTxNext(hdl, index)
}

func (c *Card) PerformRxHop(hdl block.RxHandle, ts uint64) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	return c.hops.PerformRxHop(hdl, ts)
}

func (c *Card) PerformTxHop(hdl block.TxHandle, ts uint64) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	return c.hops.PerformTxHop(hdl, ts)
}

// RxHopState reports the current and next hop cursors plus the list
// for a receive handle, without mutating them.
func (c *Card) RxHopState(hdl block.RxHandle) (current, next int, freqs []uint64) {
	return c.hops.RxHop(hdl)
}

// TxHopState is the transmit counterpart of RxHopState.
func (c *Card) TxHopState(hdl block.TxHandle) (current, next int, freqs []uint64) {
	return c.hops.TxHop(hdl)
}

// Counters snapshots the card's stream counters.
func (c *Card) Counters() telemetry.Sample {
	s := telemetry.Sample{Serial: c.caps.Serial}
	if c.rx != nil {
		for _, hdl := range c.caps.RxHandles {
			s.RxDelivered += c.rx.Delivered(hdl)
		}
		s.RxOverruns = c.rx.Overruns()
	}
	if c.tx != nil {
		for _, hdl := range c.caps.TxHandles {
			s.TxSent += c.tx.SentCount(hdl)
			s.TxLate += uint64(c.tx.LateCount(hdl))
		}
		s.TxUnderruns = uint64(c.tx.Underruns())
	}
	return s
}

// PublishCounters pushes a counter snapshot to the given reporter.
func (c *Card) PublishCounters(r telemetry.Reporter) {
	if r != nil {
		r.Publish(c.Counters())
	}
}

// Exit tears the card down: stops every streaming handle, shuts the
// flow engines (unblocking pending Receive and Transmit calls), and
// closes the transport. Errors along the way are aggregated; teardown
// always runs to the end.
func (c *Card) Exit() error {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return nil
	}
	c.exited = true
	c.mu.Unlock()

	var errs *multierror.Error

	for _, hdl := range c.caps.RxHandles {
		if c.sync.RxState(hdl) == trigger.Streaming {
			if err := c.sync.StopRx(context.Background(), []block.RxHandle{hdl}, Immediate, 0); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("stop rx %s: %w", hdl, err))
			}
		}
	}
	for _, hdl := range c.caps.TxHandles {
		if c.sync.TxState(hdl) == trigger.Streaming {
			if err := c.sync.StopTx(context.Background(), []block.TxHandle{hdl}, Immediate, 0); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("stop tx %s: %w", hdl, err))
			}
			if c.tx != nil {
				c.tx.StreamingStopped(hdl)
			}
		}
	}
	if c.tx != nil {
		c.tx.Close()
	}
	if c.rx != nil {
		c.rx.Stop()
	}
	if err := c.tr.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close transport: %w", err))
	}
	if c.release != nil {
		c.release()
	}
	c.log.Info("card exited")
	return errs.ErrorOrNil()
}
