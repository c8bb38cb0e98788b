// Package transport defines the packet transport contract between the host
// driver core and a card, together with the bundled implementations: an
// in-process loopback card used by tests and demos, a TCP transport for
// network-attached cards, and an SSH-based identity reader.
//
// The driver core depends only on the Transport interface; PCIe, USB, or
// custom transports satisfy the same contract.
package transport

import (
	"context"
	"errors"

	"github.com/rjboer/GoRFHost/block"
)

var (
	// ErrTransport reports a failed round trip to the card.
	ErrTransport = errors.New("transport failure")
	// ErrClosed reports use of a transport after Close.
	ErrClosed = errors.New("transport closed")
	// ErrUnsupported reports a capability the card or firmware lacks.
	ErrUnsupported = errors.New("not supported by this card")
)

// Caps describes a connected card: identity, available handles, hardware
// exclusions, and optional features.
type Caps struct {
	Serial          string
	PartNumber      string
	FirmwareVersion string

	RxHandles []block.RxHandle
	TxHandles []block.TxHandle

	// RxConflicts maps a receive handle to handles it cannot stream
	// alongside (shared wiring). The relation is symmetric; both
	// directions are listed.
	RxConflicts map[block.RxHandle][]block.RxHandle

	// SharedRFIC maps a receive handle to a transmit handle on the same
	// RF IC. Retuning the receive side also retunes the paired transmit
	// LO on such cards.
	SharedRFIC map[block.RxHandle]block.TxHandle

	// SyncedStart reports firmware support for synchronized multi-handle
	// start/stop.
	SyncedStart bool
	// PPS reports the presence of a 1PPS input.
	PPS bool

	MinFreqHz uint64
	MaxFreqHz uint64
}

// HasRx reports whether hdl is available on the card.
func (c Caps) HasRx(hdl block.RxHandle) bool {
	for _, h := range c.RxHandles {
		if h == hdl {
			return true
		}
	}
	return false
}

// HasTx reports whether hdl is available on the card.
func (c Caps) HasTx(hdl block.TxHandle) bool {
	for _, h := range c.TxHandles {
		if h == hdl {
			return true
		}
	}
	return false
}

// Transport moves packets and control transactions between the host and one
// card. Implementations must be safe for concurrent use: the receive path,
// the transmit path, and control calls run on different goroutines.
type Transport interface {
	// Capabilities reports the card's identity and feature set. The value
	// is fixed for the lifetime of the connection.
	Capabilities() Caps

	// SetSampleRate configures the RF sample clock for all handles.
	SetSampleRate(hz uint32) error
	// SetRxBlockWords configures the payload size of generated receive
	// blocks.
	SetRxBlockWords(words int) error

	// StartRx begins streaming on hdl. A nonzero at gates the start on
	// that RF timestamp in the FPGA; the call itself returns once the
	// configuration is committed. StopRx and the transmit variants follow
	// the same convention.
	StartRx(hdl block.RxHandle, at uint64) error
	StopRx(hdl block.RxHandle, at uint64) error
	StartTx(hdl block.TxHandle, at uint64) error
	StopTx(hdl block.TxHandle, at uint64) error

	// Receive blocks until the next raw receive packet (header plus
	// payload) is available from any streaming handle, the context is
	// done, or the transport closes.
	Receive(ctx context.Context) ([]byte, error)

	// Transmit blocks until the card has accepted the packet into its
	// buffer. Acceptance is not transmission: timestamped packets may sit
	// in the FPGA until their time arrives.
	Transmit(hdl block.TxHandle, pkt []byte) error

	// RFTimestamp reads the free-running RF sample counter.
	RFTimestamp() uint64
	// SysTimestamp reads the free-running system counter.
	SysTimestamp() uint64

	// WaitPPS blocks until the first 1PPS edge whose system timestamp is
	// strictly after afterSys (zero meaning the very next edge).
	WaitPPS(ctx context.Context, afterSys uint64) error

	// TuneRx retunes a receive LO, gated on the RF timestamp at when
	// nonzero and already-elapsed timestamps applying immediately.
	TuneRx(hdl block.RxHandle, freqHz uint64, at uint64) error
	// TuneTx is the transmit-side counterpart of TuneRx.
	TuneTx(hdl block.TxHandle, freqHz uint64, at uint64) error

	// PrepareRxHop pre-computes the RF front-end configuration for a
	// frequency the handle will hop to next. The LO does not move; a
	// later TuneRx to the same frequency commits the prepared settings
	// without paying the full calibration cost.
	PrepareRxHop(hdl block.RxHandle, freqHz uint64) error
	// PrepareTxHop is the transmit-side counterpart of PrepareRxHop.
	PrepareTxHop(hdl block.TxHandle, freqHz uint64) error

	// TxUnderruns reads the FPGA-side count of transmit buffer
	// starvation events since transmit streaming last started.
	TxUnderruns() uint32

	Close() error
}
