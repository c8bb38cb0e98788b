// Package block defines the binary layout of receive and transmit sample
// blocks exchanged with the FPGA, independent of the host byte order.
//
// All multi-byte fields on the wire are little-endian. A "word" is 32 bits;
// unpacked payloads carry one complex sample per word (Q in the low half,
// I in the high half, both sign-extended int16), packed payloads carry four
// 12-bit complex samples per three words.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sizing constants for blocks moving across the transport.
const (
	WordBytes = 4

	// RxHeaderBytes is the fixed receive header: RF timestamp, system
	// timestamp, and one packed metadata word, each 64 bits.
	RxHeaderBytes = 24
	RxHeaderWords = RxHeaderBytes / WordBytes

	// TxHeaderBytes is the fixed transmit header: two misc metadata words
	// followed by the 64-bit transmit timestamp.
	TxHeaderBytes     = 16
	TxHeaderWords     = TxHeaderBytes / WordBytes
	txTimestampOffset = 8

	// TxPacketIncrementWords is the granularity of a transmit packet; the
	// total packet size (header plus payload) must be a multiple of it.
	TxPacketIncrementWords = 256

	// DefaultRxPayloadWords is the payload of a standard 1024-word receive
	// block after the header is accounted for.
	DefaultRxPayloadWords = 1024 - RxHeaderWords

	// MaxRxPayloadWords bounds a single receive block payload.
	MaxRxPayloadWords = 65536/WordBytes - RxHeaderWords

	// MaxQueuedTxPackets bounds the asynchronous transmit queue.
	MaxQueuedTxPackets = 50

	// MaxFreqHops bounds the length of a frequency hopping list.
	MaxFreqHops = 512
)

// ErrMalformedBlock reports a buffer too short (or mis-sized) to carry the
// structure it claims to be.
var ErrMalformedBlock = errors.New("malformed block")

// RxHandle identifies a logical receive channel on a card.
type RxHandle uint8

const (
	RxA1 RxHandle = iota
	RxA2
	RxB1
	RxB2
	RxHandleCount
)

func (h RxHandle) String() string {
	switch h {
	case RxA1:
		return "RxA1"
	case RxA2:
		return "RxA2"
	case RxB1:
		return "RxB1"
	case RxB2:
		return "RxB2"
	default:
		return fmt.Sprintf("RxHandle(%d)", uint8(h))
	}
}

// Valid reports whether h names a defined receive handle.
func (h RxHandle) Valid() bool { return h < RxHandleCount }

// TxHandle identifies a logical transmit channel on a card.
type TxHandle uint8

const (
	TxA1 TxHandle = iota
	TxA2
	TxHandleCount
)

func (h TxHandle) String() string {
	switch h {
	case TxA1:
		return "TxA1"
	case TxA2:
		return "TxA2"
	default:
		return fmt.Sprintf("TxHandle(%d)", uint8(h))
	}
}

// Valid reports whether h names a defined transmit handle.
func (h TxHandle) Valid() bool { return h < TxHandleCount }

// RxHeader carries the decoded fields of a receive block header.
//
// The metadata word packs, starting at the least significant bit:
// handle (6 bits), overload flag (1), RFIC control byte (8), channelizer
// ID (8), system metadata (6), packet version (3), and 32 bits of user
// metadata from the FPGA.
type RxHeader struct {
	RFTimestamp  uint64
	SysTimestamp uint64
	Handle       RxHandle
	Overload     bool
	RFICControl  uint8
	ChanID       uint8
	Version      uint8
	UserMeta     uint32
}

// DecodeRxHeader extracts the header fields from the first RxHeaderBytes of
// raw. It fails with ErrMalformedBlock if the buffer is too short.
func DecodeRxHeader(raw []byte) (RxHeader, error) {
	if len(raw) < RxHeaderBytes {
		return RxHeader{}, fmt.Errorf("%w: %d bytes, need %d for rx header", ErrMalformedBlock, len(raw), RxHeaderBytes)
	}
	meta := binary.LittleEndian.Uint64(raw[16:24])
	return RxHeader{
		RFTimestamp:  binary.LittleEndian.Uint64(raw[0:8]),
		SysTimestamp: binary.LittleEndian.Uint64(raw[8:16]),
		Handle:       RxHandle(meta & 0x3f),
		Overload:     meta>>6&0x1 != 0,
		RFICControl:  uint8(meta >> 7 & 0xff),
		ChanID:       uint8(meta >> 15 & 0xff),
		Version:      uint8(meta >> 29 & 0x7),
		UserMeta:     uint32(meta >> 32),
	}, nil
}

// EncodeRxHeader writes h into the first RxHeaderBytes of dst. It is the
// inverse of DecodeRxHeader and exists for the loopback transport and tests;
// real hardware produces these headers in the FPGA.
func EncodeRxHeader(dst []byte, h RxHeader) error {
	if len(dst) < RxHeaderBytes {
		return fmt.Errorf("%w: %d bytes, need %d for rx header", ErrMalformedBlock, len(dst), RxHeaderBytes)
	}
	meta := uint64(h.Handle) & 0x3f
	if h.Overload {
		meta |= 1 << 6
	}
	meta |= uint64(h.RFICControl) << 7
	meta |= uint64(h.ChanID) << 15
	meta |= uint64(h.Version&0x7) << 29
	meta |= uint64(h.UserMeta) << 32
	binary.LittleEndian.PutUint64(dst[0:8], h.RFTimestamp)
	binary.LittleEndian.PutUint64(dst[8:16], h.SysTimestamp)
	binary.LittleEndian.PutUint64(dst[16:24], meta)
	return nil
}

// DecodeRxPayload parses the unpacked sample payload following the header
// into dst, growing dst as needed, and returns the filled slice. Samples are
// ordered Q0, I0, Q1, I1, ... as emitted by the FPGA.
func DecodeRxPayload(raw []byte, dst []int16) ([]int16, error) {
	if len(raw) < RxHeaderBytes {
		return nil, fmt.Errorf("%w: %d bytes, no payload", ErrMalformedBlock, len(raw))
	}
	payload := raw[RxHeaderBytes:]
	if len(payload)%WordBytes != 0 {
		return nil, fmt.Errorf("%w: payload of %d bytes is not word aligned", ErrMalformedBlock, len(payload))
	}
	n := len(payload) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(payload[i*2 : i*2+2]))
	}
	return dst, nil
}

// EncodeTxTimestamp writes ts into the transmit header of pkt at its fixed
// offset, little-endian regardless of the host byte order.
func EncodeTxTimestamp(pkt []byte, ts uint64) error {
	if len(pkt) < TxHeaderBytes {
		return fmt.Errorf("%w: %d bytes, need %d for tx header", ErrMalformedBlock, len(pkt), TxHeaderBytes)
	}
	binary.LittleEndian.PutUint64(pkt[txTimestampOffset:txTimestampOffset+8], ts)
	return nil
}

// DecodeTxTimestamp reads the transmit timestamp back out of pkt.
func DecodeTxTimestamp(pkt []byte) (uint64, error) {
	if len(pkt) < TxHeaderBytes {
		return 0, fmt.Errorf("%w: %d bytes, need %d for tx header", ErrMalformedBlock, len(pkt), TxHeaderBytes)
	}
	return binary.LittleEndian.Uint64(pkt[txTimestampOffset : txTimestampOffset+8]), nil
}

// TxBlock is a caller-owned transmit block: a timestamp plus an unpacked IQ
// payload. The caller allocates it, submits it, and frees it after the
// completion for it has been observed.
type TxBlock struct {
	Timestamp uint64
	MiscHigh  uint32
	MiscLow   uint32

	// Data holds interleaved IQ samples, two int16 per complex sample.
	Data []int16
}

// NewTxBlock allocates a transmit block with a payload of the given number
// of words. The total packet (header plus payload) must be a multiple of
// TxPacketIncrementWords.
func NewTxBlock(payloadWords int) (*TxBlock, error) {
	if payloadWords <= 0 {
		return nil, fmt.Errorf("payload of %d words must be positive", payloadWords)
	}
	if (payloadWords+TxHeaderWords)%TxPacketIncrementWords != 0 {
		return nil, fmt.Errorf("packet of %d words is not a multiple of %d",
			payloadWords+TxHeaderWords, TxPacketIncrementWords)
	}
	return &TxBlock{Data: make([]int16, payloadWords*2)}, nil
}

// PayloadWords returns the payload length of b in words.
func (b *TxBlock) PayloadWords() int { return len(b.Data) / 2 }

// Encode renders b as a wire packet. The packet size invariant is checked
// again here so blocks built without NewTxBlock cannot slip through.
func (b *TxBlock) Encode() ([]byte, error) {
	if len(b.Data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd sample count %d", ErrMalformedBlock, len(b.Data))
	}
	total := TxHeaderWords + b.PayloadWords()
	if total%TxPacketIncrementWords != 0 {
		return nil, fmt.Errorf("%w: packet of %d words is not a multiple of %d",
			ErrMalformedBlock, total, TxPacketIncrementWords)
	}
	pkt := make([]byte, total*WordBytes)
	binary.LittleEndian.PutUint32(pkt[0:4], b.MiscHigh)
	binary.LittleEndian.PutUint32(pkt[4:8], b.MiscLow)
	if err := EncodeTxTimestamp(pkt, b.Timestamp); err != nil {
		return nil, err
	}
	for i, s := range b.Data {
		binary.LittleEndian.PutUint16(pkt[TxHeaderBytes+i*2:TxHeaderBytes+i*2+2], uint16(s))
	}
	return pkt, nil
}

// DecodeTxBlock parses a wire packet back into a TxBlock. Used by the
// loopback transport and tests.
func DecodeTxBlock(pkt []byte) (*TxBlock, error) {
	if len(pkt) < TxHeaderBytes {
		return nil, fmt.Errorf("%w: %d bytes, need %d for tx header", ErrMalformedBlock, len(pkt), TxHeaderBytes)
	}
	if len(pkt)%(TxPacketIncrementWords*WordBytes) != 0 {
		return nil, fmt.Errorf("%w: packet of %d bytes is not a multiple of %d words",
			ErrMalformedBlock, len(pkt), TxPacketIncrementWords)
	}
	b := &TxBlock{
		MiscHigh: binary.LittleEndian.Uint32(pkt[0:4]),
		MiscLow:  binary.LittleEndian.Uint32(pkt[4:8]),
	}
	b.Timestamp, _ = DecodeTxTimestamp(pkt)
	payload := pkt[TxHeaderBytes:]
	b.Data = make([]int16, len(payload)/2)
	for i := range b.Data {
		b.Data[i] = int16(binary.LittleEndian.Uint16(payload[i*2 : i*2+2]))
	}
	return b, nil
}
