package model

import (
	"errors"
	"fmt"
)

// Bit is a single CAN bus drive level. The bus is a wired-AND medium:
// whenever any attached node drives dominant, the bus reads dominant.
type Bit uint8

const (
	Dominant  Bit = 0
	Recessive Bit = 1
)

const (
	// MaxStandardID is the highest 11-bit CAN 2.0A identifier.
	MaxStandardID = 0x7FF

	// MaxDataLen is the classical CAN payload limit in bytes.
	MaxDataLen = 8

	// IDBitLen is the number of identifier bits in a 2.0A frame.
	IDBitLen = 11

	// NoInjection marks a frame that carries no fault-injection directive.
	NoInjection = -1
)

// Error-flag shapes per the CAN fault-confinement rules. The event trace
// renders these when a bit error is flagged; they carry no counter arithmetic.
var (
	ActiveErrorFlag  = repeatBits(Dominant, 6)
	PassiveErrorFlag = repeatBits(Recessive, 6)
	ErrorDelimiter   = repeatBits(Recessive, 8)
)

var (
	ErrInvalidID        = errors.New("canbus: identifier exceeds 11 bits")
	ErrInvalidLen       = errors.New("canbus: data length exceeds 8 bytes")
	ErrInvalidInjection = errors.New("canbus: injection position out of range")
)

// Frame represents one CAN 2.0A transmission attempt. Frames are immutable
// once constructed: built fresh each cycle, handed to the bus, and discarded
// after delivery.
type Frame struct {
	ID     uint16 // 11-bit identifier
	Data   []byte // 0..8 bytes
	Sender string

	// InjectRecessiveAt is the bit index, into the 11 identifier bits
	// followed by the data bits, where a malicious sender deliberately
	// drives recessive. NoInjection when absent.
	InjectRecessiveAt int
	Malicious         bool
}

// NewFrame builds a benign frame, copying data so the caller cannot mutate
// the frame afterwards.
func NewFrame(id uint16, data []byte, sender string) Frame {
	return Frame{
		ID:                id,
		Data:              append([]byte(nil), data...),
		Sender:            sender,
		InjectRecessiveAt: NoInjection,
	}
}

// NewMaliciousFrame builds a frame carrying a fault-injection directive at
// the given bit index.
func NewMaliciousFrame(id uint16, data []byte, sender string, injectAt int) Frame {
	f := NewFrame(id, data, sender)
	f.InjectRecessiveAt = injectAt
	f.Malicious = true
	return f
}

// BitLen returns the number of bits the frame drives on the bus.
func (f Frame) BitLen() int {
	return IDBitLen + 8*len(f.Data)
}

// Validate fails fast on structural precondition violations. A malformed
// injection position is never clamped.
func (f Frame) Validate() error {
	if f.ID > MaxStandardID {
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, f.ID)
	}
	if len(f.Data) > MaxDataLen {
		return fmt.Errorf("%w: %d bytes", ErrInvalidLen, len(f.Data))
	}
	if f.InjectRecessiveAt != NoInjection {
		if f.InjectRecessiveAt < 0 || f.InjectRecessiveAt >= f.BitLen() {
			return fmt.Errorf("%w: position %d in a %d-bit frame",
				ErrInvalidInjection, f.InjectRecessiveAt, f.BitLen())
		}
	}
	return nil
}

// IDBits returns the 11 identifier bits, MSB first.
func (f Frame) IDBits() []Bit {
	bits := make([]Bit, IDBitLen)
	for i := range bits {
		bits[i] = Bit((f.ID >> (IDBitLen - 1 - i)) & 1)
	}
	return bits
}

// DataBits returns the payload bits, MSB first within each byte.
func (f Frame) DataBits() []Bit {
	bits := make([]Bit, 0, 8*len(f.Data))
	for _, b := range f.Data {
		for i := 7; i >= 0; i-- {
			bits = append(bits, Bit((b>>uint(i))&1))
		}
	}
	return bits
}

// Bits returns the identifier bits followed by the data bits. This is the
// sequence the sender drives, and the index space InjectRecessiveAt refers to.
func (f Frame) Bits() []Bit {
	return append(f.IDBits(), f.DataBits()...)
}

// DecodeBits reverses Bits: the first 11 bits become the identifier and the
// remainder, which must be a whole number of bytes, becomes the payload.
func DecodeBits(bits []Bit) (uint16, []byte, error) {
	if len(bits) < IDBitLen {
		return 0, nil, fmt.Errorf("canbus: %d bits is shorter than an identifier", len(bits))
	}
	if (len(bits)-IDBitLen)%8 != 0 {
		return 0, nil, fmt.Errorf("canbus: %d data bits is not a whole number of bytes", len(bits)-IDBitLen)
	}
	var id uint16
	for _, b := range bits[:IDBitLen] {
		id = id<<1 | uint16(b&1)
	}
	data := make([]byte, 0, (len(bits)-IDBitLen)/8)
	for i := IDBitLen; i < len(bits); i += 8 {
		var by byte
		for _, b := range bits[i : i+8] {
			by = by<<1 | byte(b&1)
		}
		data = append(data, by)
	}
	return id, data, nil
}

func repeatBits(b Bit, n int) []Bit {
	bits := make([]Bit, n)
	for i := range bits {
		bits[i] = b
	}
	return bits
}
