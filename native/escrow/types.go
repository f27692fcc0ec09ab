package escrow

import (
	"encoding/binary"
	"fmt"
)

// Status represents the lifecycle state of an escrow. Active is the sole
// initial state; the other three are terminal and never transition again.
type Status uint8

const (
	StatusActive Status = iota
	StatusCompleted
	StatusRefunded
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s.Valid() && s != StatusActive
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// recordSize is the fixed length of a serialized escrow record:
// buyer (20) | seller (20) | amount (8, big endian) | status (1) | salt (1).
const recordSize = 50

// Escrow is the persisted custody record. Buyer, Seller, Amount and Salt are
// immutable after creation; Status is the single field driving every
// authorization and transition decision. Address is the derived vault address
// the record is filed under and is not part of the serialized layout.
type Escrow struct {
	Address [20]byte
	Buyer   [20]byte
	Seller  [20]byte
	Amount  uint64
	Status  Status
	Salt    uint8
}

// Clone returns a copy callers can mutate safely.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// Validate checks the structural invariants of a record before it is stored.
func (e *Escrow) Validate() error {
	if e == nil {
		return errNilEscrow
	}
	if e.Amount == 0 {
		return ErrInvalidAmount
	}
	if !e.Status.Valid() {
		return fmt.Errorf("escrow: invalid status value %d", uint8(e.Status))
	}
	if e.Buyer == ([20]byte{}) {
		return fmt.Errorf("escrow: zero buyer address")
	}
	if e.Seller == ([20]byte{}) {
		return fmt.Errorf("%w: zero seller address", ErrInvalidSeller)
	}
	return nil
}

// MarshalBinary encodes the record into its fixed 50-byte layout.
func (e *Escrow) MarshalBinary() ([]byte, error) {
	if e == nil {
		return nil, errNilEscrow
	}
	buf := make([]byte, recordSize)
	copy(buf[0:20], e.Buyer[:])
	copy(buf[20:40], e.Seller[:])
	binary.BigEndian.PutUint64(buf[40:48], e.Amount)
	buf[48] = byte(e.Status)
	buf[49] = e.Salt
	return buf, nil
}

// UnmarshalBinary decodes a fixed-layout record. The vault address is not part
// of the payload and must be set by the caller from the storage key.
func (e *Escrow) UnmarshalBinary(data []byte) error {
	if len(data) != recordSize {
		return fmt.Errorf("escrow: record must be %d bytes, got %d", recordSize, len(data))
	}
	copy(e.Buyer[:], data[0:20])
	copy(e.Seller[:], data[20:40])
	e.Amount = binary.BigEndian.Uint64(data[40:48])
	e.Status = Status(data[48])
	e.Salt = data[49]
	if !e.Status.Valid() {
		return fmt.Errorf("escrow: invalid status value %d", data[48])
	}
	return nil
}
