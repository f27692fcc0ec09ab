package escrow

import (
	"encoding/hex"
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeEscrowCreated   = "escrow.created"
	EventTypeEscrowCompleted = "escrow.completed"
	EventTypeEscrowRefunded  = "escrow.refunded"
	EventTypeEscrowCancelled = "escrow.cancelled"
)

// NewCreatedEvent returns the canonical event payload for a newly created and
// funded escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewCompletedEvent returns the event payload for a release to the seller.
func NewCompletedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCompleted, e) }

// NewRefundedEvent returns the event payload for a refund to the buyer.
func NewRefundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowRefunded, e) }

// NewCancelledEvent returns the event payload for a cancellation. The payout
// matches a refund; the distinct type is retained for audit reporting.
func NewCancelledEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCancelled, e) }

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	if e == nil {
		return &types.Event{Type: eventType, Attributes: map[string]string{}}
	}
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"address": hex.EncodeToString(e.Address[:]),
			"buyer":   hex.EncodeToString(e.Buyer[:]),
			"seller":  hex.EncodeToString(e.Seller[:]),
			"amount":  strconv.FormatUint(e.Amount, 10),
			"status":  e.Status.String(),
		},
	}
}
