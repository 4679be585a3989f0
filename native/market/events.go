package market

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"creditmarket/core/types"
)

// Event types emitted by the market engine.
const (
	EventTypeCreated       = "credit.created"
	EventTypeBid           = "credit.bid"
	EventTypePurchased     = "credit.purchased"
	EventTypePriceUpdated  = "credit.price_updated"
	EventTypeStatusUpdated = "credit.status_updated"
	EventTypeDisputed      = "credit.disputed"
	EventTypeResolved      = "credit.resolved"
	EventTypeReleased      = "credit.released"
	EventTypeFundsAdded    = "credit.funds_added"
	EventTypeCancelled     = "credit.cancelled"
)

func baseAttributes(c *Credit) map[string]string {
	attrs := map[string]string{
		"creditId": hex.EncodeToString(c.ID[:]),
		"owner":    hex.EncodeToString(c.Owner[:]),
		"phase":    c.Phase().String(),
	}
	if c.Buyer != nil {
		attrs["buyer"] = hex.EncodeToString(c.Buyer[:])
	}
	return attrs
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewCreatedEvent reports a freshly published listing.
func NewCreatedEvent(c *Credit) *types.Event {
	attrs := baseAttributes(c)
	attrs["price"] = amountString(c.Price)
	attrs["footprint"] = strconv.FormatUint(c.Footprint, 10)
	attrs["deadline"] = strconv.FormatInt(c.Deadline, 10)
	return &types.Event{Type: EventTypeCreated, Attributes: attrs}
}

// NewBidEvent reports escrow funding by a new buyer.
func NewBidEvent(c *Credit, payment *big.Int) *types.Event {
	attrs := baseAttributes(c)
	attrs["payment"] = amountString(payment)
	return &types.Event{Type: EventTypeBid, Attributes: attrs}
}

// NewPurchasedEvent reports a bid converted into a purchase commitment.
func NewPurchasedEvent(c *Credit) *types.Event {
	return &types.Event{Type: EventTypePurchased, Attributes: baseAttributes(c)}
}

// NewPriceUpdatedEvent reports an owner price change.
func NewPriceUpdatedEvent(c *Credit) *types.Event {
	attrs := baseAttributes(c)
	attrs["price"] = amountString(c.Price)
	return &types.Event{Type: EventTypePriceUpdated, Attributes: attrs}
}

// NewStatusUpdatedEvent reports an owner metadata change.
func NewStatusUpdatedEvent(c *Credit) *types.Event {
	attrs := baseAttributes(c)
	attrs["status"] = hex.EncodeToString(c.Status)
	return &types.Event{Type: EventTypeStatusUpdated, Attributes: attrs}
}

// NewDisputedEvent reports a raised dispute.
func NewDisputedEvent(c *Credit) *types.Event {
	return &types.Event{Type: EventTypeDisputed, Attributes: baseAttributes(c)}
}

// NewResolvedEvent reports a settled dispute and the escrow recipient.
func NewResolvedEvent(c *Credit, resolved bool, recipient [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttributes(c)
	attrs["resolved"] = strconv.FormatBool(resolved)
	attrs["recipient"] = hex.EncodeToString(recipient[:])
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeResolved, Attributes: attrs}
}

// NewReleasedEvent reports a completed settlement and its receipt.
func NewReleasedEvent(c *Credit, receipt *Receipt, amount *big.Int) *types.Event {
	attrs := baseAttributes(c)
	attrs["receiptId"] = hex.EncodeToString(receipt.ID[:])
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeReleased, Attributes: attrs}
}

// NewFundsAddedEvent reports an escrow top-up.
func NewFundsAddedEvent(c *Credit, payment *big.Int) *types.Event {
	attrs := baseAttributes(c)
	attrs["payment"] = amountString(payment)
	return &types.Event{Type: EventTypeFundsAdded, Attributes: attrs}
}

// NewCancelledEvent reports a cancelled sale. The refunded amount is zero when
// cancellation occurred outside the bidded phase.
func NewCancelledEvent(c *Credit, refunded *big.Int) *types.Event {
	attrs := baseAttributes(c)
	attrs["refunded"] = amountString(refunded)
	return &types.Event{Type: EventTypeCancelled, Attributes: attrs}
}
