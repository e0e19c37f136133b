package minter

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"kam/core/types"
)

const (
	EventTypeBatchCreated     = "minter.batch.created"
	EventTypeBatchClosed      = "minter.batch.closed"
	EventTypeBatchSettled     = "minter.batch.settled"
	EventTypeMinted           = "minter.minted"
	EventTypeBurnRequested    = "minter.burn.requested"
	EventTypeBurned           = "minter.burned"
	EventTypeRequestCancelled = "minter.burn.cancelled"
)

type gatewayEvent struct {
	evt *types.Event
}

func (e gatewayEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the underlying typed payload.
func (e gatewayEvent) Event() *types.Event { return e.evt }

func newBatchEvent(eventType string, batch *Batch) gatewayEvent {
	attrs := make(map[string]string)
	if batch != nil {
		attrs["id"] = hex.EncodeToString(batch.ID[:])
		attrs["asset"] = hex.EncodeToString(batch.Asset[:])
		attrs["minted"] = amountAttr(batch.Minted)
		attrs["burned"] = amountAttr(batch.Burned)
		attrs["createdAt"] = strconv.FormatInt(batch.CreatedAt, 10)
	}
	return gatewayEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
}

func newRequestEvent(eventType string, req *RedemptionRequest) gatewayEvent {
	attrs := make(map[string]string)
	if req != nil {
		attrs["id"] = hex.EncodeToString(req.ID[:])
		attrs["owner"] = hex.EncodeToString(req.Owner[:])
		attrs["recipient"] = hex.EncodeToString(req.Recipient[:])
		attrs["asset"] = hex.EncodeToString(req.Asset[:])
		attrs["amount"] = amountAttr(req.Amount)
		attrs["batch"] = hex.EncodeToString(req.Batch[:])
		attrs["status"] = string(req.Status)
	}
	return gatewayEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
}

// NewBatchCreatedEvent returns the canonical payload for a freshly opened
// batch.
func NewBatchCreatedEvent(batch *Batch) gatewayEvent {
	return newBatchEvent(EventTypeBatchCreated, batch)
}

// NewBatchClosedEvent returns the payload emitted when a relayer closes a
// batch.
func NewBatchClosedEvent(batch *Batch) gatewayEvent {
	return newBatchEvent(EventTypeBatchClosed, batch)
}

// NewBatchSettledEvent returns the payload emitted when settlement marks the
// batch settled.
func NewBatchSettledEvent(batch *Batch) gatewayEvent {
	return newBatchEvent(EventTypeBatchSettled, batch)
}

// NewMintedEvent returns the payload for an immediate institutional mint.
func NewMintedEvent(batch *Batch, to [20]byte, amount *big.Int) gatewayEvent {
	evt := newBatchEvent(EventTypeMinted, batch)
	evt.evt.Attributes["to"] = hex.EncodeToString(to[:])
	evt.evt.Attributes["amount"] = amountAttr(amount)
	return evt
}

// NewBurnRequestedEvent returns the payload for a pending redemption.
func NewBurnRequestedEvent(req *RedemptionRequest) gatewayEvent {
	return newRequestEvent(EventTypeBurnRequested, req)
}

// NewBurnedEvent returns the payload emitted when a settled redemption is
// claimed.
func NewBurnedEvent(req *RedemptionRequest) gatewayEvent {
	return newRequestEvent(EventTypeBurned, req)
}

// NewRequestCancelledEvent returns the payload for a cancelled redemption.
func NewRequestCancelledEvent(req *RedemptionRequest) gatewayEvent {
	return newRequestEvent(EventTypeRequestCancelled, req)
}

func amountAttr(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
