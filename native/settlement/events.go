package settlement

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"time"

	"kam/core/types"
)

const (
	EventTypeProposed         = "settlement.proposed"
	EventTypeExecuted         = "settlement.executed"
	EventTypeCancelled        = "settlement.cancelled"
	EventTypeYieldWarning     = "settlement.yield_warning"
	EventTypeCooldownUpdated  = "settlement.params.cooldown_updated"
	EventTypeToleranceUpdated = "settlement.params.tolerance_updated"
	EventTypeBaselineUpdated  = "settlement.baseline_updated"
)

type settlementEvent struct {
	evt *types.Event
}

func (e settlementEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the underlying typed payload.
func (e settlementEvent) Event() *types.Event { return e.evt }

func newProposalEvent(eventType string, p *Proposal) settlementEvent {
	attrs := make(map[string]string)
	if p != nil {
		attrs["id"] = hex.EncodeToString(p.ID[:])
		attrs["asset"] = hex.EncodeToString(p.Asset[:])
		attrs["vault"] = hex.EncodeToString(p.Vault[:])
		attrs["batch"] = hex.EncodeToString(p.Batch[:])
		attrs["totalAssets"] = signedAttr(p.TotalAssets)
		attrs["netted"] = signedAttr(p.Netted)
		attrs["yield"] = signedAttr(p.Yield)
		attrs["executeAfter"] = strconv.FormatInt(p.ExecuteAfter, 10)
		attrs["status"] = string(p.Status)
	}
	return settlementEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
}

// NewProposedEvent returns the canonical payload for a new settlement
// proposal.
func NewProposedEvent(p *Proposal) settlementEvent {
	return newProposalEvent(EventTypeProposed, p)
}

// NewExecutedEvent returns the payload emitted after an irreversible
// execution.
func NewExecutedEvent(p *Proposal) settlementEvent {
	return newProposalEvent(EventTypeExecuted, p)
}

// NewCancelledEvent returns the payload for a guardian cancellation.
func NewCancelledEvent(p *Proposal) settlementEvent {
	return newProposalEvent(EventTypeCancelled, p)
}

// NewYieldWarningEvent returns the advisory payload emitted when a
// proposal's yield deviates beyond the configured tolerance.
func NewYieldWarningEvent(vault [20]byte, batch [32]byte, yield, baseline *big.Int, toleranceBps uint64) settlementEvent {
	attrs := map[string]string{
		"vault":        hex.EncodeToString(vault[:]),
		"batch":        hex.EncodeToString(batch[:]),
		"yield":        signedAttr(yield),
		"baseline":     signedAttr(baseline),
		"toleranceBps": strconv.FormatUint(toleranceBps, 10),
	}
	return settlementEvent{evt: &types.Event{Type: EventTypeYieldWarning, Attributes: attrs}}
}

// NewCooldownUpdatedEvent carries the old and new cooldown for audit.
func NewCooldownUpdatedEvent(old, updated time.Duration) settlementEvent {
	attrs := map[string]string{
		"oldSeconds": strconv.FormatInt(int64(old/time.Second), 10),
		"newSeconds": strconv.FormatInt(int64(updated/time.Second), 10),
	}
	return settlementEvent{evt: &types.Event{Type: EventTypeCooldownUpdated, Attributes: attrs}}
}

// NewToleranceUpdatedEvent carries the old and new tolerance for audit.
func NewToleranceUpdatedEvent(old, updated uint64) settlementEvent {
	attrs := map[string]string{
		"oldBps": strconv.FormatUint(old, 10),
		"newBps": strconv.FormatUint(updated, 10),
	}
	return settlementEvent{evt: &types.Event{Type: EventTypeToleranceUpdated, Attributes: attrs}}
}

// NewBaselineUpdatedEvent carries the old and new yield baseline for audit.
func NewBaselineUpdatedEvent(vault [20]byte, old, updated *big.Int) settlementEvent {
	attrs := map[string]string{
		"vault": hex.EncodeToString(vault[:]),
		"old":   signedAttr(old),
		"new":   signedAttr(updated),
	}
	return settlementEvent{evt: &types.Event{Type: EventTypeBaselineUpdated, Attributes: attrs}}
}

func signedAttr(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
