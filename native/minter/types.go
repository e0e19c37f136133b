package minter

import "math/big"

// RequestStatus captures the lifecycle state of a redemption request.
type RequestStatus string

const (
	// RequestStatusPending identifies requests awaiting batch settlement.
	RequestStatusPending RequestStatus = "pending"
	// RequestStatusRedeemed marks requests whose claim has been pulled.
	RequestStatusRedeemed RequestStatus = "redeemed"
	// RequestStatusCancelled marks requests withdrawn before batch close.
	RequestStatusCancelled RequestStatus = "cancelled"
)

// Batch identifies one accounting period for one asset. Minted and Burned
// accumulate within the batch and freeze when the batch closes, except for
// explicit cancellation rollback of Burned.
type Batch struct {
	ID        [32]byte
	Asset     [20]byte
	CreatedAt int64
	Closed    bool
	Settled   bool
	Minted    *big.Int
	Burned    *big.Int
	Receiver  [20]byte
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (b *Batch) Copy() *Batch {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Minted != nil {
		clone.Minted = new(big.Int).Set(b.Minted)
	}
	if b.Burned != nil {
		clone.Burned = new(big.Int).Set(b.Burned)
	}
	return &clone
}

// RedemptionRequest records one pending institutional withdrawal. Exactly one
// terminal transition is permitted per request.
type RedemptionRequest struct {
	ID        [32]byte
	Owner     [20]byte
	Recipient [20]byte
	Asset     [20]byte
	Amount    *big.Int
	Batch     [32]byte
	CreatedAt int64
	Status    RequestStatus
}

// Copy returns a deep copy of the request for defensive use by callers.
func (r *RedemptionRequest) Copy() *RedemptionRequest {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	return &clone
}

type storedBatch struct {
	Version   uint32
	ID        [32]byte
	Asset     [20]byte
	CreatedAt uint64
	Closed    bool
	Settled   bool
	Minted    string
	Burned    string
	Receiver  [20]byte
}

type storedRequest struct {
	Version   uint32
	ID        [32]byte
	Owner     [20]byte
	Recipient [20]byte
	Asset     [20]byte
	Amount    string
	Batch     [32]byte
	CreatedAt uint64
	Status    string
}

type storedPendingIndex struct {
	Version uint32
	IDs     [][32]byte
}
