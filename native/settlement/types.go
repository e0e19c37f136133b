package settlement

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"kam/native/minter"
)

// ProposalStatus captures the lifecycle state of a settlement proposal.
type ProposalStatus string

const (
	// ProposalStatusPending identifies proposals inside or past cooldown but
	// not yet executed.
	ProposalStatusPending ProposalStatus = "pending"
	// ProposalStatusExecuted marks proposals consumed by execution.
	ProposalStatusExecuted ProposalStatus = "executed"
	// ProposalStatusCancelled marks proposals discarded by a guardian.
	ProposalStatusCancelled ProposalStatus = "cancelled"
)

// FeeMarkers flags fee accruals that must be applied to the vault's share
// price during execution.
type FeeMarkers struct {
	Management  bool
	Performance bool
}

// Proposal is a point-in-time settlement snapshot. It is consumed exactly
// once by execution or discarded by cancellation.
type Proposal struct {
	ID           [32]byte
	Asset        [20]byte
	Vault        [20]byte
	Batch        [32]byte
	TotalAssets  *big.Int
	Netted       *big.Int
	Yield        *big.Int
	ExecuteAfter int64
	Fees         FeeMarkers
	CreatedAt    int64
	Status       ProposalStatus
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (p *Proposal) Copy() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	if p.TotalAssets != nil {
		clone.TotalAssets = new(big.Int).Set(p.TotalAssets)
	}
	if p.Netted != nil {
		clone.Netted = new(big.Int).Set(p.Netted)
	}
	if p.Yield != nil {
		clone.Yield = new(big.Int).Set(p.Yield)
	}
	return &clone
}

type storedProposal struct {
	Version      uint32
	ID           [32]byte
	Asset        [20]byte
	Vault        [20]byte
	Batch        [32]byte
	TotalAssets  string
	Netted       string
	NettedNeg    bool
	Yield        string
	YieldNeg     bool
	ExecuteAfter uint64
	FeeMgmt      bool
	FeePerf      bool
	CreatedAt    uint64
	Status       string
}

func proposalToStored(p *Proposal) storedProposal {
	stored := storedProposal{
		ID:      p.ID,
		Asset:   p.Asset,
		Vault:   p.Vault,
		Batch:   p.Batch,
		FeeMgmt: p.Fees.Management,
		FeePerf: p.Fees.Performance,
		Status:  string(p.Status),
	}
	if p.TotalAssets != nil {
		stored.TotalAssets = p.TotalAssets.String()
	}
	if p.Netted != nil {
		stored.Netted = new(big.Int).Abs(p.Netted).String()
		stored.NettedNeg = p.Netted.Sign() < 0
	}
	if p.Yield != nil {
		stored.Yield = new(big.Int).Abs(p.Yield).String()
		stored.YieldNeg = p.Yield.Sign() < 0
	}
	if p.ExecuteAfter > 0 {
		stored.ExecuteAfter = uint64(p.ExecuteAfter)
	}
	if p.CreatedAt > 0 {
		stored.CreatedAt = uint64(p.CreatedAt)
	}
	return stored
}

func proposalFromStored(stored *storedProposal) (*Proposal, error) {
	if stored.ExecuteAfter > math.MaxInt64 || stored.CreatedAt > math.MaxInt64 {
		return nil, fmt.Errorf("settlement: stored timestamp overflow")
	}
	total, err := parseUnsigned(stored.TotalAssets)
	if err != nil {
		return nil, fmt.Errorf("settlement: total assets: %w", err)
	}
	netted, err := parseSigned(stored.Netted, stored.NettedNeg)
	if err != nil {
		return nil, fmt.Errorf("settlement: netted: %w", err)
	}
	yield, err := parseSigned(stored.Yield, stored.YieldNeg)
	if err != nil {
		return nil, fmt.Errorf("settlement: yield: %w", err)
	}
	return &Proposal{
		ID:           stored.ID,
		Asset:        stored.Asset,
		Vault:        stored.Vault,
		Batch:        stored.Batch,
		TotalAssets:  total,
		Netted:       netted,
		Yield:        yield,
		ExecuteAfter: int64(stored.ExecuteAfter),
		Fees:         FeeMarkers{Management: stored.FeeMgmt, Performance: stored.FeePerf},
		CreatedAt:    int64(stored.CreatedAt),
		Status:       ProposalStatus(stored.Status),
	}, nil
}

func parseUnsigned(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func parseSigned(raw string, negative bool) (*big.Int, error) {
	value, err := parseUnsigned(raw)
	if err != nil {
		return nil, err
	}
	if negative {
		value.Neg(value)
	}
	return value, nil
}

// Storage abstracts the key-value surface backing the coordinator.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// RoleView exposes the directory predicates consulted by the coordinator.
type RoleView interface {
	IsAdmin(addr [20]byte) bool
	IsGuardian(addr [20]byte) bool
	IsRelayer(addr [20]byte) bool
	IsAsset(asset [20]byte) bool
	IsVault(vault [20]byte) bool
	IsGlobalPaused() bool
}

// CustodyAdapter reports and mutates the assets held for a vault at a remote
// venue. Pull withdraws funds to the coordinator's custody account.
type CustodyAdapter interface {
	TotalAssets() (*big.Int, error)
	Pull(asset [20]byte, amount *big.Int) error
	SetTotalAssets(total *big.Int) error
}

// Vault is the share-price bookkeeping surface consulted during
// distribution.
type Vault interface {
	TotalSupply() (*big.Int, error)
	SharePrice() (*big.Int, error)
	NetSharePrice() (*big.Int, error)
	ConvertToAssets(shares *big.Int) (*big.Int, error)
	BurnFees(shares *big.Int) error
	NotifyManagementFeesCharged(timestamp int64) error
	NotifyPerformanceFeesCharged(timestamp int64) error
}

// SyntheticToken mints and burns supply to reflect realized yield and fees.
// BalanceOf lets the distributor verify a loss burn is coverable before any
// mutation.
type SyntheticToken interface {
	Mint(to [20]byte, amount *big.Int) error
	Burn(from [20]byte, amount *big.Int) error
	BalanceOf(addr [20]byte) (*big.Int, error)
}

// AssetBank moves underlying assets between accounts.
type AssetBank interface {
	Transfer(asset [20]byte, from, to [20]byte, amount *big.Int) error
}

// BatchGateway is the batch lifecycle surface the coordinator settles
// against. Only the coordinator holds this reference, which is what makes
// SettleBatch effectively coordinator-only.
type BatchGateway interface {
	Batch(id [32]byte) (*minter.Batch, error)
	BatchReceiver(id [32]byte) ([20]byte, error)
	SettleBatch(id [32]byte) error
}

// BalanceSource is the virtual balance ledger surface used for netting and
// flow registration.
type BalanceSource interface {
	Deposit(account [20]byte, batch [32]byte, amount *big.Int) error
	Request(account [20]byte, batch [32]byte, amount *big.Int) error
	ReverseRequest(account [20]byte, batch [32]byte, amount *big.Int) error
	Flows(account [20]byte, batch [32]byte) (deposited, requested *big.Int, err error)
}
