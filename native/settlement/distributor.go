package settlement

import (
	"math/big"
)

// distributionPlan carries everything applyDistribution needs, computed and
// validated up front so arithmetic inconsistencies surface before any supply
// or custody mutation.
type distributionPlan struct {
	isGateway bool

	// gateway path
	requested     *big.Int
	receiver      [20]byte
	adapter       CustodyAdapter
	adjustedTotal *big.Int

	// vault path
	vaultRef        Vault
	gatewayAdapter  CustodyAdapter
	gatewayAdjusted *big.Int
	requestedShares *big.Int
}

func (e *Engine) planDistribution(p *Proposal) (*distributionPlan, error) {
	plan := &distributionPlan{isGateway: p.Vault == e.gatewayID}
	adapter, err := e.primaryAdapter(p.Vault, p.Asset)
	if err != nil {
		return nil, err
	}
	plan.adapter = adapter

	if plan.isGateway {
		_, requested, err := e.balances.Flows(e.gatewayID, p.Batch)
		if err != nil {
			return nil, err
		}
		plan.requested = requested
		if requested.Sign() > 0 {
			available, err := e.VirtualBalance(e.gatewayID, p.Asset)
			if err != nil {
				return nil, err
			}
			if available.Cmp(requested) < 0 {
				return nil, ErrInsufficientBacking
			}
			receiver, err := e.gateway.BatchReceiver(p.Batch)
			if err != nil {
				return nil, err
			}
			plan.receiver = receiver
		}
		plan.adjustedTotal = new(big.Int).Sub(p.TotalAssets, requested)
		if plan.adjustedTotal.Sign() < 0 {
			return nil, ErrInsufficientBacking
		}
		return plan, nil
	}

	vaultRef, ok := e.vaults[p.Vault]
	if !ok {
		return nil, ErrUnknownVault
	}
	plan.vaultRef = vaultRef
	gatewayAdapter, err := e.primaryAdapter(e.gatewayID, p.Asset)
	if err != nil {
		return nil, err
	}
	plan.gatewayAdapter = gatewayAdapter
	gatewayTotal, err := gatewayAdapter.TotalAssets()
	if err != nil {
		return nil, err
	}
	if gatewayTotal == nil {
		gatewayTotal = big.NewInt(0)
	}
	// Assets conceptually flowed between the gateway and this vault, so the
	// gateway's custody total gives up the netted amount. Going negative is
	// a bookkeeping inconsistency fatal to the settlement.
	plan.gatewayAdjusted = new(big.Int).Sub(gatewayTotal, p.Netted)
	if plan.gatewayAdjusted.Sign() < 0 {
		return nil, ErrInsufficientBacking
	}
	_, requestedShares, err := e.balances.Flows(p.Vault, p.Batch)
	if err != nil {
		return nil, err
	}
	plan.requestedShares = requestedShares
	// A loss is realized by burning vault-held supply. Verify the vault can
	// cover the burn now, while the proposal is still untouched.
	if p.Yield.Sign() < 0 {
		balance, err := e.token.BalanceOf(p.Vault)
		if err != nil {
			return nil, err
		}
		if balance == nil || balance.Cmp(new(big.Int).Abs(p.Yield)) < 0 {
			return nil, ErrInsufficientSupply
		}
	}
	return plan, nil
}

func (e *Engine) applyDistribution(p *Proposal, plan *distributionPlan) error {
	if plan.isGateway {
		return e.applyGateway(p, plan)
	}
	return e.applyVault(p, plan)
}

// applyGateway funds the batch's claim address from custody and records the
// post-settlement custody total. The gateway's supply changes are driven
// entirely by immediate mint/burn in the batch lifecycle, so no synthetic
// supply moves here.
func (e *Engine) applyGateway(p *Proposal, plan *distributionPlan) error {
	if plan.requested.Sign() > 0 {
		if err := plan.adapter.Pull(p.Asset, plan.requested); err != nil {
			return err
		}
		if err := e.bank.Transfer(p.Asset, e.identity, plan.receiver, plan.requested); err != nil {
			return err
		}
	}
	return plan.adapter.SetTotalAssets(plan.adjustedTotal)
}

// applyVault realizes yield as a supply change, reconciles the gateway's
// custody total against the netted flow, applies fee accruals, and realizes
// the fee-share delta to the treasury in asset terms.
func (e *Engine) applyVault(p *Proposal, plan *distributionPlan) error {
	if p.Yield.Sign() > 0 {
		if err := e.token.Mint(p.Vault, p.Yield); err != nil {
			return err
		}
	} else if p.Yield.Sign() < 0 {
		if err := e.token.Burn(p.Vault, new(big.Int).Abs(p.Yield)); err != nil {
			return err
		}
	}
	if err := plan.gatewayAdapter.SetTotalAssets(plan.gatewayAdjusted); err != nil {
		return err
	}
	now := e.now()
	if p.Fees.Management {
		if err := plan.vaultRef.NotifyManagementFeesCharged(now); err != nil {
			return err
		}
	}
	if p.Fees.Performance {
		if err := plan.vaultRef.NotifyPerformanceFeesCharged(now); err != nil {
			return err
		}
	}
	if err := plan.adapter.SetTotalAssets(p.TotalAssets); err != nil {
		return err
	}
	if plan.requestedShares.Sign() > 0 {
		feeShares, err := feeShareDelta(plan.vaultRef, plan.requestedShares)
		if err != nil {
			return err
		}
		if feeShares.Sign() > 0 {
			if err := plan.vaultRef.BurnFees(feeShares); err != nil {
				return err
			}
			feeAssets, err := plan.vaultRef.ConvertToAssets(feeShares)
			if err != nil {
				return err
			}
			if feeAssets != nil && feeAssets.Sign() > 0 {
				if err := e.token.Mint(e.treasury, feeAssets); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// feeShareDelta computes the shares the vault keeps as fees out of a gross
// redemption: gross shares minus the net shares implied by the net vs gross
// share price ratio.
func feeShareDelta(v Vault, grossShares *big.Int) (*big.Int, error) {
	grossPrice, err := v.SharePrice()
	if err != nil {
		return nil, err
	}
	netPrice, err := v.NetSharePrice()
	if err != nil {
		return nil, err
	}
	if grossPrice == nil || grossPrice.Sign() == 0 || netPrice == nil {
		return big.NewInt(0), nil
	}
	netShares := new(big.Int).Mul(grossShares, netPrice)
	netShares.Div(netShares, grossPrice)
	delta := new(big.Int).Sub(grossShares, netShares)
	if delta.Sign() < 0 {
		return big.NewInt(0), nil
	}
	return delta, nil
}
