package settlement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"kam/core/events"
	"kam/native/registry"
	"kam/observability"
)

var (
	// ErrUnauthorized indicates the caller lacks the role required for the
	// operation.
	ErrUnauthorized = errors.New("settlement: caller not authorized")
	// ErrUnknownVault indicates the vault is neither the gateway nor
	// registered.
	ErrUnknownVault = errors.New("settlement: unknown vault")
	// ErrUnknownAsset indicates the asset is not registered.
	ErrUnknownAsset = errors.New("settlement: asset not registered")
	// ErrInvalidAmount indicates a nil or negative reported total.
	ErrInvalidAmount = errors.New("settlement: invalid amount")
	// ErrBatchNotClosed indicates the batch still accepts requests.
	ErrBatchNotClosed = errors.New("settlement: batch not closed")
	// ErrBatchClosed indicates the batch no longer accepts new flows.
	ErrBatchClosed = errors.New("settlement: batch closed to new flows")
	// ErrBatchSettled indicates the batch was already settled.
	ErrBatchSettled = errors.New("settlement: batch already settled")
	// ErrBatchMismatch indicates the batch belongs to a different asset.
	ErrBatchMismatch = errors.New("settlement: batch asset mismatch")
	// ErrBatchAlreadyProposed rejects reuse of a batch id across proposals.
	ErrBatchAlreadyProposed = errors.New("settlement: batch already proposed")
	// ErrProposalPending enforces at most one outstanding proposal per vault.
	ErrProposalPending = errors.New("settlement: proposal already pending for vault")
	// ErrProposalNotFound indicates the proposal id is unknown or no longer
	// pending.
	ErrProposalNotFound = errors.New("settlement: proposal not found")
	// ErrProposalExecuted indicates the proposal id was already consumed.
	ErrProposalExecuted = errors.New("settlement: proposal already executed")
	// ErrCooldownActive indicates execution was attempted before the
	// proposal's earliest execution time.
	ErrCooldownActive = errors.New("settlement: cooldown active")
	// ErrInsufficientBacking indicates the gateway's custody total would go
	// negative, which is a bookkeeping inconsistency fatal to the
	// settlement.
	ErrInsufficientBacking = errors.New("settlement: insufficient gateway backing")
	// ErrInsufficientSupply indicates the vault's token balance cannot cover
	// the burn a reported loss requires.
	ErrInsufficientSupply = errors.New("settlement: vault balance below reported loss")
	// ErrNoAdapter indicates no custody adapter is registered for the
	// vault/asset pair.
	ErrNoAdapter = errors.New("settlement: no custody adapter registered")
	// ErrReentrant indicates a mutating entry point was invoked while
	// another mutation was in flight.
	ErrReentrant = errors.New("settlement: reentrant call")

	errNilState = errors.New("settlement: state not configured")
)

var (
	pendingPrefix   = []byte("settlement/pending/")
	proposalPrefix  = []byte("settlement/proposal/")
	batchUsedPrefix = []byte("settlement/batchused/")
	executedPrefix  = []byte("settlement/executed/")
	baselinePrefix  = []byte("settlement/baseline/")
	proposalSeqKey  = []byte("settlement/seq/proposal")
)

type adapterKey struct {
	vault [20]byte
	asset [20]byte
}

// Engine is the propose/cooldown/execute settlement coordinator and the
// money-flow hub the institutional gateway routes deposits and pull requests
// through.
type Engine struct {
	store    Storage
	roles    RoleView
	gateway  BatchGateway
	balances BalanceSource
	token    SyntheticToken
	bank     AssetBank
	vaults   map[[20]byte]Vault
	adapters map[adapterKey][]CustodyAdapter
	emitter  events.Emitter

	identity  [20]byte
	gatewayID [20]byte
	treasury  [20]byte

	nowFn func() int64
	busy  bool
}

// NewEngine constructs a coordinator. identity is the custody account routed
// deposits rest at, gatewayID the institutional gateway's ledger account,
// treasury the recipient of realized fees.
func NewEngine(identity, gatewayID, treasury [20]byte) *Engine {
	return &Engine{
		vaults:    make(map[[20]byte]Vault),
		adapters:  make(map[adapterKey][]CustodyAdapter),
		emitter:   events.NoopEmitter{},
		identity:  identity,
		gatewayID: gatewayID,
		treasury:  treasury,
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetStore configures the state backend used by the coordinator.
func (e *Engine) SetStore(store Storage) { e.store = store }

// SetRoles configures the role directory consulted for authorization.
func (e *Engine) SetRoles(roles RoleView) { e.roles = roles }

// SetGateway configures the batch lifecycle collaborator.
func (e *Engine) SetGateway(gateway BatchGateway) { e.gateway = gateway }

// SetBalances configures the virtual balance ledger.
func (e *Engine) SetBalances(balances BalanceSource) { e.balances = balances }

// SetToken configures the synthetic token collaborator.
func (e *Engine) SetToken(token SyntheticToken) { e.token = token }

// SetBank configures the underlying asset bank.
func (e *Engine) SetBank(bank AssetBank) { e.bank = bank }

// SetVault wires the share-price surface for a vault address.
func (e *Engine) SetVault(vault [20]byte, v Vault) {
	if e.vaults == nil {
		e.vaults = make(map[[20]byte]Vault)
	}
	e.vaults[vault] = v
}

// SetEmitter configures the event emitter. Passing nil resets to no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the coordinator. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) acquire() error {
	if e.busy {
		return ErrReentrant
	}
	e.busy = true
	return nil
}

func (e *Engine) release() { e.busy = false }

func (e *Engine) guard() error {
	if e == nil || e.store == nil || e.roles == nil {
		return errNilState
	}
	return registry.Guard(e.roles)
}

// RegisterAdapter wires a custody adapter for the vault/asset pair. Admin
// only. Multiple adapters per pair are supported; the first registered acts
// as the primary for pulls and total-asset updates.
func (e *Engine) RegisterAdapter(caller, vault, asset [20]byte, adapter CustodyAdapter) error {
	if e == nil || e.roles == nil {
		return errNilState
	}
	if !e.roles.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if adapter == nil {
		return errNilState
	}
	key := adapterKey{vault: vault, asset: asset}
	e.adapters[key] = append(e.adapters[key], adapter)
	return nil
}

func (e *Engine) primaryAdapter(vault, asset [20]byte) (CustodyAdapter, error) {
	adapters := e.adapters[adapterKey{vault: vault, asset: asset}]
	if len(adapters) == 0 {
		return nil, ErrNoAdapter
	}
	return adapters[0], nil
}

// VirtualBalance sums the assets reported by all custody adapters registered
// for the vault/asset pair. It is a liquidity sufficiency check, never a
// ledger entry.
func (e *Engine) VirtualBalance(vault, asset [20]byte) (*big.Int, error) {
	adapters := e.adapters[adapterKey{vault: vault, asset: asset}]
	if len(adapters) == 0 {
		return nil, ErrNoAdapter
	}
	total := big.NewInt(0)
	for _, adapter := range adapters {
		reported, err := adapter.TotalAssets()
		if err != nil {
			return nil, err
		}
		if reported != nil {
			total.Add(total, reported)
		}
	}
	return total, nil
}

// --- money-flow coordinator surface consumed by the gateway ---

// RouteDeposit moves a freshly minted deposit into custody and credits the
// gateway's virtual balance for the batch.
func (e *Engine) RouteDeposit(asset [20]byte, from [20]byte, batch [32]byte, amount *big.Int) error {
	if e == nil || e.bank == nil || e.balances == nil {
		return errNilState
	}
	if err := e.bank.Transfer(asset, from, e.identity, amount); err != nil {
		return err
	}
	return e.balances.Deposit(e.gatewayID, batch, amount)
}

// RegisterPull records a pending institutional withdrawal against the batch.
func (e *Engine) RegisterPull(asset [20]byte, batch [32]byte, amount *big.Int) error {
	if e == nil || e.balances == nil {
		return errNilState
	}
	return e.balances.Request(e.gatewayID, batch, amount)
}

// ReversePull rolls back a cancelled pull request.
func (e *Engine) ReversePull(asset [20]byte, batch [32]byte, amount *big.Int) error {
	if e == nil || e.balances == nil {
		return errNilState
	}
	return e.balances.ReverseRequest(e.gatewayID, batch, amount)
}

// RecordVaultDeposit credits a retail vault deposit against the batch.
// Restricted to registered vaults.
func (e *Engine) RecordVaultDeposit(vault [20]byte, batch [32]byte, amount *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	if e.balances == nil || e.gateway == nil {
		return errNilState
	}
	if !e.roles.IsVault(vault) {
		return ErrUnknownVault
	}
	batchRecord, err := e.gateway.Batch(batch)
	if err != nil {
		return err
	}
	if batchRecord.Closed {
		return ErrBatchClosed
	}
	return e.balances.Deposit(vault, batch, amount)
}

// RecordVaultSharesRequested registers redemption shares a vault's
// depositors queued for the batch.
func (e *Engine) RecordVaultSharesRequested(vault [20]byte, batch [32]byte, shares *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	if e.balances == nil || e.gateway == nil {
		return errNilState
	}
	if !e.roles.IsVault(vault) {
		return ErrUnknownVault
	}
	batchRecord, err := e.gateway.Batch(batch)
	if err != nil {
		return err
	}
	if batchRecord.Closed {
		return ErrBatchClosed
	}
	return e.balances.Request(vault, batch, shares)
}

// --- storage helpers ---

func pendingKey(vault [20]byte) []byte {
	return append(append([]byte(nil), pendingPrefix...), vault[:]...)
}

func proposalKey(id [32]byte) []byte {
	return append(append([]byte(nil), proposalPrefix...), id[:]...)
}

func batchUsedKey(batch [32]byte) []byte {
	return append(append([]byte(nil), batchUsedPrefix...), batch[:]...)
}

func executedKey(id [32]byte) []byte {
	return append(append([]byte(nil), executedPrefix...), id[:]...)
}

func baselineKey(vault [20]byte) []byte {
	return append(append([]byte(nil), baselinePrefix...), vault[:]...)
}

func (e *Engine) loadProposal(id [32]byte) (*Proposal, error) {
	var stored storedProposal
	ok, err := e.store.KVGet(proposalKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProposalNotFound
	}
	return proposalFromStored(&stored)
}

func (e *Engine) storeProposal(p *Proposal) error {
	return e.store.KVPut(proposalKey(p.ID), proposalToStored(p))
}

func (e *Engine) batchUsed(batch [32]byte) (bool, error) {
	var used bool
	ok, err := e.store.KVGet(batchUsedKey(batch), &used)
	if err != nil {
		return false, err
	}
	return ok && used, nil
}

func (e *Engine) pendingID(vault [20]byte) ([32]byte, bool, error) {
	var id [32]byte
	ok, err := e.store.KVGet(pendingKey(vault), &id)
	if err != nil || !ok {
		return [32]byte{}, false, err
	}
	if id == ([32]byte{}) {
		return [32]byte{}, false, nil
	}
	return id, true, nil
}

// Baseline returns the last-settled total-assets baseline for the vault.
func (e *Engine) Baseline(vault [20]byte) (*big.Int, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	var raw string
	ok, err := e.store.KVGet(baselineKey(vault), &raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	baseline, parsed := new(big.Int).SetString(raw, 10)
	if !parsed {
		return nil, errors.New("settlement: corrupt baseline")
	}
	return baseline, nil
}

func (e *Engine) putBaseline(vault [20]byte, total *big.Int) error {
	return e.store.KVPut(baselineKey(vault), total.String())
}

// SetYieldBaseline seeds or corrects the yield baseline for a vault. Admin
// only; intended for bootstrap before a vault's first settlement.
func (e *Engine) SetYieldBaseline(caller, vault [20]byte, total *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if !e.roles.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if total == nil || total.Sign() < 0 {
		return ErrInvalidAmount
	}
	old, err := e.Baseline(vault)
	if err != nil {
		return err
	}
	if err := e.putBaseline(vault, total); err != nil {
		return err
	}
	e.emit(NewBaselineUpdatedEvent(vault, old, total))
	return nil
}

// PendingProposal resolves the vault's outstanding proposal, if any.
func (e *Engine) PendingProposal(vault [20]byte) (*Proposal, bool, error) {
	if e == nil || e.store == nil {
		return nil, false, errNilState
	}
	id, ok, err := e.pendingID(vault)
	if err != nil || !ok {
		return nil, false, err
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return nil, false, err
	}
	return p.Copy(), true, nil
}

// Proposal retrieves a proposal by id regardless of status.
func (e *Engine) Proposal(id [32]byte) (*Proposal, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return nil, err
	}
	return p.Copy(), nil
}

// --- proposal lifecycle ---

func (e *Engine) newProposalID(vault, asset [20]byte, batch [32]byte) ([32]byte, error) {
	var seq uint64
	if _, err := e.store.KVGet(proposalSeqKey, &seq); err != nil {
		return [32]byte{}, err
	}
	seq++
	if err := e.store.KVPut(proposalSeqKey, seq); err != nil {
		return [32]byte{}, err
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], seq)
	now := e.now()
	if now > 0 {
		binary.BigEndian.PutUint64(buf[8:], uint64(now))
	}
	return ethcrypto.Keccak256Hash(vault[:], asset[:], batch[:], buf[:]), nil
}

// convertRequestedShares converts queued redemption shares to an asset
// amount at the reported total-assets/total-supply ratio. When either side
// of the ratio is zero the raw share count is used as a pseudo asset amount
// to avoid division by zero.
func convertRequestedShares(shares, reported, totalSupply *big.Int) *big.Int {
	if shares == nil || shares.Sign() == 0 {
		return big.NewInt(0)
	}
	if totalSupply == nil || totalSupply.Sign() == 0 || reported == nil || reported.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	assets := new(big.Int).Mul(shares, reported)
	return assets.Div(assets, totalSupply)
}

// Propose snapshots the batch's net flows against the externally reported
// total assets and schedules the earliest execution time. Relayer only.
func (e *Engine) Propose(caller, asset, vault [20]byte, batchID [32]byte, reportedTotalAssets *big.Int, fees FeeMarkers) (_ *Proposal, retErr error) {
	defer func() {
		outcome := "ok"
		if retErr != nil {
			outcome = "error"
		}
		observability.Settlement().RecordProposal(vaultLabel(vault), outcome)
	}()
	if err := e.guard(); err != nil {
		return nil, err
	}
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()
	if e.gateway == nil || e.balances == nil {
		return nil, errNilState
	}
	if !e.roles.IsRelayer(caller) {
		return nil, ErrUnauthorized
	}
	if !e.roles.IsAsset(asset) {
		return nil, ErrUnknownAsset
	}
	isGateway := vault == e.gatewayID
	if !isGateway && !e.roles.IsVault(vault) {
		return nil, ErrUnknownVault
	}
	if reportedTotalAssets == nil || reportedTotalAssets.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	batch, err := e.gateway.Batch(batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Closed {
		return nil, ErrBatchNotClosed
	}
	if batch.Settled {
		return nil, ErrBatchSettled
	}
	if batch.Asset != asset {
		return nil, ErrBatchMismatch
	}
	used, err := e.batchUsed(batchID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, ErrBatchAlreadyProposed
	}
	if _, exists, err := e.pendingID(vault); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrProposalPending
	}

	deposited, requested, err := e.balances.Flows(vault, batchID)
	if err != nil {
		return nil, err
	}
	netted := new(big.Int)
	if isGateway {
		netted.Sub(deposited, requested)
	} else {
		v, ok := e.vaults[vault]
		if !ok {
			return nil, ErrUnknownVault
		}
		totalSupply, err := v.TotalSupply()
		if err != nil {
			return nil, err
		}
		netted.Sub(deposited, convertRequestedShares(requested, reportedTotalAssets, totalSupply))
	}

	baseline, err := e.Baseline(vault)
	if err != nil {
		return nil, err
	}
	yield := new(big.Int).Sub(reportedTotalAssets, baseline)

	tolerance, err := e.YieldToleranceBps()
	if err != nil {
		return nil, err
	}
	if exceedsTolerance(yield, baseline, tolerance) {
		// Advisory only: the guardian cancellation path is the safety
		// valve, so the proposal proceeds.
		slog.Warn("settlement yield deviation exceeds tolerance",
			"vault", vaultLabel(vault),
			"yield", yield.String(),
			"baseline", baseline.String(),
			"toleranceBps", tolerance,
		)
		observability.Settlement().RecordYieldWarning(vaultLabel(vault))
		e.emit(NewYieldWarningEvent(vault, batchID, yield, baseline, tolerance))
	}

	cooldown, err := e.Cooldown()
	if err != nil {
		return nil, err
	}
	id, err := e.newProposalID(vault, asset, batchID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	p := &Proposal{
		ID:           id,
		Asset:        asset,
		Vault:        vault,
		Batch:        batchID,
		TotalAssets:  new(big.Int).Set(reportedTotalAssets),
		Netted:       netted,
		Yield:        yield,
		ExecuteAfter: now + int64(cooldown/time.Second),
		Fees:         fees,
		CreatedAt:    now,
		Status:       ProposalStatusPending,
	}
	if err := e.storeProposal(p); err != nil {
		return nil, err
	}
	if err := e.store.KVPut(pendingKey(vault), p.ID); err != nil {
		return nil, err
	}
	if err := e.store.KVPut(batchUsedKey(batchID), true); err != nil {
		return nil, err
	}
	e.emit(NewProposedEvent(p))
	return p.Copy(), nil
}

func exceedsTolerance(yield, baseline *big.Int, toleranceBps uint64) bool {
	if yield.Sign() == 0 {
		return false
	}
	if baseline.Sign() == 0 {
		return true
	}
	threshold := new(big.Int).Mul(baseline, new(big.Int).SetUint64(toleranceBps))
	threshold.Div(threshold, big.NewInt(10_000))
	return new(big.Int).Abs(yield).Cmp(threshold) > 0
}

// Execute consumes a matured proposal: it nets flows, realizes yield and
// fees, and marks the batch settled. Anyone may call once the cooldown has
// elapsed; the proposal id can never be executed twice.
func (e *Engine) Execute(proposalID [32]byte) (retErr error) {
	start := time.Now()
	var label string
	defer func() {
		outcome := "ok"
		if retErr != nil {
			outcome = "error"
		}
		observability.Settlement().RecordExecution(label, outcome, time.Since(start))
	}()
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	if e.gateway == nil || e.token == nil || e.bank == nil {
		return errNilState
	}
	p, err := e.loadProposal(proposalID)
	if err != nil {
		return err
	}
	label = vaultLabel(p.Vault)
	var executed bool
	if ok, err := e.store.KVGet(executedKey(proposalID), &executed); err != nil {
		return err
	} else if ok && executed {
		return ErrProposalExecuted
	}
	if e.now() < p.ExecuteAfter {
		return ErrCooldownActive
	}
	pending, ok, err := e.pendingID(p.Vault)
	if err != nil {
		return err
	}
	if !ok || pending != proposalID {
		return ErrProposalNotFound
	}
	plan, err := e.planDistribution(p)
	if err != nil {
		return err
	}
	if err := e.applyDistribution(p, plan); err != nil {
		return err
	}
	if err := e.putBaseline(p.Vault, p.TotalAssets); err != nil {
		return err
	}
	if err := e.gateway.SettleBatch(p.Batch); err != nil {
		return err
	}
	// The proposal is consumed only once the whole distribution has landed.
	// The reentrancy guard serializes execution, so a collaborator failure
	// above leaves the proposal pending, cancellable, and retryable.
	if err := e.store.KVPut(pendingKey(p.Vault), [32]byte{}); err != nil {
		return err
	}
	if err := e.store.KVPut(executedKey(proposalID), true); err != nil {
		return err
	}
	p.Status = ProposalStatusExecuted
	if err := e.storeProposal(p); err != nil {
		return err
	}
	e.emit(NewExecutedEvent(p))
	return nil
}

// Cancel discards a pending proposal and releases its batch id for a future
// proposal. Guardian only, valid any time before execution.
func (e *Engine) Cancel(caller [20]byte, proposalID [32]byte) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	if !e.roles.IsGuardian(caller) {
		return ErrUnauthorized
	}
	p, err := e.loadProposal(proposalID)
	if err != nil {
		return err
	}
	if p.Status != ProposalStatusPending {
		return ErrProposalNotFound
	}
	pending, ok, err := e.pendingID(p.Vault)
	if err != nil {
		return err
	}
	if !ok || pending != proposalID {
		return ErrProposalNotFound
	}
	if err := e.store.KVPut(pendingKey(p.Vault), [32]byte{}); err != nil {
		return err
	}
	if err := e.store.KVPut(batchUsedKey(p.Batch), false); err != nil {
		return err
	}
	p.Status = ProposalStatusCancelled
	if err := e.storeProposal(p); err != nil {
		return err
	}
	observability.Settlement().RecordCancellation(vaultLabel(p.Vault))
	e.emit(NewCancelledEvent(p))
	return nil
}

func vaultLabel(vault [20]byte) string {
	return fmt.Sprintf("%x", vault[:4])
}
