package minter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"kam/core/events"
	"kam/native/registry"
	"kam/observability"
)

var (
	// ErrUnauthorized indicates the caller lacks the role required for the
	// operation.
	ErrUnauthorized = errors.New("minter: caller not authorized")
	// ErrUnknownAsset indicates the asset is not registered.
	ErrUnknownAsset = errors.New("minter: asset not registered")
	// ErrZeroAmount indicates a zero or negative amount.
	ErrZeroAmount = errors.New("minter: amount must be positive")
	// ErrZeroAddress indicates a zero-valued address argument.
	ErrZeroAddress = errors.New("minter: zero address")
	// ErrNoCurrentBatch indicates no open batch exists for the asset.
	ErrNoCurrentBatch = errors.New("minter: no current batch for asset")
	// ErrBatchNotFound indicates the batch id is unknown.
	ErrBatchNotFound = errors.New("minter: batch not found")
	// ErrBatchClosed indicates the batch no longer accepts requests.
	ErrBatchClosed = errors.New("minter: batch already closed")
	// ErrBatchNotClosed indicates settlement was attempted on an open batch.
	ErrBatchNotClosed = errors.New("minter: batch not closed")
	// ErrBatchSettled indicates the batch was already settled.
	ErrBatchSettled = errors.New("minter: batch already settled")
	// ErrBatchNotSettled indicates a claim before the batch settled.
	ErrBatchNotSettled = errors.New("minter: batch not settled")
	// ErrMintCapExceeded indicates the per-batch mint cap would be breached.
	ErrMintCapExceeded = errors.New("minter: batch mint cap exceeded")
	// ErrRedeemCapExceeded indicates the per-batch redeem cap would be breached.
	ErrRedeemCapExceeded = errors.New("minter: batch redeem cap exceeded")
	// ErrRequestNotFound indicates the request id is unknown or already
	// claimed.
	ErrRequestNotFound = errors.New("minter: request not found")
	// ErrRequestNotPending indicates the request already reached a terminal
	// state.
	ErrRequestNotPending = errors.New("minter: request not pending")
	// ErrReentrant indicates a mutating entry point was invoked while another
	// mutation was in flight.
	ErrReentrant = errors.New("minter: reentrant call")

	errNilState = errors.New("minter: state not configured")
)

// Storage abstracts the key-value surface backing the batch engine.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// RoleView exposes the directory predicates consulted by the engine.
type RoleView interface {
	IsInstitution(addr [20]byte) bool
	IsRelayer(addr [20]byte) bool
	IsAsset(asset [20]byte) bool
	AssetCaps(asset [20]byte) (mintCap, redeemCap *big.Int, err error)
	IsGlobalPaused() bool
}

// SyntheticToken is the mint/burn ledger for the 1:1-backed token. Transfer
// is required so redemption requests can escrow tokens pending settlement.
type SyntheticToken interface {
	Mint(to [20]byte, amount *big.Int) error
	Burn(from [20]byte, amount *big.Int) error
	Transfer(from, to [20]byte, amount *big.Int) error
}

// AssetBank moves underlying assets between accounts.
type AssetBank interface {
	Transfer(asset [20]byte, from, to [20]byte, amount *big.Int) error
}

// Coordinator is the money-flow coordinator surface the gateway forwards
// deposits and pull requests to.
type Coordinator interface {
	RouteDeposit(asset [20]byte, from [20]byte, batch [32]byte, amount *big.Int) error
	RegisterPull(asset [20]byte, batch [32]byte, amount *big.Int) error
	ReversePull(asset [20]byte, batch [32]byte, amount *big.Int) error
}

var (
	batchPrefix    = []byte("minter/batch/")
	currentPrefix  = []byte("minter/current/")
	batchSeqPrefix = []byte("minter/seq/batch/")
	requestSeqKey  = []byte("minter/seq/request")
	requestPrefix  = []byte("minter/request/")
	pendingPrefix  = []byte("minter/pending/")
	lockedPrefix   = []byte("minter/locked/")
)

// Engine owns the open/closed/settled batch state machine and the
// pending/redeemed/cancelled redemption state machine for the institutional
// gateway.
type Engine struct {
	store       Storage
	roles       RoleView
	token       SyntheticToken
	bank        AssetBank
	coordinator Coordinator
	emitter     events.Emitter
	identity    [20]byte
	chainID     uint64
	nowFn       func() int64
	busy        bool
}

// NewEngine creates a batch engine with a no-op emitter. Collaborators are
// injected via the setters before first use.
func NewEngine(identity [20]byte, chainID uint64) *Engine {
	return &Engine{
		identity: identity,
		chainID:  chainID,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetStore configures the state backend used by the engine.
func (e *Engine) SetStore(store Storage) { e.store = store }

// SetRoles configures the role directory consulted for authorization.
func (e *Engine) SetRoles(roles RoleView) { e.roles = roles }

// SetToken configures the synthetic token collaborator.
func (e *Engine) SetToken(token SyntheticToken) { e.token = token }

// SetBank configures the underlying asset bank.
func (e *Engine) SetBank(bank AssetBank) { e.bank = bank }

// SetCoordinator configures the money-flow coordinator collaborator.
func (e *Engine) SetCoordinator(c Coordinator) { e.coordinator = c }

// SetEmitter configures the event emitter. Passing nil resets to no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Identity returns the address the engine escrows synthetic tokens under.
func (e *Engine) Identity() [20]byte { return e.identity }

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

// acquire takes the exclusive mutation token. Every mutating entry point
// wraps itself in acquire/release so settlement reads never observe an
// intermediate state.
func (e *Engine) acquire() error {
	if e.busy {
		return ErrReentrant
	}
	e.busy = true
	return nil
}

func (e *Engine) release() { e.busy = false }

func (e *Engine) guard() error {
	if e == nil || e.store == nil {
		return errNilState
	}
	if e.roles == nil {
		return errNilState
	}
	return registry.Guard(e.roles)
}

// --- storage helpers ---

func batchKey(id [32]byte) []byte {
	return append(append([]byte(nil), batchPrefix...), id[:]...)
}

func currentKey(asset [20]byte) []byte {
	return append(append([]byte(nil), currentPrefix...), asset[:]...)
}

func batchSeqKey(asset [20]byte) []byte {
	return append(append([]byte(nil), batchSeqPrefix...), asset[:]...)
}

func requestKey(id [32]byte) []byte {
	return append(append([]byte(nil), requestPrefix...), id[:]...)
}

func pendingKey(owner [20]byte) []byte {
	return append(append([]byte(nil), pendingPrefix...), owner[:]...)
}

func lockedKey(asset [20]byte) []byte {
	return append(append([]byte(nil), lockedPrefix...), asset[:]...)
}

func (e *Engine) loadBatch(id [32]byte) (*Batch, error) {
	var stored storedBatch
	ok, err := e.store.KVGet(batchKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBatchNotFound
	}
	return batchFromStored(&stored)
}

func (e *Engine) storeBatch(batch *Batch) error {
	return e.store.KVPut(batchKey(batch.ID), batchToStored(batch))
}

func (e *Engine) loadRequest(id [32]byte) (*RedemptionRequest, error) {
	var stored storedRequest
	ok, err := e.store.KVGet(requestKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRequestNotFound
	}
	return requestFromStored(&stored)
}

func (e *Engine) storeRequest(req *RedemptionRequest) error {
	return e.store.KVPut(requestKey(req.ID), requestToStored(req))
}

func (e *Engine) nextSeq(key []byte) (uint64, error) {
	var seq uint64
	if _, err := e.store.KVGet(key, &seq); err != nil {
		return 0, err
	}
	seq++
	if err := e.store.KVPut(key, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (e *Engine) lockedAmount(asset [20]byte) (*big.Int, error) {
	var raw string
	ok, err := e.store.KVGet(lockedKey(asset), &raw)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return big.NewInt(0), nil
	}
	amount, parsed := new(big.Int).SetString(raw, 10)
	if !parsed {
		return nil, fmt.Errorf("minter: corrupt locked amount %q", raw)
	}
	return amount, nil
}

func (e *Engine) adjustLocked(asset [20]byte, delta *big.Int) error {
	locked, err := e.lockedAmount(asset)
	if err != nil {
		return err
	}
	locked.Add(locked, delta)
	if locked.Sign() < 0 {
		return fmt.Errorf("minter: locked accounting underflow")
	}
	return e.store.KVPut(lockedKey(asset), locked.String())
}

func (e *Engine) pendingIndex(owner [20]byte) (*storedPendingIndex, error) {
	var index storedPendingIndex
	if _, err := e.store.KVGet(pendingKey(owner), &index); err != nil {
		return nil, err
	}
	return &index, nil
}

func (e *Engine) addPending(owner [20]byte, id [32]byte) error {
	index, err := e.pendingIndex(owner)
	if err != nil {
		return err
	}
	index.IDs = append(index.IDs, id)
	return e.store.KVPut(pendingKey(owner), index)
}

// removePending drops the request from the owner's pending index. A missing
// entry fails so a request can never be claimed or cancelled twice.
func (e *Engine) removePending(owner [20]byte, id [32]byte) error {
	index, err := e.pendingIndex(owner)
	if err != nil {
		return err
	}
	for i, pending := range index.IDs {
		if pending == id {
			index.IDs = append(index.IDs[:i], index.IDs[i+1:]...)
			return e.store.KVPut(pendingKey(owner), index)
		}
	}
	return ErrRequestNotFound
}

// PendingRequests lists the owner's outstanding redemption request ids.
func (e *Engine) PendingRequests(owner [20]byte) ([][32]byte, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	index, err := e.pendingIndex(owner)
	if err != nil {
		return nil, err
	}
	return append([][32]byte(nil), index.IDs...), nil
}

// --- batch lifecycle ---

func (e *Engine) newBatchID(asset [20]byte, seq uint64) [32]byte {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[:8], seq)
	binary.BigEndian.PutUint64(buf[8:16], e.chainID)
	now := e.now()
	if now > 0 {
		binary.BigEndian.PutUint64(buf[16:], uint64(now))
	}
	return ethcrypto.Keccak256Hash(e.identity[:], buf[:], asset[:])
}

func (e *Engine) createBatchLocked(asset [20]byte) (*Batch, error) {
	seq, err := e.nextSeq(batchSeqKey(asset))
	if err != nil {
		return nil, err
	}
	batch := &Batch{
		ID:        e.newBatchID(asset, seq),
		Asset:     asset,
		CreatedAt: e.now(),
		Minted:    big.NewInt(0),
		Burned:    big.NewInt(0),
	}
	if err := e.storeBatch(batch); err != nil {
		return nil, err
	}
	if err := e.store.KVPut(currentKey(asset), batch.ID); err != nil {
		return nil, err
	}
	e.emit(NewBatchCreatedEvent(batch))
	return batch, nil
}

// CreateBatch opens a new accounting period for the asset and makes it
// current. Restricted to relayers, which cover the scheduler and the asset
// onboarding flow.
func (e *Engine) CreateBatch(caller, asset [20]byte) (*Batch, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()
	if !e.roles.IsRelayer(caller) {
		return nil, ErrUnauthorized
	}
	if !e.roles.IsAsset(asset) {
		return nil, ErrUnknownAsset
	}
	batch, err := e.createBatchLocked(asset)
	if err != nil {
		return nil, err
	}
	return batch.Copy(), nil
}

// CurrentBatch resolves the current batch for the asset, if any.
func (e *Engine) CurrentBatch(asset [20]byte) (*Batch, bool, error) {
	if e == nil || e.store == nil {
		return nil, false, errNilState
	}
	var id [32]byte
	ok, err := e.store.KVGet(currentKey(asset), &id)
	if err != nil || !ok {
		return nil, false, err
	}
	batch, err := e.loadBatch(id)
	if err != nil {
		return nil, false, err
	}
	return batch, true, nil
}

func (e *Engine) currentOpenBatch(asset [20]byte, autoCreate bool) (*Batch, error) {
	batch, ok, err := e.CurrentBatch(asset)
	if err != nil {
		return nil, err
	}
	if ok && !batch.Closed {
		return batch, nil
	}
	if !autoCreate {
		return nil, ErrNoCurrentBatch
	}
	return e.createBatchLocked(asset)
}

// Batch retrieves a batch by id.
func (e *Engine) Batch(id [32]byte) (*Batch, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	batch, err := e.loadBatch(id)
	if err != nil {
		return nil, err
	}
	return batch.Copy(), nil
}

// BatchReceiver resolves the batch's claim-distribution address, deriving and
// persisting it on first use.
func (e *Engine) BatchReceiver(id [32]byte) ([20]byte, error) {
	if e == nil || e.store == nil {
		return [20]byte{}, errNilState
	}
	batch, err := e.loadBatch(id)
	if err != nil {
		return [20]byte{}, err
	}
	if batch.Receiver != ([20]byte{}) {
		return batch.Receiver, nil
	}
	hash := ethcrypto.Keccak256(append([]byte("kam/batch-receiver/"), id[:]...))
	copy(batch.Receiver[:], hash[12:])
	if err := e.storeBatch(batch); err != nil {
		return [20]byte{}, err
	}
	return batch.Receiver, nil
}

// Mint issues synthetic tokens 1:1 against an institutional deposit and
// forwards the deposited asset to the coordinator for custody routing. This
// is the fast path: no cooldown, no netting.
func (e *Engine) Mint(caller, asset, to [20]byte, amount *big.Int) (retErr error) {
	defer func() {
		outcome := "ok"
		if retErr != nil {
			outcome = "error"
		}
		observability.Gateway().RecordMint(assetLabel(asset), outcome)
	}()
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	if e.token == nil || e.coordinator == nil {
		return errNilState
	}
	if !e.roles.IsInstitution(caller) {
		return ErrUnauthorized
	}
	if !e.roles.IsAsset(asset) {
		return ErrUnknownAsset
	}
	if to == ([20]byte{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	batch, err := e.currentOpenBatch(asset, true)
	if err != nil {
		return err
	}
	mintCap, _, err := e.roles.AssetCaps(asset)
	if err != nil {
		return err
	}
	minted := new(big.Int).Add(batch.Minted, amount)
	if mintCap != nil && minted.Cmp(mintCap) > 0 {
		return ErrMintCapExceeded
	}
	if err := e.coordinator.RouteDeposit(asset, caller, batch.ID, amount); err != nil {
		return err
	}
	if err := e.token.Mint(to, amount); err != nil {
		return err
	}
	batch.Minted = minted
	if err := e.storeBatch(batch); err != nil {
		return err
	}
	e.emit(NewMintedEvent(batch, to, amount))
	return nil
}

// RequestBurn escrows the caller's synthetic tokens and registers a pull
// request for the batch. Tokens are not burned yet so the request can still
// be cancelled while the batch is open.
func (e *Engine) RequestBurn(caller, asset, recipient [20]byte, amount *big.Int) (_ *RedemptionRequest, retErr error) {
	defer func() {
		stage := "requested"
		if retErr != nil {
			stage = "request_error"
		}
		observability.Gateway().RecordRedeem(assetLabel(asset), stage)
	}()
	if err := e.guard(); err != nil {
		return nil, err
	}
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()
	if e.token == nil || e.coordinator == nil {
		return nil, errNilState
	}
	if !e.roles.IsInstitution(caller) {
		return nil, ErrUnauthorized
	}
	if !e.roles.IsAsset(asset) {
		return nil, ErrUnknownAsset
	}
	if recipient == ([20]byte{}) {
		return nil, ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	batch, err := e.currentOpenBatch(asset, false)
	if err != nil {
		return nil, err
	}
	_, redeemCap, err := e.roles.AssetCaps(asset)
	if err != nil {
		return nil, err
	}
	burned := new(big.Int).Add(batch.Burned, amount)
	if redeemCap != nil && burned.Cmp(redeemCap) > 0 {
		return nil, ErrRedeemCapExceeded
	}
	seq, err := e.nextSeq(requestSeqKey)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], seq)
	if now > 0 {
		binary.BigEndian.PutUint64(buf[8:], uint64(now))
	}
	req := &RedemptionRequest{
		ID:        ethcrypto.Keccak256Hash(recipient[:], amount.Bytes(), buf[:]),
		Owner:     caller,
		Recipient: recipient,
		Asset:     asset,
		Amount:    new(big.Int).Set(amount),
		Batch:     batch.ID,
		CreatedAt: now,
		Status:    RequestStatusPending,
	}
	if err := e.token.Transfer(caller, e.identity, amount); err != nil {
		return nil, err
	}
	if err := e.adjustLocked(asset, amount); err != nil {
		return nil, err
	}
	if err := e.coordinator.RegisterPull(asset, batch.ID, amount); err != nil {
		return nil, err
	}
	batch.Burned = burned
	if err := e.storeBatch(batch); err != nil {
		return nil, err
	}
	if err := e.storeRequest(req); err != nil {
		return nil, err
	}
	if err := e.addPending(caller, req.ID); err != nil {
		return nil, err
	}
	e.emit(NewBurnRequestedEvent(req))
	return req.Copy(), nil
}

// Burn claims a settled redemption: it destroys the escrowed synthetic
// tokens and pulls the underlying asset from the batch's claim address to the
// recipient. Fails before the batch settles because the claim address holds
// no funds yet.
func (e *Engine) Burn(caller [20]byte, requestID [32]byte) (retErr error) {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	if e.token == nil || e.bank == nil {
		return errNilState
	}
	if !e.roles.IsInstitution(caller) {
		return ErrUnauthorized
	}
	req, err := e.loadRequest(requestID)
	if err != nil {
		return err
	}
	if req.Owner != caller {
		return ErrUnauthorized
	}
	if req.Status != RequestStatusPending {
		// A claimed or cancelled request no longer exists as far as the
		// claim path is concerned.
		return ErrRequestNotFound
	}
	batch, err := e.loadBatch(req.Batch)
	if err != nil {
		return err
	}
	if !batch.Settled {
		return ErrBatchNotSettled
	}
	receiver, err := e.BatchReceiver(req.Batch)
	if err != nil {
		return err
	}
	if err := e.removePending(caller, requestID); err != nil {
		return err
	}
	req.Status = RequestStatusRedeemed
	if err := e.storeRequest(req); err != nil {
		return err
	}
	if err := e.adjustLocked(req.Asset, new(big.Int).Neg(req.Amount)); err != nil {
		return err
	}
	if err := e.token.Burn(e.identity, req.Amount); err != nil {
		return err
	}
	if err := e.bank.Transfer(req.Asset, receiver, req.Recipient, req.Amount); err != nil {
		return err
	}
	observability.Gateway().RecordRedeem(assetLabel(req.Asset), "claimed")
	e.emit(NewBurnedEvent(req))
	return nil
}

// CancelRequest withdraws a pending redemption while its batch is still open,
// returning the escrowed synthetic tokens and rolling back the batch's burn
// counter.
func (e *Engine) CancelRequest(caller [20]byte, requestID [32]byte) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	if e.token == nil || e.coordinator == nil {
		return errNilState
	}
	req, err := e.loadRequest(requestID)
	if err != nil {
		return err
	}
	if req.Owner != caller {
		return ErrUnauthorized
	}
	if req.Status != RequestStatusPending {
		return ErrRequestNotPending
	}
	batch, err := e.loadBatch(req.Batch)
	if err != nil {
		return err
	}
	if batch.Closed || batch.Settled {
		return ErrBatchClosed
	}
	if err := e.removePending(caller, requestID); err != nil {
		return err
	}
	req.Status = RequestStatusCancelled
	if err := e.storeRequest(req); err != nil {
		return err
	}
	if err := e.token.Transfer(e.identity, req.Owner, req.Amount); err != nil {
		return err
	}
	if err := e.adjustLocked(req.Asset, new(big.Int).Neg(req.Amount)); err != nil {
		return err
	}
	if err := e.coordinator.ReversePull(req.Asset, req.Batch, req.Amount); err != nil {
		return err
	}
	batch.Burned = new(big.Int).Sub(batch.Burned, req.Amount)
	if batch.Burned.Sign() < 0 {
		return fmt.Errorf("minter: burn counter underflow")
	}
	if err := e.storeBatch(batch); err != nil {
		return err
	}
	observability.Gateway().RecordRedeem(assetLabel(req.Asset), "cancelled")
	e.emit(NewRequestCancelledEvent(req))
	return nil
}

// CloseBatch freezes the batch's counters and optionally opens a successor
// for the same asset. Relayer only.
func (e *Engine) CloseBatch(caller [20]byte, id [32]byte, createNext bool) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	if !e.roles.IsRelayer(caller) {
		return ErrUnauthorized
	}
	batch, err := e.loadBatch(id)
	if err != nil {
		return err
	}
	if batch.Closed {
		return ErrBatchClosed
	}
	batch.Closed = true
	if err := e.storeBatch(batch); err != nil {
		return err
	}
	e.emit(NewBatchClosedEvent(batch))
	if createNext {
		if _, err := e.createBatchLocked(batch.Asset); err != nil {
			return err
		}
	}
	return nil
}

// SettleBatch marks the batch settled, enabling claim-address pulls. The
// settlement coordinator is the only component holding a reference to this
// entry point; it invokes it exactly once per batch at the end of execution.
func (e *Engine) SettleBatch(id [32]byte) error {
	if e == nil || e.store == nil {
		return errNilState
	}
	batch, err := e.loadBatch(id)
	if err != nil {
		return err
	}
	if !batch.Closed {
		return ErrBatchNotClosed
	}
	if batch.Settled {
		return ErrBatchSettled
	}
	batch.Settled = true
	if err := e.storeBatch(batch); err != nil {
		return err
	}
	e.emit(NewBatchSettledEvent(batch))
	return nil
}

// Request retrieves a redemption request by id.
func (e *Engine) Request(id [32]byte) (*RedemptionRequest, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	req, err := e.loadRequest(id)
	if err != nil {
		return nil, err
	}
	return req.Copy(), nil
}

// LockedAmount reports the synthetic tokens currently escrowed for pending
// redemptions of the asset.
func (e *Engine) LockedAmount(asset [20]byte) (*big.Int, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	return e.lockedAmount(asset)
}

// --- stored record conversions ---

func batchToStored(batch *Batch) storedBatch {
	stored := storedBatch{
		ID:       batch.ID,
		Asset:    batch.Asset,
		Closed:   batch.Closed,
		Settled:  batch.Settled,
		Receiver: batch.Receiver,
	}
	if batch.CreatedAt > 0 {
		stored.CreatedAt = uint64(batch.CreatedAt)
	}
	if batch.Minted != nil {
		stored.Minted = batch.Minted.String()
	}
	if batch.Burned != nil {
		stored.Burned = batch.Burned.String()
	}
	return stored
}

func batchFromStored(stored *storedBatch) (*Batch, error) {
	if stored.CreatedAt > math.MaxInt64 {
		return nil, fmt.Errorf("minter: created at overflow")
	}
	batch := &Batch{
		ID:        stored.ID,
		Asset:     stored.Asset,
		CreatedAt: int64(stored.CreatedAt),
		Closed:    stored.Closed,
		Settled:   stored.Settled,
		Receiver:  stored.Receiver,
	}
	var err error
	if batch.Minted, err = parseStoredAmount(stored.Minted); err != nil {
		return nil, fmt.Errorf("minter: minted counter: %w", err)
	}
	if batch.Burned, err = parseStoredAmount(stored.Burned); err != nil {
		return nil, fmt.Errorf("minter: burned counter: %w", err)
	}
	return batch, nil
}

func requestToStored(req *RedemptionRequest) storedRequest {
	stored := storedRequest{
		ID:        req.ID,
		Owner:     req.Owner,
		Recipient: req.Recipient,
		Asset:     req.Asset,
		Batch:     req.Batch,
		Status:    string(req.Status),
	}
	if req.Amount != nil {
		stored.Amount = req.Amount.String()
	}
	if req.CreatedAt > 0 {
		stored.CreatedAt = uint64(req.CreatedAt)
	}
	return stored
}

func requestFromStored(stored *storedRequest) (*RedemptionRequest, error) {
	if stored.CreatedAt > math.MaxInt64 {
		return nil, fmt.Errorf("minter: created at overflow")
	}
	amount, err := parseStoredAmount(stored.Amount)
	if err != nil {
		return nil, fmt.Errorf("minter: request amount: %w", err)
	}
	return &RedemptionRequest{
		ID:        stored.ID,
		Owner:     stored.Owner,
		Recipient: stored.Recipient,
		Asset:     stored.Asset,
		Amount:    amount,
		Batch:     stored.Batch,
		CreatedAt: int64(stored.CreatedAt),
		Status:    RequestStatus(stored.Status),
	}, nil
}

func parseStoredAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func assetLabel(asset [20]byte) string {
	return fmt.Sprintf("%x", asset[:4])
}
