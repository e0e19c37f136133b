package minter

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"kam/core/events"
	"kam/native/registry"
	"kam/storage"
)

type mockRoles struct {
	institutions map[[20]byte]bool
	relayers     map[[20]byte]bool
	assets       map[[20]byte]bool
	mintCaps     map[[20]byte]*big.Int
	redeemCaps   map[[20]byte]*big.Int
	paused       bool
}

func newMockRoles() *mockRoles {
	return &mockRoles{
		institutions: make(map[[20]byte]bool),
		relayers:     make(map[[20]byte]bool),
		assets:       make(map[[20]byte]bool),
		mintCaps:     make(map[[20]byte]*big.Int),
		redeemCaps:   make(map[[20]byte]*big.Int),
	}
}

func (m *mockRoles) IsInstitution(addr [20]byte) bool { return m.institutions[addr] }
func (m *mockRoles) IsRelayer(addr [20]byte) bool     { return m.relayers[addr] }
func (m *mockRoles) IsAsset(asset [20]byte) bool      { return m.assets[asset] }
func (m *mockRoles) IsGlobalPaused() bool             { return m.paused }

func (m *mockRoles) AssetCaps(asset [20]byte) (*big.Int, *big.Int, error) {
	return m.mintCaps[asset], m.redeemCaps[asset], nil
}

type mockToken struct {
	balances map[[20]byte]*big.Int
	supply   *big.Int
}

func newMockToken() *mockToken {
	return &mockToken{balances: make(map[[20]byte]*big.Int), supply: big.NewInt(0)}
}

func (m *mockToken) balance(addr [20]byte) *big.Int {
	if bal, ok := m.balances[addr]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (m *mockToken) Mint(to [20]byte, amount *big.Int) error {
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
	m.supply = new(big.Int).Add(m.supply, amount)
	return nil
}

func (m *mockToken) Burn(from [20]byte, amount *big.Int) error {
	bal := m.balance(from)
	if bal.Cmp(amount) < 0 {
		return errors.New("token: insufficient balance")
	}
	m.balances[from] = new(big.Int).Sub(bal, amount)
	m.supply = new(big.Int).Sub(m.supply, amount)
	return nil
}

func (m *mockToken) Transfer(from, to [20]byte, amount *big.Int) error {
	bal := m.balance(from)
	if bal.Cmp(amount) < 0 {
		return errors.New("token: insufficient balance")
	}
	m.balances[from] = new(big.Int).Sub(bal, amount)
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
	return nil
}

type bankTransfer struct {
	asset  [20]byte
	from   [20]byte
	to     [20]byte
	amount *big.Int
}

type mockBank struct {
	transfers []bankTransfer
}

func (m *mockBank) Transfer(asset [20]byte, from, to [20]byte, amount *big.Int) error {
	m.transfers = append(m.transfers, bankTransfer{asset: asset, from: from, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

type mockCoordinator struct {
	deposits []bankTransfer
	pulls    *big.Int
	reversed *big.Int
}

func newMockCoordinator() *mockCoordinator {
	return &mockCoordinator{pulls: big.NewInt(0), reversed: big.NewInt(0)}
}

func (m *mockCoordinator) RouteDeposit(asset [20]byte, from [20]byte, batch [32]byte, amount *big.Int) error {
	m.deposits = append(m.deposits, bankTransfer{asset: asset, from: from, amount: new(big.Int).Set(amount)})
	return nil
}

func (m *mockCoordinator) RegisterPull(asset [20]byte, batch [32]byte, amount *big.Int) error {
	m.pulls = new(big.Int).Add(m.pulls, amount)
	return nil
}

func (m *mockCoordinator) ReversePull(asset [20]byte, batch [32]byte, amount *big.Int) error {
	m.reversed = new(big.Int).Add(m.reversed, amount)
	return nil
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type fixture struct {
	engine      *Engine
	roles       *mockRoles
	token       *mockToken
	bank        *mockBank
	coordinator *mockCoordinator
	asset       [20]byte
	institution [20]byte
	relayer     [20]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		roles:       newMockRoles(),
		token:       newMockToken(),
		bank:        &mockBank{},
		coordinator: newMockCoordinator(),
		asset:       testAddr(0xA1),
		institution: testAddr(0x11),
		relayer:     testAddr(0x22),
	}
	f.roles.institutions[f.institution] = true
	f.roles.relayers[f.relayer] = true
	f.roles.assets[f.asset] = true
	engine := NewEngine(testAddr(0xEE), 7)
	engine.SetStore(storage.NewKVStore(storage.NewMemDB()))
	engine.SetRoles(f.roles)
	engine.SetToken(f.token)
	engine.SetBank(f.bank)
	engine.SetCoordinator(f.coordinator)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	f.engine = engine
	return f
}

func TestMintIssuesImmediately(t *testing.T) {
	f := newFixture(t)
	recipient := testAddr(0x33)
	if err := f.engine.Mint(f.institution, f.asset, recipient, big.NewInt(250)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := f.token.balance(recipient); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("recipient balance = %s, want 250", got)
	}
	if len(f.coordinator.deposits) != 1 {
		t.Fatalf("expected deposit routed to coordinator, got %d", len(f.coordinator.deposits))
	}
	batch, ok, err := f.engine.CurrentBatch(f.asset)
	if err != nil || !ok {
		t.Fatalf("current batch: ok=%v err=%v", ok, err)
	}
	if batch.Minted.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("minted counter = %s, want 250", batch.Minted)
	}
}

func TestMintRejectsUnauthorized(t *testing.T) {
	f := newFixture(t)
	outsider := testAddr(0x99)
	if err := f.engine.Mint(outsider, f.asset, outsider, big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMintCapEnforcement(t *testing.T) {
	f := newFixture(t)
	f.roles.mintCaps[f.asset] = big.NewInt(1000)
	to := testAddr(0x33)
	if err := f.engine.Mint(f.institution, f.asset, to, big.NewInt(600)); err != nil {
		t.Fatalf("mint 600: %v", err)
	}
	if err := f.engine.Mint(f.institution, f.asset, to, big.NewInt(500)); !errors.Is(err, ErrMintCapExceeded) {
		t.Fatalf("mint 500 should exceed cap, got %v", err)
	}
	if err := f.engine.Mint(f.institution, f.asset, to, big.NewInt(400)); err != nil {
		t.Fatalf("mint 400: %v", err)
	}
	if err := f.engine.Mint(f.institution, f.asset, to, big.NewInt(1)); !errors.Is(err, ErrMintCapExceeded) {
		t.Fatalf("mint 1 should exceed cap, got %v", err)
	}
	batch, _, err := f.engine.CurrentBatch(f.asset)
	if err != nil {
		t.Fatalf("current batch: %v", err)
	}
	if batch.Minted.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("minted counter = %s, want 1000", batch.Minted)
	}
}

func TestRequestBurnRequiresCurrentBatch(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.RequestBurn(f.institution, f.asset, f.institution, big.NewInt(10)); !errors.Is(err, ErrNoCurrentBatch) {
		t.Fatalf("expected ErrNoCurrentBatch, got %v", err)
	}
}

func TestRequestBurnEscrowsTokens(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Mint(f.institution, f.asset, f.institution, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	req, err := f.engine.RequestBurn(f.institution, f.asset, f.institution, big.NewInt(200))
	if err != nil {
		t.Fatalf("request burn: %v", err)
	}
	if req.Status != RequestStatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if got := f.token.balance(f.institution); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("owner balance = %s, want 300", got)
	}
	if got := f.token.balance(f.engine.Identity()); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("escrow balance = %s, want 200", got)
	}
	locked, err := f.engine.LockedAmount(f.asset)
	if err != nil || locked.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("locked = %v err=%v, want 200", locked, err)
	}
	if f.coordinator.pulls.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("registered pulls = %s, want 200", f.coordinator.pulls)
	}
}

func TestCancelRequestReturnsEscrow(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Mint(f.institution, f.asset, f.institution, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	req, err := f.engine.RequestBurn(f.institution, f.asset, f.institution, big.NewInt(200))
	if err != nil {
		t.Fatalf("request burn: %v", err)
	}
	if err := f.engine.CancelRequest(f.institution, req.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.token.balance(f.institution); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("owner balance = %s, want full 500 back", got)
	}
	batch, _, err := f.engine.CurrentBatch(f.asset)
	if err != nil {
		t.Fatalf("current batch: %v", err)
	}
	if batch.Burned.Sign() != 0 {
		t.Fatalf("burn counter = %s, want 0 after cancel", batch.Burned)
	}
	if f.coordinator.reversed.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("reversed pulls = %s, want 200", f.coordinator.reversed)
	}
	stored, err := f.engine.Request(req.ID)
	if err != nil {
		t.Fatalf("load request: %v", err)
	}
	if stored.Status != RequestStatusCancelled {
		t.Fatalf("status = %s, want cancelled", stored.Status)
	}
	// The request reached a terminal state, so a second cancel is rejected.
	if err := f.engine.CancelRequest(f.institution, req.ID); !errors.Is(err, ErrRequestNotPending) {
		t.Fatalf("second cancel should fail, got %v", err)
	}
}

func TestCancelRequestRejectedAfterClose(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Mint(f.institution, f.asset, f.institution, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	req, err := f.engine.RequestBurn(f.institution, f.asset, f.institution, big.NewInt(100))
	if err != nil {
		t.Fatalf("request burn: %v", err)
	}
	batch, _, err := f.engine.CurrentBatch(f.asset)
	if err != nil {
		t.Fatalf("current batch: %v", err)
	}
	if err := f.engine.CloseBatch(f.relayer, batch.ID, false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.engine.CancelRequest(f.institution, req.ID); !errors.Is(err, ErrBatchClosed) {
		t.Fatalf("cancel after close should fail, got %v", err)
	}
}

func TestBurnLifecycle(t *testing.T) {
	f := newFixture(t)
	recipient := testAddr(0x44)
	if err := f.engine.Mint(f.institution, f.asset, f.institution, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	req, err := f.engine.RequestBurn(f.institution, f.asset, recipient, big.NewInt(100))
	if err != nil {
		t.Fatalf("request burn: %v", err)
	}
	// Claim before settlement: the claim address holds nothing yet.
	if err := f.engine.Burn(f.institution, req.ID); !errors.Is(err, ErrBatchNotSettled) {
		t.Fatalf("burn before settle should fail, got %v", err)
	}
	if err := f.engine.CloseBatch(f.relayer, req.Batch, true); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.engine.SettleBatch(req.Batch); err != nil {
		t.Fatalf("settle: %v", err)
	}
	supplyBefore := new(big.Int).Set(f.token.supply)
	if err := f.engine.Burn(f.institution, req.ID); err != nil {
		t.Fatalf("burn: %v", err)
	}
	wantSupply := new(big.Int).Sub(supplyBefore, big.NewInt(100))
	if f.token.supply.Cmp(wantSupply) != 0 {
		t.Fatalf("supply = %s, want %s", f.token.supply, wantSupply)
	}
	receiver, err := f.engine.BatchReceiver(req.Batch)
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	found := false
	for _, transfer := range f.bank.transfers {
		if transfer.from == receiver && transfer.to == recipient && transfer.amount.Cmp(big.NewInt(100)) == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected claim transfer from receiver to recipient")
	}
	// The request is already redeemed, so a second claim reads as not found.
	if err := f.engine.Burn(f.institution, req.ID); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("second burn should fail, got %v", err)
	}
}

func TestCloseBatchTwiceFails(t *testing.T) {
	f := newFixture(t)
	batch, err := f.engine.CreateBatch(f.relayer, f.asset)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.CloseBatch(f.relayer, batch.ID, false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.engine.CloseBatch(f.relayer, batch.ID, false); !errors.Is(err, ErrBatchClosed) {
		t.Fatalf("second close should fail, got %v", err)
	}
}

func TestCloseBatchCreatesSuccessor(t *testing.T) {
	f := newFixture(t)
	batch, err := f.engine.CreateBatch(f.relayer, f.asset)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.CloseBatch(f.relayer, batch.ID, true); err != nil {
		t.Fatalf("close: %v", err)
	}
	next, ok, err := f.engine.CurrentBatch(f.asset)
	if err != nil || !ok {
		t.Fatalf("successor batch: ok=%v err=%v", ok, err)
	}
	if next.ID == batch.ID {
		t.Fatalf("successor should have a fresh id")
	}
	if next.Closed {
		t.Fatalf("successor should be open")
	}
}

func TestSettleBatchStateMachine(t *testing.T) {
	f := newFixture(t)
	batch, err := f.engine.CreateBatch(f.relayer, f.asset)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.engine.SettleBatch(batch.ID); !errors.Is(err, ErrBatchNotClosed) {
		t.Fatalf("settle open batch should fail, got %v", err)
	}
	if err := f.engine.CloseBatch(f.relayer, batch.ID, false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.engine.SettleBatch(batch.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := f.engine.SettleBatch(batch.ID); !errors.Is(err, ErrBatchSettled) {
		t.Fatalf("second settle should fail, got %v", err)
	}
}

func TestBatchIDsUnique(t *testing.T) {
	f := newFixture(t)
	seen := make(map[[32]byte]bool)
	// The per-asset counter keeps ids unique even with a frozen clock.
	for i := 0; i < 5; i++ {
		batch, err := f.engine.CreateBatch(f.relayer, f.asset)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if seen[batch.ID] {
			t.Fatalf("duplicate batch id at iteration %d", i)
		}
		seen[batch.ID] = true
	}
}

func TestPausedRejectsMutations(t *testing.T) {
	f := newFixture(t)
	f.roles.paused = true
	if err := f.engine.Mint(f.institution, f.asset, f.institution, big.NewInt(1)); !errors.Is(err, registry.ErrPaused) {
		t.Fatalf("expected registry.ErrPaused, got %v", err)
	}
}

type reentrantEmitter struct {
	call func() error
	errs []error
}

func (r *reentrantEmitter) Emit(evt events.Event) {
	if r.call != nil {
		r.errs = append(r.errs, r.call())
	}
}

func TestMintRejectsReentrantCalls(t *testing.T) {
	f := newFixture(t)
	emitter := &reentrantEmitter{}
	emitter.call = func() error {
		return f.engine.Mint(f.institution, f.asset, f.institution, big.NewInt(1))
	}
	f.engine.SetEmitter(emitter)
	if err := f.engine.Mint(f.institution, f.asset, f.institution, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(emitter.errs) == 0 {
		t.Fatalf("emitter never fired during mint")
	}
	for _, err := range emitter.errs {
		if !errors.Is(err, ErrReentrant) {
			t.Fatalf("nested mint should be rejected, got %v", err)
		}
	}
	// The nested rejections left no trace: only the outer mint counted.
	if got := f.token.balance(f.institution); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("balance = %s, want 10", got)
	}
}

func TestRedeemCapEnforcement(t *testing.T) {
	f := newFixture(t)
	f.roles.redeemCaps[f.asset] = big.NewInt(150)
	if err := f.engine.Mint(f.institution, f.asset, f.institution, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := f.engine.RequestBurn(f.institution, f.asset, f.institution, big.NewInt(100)); err != nil {
		t.Fatalf("request 100: %v", err)
	}
	if _, err := f.engine.RequestBurn(f.institution, f.asset, f.institution, big.NewInt(100)); !errors.Is(err, ErrRedeemCapExceeded) {
		t.Fatalf("request over cap should fail, got %v", err)
	}
}
