package ledger

import (
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"kam/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger(storage.NewKVStore(storage.NewMemDB()))
	base := time.Unix(1_700_000_000, 0)
	step := 0
	l.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})
	return l
}

func addr(fill byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = fill
	}
	return a
}

func batchID(fill byte) [32]byte {
	var b [32]byte
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestDepositAndRequestAccumulate(t *testing.T) {
	l := newTestLedger(t)
	account := addr(0x01)
	batch := batchID(0xAA)

	if err := l.Deposit(account, batch, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Deposit(account, batch, big.NewInt(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Request(account, batch, big.NewInt(30)); err != nil {
		t.Fatalf("request: %v", err)
	}

	balance, ok, err := l.Get(account, batch)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if balance.Deposited.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("deposited = %s, want 150", balance.Deposited)
	}
	if balance.Requested.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("requested = %s, want 30", balance.Requested)
	}
}

func TestReverseRequestUnderflow(t *testing.T) {
	l := newTestLedger(t)
	account := addr(0x01)
	batch := batchID(0xAA)
	if err := l.Request(account, batch, big.NewInt(40)); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := l.ReverseRequest(account, batch, big.NewInt(50)); !errors.Is(err, ErrRequestUnderflow) {
		t.Fatalf("expected ErrRequestUnderflow, got %v", err)
	}
	if err := l.ReverseRequest(account, batch, big.NewInt(40)); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	balance, _, err := l.Get(account, batch)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if balance.Requested.Sign() != 0 {
		t.Fatalf("requested = %s, want 0", balance.Requested)
	}
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	l := newTestLedger(t)
	account := addr(0x01)
	batch := batchID(0xAA)
	if err := l.Deposit(account, batch, big.NewInt(0)); err == nil {
		t.Fatalf("zero deposit should fail")
	}
	if err := l.Deposit(account, batch, big.NewInt(-5)); err == nil {
		t.Fatalf("negative deposit should fail")
	}
	if err := l.Request(account, batch, nil); err == nil {
		t.Fatalf("nil request should fail")
	}
}

func TestFlowsZeroWhenAbsent(t *testing.T) {
	l := newTestLedger(t)
	deposited, requested, err := l.Flows(addr(0x09), batchID(0x09))
	if err != nil {
		t.Fatalf("flows: %v", err)
	}
	if deposited.Sign() != 0 || requested.Sign() != 0 {
		t.Fatalf("flows = %s/%s, want 0/0", deposited, requested)
	}
}

func TestListChronological(t *testing.T) {
	l := newTestLedger(t)
	account := addr(0x01)
	first := batchID(0x01)
	second := batchID(0x02)
	if err := l.Deposit(account, first, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Deposit(account, second, big.NewInt(20)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Touching the first record again must not change its position.
	if err := l.Deposit(account, first, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	balances, err := l.List(account)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("len = %d, want 2", len(balances))
	}
	if balances[0].Batch != first || balances[1].Batch != second {
		t.Fatalf("records out of creation order")
	}
	if balances[0].Deposited.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("first deposited = %s, want 15", balances[0].Deposited)
	}
}

func TestExportCSV(t *testing.T) {
	l := newTestLedger(t)
	account := addr(0x01)
	if err := l.Deposit(account, batchID(0xAA), big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	encoded, count, err := l.ExportCSV(account)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want header plus one row", len(lines))
	}
	if lines[0] != strings.Join(BalanceCSVHeader, ",") {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], ",100,0,") {
		t.Fatalf("row = %q, want deposited 100 requested 0", lines[1])
	}
}
