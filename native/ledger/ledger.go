package ledger

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Storage abstracts the subset of key-value functionality required by the
// virtual balance ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

var (
	balancePrefix      = []byte("ledger/balance/")
	balanceIndexPrefix = []byte("ledger/balance/index/")
)

var (
	errNotInitialised = fmt.Errorf("ledger not initialised")
	// ErrRequestUnderflow indicates a reversal larger than the accumulated
	// requested amount, which would corrupt the netting math.
	ErrRequestUnderflow = fmt.Errorf("ledger: reversal exceeds requested balance")
)

// Balance captures the per-(account, batch) deposited and requested
// accumulators read during settlement. Records are retained forever for
// audit, never deleted.
type Balance struct {
	Account   [20]byte
	Batch     [32]byte
	Deposited *big.Int
	Requested *big.Int
	UpdatedAt int64
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (b *Balance) Copy() *Balance {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Deposited != nil {
		clone.Deposited = new(big.Int).Set(b.Deposited)
	}
	if b.Requested != nil {
		clone.Requested = new(big.Int).Set(b.Requested)
	}
	return &clone
}

type storedBalance struct {
	Version   uint32
	Account   [20]byte
	Batch     [32]byte
	Deposited string
	Requested string
	UpdatedAt uint64
}

type balanceIndexEntry struct {
	Batch     [32]byte
	CreatedAt uint64
}

// Ledger persists virtual balance records in the underlying key-value store.
type Ledger struct {
	store Storage
	clock func() time.Time
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store Storage) *Ledger {
	return &Ledger{store: store, clock: time.Now}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

func balanceKey(account [20]byte, batch [32]byte) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(account)+len(batch))
	buf = append(buf, balancePrefix...)
	buf = append(buf, account[:]...)
	buf = append(buf, batch[:]...)
	return buf
}

func indexKey(account [20]byte) []byte {
	return append(append([]byte(nil), balanceIndexPrefix...), account[:]...)
}

func (l *Ledger) load(account [20]byte, batch [32]byte) (*storedBalance, bool, error) {
	var stored storedBalance
	ok, err := l.store.KVGet(balanceKey(account, batch), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &stored, true, nil
}

func (l *Ledger) mutate(account [20]byte, batch [32]byte, fn func(deposited, requested *big.Int) error) error {
	if l == nil || l.store == nil {
		return errNotInitialised
	}
	stored, ok, err := l.load(account, batch)
	if err != nil {
		return err
	}
	fresh := !ok
	if fresh {
		stored = &storedBalance{Account: account, Batch: batch}
	}
	deposited, requested, err := decodeAmounts(stored)
	if err != nil {
		return err
	}
	if err := fn(deposited, requested); err != nil {
		return err
	}
	stored.Deposited = deposited.String()
	stored.Requested = requested.String()
	now := l.clock().UTC().Unix()
	if now > 0 {
		stored.UpdatedAt = uint64(now)
	}
	if err := l.store.KVPut(balanceKey(account, batch), stored); err != nil {
		return err
	}
	if fresh {
		entry := balanceIndexEntry{Batch: batch, CreatedAt: stored.UpdatedAt}
		encoded, err := rlp.EncodeToBytes(entry)
		if err != nil {
			return err
		}
		return l.store.KVAppend(indexKey(account), encoded)
	}
	return nil
}

// Deposit credits the deposited accumulator for the (account, batch) pair.
func (l *Ledger) Deposit(account [20]byte, batch [32]byte, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	return l.mutate(account, batch, func(deposited, requested *big.Int) error {
		deposited.Add(deposited, amount)
		return nil
	})
}

// Request credits the requested accumulator for the (account, batch) pair.
func (l *Ledger) Request(account [20]byte, batch [32]byte, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	return l.mutate(account, batch, func(deposited, requested *big.Int) error {
		requested.Add(requested, amount)
		return nil
	})
}

// ReverseRequest debits the requested accumulator when a pending pull request
// is cancelled. This is the only non-monotonic mutation the ledger allows.
func (l *Ledger) ReverseRequest(account [20]byte, batch [32]byte, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	return l.mutate(account, batch, func(deposited, requested *big.Int) error {
		if requested.Cmp(amount) < 0 {
			return ErrRequestUnderflow
		}
		requested.Sub(requested, amount)
		return nil
	})
}

// Get retrieves the balance record for the (account, batch) pair.
func (l *Ledger) Get(account [20]byte, batch [32]byte) (*Balance, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errNotInitialised
	}
	stored, ok, err := l.load(account, batch)
	if err != nil || !ok {
		return nil, false, err
	}
	balance, err := fromStored(stored)
	if err != nil {
		return nil, false, err
	}
	return balance, true, nil
}

// List returns all balance records for the account in chronological order.
func (l *Ledger) List(account [20]byte) ([]*Balance, error) {
	if l == nil || l.store == nil {
		return nil, errNotInitialised
	}
	var raw [][]byte
	if err := l.store.KVGetList(indexKey(account), &raw); err != nil {
		return nil, err
	}
	entries := make([]balanceIndexEntry, 0, len(raw))
	for _, encoded := range raw {
		if len(encoded) == 0 {
			continue
		}
		var entry balanceIndexEntry
		if err := rlp.DecodeBytes(encoded, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt == entries[j].CreatedAt {
			return string(entries[i].Batch[:]) < string(entries[j].Batch[:])
		}
		return entries[i].CreatedAt < entries[j].CreatedAt
	})
	balances := make([]*Balance, 0, len(entries))
	for _, entry := range entries {
		balance, ok, err := l.Get(account, entry.Batch)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		balances = append(balances, balance)
	}
	return balances, nil
}

// BalanceCSVHeader exposes the canonical CSV header for balance exports.
var BalanceCSVHeader = []string{"account", "batch", "deposited", "requested", "updatedAt"}

// ExportCSV renders the account's balance records as base64 CSV for audit
// tooling.
func (l *Ledger) ExportCSV(account [20]byte) (string, int, error) {
	balances, err := l.List(account)
	if err != nil {
		return "", 0, err
	}
	builder := &strings.Builder{}
	builder.WriteString(strings.Join(BalanceCSVHeader, ","))
	builder.WriteString("\n")
	for _, balance := range balances {
		row := []string{
			hex.EncodeToString(balance.Account[:]),
			hex.EncodeToString(balance.Batch[:]),
			amountToString(balance.Deposited),
			amountToString(balance.Requested),
			strconv.FormatInt(balance.UpdatedAt, 10),
		}
		builder.WriteString(strings.Join(row, ","))
		builder.WriteString("\n")
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(builder.String()))
	return encoded, len(balances), nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: amount must be positive")
	}
	return nil
}

func decodeAmounts(stored *storedBalance) (*big.Int, *big.Int, error) {
	deposited := big.NewInt(0)
	requested := big.NewInt(0)
	if trimmed := strings.TrimSpace(stored.Deposited); trimmed != "" {
		value, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			return nil, nil, fmt.Errorf("ledger: invalid deposited amount %q", stored.Deposited)
		}
		deposited = value
	}
	if trimmed := strings.TrimSpace(stored.Requested); trimmed != "" {
		value, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			return nil, nil, fmt.Errorf("ledger: invalid requested amount %q", stored.Requested)
		}
		requested = value
	}
	return deposited, requested, nil
}

func fromStored(stored *storedBalance) (*Balance, error) {
	deposited, requested, err := decodeAmounts(stored)
	if err != nil {
		return nil, err
	}
	if stored.UpdatedAt > math.MaxInt64 {
		return nil, fmt.Errorf("ledger: updated at overflow")
	}
	return &Balance{
		Account:   stored.Account,
		Batch:     stored.Batch,
		Deposited: deposited,
		Requested: requested,
		UpdatedAt: int64(stored.UpdatedAt),
	}, nil
}

func amountToString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// Flows returns the deposited and requested accumulators for the
// (account, batch) pair, zero-valued when no record exists.
func (l *Ledger) Flows(account [20]byte, batch [32]byte) (*big.Int, *big.Int, error) {
	balance, ok, err := l.Get(account, batch)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return big.NewInt(0), big.NewInt(0), nil
	}
	return balance.Deposited, balance.Requested, nil
}
