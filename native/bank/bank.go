package bank

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrInsufficientBalance indicates a debit larger than the account holds.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrInvalidAmount indicates a nil or non-positive amount.
	ErrInvalidAmount = errors.New("bank: amount must be positive")

	errNotInitialised = errors.New("bank: not initialised")
)

// Storage abstracts the key-value surface backing the balance books.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	tokenBalancePrefix = []byte("bank/token/balance/")
	tokenSupplyKey     = []byte("bank/token/supply")
	assetBalancePrefix = []byte("bank/asset/")
)

// Token is the synthetic token's mint/burn/transfer book. Supply changes only
// through Mint and Burn, which is what keeps the 1:1 backing auditable.
type Token struct {
	store Storage
}

// NewToken constructs a token book bound to the provided storage backend.
func NewToken(store Storage) *Token {
	return &Token{store: store}
}

func tokenBalanceKey(addr [20]byte) []byte {
	return append(append([]byte(nil), tokenBalancePrefix...), addr[:]...)
}

func (t *Token) amount(key []byte) (*big.Int, error) {
	var raw string
	ok, err := t.store.KVGet(key, &raw)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return big.NewInt(0), nil
	}
	value, parsed := new(big.Int).SetString(raw, 10)
	if !parsed {
		return nil, fmt.Errorf("bank: corrupt amount %q", raw)
	}
	return value, nil
}

func (t *Token) putAmount(key []byte, value *big.Int) error {
	return t.store.KVPut(key, value.String())
}

func validate(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Mint credits newly issued tokens to the account and grows total supply.
func (t *Token) Mint(to [20]byte, amount *big.Int) error {
	if t == nil || t.store == nil {
		return errNotInitialised
	}
	if err := validate(amount); err != nil {
		return err
	}
	balance, err := t.amount(tokenBalanceKey(to))
	if err != nil {
		return err
	}
	if err := t.putAmount(tokenBalanceKey(to), balance.Add(balance, amount)); err != nil {
		return err
	}
	supply, err := t.amount(tokenSupplyKey)
	if err != nil {
		return err
	}
	return t.putAmount(tokenSupplyKey, supply.Add(supply, amount))
}

// Burn destroys tokens held by the account and shrinks total supply.
func (t *Token) Burn(from [20]byte, amount *big.Int) error {
	if t == nil || t.store == nil {
		return errNotInitialised
	}
	if err := validate(amount); err != nil {
		return err
	}
	balance, err := t.amount(tokenBalanceKey(from))
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := t.putAmount(tokenBalanceKey(from), balance.Sub(balance, amount)); err != nil {
		return err
	}
	supply, err := t.amount(tokenSupplyKey)
	if err != nil {
		return err
	}
	supply.Sub(supply, amount)
	if supply.Sign() < 0 {
		return fmt.Errorf("bank: supply underflow")
	}
	return t.putAmount(tokenSupplyKey, supply)
}

// Transfer moves tokens between accounts without changing supply.
func (t *Token) Transfer(from, to [20]byte, amount *big.Int) error {
	if t == nil || t.store == nil {
		return errNotInitialised
	}
	if err := validate(amount); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	fromBalance, err := t.amount(tokenBalanceKey(from))
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := t.putAmount(tokenBalanceKey(from), fromBalance.Sub(fromBalance, amount)); err != nil {
		return err
	}
	toBalance, err := t.amount(tokenBalanceKey(to))
	if err != nil {
		return err
	}
	return t.putAmount(tokenBalanceKey(to), toBalance.Add(toBalance, amount))
}

// BalanceOf reports the account's token balance.
func (t *Token) BalanceOf(addr [20]byte) (*big.Int, error) {
	if t == nil || t.store == nil {
		return nil, errNotInitialised
	}
	return t.amount(tokenBalanceKey(addr))
}

// TotalSupply reports the outstanding token supply.
func (t *Token) TotalSupply() (*big.Int, error) {
	if t == nil || t.store == nil {
		return nil, errNotInitialised
	}
	return t.amount(tokenSupplyKey)
}

// Bank is the per-asset balance book for underlying assets held in custody
// accounts, claim addresses, and institution wallets.
type Bank struct {
	store Storage
}

// NewBank constructs an asset bank bound to the provided storage backend.
func NewBank(store Storage) *Bank {
	return &Bank{store: store}
}

func assetBalanceKey(asset, addr [20]byte) []byte {
	key := make([]byte, 0, len(assetBalancePrefix)+len(asset)+len(addr))
	key = append(key, assetBalancePrefix...)
	key = append(key, asset[:]...)
	key = append(key, addr[:]...)
	return key
}

func (b *Bank) amount(key []byte) (*big.Int, error) {
	var raw string
	ok, err := b.store.KVGet(key, &raw)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return big.NewInt(0), nil
	}
	value, parsed := new(big.Int).SetString(raw, 10)
	if !parsed {
		return nil, fmt.Errorf("bank: corrupt amount %q", raw)
	}
	return value, nil
}

// Credit deposits underlying assets into the account. Used when external
// custody confirmations land funds in the system.
func (b *Bank) Credit(asset [20]byte, to [20]byte, amount *big.Int) error {
	if b == nil || b.store == nil {
		return errNotInitialised
	}
	if err := validate(amount); err != nil {
		return err
	}
	key := assetBalanceKey(asset, to)
	balance, err := b.amount(key)
	if err != nil {
		return err
	}
	return b.store.KVPut(key, balance.Add(balance, amount).String())
}

// Transfer moves underlying assets between accounts.
func (b *Bank) Transfer(asset [20]byte, from, to [20]byte, amount *big.Int) error {
	if b == nil || b.store == nil {
		return errNotInitialised
	}
	if err := validate(amount); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	fromKey := assetBalanceKey(asset, from)
	fromBalance, err := b.amount(fromKey)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := b.store.KVPut(fromKey, fromBalance.Sub(fromBalance, amount).String()); err != nil {
		return err
	}
	toKey := assetBalanceKey(asset, to)
	toBalance, err := b.amount(toKey)
	if err != nil {
		return err
	}
	return b.store.KVPut(toKey, toBalance.Add(toBalance, amount).String())
}

// BalanceOf reports the account's balance in the given asset.
func (b *Bank) BalanceOf(asset [20]byte, addr [20]byte) (*big.Int, error) {
	if b == nil || b.store == nil {
		return nil, errNotInitialised
	}
	return b.amount(assetBalanceKey(asset, addr))
}
