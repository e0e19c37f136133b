package registry

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Role identifies a flat permission within the protocol directory.
type Role string

const (
	// RoleAdmin may change protocol parameters and pause the system.
	RoleAdmin Role = "admin"
	// RoleGuardian may cancel pending settlement proposals.
	RoleGuardian Role = "guardian"
	// RoleRelayer may close batches and submit settlement proposals.
	RoleRelayer Role = "relayer"
	// RoleInstitution may mint and redeem through the immediate gateway.
	RoleInstitution Role = "institution"
)

var (
	ErrNotAuthorized  = errors.New("registry: caller not authorized")
	ErrUnknownAsset   = errors.New("registry: asset not registered")
	ErrUnknownVault   = errors.New("registry: vault not registered")
	ErrAlreadyExists  = errors.New("registry: already registered")
	ErrZeroAddress    = errors.New("registry: zero address")
	errNotInitialised = errors.New("registry: directory not initialised")
)

// Storage abstracts the key-value surface required by the directory.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	rolePrefix  = []byte("registry/role/")
	assetPrefix = []byte("registry/asset/")
	vaultPrefix = []byte("registry/vault/")
	pauseKey    = []byte("registry/paused")
)

type storedAssetInfo struct {
	Version   uint32
	Symbol    string
	MintCap   string
	RedeemCap string
}

type storedVaultInfo struct {
	Version uint32
	Asset   [20]byte
}

type storedRoleSet struct {
	Version uint32
	Members [][20]byte
}

// Directory is the concrete role, asset, and vault membership service the
// settlement engines consult for authorization decisions.
type Directory struct {
	store Storage
}

// NewDirectory constructs a directory bound to the provided storage backend.
func NewDirectory(store Storage) *Directory {
	return &Directory{store: store}
}

func roleKey(role Role) []byte {
	name := strings.ToLower(strings.TrimSpace(string(role)))
	return append(append([]byte(nil), rolePrefix...), name...)
}

func addrKey(prefix []byte, addr [20]byte) []byte {
	return append(append([]byte(nil), prefix...), addr[:]...)
}

// Grant adds the address to the role's membership set. Idempotent.
func (d *Directory) Grant(role Role, addr [20]byte) error {
	if d == nil || d.store == nil {
		return errNotInitialised
	}
	if addr == ([20]byte{}) {
		return ErrZeroAddress
	}
	key := roleKey(role)
	var set storedRoleSet
	if _, err := d.store.KVGet(key, &set); err != nil {
		return err
	}
	for _, member := range set.Members {
		if member == addr {
			return nil
		}
	}
	set.Members = append(set.Members, addr)
	return d.store.KVPut(key, set)
}

// Revoke removes the address from the role's membership set. Idempotent.
func (d *Directory) Revoke(role Role, addr [20]byte) error {
	if d == nil || d.store == nil {
		return errNotInitialised
	}
	key := roleKey(role)
	var set storedRoleSet
	ok, err := d.store.KVGet(key, &set)
	if err != nil || !ok {
		return err
	}
	filtered := set.Members[:0]
	for _, member := range set.Members {
		if member != addr {
			filtered = append(filtered, member)
		}
	}
	set.Members = filtered
	return d.store.KVPut(key, set)
}

func (d *Directory) hasRole(role Role, addr [20]byte) bool {
	if d == nil || d.store == nil || addr == ([20]byte{}) {
		return false
	}
	var set storedRoleSet
	ok, err := d.store.KVGet(roleKey(role), &set)
	if err != nil || !ok {
		return false
	}
	for _, member := range set.Members {
		if member == addr {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the address holds the admin role.
func (d *Directory) IsAdmin(addr [20]byte) bool { return d.hasRole(RoleAdmin, addr) }

// IsGuardian reports whether the address holds the guardian role.
func (d *Directory) IsGuardian(addr [20]byte) bool { return d.hasRole(RoleGuardian, addr) }

// IsRelayer reports whether the address holds the relayer role.
func (d *Directory) IsRelayer(addr [20]byte) bool { return d.hasRole(RoleRelayer, addr) }

// IsInstitution reports whether the address holds the institution role.
func (d *Directory) IsInstitution(addr [20]byte) bool { return d.hasRole(RoleInstitution, addr) }

// RegisterAsset onboards an underlying asset with its per-batch caps. A nil
// cap means unlimited.
func (d *Directory) RegisterAsset(caller, asset [20]byte, symbol string, mintCap, redeemCap *big.Int) error {
	if d == nil || d.store == nil {
		return errNotInitialised
	}
	if !d.IsAdmin(caller) {
		return ErrNotAuthorized
	}
	if asset == ([20]byte{}) {
		return ErrZeroAddress
	}
	key := addrKey(assetPrefix, asset)
	var existing storedAssetInfo
	ok, err := d.store.KVGet(key, &existing)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyExists
	}
	info := storedAssetInfo{Symbol: strings.ToUpper(strings.TrimSpace(symbol))}
	if mintCap != nil {
		if mintCap.Sign() < 0 {
			return fmt.Errorf("registry: mint cap must not be negative")
		}
		info.MintCap = mintCap.String()
	}
	if redeemCap != nil {
		if redeemCap.Sign() < 0 {
			return fmt.Errorf("registry: redeem cap must not be negative")
		}
		info.RedeemCap = redeemCap.String()
	}
	return d.store.KVPut(key, info)
}

// IsAsset reports whether the address is a registered underlying asset.
func (d *Directory) IsAsset(asset [20]byte) bool {
	if d == nil || d.store == nil {
		return false
	}
	ok, err := d.store.KVGet(addrKey(assetPrefix, asset), nil)
	return err == nil && ok
}

// AssetCaps resolves the registered per-batch caps for the asset. Nil caps
// mean unlimited.
func (d *Directory) AssetCaps(asset [20]byte) (mintCap, redeemCap *big.Int, err error) {
	if d == nil || d.store == nil {
		return nil, nil, errNotInitialised
	}
	var info storedAssetInfo
	ok, err := d.store.KVGet(addrKey(assetPrefix, asset), &info)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrUnknownAsset
	}
	if strings.TrimSpace(info.MintCap) != "" {
		mintCap, ok = new(big.Int).SetString(info.MintCap, 10)
		if !ok {
			return nil, nil, fmt.Errorf("registry: corrupt mint cap %q", info.MintCap)
		}
	}
	if strings.TrimSpace(info.RedeemCap) != "" {
		redeemCap, ok = new(big.Int).SetString(info.RedeemCap, 10)
		if !ok {
			return nil, nil, fmt.Errorf("registry: corrupt redeem cap %q", info.RedeemCap)
		}
	}
	return mintCap, redeemCap, nil
}

// RegisterVault onboards a yield vault for the given asset.
func (d *Directory) RegisterVault(caller, vault, asset [20]byte) error {
	if d == nil || d.store == nil {
		return errNotInitialised
	}
	if !d.IsAdmin(caller) {
		return ErrNotAuthorized
	}
	if vault == ([20]byte{}) || asset == ([20]byte{}) {
		return ErrZeroAddress
	}
	if !d.IsAsset(asset) {
		return ErrUnknownAsset
	}
	key := addrKey(vaultPrefix, vault)
	ok, err := d.store.KVGet(key, nil)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyExists
	}
	return d.store.KVPut(key, storedVaultInfo{Asset: asset})
}

// IsVault reports whether the address is a registered yield vault.
func (d *Directory) IsVault(vault [20]byte) bool {
	if d == nil || d.store == nil {
		return false
	}
	ok, err := d.store.KVGet(addrKey(vaultPrefix, vault), nil)
	return err == nil && ok
}

// VaultAsset resolves the underlying asset registered for the vault.
func (d *Directory) VaultAsset(vault [20]byte) ([20]byte, error) {
	if d == nil || d.store == nil {
		return [20]byte{}, errNotInitialised
	}
	var info storedVaultInfo
	ok, err := d.store.KVGet(addrKey(vaultPrefix, vault), &info)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, ErrUnknownVault
	}
	return info.Asset, nil
}

// SetGlobalPause toggles the protocol-wide pause flag. Admin only.
func (d *Directory) SetGlobalPause(caller [20]byte, paused bool) error {
	if d == nil || d.store == nil {
		return errNotInitialised
	}
	if !d.IsAdmin(caller) {
		return ErrNotAuthorized
	}
	return d.store.KVPut(pauseKey, paused)
}

// IsGlobalPaused reports whether the protocol is paused.
func (d *Directory) IsGlobalPaused() bool {
	if d == nil || d.store == nil {
		return false
	}
	var paused bool
	ok, err := d.store.KVGet(pauseKey, &paused)
	return err == nil && ok && paused
}
