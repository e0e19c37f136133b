package registry

import (
	"errors"
	"math/big"
	"testing"

	"kam/storage"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	return NewDirectory(storage.NewKVStore(storage.NewMemDB()))
}

func addr(fill byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = fill
	}
	return a
}

func TestGrantRevokeRoles(t *testing.T) {
	d := newTestDirectory(t)
	admin := addr(0x01)
	if d.IsAdmin(admin) {
		t.Fatalf("fresh directory should have no admins")
	}
	if err := d.Grant(RoleAdmin, admin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !d.IsAdmin(admin) {
		t.Fatalf("grant did not take effect")
	}
	// Granting twice is idempotent.
	if err := d.Grant(RoleAdmin, admin); err != nil {
		t.Fatalf("regrant: %v", err)
	}
	if err := d.Revoke(RoleAdmin, admin); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if d.IsAdmin(admin) {
		t.Fatalf("revoke did not take effect")
	}
}

func TestGrantRejectsZeroAddress(t *testing.T) {
	d := newTestDirectory(t)
	if err := d.Grant(RoleRelayer, [20]byte{}); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
}

func TestRolesAreDistinct(t *testing.T) {
	d := newTestDirectory(t)
	guardian := addr(0x02)
	if err := d.Grant(RoleGuardian, guardian); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !d.IsGuardian(guardian) {
		t.Fatalf("guardian role missing")
	}
	if d.IsAdmin(guardian) || d.IsRelayer(guardian) || d.IsInstitution(guardian) {
		t.Fatalf("guardian grant leaked into other roles")
	}
}

func TestRegisterAsset(t *testing.T) {
	d := newTestDirectory(t)
	admin := addr(0x01)
	asset := addr(0xA1)
	if err := d.Grant(RoleAdmin, admin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := d.RegisterAsset(addr(0x99), asset, "usdc", big.NewInt(1000), nil); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-admin registration should fail, got %v", err)
	}
	if err := d.RegisterAsset(admin, asset, "usdc", big.NewInt(1000), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !d.IsAsset(asset) {
		t.Fatalf("asset not registered")
	}
	if err := d.RegisterAsset(admin, asset, "usdc", nil, nil); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	mintCap, redeemCap, err := d.AssetCaps(asset)
	if err != nil {
		t.Fatalf("caps: %v", err)
	}
	if mintCap == nil || mintCap.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("mint cap = %v, want 1000", mintCap)
	}
	if redeemCap != nil {
		t.Fatalf("redeem cap = %v, want nil (unlimited)", redeemCap)
	}
}

func TestAssetCapsUnknown(t *testing.T) {
	d := newTestDirectory(t)
	if _, _, err := d.AssetCaps(addr(0xA1)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestRegisterVault(t *testing.T) {
	d := newTestDirectory(t)
	admin := addr(0x01)
	asset := addr(0xA1)
	vault := addr(0xB1)
	if err := d.Grant(RoleAdmin, admin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	// Vault registration requires the asset to exist first.
	if err := d.RegisterVault(admin, vault, asset); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
	if err := d.RegisterAsset(admin, asset, "USDC", nil, nil); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	if err := d.RegisterVault(admin, vault, asset); err != nil {
		t.Fatalf("register vault: %v", err)
	}
	if !d.IsVault(vault) {
		t.Fatalf("vault not registered")
	}
	got, err := d.VaultAsset(vault)
	if err != nil || got != asset {
		t.Fatalf("vault asset = %x err=%v, want %x", got, err, asset)
	}
	if err := d.RegisterVault(admin, vault, asset); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGlobalPause(t *testing.T) {
	d := newTestDirectory(t)
	admin := addr(0x01)
	if err := d.Grant(RoleAdmin, admin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if d.IsGlobalPaused() {
		t.Fatalf("fresh directory should not be paused")
	}
	if err := d.SetGlobalPause(addr(0x99), true); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-admin pause should fail, got %v", err)
	}
	if err := d.SetGlobalPause(admin, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !d.IsGlobalPaused() {
		t.Fatalf("pause did not take effect")
	}
	if err := Guard(d); !errors.Is(err, ErrPaused) {
		t.Fatalf("guard should report ErrPaused, got %v", err)
	}
	if err := d.SetGlobalPause(admin, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := Guard(d); err != nil {
		t.Fatalf("guard after unpause: %v", err)
	}
}
