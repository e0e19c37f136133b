package settlement

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultCooldown applies when governance has not configured one.
	DefaultCooldown = time.Hour
	// MaxCooldown is the protocol-wide ceiling for the settlement cooldown.
	MaxCooldown = 24 * time.Hour
	// DefaultYieldToleranceBps applies when governance has not configured a
	// deviation tolerance.
	DefaultYieldToleranceBps = 1000
	// MaxYieldToleranceBps bounds the configurable deviation tolerance.
	MaxYieldToleranceBps = 10_000
)

var (
	// ErrCooldownOutOfRange indicates a cooldown outside protocol bounds.
	ErrCooldownOutOfRange = errors.New("settlement: cooldown out of range")
	// ErrToleranceOutOfRange indicates a tolerance above 10000 bps.
	ErrToleranceOutOfRange = errors.New("settlement: yield tolerance out of range")
)

var paramsKey = []byte("settlement/params")

type storedParams struct {
	Version         uint32
	CooldownSeconds uint64
	ToleranceBps    uint64
	ToleranceSet    bool
}

func (e *Engine) loadParams() (*storedParams, error) {
	var stored storedParams
	if _, err := e.store.KVGet(paramsKey, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// Cooldown returns the configured settlement cooldown, defaulting when
// unset.
func (e *Engine) Cooldown() (time.Duration, error) {
	if e == nil || e.store == nil {
		return 0, errNilState
	}
	params, err := e.loadParams()
	if err != nil {
		return 0, err
	}
	if params.CooldownSeconds == 0 {
		return DefaultCooldown, nil
	}
	return time.Duration(params.CooldownSeconds) * time.Second, nil
}

// YieldToleranceBps returns the advisory deviation tolerance in basis
// points.
func (e *Engine) YieldToleranceBps() (uint64, error) {
	if e == nil || e.store == nil {
		return 0, errNilState
	}
	params, err := e.loadParams()
	if err != nil {
		return 0, err
	}
	if !params.ToleranceSet {
		return DefaultYieldToleranceBps, nil
	}
	return params.ToleranceBps, nil
}

// SetCooldown updates the settlement cooldown. Admin only, clamped to the
// protocol ceiling, and audited through an event carrying old and new
// values.
func (e *Engine) SetCooldown(caller [20]byte, cooldown time.Duration) error {
	if e == nil || e.store == nil {
		return errNilState
	}
	if e.roles == nil || !e.roles.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if cooldown <= 0 || cooldown > MaxCooldown {
		return fmt.Errorf("%w: %s", ErrCooldownOutOfRange, cooldown)
	}
	params, err := e.loadParams()
	if err != nil {
		return err
	}
	old := time.Duration(params.CooldownSeconds) * time.Second
	if params.CooldownSeconds == 0 {
		old = DefaultCooldown
	}
	params.CooldownSeconds = uint64(cooldown / time.Second)
	if err := e.store.KVPut(paramsKey, params); err != nil {
		return err
	}
	e.emit(NewCooldownUpdatedEvent(old, cooldown))
	return nil
}

// SetYieldTolerance updates the advisory deviation tolerance. Admin only.
func (e *Engine) SetYieldTolerance(caller [20]byte, bps uint64) error {
	if e == nil || e.store == nil {
		return errNilState
	}
	if e.roles == nil || !e.roles.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if bps > MaxYieldToleranceBps {
		return fmt.Errorf("%w: %d bps", ErrToleranceOutOfRange, bps)
	}
	params, err := e.loadParams()
	if err != nil {
		return err
	}
	old := uint64(DefaultYieldToleranceBps)
	if params.ToleranceSet {
		old = params.ToleranceBps
	}
	params.ToleranceBps = bps
	params.ToleranceSet = true
	if err := e.store.KVPut(paramsKey, params); err != nil {
		return err
	}
	e.emit(NewToleranceUpdatedEvent(old, bps))
	return nil
}
