package registry

import "errors"

// ErrPaused is returned by Guard when the protocol-wide pause flag is set.
var ErrPaused = errors.New("registry: protocol paused")

// PauseView is the read-only pause surface consulted by engine guards.
type PauseView interface {
	IsGlobalPaused() bool
}

// Guard rejects mutating operations while the protocol is paused. A nil view
// is treated as unpaused so engines remain usable in isolated tests.
func Guard(p PauseView) error {
	if p == nil {
		return nil
	}
	if p.IsGlobalPaused() {
		return ErrPaused
	}
	return nil
}
