package types

import (
	"errors"
)

var (
	// ErrNoSuch is returned when an id was never assigned by the peer.
	ErrNoSuch = errors.New("no such handle")

	// ErrStale is returned when a handle existed but has been fully
	// released and its id is permanently dead.
	ErrStale = errors.New("handle has been released")

	// ErrNotOwner is returned for operations restricted to the peer
	// owning the node.
	ErrNotOwner = errors.New("handle does not own the node")

	// ErrInProgress is returned when a destruction for the node is
	// already running.
	ErrInProgress = errors.New("destruction already in progress")

	// ErrQuota is returned when any of the per-user budgets would be
	// exceeded by the charge.
	ErrQuota = errors.New("quota exceeded")

	// ErrShutdown is returned when the peer was torn down.
	ErrShutdown = errors.New("peer was shut down")

	// ErrAlreadyInit is returned when initializing a peer twice.
	ErrAlreadyInit = errors.New("peer already initialized")

	// ErrNotInit is returned when operating on a peer that was never
	// initialized.
	ErrNotInit = errors.New("peer not initialized")

	// ErrNoMem is returned when the pool cannot back an allocation.
	ErrNoMem = errors.New("out of pool memory")

	// ErrAgain is returned by a receive when no committed entry is
	// ready. The caller polls or waits externally.
	ErrAgain = errors.New("no entry ready")

	// ErrInvariant signals an internal contract violation. Release
	// paths degrade to best effort instead of surfacing it.
	ErrInvariant = errors.New("internal invariant violated")
)

// The single integer codes reported across the command boundary.
// Success is zero; no structured payloads cross it.
const (
	CodeOK = iota
	CodeNoSuch
	CodeStale
	CodeNotOwner
	CodeInProgress
	CodeQuota
	CodeShutdown
	CodeAlreadyInit
	CodeNotInit
	CodeNoMem
	CodeAgain
	CodeInvariant
)

// Code flattens an error chain to its command-boundary code.
func Code(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNoSuch):
		return CodeNoSuch
	case errors.Is(err, ErrStale):
		return CodeStale
	case errors.Is(err, ErrNotOwner):
		return CodeNotOwner
	case errors.Is(err, ErrInProgress):
		return CodeInProgress
	case errors.Is(err, ErrQuota):
		return CodeQuota
	case errors.Is(err, ErrShutdown):
		return CodeShutdown
	case errors.Is(err, ErrAlreadyInit):
		return CodeAlreadyInit
	case errors.Is(err, ErrNotInit):
		return CodeNotInit
	case errors.Is(err, ErrNoMem):
		return CodeNoMem
	case errors.Is(err, ErrAgain):
		return CodeAgain
	default:
		return CodeInvariant
	}
}
