// Package grant implements the decryption authorization protocol. A
// grant binds a fresh ephemeral keypair to a set of handles and
// contracts for a bounded time window, signed by the requester's
// durable credential. The handle registry re-derives the same payload
// independently and fails closed on any mismatch.
package grant

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-crypt/pkg/keys"

	"github.com/yutakatoz/cryptstore/pkg/identity"
	"github.com/yutakatoz/cryptstore/pkg/registry"
)

// DefaultDuration is the policy validity window for a grant.
const DefaultDuration = 10 * 24 * time.Hour

// AccessGrant is a short-lived capability statement authorizing one
// ephemeral key to request plaintext for specific handles. It is
// constructed fresh per reveal attempt and never persisted or reused
// across sessions.
type AccessGrant struct {
	ephemeralPub *keys.PublicKey
	chainID      uint64
	contracts    []registry.Contract
	handles      []registry.Handle
	requester    identity.Identity
	startTime    time.Time
	duration     time.Duration
	sessionID    uuid.UUID
}

// Params holds all fields needed to build an AccessGrant. The registry
// rebuilds a grant from a DecryptRequest through the same constructor,
// so both sides validate identically.
type Params struct {
	EphemeralPublicKey *keys.PublicKey
	ChainID            uint64
	Contracts          []registry.Contract
	Handles            []registry.Handle
	Requester          identity.Identity
	StartTime          time.Time
	Duration           time.Duration
	SessionID          uuid.UUID
}

// New creates an AccessGrant from the given params after validation.
func New(params Params) (*AccessGrant, error) {
	if params.EphemeralPublicKey == nil {
		return nil, errors.New("ephemeral public key must not be nil")
	}
	if len(params.Contracts) == 0 {
		return nil, errors.New("contract list must not be empty")
	}
	for _, c := range params.Contracts {
		if c.IsZero() {
			return nil, errors.New("contract address must not be zero")
		}
	}
	if len(params.Handles) == 0 {
		return nil, errors.New("handle list must not be empty")
	}
	for _, h := range params.Handles {
		if h.IsZero() {
			return nil, errors.New("handle must not be zero")
		}
	}
	if params.Requester.IsZero() {
		return nil, errors.New("requester identity must not be zero")
	}
	if params.StartTime.IsZero() {
		return nil, errors.New("start time must not be zero")
	}
	if params.Duration <= 0 {
		return nil, errors.New("duration must be positive")
	}
	if params.SessionID == uuid.Nil {
		return nil, errors.New("session id must not be nil")
	}

	contracts := make([]registry.Contract, len(params.Contracts))
	copy(contracts, params.Contracts)
	handles := make([]registry.Handle, len(params.Handles))
	copy(handles, params.Handles)

	return &AccessGrant{
		ephemeralPub: params.EphemeralPublicKey,
		chainID:      params.ChainID,
		contracts:    contracts,
		handles:      handles,
		requester:    params.Requester,
		startTime:    params.StartTime.Truncate(time.Second).UTC(),
		duration:     params.Duration,
		sessionID:    params.SessionID,
	}, nil
}

// EphemeralPublicKey returns the session public key this grant
// authorizes.
func (g *AccessGrant) EphemeralPublicKey() *keys.PublicKey {
	return g.ephemeralPub
}

// ChainID returns the chain the grant is domain-separated to.
func (g *AccessGrant) ChainID() uint64 {
	return g.chainID
}

// Contracts returns the contract addresses in scope.
func (g *AccessGrant) Contracts() []registry.Contract {
	out := make([]registry.Contract, len(g.contracts))
	copy(out, g.contracts)
	return out
}

// Handles returns the handle references requested.
func (g *AccessGrant) Handles() []registry.Handle {
	out := make([]registry.Handle, len(g.handles))
	copy(out, g.handles)
	return out
}

// Requester returns the long-lived identity that authorizes the
// ephemeral key.
func (g *AccessGrant) Requester() identity.Identity {
	return g.requester
}

// StartTime returns the validity window start, second precision, UTC.
func (g *AccessGrant) StartTime() time.Time {
	return g.startTime
}

// Duration returns the validity window length.
func (g *AccessGrant) Duration() time.Duration {
	return g.duration
}

// SessionID returns the per-session identifier.
func (g *AccessGrant) SessionID() uuid.UUID {
	return g.sessionID
}

// Covers reports whether now falls inside the grant validity window.
func (g *AccessGrant) Covers(now time.Time) bool {
	if now.Before(g.startTime) {
		return false
	}
	return !now.After(g.startTime.Add(g.duration))
}
