// Package registry defines the handle registry capability surface the
// purchase ledger consumes. The registry maps opaque ciphertext handles
// to encrypted material and is the sole authority for ownership proofs
// and decryption grants. The ledger never sees plaintext.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-crypt/pkg/encrypt"
	"github.com/i5heu/ouroboros-crypt/pkg/keys"

	"github.com/yutakatoz/cryptstore/pkg/identity"
)

var (
	// ErrProtocolUnsupported indicates the registry cannot process
	// confidential handles in this environment. Fatal, no retry.
	ErrProtocolUnsupported = errors.New("registry: confidential handle protocol unsupported")

	// ErrProofInvalid indicates an ownership proof did not bind the
	// handles to the calling identity and contract. The caller must
	// re-encrypt and resubmit.
	ErrProofInvalid = errors.New("registry: ownership proof invalid")

	// ErrGrantRejected indicates grant signature or window verification
	// failed. The session is spent; the caller must mint a fresh grant.
	ErrGrantRejected = errors.New("registry: decryption grant rejected")
)

// Handle is a fixed-size opaque reference to an encrypted value. It is
// meaningless without the registry that backs it.
type Handle [sha256.Size]byte

// IsZero returns true for the zero handle.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// Hex returns the lowercase hex representation.
func (h Handle) Hex() string {
	return hex.EncodeToString(h[:])
}

// Contract is the address of a ledger instance handles are bound to.
type Contract [sha256.Size]byte

// IsZero returns true for the zero contract address.
func (c Contract) IsZero() bool {
	return c == Contract{}
}

// Hex returns the lowercase hex representation.
func (c Contract) Hex() string {
	return hex.EncodeToString(c[:])
}

// HandleContractPair scopes a requested handle to the contract that
// controls it.
type HandleContractPair struct {
	Handle   Handle
	Contract Contract
}

// DecryptRequest carries everything the registry needs to independently
// re-derive and verify a decryption grant. Values for handles that
// verify are returned sealed to the ephemeral public key, so no
// plaintext ever travels unprotected.
type DecryptRequest struct {
	Pairs              []HandleContractPair
	EphemeralPublicKey *keys.PublicKey
	Signature          []byte
	Contracts          []Contract
	Requester          identity.Identity
	StartTime          time.Time
	Duration           time.Duration
	SessionID          uuid.UUID
}

// RoleSource reports the identity currently holding the controlling
// role for a contract. The registry consults it at decrypt time, so a
// transferred role takes effect immediately for all records.
type RoleSource interface {
	CurrentShop() identity.Identity
}

// HandleRegistry is the external confidential-computing capability.
// Implementations must fail closed: any verification mismatch releases
// no plaintext.
type HandleRegistry interface {
	// EncryptInput encrypts values for a contract on behalf of caller
	// and returns one handle per value plus an ownership proof binding
	// the handles to (contract, caller).
	EncryptInput(ctx context.Context, contract Contract, caller identity.Identity, values []uint32) ([]Handle, []byte, error)

	// VerifyOwnershipProof checks that proof ties handles to the
	// calling identity and contract. Returns ErrProofInvalid or
	// ErrProtocolUnsupported on failure.
	VerifyOwnershipProof(ctx context.Context, contract Contract, caller identity.Identity, handles []Handle, proof []byte) error

	// Allow records an ambient read permit for grantee on a handle.
	Allow(ctx context.Context, contract Contract, h Handle, grantee identity.Identity) error

	// AuthorizeDecrypt verifies the grant carried by req and resolves
	// the in-scope handles whose controlling role matches the
	// requester. Handles that do not verify are omitted from the
	// result rather than reported as errors.
	AuthorizeDecrypt(ctx context.Context, req DecryptRequest) (map[Handle]*encrypt.EncryptResult, error)
}
