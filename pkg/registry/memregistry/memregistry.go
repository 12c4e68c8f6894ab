// Package memregistry provides an in-process handle registry. It seals
// plaintext under its own keypair, hands out content-hash handles, and
// releases values only after independently re-deriving and verifying a
// signed decryption grant. It stands in for the external confidential
// computing service in tests and single-process deployments.
package memregistry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	crypt "github.com/i5heu/ouroboros-crypt"
	"github.com/i5heu/ouroboros-crypt/pkg/encrypt"
	"github.com/i5heu/ouroboros-crypt/pkg/keys"

	"github.com/yutakatoz/cryptstore/pkg/grant"
	"github.com/yutakatoz/cryptstore/pkg/identity"
	"github.com/yutakatoz/cryptstore/pkg/registry"
)

const (
	ctxInputProofV1 = "CTX_INPUT_PROOF_V1"

	proofVersion = 1
)

type entry struct {
	contract registry.Contract
	sealed   *encrypt.EncryptResult
	allowed  map[identity.Identity]struct{}
}

// Registry is the in-process HandleRegistry implementation.
type Registry struct {
	mu         sync.Mutex
	chainID    uint64
	sealer     *crypt.Crypt
	clock      registry.Clock
	entries    map[registry.Handle]*entry
	identities map[identity.Identity]*keys.PublicKey
	roles      map[registry.Contract]registry.RoleSource
}

// New creates a Registry for the given chain id. A fresh sealing
// keypair is generated; handles from one Registry instance are
// meaningless to any other.
func New(chainID uint64, clock registry.Clock) (*Registry, error) {
	if clock == nil {
		clock = registry.SystemClock()
	}
	sealer, err := newCrypt()
	if err != nil {
		return nil, fmt.Errorf("registry sealing keys: %w", err)
	}
	return &Registry{
		chainID:    chainID,
		sealer:     sealer,
		clock:      clock,
		entries:    make(map[registry.Handle]*entry),
		identities: make(map[identity.Identity]*keys.PublicKey),
		roles:      make(map[registry.Contract]registry.RoleSource),
	}, nil
}

// newCrypt wraps crypt.New with panic recovery because the upstream
// constructor panics on key-generation failure.
func newCrypt() (c *crypt.Crypt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crypt.New panicked: %v", r)
		}
	}()
	c = crypt.New()
	return c, nil
}

// ChainID returns the chain id grants must be domain-separated to.
func (r *Registry) ChainID() uint64 {
	return r.chainID
}

// RegisterIdentity records a party's signing public key so decryption
// grant signatures can be verified against it. Returns the derived
// identity.
func (r *Registry) RegisterIdentity(pub *keys.PublicKey) (identity.Identity, error) {
	id, err := identity.FromPublicKey(pub)
	if err != nil {
		return identity.Identity{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[id] = pub
	return id, nil
}

// BindRoleSource attaches the current-role resolver for a contract.
// Decryption for that contract's handles is gated on the role holder
// at decrypt time, not at insertion time.
func (r *Registry) BindRoleSource(contract registry.Contract, src registry.RoleSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[contract] = src
}

// EncryptInput seals values for contract on behalf of caller. Handles
// are content hashes of the sealed material; the proof binds them to
// (contract, caller) and is only verifiable by this registry.
func (r *Registry) EncryptInput(ctx context.Context, contract registry.Contract, caller identity.Identity, values []uint32) ([]registry.Handle, []byte, error) {
	if contract.IsZero() {
		return nil, nil, errors.New("contract address must not be zero")
	}
	if caller.IsZero() {
		return nil, nil, errors.New("caller identity must not be zero")
	}
	if len(values) == 0 {
		return nil, nil, errors.New("values must not be empty")
	}

	sealerPub := r.sealer.Keys.GetPublicKey()

	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]registry.Handle, 0, len(values))
	for _, v := range values {
		var plain [4]byte
		binary.BigEndian.PutUint32(plain[:], v)

		sealed, err := encrypt.Encrypt(plain[:], &sealerPub)
		if err != nil {
			return nil, nil, fmt.Errorf("seal value: %w", err)
		}

		h := registry.Handle(sha256.Sum256(sealed.Ciphertext))
		r.entries[h] = &entry{
			contract: contract,
			sealed:   sealed,
			allowed:  make(map[identity.Identity]struct{}),
		}
		handles = append(handles, h)
	}

	proof, err := r.signProof(contract, caller, handles)
	if err != nil {
		return nil, nil, err
	}
	return handles, proof, nil
}

// VerifyOwnershipProof checks that proof ties handles to the calling
// identity and this registry's view of the contract.
func (r *Registry) VerifyOwnershipProof(ctx context.Context, contract registry.Contract, caller identity.Identity, handles []registry.Handle, proof []byte) error {
	if len(proof) == 0 {
		return registry.ErrProofInvalid
	}
	if proof[0] != proofVersion {
		return registry.ErrProtocolUnsupported
	}

	payload := proofPayload(contract, caller, handles)
	if !r.sealer.Keys.Verify(payload, proof[1:]) {
		return registry.ErrProofInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range handles {
		e, ok := r.entries[h]
		if !ok || e.contract != contract {
			return registry.ErrProofInvalid
		}
	}
	return nil
}

// Allow records an ambient read permit for grantee on a handle. The
// permit is frozen at insertion time; the decrypt gate additionally
// requires the current role holder.
func (r *Registry) Allow(ctx context.Context, contract registry.Contract, h registry.Handle, grantee identity.Identity) error {
	if grantee.IsZero() {
		return errors.New("grantee identity must not be zero")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok || e.contract != contract {
		return fmt.Errorf("unknown handle %s for contract %s", h.Hex(), contract.Hex())
	}
	e.allowed[grantee] = struct{}{}
	return nil
}

// IsAllowed reports whether grantee holds an ambient read permit for
// the handle.
func (r *Registry) IsAllowed(h registry.Handle, grantee identity.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return false
	}
	_, ok = e.allowed[grantee]
	return ok
}

// AuthorizeDecrypt re-derives the grant from req, verifies the
// requester signature and validity window, and resolves the in-scope
// handles whose current controlling role matches the requester. Each
// released value is re-sealed to the grant's ephemeral public key.
func (r *Registry) AuthorizeDecrypt(ctx context.Context, req registry.DecryptRequest) (map[registry.Handle]*encrypt.EncryptResult, error) {
	r.mu.Lock()
	requesterPub, known := r.identities[req.Requester]
	r.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: unknown requester %s", registry.ErrGrantRejected, req.Requester)
	}

	handles := make([]registry.Handle, 0, len(req.Pairs))
	for _, p := range req.Pairs {
		handles = append(handles, p.Handle)
	}

	g, err := grant.New(grant.Params{
		EphemeralPublicKey: req.EphemeralPublicKey,
		ChainID:            r.chainID,
		Contracts:          req.Contracts,
		Handles:            handles,
		Requester:          req.Requester,
		StartTime:          req.StartTime,
		Duration:           req.Duration,
		SessionID:          req.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrGrantRejected, err)
	}

	if err := grant.Verify(requesterPub, g, req.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrGrantRejected, err)
	}
	if !g.Covers(r.clock.Now()) {
		return nil, fmt.Errorf("%w: grant outside validity window", registry.ErrGrantRejected)
	}

	inScope := make(map[registry.Contract]struct{}, len(req.Contracts))
	for _, c := range req.Contracts {
		inScope[c] = struct{}{}
	}

	sealerPriv := r.sealer.Keys.GetPrivateKey()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[registry.Handle]*encrypt.EncryptResult)
	for _, p := range req.Pairs {
		e, ok := r.entries[p.Handle]
		if !ok || e.contract != p.Contract {
			continue
		}
		if _, ok := inScope[p.Contract]; !ok {
			continue
		}
		if !r.roleMatchesLocked(e, p.Contract, req.Requester) {
			continue
		}

		plain, err := encrypt.Decrypt(e.sealed, &sealerPriv)
		if err != nil {
			return nil, fmt.Errorf("unseal handle %s: %w", p.Handle.Hex(), err)
		}
		resealed, err := encrypt.Encrypt(plain, req.EphemeralPublicKey)
		if err != nil {
			return nil, fmt.Errorf("reseal handle %s: %w", p.Handle.Hex(), err)
		}
		out[p.Handle] = resealed
	}
	return out, nil
}

// roleMatchesLocked reports whether requester currently holds the
// controlling role for contract. Without a bound role source the
// frozen ambient permits decide. Must be called with mu held.
func (r *Registry) roleMatchesLocked(e *entry, contract registry.Contract, requester identity.Identity) bool {
	src, ok := r.roles[contract]
	if !ok {
		_, allowed := e.allowed[requester]
		return allowed
	}
	return src.CurrentShop().Equal(requester)
}

func (r *Registry) signProof(contract registry.Contract, caller identity.Identity, handles []registry.Handle) ([]byte, error) {
	payload := proofPayload(contract, caller, handles)
	sig, err := r.sealer.Keys.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign ownership proof: %w", err)
	}
	proof := make([]byte, 0, 1+len(sig))
	proof = append(proof, proofVersion)
	proof = append(proof, sig...)
	return proof, nil
}

// proofPayload builds the domain-separated ownership proof payload:
// context || contract(32) || caller(32) || handleCount(4, BE) ||
// handles(32 each).
func proofPayload(contract registry.Contract, caller identity.Identity, handles []registry.Handle) []byte {
	size := len(ctxInputProofV1) + 32 + 32 + 4 + len(handles)*32
	payload := make([]byte, 0, size)
	payload = append(payload, ctxInputProofV1...)
	payload = append(payload, contract[:]...)
	payload = append(payload, caller[:]...)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(handles))) //#nosec G115
	payload = append(payload, lenBuf[:]...)
	for _, h := range handles {
		payload = append(payload, h[:]...)
	}
	return payload
}

var _ registry.HandleRegistry = (*Registry)(nil)
