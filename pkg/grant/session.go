package grant

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-crypt/pkg/encrypt"
	"github.com/i5heu/ouroboros-crypt/pkg/keys"

	"github.com/yutakatoz/cryptstore/pkg/identity"
	"github.com/yutakatoz/cryptstore/pkg/registry"
)

// Session holds the ephemeral keypair for one decryption attempt. A
// session is minted fresh per reveal, used for a single grant, and
// discarded afterwards. The private half never leaves the process.
type Session struct {
	id        uuid.UUID
	requester identity.Identity
	ephemeral *keys.AsyncCrypt
}

// NewSession generates a fresh ephemeral keypair for requester.
func NewSession(requester identity.Identity) (*Session, error) {
	if requester.IsZero() {
		return nil, errors.New("requester identity must not be zero")
	}
	eph, err := keys.NewAsyncCrypt()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	return &Session{
		id:        uuid.New(),
		requester: requester,
		ephemeral: eph,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// EphemeralPublicKey returns the session public key.
func (s *Session) EphemeralPublicKey() *keys.PublicKey {
	pub := s.ephemeral.GetPublicKey()
	return &pub
}

// BuildGrant constructs the AccessGrant for this session, scoped to
// the given contracts and handles, starting now with the policy
// duration.
func (s *Session) BuildGrant(chainID uint64, contracts []registry.Contract, handles []registry.Handle, now time.Time) (*AccessGrant, error) {
	return New(Params{
		EphemeralPublicKey: s.EphemeralPublicKey(),
		ChainID:            chainID,
		Contracts:          contracts,
		Handles:            handles,
		Requester:          s.requester,
		StartTime:          now,
		Duration:           DefaultDuration,
		SessionID:          s.id,
	})
}

// Open unseals a registry response with the session private key.
func (s *Session) Open(sealed *encrypt.EncryptResult) ([]byte, error) {
	if sealed == nil {
		return nil, errors.New("sealed value must not be nil")
	}
	priv := s.ephemeral.GetPrivateKey()
	plain, err := encrypt.Decrypt(sealed, &priv)
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return plain, nil
}
