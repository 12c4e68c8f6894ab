// Package client orchestrates the record and reveal workflows against
// the ledger and the handle registry. It never retries automatically;
// every failure is surfaced with its specific kind so the caller
// decides whether to recompute inputs and resubmit.
package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/i5heu/ouroboros-crypt/pkg/encrypt"
	"github.com/i5heu/ouroboros-crypt/pkg/keys"

	"github.com/yutakatoz/cryptstore/internal/metrics"
	"github.com/yutakatoz/cryptstore/pkg/grant"
	"github.com/yutakatoz/cryptstore/pkg/identity"
	"github.com/yutakatoz/cryptstore/pkg/ledger"
	"github.com/yutakatoz/cryptstore/pkg/registry"
)

var (
	// ErrValueOutOfRange indicates a quantity or price outside the
	// uint32 domain. Caller error, fatal for that submission.
	ErrValueOutOfRange = errors.New("client: value outside uint32 range")

	// ErrRevealInFlight indicates a reveal for the same purchase id is
	// already pending. The second request is rejected, not queued.
	ErrRevealInFlight = errors.New("client: reveal already in flight for this purchase")
)

// Revealed holds the plaintext financial fields of one purchase.
type Revealed struct {
	Quantity uint32
	Price    uint32
}

// PurchaseView pairs a ledger record with its cached plaintext, when
// this client has revealed it.
type PurchaseView struct {
	ledger.Purchase
	Revealed *Revealed
}

// Client is one party's orchestrator. The durable signer is the
// party's long-lived credential; ephemeral session keys are minted per
// reveal and never reused.
type Client struct {
	ledger   *ledger.Ledger
	registry registry.HandleRegistry
	id       identity.Identity
	signer   *keys.AsyncCrypt
	clock    registry.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[uint64]struct{}
	cache    map[uint64]Revealed
}

// Params holds everything needed to construct a Client.
type Params struct {
	Ledger   *ledger.Ledger
	Registry registry.HandleRegistry
	Identity identity.Identity
	Signer   *keys.AsyncCrypt
	Clock    registry.Clock
	Logger   *slog.Logger
}

// New creates a Client from the given params.
func New(params Params) (*Client, error) {
	if params.Ledger == nil {
		return nil, errors.New("client: ledger must not be nil")
	}
	if params.Registry == nil {
		return nil, errors.New("client: registry must not be nil")
	}
	if params.Identity.IsZero() {
		return nil, errors.New("client: identity must not be zero")
	}
	if params.Signer == nil {
		return nil, errors.New("client: signer must not be nil")
	}
	if params.Clock == nil {
		params.Clock = registry.SystemClock()
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	return &Client{
		ledger:   params.Ledger,
		registry: params.Registry,
		id:       params.Identity,
		signer:   params.Signer,
		clock:    params.Clock,
		logger:   params.Logger,
		inFlight: make(map[uint64]struct{}),
		cache:    make(map[uint64]Revealed),
	}, nil
}

// Identity returns the party this client acts as.
func (c *Client) Identity() identity.Identity {
	return c.id
}

// Record validates quantity and price, encrypts them through the
// registry, and appends the purchase. Ledger failures propagate
// verbatim.
func (c *Client) Record(ctx context.Context, buyerName, productName string, quantity, price uint64) (uint64, error) {
	if strings.TrimSpace(buyerName) == "" {
		return 0, errors.New("client: buyer name must not be empty")
	}
	if strings.TrimSpace(productName) == "" {
		return 0, errors.New("client: product name must not be empty")
	}
	if quantity > math.MaxUint32 {
		return 0, fmt.Errorf("%w: quantity %d", ErrValueOutOfRange, quantity)
	}
	if price > math.MaxUint32 {
		return 0, fmt.Errorf("%w: price %d", ErrValueOutOfRange, price)
	}

	contract := c.ledger.Address()
	handles, proof, err := c.registry.EncryptInput(ctx, contract, c.id, []uint32{uint32(quantity), uint32(price)})
	if err != nil {
		return 0, fmt.Errorf("client: encrypt input: %w", err)
	}
	if len(handles) != 2 {
		return 0, fmt.Errorf("client: registry returned %d handles, want 2", len(handles))
	}

	return c.ledger.RecordPurchase(ctx, c.id, buyerName, productName, handles[0], handles[1], proof)
}

// Reveal decrypts the financial fields of one purchase. Only the
// current shop can obtain plaintext; non-shop callers are rejected
// before any signing round-trip. Results are cached per client.
func (c *Client) Reveal(ctx context.Context, id uint64) (Revealed, error) {
	c.mu.Lock()
	if cached, ok := c.cache[id]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	if _, pending := c.inFlight[id]; pending {
		c.mu.Unlock()
		return Revealed{}, fmt.Errorf("%w: id %d", ErrRevealInFlight, id)
	}
	c.inFlight[id] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, id)
		c.mu.Unlock()
	}()

	rec, err := c.ledger.Purchase(id)
	if err != nil {
		return Revealed{}, err
	}

	if !c.id.Equal(c.ledger.Shop()) {
		return Revealed{}, fmt.Errorf("%w: only the shop can reveal purchase %d", ledger.ErrNotAuthorized, id)
	}

	sess, err := grant.NewSession(c.id)
	if err != nil {
		return Revealed{}, fmt.Errorf("client: mint session: %w", err)
	}

	contract := c.ledger.Address()
	handles := []registry.Handle{rec.QuantityHandle, rec.PriceHandle}
	g, err := sess.BuildGrant(c.ledger.ChainID(), []registry.Contract{contract}, handles, c.clock.Now())
	if err != nil {
		return Revealed{}, fmt.Errorf("client: build grant: %w", err)
	}

	sig, err := c.signGrant(ctx, g)
	if err != nil {
		return Revealed{}, err
	}

	req := registry.DecryptRequest{
		Pairs: []registry.HandleContractPair{
			{Handle: rec.QuantityHandle, Contract: contract},
			{Handle: rec.PriceHandle, Contract: contract},
		},
		EphemeralPublicKey: sess.EphemeralPublicKey(),
		Signature:          sig,
		Contracts:          []registry.Contract{contract},
		Requester:          c.id,
		StartTime:          g.StartTime(),
		Duration:           g.Duration(),
		SessionID:          sess.ID(),
	}

	sealed, err := c.registry.AuthorizeDecrypt(ctx, req)
	if err != nil {
		if errors.Is(err, registry.ErrGrantRejected) {
			metrics.GrantRejections.Inc()
		}
		return Revealed{}, err
	}

	quantity, err := c.openValue(sess, sealed, rec.QuantityHandle)
	if err != nil {
		return Revealed{}, err
	}
	price, err := c.openValue(sess, sealed, rec.PriceHandle)
	if err != nil {
		return Revealed{}, err
	}

	result := Revealed{Quantity: quantity, Price: price}
	c.mu.Lock()
	c.cache[id] = result
	c.mu.Unlock()

	metrics.RevealsServed.Inc()
	c.logger.Debug("purchase revealed",
		"id", id,
		"session", sess.ID(),
	)
	return result, nil
}

// List returns all purchases newest-first, with cached plaintext
// attached where this client has revealed it.
func (c *Client) List() []PurchaseView {
	count := c.ledger.PurchaseCount()
	out := make([]PurchaseView, 0, count)

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := count; i > 0; i-- {
		id := i - 1
		rec, err := c.ledger.Purchase(id)
		if err != nil {
			continue
		}
		view := PurchaseView{Purchase: rec}
		if cached, ok := c.cache[id]; ok {
			revealed := cached
			view.Revealed = &revealed
		}
		out = append(out, view)
	}
	return out
}

// signGrant signs with the durable credential. The signer may block on
// an external custody service, so this is the workflow's single
// suspension point; the context is the caller's only cancellation
// lever.
func (c *Client) signGrant(ctx context.Context, g *grant.AccessGrant) ([]byte, error) {
	type signResult struct {
		sig []byte
		err error
	}
	done := make(chan signResult, 1)
	go func() {
		sig, err := grant.Sign(c.signer, g)
		done <- signResult{sig: sig, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("client: sign grant: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("client: sign grant: %w", res.err)
		}
		return res.sig, nil
	}
}

func (c *Client) openValue(sess *grant.Session, sealed map[registry.Handle]*encrypt.EncryptResult, h registry.Handle) (uint32, error) {
	value, ok := sealed[h]
	if !ok {
		return 0, fmt.Errorf("%w: handle %s did not resolve", ledger.ErrNotAuthorized, h.Hex())
	}
	plain, err := sess.Open(value)
	if err != nil {
		return 0, fmt.Errorf("client: open sealed value: %w", err)
	}
	if len(plain) != 4 {
		return 0, fmt.Errorf("client: sealed value has %d bytes, want 4", len(plain))
	}
	return binary.BigEndian.Uint32(plain), nil
}
