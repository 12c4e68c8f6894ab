// Package ledger implements the confidential purchase registry: an
// append-only record log with a single transferable shop role.
// Confidentiality is enforced before data reaches the ledger; the
// write path never sees or stores plaintext quantity or price.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yutakatoz/cryptstore/internal/metrics"
	"github.com/yutakatoz/cryptstore/pkg/identity"
	"github.com/yutakatoz/cryptstore/pkg/registry"
)

var (
	// ErrNotAuthorized indicates the caller does not hold the shop
	// role. Not retryable without a role change.
	ErrNotAuthorized = errors.New("ledger: caller is not the shop")

	// ErrInvalidIdentity indicates a zero identity where a real party
	// is required.
	ErrInvalidIdentity = errors.New("ledger: invalid identity")

	// ErrIndexOutOfBounds indicates a purchase id at or beyond the
	// current count.
	ErrIndexOutOfBounds = errors.New("ledger: purchase id out of bounds")
)

// HandleBinding is the slice of the registry capability the ledger
// needs: authoritative proof verification and ambient read permits.
type HandleBinding interface {
	VerifyOwnershipProof(ctx context.Context, contract registry.Contract, caller identity.Identity, handles []registry.Handle, proof []byte) error
	Allow(ctx context.Context, contract registry.Contract, h registry.Handle, grantee identity.Identity) error
}

// Ledger is the purchase registry state machine. All state-changing
// operations are serialized through a single writer lock, mirroring
// the total order the consensus substrate provides on-ledger.
type Ledger struct {
	address registry.Contract
	chainID uint64
	handles HandleBinding
	store   RecordStore
	clock   registry.Clock
	logger  *slog.Logger
	sink    EventSink

	writeMu sync.Mutex   // serializes state-changing operations
	mu      sync.RWMutex // guards records and shop
	records []Purchase
	shop    identity.Identity
}

// Params holds everything needed to construct a Ledger.
type Params struct {
	// Address is this ledger instance's contract address. Handles are
	// bound to it.
	Address registry.Contract

	// ChainID domain-separates grants for this deployment.
	ChainID uint64

	// Shop is the initial role holder. A persisted role from Store
	// takes precedence on recovery.
	Shop identity.Identity

	// Handles is the registry capability binding. Required.
	Handles HandleBinding

	// Store is the optional persistent record log.
	Store RecordStore

	// Clock is optional; the system clock is used when nil.
	Clock registry.Clock

	// Logger is optional; slog.Default() is used when nil.
	Logger *slog.Logger

	// Sink receives audit events; nil discards them.
	Sink EventSink
}

// New creates a Ledger, recovering records and the persisted shop role
// from the store when one is given.
func New(params Params) (*Ledger, error) {
	if params.Address.IsZero() {
		return nil, errors.New("ledger: contract address must not be zero")
	}
	if params.Shop.IsZero() {
		return nil, fmt.Errorf("%w: shop must not be zero", ErrInvalidIdentity)
	}
	if params.Handles == nil {
		return nil, errors.New("ledger: handle binding must not be nil")
	}
	if params.Clock == nil {
		params.Clock = registry.SystemClock()
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}

	l := &Ledger{
		address: params.Address,
		chainID: params.ChainID,
		handles: params.Handles,
		store:   params.Store,
		clock:   params.Clock,
		logger:  params.Logger,
		sink:    params.Sink,
		shop:    params.Shop,
	}

	if params.Store != nil {
		if err := l.recover(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// recover reloads persisted state. Record ids must be dense and in
// order; anything else means the store was tampered with or corrupted.
func (l *Ledger) recover() error {
	records, err := l.store.LoadPurchases()
	if err != nil {
		return fmt.Errorf("ledger: load purchases: %w", err)
	}
	for i, rec := range records {
		if rec.ID != uint64(i) {
			return fmt.Errorf("ledger: record log not dense: index %d has id %d", i, rec.ID)
		}
	}
	l.records = records

	shop, ok, err := l.store.LoadShop()
	if err != nil {
		return fmt.Errorf("ledger: load shop role: %w", err)
	}
	if ok {
		if shop.IsZero() {
			return fmt.Errorf("%w: persisted shop is zero", ErrInvalidIdentity)
		}
		l.shop = shop
	} else if err := l.store.SaveShop(l.shop); err != nil {
		return fmt.Errorf("ledger: persist initial shop role: %w", err)
	}

	l.logger.Info("ledger recovered",
		"records", len(l.records),
		"shop", l.shop,
	)
	return nil
}

// Address returns the contract address handles are bound to.
func (l *Ledger) Address() registry.Contract {
	return l.address
}

// ChainID returns the deployment chain id used for grant scoping.
func (l *Ledger) ChainID() uint64 {
	return l.chainID
}

// Shop returns the current role holder.
func (l *Ledger) Shop() identity.Identity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shop
}

// CurrentShop implements registry.RoleSource so the registry can gate
// decryption on the role holder at decrypt time.
func (l *Ledger) CurrentShop() identity.Identity {
	return l.Shop()
}

// PurchaseCount returns the current registry size.
func (l *Ledger) PurchaseCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.records))
}

// Purchase returns the immutable record at id. The financial fields
// stay opaque; decryption is a separate off-ledger step.
func (l *Ledger) Purchase(id uint64) (Purchase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id >= uint64(len(l.records)) {
		return Purchase{}, fmt.Errorf("%w: id %d, count %d", ErrIndexOutOfBounds, id, len(l.records))
	}
	return l.records[id], nil
}

// RecordPurchase verifies the ownership proof for both handles,
// appends a new record with the next sequential id, and grants ambient
// read permits to the submitter and the current shop. On any failure
// nothing is appended.
func (l *Ledger) RecordPurchase(ctx context.Context, caller identity.Identity, buyerName, productName string, quantityHandle, priceHandle registry.Handle, proof []byte) (uint64, error) {
	if caller.IsZero() {
		return 0, fmt.Errorf("%w: caller must not be zero", ErrInvalidIdentity)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	handles := []registry.Handle{quantityHandle, priceHandle}
	if err := l.handles.VerifyOwnershipProof(ctx, l.address, caller, handles, proof); err != nil {
		return 0, err
	}

	l.mu.RLock()
	id := uint64(len(l.records))
	shop := l.shop
	l.mu.RUnlock()

	for _, h := range handles {
		if err := l.handles.Allow(ctx, l.address, h, caller); err != nil {
			return 0, fmt.Errorf("ledger: permit submitter: %w", err)
		}
		if err := l.handles.Allow(ctx, l.address, h, shop); err != nil {
			return 0, fmt.Errorf("ledger: permit shop: %w", err)
		}
	}

	rec := Purchase{
		ID:             id,
		Buyer:          caller,
		BuyerName:      buyerName,
		ProductName:    productName,
		QuantityHandle: quantityHandle,
		PriceHandle:    priceHandle,
		Timestamp:      l.clock.Now().Truncate(time.Second).UTC(),
	}

	if l.store != nil {
		if err := l.store.AppendPurchase(rec); err != nil {
			return 0, fmt.Errorf("ledger: persist purchase: %w", err)
		}
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()

	metrics.PurchasesRecorded.Inc()
	l.logger.Info("purchase recorded",
		"id", id,
		"buyer", caller,
		"buyerName", buyerName,
		"productName", productName,
	)
	l.emit(PurchaseRecorded{
		ID:          id,
		Buyer:       caller,
		BuyerName:   buyerName,
		ProductName: productName,
	})
	return id, nil
}

// TransferShop atomically replaces the role holder. Only the current
// shop may transfer, and never to the zero identity.
func (l *Ledger) TransferShop(ctx context.Context, caller, newShop identity.Identity) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	current := l.shop
	l.mu.RUnlock()

	if !caller.Equal(current) {
		return fmt.Errorf("%w: caller %s", ErrNotAuthorized, caller)
	}
	if newShop.IsZero() {
		return fmt.Errorf("%w: new shop must not be zero", ErrInvalidIdentity)
	}

	if l.store != nil {
		if err := l.store.SaveShop(newShop); err != nil {
			return fmt.Errorf("ledger: persist shop role: %w", err)
		}
	}

	l.mu.Lock()
	l.shop = newShop
	l.mu.Unlock()

	metrics.ShopTransfers.Inc()
	l.logger.Info("shop role transferred",
		"previous", current,
		"new", newShop,
	)
	l.emit(ShopTransferred{Previous: current, New: newShop})
	return nil
}

func (l *Ledger) emit(e Event) {
	if l.sink != nil {
		l.sink(e)
	}
}

var _ registry.RoleSource = (*Ledger)(nil)
