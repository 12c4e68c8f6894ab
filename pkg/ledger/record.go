package ledger

import (
	"time"

	"github.com/yutakatoz/cryptstore/pkg/identity"
	"github.com/yutakatoz/cryptstore/pkg/registry"
)

// Purchase is one immutable entry in the append-only purchase registry.
// Buyer identity, names, and timestamp are public metadata; quantity
// and price exist only as opaque ciphertext handles.
type Purchase struct {
	// ID is the dense sequential index assigned at append, never
	// reused.
	ID uint64

	// Buyer is the submitting party, captured at insertion.
	Buyer identity.Identity

	// BuyerName and ProductName are plaintext and not considered
	// sensitive.
	BuyerName   string
	ProductName string

	// QuantityHandle and PriceHandle reference the encrypted
	// financial fields. They are bound to the contract address and
	// the submitter at encryption time and never mutate.
	QuantityHandle registry.Handle
	PriceHandle    registry.Handle

	// Timestamp is the append time, UTC, second precision.
	Timestamp time.Time
}

// Event is a ledger audit event.
type Event interface {
	eventName() string
}

// PurchaseRecorded is emitted once per successful append.
type PurchaseRecorded struct {
	ID          uint64
	Buyer       identity.Identity
	BuyerName   string
	ProductName string
}

func (PurchaseRecorded) eventName() string { return "PurchaseRecorded" }

// ShopTransferred is emitted on every role transfer, carrying the
// before and after holders.
type ShopTransferred struct {
	Previous identity.Identity
	New      identity.Identity
}

func (ShopTransferred) eventName() string { return "ShopTransferred" }

// EventSink receives ledger audit events. A nil sink discards them.
type EventSink func(Event)

// RecordStore persists the append-only record log and the shop role.
// Implementations must be safe for use by a single writer with
// concurrent readers going through the ledger.
type RecordStore interface {
	AppendPurchase(p Purchase) error
	LoadPurchases() ([]Purchase, error)
	SaveShop(shop identity.Identity) error
	LoadShop() (identity.Identity, bool, error)
	Close() error
}
