package cryptstore

import (
	"context"
	"errors"
	"testing"

	"github.com/yutakatoz/cryptstore/pkg/ledger"
)

func startedStore(t *testing.T, path string, sink ledger.EventSink) *CryptStore {
	t.Helper()
	cs, err := New(Config{
		Paths:   []string{path},
		ChainID: 31337,
		Sink:    sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cs.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := cs.Close(context.Background()); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return cs
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("accepted empty paths")
	}
}

func TestAccessorsBeforeStart(t *testing.T) {
	t.Parallel()
	cs, err := New(Config{Paths: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cs.Ledger(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Ledger error = %v, want ErrNotStarted", err)
	}
	if _, err := cs.Registry(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Registry error = %v, want ErrNotStarted", err)
	}
	if _, err := cs.ShopClient(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("ShopClient error = %v, want ErrNotStarted", err)
	}
	if _, err := cs.NewParty("alice"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("NewParty error = %v, want ErrNotStarted", err)
	}
}

func TestRecordAndRevealFlow(t *testing.T) {
	t.Parallel()
	var events []ledger.Event
	cs := startedStore(t, t.TempDir(), func(e ledger.Event) { events = append(events, e) })
	ctx := context.Background()

	alice, err := cs.NewParty("alice")
	if err != nil {
		t.Fatalf("NewParty: %v", err)
	}
	shop, err := cs.ShopClient()
	if err != nil {
		t.Fatalf("ShopClient: %v", err)
	}

	id, err := alice.Record(ctx, "Alice", "Apple", 2, 10)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id != 0 {
		t.Fatalf("first purchase id = %d, want 0", id)
	}

	led, err := cs.Ledger()
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if got := led.PurchaseCount(); got != 1 {
		t.Fatalf("PurchaseCount = %d, want 1", got)
	}
	rec, err := led.Purchase(id)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if rec.BuyerName != "Alice" || rec.ProductName != "Apple" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.QuantityHandle.IsZero() || rec.PriceHandle.IsZero() {
		t.Fatal("record carries zero handles")
	}

	// The submitter cannot read back the values it encrypted.
	if _, err := alice.Reveal(ctx, id); !errors.Is(err, ledger.ErrNotAuthorized) {
		t.Fatalf("buyer reveal error = %v, want ErrNotAuthorized", err)
	}

	revealed, err := shop.Reveal(ctx, id)
	if err != nil {
		t.Fatalf("shop Reveal: %v", err)
	}
	if revealed.Quantity != 2 || revealed.Price != 10 {
		t.Fatalf("revealed = %+v, want 2 and 10", revealed)
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if _, ok := events[0].(ledger.PurchaseRecorded); !ok {
		t.Fatalf("event type %T, want PurchaseRecorded", events[0])
	}
}

func TestShopTransferMovesRevealRights(t *testing.T) {
	t.Parallel()
	cs := startedStore(t, t.TempDir(), nil)
	ctx := context.Background()

	shop, err := cs.ShopClient()
	if err != nil {
		t.Fatalf("ShopClient: %v", err)
	}
	bob, err := cs.NewParty("bob")
	if err != nil {
		t.Fatalf("NewParty(bob): %v", err)
	}
	trent, err := cs.NewParty("trent")
	if err != nil {
		t.Fatalf("NewParty(trent): %v", err)
	}

	id, err := bob.Record(ctx, "Bob", "Pear", 3, 25)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	led, err := cs.Ledger()
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if err := led.TransferShop(ctx, shop.Identity(), trent.Identity()); err != nil {
		t.Fatalf("TransferShop: %v", err)
	}

	// Reveal rights follow the role, even for purchases recorded
	// before the transfer.
	if _, err := shop.Reveal(ctx, id); !errors.Is(err, ledger.ErrNotAuthorized) {
		t.Fatalf("former shop error = %v, want ErrNotAuthorized", err)
	}
	revealed, err := trent.Reveal(ctx, id)
	if err != nil {
		t.Fatalf("trent Reveal: %v", err)
	}
	if revealed.Quantity != 3 || revealed.Price != 25 {
		t.Fatalf("revealed = %+v, want 3 and 25", revealed)
	}
}

func TestRestartRecoversLedgerState(t *testing.T) {
	t.Parallel()
	path := t.TempDir()
	ctx := context.Background()

	cs, err := New(Config{Paths: []string{path}, ChainID: 31337})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cs.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	alice, err := cs.NewParty("alice")
	if err != nil {
		t.Fatalf("NewParty: %v", err)
	}
	if _, err := alice.Record(ctx, "Alice", "Apple", 2, 10); err != nil {
		t.Fatalf("Record: %v", err)
	}
	shop, err := cs.ShopClient()
	if err != nil {
		t.Fatalf("ShopClient: %v", err)
	}
	shopID := shop.Identity()

	if err := cs.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := startedStore(t, path, nil)
	led, err := reopened.Ledger()
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if got := led.PurchaseCount(); got != 1 {
		t.Fatalf("PurchaseCount after restart = %d, want 1", got)
	}
	rec, err := led.Purchase(0)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if rec.BuyerName != "Alice" || rec.ProductName != "Apple" {
		t.Fatalf("recovered record %+v", rec)
	}

	// The shop credential is loaded from disk, so the role holder is
	// stable across restarts.
	newShop, err := reopened.ShopClient()
	if err != nil {
		t.Fatalf("ShopClient after restart: %v", err)
	}
	if !newShop.Identity().Equal(shopID) {
		t.Fatal("shop identity changed across restart")
	}
	if !led.Shop().Equal(shopID) {
		t.Fatal("ledger role holder changed across restart")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	cs, err := New(Config{Paths: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cs.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := cs.Close(context.Background()); err != nil {
		t.Fatalf("Close(1): %v", err)
	}
	if err := cs.Close(context.Background()); err != nil {
		t.Fatalf("Close(2): %v", err)
	}
}
