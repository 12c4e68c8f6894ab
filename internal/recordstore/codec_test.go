package recordstore

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/yutakatoz/cryptstore/pkg/ledger"
)

func samplePurchase(t *testing.T, id uint64) ledger.Purchase {
	t.Helper()
	p := ledger.Purchase{
		ID:          id,
		BuyerName:   "Alice",
		ProductName: "Apple",
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if _, err := rand.Read(p.Buyer[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	if _, err := rand.Read(p.QuantityHandle[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	if _, err := rand.Read(p.PriceHandle[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return p
}

func TestPurchaseCodecRoundTrip(t *testing.T) {
	t.Parallel()
	want := samplePurchase(t, 42)

	encoded, err := marshalPurchase(want)
	if err != nil {
		t.Fatalf("marshalPurchase: %v", err)
	}
	got, err := unmarshalPurchase(encoded)
	if err != nil {
		t.Fatalf("unmarshalPurchase: %v", err)
	}
	assertSamePurchase(t, got, want)
}

func assertSamePurchase(t *testing.T, got, want ledger.Purchase) {
	t.Helper()
	if got.ID != want.ID {
		t.Fatalf("ID = %d, want %d", got.ID, want.ID)
	}
	if !got.Buyer.Equal(want.Buyer) {
		t.Fatal("buyer mismatch")
	}
	if got.BuyerName != want.BuyerName || got.ProductName != want.ProductName {
		t.Fatalf("names = %q/%q, want %q/%q", got.BuyerName, got.ProductName, want.BuyerName, want.ProductName)
	}
	if got.QuantityHandle != want.QuantityHandle || got.PriceHandle != want.PriceHandle {
		t.Fatal("handle mismatch")
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
}

func TestPurchaseCodecEmptyNames(t *testing.T) {
	t.Parallel()
	want := samplePurchase(t, 0)
	want.BuyerName = ""
	want.ProductName = ""

	encoded, err := marshalPurchase(want)
	if err != nil {
		t.Fatalf("marshalPurchase: %v", err)
	}
	got, err := unmarshalPurchase(encoded)
	if err != nil {
		t.Fatalf("unmarshalPurchase: %v", err)
	}
	assertSamePurchase(t, got, want)
}

func TestUnmarshalPurchaseRejections(t *testing.T) {
	t.Parallel()
	valid, err := marshalPurchase(samplePurchase(t, 7))
	if err != nil {
		t.Fatalf("marshalPurchase: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "truncated header", data: valid[:10]},
		{name: "truncated tail", data: valid[:len(valid)-4]},
		{name: "trailing garbage", data: append(append([]byte(nil), valid...), 0xff)},
		{
			name: "unknown version",
			data: append([]byte{99}, valid[1:]...),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := unmarshalPurchase(tc.data); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}
