package recordstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/yutakatoz/cryptstore/pkg/ledger"
)

const currentRecordVersion = 1

// marshalPurchase encodes a Purchase into its canonical binary form:
// version(1) || id(8, BE) || buyer(32) ||
// len(buyerName)(4) || buyerName || len(productName)(4) || productName ||
// quantityHandle(32) || priceHandle(32) || timestamp(8, unix-sec BE).
func marshalPurchase(p ledger.Purchase) ([]byte, error) {
	if len(p.BuyerName) > math.MaxUint32 {
		return nil, errors.New("buyer name too large")
	}
	if len(p.ProductName) > math.MaxUint32 {
		return nil, errors.New("product name too large")
	}
	tsUnix := p.Timestamp.Unix()
	if tsUnix < 0 {
		return nil, errors.New("timestamp must be unix epoch or later")
	}

	size := 1 + 8 + 32 +
		4 + len(p.BuyerName) +
		4 + len(p.ProductName) +
		32 + 32 + 8
	buf := make([]byte, 0, size)

	buf = append(buf, currentRecordVersion)

	var u64Buf [8]byte
	binary.BigEndian.PutUint64(u64Buf[:], p.ID)
	buf = append(buf, u64Buf[:]...)

	buf = append(buf, p.Buyer[:]...)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p.BuyerName))) //#nosec G115
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, p.BuyerName...)

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p.ProductName))) //#nosec G115
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, p.ProductName...)

	buf = append(buf, p.QuantityHandle[:]...)
	buf = append(buf, p.PriceHandle[:]...)

	binary.BigEndian.PutUint64(u64Buf[:], uint64(tsUnix))
	buf = append(buf, u64Buf[:]...)

	return buf, nil
}

// unmarshalPurchase parses a canonical purchase payload back into a
// Purchase.
func unmarshalPurchase(data []byte) (ledger.Purchase, error) {
	const fixed = 1 + 8 + 32 + 4 + 4 + 32 + 32 + 8
	if len(data) < fixed {
		return ledger.Purchase{}, errors.New("purchase payload too short")
	}

	offset := 0
	version := data[offset]
	offset++
	if version != currentRecordVersion {
		return ledger.Purchase{}, fmt.Errorf("unsupported record version %d", version)
	}

	var p ledger.Purchase
	p.ID = binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8

	copy(p.Buyer[:], data[offset:offset+32])
	offset += 32

	buyerName, offset, err := readString(data, offset)
	if err != nil {
		return ledger.Purchase{}, fmt.Errorf("buyer name: %w", err)
	}
	p.BuyerName = buyerName

	productName, offset, err := readString(data, offset)
	if err != nil {
		return ledger.Purchase{}, fmt.Errorf("product name: %w", err)
	}
	p.ProductName = productName

	if len(data)-offset != 32+32+8 {
		return ledger.Purchase{}, errors.New("purchase payload has wrong tail length")
	}

	copy(p.QuantityHandle[:], data[offset:offset+32])
	offset += 32
	copy(p.PriceHandle[:], data[offset:offset+32])
	offset += 32

	tsUnix := binary.BigEndian.Uint64(data[offset : offset+8])
	if tsUnix > math.MaxInt64 {
		return ledger.Purchase{}, errors.New("timestamp out of range")
	}
	p.Timestamp = time.Unix(int64(tsUnix), 0).UTC()

	return p, nil
}

func readString(data []byte, offset int) (string, int, error) {
	if len(data)-offset < 4 {
		return "", 0, errors.New("missing length prefix")
	}
	n := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data)-offset < n {
		return "", 0, errors.New("truncated string")
	}
	return string(data[offset : offset+n]), offset + n, nil
}
