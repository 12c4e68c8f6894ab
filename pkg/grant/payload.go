package grant

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/i5heu/ouroboros-crypt/pkg/keys"
)

const (
	ctxUserDecryptV1    = "CTX_USER_DECRYPT_V1"
	currentGrantVersion = 1
)

// canonicalSerialize encodes an AccessGrant into a deterministic binary
// representation:
// version(1) || chainID(8, BE) ||
// len(KEM)(4) || KEM || len(Sign)(4) || Sign ||
// sessionID(16) ||
// contractCount(4) || contracts(32 each) ||
// handleCount(4) || handles(32 each) ||
// requester(32) ||
// startTime(8, unix-sec BE) || duration(8, sec BE).
func canonicalSerialize(g *AccessGrant) ([]byte, error) {
	kemBytes, err := g.ephemeralPub.MarshalBinaryKEM()
	if err != nil {
		return nil, fmt.Errorf("marshal KEM key: %w", err)
	}
	signBytes, err := g.ephemeralPub.MarshalBinarySign()
	if err != nil {
		return nil, fmt.Errorf("marshal sign key: %w", err)
	}
	if len(kemBytes) > math.MaxUint32 {
		return nil, fmt.Errorf("KEM key too large: %d bytes", len(kemBytes))
	}
	if len(signBytes) > math.MaxUint32 {
		return nil, fmt.Errorf("sign key too large: %d bytes", len(signBytes))
	}
	if len(g.contracts) > math.MaxUint32 {
		return nil, errors.New("too many contracts")
	}
	if len(g.handles) > math.MaxUint32 {
		return nil, errors.New("too many handles")
	}

	startUnix := g.startTime.Unix()
	if startUnix < 0 {
		return nil, errors.New("start time must be unix epoch or later")
	}
	durationSec := int64(g.duration.Seconds())
	if durationSec <= 0 {
		return nil, errors.New("duration must be at least one second")
	}

	size := 1 + 8 +
		4 + len(kemBytes) +
		4 + len(signBytes) +
		16 +
		4 + len(g.contracts)*32 +
		4 + len(g.handles)*32 +
		32 + 8 + 8
	buf := make([]byte, 0, size)

	buf = append(buf, currentGrantVersion)

	var u64Buf [8]byte
	binary.BigEndian.PutUint64(u64Buf[:], g.chainID)
	buf = append(buf, u64Buf[:]...)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kemBytes))) //#nosec G115
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, kemBytes...)

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(signBytes))) //#nosec G115
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, signBytes...)

	buf = append(buf, g.sessionID[:]...)

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(g.contracts))) //#nosec G115
	buf = append(buf, lenBuf[:]...)
	for _, c := range g.contracts {
		buf = append(buf, c[:]...)
	}

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(g.handles))) //#nosec G115
	buf = append(buf, lenBuf[:]...)
	for _, h := range g.handles {
		buf = append(buf, h[:]...)
	}

	buf = append(buf, g.requester[:]...)

	binary.BigEndian.PutUint64(u64Buf[:], uint64(startUnix))
	buf = append(buf, u64Buf[:]...)

	binary.BigEndian.PutUint64(u64Buf[:], uint64(durationSec))
	buf = append(buf, u64Buf[:]...)

	return buf, nil
}

// signingPayload prepends the domain separation context to the
// canonical serialization of the grant.
func signingPayload(g *AccessGrant) ([]byte, error) {
	canon, err := canonicalSerialize(g)
	if err != nil {
		return nil, err
	}
	ctx := []byte(ctxUserDecryptV1)
	payload := make([]byte, 0, len(ctx)+len(canon))
	payload = append(payload, ctx...)
	payload = append(payload, canon...)
	return payload, nil
}

// Sign signs the domain-separated grant payload with the requester's
// durable credential. The ephemeral key never signs.
func Sign(signer *keys.AsyncCrypt, g *AccessGrant) ([]byte, error) {
	if signer == nil {
		return nil, errors.New("signer must not be nil")
	}
	if g == nil {
		return nil, errors.New("grant must not be nil")
	}
	payload, err := signingPayload(g)
	if err != nil {
		return nil, err
	}
	return signer.Sign(payload)
}

// Verify checks a signature over the domain-separated grant payload
// against the requester's known public key.
func Verify(requesterPub *keys.PublicKey, g *AccessGrant, sig []byte) error {
	if requesterPub == nil {
		return errors.New("requester public key must not be nil")
	}
	if g == nil {
		return errors.New("grant must not be nil")
	}
	if len(sig) == 0 {
		return errors.New("signature must not be empty")
	}
	payload, err := signingPayload(g)
	if err != nil {
		return fmt.Errorf("build signing payload: %w", err)
	}
	if !requesterPub.Verify(payload, sig) {
		return errors.New("grant signature verification failed")
	}
	return nil
}
