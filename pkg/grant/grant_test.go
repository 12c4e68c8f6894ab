package grant

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-crypt/pkg/keys"

	"github.com/yutakatoz/cryptstore/pkg/identity"
	"github.com/yutakatoz/cryptstore/pkg/registry"
)

func testSigner(t *testing.T) *keys.AsyncCrypt {
	t.Helper()
	ac, err := keys.NewAsyncCrypt()
	if err != nil {
		t.Fatalf("NewAsyncCrypt: %v", err)
	}
	return ac
}

func testRequester(t *testing.T, ac *keys.AsyncCrypt) identity.Identity {
	t.Helper()
	pub := ac.GetPublicKey()
	id, err := identity.FromPublicKey(&pub)
	if err != nil {
		t.Fatalf("FromPublicKey: %v", err)
	}
	return id
}

func testHandle(b byte) registry.Handle {
	var h registry.Handle
	h[0] = b
	return h
}

func testContract(b byte) registry.Contract {
	var c registry.Contract
	c[0] = b
	return c
}

func validParams(t *testing.T) Params {
	t.Helper()
	eph := testSigner(t)
	ephPub := eph.GetPublicKey()
	return Params{
		EphemeralPublicKey: &ephPub,
		ChainID:            31337,
		Contracts:          []registry.Contract{testContract(1)},
		Handles:            []registry.Handle{testHandle(2), testHandle(3)},
		Requester:          testRequester(t, testSigner(t)),
		StartTime:          time.Now().UTC(),
		Duration:           DefaultDuration,
		SessionID:          uuid.New(),
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Params)
		want   string
	}{
		{
			name: "nil ephemeral key",
			mutate: func(p *Params) {
				p.EphemeralPublicKey = nil
			},
			want: "ephemeral public key",
		},
		{
			name: "empty contract list",
			mutate: func(p *Params) {
				p.Contracts = nil
			},
			want: "contract list",
		},
		{
			name: "zero contract",
			mutate: func(p *Params) {
				p.Contracts = []registry.Contract{{}}
			},
			want: "contract address",
		},
		{
			name: "empty handle list",
			mutate: func(p *Params) {
				p.Handles = nil
			},
			want: "handle list",
		},
		{
			name: "zero handle",
			mutate: func(p *Params) {
				p.Handles = []registry.Handle{{}}
			},
			want: "handle",
		},
		{
			name: "zero requester",
			mutate: func(p *Params) {
				p.Requester = identity.Identity{}
			},
			want: "requester",
		},
		{
			name: "zero start time",
			mutate: func(p *Params) {
				p.StartTime = time.Time{}
			},
			want: "start time",
		},
		{
			name: "non-positive duration",
			mutate: func(p *Params) {
				p.Duration = 0
			},
			want: "duration",
		},
		{
			name: "nil session id",
			mutate: func(p *Params) {
				p.SessionID = uuid.Nil
			},
			want: "session id",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			params := validParams(t)
			tc.mutate(&params)
			_, err := New(params)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want contains %q", err, tc.want)
			}
		})
	}
}

func TestAccessors(t *testing.T) {
	t.Parallel()
	params := validParams(t)
	g, err := New(params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if g.ChainID() != params.ChainID {
		t.Fatal("chain id mismatch")
	}
	if got := g.Contracts(); len(got) != 1 || got[0] != params.Contracts[0] {
		t.Fatal("contracts mismatch")
	}
	if got := g.Handles(); len(got) != 2 || got[0] != params.Handles[0] || got[1] != params.Handles[1] {
		t.Fatal("handles mismatch")
	}
	if !g.Requester().Equal(params.Requester) {
		t.Fatal("requester mismatch")
	}
	if !g.StartTime().Equal(params.StartTime.Truncate(time.Second).UTC()) {
		t.Fatal("start time not truncated to second UTC")
	}
	if g.Duration() != params.Duration {
		t.Fatal("duration mismatch")
	}
	if g.SessionID() != params.SessionID {
		t.Fatal("session id mismatch")
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	t.Parallel()
	g, err := New(validParams(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	handles := g.Handles()
	handles[0] = testHandle(0xff)
	if g.Handles()[0] == testHandle(0xff) {
		t.Fatal("mutating returned handles changed grant state")
	}

	contracts := g.Contracts()
	contracts[0] = testContract(0xff)
	if g.Contracts()[0] == testContract(0xff) {
		t.Fatal("mutating returned contracts changed grant state")
	}
}

func TestCovers(t *testing.T) {
	t.Parallel()
	params := validParams(t)
	params.StartTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	params.Duration = DefaultDuration
	g, err := New(params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := g.StartTime()
	end := start.Add(g.Duration())

	if g.Covers(start.Add(-time.Second)) {
		t.Fatal("grant covers time before start")
	}
	if !g.Covers(start) {
		t.Fatal("grant does not cover its start")
	}
	if !g.Covers(start.Add(5 * 24 * time.Hour)) {
		t.Fatal("grant does not cover mid window")
	}
	if !g.Covers(end) {
		t.Fatal("grant does not cover its end")
	}
	if g.Covers(end.Add(time.Second)) {
		t.Fatal("grant covers time after end")
	}
}

func TestDefaultDurationIsTenDays(t *testing.T) {
	t.Parallel()
	if DefaultDuration != 10*24*time.Hour {
		t.Fatalf("DefaultDuration = %v, want 240h", DefaultDuration)
	}
}
