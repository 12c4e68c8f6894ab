// Package cryptstore wires the confidential purchase ledger, the
// in-process handle registry, and the persistent record store into a
// single handle. Quantity and price never exist in plaintext inside
// the ledger; only the current shop can reveal them.
package cryptstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	crypt "github.com/i5heu/ouroboros-crypt"
	"github.com/sirupsen/logrus"

	"github.com/yutakatoz/cryptstore/internal/recordstore"
	"github.com/yutakatoz/cryptstore/pkg/client"
	"github.com/yutakatoz/cryptstore/pkg/ledger"
	"github.com/yutakatoz/cryptstore/pkg/registry"
	"github.com/yutakatoz/cryptstore/pkg/registry/memregistry"
)

var (
	ErrNotStarted = errors.New("cryptstore: store not started")
	ErrClosed     = errors.New("cryptstore: store closed")
)

// Config configures the store instance. Only Paths[0] is used at the
// moment.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// ChainID domain-separates decryption grants per deployment.
	ChainID uint64
	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *slog.Logger
	// Clock is optional and mainly useful in tests.
	Clock registry.Clock
	// Sink receives ledger audit events; nil discards them.
	Sink ledger.EventSink
}

// CryptStore is the main store handle. It owns the record store, the
// handle registry, the ledger, and the shop's credential.
type CryptStore struct {
	log    *slog.Logger
	config Config

	store    *recordstore.Store
	registry *memregistry.Registry
	ledger   *ledger.Ledger
	shop     *client.Client

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs a store handle. New does not perform heavy I/O; call
// Start to initialize subsystems.
func New(conf Config) (*CryptStore, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.Clock == nil {
		conf.Clock = registry.SystemClock()
	}
	return &CryptStore{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Start initializes the registry, the record store, and the ledger,
// recovering persisted records and the shop role. The shop credential
// lives at Paths[0]/shop.key and is created on first run. Start is
// safe to call multiple times; only the first call has effect.
func (cs *CryptStore) Start(ctx context.Context) error {
	var startErr error
	cs.startOnce.Do(func() {
		dataRoot := cs.config.Paths[0]
		if err := os.MkdirAll(dataRoot, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", dataRoot, err)
			return
		}

		reg, err := memregistry.New(cs.config.ChainID, cs.config.Clock)
		if err != nil {
			startErr = fmt.Errorf("init registry: %w", err)
			return
		}

		shopCrypt, err := loadOrCreateCrypt(filepath.Join(dataRoot, "shop.key"))
		if err != nil {
			startErr = fmt.Errorf("init shop credential: %w", err)
			return
		}
		shopPub := shopCrypt.Keys.GetPublicKey()
		shopID, err := reg.RegisterIdentity(&shopPub)
		if err != nil {
			startErr = fmt.Errorf("register shop identity: %w", err)
			return
		}

		// The contract address is derived from a dedicated deployment
		// key so it stays stable across role transfers and restarts.
		contractCrypt, err := loadOrCreateCrypt(filepath.Join(dataRoot, "contract.key"))
		if err != nil {
			startErr = fmt.Errorf("init contract key: %w", err)
			return
		}
		address, err := contractAddress(contractCrypt)
		if err != nil {
			startErr = err
			return
		}

		storeLog := logrus.New()
		store, err := recordstore.New(recordstore.Config{
			Path:   filepath.Join(dataRoot, "records"),
			Logger: storeLog,
		})
		if err != nil {
			startErr = fmt.Errorf("init record store: %w", err)
			return
		}

		led, err := ledger.New(ledger.Params{
			Address: address,
			ChainID: cs.config.ChainID,
			Shop:    shopID,
			Handles: reg,
			Store:   store,
			Clock:   cs.config.Clock,
			Logger:  cs.log,
			Sink:    cs.config.Sink,
		})
		if err != nil {
			_ = store.Close()
			startErr = fmt.Errorf("init ledger: %w", err)
			return
		}
		reg.BindRoleSource(address, led)

		shopClient, err := client.New(client.Params{
			Ledger:   led,
			Registry: reg,
			Identity: shopID,
			Signer:   shopCrypt.Keys,
			Clock:    cs.config.Clock,
			Logger:   cs.log,
		})
		if err != nil {
			_ = store.Close()
			startErr = fmt.Errorf("init shop client: %w", err)
			return
		}

		cs.store = store
		cs.registry = reg
		cs.ledger = led
		cs.shop = shopClient
		cs.started.Store(true)

		cs.log.Info("cryptstore started",
			"path", dataRoot,
			"contract", address.Hex(),
			"shop", led.Shop(),
			"records", led.PurchaseCount(),
		)
	})
	return startErr
}

// Run starts the store, blocks until ctx is canceled, then performs a
// bounded graceful shutdown. It is a convenience for services.
func (cs *CryptStore) Run(ctx context.Context) error {
	if err := cs.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return cs.Close(shutdownCtx)
}

// Close releases resources. Close is idempotent.
func (cs *CryptStore) Close(ctx context.Context) error {
	var closeErr error
	cs.closeOnce.Do(func() {
		cs.started.Store(false)
		if cs.store != nil {
			if err := cs.store.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close record store: %w", err))
			}
		}
		cs.log.Info("cryptstore closed")
	})
	return closeErr
}

// Ledger returns the purchase ledger.
func (cs *CryptStore) Ledger() (*ledger.Ledger, error) {
	if !cs.started.Load() {
		return nil, ErrNotStarted
	}
	return cs.ledger, nil
}

// Registry returns the in-process handle registry.
func (cs *CryptStore) Registry() (*memregistry.Registry, error) {
	if !cs.started.Load() {
		return nil, ErrNotStarted
	}
	return cs.registry, nil
}

// ShopClient returns the orchestrator acting as the shop credential
// stored under Paths[0]/shop.key.
func (cs *CryptStore) ShopClient() (*client.Client, error) {
	if !cs.started.Load() {
		return nil, ErrNotStarted
	}
	return cs.shop, nil
}

// NewParty loads (or creates) a party credential at
// Paths[0]/<name>.key, registers it with the registry, and returns an
// orchestrator acting as that party.
func (cs *CryptStore) NewParty(name string) (*client.Client, error) {
	if !cs.started.Load() {
		return nil, ErrNotStarted
	}
	if name == "" {
		return nil, errors.New("cryptstore: party name must not be empty")
	}

	c, err := loadOrCreateCrypt(filepath.Join(cs.config.Paths[0], name+".key"))
	if err != nil {
		return nil, fmt.Errorf("init party credential %q: %w", name, err)
	}
	pub := c.Keys.GetPublicKey()
	id, err := cs.registry.RegisterIdentity(&pub)
	if err != nil {
		return nil, fmt.Errorf("register party %q: %w", name, err)
	}

	return client.New(client.Params{
		Ledger:   cs.ledger,
		Registry: cs.registry,
		Identity: id,
		Signer:   c.Keys,
		Clock:    cs.config.Clock,
		Logger:   cs.log,
	})
}

// loadOrCreateCrypt loads a key file, generating and saving a fresh
// keypair on first use.
func loadOrCreateCrypt(keyPath string) (*crypt.Crypt, error) {
	_, err := os.Stat(keyPath)
	switch {
	case err == nil:
		c, loadErr := crypt.NewFromFile(keyPath)
		if loadErr != nil {
			return nil, fmt.Errorf("load key file %q: %w", keyPath, loadErr)
		}
		return c, nil

	case os.IsNotExist(err):
		c, genErr := newCrypt()
		if genErr != nil {
			return nil, fmt.Errorf("generate keys: %w", genErr)
		}
		if saveErr := c.Keys.SaveToFile(keyPath); saveErr != nil {
			return nil, fmt.Errorf("save key file %q: %w", keyPath, saveErr)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("stat key file %q: %w", keyPath, err)
	}
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

// contractAddress derives the contract address from the deployment
// key's signing public key.
func contractAddress(c *crypt.Crypt) (registry.Contract, error) {
	pub := c.Keys.GetPublicKey()
	signBytes, err := pub.MarshalBinarySign()
	if err != nil {
		return registry.Contract{}, fmt.Errorf("derive contract address: %w", err)
	}
	return registry.Contract(sha256.Sum256(signBytes)), nil
}
