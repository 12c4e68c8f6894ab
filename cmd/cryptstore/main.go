// Command cryptstore is the CLI for the confidential purchase store.
//
// Examples:
//
//	cryptstore address
//	cryptstore record -as alice -buyer "Alice" -product "Apple" -quantity 2 -price 10
//	cryptstore list
//	cryptstore reveal -id 0
//	cryptstore transfer-shop -to trent
//	cryptstore demo
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/yutakatoz/cryptstore"
	"github.com/yutakatoz/cryptstore/internal/config"
	"github.com/yutakatoz/cryptstore/pkg/client"
	"github.com/yutakatoz/cryptstore/pkg/logging"
)

const (
	logKeyError   = "error"
	logKeySignal  = "signal"
	logKeyCommand = "command"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	cfg, err := config.Load("config.yaml")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := logging.New(logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, command, args, cfg, logger); err != nil {
		logger.Error("command failed", logKeyCommand, command, logKeyError, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cryptstore <command> [flags]

commands:
  address        print the contract address and current shop
  record         encrypt and record a purchase
  list           list purchases (metadata only unless revealed)
  count          print the purchase count
  reveal         decrypt a purchase (shop only)
  transfer-shop  transfer the shop role to another party
  demo           record and reveal a purchase end to end`)
}

func run(ctx context.Context, command string, args []string, cfg config.Config, logger *slog.Logger) error {
	cs, err := cryptstore.New(cryptstore.Config{
		Paths:   []string{cfg.DataPath},
		ChainID: cfg.ChainID,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := cs.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := cs.Close(context.Background()); err != nil {
			logger.Error("close failed", logKeyError, err)
		}
	}()

	switch command {
	case "address":
		return runAddress(cs)
	case "record":
		return runRecord(ctx, cs, args)
	case "list":
		return runList(cs)
	case "count":
		return runCount(cs)
	case "reveal":
		return runReveal(ctx, cs, args)
	case "transfer-shop":
		return runTransferShop(ctx, cs, args)
	case "demo":
		return runDemo(ctx, cs)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runAddress(cs *cryptstore.CryptStore) error {
	led, err := cs.Ledger()
	if err != nil {
		return err
	}
	fmt.Printf("contract: %s\n", led.Address().Hex())
	fmt.Printf("shop:     %s\n", led.Shop().Hex())
	return nil
}

func runRecord(ctx context.Context, cs *cryptstore.CryptStore, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	as := fs.String("as", "shop", "party key name submitting the purchase")
	buyer := fs.String("buyer", "", "buyer name (plaintext)")
	product := fs.String("product", "", "product name (plaintext)")
	quantity := fs.Uint64("quantity", 0, "quantity (encrypted)")
	price := fs.Uint64("price", 0, "price (encrypted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	party, err := partyClient(cs, *as)
	if err != nil {
		return err
	}
	id, err := party.Record(ctx, *buyer, *product, *quantity, *price)
	if err != nil {
		return err
	}
	fmt.Printf("recorded purchase id=%d\n", id)
	return nil
}

func runList(cs *cryptstore.CryptStore) error {
	shop, err := cs.ShopClient()
	if err != nil {
		return err
	}
	views := shop.List()
	if len(views) == 0 {
		fmt.Println("no purchases recorded yet")
		return nil
	}
	for _, v := range views {
		quantity, price := "encrypted", "encrypted"
		if v.Revealed != nil {
			quantity = fmt.Sprintf("%d", v.Revealed.Quantity)
			price = fmt.Sprintf("%d", v.Revealed.Price)
		}
		fmt.Printf("#%d %s buyer=%q product=%q quantity=%s price=%s\n",
			v.ID, v.Timestamp.Format("2006-01-02 15:04:05"),
			v.BuyerName, v.ProductName, quantity, price)
	}
	return nil
}

func runCount(cs *cryptstore.CryptStore) error {
	led, err := cs.Ledger()
	if err != nil {
		return err
	}
	fmt.Println(led.PurchaseCount())
	return nil
}

func runReveal(ctx context.Context, cs *cryptstore.CryptStore, args []string) error {
	fs := flag.NewFlagSet("reveal", flag.ExitOnError)
	id := fs.Uint64("id", 0, "purchase id")
	as := fs.String("as", "shop", "party key name requesting decryption")
	if err := fs.Parse(args); err != nil {
		return err
	}

	party, err := partyClient(cs, *as)
	if err != nil {
		return err
	}
	revealed, err := party.Reveal(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Printf("purchase %d: quantity=%d price=%d\n", *id, revealed.Quantity, revealed.Price)
	return nil
}

func runTransferShop(ctx context.Context, cs *cryptstore.CryptStore, args []string) error {
	fs := flag.NewFlagSet("transfer-shop", flag.ExitOnError)
	to := fs.String("to", "", "party key name receiving the shop role")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" {
		return fmt.Errorf("transfer-shop: -to is required")
	}

	led, err := cs.Ledger()
	if err != nil {
		return err
	}
	shop, err := cs.ShopClient()
	if err != nil {
		return err
	}
	newShop, err := cs.NewParty(*to)
	if err != nil {
		return err
	}

	previous := led.Shop()
	if err := led.TransferShop(ctx, shop.Identity(), newShop.Identity()); err != nil {
		return err
	}
	fmt.Printf("shop transferred: %s -> %s\n", previous.Hex(), newShop.Identity().Hex())
	return nil
}

// runDemo records a purchase as a buyer party and reveals it as the
// shop, exercising the full encrypt, prove, append, grant, decrypt
// path in one process.
func runDemo(ctx context.Context, cs *cryptstore.CryptStore) error {
	buyer, err := cs.NewParty("alice")
	if err != nil {
		return err
	}
	id, err := buyer.Record(ctx, "Alice", "Apple", 2, 10)
	if err != nil {
		return err
	}
	fmt.Printf("recorded purchase id=%d as buyer\n", id)

	if _, err := buyer.Reveal(ctx, id); err != nil {
		fmt.Printf("buyer reveal refused as expected: %v\n", err)
	} else {
		return fmt.Errorf("demo: buyer unexpectedly revealed the purchase")
	}

	shop, err := cs.ShopClient()
	if err != nil {
		return err
	}
	revealed, err := shop.Reveal(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("shop revealed purchase %d: quantity=%d price=%d\n", id, revealed.Quantity, revealed.Price)
	return nil
}

func partyClient(cs *cryptstore.CryptStore, name string) (*client.Client, error) {
	if name == "shop" {
		return cs.ShopClient()
	}
	return cs.NewParty(name)
}
