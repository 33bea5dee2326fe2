package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyclob/internal/app"
	"github.com/alanyoungcy/polyclob/internal/authenticator"
	"github.com/alanyoungcy/polyclob/internal/config"
	"github.com/alanyoungcy/polyclob/internal/crypto"
)

// traderKeyEnv holds the trader key used by sign-order and sign-cancel.
const traderKeyEnv = "POLYCLOB_TRADER_KEY"

// tools are operator subcommands that run instead of the server.
var tools = map[string]func(args []string, out io.Writer) error{
	"encrypt-key": encryptKey,
	"sign-order":  signOrder,
	"sign-cancel": signCancel,
}

// encryptKey seals the configured operator key into a key file that
// chain.encrypted_key_path can point at.
func encryptKey(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	dest := fs.String("out", "", "key file to write (default chain.encrypted_key_path)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Chain.OperatorKey == "" || cfg.Chain.KeyPassword == "" {
		return errors.New("encrypt-key: set POLYCLOB_CHAIN_OPERATOR_KEY and POLYCLOB_CHAIN_KEY_PASSWORD")
	}
	path := *dest
	if path == "" {
		path = cfg.Chain.EncryptedKeyPath
	}
	if path == "" {
		return errors.New("encrypt-key: no output path")
	}

	blob, err := crypto.EncryptKey(cfg.Chain.OperatorKey, cfg.Chain.KeyPassword)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("encrypt-key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", path)
	return nil
}

// signOrder prints a signed order body ready to POST to /api/orders.
func signOrder(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign-order", flag.ContinueOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	market := fs.String("market", "", "market id")
	outcome := fs.Int("outcome", 1, "outcome index (0 or 1)")
	side := fs.String("side", "buy", "buy or sell")
	price := fs.String("price", "", "limit price, e.g. 0.42")
	qty := fs.String("qty", "", "quantity, e.g. 100")
	nonce := fs.String("nonce", "", "order nonce (default current unix nanos)")
	ttl := fs.Duration("ttl", time.Hour, "time until the order expires")
	if err := fs.Parse(args); err != nil {
		return err
	}
	signer, err := traderSigner(*configPath)
	if err != nil {
		return err
	}
	if *nonce == "" {
		*nonce = strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	raw, err := authenticator.SignOrder(signer, authenticator.RawOrder{
		Salt:       strconv.FormatInt(time.Now().UnixNano(), 10),
		MarketID:   *market,
		Outcome:    *outcome,
		Side:       *side,
		Price:      *price,
		Quantity:   *qty,
		Nonce:      *nonce,
		Expiration: time.Now().Add(*ttl).Unix(),
	})
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

// signCancel prints a signed cancel body for DELETE /api/orders/{id}.
func signCancel(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign-cancel", flag.ContinueOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	orderID := fs.String("order", "", "order id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *orderID == "" {
		return errors.New("sign-cancel: -order is required")
	}
	signer, err := traderSigner(*configPath)
	if err != nil {
		return err
	}
	raw, err := authenticator.SignCancel(signer, *orderID, time.Now().Unix())
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func traderSigner(configPath string) (*crypto.Signer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	key := os.Getenv(traderKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%s is not set", traderKeyEnv)
	}
	return crypto.NewSigner(key, app.SigningDomain(cfg.Chain))
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
