package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"poolledger/cmd/internal/passphrase"
	"poolledger/crypto"
	"poolledger/services/pool/client"
	"poolledger/services/pool/indexer"
	"poolledger/services/pool/server"
)

const (
	defaultPassEnv   = "POOLCTL_PASS"
	defaultSecretEnv = "POOLD_HMAC_SECRET"
	defaultTokenEnv  = "POOLD_TOKEN"
	defaultURL       = "http://127.0.0.1:8090"
	defaultKeystore  = "poolctl.keystore"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(args, os.Stdout)
	case "address":
		err = runAddress(args, os.Stdout)
	case "token":
		err = runToken(args, os.Stdout)
	case "digest":
		err = runDigest(args, os.Stdout)
	case "apply":
		err = runApply(args, os.Stdout)
	case "status":
		err = runStatus(args, os.Stdout)
	case "call":
		err = runCall(args, os.Stdout)
	case "export":
		err = runExport(args, os.Stdout)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: poolctl <command> [flags]

Commands:
  keygen    create an encrypted keystore and print its address
  address   print the address held in a keystore
  token     mint a bearer token for poold
  digest    print the BLAKE3 digest of a document
  apply     submit a loan application for a document
  status    show the pool snapshot
  call      send a raw request to the poold API
  export    write indexed events to a parquet file`)
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	path := fs.String("keystore", defaultKeystore, "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("keystore %s already exists (use -force to overwrite)", *path)
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "keystore passphrase").WithConfirmation().Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*path, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintln(out, key.PubKey().Address().String())
	return nil
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	path := fs.String("keystore", defaultKeystore, "Keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := keystoreAddress(*path, *passEnv)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, addr.String())
	return nil
}

func keystoreAddress(path, passEnv string) (crypto.Address, error) {
	pass, err := passphrase.NewSource(passEnv, "keystore passphrase").Get()
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("open keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "Address the token authenticates; defaults to the keystore address")
	path := fs.String("keystore", defaultKeystore, "Keystore used when -subject is empty")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable containing the poold HMAC secret")
	issuer := fs.String("issuer", "", "Token issuer claim")
	audience := fs.String("audience", "", "Token audience claim")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var addr crypto.Address
	var err error
	if strings.TrimSpace(*subject) != "" {
		addr, err = crypto.DecodeAddress(strings.TrimSpace(*subject))
	} else {
		addr, err = keystoreAddress(*path, *passEnv)
	}
	if err != nil {
		return err
	}
	secret := os.Getenv(*secretEnv)
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%s must hold the poold HMAC secret", *secretEnv)
	}
	token, err := server.IssueToken(server.AuthConfig{HMACSecret: secret, Issuer: *issuer, Audience: *audience}, addr, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func documentDigest(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return [32]byte{}, err
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

func runDigest(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("digest", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: poolctl digest <file>")
	}
	digest, err := documentDigest(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hex.EncodeToString(digest[:]))
	return nil
}

func apiFlags(fs *flag.FlagSet) (*string, *string) {
	url := fs.String("url", envOr("POOLD_URL", defaultURL), "poold base URL")
	token := fs.String("token", os.Getenv(defaultTokenEnv), "Bearer token (defaults to $POOLD_TOKEN)")
	return url, token
}

func runApply(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("apply", flag.ContinueOnError)
	url, token := apiFlags(fs)
	amount := fs.String("amount", "", "Requested principal in base units")
	duration := fs.Duration("duration", 30*24*time.Hour, "Requested loan duration")
	doc := fs.String("document", "", "Application document whose digest is recorded")
	reference := fs.String("reference", "", "Application reference; a random UUID when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*amount) == "" {
		return errors.New("-amount is required")
	}
	body := map[string]any{
		"amount":       strings.TrimSpace(*amount),
		"durationSecs": uint64(duration.Seconds()),
		"reference":    strings.TrimSpace(*reference),
	}
	if body["reference"] == "" {
		body["reference"] = uuid.NewString()
	}
	if *doc != "" {
		digest, err := documentDigest(*doc)
		if err != nil {
			return fmt.Errorf("digest document: %w", err)
		}
		body["digest"] = hex.EncodeToString(digest[:])
	}
	var resp json.RawMessage
	if err := client.New(*url, *token).Post(context.Background(), "/v1/applications", body, &resp); err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runStatus(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	url, token := apiFlags(fs)
	account := fs.String("account", "", "Also show balances for this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := client.New(*url, *token)
	ctx := context.Background()
	var snapshot json.RawMessage
	if err := c.Get(ctx, "/v1/pool", &snapshot); err != nil {
		return err
	}
	if err := printJSON(out, snapshot); err != nil {
		return err
	}
	if strings.TrimSpace(*account) == "" {
		return nil
	}
	var balances json.RawMessage
	if err := c.Get(ctx, "/v1/accounts/"+strings.TrimSpace(*account), &balances); err != nil {
		return err
	}
	return printJSON(out, balances)
}

func runCall(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	url, token := apiFlags(fs)
	method := fs.String("X", "GET", "HTTP method")
	data := fs.String("d", "", "JSON request body")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: poolctl call [-X METHOD] [-d JSON] /v1/path")
	}
	var body any
	if strings.TrimSpace(*data) != "" {
		raw := json.RawMessage(*data)
		if !json.Valid(raw) {
			return errors.New("-d must be valid JSON")
		}
		body = raw
	}
	var resp json.RawMessage
	if err := client.New(*url, *token).Do(context.Background(), strings.ToUpper(*method), fs.Arg(0), body, &resp); err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "Indexer database DSN")
	output := fs.String("out", "events.parquet", "Parquet output path")
	types := fs.String("types", "", "Only export events whose type starts with this prefix")
	subject := fs.String("subject", "", "Only export events about this address")
	after := fs.Uint64("after", 0, "Only export events after this sequence")
	if err := fs.Parse(args); err != nil {
		return err
	}
	db, err := indexer.OpenDSN(*dsn)
	if err != nil {
		return err
	}
	ix, err := indexer.New(db, nil)
	if err != nil {
		return err
	}
	rows, err := ix.ExportParquet(context.Background(), *output, indexer.Filter{
		TypePrefix: strings.TrimSpace(*types),
		Subject:    strings.TrimSpace(*subject),
		After:      *after,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d events to %s\n", rows, *output)
	return nil
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
