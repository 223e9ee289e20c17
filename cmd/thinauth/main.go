package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/client"
	"thinauth.org/internal/rpc"
	"thinauth.org/internal/signing"
	"thinauth.org/internal/warrant"
)

const usage = `usage: thinauth [flags] <command> [args]

commands:
  login --type email|sms|dev --credential <c> [--mode rw]
  whoami
  logout
  approve <ref>
  reject <ref>
  alias add|remove --type <t> --credential <c> [--mode rw]
  state get
  state set key=value...
`

type app struct {
	rpc   *rpc.Client
	cache *client.Cache

	ready     chan struct{}
	readyOnce sync.Once
}

func main() {
	log.SetFlags(0)
	if err := run(); err != nil {
		log.Fatalf("thinauth: %v", err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("thinauth", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage); flags.PrintDefaults() }
	var (
		server    = flags.String("server", envOr("THINAUTH_SERVER", "localhost:9090"), "authority gRPC address")
		apiKey    = flags.String("api-key", os.Getenv("THINAUTH_API_KEY"), "tenant API key")
		storePath = flags.String("store", defaultStorePath(), "local warrant store (sqlite)")
		sign      = flags.Bool("sign", false, "bind an Ed25519 keypair to the session")
		timeout   = flags.Duration("timeout", 10*time.Second, "per-call timeout")
	)
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return errors.New("missing command")
	}
	if *apiKey == "" {
		return errors.New("missing API key: provide via --api-key or THINAUTH_API_KEY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := client.OpenSQLite(ctx, *storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	a := &app{ready: make(chan struct{})}
	var (
		cacheOps []client.Option
		rpcOpts  = []rpc.Option{
			rpc.WithTimeout(*timeout),
			rpc.WithOnReady(func() { a.readyOnce.Do(func() { close(a.ready) }) }),
		}
	)
	cacheOps = append(cacheOps, client.WithDevHandler(func(ref string, op auth.OpKind) {
		fmt.Printf("dev %s reference: %s\n", op, ref)
	}))
	if *sign {
		cacheOps = append(cacheOps, client.WithSigner(signing.Ed25519{}))
	}

	// The rpc client and the cache reference each other through closures.
	rpcOpts = append(rpcOpts, rpc.WithSession(func(ctx context.Context) (string, error) {
		return a.cache.SessionID(ctx)
	}))
	if *sign {
		rpcOpts = append(rpcOpts, rpc.WithSigner(signing.Ed25519{}, func(ctx context.Context) (signing.Keypair, error) {
			return a.cache.Keypair(ctx)
		}))
	}
	a.rpc, err = rpc.Dial(*server, *apiKey, rpcOpts...)
	if err != nil {
		return err
	}
	defer a.rpc.Close()
	a.cache = client.New(a.rpc, store, cacheOps...)

	args := flags.Args()
	switch args[0] {
	case "login":
		return a.login(ctx, args[1:])
	case "whoami":
		return a.whoami(ctx)
	case "logout":
		return a.cache.AuthReset(ctx)
	case "approve", "reject":
		if len(args) != 2 {
			return fmt.Errorf("usage: thinauth %s <ref>", args[0])
		}
		if args[0] == "approve" {
			return a.rpc.ApproveAuth(ctx, args[1])
		}
		return a.rpc.RejectAuth(ctx, args[1])
	case "alias":
		return a.alias(ctx, args[1:])
	case "state":
		return a.state(ctx, args[1:])
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func authFlags(fs *pflag.FlagSet, args []string) (auth.AuthReq, error) {
	typ := fs.String("type", string(auth.CredentialEmail), "delivery channel")
	credential := fs.String("credential", "", "email address, phone number or dev handle")
	secret := fs.String("secret", "", "optional alias secret")
	mode := fs.String("mode", "rw", "capabilities: any of r, w, c")
	if err := fs.Parse(args); err != nil {
		return auth.AuthReq{}, err
	}
	m, err := parseMode(*mode)
	if err != nil {
		return auth.AuthReq{}, err
	}
	req := auth.AuthReq{
		Type:       auth.CredentialType(*typ),
		Credential: *credential,
		Secret:     *secret,
		Mode:       m,
	}
	return req, req.Validate()
}

func parseMode(s string) (auth.Mode, error) {
	var m auth.Mode
	for _, r := range s {
		switch r {
		case 'r':
			m |= auth.ModeRead
		case 'w':
			m |= auth.ModeWrite
		case 'c':
			m |= auth.ModeConfirm
		default:
			return 0, fmt.Errorf("unknown mode flag %q", r)
		}
	}
	return m, nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
	wait := fs.Duration("wait", 5*time.Minute, "how long to wait for approval")
	req, err := authFlags(fs, args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- a.rpc.Listen(ctx, a.cache)
	}()
	select {
	case <-a.ready:
	case err := <-listenErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	before, err := a.cache.GetWarrants(ctx)
	if err != nil {
		return err
	}
	signedIn := make(chan *auth.Warrants, 1)
	unsubscribe := a.cache.AuthSync(ctx, func(w *auth.Warrants) {
		if w == nil || (before != nil && w.ID == before.ID) {
			return
		}
		select {
		case signedIn <- w:
		default:
		}
	})
	defer unsubscribe()

	if err := a.rpc.RequestAuth(ctx, req); err != nil {
		return err
	}
	fmt.Printf("waiting for approval of %s %s\n", req.Type, req.Credential)

	// pushes are best effort; poll in case one is missed
	poll := time.NewTicker(3 * time.Second)
	defer poll.Stop()
	for {
		select {
		case w := <-signedIn:
			return printWarrants(w)
		case err := <-listenErr:
			return err
		case <-poll.C:
			if _, err := a.cache.GetWarrants(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *app) whoami(ctx context.Context) error {
	w, err := a.cache.GetWarrants(ctx)
	if err != nil {
		return err
	}
	if w == nil {
		return errors.New("not signed in")
	}
	return printWarrants(w)
}

func printWarrants(w *auth.Warrants) error {
	id, err := warrant.DecodeUnverified(w.ID)
	if err != nil {
		return err
	}
	meta, err := warrant.DecodeMetaUnverified(w.Meta)
	if err != nil {
		return err
	}
	fmt.Printf("user    %s\n", id.UserID)
	fmt.Printf("mode    %d\n", meta.SessionMode)
	if id.PublicKey != "" {
		fmt.Printf("key     %s\n", id.PublicKey)
	}
	for _, al := range meta.Aliases {
		fmt.Printf("alias   %-5s %s (mode %d)\n", al.Type, al.Credential, al.Mode)
	}
	return nil
}

func (a *app) alias(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: thinauth alias add|remove --type <t> --credential <c>")
	}
	req, err := authFlags(pflag.NewFlagSet("alias "+args[0], pflag.ContinueOnError), args[1:])
	if err != nil {
		return err
	}
	switch args[0] {
	case "add":
		return a.rpc.AddAlias(ctx, req)
	case "remove":
		return a.rpc.RemoveAlias(ctx, req)
	default:
		return fmt.Errorf("unknown alias command %q", args[0])
	}
}

func (a *app) state(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: thinauth state get | state set key=value...")
	}
	idWarrant, err := a.cache.GetIDWarrant(ctx)
	if err != nil {
		return err
	}
	if idWarrant == "" {
		return errors.New("not signed in")
	}
	switch args[0] {
	case "get":
		state, err := a.rpc.GetUserState(ctx, idWarrant)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	case "set":
		patch := make(map[string]any, len(args)-1)
		for _, kv := range args[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("expected key=value, got %q", kv)
			}
			var val any
			if err := json.Unmarshal([]byte(v), &val); err != nil {
				val = v
			}
			patch[k] = val
		}
		return a.rpc.SetUserState(ctx, idWarrant, patch)
	default:
		return fmt.Errorf("unknown state command %q", args[0])
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "thinauth.db"
	}
	return filepath.Join(dir, "thinauth", "client.db")
}
