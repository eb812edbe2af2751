// Command mkt is a CLI client for the marketplace API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/market-client/internal/account"
	"github.com/and161185/market-client/internal/app"
	"github.com/and161185/market-client/internal/config"
	"github.com/and161185/market-client/internal/errs"
	"github.com/and161185/market-client/internal/expiry"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitErr     = 1
	exitUsage   = 2
	exitExpired = 3
)

func usage(w io.Writer) {
	fmt.Fprint(w, `mkt CLI
Usage:
  mkt [-base-url URL] [-profile NAME] [-storage file|memory|postgres|redis] [-storage-dsn DSN] <cmd> [args]

Commands:
  version
  register  -email <email> -password <pw|-> -name <name> -role client|provider
  login     -email <email> -password <pw|->
  oauth     -access <token> [-refresh <token>]      (finish an OAuth sign-in)
  logout
  whoami    [-remote]
  status
  get       <path> [<path>...]                     (concurrent authenticated GETs)
  watch                                            (print realtime events)
  health    -addr HOST:PORT                        (authenticated gRPC health check)
`)
}

// main wires signals to run and exits with its code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type cli struct {
	app    *app.App
	log    *zap.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg := config.FromEnv()
	fs := flag.NewFlagSet("mkt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return exitUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "version" {
		fmt.Fprintf(stdout, "mkt %s (%s)\n", version, buildDate)
		return exitOK
	}

	logger := newLogger(cfg.Debug)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()
	a.Notifier.OnExpired(func(n expiry.Notice) {
		fmt.Fprintf(stderr, "%s (%s)\n", n.Message, n.Reason)
	})

	c := &cli{app: a, log: logger, stdin: stdin, stdout: stdout, stderr: stderr}
	switch cmd {
	case "register":
		err = c.register(ctx, rest)
	case "login":
		err = c.login(ctx, rest)
	case "oauth":
		err = c.oauth(ctx, rest)
	case "logout":
		err = a.Account.Logout(ctx)
		if err == nil {
			fmt.Fprintln(stdout, "ok")
		}
	case "whoami":
		err = c.whoami(ctx, rest)
	case "status":
		c.status()
	case "get":
		err = c.get(ctx, rest)
	case "watch":
		err = c.watch(ctx)
	case "health":
		err = c.health(ctx, rest)
	default:
		usage(stderr)
		return exitUsage
	}
	if err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		l, _ := zap.NewDevelopment()
		return l
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	l, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func (c *cli) printJSON(v any) {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// readSecret returns v, or the first line of stdin when v is "-".
func (c *cli) readSecret(v string) (string, error) {
	if v != "-" {
		return v, nil
	}
	b, err := io.ReadAll(io.LimitReader(c.stdin, 4096))
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	return strings.TrimSpace(line), nil
}

func fail(w io.Writer, err error) int {
	var apiErr *errs.APIError
	switch {
	case account.IsExpired(err):
		fmt.Fprintln(w, "session expired: run `mkt login`")
		return exitExpired
	case errors.As(err, &apiErr):
		fmt.Fprintf(w, "api error: status=%d msg=%s\n", apiErr.Status, apiErr.Message)
		return exitErr
	}
	fmt.Fprintln(w, err)
	return exitErr
}
