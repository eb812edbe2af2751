package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/market-client/internal/authapi"
	"github.com/and161185/market-client/internal/errs"
	"github.com/and161185/market-client/internal/model"
	"github.com/and161185/market-client/internal/realtime"
)

var errNeedCredentials = errors.New("need -email and -password")

func (c *cli) register(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password, - reads stdin")
	name := fs.String("name", "", "display name")
	role := fs.String("role", string(model.RoleClient), "client|provider")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pw, err := c.readSecret(*password)
	if err != nil {
		return err
	}
	if *email == "" || pw == "" {
		return errNeedCredentials
	}
	u, err := c.app.Account.Register(ctx, authapi.Registration{Email: *email, Password: pw, Name: *name, Role: model.Role(*role)})
	if err != nil {
		return err
	}
	c.printJSON(u)
	return nil
}

func (c *cli) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password, - reads stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pw, err := c.readSecret(*password)
	if err != nil {
		return err
	}
	if *email == "" || pw == "" {
		return errNeedCredentials
	}
	u, err := c.app.Account.Login(ctx, *email, pw)
	if err != nil {
		return err
	}
	c.printJSON(u)
	return nil
}

func (c *cli) oauth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("oauth", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	access := fs.String("access", "", "access token from the OAuth callback")
	refreshTok := fs.String("refresh", "", "refresh token from the OAuth callback")
	if err := fs.Parse(args); err != nil {
		return err
	}
	u, err := c.app.Account.CompleteOAuth(ctx, *access, *refreshTok)
	if err != nil {
		return err
	}
	c.printJSON(u)
	return nil
}

func (c *cli) whoami(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	remote := fs.Bool("remote", false, "fetch the profile from the backend")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var (
		u   *model.User
		err error
	)
	if *remote {
		u, err = c.app.Account.Me(ctx)
	} else {
		u, err = c.app.Account.CurrentUser()
	}
	if err != nil {
		return err
	}
	c.printJSON(u)
	return nil
}

func (c *cli) status() {
	type out struct {
		LoggedIn   bool       `json:"loggedIn"`
		NearExpiry bool       `json:"nearExpiry"`
		ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
		Refresh    bool       `json:"hasRefreshToken"`
		Onboarded  bool       `json:"onboardingCompleted"`
	}
	s := c.app.Session
	o := out{
		LoggedIn:   s.IsLoggedIn(),
		NearExpiry: s.IsTokenNearExpiry(),
		Refresh:    s.RefreshToken() != "",
		Onboarded:  s.OnboardingCompleted(),
	}
	if exp, ok := s.AccessExpiry(); ok {
		o.ExpiresAt = &exp
	}
	c.printJSON(o)
}

// get fetches every path concurrently; the pipeline shares one refresh among them.
func (c *cli) get(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return errors.New("need at least one path")
	}
	results := make([]json.RawMessage, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			return c.app.API.Get(gctx, p, &results[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(paths) == 1 {
		c.printJSON(results[0])
		return nil
	}
	byPath := make(map[string]json.RawMessage, len(paths))
	for i, p := range paths {
		byPath[p] = results[i]
	}
	c.printJSON(byPath)
	return nil
}

func (c *cli) watch(ctx context.Context) error {
	conn, err := c.app.Realtime.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	err = conn.Run(ctx, func(ev realtime.Event) { c.printJSON(ev) })
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *cli) health(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	addr := fs.String("addr", "localhost:9090", "gRPC address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := append(c.app.GRPC.DialOptions(c.log), grpc.WithTransportCredentials(insecure.NewCredentials()))
	cc, err := grpc.NewClient(*addr, opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrNetworkUnavailable, err)
	}
	defer cc.Close()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, resp.GetStatus().String())
	return nil
}
