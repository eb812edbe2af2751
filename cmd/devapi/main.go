// Command devapi starts the development marketplace backend (HTTP + gRPC).
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/market-client/internal/devapi"
	"github.com/and161185/market-client/internal/limiter"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses flags and serves HTTP and gRPC until SIGINT/SIGTERM.
func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	grpcAddr := flag.String("grpc-addr", ":9090", "gRPC listen address, empty disables")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (required)")
	accessTTL := flag.Duration("access-ttl", 15*time.Minute, "access token TTL")
	refreshTTL := flag.Duration("refresh-ttl", 7*24*time.Hour, "refresh token TTL")
	rotate := flag.Bool("rotate", true, "rotate refresh tokens on every refresh")
	dev := flag.Bool("dev", false, "development logging and gRPC reflection")
	flag.Parse()

	logger, _ := zap.NewProduction()
	if *dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
		zap.String("grpcAddr", *grpcAddr),
	)

	if *jwtKey == "" {
		logger.Fatal("missing jwt signing key (--jwt-key)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := devapi.NewService(devapi.Config{
		SignKey:    []byte(*jwtKey),
		AccessTTL:  *accessTTL,
		RefreshTTL: *refreshTTL,
		Rotate:     *rotate,
	}, limiter.NewMemory(15*time.Minute, 5, 15*time.Minute))

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           devapi.NewServer(svc, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening (http)", zap.String("addr", *addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	gs := devapi.NewGRPCServer(svc, logger)
	if *dev {
		reflection.Register(gs)
	}
	if *grpcAddr != "" {
		lis, err := net.Listen("tcp", *grpcAddr)
		if err != nil {
			logger.Fatal("listen", zap.Error(err))
		}
		go func() {
			logger.Info("listening (grpc)", zap.String("addr", *grpcAddr))
			errCh <- gs.Serve(lis)
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)

		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			gs.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
