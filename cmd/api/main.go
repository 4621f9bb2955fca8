package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/oidc"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh"
	refreshrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

func main() {
	// best-effort: without a .env file the real environment is used
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-auth-go")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	oidcCfg, err := oidc.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("oidc config: %v", err)
	}
	ring, err := oidc.NewKeyRingFromConfig(oidcCfg)
	if err != nil {
		sugar.Fatalf("signing keys: %v", err)
	}
	tokens := oidc.NewOIDCService(oidcCfg, ring, sugar, m)
	sugar.Infow("signing key ready", "kid", tokens.ActiveKid(), "issuer", tokens.Issuer())

	db, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	users := userrepo.NewUserRepo(db)
	if err := users.EnsureTable(ctx); err != nil {
		sugar.Fatalf("users table: %v", err)
	}
	userSvc := user.NewUserService(users, user.BcryptHasher{}, sugar)

	refreshCfg, err := refresh.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("refresh config: %v", err)
	}
	store, closeStore, err := openRefreshStore(ctx, refreshCfg, db, sugar)
	if err != nil {
		sugar.Fatalf("refresh store: %v", err)
	}
	defer closeStore()
	rotator := refresh.NewRotator(store, refreshCfg, sugar, m)

	cookies, err := auth.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("cookie config: %v", err)
	}
	svc := auth.NewService(userSvc, tokens, rotator, sugar, m)

	authHandler := auth.NewHandler(svc, cookies, sugar)
	google, ok, err := auth.GoogleConfigFromEnv(tokens.Issuer())
	if err != nil {
		sugar.Fatalf("google sign-in config: %v", err)
	}
	if ok {
		authHandler.AddProvider(auth.NewGoogleProvider(google), google.SuccessRedirect)
		sugar.Infow("google sign-in enabled", "redirect_url", google.RedirectURL)
	}

	handler := router.RegisterRoutes(sugar, oidc.NewHandler(tokens, sugar), authHandler, reg)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Infow("service is running", "addr", addr, "refresh_store", refreshCfg.Backend)

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}

// openRefreshStore builds the configured refresh token backend. The returned
// func releases any connection the store owns.
func openRefreshStore(ctx context.Context, cfg refresh.Config, db *sqlx.DB, sugar *zap.SugaredLogger) (refresh.Store, func(), error) {
	switch cfg.Backend {
	case refresh.BackendPostgres:
		s := refreshrepo.NewPostgresStore(db)
		if err := s.EnsureTable(ctx); err != nil {
			return nil, nil, err
		}
		n, err := s.PurgeExpired(ctx, time.Now().Add(-cfg.Retention))
		if err != nil {
			return nil, nil, fmt.Errorf("purge expired: %w", err)
		}
		sugar.Infow("purged expired refresh tokens", "rows", n)
		return s, func() {}, nil
	case refresh.BackendRedis:
		rdb, err := database.ConnectRedis(database.RedisConfigFromEnv())
		if err != nil {
			return nil, nil, err
		}
		return refreshrepo.NewRedisStore(rdb, cfg.Retention), func() { _ = rdb.Close() }, nil
	case refresh.BackendMemory:
		sugar.Warn("refresh tokens are kept in memory and lost on restart")
		return refresh.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown backend %q", refresh.ErrConfig, cfg.Backend)
	}
}
