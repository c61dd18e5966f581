package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/internal/config"
	"github.com/ovaphlow/pitchfork/service-account/internal/media"
	"github.com/ovaphlow/pitchfork/service-account/internal/router"
	"github.com/ovaphlow/pitchfork/service-account/internal/token"
	"github.com/ovaphlow/pitchfork/service-account/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-account/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-account/pkg/database"
	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	if err := run(sugar); err != nil {
		sugar.Errorw("service stopped", "err", err)
		lg.Sync()
		os.Exit(1)
	}
}

func run(sugar *zap.SugaredLogger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	sugar.Infow("starting service-account", "env", cfg.Env, "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closer, err := openStore(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	defer closer.Close()

	mediaStore, err := media.NewS3Store(ctx, cfg.Media)
	if err != nil {
		return err
	}
	tokens, err := token.NewService(cfg.Token)
	if err != nil {
		return err
	}
	hasher, err := user.NewPasswordHasher(cfg.PasswordHasher)
	if err != nil {
		return err
	}

	svc := user.NewUserService(store, mediaStore, tokens, hasher, sugar.Named("user"), user.Options{
		StoreTimeout:  cfg.StoreTimeout,
		UploadTimeout: cfg.UploadTimeout,
	})
	users := user.NewHandler(svc, tokens, sugar.Named("http"), user.HandlerOptions{
		SecureCookies:  cfg.Production(),
		UploadTmpDir:   cfg.UploadTmpDir,
		MaxJSONBytes:   cfg.MaxJSONBytes,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.RegisterRoutes(sugar, users, router.Options{APIPrefix: cfg.APIPrefix, CORSOrigin: cfg.CORSOrigin}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	sugar.Infow("service is running", "prefix", cfg.APIPrefix)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	sugar.Info("shutting down")
	doneCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	sugar.Info("goodbye")
	return nil
}

// openStore returns the configured credential store and what to close on exit.
func openStore(ctx context.Context, cfg config.Config, sugar *zap.SugaredLogger) (user.Store, io.Closer, error) {
	switch cfg.StoreDriver {
	case config.DriverBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("bolt dir: %w", err)
		}
		r, err := userrepo.OpenBoltUserRepo(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		sugar.Infow("using bolt store", "path", cfg.BoltPath)
		return r, r, nil
	default:
		sqlDB, err := database.Connect(database.ConfigFromEnv())
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := database.Migrate(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		db := sqlx.NewDb(sqlDB, "postgres")
		sugar.Info("using postgres store")
		return userrepo.NewUserRepo(db), db, nil
	}
}
