// Command server runs the commitment registry API: the authoritative store
// of commitments, their signatures, the event log, and the webhook fan-out.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/config"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/db"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/domain"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/identity"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/logging"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/auth"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/dispatch"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/registry"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/store"
)

func main() {
	cfg, err := config.Load("registry")
	if err != nil {
		panic(err)
	}
	logging.InitLogging(cfg.Logging)
	log := logging.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	if err := bootstrapAdmin(ctx, st, cfg.Registry.Bootstrap); err != nil {
		log.Fatal("admin bootstrap failed", zap.Error(err))
	}

	reg := registry.New(st, registry.Config{
		RequireWitnessCapability: cfg.Registry.RequireWitnessCapability,
	})

	worker := dispatch.NewWorker(st, nil, dispatch.Config{
		Interval:    cfg.Dispatch.Interval,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BaseDelay:   cfg.Dispatch.BaseDelay,
		MaxDelay:    cfg.Dispatch.MaxDelay,
	}, log)
	go worker.Run(ctx)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: newRouter(reg, st, log)}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Info("registry listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", cfg.Store.Driver))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server exited", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.Driver != "postgres" {
		return store.NewMemory(), nil
	}
	if err := store.Migrate(cfg.Store.DSN); err != nil {
		return nil, err
	}
	pool, err := db.Connect(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
	if err != nil {
		return nil, err
	}
	return store.NewPostgres(pool), nil
}

// bootstrapAdmin seeds the configured administrator identity and access key
// so a fresh registry can issue its first grants. Idempotent across restarts.
func bootstrapAdmin(ctx context.Context, st store.Store, b config.BootstrapConfig) error {
	if b.AdminAddress == "" || b.AdminAccessKey == "" {
		return nil
	}
	addr, err := identity.Parse(b.AdminAddress)
	if err != nil {
		return err
	}
	return st.Mutate(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertAccessKey(ctx, auth.HashKey(b.AdminAccessKey), addr); err != nil {
			return err
		}
		return tx.GrantCapability(ctx, addr, domain.CapAdministrator)
	})
}
