// Command server runs the client gateway: the read-optimized view and
// share/sign surface in front of the commitment registry.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/config"
	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/logging"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/gateway/internal/registryclient"
)

func main() {
	cfg, err := config.Load("gateway")
	if err != nil {
		panic(err)
	}
	logging.InitLogging(cfg.Logging)
	log := logging.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := newGateway(
		registryclient.New(cfg.Gateway.RegistryURL),
		cfg.Gateway.PublicOrigin,
		cfg.Gateway.CacheSize,
		cfg.Gateway.CacheTTL,
	)
	g.log = log

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: newRouter(g, log)}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Info("gateway listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("registry_url", cfg.Gateway.RegistryURL))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server exited", zap.Error(err))
	}
}
