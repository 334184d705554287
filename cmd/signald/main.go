package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stackduel/stackduel/internal/config"
	"github.com/stackduel/stackduel/internal/signald"
	"github.com/stackduel/stackduel/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	log, err := buildLogger()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	srv := signald.New(store.NewTree(), log)
	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("signald listening", zap.String("addr", cfg.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("bye")
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("STACKDUEL_ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
