package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/stackduel/stackduel/internal/config"
	"github.com/stackduel/stackduel/internal/session"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store unreachable is not fatal: degrade to a local match.
	var st store.Client
	if ws, err := store.Dial(ctx, cfg.StoreURL, log); err != nil {
		log.Warn("store unreachable, playing local", zap.String("url", cfg.StoreURL), zap.Error(err))
	} else {
		st = ws
		defer ws.Close()
	}

	opts := []session.Option{
		session.WithOverlay(logOverlay{log: log.Sugar()}),
	}
	if cfg.Autopilot {
		opts = append(opts, session.WithAutopilot())
	}

	s := session.New(cfg, log, st, opts...)
	out := s.Run(ctx)

	verdict := "lost"
	if out.Won {
		verdict = "won"
	}
	log.Info("match finished",
		zap.String("verdict", verdict),
		zap.String("reason", out.Reason),
		zap.Int("score", out.Score),
		zap.Int("lines", out.Lines))
}

// logOverlay narrates overlay cues to the log; a graphical client would
// substitute its own.
type logOverlay struct {
	log *zap.SugaredLogger
}

func (o logOverlay) Show(title, desc string) { o.log.Infof("%s: %s", title, desc) }
func (o logOverlay) Countdown(left int)      { o.log.Infof("matching... %ds", left) }
func (o logOverlay) Hide()                   {}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("STACKDUEL_ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
