package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"storyboard-pipeline/assembly"
	"storyboard-pipeline/config"
	"storyboard-pipeline/provider"
	"storyboard-pipeline/retry"
	"storyboard-pipeline/storyboard"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := godotenv.Load(); err != nil {
		logrus.Warn("[main] no .env file found, relying on the environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("[main] %v", err)
	}

	providers, err := provider.New(cfg)
	if err != nil {
		logrus.Fatalf("[main] providers: %v", err)
	}

	policy := retry.New()
	board := storyboard.New(providers.Language, providers.Image, policy)
	assembler := assembly.New(providers.Video, cfg.Paths.Work)

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: newServer(board, assembler, cfg).routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logrus.Infof("[main] listening on %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("[main] server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logrus.Info("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("[main] shutdown: %v", err)
		os.Exit(1)
	}
}
