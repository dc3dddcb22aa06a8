package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"beacon/internal/config"
	"beacon/internal/logger"
	"beacon/internal/service"
)

func main() {
	cfg := config.Default()
	logger.Init(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := service.New(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	log := logger.WithComponent("main")
	select {
	case <-sigs:
		log.Info().Msg("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("service exited")
			os.Exit(1)
		}
	}

	log.Info().Msg("exited")
}
