// Package main is the entry point for the blastgo headless simulator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Faultbox/blastgo/internal/config"
	"github.com/Faultbox/blastgo/internal/logger"
	"github.com/Faultbox/blastgo/internal/sim"
)

func main() {
	// Parse CLI flags first
	config.ParseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("=== blastgo simulator ===")
	logger.Sugar.Debugf("Config: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := sim.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to create simulation", zap.Error(err))
		os.Exit(1)
	}

	sum, err := s.Run(ctx)
	if cerr := s.Close(); cerr != nil {
		logger.Error("closing simulation", zap.Error(cerr))
	}
	if err != nil {
		logger.Error("simulation error", zap.Error(err))
		os.Exit(1)
	}

	for _, id := range s.Sessions() {
		logger.Info("journal session recorded", zap.Int64("session", id), zap.String("path", cfg.Journal.Path))
	}
	fmt.Printf("steps=%d shots=%d splits=%d stress=%d actors=%d\n", sum.Steps, sum.Shots, sum.Splits, sum.Stress, sum.Actors)
}
