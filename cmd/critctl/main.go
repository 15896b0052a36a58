package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammed-shakir/critical-images/cmd/critctl/commands"
	"github.com/mohammed-shakir/critical-images/internal/core/config"
	"github.com/mohammed-shakir/critical-images/internal/logger"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.FromEnv()
	if err != nil {
		_, _ = os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return 2
	}
	zl := logger.Build(logger.Config{Level: cfg.LogLevel, Console: true, Component: "critctl"}, os.Stderr)
	log := logger.NewSlog(&zl)

	cli := commands.New(cfg, log, os.Stdout, Version)
	if err := cli.Execute(ctx); err != nil {
		log.Error("critctl failed", "err", err)
		return 1
	}
	return 0
}
