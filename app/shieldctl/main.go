package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dynamic-shield/shield-oracle/app/shieldctl/cli"
	"github.com/joho/godotenv"
)

func main() {
	// same .env as the service, if present
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shieldctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}
