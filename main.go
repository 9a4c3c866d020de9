package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/cli"
)

func main() {
	// Cancel on SIGINT/SIGTERM so serve shuts down gracefully
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
