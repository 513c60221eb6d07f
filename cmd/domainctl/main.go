package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/raizoken23/Stage-One-sub000/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "domainctl:", err.Message)
		stop()
		os.Exit(err.Code)
	}
}
