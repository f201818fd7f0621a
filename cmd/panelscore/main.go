package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/civicledger/panelscore/internal/cli"
	"github.com/civicledger/panelscore/internal/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrShortfall):
		fmt.Fprintln(os.Stderr, "Warning:", err)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
