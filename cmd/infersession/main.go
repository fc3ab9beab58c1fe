package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/infersession/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cli.Execute(ctx)
	cancel()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "infersession: %v\n", err)
	}
	os.Exit(cli.ExitCode(err))
}
