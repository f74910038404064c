// Package main is the entrypoint for the savesync client.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/savesync/savesync/internal/client/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], cli.Deps{})
	stop()
	os.Exit(code)
}
