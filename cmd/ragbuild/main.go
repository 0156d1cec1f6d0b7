// Command ragbuild runs build documents with retrieval-augmented content
// generation.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/smallnest/ragbuild/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
