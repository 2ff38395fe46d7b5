// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/youbridge/cmd"
)

func main() {
	// Ctrl+C cancels the running command; it cleans up its browsers before returning.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
