// apcgate serves an apcupsd NIS status report as a plain HTTP resource.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"apcgate/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "apcgate: %v\n", err)
		os.Exit(1)
	}
}
