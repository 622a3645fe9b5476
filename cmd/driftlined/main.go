// Command driftlined runs the control plane: the scheduler, the HTTP
// control surface and, by default, embedded workers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/driftline/driftline/internal/app"
	"github.com/driftline/driftline/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}
