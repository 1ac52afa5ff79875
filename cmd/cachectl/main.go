// Package main runs the cache operations CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	cachectlcmd "github.com/louisbranch/cacheline/internal/cmd/cachectl"
	entrypoint "github.com/louisbranch/cacheline/internal/platform/cmd"
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, cachectlcmd.Usage)
		flag.PrintDefaults()
	}
	cfg, err := cachectlcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[CACHECTL] ")
	ctx, stop := entrypoint.SignalContext(context.Background())
	defer stop()

	err = entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCacheCtl, func(ctx context.Context) error {
		return cachectlcmd.Run(ctx, cfg, os.Stdout)
	})
	if errors.Is(err, cachectlcmd.ErrUsage) {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("cachectl: %v", err)
	}
}
