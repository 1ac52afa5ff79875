// Package main starts the sync hub process lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	entrypoint "github.com/louisbranch/cacheline/internal/platform/cmd"
	synchubcmd "github.com/louisbranch/cacheline/internal/cmd/synchub"
)

func main() {
	cfg, err := synchubcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[SYNCHUB] ")
	ctx, stop := entrypoint.SignalContext(context.Background())
	defer stop()

	if err := synchubcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
