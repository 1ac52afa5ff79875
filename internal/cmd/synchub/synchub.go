// Package synchub parses sync hub command flags and launches the relay.
package synchub

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/cacheline/internal/platform/cmd"
	synchubapp "github.com/louisbranch/cacheline/internal/services/synchub/app"
)

// Config holds sync hub command configuration.
type Config struct {
	HTTPAddr      string        `env:"CACHELINE_SYNCHUB_HTTP_ADDR" envDefault:":8095"`
	GRPCAddr      string        `env:"CACHELINE_SYNCHUB_GRPC_ADDR" envDefault:":8096"`
	Backlog       int           `env:"CACHELINE_SYNCHUB_BACKLOG" envDefault:"1024"`
	PeerTTL       time.Duration `env:"CACHELINE_SYNCHUB_PEER_TTL" envDefault:"10m"`
	MaxFrameBytes int           `env:"CACHELINE_SYNCHUB_MAX_FRAME_BYTES" envDefault:"1048576"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The websocket relay listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "The gRPC health listen address")
	fs.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "Frames buffered per disconnected peer")
	fs.DurationVar(&cfg.PeerTTL, "peer-ttl", cfg.PeerTTL, "How long a disconnected peer keeps its backlog")
	fs.IntVar(&cfg.MaxFrameBytes, "max-frame-bytes", cfg.MaxFrameBytes, "Largest accepted frame")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sync hub.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSyncHub, func(ctx context.Context) error {
		return synchubapp.Run(ctx, synchubapp.RuntimeConfig{
			HTTPAddr:      cfg.HTTPAddr,
			GRPCAddr:      cfg.GRPCAddr,
			Backlog:       cfg.Backlog,
			PeerTTL:       cfg.PeerTTL,
			MaxFrameBytes: cfg.MaxFrameBytes,
		})
	})
}
