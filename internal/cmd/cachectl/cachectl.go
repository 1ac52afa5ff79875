// Package cachectl implements the cache operations CLI: it publishes
// invalidation events to a sync hub and sweeps persistent cache files.
package cachectl

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/cacheline/internal/platform/cmd"
	"github.com/louisbranch/cacheline/internal/platform/discovery"
	platformgrpc "github.com/louisbranch/cacheline/internal/platform/grpc"
	"github.com/louisbranch/cacheline/internal/platform/id"
	boltstore "github.com/louisbranch/cacheline/internal/services/cache/storage/bbolt"
	sqlitestore "github.com/louisbranch/cacheline/internal/services/cache/storage/sqlite"
	"github.com/louisbranch/cacheline/internal/services/cache/synchronizer"
	"github.com/louisbranch/cacheline/internal/services/cache/transport/ws"
	synchubapp "github.com/louisbranch/cacheline/internal/services/synchub/app"
)

// Usage is printed for missing or unknown commands.
const Usage = `Usage:
  cachectl [flags] invalidate NAMESPACE KEY
  cachectl [flags] clear [NAMESPACE]
  cachectl [flags] sweep -backend sqlite|bbolt -path FILE
  cachectl [flags] health
`

// ErrUsage reports a malformed command line.
var ErrUsage = errors.New("invalid usage")

// Config holds cachectl configuration.
type Config struct {
	HubURL     string        `env:"CACHELINE_CACHECTL_HUB_URL"`
	HealthAddr string        `env:"CACHELINE_CACHECTL_HEALTH_ADDR"`
	PeerID     string        `env:"CACHELINE_CACHECTL_PEER_ID"`
	Timeout    time.Duration `env:"CACHELINE_CACHECTL_TIMEOUT" envDefault:"5s"`
	Backend    string        `env:"CACHELINE_CACHECTL_BACKEND" envDefault:"sqlite"`
	Path       string        `env:"CACHELINE_CACHECTL_PATH"`
	Args       []string
}

// ParseConfig parses environment and flags. Positional arguments are kept in
// Config.Args.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	cfg.HubURL = discovery.OrDefaultHubURL(cfg.HubURL)
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = discovery.DefaultGRPCAddr(discovery.ServiceSyncHub)
	}
	fs.StringVar(&cfg.HubURL, "hub", cfg.HubURL, "Sync hub websocket URL")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "Sync hub gRPC health address")
	fs.StringVar(&cfg.PeerID, "peer", cfg.PeerID, "Peer id to publish as (generated when empty)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "How long to wait for the hub")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Persistent backend for sweep: sqlite or bbolt")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "Persistent cache file for sweep")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.Args = fs.Args()
	return cfg, nil
}

// Run executes the command named by cfg.Args and writes its result to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if len(cfg.Args) == 0 {
		return ErrUsage
	}
	command, rest := cfg.Args[0], cfg.Args[1:]
	switch command {
	case "invalidate":
		if len(rest) != 2 {
			return fmt.Errorf("%w: invalidate requires NAMESPACE and KEY", ErrUsage)
		}
		event := synchronizer.Event{Kind: synchronizer.KindInvalidate, Namespace: rest[0], Key: rest[1]}
		if err := publish(ctx, cfg, event); err != nil {
			return err
		}
	case "clear":
		if len(rest) > 1 {
			return fmt.Errorf("%w: clear takes at most one NAMESPACE", ErrUsage)
		}
		event := synchronizer.Event{Kind: synchronizer.KindClear}
		if len(rest) == 1 {
			event.Namespace = rest[0]
		}
		if err := publish(ctx, cfg, event); err != nil {
			return err
		}
	case "sweep":
		if len(rest) != 0 {
			return fmt.Errorf("%w: sweep takes no arguments", ErrUsage)
		}
		removed, err := sweep(ctx, cfg, time.Now())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "removed %d expired entries\n", removed)
		return err
	case "health":
		if len(rest) != 0 {
			return fmt.Errorf("%w: health takes no arguments", ErrUsage)
		}
		if err := platformgrpc.Probe(ctx, cfg.HealthAddr, synchubapp.HealthService, cfg.Timeout, nil); err != nil {
			return fmt.Errorf("sync hub at %s is not serving: %w", cfg.HealthAddr, err)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, command)
	}
	_, err := fmt.Fprintln(out, "OK")
	return err
}

// publish connects to the hub, sends one event and waits until it left the
// outbound queue.
func publish(ctx context.Context, cfg Config, event synchronizer.Event) error {
	peerID, err := id.PeerID(cfg.PeerID, entrypoint.ServiceCacheCtl)
	if err != nil {
		return err
	}
	client, err := ws.Dial(cfg.HubURL, peerID, ws.ClientOptions{})
	if err != nil {
		return err
	}
	syncer, err := synchronizer.New(client, synchronizer.Options{PeerID: peerID})
	if err != nil {
		return err
	}
	defer func() {
		_ = syncer.Close()
	}()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := syncer.Start(ctx); err != nil {
		return err
	}
	if err := syncer.Publish(waitCtx, event); err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	if err := syncer.Flush(waitCtx); err != nil {
		return fmt.Errorf("hub %s did not accept the event: %w", cfg.HubURL, err)
	}
	return nil
}

type purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

func sweep(ctx context.Context, cfg Config, now time.Time) (int, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return 0, fmt.Errorf("%w: sweep requires -path", ErrUsage)
	}
	var (
		store purger
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "sqlite", "":
		store, err = sqlitestore.Open(cfg.Path)
	case "bbolt":
		store, err = boltstore.Open(cfg.Path)
	default:
		return 0, fmt.Errorf("%w: unknown backend %q", ErrUsage, cfg.Backend)
	}
	if err != nil {
		return 0, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	defer func() {
		_ = store.Close()
	}()
	return store.PurgeExpired(ctx, now)
}
