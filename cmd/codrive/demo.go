package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/codrive/codrive/internal/config"
	"github.com/codrive/codrive/internal/memdrive"
	"github.com/codrive/codrive/internal/metrics"
	"github.com/codrive/codrive/pkg/codrive"
	"github.com/codrive/codrive/pkg/drive"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	metricsAddr string
	demoTimeout time.Duration
)

func newDemoCmd() *cobra.Command {
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the multi-writer scenarios on an in-process swarm",
		Long: `Runs four scenarios against in-memory drives:

  clone      a clone reads the primary's files
  authorize  the owner authorizes a writer; a clone sees its files
  request    a clone asks the owner for write access and writes
  revoke     the owner deauthorizes a writer; its files disappear`,
		RunE: runDemo,
	}

	demoCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address and keep running until interrupted")
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 30*time.Second, "timeout per scenario")

	return demoCmd
}

type scenario struct {
	name string
	run  func(ctx context.Context, base codrive.Options) error
}

var scenarios = []scenario{
	{name: "clone", run: scenarioClone},
	{name: "authorize", run: scenarioAuthorize},
	{name: "request", run: scenarioRequest},
	{name: "revoke", run: scenarioRevoke},
}

// nolint:revive // args required by cobra.Command RunE signature
func runDemo(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := baseOptions()
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		base.Metrics = metrics.Registry
		srv := serveMetrics(metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var failed int
	for _, sc := range scenarios {
		scCtx, cancel := context.WithTimeout(ctx, demoTimeout)
		start := time.Now()
		err := sc.run(scCtx, base)
		cancel()

		if err != nil {
			failed++
			log.Error().Err(err).Str("scenario", sc.name).Msg("Scenario failed")
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %-10s %v\n", sc.name, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok    %-10s %s\n", sc.name, time.Since(start).Round(time.Millisecond))
	}

	if metricsAddr != "" {
		log.Info().Str("addr", metricsAddr).Msg("Serving metrics, interrupt to exit")
		<-ctx.Done()
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(scenarios))
	}
	return nil
}

// baseOptions returns codrive options from the config file, or defaults.
func baseOptions() (codrive.Options, error) {
	logger := log.Logger.With().Str("component", "demo").Logger()

	if cfgFile == "" {
		opts := codrive.DefaultOptions()
		opts.Logger = logger
		opts.AuthTimeout = 5 * time.Second
		opts.Drive.Announce = true
		opts.Drive.Lookup = true
		return opts, nil
	}

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return codrive.Options{}, err
	}
	opts, err := cfg.Options(logger)
	if err != nil {
		return codrive.Options{}, err
	}
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Listen
	}
	// Scenario peers must find each other.
	opts.Drive.Announce = true
	opts.Drive.Lookup = true
	return opts, nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	return srv
}

// demoEnv is one swarm with the handles a scenario opened.
type demoEnv struct {
	swarm  *memdrive.Swarm
	opened []*codrive.Drive
}

func newDemoEnv(base codrive.Options) *demoEnv {
	return &demoEnv{
		swarm: memdrive.NewSwarm(base.Logger),
	}
}

func (e *demoEnv) open(ctx context.Context, node *memdrive.Node, nameOrKey string, opts codrive.Options) (*codrive.Drive, error) {
	d, err := codrive.Open(node, nameOrKey, opts)
	if err != nil {
		return nil, err
	}
	e.opened = append(e.opened, d)
	if err := d.Ready(ctx); err != nil {
		return nil, fmt.Errorf("ready %s: %w", d.Key().Short(), err)
	}
	return d, nil
}

func (e *demoEnv) close() {
	for i := len(e.opened) - 1; i >= 0; i-- {
		_ = e.opened[i].Close()
	}
}

// writerDrive creates a plain drive owned by node holding files.
func writerDrive(ctx context.Context, node *memdrive.Node, files map[string]string) (drive.Key, error) {
	d, err := node.OpenDrive("writer", drive.Options{})
	if err != nil {
		return drive.Key{}, err
	}
	defer func() { _ = d.Close() }()

	for name, content := range files {
		if err := d.WriteFile(ctx, name, []byte(content)); err != nil {
			return drive.Key{}, err
		}
	}
	return d.Key(), nil
}

func expectFile(ctx context.Context, d *codrive.Drive, name, want string) error {
	data, err := d.ReadFile(ctx, name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if string(data) != want {
		return fmt.Errorf("read %s: got %q, want %q", name, data, want)
	}
	return nil
}

func waitPeers(ctx context.Context, d *codrive.Drive) error {
	if len(d.Peers()) > 0 {
		return nil
	}

	opened := make(chan struct{}, 1)
	cancel := d.OnPeerOpen(func(drive.Peer) {
		select {
		case opened <- struct{}{}:
		default:
		}
	})
	defer cancel()

	if len(d.Peers()) > 0 {
		return nil
	}
	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for peers: %w", ctx.Err())
	}
}

func scenarioClone(ctx context.Context, base codrive.Options) error {
	env := newDemoEnv(base)
	defer env.close()

	a, err := env.open(ctx, env.swarm.NewNode("a"), "example", base)
	if err != nil {
		return err
	}
	if err := a.WriteFile(ctx, "/example.txt", []byte("Hello World!")); err != nil {
		return err
	}

	b, err := env.open(ctx, env.swarm.NewNode("b"), a.Key().String(), base)
	if err != nil {
		return err
	}
	if err := waitPeers(ctx, b); err != nil {
		return err
	}
	return expectFile(ctx, b, "/example.txt", "Hello World!")
}

func scenarioAuthorize(ctx context.Context, base codrive.Options) error {
	env := newDemoEnv(base)
	defer env.close()

	writer, err := writerDrive(ctx, env.swarm.NewNode("c"), map[string]string{
		"/example.txt": "Hello World!",
	})
	if err != nil {
		return err
	}

	a, err := env.open(ctx, env.swarm.NewNode("a"), "example", base)
	if err != nil {
		return err
	}
	if err := a.Authorize(ctx, writer); err != nil {
		return fmt.Errorf("authorize: %w", err)
	}

	b, err := env.open(ctx, env.swarm.NewNode("b"), a.Key().String(), base)
	if err != nil {
		return err
	}
	return expectFile(ctx, b, "/example.txt", "Hello World!")
}

func scenarioRequest(ctx context.Context, base codrive.Options) error {
	env := newDemoEnv(base)
	defer env.close()

	ownerOpts := base
	ownerOpts.OnAuth = codrive.AllowAll
	a, err := env.open(ctx, env.swarm.NewNode("a"), "example", ownerOpts)
	if err != nil {
		return err
	}

	nodeB := env.swarm.NewNode("b")
	writer, err := writerDrive(ctx, nodeB, nil)
	if err != nil {
		return err
	}

	b, err := env.open(ctx, nodeB, a.Key().String(), base)
	if err != nil {
		return err
	}
	if err := waitPeers(ctx, b); err != nil {
		return err
	}

	allowed, err := b.RequestAuthorization(ctx, writer)
	if err != nil {
		return fmt.Errorf("request authorization: %w", err)
	}
	if !allowed {
		return fmt.Errorf("request authorization: denied")
	}

	if err := b.WriteFile(ctx, "/example.txt", []byte("Hello from b")); err != nil {
		return err
	}
	return expectFile(ctx, b, "/example.txt", "Hello from b")
}

func scenarioRevoke(ctx context.Context, base codrive.Options) error {
	env := newDemoEnv(base)
	defer env.close()

	writer, err := writerDrive(ctx, env.swarm.NewNode("c"), map[string]string{
		"/example.txt": "Hello World!",
	})
	if err != nil {
		return err
	}

	a, err := env.open(ctx, env.swarm.NewNode("a"), "example", base)
	if err != nil {
		return err
	}
	if err := a.Authorize(ctx, writer); err != nil {
		return fmt.Errorf("authorize: %w", err)
	}

	b, err := env.open(ctx, env.swarm.NewNode("b"), a.Key().String(), base)
	if err != nil {
		return err
	}
	if err := expectFile(ctx, b, "/example.txt", "Hello World!"); err != nil {
		return err
	}

	if err := a.Deauthorize(ctx, writer); err != nil {
		return fmt.Errorf("deauthorize: %w", err)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		_, err := b.ReadFile(ctx, "/example.txt")
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("file still readable after deauthorization: %w", ctx.Err())
		}
	}
}
