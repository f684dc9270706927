// Command vtd is the session-core daemon supervisor: "vtd serve" starts
// the session manager, control socket, and API socket; "vtd forward"
// is a hidden subcommand spawned once per session by the manager
// itself (spec.md §4.4/§4.5), never invoked directly by an operator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vibetunnel/vtcore/internal/apisocket"
	"github.com/vibetunnel/vtcore/internal/controlsocket"
	"github.com/vibetunnel/vtcore/internal/forwarder"
	"github.com/vibetunnel/vtcore/internal/sessionmgr"
	"github.com/vibetunnel/vtcore/internal/vtconfig"
	"github.com/vibetunnel/vtcore/internal/vtlog"
)

func main() {
	root := &cobra.Command{
		Use:   "vtd",
		Short: "vibetunnel session-core daemon",
	}
	root.AddCommand(serveCmd(), forwardCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the session manager, control socket, and API socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := vtconfig.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := vtlog.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg vtconfig.Config) error {
	log := vtlog.For("vtd")

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}

	mgr, err := sessionmgr.New(cfg, exe)
	if err != nil {
		return fmt.Errorf("init session manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	ctrl := controlsocket.New(cfg, mgr)
	api := apisocket.New(cfg, mgr, ctrl)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 2)
	go func() {
		log.Info("control socket listening", "path", cfg.ControlSocketPath())
		errCh <- ctrl.ListenAndServe(ctx)
	}()
	go func() {
		log.Info("api socket listening", "path", cfg.APISocketPath())
		errCh <- api.ListenAndServe(ctx)
	}()

	printBanner(cfg)
	log.Info("vtd serve started", "root", cfg.Root)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	case err := <-errCh:
		cancel()
		if err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
	}
	return nil
}

func printBanner(cfg vtconfig.Config) {
	if !isTTY(os.Stdout) {
		return
	}
	fmt.Printf("vtd listening: %s, %s\n", cfg.ControlSocketPath(), cfg.APISocketPath())
}

func isTTY(f *os.File) bool {
	if isatty.IsTerminal(f.Fd()) {
		return true
	}
	return term.IsTerminal(int(f.Fd()))
}

func forwardCmd() *cobra.Command {
	var id, rootDir string

	cmd := &cobra.Command{
		Use:    "forward",
		Short:  "run a single session's forwarder process (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := vtconfig.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if rootDir != "" {
				cfg.Root = rootDir
			}
			if err := vtlog.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			return runForward(cfg, id)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "session id")
	cmd.Flags().StringVar(&rootDir, "root", "", "session root directory (overrides VIBETUNNEL_ROOT)")
	cmd.MarkFlagRequired("id")
	return cmd
}

func runForward(cfg vtconfig.Config, id string) error {
	notifier, err := controlsocket.Dial(cfg.ControlSocketPath())
	if err != nil {
		vtlog.For("vtd").Warn("control socket unreachable, running without notifications", "session", id, "error", err)
	}

	opts := []forwarder.Option{}
	if notifier != nil {
		defer notifier.Close()
		opts = append(opts, forwarder.WithNotifier(notifier))
	}

	f, err := forwarder.New(cfg, id, opts...)
	if err != nil {
		return fmt.Errorf("init forwarder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	return f.Run(ctx)
}
