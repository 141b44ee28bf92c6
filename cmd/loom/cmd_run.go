package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"loom/internal/config"
	"loom/internal/watch"
	"loom/pkg/backend"
	"loom/pkg/buffer"
	"loom/pkg/eventlog"
	"loom/pkg/patch"
	"loom/pkg/protocol"
	"loom/pkg/queue"
	"loom/pkg/scheduler"
)

// newRunCmd creates the "loom run" subcommand: the long-running engine
// over a project directory.
func newRunCmd() *cobra.Command {
	var root string
	var dbPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch a project and process annotations",
		Long:  "Watches the project tree for marker comments, generates code\nfor each one, and applies the results back into the files.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.DBPath
			}
			if dbPath == "" {
				dbPath = eventlog.DefaultDBPath()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runEngine(ctx, cmd, root, dbPath, cfg)
		},
	}

	cmd.Flags().StringVar(&root, "root", ".", "project root to watch")
	cmd.Flags().StringVar(&dbPath, "db", "", "event log database path")
	return cmd
}

// runEngine wires host, queue, patches, log, backends, scheduler, and
// watcher, then blocks until ctx is cancelled.
func runEngine(ctx context.Context, cmd *cobra.Command, root, dbPath string, cfg config.Config) error {
	host := buffer.NewDirHost(root)
	q := queue.New()
	pm := patch.NewManager(host, buffer.FileScopeResolver{Host: host})

	logger, err := eventlog.Open(dbPath)
	if err != nil {
		// The log is an observability aid, not a dependency.
		fmt.Fprintf(cmd.ErrOrStderr(), "event log unavailable: %v\n", err)
	} else {
		defer logger.Close()
		logger.AttachQueue(q)
		logger.AttachPatches(pm)
	}

	sched := scheduler.New(q, pm, cfg.SchedulerConfig())
	if err := registerBackends(sched, cfg); err != nil {
		return err
	}

	sched.Start(ctx)
	defer sched.Stop()

	w := watch.New(root, sched, watch.Config{
		Extensions:   cfg.Watch.Extensions,
		FallbackPoll: cfg.FallbackPoll(),
	})

	fmt.Fprintf(cmd.OutOrStdout(), "loom watching %s\n", root)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// registerBackends wires the configured tiers. At least one must be
// usable or the engine would accept work it can never run.
func registerBackends(sched *scheduler.Scheduler, cfg config.Config) error {
	registered := false
	if cfg.Local.Command != "" {
		sched.RegisterBackend(protocol.BackendLocal,
			backend.NewExecBackend(cfg.Local.Command, cfg.Local.Args...))
		registered = true
	}
	if cfg.Remote.BaseURL != "" {
		b := backend.NewHTTPBackend(cfg.Remote.BaseURL, cfg.Remote.Model, cfg.Remote.APIKey())
		b.MaxTokens = cfg.Remote.MaxTokens
		sched.RegisterBackend(protocol.BackendRemote, b)
		registered = true
	}
	if !registered {
		return fmt.Errorf("no backend configured: set local.command or remote.base_url")
	}
	return nil
}
