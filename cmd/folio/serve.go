package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aretw0/folio"
	"github.com/aretw0/folio/internal/config"
	"github.com/aretw0/folio/internal/presentation/tui"
	httpadapter "github.com/aretw0/folio/pkg/adapters/http"
	"github.com/aretw0/folio/pkg/kernel"
	"github.com/aretw0/folio/pkg/observability"
	"github.com/aretw0/folio/pkg/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the notebook session server",
	Long: `Starts the HTTP server. Clients open a WebSocket on /notebooks/{id}/ws; every client of
a notebook shares one session and one kernel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		if cfg.Log.Format == "text" && tui.IsTerminal(os.Stderr) {
			tui.PrintBanner(os.Stderr, strings.TrimSpace(folio.Version))
		}
		return serve(cmd.Context(), cfg, cfg.Logger())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.String("addr", "", "Address to listen on")
	f.String("log-level", "", "Log level (debug, info, warn, error)")
	f.String("log-format", "", "Log format (json, text)")
	f.String("store", "", "Notebook store (memory, file, redis, postgres)")
	f.String("store-dir", "", "Notebook directory of the file store")
	f.String("redis-addr", "", "Redis address")
	f.Bool("redis-lock", false, "Guard sessions with a redis lock")
	f.String("pg-url", "", "Postgres connection URL")
	f.String("kernels", "", "Kernelspec file (YAML or JSON)")
	f.String("kernel", "", "Kernel to start for each notebook")
	f.Bool("no-kernel", false, "Run sessions without kernels")
	f.Duration("grace", 0, "How long a session outlives its last client")
	f.Duration("autosave", 0, "Autosave interval (0 disables)")
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	metrics := observability.New()
	opts := []session.Option{
		session.WithMetrics(metrics),
		session.WithGracePeriod(cfg.Session.GracePeriod),
		session.WithAutosave(cfg.Session.Autosave),
		session.WithSaveTimeout(cfg.Session.SaveTimeout),
		session.WithLockTTL(cfg.Session.LockTTL),
	}
	if b.locker != nil {
		opts = append(opts, session.WithLocker(b.locker))
	}
	if !cfg.Kernel.Disabled {
		kernelOpt, err := kernelOption(cfg, logger)
		if err != nil {
			return err
		}
		opts = append(opts, kernelOpt)
	}
	eng := folio.New("",
		folio.WithStore(b.store),
		folio.WithLogger(logger),
		folio.WithSessionOptions(opts...),
	)
	manager := eng.Sessions()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpadapter.NewHandler(manager,
			httpadapter.WithLogger(logger),
			httpadapter.WithMetrics(metrics),
			httpadapter.WithOutboxSize(cfg.Session.OutboxSize),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("folio listening", "addr", srv.Addr, "store", cfg.Store.Kind, "kernel", !cfg.Kernel.Disabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give open sessions a deadline to save and stop their kernels.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			_ = srv.Close()
		}
		if err := eng.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	if err == nil {
		logger.Info("folio stopped")
	}
	return err
}

// kernelOption resolves the default kernelspec and returns the session option that starts one
// kernel process per notebook.
func kernelOption(cfg config.Config, logger *slog.Logger) (session.Option, error) {
	specs, err := kernel.LoadSpecs(cfg.Kernel.Specs)
	if err != nil {
		return nil, err
	}
	spec, ok := specs[cfg.Kernel.Default]
	if !ok {
		return nil, fmt.Errorf("kernel %q not found; available: %v", cfg.Kernel.Default, kernel.SpecNames(specs))
	}

	factory := func(notebookID string) kernel.Launcher {
		return kernel.NewProcessLauncher(spec,
			kernel.WithWorkDir(cfg.Kernel.WorkDir),
			kernel.WithLauncherLogger(logger.With("notebook_id", notebookID)),
		)
	}
	return session.WithKernel(factory,
		kernel.WithMaxRestarts(cfg.Kernel.MaxRestarts),
		kernel.WithStopTimeout(cfg.Kernel.StopTimeout),
	), nil
}
