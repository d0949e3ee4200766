// Command entitlectl runs the entitlement engine as a service and exposes
// its maintenance jobs as one-shot commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/api"
	"github.com/xraph/entitle/id"
)

// Version is set at build time with -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "entitlectl",
		Short:         "Publication entitlement engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	// withRuntime loads config, builds the engine and tears it down after fn.
	withRuntime := func(fn func(ctx context.Context, rt *runtime) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			runErr := fn(ctx, rt)
			if err := rt.Close(); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the admin API, outbox worker and reconciliation scheduler",
			RunE:  withRuntime(serve),
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending store migrations",
			RunE: withRuntime(func(ctx context.Context, rt *runtime) error {
				if err := rt.engine.Store().Migrate(ctx); err != nil {
					return err
				}
				rt.logger.Info("migrations applied", "driver", rt.cfg.Store.Driver)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Run one reconciliation pass and print its summary",
			RunE: withRuntime(func(ctx context.Context, rt *runtime) error {
				summary, err := rt.engine.Reconcile(ctx, actor.System)
				if summary != nil {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					if encErr := enc.Encode(summary); encErr != nil {
						return encErr
					}
				}
				if err != nil {
					return err
				}
				return summary.Err()
			}),
		},
		&cobra.Command{
			Use:   "dispatch",
			Short: "Deliver due side effects once",
			RunE: withRuntime(func(ctx context.Context, rt *runtime) error {
				n, err := rt.engine.DispatchPending(ctx)
				rt.logger.Info("dispatch finished", "processed", n)
				return err
			}),
		},
		&cobra.Command{
			Use:   "retry <message-id>",
			Short: "Requeue a dead-lettered side effect with a fresh attempt budget",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				msgID, err := id.ParseOutboxID(args[0])
				if err != nil {
					return fmt.Errorf("invalid message id %q: %w", args[0], err)
				}
				return withRuntime(func(ctx context.Context, rt *runtime) error {
					se, err := rt.engine.RetrySideEffect(ctx, actor.System, msgID)
					if err != nil {
						return err
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(se)
				})(cmd, args)
			},
		},
	)
	return root
}

// serve runs the engine workers plus the admin and metrics listeners until
// ctx is cancelled.
func serve(ctx context.Context, rt *runtime) error {
	if err := rt.engine.Start(ctx); err != nil {
		return err
	}

	adminSrv := &http.Server{
		Addr:              rt.cfg.HTTP.Addr,
		Handler:           api.NewRouter(rt.engine, rt.logger, rt.cfg.HTTP.BasePath),
		ReadHeaderTimeout: rt.cfg.HTTP.ReadTimeout,
		ReadTimeout:       rt.cfg.HTTP.ReadTimeout,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Use(middleware.Recoverer)
	metricsRouter.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              rt.cfg.HTTP.MetricsAddr,
		Handler:           metricsRouter,
		ReadHeaderTimeout: rt.cfg.HTTP.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{adminSrv, metricsSrv} {
		g.Go(func() error {
			rt.logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return errors.Join(adminSrv.Shutdown(shutdownCtx), metricsSrv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
