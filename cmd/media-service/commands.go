package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/media-service/internal/webhook"
	"github.com/book-expert/media-service/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	flagConfig       = "config"
	flagEntity       = "entity"
	flagReason       = "reason"
	defaultReason    = "operator reset"
	providersTimeout = time.Minute
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "media-service",
		Short:         "Media generation service",
		Long:          "media-service turns speech and video requests into artifacts through interchangeable providers, with caching, fallback and asynchronous task reconciliation.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, flagConfig, "", "Path to a TOML config file (defaults to the configurator)")

	root.AddCommand(
		newServeCmd(&configPath),
		newSweepCmd(&configPath),
		newResetCmd(&configPath),
		newProvidersCmd(&configPath),
	)

	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the NATS worker, webhook endpoint and background loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, log, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer closeLogger(log)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize service: %v", err)

		return err
	}
	defer a.close()

	natsWorker, err := worker.NewNatsWorker(a.natsConnection, worker.Subjects{
		Generate:   cfg.NATS.GenerateSubject,
		Status:     cfg.NATS.StatusSubject,
		Completion: cfg.NATS.CompletionSubject,
		Events:     cfg.NATS.EventsSubject,
	}, a.orchestrator, a.reconciler, cfg.NATS.HandleTimeout(), log)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	server := webhook.New(cfg.Webhook.ListenAddr, cfg.Webhook.Token, a.reconciler, a.registry, log)

	// Recover whatever a previous crash left in progress before taking traffic.
	recovered, sweepErr := a.resetter.CleanupStuckStates(ctx)
	if sweepErr != nil {
		log.Warn("Startup sweep finished with errors: %v", sweepErr)
	}

	log.System("Media-Service initialized (%d stuck states recovered). Listening for requests on subject: %s",
		recovered, cfg.NATS.GenerateSubject)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return natsWorker.Run(groupCtx) })
	group.Go(func() error { return server.Serve(groupCtx) })
	group.Go(func() error {
		a.reconciler.Run(groupCtx)

		return nil
	})
	group.Go(func() error {
		a.resetter.Run(groupCtx)

		return nil
	})
	group.Go(func() error {
		a.cache.Run(groupCtx)

		return nil
	})
	group.Go(func() error {
		a.registry.RunHealthChecks(groupCtx, cfg.Reconciler.PollInterval())

		return nil
	})

	err = group.Wait()
	if err != nil {
		log.Error("Service stopped with error: %v", err)

		return err
	}

	log.System("Media-Service stopped.")

	return nil
}

func newSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail stuck operations and tasks once, purge old tasks, and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer closeLogger(log)

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			recovered, err := a.resetter.CleanupStuckStates(cmd.Context())
			if err != nil {
				log.Warn("Sweep finished with errors: %v", err)
			}

			purged, purgeErr := a.reconciler.PurgeTerminal(cmd.Context())
			if purgeErr != nil {
				return purgeErr
			}

			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stuck states, purged %d terminal tasks\n", recovered, purged)

			return err
		},
	}
}

func newResetCmd(configPath *string) *cobra.Command {
	var entityID, reason string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Force every in-progress operation of an entity to failed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer closeLogger(log)

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			summary := a.resetter.ResetEntity(cmd.Context(), entityID, reason)

			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().StringVar(&entityID, flagEntity, "", "Entity whose state is reset")
	cmd.Flags().StringVar(&reason, flagReason, defaultReason, "Reason recorded on the failed records")
	_ = cmd.MarkFlagRequired(flagEntity)

	return cmd
}

func newProvidersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Configure and health-check every provider, then print the fallback ranking",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer closeLogger(log)

			ctx, cancel := context.WithTimeout(cmd.Context(), providersTimeout)
			defer cancel()

			registry, err := newRegistry(ctx, cfg, log)
			if err != nil {
				return err
			}

			defer func() {
				shutdownErr := registry.Shutdown()
				if shutdownErr != nil {
					log.Warn("Failed to shut down providers: %v", shutdownErr)
				}
			}()

			return printProviders(cmd.OutOrStdout(), registry.FallbackOrder(), registry.Descriptors())
		},
	}
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	return nil
}
