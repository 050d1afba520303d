package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/l0p7/swgate/internal/store"
)

func newCachesCommand(opts *rootOptions) *cobra.Command {
	caches := &cobra.Command{
		Use:   "caches",
		Short: "Inspect cache generations in the configured store",
	}
	caches.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every cache generation, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, s store.Store) error {
				names, err := s.Keys(ctx)
				if err != nil {
					return fmt.Errorf("list caches: %w", err)
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	})
	caches.AddCommand(&cobra.Command{
		Use:   "purge <name>",
		Short: "Delete one cache generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withStore(cmd.Context(), opts, func(ctx context.Context, s store.Store) error {
				deleted, err := s.Delete(ctx, name)
				if err != nil {
					return fmt.Errorf("purge cache %q: %w", name, err)
				}
				if !deleted {
					return fmt.Errorf("cache %q not found", name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
				return nil
			})
		},
	})
	return caches
}

func withStore(ctx context.Context, opts *rootOptions, fn func(context.Context, store.Store) error) error {
	cfg, logger, err := loadConfig(ctx, opts.envPrefix, opts.configFile)
	if err != nil {
		return err
	}
	s, err := openStore(cfg.Server.Cache)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer func() {
		if err := s.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("cache store close failed", slog.Any("error", err))
		}
	}()
	return fn(ctx, s)
}
