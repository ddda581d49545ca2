package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mediaflow/anytime"
	"mediaflow/auth"
	"mediaflow/config"
	"mediaflow/db"
	"mediaflow/territory"
	"mediaflow/throttle"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := cfg.Require(config.NeedDatabase, config.NeedJWTSecret); err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if cfg.MigrateOnStart {
				if err := db.Migrate(ctx, pool); err != nil {
					return err
				}
			}

			repo := anytime.NewRepository(pool)
			timeline, outbox := anytime.NewTimeline(), anytime.NewOutbox()
			coordinator := anytime.NewCoordinator(pool, repo).WithLogger(logger).WithEvents(timeline, outbox)

			var limiter throttle.Limiter = throttle.NewLocal(cfg.ClaimRatePerMinute, cfg.ClaimBurst)
			if cfg.DistributedThrottle() {
				client := throttle.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
				defer client.Close()
				limiter = throttle.NewRedis(client, cfg.ClaimRatePerMinute, cfg.ClaimBurst)
			}

			server := &Server{
				windowService:    anytime.NewService(pool, repo).WithLogger(logger).WithEvents(timeline, outbox),
				coordinator:      coordinator,
				queries:          anytime.NewQueries(repo),
				territoryService: territory.NewService(territory.NewRepository(pool)),
				authService:      auth.NewService(cfg.JWTSecret),
				claimLimiter:     limiter,
				logger:           logger,
			}

			httpServer := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           server.routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return anytime.NewSweeper(coordinator, cfg.SweepInterval, logger).Run(gctx)
			})
			g.Go(func() error {
				logger.Info("http server listening", "addr", cfg.HTTPAddr, "distributed_throttle", cfg.DistributedThrottle())
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := cfg.Require(config.NeedDatabase); err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			files, _ := db.MigrationFiles()
			fmt.Fprintf(cmd.OutOrStdout(), "migrations up to date (%d files)\n", len(files))
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	var asOf string

	c := &cobra.Command{
		Use:   "sweep",
		Short: "Expire unclaimed windows whose end date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := cfg.Require(config.NeedDatabase); err != nil {
				return err
			}

			day := anytime.DateOf(time.Now())
			if asOf != "" {
				if day, err = anytime.ParseDate(asOf); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			coordinator := anytime.NewCoordinator(pool, anytime.NewRepository(pool)).
				WithLogger(newLogger(cfg)).
				WithEvents(anytime.NewTimeline(), anytime.NewOutbox())
			n, err := coordinator.ExpireOverdue(ctx, day)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d window(s) ending before %s\n", n, anytime.FormatDate(day))
			return nil
		},
	}

	c.Flags().StringVar(&asOf, "as-of", "", "expire windows ending before this date (YYYY-MM-DD, default today)")
	return c
}

func newTokenCmd() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)

	c := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := cfg.Require(config.NeedJWTSecret); err != nil {
				return err
			}

			parsed, ok := auth.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q (photographer, listing_agent, admin)", role)
			}
			token, err := auth.NewService(cfg.JWTSecret).IssueToken(userID, parsed, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	c.Flags().StringVar(&userID, "user", "", "user id (the worker id for photographers)")
	c.Flags().StringVar(&role, "role", string(auth.RolePhotographer), "photographer, listing_agent or admin")
	c.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	_ = c.MarkFlagRequired("user")
	return c
}
