// Command reaperctl is the operator CLI for the TTL-Aware Expiry Reaper:
// reaper:status, reaper:run-manual, and counter:reset, each mapped onto a
// documented process exit code so the caller (cron, a runbook, a human)
// can branch on outcome without parsing output.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pulsehub/profile-engine/internal/config"
	"github.com/pulsehub/profile-engine/internal/pulseerr"
	"github.com/pulsehub/profile-engine/internal/reaper"
	"github.com/pulsehub/profile-engine/internal/store/redisstore"
	"github.com/pulsehub/profile-engine/pkg/logger"
	"github.com/pulsehub/profile-engine/pkg/metrics"
)

const (
	exitSuccess         = 0
	exitLeaseContention = 2
	exitStoreUnavailable = 3
	exitCancelled        = 4
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "reaperctl",
		Short: "Operate the PulseHub TTL-aware expiry reaper",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		statusCommand(&configPath),
		runManualCommand(&configPath),
		counterResetCommand(&configPath),
	)

	if err := root.Execute(); err != nil {
		os.Exit(exitForError(err))
	}
}

func buildReaper(configPath string) (*reaper.Reaper, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
	rs := redisstore.New(client)

	m := metrics.NewDomainMetrics("pulsehub")
	r, err := reaper.New(rs, reaper.Config{
		BatchSize:        cfg.Reaper.BatchSize,
		MaxIterations:    cfg.Reaper.MaxIterations,
		LockExpireTime:   cfg.Reaper.LockExpireTime,
		MaxExecutionTime: cfg.Reaper.MaxExecutionTime,
	}, log, m.Reaper)
	if err != nil {
		return nil, nil, err
	}
	return r, log, nil
}

func exitForError(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, reaper.ErrLeaseContention):
		return exitLeaseContention
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case pulseerr.IsTransient(err), pulseerr.IsFatal(err):
		return exitStoreUnavailable
	default:
		return exitStoreUnavailable
	}
}

func statusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reaper:status",
		Short: "Print the reaper's current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := buildReaper(*configPath)
			if err != nil {
				return err
			}
			status, err := r.Status(cmd.Context())
			if err != nil {
				log.Error("reaperctl: status failed", "error", err)
				return err
			}
			fmt.Printf("running=%v overdue_candidates=%d current_users=%d next_scheduled_at=%s\n",
				status.Running, status.OverdueCandidateCount, status.CurrentUserCount, status.NextScheduledAt)
			return nil
		},
	}
}

func runManualCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reaper:run-manual",
		Short: "Trigger one reconciliation sweep outside the schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := buildReaper(*configPath)
			if err != nil {
				return err
			}
			result, err := r.RunManual(cmd.Context())
			if err != nil {
				if errors.Is(err, reaper.ErrLeaseContention) {
					log.Warn("reaperctl: sweep skipped, lease already held")
				} else {
					log.Error("reaperctl: manual sweep failed", "error", err)
				}
				return err
			}
			fmt.Printf("actually_expired=%d candidates=%d remaining=%d iterations=%d\n",
				result.ActuallyExpired, result.Candidates, result.Remaining, result.Iterations)
			return nil
		},
	}
}

func counterResetCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "counter:reset",
		Short: "Rebuild the total-user counter and expiry index from a primary-store scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := buildReaper(*configPath)
			if err != nil {
				return err
			}
			rebuilt, err := r.CounterReset(cmd.Context())
			if err != nil {
				log.Error("reaperctl: counter reset failed", "error", err)
				return err
			}
			fmt.Printf("rebuilt=%d\n", rebuilt)
			return nil
		},
	}
}
