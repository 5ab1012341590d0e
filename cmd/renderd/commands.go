package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hacklily/renderd/internal/config"
	"github.com/hacklily/renderd/internal/runtime"
	"github.com/hacklily/renderd/internal/scheduler"
	"github.com/hacklily/renderd/internal/source"
)

// loadConfig binds the command's persistent flags into viper (so
// RENDERD_-prefixed environment variables can override them) and
// assembles an immutable config.Config. No config file is read. This is
// the only place in the whole program that touches viper; everything
// under internal/ receives a plain struct.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RENDERD")
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config.Config{}, fmt.Errorf("bind flags: %w", err)
	}
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		return config.Config{}, fmt.Errorf("bind persistent flags: %w", err)
	}

	docker := runtime.DefaultDockerConfig()
	docker.Binary = v.GetString("docker-binary")

	cfg := config.Config{
		StableDockerTag:     v.GetString("stable-docker-tag"),
		UnstableDockerTag:   v.GetString("unstable-docker-tag"),
		StableWorkerCount:   v.GetInt("stable-worker-count"),
		UnstableWorkerCount: v.GetInt("unstable-worker-count"),
		RenderTimeoutMsec:   v.GetUint64("render-timeout-msec"),
		Canary:              v.GetString("canary"),
		Docker:              docker,
	}
	return cfg, nil
}

// runUntilInterrupted wires SIGINT/SIGTERM into the Scheduler's
// graceful-shutdown quit channel and blocks until Run returns.
func runUntilInterrupted(sched *scheduler.Scheduler) error {
	ctx, stopNotify := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopNotify()

	quit := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(quit)
	}()

	return sched.Run(context.Background(), quit)
}

func newWSWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ws-worker <coordinator-url>",
		Short: "Connect to a coordinator over a websocket and serve render requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Source = config.SourceConfig{Kind: config.SourceSocket, CoordinatorURL: args[0]}

			rt := runtime.NewDockerRuntime(cfg.Docker)
			newSource := func(ctx context.Context) (source.Source, error) {
				return source.NewWSWorkerSource(ctx, cfg.Source.CoordinatorURL, cfg.EffectiveMaxJobs())
			}

			log.Printf("renderd: connecting to coordinator %s", cfg.Source.CoordinatorURL)
			sched := scheduler.New(cfg, rt, newSource)
			return runUntilInterrupted(sched)
		},
	}
}

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <requests.ndjson>",
		Short: "Render every request in a line-delimited JSON file and print results to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Source = config.SourceConfig{Kind: config.SourceBatch, BatchPath: args[0]}

			rt := runtime.NewDockerRuntime(cfg.Docker)
			newSource := func(ctx context.Context) (source.Source, error) {
				return source.NewBatchSource(cfg.Source.BatchPath, os.Stdout)
			}

			sched := scheduler.New(cfg, rt, newSource)
			return runUntilInterrupted(sched)
		},
	}
}
