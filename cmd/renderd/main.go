// Command renderd runs the render-dispatch scheduler: a pool of
// sandboxed rendering workers fed by one of several request sources.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "renderd",
		Short: "Sandboxed render-dispatch scheduler",
		Long:  `renderd dispatches rendering requests to a pool of sandboxed workers.`,
	}

	rootCmd.PersistentFlags().String("stable-docker-tag", "hacklily-render:stable", "Docker image for stable-class workers")
	rootCmd.PersistentFlags().String("unstable-docker-tag", "hacklily-render:unstable", "Docker image for unstable-class workers")
	rootCmd.PersistentFlags().Int("stable-worker-count", 4, "number of stable-class workers")
	rootCmd.PersistentFlags().Int("unstable-worker-count", 1, "number of unstable-class workers")
	rootCmd.PersistentFlags().Uint64("render-timeout-msec", 10_000, "per-request render timeout in milliseconds")
	rootCmd.PersistentFlags().String("canary", "", "override the liveness canary substring")
	rootCmd.PersistentFlags().String("docker-binary", "docker", "container runtime binary")
	rootCmd.PersistentFlags().CountP("verbose", "v", "verbosity level (repeatable); accepted, but log output is the same at every level")

	rootCmd.AddCommand(newWSWorkerCmd())
	rootCmd.AddCommand(newBatchCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
