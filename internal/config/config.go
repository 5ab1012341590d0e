// Package config defines the Scheduler's immutable configuration. The
// core never reads environment variables or flags itself — cmd/renderd
// assembles a Config once, via viper, at process startup, and hands it
// down; nothing under internal/ touches viper.
package config

import (
	"time"

	"github.com/hacklily/renderd/internal/runtime"
)

// SourceKind selects which Request Source implementation the Scheduler
// should instantiate.
type SourceKind int

const (
	// SourceSocket connects to a persistent coordinator over a websocket.
	SourceSocket SourceKind = iota
	// SourceBatch reads a line-delimited JSON file and writes results to
	// stdout.
	SourceBatch
	// SourceTestList replays a fixed in-memory list of requests.
	SourceTestList
)

// SourceConfig picks and parameterizes one Source implementation.
type SourceConfig struct {
	Kind SourceKind

	// SourceSocket
	CoordinatorURL string

	// SourceBatch
	BatchPath string
}

// Config is built once by cmd/renderd and handed to the Scheduler. It is
// never mutated after construction.
type Config struct {
	Source SourceConfig

	StableDockerTag   string
	UnstableDockerTag string

	StableWorkerCount   int
	UnstableWorkerCount int

	RenderTimeoutMsec uint64

	// MaxJobs caps how many requests a socket source advertises it can
	// accept concurrently; defaults to the sum of the two worker counts.
	MaxJobs int

	// Canary is the boot/liveness banner substring a worker's replies must
	// contain. Defaults to protocol.DefaultCanary.
	Canary string

	Docker runtime.DockerConfig
}

// RenderTimeout returns RenderTimeoutMsec as a time.Duration.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.RenderTimeoutMsec) * time.Millisecond
}

// EffectiveMaxJobs returns MaxJobs, defaulting to the total worker count
// when unset.
func (c Config) EffectiveMaxJobs() int {
	if c.MaxJobs > 0 {
		return c.MaxJobs
	}
	return c.StableWorkerCount + c.UnstableWorkerCount
}

// Default returns a Config with sane standalone defaults. cmd/renderd
// does not start from it: it builds its Config from its flags, whose
// defaults carry the same worker counts and timeout.
func Default() Config {
	return Config{
		StableWorkerCount:   4,
		UnstableWorkerCount: 1,
		RenderTimeoutMsec:   10_000,
		Docker:              runtime.DefaultDockerConfig(),
	}
}
