// Package config holds the small set of options the container recognizes.
// Loading config from a file/flags/env belongs to the caller; this package
// only defines the struct and its eager validation.
package config

import (
	"fmt"
	"time"
)

// WorkerType selects the worker's internal concurrency model. "gevent" is
// accepted for wire-level compatibility but has no behavioral difference
// here: every worker already services requests concurrently, one goroutine
// per in-flight call.
type WorkerType string

const (
	WorkerTypeSync   WorkerType = "sync"
	WorkerTypeGevent WorkerType = "gevent"
)

// Config is the set of options a caller assembles before constructing an
// App.
type Config struct {
	// Workers is the fixed worker pool size.
	Workers int
	// WorkerType selects the worker concurrency model.
	WorkerType WorkerType
	// WorkerTTL recycles a worker once its age exceeds this duration. Zero
	// means unset: the renewer does nothing.
	WorkerTTL time.Duration
	// ProcessStartTimeout bounds Manager.Start.
	ProcessStartTimeout time.Duration
	// ProcessStopTimeout bounds each worker's graceful stop; the overall
	// teardown budget is 2x this value.
	ProcessStopTimeout time.Duration
	// Concurrency is the per-worker in-flight request cap.
	Concurrency int
	// MaxFrameSize bounds a single Thrift frame; 0 means the 16 MiB
	// default.
	MaxFrameSize uint32
	// WorkerCommand is the executable (and any fixed args) used to launch
	// each worker process.
	WorkerCommand []string
	// ListenAddr is the TCP address the Acceptor binds.
	ListenAddr string
}

// Validate eagerly rejects an unrecognized WorkerType and other
// out-of-range values, so a bad pool configuration fails at load time
// rather than on the first spawn.
func (c *Config) Validate() error {
	switch c.WorkerType {
	case WorkerTypeSync, WorkerTypeGevent:
	case "":
		c.WorkerType = WorkerTypeSync
	default:
		return fmt.Errorf("config: unrecognized WORKER_TYPE %q", c.WorkerType)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: WORKERS must be positive, got %d", c.Workers)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("config: CONCURRENCY must be positive, got %d", c.Concurrency)
	}
	if c.ProcessStartTimeout <= 0 {
		return fmt.Errorf("config: PROCESS_START_TIMEOUT must be positive")
	}
	if c.ProcessStopTimeout <= 0 {
		return fmt.Errorf("config: PROCESS_STOP_TIMEOUT must be positive")
	}
	if c.WorkerTTL < 0 {
		return fmt.Errorf("config: WORKER_TTL must not be negative")
	}
	if len(c.WorkerCommand) == 0 {
		return fmt.Errorf("config: WorkerCommand must name an executable")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: ListenAddr must be set")
	}
	return nil
}
