//go:build linux

// Command thriftpool-master is the master process: it binds the configured
// TCP listeners, spawns the worker pool, and routes client requests to
// workers through the Broker until a signal requests shutdown. There is no
// configuration file format; flags translate directly into a
// config.Config.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/thriftpool/thriftpool/internal/app"
	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/config"
)

func main() {
	cmd := &cli.App{
		Name:  "thriftpool-master",
		Usage: "multi-process Thrift RPC container",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "127.0.0.1:9090", Usage: "address the main listener binds"},
			&cli.IntFlag{Name: "workers", Value: 4, Usage: "number of worker processes"},
			&cli.StringFlag{Name: "worker-type", Value: "sync", Usage: "sync or gevent (protocol parity only)"},
			&cli.DurationFlag{Name: "worker-ttl", Value: 0, Usage: "recycle a worker once older than this (0 disables)"},
			&cli.DurationFlag{Name: "process-start-timeout", Value: 10 * time.Second},
			&cli.DurationFlag{Name: "process-stop-timeout", Value: 5 * time.Second},
			&cli.IntFlag{Name: "concurrency", Value: 8, Usage: "per-worker in-flight request cap"},
			&cli.UintFlag{Name: "max-frame-size", Value: 16 << 20, Usage: "maximum Thrift frame size in bytes"},
			&cli.StringFlag{Name: "worker-command", Value: "", Usage: "path to the thriftpool-worker executable (defaults to a sibling of this binary)"},
		},
		Action: run,
	}
	if err := cmd.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	workerCommand := c.String("worker-command")
	if workerCommand == "" {
		workerCommand = defaultWorkerCommand()
	}

	cfg := config.Config{
		Workers:             c.Int("workers"),
		WorkerType:          config.WorkerType(c.String("worker-type")),
		WorkerTTL:           c.Duration("worker-ttl"),
		ProcessStartTimeout: c.Duration("process-start-timeout"),
		ProcessStopTimeout:  c.Duration("process-stop-timeout"),
		Concurrency:         c.Int("concurrency"),
		MaxFrameSize:        uint32(c.Uint("max-frame-size")),
		WorkerCommand:       []string{workerCommand},
		ListenAddr:          c.String("listen"),
	}

	log := applog.New(os.Stderr)
	a, err := app.New(log, cfg, map[string]string{"main": cfg.ListenAddr})
	if err != nil {
		return err
	}

	if err := a.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	if b := applog.For(log, "master").Info(); b != nil {
		b.Str("signal", sig.String()).Log("shutting down")
	}
	// A second signal aborts any in-progress stop wait instead of waiting
	// out the full 2x PROCESS_STOP_TIMEOUT budget.
	go func() {
		<-sigCh
		a.Abort()
	}()
	return a.Stop()
}

// defaultWorkerCommand assumes thriftpool-worker was built into the same
// directory as thriftpool-master, the layout `go build ./cmd/...` produces.
func defaultWorkerCommand() string {
	exe, err := os.Executable()
	if err != nil {
		return "thriftpool-worker"
	}
	dir := exe[:strings.LastIndexByte(exe, '/')+1]
	return dir + "thriftpool-worker"
}
