// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command tcpbridged runs the TCP bridge nukleus worker: a single
// poller-driven event loop that accepts and connects raw TCP sockets on
// behalf of routes installed either from a static routes.yaml or over
// the control-plane command ring, and relays their data through the
// framed application rings shared with the peer nukleus.
//
// A JSON config file loads first; CLI flags override individual fields
// on top of it.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"code.hybscloud.com/tcpbridge/internal/bridge"
	"code.hybscloud.com/tcpbridge/internal/config"
	"code.hybscloud.com/tcpbridge/internal/counters"
	"code.hybscloud.com/tcpbridge/internal/logging"
	"code.hybscloud.com/tcpbridge/internal/poller"
	"code.hybscloud.com/tcpbridge/internal/ring"
	"code.hybscloud.com/tcpbridge/internal/route"
	"code.hybscloud.com/tcpbridge/internal/wire"
)

// VERSION is injected by build flags; left at its default in
// unreleased builds.
var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "tcpbridged"
	app.Usage = "TCP bridge nukleus worker"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "JSON config file, overridden by any flag set alongside it"},
		cli.StringFlag{Name: "state-dir", Usage: "persisted-state directory (command/response/counters/streams rings)"},
		cli.StringFlag{Name: "routes", Usage: "optional routes.yaml to pre-populate the route table"},
		cli.IntFlag{Name: "max-connections", Usage: "upper bound on simultaneously open connections"},
		cli.IntFlag{Name: "window-size", Usage: "initial WINDOW credit granted per ReadStream"},
		cli.IntFlag{Name: "max-message-length", Usage: "upper bound on any single DATA payload"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn, error"},
		cli.StringFlag{Name: "log-format", Value: "json", Usage: "json or text"},
		cli.StringFlag{Name: "log-file", Usage: "also write logs to this file"},
		cli.BoolFlag{Name: "metrics", Usage: "dump a counters snapshot on SIGUSR1"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cli.NewExitError("load config: "+err.Error(), 1)
		}
		cfg = loaded
	}
	applyFlagOverrides(c, &cfg)

	logger, closer := logging.New(cfg.LogLevel, cfg.LogFormat, c.String("log-file"))
	defer closer.Close()

	cnt := counters.New(logger)
	cntFile, err := counters.OpenFile(filepath.Join(cfg.StateDirectory, "counters.values"), cfg.CounterValuesBufferCapacity)
	if err != nil {
		return cli.NewExitError("open counters file: "+err.Error(), 1)
	}
	defer func() {
		if err := cntFile.Store(cnt); err != nil {
			logger.Error("store counters", "error", err)
		}
		cntFile.Close()
	}()

	tbl := route.NewTable()

	if cfg.RoutesFile != "" {
		if err := config.LoadRouteFile(cfg.RoutesFile, tbl); err != nil {
			logger.Error("load routes file", "error", err, "path", cfg.RoutesFile)
			return cli.NewExitError("load routes file: "+err.Error(), 1)
		}
	}

	p, err := poller.New()
	if err != nil {
		return cli.NewExitError("poller: "+err.Error(), 1)
	}
	defer p.Close()

	appIn, appOut, closeAppRings, err := openAppRings(cfg)
	if err != nil {
		return cli.NewExitError("open streams rings: "+err.Error(), 1)
	}
	defer closeAppRings()

	w := bridge.NewWorker(p, tbl, cnt, cfg, appOut, appIn, logger)

	cmdIn, respOut, closeCmdRings, err := openCommandRings(cfg)
	if err != nil {
		return cli.NewExitError("open command rings: "+err.Error(), 1)
	}
	defer closeCmdRings()
	w.AttachCommandPlane(cmdIn, respOut)

	if err := w.BindServerRoutes(); err != nil {
		return cli.NewExitError("bind server routes: "+err.Error(), 1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	if c.Bool("metrics") {
		usr1 := make(chan os.Signal, 1)
		signal.Notify(usr1, syscall.SIGUSR1)
		go dumpMetricsOnSignal(usr1, cnt, cntFile, logger)
	}

	logger.Info("tcpbridged starting", "max_connections", cfg.MaxConnections, "window_size", cfg.WindowSize)
	return runLoop(w, sigCh, logger)
}

func applyFlagOverrides(c *cli.Context, cfg *config.Config) {
	if v := c.String("state-dir"); v != "" {
		cfg.StateDirectory = v
	}
	if v := c.String("routes"); v != "" {
		cfg.RoutesFile = v
	}
	if v := c.Int("max-connections"); v != 0 {
		cfg.MaxConnections = v
	}
	if v := c.Int("window-size"); v != 0 {
		cfg.WindowSize = v
	}
	if v := c.Int("max-message-length"); v != 0 {
		cfg.MaxMessageLength = v
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
}

// openAppRings opens the pair of streams rings carrying BEGIN/DATA/END/
// ABORT/WINDOW/RESET between this worker and the application. A single
// shared pair lives under StateDirectory, multiplexed by streamId,
// since which routes exist isn't known until they are installed at
// runtime (see DESIGN.md).
func openAppRings(cfg config.Config) (*wire.MessageReader, *wire.MessageWriter, func(), error) {
	inbound, err := ring.Open(filepath.Join(cfg.StateDirectory, "streams.in.ring"), cfg.StreamsBufferCapacity)
	if err != nil {
		return nil, nil, nil, err
	}
	outbound, err := ring.Open(filepath.Join(cfg.StateDirectory, "streams.out.ring"), cfg.StreamsBufferCapacity)
	if err != nil {
		inbound.Close()
		return nil, nil, nil, err
	}
	reader := wire.NewMessageReader(inbound, cfg.MaxMessageLength)
	writer := wire.NewMessageWriter(outbound, cfg.MaxMessageLength)
	closeFn := func() {
		inbound.Close()
		outbound.Close()
	}
	return reader, writer, closeFn, nil
}

func openCommandRings(cfg config.Config) (*wire.CommandReader, *wire.ResponseWriter, func(), error) {
	cmd, err := ring.Open(filepath.Join(cfg.StateDirectory, "command.ring"), cfg.CommandBufferCapacity)
	if err != nil {
		return nil, nil, nil, err
	}
	resp, err := ring.Open(filepath.Join(cfg.StateDirectory, "response.ring"), cfg.ResponseBufferCapacity)
	if err != nil {
		cmd.Close()
		return nil, nil, nil, err
	}
	reader := wire.NewCommandReader(cmd, cfg.MaxMessageLength)
	writer := wire.NewResponseWriter(resp, cfg.MaxMessageLength)
	closeFn := func() {
		cmd.Close()
		resp.Close()
	}
	return reader, writer, closeFn, nil
}

// tickTimeout bounds how long a single Poller.Tick may block; short
// enough that a SIGTERM during an idle tick is noticed promptly.
const tickTimeout = 200 * time.Millisecond

// runLoop drives the worker until a shutdown signal arrives, then
// drains: stop accepting, let in-flight connections run to completion,
// then return.
func runLoop(w *bridge.Worker, sigCh <-chan os.Signal, logger *slog.Logger) error {
	draining := false
	for {
		select {
		case sig := <-sigCh:
			if !draining {
				logger.Info("received signal, draining", "signal", sig)
				w.Drain()
				draining = true
			}
		default:
		}

		if _, err := w.Tick(tickTimeout.Nanoseconds()); err != nil {
			logger.Error("tick error", "error", err)
			return err
		}

		if draining && w.Idle() {
			logger.Info("drain complete, exiting")
			return nil
		}
	}
}

func dumpMetricsOnSignal(ch <-chan os.Signal, cnt *counters.Counters, cntFile *counters.File, logger *slog.Logger) {
	for range ch {
		snap := cnt.Snapshot()
		args := make([]any, 0, len(snap)*2)
		for k, v := range snap {
			args = append(args, k, v)
		}
		logger.Info("counters snapshot", args...)
		if err := cntFile.Store(cnt); err != nil {
			logger.Error("store counters", "error", err)
		}
	}
}
