package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/execd/execd/hooks"
	"github.com/execd/execd/server"
	"github.com/execd/execd/stream"
	"github.com/execd/execd/timeout"
)

func main() {
	app := &cli.App{
		Name:  "execd",
		Usage: "WebSocket daemon for executing and streaming subprocesses",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "127.0.0.1:8003",
				EnvVars: []string{"EXECD_LISTEN_ADDR"},
			},
			&cli.IntFlag{
				Name:    "session-cap",
				Usage:   "Maximum number of concurrent sessions.",
				Value:   100,
				EnvVars: []string{"EXECD_SESSION_CAP"},
			},
			&cli.DurationFlag{
				Name:    "heartbeat-interval",
				Usage:   "Interval between ping notifications on idle connections.",
				Value:   server.DefaultHeartbeatInterval,
				EnvVars: []string{"EXECD_HEARTBEAT_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "grace-period",
				Usage:   "How long to wait after terminate before force-killing a process group.",
				Value:   2 * time.Second,
				EnvVars: []string{"EXECD_GRACE_PERIOD"},
			},
			&cli.IntFlag{
				Name:    "buffer-max-bytes",
				Usage:   "Per-stream output buffer cap in bytes.",
				Value:   stream.DefaultMaxBufferBytes,
				EnvVars: []string{"EXECD_BUFFER_MAX_BYTES"},
			},
			&cli.IntFlag{
				Name:    "buffer-max-chunks",
				Usage:   "Per-stream output buffer cap in chunks.",
				Value:   stream.DefaultMaxBufferChunks,
				EnvVars: []string{"EXECD_BUFFER_MAX_CHUNKS"},
			},
			&cli.DurationFlag{
				Name:    "timeout-default",
				Usage:   "Baseline execution deadline when no history exists.",
				Value:   5 * time.Minute,
				EnvVars: []string{"EXECD_TIMEOUT_DEFAULT"},
			},
			&cli.DurationFlag{
				Name:    "timeout-min",
				Usage:   "Lower clamp for estimated deadlines.",
				Value:   30 * time.Second,
				EnvVars: []string{"EXECD_TIMEOUT_MIN"},
			},
			&cli.DurationFlag{
				Name:    "timeout-max",
				Usage:   "Upper clamp for estimated deadlines.",
				Value:   30 * time.Minute,
				EnvVars: []string{"EXECD_TIMEOUT_MAX"},
			},
			&cli.Float64Flag{
				Name:    "load-threshold",
				Usage:   "CPU/GPU percentage above which deadlines are multiplied.",
				Value:   14.0,
				EnvVars: []string{"EXECD_LOAD_THRESHOLD"},
			},
			&cli.Float64Flag{
				Name:    "load-multiplier",
				Usage:   "Deadline multiplier applied under load.",
				Value:   3.0,
				EnvVars: []string{"EXECD_LOAD_MULTIPLIER"},
			},
			&cli.StringFlag{
				Name:    "timing-db",
				Usage:   "Path to the SQLite execution-timing database. Empty disables history.",
				EnvVars: []string{"EXECD_TIMING_DB"},
			},
			&cli.StringSliceFlag{
				Name:    "allowed-commands",
				Usage:   "Executable names permitted to run. Empty allows everything.",
				EnvVars: []string{"EXECD_ALLOWED_COMMANDS"},
			},
			&cli.StringFlag{
				Name:    "pre-hook",
				Usage:   "Command to run before each execution (best effort).",
				EnvVars: []string{"EXECD_PRE_HOOK"},
			},
			&cli.StringFlag{
				Name:    "post-hook",
				Usage:   "Command to run after each execution (best effort).",
				EnvVars: []string{"EXECD_POST_HOOK"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging.",
				EnvVars: []string{"EXECD_DEBUG"},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	var logger *zap.Logger
	var err error
	if c.Bool("debug") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	slog := logger.Named("execd").Sugar()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithListenAddr(c.String("listen-addr")),
		server.WithSessionCap(c.Int("session-cap")),
		server.WithHeartbeatInterval(c.Duration("heartbeat-interval")),
		server.WithGracePeriod(c.Duration("grace-period")),
		server.WithStreamConfig(stream.Config{
			MaxBufferBytes:  c.Int("buffer-max-bytes"),
			MaxBufferChunks: c.Int("buffer-max-chunks"),
		}),
		server.WithEstimatorConfig(timeout.Config{
			Default:        c.Duration("timeout-default"),
			Min:            c.Duration("timeout-min"),
			Max:            c.Duration("timeout-max"),
			LoadThreshold:  c.Float64("load-threshold"),
			LoadMultiplier: c.Float64("load-multiplier"),
		}),
	}

	if path := c.String("timing-db"); path != "" {
		store, err := timeout.OpenSQLiteStore(c.Context, slog, path)
		if err != nil {
			return fmt.Errorf("opening timing store: %w", err)
		}
		defer store.Close()
		opts = append(opts, server.WithTimingStore(store))
	}

	if allowed := c.StringSlice("allowed-commands"); len(allowed) > 0 {
		opts = append(opts, server.WithValidator(server.NewAllowList(allowed)))
	}

	if pre, post := c.String("pre-hook"), c.String("post-hook"); pre != "" || post != "" {
		opts = append(opts, server.WithHooks(hooks.NewCommandRunner(slog, pre, post)))
	}

	srv, err := server.New(opts...)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Infof("received %s, shutting down", sig)
		srv.Stop()
	}()

	return srv.Run()
}
