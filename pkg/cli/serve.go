package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/metrics"
	"github.com/m-mizutani/kioku/pkg/server"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg             config
		addr            string
		shutdownTimeout time.Duration
		maxUploadBytes  int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address of HTTP server",
			Value:       ":8080",
			Sources:     cli.EnvVars("KIOKU_ADDR"),
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "shutdown-timeout",
			Usage:       "How long to wait for in-flight requests and background tasks on shutdown",
			Value:       30 * time.Second,
			Sources:     cli.EnvVars("KIOKU_SHUTDOWN_TIMEOUT"),
			Destination: &shutdownTimeout,
		},
		&cli.IntFlag{
			Name:        "max-upload-bytes",
			Usage:       "Maximum size of an uploaded utterance",
			Value:       server.DefaultMaxUploadBytes,
			Sources:     cli.EnvVars("KIOKU_MAX_UPLOAD_BYTES"),
			Destination: &maxUploadBytes,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, pipelineFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the memory pipeline over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx, stderr)
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Initialize dependencies
			m := metrics.New(prometheus.DefaultRegisterer)

			uc, closeRepo, err := cfg.newMemoryUseCase(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			p, err := cfg.newPipeline(ctx, uc, m)
			if err != nil {
				return err
			}

			srv := server.New(p, uc,
				server.WithMetrics(m),
				server.WithMaxUploadBytes(maxUploadBytes),
			)

			if err := srv.Run(ctx, addr, shutdownTimeout); err != nil {
				return goerr.Wrap(err, "failed to serve")
			}

			// Drain background persistence before releasing the store
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := p.Executor().Shutdown(drainCtx); err != nil {
				logging.From(ctx).Error("background tasks dropped on shutdown", "error", err)
			}

			return nil
		},
	}
}
