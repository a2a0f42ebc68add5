package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/duplex/internal/api"
	"github.com/samcharles93/duplex/internal/device"
	"github.com/samcharles93/duplex/internal/engine"
	"github.com/samcharles93/duplex/internal/reshard"
)

// weightStoreBytes sizes the synthetic canonical parameter blob the
// reference backend shards from.
const weightStoreBytes = 1 << 20

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	flags := append(engineFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the sequence API over the reference simulated backend",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyEngineConfig(cmd, cfg)
			if cfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = cfg.ServerAddress
			}
			log := buildLogger()

			eng, err := engine.New(
				engineConfig(),
				&device.SimKernel{},
				device.MemcpyTransfer{},
				reshard.NewSimStore(weightStoreBytes),
				log,
			)
			if err != nil {
				return err
			}

			hub := api.NewHub()
			server := api.NewServer(eng, hub, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				hub.Run(eng.Events())
				return nil
			})
			g.Go(func() error {
				return eng.Run(gctx)
			})
			g.Go(func() error {
				log.Info("starting server", "address", addr)
				sc := echo.StartConfig{
					Address: addr,
					BeforeServeFunc: func(srv *http.Server) error {
						srv.ReadHeaderTimeout = readTimeout
						return nil
					},
				}
				return sc.Start(gctx, e)
			})
			return g.Wait()
		},
	}
}
