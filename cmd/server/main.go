package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"hybridindex/pkg/api"
	"hybridindex/pkg/config"
	"hybridindex/pkg/core"
	"hybridindex/pkg/monitor"
	"hybridindex/pkg/storage"
)

func main() {
	logger := logrus.New()

	app := &cli.App{
		Name:  "hybrid-server",
		Usage: "serve a hybrid btree + learned index over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the yaml config, default searches configs/hybrid.yaml and hybrid.yaml",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "override server.addr",
			},
			&cli.StringFlag{
				Name:  "dataset",
				Usage: "sqlite dataset to build the index from at startup",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"HYBRID_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "log in json format",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			logger.SetLevel(level)
			if c.Bool("log-json") {
				logger.SetFormatter(&logrus.JSONFormatter{})
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			return serve(c, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.WithError(err).Fatal("server exited")
	}
}

func serve(c *cli.Context, logger *logrus.Logger) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	idx, err := core.NewHybridIndex(cfg,
		core.WithLogger(logger),
		core.WithMetrics(monitor.NewMetrics(reg, "hybrid")))
	if err != nil {
		return err
	}
	defer idx.Close()

	var dataset storage.Backend
	if path := c.String("dataset"); path != "" {
		ds, err := storage.NewSQLiteBackend(path, logger)
		if err != nil {
			return err
		}
		defer ds.Close()
		dataset = ds

		recs, err := ds.LoadAll()
		if err != nil {
			return errors.Wrap(err, "load dataset")
		}
		if _, err := idx.Build(recs, 2); err != nil {
			return err
		}
	}

	srv := api.NewServer(idx, dataset, reg, logger)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "server_shutdown").Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
