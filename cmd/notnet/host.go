package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/notnet/config"
	"github.com/cyberinferno/notnet/host"
	"github.com/cyberinferno/notnet/logger"
	"github.com/cyberinferno/notnet/metrics"
)

const shutdownTimeout = 5 * time.Second

func hostCmd() *cobra.Command {
	var (
		addr        string
		name        string
		metricsAddr string
		envFiles    []string
		noConsole   bool
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a chat room",
		Long: `Host a chat room on this machine.

Settings come from NOTNET_* environment variables or a .env file;
flags override them. Type /help at the console for operator commands.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadHost(envFiles...)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}

			if flags.Changed("name") {
				cfg.HostName = name
			}

			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}

			if err := config.Validate(&cfg); err != nil {
				return err
			}

			return runHost(cfg, !noConsole)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", host.DefaultAddr, "Address to listen on")
	cmd.Flags().StringVarP(&name, "name", "n", host.DefaultHostName, "Room name sent to clients")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics, /healthz and /roster on this address")
	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "Env files to load (default .env)")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "Do not read operator commands from stdin")

	return cmd
}

func runHost(cfg config.Host, withConsole bool) error {
	logOpts, err := cfg.Log.LoggerOptions("notnet-host")
	if err != nil {
		return err
	}

	log, err := logger.New(logOpts)
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h := host.New(cfg.HostConfig(), log, metrics.New(reg))
	if err := h.Start(); err != nil {
		return err
	}

	success("Hosting %q on %s", h.Config.HostName, h.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if withConsole {
		info("Type /help for operator commands")
		go func() {
			if newConsole(h, os.Stdout).Run(os.Stdin) {
				stop()
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.NewRouter(reg, h),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info("status server started", logger.Field{Key: "addr", Value: cfg.MetricsAddr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		h.Stop()
		return nil
	})

	err = g.Wait()
	success("Host stopped after %s", h.Uptime().Round(time.Second))
	return err
}
