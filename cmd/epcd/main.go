// Copyright (C) 2024-2026, Execlink, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command epcd runs a standalone executor daemon: it binds one controller
// session over the configured transport, serves wrapper calls until the
// controller detaches, and optionally exposes a JSON-RPC status endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/execlink/epc"
)

type config struct {
	Transport  string `yaml:"transport"`   // tcp, ws or grpc (grpc build only)
	Mode       string `yaml:"mode"`        // listen or connect
	Addr       string `yaml:"addr"`        // listen address or controller address
	StatusAddr string `yaml:"status_addr"` // optional JSON-RPC status endpoint
	LogLevel   string `yaml:"log_level"`
}

func defaultConfig() config {
	return config{
		Transport: epc.TransportStream,
		Mode:      "listen",
		Addr:      ":9750",
		LogLevel:  "info",
	}
}

func loadConfig(file string) (config, error) {
	cfg := defaultConfig()
	if file == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func main() {
	root := &cobra.Command{
		Use:           "epcd",
		Short:         "Executor process control daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newStatusCmd())
	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newServeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve one controller session until it disconnects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to config file")
	return cmd
}

func serve(cfg config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)

	sessionID := shortuuid.New()
	log := logrus.WithField("session", sessionID)

	factory, cleanup, err := transportFactory(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	srv, err := epc.NewServer(func(s *epc.Setup) error {
		s.SetErrorReporter(func(err error) {
			log.WithError(err).Error("server error")
		})
		return nil
	}, factory)
	if err != nil {
		return err
	}
	log.Info("controller session established")

	if cfg.StatusAddr != "" {
		handler, err := epc.NewStatusHandler(epc.NewStatusService(srv, sessionID))
		if err != nil {
			return err
		}
		statusSrv := &http.Server{Addr: cfg.StatusAddr, Handler: handler}
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("status endpoint failed")
			}
		}()
		defer statusSrv.Close()
		log.Infof("status endpoint on %s", cfg.StatusAddr)
	}

	if err := srv.WaitForDisconnect(); err != nil {
		return fmt.Errorf("session failed: %w", err)
	}
	log.Info("controller detached cleanly")
	return nil
}

// transportFactory resolves the configured transport and mode into the
// factory handed to epc.NewServer. The returned cleanup closes any listener.
func transportFactory(cfg config, log *logrus.Entry) (epc.TransportFactory, func(), error) {
	switch cfg.Mode {
	case "listen":
		ln, err := epc.Listen(cfg.Transport, cfg.Addr)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("waiting for controller on %s (%s)", ln.Addr(), cfg.Transport)
		factory := func(c epc.TransportClient) (epc.Transport, error) {
			return ln.Accept(c)
		}
		return factory, func() { ln.Close() }, nil
	case "connect":
		log.Infof("connecting to controller at %s (%s)", cfg.Addr, cfg.Transport)
		factory := func(c epc.TransportClient) (epc.Transport, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return epc.Dial(ctx, cfg.Transport, cfg.Addr, c)
		}
		return factory, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("bad mode %q (want listen or connect)", cfg.Mode)
	}
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, err := url.Parse(addr)
			if err != nil {
				return fmt.Errorf("bad status address %q: %w", addr, err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			info, err := epc.QueryStatus(ctx, uri)
			if err != nil {
				return err
			}
			fmt.Printf("session:   %s\n", info.SessionID)
			fmt.Printf("state:     %s\n", info.State)
			fmt.Printf("uptime:    %ds\n", info.UptimeSeconds)
			fmt.Printf("pending:   %d\n", info.PendingCalls)
			fmt.Printf("libraries: %d\n", info.LoadedLibraries)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9751", "status endpoint URL")
	return cmd
}
