package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/netsteria/sst/internal/config"
	"github.com/netsteria/sst/internal/host"
	"github.com/netsteria/sst/internal/logging"
	"github.com/netsteria/sst/internal/metrics"
	"github.com/netsteria/sst/internal/stream"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the SST endpoint with the echo service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	return cfg, nil
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.NewMetrics(reg)

	h, udp, err := host.FromConfig(cfg, logger, m)
	if err != nil {
		return err
	}
	defer h.Close()
	defer udp.Close()

	logger.Info("endpoint up",
		logging.KeyLocalAddr, fmt.Sprintf(":%d", udp.LocalPort()),
		"eid", h.EID().String())

	// The echo service: every received message is written back.
	srv, err := h.Listen("echo", "sst")
	if err != nil {
		return err
	}
	srv.SetOnConnection(func() {
		for {
			s := srv.Accept()
			if s == nil {
				return
			}
			serveEcho(s)
		}
	})

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Error("metrics endpoint failed", logging.KeyError, err)
			}
		}()
		logger.Info("metrics endpoint up", logging.KeyLocalAddr, cfg.Metrics.Listen)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	return nil
}

// serveEcho wires message echo on one accepted stream.
func serveEcho(s *stream.Stream) {
	s.SetEvents(stream.Events{
		ReadyReadMessage: func() {
			for {
				msg, err := s.ReadMessage()
				if err != nil || msg == nil {
					return
				}
				s.WriteMessage(msg) //nolint:errcheck
			}
		},
		Reset: func(string) {},
	})
	// Drain anything that arrived before the events were installed.
	for {
		msg, err := s.ReadMessage()
		if err != nil || msg == nil {
			return
		}
		s.WriteMessage(msg) //nolint:errcheck
	}
}
