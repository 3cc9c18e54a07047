/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/torfreehaven/snowproxy/internal/metrics"
	"github.com/torfreehaven/snowproxy/proxy"
	"github.com/torfreehaven/snowproxy/proxy/webrtctransport"
	"github.com/torfreehaven/snowproxy/proxy/wstransport"
)

func main() {

	var brokerURL string
	flag.StringVar(&brokerURL, "broker", "", "broker rendezvous URL (default: built-in)")

	var relayURL string
	flag.StringVar(&relayURL, "relay", "", "default relay URL (default: built-in)")

	var allowedRelayPattern string
	flag.StringVar(&allowedRelayPattern, "allowed-relay-pattern", "", "hostname pattern relays must match (default: built-in)")

	var rateLimitKBps int
	flag.IntVar(&rateLimitKBps, "rate-limit-kbps", 0, "cap send throughput, in KiB/s (0 = unlimited)")

	var maxClients int
	flag.IntVar(&maxClients, "max-clients", 1, "maximum number of concurrently served clients")

	var iceServers string
	flag.StringVar(&iceServers, "ice-servers", "", "comma-separated STUN/TURN URLs (default: built-in)")

	var proxyType string
	flag.StringVar(&proxyType, "proxy-type", "", "tag reported to the broker identifying this deployment")

	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9999)")

	var logLevel string
	flag.StringVar(&logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")

	var natType string
	flag.StringVar(&natType, "nat-type", "unknown", "own NAT classification from an external probe: unknown, unrestricted, restricted")

	flag.Parse()

	logger := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", logLevel, err)
		os.Exit(1)
	}
	logger.SetLevel(level)

	cfg := proxy.DefaultConfig()
	cfg.Logger = logger
	if brokerURL != "" {
		cfg.BrokerURL = brokerURL
	}
	if relayURL != "" {
		cfg.DefaultRelayURL = relayURL
	}
	if allowedRelayPattern != "" {
		cfg.AllowedRelayPattern = allowedRelayPattern
	}
	if rateLimitKBps > 0 {
		cfg.RateLimitBytesPerSecond = rateLimitKBps * 1024
	}
	if maxClients > 0 {
		cfg.MaxNumClients = maxClients
	}
	if iceServers != "" {
		cfg.ICEServers = strings.Split(iceServers, ",")
	}
	if proxyType != "" {
		cfg.ProxyType = proxyType
	}
	switch natType {
	case "unrestricted":
		cfg.InitialNATType = proxy.NATUnrestricted
	case "restricted":
		cfg.InitialNATType = proxy.NATRestricted
	default:
		cfg.InitialNATType = proxy.NATUnknown
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	metricsReg := metrics.New()
	metricsReg.MustRegister(prometheus.DefaultRegisterer)

	broker := proxy.NewBrokerClient(cfg.BrokerURL, cfg.ProxyType, logrus.NewEntry(logger))
	pcFactory := webrtctransport.NewFactory(cfg.ICEServers)
	relayDialer := wstransport.NewDialer()

	scheduler, err := proxy.NewScheduler(cfg, broker, pcFactory, relayDialer, metricsReg)
	if err != nil {
		logger.WithError(err).Fatal("failed to construct scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Warn("metrics server exited")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		logger.Info("shutting down")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"broker":  cfg.BrokerURL,
		"relay":   cfg.DefaultRelayURL,
		"clients": cfg.MaxNumClients,
	}).Info("starting proxy")

	scheduler.Run(ctx)
}
