package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"robolink/native/internal/answerer"
	"robolink/native/internal/config"
	"robolink/native/internal/discovery"
	"robolink/native/internal/logging"
	"robolink/native/internal/metrics"
)

const helpText = `robolink-answerer - Answer robolink offers on the robot

Usage:
  robolink-answerer [options]

Serves POST /offer and GET /ws for the offer/answer exchange and
GET /metrics for prometheus. Probes on the data channel are echoed and
operator commands are logged.

Environment Variables:
  ROBOLINK_LISTEN      Listen address (default :8080)
  ROBOLINK_ADVERTISE   Advertise _robolink._tcp over mDNS (default false)
  ROBOLINK_INSTANCE    mDNS instance name (default robolink)
  ROBOLINK_LOG_LEVEL   trace, debug, info (default), warn, error
  ROBOLINK_LOG_FORMAT  text (default) or json

Options:
  -h, --help  Show this help message
`

const shutdownTimeout = 5 * time.Second

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.LoadAnswerer()
	if err != nil {
		logrus.Fatal(err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		logrus.Fatal(err)
	}
	log := logging.For("main")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := answerer.New(answerer.Options{
		Commands: answerer.LogCommands{},
		Metrics:  metrics.New(reg),
		Gatherer: reg,
	})
	if err != nil {
		log.Fatalf("create answerer: %v", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.Listen, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("listening on %s", ln.Addr())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server")
		}
	}()

	if cfg.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		withdraw, err := discovery.Advertise(cfg.Instance, port)
		if err != nil {
			log.WithError(err).Warn("mdns advertisement disabled")
		} else {
			defer withdraw()
		}
	}

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	srv.Shutdown()
	log.Info("done")
}
