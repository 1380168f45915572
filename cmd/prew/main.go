// Command prew is the intercepting reverse proxy daemon: it accepts
// PostgreSQL wire-protocol connections, relays them to a fixed backend, and
// reports every observed packet to the metering store.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/SubstructureOne/impulse/internal/adminapi"
	"github.com/SubstructureOne/impulse/internal/config"
	"github.com/SubstructureOne/impulse/internal/metrics"
	"github.com/SubstructureOne/impulse/internal/pipeline"
	"github.com/SubstructureOne/impulse/internal/session"
	"github.com/SubstructureOne/impulse/internal/store"
)

func main() {
	setupLogging()
	os.Exit(run())
}

// setupLogging configures the process-wide logger: text for local runs,
// JSON when IMPULSE_LOG_FORMAT=json.
func setupLogging() {
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if os.Getenv("IMPULSE_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	slog.SetDefault(slog.New(handler))
}

// run returns the process exit code: 0 success (the daemon runs until
// signaled, then exits 0), 1 configuration error, 2 I/O or store failure
// on startup.
func run() int {
	bindAddr := flag.String("bind-addr", "", "listen address for the proxy")
	serverAddr := flag.String("server-addr", "", "backend PostgreSQL address")
	reportConnstr := flag.String("report-connstr", "", "metering-store connection string")
	configFile := flag.String("config-file", "", "path to a TOML config file")
	flag.Parse()

	log := slog.Default().With("component", "cmd.prew")

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error("loading config", "error", err)
		return 1
	}
	config.Merge(cfg, *bindAddr, *serverAddr, *reportConnstr)
	if err := config.Validate(cfg); err != nil {
		log.Error("configuration error", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.ReportConnstr)
	if err != nil {
		log.Error("opening metering store", "error", err)
		return 2
	}
	defer st.Close()

	m := metrics.New()
	reporter := pipeline.NewBoundedReporter(st, cfg.ReportQueueLen, 4, m)
	defer reporter.Close()
	xform := pipeline.NewAppendUserName()

	admin := adminapi.NewServer(m, cfg.BindAddr, cfg.ServerAddr)
	if err := admin.Start(cfg.AdminBind); err != nil {
		log.Error("starting admin API", "error", err)
		return 2
	}
	defer admin.Stop()

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		log.Error("binding proxy listener", "error", err)
		return 2
	}
	defer ln.Close()

	var watcher *config.Watcher
	if *configFile != "" {
		watcher, err = config.NewWatcher(*configFile, func(newCfg *config.Config) {
			log.Info("config file reloaded; the proxy keeps the metering store opened at startup")
		})
		if err != nil {
			log.Warn("config hot-reload not available", "error", err)
		}
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	admin.SetReady(true)
	log.Info("prew ready", "bind_addr", cfg.BindAddr, "server_addr", cfg.ServerAddr, "admin_bind", cfg.AdminBind)

	go acceptLoop(ctx, ln, cfg, reporter, xform, m, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig.String())
	return 0
}

func acceptLoop(ctx context.Context, ln net.Listener, cfg *config.Config, reporter pipeline.Reporter, xform pipeline.Transformer, m *metrics.Collector, log *slog.Logger) {
	for {
		clientConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error("accept failed", "error", err)
			continue
		}
		go handleConn(ctx, clientConn, cfg, reporter, xform, m, log)
	}
}

func handleConn(ctx context.Context, clientConn net.Conn, cfg *config.Config, reporter pipeline.Reporter, xform pipeline.Transformer, m *metrics.Collector, log *slog.Logger) {
	backendConn, err := net.Dial("tcp", cfg.ServerAddr)
	if err != nil {
		log.Error("dialing backend", "error", err)
		clientConn.Close()
		return
	}

	sess := session.New(clientConn, backendConn, pipeline.IdentityFilter{}, xform, reporter, m, cfg.MaxFrameBytes)
	if err := sess.Serve(ctx); err != nil {
		log.Debug("session ended", "error", err)
	}
}
