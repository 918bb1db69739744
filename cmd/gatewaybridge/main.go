package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/gatewaybridge/internal/accesslog"
	"github.com/cortexuvula/gatewaybridge/internal/apprunner"
	"github.com/cortexuvula/gatewaybridge/internal/config"
	"github.com/cortexuvula/gatewaybridge/internal/diagnostics"
	"github.com/cortexuvula/gatewaybridge/internal/dispatch"
	"github.com/cortexuvula/gatewaybridge/internal/gatewayserver"
	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
	"github.com/cortexuvula/gatewaybridge/internal/health"
	"github.com/cortexuvula/gatewaybridge/internal/httpconn"
	"github.com/cortexuvula/gatewaybridge/internal/logging"
	"github.com/cortexuvula/gatewaybridge/internal/logring"
	"github.com/cortexuvula/gatewaybridge/internal/metrics"
	"github.com/cortexuvula/gatewaybridge/internal/ratelimit"
	"github.com/cortexuvula/gatewaybridge/internal/registry"
	"github.com/cortexuvula/gatewaybridge/internal/sweeper"
	"github.com/cortexuvula/gatewaybridge/internal/wsconn"
	"golang.org/x/time/rate"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatewaybridge",
		Short: "HTTP/WebSocket protocol-adapter server for asynchronous gateway-contract applications",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatewaybridge %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Endpoints: %v\n", cfg.Server.Endpoints)
			fmt.Printf("  Health:    %s\n", cfg.Health.ListenAddress)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// echoApplication is the gateway contract application bundled with this
// binary. The application itself is out of scope for the server core
// (spec.md §1): this one round-trips HTTP requests and WebSocket frames
// so `start` is runnable for smoke-testing without embedding a real
// application.
func echoApplication(ctx context.Context, scope *gwtypes.Scope, receive func(context.Context) (gwtypes.Message, error), send apprunner.SendFunc) error {
	switch scope.Type {
	case gwtypes.ScopeHTTP:
		if err := send(ctx, gwtypes.Message{"type": "http.response.start", "status": 200}); err != nil {
			return err
		}
		return send(ctx, gwtypes.Message{"type": "http.response.body", "body": []byte(scope.Method + " " + scope.Path)})
	case gwtypes.ScopeWebSocket:
		m, err := receive(ctx)
		if err != nil {
			return err
		}
		if m.Type() != "websocket.connect" {
			return nil
		}
		if err := send(ctx, gwtypes.Message{"type": "websocket.accept"}); err != nil {
			return err
		}
		for {
			m, err := receive(ctx)
			if err != nil {
				return err
			}
			switch m.Type() {
			case "websocket.receive":
				reply := gwtypes.Message{"type": "websocket.send"}
				if text, ok := m.String("text"); ok {
					reply["text"] = text
				} else if body, ok := m.Bytes("bytes"); ok {
					reply["bytes"] = body
				}
				if err := send(ctx, reply); err != nil {
					return err
				}
			case "websocket.disconnect":
				return nil
			}
		}
	}
	return nil
}

// reportActiveConnections periodically recomputes the active-connections
// gauge from a registry snapshot, broken down by connection kind, until
// ctx is cancelled.
func reportActiveConnections(ctx context.Context, reg *registry.Registry, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			counts := map[gwtypes.ConnectionKind]int{}
			for _, c := range reg.Snapshot() {
				counts[c.Kind]++
			}
			m.ActiveConnections.WithLabelValues(string(gwtypes.KindHTTP)).Set(float64(counts[gwtypes.KindHTTP]))
			m.ActiveConnections.WithLabelValues(string(gwtypes.KindWebSocket)).Set(float64(counts[gwtypes.KindWebSocket]))
		case <-ctx.Done():
			return
		}
	}
}

func runGateway(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	ring := logring.NewRingBuffer(1000)
	baseHandler, lj := logging.SetupHandler(
		cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File,
		cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays, cfg.Logging.Compress,
	)
	slog.SetDefault(slog.New(logring.NewTeeHandler(baseHandler, ring)))
	if lj != nil {
		defer lj.Close()
	}

	startTime := time.Now()
	slog.Info("starting gatewaybridge", "version", Version, "endpoints", cfg.Server.Endpoints, "health", cfg.Health.ListenAddress)

	accessLogger := accesslog.New(accesslog.Config{
		File:       cfg.Logging.AccessLogFile,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer accessLogger.Close()

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	reg := registry.New(nil)
	disp := dispatch.New(reg)
	runner := apprunner.NewRunner(apprunner.Application(echoApplication))

	var m *metrics.Metrics
	var wsAccessLog wsconn.AccessLogger = accessLogger
	var httpAccessLog httpconn.AccessLogger = accessLogger
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		disp.OnContractViolation = m.ContractViolations.Inc
		instrumented := &metrics.AccessLog{Inner: accessLogger, Metrics: m}
		wsAccessLog = instrumented
		httpAccessLog = instrumented
		go reportActiveConnections(shutdownCtx, reg, m)
	}

	wsHandler := wsconn.New(wsconn.Config{
		ConnectTimeout:   cfg.Server.WebSocketConnectTimeout,
		HandshakeTimeout: cfg.Server.WebSocketHandshakeTimeout,
		IdleTimeout:      cfg.Server.WebSocketTimeout,
		PingInterval:     cfg.Server.PingInterval,
		PingTimeout:      cfg.Server.PingTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		MaxMessageSize:   cfg.Server.MaxMessageSize,
	}, runner, disp, reg, wsAccessLog)

	if cfg.RateLimit.Enabled {
		connLimit := rate.Limit(float64(cfg.RateLimit.ConnectionsPerMinute) / 60.0)
		admission := ratelimit.NewRateLimiter(connLimit, cfg.RateLimit.ConnectionsPerMinute)
		defer admission.Stop()
		wsHandler.Admission = admission

		frameLimit := rate.Limit(cfg.RateLimit.FramesPerSecond)
		wsHandler.NewInboundLimiter = func() wsconn.InboundLimiter {
			return rate.NewLimiter(frameLimit, cfg.RateLimit.FramesPerSecond)
		}
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.RateLimit.ConnectionsPerMinute,
			"frames_per_second", cfg.RateLimit.FramesPerSecond,
		)
	}

	httpHandler := httpconn.New(httpconn.Config{
		HTTPTimeout:                 cfg.Server.HTTPTimeout,
		RequestBufferSize:           cfg.Server.RequestBufferSize,
		RootPath:                    cfg.Server.RootPath,
		ServerName:                  cfg.Server.ServerName,
		ProxyForwardedAddressHeader: cfg.Proxy.ForwardedAddressHeader,
		ProxyForwardedPortHeader:    cfg.Proxy.ForwardedPortHeader,
		ProxyForwardedProtoHeader:   cfg.Proxy.ForwardedProtoHeader,
	}, runner, disp, reg, wsHandler, httpAccessLog)

	orchestrator := gatewayserver.New(
		httpHandler, reg,
		[]sweeper.Source{httpHandler, wsHandler},
		2*time.Second, cfg.Server.DrainTimeout,
	)

	// Health + metrics + diagnostics listener, separate from the public
	// endpoints (spec.md §6).
	var healthServer *http.Server
	if cfg.Health.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Health.Endpoint, health.NewHandler(reg, Version, cfg.Health.Detailed))
		if m != nil {
			mux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}
		mux.Handle("/debug/recent", diagnostics.New(reg, ring, Version, startTime))

		ln, err := listenLoopback(cfg.Health.ListenAddress)
		if err != nil {
			return fmt.Errorf("binding health listener: %w", err)
		}
		healthServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	if err := orchestrator.Run(shutdownCtx, cfg.Server.Endpoints); err != nil {
		return fmt.Errorf("starting gateway server: %w", err)
	}

	sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady)
	if notifyErr != nil {
		slog.Error("sd_notify READY failed", "error", notifyErr)
	} else if sent {
		slog.Info("sd_notify READY sent")
	}

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			for _, w := range config.IsReloadSafe(cfg, newCfg) {
				slog.Warn("config reload warning", "warning", w)
			}
			cfg = cfg.ApplyReloadableFields(newCfg)
			slog.Info("config reloaded successfully")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections", "signal", sig.String())
			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			orchestrator.Shutdown(context.Background())
			shutdownCancel()

			if healthServer != nil {
				hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
				healthServer.Shutdown(hctx)
				hcancel()
			}

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

// listenLoopback binds the health/diagnostics listener. config.Validate
// rejects a Health.ListenAddress whose host is a non-loopback IP literal
// (a host name is not checked), so this is a plain net.Listen.
func listenLoopback(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func checkHealth(healthURL string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=gatewaybridge - HTTP/WebSocket gateway-contract adapter
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=gatewaybridge
Group=gatewaybridge
ExecStartPre=/usr/local/bin/gatewaybridge validate --config /etc/gatewaybridge/config.yaml
ExecStart=/usr/local/bin/gatewaybridge start --config /etc/gatewaybridge/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=always
RestartPreventExitStatus=0
RestartSec=5s
WatchdogSec=30s
TimeoutStartSec=30s

ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
PrivateDevices=true
ProtectKernelTunables=true
ProtectKernelModules=true
ProtectControlGroups=true
ProtectClock=true
RestrictNamespaces=true
RestrictRealtime=true
RestrictSUIDSGID=true
LockPersonality=true
SystemCallArchitectures=native
ReadOnlyPaths=/etc/gatewaybridge
LogsDirectory=gatewaybridge
StateDirectory=gatewaybridge
LimitNOFILE=65535

StandardOutput=journal
StandardError=journal
SyslogIdentifier=gatewaybridge

[Install]
WantedBy=multi-user.target
`)
}
