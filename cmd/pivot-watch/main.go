// pivot-watch keeps a monitored logical connection open against the cluster
// writer and exposes the topology, connection state and metrics over the
// admin HTTP API. It is both the reference integration of the failover
// engine and a standalone cluster watcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridiandb/pivot/adminapi"
	"github.com/meridiandb/pivot/config"
	"github.com/meridiandb/pivot/failover"
	"github.com/meridiandb/pivot/logger"
	"github.com/meridiandb/pivot/monitor"
	"github.com/meridiandb/pivot/pgxsource"
	"github.com/meridiandb/pivot/topology"
)

// Version of the pivot-watch binary.
const Version = "0.1.0"

const keepaliveInterval = 30 * time.Second

func main() {
	cfg := config.NewDefaultConfig()

	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	fLogLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (overrides config)")
	fLogOutput := flag.String("logoutput", "", "Log output: 'stdout', 'stderr' or a file path (overrides config)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pivot-watch %s\n", Version)
		return
	}

	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	} else {
		log.Printf("Config file %s not found, using defaults", *configPath)
	}

	if *fLogLevel != "" {
		cfg.Logging.Level = *fLogLevel
	}
	if *fLogOutput != "" {
		cfg.Logging.Output = *fLogOutput
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxsource.NewMetadataPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to create metadata pool: %v", err)
	}
	defer pool.Close()

	source, err := pgxsource.NewTopologySource(pool, cfg.Topology.HostPattern)
	if err != nil {
		logger.Fatalf("Invalid topology configuration: %v", err)
	}

	cacheTTL, err := cfg.Topology.GetCacheTTL()
	if err != nil {
		logger.Fatalf("Invalid topology.cache_ttl: %v", err)
	}
	refreshTimeout, err := cfg.Topology.GetRefreshTimeout()
	if err != nil {
		logger.Fatalf("Invalid topology.refresh_timeout: %v", err)
	}
	provider := topology.NewProvider(source, topology.Options{
		CacheTTL:       cacheTTL,
		RefreshTimeout: refreshTimeout,
	})

	dialer, err := pgxsource.NewDialer(cfg.Database)
	if err != nil {
		logger.Fatalf("Invalid database configuration: %v", err)
	}

	failoverConfig, err := failover.NewConfig(cfg.Failover)
	if err != nil {
		logger.Fatalf("Invalid failover configuration: %v", err)
	}
	coordinator := failover.NewCoordinator(provider, dialer, failoverConfig)

	topo, err := provider.Get(ctx)
	if err != nil {
		logger.Fatalf("Failed to discover cluster topology: %v", err)
	}
	writer, ok := topo.Writer()
	if !ok {
		logger.Fatal("Initial topology has no writer", "component", "MAIN", "hosts", topo.Size())
	}

	connectTimeout, err := cfg.Database.GetConnectTimeout()
	if err != nil {
		logger.Fatalf("Invalid database.connect_timeout: %v", err)
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
	phys, err := dialer.Dial(dialCtx, writer)
	cancelDial()
	if err != nil {
		logger.Fatalf("Failed to connect to writer %s: %v", writer.Endpoint, err)
	}

	conn := failover.NewConn(coordinator, phys, writer)
	defer conn.Close(context.Background())

	if cfg.Monitor.Enabled {
		interval, err := cfg.Monitor.GetInterval()
		if err != nil {
			logger.Fatalf("Invalid monitor.interval: %v", err)
		}
		probeTimeout, err := cfg.Monitor.GetProbeTimeout()
		if err != nil {
			logger.Fatalf("Invalid monitor.probe_timeout: %v", err)
		}
		detectionWindow, err := cfg.Monitor.GetDetectionWindow()
		if err != nil {
			logger.Fatalf("Invalid monitor.detection_window: %v", err)
		}

		prober := pgxsource.NewProber(dialer, writer)
		conn.AttachMonitor(prober, monitor.Config{
			Interval:         interval,
			ProbeTimeout:     probeTimeout,
			FailureThreshold: cfg.Monitor.FailureThreshold,
			DetectionWindow:  detectionWindow,
		})
	}

	errChan := make(chan error, 1)
	if cfg.Admin.Enabled {
		connStatus := func() []adminapi.ConnStatus {
			host := conn.Host()
			status := adminapi.ConnStatus{
				Host:  host.Endpoint,
				Role:  string(host.Role),
				State: conn.State().String(),
				Valid: conn.IsValid(),
			}
			if snap, ok := conn.MonitorState(); ok {
				status.Monitor = &snap
			}
			return []adminapi.ConnStatus{status}
		}
		go adminapi.Start(ctx, provider, connStatus, adminapi.Options{
			Addr:         cfg.Admin.Addr,
			APIKey:       cfg.Admin.APIKey,
			AllowedHosts: cfg.Admin.AllowedHosts,
		}, errChan)
	}

	logger.Info("pivot-watch started", "component", "MAIN", "version", Version, "writer", writer.Endpoint, "monitor", cfg.Monitor.Enabled)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down", "component", "MAIN")
			return

		case err := <-errChan:
			logger.Fatalf("Fatal server error: %v", err)

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()

			switch {
			case err == nil:
				logger.Debug("Keepalive ok", "component", "MAIN", "host", conn.Host().Endpoint)
			case failover.IsFailoverSuccess(err):
				logger.Info("Connection moved to a new host", "component", "MAIN", "host", conn.Host().Endpoint)
			case failover.IsFailoverFailed(err):
				logger.Fatalf("Connection lost and failover exhausted: %v", err)
			default:
				if !conn.IsValid() {
					logger.Fatalf("Connection is no longer usable: %v", err)
				}
				logger.Error("Keepalive failed", "component", "MAIN", "error", err)
			}
		}
	}
}
