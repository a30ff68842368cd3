// Command lidarview accumulates LiDAR feeds into point cloud sessions and
// serves them over HTTP and gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/lidarview/internal/api"
	"github.com/banshee-data/lidarview/internal/config"
	"github.com/banshee-data/lidarview/internal/feed"
	"github.com/banshee-data/lidarview/internal/fsutil"
	"github.com/banshee-data/lidarview/internal/lidardb"
	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/render"
	"github.com/banshee-data/lidarview/internal/serialmux"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a .json, .yaml or .yml viewer config")
	listen      = flag.String("listen", "", "HTTP listen address (overrides config)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC listen address (overrides config; \"off\" disables)")
	dbFile      = flag.String("db", "", "Path to the SQLite database file (overrides config; \"off\" disables)")
	serialPort  = flag.String("port", "", "Serial device to open (overrides config)")
	simulate    = flag.Bool("simulate", false, "Feed the default session from the built-in LD19 simulator")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("lidarview", version.String())
		return
	}

	cfg := config.EmptyViewerConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadViewerConfig(fsutil.OSFileSystem{}, *configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	applyFlags(cfg)

	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		log.Fatalf("invalid session config: %v", err)
	}

	collector, err := monitoring.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	var ldb *lidardb.LidarDB
	if path := cfg.GetDBPath(); path != "" {
		ldb, err = lidardb.NewLidarDB(path)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer ldb.Close()
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := feed.Env{
		CaptureDir: cfg.GetCaptureDir(),
		FS:         fsutil.OSFileSystem{},
	}

	var serialMux serialmux.SerialMuxInterface
	if device := cfg.GetSerialDevice(); device != "" {
		portOpts := cfg.GetSerialOptions()
		m, err := serialmux.OpenSerialMux(serialmux.RealPortFactory{}, device, portOpts, serialmux.WithSplit(feed.SplitFor(sessCfg.Format)))
		if err != nil {
			log.Fatalf("failed to open serial port %s: %v", device, err)
		}
		serialMux = m
		defer serialMux.Close()
		env.Serial, env.SerialName = serialMux, device
		log.Printf("opened serial device %s at %s", device, portOpts)

		// run the monitor routine to manage IO on the serial port
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serialMux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor serial port: %v", err)
			}
			log.Print("monitor routine terminated")
		}()
	}

	var defaultFeed *feed.Spec
	if spec, ok := cfg.GetFeed(); ok {
		defaultFeed = &spec
	}

	registry := session.NewRegistry(collector)
	server := api.NewServer(api.Options{
		Registry:    registry,
		Defaults:    &sessCfg,
		DefaultFeed: defaultFeed,
		FeedEnv:     env,
		DB:          ldb,
		Collector:   collector,
		ListPorts:   serialmux.ListPorts,
	})
	defer server.Close()

	// the default session exists from startup so a single-sensor rig needs
	// no API calls
	defaultSession, err := registry.Create(sessCfg)
	if err != nil {
		log.Fatalf("failed to create default session: %v", err)
	}
	log.Printf("default session %s", defaultSession.ID())
	if defaultFeed != nil && cfg.GetAutoConnect() {
		src, err := feed.Build(*defaultFeed, env)
		if err != nil {
			log.Fatalf("failed to build default feed: %v", err)
		}
		if err := defaultSession.Open(ctx, src); err != nil {
			log.Fatalf("failed to connect default session: %v", err)
		}
	}

	if addr := cfg.GetGRPCListen(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("failed to listen on %s: %v", addr, err)
		}
		grpcServer := render.NewGRPCServer(registry, collector)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("gRPC server listening on %s", addr)
			if err := render.Serve(ctx, grpcServer, lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
			log.Printf("gRPC server routine stopped")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := server.ServeMux()
		if ldb != nil {
			ldb.AttachAdminRoutes(mux)
		}
		if env.Serial != nil {
			env.Serial.AttachAdminRoutes(mux)
		}

		httpServer := &http.Server{
			Addr:    cfg.GetHTTPListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := httpServer.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// applyFlags overlays command-line flags on the loaded config.
func applyFlags(cfg *config.ViewerConfig) {
	if *listen != "" {
		cfg.HTTP = &config.ListenSection{Listen: listen}
	}
	if *grpcListen != "" {
		addr := *grpcListen
		if addr == "off" {
			addr = ""
		}
		cfg.GRPC = &config.ListenSection{Listen: &addr}
	}
	if *dbFile != "" {
		path := *dbFile
		if path == "off" {
			path = ""
		}
		cfg.Database = &config.DatabaseSection{Path: &path}
	}
	if cfg.Feed == nil && (*serialPort != "" || *simulate) {
		cfg.Feed = &config.FeedSection{}
	}
	if *serialPort != "" {
		if cfg.Feed.Serial == nil {
			cfg.Feed.Serial = &config.SerialSection{}
		}
		cfg.Feed.Serial.Device = serialPort
		if cfg.Feed.Kind == "" {
			cfg.Feed.Kind = feed.KindSerial
		}
	}
	if *simulate {
		cfg.Feed.Spec = feed.Spec{Kind: feed.KindSimulator}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
}
