// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package bridge parses the gimp-dbus command configuration and runs the
// bridge on the selected transport.
package bridge

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/GlimmerLabs/gimp-dbus/gimpbus"
	gimpotel "github.com/GlimmerLabs/gimp-dbus/gimpbus/otel"
	"github.com/GlimmerLabs/gimp-dbus/internal/config"
	"github.com/GlimmerLabs/gimp-dbus/internal/telemetry"
	"github.com/GlimmerLabs/gimp-dbus/procs"
	"github.com/GlimmerLabs/gimp-dbus/snapshot"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 5 * time.Second

// Transports accepted by -transport.
const (
	TransportDBus  = "dbus"
	TransportStdio = "stdio"
	TransportUnix  = "unix"
	TransportHTTP  = "http"
)

// Config holds bridge command configuration.
type Config struct {
	Transport       string `env:"GIMP_DBUS_TRANSPORT" envDefault:"dbus"`
	Bus             string `env:"GIMP_DBUS_BUS" envDefault:"session"`
	Service         string `env:"GIMP_DBUS_SERVICE" envDefault:"edu.grinnell.cs.glimmer.GimpDBus"`
	UnixSocket      string `env:"GIMP_DBUS_UNIX_SOCKET" envDefault:"/tmp/gimp-dbus.sock"`
	HTTPAddr        string `env:"GIMP_DBUS_HTTP_ADDR" envDefault:"127.0.0.1:8765"`
	HTTPCompression int    `env:"GIMP_DBUS_HTTP_COMPRESSION_LEVEL" envDefault:"3"`
	MaxTileStreams  int    `env:"GIMP_DBUS_MAX_TILE_STREAMS" envDefault:"16"`
	TileSize        int    `env:"GIMP_DBUS_TILE_SIZE" envDefault:"64"`
	ScriptDir       string `env:"GIMP_DBUS_SCRIPT_DIR"`
	StateDB         string `env:"GIMP_DBUS_STATE_DB"`
	DebugErrors     bool   `env:"GIMP_DBUS_DEBUG_ERRORS"`
	OtelStdout      bool   `env:"GIMP_DBUS_OTEL_STDOUT"`
	LogLevel        string `env:"GIMP_DBUS_LOG_LEVEL" envDefault:"info"`
	LogDevelopment  bool   `env:"GIMP_DBUS_LOG_DEV"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport to serve: dbus, stdio, unix or http")
	fs.StringVar(&cfg.Bus, "bus", cfg.Bus, "D-Bus bus: session, system or a bus address")
	fs.StringVar(&cfg.Service, "service", cfg.Service, "Well-known D-Bus name to claim")
	fs.StringVar(&cfg.UnixSocket, "unix", cfg.UnixSocket, "Unix socket path for the unix transport")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "Listen address for the http transport")
	fs.IntVar(&cfg.HTTPCompression, "http-compression", cfg.HTTPCompression, "zstd level for HTTP responses, 0 disables")
	fs.IntVar(&cfg.MaxTileStreams, "max-tile-streams", cfg.MaxTileStreams, "Number of tile streams that may be open at once")
	fs.IntVar(&cfg.TileSize, "tile-size", cfg.TileSize, "Edge length of tiles in pixels")
	fs.StringVar(&cfg.ScriptDir, "scripts", cfg.ScriptDir, "Directory of Lua procedure scripts")
	fs.StringVar(&cfg.StateDB, "state", cfg.StateDB, "SQLite file images are restored from and saved to")
	fs.BoolVar(&cfg.DebugErrors, "debug-errors", cfg.DebugErrors, "Include stack frames in Arrow error batches")
	fs.BoolVar(&cfg.OtelStdout, "otel-stdout", cfg.OtelStdout, "Export spans and metrics to stderr")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.BoolVar(&cfg.LogDevelopment, "log-dev", cfg.LogDevelopment, "Use the human readable development log format")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Transport {
	case TransportDBus, TransportStdio, TransportUnix, TransportHTTP:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.MaxTileStreams < 1 {
		return fmt.Errorf("max tile streams must be positive, got %d", c.MaxTileStreams)
	}
	if c.TileSize < 1 {
		return fmt.Errorf("tile size must be positive, got %d", c.TileSize)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the process logger. Logs always go to stderr.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// Run serves the bridge until ctx is done or a client asks it to quit.
func Run(ctx context.Context, cfg Config) error {
	log, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()
	gimpbus.SetLogger(log)

	if cfg.OtelStdout {
		providers, err := telemetry.SetupStdout(cfg.Service, os.Stderr)
		if err != nil {
			return fmt.Errorf("setting up telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := providers.Shutdown(sctx); err != nil {
				log.Warn("telemetry shutdown", zap.Error(err))
			}
		}()
	}

	store := gimpbus.NewMemoryStore(cfg.TileSize)
	if cfg.StateDB != "" {
		snap, err := snapshot.Open(cfg.StateDB)
		if err != nil {
			return err
		}
		defer snap.Close()
		n, err := snap.Restore(ctx, store)
		if err != nil {
			return err
		}
		log.Info("restored images", zap.String("path", cfg.StateDB), zap.Int("images", n))
		defer func() {
			n, err := snap.Save(context.Background(), store)
			if err != nil {
				log.Error("saving images", zap.String("path", cfg.StateDB), zap.Error(err))
				return
			}
			log.Info("saved images", zap.String("path", cfg.StateDB), zap.Int("images", n))
		}()
	}

	server, err := NewServer(cfg, store)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(sctx)
	}()

	log.Info("starting bridge",
		zap.String("transport", cfg.Transport),
		zap.String("server_id", server.ServerID()),
		zap.Int("methods", len(server.Methods())))

	switch cfg.Transport {
	case TransportDBus:
		return serveDBus(ctx, cfg, server)
	case TransportUnix:
		return serveUnix(ctx, cfg, server)
	case TransportHTTP:
		return serveHTTP(ctx, cfg, server)
	default:
		server.RunStdioContext(ctx)
		return nil
	}
}

// NewServer builds a bridge server over store with the built-in
// procedures and any Lua scripts from cfg.ScriptDir registered.
func NewServer(cfg Config, store *gimpbus.MemoryStore) (*gimpbus.Server, error) {
	reg := gimpbus.NewMemoryRegistry()
	if err := procs.Register(reg, store); err != nil {
		return nil, err
	}
	if cfg.ScriptDir != "" {
		if _, err := procs.LoadScripts(reg, cfg.ScriptDir); err != nil {
			return nil, err
		}
	}

	server := gimpbus.NewServer(reg, store)
	if err := server.SetMaxTileStreams(cfg.MaxTileStreams); err != nil {
		return nil, err
	}
	server.SetDebugErrors(cfg.DebugErrors)
	server.SetServiceName(cfg.Service)
	gimpotel.InstrumentServer(server, gimpotel.DefaultConfig())
	return server, nil
}

func serveDBus(ctx context.Context, cfg Config, server *gimpbus.Server) error {
	conn, err := gimpbus.ConnectDBus(cfg.Bus, gimpbus.NewDBusHandler(server).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connecting to %s bus: %w", cfg.Bus, err)
	}
	defer conn.Close()
	return gimpbus.ServeDBus(ctx, conn, server, cfg.Service)
}

func serveUnix(ctx context.Context, cfg Config, server *gimpbus.Server) error {
	_ = os.Remove(cfg.UnixSocket)
	ln, err := net.Listen("unix", cfg.UnixSocket)
	if err != nil {
		return fmt.Errorf("listening on unix socket: %w", err)
	}
	defer os.Remove(cfg.UnixSocket)
	gimpbus.Logger().Info("serving on unix socket", zap.String("path", cfg.UnixSocket))
	return server.ServeListener(ctx, ln)
}

func serveHTTP(ctx context.Context, cfg Config, server *gimpbus.Server) error {
	handler := gimpbus.NewHttpServer(server)
	handler.SetCompressionLevel(cfg.HTTPCompression)

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.HTTPAddr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		select {
		case <-ctx.Done():
		case <-server.Done():
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	gimpbus.Logger().Info("serving over http",
		zap.String("addr", ln.Addr().String()), zap.String("prefix", handler.Prefix()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}
