package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-listen-together/internal/api"
	"github.com/npezzotti/go-listen-together/internal/config"
	"github.com/npezzotti/go-listen-together/internal/database"
	"github.com/npezzotti/go-listen-together/internal/discovery"
	"github.com/npezzotti/go-listen-together/internal/server"
	"github.com/npezzotti/go-listen-together/internal/stats"
	"github.com/rs/zerolog"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	hostGrace      time.Duration
	idleTimeout    time.Duration
	maxUsers       int
	bufferTimeout  time.Duration
	advertise      bool
	instanceName   string
	logLevel       string
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key for session tokens")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&hostGrace, "host-grace", config.DefaultHostGrace, "how long a room waits for a disconnected host")
	flag.DurationVar(&idleTimeout, "idle-timeout", config.DefaultIdleTimeout, "how long a room with nobody connected is kept")
	flag.IntVar(&maxUsers, "max-users", config.DefaultMaxUsers, "maximum members per room, host included")
	flag.DurationVar(&bufferTimeout, "buffer-timeout", config.DefaultBufferWait, "how long guests are held on a new track while others load it")
	flag.BoolVar(&advertise, "advertise", false, "announce the server on the local network over mDNS")
	flag.StringVar(&instanceName, "name", "listen-together", "mDNS instance name")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("app", "listen-server").Logger()
	if lvl, err := zerolog.ParseLevel(logLevel); err == nil {
		logger = logger.Level(lvl)
	} else {
		logger.Warn().Str("level", logLevel).Msg("unknown log level, using info")
		logger = logger.Level(zerolog.InfoLevel)
	}

	cfg, err := config.NewServerConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	cfg.HostGrace = hostGrace
	cfg.IdleTimeout = idleTimeout
	cfg.MaxUsers = maxUsers
	cfg.BufferTimeout = bufferTimeout
	cfg.Advertise = advertise
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	dbConn, err := database.NewPgRoomRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if err := database.Migrate(dbConn.DB()); err != nil {
		logger.Fatal().Err(err).Msg("db migrate")
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	hub := server.NewHub(logger, dbConn, statsUpdater, server.Options{
		HostGrace:     cfg.HostGrace,
		IdleTimeout:   cfg.IdleTimeout,
		MaxUsers:      cfg.MaxUsers,
		BufferTimeout: cfg.BufferTimeout,
		SigningKey:    cfg.SigningKey,
	})

	srv := api.NewServer(mux, logger, hub, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go hub.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	if cfg.Advertise {
		stop, err := advertiseServer(logger, cfg.ServerAddr)
		if err != nil {
			logger.Error().Err(err).Msg("mdns advertise")
		} else {
			defer stop()
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server")
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("closing rooms")
	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("hub shutdown")
	}

	logger.Info().Msg("shutdown complete")
}

func advertiseServer(logger zerolog.Logger, listenAddr string) (func(), error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	return discovery.Advertise(logger, instanceName, port, "/ws")
}
