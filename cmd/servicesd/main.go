package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/presbrey/ircservices/services"
	"github.com/presbrey/ircservices/services/admin"
	"github.com/presbrey/ircservices/services/config"
	"github.com/presbrey/ircservices/services/store"
	"github.com/presbrey/ircservices/services/uplink"
)

func main() {
	configPath := flag.String("config", os.Getenv("SERVICES_CONFIG"), "Configuration file or URL")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "source", *configPath, "error", err)
		os.Exit(1)
	}

	level := cfg.LogLevel()
	if *debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("services stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("services stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conns := store.NewConnections()
	defer conns.CloseAll()
	db, err := conns.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	st, err := store.New(db, logger)
	if err != nil {
		return err
	}

	link := uplink.New(uplink.Config{
		Server:   cfg.Uplink.Server,
		Port:     cfg.Uplink.Port,
		TLS:      cfg.Uplink.TLS,
		Nick:     cfg.ChanServ.Nick,
		User:     cfg.ChanServ.User,
		Name:     cfg.ChanServ.Real,
		Password: cfg.Uplink.Password,
		SASLUser: cfg.Uplink.SASLUser,
		SASLPass: cfg.Uplink.SASLPass,
		Channels: cfg.Uplink.Channels,
	}, logger)
	linkDone := make(chan error, 1)
	go func() { linkDone <- link.Run(ctx) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	loop := services.NewLoop(logger, 256)
	opts := services.Options{
		DialectName: cfg.Dialect.Name,
		Protocol:    link,
		Scheduler:   loop,
		Logger:      logger,
		Metrics:     services.NewMetrics(reg),
		MaxEntries:  cfg.Ledger.MaxEntries,
	}
	if cfg.Dialect.Name == "isupport" {
		waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
		d, err := link.Dialect(waitCtx)
		cancel()
		if err != nil {
			return err
		}
		opts.Dialect = d
	}
	n, err := services.NewNetwork(opts)
	if err != nil {
		return err
	}
	if cfg.Dialect.MaxModes > 0 {
		n.Dialect.MaxModes = cfg.Dialect.MaxModes
	}
	logger.Info("dialect selected", "dialect", n.Dialect.Name, "max_modes", n.Dialect.MaxModes)

	for _, id := range append([]config.Identity{cfg.ChanServ}, cfg.Identities...) {
		if _, err := n.AddService(id.Nick, id.User, id.Host); err != nil {
			return err
		}
	}

	if _, err := st.Load(ctx, n); err != nil {
		return err
	}
	st.Attach(ctx, n.Hooks)
	link.Attach(n, loop)

	if cfg.Admin.Enabled {
		srv := admin.New(admin.Options{
			Network:     n,
			Loop:        loop,
			TokenHashes: cfg.Admin.TokenHashes,
			Registry:    reg,
			Logger:      logger,
		})
		go func() {
			if err := srv.Start(cfg.AdminListenAddress()); err != nil {
				logger.Error("admin API failed", "error", err)
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("admin API shutdown failed", "error", err)
			}
		}()
	}

	logger.Info("services running", "uplink", cfg.UplinkAddress(), "nick", cfg.ChanServ.Nick)
	err = loop.Run(ctx)
	stop()
	if linkErr := <-linkDone; linkErr != nil && !errors.Is(linkErr, context.Canceled) {
		logger.Error("uplink stopped", "error", linkErr)
	}
	return err
}
