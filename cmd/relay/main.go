// Package main provides the relay binary: the real-time connection and
// message-routing layer for spatial clients, exposing the room socket under
// /room and the control-plane overlay under /admin.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-spaces/relay/internal/admin"
	"github.com/meridian-spaces/relay/internal/config"
	"github.com/meridian-spaces/relay/internal/gateway"
	"github.com/meridian-spaces/relay/internal/observability"
	"github.com/meridian-spaces/relay/internal/protocol"
	"github.com/meridian-spaces/relay/internal/provider"
	"github.com/meridian-spaces/relay/internal/room"
	"github.com/meridian-spaces/relay/internal/server"
	"github.com/meridian-spaces/relay/internal/space"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file; empty = built-in defaults")
	flag.Parse()

	var cfg config.Config
	if *configPath == "" {
		cfg = config.Default()
	} else {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	reporter := observability.NewLogReporter(logger.Named("telemetry"))

	logger.Info("starting relay",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("protocol_version", protocol.Version),
	)

	rooms := room.NewRegistry(cfg.Room.ZoneWidth, cfg.Room.ZoneHeight, logger.Named("room"))
	spaces := space.NewRegistry(logger.Named("space"))

	var members provider.MemberProvider
	if cfg.Provider.URL == "" {
		logger.Warn("no member-data provider configured, admitting everyone locally")
		members = provider.LocalMemberProvider{}
	} else {
		members = provider.NewHTTPMemberProvider(cfg.Provider.URL, cfg.Provider.Timeout, logger.Named("provider"))
	}
	verifier := provider.NewJWTVerifier(cfg.Provider.IdentitySecret)

	gw := gateway.NewGateway(cfg, rooms, spaces, verifier, members, logger.Named("gateway"), reporter)
	overlay := admin.NewOverlay(cfg.Admin, rooms, logger.Named("admin"), reporter)

	mux := http.NewServeMux()
	mux.Handle("/room", gw.Handler())
	mux.Handle("/admin", overlay.Handler())
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: mux,
	}

	lc := server.NewLifecycle(logger)
	lc.Add("http", &server.FuncService{
		StartFn: func() error {
			err := httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
		StopFn: func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				logger.Error("http shutdown", zap.Error(err))
			}
		},
	})
	lc.Add("gateway", &server.FuncService{
		StartFn: func() error { return nil },
		StopFn:  gw.Stop,
	})
	lc.Add("admin", &server.FuncService{
		StartFn: func() error { return nil },
		StopFn:  overlay.Stop,
	})

	start := time.Now()
	if err := lc.Run(context.Background()); err != nil {
		logger.Fatal("relay terminated", zap.Error(err), zap.Duration("uptime", time.Since(start)))
	}
}
