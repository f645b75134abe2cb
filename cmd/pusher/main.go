// Package main provides the gateway server. It wires together configuration,
// the admin collaborator, the backend room streams and the client websocket
// endpoint. In standalone mode it also serves an in-process backend hub.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/pusher/internal/admin"
	"github.com/cory-johannsen/pusher/internal/backend"
	"github.com/cory-johannsen/pusher/internal/chat"
	"github.com/cory-johannsen/pusher/internal/config"
	"github.com/cory-johannsen/pusher/internal/gateway"
	"github.com/cory-johannsen/pusher/internal/gateway/wsapi"
	"github.com/cory-johannsen/pusher/internal/observability"
	"github.com/cory-johannsen/pusher/internal/server"
	"github.com/cory-johannsen/pusher/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.Logging, "pusher")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting pusher",
		zap.String("mode", cfg.Server.Mode),
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("api_version", cfg.Protocol.APIVersion),
	)

	ctx := context.Background()
	metrics := observability.NewMetrics()
	lifecycle := server.NewLifecycle(logger)

	// Admin collaborator
	adminOpts := admin.LocalOptions{
		StartRoomURL:     cfg.Admin.StartRoomURL,
		DisableAnonymous: cfg.Admin.DisableAnonymous,
	}
	if cfg.Admin.MucRoomsFile != "" {
		rooms, err := admin.LoadMucRoomsFromFile(cfg.Admin.MucRoomsFile)
		if err != nil {
			logger.Fatal("loading muc rooms", zap.Error(err))
		}
		adminOpts.MucRooms = rooms
		logger.Info("muc rooms loaded", zap.Int("rooms", len(rooms)))
	}
	if cfg.Admin.Moderation {
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		adminOpts.Store = postgres.NewModerationRepository(pool.DB())

		watchCtx, stopWatch := context.WithCancel(ctx)
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				return pool.Watch(watchCtx, 30*time.Second, logger.Named("postgres"))
			},
			StopFn: func() {
				stopWatch()
				pool.Close()
			},
		})
	}
	adm := admin.NewLocal(adminOpts, logger)

	// Backend
	addrs := cfg.Backend.Addresses
	if cfg.Server.Mode == "standalone" {
		lis, err := net.Listen("tcp", cfg.Backend.ListenAddr)
		if err != nil {
			logger.Fatal("listening for backend", zap.String("addr", cfg.Backend.ListenAddr), zap.Error(err))
		}
		hub := backend.NewHub(logger)
		lifecycle.Add("backend", &server.GRPCService{Server: backend.NewServer(hub), Listener: lis})
		addrs = []string{lis.Addr().String()}
	}
	repo, err := backend.NewRepository(addrs, logger)
	if err != nil {
		logger.Fatal("creating backend repository", zap.Error(err))
	}

	// Gateway
	registry := gateway.NewRegistry(repo, metrics, logger)
	handler := wsapi.NewHandler(registry, adm, chat.NewLoopback(registry, logger), metrics, logger, wsapi.Options{
		APIVersion:       cfg.Protocol.APIVersion,
		XMPPDomain:       cfg.Protocol.XMPPDomain,
		ConferenceDomain: cfg.Protocol.ConferenceDomain(),
		FlushInterval:    cfg.HTTP.BatchFlushInterval,
		WriteTimeout:     cfg.HTTP.WriteTimeout,
		QueueSize:        cfg.HTTP.SendQueueSize,
		JoinTimeout:      cfg.Backend.DialTimeout,
	})

	stopGateway := make(chan struct{})
	lifecycle.Add("gateway", &server.FuncService{
		StartFn: func() error {
			<-stopGateway
			return nil
		},
		StopFn: func() {
			handler.Shutdown()
			registry.Shutdown()
			if err := repo.Close(); err != nil {
				logger.Warn("closing backend connections", zap.Error(err))
			}
			close(stopGateway)
		},
	})

	lifecycle.Add("http", &server.HTTPService{
		Server: &http.Server{
			Addr:              cfg.HTTP.Addr(),
			Handler:           wsapi.NewMux(handler),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          observability.HTTPErrorLog(logger),
		},
	})

	logger.Info("pusher initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Strings("backends", addrs),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
