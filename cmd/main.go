package main

import (
	"context"
	"net"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	pb "github.com/kegazani/metachat-proto/chat"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"metachat/messaging-service/internal/auth"
	"metachat/messaging-service/internal/cache"
	"metachat/messaging-service/internal/config"
	grpcServer "metachat/messaging-service/internal/grpc"
	"metachat/messaging-service/internal/httpapi"
	"metachat/messaging-service/internal/logging"
	"metachat/messaging-service/internal/presence"
	"metachat/messaging-service/internal/realtime"
	"metachat/messaging-service/internal/registry"
	"metachat/messaging-service/internal/repository"
	"metachat/messaging-service/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	logger.Info("Connected to PostgreSQL database")

	if err := repository.InitializeTables(ctx, db); err != nil {
		logger.Fatalf("Failed to initialize database tables: %v", err)
	}

	chatRepo := repository.NewChatRepository(db)
	userRepo := repository.NewUserRepository(db)
	var sessionRepo repository.SessionRepository = repository.NewSessionRepository(db)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unavailable, sessions will be read from the database")
		}
		sessionRepo = cache.NewSessionCache(sessionRepo, redisClient, cfg.Redis.SessionTTL, logger)
		logger.WithField("addr", cfg.Redis.Addr).Info("Session cache enabled")
	}

	authService := auth.NewService(
		userRepo,
		sessionRepo,
		auth.NewTokenManager(cfg.Auth.TokenSecret),
		auth.NewPasswordHasher(0),
		cfg.Auth.SessionTTL,
		logger,
	)
	go authService.RunPruner(ctx, cfg.Auth.PruneInterval)

	reg := registry.New()
	rooms := registry.NewRooms()
	tracker := presence.NewTracker(userRepo, reg, logger)
	chatService := service.NewChatService(chatRepo, userRepo, reg, rooms, tracker, logger)

	rt := realtime.NewServer(chatService, cfg.Realtime, logger)
	httpSrv := httpapi.NewServer(ctx, authService, chatService, rt, reg, cfg.HTTP, logger)

	httpAddr := net.JoinHostPort(cfg.Server.Host, cfg.Server.HTTPPort)
	go func() {
		logger.Infof("Starting HTTP server on %s", httpAddr)
		if err := httpSrv.Listen(httpAddr); err != nil {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	var s *grpc.Server
	if cfg.GRPC.Enabled {
		grpcAddr := net.JoinHostPort(cfg.Server.Host, cfg.Server.GRPCPort)
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			logger.Fatalf("Failed to listen on %s: %v", grpcAddr, err)
		}

		s = grpc.NewServer()
		pb.RegisterChatServiceServer(s, grpcServer.NewChatServer(chatService, logger))

		if cfg.GRPC.ReflectionEnabled {
			reflection.Register(s)
			logger.Info("gRPC reflection enabled")
		}

		go func() {
			logger.Infof("Starting gRPC server on %s", grpcAddr)
			if err := s.Serve(lis); err != nil {
				logger.Fatalf("Failed to start gRPC server: %v", err)
			}
		}()
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				logger.Info("Shutting down HTTP server...")
				// Closing the sockets ends each read pump, which runs the normal disconnect.
				for _, conn := range reg.All() {
					conn.Close()
				}
				return httpSrv.Shutdown(ctx)
			},
			"grpc": func(ctx context.Context) error {
				if s == nil {
					return nil
				}
				logger.Info("Shutting down gRPC server...")
				done := make(chan struct{})
				go func() {
					s.GracefulStop()
					close(done)
				}()
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					s.Stop()
					return ctx.Err()
				}
			},
			"background": func(context.Context) error {
				cancel()
				if redisClient != nil {
					return redisClient.Close()
				}
				return nil
			},
		},
	)

	exitCode := <-wait
	logger.WithField("exit_code", exitCode).Info("Server exited")
	os.Exit(exitCode)
}
