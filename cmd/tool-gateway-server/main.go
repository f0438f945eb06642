package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/config"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/evidence"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/gateway"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/server"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/storage"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/tenant"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/tools"
)

func main() {
	cfg, err := config.FromEnvironment(os.Getenv("TOOL_GATEWAY_CONFIG"), os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Logger
	logger := mustBuildLogger(cfg.Server.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting tool gateway",
		zap.String("grpc_port", cfg.Server.GRPCPort),
		zap.String("http_port", cfg.Server.HTTPPort),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.String("approval_mode", cfg.Approval.Mode),
		zap.Float64("approval_threshold", cfg.Risk.ApprovalThreshold),
		zap.Float64("block_threshold", cfg.Risk.BlockThreshold),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres backs auth, the tool store and tenant limits when configured.
	var db *sql.DB
	if cfg.Storage.PostgresDSN != "" {
		db = mustOpenPostgres(ctx, cfg.Storage.PostgresDSN, logger)
		defer func() { _ = db.Close() }()
	} else {
		logger.Info("no POSTGRES_DSN set, keeping tools and limits in memory")
	}

	authenticator := mustBuildAuthenticator(cfg.Auth, db, logger)

	var toolStore registry.Store
	quotaOpts := gateway.QuotaOptions(cfg.Quota)
	quotaOpts.Logger = logger
	if db != nil {
		toolStore = registry.NewPostgresStore(registry.PostgresStoreConfig{
			DB:       db,
			CacheTTL: cfg.Storage.ToolCacheTTL,
			Logger:   logger,
		})
		quotaOpts.Source = tenant.NewPostgresLimits(tenant.PostgresLimitsConfig{
			DB:       db,
			CacheTTL: cfg.Storage.ToolCacheTTL,
			Logger:   logger,
		})
	}
	reg := registry.New(registry.Options{
		BlockedNames: cfg.Integrity.BlockedNames,
		Store:        toolStore,
		Logger:       logger,
	})

	// Rate limiter: Redis when REDIS_ADDR is set, otherwise per-process
	var limiter tenant.RateLimiter
	if cfg.RateLimit.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.String("addr", cfg.RateLimit.RedisAddr), zap.Error(err))
		}
		limiter = tenant.NewRedisLimiter(rdb, gateway.LimiterConfig(cfg.RateLimit), nil, logger)
		logger.Info("redis rate limiter connected")
	} else {
		limiter = tenant.NewMemoryLimiter(gateway.LimiterConfig(cfg.RateLimit), nil)
	}

	eng, err := gateway.NewEngine(cfg.Risk, logger)
	if err != nil {
		logger.Fatal("failed to build risk engine", zap.Error(err))
	}

	auditStore := mustBuildAudit(ctx, cfg.Audit, logger)
	auditStore.Start()
	defer auditStore.Close()

	var binder *evidence.Binder
	if cfg.Evidence.SigningKey != "" {
		binder, err = evidence.NewBinder(evidence.Config{
			SigningKey: []byte(cfg.Evidence.SigningKey),
			KeyID:      cfg.Evidence.KeyID,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal("failed to build evidence binder", zap.Error(err))
		}
	} else {
		logger.Warn("no TOOL_GATEWAY_EVIDENCE_KEY set, evidence binding disabled")
	}

	exec, err := sandbox.NewExecutor(ctx, sandbox.Options{
		Limits:        gateway.SandboxLimits(cfg.Sandbox),
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		ScratchRoot:   cfg.Sandbox.ScratchRoot,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("failed to start sandbox", zap.Error(err))
	}
	defer func() { _ = exec.Close(context.Background()) }()

	gw, err := gateway.New(gateway.Options{
		Config:        cfg,
		Authenticator: authenticator,
		Registry:      reg,
		Engine:        eng,
		Limiter:       limiter,
		Quota:         tenant.NewQuotaManager(quotaOpts),
		Sandbox:       exec,
		Audit:         auditStore,
		Evidence:      binder,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("failed to build gateway", zap.Error(err))
	}

	if err := tools.Register(ctx, gw, tools.Builtins()); err != nil {
		logger.Fatal("failed to register built-in tools", zap.Error(err))
	}
	if cfg.Sandbox.WasmDir != "" {
		wasmTools, err := tools.LoadWasmDir(cfg.Sandbox.WasmDir)
		if err != nil {
			logger.Fatal("failed to load wasm tools", zap.String("dir", cfg.Sandbox.WasmDir), zap.Error(err))
		}
		if err := tools.Register(ctx, gw, wasmTools); err != nil {
			logger.Fatal("failed to register wasm tools", zap.Error(err))
		}
		logger.Info("wasm tools loaded", zap.Int("count", len(wasmTools)))
	}

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
		grpc.UnaryInterceptor(server.UnaryLoggingInterceptor(logger)),
	)
	healthServer := health.NewServer()
	server.RegisterGatewayServer(grpcServer, server.NewGRPCServer(gw, logger), healthServer)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	// HTTP server
	httpServer := &http.Server{
		Addr: ":" + cfg.Server.HTTPPort,
		Handler: server.NewHTTPServer(gw, server.HTTPOptions{
			RateLimit:     cfg.Server.HTTPRateLimit,
			Burst:         cfg.Server.HTTPBurst,
			Authenticator: adminAuthenticator(cfg.Auth, authenticator),
			AdminRoles:    cfg.Risk.ElevatedRoles,
			Logger:        logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.Server.GRPCPort), zap.Error(err))
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("received signal, shutting down")
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
		grpcServer.GracefulStop()
	}()

	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	if err := grpcServer.Serve(lis); err != nil {
		logger.Fatal("grpc server failed", zap.Error(err))
	}
}

func mustOpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) *sql.DB {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("postgres connected")
	return db
}

func mustBuildAuthenticator(cfg config.AuthConfig, db *sql.DB, logger *zap.Logger) auth.Authenticator {
	switch cfg.Mode {
	case "postgres":
		if db == nil {
			logger.Fatal("postgres auth mode requires POSTGRES_DSN")
		}
		logger.Info("using postgres authenticator")
		return auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.CacheTTL,
			Logger:   logger,
		})
	case "jwt":
		logger.Info("using jwt authenticator", zap.String("issuer", cfg.JWTIssuer))
		return auth.NewJWTAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	default:
		keys := make(map[string]auth.Principal, len(cfg.Keys))
		for key, k := range cfg.Keys {
			keys[key] = auth.Principal{TenantID: k.TenantID, ActorID: k.ActorID, ActorType: k.ActorType, Role: k.Role}
		}
		logger.Info("using static authenticator", zap.Int("keys", len(keys)))
		return auth.NewStaticAuthenticator(keys)
	}
}

// adminAuthenticator leaves the operator API open only when request
// authentication is switched off as well.
func adminAuthenticator(cfg config.AuthConfig, a auth.Authenticator) auth.Authenticator {
	if !cfg.IsRequired() {
		return nil
	}
	return a
}

func mustBuildAudit(ctx context.Context, cfg config.AuditConfig, logger *zap.Logger) *audit.Store {
	key := []byte(cfg.SigningKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			logger.Fatal("failed to generate audit key", zap.Error(err))
		}
		logger.Warn("no TOOL_GATEWAY_AUDIT_KEY set, using an ephemeral key; the chain cannot be verified after restart")
	}
	st, err := audit.New(audit.Config{
		SigningKey:    key,
		MaxEntries:    cfg.MaxEntries,
		FlushInterval: cfg.FlushInterval,
		QueueLimit:    cfg.QueueLimit,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("failed to build audit store", zap.Error(err))
	}

	st.AddHandler(storage.NewLogSink(logger))
	if cfg.SQLitePath != "" {
		sdb, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			logger.Fatal("failed to open sqlite audit sink", zap.Error(err))
		}
		sink, err := storage.NewSQLiteSink(ctx, sdb, logger)
		if err != nil {
			logger.Fatal("failed to migrate sqlite audit sink", zap.Error(err))
		}
		st.AddHandler(sink)
		logger.Info("sqlite audit sink enabled", zap.String("path", cfg.SQLitePath))
	}
	if cfg.ClickHouseDSN != "" {
		chdb, err := storage.OpenClickHouse(ctx, cfg.ClickHouseDSN)
		if err != nil {
			logger.Warn("clickhouse connection failed, audit entries stay local", zap.Error(err))
		} else {
			sink := storage.NewClickHouseSink(chdb, logger)
			if err := sink.Migrate(ctx); err != nil {
				logger.Fatal("failed to migrate clickhouse audit sink", zap.Error(err))
			}
			st.AddHandler(sink)
			logger.Info("clickhouse audit sink enabled")
		}
	}
	return st
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
