// Package main provides the entry point for the credential gateway.
package main

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/narvanalabs/credential-gateway/internal/api"
	"github.com/narvanalabs/credential-gateway/internal/api/health"
	"github.com/narvanalabs/credential-gateway/internal/audit"
	"github.com/narvanalabs/credential-gateway/internal/auth"
	"github.com/narvanalabs/credential-gateway/internal/backend"
	"github.com/narvanalabs/credential-gateway/internal/gateway"
	"github.com/narvanalabs/credential-gateway/internal/metrics"
	"github.com/narvanalabs/credential-gateway/internal/policy"
	"github.com/narvanalabs/credential-gateway/internal/secrets"
	"github.com/narvanalabs/credential-gateway/internal/shutdown"
	pgstore "github.com/narvanalabs/credential-gateway/internal/store/postgres"
	"github.com/narvanalabs/credential-gateway/pkg/config"
	"github.com/narvanalabs/credential-gateway/pkg/logger"
)

func main() {
	// A .env file is optional; the real environment always wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Default().Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	os.Exit(run(cfg, log))
}

func run(cfg *config.Config, log *logger.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewCollector()
	coord := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.WithComponent("shutdown").Logger),
	)

	// Trust material
	var sealer *secrets.Sealer
	if cfg.Trust.AgeIdentity != "" {
		s, err := secrets.NewSealer(&secrets.Config{Identity: cfg.Trust.AgeIdentity}, log.Logger)
		if err != nil {
			log.Error("invalid trust identity", "error", err)
			return 1
		}
		sealer = s
	}

	loadTrust := func() (*auth.TrustMaterial, error) {
		return auth.LoadTrustFile(cfg.Trust.File, sealer, cfg.Trust.Issuers)
	}
	material, err := loadTrust()
	if err != nil {
		log.Error("failed to load trust material", "file", cfg.Trust.File, "error", err)
		return 1
	}
	trust := auth.NewTrustStore(material)
	m.SetTrust(trust.Generation(), material.KeyCount())

	coord.OnReload("trust", func(context.Context) error {
		next, err := loadTrust()
		if err != nil {
			return err
		}
		if err := trust.Rotate(next); err != nil {
			return err
		}
		m.SetTrust(trust.Generation(), next.KeyCount())
		return nil
	})

	hc := health.NewChecker(api.Version)
	hc.SetTimeout(cfg.HealthTimeout)
	hc.AddCheck("trust", health.TrustCheck(trust))

	// Database, shared by the postgres revocation backend and the audit sink.
	var db *pgstore.PostgresStore
	if cfg.Revocation.Backend == config.RevocationPostgres || cfg.Audit.Database {
		db, err = pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			return 1
		}
		coord.Register(shutdown.NewCloserComponent("database", db))
		if err := db.Migrate(ctx); err != nil {
			log.Error("failed to migrate database", "error", err)
			return 1
		}
		hc.AddPinger("database", db)
	}

	revocations, err := revocationChecker(cfg, db, hc, coord)
	if err != nil {
		log.Error("failed to configure revocation backend", "error", err)
		return 1
	}

	sinks := audit.MultiSink{audit.NewLogSink(log.WithComponent("audit").Logger)}
	if cfg.Audit.Database {
		sinks = append(sinks, db.Audit())
	}

	minter, err := auth.NewMinter([]byte(cfg.Minting.SigningKey), cfg.Minting.Issuer, cfg.Backend.Audience)
	if err != nil {
		log.Error("failed to create credential minter", "error", err)
		return 1
	}

	validator := auth.NewValidator(trust, auth.WithValidatorLogger(log.WithComponent("validator").Logger))
	engine := policy.NewEngine(policy.Config{
		MaxTTL:   cfg.Policy.MaxTTL,
		FailOpen: cfg.Revocation.FailOpen,
	}, revocations, log.WithComponent("policy").Logger)
	client := backend.NewClient(backend.Config{
		BaseURL:        cfg.Backend.URL,
		Timeout:        cfg.Backend.Timeout,
		MaxRetries:     cfg.Backend.MaxRetries,
		InitialBackoff: cfg.Backend.InitialBackoff,
		MaxBackoff:     cfg.Backend.MaxBackoff,
	}, minter, backend.WithLogger(log.WithComponent("backend").Logger))

	orchestrator := gateway.New(validator, engine, client, sinks,
		gateway.WithMetrics(m),
		gateway.WithLogger(log),
	)

	server := api.NewServer(cfg, orchestrator, hc, m, log.Logger)
	coord.Register(shutdown.NewFuncComponent("http", server.Shutdown))

	go coord.Run(ctx)

	log.Info("starting credential gateway",
		"backend", cfg.Backend.URL,
		"revocation", cfg.Revocation.Backend,
		"trust_keys", material.KeyCount(),
		"max_retries", cfg.Backend.MaxRetries,
	)

	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		cancel()
		coord.Wait()
		return 1
	}

	coord.Wait()
	log.Info("credential gateway stopped")
	return coord.ExitCode()
}

// revocationChecker builds the configured lookup, cached in front of any
// remote backend.
func revocationChecker(cfg *config.Config, db *pgstore.PostgresStore, hc *health.Checker, coord *shutdown.Coordinator) (policy.RevocationChecker, error) {
	rc := cfg.Revocation

	var next policy.RevocationChecker
	switch strings.ToLower(rc.Backend) {
	case config.RevocationNone:
		return nil, nil
	case config.RevocationStatic:
		return policy.NewStaticList(rc.Subjects...), nil
	case config.RevocationHTTP:
		next = policy.NewHTTPChecker(rc.URL, rc.Timeout)
	case config.RevocationRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     rc.RedisAddr,
			Password: rc.RedisPassword,
			DB:       rc.RedisDB,
		})
		coord.Register(shutdown.NewCloserComponent("redis", client))
		checker := policy.NewRedisChecker(client, rc.RedisKey)
		hc.AddPinger("revocation", checker)
		next = checker
	case config.RevocationPostgres:
		if db == nil {
			return nil, errors.New("postgres revocation backend requires a database")
		}
		checker := db.RevocationChecker()
		hc.AddPinger("revocation", checker)
		next = checker
	default:
		return nil, errors.New("unknown revocation backend " + rc.Backend)
	}

	cached := policy.NewCachedChecker(next, rc.CacheTTL)
	coord.OnReload("revocation-cache", func(context.Context) error {
		cached.Invalidate()
		return nil
	})
	return cached, nil
}
