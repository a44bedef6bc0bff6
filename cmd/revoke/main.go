// Package main manages the revoked-subject set shared by gateway replicas.
//
//	revoke [-backend postgres|redis] add <subject> [reason]
//	revoke [-backend postgres|redis] remove <subject>
//	revoke [-backend postgres|redis] list
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/narvanalabs/credential-gateway/internal/policy"
	"github.com/narvanalabs/credential-gateway/internal/store"
	pgstore "github.com/narvanalabs/credential-gateway/internal/store/postgres"
	"github.com/narvanalabs/credential-gateway/pkg/config"
	"github.com/narvanalabs/credential-gateway/pkg/logger"
)

// revocations is the subset both backends support from the command line.
type revocations interface {
	Revoke(ctx context.Context, subject, reason string) error
	Restore(ctx context.Context, subject string) error
	List(ctx context.Context) ([]string, error)
}

func main() {
	_ = godotenv.Load()

	cfg := config.LoadWithDefaults()
	backendName := flag.String("backend", cfg.Revocation.Backend, "postgres or redis")
	timeout := flag.Duration("timeout", 10*time.Second, "Operation timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	log := logger.New(logger.ParseLevel(cfg.LogLevel), false)

	var rv revocations
	switch strings.ToLower(*backendName) {
	case config.RevocationPostgres:
		if cfg.DatabaseDSN == "" {
			fail(errors.New("DATABASE_URL is required"))
		}
		db, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
		if err != nil {
			fail(err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			fail(err)
		}
		rv = postgresRevocations{db.Revocations()}
	case config.RevocationRedis:
		if cfg.Revocation.RedisAddr == "" {
			fail(errors.New("REDIS_ADDR is required"))
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Revocation.RedisAddr,
			Password: cfg.Revocation.RedisPassword,
			DB:       cfg.Revocation.RedisDB,
		})
		defer client.Close()
		rv = redisRevocations{policy.NewRedisChecker(client, cfg.Revocation.RedisKey)}
	default:
		fail(fmt.Errorf("backend %q does not support revocation management", *backendName))
	}

	switch args[0] {
	case "add":
		if len(args) < 2 {
			usage()
		}
		reason := strings.Join(args[2:], " ")
		if err := rv.Revoke(ctx, args[1], reason); err != nil {
			fail(err)
		}
		fmt.Printf("revoked %s\n", args[1])
	case "remove":
		if len(args) != 2 {
			usage()
		}
		if err := rv.Restore(ctx, args[1]); err != nil {
			fail(err)
		}
		fmt.Printf("restored %s\n", args[1])
	case "list":
		subjects, err := rv.List(ctx)
		if err != nil {
			fail(err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, s := range subjects {
			fmt.Fprintln(w, s)
		}
		w.Flush()
	default:
		usage()
	}
}

type postgresRevocations struct {
	store store.RevocationStore
}

func (p postgresRevocations) Revoke(ctx context.Context, subject, reason string) error {
	return p.store.Revoke(ctx, &store.Revocation{
		Subject:   subject,
		Reason:    reason,
		RevokedAt: time.Now().UTC(),
		RevokedBy: operator(),
	})
}

func (p postgresRevocations) Restore(ctx context.Context, subject string) error {
	return p.store.Restore(ctx, subject)
}

func (p postgresRevocations) List(ctx context.Context) ([]string, error) {
	list, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, r := range list {
		out = append(out, fmt.Sprintf("%s\t%s\t%s\t%s", r.Subject, r.RevokedAt.Format(time.RFC3339), r.RevokedBy, r.Reason))
	}
	return out, nil
}

type redisRevocations struct {
	checker *policy.RedisChecker
}

func (r redisRevocations) Revoke(ctx context.Context, subject, _ string) error {
	return r.checker.Revoke(ctx, subject)
}

func (r redisRevocations) Restore(ctx context.Context, subject string) error {
	return r.checker.Restore(ctx, subject)
}

func (r redisRevocations) List(ctx context.Context) ([]string, error) {
	return r.checker.List(ctx)
}

func operator() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: revoke [-backend postgres|redis] add <subject> [reason] | remove <subject> | list")
	os.Exit(2)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
