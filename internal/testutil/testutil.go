// Package testutil provides Postgres and Redis fixtures for integration tests.
// Tests skip when the backing service is unreachable unless TEST_REQUIRE_INFRA is set.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	// Import pgx driver for database/sql compatibility in tests.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/armazem-sao-joaquim/backoffice/internal/migrate"
)

const pingTimeout = 2 * time.Second

// InfraConfig locates the test database and Redis.
type InfraConfig struct {
	DBHost     string `env:"TEST_DB_HOST"     envDefault:"localhost"`
	DBPort     int    `env:"TEST_DB_PORT"     envDefault:"55432"`
	DBUser     string `env:"TEST_DB_USER"     envDefault:"backoffice"`
	DBPassword string `env:"TEST_DB_PASSWORD" envDefault:"backoffice"`
	DBName     string `env:"TEST_DB_NAME"     envDefault:"backoffice"`
	DBSSLMode  string `env:"TEST_DB_SSL_MODE" envDefault:"disable"`

	RedisAddr string `env:"TEST_REDIS_ADDR" envDefault:"localhost:56379"`
	RedisDB   int    `env:"TEST_REDIS_DB"   envDefault:"1"`

	RequireDB    bool `env:"TEST_REQUIRE_DB"`
	RequireRedis bool `env:"TEST_REQUIRE_REDIS"`
	RequireInfra bool `env:"TEST_REQUIRE_INFRA"`
}

// LoadInfraConfig reads InfraConfig from the environment.
func LoadInfraConfig(t testing.TB) InfraConfig {
	t.Helper()
	var cfg InfraConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse test infra config: %v", err)
	}
	return cfg
}

// DSN returns the connection URL, optionally pinned to schema via search_path.
func (c InfraConfig) DSN(schema string) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	q := u.Query()
	q.Set("sslmode", c.DBSSLMode)
	if schema != "" {
		q.Set("search_path", schema+",public")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c InfraConfig) unavailable(t testing.TB, required bool, format string, args ...any) {
	t.Helper()
	if required || c.RequireInfra {
		t.Fatalf(format, args...)
	}
	t.Skipf(format, args...)
}

// WithSchemaDB runs fn against a freshly migrated schema that is dropped when the test ends.
func WithSchemaDB(t testing.TB, fn func(*sql.DB)) {
	t.Helper()
	fn(SetupSchemaDB(t))
}

// SetupSchemaDB creates a uniquely named schema, applies migrations inside it and
// returns a handle whose search_path points at it.
func SetupSchemaDB(t testing.TB) *sql.DB {
	t.Helper()
	cfg := LoadInfraConfig(t)

	adminDB := openAndPing(t, cfg, cfg.DSN(""))
	schema := newSchemaName()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := adminDB.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		closeAndLog(t, "admin db", adminDB)
		t.Fatalf("create schema %s: %v", schema, err)
	}

	db := openAndPing(t, cfg, cfg.DSN(schema))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closeAndLog(t, "schema db", db)
		if _, err := adminDB.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		closeAndLog(t, "admin db", adminDB)
	})

	if err := migrate.Run(ctx, db); err != nil {
		t.Fatalf("migrate schema %s: %v", schema, err)
	}
	return db
}

func openAndPing(t testing.TB, cfg InfraConfig, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		closeAndLog(t, "test db", db)
		cfg.unavailable(t, cfg.RequireDB, "test database not available at %s:%d: %v", cfg.DBHost, cfg.DBPort, err)
	}
	return db
}

func newSchemaName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "t_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "t_" + hex.EncodeToString(b)
}

// SetupTestRedis returns a client on the test Redis database, flushed before use.
func SetupTestRedis(t testing.TB) *redis.Client {
	t.Helper()
	cfg := LoadInfraConfig(t)

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		closeAndLog(t, "redis client", client)
		cfg.unavailable(t, cfg.RequireRedis, "redis not available at %s: %v", cfg.RedisAddr, err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test redis db %d: %v", cfg.RedisDB, err)
	}
	t.Cleanup(func() { closeAndLog(t, "redis client", client) })
	return client
}

func closeAndLog(t testing.TB, name string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		t.Logf("close %s: %v", name, err)
	}
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
