package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	defaultSQLitePath = "./kestrel.db"
	defaultPGDatabase = "kestrel"
	pingTimeout       = 5 * time.Second
)

// sqlitePragmas tune modernc.org/sqlite for a single-node writer with
// concurrent readers.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// dataSource resolves the database/sql driver name and DSN for cfg.
func dataSource(cfg domain.RepositoryConfig) (string, string, error) {
	switch cfg.Driver {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = defaultSQLitePath
		}
		q := make([]string, len(sqlitePragmas))
		for i, p := range sqlitePragmas {
			q[i] = "_pragma=" + p
		}
		return "sqlite", "file:" + path + "?" + strings.Join(q, "&"), nil

	case "postgres":
		host := cfg.PostgresHost
		if host == "" {
			host = "localhost"
		}
		port := cfg.PostgresPort
		if port == 0 {
			port = 5432
		}
		dbname := cfg.PostgresDB
		if dbname == "" {
			dbname = defaultPGDatabase
		}
		sslmode := cfg.PostgresSSLMode
		if sslmode == "" {
			sslmode = "disable"
		}

		params := [][2]string{
			{"host", host},
			{"port", fmt.Sprint(port)},
			{"user", cfg.PostgresUser},
			{"password", cfg.PostgresPassword},
			{"dbname", dbname},
			{"sslmode", sslmode},
			{"application_name", "kestrel"},
		}
		parts := make([]string, 0, len(params))
		for _, kv := range params {
			if kv[1] == "" {
				continue
			}
			parts = append(parts, kv[0]+"="+pqQuote(kv[1]))
		}
		return "postgres", strings.Join(parts, " "), nil

	default:
		return "", "", fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
}

// pqQuote quotes a libpq keyword value when it holds spaces, quotes or
// backslashes.
func pqQuote(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// open connects to the configured database and verifies the connection.
func open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	driverName, dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	if driverName == "sqlite" {
		// Ensure directory exists
		path := cfg.SQLitePath
		if path == "" {
			path = defaultSQLitePath
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}

	return db, nil
}
