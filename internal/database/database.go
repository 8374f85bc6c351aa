package database

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// NewDB creates a new database/sql connection, used by the management
// stores (instructions, file records).
func NewDB(configuredURL string) (*sql.DB, error) {
	dbURL, err := ResolveDatabaseURL(configuredURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get database URL: %w", err)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return db, nil
}

// NewPool creates a pgx connection pool, used by the tree store, the
// vector store and the job queue.
func NewPool(ctx context.Context, configuredURL string) (*pgxpool.Pool, error) {
	dbURL, err := ResolveDatabaseURL(configuredURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get database URL: %w", err)
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return pool, nil
}

// ResolveDatabaseURL resolves the connection string, preferring the
// configured value, then DATABASE_URL, then a .env file found walking
// up from the working directory.
func ResolveDatabaseURL(configuredURL string) (string, error) {
	if strings.TrimSpace(configuredURL) != "" {
		return configuredURL, nil
	}

	if direct := strings.TrimSpace(os.Getenv("DATABASE_URL")); direct != "" {
		return direct, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	for dir := wd; ; dir = filepath.Dir(dir) {
		url, err := envFileDatabaseURL(filepath.Join(dir, ".env"))
		if err == nil {
			return url, nil
		}
		if !errors.Is(err, errNoDatabaseURL) {
			return "", err
		}
		if filepath.Dir(dir) == dir {
			break
		}
	}

	return "", errors.New("DATABASE_URL not set and no .env found")
}

var errNoDatabaseURL = errors.New("no DATABASE_URL")

func envFileDatabaseURL(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errNoDatabaseURL
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "DATABASE_URL" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if value == "" {
			return "", fmt.Errorf("DATABASE_URL is empty in %s", path)
		}
		return value, nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return "", errNoDatabaseURL
}
