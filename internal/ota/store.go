package ota

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// VersionStore persists the installed version per app across restarts.
type VersionStore interface {
	Installed(ctx context.Context, appID string) (string, error)
	SetInstalled(ctx context.Context, appID, version string) error
	All(ctx context.Context) (map[string]string, error)
}

// MemoryStore is the in-process store used by tests and single-node setups.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string]string)}
}

func (s *MemoryStore) Installed(_ context.Context, appID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[appID], nil
}

func (s *MemoryStore) SetInstalled(_ context.Context, appID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[appID] = version
	return nil
}

func (s *MemoryStore) All(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.versions))
	for k, v := range s.versions {
		out[k] = v
	}
	return out, nil
}

// RedisStore keeps installed versions in one Redis hash, so several host
// processes can share them.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store on the given client. Key defaults to
// "miniapp:installed".
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "miniapp:installed"
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Installed(ctx context.Context, appID string) (string, error) {
	v, err := s.client.HGet(ctx, s.key, appID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis installed version for %s: %w", appID, err)
	}
	return v, nil
}

func (s *RedisStore) SetInstalled(ctx context.Context, appID, version string) error {
	if err := s.client.HSet(ctx, s.key, appID, version).Err(); err != nil {
		return fmt.Errorf("redis set installed version for %s: %w", appID, err)
	}
	return nil
}

func (s *RedisStore) All(ctx context.Context) (map[string]string, error) {
	out, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list installed versions: %w", err)
	}
	return out, nil
}

// PostgresStore persists installed versions in a table:
//
//	CREATE TABLE IF NOT EXISTS miniapp_versions (
//	    app_id   TEXT PRIMARY KEY,
//	    version  TEXT NOT NULL,
//	    updated  TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an open connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the backing table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS miniapp_versions (
			app_id   TEXT PRIMARY KEY,
			version  TEXT NOT NULL,
			updated  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("migrate miniapp_versions: %w", err)
	}
	return nil
}

func (s *PostgresStore) Installed(ctx context.Context, appID string) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM miniapp_versions WHERE app_id = $1`, appID).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query installed version for %s: %w", appID, err)
	}
	return version, nil
}

func (s *PostgresStore) SetInstalled(ctx context.Context, appID, version string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO miniapp_versions (app_id, version, updated)
		VALUES ($1, $2, now())
		ON CONFLICT (app_id) DO UPDATE SET version = EXCLUDED.version, updated = now()`,
		appID, version)
	if err != nil {
		return fmt.Errorf("set installed version for %s: %w", appID, err)
	}
	return nil
}

func (s *PostgresStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT app_id, version FROM miniapp_versions`)
	if err != nil {
		return nil, fmt.Errorf("list installed versions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var appID, version string
		if err := rows.Scan(&appID, &version); err != nil {
			return nil, fmt.Errorf("scan installed version: %w", err)
		}
		out[appID] = version
	}
	return out, rows.Err()
}
