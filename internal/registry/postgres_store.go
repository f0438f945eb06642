package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/cache"
)

// PostgresStore persists tool definitions in the gateway_tools table and
// fronts reads with a stale-while-revalidate cache.
type PostgresStore struct {
	db     *sql.DB
	cache  *cache.SWR[*Tool]
	logger *zap.Logger
}

// PostgresStoreConfig configures the PostgresStore.
type PostgresStoreConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(cfg PostgresStoreConfig) *PostgresStore {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		db:     cfg.DB,
		cache:  cache.New[*Tool](ttl, nil),
		logger: logger,
	}
}

const upsertToolSQL = `
	INSERT INTO gateway_tools (
		name, description, risk_tier, permissions, input_schema,
		runtime, version, metadata, integrity_hash, registered_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (name) DO UPDATE SET
		description = EXCLUDED.description,
		risk_tier = EXCLUDED.risk_tier,
		permissions = EXCLUDED.permissions,
		input_schema = EXCLUDED.input_schema,
		runtime = EXCLUDED.runtime,
		version = EXCLUDED.version,
		metadata = EXCLUDED.metadata,
		integrity_hash = EXCLUDED.integrity_hash,
		registered_at = EXCLUDED.registered_at`

const selectToolSQL = `
	SELECT name, description, risk_tier, permissions, input_schema,
	       runtime, version, metadata, integrity_hash, registered_at
	FROM gateway_tools
	WHERE name = $1`

const deleteToolSQL = `DELETE FROM gateway_tools WHERE name = $1`

func (s *PostgresStore) SaveTool(ctx context.Context, t *Tool) error {
	perms, err := json.Marshal(t.Permissions)
	if err != nil {
		return fmt.Errorf("SaveTool: permissions: %w", err)
	}
	var schema sql.NullString
	if t.InputSchema != nil {
		b, err := json.Marshal(t.InputSchema)
		if err != nil {
			return fmt.Errorf("SaveTool: input_schema: %w", err)
		}
		schema = sql.NullString{String: string(b), Valid: true}
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("SaveTool: metadata: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, upsertToolSQL,
		t.Name, t.Description, string(t.RiskTier), string(perms), schema,
		string(t.Runtime), t.Version, string(meta), t.IntegrityHash, t.RegisteredAt,
	); err != nil {
		return fmt.Errorf("SaveTool: %w", err)
	}
	s.cache.Set(t.Name, t.Clone())
	return nil
}

func (s *PostgresStore) DeleteTool(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, deleteToolSQL, name); err != nil {
		return fmt.Errorf("DeleteTool: %w", err)
	}
	s.cache.Set(name, nil)
	return nil
}

func (s *PostgresStore) LoadTool(ctx context.Context, name string) (*Tool, error) {
	cacheResult := s.cache.Get(name)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go s.refreshInBackground(name)
		}
		return cacheResult.Value.Clone(), nil
	}

	t, err := s.fetchFromDB(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.cache.Set(name, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("LoadTool: %w", err)
	}

	s.cache.Set(name, t)
	return t.Clone(), nil
}

func (s *PostgresStore) fetchFromDB(ctx context.Context, name string) (*Tool, error) {
	var (
		t       Tool
		tier    string
		runtime string
		perms   string
		schema  sql.NullString
		meta    sql.NullString
		version sql.NullString
		desc    sql.NullString
		regAt   time.Time
	)
	row := s.db.QueryRowContext(ctx, selectToolSQL, name)
	if err := row.Scan(&t.Name, &desc, &tier, &perms, &schema, &runtime, &version, &meta, &t.IntegrityHash, &regAt); err != nil {
		return nil, err
	}

	t.Description = desc.String
	t.RiskTier = RiskTier(tier)
	t.Runtime = Runtime(runtime)
	t.Version = version.String
	t.RegisteredAt = regAt.UTC()

	if perms != "" && perms != "null" {
		if err := json.Unmarshal([]byte(perms), &t.Permissions); err != nil {
			return nil, fmt.Errorf("fetchFromDB: permissions: %w", err)
		}
	}
	if schema.Valid && schema.String != "" && schema.String != "null" {
		if err := json.Unmarshal([]byte(schema.String), &t.InputSchema); err != nil {
			return nil, fmt.Errorf("fetchFromDB: input_schema: %w", err)
		}
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("fetchFromDB: metadata: %w", err)
		}
	}
	return &t, nil
}

func (s *PostgresStore) refreshInBackground(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t, err := s.fetchFromDB(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.cache.Set(name, nil)
			return
		}
		s.logger.Warn("background tool store refresh failed",
			zap.String("tool_name", name),
			zap.Error(err),
		)
		return
	}
	s.cache.Set(name, t)
}
