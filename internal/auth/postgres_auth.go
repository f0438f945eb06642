package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/cache"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	TenantID   string
	ActorID    string
	ActorType  string
	Role       string
	APIKeyHash string
	Revoked    bool
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, actor_id, actor_type, role, api_key_hash, revoked
		FROM gateway_api_keys
		WHERE api_key_prefix = $1
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.TenantID, &r.ActorID, &r.ActorType, &r.Role, &r.APIKeyHash, &r.Revoked); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against the gateway_api_keys table.
// Keys are looked up by their first 8 characters and verified with bcrypt.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *cache.SWR[*Principal]
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  cache.New[*Principal](cacheTTL, nil),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}

	cacheResult := a.cache.Get(credential)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go a.refreshInBackground(credential)
		}
		return cacheResult.Value, nil
	}

	p, err := a.authenticateFromDB(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(credential, p)
	return p, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, credential string) (*Principal, error) {
	if len(credential) < 8 {
		return nil, ErrUnauthenticated
	}

	row, err := a.store.LookupByPrefix(ctx, credential[:8])
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if row.Revoked {
		return nil, ErrUnauthenticated
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(credential)); err != nil {
		return nil, ErrUnauthenticated
	}

	return &Principal{
		TenantID:  row.TenantID,
		ActorID:   row.ActorID,
		ActorType: row.ActorType,
		Role:      row.Role,
	}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(credential string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.authenticateFromDB(ctx, credential)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		if errors.Is(err, ErrUnauthenticated) {
			// Revoked or rotated since it was cached.
			a.cache.Delete(credential)
		}
		return
	}
	a.cache.Set(credential, p)
}
