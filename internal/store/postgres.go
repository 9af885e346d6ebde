package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
)

const defaultQueryTimeout = 3 * time.Second

// Postgres implements Store over a Postgres database via sqlx.
type Postgres struct {
	db           *sqlx.DB
	queryTimeout time.Duration
}

// Open connects to Postgres with the given DSN and verifies connectivity.
// maxOpenConns <= 0 uses a conservative default.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = 16
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Postgres{db: db, queryTimeout: defaultQueryTimeout}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// virtualKeyRow mirrors the virtual_keys table; JSON columns are scanned raw
// and decoded after the fetch.
type virtualKeyRow struct {
	ID                   string          `db:"id"`
	KeyHash              string          `db:"key_hash"`
	Enabled              bool            `db:"enabled"`
	ModelID              sql.NullString  `db:"model_id"`
	ModelIDs             json.RawMessage `db:"model_ids"`
	ProviderID           sql.NullString  `db:"provider_id"`
	RoutingStrategy      sql.NullString  `db:"routing_strategy"`
	RoutingConfig        json.RawMessage `db:"routing_config"`
	CacheEnabled         bool            `db:"cache_enabled"`
	LoggingEnabled       bool            `db:"logging_enabled"`
	CompressionEnabled   bool            `db:"compression_enabled"`
	InterceptTemperature bool            `db:"intercept_temperature"`
	RPMLimit             int             `db:"rpm_limit"`
}

func (p *Postgres) VirtualKeyByHash(ctx context.Context, hash string) (*VirtualKey, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	var row virtualKeyRow
	query := `
		SELECT id, key_hash, enabled, model_id, model_ids, provider_id,
		       routing_strategy, routing_config, cache_enabled, logging_enabled,
		       compression_enabled, intercept_temperature, rpm_limit
		FROM virtual_keys
		WHERE key_hash = $1
	`
	if err := p.db.GetContext(ctx, &row, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVirtualKeyNotFound
		}
		return nil, fmt.Errorf("store: get virtual key: %w", err)
	}

	vk := &VirtualKey{
		ID:                   row.ID,
		KeyHash:              row.KeyHash,
		Enabled:              row.Enabled,
		RoutingConfig:        row.RoutingConfig,
		CacheEnabled:         row.CacheEnabled,
		LoggingEnabled:       row.LoggingEnabled,
		CompressionEnabled:   row.CompressionEnabled,
		InterceptTemperature: row.InterceptTemperature,
		RPMLimit:             row.RPMLimit,
	}
	if row.ModelID.Valid {
		vk.ModelID = &row.ModelID.String
	}
	if row.ProviderID.Valid {
		vk.ProviderID = &row.ProviderID.String
	}
	if row.RoutingStrategy.Valid {
		vk.RoutingStrategy = row.RoutingStrategy.String
	}
	if len(row.ModelIDs) > 0 {
		if err := json.Unmarshal(row.ModelIDs, &vk.ModelIDs); err != nil {
			return nil, fmt.Errorf("store: decode model_ids for key %s: %w", row.ID, err)
		}
	}
	return vk, nil
}

func (p *Postgres) ModelByID(ctx context.Context, id string) (*Model, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	var m Model
	query := `
		SELECT id, provider_id, model_identifier, protocol, is_virtual,
		       routing_config_id, expert_routing_id, model_attributes
		FROM models
		WHERE id = $1
	`
	if err := p.db.GetContext(ctx, &m, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrModelNotFound
		}
		return nil, fmt.Errorf("store: get model: %w", err)
	}
	return &m, nil
}

type providerRow struct {
	ID               string          `db:"id"`
	Name             string          `db:"name"`
	BaseURL          string          `db:"base_url"`
	APIKey           string          `db:"api_key"`
	ProtocolMappings json.RawMessage `db:"protocol_mappings"`
	ModelMapping     json.RawMessage `db:"model_mapping"`
}

func (p *Postgres) ProviderByID(ctx context.Context, id string) (*Provider, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	var row providerRow
	query := `
		SELECT id, name, base_url, api_key, protocol_mappings, model_mapping
		FROM providers
		WHERE id = $1
	`
	if err := p.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("store: get provider: %w", err)
	}

	prov := &Provider{
		ID:              row.ID,
		Name:            row.Name,
		BaseURL:         row.BaseURL,
		APIKeyEncrypted: row.APIKey,
	}
	if len(row.ProtocolMappings) > 0 {
		if err := json.Unmarshal(row.ProtocolMappings, &prov.ProtocolBaseURLs); err != nil {
			return nil, fmt.Errorf("store: decode protocol_mappings for provider %s: %w", row.ID, err)
		}
	}
	if len(row.ModelMapping) > 0 {
		if err := json.Unmarshal(row.ModelMapping, &prov.ModelMapping); err != nil {
			return nil, fmt.Errorf("store: decode model_mapping for provider %s: %w", row.ID, err)
		}
	}
	return prov, nil
}

func (p *Postgres) RoutingConfigByID(ctx context.Context, id string) (*RoutingConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	var row struct {
		ID       string          `db:"id"`
		Strategy string          `db:"strategy"`
		Targets  json.RawMessage `db:"targets"`
	}
	query := `SELECT id, strategy, targets FROM routing_configs WHERE id = $1`
	if err := p.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoutingConfigNotFound
		}
		return nil, fmt.Errorf("store: get routing config: %w", err)
	}

	rc := &RoutingConfig{ID: row.ID, Strategy: row.Strategy}
	if err := json.Unmarshal(row.Targets, &rc.Targets); err != nil {
		return nil, fmt.Errorf("store: decode targets for routing config %s: %w", row.ID, err)
	}
	return rc, nil
}

func (p *Postgres) ExpertRoutingConfigByID(ctx context.Context, id string) (*ExpertRoutingConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	var row struct {
		ID     string          `db:"id"`
		Config json.RawMessage `db:"config"`
	}
	query := `SELECT id, config FROM expert_routing_configs WHERE id = $1`
	if err := p.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExpertRoutingNotFound
		}
		return nil, fmt.Errorf("store: get expert routing config: %w", err)
	}

	var cfg ExpertRoutingConfig
	if err := json.Unmarshal(row.Config, &cfg); err != nil {
		return nil, fmt.Errorf("store: decode expert routing config %s: %w", row.ID, err)
	}
	cfg.ID = row.ID
	return &cfg, nil
}
