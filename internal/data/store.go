package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// USER PROVIDER SETTINGS
// ═══════════════════════════════════════════════════════════════════════════════

// UserProvider is one user-registered provider configuration.
type UserProvider struct {
	UserID   string
	Type     string // ollama | openrouter | google | local-agent
	Config   map[string]interface{}
	BaseURL  string
	Models   []string
	APIKey   string
	IsActive bool
}

// UpsertUserProvider inserts or replaces a user's provider settings.
func (s *Store) UpsertUserProvider(ctx context.Context, p *UserProvider) error {
	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	modelsJSON, err := json.Marshal(p.Models)
	if err != nil {
		return fmt.Errorf("marshal models: %w", err)
	}

	query := `
		INSERT INTO user_providers (user_id, type, config, base_url, models, api_key, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, type) DO UPDATE SET
			config = excluded.config,
			base_url = excluded.base_url,
			models = excluded.models,
			api_key = excluded.api_key,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		p.UserID, p.Type, string(configJSON), nullString(p.BaseURL),
		string(modelsJSON), nullString(p.APIKey), boolToInt(p.IsActive), time.Now())
	if err != nil {
		return fmt.Errorf("upsert user provider: %w", err)
	}
	return nil
}

// UserProviderByType returns a user's settings for one provider type, or
// nil when none exist.
func (s *Store) UserProviderByType(ctx context.Context, userID, providerType string) (*UserProvider, error) {
	query := `
		SELECT user_id, type, config, base_url, models, api_key, is_active
		FROM user_providers WHERE user_id = ? AND type = ?
	`
	row := s.db.QueryRowContext(ctx, query, userID, providerType)
	p, err := scanUserProvider(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// UserProviders returns all active provider settings for a user.
func (s *Store) UserProviders(ctx context.Context, userID string) ([]*UserProvider, error) {
	query := `
		SELECT user_id, type, config, base_url, models, api_key, is_active
		FROM user_providers WHERE user_id = ? AND is_active = 1
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query user providers: %w", err)
	}
	defer rows.Close()

	var out []*UserProvider
	for rows.Next() {
		p, err := scanUserProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUserProvider(row rowScanner) (*UserProvider, error) {
	var p UserProvider
	var configJSON, baseURL, modelsJSON, apiKey sql.NullString
	var isActive int
	if err := row.Scan(&p.UserID, &p.Type, &configJSON, &baseURL, &modelsJSON, &apiKey, &isActive); err != nil {
		return nil, err
	}
	p.BaseURL = baseURL.String
	p.APIKey = apiKey.String
	p.IsActive = isActive != 0
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &p.Config); err != nil {
			return nil, fmt.Errorf("parse provider config: %w", err)
		}
	}
	if modelsJSON.Valid && modelsJSON.String != "" {
		if err := json.Unmarshal([]byte(modelsJSON.String), &p.Models); err != nil {
			return nil, fmt.Errorf("parse provider models: %w", err)
		}
	}
	return &p, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TASK ROUTING
// ═══════════════════════════════════════════════════════════════════════════════

// ChainLink is one entry of a stored failover chain.
type ChainLink struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// TaskRouting holds a user's per-tier routing preferences.
type TaskRouting struct {
	UserID              string
	TierProviders       map[string]string      // tier -> provider id
	TierModels          map[string]string      // tier -> model name
	CustomFailoverChain map[string][]ChainLink // tier -> full chain
	AIClassification    bool
	ClassifierChainJSON string
}

// UpsertTaskRouting stores a user's routing preferences.
func (s *Store) UpsertTaskRouting(ctx context.Context, tr *TaskRouting) error {
	providersJSON, err := json.Marshal(tr.TierProviders)
	if err != nil {
		return fmt.Errorf("marshal tier providers: %w", err)
	}
	modelsJSON, err := json.Marshal(tr.TierModels)
	if err != nil {
		return fmt.Errorf("marshal tier models: %w", err)
	}
	chainJSON, err := json.Marshal(tr.CustomFailoverChain)
	if err != nil {
		return fmt.Errorf("marshal failover chain: %w", err)
	}

	query := `
		INSERT INTO task_routing (user_id, tier_providers, tier_models, custom_failover_chain, ai_classification, classifier_chain, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			tier_providers = excluded.tier_providers,
			tier_models = excluded.tier_models,
			custom_failover_chain = excluded.custom_failover_chain,
			ai_classification = excluded.ai_classification,
			classifier_chain = excluded.classifier_chain,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		tr.UserID, string(providersJSON), string(modelsJSON), string(chainJSON),
		boolToInt(tr.AIClassification), nullString(tr.ClassifierChainJSON), time.Now())
	if err != nil {
		return fmt.Errorf("upsert task routing: %w", err)
	}
	return nil
}

// TaskRoutingFor returns a user's routing preferences, or nil when the
// user has never configured routing.
func (s *Store) TaskRoutingFor(ctx context.Context, userID string) (*TaskRouting, error) {
	query := `
		SELECT user_id, tier_providers, tier_models, custom_failover_chain, ai_classification, classifier_chain
		FROM task_routing WHERE user_id = ?
	`
	var tr TaskRouting
	var providersJSON, modelsJSON, chainJSON, classifierChain sql.NullString
	var aiClassification int

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&tr.UserID, &providersJSON, &modelsJSON, &chainJSON, &aiClassification, &classifierChain)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task routing: %w", err)
	}

	tr.AIClassification = aiClassification != 0
	tr.ClassifierChainJSON = classifierChain.String
	if providersJSON.Valid && providersJSON.String != "" {
		if err := json.Unmarshal([]byte(providersJSON.String), &tr.TierProviders); err != nil {
			return nil, fmt.Errorf("parse tier providers: %w", err)
		}
	}
	if modelsJSON.Valid && modelsJSON.String != "" {
		if err := json.Unmarshal([]byte(modelsJSON.String), &tr.TierModels); err != nil {
			return nil, fmt.Errorf("parse tier models: %w", err)
		}
	}
	if chainJSON.Valid && chainJSON.String != "" {
		if err := json.Unmarshal([]byte(chainJSON.String), &tr.CustomFailoverChain); err != nil {
			return nil, fmt.Errorf("parse failover chain: %w", err)
		}
	}
	return &tr, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLI TOOL SETTINGS
// ═══════════════════════════════════════════════════════════════════════════════

// CLIToolSettings configures one CLI tool for one user.
type CLIToolSettings struct {
	UserID         string
	CLIType        string
	PreferredModel string
	FallbackModel  string
	TimeoutSeconds int
	MaxTokens      int
	Temperature    float64
	Settings       map[string]interface{}
}

// UpsertCLIToolSettings stores per-user CLI tool settings.
func (s *Store) UpsertCLIToolSettings(ctx context.Context, c *CLIToolSettings) error {
	settingsJSON, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	query := `
		INSERT INTO cli_tool_settings (user_id, cli_type, preferred_model, fallback_model, timeout_seconds, max_tokens, temperature, settings, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, cli_type) DO UPDATE SET
			preferred_model = excluded.preferred_model,
			fallback_model = excluded.fallback_model,
			timeout_seconds = excluded.timeout_seconds,
			max_tokens = excluded.max_tokens,
			temperature = excluded.temperature,
			settings = excluded.settings,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		c.UserID, c.CLIType, nullString(c.PreferredModel), nullString(c.FallbackModel),
		c.TimeoutSeconds, c.MaxTokens, c.Temperature, string(settingsJSON), time.Now())
	if err != nil {
		return fmt.Errorf("upsert cli tool settings: %w", err)
	}
	return nil
}

// CLIToolSettingsFor returns one user's settings for a CLI type, or nil.
func (s *Store) CLIToolSettingsFor(ctx context.Context, userID, cliType string) (*CLIToolSettings, error) {
	query := `
		SELECT user_id, cli_type, preferred_model, fallback_model, timeout_seconds, max_tokens, temperature, settings
		FROM cli_tool_settings WHERE user_id = ? AND cli_type = ?
	`
	var c CLIToolSettings
	var preferred, fallback, settingsJSON sql.NullString
	err := s.db.QueryRowContext(ctx, query, userID, cliType).Scan(
		&c.UserID, &c.CLIType, &preferred, &fallback,
		&c.TimeoutSeconds, &c.MaxTokens, &c.Temperature, &settingsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cli tool settings: %w", err)
	}
	c.PreferredModel = preferred.String
	c.FallbackModel = fallback.String
	if settingsJSON.Valid && settingsJSON.String != "" {
		if err := json.Unmarshal([]byte(settingsJSON.String), &c.Settings); err != nil {
			return nil, fmt.Errorf("parse cli settings: %w", err)
		}
	}
	return &c, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// USAGE LEDGER
// ═══════════════════════════════════════════════════════════════════════════════

// UsageRecord is one billed (or free) provider call.
type UsageRecord struct {
	ID             string
	UserID         string
	Provider       string
	Model          string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	AgentID        string
	ConversationID string
	Timestamp      time.Time
}

// InsertUsage writes one usage record.
func (s *Store) InsertUsage(ctx context.Context, r *UsageRecord) error {
	if r.ID == "" {
		return fmt.Errorf("usage record ID cannot be empty")
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	query := `
		INSERT INTO usage_records (id, user_id, provider, model, input_tokens, output_tokens, cost_usd, agent_id, conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.UserID, r.Provider, nullString(r.Model),
		r.InputTokens, r.OutputTokens, r.CostUSD,
		nullString(r.AgentID), nullString(r.ConversationID), ts)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// UsageSummary aggregates a user's usage since a point in time.
type UsageSummary struct {
	Calls        int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// UsageSince aggregates usage per provider for one user.
func (s *Store) UsageSince(ctx context.Context, userID string, since time.Time) (map[string]UsageSummary, error) {
	query := `
		SELECT provider, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE user_id = ? AND created_at >= ?
		GROUP BY provider
	`
	rows, err := s.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]UsageSummary)
	for rows.Next() {
		var provider string
		var sum UsageSummary
		if err := rows.Scan(&provider, &sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, err
		}
		out[provider] = sum
	}
	return out, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
