package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lucirlei/chathub360-kanban/domain"
)

// GetBoardConfig loads the account's board configuration. A missing
// row yields the defaults: webhooks disabled, default config values.
func (s *Storage) GetBoardConfig(ctx context.Context, accountID int64) (*domain.BoardConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, account_name, enabled, config, webhook_url, webhook_secret,
			webhook_events, created_at, updated_at
		FROM kanban_configs WHERE account_id = ?`, accountID)

	var (
		cfg       domain.BoardConfig
		configRaw []byte
		eventsRaw []byte
	)
	err := row.Scan(&cfg.ID, &cfg.AccountID, &cfg.AccountName, &cfg.Enabled, &configRaw,
		&cfg.WebhookURL, &cfg.WebhookSecret, &eventsRaw, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.BoardConfig{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get board config for account %d: %w", accountID, err)
	}
	if err := json.Unmarshal(configRaw, &cfg.Config); err != nil {
		return nil, fmt.Errorf("decode board config for account %d: %w", accountID, err)
	}
	if err := json.Unmarshal(eventsRaw, &cfg.WebhookEvents); err != nil {
		return nil, fmt.Errorf("decode webhook events for account %d: %w", accountID, err)
	}
	return &cfg, nil
}

// SaveBoardConfig upserts the account's board configuration.
func (s *Storage) SaveBoardConfig(ctx context.Context, cfg *domain.BoardConfig) error {
	now := time.Now().UTC()
	cfg.UpdatedAt = now
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	if cfg.Config == nil {
		cfg.Config = map[string]any{}
	}
	if cfg.WebhookEvents == nil {
		cfg.WebhookEvents = []string{}
	}
	configRaw, err := json.Marshal(cfg.Config)
	if err != nil {
		return fmt.Errorf("encode board config: %w", err)
	}
	eventsRaw, err := json.Marshal(cfg.WebhookEvents)
	if err != nil {
		return fmt.Errorf("encode webhook events: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kanban_configs
			(account_id, account_name, enabled, config, webhook_url, webhook_secret, webhook_events, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			account_name = excluded.account_name,
			enabled = excluded.enabled,
			config = excluded.config,
			webhook_url = excluded.webhook_url,
			webhook_secret = excluded.webhook_secret,
			webhook_events = excluded.webhook_events,
			updated_at = excluded.updated_at`,
		cfg.AccountID, cfg.AccountName, cfg.Enabled, configRaw,
		cfg.WebhookURL, cfg.WebhookSecret, eventsRaw, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save board config for account %d: %w", cfg.AccountID, err)
	}
	if cfg.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			cfg.ID = id
		}
	}
	return nil
}
