package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/octoforge/octogate/internal/types"
)

// CreateModelConfig inserts a model configuration and returns it with a
// generated id.
func (s *Store) CreateModelConfig(ctx context.Context, mc ModelConfig) (ModelConfig, error) {
	now := time.Now().UTC()
	mc.ID = uuid.NewString()
	mc.CreatedAt = now
	mc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_configs (id, name, provider, model_id, api_key, endpoint, max_tokens, temperature, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mc.ID, mc.Name, mc.Provider, mc.ModelID, mc.APIKey, mc.Endpoint,
		mc.MaxTokens, mc.Temperature, now.UnixNano(), now.UnixNano())
	if err != nil {
		return ModelConfig{}, fmt.Errorf("create model config: %w", err)
	}
	return mc, nil
}

// CreateBotInstance inserts a bot instance. ModelConfigID may be empty for a
// bot that has not been bound to a model yet; such a bot cannot build an agent.
func (s *Store) CreateBotInstance(ctx context.Context, b BotInstance) (BotInstance, error) {
	now := time.Now().UTC()
	b.ID = uuid.NewString()
	b.CreatedAt = now
	b.UpdatedAt = now

	var modelRef any
	if b.ModelConfigID != "" {
		modelRef = b.ModelConfigID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_instances (id, name, description, system_prompt, model_config_id, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Description, b.SystemPrompt, modelRef, boolToInt(b.Enabled),
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return BotInstance{}, fmt.Errorf("create bot instance: %w", err)
	}
	return b, nil
}

// UpdateBotInstance rewrites a bot's mutable fields. Returns
// types.ErrNotFound for an unknown id.
func (s *Store) UpdateBotInstance(ctx context.Context, b BotInstance) error {
	var modelRef any
	if b.ModelConfigID != "" {
		modelRef = b.ModelConfigID
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bot_instances
		 SET name = ?, description = ?, system_prompt = ?, model_config_id = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		b.Name, b.Description, b.SystemPrompt, modelRef, boolToInt(b.Enabled),
		time.Now().UTC().UnixNano(), b.ID)
	if err != nil {
		return fmt.Errorf("update bot instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bot instance %s: %w", b.ID, types.ErrNotFound)
	}
	return nil
}

// ListBotInstances returns all bots without their loaded configurations.
func (s *Store) ListBotInstances(ctx context.Context) ([]BotInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, system_prompt, model_config_id, enabled, created_at, updated_at
		 FROM bot_instances ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list bot instances: %w", err)
	}
	defer rows.Close()

	var out []BotInstance
	for rows.Next() {
		var (
			b         BotInstance
			modelRef  sql.NullString
			enabled   int
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.SystemPrompt, &modelRef, &enabled, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan bot instance: %w", err)
		}
		b.ModelConfigID = modelRef.String
		b.Enabled = enabled != 0
		b.CreatedAt = time.Unix(0, createdAt).UTC()
		b.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetPluginConfig enables a plugin for a bot, replacing any previous settings.
func (s *Store) SetPluginConfig(ctx context.Context, pc PluginConfig) (PluginConfig, error) {
	now := time.Now().UTC()
	pc.ID = uuid.NewString()
	pc.CreatedAt = now
	pc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_configs (id, bot_instance_id, plugin_id, enabled, settings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bot_instance_id, plugin_id) DO UPDATE SET
		   enabled = excluded.enabled, settings = excluded.settings, updated_at = excluded.updated_at`,
		pc.ID, pc.BotInstanceID, pc.PluginID, boolToInt(pc.Enabled),
		marshalSettings(pc.Settings), now.UnixNano(), now.UnixNano())
	if err != nil {
		return PluginConfig{}, fmt.Errorf("set plugin config: %w", err)
	}
	return pc, nil
}

// SetChannelConfig stores the settings for one channel type of a bot,
// replacing any previous settings.
func (s *Store) SetChannelConfig(ctx context.Context, cc ChannelConfig) (ChannelConfig, error) {
	now := time.Now().UTC()
	cc.ID = uuid.NewString()
	cc.CreatedAt = now
	cc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_configs (id, bot_instance_id, channel_type, enabled, settings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bot_instance_id, channel_type) DO UPDATE SET
		   enabled = excluded.enabled, settings = excluded.settings, updated_at = excluded.updated_at`,
		cc.ID, cc.BotInstanceID, cc.ChannelType, boolToInt(cc.Enabled),
		marshalSettings(cc.Settings), now.UnixNano(), now.UnixNano())
	if err != nil {
		return ChannelConfig{}, fmt.Errorf("set channel config: %w", err)
	}
	return cc, nil
}

// GetBotInstance loads a bot with its model config, plugin configs, and
// channel configs. Returns types.ErrNotFound for an unknown id.
func (s *Store) GetBotInstance(ctx context.Context, id string) (*BotInstance, error) {
	var (
		b         BotInstance
		modelRef  sql.NullString
		enabled   int
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, system_prompt, model_config_id, enabled, created_at, updated_at
		 FROM bot_instances WHERE id = ?`, id).
		Scan(&b.ID, &b.Name, &b.Description, &b.SystemPrompt, &modelRef, &enabled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bot instance %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bot instance: %w", err)
	}
	b.Enabled = enabled != 0
	b.CreatedAt = time.Unix(0, createdAt).UTC()
	b.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if modelRef.Valid {
		b.ModelConfigID = modelRef.String
		mc, err := s.getModelConfig(ctx, modelRef.String)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		b.ModelConfig = mc
	}

	if b.PluginConfigs, err = s.getPluginConfigs(ctx, id); err != nil {
		return nil, err
	}
	if b.ChannelConfigs, err = s.getChannelConfigs(ctx, id); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) getModelConfig(ctx context.Context, id string) (*ModelConfig, error) {
	var (
		mc        ModelConfig
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, provider, model_id, api_key, endpoint, max_tokens, temperature, created_at, updated_at
		 FROM model_configs WHERE id = ?`, id).
		Scan(&mc.ID, &mc.Name, &mc.Provider, &mc.ModelID, &mc.APIKey, &mc.Endpoint,
			&mc.MaxTokens, &mc.Temperature, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model config %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get model config: %w", err)
	}
	mc.CreatedAt = time.Unix(0, createdAt).UTC()
	mc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &mc, nil
}

func (s *Store) getPluginConfigs(ctx context.Context, botID string) ([]PluginConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_instance_id, plugin_id, enabled, settings, created_at, updated_at
		 FROM plugin_configs WHERE bot_instance_id = ? ORDER BY plugin_id`, botID)
	if err != nil {
		return nil, fmt.Errorf("get plugin configs: %w", err)
	}
	defer rows.Close()

	var out []PluginConfig
	for rows.Next() {
		var (
			pc        PluginConfig
			enabled   int
			settings  string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&pc.ID, &pc.BotInstanceID, &pc.PluginID, &enabled, &settings, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan plugin config: %w", err)
		}
		pc.Enabled = enabled != 0
		pc.Settings = unmarshalSettings(settings)
		pc.CreatedAt = time.Unix(0, createdAt).UTC()
		pc.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, pc)
	}
	return out, rows.Err()
}

func (s *Store) getChannelConfigs(ctx context.Context, botID string) ([]ChannelConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_instance_id, channel_type, enabled, settings, created_at, updated_at
		 FROM channel_configs WHERE bot_instance_id = ? ORDER BY channel_type`, botID)
	if err != nil {
		return nil, fmt.Errorf("get channel configs: %w", err)
	}
	defer rows.Close()

	var out []ChannelConfig
	for rows.Next() {
		var (
			cc        ChannelConfig
			enabled   int
			settings  string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&cc.ID, &cc.BotInstanceID, &cc.ChannelType, &enabled, &settings, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan channel config: %w", err)
		}
		cc.Enabled = enabled != 0
		cc.Settings = unmarshalSettings(settings)
		cc.CreatedAt = time.Unix(0, createdAt).UTC()
		cc.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, cc)
	}
	return out, rows.Err()
}

// GetChannelConfig returns the stored settings for one (bot, channel type)
// pair, or types.ErrConfigMissing when none exist.
func (s *Store) GetChannelConfig(ctx context.Context, botID, channelType string) (*ChannelConfig, error) {
	configs, err := s.getChannelConfigs(ctx, botID)
	if err != nil {
		return nil, err
	}
	for i := range configs {
		if configs[i].ChannelType == channelType {
			return &configs[i], nil
		}
	}
	return nil, fmt.Errorf("channel %s for bot %s: %w", channelType, botID, types.ErrConfigMissing)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
