package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentnet/internal/config"
)

// UpsertDeploymentConfig stores the active configuration in the database so
// every process sharing the workspace sees the same tunables.
func (r Repo) UpsertDeploymentConfig(ctx context.Context, deploymentID string, cfg *config.Config) error {
	return upsertDeploymentConfig(ctx, r.DB, nil, deploymentID, cfg)
}

func (r Repo) UpsertDeploymentConfigTx(ctx context.Context, tx *sql.Tx, deploymentID string, cfg *config.Config) error {
	return upsertDeploymentConfig(ctx, nil, tx, deploymentID, cfg)
}

func upsertDeploymentConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, deploymentID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Deployment.ID = deploymentID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO deployment_configs(deployment_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(deployment_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, deploymentID, string(payload), now, now)
	return err
}

func (r Repo) GetDeploymentConfig(ctx context.Context, deploymentID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM deployment_configs WHERE deployment_id=?`, deploymentID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Deployment.ID == "" {
		cfg.Deployment.ID = deploymentID
	}
	return &cfg, cfg.Validate()
}
