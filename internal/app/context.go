package app

import (
	"context"
	"errors"
	"fmt"

	"agentnet/internal/config"
	"agentnet/internal/repo"
)

// ResolveConfig picks the active deployment configuration. A workspace
// agentnet.yml wins and is mirrored into the database so other processes
// sharing the workspace see the same tunables; otherwise the stored
// deployment config is used, seeding defaults on first run.
func ResolveConfig(ctx context.Context, workspace, deploymentOverride string, r repo.Repo) (*config.Config, error) {
	deploymentID := deploymentOverride

	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		if deploymentID == "" {
			deploymentID = fileCfg.Deployment.ID
		}
		if deploymentID == "" {
			deploymentID = "local"
		}
		if err := r.UpsertDeploymentConfig(ctx, deploymentID, fileCfg); err != nil {
			return nil, fmt.Errorf("store deployment config: %w", err)
		}
		return fileCfg, nil
	}

	if deploymentID == "" {
		deploymentID = "local"
	}
	cfg, err := r.GetDeploymentConfig(ctx, deploymentID)
	if errors.Is(err, repo.ErrNotFound) {
		cfg = config.Default(deploymentID)
		if err := r.UpsertDeploymentConfig(ctx, deploymentID, cfg); err != nil {
			return nil, fmt.Errorf("seed deployment config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
