package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gantry/internal/config"
	"gantry/internal/domain"
	"gantry/internal/engine/auth"
	"gantry/internal/repo"
)

// ResolveAccountAndConfig picks the active account and makes sure a matching
// account row exists, seeding one on first use. Overrides beat gantry.yml,
// which beats nothing.
func ResolveAccountAndConfig(ctx context.Context, workspace, accountOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	accountID := accountOverride
	if accountID == "" && cfg != nil {
		accountID = cfg.Account.ID
	}
	if accountID == "" {
		return "", nil, fmt.Errorf("account not specified; use --account or run gantry account init")
	}
	if cfg == nil {
		cfg = config.Default(accountID)
	}
	cfg.Account.ID = accountID

	if _, err := r.GetAccount(ctx, accountID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := seedAccount(ctx, r, accountID, cfg.Account.Name, actorID); err != nil {
			return "", nil, err
		}
	}
	return accountID, cfg, nil
}

// seedAccount inserts a minimal account footprint: the account row plus the
// first user as admin so someone can manage the rest.
func seedAccount(ctx context.Context, r repo.Repo, accountID, name, actorID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if name == "" {
		name = accountID
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertAccount(ctx, tx, domain.Account{ID: accountID, Name: name, CreatedAt: now}); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureUser(ctx, tx, domain.User{
		ID:        actorID,
		AccountID: accountID,
		Role:      auth.RoleAdmin,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return tx.Commit()
}
