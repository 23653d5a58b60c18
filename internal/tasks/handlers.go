package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hugh/calbridge/internal/database/models"
	"github.com/hugh/calbridge/internal/vault"
	"gorm.io/gorm"
)

// Handler processes queued onboarding tasks.
type Handler struct {
	db     *gorm.DB
	vault  vault.CredentialVault
	logger *slog.Logger
}

func NewHandler(db *gorm.DB, v vault.CredentialVault, logger *slog.Logger) *Handler {
	return &Handler{db: db, vault: v, logger: logger}
}

func (h *Handler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeOnboardAccount, h.HandleOnboardAccount)
}

// HandleOnboardAccount bootstraps a freshly linked account: it confirms
// the vault holds tokens and stamps the owning user as onboarded.
// Returning an error makes asynq retry; a permanently stale task (account
// gone or already revoked) is dropped without error.
func (h *Handler) HandleOnboardAccount(ctx context.Context, t *asynq.Task) error {
	var payload OnboardAccountPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshaling onboarding payload: %v: %w", err, asynq.SkipRetry)
	}

	var account models.Account
	err := h.db.WithContext(ctx).First(&account, "id = ?", payload.AccountID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		h.logger.Warn("onboarding task for unknown account", "account_id", payload.AccountID)
		return nil
	case err != nil:
		return fmt.Errorf("loading account: %w", err)
	}

	if account.Status != models.AccountActive {
		// Uninstalled before onboarding ran; nothing to bootstrap.
		h.logger.Info("skipping onboarding for revoked account", "account_id", account.ID)
		return nil
	}

	// The vault must hold tokens before sync can start. A miss here is
	// transient (the link just pushed them), so retry.
	if _, err := h.vault.GetToken(ctx, account.ID); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return fmt.Errorf("vault has no tokens for account %s yet", account.ID)
		}
		return fmt.Errorf("checking vault tokens: %w", err)
	}

	now := time.Now().UTC()
	res := h.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND onboarded_at IS NULL", payload.UserID).
		Update("onboarded_at", now)
	if res.Error != nil {
		return fmt.Errorf("stamping onboarded_at: %w", res.Error)
	}

	h.logger.Info("account onboarded",
		"account_id", account.ID,
		"user_id", payload.UserID,
		"first_onboarding", res.RowsAffected > 0,
	)

	return nil
}
