package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/hugh/calbridge/internal/database/models"
	"github.com/hugh/calbridge/internal/tasks"
	"github.com/hugh/calbridge/internal/vault"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

var (
	// ErrAccountConflict: the (provider, subject) pair is already owned
	// by a different user. No writes happen on this path.
	ErrAccountConflict = errors.New("account linked to a different user")

	// ErrVault wraps credential vault failures so handlers can map them
	// to an upstream status.
	ErrVault = errors.New("credential vault unavailable")
)

type Service struct {
	db     *gorm.DB
	vault  vault.CredentialVault
	queue  TaskEnqueuer
	logger *slog.Logger
}

func NewService(db *gorm.DB, v vault.CredentialVault, queue TaskEnqueuer, logger *slog.Logger) *Service {
	return &Service{db: db, vault: v, queue: queue, logger: logger}
}

type LinkInput struct {
	Provider models.Provider
	Subject  string
	Email    string
	UserID   uuid.UUID
	Token    *oauth2.Token
	Scopes   []string
}

type LinkResult struct {
	AccountID     uuid.UUID
	IsNew         bool
	IsReactivated bool
}

// Link runs the find-or-create/reactivate/conflict state machine for one
// provider grant, pushes the fresh tokens to the vault, and enqueues
// onboarding for genuinely new accounts. Safe to repeat: the lookup is by
// the natural (provider, subject) key, and the vault initialize operation
// overwrites prior tokens.
func (s *Service) Link(ctx context.Context, in LinkInput) (*LinkResult, error) {
	var account models.Account
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_subject = ?", in.Provider, in.Subject).
		First(&account).Error

	result := &LinkResult{}

	switch {
	case err == nil:
		if account.UserID != in.UserID {
			return nil, ErrAccountConflict
		}
		result.AccountID = account.ID
		if account.Status != models.AccountActive {
			updates := map[string]any{
				"status": models.AccountActive,
				"email":  in.Email,
			}
			if err := s.db.WithContext(ctx).Model(&account).Updates(updates).Error; err != nil {
				return nil, fmt.Errorf("reactivating account: %w", err)
			}
			result.IsReactivated = true
		}

	case errors.Is(err, gorm.ErrRecordNotFound):
		account = models.Account{
			UserID:          in.UserID,
			Provider:        in.Provider,
			ProviderSubject: in.Subject,
			Email:           in.Email,
			Status:          models.AccountActive,
		}
		if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
			return nil, fmt.Errorf("creating account: %w", err)
		}
		result.AccountID = account.ID
		result.IsNew = true

	default:
		return nil, fmt.Errorf("looking up account: %w", err)
	}

	if err := s.pushTokens(ctx, result.AccountID, in); err != nil {
		return nil, err
	}

	if result.IsNew {
		s.enqueueOnboarding(ctx, result.AccountID, in.UserID)
	}

	return result, nil
}

func (s *Service) pushTokens(ctx context.Context, accountID uuid.UUID, in LinkInput) error {
	expiry := in.Token.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}

	err := s.vault.Initialize(ctx, accountID, vault.TokenSet{
		AccessToken:  in.Token.AccessToken,
		RefreshToken: in.Token.RefreshToken,
		Expiry:       expiry.UTC().Format(time.RFC3339),
	}, in.Scopes)
	if err != nil {
		return fmt.Errorf("%w: initialize: %v", ErrVault, err)
	}

	return nil
}

// enqueueOnboarding is best-effort: a queue outage must not fail the
// link, and a task-id conflict just means a prior delivery won.
func (s *Service) enqueueOnboarding(ctx context.Context, accountID, userID uuid.UUID) {
	task, err := tasks.NewOnboardAccountTask(tasks.OnboardAccountPayload{
		AccountID: accountID,
		UserID:    userID,
	})
	if err != nil {
		s.logger.Error("building onboarding task", "account_id", accountID, "error", err)
		return
	}

	_, err = s.queue.EnqueueContext(ctx, task,
		asynq.TaskID(tasks.OnboardTaskID(accountID)),
		asynq.Queue("default"),
		asynq.Retention(7*24*time.Hour),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			s.logger.Debug("onboarding already enqueued", "account_id", accountID)
			return
		}
		s.logger.Error("enqueueing onboarding", "account_id", accountID, "error", err)
	}
}
