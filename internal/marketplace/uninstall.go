package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hugh/calbridge/internal/database/models"
	"github.com/hugh/calbridge/internal/vault"
	"gorm.io/gorm"
)

// TokenRevoker is the slice of the provider adapter the processor needs.
type TokenRevoker interface {
	RevokeToken(ctx context.Context, token string) error
}

// Processor executes verified uninstall events. Cleanup is ordered per
// account: revocation is best-effort, credential deletion is mandatory
// (data-protection requirement), and only fully cleaned accounts let the
// webhook ack - anything retryable bubbles up as an error so Google
// redelivers.
type Processor struct {
	db      *gorm.DB
	vault   vault.CredentialVault
	revoker TokenRevoker
	logger  *slog.Logger
}

func NewProcessor(db *gorm.DB, v vault.CredentialVault, revoker TokenRevoker, logger *slog.Logger) *Processor {
	return &Processor{db: db, vault: v, revoker: revoker, logger: logger}
}

// CleanupResult reports one account's cleanup. TokenRevoked is nil when
// the vault held no tokens (nothing to revoke), distinct from false
// (revocation attempted and failed).
type CleanupResult struct {
	AccountID          uuid.UUID `json:"account_id"`
	TokenRevoked       *bool     `json:"token_revoked,omitempty"`
	CredentialsDeleted bool      `json:"credentials_deleted"`
	SyncStopped        bool      `json:"sync_stopped"`
}

type UninstallResponse struct {
	Type     EventType       `json:"type"`
	Accounts []CleanupResult `json:"accounts"`
	AuditID  string          `json:"audit_id,omitempty"`
}

// Process dispatches on the event shape, records the audit trail, and
// returns an error only for retryable failures (mandatory credential
// deletion). Replays are safe: individual lookups ignore account status
// and an already-inactive installation is an empty no-op.
func (p *Processor) Process(ctx context.Context, event *UninstallEvent) (*UninstallResponse, error) {
	var (
		results []CleanupResult
		err     error
	)

	switch event.Type {
	case EventIndividual:
		results, err = p.processIndividual(ctx, event)
	case EventOrganization:
		results, err = p.processOrganization(ctx, event)
	default:
		return nil, fmt.Errorf("unknown event type %q", event.Type)
	}

	resp := &UninstallResponse{Type: event.Type, Accounts: results}
	if results == nil {
		resp.Accounts = []CleanupResult{}
	}
	resp.AuditID = p.writeAudit(ctx, event, resp.Accounts)

	if err != nil {
		return resp, err
	}
	return resp, nil
}

func (p *Processor) processIndividual(ctx context.Context, event *UninstallEvent) ([]CleanupResult, error) {
	// Status is deliberately ignored: reprocessing a duplicate webhook
	// must find the already-revoked rows and clean them again.
	var accounts []models.Account
	err := p.db.WithContext(ctx).
		Where("provider = ? AND provider_subject = ?", models.ProviderGoogle, event.Sub).
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("looking up accounts: %w", err)
	}

	results := make([]CleanupResult, 0, len(accounts))
	var firstErr error
	for i := range accounts {
		res, cerr := p.CleanupAccount(ctx, &accounts[i])
		results = append(results, res)
		if cerr != nil && firstErr == nil {
			firstErr = cerr
		}
	}

	return results, firstErr
}

func (p *Processor) processOrganization(ctx context.Context, event *UninstallEvent) ([]CleanupResult, error) {
	var inst models.OrgInstallation
	err := p.db.WithContext(ctx).
		Where("google_customer_id = ? AND status = ?", event.CustomerID, models.InstallationActive).
		First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Unknown or already-deactivated customer: idempotent no-op.
			p.logger.Info("org uninstall for unknown customer", "customer_id", event.CustomerID)
			return []CleanupResult{}, nil
		}
		return nil, fmt.Errorf("looking up installation: %w", err)
	}

	var accounts []models.Account
	if inst.OrgID != nil {
		err = p.db.WithContext(ctx).
			Select("accounts.*").
			Joins("JOIN users ON users.id = accounts.user_id").
			Where("users.organization_id = ? AND accounts.provider = ? AND accounts.status = ?",
				*inst.OrgID, models.ProviderGoogle, models.AccountActive).
			Find(&accounts).Error
		if err != nil {
			return nil, fmt.Errorf("looking up org accounts: %w", err)
		}
	}

	// Accounts are independent; clean them concurrently.
	results := make([]CleanupResult, len(accounts))
	errs := make([]error, len(accounts))
	var wg sync.WaitGroup
	for i := range accounts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.CleanupAccount(ctx, &accounts[i])
		}(i)
	}
	wg.Wait()

	var firstErr error
	for _, cerr := range errs {
		if cerr != nil {
			firstErr = cerr
			break
		}
	}

	// Keep the installation active until every mandatory deletion
	// succeeded, so Google's retry reprocesses the remainder.
	if firstErr != nil {
		return results, firstErr
	}

	if err := p.db.WithContext(ctx).Model(&inst).
		Update("status", models.InstallationInactive).Error; err != nil {
		return results, fmt.Errorf("deactivating installation: %w", err)
	}

	p.logger.Info("org uninstall processed",
		"customer_id", event.CustomerID,
		"accounts", len(results),
	)

	return results, nil
}

// CleanupAccount runs the ordered, partial-failure-tolerant cleanup:
//
//	a. fetch tokens (vault 404 leaves TokenRevoked nil)
//	b. best-effort provider revocation
//	c. mandatory vault credential deletion
//	d. vault stop-sync
//	e. registry status flip to revoked
//
// A step (c) failure is returned so the webhook goes unacked and is
// retried; the status flip is skipped in that case to keep the account
// visible to the retry.
func (p *Processor) CleanupAccount(ctx context.Context, account *models.Account) (CleanupResult, error) {
	result := CleanupResult{AccountID: account.ID}

	tokens, err := p.vault.GetToken(ctx, account.ID)
	switch {
	case errors.Is(err, vault.ErrNotFound):
		// Nothing stored, nothing to revoke.
	case err != nil:
		p.logger.Warn("fetching tokens for revocation", "account_id", account.ID, "error", err)
		result.TokenRevoked = boolPtr(false)
	default:
		revokable := tokens.RefreshToken
		if revokable == "" {
			revokable = tokens.AccessToken
		}
		if rerr := p.revoker.RevokeToken(ctx, revokable); rerr != nil {
			p.logger.Warn("revoking token", "account_id", account.ID, "error", rerr)
			result.TokenRevoked = boolPtr(false)
		} else {
			result.TokenRevoked = boolPtr(true)
		}
	}

	// Credential deletion is mandatory and never skipped because of a
	// revocation failure.
	if err := p.vault.DeleteCredentials(ctx, account.ID); err != nil {
		p.logger.Error("deleting credentials", "account_id", account.ID, "error", err)
		// Still try to stop sync before surfacing the failure.
		if serr := p.vault.StopSync(ctx, account.ID); serr != nil {
			p.logger.Warn("stopping sync", "account_id", account.ID, "error", serr)
		} else {
			result.SyncStopped = true
		}
		return result, fmt.Errorf("deleting credentials for %s: %w", account.ID, err)
	}
	result.CredentialsDeleted = true

	if err := p.vault.StopSync(ctx, account.ID); err != nil {
		p.logger.Warn("stopping sync", "account_id", account.ID, "error", err)
	} else {
		result.SyncStopped = true
	}

	if err := p.db.WithContext(ctx).Model(account).
		Update("status", models.AccountRevoked).Error; err != nil {
		return result, fmt.Errorf("marking account revoked: %w", err)
	}

	return result, nil
}

// writeAudit appends the audit row. Best-effort: a failed write is
// logged and the webhook still acks, so the returned id may be empty.
func (p *Processor) writeAudit(ctx context.Context, event *UninstallEvent, results []CleanupResult) string {
	serialized, err := json.Marshal(results)
	if err != nil {
		p.logger.Error("serializing audit results", "error", err)
		return ""
	}

	audit := models.UninstallAudit{
		EventType:          models.UninstallEventType(event.Type),
		IdentitySub:        event.Sub,
		IdentityCustomerID: event.CustomerID,
		IdentityEmail:      event.Email,
		AccountResults:     string(serialized),
	}
	if err := p.db.WithContext(ctx).Create(&audit).Error; err != nil {
		p.logger.Error("writing uninstall audit", "error", err)
		return ""
	}

	return audit.ID.String()
}

func boolPtr(b bool) *bool { return &b }
