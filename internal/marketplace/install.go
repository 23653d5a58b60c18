package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/hugh/calbridge/internal/database/models"
	"github.com/hugh/calbridge/internal/linker"
	"github.com/hugh/calbridge/internal/oauth"
	"gorm.io/gorm"
)

// ErrOrgNotFound: a member tried to activate but no active installation
// covers their hosted domain.
var ErrOrgNotFound = errors.New("no active installation for domain")

// InstallService handles the three Marketplace entry points. All three
// exchange the authorization code without PKCE: the Marketplace already
// obtained consent, the code only proves the caller's identity.
type InstallService struct {
	db     *gorm.DB
	google oauth.Provider
	linker *linker.Service
	logger *slog.Logger
}

func NewInstallService(db *gorm.DB, google oauth.Provider, lk *linker.Service, logger *slog.Logger) *InstallService {
	return &InstallService{db: db, google: google, linker: lk, logger: logger}
}

type InstallResult struct {
	AccountID    uuid.UUID
	UserID       uuid.UUID
	Email        string
	ExistingUser bool
	Reactivated  bool
}

type AdminInstallResult struct {
	CustomerID  string
	AdminEmail  string
	Reactivated bool
}

// IndividualInstall links one user's own calendar after a Marketplace
// install. A brand-new email gets a User plus an Organization named from
// the hosted domain (or "Personal").
func (s *InstallService) IndividualInstall(ctx context.Context, code, hd string) (*InstallResult, error) {
	token, err := s.google.Exchange(ctx, code, "")
	if err != nil {
		return nil, err
	}

	identity, err := s.google.FetchIdentity(ctx, token)
	if err != nil {
		return nil, err
	}
	if hd == "" {
		hd = identity.HostedDomain
	}

	var user models.User
	existing := true
	err = s.db.WithContext(ctx).Where("email = ?", identity.Email).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		existing = false
		org, oerr := s.findOrCreateOrgByName(ctx, orgNameForDomain(hd))
		if oerr != nil {
			return nil, oerr
		}
		user = models.User{
			Email:          identity.Email,
			DisplayName:    identity.Email,
			OrganizationID: org.ID,
		}
		if cerr := s.db.WithContext(ctx).Create(&user).Error; cerr != nil {
			return nil, fmt.Errorf("creating user: %w", cerr)
		}
	case err != nil:
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	linkRes, err := s.linker.Link(ctx, linker.LinkInput{
		Provider: models.ProviderGoogle,
		Subject:  identity.Subject,
		Email:    identity.Email,
		UserID:   user.ID,
		Token:    token,
		Scopes:   s.google.Scopes(),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("individual install linked",
		"user_id", user.ID,
		"account_id", linkRes.AccountID,
		"existing_user", existing,
	)

	return &InstallResult{
		AccountID:    linkRes.AccountID,
		UserID:       user.ID,
		Email:        identity.Email,
		ExistingUser: existing,
		Reactivated:  linkRes.IsReactivated,
	}, nil
}

// AdminInstall records (or reactivates) a domain-wide installation. It
// deliberately creates no User, Account, or vault entry and triggers no
// onboarding: granting org-level consent must not read anyone's calendar.
func (s *InstallService) AdminInstall(ctx context.Context, code, customerID, hd string) (*AdminInstallResult, error) {
	token, err := s.google.Exchange(ctx, code, "")
	if err != nil {
		return nil, err
	}

	admin, err := s.google.FetchIdentity(ctx, token)
	if err != nil {
		return nil, err
	}

	var inst models.OrgInstallation
	err = s.db.WithContext(ctx).Where("google_customer_id = ?", customerID).First(&inst).Error
	switch {
	case err == nil:
		updates := map[string]any{
			"status":           models.InstallationActive,
			"admin_email":      admin.Email,
			"admin_google_sub": admin.Subject,
		}
		if uerr := s.db.WithContext(ctx).Model(&inst).Updates(updates).Error; uerr != nil {
			return nil, fmt.Errorf("reactivating installation: %w", uerr)
		}
		s.logger.Info("installation reactivated", "customer_id", customerID, "admin_email", admin.Email)
		return &AdminInstallResult{CustomerID: customerID, AdminEmail: admin.Email, Reactivated: true}, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		inst = models.OrgInstallation{
			GoogleCustomerID: customerID,
			AdminEmail:       admin.Email,
			AdminGoogleSub:   admin.Subject,
			ScopesGranted:    strings.Join(s.google.Scopes(), " "),
			Status:           models.InstallationActive,
		}
		if cerr := s.db.WithContext(ctx).Create(&inst).Error; cerr != nil {
			return nil, fmt.Errorf("creating installation: %w", cerr)
		}
		s.logger.Info("installation created", "customer_id", customerID, "admin_email", admin.Email)
		return &AdminInstallResult{CustomerID: customerID, AdminEmail: admin.Email}, nil

	default:
		return nil, fmt.Errorf("looking up installation: %w", err)
	}
}

// MemberActivate links one member of an already-installed domain. The
// code here only proves the member's identity; the calendar scope was
// granted domain-wide at admin-install time, so no fresh consent screen
// is involved.
func (s *InstallService) MemberActivate(ctx context.Context, code string) (*InstallResult, error) {
	token, err := s.google.Exchange(ctx, code, "")
	if err != nil {
		return nil, err
	}

	identity, err := s.google.FetchIdentity(ctx, token)
	if err != nil {
		return nil, err
	}
	if identity.HostedDomain == "" {
		// Consumer accounts have no domain and thus no installation.
		return nil, ErrOrgNotFound
	}

	var inst models.OrgInstallation
	err = s.db.WithContext(ctx).
		Where("status = ? AND admin_email LIKE ?", models.InstallationActive, "%@"+identity.HostedDomain).
		First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrgNotFound
		}
		return nil, fmt.Errorf("looking up installation: %w", err)
	}

	orgID, err := s.claimOrgID(ctx, &inst, identity.HostedDomain)
	if err != nil {
		return nil, err
	}

	var user models.User
	err = s.db.WithContext(ctx).Where("email = ?", identity.Email).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = models.User{
			Email:          identity.Email,
			DisplayName:    identity.Email,
			OrganizationID: orgID,
		}
		if cerr := s.db.WithContext(ctx).Create(&user).Error; cerr != nil {
			return nil, fmt.Errorf("creating user: %w", cerr)
		}
	case err != nil:
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	linkRes, err := s.linker.Link(ctx, linker.LinkInput{
		Provider: models.ProviderGoogle,
		Subject:  identity.Subject,
		Email:    identity.Email,
		UserID:   user.ID,
		Token:    token,
		Scopes:   s.google.Scopes(),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("member activated",
		"user_id", user.ID,
		"account_id", linkRes.AccountID,
		"org_id", orgID,
		"customer_id", inst.GoogleCustomerID,
	)

	return &InstallResult{
		AccountID:   linkRes.AccountID,
		UserID:      user.ID,
		Email:       identity.Email,
		Reactivated: linkRes.IsReactivated,
	}, nil
}

// claimOrgID resolves the installation's org, backfilling it exactly
// once. Concurrent first activations race on the compare-and-swap
// (org_id IS NULL); the loser discards its provisional org and adopts
// the winner's, so one installation can never fan out into two orgs.
func (s *InstallService) claimOrgID(ctx context.Context, inst *models.OrgInstallation, domain string) (uuid.UUID, error) {
	if inst.OrgID != nil {
		return *inst.OrgID, nil
	}

	var orgID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org := models.Organization{Name: domain}
		if err := tx.Create(&org).Error; err != nil {
			return fmt.Errorf("creating org: %w", err)
		}

		res := tx.Model(&models.OrgInstallation{}).
			Where("id = ? AND org_id IS NULL", inst.ID).
			Update("org_id", org.ID)
		if res.Error != nil {
			return fmt.Errorf("backfilling org: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			// Lost the race: drop the provisional org, adopt the winner's.
			if err := tx.Delete(&org).Error; err != nil {
				return fmt.Errorf("discarding provisional org: %w", err)
			}
			var current models.OrgInstallation
			if err := tx.First(&current, inst.ID).Error; err != nil {
				return fmt.Errorf("reloading installation: %w", err)
			}
			if current.OrgID == nil {
				return fmt.Errorf("installation %s has no org after lost backfill", inst.ID)
			}
			orgID = *current.OrgID
			return nil
		}

		orgID = org.ID
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	return orgID, nil
}

// findOrCreateOrgByName is a best-effort insert-if-absent. Two unrelated
// individual installs from the same hosted domain intentionally share one
// Organization.
func (s *InstallService) findOrCreateOrgByName(ctx context.Context, name string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&org).Error
	if err == nil {
		return &org, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("looking up org: %w", err)
	}

	org = models.Organization{Name: name}
	if err := s.db.WithContext(ctx).Create(&org).Error; err != nil {
		return nil, fmt.Errorf("creating org: %w", err)
	}
	return &org, nil
}

func orgNameForDomain(hd string) string {
	if hd == "" {
		return "Personal"
	}
	return hd
}
