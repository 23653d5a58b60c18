package handlers

import (
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hugh/calbridge/internal/api/validation"
	"github.com/hugh/calbridge/internal/linker"
	"github.com/hugh/calbridge/internal/marketplace"
	"github.com/hugh/calbridge/internal/oauth"
)

// onboardingPath is where successful installs send the browser next. The
// onboarding UI itself lives outside this service.
const onboardingPath = "/onboarding"

// MarketplaceHandler covers the three install entry points plus the
// signed uninstall webhook.
type MarketplaceHandler struct {
	install   *marketplace.InstallService
	verifier  *marketplace.Verifier
	processor *marketplace.Processor
	templates *template.Template
	logger    *slog.Logger
}

func NewMarketplaceHandler(
	install *marketplace.InstallService,
	verifier *marketplace.Verifier,
	processor *marketplace.Processor,
	templates *template.Template,
	logger *slog.Logger,
) *MarketplaceHandler {
	return &MarketplaceHandler{
		install:   install,
		verifier:  verifier,
		processor: processor,
		templates: templates,
		logger:    logger,
	}
}

// Install handles the individual Marketplace install redirect.
func (h *MarketplaceHandler) Install(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.declined(w, q, "individual install") {
		return
	}

	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	result, err := h.install.IndividualInstall(r.Context(), code, q.Get("hd"))
	if err != nil {
		h.renderInstallError(w, err)
		return
	}

	values := url.Values{}
	values.Set("marketplace_install", "true")
	values.Set("provider", "google")
	values.Set("email", result.Email)
	values.Set("account_id", result.AccountID.String())
	values.Set("user_id", result.UserID.String())
	if result.ExistingUser {
		values.Set("existing_user", "true")
	}
	if result.Reactivated {
		values.Set("reactivated", "true")
	}

	http.Redirect(w, r, onboardingPath+"?"+values.Encode(), http.StatusFound)
}

// AdminInstall records a domain-wide installation and sends the admin to
// a confirmation view. No user data is touched on this path.
func (h *MarketplaceHandler) AdminInstall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.declined(w, q, "admin install") {
		return
	}

	code := q.Get("code")
	customerID := q.Get("customer_id")
	if code == "" || customerID == "" {
		writeError(w, http.StatusBadRequest, "code and customer_id are required")
		return
	}

	result, err := h.install.AdminInstall(r.Context(), code, customerID, q.Get("hd"))
	if err != nil {
		h.renderInstallError(w, err)
		return
	}

	values := url.Values{}
	values.Set("admin_install", "true")
	values.Set("customer_id", result.CustomerID)
	values.Set("admin_email", result.AdminEmail)

	http.Redirect(w, r, "/marketplace/done?"+values.Encode(), http.StatusFound)
}

// AdminDone renders the post-install confirmation for Workspace admins.
func (h *MarketplaceHandler) AdminDone(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("admin_email")
	if !validation.IsValidEmail(email) {
		email = ""
	}
	renderPage(w, h.templates, http.StatusOK, "admin_confirmed.html", map[string]any{
		"AdminEmail": email,
	})
}

// OrgActivate links one member of an installed domain.
func (h *MarketplaceHandler) OrgActivate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.declined(w, q, "member activation") {
		return
	}

	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	result, err := h.install.MemberActivate(r.Context(), code)
	if err != nil {
		h.renderInstallError(w, err)
		return
	}

	values := url.Values{}
	values.Set("org_install", "true")
	values.Set("marketplace_install", "true")
	values.Set("provider", "google")
	values.Set("email", result.Email)
	values.Set("account_id", result.AccountID.String())
	values.Set("user_id", result.UserID.String())
	if result.Reactivated {
		values.Set("reactivated", "true")
	}

	http.Redirect(w, r, onboardingPath+"?"+values.Encode(), http.StatusFound)
}

type uninstallRequest struct {
	JWT string `json:"jwt"`
}

// Uninstall is Google's webhook. A non-2xx answer makes Google retry, so
// only genuinely retryable failures (mandatory cleanup steps) surface as
// errors; everything else acks with the per-account results.
func (h *MarketplaceHandler) Uninstall(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.webhookJWT(w, r)
	if !ok {
		return
	}

	claims := h.verifier.Verify(r.Context(), raw)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	event, err := marketplace.EventFromClaims(claims)
	if err != nil {
		writeError(w, http.StatusBadRequest, "webhook claims are ambiguous")
		return
	}

	resp, err := h.processor.Process(r.Context(), event)
	if err != nil {
		h.logger.Error("uninstall processing incomplete", "type", event.Type, "error", err)
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// webhookJWT pulls the token from a form or JSON body.
func (h *MarketplaceHandler) webhookJWT(w http.ResponseWriter, r *http.Request) (string, bool) {
	var raw string

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req uninstallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return "", false
		}
		raw = req.JWT
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return "", false
		}
		raw = r.PostFormValue("jwt")
	}

	if raw == "" {
		writeError(w, http.StatusBadRequest, "jwt is required")
		return "", false
	}
	return raw, true
}

func (h *MarketplaceHandler) declined(w http.ResponseWriter, q url.Values, flow string) bool {
	reason := q.Get("error")
	if reason == "" {
		return false
	}
	h.logger.Info("marketplace consent declined", "flow", flow, "reason", validation.SanitizeString(reason))
	renderPage(w, h.templates, http.StatusOK, "declined.html", nil)
	return true
}

func (h *MarketplaceHandler) renderInstallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, marketplace.ErrOrgNotFound):
		renderError(w, h.templates, http.StatusForbidden, "Your Workspace domain does not have an active Calbridge installation. Ask your admin to install it first.")
	case errors.Is(err, linker.ErrAccountConflict):
		renderError(w, h.templates, http.StatusConflict, "This Google account is already connected to a different user.")
	case errors.Is(err, oauth.ErrUpstream), errors.Is(err, linker.ErrVault):
		h.logger.Warn("install upstream failure", "error", err)
		renderError(w, h.templates, http.StatusBadGateway, "Google is unavailable right now. Please try again.")
	default:
		h.logger.Error("install failed", "error", err)
		renderError(w, h.templates, http.StatusInternalServerError, "")
	}
}
