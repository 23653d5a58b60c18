package handlers

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hugh/calbridge/internal/api/validation"
	"github.com/hugh/calbridge/internal/database/models"
	"github.com/hugh/calbridge/internal/linker"
	"github.com/hugh/calbridge/internal/oauth"
	"github.com/hugh/calbridge/pkg/crypto"
)

// OAuthHandler drives the user-initiated linking flow. All flow context
// lives in the encrypted state parameter; the handler itself keeps no
// per-request state between start and callback.
type OAuthHandler struct {
	providers       map[string]oauth.Provider
	codec           *crypto.StateCodec
	linker          *linker.Service
	templates       *template.Template
	defaultRedirect string
	logger          *slog.Logger
}

func NewOAuthHandler(
	providers []oauth.Provider,
	codec *crypto.StateCodec,
	lk *linker.Service,
	templates *template.Template,
	defaultRedirect string,
	logger *slog.Logger,
) *OAuthHandler {
	byName := make(map[string]oauth.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &OAuthHandler{
		providers:       byName,
		codec:           codec,
		linker:          lk,
		templates:       templates,
		defaultRedirect: defaultRedirect,
		logger:          logger,
	}
}

func (h *OAuthHandler) provider(r *http.Request) oauth.Provider {
	return h.providers[chi.URLParam(r, "provider")]
}

// Start issues the 302 to the provider's consent screen.
func (h *OAuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	p := h.provider(r)
	if p == nil {
		writeError(w, http.StatusNotFound, "Unknown provider")
		return
	}

	userID := r.URL.Query().Get("user_id")
	if !validation.IsValidUUID(userID) {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	redirect := r.URL.Query().Get("redirect_uri")
	if redirect == "" {
		redirect = h.defaultRedirect
	} else if !validation.IsSafeRedirect(redirect) {
		writeError(w, http.StatusBadRequest, "redirect_uri must be a relative path")
		return
	}

	var verifier, challenge string
	if p.UsesPKCE() {
		var err error
		verifier, err = crypto.GenerateCodeVerifier()
		if err != nil {
			h.logger.Error("generating code verifier", "error", err)
			renderError(w, h.templates, http.StatusInternalServerError, "")
			return
		}
		challenge = crypto.CodeChallenge(verifier)
	}

	state, err := h.codec.Encrypt(verifier, userID, redirect)
	if err != nil {
		h.logger.Error("encrypting state", "error", err)
		renderError(w, h.templates, http.StatusInternalServerError, "")
		return
	}

	http.Redirect(w, r, p.AuthCodeURL(state, challenge), http.StatusFound)
}

// Callback finishes the flow: decode state, exchange the code, fetch the
// identity, and link. The declined branch is a normal outcome, not an
// error.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	p := h.provider(r)
	if p == nil {
		writeError(w, http.StatusNotFound, "Unknown provider")
		return
	}

	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		h.logger.Info("consent declined", "provider", p.Name(), "reason", validation.SanitizeString(reason))
		renderPage(w, h.templates, http.StatusOK, "declined.html", nil)
		return
	}

	payload := h.codec.Decrypt(q.Get("state"))
	if payload == nil {
		renderError(w, h.templates, http.StatusBadRequest, "This link request is invalid or has expired. Please start again.")
		return
	}

	code := q.Get("code")
	if code == "" {
		renderError(w, h.templates, http.StatusBadRequest, "The provider response was incomplete. Please start again.")
		return
	}

	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		renderError(w, h.templates, http.StatusBadRequest, "This link request is invalid. Please start again.")
		return
	}

	token, err := p.Exchange(r.Context(), code, payload.CodeVerifier)
	if err != nil {
		h.logger.Warn("token exchange failed", "provider", p.Name(), "error", err)
		renderError(w, h.templates, http.StatusBadGateway, "The calendar provider is unavailable right now. Please try again.")
		return
	}

	identity, err := p.FetchIdentity(r.Context(), token)
	if err != nil {
		h.logger.Warn("identity fetch failed", "provider", p.Name(), "error", err)
		renderError(w, h.templates, http.StatusBadGateway, "The calendar provider is unavailable right now. Please try again.")
		return
	}

	result, err := h.linker.Link(r.Context(), linker.LinkInput{
		Provider: providerModel(p.Name()),
		Subject:  identity.Subject,
		Email:    identity.Email,
		UserID:   userID,
		Token:    token,
		Scopes:   p.Scopes(),
	})
	if err != nil {
		h.renderLinkError(w, p.Name(), err)
		return
	}

	target, err := url.Parse(payload.RedirectURI)
	if err != nil || payload.RedirectURI == "" {
		target, _ = url.Parse(h.defaultRedirect)
	}
	values := target.Query()
	values.Set("account_id", result.AccountID.String())
	values.Set("email", identity.Email)
	if result.IsReactivated {
		values.Set("reactivated", "true")
	}
	target.RawQuery = values.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// Done is the display-only landing page for flows without a custom
// redirect target. No state is read or written.
func (h *OAuthHandler) Done(w http.ResponseWriter, r *http.Request) {
	renderPage(w, h.templates, http.StatusOK, "done.html", nil)
}

func providerModel(name string) models.Provider {
	if name == "microsoft" {
		return models.ProviderMicrosoft
	}
	return models.ProviderGoogle
}

func (h *OAuthHandler) renderLinkError(w http.ResponseWriter, provider string, err error) {
	switch {
	case errors.Is(err, linker.ErrAccountConflict):
		renderError(w, h.templates, http.StatusConflict, "This calendar account is already connected to a different user.")
	case errors.Is(err, linker.ErrVault):
		h.logger.Error("vault unavailable during link", "provider", provider, "error", err)
		renderError(w, h.templates, http.StatusBadGateway, "We could not store the connection right now. Please try again.")
	default:
		h.logger.Error("link failed", "provider", provider, "error", err)
		renderError(w, h.templates, http.StatusInternalServerError, "")
	}
}
