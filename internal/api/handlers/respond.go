package handlers

import (
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/hugh/calbridge/internal/api/dto"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, dto.ErrorResponse{Error: message})
}

// renderPage executes one of the embedded page templates, falling back
// to a plain-text response if rendering fails.
func renderPage(w http.ResponseWriter, templates *template.Template, status int, page string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if templates == nil || templates.Lookup(page) == nil {
		_, _ = w.Write([]byte(http.StatusText(status)))
		return
	}
	_ = templates.ExecuteTemplate(w, page, data)
}

// renderError shows a generic error page. Messages stay vague on
// purpose: upstream bodies, tokens, and internal identifiers must never
// reach the browser.
func renderError(w http.ResponseWriter, templates *template.Template, status int, message string) {
	renderPage(w, templates, status, "error.html", map[string]any{"Message": message})
}
