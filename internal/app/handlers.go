package app

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"consentbot-go/internal/authflow"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Notifier delivers text to the chat context a flow belongs to. The HTTP
// side uses it to tell the user about transitions the browser triggered.
type Notifier interface {
	SendText(addr authflow.Address, text string) error
}

// CallbackServer exposes the browser-facing half of the auth flow: the
// OAuth redirect endpoint and the same-device confirm hook.
type CallbackServer struct {
	flows     *authflow.Controller
	notifier  Notifier
	baseURL   string
	logger    zerolog.Logger
	templates *template.Template
}

// NewCallbackServer creates a CallbackServer.
func NewCallbackServer(flows *authflow.Controller, notifier Notifier, baseURL string, logger zerolog.Logger) (*CallbackServer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	return &CallbackServer{
		flows:     flows,
		notifier:  notifier,
		baseURL:   baseURL,
		logger:    logger,
		templates: tmpl,
	}, nil
}

// RegisterRoutes attaches the server's handlers to the router.
func (s *CallbackServer) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/auth/callback", s.handleCallback).Methods(http.MethodGet)
	r.HandleFunc("/auth/confirm", s.handleConfirm).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

// handleCallback receives the provider's browser redirect. On acceptance it
// renders the verification code to the browser page; the code is never sent
// to the chat and never logged. All failures render the same generic error
// page so a forged callback learns nothing.
func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")

	res, err := s.flows.HandleCallback(r.Context(), state, code, s.baseURL)
	if err != nil {
		// Detail has already been logged at the controller boundary.
		s.renderError(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = s.templates.ExecuteTemplate(w, "callback_success.html", map[string]string{
		"ProviderName":     res.ProviderDisplayName,
		"VerificationCode": res.VerificationCode,
		"State":            state,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to render success page")
	}
}

// handleConfirm is the same-device auto-confirm hook posted by the success
// page. Responses stay generic regardless of outcome.
func (s *CallbackServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	state := r.PostFormValue("state")
	code := r.PostFormValue("code")

	outcome, addr, err := s.flows.ConfirmSameDeviceCallback(r.Context(), state, code)
	if err != nil {
		http.Error(w, "confirmation failed", http.StatusBadRequest)
		return
	}

	display := s.flows.Provider().DisplayName()
	switch outcome {
	case authflow.ConfirmedSignedIn:
		s.notify(addr, fmt.Sprintf("You're now signed in to %s.", display))
	case authflow.ConfirmFailed:
		s.notify(addr, fmt.Sprintf("Sorry, there was an error signing in to %s. Please try again with /login.", display))
		http.Error(w, "confirmation failed", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *CallbackServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (s *CallbackServer) notify(addr authflow.Address, text string) {
	if err := s.notifier.SendText(addr, text); err != nil {
		s.logger.Error().Err(err).Msg("failed to notify chat")
	}
}

func (s *CallbackServer) renderError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	err := s.templates.ExecuteTemplate(w, "callback_error.html", map[string]string{
		"ProviderName": s.flows.Provider().DisplayName(),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to render error page")
	}
}
