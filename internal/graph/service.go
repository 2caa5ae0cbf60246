package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	defaultTimeout = 15 * time.Second
)

// Service is a minimal client for the downstream graph API. It consumes a
// validated access token as a bearer credential; it knows nothing about how
// that token was obtained.
type Service struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBaseURL overrides the API base URL, used in tests.
func WithBaseURL(u string) Option {
	return func(s *Service) {
		s.baseURL = u
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.httpClient = c
	}
}

// NewService creates a graph Service with a bounded request timeout.
func NewService(logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Profile is the subset of the user profile the bot presents in chat.
type Profile struct {
	DisplayName    string `json:"displayName"`
	Mail           string `json:"mail"`
	JobTitle       string `json:"jobTitle"`
	OfficeLocation string `json:"officeLocation"`
}

// Profile fetches the signed-in user's profile.
func (s *Service) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/me", nil)
	if err != nil {
		return nil, fmt.Errorf("building profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.logger.Error().Int("status", resp.StatusCode).Bytes("body", body).Msg("profile request rejected")
		return nil, fmt.Errorf("profile request failed with status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return &profile, nil
}

// Mail is an outbound email sent on the user's behalf.
type Mail struct {
	To      string
	Subject string
	Body    string
}

// SendMail sends an email as the signed-in user.
func (s *Service) SendMail(ctx context.Context, accessToken string, mail Mail) error {
	payload := map[string]any{
		"message": map[string]any{
			"subject": mail.Subject,
			"body": map[string]any{
				"contentType": "Text",
				"content":     mail.Body,
			},
			"toRecipients": []map[string]any{
				{"emailAddress": map[string]any{"address": mail.To}},
			},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding mail: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/me/sendMail", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building sendMail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.logger.Error().Int("status", resp.StatusCode).Bytes("body", body).Msg("sendMail request rejected")
		return fmt.Errorf("sendMail request failed with status %d", resp.StatusCode)
	}
	return nil
}
