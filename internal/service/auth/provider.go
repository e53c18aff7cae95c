package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProviderError is an error response returned by the identity provider.
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity provider error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("identity provider error %d: %s", e.Status, e.Message)
}

// User is the provider's view of an account.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	ConfirmedAt  *time.Time     `json:"confirmed_at,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Identity converts the account into the service-wide identity.
func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Email: u.Email}
}

// Session is a token pair issued after a successful sign-in.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// SignUpResult reports the created account and, unless the provider wants
// the address confirmed first, a session.
type SignUpResult struct {
	User    *User    `json:"user"`
	Session *Session `json:"session,omitempty"`
}

// ConfirmationRequired reports whether the user must confirm their email
// before signing in.
func (r *SignUpResult) ConfirmationRequired() bool {
	return r.User != nil && r.Session == nil
}

// ProviderConfig locates the identity provider.
type ProviderConfig struct {
	URL     string
	AnonKey string
	Timeout time.Duration
}

// Provider is a client of a GoTrue-compatible auth API.
type Provider struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	events     *Events
	logger     *zap.Logger
}

func NewProvider(cfg ProviderConfig, events *Events, logger *zap.Logger) (*Provider, error) {
	if cfg.URL == "" || cfg.AnonKey == "" {
		return nil, fmt.Errorf("identity provider configuration missing")
	}
	if events == nil {
		events = NewEvents()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Provider{
		baseURL:    strings.TrimRight(cfg.URL, "/") + "/auth/v1",
		anonKey:    cfg.AnonKey,
		httpClient: &http.Client{Timeout: timeout},
		events:     events,
		logger:     logger.Named("auth"),
	}, nil
}

// Events returns the broker the provider publishes to.
func (p *Provider) Events() *Events {
	return p.events
}

// SignUp registers an account. fullName is stored in the user metadata.
func (p *Provider) SignUp(ctx context.Context, email, password, fullName string) (*SignUpResult, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]string{"full_name": fullName},
	}

	var raw struct {
		Session
		ID          string         `json:"id"`
		Email       string         `json:"email"`
		ConfirmedAt *time.Time     `json:"confirmed_at"`
		Metadata    map[string]any `json:"user_metadata"`
		CreatedAt   time.Time      `json:"created_at"`
	}
	if err := p.call(ctx, http.MethodPost, "/signup", nil, "", body, &raw); err != nil {
		return nil, err
	}

	// Without a session the provider answers with the bare user object.
	if raw.AccessToken == "" {
		p.logger.Info("user created, email confirmation required", zap.String("email", email))
		return &SignUpResult{User: &User{
			ID:           raw.ID,
			Email:        raw.Email,
			ConfirmedAt:  raw.ConfirmedAt,
			UserMetadata: raw.Metadata,
			CreatedAt:    raw.CreatedAt,
		}}, nil
	}

	session := raw.Session
	p.logger.Info("user created and signed in", zap.String("email", email))
	p.publish(EventSignedIn, session.User)
	return &SignUpResult{User: session.User, Session: &session}, nil
}

// SignIn exchanges an email and password for a session.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var session Session
	query := url.Values{"grant_type": {"password"}}
	body := map[string]string{"email": email, "password": password}
	if err := p.call(ctx, http.MethodPost, "/token", query, "", body, &session); err != nil {
		return nil, err
	}
	p.publish(EventSignedIn, session.User)
	return &session, nil
}

// Refresh exchanges a refresh token for a new session.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	var session Session
	query := url.Values{"grant_type": {"refresh_token"}}
	body := map[string]string{"refresh_token": refreshToken}
	if err := p.call(ctx, http.MethodPost, "/token", query, "", body, &session); err != nil {
		return nil, err
	}
	p.publish(EventTokenRefreshed, session.User)
	return &session, nil
}

// SignOut revokes accessToken. The signed-out event is published even when
// the provider call fails, since the caller discards the token either way.
func (p *Provider) SignOut(ctx context.Context, accessToken string, who Identity) error {
	err := p.call(ctx, http.MethodPost, "/logout", nil, accessToken, nil, nil)
	if err != nil {
		p.logger.Warn("sign out failed", zap.String("user_id", who.ID), zap.Error(err))
	}
	if who.ID != "" {
		p.events.Publish(Event{Type: EventSignedOut, Identity: who})
	}
	return err
}

// ResetPassword asks the provider to email a reset link leading to redirectTo.
func (p *Provider) ResetPassword(ctx context.Context, email, redirectTo string) error {
	var query url.Values
	if redirectTo != "" {
		query = url.Values{"redirect_to": {redirectTo}}
	}
	return p.call(ctx, http.MethodPost, "/recover", query, "", map[string]string{"email": email}, nil)
}

// User fetches the account behind accessToken.
func (p *Provider) User(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := p.call(ctx, http.MethodGet, "/user", nil, accessToken, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (p *Provider) publish(kind EventType, user *User) {
	if user == nil || user.ID == "" {
		return
	}
	p.events.Publish(Event{Type: kind, Identity: user.Identity()})
}

func (p *Provider) call(ctx context.Context, method, path string, query url.Values, bearer string, in, out any) error {
	target := p.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode auth request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("apikey", p.anonKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		req.Header.Set("Authorization", "Bearer "+p.anonKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeProviderError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode auth response: %w", err)
	}
	return nil
}

// decodeProviderError understands both the older OAuth-style error body
// and the newer {code, error_code, msg} shape.
func decodeProviderError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorCode        string `json:"error_code"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)

	perr := &ProviderError{Status: resp.StatusCode, Code: body.ErrorCode}
	if perr.Code == "" {
		perr.Code = body.Error
	}
	for _, msg := range []string{body.Msg, body.ErrorDescription, body.Message, body.Error} {
		if msg != "" {
			perr.Message = msg
			break
		}
	}
	if perr.Message == "" {
		perr.Message = http.StatusText(resp.StatusCode)
	}
	return perr
}
