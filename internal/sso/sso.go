// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package sso implements the OAuth2 authorization-code flow against EVE SSO
// with RFC 7636 PKCE, plus refresh-token grants and best-effort revocation.
//
// Flow:
//  1. Generate code_verifier and code_challenge (PKCE)
//  2. Send the user to the authorization URL with the code_challenge
//  3. The browser returns an authorization code to the local callback
//  4. Exchange authorization code + code_verifier for tokens
//  5. Refresh with grant_type=refresh_token; SSO rotates the refresh token
//
// Access tokens are JWTs; character identity and granted scopes are read
// from the token claims rather than requiring an extra verify call.
package sso

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/astraldock/astraldock/internal/config"
)

var (
	// ErrInvalidGrant indicates the refresh token (or authorization code)
	// was rejected as invalid, expired, or revoked. Never retried: the only
	// recovery is user re-authentication.
	ErrInvalidGrant = errors.New("sso: grant invalid or revoked")

	// ErrMalformedToken indicates the SSO returned an access token whose
	// claims could not be parsed.
	ErrMalformedToken = errors.New("sso: malformed access token")
)

// TokenSet is the result of a code exchange or refresh.
type TokenSet struct {
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
	CharacterID   int64
	CharacterName string
	Scopes        []string
}

// PKCEChallenge carries the code verifier and challenge for one login attempt.
type PKCEChallenge struct {
	CodeVerifier  string // random 43-character string (RFC 7636)
	CodeChallenge string // Base64URL(SHA256(code_verifier))
	State         string // CSRF token bound to this attempt
}

// Client talks to the EVE SSO token endpoints.
type Client struct {
	cfg        config.SSOConfig
	httpClient *http.Client
}

// NewClient creates an SSO client from configuration.
func NewClient(cfg config.SSOConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GeneratePKCE generates a fresh verifier/challenge/state triple using
// crypto/rand. The verifier is 43 characters, the RFC 7636 minimum.
func (c *Client) GeneratePKCE() (*PKCEChallenge, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	codeVerifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	hash := sha256.Sum256([]byte(codeVerifier))

	return &PKCEChallenge{
		CodeVerifier:  codeVerifier,
		CodeChallenge: base64.RawURLEncoding.EncodeToString(hash[:]),
		State:         uuid.NewString(),
	}, nil
}

// AuthorizeURL builds the browser URL for one login attempt.
func (c *Client) AuthorizeURL(pkce *PKCEChallenge) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", c.cfg.ClientID)
	params.Set("redirect_uri", "http://"+c.cfg.CallbackAddr+"/callback")
	params.Set("scope", strings.Join(c.cfg.Scopes, " "))
	params.Set("state", pkce.State)
	params.Set("code_challenge", pkce.CodeChallenge)
	params.Set("code_challenge_method", "S256")
	return c.cfg.AuthorizeURL + "?" + params.Encode()
}

// ExchangeCode exchanges an authorization code for a token set.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", codeVerifier)
	return c.tokenRequest(ctx, form)
}

// Refresh exchanges a refresh token for a new token set. SSO commonly
// rotates the refresh token; callers must persist TokenSet.RefreshToken
// before relying on the new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, form)
}

// Revoke invalidates a refresh token at the SSO. Used on identity removal;
// failures are surfaced but callers treat them as best-effort.
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("token_type_hint", "refresh_token")
	form.Set("token", refreshToken)
	if c.cfg.ClientSecret == "" {
		form.Set("client_id", c.cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RevokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke failed with status %d", resp.StatusCode)
	}
	return nil
}

// tokenResponse is the wire shape of the SSO token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// oauthError is the RFC 6749 error shape.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*TokenSet, error) {
	if c.cfg.ClientSecret == "" {
		// Public (native) client: client_id travels in the form body.
		form.Set("client_id", c.cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyTokenError(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	claims, err := parseAccessToken(tr.AccessToken, c.cfg.Audience)
	if err != nil {
		return nil, err
	}

	return &TokenSet{
		AccessToken:   tr.AccessToken,
		RefreshToken:  tr.RefreshToken,
		ExpiresAt:     time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		CharacterID:   claims.characterID,
		CharacterName: claims.characterName,
		Scopes:        claims.scopes,
	}, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.ClientSecret != "" {
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}
}

// classifyTokenError maps token endpoint failures onto the retry policy:
// 4xx grant rejections are terminal (ErrInvalidGrant), everything else is
// transient and eligible for retry by the caller.
func classifyTokenError(status int, body []byte) error {
	var oe oauthError
	if err := json.Unmarshal(body, &oe); err == nil && oe.Error != "" {
		switch oe.Error {
		case "invalid_grant", "invalid_token", "unauthorized_client", "invalid_client":
			return fmt.Errorf("%w: %s (%s)", ErrInvalidGrant, oe.Error, oe.Description)
		}
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s", ErrInvalidGrant, oe.Error)
		}
		return fmt.Errorf("sso transient failure (%d): %s", status, oe.Error)
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("sso transient failure: status %d", status)
	}
	return fmt.Errorf("%w: status %d", ErrInvalidGrant, status)
}

// IsInvalidGrant reports whether err is a terminal credential rejection.
func IsInvalidGrant(err error) bool {
	return errors.Is(err, ErrInvalidGrant)
}
