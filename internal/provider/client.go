// Package provider is the HTTP client for the remote storage provider:
// OAuth token refresh, resumable-session creation, object deletion, and the
// chunked uploader that streams file bytes to a session URL.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTokenURL  = "https://oauth2.googleapis.com/token"
	defaultUploadURL = "https://www.googleapis.com/upload/drive/v3/files"
	defaultAPIURL    = "https://www.googleapis.com/drive/v3"
)

var (
	// ErrUnauthorized means the provider rejected the access token.
	ErrUnauthorized = errors.New("provider: access token rejected")
	// ErrNoSession means the provider answered the session-init request
	// without a session URL.
	ErrNoSession = errors.New("provider: no session URL returned")
	// ErrRefreshRejected means the token endpoint refused the refresh token.
	ErrRefreshRejected = errors.New("provider: token refresh rejected")
)

// Client talks to one remote provider. Endpoint fields default to the
// public provider API and are overridden in tests.
type Client struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	UploadURL    string
	APIURL       string
	HTTPClient   *http.Client
}

// NewClient creates a Client with production endpoints and a 30s timeout.
func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     defaultTokenURL,
		UploadURL:    defaultUploadURL,
		APIURL:       defaultAPIURL,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// RefreshToken exchanges a refresh token for a fresh access token and its
// lifetime in seconds.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, int64, error) {
	form := url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: status %d", ErrRefreshRejected, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", 0, ErrRefreshRejected
	}
	return body.AccessToken, body.ExpiresIn, nil
}

// SessionMeta describes the object a resumable session is opened for.
type SessionMeta struct {
	Name     string
	MimeType string
	Size     int64
}

// OpenSession asks the provider for a resumable upload session and returns
// the session URL the client will stream bytes to. A 401/403 maps to
// ErrUnauthorized so the orchestrator can fall back to another node; a 2xx
// without a Location header maps to ErrNoSession.
func (c *Client) OpenSession(ctx context.Context, accessToken string, meta SessionMeta) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"name":     meta.Name,
		"mimeType": meta.MimeType,
	})
	if err != nil {
		return "", fmt.Errorf("marshal session metadata: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.UploadURL+"?uploadType=resumable", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", meta.MimeType)
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(meta.Size, 10))

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("session request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("provider: session init status %d", resp.StatusCode)
	}

	sessionURL := resp.Header.Get("Location")
	if sessionURL == "" {
		return "", ErrNoSession
	}
	return sessionURL, nil
}

// Delete removes a remote object. Used best-effort when a virtual file is
// deleted; a missing remote object is not an error.
func (c *Client) Delete(ctx context.Context, accessToken, remoteID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.APIURL+"/files/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("provider: delete status %d", resp.StatusCode)
	}
	return nil
}
