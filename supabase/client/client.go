// Package client talks to the Supabase Auth and Storage REST APIs.
//
// Database access does not go through this package: the store connects to the
// Supabase Postgres instance directly. The client is used to verify access
// tokens that cannot be checked locally, to create users from the admin CLI
// and to keep CV assets in a storage bucket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a Supabase REST client authenticated with a project key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config holds client configuration. APIKey should be the service role key
// when admin or storage operations are needed.
type Config struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// New creates a Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase api key is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the project URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// =============================================================================
// Auth
// =============================================================================

// Auth returns the auth API.
func (c *Client) Auth() *AuthClient {
	return &AuthClient{client: c}
}

// AuthClient wraps /auth/v1.
type AuthClient struct {
	client *Client
}

// User is the subset of a Supabase auth user the service reads.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	CreatedAt    string         `json:"created_at"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// FullName returns user_metadata.full_name when present.
func (u User) FullName() string {
	if u.UserMetadata == nil {
		return ""
	}
	name, _ := u.UserMetadata["full_name"].(string)
	return name
}

// GetUser resolves the user that owns accessToken.
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*User, error) {
	req, err := a.client.newRequest(ctx, http.MethodGet, "/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.do(req)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var user User
	if err := resp.JSON(&user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("supabase returned a user without id")
	}
	return &user, nil
}

// AdminCreateUser creates a confirmed user through the admin API. It requires
// the service role key.
func (a *AuthClient) AdminCreateUser(ctx context.Context, email, password string, metadata map[string]any) (*User, error) {
	payload := map[string]any{
		"email":         email,
		"password":      password,
		"email_confirm": true,
	}
	if len(metadata) > 0 {
		payload["user_metadata"] = metadata
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal user: %w", err)
	}

	req, err := a.client.newRequest(ctx, http.MethodPost, "/auth/v1/admin/users", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.do(req)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}

	var user User
	if err := resp.JSON(&user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &user, nil
}

// =============================================================================
// Storage
// =============================================================================

// Storage returns the storage API.
func (c *Client) Storage() *StorageClient {
	return &StorageClient{client: c}
}

// StorageClient wraps /storage/v1.
type StorageClient struct {
	client *Client
}

// From returns a client scoped to one bucket.
func (s *StorageClient) From(bucket string) *BucketClient {
	return &BucketClient{client: s.client, bucket: bucket}
}

// BucketClient handles object operations inside a bucket.
type BucketClient struct {
	client *Client
	bucket string
}

func (b *BucketClient) objectPath(path string) string {
	return "/storage/v1/object/" + url.PathEscape(b.bucket) + "/" + escapeObjectPath(path)
}

// Upload stores data at path. With upsert an existing object is replaced.
func (b *BucketClient) Upload(ctx context.Context, path string, data []byte, contentType string, upsert bool) error {
	req, err := b.client.newRequest(ctx, http.MethodPost, b.objectPath(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	if upsert {
		req.Header.Set("x-upsert", "true")
	}

	resp, err := b.client.do(req)
	if err != nil {
		return err
	}
	return resp.Error()
}

// Download returns the object bytes.
func (b *BucketClient) Download(ctx context.Context, path string) ([]byte, error) {
	req, err := b.client.newRequest(ctx, http.MethodGet, b.objectPath(path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")

	resp, err := b.client.do(req)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Delete removes the given object paths.
func (b *BucketClient) Delete(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return fmt.Errorf("marshal prefixes: %w", err)
	}

	req, err := b.client.newRequest(ctx, http.MethodDelete, "/storage/v1/object/"+url.PathEscape(b.bucket), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.do(req)
	if err != nil {
		return err
	}
	return resp.Error()
}

// GetPublicURL returns the public URL of an object in a public bucket.
func (b *BucketClient) GetPublicURL(path string) string {
	return b.client.baseURL + "/storage/v1/object/public/" + url.PathEscape(b.bucket) + "/" + escapeObjectPath(path)
}

func escapeObjectPath(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// =============================================================================
// Response
// =============================================================================

// Response is a buffered API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// APIError is returned for non-2xx answers.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("supabase error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("supabase error: status %d: %s", e.StatusCode, e.Message)
}

// Error returns an *APIError when the response indicates failure.
func (r *Response) Error() error {
	if r.StatusCode < 400 {
		return nil
	}
	var body struct {
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	apiErr := &APIError{StatusCode: r.StatusCode}
	if err := json.Unmarshal(r.Body, &body); err == nil {
		for _, m := range []string{body.Message, body.Msg, body.ErrorDescription, body.Error} {
			if m != "" {
				apiErr.Message = m
				break
			}
		}
	}
	return apiErr
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == status
}

// =============================================================================
// Internal
// =============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if id := GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}
