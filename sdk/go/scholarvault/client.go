package scholarvault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Waiting submissions should pass a longer one.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the BioScholar Vault REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents an operator account used to obtain access tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token represents an issued access token.
type Token struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int64    `json:"expires_in"`
	Permissions []string `json:"permissions,omitempty"`
}

// ReleaseSubmission is a signed release request. Signature is the 65 byte
// secp256k1 signature of the scholar agent, hex encoded.
type ReleaseSubmission struct {
	ID               string `json:"id,omitempty"`
	Vault            string `json:"vault,omitempty"`
	Researcher       string `json:"researcher"`
	ScholarAgent     string `json:"scholar_agent"`
	Amount           uint64 `json:"amount"`
	VerificationHash string `json:"verification_hash"`
	Nonce            string `json:"nonce"`
	Signature        string `json:"signature"`
}

// Receipt identifies the transfer that paid a release.
type Receipt struct {
	Reference   string `json:"reference"`
	Substrate   string `json:"substrate"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Fee         string `json:"fee,omitempty"`
	AppliedAt   int64  `json:"applied_at"`
}

// Release is the server side view of a queued release.
type Release struct {
	ID               string   `json:"id"`
	Vault            string   `json:"vault"`
	Researcher       string   `json:"researcher"`
	Authority        string   `json:"authority"`
	ScholarAgent     string   `json:"scholar_agent"`
	Amount           uint64   `json:"amount"`
	VerificationHash string   `json:"verification_hash"`
	Digest           string   `json:"digest,omitempty"`
	Status           string   `json:"status"`
	Attempts         int      `json:"attempts"`
	MaxRetries       int      `json:"max_retries"`
	LastError        string   `json:"last_error,omitempty"`
	ErrorCode        string   `json:"error_code,omitempty"`
	Receipt          *Receipt `json:"receipt,omitempty"`
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at"`
}

// Stats aggregates release counts per status.
type Stats struct {
	Total           int    `json:"total"`
	Pending         int    `json:"pending"`
	Running         int    `json:"running"`
	Released        int    `json:"released"`
	Rejected        int    `json:"rejected"`
	Failed          int    `json:"failed"`
	ReleasedAmount  uint64 `json:"released_amount"`
	OldestUpdatedAt int64  `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64  `json:"newest_updated_at,omitempty"`
}

// ListFilter narrows ListReleases and Stats. Zero values are ignored.
type ListFilter struct {
	Statuses   []string
	Researcher string
	Limit      int
	Offset     int
	Ascending  bool
}

// APIError represents server side validation or internal errors. When a
// waited release ends unsuccessfully Release carries its final state.
type APIError struct {
	StatusCode int      `json:"-"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Release    *Release `json:"payout,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("scholarvault api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("scholarvault api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the vault API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges operator credentials for an access token and stores
// it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", nil, creds, &token); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// SubmitRelease queues a signed release. With wait set the server blocks
// until the release settles or its wait timeout elapses; a rejected or
// failed release is returned as an *APIError carrying the release.
func (c *Client) SubmitRelease(ctx context.Context, submission ReleaseSubmission, wait bool) (Release, error) {
	var query url.Values
	if wait {
		query = url.Values{"wait": {"true"}}
	}
	var release Release
	if err := c.post(ctx, "/api/v1/releases", query, submission, &release); err != nil {
		return Release{}, err
	}
	return release, nil
}

// GetRelease fetches a release by identifier.
func (c *Client) GetRelease(ctx context.Context, id string) (Release, error) {
	var release Release
	if err := c.get(ctx, "/api/v1/releases/"+url.PathEscape(id), nil, &release); err != nil {
		return Release{}, err
	}
	return release, nil
}

// ListReleases returns releases ordered by update time.
func (c *Client) ListReleases(ctx context.Context, filter ListFilter) ([]Release, error) {
	var out struct {
		Releases []Release `json:"releases"`
	}
	if err := c.get(ctx, "/api/v1/releases", filter.query(true), &out); err != nil {
		return nil, err
	}
	return out.Releases, nil
}

// Stats returns aggregate counts; paging fields of the filter are ignored.
func (c *Client) Stats(ctx context.Context, filter ListFilter) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/releases/stats", filter.query(false), &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// VaultBalance reads the balance of account, or of the default vault when
// account is empty.
func (c *Client) VaultBalance(ctx context.Context, account string) (uint64, error) {
	var query url.Values
	if account != "" {
		query = url.Values{"address": {account}}
	}
	var out struct {
		Balance uint64 `json:"balance"`
	}
	if err := c.get(ctx, "/api/v1/vault/balance", query, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (f ListFilter) query(paging bool) url.Values {
	q := url.Values{}
	for _, status := range f.Statuses {
		if cur := q.Get("status"); cur != "" {
			q.Set("status", cur+","+status)
		} else {
			q.Set("status", status)
		}
	}
	if f.Researcher != "" {
		q.Set("researcher", f.Researcher)
	}
	if !paging {
		return q
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Ascending {
		q.Set("order", "asc")
	}
	return q
}

func (c *Client) post(ctx context.Context, endpoint string, query url.Values, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, query, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	// 未认证模式下服务端忽略该头。
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsStatus reports whether err is an *APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
