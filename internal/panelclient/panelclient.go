// Package panelclient implements C1: the HTTP client for the panel
// API (spec §4.1), with a process-wide token cache modeled on the
// teacher's services/games/igdb.go token-cache shape (mutex-guarded
// struct with a fixed tokenTTL expiry), scheme fallback from https to
// http, and a small node-list cache. The cache lock is not held while
// re-authenticating and the cache is not re-checked afterwards, so
// concurrent callers holding an expired token may each re-authenticate;
// the last token stored wins.
package panelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pasarguard/iplimiter/internal/metrics"
	"github.com/pasarguard/iplimiter/internal/model"
)

const (
	tokenTTL       = 30 * time.Minute
	nodeCacheTTL   = time.Hour
	maxAttempts    = 5
	usersPageLimit = 100
)

// Credentials are the panel admin credentials used to acquire a token.
type Credentials struct {
	Username string
	Password string
	Domain   string
}

type tokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	scheme    string // "https" or "http", sticky once discovered
}

type nodeCache struct {
	mu        sync.Mutex
	nodes     []model.Node
	fetchedAt time.Time
}

// Client is a panel API client. One Client owns one domain's token and
// node caches; the token cache is process-wide for that domain by
// virtue of living on the Client, which callers construct once per
// domain and share across goroutines.
type Client struct {
	creds      Credentials
	httpClient *http.Client
	token      *tokenCache
	nodes      *nodeCache
}

// New creates a Client for one panel domain.
func New(creds Credentials) *Client {
	return &Client{
		creds:      creds,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		token:      &tokenCache{scheme: "https"},
		nodes:      &nodeCache{},
	}
}

// backoff returns min(30, rand(2..5)*attempt) seconds, per spec §4.1.
func backoff(attempt int) time.Duration {
	jitter := 2 + rand.Intn(4) // [2,5]
	secs := jitter * attempt
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AcquireToken returns a cached token younger than tokenTTL unless
// force is true, else re-authenticates against /api/admin/token,
// trying https then falling back to http on TLS failure, with up to
// maxAttempts exponential-backoff retries.
func (c *Client) AcquireToken(ctx context.Context, force bool) (string, error) {
	c.token.mu.Lock()
	if !force && c.token.token != "" && time.Now().Before(c.token.expiresAt) {
		tok := c.token.token
		c.token.mu.Unlock()
		return tok, nil
	}
	c.token.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tok, err := c.authenticate(ctx)
		if err == nil {
			c.token.mu.Lock()
			c.token.token = tok
			c.token.expiresAt = time.Now().Add(tokenTTL)
			c.token.mu.Unlock()
			metrics.PanelRequests.WithLabelValues("AcquireToken", "ok").Inc()
			return tok, nil
		}
		lastErr = err
		metrics.PanelRequests.WithLabelValues("AcquireToken", "error").Inc()
		if attempt < maxAttempts {
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return "", fmt.Errorf("%w: %v", model.ErrCancelled, err)
			}
		}
	}
	return "", fmt.Errorf("%w: %v", model.ErrAuth, lastErr)
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	form := url.Values{"username": {c.creds.Username}, "password": {c.creds.Password}}

	c.token.mu.Lock()
	scheme := c.token.scheme
	c.token.mu.Unlock()

	schemes := []string{scheme}
	other := "http"
	if scheme == "http" {
		other = "https"
	}
	schemes = append(schemes, other)

	var lastErr error
	for _, s := range schemes {
		start := time.Now()
		endpoint := fmt.Sprintf("%s://%s/api/admin/token", s, c.creds.Domain)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Request-ID", uuid.NewString())

		resp, err := c.httpClient.Do(req)
		metrics.PanelRequestDuration.WithLabelValues("AcquireToken").Observe(time.Since(start).Seconds())
		if err != nil {
			lastErr = err
			continue // try the other scheme
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			lastErr = fmt.Errorf("token HTTP %d: %s", resp.StatusCode, body)
			continue
		}

		var out struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			lastErr = fmt.Errorf("decode token response: %w", err)
			continue
		}

		c.token.mu.Lock()
		c.token.scheme = s
		c.token.mu.Unlock()
		return out.AccessToken, nil
	}
	return "", lastErr
}

func (c *Client) scheme() string {
	c.token.mu.Lock()
	defer c.token.mu.Unlock()
	return c.token.scheme
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("%s://%s", c.scheme(), c.creds.Domain)
}

// BaseURL returns the scheme-qualified panel base URL currently in
// use (sticky https, falling back to http on TLS failure).
func (c *Client) BaseURL() string {
	return c.baseURL()
}

// do executes an authenticated request, retrying once with a forced
// token refresh on 401 (spec §3's "token cache invalidated on 401").
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.AcquireToken(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, body)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("X-Request-ID", uuid.NewString())

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		metrics.PanelRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.PanelRequests.WithLabelValues(path, "error").Inc()
			return nil, fmt.Errorf("%w: %v", model.ErrPanelUnavailable, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			metrics.PanelRequests.WithLabelValues(path, "unauthorized").Inc()
			continue // retry once with a forced token refresh
		}
		metrics.PanelRequests.WithLabelValues(path, "ok").Inc()
		return resp, nil
	}
	return nil, fmt.Errorf("%w: exhausted 401 retry", model.ErrAuth)
}

// userListPage mirrors the panel's paginated user list response.
type userListPage struct {
	Users []struct {
		Username string `json:"username"`
	} `json:"users"`
	Total int `json:"total"`
}

// ListUsers enumerates every username known to the panel, paginating
// in pages of usersPageLimit.
func (c *Client) ListUsers(ctx context.Context) ([]string, error) {
	var out []string
	offset := 0
	for {
		path := fmt.Sprintf("/api/users?offset=%d&limit=%d", offset, usersPageLimit)
		resp, err := c.do(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return nil, err
		}
		var page userListPage
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: decode users page: %v", model.ErrParse, err)
		}
		for _, u := range page.Users {
			out = append(out, u.Username)
		}
		offset += len(page.Users)
		if len(page.Users) < usersPageLimit || offset >= page.Total {
			break
		}
	}
	return out, nil
}

// ListNodes returns the cached node list, refreshing from the panel if
// force is set or the cache is older than nodeCacheTTL. The response
// shape is tolerant of an array, {nodes:[...]}, {data:[...]}, or a
// single-node dict (spec §4.1).
func (c *Client) ListNodes(ctx context.Context, force bool) ([]model.Node, error) {
	c.nodes.mu.Lock()
	if !force && len(c.nodes.nodes) > 0 && time.Since(c.nodes.fetchedAt) < nodeCacheTTL {
		nodes := c.nodes.nodes
		c.nodes.mu.Unlock()
		return nodes, nil
	}
	c.nodes.mu.Unlock()

	resp, err := c.do(ctx, http.MethodGet, "/api/nodes", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read nodes response: %v", model.ErrParse, err)
	}

	nodes, err := decodeNodes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrParse, err)
	}

	c.nodes.mu.Lock()
	c.nodes.nodes = nodes
	c.nodes.fetchedAt = time.Now()
	c.nodes.mu.Unlock()
	return nodes, nil
}

type nodeWire struct {
	ID      json.Number `json:"id"`
	Name    string      `json:"name"`
	Address string      `json:"address"`
	Status  string      `json:"status"`
	Message string      `json:"message"`
}

func (w nodeWire) toModel() model.Node {
	return model.Node{ID: w.ID.String(), Name: w.Name, Address: w.Address, Status: w.Status, Message: w.Message}
}

func decodeNodes(raw []byte) ([]model.Node, error) {
	// Shape 1: a bare array (including an empty one: zero nodes).
	var arr []nodeWire
	if err := json.Unmarshal(raw, &arr); err == nil {
		return wiresToModels(arr), nil
	}

	// Shape 2/3: {"nodes":[...]} or {"data":[...]}.
	var wrapped struct {
		Nodes []nodeWire `json:"nodes"`
		Data  []nodeWire `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if len(wrapped.Nodes) > 0 {
			return wiresToModels(wrapped.Nodes), nil
		}
		if len(wrapped.Data) > 0 {
			return wiresToModels(wrapped.Data), nil
		}
	}

	// Shape 4: a single-node dict.
	var single nodeWire
	if err := json.Unmarshal(raw, &single); err == nil && single.ID.String() != "" {
		return []model.Node{single.toModel()}, nil
	}

	return nil, fmt.Errorf("unrecognized node-list shape")
}

func wiresToModels(ws []nodeWire) []model.Node {
	out := make([]model.Node, len(ws))
	for i, w := range ws {
		out[i] = w.toModel()
	}
	return out
}

// UserDetails is the subset of /api/user/{u} fields the limiter needs.
type UserDetails struct {
	Username string
	GroupIDs []int
}

// GetUserDetails fetches one user's details, returning model.ErrNotFound
// on a 404.
func (c *Client) GetUserDetails(ctx context.Context, username string) (UserDetails, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/user/"+url.PathEscape(username), nil, "")
	if err != nil {
		return UserDetails{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return UserDetails{}, fmt.Errorf("%w: user %s", model.ErrNotFound, username)
	}
	var wire struct {
		Username string `json:"username"`
		GroupIDs []int  `json:"group_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return UserDetails{}, fmt.Errorf("%w: decode user details: %v", model.ErrParse, err)
	}
	return UserDetails{Username: wire.Username, GroupIDs: wire.GroupIDs}, nil
}

// UpdateUserStatus sets a user's status to "active" or "disabled".
func (c *Client) UpdateUserStatus(ctx context.Context, username, status string) error {
	body, _ := json.Marshal(map[string]string{"status": status})
	resp, err := c.do(ctx, http.MethodPut, "/api/user/"+url.PathEscape(username), bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: update status for %s: HTTP %d", model.ErrPanelUnavailable, username, resp.StatusCode)
	}
	return nil
}

// UpdateUserGroups sets a user's group memberships.
func (c *Client) UpdateUserGroups(ctx context.Context, username string, groupIDs []int) error {
	body, _ := json.Marshal(map[string][]int{"group_ids": groupIDs})
	resp, err := c.do(ctx, http.MethodPut, "/api/user/"+url.PathEscape(username), bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: update groups for %s: HTTP %d", model.ErrPanelUnavailable, username, resp.StatusCode)
	}
	return nil
}

// CheckUserExists probes for a user's existence. Per spec §4.1 this
// fails open: after 3 attempts without a clean 200/404, it returns
// true rather than silently skipping a real user.
func (c *Client) CheckUserExists(ctx context.Context, username string) bool {
	for attempt := 1; attempt <= 3; attempt++ {
		resp, err := c.do(ctx, http.MethodGet, "/api/user/"+url.PathEscape(username), nil, "")
		if err != nil {
			if attempt == 3 {
				return true
			}
			continue
		}
		status := resp.StatusCode
		resp.Body.Close()
		switch status {
		case http.StatusOK:
			return true
		case http.StatusNotFound:
			return false
		}
		if attempt == 3 {
			return true
		}
	}
	return true
}
