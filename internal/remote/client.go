package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxErrorBody caps how much of an error response is kept in APIError
const maxErrorBody = 512

// Client is an HTTP client for the field-service backend.
type Client struct {
	BaseURL   string
	Token     string
	UserAgent string
	PageLimit int
	HTTP      *http.Client
}

// New creates a client from configuration
func New(cfg Config) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		Token:     cfg.Token,
		UserAgent: cfg.UserAgent,
		PageLimit: cfg.PageLimit,
		HTTP:      &http.Client{Timeout: cfg.Timeout},
	}
}

// Probe issues an unauthenticated GET and returns only the status code.
// The health checker uses it; it does not classify the status.
func (c *Client) Probe(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	return resp.StatusCode, nil
}

// --- Identity ---

// Me returns the authenticated user's identity
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	var resp struct {
		Data Identity `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/users/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// --- Listings ---

func (c *Client) pageQuery(page int, updatedSince *time.Time) url.Values {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(c.PageLimit))
	if updatedSince != nil {
		params.Set("updated_since", FormatTime(*updatedSince))
	}
	return params
}

// ListCompanyProjects fetches one page of a company's projects
func (c *Client) ListCompanyProjects(ctx context.Context, companyID int64, assignedOnly bool, page int, updatedSince *time.Time) (*Page, error) {
	params := c.pageQuery(page, updatedSince)
	if assignedOnly {
		params.Set("assigned_to_me", "1")
	}
	var resp Page
	path := fmt.Sprintf("/api/companies/%d/projects?%s", companyID, params.Encode())
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetProjectDetail fetches the essentials graph of one project
func (c *Client) GetProjectDetail(ctx context.Context, projectID int64) (*ProjectDetail, error) {
	var resp ProjectDetail
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/projects/%d", projectID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListProjectCollection fetches one page of a project's nested collection
// such as "notes" or "equipment"
func (c *Client) ListProjectCollection(ctx context.Context, projectID int64, collection string, page int, updatedSince *time.Time) (*Page, error) {
	var resp Page
	path := fmt.Sprintf("/api/projects/%d/%s?%s", projectID, collection, c.pageQuery(page, updatedSince).Encode())
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRoomPhotos fetches one page of a room's photos
func (c *Client) ListRoomPhotos(ctx context.Context, roomID int64, page int, updatedSince *time.Time) (*Page, error) {
	var resp Page
	path := fmt.Sprintf("/api/rooms/%d/photos?%s", roomID, c.pageQuery(page, updatedSince).Encode())
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDeletedRecords fetches server-side deletions since the given time.
// ServerDate is filled from the response Date header when present.
func (c *Client) GetDeletedRecords(ctx context.Context, since time.Time) (*DeletedRecords, error) {
	var resp DeletedRecords
	params := url.Values{}
	params.Set("since", FormatTime(since))

	header, err := c.do(ctx, http.MethodGet, "/api/sync/deleted?"+params.Encode(), nil, &resp)
	if err != nil {
		return nil, err
	}
	if d, err := ParseHTTPDate(header.Get("Date")); err == nil {
		resp.ServerDate = d
	}
	return &resp, nil
}

// --- Mutations ---

// Create posts a new entity and returns the server's copy
func (c *Client) Create(ctx context.Context, collection string, body map[string]any) (Item, error) {
	var resp struct {
		Data Item `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/"+collection, body, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Update replaces an entity and returns the server's copy
func (c *Client) Update(ctx context.Context, collection string, id int64, body map[string]any) (Item, error) {
	var resp struct {
		Data Item `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/%s/%d", collection, id), body, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Delete removes an entity
func (c *Client) Delete(ctx context.Context, collection string, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/%s/%d", collection, id), nil, nil)
	return err
}

// Get fetches the current server copy of one entity
func (c *Client) Get(ctx context.Context, collection string, id int64) (Item, error) {
	var resp struct {
		Data Item `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/%s/%d", collection, id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// FetchTimestamp reads only the current updated_at of an entity. A 404 or
// 405 from the timestamp route means the backend does not offer it for this
// collection and yields ErrTimestampUnsupported.
func (c *Client) FetchTimestamp(ctx context.Context, collection string, id int64) (time.Time, error) {
	var resp struct {
		UpdatedAt string `json:"updated_at"`
	}
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/%s/%d/timestamp", collection, id), nil, &resp)
	if err != nil {
		code := StatusCode(err)
		if code == http.StatusNotFound || code == http.StatusMethodNotAllowed {
			return time.Time{}, fmt.Errorf("%w: %s", ErrTimestampUnsupported, collection)
		}
		return time.Time{}, err
	}
	return ParseTime(resp.UpdatedAt)
}

// --- Internal helpers ---

// do sends an authenticated JSON request and decodes a 2xx response into
// result. It returns the response headers for callers that need them.
func (c *Client) do(ctx context.Context, method, path string, body, result any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.Header, &APIError{
			Method:     method,
			Path:       stripQuery(path),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil && !errors.Is(err, io.EOF) {
			return resp.Header, fmt.Errorf("decode response: %w", err)
		}
	}

	return resp.Header, nil
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
