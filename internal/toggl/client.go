package toggl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/beekhof/calendar-toggl/internal/errors"
)

// DefaultBaseURL is the Toggl Track API v9 root.
const DefaultBaseURL = "https://api.track.toggl.com/api/v9"

// createdWith identifies this tool to Toggl, which requires the field.
const createdWith = "calendar-toggl"

// TimeEntry is a finished time entry to create.
// Start and Stop are RFC 3339 date-times as the calendar returned them.
// ProjectID is optional and must be numeric when set.
type TimeEntry struct {
	Description string
	ProjectID   string
	Start       string
	Stop        string
}

type (
	// User is the subset of GET /me the client needs.
	User struct {
		ID                 int64  `json:"id"`
		Email              string `json:"email"`
		DefaultWorkspaceID int64  `json:"default_workspace_id"`
	}

	createRequest struct {
		CreatedWith string `json:"created_with"`
		Description string `json:"description"`
		Start       string `json:"start"`
		Stop        string `json:"stop"`
		Duration    int64  `json:"duration"`
		WorkspaceID int64  `json:"workspace_id"`
		ProjectID   *int64 `json:"project_id,omitempty"`
	}

	createResponse struct {
		ID int64 `json:"id"`
	}
)

// Client is a minimal Toggl Track API client.
type Client struct {
	baseURL     string
	token       string
	workspaceID int64
	httpClient  *http.Client
}

// NewClient creates a client authenticated with an API token.
// A zero workspaceID is resolved from the user's default workspace by
// ResolveWorkspace.
func NewClient(baseURL, token string, workspaceID int64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		token:       token,
		workspaceID: workspaceID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WorkspaceID returns the workspace entries are created in.
func (c *Client) WorkspaceID() int64 {
	return c.workspaceID
}

// do sends an authenticated JSON request and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("error encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.SetBasicAuth(c.token, "api_token")
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		apiErr := &APIError{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(msg))}
		if apiErr.Unauthorized() {
			return errors.NewAuth("toggl rejected the API token", apiErr)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// APIError is a non-2xx answer from Toggl.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("toggl: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("toggl: HTTP %d: %s", e.StatusCode, e.Message)
}

// Unauthorized reports whether the token was rejected.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ResolveWorkspace fills in the default workspace when none was configured.
// It doubles as a token check.
func (c *Client) ResolveWorkspace(ctx context.Context) error {
	user, err := c.Me(ctx)
	if err != nil {
		return err
	}
	if c.workspaceID == 0 {
		if user.DefaultWorkspaceID == 0 {
			return fmt.Errorf("toggl user %s has no default workspace", user.Email)
		}
		c.workspaceID = user.DefaultWorkspaceID
	}
	return nil
}

// CreateEntry creates a stopped time entry and returns its id.
func (c *Client) CreateEntry(ctx context.Context, entry TimeEntry) (int64, error) {
	if c.workspaceID == 0 {
		return 0, fmt.Errorf("toggl workspace is not set")
	}

	start, startValue, err := parseInstant(entry.Start)
	if err != nil {
		return 0, fmt.Errorf("invalid start: %w", err)
	}
	stop, stopValue, err := parseInstant(entry.Stop)
	if err != nil {
		return 0, fmt.Errorf("invalid stop: %w", err)
	}
	if stop.Before(start) {
		return 0, fmt.Errorf("stop %s is before start %s", entry.Stop, entry.Start)
	}

	req := createRequest{
		CreatedWith: createdWith,
		Description: entry.Description,
		Start:       startValue,
		Stop:        stopValue,
		Duration:    int64(stop.Sub(start) / time.Second),
		WorkspaceID: c.workspaceID,
	}
	if entry.ProjectID != "" {
		projectID, err := strconv.ParseInt(entry.ProjectID, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("project id %q is not a Toggl project id", entry.ProjectID)
		}
		req.ProjectID = &projectID
	}

	var created createResponse
	path := fmt.Sprintf("/workspaces/%d/time_entries", c.workspaceID)
	if err := c.do(ctx, http.MethodPost, path, req, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

// parseInstant parses an RFC 3339 date-time. Zone-less values are taken as
// UTC and sent with a "Z" suffix, since Toggl requires a zone; zoned values
// are sent unchanged.
func parseInstant(value string) (time.Time, string, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, value, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999999", value)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%q is not an RFC 3339 date-time", value)
	}
	return t, value + "Z", nil
}
