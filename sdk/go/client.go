package snagsdk

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

// Client is a minimal Snagline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

// User is the public user model.
type User struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	Name      string  `json:"name"`
	Role      string  `json:"role"`
	Phone     *string `json:"phone,omitempty"`
	PushToken *string `json:"push_token,omitempty"`
}

// Snag represents the API snag model (partial).
type Snag struct {
	ID                     string   `json:"id"`
	QueryNo                int      `json:"query_no"`
	Description            string   `json:"description"`
	Location               string   `json:"location"`
	ProjectName            string   `json:"project_name"`
	Status                 string   `json:"status"`
	Priority               string   `json:"priority"`
	Photos                 []string `json:"photos"`
	AssignedContractorID   *string  `json:"assigned_contractor_id,omitempty"`
	AssignedContractorName *string  `json:"assigned_contractor_name,omitempty"`
	AssignedAuthorityID    *string  `json:"assigned_authority_id,omitempty"`
	AssignedAuthorityName  *string  `json:"assigned_authority_name,omitempty"`
	AssignedAuthorityIDs   []string `json:"assigned_authority_ids"`
	AssignedAuthorityNames []string `json:"assigned_authority_names"`
	AuthorityFeedback      *string  `json:"authority_feedback,omitempty"`
	AuthorityComment       *string  `json:"authority_comment,omitempty"`
	ContractorCompleted    bool     `json:"contractor_completed"`
	AuthorityApproved      bool     `json:"authority_approved"`
	CreatedByID            string   `json:"created_by_id"`
	CreatedByName          string   `json:"created_by_name"`
	CreatedAt              string   `json:"created_at"`
	UpdatedAt              string   `json:"updated_at"`
}

// Notification is an in-app notification.
type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	SnagID    string `json:"snag_id"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

// DashboardStats holds snag counts.
type DashboardStats struct {
	TotalSnags      int `json:"total_snags"`
	OpenSnags       int `json:"open_snags"`
	InProgressSnags int `json:"in_progress_snags"`
	ResolvedSnags   int `json:"resolved_snags"`
	VerifiedSnags   int `json:"verified_snags"`
	HighPriority    int `json:"high_priority"`
}

// SuggestedAuthority is a ranked authority for a project.
type SuggestedAuthority struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SnagCount int    `json:"snag_count"`
}

// PreviousAuthority is the authority list of a project's latest assigned snag.
type PreviousAuthority struct {
	AuthorityID    *string  `json:"authority_id"`
	AuthorityName  *string  `json:"authority_name"`
	AuthorityIDs   []string `json:"authority_ids"`
	AuthorityNames []string `json:"authority_names"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// DeletedSnag is the delete acknowledgement.
type DeletedSnag struct {
	Message string `json:"message"`
	ID      string `json:"id"`
	QueryNo int    `json:"query_no"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code returns the error envelope code, if any.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Body), &env); err != nil {
		return ""
	}
	return env.Error.Code
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		User        User   `json:"user"`
	}
	body := map[string]any{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return User{}, err
	}
	c.BearerToken = resp.AccessToken
	return resp.User, nil
}

// Register creates a user. The caller must be a manager.
func (c *Client) Register(ctx context.Context, email, password, name, role string) (User, error) {
	body := map[string]any{"email": email, "password": password, "name": name, "role": role}
	var resp User
	err := c.do(ctx, http.MethodPost, "auth/register", body, &resp)
	return resp, err
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "auth/me", nil, &resp)
	return resp, err
}

// UpdatePushToken stores the caller's push token.
func (c *Client) UpdatePushToken(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPut, "auth/push-token", map[string]any{"push_token": token}, nil)
}

// Users lists users; role may be "", "contractors" or "authorities".
func (c *Client) Users(ctx context.Context, role string) ([]User, error) {
	endpoint := "users"
	if role != "" {
		endpoint += "/" + url.PathEscape(role)
	}
	var resp []User
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateSnag reports a snag. Fields are sent as given, so an explicit empty
// assigned_authority_ids opts out of the project's previous authorities.
func (c *Client) CreateSnag(ctx context.Context, fields map[string]any) (Snag, error) {
	var resp Snag
	err := c.do(ctx, http.MethodPost, "snags", fields, &resp)
	return resp, err
}

// UpdateSnag applies a partial update.
func (c *Client) UpdateSnag(ctx context.Context, id string, fields map[string]any) (Snag, error) {
	var resp Snag
	err := c.do(ctx, http.MethodPut, "snags/"+url.PathEscape(id), fields, &resp)
	return resp, err
}

func (c *Client) GetSnag(ctx context.Context, id string) (Snag, error) {
	var resp Snag
	err := c.do(ctx, http.MethodGet, "snags/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListSnags lists snags. filters maps query keys such as status or
// project_name to values.
func (c *Client) ListSnags(ctx context.Context, filters map[string]string) ([]Snag, error) {
	endpoint := "snags"
	if len(filters) > 0 {
		q := url.Values{}
		for k, v := range filters {
			if v != "" {
				q.Set(k, v)
			}
		}
		if enc := q.Encode(); enc != "" {
			endpoint += "?" + enc
		}
	}
	var resp []Snag
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) DeleteSnag(ctx context.Context, id string) (DeletedSnag, error) {
	var resp DeletedSnag
	err := c.do(ctx, http.MethodDelete, "snags/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SnagHistory returns a page of a snag's audit events.
func (c *Client) SnagHistory(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := fmt.Sprintf("snags/%s/history", url.PathEscape(id))
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	var resp []Notification
	err := c.do(ctx, http.MethodGet, "notifications", nil, &resp)
	return resp, err
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("notifications/%s/read", url.PathEscape(id)), nil, nil)
}

func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "notifications/read-all", nil, nil)
}

func (c *Client) DashboardStats(ctx context.Context) (DashboardStats, error) {
	var resp DashboardStats
	err := c.do(ctx, http.MethodGet, "dashboard/stats", nil, &resp)
	return resp, err
}

func (c *Client) ProjectNames(ctx context.Context) ([]string, error) {
	var resp struct {
		Projects []string `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "projects/names", nil, &resp)
	return resp.Projects, err
}

func (c *Client) SuggestedAuthorities(ctx context.Context, project string) ([]SuggestedAuthority, error) {
	var resp struct {
		SuggestedAuthorities []SuggestedAuthority `json:"suggested_authorities"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("buildings/%s/suggested-authorities", url.PathEscape(project)), nil, &resp)
	return resp.SuggestedAuthorities, err
}

func (c *Client) PreviousAuthority(ctx context.Context, project string) (PreviousAuthority, error) {
	var resp PreviousAuthority
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("buildings/%s/previous-authority", url.PathEscape(project)), nil, &resp)
	return resp, err
}

// Health returns nil when the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
