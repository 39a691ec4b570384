// Package backend is the HTTP client for the remote user-record API. The
// API is idempotent on retry for the same (userId, role, tier) and returns
// the full updated user record on success.
package backend

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

	"github.com/pranavgeek/SpaceApp-sub000/internal/entitlement"
	syncerrors "github.com/pranavgeek/SpaceApp-sub000/internal/errors"
	"github.com/rs/zerolog/log"
)

// User is the backend's user record, reduced to the fields the sync core
// tracks.
type User struct {
	UserID string           `json:"userId"`
	Name   string           `json:"name,omitempty"`
	Email  string           `json:"email,omitempty"`
	Role   entitlement.Role `json:"role"`
	Tier   entitlement.Tier `json:"tier,omitempty"`
}

// Entitlement projects the user record onto the shape the reconciler tracks.
func (u *User) Entitlement(source entitlement.Source, at time.Time) entitlement.UserEntitlement {
	return entitlement.UserEntitlement{
		UserID:       u.UserID,
		Role:         u.Role,
		Tier:         u.Tier,
		TierSource:   source,
		LastSyncedAt: at,
	}
}

// ClientConfig holds configuration for the backend client
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the backend user-record API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new backend API client
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
		log.Debug().Str("baseURL", base).Msg("No protocol specified in backend URL, defaulting to HTTPS")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type updateRolePayload struct {
	Role                  entitlement.Role `json:"role"`
	Tier                  entitlement.Tier `json:"tier,omitempty"`
	IsSubscriptionUpgrade bool             `json:"isSubscriptionUpgrade"`
}

// UpdateUserRole writes the user's role and tier server-side and returns the
// full updated record.
func (c *Client) UpdateUserRole(ctx context.Context, userID string, role entitlement.Role, tier entitlement.Tier, isSubscriptionUpgrade bool) (*User, error) {
	var user User
	payload := updateRolePayload{Role: role, Tier: tier, IsSubscriptionUpgrade: isSubscriptionUpgrade}
	err := c.do(ctx, http.MethodPut, "/api/users/"+url.PathEscape(userID)+"/role", "update_user_role", userID, payload, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FetchUserByID retrieves the user's current backend record.
func (c *Client) FetchUserByID(ctx context.Context, userID string) (*User, error) {
	var user User
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), "fetch_user", userID, nil, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

type subscriptionChangePayload struct {
	RequestedRole entitlement.Role `json:"requestedRole"`
	RequestedTier entitlement.Tier `json:"requestedTier"`
	CurrentTier   entitlement.Tier `json:"currentTier,omitempty"`
	Note          string           `json:"note,omitempty"`
}

// RequestSubscriptionChange creates an admin-gated subscription change
// request for the user.
func (c *Client) RequestSubscriptionChange(ctx context.Context, userID string, role entitlement.Role, tier, currentTier entitlement.Tier, note string) (*entitlement.SubscriptionRequest, error) {
	var req entitlement.SubscriptionRequest
	payload := subscriptionChangePayload{RequestedRole: role, RequestedTier: tier, CurrentTier: currentTier, Note: note}
	err := c.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(userID)+"/subscription-requests", "request_subscription_change", userID, payload, &req)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// CheckSubscriptionRequestStatus fetches the user's most recent subscription
// change request.
func (c *Client) CheckSubscriptionRequestStatus(ctx context.Context, userID string) (*entitlement.SubscriptionRequest, error) {
	var req entitlement.SubscriptionRequest
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/subscription-requests/latest", "check_request_status", userID, nil, &req)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// do performs one request and maps failures onto the sync error taxonomy:
// transport errors and 5xx are retryable BackendUnreachable; 4xx are not.
func (c *Client) do(ctx context.Context, method, path, op, userID string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return syncerrors.NewSyncError(syncerrors.KindInternal, op, userID, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return syncerrors.NewSyncError(syncerrors.KindInternal, op, userID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerrors.WrapBackendError(op, userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Read a bounded slice of the body for the error message
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := syncerrors.KindBackendUnreachable
		if resp.StatusCode < 500 && resp.StatusCode != 429 && resp.StatusCode != 408 {
			kind = syncerrors.KindValidation
		}
		return syncerrors.NewSyncError(kind, op, userID,
			fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))).
			WithStatusCode(resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return syncerrors.NewSyncError(syncerrors.KindInternal, op, userID, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
