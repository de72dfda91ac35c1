package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nkkko/agentdesk/pkg/proto"
)

// Client talks to the console backend that owns pause sessions
type Client struct {
	baseURL    string
	httpClient *http.Client
	accountID  string
	headers    http.Header
	timeout    time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithAccountID sets the account sent with every request
func WithAccountID(accountID string) ClientOption {
	return func(c *Client) {
		c.accountID = accountID
	}
}

// WithToken sets a bearer token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		if token != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new console backend client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    headers,
		timeout:    10 * time.Second,
	}

	// Apply options
	for _, option := range options {
		option(client)
	}

	if client.accountID != "" {
		client.headers.Set("X-Account-ID", client.accountID)
	}
	return client
}

// APIError is a non-2xx answer from the backend
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type startSessionRequest struct {
	AccountId string `json:"account_id"`
	ReasonId  string `json:"reason_id"`
}

// StartSession opens a pause session for the agent
func (c *Client) StartSession(ctx context.Context, agent proto.AgentRef, reasonID string) (*proto.SessionHandle, error) {
	body := &startSessionRequest{AccountId: agent.AccountId, ReasonId: reasonID}
	path := fmt.Sprintf("/agents/%s/pauses", url.PathEscape(agent.AgentId))

	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Parse response
	var response struct {
		Session *proto.SessionHandle `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Session == nil || response.Session.CorrelationId == "" {
		return nil, fmt.Errorf("response without session")
	}
	return response.Session, nil
}

// EndSession closes the pause session identified by correlationID
func (c *Client) EndSession(ctx context.Context, agent proto.AgentRef, correlationID string) error {
	path := fmt.Sprintf("/agents/%s/pauses/%s/end", url.PathEscape(agent.AgentId), url.PathEscape(correlationID))

	resp, err := c.do(ctx, http.MethodPost, path, map[string]string{"account_id": agent.AccountId})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do makes an HTTP request
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath(path)

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		// Try to parse error message
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		message := resp.Status
		if err := json.Unmarshal(data, &errResp); err == nil {
			if errResp.Message != "" {
				message = errResp.Message
			} else if errResp.Error != "" {
				message = errResp.Error
			}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	return resp, nil
}
