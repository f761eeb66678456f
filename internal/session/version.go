package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Version is the body of GET /json/version.
type Version struct {
	Browser              string `json:"Browser"`
	Protocol             string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ErrNoDebuggerURL is returned when the endpoint answers without a
// websocket URL.
var ErrNoDebuggerURL = errors.New("session: endpoint has no webSocketDebuggerUrl")

// VersionClient reads the version of a DevTools endpoint.
type VersionClient struct {
	client   *resty.Client
	endpoint string
}

// NewVersionClient returns a client for endpoint (scheme://host:port).
func NewVersionClient(endpoint string, timeout time.Duration) *VersionClient {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &VersionClient{client: client, endpoint: endpoint}
}

// Fetch returns the endpoint's version info. The endpoint is reachable iff
// the error is nil.
func (p *VersionClient) Fetch(ctx context.Context) (Version, error) {
	var v Version
	res, err := p.client.R().
		SetContext(ctx).
		SetResult(&v).
		Get("/json/version")
	if err != nil {
		return v, fmt.Errorf("session: version %s: %w", p.endpoint, err)
	}
	if res.StatusCode() != http.StatusOK {
		return v, fmt.Errorf("session: version %s: status %d", p.endpoint, res.StatusCode())
	}
	if v.WebSocketDebuggerURL == "" {
		return v, ErrNoDebuggerURL
	}
	return v, nil
}
