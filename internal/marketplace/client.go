package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const userAgent = "MesChain-Sync/1.0"

// Settings holds the connection parameters of one marketplace
type Settings struct {
	BaseURL   string
	APIKey    string
	APISecret string
	SellerID  string
	Timeout   time.Duration
}

// RequestRecorder receives the size of every HTTP attempt
type RequestRecorder interface {
	RecordRequest(sizeBytes int)
}

// Client is a JSON REST client for one marketplace API
type Client struct {
	mp         Marketplace
	settings   Settings
	httpClient *http.Client
	recorder   RequestRecorder
	logger     *zap.Logger
}

// NewClient creates a REST client. recorder may be nil.
func NewClient(mp Marketplace, settings Settings, recorder RequestRecorder, logger *zap.Logger) *Client {
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &Client{
		mp:       mp,
		settings: settings,
		httpClient: &http.Client{
			Timeout: settings.Timeout,
			Transport: &http.Transport{
				DialContext:     dialer.DialContext,
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		recorder: recorder,
		logger:   logger.With(zap.String("marketplace", string(mp))),
	}
}

// Timeout is the per-call timeout configured for this marketplace
func (c *Client) Timeout() time.Duration {
	return c.settings.Timeout
}

// Do sends one request. body and out may be nil.
func (c *Client) Do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	endpoint := strings.TrimRight(c.settings.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &AdapterError{Marketplace: c.mp, Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &AdapterError{Marketplace: c.mp, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	if c.recorder != nil {
		c.recorder.RecordRequest(len(payload))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("op", op), zap.Error(err))
		return newTransportError(c.mp, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return newTransportError(c.mp, op, err)
	}
	c.logger.Debug("request done",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode >= 400 {
		return &AdapterError{
			Marketplace: c.mp,
			Op:          op,
			StatusCode:  resp.StatusCode,
			Transient:   TransientStatus(resp.StatusCode),
			Err:         fmt.Errorf("%s", errorMessage(respBody, resp.Status)),
		}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &AdapterError{Marketplace: c.mp, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (c *Client) userAgent() string {
	// Trendyol requires "<sellerId> - <integrator>"
	if c.mp == Trendyol && c.settings.SellerID != "" {
		return c.settings.SellerID + " - " + userAgent
	}
	return userAgent
}

// authorize applies the credential scheme each marketplace expects
func (c *Client) authorize(req *http.Request) {
	s := c.settings
	switch c.mp {
	case Trendyol, Hepsiburada:
		if s.APIKey != "" {
			req.SetBasicAuth(s.APIKey, s.APISecret)
		}
	case Amazon:
		if s.APIKey != "" {
			req.Header.Set("x-amz-access-token", s.APIKey)
		}
	case N11:
		req.Header.Set("appkey", s.APIKey)
		req.Header.Set("appsecret", s.APISecret)
	case Ozon:
		req.Header.Set("Client-Id", s.SellerID)
		req.Header.Set("Api-Key", s.APIKey)
	default:
		if s.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.APIKey)
		}
	}
}

func errorMessage(body []byte, status string) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return status
}
