package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// APIClient talks to a running capturd daemon over its HTTP API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// IsReachable checks if the daemon is running and answering.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/stats")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *APIClient) do(method, path string, body any, out any) error {
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
			return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type captureTarget struct {
	Source string `json:"source,omitempty"`
}

// StartCapture starts a capture for the named source.
func (c *APIClient) StartCapture(source string) (int64, error) {
	var out struct {
		CaptureID int64 `json:"capture_id"`
	}
	err := c.do(http.MethodPost, "/captures/start", captureTarget{Source: source}, &out)
	return out.CaptureID, err
}

// StopCapture stops the capture for the named source.
func (c *APIClient) StopCapture(source string) error {
	return c.do(http.MethodPost, "/captures/stop", captureTarget{Source: source}, nil)
}

// ActiveCaptures lists the running captures.
func (c *APIClient) ActiveCaptures() ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(http.MethodGet, "/captures/active", nil, &out)
	return out, err
}

// Stats fetches capture aggregates.
func (c *APIClient) Stats() (map[string]any, error) {
	var out map[string]any
	err := c.do(http.MethodGet, "/stats", nil, &out)
	return out, err
}

// ListSources fetches all configured sources.
func (c *APIClient) ListSources() ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(http.MethodGet, "/sources", nil, &out)
	return out, err
}

// AddSource creates a source.
func (c *APIClient) AddSource(name, quality string, autoCapture bool) error {
	body := map[string]any{
		"name":         name,
		"quality":      quality,
		"monitored":    true,
		"auto_capture": autoCapture,
	}
	return c.do(http.MethodPost, "/sources", body, nil)
}

// TriggerScan asks the daemon to run one scan pass now.
func (c *APIClient) TriggerScan() error {
	return c.do(http.MethodPost, "/scan", nil, nil)
}
