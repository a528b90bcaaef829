package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Action is the wire form of a queued response action.
type Action struct {
	ID         int64          `json:"id"`
	AgentID    string         `json:"agent_id"`
	ActionType string         `json:"action_type"`
	Params     map[string]any `json:"params"`
	Status     string         `json:"status"`
}

type Registration struct {
	AgentID string            `json:"agent_id"`
	Host    string            `json:"host"`
	OS      string            `json:"os"`
	IP      string            `json:"ip,omitempty"`
	Version string            `json:"version"`
	Tags    map[string]string `json:"tags,omitempty"`
}

type RegisterResponse struct {
	AgentID    string `json:"agent_id"`
	EndpointID int64  `json:"endpoint_id"`
}

type TelemetryEvent struct {
	TS       float64        `json:"ts,omitempty"`
	Facility string         `json:"facility,omitempty"`
	Severity string         `json:"severity,omitempty"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type TelemetryResponse struct {
	Inserted      int `json:"inserted"`
	AlertsCreated int `json:"alerts_created"`
	Skipped       int `json:"skipped"`
}

type Client struct {
	baseURL  string
	apiKey   string
	compress bool
	http     *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration, compress bool) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:   strings.TrimSpace(apiKey),
		compress: compress,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Register(ctx context.Context, reg Registration) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/edr/register", reg, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Telemetry posts a batch of events. The body is zstd-compressed when enabled.
func (c *Client) Telemetry(ctx context.Context, agentID, host string, events []TelemetryEvent) (*TelemetryResponse, error) {
	body := map[string]any{"agent_id": agentID, "host": host, "events": events}
	var out TelemetryResponse
	if err := c.do(ctx, http.MethodPost, "/edr/telemetry", body, &out, c.compress); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Poll(ctx context.Context, agentID string, limit int) ([]Action, error) {
	q := url.Values{}
	q.Set("agent_id", agentID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Actions []Action `json:"actions"`
	}
	if err := c.do(ctx, http.MethodGet, "/edr/actions/poll?"+q.Encode(), nil, &out, false); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// Ack reports whether this agent won the pending -> acknowledged transition.
func (c *Client) Ack(ctx context.Context, agentID string, actionID int64) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	path := fmt.Sprintf("/edr/actions/%d/ack", actionID)
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"agent_id": agentID}, &out, false); err != nil {
		return false, err
	}
	return out.OK, nil
}

func (c *Client) Result(ctx context.Context, agentID string, actionID int64, ok bool, result any) error {
	path := fmt.Sprintf("/edr/actions/%d/result", actionID)
	return c.do(ctx, http.MethodPost, path, map[string]any{"agent_id": agentID, "ok": ok, "result": result}, nil, false)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, compress bool) error {
	var body io.Reader
	encoding := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		if compress {
			if raw, err = zstdEncode(raw); err != nil {
				return err
			}
			encoding = "zstd"
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func zstdEncode(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}
