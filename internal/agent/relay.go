package agent

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

	"github.com/orrn/printrelay/internal/overrides"
)

// Job is a pulled job as the relay sends it.
type Job struct {
	JobID      string   `json:"job_id"`
	TS         int64    `json:"ts"`
	Orders     []string `json:"orders"`
	Copies     int      `json:"copies"`
	PDFURL     *string  `json:"pdf_url"`
	Store      *string  `json:"store"`
	Deliveries int      `json:"deliveries"`
}

func (j Job) store() string {
	if j.Store == nil {
		return ""
	}
	return strings.TrimSpace(*j.Store)
}

type EnqueueRequest struct {
	PCID   string   `json:"pc_id"`
	Orders []string `json:"orders"`
	Copies int      `json:"copies"`
	PDFURL *string  `json:"pdf_url,omitempty"`
	Store  *string  `json:"store,omitempty"`
}

type RelayTimeouts struct {
	Broker    time.Duration
	Overrides time.Duration
	PrintData time.Duration
}

type RelayConfig struct {
	BaseURL  string
	PCID     string
	Secret   string
	APIKey   string
	Timeouts RelayTimeouts
	// HTTPClient must not set its own Timeout; each call is bounded by its
	// own context deadline.
	HTTPClient *http.Client
}

// RelayClient speaks the relay's HTTP protocol for one PC.
type RelayClient struct {
	base       string
	pcID       string
	secret     string
	apiKey     string
	timeouts   RelayTimeouts
	httpClient *http.Client
}

func NewRelayClient(cfg RelayConfig) *RelayClient {
	if cfg.Timeouts.Broker <= 0 {
		cfg.Timeouts.Broker = 10 * time.Second
	}
	if cfg.Timeouts.Overrides <= 0 {
		cfg.Timeouts.Overrides = 35 * time.Second
	}
	if cfg.Timeouts.PrintData <= 0 {
		cfg.Timeouts.PrintData = 15 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &RelayClient{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		pcID:       cfg.PCID,
		secret:     cfg.Secret,
		apiKey:     cfg.APIKey,
		timeouts:   cfg.Timeouts,
		httpClient: hc,
	}
}

func (c *RelayClient) Pull(ctx context.Context, maxItems int) ([]Job, error) {
	q := url.Values{}
	q.Set("pc_id", c.pcID)
	q.Set("secret", c.secret)
	q.Set("max_items", strconv.Itoa(maxItems))

	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.do(ctx, "pull", c.timeouts.Broker, http.MethodGet, "/pull?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *RelayClient) Ack(ctx context.Context, jobID string) error {
	body := map[string]string{"pc_id": c.pcID, "secret": c.secret, "job_id": jobID}
	return c.do(ctx, "ack", c.timeouts.Broker, http.MethodPost, "/ack", body, nil, nil)
}

// Enqueue creates a new job and returns its id.
func (c *RelayClient) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	header := map[string]string{"x-api-key": c.apiKey}
	if err := c.do(ctx, "enqueue", c.timeouts.Broker, http.MethodPost, "/enqueue", req, header, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

func (c *RelayClient) Overrides(ctx context.Context, orders []string, store string, forceLive bool) (map[string]overrides.Record, error) {
	q := url.Values{}
	q.Set("orders", strings.Join(orders, ","))
	if store != "" {
		q.Set("store", store)
	}
	if forceLive {
		q.Set("force_live", "true")
	}

	var resp struct {
		Overrides map[string]overrides.Record `json:"overrides"`
	}
	if err := c.do(ctx, "overrides", c.timeouts.Overrides, http.MethodGet, "/api/overrides?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Overrides, nil
}

func (c *RelayClient) PrintData(ctx context.Context, orders []string, store string) ([]overrides.PrintOrder, error) {
	q := url.Values{}
	q.Set("orders", strings.Join(orders, ","))
	if store != "" {
		q.Set("store", store)
	}

	var resp struct {
		Orders []overrides.PrintOrder `json:"orders"`
	}
	if err := c.do(ctx, "print-data", c.timeouts.PrintData, http.MethodGet, "/api/print-data?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

func (c *RelayClient) do(ctx context.Context, op string, timeout time.Duration, method, path string, in any, header map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &RelayError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return &RelayError{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RelayError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &RelayError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &RelayError{Op: op, Status: resp.StatusCode, Err: errors.New(e.Error)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RelayError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
