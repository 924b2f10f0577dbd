package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/orrn/printrelay/internal/overrides"
)

// PrintRequest is the body posted to the local print sink.
type PrintRequest struct {
	Orders    []string                    `json:"orders"`
	Copies    int                         `json:"copies"`
	Store     string                      `json:"store,omitempty"`
	PDFURL    string                      `json:"pdf_url,omitempty"`
	Overrides map[string]overrides.Record `json:"overrides,omitempty"`
	PrintData []overrides.PrintOrder      `json:"print_data,omitempty"`
}

// SinkClient posts print requests to the receiver running on the PC.
type SinkClient struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

func NewSinkClient(printerURL string, timeout time.Duration, hc *http.Client) *SinkClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &SinkClient{
		url:        strings.TrimRight(printerURL, "/") + "/print/orders",
		timeout:    timeout,
		httpClient: hc,
	}
}

// Print succeeds unless the call fails, the status is not 2xx, or the
// sink answers ok:false or skipped_all:true. A body without an ok field
// counts as success.
func (s *SinkClient) Print(ctx context.Context, req PrintRequest) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return &SinkError{Err: fmt.Errorf("marshal request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &SinkError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return &SinkError{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &SinkError{Status: resp.StatusCode, Body: truncate(string(raw), 512), Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return interpretSinkResponse(resp.StatusCode, raw)
}

func interpretSinkResponse(status int, raw []byte) error {
	var r struct {
		OK         *bool `json:"ok"`
		SkippedAll bool  `json:"skipped_all"`
	}
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &r) != nil {
		return nil
	}
	if r.OK != nil && !*r.OK {
		return &SinkError{Status: status, Body: truncate(string(raw), 512), Err: ErrSinkRejected}
	}
	if r.SkippedAll {
		return &SinkError{Status: status, Body: truncate(string(raw), 512), Err: fmt.Errorf("%w: skipped_all", ErrSinkRejected)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
