package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type Event string

const (
	EventJobPrinted       Event = "job.printed"
	EventJobNotPrinted    Event = "job.not_printed"
	EventJobRequeueFailed Event = "job.requeue_failed"
)

type Payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Signature string    `json:"signature,omitempty"`
}

// JobOutcomeData describes what the agent did with one pulled job.
type JobOutcomeData struct {
	JobID    string   `json:"job_id"`
	PCID     string   `json:"pc_id"`
	Orders   []string `json:"orders"`
	Copies   int      `json:"copies"`
	Store    string   `json:"store,omitempty"`
	Status   string   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	NewJobID string   `json:"new_job_id,omitempty"`
}

// Target is one subscriber. An empty Events list subscribes to everything.
type Target struct {
	Name   string
	URL    string
	Secret string
	Events []Event
}

func (t Target) wants(e Event) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, ev := range t.Events {
		if ev == e {
			return true
		}
	}
	return false
}

type Config struct {
	Targets     []Target
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
	Logger      *slog.Logger
}

type task struct {
	target  Target
	payload *Payload
	attempt int
}

// Sender delivers signed event notifications from a bounded queue using a
// fixed pool of workers. Notify never blocks; a full queue drops the event.
type Sender struct {
	targets    []Target
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	logger     *slog.Logger
	now        func() time.Time

	queue  chan *task
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewSender(cfg Config) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		targets:    cfg.Targets,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		workers:    cfg.WorkerCount,
		logger:     logger.With("component", "webhook"),
		now:        time.Now,
		queue:      make(chan *task, cfg.QueueSize),
		stopCh:     make(chan struct{}),
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop signals the workers and waits for in-progress deliveries to end.
// Queued events that were not picked up are dropped.
func (s *Sender) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Notify queues event for every subscribed target.
func (s *Sender) Notify(event Event, data any) {
	for _, t := range s.targets {
		if !t.wants(event) {
			continue
		}
		tk := &task{
			target: t,
			payload: &Payload{
				Event:     string(event),
				Timestamp: s.now().UTC(),
				Data:      data,
			},
		}
		select {
		case s.queue <- tk:
		default:
			s.logger.Warn("queue full, dropping notification", "target", t.Name, "event", event)
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case tk := <-s.queue:
			if err := s.sendWithRetry(tk); err != nil {
				s.logger.Error("notification failed",
					"worker", id, "target", tk.target.Name, "event", tk.payload.Event,
					"attempts", tk.attempt, "error", err)
			}
		}
	}
}

func (s *Sender) sendWithRetry(tk *task) error {
	var lastErr error
	for tk.attempt < s.retryCount {
		tk.attempt++

		err := s.send(tk.target, tk.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		var he *httpError
		if errors.As(err, &he) && he.status < 500 {
			return err
		}

		if tk.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(tk.attempt-1))
			s.logger.Warn("retrying notification",
				"target", tk.target.Name, "attempt", tk.attempt, "max", s.retryCount,
				"backoff", backoff, "error", err)
			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http error: %d", e.status)
}

func (s *Sender) send(t Target, payload *Payload) error {
	data, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	if t.Secret != "" {
		payload.Signature = Sign(data, t.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpError{status: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of the JSON-encoded event data.
func Sign(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
