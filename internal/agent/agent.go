// Package agent runs the PC side of the relay: pull jobs, make sure the
// customer data is complete, print, then ack or requeue.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/orrn/printrelay/internal/overrides"
	"github.com/orrn/printrelay/internal/webhook"
)

type Relay interface {
	Pull(ctx context.Context, maxItems int) ([]Job, error)
	Ack(ctx context.Context, jobID string) error
	Enqueue(ctx context.Context, req EnqueueRequest) (string, error)
	Overrides(ctx context.Context, orders []string, store string, forceLive bool) (map[string]overrides.Record, error)
	PrintData(ctx context.Context, orders []string, store string) ([]overrides.PrintOrder, error)
}

type Sink interface {
	Print(ctx context.Context, req PrintRequest) error
}

// Notifier receives job outcomes; *webhook.Sender satisfies it.
type Notifier interface {
	Notify(event webhook.Event, data any)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// DefaultGateDelays are the waits before each gating attempt. Every
// attempt after the first forces a live refresh.
var DefaultGateDelays = []time.Duration{0, time.Second, 2 * time.Second}

type Options struct {
	PCID          string
	MaxItems      int
	PollInterval  time.Duration
	Cooldown      time.Duration
	GatedStores   []string
	FallbackStore string
	GateDelays    []time.Duration
	Notifier      Notifier
	Logger        *slog.Logger
	Sleep         SleepFunc
}

type Status string

const (
	StatusPrinted    Status = "printed"
	StatusNotPrinted Status = "not_printed"
)

// Outcome is what happened to one pulled job. Reason is nil for printed
// jobs; otherwise it wraps ErrDataIncomplete, a *SinkError or a
// *RelayError.
type Outcome struct {
	JobID    string
	Status   Status
	Reason   error
	Attempts int
	// NewJobID is the id of the replacement job when a not-printed job was
	// requeued.
	NewJobID   string
	RequeueErr error
	AckErr     error
}

type Agent struct {
	relay  Relay
	sink   Sink
	opts   Options
	gated  map[string]bool
	logger *slog.Logger
	sleep  SleepFunc
}

func New(relay Relay, sink Sink, opts Options) *Agent {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 3 * time.Second
	}
	if len(opts.GateDelays) == 0 {
		opts.GateDelays = DefaultGateDelays
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	gated := make(map[string]bool, len(opts.GatedStores))
	for _, s := range opts.GatedStores {
		if s = normalizeStore(s); s != "" {
			gated[s] = true
		}
	}

	return &Agent{
		relay:  relay,
		sink:   sink,
		opts:   opts,
		gated:  gated,
		logger: logger.With("component", "agent", "pc_id", opts.PCID),
		sleep:  sleep,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func normalizeStore(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Run polls until ctx is cancelled. A failed or panicking cycle is logged
// and followed by the cooldown instead of the poll interval.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent started", "poll_interval", a.opts.PollInterval, "gated_stores", a.opts.GatedStores)
	for {
		if ctx.Err() != nil {
			a.logger.Info("agent stopped")
			return nil
		}

		wait := a.opts.PollInterval
		if _, err := a.safeCycle(ctx); err != nil {
			a.logger.Error("cycle failed", "error", err, "cooldown", a.opts.Cooldown)
			wait = a.opts.Cooldown
		}

		if err := a.sleep(ctx, wait); err != nil {
			a.logger.Info("agent stopped")
			return nil
		}
	}
}

func (a *Agent) safeCycle(ctx context.Context) (outcomes []Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return a.Cycle(ctx)
}

// Cycle pulls one batch and handles its jobs one at a time, in order.
func (a *Agent) Cycle(ctx context.Context) ([]Outcome, error) {
	jobs, err := a.relay.Pull(ctx, a.opts.MaxItems)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, a.Handle(ctx, job))
	}
	return outcomes, nil
}

// Handle drives one job through gating, printing and ack or requeue.
func (a *Agent) Handle(ctx context.Context, job Job) Outcome {
	store := job.store()
	copies := job.Copies
	if copies < 1 {
		copies = 1
	}
	log := a.logger.With("job_id", job.JobID, "orders", job.Orders, "store", store)
	log.Info("job pulled", "copies", copies, "deliveries", job.Deliveries)

	out := Outcome{JobID: job.JobID}

	var recs map[string]overrides.Record
	if a.needsGating(store) {
		var err error
		recs, out.Attempts, err = a.gate(ctx, job.Orders, store)
		if err != nil {
			log.Warn("job blocked", "attempts", out.Attempts, "error", err)
			return a.notPrinted(ctx, job, out, err)
		}
	} else {
		var err error
		recs, err = a.relay.Overrides(ctx, job.Orders, store, false)
		out.Attempts = 1
		if err != nil {
			log.Warn("override lookup failed, printing without overrides", "error", err)
		}
	}

	printData, err := a.relay.PrintData(ctx, job.Orders, store)
	if err != nil {
		log.Warn("print data unavailable", "error", err)
	}

	err = a.sink.Print(ctx, PrintRequest{
		Orders:    job.Orders,
		Copies:    copies,
		Store:     store,
		PDFURL:    deref(job.PDFURL),
		Overrides: recs,
		PrintData: printData,
	})
	if err != nil {
		log.Warn("print failed", "error", err)
		return a.notPrinted(ctx, job, out, err)
	}

	out.Status = StatusPrinted
	if err := a.relay.Ack(ctx, job.JobID); err != nil {
		out.AckErr = err
		log.Error("ack failed", "error", err)
	}
	log.Info("job printed")
	a.notify(webhook.EventJobPrinted, job, out)
	return out
}

func (a *Agent) needsGating(store string) bool {
	store = normalizeStore(store)
	return store == "" || a.gated[store]
}

// gate polls overrides until every order is complete. When store is
// unspecified a last forced attempt runs against the fallback store.
func (a *Agent) gate(ctx context.Context, orders []string, store string) (map[string]overrides.Record, int, error) {
	var (
		recs     map[string]overrides.Record
		attempts int
		fetchErr error
	)
	for i, d := range a.opts.GateDelays {
		if err := a.sleep(ctx, d); err != nil {
			return recs, attempts, err
		}
		attempts++
		got, err := a.relay.Overrides(ctx, orders, store, i > 0)
		if err != nil {
			fetchErr = err
			a.logger.Warn("override fetch failed", "attempt", attempts, "error", err)
			continue
		}
		recs = got
		if len(incomplete(orders, recs)) == 0 {
			return recs, attempts, nil
		}
	}

	if store == "" && a.opts.FallbackStore != "" {
		attempts++
		got, err := a.relay.Overrides(ctx, orders, a.opts.FallbackStore, true)
		if err != nil {
			fetchErr = err
		} else {
			recs = got
			if len(incomplete(orders, recs)) == 0 {
				return recs, attempts, nil
			}
		}
	}

	err := fmt.Errorf("%w: orders %s", ErrDataIncomplete, strings.Join(incomplete(orders, recs), ","))
	if fetchErr != nil {
		err = errors.Join(err, fetchErr)
	}
	return recs, attempts, err
}

func incomplete(orders []string, recs map[string]overrides.Record) []string {
	var out []string
	for _, o := range orders {
		r, ok := recs[o]
		if !ok || !overrides.Complete(&r) {
			out = append(out, o)
		}
	}
	return out
}

// notPrinted requeues the job as a fresh one. Once the replacement exists
// the original is acked so the broker does not redeliver it; if the
// requeue fails the original stays unacked and the broker's visibility
// timeout brings it back.
func (a *Agent) notPrinted(ctx context.Context, job Job, out Outcome, reason error) Outcome {
	out.Status = StatusNotPrinted
	out.Reason = reason
	log := a.logger.With("job_id", job.JobID, "orders", job.Orders)

	newID, err := a.relay.Enqueue(ctx, EnqueueRequest{
		PCID:   a.opts.PCID,
		Orders: job.Orders,
		Copies: job.Copies,
		PDFURL: job.PDFURL,
		Store:  job.Store,
	})
	if err != nil {
		out.RequeueErr = err
		log.Error("requeue failed", "reason", reason, "error", err)
		a.notify(webhook.EventJobRequeueFailed, job, out)
		return out
	}
	out.NewJobID = newID
	log.Info("job requeued", "new_job_id", newID, "reason", reason)

	if err := a.relay.Ack(ctx, job.JobID); err != nil {
		out.AckErr = err
		log.Warn("ack of requeued job failed", "error", err)
	}
	a.notify(webhook.EventJobNotPrinted, job, out)
	return out
}

func (a *Agent) notify(event webhook.Event, job Job, out Outcome) {
	if a.opts.Notifier == nil {
		return
	}
	data := webhook.JobOutcomeData{
		JobID:    job.JobID,
		PCID:     a.opts.PCID,
		Orders:   job.Orders,
		Copies:   job.Copies,
		Store:    job.store(),
		Status:   string(out.Status),
		NewJobID: out.NewJobID,
	}
	if out.Reason != nil {
		data.Reason = out.Reason.Error()
	}
	if out.RequeueErr != nil {
		data.Reason = strings.TrimSpace(data.Reason + "; requeue: " + out.RequeueErr.Error())
	}
	a.opts.Notifier.Notify(event, data)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
