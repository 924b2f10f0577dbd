package core

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is a broker state change worth keeping outside the process.
type AuditEvent struct {
	Action string
	PCID   string
	JobID  string
	Orders []string
	Copies int
	Store  string
}

const (
	AuditEnqueue   = "enqueue"
	AuditPull      = "pull"
	AuditAck       = "ack"
	AuditRedeliver = "redeliver"
)

// AuditSink records broker events. Failures are logged and never fail the
// broker call that produced the event.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

type BrokerOptions struct {
	APIKey            string
	VisibilityTimeout time.Duration
	DefaultMaxItems   int
	MaxItemsLimit     int
	Audit             AuditSink
	Logger            *slog.Logger
	Now               func() time.Time
}

type pcSlot struct {
	mu    sync.Mutex
	queue *pcQueue
}

// Broker owns one FIFO queue per registered PC. The set of PCs is fixed at
// construction, so the slot map is read-only and only the per-PC locks are
// ever taken.
type Broker struct {
	registry   *Registry
	apiKey     string
	visibility time.Duration
	defaultMax int
	maxLimit   int
	audit      AuditSink
	logger     *slog.Logger
	now        func() time.Time

	seqMu sync.Mutex
	seq   uint64

	slots map[string]*pcSlot
}

func NewBroker(registry *Registry, opts BrokerOptions) *Broker {
	if opts.DefaultMaxItems < 1 {
		opts.DefaultMaxItems = 5
	}
	if opts.MaxItemsLimit < opts.DefaultMaxItems {
		opts.MaxItemsLimit = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &Broker{
		registry:   registry,
		apiKey:     opts.APIKey,
		visibility: opts.VisibilityTimeout,
		defaultMax: opts.DefaultMaxItems,
		maxLimit:   opts.MaxItemsLimit,
		audit:      opts.Audit,
		logger:     opts.Logger.With("component", "broker"),
		now:        opts.Now,
		slots:      make(map[string]*pcSlot),
	}
	for _, id := range registry.IDs() {
		b.slots[id] = &pcSlot{queue: newPCQueue()}
	}
	return b
}

// AckTracked reports whether acks remove jobs (pending-set model) or are
// protocol placeholders because pull already removed them.
func (b *Broker) AckTracked() bool {
	return b.visibility > 0
}

// KnownPC reports whether pcID is registered.
func (b *Broker) KnownPC(pcID string) bool {
	return b.registry.Known(pcID)
}

// CheckAPIKey authorizes a producer. An unconfigured key rejects everyone.
func (b *Broker) CheckAPIKey(key string) error {
	if b.apiKey == "" || subtle.ConstantTimeCompare([]byte(b.apiKey), []byte(key)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Enqueue appends a new job to the tail of the PC's queue and returns it
// with the resulting queue depth.
func (b *Broker) Enqueue(ctx context.Context, apiKey string, req EnqueueRequest) (Job, int, error) {
	if err := b.CheckAPIKey(apiKey); err != nil {
		return Job{}, 0, err
	}

	slot, ok := b.slots[req.PCID]
	if !ok {
		return Job{}, 0, fmt.Errorf("%w: %s", ErrUnknownPC, req.PCID)
	}

	orders := NormalizeOrders(req.Orders)
	if len(orders) == 0 {
		return Job{}, 0, fmt.Errorf("%w: at least one order is required", ErrInvalidRequest)
	}

	copies := req.Copies
	if copies < 1 {
		copies = 1
	}

	job := &Job{
		ID:        uuid.New().String(),
		PCID:      req.PCID,
		CreatedAt: b.now(),
		Orders:    orders,
		Copies:    copies,
		PDFURL:    req.PDFURL,
		Store:     req.Store,
	}

	slot.mu.Lock()
	job.seq = b.nextSeq()
	depth := slot.queue.push(job)
	slot.mu.Unlock()

	b.logger.Info("job enqueued", "pc_id", job.PCID, "job_id", job.ID, "orders", job.Orders, "copies", job.Copies, "store", job.Store, "queued", depth)
	b.record(ctx, AuditEvent{Action: AuditEnqueue, PCID: job.PCID, JobID: job.ID, Orders: job.Orders, Copies: job.Copies, Store: job.Store})

	return job.clone(), depth, nil
}

// Pull removes up to maxItems jobs from the head of the PC's queue. An
// empty queue yields an empty slice, not an error.
func (b *Broker) Pull(ctx context.Context, pcID, secret string, maxItems int) ([]Job, error) {
	if err := b.registry.Authenticate(pcID, secret); err != nil {
		return nil, err
	}
	slot, ok := b.slots[pcID]
	if !ok {
		return nil, ErrUnauthorized
	}

	if maxItems < 1 {
		maxItems = b.defaultMax
	}
	if maxItems > b.maxLimit {
		maxItems = b.maxLimit
	}

	now := b.now()
	slot.mu.Lock()
	expired := slot.queue.reap(now)
	jobs := slot.queue.take(maxItems, now, b.visibility)
	slot.mu.Unlock()

	b.logRedelivered(ctx, pcID, expired)
	for _, job := range jobs {
		b.record(ctx, AuditEvent{Action: AuditPull, PCID: pcID, JobID: job.ID, Orders: job.Orders, Copies: job.Copies, Store: job.Store})
	}
	if len(jobs) > 0 {
		b.logger.Info("jobs pulled", "pc_id", pcID, "count", len(jobs))
	}

	return jobs, nil
}

// Ack confirms a pulled job. In the pending-set model it removes the job
// for good; with a zero visibility timeout pull already removed it and ack
// only authenticates.
func (b *Broker) Ack(ctx context.Context, pcID, secret, jobID string) error {
	if err := b.registry.Authenticate(pcID, secret); err != nil {
		return err
	}
	slot, ok := b.slots[pcID]
	if !ok {
		return ErrUnauthorized
	}
	if jobID == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalidRequest)
	}

	if b.AckTracked() {
		slot.mu.Lock()
		found := slot.queue.ack(jobID)
		slot.mu.Unlock()
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
	}

	b.logger.Info("job acked", "pc_id", pcID, "job_id", jobID)
	b.record(ctx, AuditEvent{Action: AuditAck, PCID: pcID, JobID: jobID})
	return nil
}

// Reap returns every expired in-flight job to the head of its queue and
// reports how many were returned.
func (b *Broker) Reap(ctx context.Context) int {
	if !b.AckTracked() {
		return 0
	}
	now := b.now()
	total := 0
	for id, slot := range b.slots {
		slot.mu.Lock()
		expired := slot.queue.reap(now)
		slot.mu.Unlock()
		b.logRedelivered(ctx, id, expired)
		total += len(expired)
	}
	return total
}

func (b *Broker) Stats() map[string]QueueStats {
	out := make(map[string]QueueStats, len(b.slots))
	for id, slot := range b.slots {
		slot.mu.Lock()
		out[id] = slot.queue.stats()
		slot.mu.Unlock()
	}
	return out
}

func (b *Broker) nextSeq() uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.seq++
	return b.seq
}

func (b *Broker) logRedelivered(ctx context.Context, pcID string, jobs []Job) {
	for _, job := range jobs {
		b.logger.Warn("job lease expired, returned to queue head", "pc_id", pcID, "job_id", job.ID, "deliveries", job.Deliveries)
		b.record(ctx, AuditEvent{Action: AuditRedeliver, PCID: pcID, JobID: job.ID, Orders: job.Orders, Copies: job.Copies, Store: job.Store})
	}
}

func (b *Broker) record(ctx context.Context, event AuditEvent) {
	if b.audit == nil {
		return
	}
	if err := b.audit.Record(ctx, event); err != nil {
		b.logger.Error("failed to record audit event", "action", event.Action, "job_id", event.JobID, "error", err)
	}
}
