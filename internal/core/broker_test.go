package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printrelay/internal/logging"
)

const testAPIKey = "test-api-key"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, e AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}

func newTestBroker(t *testing.T, visibility time.Duration) (*Broker, *fakeClock) {
	t.Helper()
	reg, err := NewRegistry([]PCCredential{
		{ID: "pc-lab-1", Secret: "SECRET1"},
		{ID: "pc-lab-2", Secret: "SECRET2"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
	b := NewBroker(reg, BrokerOptions{
		APIKey:            testAPIKey,
		VisibilityTimeout: visibility,
		Logger:            logging.Discard(),
		Now:               clock.Now,
	})
	return b, clock
}

func mustEnqueue(t *testing.T, b *Broker, req EnqueueRequest) Job {
	t.Helper()
	job, _, err := b.Enqueue(context.Background(), testAPIKey, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func TestEnqueuePullScenario(t *testing.T) {
	b, _ := newTestBroker(t, 0)
	ctx := context.Background()

	job, depth, err := b.Enqueue(ctx, testAPIKey, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"#1001", "1002"}, Copies: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth: %d", depth)
	}
	if job.ID == "" {
		t.Fatal("empty job id")
	}

	jobs, err := b.Pull(ctx, "pc-lab-1", "SECRET1", 5)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs: %d", len(jobs))
	}
	got := jobs[0]
	if got.ID != job.ID || got.Copies != 2 {
		t.Fatalf("job: %+v", got)
	}
	if fmt.Sprint(got.Orders) != "[1001 1002]" {
		t.Fatalf("orders: %v", got.Orders)
	}
}

func TestEnqueueNormalizes(t *testing.T) {
	b, _ := newTestBroker(t, 0)

	tests := []struct {
		name       string
		orders     []string
		copies     int
		wantOrders string
		wantCopies int
	}{
		{"strip hash", []string{"#1", "##2", " #3 "}, 1, "[1 2 3]", 1},
		{"zero copies", []string{"5"}, 0, "[5]", 1},
		{"negative copies", []string{"6"}, -4, "[6]", 1},
		{"drops blanks", []string{"#", "7", ""}, 3, "[7]", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-2", Orders: tt.orders, Copies: tt.copies})
			jobs, err := b.Pull(context.Background(), "pc-lab-2", "SECRET2", 1)
			if err != nil || len(jobs) != 1 {
				t.Fatalf("pull: %v %d", err, len(jobs))
			}
			if fmt.Sprint(jobs[0].Orders) != tt.wantOrders {
				t.Fatalf("orders: %v", jobs[0].Orders)
			}
			if jobs[0].Copies != tt.wantCopies {
				t.Fatalf("copies: %d", jobs[0].Copies)
			}
		})
	}
}

func TestEnqueueErrors(t *testing.T) {
	b, _ := newTestBroker(t, 0)
	ctx := context.Background()

	if _, _, err := b.Enqueue(ctx, "", EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"1"}}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("missing key: %v", err)
	}
	if _, _, err := b.Enqueue(ctx, "wrong", EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"1"}}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong key: %v", err)
	}
	if _, _, err := b.Enqueue(ctx, testAPIKey, EnqueueRequest{PCID: "pc-nope", Orders: []string{"1"}}); !errors.Is(err, ErrUnknownPC) {
		t.Fatalf("unknown pc: %v", err)
	}
	if _, _, err := b.Enqueue(ctx, testAPIKey, EnqueueRequest{PCID: "pc-lab-1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("no orders: %v", err)
	}
}

func TestPullEmptyQueue(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	jobs, err := b.Pull(context.Background(), "pc-lab-1", "SECRET1", 5)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if jobs == nil || len(jobs) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", jobs)
	}
}

func TestPullWrongSecretLeavesQueue(t *testing.T) {
	b, _ := newTestBroker(t, 0)
	mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"1"}})
	mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"2"}})

	if _, err := b.Pull(context.Background(), "pc-lab-1", "SECRET2", 5); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := b.Pull(context.Background(), "pc-unknown", "SECRET1", 5); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown pc, got %v", err)
	}
	if got := b.Stats()["pc-lab-1"].Queued; got != 2 {
		t.Fatalf("queue depth changed: %d", got)
	}
}

func TestSequentialPullsAreDisjointAndOrdered(t *testing.T) {
	for _, visibility := range []time.Duration{0, time.Minute} {
		t.Run(fmt.Sprintf("visibility=%v", visibility), func(t *testing.T) {
			b, _ := newTestBroker(t, visibility)
			var ids []string
			for i := 0; i < 7; i++ {
				ids = append(ids, mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{fmt.Sprint(i)}}).ID)
			}

			first, err := b.Pull(context.Background(), "pc-lab-1", "SECRET1", 3)
			if err != nil {
				t.Fatal(err)
			}
			second, err := b.Pull(context.Background(), "pc-lab-1", "SECRET1", 2)
			if err != nil {
				t.Fatal(err)
			}

			var got []string
			for _, j := range append(first, second...) {
				got = append(got, j.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(ids[:5]) {
				t.Fatalf("got %v, want %v", got, ids[:5])
			}
		})
	}
}

func TestPullMaxItemsDefaultsAndLimit(t *testing.T) {
	b, _ := newTestBroker(t, 0)
	for i := 0; i < 8; i++ {
		mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{fmt.Sprint(i)}})
	}
	jobs, err := b.Pull(context.Background(), "pc-lab-1", "SECRET1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 5 {
		t.Fatalf("default max items: %d", len(jobs))
	}
}

func TestQueuesAreIsolatedPerPC(t *testing.T) {
	b, _ := newTestBroker(t, 0)
	mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"1"}})

	jobs, err := b.Pull(context.Background(), "pc-lab-2", "SECRET2", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("pc-lab-2 saw %d jobs", len(jobs))
	}
}

func TestLegacyModeAckIsPlaceholder(t *testing.T) {
	b, clock := newTestBroker(t, 0)
	ctx := context.Background()
	job := mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"1"}})

	if _, err := b.Pull(ctx, "pc-lab-1", "SECRET1", 5); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	if n := b.Reap(ctx); n != 0 {
		t.Fatalf("legacy mode reaped %d", n)
	}
	if err := b.Ack(ctx, "pc-lab-1", "SECRET1", job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := b.Ack(ctx, "pc-lab-1", "SECRET1", "never-existed"); err != nil {
		t.Fatalf("placeholder ack should accept any id: %v", err)
	}
	if err := b.Ack(ctx, "pc-lab-1", "bad", job.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("ack with bad secret: %v", err)
	}
	jobs, _ := b.Pull(ctx, "pc-lab-1", "SECRET1", 5)
	if len(jobs) != 0 {
		t.Fatalf("job redelivered in legacy mode")
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	b, clock := newTestBroker(t, time.Minute)
	ctx := context.Background()
	first := mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"1"}})
	second := mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"2"}})

	jobs, err := b.Pull(ctx, "pc-lab-1", "SECRET1", 1)
	if err != nil || len(jobs) != 1 || jobs[0].ID != first.ID {
		t.Fatalf("first pull: %v %+v", err, jobs)
	}
	if jobs[0].Deliveries != 1 {
		t.Fatalf("deliveries: %d", jobs[0].Deliveries)
	}

	stats := b.Stats()["pc-lab-1"]
	if stats.Queued != 1 || stats.InFlight != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	clock.Advance(30 * time.Second)
	jobs, _ = b.Pull(ctx, "pc-lab-1", "SECRET1", 5)
	if len(jobs) != 1 || jobs[0].ID != second.ID {
		t.Fatalf("in-flight job leaked before timeout: %+v", jobs)
	}

	clock.Advance(31 * time.Second)
	jobs, _ = b.Pull(ctx, "pc-lab-1", "SECRET1", 5)
	if len(jobs) != 1 || jobs[0].ID != first.ID {
		t.Fatalf("expected redelivery of first job, got %+v", jobs)
	}
	if jobs[0].Deliveries != 2 {
		t.Fatalf("deliveries after redelivery: %d", jobs[0].Deliveries)
	}
}

func TestExpiredJobsReturnToHeadInOrder(t *testing.T) {
	b, clock := newTestBroker(t, time.Minute)
	ctx := context.Background()
	a := mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"a"}})
	bb := mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"b"}})
	if _, err := b.Pull(ctx, "pc-lab-1", "SECRET1", 2); err != nil {
		t.Fatal(err)
	}
	c := mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"c"}})

	clock.Advance(2 * time.Minute)
	if n := b.Reap(ctx); n != 2 {
		t.Fatalf("reaped %d", n)
	}

	jobs, _ := b.Pull(ctx, "pc-lab-1", "SECRET1", 5)
	var got []string
	for _, j := range jobs {
		got = append(got, j.ID)
	}
	want := []string{a.ID, bb.ID, c.ID}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAckRemovesInFlightJob(t *testing.T) {
	b, clock := newTestBroker(t, time.Minute)
	ctx := context.Background()
	job := mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"1"}})

	if _, err := b.Pull(ctx, "pc-lab-1", "SECRET1", 5); err != nil {
		t.Fatal(err)
	}
	if err := b.Ack(ctx, "pc-lab-1", "SECRET1", job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := b.Ack(ctx, "pc-lab-1", "SECRET1", job.ID); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("second ack: %v", err)
	}

	clock.Advance(time.Hour)
	jobs, _ := b.Pull(ctx, "pc-lab-1", "SECRET1", 5)
	if len(jobs) != 0 {
		t.Fatalf("acked job redelivered: %+v", jobs)
	}
}

func TestLateAckRemovesReturnedJob(t *testing.T) {
	b, clock := newTestBroker(t, time.Minute)
	ctx := context.Background()
	job := mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"1"}})
	if _, err := b.Pull(ctx, "pc-lab-1", "SECRET1", 5); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	b.Reap(ctx)
	if err := b.Ack(ctx, "pc-lab-1", "SECRET1", job.ID); err != nil {
		t.Fatalf("late ack: %v", err)
	}
	if got := b.Stats()["pc-lab-1"]; got.Queued != 0 || got.InFlight != 0 {
		t.Fatalf("stats after late ack: %+v", got)
	}
}

func TestAckCannotTouchOtherPCsJob(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()
	job := mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"1"}})
	if _, err := b.Pull(ctx, "pc-lab-1", "SECRET1", 5); err != nil {
		t.Fatal(err)
	}
	if err := b.Ack(ctx, "pc-lab-2", "SECRET2", job.ID); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("cross-pc ack: %v", err)
	}
}

func TestConcurrentPullsNeverOverlap(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	const total = 200
	for i := 0; i < total; i++ {
		mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{fmt.Sprint(i)}})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := b.Pull(context.Background(), "pc-lab-1", "SECRET1", 3)
				if err != nil {
					t.Error(err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("saw %d distinct jobs, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s delivered %d times", id, n)
		}
	}
}

func TestAuditEvents(t *testing.T) {
	reg, _ := NewRegistry([]PCCredential{{ID: "pc-lab-1", Secret: "SECRET1"}})
	audit := &recordingAudit{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewBroker(reg, BrokerOptions{APIKey: testAPIKey, VisibilityTimeout: time.Minute, Audit: audit, Logger: logging.Discard(), Now: clock.Now})
	ctx := context.Background()

	job, _, _ := b.Enqueue(ctx, testAPIKey, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"1"}})
	b.Pull(ctx, "pc-lab-1", "SECRET1", 1)
	clock.Advance(2 * time.Minute)
	b.Reap(ctx)
	b.Pull(ctx, "pc-lab-1", "SECRET1", 1)
	b.Ack(ctx, "pc-lab-1", "SECRET1", job.ID)

	want := []string{AuditEnqueue, AuditPull, AuditRedeliver, AuditPull, AuditAck}
	if fmt.Sprint(audit.actions()) != fmt.Sprint(want) {
		t.Fatalf("actions: %v", audit.actions())
	}
}

func TestRegistryBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := NewRegistry([]PCCredential{{ID: "pc-lab-1", SecretHash: string(hash)}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := reg.Authenticate("pc-lab-1", "s3cret"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := reg.Authenticate("pc-lab-1", "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad secret: %v", err)
	}
	if err := reg.Authenticate("pc-lab-1", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty secret: %v", err)
	}
}

func TestRegistryRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name  string
		creds []PCCredential
	}{
		{"no id", []PCCredential{{Secret: "x"}}},
		{"no secret", []PCCredential{{ID: "a"}}},
		{"duplicate", []PCCredential{{ID: "a", Secret: "x"}, {ID: "a", Secret: "y"}}},
		{"bad hash", []PCCredential{{ID: "a", SecretHash: "not-bcrypt"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.creds); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBrokerLogsCarryOneComponent(t *testing.T) {
	reg, err := NewRegistry([]PCCredential{{ID: "pc-lab-1", Secret: "SECRET1"}})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	clock := &fakeClock{now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
	b := NewBroker(reg, BrokerOptions{
		APIKey:            testAPIKey,
		VisibilityTimeout: time.Minute,
		Logger:            slog.New(slog.NewTextHandler(&buf, nil)),
		Now:               clock.Now,
	})
	ctx := context.Background()
	mustEnqueue(t, b, EnqueueRequest{PCID: "pc-lab-1", Orders: []string{"1"}})
	if _, err := b.Pull(ctx, "pc-lab-1", "SECRET1", 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)
	if n := b.Reap(ctx); n != 1 {
		t.Fatalf("reaped %d", n)
	}

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "lease expired") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no redelivery log in %q", buf.String())
	}
	if n := strings.Count(line, "component=broker"); n != 1 {
		t.Fatalf("component attribute appears %d times: %s", n, line)
	}
}
