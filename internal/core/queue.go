package core

import (
	"sort"
	"time"
)

type inflightJob struct {
	job      *Job
	deadline time.Time
}

// pcQueue holds one PC's jobs. All fields are guarded by the broker's
// per-PC lock; pcQueue itself does no locking.
type pcQueue struct {
	pending  []*Job
	inflight map[string]*inflightJob
}

func newPCQueue() *pcQueue {
	return &pcQueue{inflight: make(map[string]*inflightJob)}
}

func (q *pcQueue) push(job *Job) int {
	q.pending = append(q.pending, job)
	return len(q.pending)
}

// take removes up to n jobs from the head. With a positive visibility
// timeout the jobs move to the in-flight set until acked or expired.
func (q *pcQueue) take(n int, now time.Time, visibility time.Duration) []Job {
	if n > len(q.pending) {
		n = len(q.pending)
	}
	if n == 0 {
		return []Job{}
	}

	out := make([]Job, 0, n)
	for _, job := range q.pending[:n] {
		job.Deliveries++
		if visibility > 0 {
			q.inflight[job.ID] = &inflightJob{job: job, deadline: now.Add(visibility)}
		}
		out = append(out, job.clone())
	}

	rest := make([]*Job, len(q.pending)-n)
	copy(rest, q.pending[n:])
	q.pending = rest

	return out
}

// ack removes a job from the in-flight set. A job whose lease already
// expired is still found in pending and removed from there so it is not
// printed twice.
func (q *pcQueue) ack(jobID string) bool {
	if _, ok := q.inflight[jobID]; ok {
		delete(q.inflight, jobID)
		return true
	}
	for i, job := range q.pending {
		if job.ID == jobID && job.Deliveries > 0 {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// reap returns expired in-flight jobs to the head of the queue in their
// original enqueue order.
func (q *pcQueue) reap(now time.Time) []Job {
	var expired []*Job
	for id, f := range q.inflight {
		if !now.Before(f.deadline) {
			expired = append(expired, f.job)
			delete(q.inflight, id)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].seq < expired[j].seq
	})

	pending := make([]*Job, 0, len(expired)+len(q.pending))
	pending = append(pending, expired...)
	pending = append(pending, q.pending...)
	q.pending = pending

	out := make([]Job, 0, len(expired))
	for _, job := range expired {
		out = append(out, job.clone())
	}
	return out
}

func (q *pcQueue) stats() QueueStats {
	return QueueStats{Queued: len(q.pending), InFlight: len(q.inflight)}
}
