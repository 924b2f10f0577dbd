package core

import (
	"strings"
	"time"
)

// Job is one print-dispatch request for a PC. Jobs are immutable once
// created; Deliveries is broker bookkeeping and changes only on pull.
type Job struct {
	ID         string
	PCID       string
	CreatedAt  time.Time
	Orders     []string
	Copies     int
	PDFURL     string
	Store      string
	Deliveries int

	seq uint64
}

// EnqueueRequest is the producer's view of a job before the broker has
// assigned it an id.
type EnqueueRequest struct {
	PCID   string
	Orders []string
	Copies int
	PDFURL string
	Store  string
}

// QueueStats describes one PC queue.
type QueueStats struct {
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
}

// NormalizeOrder strips surrounding whitespace and any leading '#'.
func NormalizeOrder(order string) string {
	return strings.TrimLeft(strings.TrimSpace(order), "#")
}

// NormalizeOrders normalizes every order number and drops blanks while
// keeping the original order.
func NormalizeOrders(orders []string) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		if n := NormalizeOrder(o); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func (j *Job) clone() Job {
	c := *j
	c.Orders = append([]string(nil), j.Orders...)
	return c
}
