package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/orrn/printrelay/internal/core"
)

const (
	InsertAuditLog = `
		INSERT INTO audit_log (action, pc_id, job_id, orders_json, copies, store)
		VALUES (?, ?, ?, ?, ?, ?)
	`
)

type AuditLog struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	PCID      string    `json:"pc_id"`
	JobID     string    `json:"job_id"`
	Orders    []string  `json:"orders"`
	Copies    int       `json:"copies"`
	Store     string    `json:"store,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditFilter struct {
	Action string
	PCID   string
	JobID  string
	Limit  int
	Offset int
}

type AuditOperations struct {
	db *sql.DB
}

var _ core.AuditSink = (*AuditOperations)(nil)

// Record implements core.AuditSink.
func (o *AuditOperations) Record(ctx context.Context, e core.AuditEvent) error {
	orders := e.Orders
	if orders == nil {
		orders = []string{}
	}
	ordersJSON, err := json.Marshal(orders)
	if err != nil {
		return fmt.Errorf("failed to encode orders: %w", err)
	}
	if _, err := o.db.ExecContext(ctx, InsertAuditLog, e.Action, e.PCID, e.JobID, string(ordersJSON), e.Copies, e.Store); err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

func (o *AuditOperations) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*AuditLog, error) {
	var conditions []string
	var args []interface{}

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.PCID != "" {
		conditions = append(conditions, "pc_id = ?")
		args = append(args, filter.PCID)
	}
	if filter.JobID != "" {
		conditions = append(conditions, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	query := "SELECT id, action, pc_id, job_id, orders_json, copies, store, created_at FROM audit_log"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return scanAuditLogs(rows)
}

const sqliteTimeFormat = "2006-01-02 15:04:05"

// ListAuditBefore returns up to limit of the oldest events created before
// cutoff, oldest first.
func (o *AuditOperations) ListAuditBefore(ctx context.Context, cutoff time.Time, limit int) ([]*AuditLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, action, pc_id, job_id, orders_json, copies, store, created_at FROM audit_log
		 WHERE created_at < ? ORDER BY id ASC LIMIT ?`,
		cutoff.UTC().Format(sqliteTimeFormat), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return scanAuditLogs(rows)
}

// DeleteAuditIDs removes the given events and reports how many rows went.
func (o *AuditOperations) DeleteAuditIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := o.db.ExecContext(ctx, "DELETE FROM audit_log WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	return res.RowsAffected()
}

func scanAuditLogs(rows *sql.Rows) ([]*AuditLog, error) {
	defer rows.Close()

	var logs []*AuditLog
	for rows.Next() {
		l := &AuditLog{}
		var ordersJSON string
		if err := rows.Scan(&l.ID, &l.Action, &l.PCID, &l.JobID, &ordersJSON, &l.Copies, &l.Store, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if err := json.Unmarshal([]byte(ordersJSON), &l.Orders); err != nil {
			l.Orders = nil
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
