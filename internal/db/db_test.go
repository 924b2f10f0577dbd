package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/orrn/printrelay/internal/core"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "relay.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.db")
	for i := 0; i < 2; i++ {
		d, err := Open(context.Background(), Config{Path: path})
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		d.Close()
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSettings(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if _, err := d.Settings.GetSetting(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing setting: %v", err)
	}
	if err := d.Settings.SetSetting(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := d.Settings.SetSetting(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	s, err := d.Settings.GetSetting(ctx, "k")
	if err != nil || s.Value != "v2" {
		t.Fatalf("get: %v %+v", err, s)
	}
	if err := d.Settings.DeleteSetting(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Settings.GetSetting(ctx, "k"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("after delete: %v", err)
	}
}

func TestStoreCredentials(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	err := d.Settings.SetStoreCredential(ctx, " IrraNova ", StoreCredential{
		Shop:        "IrraNova.myshopify.com ",
		AccessToken: " shpat_123 ",
		Scopes:      "read_orders",
	})
	if err != nil {
		t.Fatal(err)
	}

	cred, err := d.Settings.GetStoreCredential(ctx, "irranova")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.Shop != "irranova.myshopify.com" || cred.AccessToken != "shpat_123" || cred.InstalledAt == "" {
		t.Fatalf("cred: %+v", cred)
	}

	if _, err := d.Settings.GetStoreCredential(ctx, "irrakids"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing store: %v", err)
	}

	all, err := d.Settings.ListStoreCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all["irranova"] == nil {
		t.Fatalf("list: %+v", all)
	}
}

func TestAuditLog(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	events := []core.AuditEvent{
		{Action: core.AuditEnqueue, PCID: "pc-lab-1", JobID: "j1", Orders: []string{"1001", "1002"}, Copies: 2, Store: "irranova"},
		{Action: core.AuditPull, PCID: "pc-lab-1", JobID: "j1", Orders: []string{"1001", "1002"}, Copies: 2},
		{Action: core.AuditAck, PCID: "pc-lab-1", JobID: "j1"},
		{Action: core.AuditEnqueue, PCID: "pc-lab-2", JobID: "j2", Orders: []string{"9"}},
	}
	for _, e := range events {
		if err := d.Audit.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	logs, err := d.Audit.ListAuditLogs(ctx, AuditFilter{JobID: "j1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("logs: %d", len(logs))
	}
	if logs[0].Action != core.AuditEnqueue || len(logs[0].Orders) != 2 || logs[0].Store != "irranova" {
		t.Fatalf("first log: %+v", logs[0])
	}
	if logs[2].Action != core.AuditAck || len(logs[2].Orders) != 0 {
		t.Fatalf("ack log: %+v", logs[2])
	}

	logs, err = d.Audit.ListAuditLogs(ctx, AuditFilter{Action: core.AuditEnqueue, PCID: "pc-lab-2"})
	if err != nil || len(logs) != 1 || logs[0].JobID != "j2" {
		t.Fatalf("filtered: %v %+v", err, logs)
	}
}

func TestAuditBeforeAndDelete(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2", "j3"} {
		if err := d.Audit.Record(ctx, core.AuditEvent{Action: core.AuditEnqueue, PCID: "pc-lab-1", JobID: id}); err != nil {
			t.Fatal(err)
		}
	}

	old, err := d.Audit.ListAuditBefore(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil || len(old) != 0 {
		t.Fatalf("nothing should be older than an hour: %v %d", err, len(old))
	}

	all, err := d.Audit.ListAuditBefore(ctx, time.Now().Add(time.Hour), 2)
	if err != nil || len(all) != 2 || all[0].JobID != "j1" {
		t.Fatalf("batch: %v %+v", err, all)
	}

	n, err := d.Audit.DeleteAuditIDs(ctx, []int64{all[0].ID, all[1].ID})
	if err != nil || n != 2 {
		t.Fatalf("delete: %v %d", err, n)
	}
	left, _ := d.Audit.ListAuditLogs(ctx, AuditFilter{})
	if len(left) != 1 || left[0].JobID != "j3" {
		t.Fatalf("left: %+v", left)
	}
	if n, err := d.Audit.DeleteAuditIDs(ctx, nil); err != nil || n != 0 {
		t.Fatalf("empty delete: %v %d", err, n)
	}
}
