// Package archive moves old audit events out of the relay database into
// monthly SQLite files so the live audit_log table stays small.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orrn/printrelay/internal/db"
)

var ErrArchiveNotFound = errors.New("archive not found")

// AuditSource is the part of the relay database the archiver drains.
type AuditSource interface {
	ListAuditBefore(ctx context.Context, cutoff time.Time, limit int) ([]*db.AuditLog, error)
	DeleteAuditIDs(ctx context.Context, ids []int64) (int64, error)
}

type Config struct {
	ArchivePath string
	// After is the age at which an event leaves the live table.
	After     time.Duration
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

type Archiver struct {
	src         AuditSource
	archivePath string
	after       time.Duration
	batchSize   int
	logger      *slog.Logger
	now         func() time.Time
	mu          sync.Mutex
}

type ArchiveFile struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	EventCount int       `json:"event_count"`
	Month      string    `json:"month"`
}

func NewArchiver(src AuditSource, cfg Config) (*Archiver, error) {
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = "./data/archives"
	}
	if cfg.After <= 0 {
		cfg.After = 30 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := os.MkdirAll(cfg.ArchivePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		src:         src,
		archivePath: cfg.ArchivePath,
		after:       cfg.After,
		batchSize:   cfg.BatchSize,
		logger:      cfg.Logger.With("component", "archiver"),
		now:         cfg.Now,
	}, nil
}

// Run archives once immediately and then on every tick until ctx is done.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := a.RunArchive(ctx); err != nil {
			a.logger.Error("audit archive failed", "error", err, "archived", n)
		} else if n > 0 {
			a.logger.Info("audit events archived", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunArchive moves every event older than the cutoff into its month's
// archive file and deletes it from the live table. Events are only deleted
// after their archive transaction commits.
func (a *Archiver) RunArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.after)
	total := 0
	for {
		events, err := a.src.ListAuditBefore(ctx, cutoff, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to get events for archival: %w", err)
		}
		if len(events) == 0 {
			return total, nil
		}

		byMonth := make(map[string][]*db.AuditLog)
		for _, e := range events {
			month := e.CreatedAt.UTC().Format("2006_01")
			byMonth[month] = append(byMonth[month], e)
		}

		for month, group := range byMonth {
			if err := a.writeArchive(ctx, a.pathFor(month), group); err != nil {
				return total, fmt.Errorf("failed to write archive %s: %w", month, err)
			}
			ids := make([]int64, len(group))
			for i, e := range group {
				ids[i] = e.ID
			}
			n, err := a.src.DeleteAuditIDs(ctx, ids)
			if err != nil {
				return total, fmt.Errorf("failed to delete archived events: %w", err)
			}
			total += int(n)
		}

		if len(events) < a.batchSize {
			return total, nil
		}
	}
}

func (a *Archiver) pathFor(month string) string {
	return filepath.Join(a.archivePath, fmt.Sprintf("archive_%s.db", month))
}

func (a *Archiver) writeArchive(ctx context.Context, path string, events []*db.AuditLog) error {
	archiveDB, err := openOrCreateArchiveDB(path)
	if err != nil {
		return err
	}
	defer archiveDB.Close()

	tx, err := archiveDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range events {
		orders, err := json.Marshal(e.Orders)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO audit_log (id, action, pc_id, job_id, orders_json, copies, store, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.Action, e.PCID, e.JobID, string(orders), e.Copies, e.Store, e.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO archive_metadata (id, archived_at, source_database)
		VALUES (1, ?, 'relay')
	`, a.now().UTC()); err != nil {
		return fmt.Errorf("failed to update archive metadata: %w", err)
	}

	return tx.Commit()
}

func openOrCreateArchiveDB(path string) (*sql.DB, error) {
	adb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = adb.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY,
			action TEXT NOT NULL,
			pc_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			orders_json TEXT NOT NULL DEFAULT '[]',
			copies INTEGER NOT NULL DEFAULT 1,
			store TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS archive_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			archived_at DATETIME,
			source_database TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_archive_audit_created_at ON audit_log(created_at);
	`)
	if err != nil {
		adb.Close()
		return nil, err
	}

	return adb, nil
}

// ListArchives returns the archive files, oldest month first.
func (a *Archiver) ListArchives() ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []*ArchiveFile
	for _, file := range files {
		if file.IsDir() || !isArchiveName(file.Name()) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		archives = append(archives, &ArchiveFile{
			Filename:   file.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			Month:      monthOf(file.Name()),
		})
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].Filename < archives[j].Filename })
	return archives, nil
}

// GetArchiveInfo describes one archive file including its event count.
func (a *Archiver) GetArchiveInfo(ctx context.Context, filename string) (*ArchiveFile, error) {
	if !isArchiveName(filename) || filepath.Base(filename) != filename {
		return nil, ErrArchiveNotFound
	}
	path := filepath.Join(a.archivePath, filename)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	f := &ArchiveFile{
		Filename:   filename,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
		Month:      monthOf(filename),
	}

	adb, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer adb.Close()
	if err := adb.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&f.EventCount); err != nil {
		return nil, fmt.Errorf("failed to count archived events: %w", err)
	}
	return f, nil
}

func isArchiveName(name string) bool {
	return strings.HasPrefix(name, "archive_") && strings.HasSuffix(name, ".db")
}

func monthOf(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, "archive_"), ".db")
}
