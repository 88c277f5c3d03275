package crash

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrStoreClosed indicates the report store has been closed.
var ErrStoreClosed = errors.New("crash report store closed")

// ReportStore persists fault reports with a pending flag.
// Implementations must complete Save before returning: the process may
// be killed immediately after the handler returns.
type ReportStore interface {
	// Save durably persists a report with pending=true.
	Save(report *Report) error

	// HasPendingReport reports whether an unconsumed report exists.
	HasPendingReport() (bool, error)

	// LoadAndClear returns the oldest pending report and atomically
	// clears its flag, so a report is delivered at most once even
	// across repeated recovery passes. Returns (nil, nil) when none
	// is pending.
	LoadAndClear() (*Report, error)

	// Close releases the underlying database.
	Close() error
}

// SQLiteStore persists crash reports to SQLite.
// The clear-on-load runs in one transaction, which is what makes the
// at-most-once contract hold across concurrent recovery passes.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

var _ ReportStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a crash report store at the given path
// (":memory:" for testing).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Full sync: the whole point of this store is surviving the
	// process dying right after the write.
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS crash_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL,
			session_id TEXT NOT NULL,
			thread_name TEXT NOT NULL,
			exception_type TEXT NOT NULL,
			message TEXT NOT NULL,
			stack_trace TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			device_info TEXT NOT NULL,
			pending INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements ReportStore. The insert is synchronous and durable
// before Save returns.
func (s *SQLiteStore) Save(report *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	deviceInfo, err := json.Marshal(report.DeviceInfo)
	if err != nil {
		return fmt.Errorf("encode device info: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO crash_reports
			(kind, created_at, session_id, thread_name, exception_type,
			 message, stack_trace, fingerprint, device_info, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`,
		report.Kind,
		report.Timestamp.UTC().Format(time.RFC3339Nano),
		report.SessionID,
		report.ThreadName,
		report.ExceptionType,
		report.Message,
		report.StackTrace,
		report.Fingerprint,
		string(deviceInfo),
	)
	if err != nil {
		return fmt.Errorf("save crash report: %w", err)
	}
	return nil
}

// HasPendingReport implements ReportStore.
func (s *SQLiteStore) HasPendingReport() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	var count int
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM crash_reports WHERE pending = 1
	`).Scan(&count); err != nil {
		return false, fmt.Errorf("count pending reports: %w", err)
	}
	return count > 0, nil
}

// LoadAndClear implements ReportStore.
func (s *SQLiteStore) LoadAndClear() (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		id         int64
		report     Report
		createdAt  string
		deviceInfo string
	)
	err = tx.QueryRow(`
		SELECT id, kind, created_at, session_id, thread_name,
		       exception_type, message, stack_trace, fingerprint, device_info
		FROM crash_reports
		WHERE pending = 1
		ORDER BY id
		LIMIT 1
	`).Scan(&id, &report.Kind, &createdAt, &report.SessionID, &report.ThreadName,
		&report.ExceptionType, &report.Message, &report.StackTrace,
		&report.Fingerprint, &deviceInfo)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending report: %w", err)
	}

	report.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
	if deviceInfo != "" && deviceInfo != "null" {
		if err := json.Unmarshal([]byte(deviceInfo), &report.DeviceInfo); err != nil {
			return nil, fmt.Errorf("decode device info: %w", err)
		}
	}

	if _, err := tx.Exec(`
		UPDATE crash_reports SET pending = 0 WHERE id = ?
	`, id); err != nil {
		return nil, fmt.Errorf("clear pending flag: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clear: %w", err)
	}
	return &report, nil
}

// Close implements ReportStore.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
