package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	partbackup "github.com/httprunner/PartitionBackup"
)

const (
	// EnvHistoryDBPath overrides the history database location.
	EnvHistoryDBPath  = "PARTBACKUP_HISTORY_DB"
	defaultDBDirName  = ".partbackup"
	defaultDBFileName = "history.sqlite"
	historyTableName  = "backup_jobs"
)

// History persists finished backup jobs in SQLite. It implements
// partbackup.JobRecorder.
type History struct {
	db   *sql.DB
	path string
}

// OpenHistory opens (and migrates) the history database at path; an empty
// path resolves through PARTBACKUP_HISTORY_DB or ~/.partbackup.
func OpenHistory(path string) (*History, error) {
	if strings.TrimSpace(path) == "" {
		resolved, err := resolveDatabasePath()
		if err != nil {
			return nil, err
		}
		path = resolved
	} else if err := ensureDirExists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "storage: open sqlite %s failed", path)
	}
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("storage: history database ready")
	return &History{db: db, path: path}, nil
}

// Path returns the database file.
func (h *History) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// RecordResult upserts one finished job.
func (h *History) RecordResult(ctx context.Context, rec partbackup.JobRecord) error {
	if h == nil || h.db == nil {
		return pkgerrors.New("storage: history is not open")
	}
	succeeded, err := json.Marshal(nonNil(rec.Succeeded))
	if err != nil {
		return pkgerrors.Wrap(err, "storage: encode succeeded partitions failed")
	}
	failed, err := json.Marshal(nonNil(rec.Failed))
	if err != nil {
		return pkgerrors.Wrap(err, "storage: encode failed partitions failed")
	}
	_, err = h.db.ExecContext(ctx, `INSERT INTO `+historyTableName+` (
			JobID, DeviceSerial, Model, Host, TargetDir, State, ArtifactPath, UploadLocation,
			ErrorMessage, Succeeded, Failed, Compress, GenerateScripts, StartedAt, FinishedAt, ElapsedSeconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(JobID) DO UPDATE SET
			State=excluded.State,
			ArtifactPath=excluded.ArtifactPath,
			UploadLocation=excluded.UploadLocation,
			ErrorMessage=excluded.ErrorMessage,
			Succeeded=excluded.Succeeded,
			Failed=excluded.Failed,
			FinishedAt=excluded.FinishedAt,
			ElapsedSeconds=excluded.ElapsedSeconds`,
		rec.JobID, rec.Serial, rec.Model, rec.Host, rec.TargetDir, rec.State, rec.FinalArtifactPath,
		rec.UploadLocation, rec.Error, string(succeeded), string(failed), rec.Compress, rec.GenerateScripts,
		unixMilli(rec.StartedAt), unixMilli(rec.FinishedAt), rec.ElapsedSeconds(),
	)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: insert job %s failed", rec.JobID)
	}
	return nil
}

// Recent returns up to limit jobs, newest first. A non-empty serial
// filters by device.
func (h *History) Recent(ctx context.Context, serial string, limit int) ([]partbackup.JobRecord, error) {
	if h == nil || h.db == nil {
		return nil, pkgerrors.New("storage: history is not open")
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT JobID, DeviceSerial, Model, Host, TargetDir, State, ArtifactPath, UploadLocation,
			ErrorMessage, Succeeded, Failed, Compress, GenerateScripts, StartedAt, FinishedAt
		FROM ` + historyTableName
	args := []any{}
	if serial = strings.TrimSpace(serial); serial != "" {
		query += " WHERE DeviceSerial = ?"
		args = append(args, serial)
	}
	query += " ORDER BY FinishedAt DESC, id DESC LIMIT ?"
	args = append(args, limit)
	log.Debug().Str("sql", formatSQLForLog(query, args...)).Msg("storage: query history")

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query history failed")
	}
	defer rows.Close()

	var records []partbackup.JobRecord
	for rows.Next() {
		var (
			rec                 partbackup.JobRecord
			succeeded, failed   string
			startedAt, finished int64
		)
		if err := rows.Scan(&rec.JobID, &rec.Serial, &rec.Model, &rec.Host, &rec.TargetDir, &rec.State,
			&rec.FinalArtifactPath, &rec.UploadLocation, &rec.Error, &succeeded, &failed,
			&rec.Compress, &rec.GenerateScripts, &startedAt, &finished); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan history row failed")
		}
		if err := json.Unmarshal([]byte(succeeded), &rec.Succeeded); err != nil {
			return nil, pkgerrors.Wrapf(err, "storage: decode succeeded partitions of %s failed", rec.JobID)
		}
		if err := json.Unmarshal([]byte(failed), &rec.Failed); err != nil {
			return nil, pkgerrors.Wrapf(err, "storage: decode failed partitions of %s failed", rec.JobID)
		}
		rec.StartedAt = fromUnixMilli(startedAt)
		rec.FinishedAt = fromUnixMilli(finished)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate history failed")
	}
	return records, nil
}

// Close closes the database.
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func resolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(EnvHistoryDBPath)); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

// ResolveDatabasePath returns the history database path, creating the
// parent directory if necessary.
func ResolveDatabasePath() (string, error) {
	return resolveDatabasePath()
}

func ensureDirExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		// the CLI and serve mode may share the file
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	createTable := `CREATE TABLE IF NOT EXISTS ` + historyTableName + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			JobID TEXT NOT NULL UNIQUE,
			DeviceSerial TEXT NOT NULL,
			Model TEXT NOT NULL DEFAULT '',
			Host TEXT NOT NULL DEFAULT '',
			TargetDir TEXT NOT NULL DEFAULT '',
			State TEXT NOT NULL,
			ArtifactPath TEXT NOT NULL DEFAULT '',
			UploadLocation TEXT NOT NULL DEFAULT '',
			ErrorMessage TEXT NOT NULL DEFAULT '',
			Succeeded TEXT NOT NULL DEFAULT '[]',
			Failed TEXT NOT NULL DEFAULT '[]',
			Compress INTEGER NOT NULL DEFAULT 0,
			GenerateScripts INTEGER NOT NULL DEFAULT 0,
			StartedAt INTEGER NOT NULL DEFAULT 0,
			FinishedAt INTEGER NOT NULL DEFAULT 0,
			ElapsedSeconds INTEGER NOT NULL DEFAULT 0
		);`
	if _, err := db.Exec(createTable); err != nil {
		return pkgerrors.Wrap(err, "storage: create history table failed")
	}
	index := `CREATE INDEX IF NOT EXISTS idx_backup_jobs_serial_finished ON ` + historyTableName + ` (DeviceSerial, FinishedAt);`
	if _, err := db.Exec(index); err != nil {
		return pkgerrors.Wrap(err, "storage: create history index failed")
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
