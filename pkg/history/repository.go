// Package history records update attempts in a local sqlite database,
// feeding the list CLI and attempt-count metrics.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nimbleos/otad/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for update attempts.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (creating if needed) the attempt database.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("history_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("history_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open history database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("history_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create history schema")
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new attempt record.
func (r *Repository) Create(a *Attempt) error {
	query := `
		INSERT INTO attempts (fingerprint, version, payload_type, source_slot, target_slot, status, error_code, bytes_total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		a.Fingerprint, a.Version, a.PayloadType,
		a.SourceSlot, a.TargetSlot, a.Status, a.ErrorCode, a.BytesTotal)
	if err != nil {
		slog.Error("history_insert_failed", "fingerprint", a.Fingerprint, "error", err)
		return errors.Wrap(err, "failed to insert attempt")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	a.ID = id

	slog.Info("history_attempt_created", "attempt_id", a.ID, "fingerprint", a.Fingerprint)
	return nil
}

// Finish records the terminal state of an attempt.
func (r *Repository) Finish(id int64, status string, errorCode int, bytesTotal int64) error {
	query := `
		UPDATE attempts
		SET status = ?, error_code = ?, bytes_total = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query, status, errorCode, bytesTotal, id)
	if err != nil {
		slog.Error("history_finish_failed", "attempt_id", id, "error", err)
		return errors.Wrap(err, "failed to finish attempt")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("attempt not found: id=%d", id)
	}

	slog.Info("history_attempt_finished", "attempt_id", id, "status", status, "error_code", errorCode)
	return nil
}

// CountAttempts returns how many attempts exist for a payload
// fingerprint, the persisted payload_attempt_number equivalent.
func (r *Repository) CountAttempts(fingerprint string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM attempts WHERE fingerprint = ?`, fingerprint).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count attempts")
	}
	return n, nil
}

// List retrieves all attempts, newest first.
func (r *Repository) List() ([]*Attempt, error) {
	query := `
		SELECT id, fingerprint, version, payload_type, source_slot, target_slot,
		       status, error_code, bytes_total, created_at, updated_at
		FROM attempts ORDER BY id DESC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("history_list_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list attempts")
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		err := rows.Scan(
			&a.ID, &a.Fingerprint, &a.Version, &a.PayloadType,
			&a.SourceSlot, &a.TargetSlot, &a.Status, &a.ErrorCode,
			&a.BytesTotal, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan attempt row")
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "attempt rows error")
	}
	return attempts, nil
}
