package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Reports is the per-target Finding table (§3). Inserts are idempotent
// on payload_sequence_id: the same concatenation-oracle trial replayed
// twice (e.g. after a scanner restart re-walks its queue) must not
// produce a duplicate Finding row.
type Reports struct {
	db *sql.DB
}

// NewReports wraps the shared DB connection.
func NewReports(db *DB) *Reports {
	return &Reports{db: db.conn}
}

func (r *Reports) ensureTable(table string) error {
	_, err := r.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			plugin_name TEXT NOT NULL,
			description TEXT NOT NULL,
			records_json BLOB NOT NULL,
			payload_sequence_id TEXT NOT NULL,
			message TEXT,
			timestamp TIMESTAMP NOT NULL,
			upload INTEGER NOT NULL DEFAULT 0,
			UNIQUE(payload_sequence_id)
		)
	`, table))
	if err != nil {
		return fmt.Errorf("store: create report table %s: %w", table, err)
	}
	return nil
}

// Insert adds f to target's Report table. inserted is false (no error)
// when payload_sequence_id already exists.
func (r *Reports) Insert(target string, f *Finding) (inserted bool, err error) {
	host, port, err := splitTarget(target)
	if err != nil {
		return false, err
	}
	_, table := TableNames(host, port)
	if err := r.ensureTable(table); err != nil {
		return false, err
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	res, err := r.db.Exec(fmt.Sprintf(`
		INSERT OR IGNORE INTO %s (plugin_name, description, records_json, payload_sequence_id, message, timestamp, upload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, table), f.PluginName, f.Description, f.RecordsJSON, f.PayloadSequenceID, f.Message, f.Timestamp, f.Upload)
	if err != nil {
		return false, fmt.Errorf("store: insert into %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns up to limit Findings for target, newest first.
func (r *Reports) List(target string, offset, limit int) ([]*Finding, error) {
	host, port, err := splitTarget(target)
	if err != nil {
		return nil, err
	}
	_, table := TableNames(host, port)
	if err := r.ensureTable(table); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(fmt.Sprintf(`
		SELECT id, plugin_name, description, records_json, payload_sequence_id, message, timestamp, upload
		FROM %s ORDER BY id DESC LIMIT ? OFFSET ?
	`, table), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", table, err)
	}
	defer rows.Close()

	var out []*Finding
	for rows.Next() {
		var f Finding
		var message sql.NullString
		if err := rows.Scan(&f.ID, &f.PluginName, &f.Description, &f.RecordsJSON, &f.PayloadSequenceID, &message, &f.Timestamp, &f.Upload); err != nil {
			return nil, err
		}
		if message.Valid {
			f.Message = message.String
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// MarkUploaded flags a Finding as having been handed to the cloud
// uploader (§4.9's out-of-scope "cloud_api" collaborator notes which
// findings it has already taken).
func (r *Reports) MarkUploaded(target string, id int64) error {
	host, port, err := splitTarget(target)
	if err != nil {
		return err
	}
	_, table := TableNames(host, port)
	_, err = r.db.Exec(fmt.Sprintf(`UPDATE %s SET upload = 1 WHERE id = ?`, table), id)
	return err
}
