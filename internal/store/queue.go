package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Queues is the Durable Queue layer: one SQLite table per target,
// created lazily on first use, holding that target's endpoint records
// with their dedup fingerprint and lifecycle status (§3, §4.4).
//
// The monotonic start_id invariant (§4.4 "a claim always returns rows
// with id > the last claim's max id, never re-handing out a row still
// marked in-progress") is enforced by Claim reading and advancing a
// per-table cursor row rather than filtering on status alone, so a
// crashed scanner's unsettled claim cannot be silently reclaimed by a
// different worker mid-poll. Only ResetInProgress moves the cursor back,
// below the rows it returns to new.
type Queues struct {
	db *sql.DB
}

// NewQueues wraps the shared DB connection.
func NewQueues(db *DB) *Queues {
	return &Queues{db: db.conn}
}

func (q *Queues) ensureTable(table string) error {
	_, err := q.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			record_json BLOB NOT NULL,
			status TEXT NOT NULL DEFAULT 'new',
			created_at TIMESTAMP NOT NULL,
			UNIQUE(fingerprint)
		)
	`, table))
	if err != nil {
		return fmt.Errorf("store: create queue table %s: %w", table, err)
	}
	_, err = q.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s_cursor (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			start_id INTEGER NOT NULL DEFAULT 0
		)
	`, table))
	if err != nil {
		return fmt.Errorf("store: create cursor table for %s: %w", table, err)
	}
	_, err = q.db.Exec(fmt.Sprintf(`
		INSERT OR IGNORE INTO %s_cursor (id, start_id) VALUES (1, 0)
	`, table))
	return err
}

// Put inserts rec under fingerprint if it is not already present in
// target's queue. Returns inserted=false (no error) when the unique
// constraint on fingerprint rejects a duplicate, letting
// internal/dedup treat that as "another writer already holds this
// fingerprint" rather than a storage failure.
func (q *Queues) Put(target string, recordJSON []byte, fingerprint string) (bool, error) {
	table, _, err := q.tables(target)
	if err != nil {
		return false, err
	}
	res, err := q.db.Exec(fmt.Sprintf(`
		INSERT OR IGNORE INTO %s (fingerprint, record_json, status, created_at)
		VALUES (?, ?, 'new', ?)
	`, table), fingerprint, recordJSON, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("store: put into %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim fetches up to n rows with id greater than the table's
// start_id cursor, marks them in-progress, and advances the cursor to
// the highest id claimed — the monotonic invariant from §4.4.
func (q *Queues) Claim(target string, n int) ([]*Endpoint, error) {
	table, cursorTable, err := q.tables(target)
	if err != nil {
		return nil, err
	}

	tx, err := q.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var startID int64
	if err := tx.QueryRow(fmt.Sprintf(`SELECT start_id FROM %s WHERE id = 1`, cursorTable)).Scan(&startID); err != nil {
		return nil, fmt.Errorf("store: read cursor for %s: %w", table, err)
	}

	rows, err := tx.Query(fmt.Sprintf(`
		SELECT id, fingerprint, record_json, status, created_at
		FROM %s WHERE id > ? AND status = 'new' ORDER BY id LIMIT ?
	`, table), startID, n)
	if err != nil {
		return nil, fmt.Errorf("store: claim from %s: %w", table, err)
	}
	endpoints, err := scanEndpoints(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, tx.Commit()
	}

	maxID := endpoints[len(endpoints)-1].ID
	ids := make([]interface{}, 0, len(endpoints))
	placeholders := ""
	for i, e := range endpoints {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		ids = append(ids, e.ID)
	}
	if _, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET status = 'in-progress' WHERE id IN (%s)`, table, placeholders), ids...); err != nil {
		return nil, fmt.Errorf("store: mark in-progress in %s: %w", table, err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET start_id = ? WHERE id = 1`, cursorTable), maxID); err != nil {
		return nil, fmt.Errorf("store: advance cursor for %s: %w", table, err)
	}
	for _, e := range endpoints {
		e.Status = StatusInProgress
	}
	return endpoints, tx.Commit()
}

// Settle marks claimed endpoints done or failed, disjointly: an id in
// failedIDs is marked failed, every other still-in-progress id up to
// and including lastID is marked done (§9: the redesign's "disjoint
// done/failed marking" replacing the source's single-pass fold that
// could double-count a row).
func (q *Queues) Settle(target string, lastID int64, failedIDs []int64) error {
	table, _, err := q.tables(target)
	if err != nil {
		return err
	}
	tx, err := q.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	failedSet := make(map[int64]bool, len(failedIDs))
	for _, id := range failedIDs {
		failedSet[id] = true
	}

	rows, err := tx.Query(fmt.Sprintf(`SELECT id FROM %s WHERE id <= ? AND status = 'in-progress'`, table), lastID)
	if err != nil {
		return fmt.Errorf("store: settle scan on %s: %w", table, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		status := StatusDone
		if failedSet[id] {
			status = StatusFailed
		}
		if _, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ?`, table), status, id); err != nil {
			return fmt.Errorf("store: settle %s id %d: %w", table, id, err)
		}
	}
	return tx.Commit()
}

// ResetInProgress reverts every in-progress row in target's queue back
// to new, used on scanner restart (§4.9 "a crashed scanner's claimed
// but unsettled rows must become visible to the next claim again").
func (q *Queues) ResetInProgress(target string) error {
	table, cursorTable, err := q.tables(target)
	if err != nil {
		return err
	}
	// Claim already advanced the cursor past these rows; rewind it below
	// the lowest of them so the next Claim returns them again.
	if _, err := q.db.Exec(fmt.Sprintf(`
		UPDATE %s SET start_id = MIN(start_id, COALESCE((SELECT MIN(id) - 1 FROM %s WHERE status = 'in-progress'), start_id))
		WHERE id = 1
	`, cursorTable, table)); err != nil {
		return fmt.Errorf("store: rewind cursor for %s: %w", table, err)
	}
	_, err = q.db.Exec(fmt.Sprintf(`UPDATE %s SET status = 'new' WHERE status = 'in-progress'`, table))
	return err
}

// ListByStatus returns up to limit rows in target's queue with the
// given status, offset for pagination.
func (q *Queues) ListByStatus(target string, status Status, offset, limit int) ([]*Endpoint, error) {
	table, _, err := q.tables(target)
	if err != nil {
		return nil, err
	}
	rows, err := q.db.Query(fmt.Sprintf(`
		SELECT id, fingerprint, record_json, status, created_at
		FROM %s WHERE status = ? ORDER BY id LIMIT ? OFFSET ?
	`, table), status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list %s by status: %w", table, err)
	}
	defer rows.Close()
	return scanEndpoints(rows)
}

// CountByStatus reports how many rows in target's queue currently hold
// status.
func (q *Queues) CountByStatus(target string, status Status) (int, error) {
	table, _, err := q.tables(target)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = ?`, table), status).Scan(&n)
	return n, err
}

// Truncate empties target's queue and resets its cursor, used by
// clean_target (§4.9).
func (q *Queues) Truncate(target string) error {
	table, cursorTable, err := q.tables(target)
	if err != nil {
		return err
	}
	if _, err := q.db.Exec(fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return err
	}
	_, err = q.db.Exec(fmt.Sprintf(`UPDATE %s SET start_id = 0 WHERE id = 1`, cursorTable))
	return err
}

// Drop removes target's queue tables entirely, used when a target is
// permanently removed.
func (q *Queues) Drop(target string) error {
	table, cursorTable, err := q.tables(target)
	if err != nil {
		return err
	}
	if _, err := q.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return err
	}
	_, err = q.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, cursorTable))
	return err
}

func (q *Queues) tables(target string) (table, cursorTable string, err error) {
	host, port, err := splitTarget(target)
	if err != nil {
		return "", "", err
	}
	table, _ = TableNames(host, port)
	if err := q.ensureTable(table); err != nil {
		return "", "", err
	}
	return table, table + "_cursor", nil
}

func scanEndpoints(rows *sql.Rows) ([]*Endpoint, error) {
	var out []*Endpoint
	for rows.Next() {
		var e Endpoint
		if err := rows.Scan(&e.ID, &e.Fingerprint, &e.RecordJSON, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
