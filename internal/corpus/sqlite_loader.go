package corpus

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// StreamNotes iterates over all note records in an index database,
// calling fn for each one. Only one parsed record is alive at a time,
// keeping memory usage constant.
func StreamNotes(dbPath string, fn func(recordID string, record any) error) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }() // safe to ignore

	rows, err := db.Query("SELECT id, record FROM notes")
	if err != nil {
		return fmt.Errorf("query notes: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return fmt.Errorf("parse record json: %w", err)
		}
		if err := fn(id, parsed); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LoadNotes opens an index database, reads every note record, parses
// each JSON record, and returns them as a slice. Prefer StreamNotes for
// large corpora.
func LoadNotes(dbPath string) ([]any, error) {
	var records []any
	err := StreamNotes(dbPath, func(_ string, record any) error {
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
