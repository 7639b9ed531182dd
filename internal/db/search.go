package db

import (
	"fmt"
)

// IndexRequestForSearch mirrors a request's searchable fields into
// requests_fts. Called automatically by CreateRequest; exported so a caller
// can re-index after editing a request's justification text.
func (d *DB) IndexRequestForSearch(r *Request) error {
	// Replace-on-conflict: re-indexing (e.g. after a justification edit) is
	// simply a delete-then-insert, since FTS5 has no natural upsert.
	if _, err := d.Exec(`DELETE FROM requests_fts WHERE id = ?`, r.ID); err != nil {
		return fmt.Errorf("clearing previous search index entry: %w", err)
	}
	_, err := d.Exec(`
		INSERT INTO requests_fts (id, raw, reason, goal, expected_effect) VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Command.Raw, r.Justification.Reason, r.Justification.Goal, r.Justification.ExpectedEffect)
	if err != nil {
		return fmt.Errorf("indexing request for search: %w", err)
	}
	return nil
}

// Search runs a full-text query against indexed requests scoped to a
// project, returning full Request records ranked by FTS5's bm25 relevance.
func (d *DB) Search(project, ftsQuery string, limit int) ([]*Request, error) {
	if ftsQuery == "" {
		return nil, fmt.Errorf("search query is required")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := d.Query(`
		SELECT r.id FROM requests_fts f
		JOIN requests r ON r.id = f.id
		WHERE requests_fts MATCH ? AND r.project_path = ?
		ORDER BY bm25(requests_fts) LIMIT ?
	`, ftsQuery, project, limit)
	if err != nil {
		return nil, fmt.Errorf("running search query: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning search result id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]*Request, 0, len(ids))
	for _, id := range ids {
		r, err := d.GetRequest(id)
		if err != nil {
			if err == ErrRequestNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
