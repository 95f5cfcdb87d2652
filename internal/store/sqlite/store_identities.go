package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/koltyakov/edgetun/internal/identity"
)

var _ identity.Persister = (*Store)(nil)

func (s *Store) LoadIdentities(ctx context.Context) ([]identity.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document, enrolled FROM identities ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.Record
	for rows.Next() {
		var (
			id       string
			document string
			enrolled int
		)
		if err := rows.Scan(&id, &document, &enrolled); err != nil {
			return nil, err
		}
		var rec identity.Record
		if err := json.Unmarshal([]byte(document), &rec.Document); err != nil {
			return nil, fmt.Errorf("decode identity %s: %w", id, err)
		}
		rec.Enrolled = enrolled == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SaveIdentity(ctx context.Context, rec identity.Record) error {
	document, err := json.Marshal(rec.Document)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO identities(id, name, document, enrolled, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, document = excluded.document, enrolled = excluded.enrolled, updated_at = excluded.updated_at`,
		rec.Document.Identity.ID, rec.Document.Identity.Name, string(document), boolToInt(rec.Enrolled), now, now)
	if err != nil {
		return storeErr("save identity", rec.Document.Identity.ID, err)
	}
	return nil
}

func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id); err != nil {
		return storeErr("delete identity", id, err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
