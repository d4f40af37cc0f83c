package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/salvus/salve"
)

// SavePatch implements datastore.Store.
func (s *Store) SavePatch(ctx context.Context, p *salve.PatchArtifact) error {
	const query = `
INSERT INTO patch (id, finding_key, status, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET status     = excluded.status,
    data       = excluded.data,
    updated_at = excluded.updated_at;
`
	b, err := json.Marshal(p)
	if err != nil {
		return &salve.Error{Op: "datastore/sqlite/Store.SavePatch", Kind: salve.ErrInternal, Inner: err}
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, query,
		p.ID.String(), p.FindingID, p.Status.String(), string(b),
		created.Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// PatchByID implements datastore.Store.
func (s *Store) PatchByID(ctx context.Context, id uuid.UUID) (*salve.PatchArtifact, error) {
	const query = `
SELECT data FROM patch WHERE id = ?;
`
	var b []byte
	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(&b)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, &salve.Error{
			Op:      "datastore/sqlite/Store.PatchByID",
			Kind:    salve.ErrNotFound,
			Message: id.String(),
		}
	case err != nil:
		return nil, err
	}
	var p salve.PatchArtifact
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, &salve.Error{Op: "datastore/sqlite/Store.PatchByID", Kind: salve.ErrInternal, Inner: err}
	}
	return &p, nil
}

// UpdatePatchStatus implements datastore.Store. The status column and the
// stored document are updated together.
func (s *Store) UpdatePatchStatus(ctx context.Context, id uuid.UUID, status salve.PatchStatus) error {
	const query = `
UPDATE patch
SET status     = ?,
    data       = json_set(data, '$.status', ?),
    updated_at = ?
WHERE id = ?;
`
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, query,
		status.String(), status.String(), time.Now().UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &salve.Error{
			Op:      "datastore/sqlite/Store.UpdatePatchStatus",
			Kind:    salve.ErrNotFound,
			Message: id.String(),
		}
	}
	return nil
}

// SaveSandboxTest implements datastore.Store.
func (s *Store) SaveSandboxTest(ctx context.Context, t *salve.SandboxTest) error {
	const query = `
INSERT INTO sandbox_test (id, patch_id, status, data, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET status = excluded.status,
    data   = excluded.data;
`
	b, err := json.Marshal(t)
	if err != nil {
		return &salve.Error{Op: "datastore/sqlite/Store.SaveSandboxTest", Kind: salve.ErrInternal, Inner: err}
	}
	created := t.StartedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, query,
		t.ID.String(), t.PatchID.String(), t.Status.String(), string(b),
		created.Format(time.RFC3339Nano))
	return err
}
