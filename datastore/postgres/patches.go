package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/quay/zlog"

	"github.com/salvus/salve"
)

// SavePatch implements datastore.Store.
func (s *Store) SavePatch(ctx context.Context, p *salve.PatchArtifact) (err error) {
	defer observe("savePatch", time.Now())(&err)
	const query = `
INSERT INTO patch (id, finding_key, status, data, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE
SET status     = excluded.status,
    data       = excluded.data,
    updated_at = now();
`
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.SavePatch")
	b, err := json.Marshal(p)
	if err != nil {
		return &salve.Error{Op: "datastore/postgres/Store.SavePatch", Kind: salve.ErrInternal, Inner: err}
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, query, p.ID, p.FindingID, p.Status.String(), b, created)
	return err
}

// PatchByID implements datastore.Store.
func (s *Store) PatchByID(ctx context.Context, id uuid.UUID) (_ *salve.PatchArtifact, err error) {
	defer observe("patchByID", time.Now())(&err)
	const query = `
SELECT data FROM patch WHERE id = $1;
`
	var b []byte
	err = s.pool.QueryRow(ctx, query, id).Scan(&b)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, &salve.Error{
			Op:      "datastore/postgres/Store.PatchByID",
			Kind:    salve.ErrNotFound,
			Message: id.String(),
		}
	case err != nil:
		return nil, err
	}
	var p salve.PatchArtifact
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, &salve.Error{Op: "datastore/postgres/Store.PatchByID", Kind: salve.ErrInternal, Inner: err}
	}
	return &p, nil
}

// UpdatePatchStatus implements datastore.Store. The status column and the
// stored document are updated together.
func (s *Store) UpdatePatchStatus(ctx context.Context, id uuid.UUID, status salve.PatchStatus) (err error) {
	defer observe("updatePatchStatus", time.Now())(&err)
	const query = `
UPDATE patch
SET status     = $2,
    data       = jsonb_set(data, '{status}', to_jsonb($2::text)),
    updated_at = now()
WHERE id = $1;
`
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.UpdatePatchStatus")
	tag, err := s.pool.Exec(ctx, query, id, status.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &salve.Error{
			Op:      "datastore/postgres/Store.UpdatePatchStatus",
			Kind:    salve.ErrNotFound,
			Message: id.String(),
		}
	}
	zlog.Debug(ctx).Stringer("patch", id).Stringer("status", status).Msg("patch status updated")
	return nil
}

// SaveSandboxTest implements datastore.Store.
func (s *Store) SaveSandboxTest(ctx context.Context, t *salve.SandboxTest) (err error) {
	defer observe("saveSandboxTest", time.Now())(&err)
	const query = `
INSERT INTO sandbox_test (id, patch_id, status, data, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET status = excluded.status,
    data   = excluded.data;
`
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.SaveSandboxTest")
	b, err := json.Marshal(t)
	if err != nil {
		return &salve.Error{Op: "datastore/postgres/Store.SaveSandboxTest", Kind: salve.ErrInternal, Inner: err}
	}
	created := t.StartedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, query, t.ID, t.PatchID, t.Status.String(), b, created)
	return err
}
