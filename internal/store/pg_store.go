package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/design-core/internal/models"
)

// Schema creates the tables used by PGStore.
const Schema = `
CREATE TABLE IF NOT EXISTS designs (
  id uuid PRIMARY KEY,
  owner text NOT NULL,
  head_version_id uuid,
  failure jsonb,
  clarification jsonb,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_designs_owner ON designs (owner, created_at DESC);

CREATE TABLE IF NOT EXISTS design_versions (
  id uuid PRIMARY KEY,
  design_id uuid NOT NULL REFERENCES designs(id),
  seq bigserial NOT NULL,
  parent_id uuid REFERENCES design_versions(id),
  merged_from text[] NOT NULL DEFAULT '{}',
  rolled_back_from uuid,
  stage text NOT NULL,
  content_hash text NOT NULL,
  payload_ref text NOT NULL,
  changed text[] NOT NULL DEFAULT '{}',
  authored_by text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_design_versions_design ON design_versions (design_id, seq);

CREATE TABLE IF NOT EXISTS compliance_reports (
  id uuid PRIMARY KEY,
  design_id uuid NOT NULL REFERENCES designs(id),
  version_id uuid NOT NULL REFERENCES design_versions(id),
  overall_compliance boolean NOT NULL,
  score double precision NOT NULL,
  partial boolean NOT NULL,
  report jsonb NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
`

// Migrate applies Schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const designColumns = `id, owner, head_version_id, failure, clarification, created_at, updated_at`

const versionColumns = `id, design_id, seq, parent_id, merged_from, rolled_back_from, stage, content_hash, payload_ref, changed, authored_by, created_at`

func scanDesign(row rowScanner) (models.Design, error) {
	var (
		d             models.Design
		head          uuid.NullUUID
		failure       []byte
		clarification []byte
	)
	if err := row.Scan(&d.ID, &d.Owner, &head, &failure, &clarification, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return models.Design{}, err
	}
	if head.Valid {
		d.HeadVersionID = head.UUID
	}
	if len(failure) > 0 {
		d.Failure = &models.Failure{}
		if err := json.Unmarshal(failure, d.Failure); err != nil {
			return models.Design{}, fmt.Errorf("decode failure: %w", err)
		}
	}
	if len(clarification) > 0 {
		d.Clarification = &models.Clarification{}
		if err := json.Unmarshal(clarification, d.Clarification); err != nil {
			return models.Design{}, fmt.Errorf("decode clarification: %w", err)
		}
	}
	return d, nil
}

func scanVersion(row rowScanner) (models.DesignVersion, error) {
	var (
		v          models.DesignVersion
		parent     uuid.NullUUID
		rolledBack uuid.NullUUID
		mergedFrom pq.StringArray
		changed    pq.StringArray
		stage      string
	)
	if err := row.Scan(&v.ID, &v.DesignID, &v.Seq, &parent, &mergedFrom, &rolledBack, &stage, &v.ContentHash, &v.PayloadRef, &changed, &v.AuthoredBy, &v.CreatedAt); err != nil {
		return models.DesignVersion{}, err
	}
	v.Stage = models.Stage(stage)
	if parent.Valid {
		id := parent.UUID
		v.ParentID = &id
	}
	if rolledBack.Valid {
		id := rolledBack.UUID
		v.RolledBackFrom = &id
	}
	for _, raw := range mergedFrom {
		id, err := uuid.Parse(raw)
		if err != nil {
			return models.DesignVersion{}, fmt.Errorf("decode merged_from: %w", err)
		}
		v.MergedFrom = append(v.MergedFrom, id)
	}
	if len(changed) > 0 {
		v.Changed = []string(changed)
	}
	return v, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullableJSON(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case *models.Failure:
		if t == nil {
			return nil, nil
		}
	case *models.Clarification:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PGStore) CreateDesign(ctx context.Context, d models.Design) (models.Design, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	query := `
		INSERT INTO designs (id, owner)
		VALUES ($1,$2)
		RETURNING ` + designColumns
	out, err := scanDesign(s.db.QueryRowContext(ctx, query, d.ID, d.Owner))
	if err != nil {
		return models.Design{}, fmt.Errorf("insert design: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetDesign(ctx context.Context, id uuid.UUID) (models.Design, error) {
	query := `SELECT ` + designColumns + ` FROM designs WHERE id=$1`
	d, err := scanDesign(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Design{}, ErrNotFound
		}
		return models.Design{}, fmt.Errorf("get design: %w", err)
	}
	ids, err := s.versionIDs(ctx, id)
	if err != nil {
		return models.Design{}, err
	}
	d.VersionIDs = ids
	return d, nil
}

func (s *PGStore) versionIDs(ctx context.Context, designID uuid.UUID) ([]uuid.UUID, error) {
	const query = `SELECT id FROM design_versions WHERE design_id=$1 ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, designID)
	if err != nil {
		return nil, fmt.Errorf("list version ids: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan version id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate version ids: %w", err)
	}
	return ids, nil
}

func (s *PGStore) ListDesigns(ctx context.Context, owner string, limit int) ([]models.Design, error) {
	query := `SELECT ` + designColumns + ` FROM designs`
	args := []interface{}{}
	if owner != "" {
		query += ` WHERE owner = $1`
		args = append(args, owner)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list designs: %w", err)
	}
	defer rows.Close()
	var out []models.Design
	for rows.Next() {
		d, err := scanDesign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan design: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate designs: %w", err)
	}
	return out, nil
}

func (s *PGStore) InsertVersion(ctx context.Context, v models.DesignVersion) (models.DesignVersion, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	merged := make([]string, 0, len(v.MergedFrom))
	for _, id := range v.MergedFrom {
		merged = append(merged, id.String())
	}
	changed := v.Changed
	if changed == nil {
		changed = []string{}
	}
	query := `
		INSERT INTO design_versions (id, design_id, parent_id, merged_from, rolled_back_from, stage, content_hash, payload_ref, changed, authored_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING ` + versionColumns
	row := s.db.QueryRowContext(ctx, query,
		v.ID, v.DesignID, nullUUID(v.ParentID), pq.Array(merged), nullUUID(v.RolledBackFrom),
		string(v.Stage), v.ContentHash, v.PayloadRef, pq.Array(changed), v.AuthoredBy)
	out, err := scanVersion(row)
	if err != nil {
		return models.DesignVersion{}, fmt.Errorf("insert version: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetVersion(ctx context.Context, id uuid.UUID) (models.DesignVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM design_versions WHERE id=$1`
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DesignVersion{}, ErrNotFound
		}
		return models.DesignVersion{}, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

func (s *PGStore) ListVersions(ctx context.Context, designID uuid.UUID) ([]models.DesignVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM design_versions WHERE design_id=$1 ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, designID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	var out []models.DesignVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func (s *PGStore) AdvanceHead(ctx context.Context, designID, expected, next uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var head uuid.NullUUID
	if err := tx.QueryRowContext(ctx, `SELECT head_version_id FROM designs WHERE id=$1 FOR UPDATE`, designID).Scan(&head); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock design: %w", err)
	}
	current := uuid.Nil
	if head.Valid {
		current = head.UUID
	}
	if current != expected {
		return ErrHeadMoved
	}

	const update = `
		UPDATE designs
		SET head_version_id=$2, failure=NULL, clarification=NULL, updated_at=NOW()
		WHERE id=$1
	`
	if _, err := tx.ExecContext(ctx, update, designID, next); err != nil {
		return fmt.Errorf("advance head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit head: %w", err)
	}
	return nil
}

func (s *PGStore) SetFailure(ctx context.Context, designID uuid.UUID, f *models.Failure) error {
	raw, err := nullableJSON(f)
	if err != nil {
		return fmt.Errorf("encode failure: %w", err)
	}
	return s.updateDesign(ctx, `UPDATE designs SET failure=$2, updated_at=NOW() WHERE id=$1`, designID, raw)
}

func (s *PGStore) SetClarification(ctx context.Context, designID uuid.UUID, c *models.Clarification) error {
	raw, err := nullableJSON(c)
	if err != nil {
		return fmt.Errorf("encode clarification: %w", err)
	}
	return s.updateDesign(ctx, `UPDATE designs SET clarification=$2, updated_at=NOW() WHERE id=$1`, designID, raw)
}

func (s *PGStore) updateDesign(ctx context.Context, query string, designID uuid.UUID, arg interface{}) error {
	res, err := s.db.ExecContext(ctx, query, designID, arg)
	if err != nil {
		return fmt.Errorf("update design: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update design rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) SaveReport(ctx context.Context, r models.ComplianceReport) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	const query = `
		INSERT INTO compliance_reports (id, design_id, version_id, overall_compliance, score, partial, report, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	if _, err := s.db.ExecContext(ctx, query, r.ID, r.DesignID, r.VersionID, r.OverallCompliance, r.Score, r.Partial, raw, r.CreatedAt); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PGStore) GetReport(ctx context.Context, id uuid.UUID) (models.ComplianceReport, error) {
	var raw []byte
	if err := s.db.QueryRowContext(ctx, `SELECT report FROM compliance_reports WHERE id=$1`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ComplianceReport{}, ErrNotFound
		}
		return models.ComplianceReport{}, fmt.Errorf("get report: %w", err)
	}
	var r models.ComplianceReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.ComplianceReport{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
