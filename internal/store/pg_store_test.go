package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/design-core/internal/models"
)

var versionCols = []string{"id", "design_id", "seq", "parent_id", "merged_from", "rolled_back_from", "stage", "content_hash", "payload_ref", "changed", "authored_by", "created_at"}

func newMock(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGStoreInsertVersion(t *testing.T) {
	s, mock := newMock(t)
	designID := uuid.New()
	parentID := uuid.New()
	versionID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO design_versions").
		WithArgs(versionID, designID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "refining", "hash-1", "mem://payloads/hash-1.json", sqlmock.AnyArg(), "ana").
		WillReturnRows(sqlmock.NewRows(versionCols).AddRow(
			versionID.String(), designID.String(), int64(7), parentID.String(), "{}", nil,
			"refining", "hash-1", "mem://payloads/hash-1.json", "{w1,d2}", "ana", now))

	v, err := s.InsertVersion(context.Background(), models.DesignVersion{
		ID:          versionID,
		DesignID:    designID,
		ParentID:    &parentID,
		Stage:       models.StageRefining,
		ContentHash: "hash-1",
		PayloadRef:  "mem://payloads/hash-1.json",
		Changed:     []string{"w1", "d2"},
		AuthoredBy:  "ana",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Seq)
	require.NotNil(t, v.ParentID)
	assert.Equal(t, parentID, *v.ParentID)
	assert.Nil(t, v.RolledBackFrom)
	assert.Equal(t, []string{"w1", "d2"}, v.Changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreAdvanceHeadDetectsMovedHead(t *testing.T) {
	s, mock := newMock(t)
	designID := uuid.New()
	expected := uuid.New()
	actual := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT head_version_id FROM designs WHERE id=\\$1 FOR UPDATE").
		WithArgs(designID).
		WillReturnRows(sqlmock.NewRows([]string{"head_version_id"}).AddRow(actual.String()))
	mock.ExpectRollback()

	err := s.AdvanceHead(context.Background(), designID, expected, uuid.New())
	assert.ErrorIs(t, err, ErrHeadMoved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreAdvanceHead(t *testing.T) {
	s, mock := newMock(t)
	designID := uuid.New()
	next := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT head_version_id FROM designs").
		WithArgs(designID).
		WillReturnRows(sqlmock.NewRows([]string{"head_version_id"}).AddRow(nil))
	mock.ExpectExec("UPDATE\\s+designs\\s+SET head_version_id").
		WithArgs(designID, next).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AdvanceHead(context.Background(), designID, uuid.Nil, next))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetVersionNotFound(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT .* FROM design_versions WHERE id=\\$1").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetVersion(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSetFailureMissingDesign(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	mock.ExpectExec("UPDATE designs SET failure").
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetFailure(context.Background(), id, &models.Failure{Action: "analyze"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSaveAndGetReport(t *testing.T) {
	s, mock := newMock(t)
	r := models.ComplianceReport{
		ID:                uuid.New(),
		DesignID:          uuid.New(),
		VersionID:         uuid.New(),
		OverallCompliance: false,
		Score:             0.4,
		RuleSets:          []string{"fire", "ada"},
		CreatedAt:         time.Now().UTC(),
	}
	mock.ExpectExec("INSERT INTO compliance_reports").
		WithArgs(r.ID, r.DesignID, r.VersionID, false, 0.4, false, sqlmock.AnyArg(), r.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.SaveReport(context.Background(), r))

	mock.ExpectQuery("SELECT report FROM compliance_reports").
		WithArgs(r.ID).
		WillReturnRows(sqlmock.NewRows([]string{"report"}).AddRow([]byte(`{"id":"` + r.ID.String() + `","score":0.4,"ruleSets":["fire","ada"]}`)))
	got, err := s.GetReport(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, []string{"fire", "ada"}, got.RuleSets)
	assert.NoError(t, mock.ExpectationsWereMet())
}
