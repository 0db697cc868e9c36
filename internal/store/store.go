package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/design-core/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrHeadMoved is returned by AdvanceHead when the design's head is no longer the expected version.
	ErrHeadMoved = errors.New("head moved")
)

// Store persists designs, their append-only versions and compliance reports.
type Store interface {
	CreateDesign(ctx context.Context, d models.Design) (models.Design, error)
	GetDesign(ctx context.Context, id uuid.UUID) (models.Design, error)
	ListDesigns(ctx context.Context, owner string, limit int) ([]models.Design, error)

	// InsertVersion appends a version and assigns its sequence number. It never overwrites.
	InsertVersion(ctx context.Context, v models.DesignVersion) (models.DesignVersion, error)
	GetVersion(ctx context.Context, id uuid.UUID) (models.DesignVersion, error)
	ListVersions(ctx context.Context, designID uuid.UUID) ([]models.DesignVersion, error)

	// AdvanceHead moves the head from expected to next atomically. uuid.Nil as expected means
	// "no head yet". A successful advance clears the design's failure and clarification records.
	AdvanceHead(ctx context.Context, designID, expected, next uuid.UUID) error
	SetFailure(ctx context.Context, designID uuid.UUID, f *models.Failure) error
	SetClarification(ctx context.Context, designID uuid.UUID, c *models.Clarification) error

	SaveReport(ctx context.Context, r models.ComplianceReport) error
	GetReport(ctx context.Context, id uuid.UUID) (models.ComplianceReport, error)

	Ping(ctx context.Context) error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
