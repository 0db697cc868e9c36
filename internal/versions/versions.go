// Package versions commits immutable, content-addressed design snapshots and compares them.
package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/design-core/internal/artifacts"
	"github.com/ILLUVRSE/design-core/internal/canonical"
	"github.com/ILLUVRSE/design-core/internal/errs"
	"github.com/ILLUVRSE/design-core/internal/logging"
	"github.com/ILLUVRSE/design-core/internal/models"
	"github.com/ILLUVRSE/design-core/internal/store"
)

type CommitInput struct {
	DesignID       uuid.UUID
	ParentID       *uuid.UUID
	MergedFrom     []uuid.UUID
	RolledBackFrom *uuid.UUID
	Stage          models.Stage
	Payload        models.Payload
	AuthoredBy     string
}

// ElementChange is one modified element, before and after.
type ElementChange struct {
	ID     string         `json:"id"`
	Before models.Element `json:"before"`
	After  models.Element `json:"after"`
}

// Delta is an element-level difference keyed by element id.
type Delta struct {
	Added    []models.Element `json:"added"`
	Removed  []models.Element `json:"removed"`
	Modified []ElementChange  `json:"modified"`
}

// Empty reports whether the two sides had identical element sets.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// ChangedIDs returns the sorted ids of every added, removed or modified element.
func (d Delta) ChangedIDs() []string {
	ids := make([]string, 0, len(d.Added)+len(d.Removed)+len(d.Modified))
	for _, el := range d.Added {
		ids = append(ids, el.ID)
	}
	for _, el := range d.Removed {
		ids = append(ids, el.ID)
	}
	for _, c := range d.Modified {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids
}

type Service struct {
	store store.Store
	blobs artifacts.BlobStore
	log   *logging.Logger
}

func NewService(st store.Store, blobs artifacts.BlobStore, log *logging.Logger) *Service {
	return &Service{store: st, blobs: blobs, log: logging.OrNop(log).With("component", "versions")}
}

// Commit appends a new version. Commits against the same parent never overwrite each other.
func (s *Service) Commit(ctx context.Context, in CommitInput) (models.DesignVersion, error) {
	if in.DesignID == uuid.Nil {
		return models.DesignVersion{}, errs.E(errs.Validation, errs.CodeInvalidInput, "design id required", nil)
	}
	if in.Stage == "" {
		return models.DesignVersion{}, errs.E(errs.Validation, errs.CodeInvalidInput, "stage required", nil)
	}
	payload := in.Payload.Clone()
	hash, body, err := canonical.Hash(payload)
	if err != nil {
		return models.DesignVersion{}, fmt.Errorf("hash payload: %w", err)
	}
	ref, err := s.blobs.Put(ctx, artifacts.PayloadKey(hash), body, "application/json")
	if err != nil {
		return models.DesignVersion{}, fmt.Errorf("store payload: %w", err)
	}

	var changed []string
	if in.ParentID != nil {
		parent, err := s.Get(ctx, *in.ParentID)
		if err != nil {
			return models.DesignVersion{}, err
		}
		if parent.DesignID != in.DesignID {
			return models.DesignVersion{}, errs.E(errs.Validation, errs.CodeInvalidInput, "parent version belongs to another design", nil)
		}
		parentPayload, err := s.Payload(ctx, parent)
		if err != nil {
			return models.DesignVersion{}, err
		}
		delta, err := DiffPayloads(parentPayload, payload)
		if err != nil {
			return models.DesignVersion{}, err
		}
		changed = delta.ChangedIDs()
	} else {
		for _, el := range payload.Elements {
			changed = append(changed, el.ID)
		}
		sort.Strings(changed)
	}

	v, err := s.store.InsertVersion(ctx, models.DesignVersion{
		ID:             uuid.New(),
		DesignID:       in.DesignID,
		ParentID:       in.ParentID,
		MergedFrom:     in.MergedFrom,
		RolledBackFrom: in.RolledBackFrom,
		Stage:          in.Stage,
		ContentHash:    hash,
		PayloadRef:     ref,
		Changed:        changed,
		AuthoredBy:     in.AuthoredBy,
	})
	if err != nil {
		return models.DesignVersion{}, fmt.Errorf("append version: %w", err)
	}
	s.log.Debug("version committed", "design_id", v.DesignID, "version_id", v.ID, "stage", v.Stage, "hash", hash)
	return v, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.DesignVersion, error) {
	v, err := s.store.GetVersion(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.DesignVersion{}, errs.E(errs.Validation, errs.CodeNotFound, "version not found", err)
		}
		return models.DesignVersion{}, err
	}
	return v, nil
}

// Payload loads and decodes the blob a version points at.
func (s *Service) Payload(ctx context.Context, v models.DesignVersion) (models.Payload, error) {
	raw, err := s.blobs.Get(ctx, v.PayloadRef)
	if err != nil {
		return models.Payload{}, fmt.Errorf("load payload %s: %w", v.PayloadRef, err)
	}
	var p models.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Payload{}, fmt.Errorf("decode payload %s: %w", v.PayloadRef, err)
	}
	if p.Elements == nil {
		p.Elements = []models.Element{}
	}
	return p, nil
}

// History returns every version of a design in commit order.
func (s *Service) History(ctx context.Context, designID uuid.UUID) ([]models.DesignVersion, error) {
	return s.store.ListVersions(ctx, designID)
}

func (s *Service) Diff(ctx context.Context, a, b uuid.UUID) (Delta, error) {
	va, err := s.Get(ctx, a)
	if err != nil {
		return Delta{}, err
	}
	vb, err := s.Get(ctx, b)
	if err != nil {
		return Delta{}, err
	}
	if va.ContentHash == vb.ContentHash {
		return Delta{}, nil
	}
	pa, err := s.Payload(ctx, va)
	if err != nil {
		return Delta{}, err
	}
	pb, err := s.Payload(ctx, vb)
	if err != nil {
		return Delta{}, err
	}
	return DiffPayloads(pa, pb)
}

// DiffPayloads compares two payloads element by element. An element is modified when its
// canonical encoding differs. Output slices follow b's element order, then a's for removals.
func DiffPayloads(a, b models.Payload) (Delta, error) {
	before := a.ElementByID()
	after := b.ElementByID()
	var d Delta
	for _, el := range b.Elements {
		old, ok := before[el.ID]
		if !ok {
			d.Added = append(d.Added, el)
			continue
		}
		same, err := canonical.Equal(old, el)
		if err != nil {
			return Delta{}, fmt.Errorf("compare element %s: %w", el.ID, err)
		}
		if !same {
			d.Modified = append(d.Modified, ElementChange{ID: el.ID, Before: old, After: el})
		}
	}
	for _, el := range a.Elements {
		if _, ok := after[el.ID]; !ok {
			d.Removed = append(d.Removed, el)
		}
	}
	return d, nil
}

// DeriveStage is the design's current stage: the head version's stage, or Failed while the
// design carries a failure record.
func DeriveStage(d models.Design, head models.DesignVersion) models.Stage {
	if d.Failure != nil {
		return models.StageFailed
	}
	return head.Stage
}
