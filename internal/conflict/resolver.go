// Package conflict finds divergent sibling versions of a design and reconciles them.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/design-core/internal/canonical"
	"github.com/ILLUVRSE/design-core/internal/errs"
	"github.com/ILLUVRSE/design-core/internal/logging"
	"github.com/ILLUVRSE/design-core/internal/models"
	"github.com/ILLUVRSE/design-core/internal/store"
	"github.com/ILLUVRSE/design-core/internal/versions"
)

type Strategy string

const (
	KeepA Strategy = "keep-a"
	KeepB Strategy = "keep-b"
	Merge Strategy = "merge"
)

// Side picks one branch for an overlapping element.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

// Pair is two versions that changed overlapping elements on top of the same parent.
type Pair struct {
	A        uuid.UUID `json:"a"`
	B        uuid.UUID `json:"b"`
	Parent   uuid.UUID `json:"parent"`
	Elements []string  `json:"elements"`
}

// Error is the cause attached to an errs.Conflict: the two branches and the elements both
// changed differently.
type Error struct {
	A        uuid.UUID `json:"a"`
	B        uuid.UUID `json:"b"`
	Elements []string  `json:"elements"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("versions %s and %s both changed %s", e.A, e.B, strings.Join(e.Elements, ", "))
}

// NewConflict wraps the branch pair into an errs.Conflict.
func NewConflict(a, b uuid.UUID, elements []string) error {
	return errs.E(errs.Conflict, errs.CodeEditConflict,
		fmt.Sprintf("conflicting edits to %s; choose which version to keep", strings.Join(elements, ", ")),
		&Error{A: a, B: b, Elements: elements})
}

// AsError extracts the branch pair from a conflict error.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

type Resolution struct {
	Strategy Strategy
	// Choices decides overlapping elements for the merge strategy, keyed by element id.
	Choices    map[string]Side
	AuthoredBy string
}

type Resolver struct {
	versions *versions.Service
	store    store.Store
	log      *logging.Logger
}

func NewResolver(vs *versions.Service, st store.Store, log *logging.Logger) *Resolver {
	return &Resolver{versions: vs, store: st, log: logging.OrNop(log).With("component", "conflict")}
}

// Detect lists sibling pairs with overlapping changed elements that no merge has reconciled yet.
func (r *Resolver) Detect(ctx context.Context, designID uuid.UUID) ([]Pair, error) {
	history, err := r.versions.History(ctx, designID)
	if err != nil {
		return nil, err
	}
	resolved := map[[2]uuid.UUID]bool{}
	children := map[uuid.UUID][]models.DesignVersion{}
	var parents []uuid.UUID
	for _, v := range history {
		if len(v.MergedFrom) == 2 {
			resolved[pairKey(v.MergedFrom[0], v.MergedFrom[1])] = true
		}
		if v.ParentID == nil {
			continue
		}
		if _, seen := children[*v.ParentID]; !seen {
			parents = append(parents, *v.ParentID)
		}
		children[*v.ParentID] = append(children[*v.ParentID], v)
	}

	var pairs []Pair
	for _, parent := range parents {
		kids := children[parent]
		for i := 0; i < len(kids); i++ {
			for j := i + 1; j < len(kids); j++ {
				a, b := kids[i], kids[j]
				if resolved[pairKey(a.ID, b.ID)] || absorbs(a, b.ID) || absorbs(b, a.ID) {
					continue
				}
				if overlap := intersect(a.Changed, b.Changed); len(overlap) > 0 {
					pairs = append(pairs, Pair{A: a.ID, B: b.ID, Parent: parent, Elements: overlap})
				}
			}
		}
	}
	return pairs, nil
}

// Resolve reconciles versions a and b into a new version on top of the current head and moves
// the head to it. The result records both branches in MergedFrom.
func (r *Resolver) Resolve(ctx context.Context, designID, aID, bID uuid.UUID, res Resolution) (models.DesignVersion, error) {
	switch res.Strategy {
	case "":
		return models.DesignVersion{}, errs.E(errs.Validation, errs.CodeInvalidInput, "resolution strategy required", nil)
	case KeepA, KeepB, Merge:
	default:
		return models.DesignVersion{}, errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("unknown resolution strategy %q", res.Strategy), nil)
	}
	if aID == bID {
		return models.DesignVersion{}, errs.E(errs.Validation, errs.CodeInvalidInput, "cannot resolve a version against itself", nil)
	}
	design, err := r.store.GetDesign(ctx, designID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.DesignVersion{}, errs.E(errs.Validation, errs.CodeNotFound, "design not found", err)
		}
		return models.DesignVersion{}, err
	}
	a, pa, err := r.load(ctx, designID, aID)
	if err != nil {
		return models.DesignVersion{}, err
	}
	b, pb, err := r.load(ctx, designID, bID)
	if err != nil {
		return models.DesignVersion{}, err
	}

	var (
		payload models.Payload
		stage   models.Stage
	)
	switch res.Strategy {
	case KeepA:
		payload, stage = pa, a.Stage
	case KeepB:
		payload, stage = pb, b.Stage
	case Merge:
		base, err := r.commonBase(ctx, a, b)
		if err != nil {
			return models.DesignVersion{}, err
		}
		payload, err = MergePayloads(base, pa, pb, res.Choices)
		if err != nil {
			if ce, ok := AsError(err); ok {
				return models.DesignVersion{}, NewConflict(a.ID, b.ID, ce.Elements)
			}
			return models.DesignVersion{}, err
		}
		payload.ComplianceReportID = nil
		stage = models.StageRefining
	}

	head := design.HeadVersionID
	var parent *uuid.UUID
	if head != uuid.Nil {
		parent = &head
	}
	merged, err := r.versions.Commit(ctx, versions.CommitInput{
		DesignID:   designID,
		ParentID:   parent,
		MergedFrom: []uuid.UUID{a.ID, b.ID},
		Stage:      stage,
		Payload:    payload,
		AuthoredBy: res.AuthoredBy,
	})
	if err != nil {
		return models.DesignVersion{}, err
	}
	if err := r.store.AdvanceHead(ctx, designID, head, merged.ID); err != nil {
		if errors.Is(err, store.ErrHeadMoved) {
			return merged, errs.E(errs.Conflict, errs.CodeEditConflict, "the design changed while resolving; reload and try again", err)
		}
		return merged, err
	}
	r.log.Info("conflict resolved", "design_id", designID, "a", a.ID, "b", b.ID, "strategy", res.Strategy, "version_id", merged.ID)
	return merged, nil
}

func (r *Resolver) load(ctx context.Context, designID, id uuid.UUID) (models.DesignVersion, models.Payload, error) {
	v, err := r.versions.Get(ctx, id)
	if err != nil {
		return models.DesignVersion{}, models.Payload{}, err
	}
	if v.DesignID != designID {
		return models.DesignVersion{}, models.Payload{}, errs.E(errs.Validation, errs.CodeInvalidInput, "version belongs to another design", nil)
	}
	p, err := r.versions.Payload(ctx, v)
	if err != nil {
		return models.DesignVersion{}, models.Payload{}, err
	}
	return v, p, nil
}

// commonBase returns the payload of the nearest ancestor shared by a and b along parent links,
// or an empty payload when the chains never meet.
func (r *Resolver) commonBase(ctx context.Context, a, b models.DesignVersion) (models.Payload, error) {
	ancestors := map[uuid.UUID]bool{}
	for cur := &a; ; {
		ancestors[cur.ID] = true
		if cur.ParentID == nil {
			break
		}
		next, err := r.versions.Get(ctx, *cur.ParentID)
		if err != nil {
			return models.Payload{}, err
		}
		cur = &next
	}
	for cur := &b; ; {
		if ancestors[cur.ID] {
			return r.versions.Payload(ctx, *cur)
		}
		if cur.ParentID == nil {
			return models.Payload{Elements: []models.Element{}}, nil
		}
		next, err := r.versions.Get(ctx, *cur.ParentID)
		if err != nil {
			return models.Payload{}, err
		}
		cur = &next
	}
}

// MergePayloads applies the element changes of a and b relative to base. Elements both sides
// changed to different results need an entry in choices; missing ones yield a conflict *Error
// with zero version ids. Element order follows a, then elements only b introduced.
func MergePayloads(base, a, b models.Payload, choices map[string]Side) (models.Payload, error) {
	da, err := versions.DiffPayloads(base, a)
	if err != nil {
		return models.Payload{}, err
	}
	db, err := versions.DiffPayloads(base, b)
	if err != nil {
		return models.Payload{}, err
	}
	aIdx, bIdx := a.ElementByID(), b.ElementByID()

	take := map[string]Side{}
	for _, id := range da.ChangedIDs() {
		take[id] = SideA
	}
	var unresolved []string
	for _, id := range db.ChangedIDs() {
		if _, changedByA := take[id]; !changedByA {
			take[id] = SideB
			continue
		}
		same, err := sameState(aIdx, bIdx, id)
		if err != nil {
			return models.Payload{}, err
		}
		if same {
			continue
		}
		switch choices[id] {
		case SideA, SideB:
			take[id] = choices[id]
		default:
			unresolved = append(unresolved, id)
		}
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return models.Payload{}, &Error{Elements: unresolved}
	}

	out := a.Clone()
	out.Elements = out.Elements[:0]
	emitted := map[string]bool{}
	for _, el := range a.Elements {
		emitted[el.ID] = true
		if take[el.ID] == SideB {
			if bel, ok := bIdx[el.ID]; ok {
				out.Elements = append(out.Elements, bel)
			}
			continue
		}
		out.Elements = append(out.Elements, el)
	}
	for _, el := range b.Elements {
		if !emitted[el.ID] && take[el.ID] == SideB {
			out.Elements = append(out.Elements, el)
		}
	}
	for k, v := range b.Artifacts {
		if _, ok := out.Artifacts[k]; !ok {
			if out.Artifacts == nil {
				out.Artifacts = map[string]string{}
			}
			out.Artifacts[k] = v
		}
	}
	return out, nil
}

func sameState(a, b map[string]models.Element, id string) (bool, error) {
	ea, inA := a[id]
	eb, inB := b[id]
	if inA != inB {
		return false, nil
	}
	if !inA {
		return true, nil
	}
	return canonical.Equal(ea, eb)
}

func absorbs(v models.DesignVersion, id uuid.UUID) bool {
	for _, m := range v.MergedFrom {
		if m == id {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	var out []string
	for _, id := range b {
		if set[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func pairKey(a, b uuid.UUID) [2]uuid.UUID {
	if a.String() > b.String() {
		a, b = b, a
	}
	return [2]uuid.UUID{a, b}
}
