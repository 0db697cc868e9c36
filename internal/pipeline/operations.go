package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/design-core/internal/capability"
	"github.com/ILLUVRSE/design-core/internal/conflict"
	"github.com/ILLUVRSE/design-core/internal/errs"
	"github.com/ILLUVRSE/design-core/internal/events"
	"github.com/ILLUVRSE/design-core/internal/models"
	"github.com/ILLUVRSE/design-core/internal/versions"
)

// Stages a design can be refined, rendered or checked from.
var editable = []models.Stage{models.StageVisualized, models.StageRefining, models.StageComplianceChecked}

type UploadRequest struct {
	Owner     string            `json:"owner"`
	SketchRef string            `json:"sketchRef"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Upload creates a design with an Uploaded root version and submits its analysis. When the
// analysis cannot be submitted the design is still returned, carrying the failure.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (models.Design, models.Job, error) {
	if strings.TrimSpace(req.Owner) == "" {
		return models.Design{}, models.Job{}, errs.E(errs.Validation, errs.CodeInvalidInput, "owner required", nil)
	}
	if strings.TrimSpace(req.SketchRef) == "" {
		return models.Design{}, models.Job{}, errs.E(errs.Validation, errs.CodeInvalidInput, "sketch reference required", nil)
	}
	design, err := p.store.CreateDesign(ctx, models.Design{Owner: req.Owner})
	if err != nil {
		return models.Design{}, models.Job{}, fmt.Errorf("create design: %w", err)
	}

	unlock := p.lock(design.ID)
	defer unlock()

	root, err := p.versions.Commit(ctx, versions.CommitInput{
		DesignID:   design.ID,
		Stage:      models.StageUploaded,
		Payload:    models.Payload{SketchRef: req.SketchRef, Metadata: req.Metadata, Elements: []models.Element{}},
		AuthoredBy: req.Owner,
	})
	if err != nil {
		return models.Design{}, models.Job{}, err
	}
	if err := p.store.AdvanceHead(ctx, design.ID, uuid.Nil, root.ID); err != nil {
		return models.Design{}, models.Job{}, fmt.Errorf("set root head: %w", err)
	}
	e := events.New(events.TypeStageChanged, design.ID)
	e.VersionID = &root.ID
	e.Stage = string(models.StageUploaded)
	p.emit(e)

	params, err := json.Marshal(capability.AnalyzeRequest{SketchRef: req.SketchRef, Metadata: req.Metadata})
	if err != nil {
		return models.Design{}, models.Job{}, err
	}
	job, submitErr := p.submit(ctx, ActionAnalyze, models.JobAnalyze, root, params)
	design, err = p.store.GetDesign(ctx, design.ID)
	if err != nil {
		return models.Design{}, models.Job{}, err
	}
	p.log.Info("design uploaded", "design_id", design.ID, "owner", design.Owner, "version_id", root.ID)
	return design, job, submitErr
}

// Clarify answers an ambiguous analysis and resubmits it with the hints.
func (p *Pipeline) Clarify(ctx context.Context, designID uuid.UUID, hints []string) (models.Job, error) {
	if len(hints) == 0 {
		return models.Job{}, errs.E(errs.Validation, errs.CodeInvalidInput, "at least one clarification hint required", nil)
	}
	unlock := p.lock(designID)
	defer unlock()

	design, head, err := p.load(ctx, designID)
	if err != nil {
		return models.Job{}, err
	}
	if design.Clarification == nil {
		return models.Job{}, errs.E(errs.Validation, errs.CodeInvalidStage, "design is not awaiting clarification", nil)
	}
	payload, err := p.versions.Payload(ctx, head)
	if err != nil {
		return models.Job{}, err
	}
	params, err := json.Marshal(capability.AnalyzeRequest{SketchRef: payload.SketchRef, Metadata: payload.Metadata, Hints: hints})
	if err != nil {
		return models.Job{}, err
	}
	if err := p.store.SetClarification(ctx, designID, nil); err != nil {
		return models.Job{}, err
	}
	return p.submit(ctx, ActionAnalyze, models.JobAnalyze, head, params)
}

// RefineRequest edits elements of a base version. Upserts replace elements by id or add new
// ones; Remove drops elements by id.
type RefineRequest struct {
	// BaseVersionID defaults to the current head.
	BaseVersionID *uuid.UUID       `json:"baseVersionId,omitempty"`
	Upserts       []models.Element `json:"upserts,omitempty"`
	Remove        []string         `json:"remove,omitempty"`
	AuthoredBy    string           `json:"-"`
}

type RefineResult struct {
	Version models.DesignVersion `json:"version"`
	// Job is the scoped re-render, absent when the edit only removed elements.
	Job *models.Job `json:"job,omitempty"`
}

// Refine commits a Refining version and re-renders only the edited elements. A base that is no
// longer head is merged onto the head through the conflict resolver; overlapping edits fail with
// errs.Conflict naming the head and the committed edit branch.
func (p *Pipeline) Refine(ctx context.Context, designID uuid.UUID, req RefineRequest) (RefineResult, error) {
	if len(req.Upserts) == 0 && len(req.Remove) == 0 {
		return RefineResult{}, errs.E(errs.Validation, errs.CodeInvalidInput, "no edits given", nil)
	}
	for _, el := range req.Upserts {
		if err := p.validate.Struct(el); err != nil {
			return RefineResult{}, errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("invalid element %q", el.ID), err)
		}
	}

	unlock := p.lock(designID)
	defer unlock()

	design, head, err := p.load(ctx, designID)
	if err != nil {
		return RefineResult{}, err
	}
	if err := requireStage(design, head, "refine", editable...); err != nil {
		return RefineResult{}, err
	}
	base := head
	if req.BaseVersionID != nil && *req.BaseVersionID != head.ID {
		if base, err = p.versions.Get(ctx, *req.BaseVersionID); err != nil {
			return RefineResult{}, err
		}
		if base.DesignID != designID {
			return RefineResult{}, errs.E(errs.Validation, errs.CodeInvalidInput, "base version belongs to another design", nil)
		}
	}
	basePayload, err := p.versions.Payload(ctx, base)
	if err != nil {
		return RefineResult{}, err
	}
	edited, err := applyEdits(basePayload, req.Upserts, req.Remove)
	if err != nil {
		return RefineResult{}, err
	}
	delta, err := versions.DiffPayloads(basePayload, edited)
	if err != nil {
		return RefineResult{}, err
	}
	if delta.Empty() {
		return RefineResult{}, errs.E(errs.Validation, errs.CodeInvalidInput, "edits do not change the design", nil)
	}

	var result models.DesignVersion
	if base.ID == head.ID {
		v, advanced, err := p.commit(ctx, head, versions.CommitInput{Stage: models.StageRefining, Payload: edited, AuthoredBy: req.AuthoredBy})
		if err != nil {
			return RefineResult{}, err
		}
		if !advanced {
			return RefineResult{}, errs.E(errs.Conflict, errs.CodeEditConflict, "the design changed during the edit; reload and try again", nil)
		}
		result = v
	} else {
		branch, err := p.versions.Commit(ctx, versions.CommitInput{
			DesignID:   designID,
			ParentID:   &base.ID,
			Stage:      models.StageRefining,
			Payload:    edited,
			AuthoredBy: req.AuthoredBy,
		})
		if err != nil {
			return RefineResult{}, err
		}
		merged, err := p.resolver.Resolve(ctx, designID, head.ID, branch.ID, conflict.Resolution{
			Strategy:   conflict.Merge,
			AuthoredBy: req.AuthoredBy,
		})
		if err != nil {
			return RefineResult{Version: branch}, err
		}
		p.log.Info("stale refinement merged onto head", "design_id", designID, "base_id", base.ID, "head_id", head.ID, "version_id", merged.ID)
		p.emitStage(merged)
		result = merged
	}

	out := RefineResult{Version: result}
	if len(req.Upserts) == 0 {
		return out, nil
	}
	payload, err := p.versions.Payload(ctx, result)
	if err != nil {
		return out, err
	}
	scope := map[string]bool{}
	for _, el := range req.Upserts {
		scope[el.ID] = true
	}
	var toRender []models.Element
	for _, el := range payload.Elements {
		if scope[el.ID] {
			toRender = append(toRender, el)
		}
	}
	params, err := json.Marshal(capability.RenderRequest{Elements: toRender, Preferences: payload.Metadata})
	if err != nil {
		return out, err
	}
	job, err := p.submit(ctx, ActionRender, models.JobRender, result, params)
	if err != nil {
		return out, err
	}
	out.Job = &job
	return out, nil
}

func (p *Pipeline) emitStage(v models.DesignVersion) {
	e := events.New(events.TypeStageChanged, v.DesignID)
	e.VersionID = &v.ID
	e.Stage = string(v.Stage)
	p.emit(e)
}

// applyEdits returns a copy of base with the edits applied. Untouched elements are copied as is;
// upserted elements lose their render reference.
func applyEdits(base models.Payload, upserts []models.Element, remove []string) (models.Payload, error) {
	out := base.Clone()
	out.ComplianceReportID = nil
	index := map[string]int{}
	for i, el := range out.Elements {
		index[el.ID] = i
	}
	for _, id := range remove {
		if _, ok := index[id]; !ok {
			return models.Payload{}, errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("element %q does not exist", id), nil)
		}
	}
	dropped := map[string]bool{}
	for _, id := range remove {
		dropped[id] = true
	}
	for _, el := range upserts {
		if dropped[el.ID] {
			return models.Payload{}, errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("element %q is both edited and removed", el.ID), nil)
		}
		el.RenderRef = ""
		if i, ok := index[el.ID]; ok {
			out.Elements[i] = el
			continue
		}
		index[el.ID] = len(out.Elements)
		out.Elements = append(out.Elements, el)
	}
	kept := out.Elements[:0]
	for _, el := range out.Elements {
		if !dropped[el.ID] {
			kept = append(kept, el)
		}
	}
	out.Elements = kept
	return out, nil
}

// Render submits a full render of the head. Used after an analysis when auto-render is off.
func (p *Pipeline) Render(ctx context.Context, designID uuid.UUID) (models.Job, error) {
	unlock := p.lock(designID)
	defer unlock()
	design, head, err := p.load(ctx, designID)
	if err != nil {
		return models.Job{}, err
	}
	if err := requireStage(design, head, "render", append([]models.Stage{models.StageAnalyzed}, editable...)...); err != nil {
		return models.Job{}, err
	}
	return p.submitRender(ctx, head)
}

func (p *Pipeline) submitRender(ctx context.Context, v models.DesignVersion) (models.Job, error) {
	payload, err := p.versions.Payload(ctx, v)
	if err != nil {
		return models.Job{}, err
	}
	params, err := json.Marshal(capability.RenderRequest{Elements: payload.Elements, Preferences: payload.Metadata})
	if err != nil {
		return models.Job{}, err
	}
	return p.submit(ctx, ActionRender, models.JobRender, v, params)
}

// Walkthrough submits a lighting simulation / walkthrough video of the head.
func (p *Pipeline) Walkthrough(ctx context.Context, designID uuid.UUID) (models.Job, error) {
	unlock := p.lock(designID)
	defer unlock()
	design, head, err := p.load(ctx, designID)
	if err != nil {
		return models.Job{}, err
	}
	if err := requireStage(design, head, "simulate", editable...); err != nil {
		return models.Job{}, err
	}
	payload, err := p.versions.Payload(ctx, head)
	if err != nil {
		return models.Job{}, err
	}
	params, err := json.Marshal(capability.RenderRequest{Elements: payload.Elements, Preferences: payload.Metadata})
	if err != nil {
		return models.Job{}, err
	}
	return p.submit(ctx, ActionLighting, models.JobSimulateLighting, head, params)
}

// ComplianceTicket acknowledges an accepted compliance request.
type ComplianceTicket struct {
	DesignID  uuid.UUID `json:"designId"`
	VersionID uuid.UUID `json:"versionId"`
	RuleSets  []string  `json:"ruleSets"`
}

// RequestCompliance evaluates the head in the background. On completion a ComplianceChecked
// version referencing the report is committed on top of the evaluated version.
func (p *Pipeline) RequestCompliance(ctx context.Context, designID uuid.UUID, ruleSets []string) (ComplianceTicket, error) {
	resolved, err := p.compliance.Resolve(ruleSets)
	if err != nil {
		return ComplianceTicket{}, err
	}
	unlock := p.lock(designID)
	defer unlock()

	design, head, err := p.load(ctx, designID)
	if err != nil {
		return ComplianceTicket{}, err
	}
	if err := requireStage(design, head, "check compliance of", editable...); err != nil {
		return ComplianceTicket{}, err
	}
	payload, err := p.versions.Payload(ctx, head)
	if err != nil {
		return ComplianceTicket{}, err
	}
	p.mu.Lock()
	if p.checking[designID] {
		p.mu.Unlock()
		return ComplianceTicket{}, errs.E(errs.Validation, errs.CodeInvalidStage, "a compliance check is already running", nil)
	}
	p.checking[designID] = true
	p.mu.Unlock()

	p.bg.Add(1)
	go p.runCompliance(head, payload, resolved)
	return ComplianceTicket{DesignID: designID, VersionID: head.ID, RuleSets: resolved}, nil
}

func (p *Pipeline) runCompliance(input models.DesignVersion, payload models.Payload, ruleSets []string) {
	defer p.bg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.checking, input.DesignID)
		p.mu.Unlock()
	}()

	report, err := p.compliance.Evaluate(p.bgCtx, input, payload, ruleSets)
	if p.bgCtx.Err() != nil || errs.CodeOf(err) == errs.CodeCancelled {
		// The design keeps its stage and the check can be requested again.
		p.log.Info("compliance check abandoned", "design_id", input.DesignID, "version_id", input.ID, "error", err)
		return
	}

	ctx := context.WithoutCancel(p.bgCtx)
	unlock := p.lock(input.DesignID)
	defer unlock()
	design, err2 := p.store.GetDesign(ctx, input.DesignID)
	if err2 != nil {
		p.log.Error("load design after compliance", "design_id", input.DesignID, "error", err2)
		return
	}
	if err != nil {
		if design.HeadVersionID == input.ID {
			p.fail(ctx, input.DesignID, ActionCompliance, err, nil)
		}
		return
	}
	re := events.New(events.TypeReportCreated, input.DesignID)
	re.VersionID = &input.ID
	re.Data = map[string]interface{}{"reportId": report.ID, "overallCompliance": report.OverallCompliance, "score": report.Score, "partial": report.Partial}
	p.emit(re)

	checked := payload.Clone()
	checked.ComplianceReportID = &report.ID
	if _, _, err := p.commit(ctx, input, versions.CommitInput{Stage: models.StageComplianceChecked, Payload: checked, AuthoredBy: "job:" + ActionCompliance}); err != nil {
		p.fail(ctx, input.DesignID, ActionCompliance, err, nil)
	}
}

// Export submits an encoding job. Only a ComplianceChecked design whose report is compliant, or
// whose violations the caller acknowledged, may be exported.
func (p *Pipeline) Export(ctx context.Context, designID uuid.UUID, format string, acknowledgeViolations bool) (models.Job, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if !capability.SupportedFormat(format) {
		return models.Job{}, errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("unsupported export format %q", format), nil)
	}
	unlock := p.lock(designID)
	defer unlock()

	design, head, err := p.load(ctx, designID)
	if err != nil {
		return models.Job{}, err
	}
	if err := requireStage(design, head, "export", models.StageComplianceChecked); err != nil {
		return models.Job{}, err
	}
	payload, err := p.versions.Payload(ctx, head)
	if err != nil {
		return models.Job{}, err
	}
	if payload.ComplianceReportID == nil {
		return models.Job{}, errs.E(errs.Fatal, errs.CodeInternal, "compliance checked version has no report", nil)
	}
	report, err := p.store.GetReport(ctx, *payload.ComplianceReportID)
	if err != nil {
		return models.Job{}, fmt.Errorf("load compliance report: %w", err)
	}
	if !report.OverallCompliance && !acknowledgeViolations {
		msg := fmt.Sprintf("design has %d compliance violations; acknowledge them to export", len(report.Violations))
		if report.Partial {
			msg = fmt.Sprintf("compliance report is partial (%s not evaluated); acknowledge to export", strings.Join(report.Unevaluated, ", "))
		}
		return models.Job{}, errs.E(errs.Policy, errs.CodeNonCompliant, msg, nil)
	}
	params, err := json.Marshal(capability.ExportRequest{Format: format, Payload: payload})
	if err != nil {
		return models.Job{}, err
	}
	return p.submit(ctx, ActionExport, models.JobExport, head, params)
}

// Rollback commits a version with an ancestor's content and stage on top of the head. History
// is never rewritten; rolling back twice yields two versions with identical content. Rolling back
// to an Uploaded version submits its analysis again.
func (p *Pipeline) Rollback(ctx context.Context, designID, ancestorID uuid.UUID, author string) (models.DesignVersion, error) {
	unlock := p.lock(designID)
	defer unlock()

	_, head, err := p.load(ctx, designID)
	if err != nil {
		return models.DesignVersion{}, err
	}
	ok, err := p.isAncestor(ctx, head, ancestorID)
	if err != nil {
		return models.DesignVersion{}, err
	}
	if !ok {
		return models.DesignVersion{}, errs.E(errs.Validation, errs.CodeInvalidInput, "version is not an ancestor of the current head", nil)
	}
	ancestor, err := p.versions.Get(ctx, ancestorID)
	if err != nil {
		return models.DesignVersion{}, err
	}
	payload, err := p.versions.Payload(ctx, ancestor)
	if err != nil {
		return models.DesignVersion{}, err
	}
	v, advanced, err := p.commit(ctx, head, versions.CommitInput{
		RolledBackFrom: &ancestor.ID,
		Stage:          ancestor.Stage,
		Payload:        payload,
		AuthoredBy:     author,
	})
	if err != nil {
		return models.DesignVersion{}, err
	}
	if !advanced {
		return v, errs.E(errs.Conflict, errs.CodeEditConflict, "the design changed during rollback; reload and try again", nil)
	}
	p.log.Info("design rolled back", "design_id", designID, "ancestor_id", ancestor.ID, "version_id", v.ID)
	if v.Stage == models.StageUploaded {
		params, err := json.Marshal(capability.AnalyzeRequest{SketchRef: payload.SketchRef, Metadata: payload.Metadata})
		if err != nil {
			return v, err
		}
		// The rollback stands either way; a recorded failure lets Retry resubmit the analysis.
		if job, err := p.submit(ctx, ActionAnalyze, models.JobAnalyze, v, params); err != nil && job.ID == uuid.Nil {
			p.fail(ctx, designID, ActionAnalyze, err, nil)
		}
	}
	return v, nil
}

// isAncestor walks parent and merge links back from head.
func (p *Pipeline) isAncestor(ctx context.Context, head models.DesignVersion, id uuid.UUID) (bool, error) {
	seen := map[uuid.UUID]bool{}
	queue := []models.DesignVersion{head}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		var links []uuid.UUID
		if v.ParentID != nil {
			links = append(links, *v.ParentID)
		}
		links = append(links, v.MergedFrom...)
		for _, l := range links {
			if l == id {
				return true, nil
			}
			if seen[l] {
				continue
			}
			seen[l] = true
			parent, err := p.versions.Get(ctx, l)
			if err != nil {
				return false, err
			}
			queue = append(queue, parent)
		}
	}
	return false, nil
}

// Retry resubmits the action recorded on the design's failure against the head. A failed
// compliance run is requested again and yields no job.
func (p *Pipeline) Retry(ctx context.Context, designID uuid.UUID) (*models.Job, error) {
	job, rerunCompliance, err := p.retry(ctx, designID)
	if err != nil || !rerunCompliance {
		return job, err
	}
	_, err = p.RequestCompliance(ctx, designID, nil)
	return nil, err
}

func (p *Pipeline) retry(ctx context.Context, designID uuid.UUID) (*models.Job, bool, error) {
	unlock := p.lock(designID)
	defer unlock()

	design, head, err := p.load(ctx, designID)
	if err != nil {
		return nil, false, err
	}
	if design.Failure == nil {
		return nil, false, errs.E(errs.Validation, errs.CodeInvalidStage, "design has no failed action to retry", nil)
	}
	failure := *design.Failure

	if failure.Action == ActionCompliance {
		design.Failure = nil
		if err := requireStage(design, head, "check compliance of", editable...); err != nil {
			return nil, false, err
		}
		if err := p.store.SetFailure(ctx, designID, nil); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	kind, params, err := p.retryParams(ctx, failure, head)
	if err != nil {
		return nil, false, err
	}
	if err := p.store.SetFailure(ctx, designID, nil); err != nil {
		return nil, false, err
	}
	job, err := p.submit(ctx, failure.Action, kind, head, params)
	if err != nil {
		return nil, false, err
	}
	p.log.Info("failed action retried", "design_id", designID, "action", failure.Action, "job_id", job.ID)
	return &job, false, nil
}

// retryParams reuses the failed job's parameters while the scheduler still knows the job, and
// rebuilds them from the head otherwise.
func (p *Pipeline) retryParams(ctx context.Context, f models.Failure, head models.DesignVersion) (models.JobKind, []byte, error) {
	if f.JobID != nil {
		if job, err := p.jobs.Status(*f.JobID); err == nil && len(job.Params) > 0 {
			return job.Kind, job.Params, nil
		}
	}
	payload, err := p.versions.Payload(ctx, head)
	if err != nil {
		return "", nil, err
	}
	var (
		kind models.JobKind
		req  interface{}
	)
	switch f.Action {
	case ActionAnalyze:
		kind, req = models.JobAnalyze, capability.AnalyzeRequest{SketchRef: payload.SketchRef, Metadata: payload.Metadata}
	case ActionRender:
		kind, req = models.JobRender, capability.RenderRequest{Elements: payload.Elements, Preferences: payload.Metadata}
	case ActionLighting:
		kind, req = models.JobSimulateLighting, capability.RenderRequest{Elements: payload.Elements, Preferences: payload.Metadata}
	default:
		return "", nil, errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("%s can no longer be retried; request it again", f.Action), nil)
	}
	params, err := json.Marshal(req)
	return kind, params, err
}

// CancelJob cancels an in-flight job of the design.
func (p *Pipeline) CancelJob(ctx context.Context, designID, jobID uuid.UUID) (bool, error) {
	if _, err := p.Job(designID, jobID); err != nil {
		return false, err
	}
	return p.jobs.Cancel(jobID), nil
}

// Resolve reconciles two branches of the design under the design lock.
func (p *Pipeline) Resolve(ctx context.Context, designID, a, b uuid.UUID, res conflict.Resolution) (models.DesignVersion, error) {
	unlock := p.lock(designID)
	defer unlock()
	v, err := p.resolver.Resolve(ctx, designID, a, b, res)
	if err != nil {
		return v, err
	}
	p.emitStage(v)
	return v, nil
}

// Conflicts lists unreconciled overlapping branches of the design.
func (p *Pipeline) Conflicts(ctx context.Context, designID uuid.UUID) ([]conflict.Pair, error) {
	return p.resolver.Detect(ctx, designID)
}
