package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ILLUVRSE/design-core/internal/capability"
	"github.com/ILLUVRSE/design-core/internal/errs"
	"github.com/ILLUVRSE/design-core/internal/events"
	"github.com/ILLUVRSE/design-core/internal/models"
	"github.com/ILLUVRSE/design-core/internal/versions"
)

// onJobDone reacts to a terminal job. It runs on the scheduler's dispatcher goroutine and takes
// the design lock, so it cannot interleave with a user operation on the same design. Jobs the
// pipeline did not submit are ignored.
func (p *Pipeline) onJobDone(job models.Job) {
	unlock := p.lock(job.DesignID)
	defer unlock()

	p.mu.Lock()
	pj, ok := p.pending[job.ID]
	delete(p.pending, job.ID)
	p.mu.Unlock()
	if !ok {
		return
	}

	e := events.New(events.TypeJobCompleted, job.DesignID)
	e.JobID = &job.ID
	e.VersionID = &job.InputVersionID
	e.Data = map[string]interface{}{"kind": job.Kind, "status": job.Status, "attempts": job.Attempts, "error": job.LastError}
	p.emit(e)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	input, err := p.versions.Get(ctx, pj.inputVersionID)
	if err != nil {
		p.log.Error("load job input version", "job_id", job.ID, "version_id", pj.inputVersionID, "error", err)
		return
	}
	if job.Status != models.JobSucceeded {
		p.onJobFailed(ctx, pj, job, input)
		return
	}
	if err := p.onJobSucceeded(ctx, pj, job, input); err != nil {
		p.onJobError(ctx, pj, job, input, err)
	}
}

func (p *Pipeline) onJobSucceeded(ctx context.Context, pj pendingJob, job models.Job, input models.DesignVersion) error {
	payload, err := p.versions.Payload(ctx, input)
	if err != nil {
		return err
	}
	author := fmt.Sprintf("job:%s:%s", job.Kind, job.ID)

	switch pj.action {
	case ActionAnalyze:
		var res capability.AnalyzeResult
		if err := json.Unmarshal(job.Result, &res); err != nil {
			return errs.E(errs.Fatal, errs.CodeInternal, "analysis result unreadable", err)
		}
		if err := p.validateElements(res.Elements); err != nil {
			return err
		}
		next := payload.Clone()
		next.Elements = make([]models.Element, len(res.Elements))
		for i, el := range res.Elements {
			el.RenderRef = ""
			next.Elements[i] = el
		}
		v, advanced, err := p.commit(ctx, input, versions.CommitInput{Stage: models.StageAnalyzed, Payload: next, AuthoredBy: author})
		if err != nil {
			return err
		}
		if advanced && p.cfg.AutoRender {
			if _, err := p.submitRender(ctx, v); err != nil {
				p.log.Warn("auto render not submitted", "design_id", v.DesignID, "version_id", v.ID, "error", err)
			}
		}
		return nil

	case ActionRender:
		var res capability.RenderResult
		if err := json.Unmarshal(job.Result, &res); err != nil {
			return errs.E(errs.Fatal, errs.CodeInternal, "render result unreadable", err)
		}
		next := payload.Clone()
		for i, el := range next.Elements {
			if ref, ok := res.ElementRefs[el.ID]; ok {
				next.Elements[i].RenderRef = ref
			}
		}
		setArtifact(&next, "render", res.ArtifactRef)
		_, _, err := p.commit(ctx, input, versions.CommitInput{Stage: models.StageVisualized, Payload: next, AuthoredBy: author})
		return err

	case ActionLighting:
		var res capability.RenderResult
		if err := json.Unmarshal(job.Result, &res); err != nil {
			return errs.E(errs.Fatal, errs.CodeInternal, "walkthrough result unreadable", err)
		}
		next := payload.Clone()
		setArtifact(&next, "walkthrough", res.ArtifactRef)
		_, _, err := p.commit(ctx, input, versions.CommitInput{Stage: input.Stage, Payload: next, AuthoredBy: author})
		return err

	case ActionExport:
		var res capability.ExportResult
		if err := json.Unmarshal(job.Result, &res); err != nil {
			return errs.E(errs.Fatal, errs.CodeInternal, "export result unreadable", err)
		}
		next := payload.Clone()
		setArtifact(&next, "export:"+res.Format, res.ArtifactRef)
		_, _, err := p.commit(ctx, input, versions.CommitInput{Stage: models.StageExported, Payload: next, AuthoredBy: author})
		return err
	}
	return errs.E(errs.Fatal, errs.CodeInternal, fmt.Sprintf("no completion handler for %s", pj.action), nil)
}

// onJobFailed records the failure unless the job worked on a superseded version. An ambiguous
// analysis asks for clarification instead and leaves the design where it was.
func (p *Pipeline) onJobFailed(ctx context.Context, pj pendingJob, job models.Job, input models.DesignVersion) {
	design, err := p.store.GetDesign(ctx, job.DesignID)
	if err != nil {
		p.log.Error("load design for failed job", "design_id", job.DesignID, "job_id", job.ID, "error", err)
		return
	}
	if design.HeadVersionID != input.ID {
		p.log.Info("failure of superseded job ignored", "design_id", job.DesignID, "job_id", job.ID, "status", job.Status)
		return
	}
	jobErr := job.LastError
	if jobErr == nil {
		jobErr = &models.JobError{Kind: string(errs.Fatal), Code: errs.CodeInternal, Message: "job failed"}
	}
	if pj.action == ActionAnalyze && jobErr.Code == errs.CodeAmbiguousInput {
		c := &models.Clarification{JobID: job.ID, Message: jobErr.Message, At: p.now().UTC()}
		var res capability.AnalyzeResult
		if len(job.Result) > 0 && json.Unmarshal(job.Result, &res) == nil {
			c.Questions = res.Questions
			if res.Message != "" {
				c.Message = res.Message
			}
		}
		if err := p.store.SetClarification(ctx, job.DesignID, c); err != nil {
			p.log.Error("record clarification", "design_id", job.DesignID, "error", err)
			return
		}
		p.log.Info("analysis needs clarification", "design_id", job.DesignID, "job_id", job.ID, "questions", len(c.Questions))
		return
	}
	cause := errs.E(errs.Kind(jobErr.Kind), jobErr.Code, jobErr.Message, nil)
	p.fail(ctx, job.DesignID, pj.action, cause, &job.ID)
}

// onJobError handles a succeeded job whose result could not be applied.
func (p *Pipeline) onJobError(ctx context.Context, pj pendingJob, job models.Job, input models.DesignVersion, err error) {
	design, gerr := p.store.GetDesign(ctx, job.DesignID)
	if gerr != nil || design.HeadVersionID != input.ID {
		p.log.Warn("result of superseded job not applied", "design_id", job.DesignID, "job_id", job.ID, "error", err)
		return
	}
	p.fail(ctx, job.DesignID, pj.action, err, &job.ID)
}

// validateElements enforces the element schema on analysis output.
func (p *Pipeline) validateElements(elements []models.Element) error {
	seen := make(map[string]bool, len(elements))
	for _, el := range elements {
		if err := p.validate.Struct(el); err != nil {
			return errs.E(errs.Validation, errs.CodeInvalidInput, "analysis returned an invalid element", err)
		}
		if seen[el.ID] {
			return errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("analysis returned duplicate element %q", el.ID), nil)
		}
		seen[el.ID] = true
	}
	return nil
}

func setArtifact(p *models.Payload, key, ref string) {
	if ref == "" {
		return
	}
	if p.Artifacts == nil {
		p.Artifacts = map[string]string{}
	}
	p.Artifacts[key] = ref
}
