// Package pipeline drives a design through upload, analysis, rendering, refinement, compliance and
// export. It issues jobs and reacts to their completion events; it never waits on a capability.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/design-core/internal/conflict"
	"github.com/ILLUVRSE/design-core/internal/errs"
	"github.com/ILLUVRSE/design-core/internal/events"
	"github.com/ILLUVRSE/design-core/internal/logging"
	"github.com/ILLUVRSE/design-core/internal/models"
	"github.com/ILLUVRSE/design-core/internal/scheduler"
	"github.com/ILLUVRSE/design-core/internal/store"
	"github.com/ILLUVRSE/design-core/internal/versions"
)

// Actions recorded on a design's failure record; Retry resubmits by action.
const (
	ActionAnalyze    = "analyze"
	ActionRender     = "render"
	ActionLighting   = "simulate-lighting"
	ActionCompliance = "compliance"
	ActionExport     = "export"
)

// Jobs is the part of the scheduler the pipeline drives.
type Jobs interface {
	Submit(ctx context.Context, req scheduler.JobRequest) (models.Job, error)
	Status(id uuid.UUID) (models.Job, error)
	Cancel(id uuid.UUID) bool
	Subscribe(l scheduler.Listener)
}

// Compliance evaluates a version against rule-sets and persists the report.
type Compliance interface {
	Resolve(requested []string) ([]string, error)
	Evaluate(ctx context.Context, version models.DesignVersion, payload models.Payload, ruleSets []string) (models.ComplianceReport, error)
}

type Config struct {
	// AutoRender submits a render as soon as an analysis succeeds.
	AutoRender bool
	// EventBuffer bounds events waiting for the publisher. Defaults to 256.
	EventBuffer int
}

type pendingJob struct {
	action         string
	designID       uuid.UUID
	inputVersionID uuid.UUID
}

type Pipeline struct {
	cfg        Config
	store      store.Store
	versions   *versions.Service
	jobs       Jobs
	compliance Compliance
	resolver   *conflict.Resolver
	publisher  events.Publisher
	validate   *validator.Validate
	log        *logging.Logger
	now        func() time.Time

	mu       sync.Mutex
	locks    map[uuid.UUID]*sync.Mutex
	pending  map[uuid.UUID]pendingJob
	checking map[uuid.UUID]bool
	closed   bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
	outbox   chan events.Event
	done     chan struct{}
}

// New wires the pipeline and subscribes it to job completions.
func New(cfg Config, st store.Store, vs *versions.Service, jobs Jobs, compliance Compliance, resolver *conflict.Resolver, publisher events.Publisher, log *logging.Logger) *Pipeline {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        cfg,
		store:      st,
		versions:   vs,
		jobs:       jobs,
		compliance: compliance,
		resolver:   resolver,
		publisher:  publisher,
		validate:   validator.New(),
		log:        logging.OrNop(log).With("component", "pipeline"),
		now:        time.Now,
		locks:      map[uuid.UUID]*sync.Mutex{},
		pending:    map[uuid.UUID]pendingJob{},
		checking:   map[uuid.UUID]bool{},
		bgCtx:      bgCtx,
		bgCancel:   cancel,
		outbox:     make(chan events.Event, cfg.EventBuffer),
		done:       make(chan struct{}),
	}
	go p.publish()
	jobs.Subscribe(p.onJobDone)
	return p
}

// Close stops background compliance runs and flushes queued events.
func (p *Pipeline) Close() {
	p.bgCancel()
	p.bg.Wait()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.outbox)
	p.mu.Unlock()
	<-p.done
}

// Status is the externally visible state of a design.
type Status struct {
	Design        models.Design         `json:"design"`
	Stage         models.Stage          `json:"stage"`
	Head          models.DesignVersion  `json:"head"`
	PendingJobs   []models.Job          `json:"pendingJobs"`
	Failure       *models.Failure       `json:"failure,omitempty"`
	Clarification *models.Clarification `json:"clarification,omitempty"`
	Checking      bool                  `json:"complianceRunning"`
}

func (p *Pipeline) Status(ctx context.Context, designID uuid.UUID) (Status, error) {
	design, head, err := p.load(ctx, designID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Design:        design,
		Stage:         versions.DeriveStage(design, head),
		Head:          head,
		PendingJobs:   []models.Job{},
		Failure:       design.Failure,
		Clarification: design.Clarification,
	}
	p.mu.Lock()
	var ids []uuid.UUID
	for id, pj := range p.pending {
		if pj.designID == designID {
			ids = append(ids, id)
		}
	}
	st.Checking = p.checking[designID]
	p.mu.Unlock()
	for _, id := range ids {
		if job, err := p.jobs.Status(id); err == nil {
			st.PendingJobs = append(st.PendingJobs, job)
		}
	}
	sort.Slice(st.PendingJobs, func(i, j int) bool {
		return st.PendingJobs[i].SubmittedAt.Before(st.PendingJobs[j].SubmittedAt)
	})
	return st, nil
}

// Job returns a job submitted for the design.
func (p *Pipeline) Job(designID, jobID uuid.UUID) (models.Job, error) {
	job, err := p.jobs.Status(jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.DesignID != designID {
		return models.Job{}, errs.E(errs.Validation, errs.CodeNotFound, "job not found", nil)
	}
	return job, nil
}

func (p *Pipeline) lock(designID uuid.UUID) func() {
	p.mu.Lock()
	l, ok := p.locks[designID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[designID] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// load returns the design and its head version.
func (p *Pipeline) load(ctx context.Context, designID uuid.UUID) (models.Design, models.DesignVersion, error) {
	design, err := p.store.GetDesign(ctx, designID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Design{}, models.DesignVersion{}, errs.E(errs.Validation, errs.CodeNotFound, "design not found", err)
		}
		return models.Design{}, models.DesignVersion{}, err
	}
	if design.HeadVersionID == uuid.Nil {
		return models.Design{}, models.DesignVersion{}, errs.E(errs.Fatal, errs.CodeInternal, "design has no head version", nil)
	}
	head, err := p.versions.Get(ctx, design.HeadVersionID)
	if err != nil {
		return models.Design{}, models.DesignVersion{}, err
	}
	return design, head, nil
}

func requireStage(design models.Design, head models.DesignVersion, op string, allowed ...models.Stage) error {
	stage := versions.DeriveStage(design, head)
	for _, s := range allowed {
		if stage == s {
			return nil
		}
	}
	return errs.E(errs.Validation, errs.CodeInvalidStage, fmt.Sprintf("cannot %s a design in stage %s", op, stage), nil)
}

// submit enqueues a job for the design and tracks it. The caller holds the design lock.
// A short-circuited submission is recorded as the design's failure.
func (p *Pipeline) submit(ctx context.Context, action string, kind models.JobKind, input models.DesignVersion, params []byte) (models.Job, error) {
	job, err := p.jobs.Submit(ctx, scheduler.JobRequest{
		Kind:           kind,
		DesignID:       input.DesignID,
		InputVersionID: input.ID,
		InputRef:       input.PayloadRef,
		Params:         params,
	})
	if err != nil {
		if job.ID != uuid.Nil {
			p.fail(ctx, input.DesignID, action, err, &job.ID)
		}
		return job, err
	}
	p.mu.Lock()
	p.pending[job.ID] = pendingJob{action: action, designID: input.DesignID, inputVersionID: input.ID}
	p.mu.Unlock()
	p.log.Info("job submitted", "design_id", input.DesignID, "job_id", job.ID, "kind", kind, "version_id", input.ID, "backpressured", job.Backpressured)
	return job, nil
}

// fail records a failure on the design. The technical cause is logged; only the user message and
// code are stored.
func (p *Pipeline) fail(ctx context.Context, designID uuid.UUID, action string, cause error, jobID *uuid.UUID) {
	f := &models.Failure{
		Action:  action,
		Kind:    string(errs.KindOf(cause)),
		Code:    errs.CodeOf(cause),
		Message: errs.UserMessage(cause),
		JobID:   jobID,
		At:      p.now().UTC(),
	}
	p.log.Warn("design action failed", "design_id", designID, "action", action, "kind", f.Kind, "code", f.Code, "error", cause)
	if err := p.store.SetFailure(ctx, designID, f); err != nil {
		p.log.Error("record failure", "design_id", designID, "error", err)
		return
	}
	e := events.New(events.TypeStageChanged, designID)
	e.Stage = string(models.StageFailed)
	e.Data = f
	p.emit(e)
}

// commit appends a version on top of parent and moves the head to it if parent is still head.
// It reports whether the head moved.
func (p *Pipeline) commit(ctx context.Context, parent models.DesignVersion, in versions.CommitInput) (models.DesignVersion, bool, error) {
	in.DesignID = parent.DesignID
	in.ParentID = &parent.ID
	v, err := p.versions.Commit(ctx, in)
	if err != nil {
		return models.DesignVersion{}, false, err
	}
	e := events.New(events.TypeVersionCommitted, v.DesignID)
	e.VersionID = &v.ID
	e.Stage = string(v.Stage)
	p.emit(e)

	if err := p.store.AdvanceHead(ctx, v.DesignID, parent.ID, v.ID); err != nil {
		if errors.Is(err, store.ErrHeadMoved) {
			p.log.Info("version superseded; head unchanged", "design_id", v.DesignID, "version_id", v.ID, "parent_id", parent.ID)
			return v, false, nil
		}
		return v, false, fmt.Errorf("advance head: %w", err)
	}
	if v.Stage != parent.Stage {
		sc := events.New(events.TypeStageChanged, v.DesignID)
		sc.VersionID = &v.ID
		sc.Stage = string(v.Stage)
		p.emit(sc)
	}
	return v, true, nil
}

func (p *Pipeline) emit(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.outbox <- e:
	default:
		p.log.Warn("event dropped; publisher backlog full", "type", e.Type, "design_id", e.DesignID)
	}
}

func (p *Pipeline) publish() {
	defer close(p.done)
	for e := range p.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.publisher.Publish(ctx, e); err != nil {
			p.log.Error("publish event", "type", e.Type, "design_id", e.DesignID, "error", err)
		}
		cancel()
	}
}
