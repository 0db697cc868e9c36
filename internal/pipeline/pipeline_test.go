package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/design-core/internal/artifacts"
	"github.com/ILLUVRSE/design-core/internal/canonical"
	"github.com/ILLUVRSE/design-core/internal/capability"
	"github.com/ILLUVRSE/design-core/internal/compliance"
	"github.com/ILLUVRSE/design-core/internal/conflict"
	"github.com/ILLUVRSE/design-core/internal/errs"
	"github.com/ILLUVRSE/design-core/internal/events"
	"github.com/ILLUVRSE/design-core/internal/models"
	"github.com/ILLUVRSE/design-core/internal/scheduler"
	"github.com/ILLUVRSE/design-core/internal/store"
	"github.com/ILLUVRSE/design-core/internal/versions"
)

// gate blocks a handler until released. Released gates pass straight through.
type gate struct {
	mu      sync.Mutex
	open    bool
	release chan struct{}
	params  []json.RawMessage
}

func newGate(open bool) *gate {
	return &gate{open: open, release: make(chan struct{})}
}

func (g *gate) wrap(h scheduler.Handler) scheduler.Handler {
	return scheduler.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		g.mu.Lock()
		g.params = append(g.params, job.Params)
		open := g.open
		g.mu.Unlock()
		if !open {
			select {
			case <-g.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return h.Invoke(ctx, job)
	})
}

func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.release)
	}
}

func (g *gate) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.params)
}

func (g *gate) lastParams() json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.params) == 0 {
		return nil
	}
	return g.params[len(g.params)-1]
}

type harness struct {
	pipeline *Pipeline
	store    *store.MemoryStore
	versions *versions.Service
	jobs     *scheduler.Scheduler
	events   *events.Memory
	render   *gate
}

type harnessOpts struct {
	renderGate     *gate
	complianceGate *gate
	renderDeadline time.Duration
	autoRender     bool
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.renderGate == nil {
		opts.renderGate = newGate(true)
	}
	if opts.complianceGate == nil {
		opts.complianceGate = newGate(true)
	}
	if opts.renderDeadline == 0 {
		opts.renderDeadline = 2 * time.Second
	}
	st := store.NewMemoryStore()
	vs := versions.NewService(st, artifacts.NewMemoryStore(), nil)

	handlers := capability.StaticSet().Handlers()
	handlers[models.JobRender] = opts.renderGate.wrap(handlers[models.JobRender])
	handlers[models.JobCheckCompliance] = opts.complianceGate.wrap(handlers[models.JobCheckCompliance])
	kinds := map[models.JobKind]scheduler.KindConfig{}
	for _, k := range models.JobKinds {
		kinds[k] = scheduler.KindConfig{Workers: 2, QueueCapacity: 16, Deadline: 2 * time.Second}
	}
	kinds[models.JobRender] = scheduler.KindConfig{Workers: 2, QueueCapacity: 16, Deadline: opts.renderDeadline}
	jobs, err := scheduler.New(scheduler.Config{
		PollInterval: 10 * time.Millisecond,
		Retry:        scheduler.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Breaker:      scheduler.BreakerConfig{Window: time.Minute, MinRequests: 100, ErrorRateThreshold: 0.5, Cooldown: time.Minute},
		Kinds:        kinds,
	}, handlers, nil)
	require.NoError(t, err)

	catalog := []compliance.RuleSet{{ID: "fire", Mandatory: true}, {ID: "ada", Mandatory: true}, {ID: "energy"}, {ID: "ibc"}}
	agg := compliance.NewAggregator(jobs, st, catalog, 2*time.Second, nil)
	mem := events.NewMemory()
	p := New(Config{AutoRender: opts.autoRender}, st, vs, jobs, agg, conflict.NewResolver(vs, st, nil), mem, nil)
	t.Cleanup(p.Close)
	jobs.Start(context.Background())
	t.Cleanup(jobs.Stop)
	return &harness{pipeline: p, store: st, versions: vs, jobs: jobs, events: mem, render: opts.renderGate}
}

func (h *harness) status(t *testing.T, id uuid.UUID) Status {
	t.Helper()
	st, err := h.pipeline.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (h *harness) waitStage(t *testing.T, id uuid.UUID, stage models.Stage) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.status(t, id).Stage == stage
	}, 3*time.Second, 10*time.Millisecond, "design never reached %s", stage)
	return h.status(t, id)
}

func (h *harness) waitIdle(t *testing.T, id uuid.UUID) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		st := h.status(t, id)
		return len(st.PendingJobs) == 0 && !st.Checking
	}, 3*time.Second, 10*time.Millisecond)
	return h.status(t, id)
}

func (h *harness) payload(t *testing.T, v models.DesignVersion) models.Payload {
	t.Helper()
	p, err := h.versions.Payload(context.Background(), v)
	require.NoError(t, err)
	return p
}

func upload(t *testing.T, h *harness, metadata map[string]string) models.Design {
	t.Helper()
	d, job, err := h.pipeline.Upload(context.Background(), UploadRequest{Owner: "ana", SketchRef: "mem://sketches/1.png", Metadata: metadata})
	require.NoError(t, err)
	assert.Equal(t, models.JobAnalyze, job.Kind)
	return d
}

// visualized uploads a design and waits until it has been analyzed and rendered.
func visualized(t *testing.T, h *harness, elements string) Status {
	t.Helper()
	d := upload(t, h, map[string]string{"elements": elements})
	return h.waitStage(t, d.ID, models.StageVisualized)
}

func TestUploadAnalyzesAndRenders(t *testing.T) {
	h := newHarness(t, harnessOpts{autoRender: true})
	st := visualized(t, h, "wall,wall,wall,door")

	payload := h.payload(t, st.Head)
	require.Len(t, payload.Elements, 4)
	for _, el := range payload.Elements {
		assert.NotEmpty(t, el.RenderRef, el.ID)
		assert.GreaterOrEqual(t, el.Confidence, 0.0)
		assert.LessOrEqual(t, el.Confidence, 1.0)
	}
	assert.NotEmpty(t, payload.Artifacts["render"])

	history, err := h.versions.History(context.Background(), st.Design.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []models.Stage{models.StageUploaded, models.StageAnalyzed, models.StageVisualized},
		[]models.Stage{history[0].Stage, history[1].Stage, history[2].Stage})

	require.Eventually(t, func() bool {
		return len(h.events.OfType(events.TypeJobCompleted)) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestUploadValidatesInput(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, _, err := h.pipeline.Upload(context.Background(), UploadRequest{Owner: "ana"})
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestAmbiguousAnalysisStaysUploaded(t *testing.T) {
	h := newHarness(t, harnessOpts{autoRender: true})
	d := upload(t, h, map[string]string{"elements": "wall,wall,wall,door", "ambiguous": "is the mark near wall-2 a door?"})

	require.Eventually(t, func() bool {
		return h.status(t, d.ID).Clarification != nil
	}, 3*time.Second, 10*time.Millisecond)
	st := h.status(t, d.ID)
	assert.Equal(t, models.StageUploaded, st.Stage)
	assert.Nil(t, st.Failure)
	assert.Equal(t, d.HeadVersionID, st.Head.ID)
	assert.Equal(t, []string{"is the mark near wall-2 a door?"}, st.Clarification.Questions)

	_, err := h.pipeline.Clarify(context.Background(), d.ID, []string{"yes, a door"})
	require.NoError(t, err)
	st = h.waitStage(t, d.ID, models.StageVisualized)
	assert.Nil(t, st.Clarification)
}

func TestClarifyRequiresPendingQuestion(t *testing.T) {
	h := newHarness(t, harnessOpts{autoRender: true})
	st := visualized(t, h, "wall")
	_, err := h.pipeline.Clarify(context.Background(), st.Design.ID, []string{"hint"})
	assert.Equal(t, errs.CodeInvalidStage, errs.CodeOf(err))
}

func TestValidateElements(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.NoError(t, h.pipeline.validateElements([]models.Element{{ID: "w1", Type: "wall", Confidence: 0.4}}))

	err := h.pipeline.validateElements([]models.Element{{ID: "w1", Type: "wall", Confidence: 1.5}})
	assert.Equal(t, errs.Validation, errs.KindOf(err))
	err = h.pipeline.validateElements([]models.Element{{ID: "w1", Type: "wall"}, {ID: "w1", Type: "door"}})
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestRenderTimeoutKeepsPriorHead(t *testing.T) {
	g := newGate(false)
	h := newHarness(t, harnessOpts{autoRender: true, renderGate: g, renderDeadline: 50 * time.Millisecond})
	d := upload(t, h, map[string]string{"elements": "wall,door"})

	st := h.waitStage(t, d.ID, models.StageFailed)
	assert.Equal(t, models.StageAnalyzed, st.Head.Stage)
	require.NotNil(t, st.Failure)
	assert.Equal(t, ActionRender, st.Failure.Action)
	assert.Equal(t, errs.CodeTimeout, st.Failure.Code)
	analyzedHead := st.Head.ID

	g.Open()
	job, err := h.pipeline.Retry(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobRender, job.Kind)
	st = h.waitStage(t, d.ID, models.StageVisualized)
	require.NotNil(t, st.Head.ParentID)
	assert.Equal(t, analyzedHead, *st.Head.ParentID)
}

func TestManualRenderWhenAutoRenderOff(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	d := upload(t, h, map[string]string{"elements": "wall"})
	h.waitStage(t, d.ID, models.StageAnalyzed)
	h.waitIdle(t, d.ID)

	_, err := h.pipeline.Render(context.Background(), d.ID)
	require.NoError(t, err)
	h.waitStage(t, d.ID, models.StageVisualized)
}

func TestRefineRerendersOnlyEditedElements(t *testing.T) {
	h := newHarness(t, harnessOpts{autoRender: true})
	st := visualized(t, h, "wall,wall,wall,door")
	before := h.payload(t, st.Head)
	renders := h.render.calls()

	edit := before.ElementByID()["wall-2"]
	edit.Label = "load bearing"
	res, err := h.pipeline.Refine(context.Background(), st.Design.ID, RefineRequest{Upserts: []models.Element{edit}, AuthoredBy: "ana"})
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	assert.Equal(t, models.StageRefining, res.Version.Stage)
	assert.Equal(t, []string{"wall-2"}, res.Version.Changed)

	refined := h.payload(t, res.Version)
	for _, el := range before.Elements {
		if el.ID == "wall-2" {
			continue
		}
		same, err := canonical.Equal(el, refined.ElementByID()[el.ID])
		require.NoError(t, err)
		assert.True(t, same, "element %s changed", el.ID)
	}
	assert.Empty(t, refined.ElementByID()["wall-2"].RenderRef)

	require.Eventually(t, func() bool { return h.render.calls() > renders }, time.Second, 10*time.Millisecond)
	var req capability.RenderRequest
	require.NoError(t, json.Unmarshal(h.render.lastParams(), &req))
	require.Len(t, req.Elements, 1)
	assert.Equal(t, "wall-2", req.Elements[0].ID)

	st = h.waitStage(t, st.Design.ID, models.StageVisualized)
	after := h.payload(t, st.Head)
	assert.NotEmpty(t, after.ElementByID()["wall-2"].RenderRef)
	assert.Equal(t, before.ElementByID()["wall-1"].RenderRef, after.ElementByID()["wall-1"].RenderRef)
}

func TestRefineRejectedBeforeVisualized(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	d := upload(t, h, map[string]string{"elements": "wall"})
	h.waitStage(t, d.ID, models.StageAnalyzed)

	_, err := h.pipeline.Refine(context.Background(), d.ID, RefineRequest{Remove: []string{"wall-1"}})
	assert.Equal(t, errs.CodeInvalidStage, errs.CodeOf(err))
}

func TestStaleRefineMergesOrConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{autoRender: true})
	st := visualized(t, h, "wall,wall,door")
	base := st.Head
	elements := h.payload(t, base).ElementByID()

	w1 := elements["wall-1"]
	w1.Label = "north"
	_, err := h.pipeline.Refine(ctx, st.Design.ID, RefineRequest{Upserts: []models.Element{w1}})
	require.NoError(t, err)
	h.waitIdle(t, st.Design.ID)

	d1 := elements["door-1"]
	d1.Label = "entry"
	merged, err := h.pipeline.Refine(ctx, st.Design.ID, RefineRequest{BaseVersionID: &base.ID, Upserts: []models.Element{d1}})
	require.NoError(t, err)
	assert.Len(t, merged.Version.MergedFrom, 2)
	mp := h.payload(t, merged.Version)
	assert.Equal(t, "north", mp.ElementByID()["wall-1"].Label)
	assert.Equal(t, "entry", mp.ElementByID()["door-1"].Label)
	h.waitIdle(t, st.Design.ID)

	headBefore := h.status(t, st.Design.ID).Head.ID
	w1.Label = "south"
	res, err := h.pipeline.Refine(ctx, st.Design.ID, RefineRequest{BaseVersionID: &base.ID, Upserts: []models.Element{w1}})
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
	pair, ok := conflict.AsError(err)
	require.True(t, ok)
	assert.Equal(t, headBefore, pair.A)
	assert.Equal(t, res.Version.ID, pair.B)
	assert.Equal(t, []string{"wall-1"}, pair.Elements)
	assert.Equal(t, headBefore, h.status(t, st.Design.ID).Head.ID)

	resolved, err := h.pipeline.Resolve(ctx, st.Design.ID, pair.A, pair.B, conflict.Resolution{Strategy: conflict.KeepB})
	require.NoError(t, err)
	assert.Equal(t, resolved.ID, h.status(t, st.Design.ID).Head.ID)
}

func TestComplianceAndExportPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{autoRender: true})
	st := visualized(t, h, "wall,wall,door")

	_, err := h.pipeline.Export(ctx, st.Design.ID, "ifc", false)
	assert.Equal(t, errs.CodeInvalidStage, errs.CodeOf(err))

	ticket, err := h.pipeline.RequestCompliance(ctx, st.Design.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, st.Head.ID, ticket.VersionID)
	st = h.waitStage(t, st.Design.ID, models.StageComplianceChecked)

	payload := h.payload(t, st.Head)
	require.NotNil(t, payload.ComplianceReportID)
	report, err := h.store.GetReport(ctx, *payload.ComplianceReportID)
	require.NoError(t, err)
	assert.False(t, report.OverallCompliance)
	assert.Equal(t, "FIRE-EXIT-1", report.Violations[0].RuleCode)
	assert.InDelta(t, 0.7, report.Score, 1e-9)

	_, err = h.pipeline.Export(ctx, st.Design.ID, "ifc", false)
	require.Error(t, err)
	assert.Equal(t, errs.Policy, errs.KindOf(err))
	assert.Equal(t, errs.CodeNonCompliant, errs.CodeOf(err))

	_, err = h.pipeline.Export(ctx, st.Design.ID, "obj", true)
	assert.Equal(t, errs.Validation, errs.KindOf(err))

	job, err := h.pipeline.Export(ctx, st.Design.ID, "IFC", true)
	require.NoError(t, err)
	assert.Equal(t, models.JobExport, job.Kind)
	st = h.waitStage(t, st.Design.ID, models.StageExported)
	assert.NotEmpty(t, h.payload(t, st.Head).Artifacts["export:ifc"])
}

func TestCompliantDesignExportsWithoutAcknowledgement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{autoRender: true})
	st := visualized(t, h, "wall,exit")

	_, err := h.pipeline.RequestCompliance(ctx, st.Design.ID, []string{"energy"})
	require.NoError(t, err)
	h.waitStage(t, st.Design.ID, models.StageComplianceChecked)

	_, err = h.pipeline.Export(ctx, st.Design.ID, "pdf", false)
	require.NoError(t, err)
	h.waitStage(t, st.Design.ID, models.StageExported)
}

func TestRequestComplianceRejectsUnknownRuleSet(t *testing.T) {
	h := newHarness(t, harnessOpts{autoRender: true})
	st := visualized(t, h, "wall")
	_, err := h.pipeline.RequestCompliance(context.Background(), st.Design.ID, []string{"zoning"})
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestRollbackTwiceYieldsIdenticalContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{autoRender: true})
	st := visualized(t, h, "wall,door")

	history, err := h.versions.History(ctx, st.Design.ID)
	require.NoError(t, err)
	analyzed := history[1]
	require.Equal(t, models.StageAnalyzed, analyzed.Stage)

	first, err := h.pipeline.Rollback(ctx, st.Design.ID, analyzed.ID, "ana")
	require.NoError(t, err)
	second, err := h.pipeline.Rollback(ctx, st.Design.ID, analyzed.ID, "ana")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, analyzed.ContentHash, first.ContentHash)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, models.StageAnalyzed, second.Stage)
	require.NotNil(t, second.RolledBackFrom)
	assert.Equal(t, analyzed.ID, *second.RolledBackFrom)
	assert.Equal(t, first.ID, *second.ParentID)

	after, err := h.versions.History(ctx, st.Design.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(history)+2)

	_, err = h.pipeline.Rollback(ctx, st.Design.ID, uuid.New(), "ana")
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestSupersededCompletionDoesNotMoveHead(t *testing.T) {
	ctx := context.Background()
	g := newGate(false)
	h := newHarness(t, harnessOpts{renderGate: g})
	d := upload(t, h, map[string]string{"elements": "wall,door"})
	h.waitStage(t, d.ID, models.StageAnalyzed)
	_, err := h.pipeline.Render(ctx, d.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.calls() > 0 }, time.Second, 10*time.Millisecond)

	rolled, err := h.pipeline.Rollback(ctx, d.ID, d.HeadVersionID, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.StageUploaded, rolled.Stage)
	st := h.waitStage(t, d.ID, models.StageAnalyzed)
	require.NotNil(t, st.Head.ParentID)
	assert.Equal(t, rolled.ID, *st.Head.ParentID)

	g.Open()
	require.Eventually(t, func() bool {
		history, err := h.versions.History(ctx, d.ID)
		if err != nil {
			return false
		}
		for _, v := range history {
			if v.Stage == models.StageVisualized {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	after := h.waitIdle(t, d.ID)
	assert.Equal(t, st.Head.ID, after.Head.ID)
	assert.Equal(t, models.StageAnalyzed, after.Stage)
	assert.Nil(t, after.Failure)
}

func TestRollbackToRootReanalyzes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{autoRender: true})
	st := visualized(t, h, "wall,door")

	rolled, err := h.pipeline.Rollback(ctx, st.Design.ID, st.Design.VersionIDs[0], "ana")
	require.NoError(t, err)
	assert.Equal(t, models.StageUploaded, rolled.Stage)

	st = h.waitStage(t, st.Design.ID, models.StageVisualized)
	history, err := h.versions.History(ctx, st.Design.ID)
	require.NoError(t, err)
	require.Len(t, history, 6)
	assert.Equal(t, []models.Stage{models.StageUploaded, models.StageAnalyzed, models.StageVisualized},
		[]models.Stage{history[3].Stage, history[4].Stage, history[5].Stage})
	assert.Equal(t, rolled.ID, history[3].ID)
	assert.Len(t, h.payload(t, st.Head).Elements, 2)
}

func TestShutdownDuringComplianceCommitsNothing(t *testing.T) {
	ctx := context.Background()
	g := newGate(false)
	h := newHarness(t, harnessOpts{autoRender: true, complianceGate: g})
	st := visualized(t, h, "wall,door")

	_, err := h.pipeline.RequestCompliance(ctx, st.Design.ID, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.calls() > 0 }, time.Second, 10*time.Millisecond)

	h.jobs.Stop()
	h.pipeline.Close()

	after := h.status(t, st.Design.ID)
	assert.Equal(t, st.Head.ID, after.Head.ID)
	assert.Equal(t, models.StageVisualized, after.Stage)
	assert.Nil(t, after.Failure)
	assert.False(t, after.Checking)
	history, err := h.versions.History(ctx, st.Design.ID)
	require.NoError(t, err)
	for _, v := range history {
		assert.NotEqual(t, models.StageComplianceChecked, v.Stage)
	}
	assert.Empty(t, h.events.OfType(events.TypeReportCreated))
}

func TestCancelJobRecordsFailureAndRetries(t *testing.T) {
	ctx := context.Background()
	g := newGate(false)
	h := newHarness(t, harnessOpts{autoRender: true, renderGate: g})
	d := upload(t, h, map[string]string{"elements": "wall"})
	h.waitStage(t, d.ID, models.StageAnalyzed)

	var renderJob models.Job
	require.Eventually(t, func() bool {
		for _, j := range h.status(t, d.ID).PendingJobs {
			if j.Kind == models.JobRender {
				renderJob = j
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	ok, err := h.pipeline.CancelJob(ctx, d.ID, renderJob.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	st := h.waitStage(t, d.ID, models.StageFailed)
	assert.Equal(t, errs.CodeCancelled, st.Failure.Code)

	_, err = h.pipeline.CancelJob(ctx, uuid.New(), renderJob.ID)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))

	g.Open()
	_, err = h.pipeline.Retry(ctx, d.ID)
	require.NoError(t, err)
	h.waitStage(t, d.ID, models.StageVisualized)

	_, err = h.pipeline.Retry(ctx, d.ID)
	assert.Equal(t, errs.CodeInvalidStage, errs.CodeOf(err))
}

func TestWalkthroughKeepsStage(t *testing.T) {
	h := newHarness(t, harnessOpts{autoRender: true})
	st := visualized(t, h, "wall,window")

	_, err := h.pipeline.Walkthrough(context.Background(), st.Design.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		head := h.status(t, st.Design.ID).Head
		return head.ID != st.Head.ID && h.payload(t, head).Artifacts["walkthrough"] != ""
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StageVisualized, h.status(t, st.Design.ID).Stage)
}

func TestApplyEdits(t *testing.T) {
	base := models.Payload{Elements: []models.Element{
		{ID: "a", Type: "wall", RenderRef: "r/a"},
		{ID: "b", Type: "wall", RenderRef: "r/b"},
	}}
	out, err := applyEdits(base, []models.Element{{ID: "c", Type: "door", RenderRef: "ignored"}}, []string{"a"})
	require.NoError(t, err)
	require.Len(t, out.Elements, 2)
	assert.Equal(t, "b", out.Elements[0].ID)
	assert.Equal(t, "r/b", out.Elements[0].RenderRef)
	assert.Equal(t, "c", out.Elements[1].ID)
	assert.Empty(t, out.Elements[1].RenderRef)
	assert.Len(t, base.Elements, 2)

	_, err = applyEdits(base, nil, []string{"zz"})
	assert.Equal(t, errs.Validation, errs.KindOf(err))
	_, err = applyEdits(base, []models.Element{{ID: "a", Type: "wall"}}, []string{"a"})
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}
