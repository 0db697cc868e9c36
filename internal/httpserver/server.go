package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ILLUVRSE/design-core/internal/auth"
	"github.com/ILLUVRSE/design-core/internal/compliance"
	"github.com/ILLUVRSE/design-core/internal/conflict"
	"github.com/ILLUVRSE/design-core/internal/errs"
	"github.com/ILLUVRSE/design-core/internal/logging"
	"github.com/ILLUVRSE/design-core/internal/models"
	"github.com/ILLUVRSE/design-core/internal/pipeline"
	"github.com/ILLUVRSE/design-core/internal/store"
	"github.com/ILLUVRSE/design-core/internal/versions"
)

const maxBodyBytes = 1 << 20

type Server struct {
	db       store.Store
	versions *versions.Service
	pipeline *pipeline.Pipeline
	catalog  []compliance.RuleSet
	verifier *auth.Verifier
	log      *logging.Logger
}

func New(db store.Store, vs *versions.Service, p *pipeline.Pipeline, catalog []compliance.RuleSet, verifier *auth.Verifier, log *logging.Logger) *Server {
	return &Server{
		db:       db,
		versions: vs,
		pipeline: p,
		catalog:  catalog,
		verifier: verifier,
		log:      logging.OrNop(log).With("component", "http"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/rule-sets", s.handleRuleSets)
	r.Get("/reports/{id}", s.handleGetReport)

	r.Route("/designs", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.writeAuthMiddleware)
			r.Post("/", s.handleUpload)
			r.Post("/{id}/clarify", s.handleClarify)
			r.Post("/{id}/render", s.handleRender)
			r.Post("/{id}/refine", s.handleRefine)
			r.Post("/{id}/walkthrough", s.handleWalkthrough)
			r.Post("/{id}/compliance", s.handleCompliance)
			r.Post("/{id}/export", s.handleExport)
			r.Post("/{id}/rollback", s.handleRollback)
			r.Post("/{id}/retry", s.handleRetry)
			r.Delete("/{id}/jobs/{jobId}", s.handleCancelJob)
			r.Post("/{id}/conflicts/resolve", s.handleResolve)
		})

		r.Get("/", s.handleListDesigns)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/versions", s.handleHistory)
		r.Get("/{id}/versions/{versionId}", s.handleGetVersion)
		r.Get("/{id}/diff", s.handleDiff)
		r.Get("/{id}/jobs/{jobId}", s.handleGetJob)
		r.Get("/{id}/conflicts", s.handleConflicts)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.db.Ping(ctx); err != nil {
		s.log.Warn("health check failed", "error", err)
		status["ok"] = false
		status["db"] = "down"
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

type ruleSetResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Mandatory bool   `json:"mandatory"`
}

func (s *Server) handleRuleSets(w http.ResponseWriter, r *http.Request) {
	out := make([]ruleSetResponse, 0, len(s.catalog))
	for _, rs := range s.catalog {
		out = append(out, ruleSetResponse{ID: rs.ID, Name: rs.Name, Mandatory: rs.Mandatory})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ruleSets": out})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	report, err := s.db.GetReport(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type uploadRequest struct {
	SketchRef string            `json:"sketchRef"`
	Metadata  map[string]string `json:"metadata"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	design, job, err := s.pipeline.Upload(r.Context(), pipeline.UploadRequest{
		Owner:     principal(r),
		SketchRef: req.SketchRef,
		Metadata:  req.Metadata,
	})
	if err != nil {
		if design.ID != uuid.Nil {
			// The design exists; its failure record tells the caller what to retry.
			respondJSON(w, http.StatusAccepted, map[string]interface{}{"design": design, "job": job, "error": errs.UserMessage(err)})
			return
		}
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"design": design, "job": job})
}

func (s *Server) handleListDesigns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	designs, err := s.db.ListDesigns(r.Context(), r.URL.Query().Get("owner"), limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"designs": designs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	st, err := s.pipeline.Status(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

type clarifyRequest struct {
	Hints []string `json:"hints"`
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req clarifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.pipeline.Clarify(r.Context(), id, req.Hints)
	s.respondJob(w, r, job, err)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := s.pipeline.Render(r.Context(), id)
	s.respondJob(w, r, job, err)
}

func (s *Server) handleWalkthrough(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := s.pipeline.Walkthrough(r.Context(), id)
	s.respondJob(w, r, job, err)
}

func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req pipeline.RefineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.AuthoredBy = principal(r)
	res, err := s.pipeline.Refine(r.Context(), id, req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

type complianceRequest struct {
	RuleSets []string `json:"ruleSets"`
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req complianceRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	ticket, err := s.pipeline.RequestCompliance(r.Context(), id, req.RuleSets)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ticket)
}

type exportRequest struct {
	Format                string `json:"format"`
	AcknowledgeViolations bool   `json:"acknowledgeViolations"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req exportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.pipeline.Export(r.Context(), id, req.Format, req.AcknowledgeViolations)
	s.respondJob(w, r, job, err)
}

type rollbackRequest struct {
	VersionID uuid.UUID `json:"versionId"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req rollbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := s.pipeline.Rollback(r.Context(), id, req.VersionID, principal(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"version": v})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := s.pipeline.Retry(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"job": job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	jobID, ok := pathUUID(w, r, "jobId")
	if !ok {
		return
	}
	job, err := s.pipeline.Job(id, jobID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	jobID, ok := pathUUID(w, r, "jobId")
	if !ok {
		return
	}
	cancelled, err := s.pipeline.CancelJob(r.Context(), id, jobID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"cancelled": cancelled})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.db.GetDesign(r.Context(), id); err != nil {
		s.respondErr(w, r, err)
		return
	}
	history, err := s.versions.History(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"versions": history})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	versionID, ok := pathUUID(w, r, "versionId")
	if !ok {
		return
	}
	v, err := s.versions.Get(r.Context(), versionID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if v.DesignID != id {
		respondError(w, http.StatusNotFound, errs.CodeNotFound, "version not found")
		return
	}
	payload, err := s.versions.Payload(r.Context(), v)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"version": v, "payload": payload})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	from, err := uuid.Parse(r.URL.Query().Get("from"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errs.CodeInvalidInput, "invalid from version id")
		return
	}
	to, err := uuid.Parse(r.URL.Query().Get("to"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errs.CodeInvalidInput, "invalid to version id")
		return
	}
	for _, vid := range []uuid.UUID{from, to} {
		v, err := s.versions.Get(r.Context(), vid)
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		if v.DesignID != id {
			respondError(w, http.StatusNotFound, errs.CodeNotFound, "version not found")
			return
		}
	}
	delta, err := s.versions.Diff(r.Context(), from, to)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, delta)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	pairs, err := s.pipeline.Conflicts(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if pairs == nil {
		pairs = []conflict.Pair{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"conflicts": pairs})
}

type resolveRequest struct {
	A        uuid.UUID                `json:"a"`
	B        uuid.UUID                `json:"b"`
	Strategy conflict.Strategy        `json:"strategy"`
	Choices  map[string]conflict.Side `json:"choices"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := s.pipeline.Resolve(r.Context(), id, req.A, req.B, conflict.Resolution{
		Strategy:   req.Strategy,
		Choices:    req.Choices,
		AuthoredBy: principal(r),
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"version": v})
}

func (s *Server) writeAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.verifier.VerifyRequest(r)
		if err != nil {
			if errors.Is(err, auth.ErrForbidden) {
				respondError(w, http.StatusForbidden, "forbidden", err.Error())
				return
			}
			s.log.Debug("request rejected", "path", r.URL.Path, "error", err)
			respondError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func principal(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok {
		return p.Subject
	}
	return ""
}

func (s *Server) respondJob(w http.ResponseWriter, r *http.Request, job models.Job, err error) {
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"job": job})
}

// respondErr maps the error taxonomy onto status codes. Technical detail is logged, never returned.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := errs.As(err)
	if !ok && errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, errs.CodeNotFound, "not found")
		return
	}
	if !ok {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, errs.CodeInternal, "internal error")
		return
	}
	var status int
	switch e.Kind {
	case errs.Validation:
		status = http.StatusBadRequest
		if e.Code == errs.CodeNotFound {
			status = http.StatusNotFound
		}
	case errs.Transient, errs.Unavailable:
		status = http.StatusServiceUnavailable
	case errs.Policy:
		status = http.StatusUnprocessableEntity
	case errs.Conflict:
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	body := map[string]interface{}{
		"error": errs.UserMessage(err),
		"code":  errs.CodeOf(err),
		"kind":  e.Kind,
	}
	if ce, ok := conflict.AsError(err); ok {
		body["conflict"] = ce
	}
	respondJSON(w, status, body)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, errs.CodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decodeJSON(w, r, v, maxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, errs.CodeInvalidInput, err.Error())
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
