package capability

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ILLUVRSE/design-core/internal/errs"
	"github.com/ILLUVRSE/design-core/internal/models"
	"github.com/ILLUVRSE/design-core/internal/scheduler"
)

// Set bundles one implementation of every capability.
type Set struct {
	Analyzer   Analyzer
	Renderer   Renderer
	Compliance ComplianceChecker
	Encoder    Encoder
}

// Handlers adapts the set to scheduler handlers. Job params carry the encoded request; the
// job result carries the encoded response.
func (s Set) Handlers() map[models.JobKind]scheduler.Handler {
	return map[models.JobKind]scheduler.Handler{
		models.JobAnalyze: scheduler.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
			var req AnalyzeRequest
			if err := decodeParams(job, &req); err != nil {
				return nil, err
			}
			res, err := s.Analyzer.Analyze(ctx, req)
			if err != nil {
				return nil, err
			}
			raw, err := encodeResult(res)
			if err != nil {
				return nil, err
			}
			if res.Ambiguous {
				msg := res.Message
				if msg == "" {
					msg = "the sketch needs clarification"
				}
				return raw, errs.E(errs.Validation, errs.CodeAmbiguousInput, msg, nil)
			}
			return raw, nil
		}),
		models.JobRender: scheduler.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
			var req RenderRequest
			if err := decodeParams(job, &req); err != nil {
				return nil, err
			}
			res, err := s.Renderer.Render(ctx, req)
			if err != nil {
				return nil, err
			}
			return encodeResult(res)
		}),
		models.JobSimulateLighting: scheduler.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
			var req RenderRequest
			if err := decodeParams(job, &req); err != nil {
				return nil, err
			}
			res, err := s.Renderer.Walkthrough(ctx, req)
			if err != nil {
				return nil, err
			}
			return encodeResult(res)
		}),
		models.JobCheckCompliance: scheduler.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
			var req ComplianceRequest
			if err := decodeParams(job, &req); err != nil {
				return nil, err
			}
			res, err := s.Compliance.Check(ctx, req)
			if err != nil {
				return nil, err
			}
			if res.RuleSet == "" {
				res.RuleSet = req.RuleSet
			}
			return encodeResult(res)
		}),
		models.JobExport: scheduler.HandlerFunc(func(ctx context.Context, job models.Job) (json.RawMessage, error) {
			var req ExportRequest
			if err := decodeParams(job, &req); err != nil {
				return nil, err
			}
			res, err := s.Encoder.Encode(ctx, req)
			if err != nil {
				return nil, err
			}
			return encodeResult(res)
		}),
	}
}

func decodeParams(job models.Job, v interface{}) error {
	if len(job.Params) == 0 {
		return errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("%s job has no parameters", job.Kind), nil)
	}
	if err := json.Unmarshal(job.Params, v); err != nil {
		return errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("%s job parameters are malformed", job.Kind), err)
	}
	return nil
}

func encodeResult(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.E(errs.Fatal, errs.CodeInternal, "could not encode capability result", err)
	}
	return b, nil
}
