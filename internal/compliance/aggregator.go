// Package compliance runs independent rule-set checks through the scheduler and merges their
// findings into one report.
package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/design-core/internal/capability"
	"github.com/ILLUVRSE/design-core/internal/errs"
	"github.com/ILLUVRSE/design-core/internal/logging"
	"github.com/ILLUVRSE/design-core/internal/models"
	"github.com/ILLUVRSE/design-core/internal/scheduler"
)

// RuleSet is one catalogue entry. Mandatory rule-sets are evaluated on every check.
type RuleSet struct {
	ID        string
	Name      string
	Mandatory bool
}

// Jobs is the part of the scheduler the aggregator needs.
type Jobs interface {
	Submit(ctx context.Context, req scheduler.JobRequest) (models.Job, error)
	Await(ctx context.Context, id uuid.UUID, timeout time.Duration) (models.Job, error)
	Cancel(id uuid.UUID) bool
}

// ReportSaver persists finished reports.
type ReportSaver interface {
	SaveReport(ctx context.Context, r models.ComplianceReport) error
}

type Aggregator struct {
	jobs    Jobs
	reports ReportSaver
	catalog []RuleSet
	timeout time.Duration
	log     *logging.Logger
	now     func() time.Time
}

func NewAggregator(jobs Jobs, reports ReportSaver, catalog []RuleSet, timeout time.Duration, log *logging.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Aggregator{
		jobs:    jobs,
		reports: reports,
		catalog: catalog,
		timeout: timeout,
		log:     logging.OrNop(log).With("component", "compliance"),
		now:     time.Now,
	}
}

// Catalogue returns the configured rule-sets.
func (a *Aggregator) Catalogue() []RuleSet {
	return append([]RuleSet(nil), a.catalog...)
}

// Resolve expands a requested rule-set list: empty means the whole catalogue, mandatory
// rule-sets are always added, unknown ids are rejected.
func (a *Aggregator) Resolve(requested []string) ([]string, error) {
	known := map[string]bool{}
	for _, rs := range a.catalog {
		known[rs.ID] = true
	}
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if len(requested) == 0 {
		for _, rs := range a.catalog {
			add(rs.ID)
		}
		return out, nil
	}
	for _, id := range requested {
		if !known[id] {
			return nil, errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("unknown rule set %q", id), nil)
		}
		add(id)
	}
	for _, rs := range a.catalog {
		if rs.Mandatory {
			add(rs.ID)
		}
	}
	return out, nil
}

type outcome struct {
	result    capability.ComplianceResult
	evaluated bool
	reason    string
}

// Evaluate checks one version against the rule-sets in parallel and persists the merged report.
// A rule-set whose job fails or times out is listed as unevaluated; the report is still produced.
// A cancelled job or a cancelled ctx aborts the run with an errs.CodeCancelled error and no report.
func (a *Aggregator) Evaluate(ctx context.Context, version models.DesignVersion, payload models.Payload, requested []string) (models.ComplianceReport, error) {
	ruleSets, err := a.Resolve(requested)
	if err != nil {
		return models.ComplianceReport{}, err
	}
	if len(ruleSets) == 0 {
		return models.ComplianceReport{}, errs.E(errs.Validation, errs.CodeInvalidInput, "no rule sets configured", nil)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	outcomes := make([]outcome, len(ruleSets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(ruleSets))
	for i, rs := range ruleSets {
		i, rs := i, rs
		g.Go(func() error {
			o, err := a.checkOne(gctx, version, payload, rs, time.Until(deadline))
			if err != nil {
				return err
			}
			outcomes[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.log.Warn("compliance check aborted", "design_id", version.DesignID, "version_id", version.ID, "error", err)
		return models.ComplianceReport{}, err
	}
	if err := parent.Err(); err != nil {
		return models.ComplianceReport{}, aborted(err)
	}

	results := map[string]capability.ComplianceResult{}
	for i, rs := range ruleSets {
		if outcomes[i].evaluated {
			results[rs] = outcomes[i].result
		} else {
			a.log.Warn("rule set not evaluated", "design_id", version.DesignID, "version_id", version.ID, "rule_set", rs, "reason", outcomes[i].reason)
		}
	}

	report := Merge(ruleSets, results)
	report.ID = uuid.New()
	report.DesignID = version.DesignID
	report.VersionID = version.ID
	report.CreatedAt = a.now().UTC()
	if err := a.reports.SaveReport(context.WithoutCancel(ctx), report); err != nil {
		return models.ComplianceReport{}, fmt.Errorf("save report: %w", err)
	}
	a.log.Info("compliance report created", "design_id", version.DesignID, "report_id", report.ID,
		"overall", report.OverallCompliance, "score", report.Score, "partial", report.Partial)
	return report, nil
}

// checkOne runs one rule-set. Failures and timeouts come back as an unevaluated outcome; only
// cancellation is returned as an error.
func (a *Aggregator) checkOne(ctx context.Context, version models.DesignVersion, payload models.Payload, ruleSet string, wait time.Duration) (outcome, error) {
	params, err := json.Marshal(capability.ComplianceRequest{RuleSet: ruleSet, Payload: payload})
	if err != nil {
		return outcome{reason: err.Error()}, nil
	}
	job, err := a.jobs.Submit(ctx, scheduler.JobRequest{
		Kind:           models.JobCheckCompliance,
		DesignID:       version.DesignID,
		InputVersionID: version.ID,
		InputRef:       version.PayloadRef,
		Params:         params,
	})
	if err != nil {
		return outcome{reason: errs.CodeOf(err)}, nil
	}
	done, err := a.jobs.Await(ctx, job.ID, wait)
	if err != nil {
		a.jobs.Cancel(job.ID)
		if errors.Is(err, context.Canceled) {
			return outcome{}, aborted(err)
		}
		return outcome{reason: errs.CodeOf(err)}, nil
	}
	switch done.Status {
	case models.JobSucceeded:
	case models.JobCancelled:
		return outcome{}, aborted(fmt.Errorf("%s job %s cancelled", ruleSet, job.ID))
	default:
		reason := string(done.Status)
		if done.LastError != nil {
			reason = done.LastError.Code
		}
		return outcome{reason: reason}, nil
	}
	var res capability.ComplianceResult
	if err := json.Unmarshal(done.Result, &res); err != nil {
		return outcome{reason: "unreadable result"}, nil
	}
	return outcome{result: res, evaluated: true}, nil
}

func aborted(cause error) error {
	return errs.E(errs.Validation, errs.CodeCancelled, "compliance check cancelled", cause)
}

// Merge combines per-rule-set results into a report. ruleSets is the requested list; any entry
// missing from results is unevaluated.
//
// Violations are unioned, exact duplicates collapsed, and ordered by severity (critical first),
// then rule-set, rule code and element. When rule-sets give different recommendations for the
// same element at the same severity, every violation in that group lists the others as
// Alternatives. The score is the minimum evaluated score, or 0 when nothing was evaluated.
func Merge(ruleSets []string, results map[string]capability.ComplianceResult) models.ComplianceReport {
	report := models.ComplianceReport{
		RuleSets:      append([]string(nil), ruleSets...),
		RuleSetScores: map[string]float64{},
		Violations:    []models.Violation{},
	}

	type key struct {
		ruleSet, code, element, description, recommendation string
		severity                                            models.Severity
	}
	seen := map[key]bool{}
	score := 0.0
	evaluated := 0
	for _, rs := range ruleSets {
		res, ok := results[rs]
		if !ok {
			report.Unevaluated = append(report.Unevaluated, rs)
			continue
		}
		s := clamp(res.Score)
		report.RuleSetScores[rs] = s
		if evaluated == 0 || s < score {
			score = s
		}
		evaluated++
		for _, v := range res.Violations {
			v.RuleSet = rs
			v.Alternatives = nil
			k := key{rs, v.RuleCode, v.ElementRef, v.Description, v.Recommendation, v.Severity}
			if seen[k] {
				continue
			}
			seen[k] = true
			report.Violations = append(report.Violations, v)
		}
	}
	report.Score = score

	sort.SliceStable(report.Violations, func(i, j int) bool {
		a, b := report.Violations[i], report.Violations[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.RuleSet != b.RuleSet {
			return a.RuleSet < b.RuleSet
		}
		if a.RuleCode != b.RuleCode {
			return a.RuleCode < b.RuleCode
		}
		if a.ElementRef != b.ElementRef {
			return a.ElementRef < b.ElementRef
		}
		return a.Description < b.Description
	})
	crossReference(report.Violations)

	critical := false
	for _, v := range report.Violations {
		if v.Severity == models.SeverityCritical {
			critical = true
			break
		}
	}
	report.Partial = len(report.Unevaluated) > 0
	report.OverallCompliance = !critical && !report.Partial
	return report
}

func crossReference(violations []models.Violation) {
	type group struct {
		element  string
		severity models.Severity
	}
	recs := map[group][]string{}
	for _, v := range violations {
		if v.ElementRef == "" || v.Recommendation == "" {
			continue
		}
		g := group{v.ElementRef, v.Severity}
		if !contains(recs[g], v.Recommendation) {
			recs[g] = append(recs[g], v.Recommendation)
		}
	}
	for i := range violations {
		v := &violations[i]
		if v.ElementRef == "" || v.Recommendation == "" {
			continue
		}
		all := recs[group{v.ElementRef, v.Severity}]
		if len(all) < 2 {
			continue
		}
		for _, r := range all {
			if r != v.Recommendation {
				v.Alternatives = append(v.Alternatives, r)
			}
		}
		sort.Strings(v.Alternatives)
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func clamp(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
