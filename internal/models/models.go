package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Stage string

const (
	StageUploaded          Stage = "uploaded"
	StageAnalyzed          Stage = "analyzed"
	StageVisualized        Stage = "visualized"
	StageRefining          Stage = "refining"
	StageComplianceChecked Stage = "compliance_checked"
	StageExported          Stage = "exported"
	StageFailed            Stage = "failed"
)

type JobKind string

const (
	JobAnalyze          JobKind = "analyze"
	JobRender           JobKind = "render"
	JobSimulateLighting JobKind = "simulate-lighting"
	JobCheckCompliance  JobKind = "check-compliance"
	JobExport           JobKind = "export"
)

// JobKinds lists every kind the scheduler keeps a queue for.
var JobKinds = []JobKind{JobAnalyze, JobRender, JobSimulateLighting, JobCheckCompliance, JobExport}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is more severe. Unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Design is the root entity tracked through the pipeline.
type Design struct {
	ID            uuid.UUID      `json:"id"`
	Owner         string         `json:"owner"`
	HeadVersionID uuid.UUID      `json:"headVersionId"`
	VersionIDs    []uuid.UUID    `json:"versionIds"`
	Failure       *Failure       `json:"failure,omitempty"`
	Clarification *Clarification `json:"clarification,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Failure records the last failed action of a design. The design stays resumable.
type Failure struct {
	Action  string     `json:"action"`
	Kind    string     `json:"kind"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
	JobID   *uuid.UUID `json:"jobId,omitempty"`
	At      time.Time  `json:"at"`
}

// Clarification is set when sketch analysis asked the user for more input.
type Clarification struct {
	JobID     uuid.UUID `json:"jobId"`
	Message   string    `json:"message"`
	Questions []string  `json:"questions,omitempty"`
	At        time.Time `json:"at"`
}

// DesignVersion is an immutable snapshot. Content and parent links never change after commit.
type DesignVersion struct {
	ID             uuid.UUID   `json:"id"`
	DesignID       uuid.UUID   `json:"designId"`
	ParentID       *uuid.UUID  `json:"parentId,omitempty"`
	MergedFrom     []uuid.UUID `json:"mergedFrom,omitempty"`
	RolledBackFrom *uuid.UUID  `json:"rolledBackFrom,omitempty"`
	Stage          Stage       `json:"stage"`
	ContentHash    string      `json:"contentHash"`
	PayloadRef     string      `json:"payloadRef"`
	Changed        []string    `json:"changed,omitempty"`
	AuthoredBy     string      `json:"authoredBy"`
	Seq            int64       `json:"seq"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Payload is the content a version points at.
type Payload struct {
	SketchRef          string            `json:"sketchRef,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Elements           []Element         `json:"elements"`
	Artifacts          map[string]string `json:"artifacts,omitempty"`
	ComplianceReportID *uuid.UUID        `json:"complianceReportId,omitempty"`
}

// Element is one architectural element recognised in the sketch.
type Element struct {
	ID         string            `json:"id" validate:"required"`
	Type       string            `json:"type" validate:"required"`
	Label      string            `json:"label,omitempty"`
	Confidence float64           `json:"confidence" validate:"gte=0,lte=1"`
	Geometry   json.RawMessage   `json:"geometry,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	RenderRef  string            `json:"renderRef,omitempty"`
}

// ElementByID indexes the payload's elements.
func (p Payload) ElementByID() map[string]Element {
	out := make(map[string]Element, len(p.Elements))
	for _, el := range p.Elements {
		out[el.ID] = el
	}
	return out
}

// Clone deep-copies the maps and slices of the payload. Elements are copied by value.
func (p Payload) Clone() Payload {
	out := Payload{
		SketchRef:          p.SketchRef,
		ComplianceReportID: p.ComplianceReportID,
		Elements:           append([]Element(nil), p.Elements...),
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	if p.Artifacts != nil {
		out.Artifacts = make(map[string]string, len(p.Artifacts))
		for k, v := range p.Artifacts {
			out.Artifacts[k] = v
		}
	}
	if out.Elements == nil {
		out.Elements = []Element{}
	}
	return out
}

// Job is a unit of asynchronous work delegated to an external capability.
type Job struct {
	ID                  uuid.UUID       `json:"id"`
	Kind                JobKind         `json:"kind"`
	DesignID            uuid.UUID       `json:"designId"`
	InputVersionID      uuid.UUID       `json:"inputVersionId"`
	InputRef            string          `json:"inputRef,omitempty"`
	Params              json.RawMessage `json:"params,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`
	Status              JobStatus       `json:"status"`
	Attempts            int             `json:"attempts"`
	LastError           *JobError       `json:"lastError,omitempty"`
	SubmittedAt         time.Time       `json:"submittedAt"`
	StartedAt           *time.Time      `json:"startedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
	Deadline            *time.Time      `json:"deadline,omitempty"`
	EstimatedCompletion time.Time       `json:"estimatedCompletion"`
	Backpressured       bool            `json:"backpressured,omitempty"`
}

type JobError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ComplianceReport is immutable once created; a re-check produces a new report.
type ComplianceReport struct {
	ID                uuid.UUID          `json:"id"`
	DesignID          uuid.UUID          `json:"designId"`
	VersionID         uuid.UUID          `json:"versionId"`
	Violations        []Violation        `json:"violations"`
	OverallCompliance bool               `json:"overallCompliance"`
	Score             float64            `json:"score"`
	RuleSets          []string           `json:"ruleSets"`
	RuleSetScores     map[string]float64 `json:"ruleSetScores"`
	Unevaluated       []string           `json:"unevaluated,omitempty"`
	Partial           bool               `json:"partial"`
	CreatedAt         time.Time          `json:"createdAt"`
}

type Violation struct {
	RuleSet        string   `json:"ruleSet"`
	RuleCode       string   `json:"ruleCode"`
	Severity       Severity `json:"severity"`
	Description    string   `json:"description"`
	ElementRef     string   `json:"elementRef,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	AutoFixable    bool     `json:"autoFixable"`
	Alternatives   []string `json:"alternatives,omitempty"`
}
