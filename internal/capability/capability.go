// Package capability holds the request/response contracts of the external AI and encoding
// services and adapts them to scheduler handlers.
package capability

import (
	"context"
	"strings"

	"github.com/ILLUVRSE/design-core/internal/models"
)

type AnalyzeRequest struct {
	SketchRef string            `json:"sketchRef"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Hints     []string          `json:"hints,omitempty"`
}

// AnalyzeResult is either a structured element list or an ambiguity signal asking for clarification.
type AnalyzeResult struct {
	Elements  []models.Element `json:"elements"`
	Ambiguous bool             `json:"ambiguous,omitempty"`
	Message   string           `json:"message,omitempty"`
	Questions []string         `json:"questions,omitempty"`
}

type RenderRequest struct {
	Elements    []models.Element  `json:"elements"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

type RenderResult struct {
	ArtifactRef string `json:"artifactRef"`
	// ElementRefs maps element id to its rendered sub-artifact.
	ElementRefs map[string]string `json:"elementRefs,omitempty"`
}

type ComplianceRequest struct {
	RuleSet string         `json:"ruleSet"`
	Payload models.Payload `json:"payload"`
}

type ComplianceResult struct {
	RuleSet    string             `json:"ruleSet"`
	Score      float64            `json:"score"`
	Violations []models.Violation `json:"violations"`
}

type ExportRequest struct {
	Format  string         `json:"format"`
	Payload models.Payload `json:"payload"`
}

var exportFormats = map[string]bool{"ifc": true, "dwg": true, "rvt": true, "pdf": true}

// SupportedFormat reports whether format is a known CAD/BIM export target. Case-insensitive.
func SupportedFormat(format string) bool {
	return exportFormats[strings.ToLower(format)]
}

type ExportResult struct {
	Format      string `json:"format"`
	ArtifactRef string `json:"artifactRef"`
}

// Analyzer is the sketch analysis capability.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error)
}

// Renderer is the image and walkthrough video generation capability.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderResult, error)
	Walkthrough(ctx context.Context, req RenderRequest) (RenderResult, error)
}

// ComplianceChecker is the compliance reasoning capability, one rule-set per call.
type ComplianceChecker interface {
	Check(ctx context.Context, req ComplianceRequest) (ComplianceResult, error)
}

// Encoder is the CAD/BIM encoding capability.
type Encoder interface {
	Encode(ctx context.Context, req ExportRequest) (ExportResult, error)
}
