package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ILLUVRSE/design-core/internal/canonical"
	"github.com/ILLUVRSE/design-core/internal/errs"
	"github.com/ILLUVRSE/design-core/internal/models"
)

// StaticAnalyzer derives elements from sketch metadata. It is meant for local development.
//
// metadata["elements"] is a comma separated list of element types, e.g. "wall,wall,door".
// metadata["ambiguous"] makes the analysis ask for clarification until hints are supplied.
type StaticAnalyzer struct{}

func (StaticAnalyzer) Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	if req.SketchRef == "" {
		return AnalyzeResult{}, errs.E(errs.Validation, errs.CodeInvalidInput, "sketch reference required", nil)
	}
	if q := req.Metadata["ambiguous"]; q != "" && len(req.Hints) == 0 {
		return AnalyzeResult{
			Ambiguous: true,
			Message:   "some labels in the sketch could not be read",
			Questions: []string{q},
		}, nil
	}
	counts := map[string]int{}
	var elements []models.Element
	for _, raw := range strings.Split(req.Metadata["elements"], ",") {
		typ := strings.TrimSpace(raw)
		if typ == "" {
			continue
		}
		counts[typ]++
		elements = append(elements, models.Element{
			ID:         fmt.Sprintf("%s-%d", typ, counts[typ]),
			Type:       typ,
			Confidence: 0.9,
		})
	}
	if elements == nil {
		elements = []models.Element{}
	}
	return AnalyzeResult{Elements: elements}, nil
}

// StaticRenderer returns deterministic artifact refs derived from element content.
type StaticRenderer struct{}

func (StaticRenderer) Render(ctx context.Context, req RenderRequest) (RenderResult, error) {
	return staticRender("render", req)
}

func (StaticRenderer) Walkthrough(ctx context.Context, req RenderRequest) (RenderResult, error) {
	return staticRender("walkthrough", req)
}

func staticRender(kind string, req RenderRequest) (RenderResult, error) {
	refs := make(map[string]string, len(req.Elements))
	for _, el := range req.Elements {
		h, _, err := canonical.Hash(el)
		if err != nil {
			return RenderResult{}, errs.E(errs.Fatal, errs.CodeInternal, "render failed", err)
		}
		refs[el.ID] = fmt.Sprintf("static://%s/%s/%s", kind, el.ID, h[:12])
	}
	h, _, err := canonical.Hash(req)
	if err != nil {
		return RenderResult{}, errs.E(errs.Fatal, errs.CodeInternal, "render failed", err)
	}
	return RenderResult{ArtifactRef: fmt.Sprintf("static://%s/%s", kind, h[:16]), ElementRefs: refs}, nil
}

// StaticChecker applies a handful of fixed rules per rule-set.
type StaticChecker struct{}

// ADA minimum clear door width, metres.
const minDoorWidth = 0.815

func (StaticChecker) Check(ctx context.Context, req ComplianceRequest) (ComplianceResult, error) {
	var violations []models.Violation
	add := func(code string, sev models.Severity, el, desc, rec string, fix bool) {
		violations = append(violations, models.Violation{
			RuleSet: req.RuleSet, RuleCode: code, Severity: sev, ElementRef: el,
			Description: desc, Recommendation: rec, AutoFixable: fix,
		})
	}
	types := map[string]int{}
	for _, el := range req.Payload.Elements {
		types[el.Type]++
	}

	switch req.RuleSet {
	case "fire":
		if types["exit"] == 0 {
			add("FIRE-EXIT-1", models.SeverityCritical, "", "no emergency exit found", "add at least one exit", false)
		}
	case "ada":
		for _, el := range req.Payload.Elements {
			if el.Type != "door" {
				continue
			}
			if w, err := strconv.ParseFloat(el.Properties["width_m"], 64); err == nil && w < minDoorWidth {
				add("ADA-404.2.3", models.SeverityCritical, el.ID, "door clear width below 815mm", "widen door to at least 0.815m", true)
			}
		}
	case "energy":
		if walls := types["wall"]; walls > 0 && float64(types["window"])/float64(walls) > 0.4 {
			add("ENERGY-GLAZING", models.SeverityWarning, "", "glazing ratio above 40%", "reduce window area or specify low-e glass", false)
		}
	case "ibc":
		for _, el := range req.Payload.Elements {
			if el.Confidence < 0.5 {
				add("IBC-REVIEW", models.SeverityInfo, el.ID, "low confidence element needs manual review", "confirm element in the editor", false)
			}
		}
	default:
		return ComplianceResult{}, errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("unknown rule set %q", req.RuleSet), nil)
	}

	score := 1.0
	for _, v := range violations {
		switch v.Severity {
		case models.SeverityCritical:
			score -= 0.3
		case models.SeverityWarning:
			score -= 0.1
		default:
			score -= 0.02
		}
	}
	if score < 0 {
		score = 0
	}
	if violations == nil {
		violations = []models.Violation{}
	}
	return ComplianceResult{RuleSet: req.RuleSet, Score: score, Violations: violations}, nil
}

// StaticEncoder pretends to encode into the supported CAD/BIM formats.
type StaticEncoder struct{}

func (StaticEncoder) Encode(ctx context.Context, req ExportRequest) (ExportResult, error) {
	format := strings.ToLower(req.Format)
	if !SupportedFormat(format) {
		return ExportResult{}, errs.E(errs.Validation, errs.CodeInvalidInput, fmt.Sprintf("unsupported export format %q", req.Format), nil)
	}
	_, body, err := canonical.Hash(req.Payload)
	if err != nil {
		return ExportResult{}, errs.E(errs.Fatal, errs.CodeInternal, "export failed", err)
	}
	sum := sha256.Sum256(append([]byte(format+":"), body...))
	return ExportResult{Format: format, ArtifactRef: "static://export/" + format + "/" + hex.EncodeToString(sum[:8])}, nil
}

// StaticSet returns a capability set backed entirely by the static implementations.
func StaticSet() Set {
	return Set{
		Analyzer:   StaticAnalyzer{},
		Renderer:   StaticRenderer{},
		Compliance: StaticChecker{},
		Encoder:    StaticEncoder{},
	}
}
