package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/buildguard/backend/internal/audit"
	"github.com/buildguard/backend/internal/canonical"
	"github.com/buildguard/backend/internal/faults"
	"github.com/buildguard/backend/internal/proof"
)

// Reference agent bodies. The real vision/OCR and LLM providers are external
// collaborators; these bodies hold the decision plumbing and deterministic
// rule stubs so the orchestration substrate is fully exercisable without them.

// estimateTokens derives a deterministic token count from the canonical size
// of a payload, standing in for provider-reported usage.
func estimateTokens(v map[string]interface{}) int {
	enc, err := canonical.Encode(v)
	if err != nil {
		return 0
	}
	return len(enc)/4 + 1
}

// ============================================================================
// SCOUT — permit opportunity discovery
// ============================================================================

// Scout qualifies permit opportunities pulled from the registry.
type Scout struct {
	ModelName string
}

func (s *Scout) Role() audit.AgentRole { return audit.RoleScout }
func (s *Scout) Name() string          { return "scout" }
func (s *Scout) Model() string {
	if s.ModelName == "" {
		return "gpt-4o-mini"
	}
	return s.ModelName
}

func (s *Scout) Execute(ctx context.Context, req Request) (*Decision, error) {
	permit, _ := req.Input["permit_number"].(string)
	if permit == "" {
		return nil, faults.Validation("opportunity has no permit number")
	}

	cost := float64(0)
	switch v := req.Input["estimated_project_cost"].(type) {
	case float64:
		cost = v
	case int:
		cost = float64(v)
	}

	confidence := 0.9
	if cost >= 1_000_000 {
		confidence = 0.95
	}

	in := estimateTokens(req.Input)
	return &Decision{
		Payload: map[string]interface{}{
			"permit_number":  permit,
			"qualified":      true,
			"estimated_cost": cost,
		},
		Decision: proof.DecisionOpportunityFound,
		Citations: []proof.LogicCitation{{
			Standard:       "NYC-DOB",
			Clause:         "28-105.1",
			Interpretation: "Active permit filing indicates insurable construction work",
			Confidence:     0.9,
		}},
		Reasoning:        fmt.Sprintf("Permit %s is an active filing with estimated cost $%.0f.", permit, cost),
		Confidence:       confidence,
		RiskLevel:        proof.RiskLow,
		InputTokens:      in,
		OutputTokens:     in / 3,
		TargetAgent:      audit.RoleGuard,
		TransitionReason: "opportunity_qualified",
	}, nil
}

// ============================================================================
// GUARD — document validation
// ============================================================================

// Guard validates submitted compliance documents. The classification hooks
// (legibility, endorsements, expiry) stand in for the OCR pipeline.
type Guard struct {
	ModelName string
}

func (g *Guard) Role() audit.AgentRole { return audit.RoleGuard }
func (g *Guard) Name() string          { return "guard" }
func (g *Guard) Model() string {
	if g.ModelName == "" {
		return "gpt-4o"
	}
	return g.ModelName
}

func (g *Guard) Execute(ctx context.Context, req Request) (*Decision, error) {
	fields, _ := req.Input["fields"].(map[string]interface{})

	in := estimateTokens(req.Input)
	base := &Decision{
		InputTokens:  in,
		OutputTokens: in / 2,
		RiskLevel:    proof.RiskMedium,
	}

	if illegible, _ := fields["illegible"].(bool); illegible {
		base.Decision = proof.DecisionIllegible
		base.Confidence = 0.3
		base.Reasoning = "Document scan quality too poor to extract coverage terms."
		base.RiskLevel = proof.RiskHigh
		base.TransitionReason = "manual_review_required"
		base.Payload = map[string]interface{}{"status": proof.DecisionIllegible}
		return base, nil
	}

	if expired, _ := fields["expired"].(bool); expired {
		base.Decision = proof.DecisionRejected
		base.Confidence = 0.92
		base.Citations = []proof.LogicCitation{{
			Standard:       "ISO-ACORD-25",
			Clause:         "policy-period",
			Interpretation: "Certificate policy period has lapsed",
			Confidence:     0.95,
		}}
		base.Reasoning = "Certificate policy period ended before the project start date."
		base.RiskLevel = proof.RiskHigh
		base.TargetAgent = audit.RoleFixer
		base.TransitionReason = "document_rejected"
		base.Payload = map[string]interface{}{"status": proof.DecisionRejected}
		return base, nil
	}

	var deficiencies []interface{}
	if missing, ok := fields["missing_endorsements"].([]interface{}); ok {
		deficiencies = missing
	}
	if len(deficiencies) > 0 {
		names := make([]string, len(deficiencies))
		for i, d := range deficiencies {
			names[i], _ = d.(string)
		}
		base.Decision = proof.DecisionPendingFix
		base.Confidence = 0.88
		base.Citations = []proof.LogicCitation{{
			Standard:       "ISO-CG-2404",
			Clause:         "waiver-of-subrogation",
			Interpretation: "Required endorsement absent from certificate",
			Confidence:     0.9,
		}}
		base.Reasoning = "Certificate is missing required endorsements: " + strings.Join(names, ", ") + "."
		base.TargetAgent = audit.RoleFixer
		base.TransitionReason = "deficiencies_found"
		base.Payload = map[string]interface{}{
			"status":       proof.DecisionPendingFix,
			"deficiencies": deficiencies,
		}
		return base, nil
	}

	base.Decision = proof.DecisionApproved
	base.Confidence = 0.95
	base.Citations = []proof.LogicCitation{{
		Standard:       "ISO-ACORD-25",
		Clause:         "certificate-of-liability",
		Interpretation: "All required coverages and endorsements present",
		Confidence:     0.95,
	}}
	base.Reasoning = "Certificate lists all required endorsements with valid policy dates."
	base.RiskLevel = proof.RiskLow
	base.TargetAgent = audit.RoleWatchman
	base.TransitionReason = "document_approved"
	base.Payload = map[string]interface{}{"status": proof.DecisionApproved}
	return base, nil
}

// ============================================================================
// WATCHMAN — field / vision verification
// ============================================================================

// Watchman verifies site conditions from camera frames. The PPE detector is
// an external model; this body wraps its verdict shape.
type Watchman struct {
	ModelName string
}

func (w *Watchman) Role() audit.AgentRole { return audit.RoleWatchman }
func (w *Watchman) Name() string          { return "watchman" }
func (w *Watchman) Model() string {
	if w.ModelName == "" {
		return "claude-haiku-3-5"
	}
	return w.ModelName
}

func (w *Watchman) Execute(ctx context.Context, req Request) (*Decision, error) {
	in := estimateTokens(req.Input)

	violations, _ := req.Input["violations"].([]interface{})
	decision := proof.DecisionPass
	confidence := 0.9
	risk := proof.RiskLow
	reasoning := "No safety violations detected in the monitored frames."
	if len(violations) > 0 {
		decision = proof.DecisionFail
		confidence = 0.85
		risk = proof.RiskCritical
		reasoning = fmt.Sprintf("%d safety violations detected on active frames.", len(violations))
	}

	return &Decision{
		Payload: map[string]interface{}{
			"monitoring": "active",
			"violations": violations,
		},
		Decision: decision,
		Citations: []proof.LogicCitation{{
			Standard:       "OSHA-1926",
			Clause:         "100(a)",
			Interpretation: "Head protection required in areas with possible head injury",
			Confidence:     0.9,
		}},
		Reasoning:        reasoning,
		Confidence:       confidence,
		RiskLevel:        risk,
		InputTokens:      in,
		OutputTokens:     in / 4,
		TransitionReason: "monitoring_established",
	}, nil
}

// ============================================================================
// FIXER — remediation outreach
// ============================================================================

// Fixer drafts remediation requests for deficient documents. Requires a
// broker contact; remediation without a recipient is a validation error.
type Fixer struct {
	ModelName string
}

func (f *Fixer) Role() audit.AgentRole { return audit.RoleFixer }
func (f *Fixer) Name() string          { return "fixer" }
func (f *Fixer) Model() string {
	if f.ModelName == "" {
		return "claude-sonnet-4-5"
	}
	return f.ModelName
}

func (f *Fixer) Execute(ctx context.Context, req Request) (*Decision, error) {
	broker, _ := req.Input["broker"].(string)
	if broker == "" {
		return nil, faults.Validation("missing broker contact for remediation outreach")
	}

	deficiencies, _ := req.Input["deficiencies"].([]interface{})
	in := estimateTokens(req.Input)

	return &Decision{
		Payload: map[string]interface{}{
			"outreach_to":  broker,
			"deficiencies": deficiencies,
			"draft_ready":  true,
		},
		Decision: proof.DecisionPendingFix,
		Citations: []proof.LogicCitation{{
			Standard:       "ISO-CG-2404",
			Clause:         "waiver-of-subrogation",
			Interpretation: "Broker must reissue certificate with listed endorsements",
			Confidence:     0.9,
		}},
		Reasoning:        fmt.Sprintf("Remediation request drafted to %s covering %d deficiencies.", broker, len(deficiencies)),
		Confidence:       0.9,
		RiskLevel:        proof.RiskMedium,
		InputTokens:      in,
		OutputTokens:     in,
		TransitionReason: "remediation_drafted",
	}, nil
}
