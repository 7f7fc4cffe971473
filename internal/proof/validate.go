package proof

import (
	"fmt"
	"time"
)

// Severity grades an audit finding on a proof record.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
	SeverityWarning  Severity = "WARNING"
)

// Issue is a single audit finding. Findings are surfaced, never thrown:
// a proof with warnings is still a valid chain member.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// clockSkewAllowance tolerates small clock drift between emitters.
const clockSkewAllowance = 60 * time.Second

// minReasoningLength below which the reasoning is considered too thin to audit.
const minReasoningLength = 10

// Validate audits a proof record and returns the list of findings.
// An empty list means the proof is clean.
func Validate(p *DecisionProof) []Issue {
	var issues []Issue

	if !Verify(p) {
		issues = append(issues, Issue{
			Severity: SeverityCritical,
			Message:  "proof hash does not match record contents",
		})
	}

	if p.Timestamp.After(time.Now().Add(clockSkewAllowance)) {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Message:  fmt.Sprintf("timestamp %s is in the future", p.Timestamp.Format(time.RFC3339)),
		})
	}

	if len(p.LogicCitations) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Message:  "decision carries no regulatory citations",
		})
	}

	if p.Confidence < 0.5 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("confidence %.2f below 0.5", p.Confidence),
		})
	}

	if len(p.Reasoning) < minReasoningLength {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Message:  "reasoning too short to audit",
		})
	}

	return issues
}

// HasBlocking reports whether any finding is CRITICAL or ERROR.
func HasBlocking(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityCritical || is.Severity == SeverityError {
			return true
		}
	}
	return false
}
