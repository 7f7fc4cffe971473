// Package proof builds and verifies immutable agent decision records.
// Every decision an agent emits is hashed over its canonical encoding so any
// holder of the record can detect tampering without trusting the emitter.
package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/buildguard/backend/internal/canonical"
	"github.com/buildguard/backend/internal/faults"
)

// RiskLevel grades the consequence of a decision being wrong.
type RiskLevel string

const (
	RiskCritical RiskLevel = "CRITICAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskLow      RiskLevel = "LOW"
)

// Well-known decision tags. Agents may emit others; these are the ones the
// pipeline routes on.
const (
	DecisionPass             = "PASS"
	DecisionFail             = "FAIL"
	DecisionApproved         = "APPROVED"
	DecisionRejected         = "REJECTED"
	DecisionPendingFix       = "PENDING_FIX"
	DecisionIllegible        = "ILLEGIBLE"
	DecisionOpportunityFound = "OPPORTUNITY_FOUND"
)

// LogicCitation ties a decision to the regulatory text that justifies it.
type LogicCitation struct {
	Standard       string  `json:"standard"`
	Clause         string  `json:"clause"`
	Interpretation string  `json:"interpretation"`
	Confidence     float64 `json:"confidence"`
}

// DecisionProof is an agent's immutable decision record. ProofHash covers
// every field except itself and CostUSD; CostUSD is filled post-hoc by the
// cost ledger and is deliberately outside the hash.
type DecisionProof struct {
	DecisionID               string                 `json:"decision_id"`
	Timestamp                time.Time              `json:"timestamp"`
	AgentName                string                 `json:"agent_name"`
	InputData                map[string]interface{} `json:"input_data"`
	Decision                 string                 `json:"decision"`
	Confidence               float64                `json:"confidence"`
	LogicCitations           []LogicCitation        `json:"logic_citations"`
	Reasoning                string                 `json:"reasoning"`
	RiskLevel                RiskLevel              `json:"risk_level"`
	EstimatedFinancialImpact *float64               `json:"estimated_financial_impact,omitempty"`
	CostUSD                  float64                `json:"cost_usd"`
	ProofHash                string                 `json:"proof_hash"`
}

// Input carries everything an agent supplies when emitting a decision.
type Input struct {
	AgentName       string
	Decision        string
	InputData       map[string]interface{}
	Citations       []LogicCitation
	Reasoning       string
	Confidence      float64
	RiskLevel       RiskLevel
	FinancialImpact *float64
}

// Build assembles a finalized DecisionProof: assigns the decision ID, stamps
// the timestamp, and computes the proof hash. A canonical-encoding failure is
// fatal because an unhashable decision cannot enter the audit chain.
func Build(in Input) (*DecisionProof, error) {
	if in.AgentName == "" {
		return nil, faults.Validation("agent name required")
	}
	if in.Decision == "" {
		return nil, faults.Validation("decision tag required")
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return nil, faults.Validation("confidence %v outside [0,1]", in.Confidence)
	}

	now := time.Now().UTC()
	p := &DecisionProof{
		DecisionID:               decisionID(in.AgentName, now, in.InputData),
		Timestamp:                now,
		AgentName:                in.AgentName,
		InputData:                in.InputData,
		Decision:                 in.Decision,
		Confidence:               in.Confidence,
		LogicCitations:           in.Citations,
		Reasoning:                in.Reasoning,
		RiskLevel:                in.RiskLevel,
		EstimatedFinancialImpact: in.FinancialImpact,
	}

	hash, err := computeHash(p)
	if err != nil {
		return nil, fmt.Errorf("hash decision proof: %w", err)
	}
	p.ProofHash = hash
	return p, nil
}

// Verify recomputes the hash from the record's fields and compares it against
// the stored proof hash.
func Verify(p *DecisionProof) bool {
	hash, err := computeHash(p)
	if err != nil {
		return false
	}
	return hash == p.ProofHash
}

// SetCost fills the post-hoc cost field. The hash does not cover cost, so
// this is the only mutation a finalized proof permits.
func (p *DecisionProof) SetCost(costUSD float64) {
	p.CostUSD = costUSD
}

var idSeq atomic.Uint64

// decisionID produces a unique-per-emitter ID of the form
// <agent>-<epoch>-<seq>-<hash fragment of input>. The sequence counter keeps
// IDs unique even when two decisions land on the same nanosecond.
func decisionID(agent string, ts time.Time, input map[string]interface{}) string {
	frag := uint16(0)
	if enc, err := canonical.Encode(input); err == nil {
		sum := sha256.Sum256(enc)
		frag = uint16(sum[0])<<8 | uint16(sum[1])
	}
	return fmt.Sprintf("%s-%d-%d-%04x", agent, ts.UnixNano(), idSeq.Add(1), frag)
}

// computeHash canonically encodes all hash-covered fields and returns the
// lowercase hex SHA-256. CostUSD and ProofHash are excluded.
func computeHash(p *DecisionProof) (string, error) {
	citations := make([]interface{}, len(p.LogicCitations))
	for i, c := range p.LogicCitations {
		citations[i] = map[string]interface{}{
			"standard":       c.Standard,
			"clause":         c.Clause,
			"interpretation": c.Interpretation,
			"confidence":     c.Confidence,
		}
	}

	fields := map[string]interface{}{
		"decision_id":     p.DecisionID,
		"timestamp":       p.Timestamp,
		"agent_name":      p.AgentName,
		"input_data":      p.InputData,
		"decision":        p.Decision,
		"confidence":      p.Confidence,
		"logic_citations": citations,
		"reasoning":       p.Reasoning,
		"risk_level":      string(p.RiskLevel),
	}
	if p.EstimatedFinancialImpact != nil {
		fields["estimated_financial_impact"] = *p.EstimatedFinancialImpact
	} else {
		fields["estimated_financial_impact"] = nil
	}

	enc, err := canonical.Encode(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:]), nil
}
