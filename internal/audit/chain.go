package audit

import (
	"encoding/json"
	"fmt"

	"github.com/buildguard/backend/internal/faults"
)

// Outcome is the terminal disposition of a work item's pipeline run.
type Outcome string

const (
	OutcomeBidReady         Outcome = "BID_READY"
	OutcomePendingFix       Outcome = "PENDING_FIX"
	OutcomeRejected         Outcome = "REJECTED"
	OutcomeMonitoringActive Outcome = "MONITORING_ACTIVE"
)

// AuditChain is the ordered sequence of handshakes for one project. Instances
// are owned by a single pipeline run and never shared across runs.
type AuditChain struct {
	ProjectID             string            `json:"project_id"`
	ChainLinks            []*AgentHandshake `json:"chain_links"`
	TotalCostUSD          float64           `json:"total_cost_usd"`
	ProcessingTimeSeconds float64           `json:"processing_time_seconds"`
	Outcome               Outcome           `json:"outcome"`
}

// NewChain starts an empty chain for a project.
func NewChain(projectID string) *AuditChain {
	return &AuditChain{ProjectID: projectID}
}

// Append adds a handshake to the chain after checking it extends the chain
// correctly: same project, parent equal to the previous link's decision hash
// (or empty parent for the first link).
func (c *AuditChain) Append(hs *AgentHandshake) error {
	if hs.ProjectID != c.ProjectID {
		return faults.New(faults.KindChainIntegrity,
			"handshake project %q does not match chain project %q", hs.ProjectID, c.ProjectID)
	}
	if len(c.ChainLinks) == 0 {
		if hs.ParentHandshakeID != "" {
			return faults.New(faults.KindChainIntegrity, "first link must have no parent")
		}
	} else {
		prev := c.ChainLinks[len(c.ChainLinks)-1]
		if hs.ParentHandshakeID != prev.DecisionHash {
			return faults.New(faults.KindChainIntegrity,
				"link parent %q does not match previous decision hash %q",
				hs.ParentHandshakeID, prev.DecisionHash)
		}
	}
	c.ChainLinks = append(c.ChainLinks, hs)
	return nil
}

// Len returns the number of links.
func (c *AuditChain) Len() int { return len(c.ChainLinks) }

// Tail returns the last link, or nil for an empty chain.
func (c *AuditChain) Tail() *AgentHandshake {
	if len(c.ChainLinks) == 0 {
		return nil
	}
	return c.ChainLinks[len(c.ChainLinks)-1]
}

// VerifyIntegrity checks the chain linkage invariant: length at least one,
// all links on the same project, root with no parent, and every subsequent
// link's parent equal to its predecessor's decision hash. Metadata is
// non-binding and deliberately not covered.
func (c *AuditChain) VerifyIntegrity() error {
	if len(c.ChainLinks) == 0 {
		return faults.New(faults.KindChainIntegrity, "chain %s is empty", c.ProjectID)
	}
	for i, link := range c.ChainLinks {
		if link.ProjectID != c.ProjectID {
			return faults.New(faults.KindChainIntegrity,
				"link %d belongs to project %q, chain is %q", i, link.ProjectID, c.ProjectID)
		}
		if i == 0 {
			if link.ParentHandshakeID != "" {
				return faults.New(faults.KindChainIntegrity, "root link has a parent")
			}
			continue
		}
		if link.ParentHandshakeID != c.ChainLinks[i-1].DecisionHash {
			return faults.New(faults.KindChainIntegrity,
				"link %d parent does not match link %d decision hash", i, i-1)
		}
	}
	return nil
}

// Valid is the boolean form of VerifyIntegrity.
func (c *AuditChain) Valid() bool {
	return c.VerifyIntegrity() == nil
}

// ExportJSON serializes the chain in the interchange format: every link with
// its source/target agents, hashes, timestamp and metadata, plus the chain's
// cost, duration and outcome.
func (c *AuditChain) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ImportJSON parses an exported chain. Integrity is NOT re-verified here;
// callers decide whether a broken import is fatal.
func ImportJSON(data []byte) (*AuditChain, error) {
	var c AuditChain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse audit chain: %w", err)
	}
	return &c, nil
}
