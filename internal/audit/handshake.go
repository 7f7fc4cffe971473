// Package audit implements the agent handshake protocol and the per-project
// audit chain. Handshakes link one agent's decision to the next agent through
// the decision's proof hash, which makes the chain tamper-evident without
// signatures: rewriting any link breaks the linkage downstream.
package audit

import (
	"regexp"
	"time"

	"github.com/buildguard/backend/internal/faults"
)

// AgentRole identifies a pipeline agent.
type AgentRole string

const (
	RoleScout    AgentRole = "SCOUT"
	RoleGuard    AgentRole = "GUARD"
	RoleWatchman AgentRole = "WATCHMAN"
	RoleFixer    AgentRole = "FIXER"
)

// Valid reports whether the role is one of the four pipeline agents.
func (r AgentRole) Valid() bool {
	switch r {
	case RoleScout, RoleGuard, RoleWatchman, RoleFixer:
		return true
	}
	return false
}

// AgentHandshake is one link in a project's audit chain. DecisionHash is the
// proof hash of the emitting agent's decision; ParentHandshakeID is the
// previous link's decision hash, empty for the chain root.
type AgentHandshake struct {
	SourceAgent       AgentRole              `json:"source_agent"`
	TargetAgent       AgentRole              `json:"target_agent,omitempty"`
	ProjectID         string                 `json:"project_id"`
	DecisionHash      string                 `json:"decision_hash"`
	ParentHandshakeID string                 `json:"parent_handshake_id,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`
	TransitionReason  string                 `json:"transition_reason"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// LinkInput carries the fields needed to mint a handshake.
type LinkInput struct {
	Source           AgentRole
	Target           AgentRole // empty for a terminal link
	ProjectID        string
	DecisionHash     string
	Parent           string // previous link's decision hash, empty for root
	TransitionReason string
	Metadata         map[string]interface{}
}

// Link mints a handshake record. The record is immutable once returned;
// callers append it to a chain and never modify it.
func Link(in LinkInput) (*AgentHandshake, error) {
	if !in.Source.Valid() {
		return nil, faults.Validation("unknown source agent %q", in.Source)
	}
	if in.Target != "" && !in.Target.Valid() {
		return nil, faults.Validation("unknown target agent %q", in.Target)
	}
	if in.ProjectID == "" {
		return nil, faults.Validation("project ID required")
	}
	if !hexHash.MatchString(in.DecisionHash) {
		return nil, faults.Validation("decision hash must be 64 lowercase hex chars")
	}
	if in.Parent != "" && !hexHash.MatchString(in.Parent) {
		return nil, faults.Validation("parent handshake ID must be 64 lowercase hex chars")
	}

	return &AgentHandshake{
		SourceAgent:       in.Source,
		TargetAgent:       in.Target,
		ProjectID:         in.ProjectID,
		DecisionHash:      in.DecisionHash,
		ParentHandshakeID: in.Parent,
		Timestamp:         time.Now().UTC(),
		TransitionReason:  in.TransitionReason,
		Metadata:          in.Metadata,
	}, nil
}
