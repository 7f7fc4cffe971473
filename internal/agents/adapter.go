// Package agents defines the invocation protocol every pipeline agent
// conforms to. The adapter wraps an agent body so that timing, decision
// proofs, handshakes and cost accounting are uniform no matter what the
// body does inside.
package agents

import (
	"context"
	"log"
	"time"

	"github.com/buildguard/backend/internal/audit"
	"github.com/buildguard/backend/internal/events"
	"github.com/buildguard/backend/internal/faults"
	"github.com/buildguard/backend/internal/ledger"
	"github.com/buildguard/backend/internal/proof"
)

// Request is the uniform input contract for one agent invocation.
type Request struct {
	ProjectID  string
	DocumentID string
	Input      map[string]interface{} // domain payload, hashed into the proof
	Parent     *audit.AgentHandshake  // previous link, nil for the chain root
}

// Decision is what an agent body returns: the domain payload plus everything
// the adapter needs to mint the proof and handshake.
type Decision struct {
	Payload          map[string]interface{} // opaque to the core
	Decision         string
	Citations        []proof.LogicCitation
	Reasoning        string
	Confidence       float64
	RiskLevel        proof.RiskLevel
	FinancialImpact  *float64
	InputTokens      int
	OutputTokens     int
	TargetAgent      audit.AgentRole // suggested next agent, empty for terminal
	TransitionReason string
}

// Body is a single-purpose decision-producing unit. Implementations hold the
// domain rules (discovery, validation, field verification, remediation).
type Body interface {
	Role() audit.AgentRole
	Name() string
	Model() string
	Execute(ctx context.Context, req Request) (*Decision, error)
}

// Result is the uniform output contract of every adapter invocation.
type Result struct {
	Proof            *proof.DecisionProof
	Handshake        *audit.AgentHandshake
	Payload          map[string]interface{}
	Decision         string
	InputTokens      int
	OutputTokens     int
	CostUSD          float64
	ProcessingTimeMS int64
	ConfidenceScore  float64
}

// Adapter normalizes agent invocations. One adapter is shared by all agents;
// it owns no per-invocation state.
type Adapter struct {
	ledger  *ledger.Ledger
	emitter events.Emitter
	logger  *log.Logger
}

// AdapterOption customizes an Adapter.
type AdapterOption func(*Adapter)

// WithEmitter publishes an agent.invoked event per invocation.
func WithEmitter(e events.Emitter) AdapterOption {
	return func(a *Adapter) { a.emitter = e }
}

// NewAdapter creates an adapter charging the given ledger.
func NewAdapter(l *ledger.Ledger, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		ledger:  l,
		emitter: events.Discard,
		logger:  log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Invoke runs one agent step: times the body, builds the decision proof,
// links the handshake to the optional parent, and records the ledger entry.
// A body error still produces a failed ledger entry before propagating.
func (a *Adapter) Invoke(ctx context.Context, body Body, req Request) (*Result, error) {
	if req.ProjectID == "" {
		return nil, faults.Validation("project ID required")
	}

	start := time.Now()
	out, err := body.Execute(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		a.ledger.Record(body.Name(), body.Model(), 0, 0, elapsed, req.DocumentID, false)
		a.emitter.Emit(events.TypeAgentInvoked, "agents", req.ProjectID, map[string]interface{}{
			"agent":  body.Name(),
			"result": "error",
		})
		a.logger.Printf("❌ %s failed on %s after %dms: %v",
			body.Name(), req.ProjectID, elapsed.Milliseconds(), err)
		return nil, err
	}

	p, err := proof.Build(proof.Input{
		AgentName:       body.Name(),
		Decision:        out.Decision,
		InputData:       req.Input,
		Citations:       out.Citations,
		Reasoning:       out.Reasoning,
		Confidence:      out.Confidence,
		RiskLevel:       out.RiskLevel,
		FinancialImpact: out.FinancialImpact,
	})
	if err != nil {
		a.ledger.Record(body.Name(), body.Model(), out.InputTokens, out.OutputTokens, elapsed, req.DocumentID, false)
		return nil, err
	}

	parent := ""
	if req.Parent != nil {
		parent = req.Parent.DecisionHash
	}
	hs, err := audit.Link(audit.LinkInput{
		Source:           body.Role(),
		Target:           out.TargetAgent,
		ProjectID:        req.ProjectID,
		DecisionHash:     p.ProofHash,
		Parent:           parent,
		TransitionReason: out.TransitionReason,
	})
	if err != nil {
		a.ledger.Record(body.Name(), body.Model(), out.InputTokens, out.OutputTokens, elapsed, req.DocumentID, false)
		return nil, err
	}

	entry := a.ledger.Record(body.Name(), body.Model(), out.InputTokens, out.OutputTokens, elapsed, req.DocumentID, true)
	p.SetCost(entry.CostUSD)

	a.emitter.Emit(events.TypeAgentInvoked, "agents", req.ProjectID, map[string]interface{}{
		"agent":         body.Name(),
		"result":        "success",
		"input_tokens":  out.InputTokens,
		"output_tokens": out.OutputTokens,
		"cost_usd":      entry.CostUSD,
	})

	a.logger.Printf("%s decided %s on %s (%.4f confidence, $%.6f, %dms)",
		body.Name(), out.Decision, req.ProjectID, out.Confidence, entry.CostUSD, elapsed.Milliseconds())

	return &Result{
		Proof:            p,
		Handshake:        hs,
		Payload:          out.Payload,
		Decision:         out.Decision,
		InputTokens:      out.InputTokens,
		OutputTokens:     out.OutputTokens,
		CostUSD:          entry.CostUSD,
		ProcessingTimeMS: elapsed.Milliseconds(),
		ConfidenceScore:  out.Confidence,
	}, nil
}
