// Package pipeline sequences the compliance agents for one work item and
// assembles the audit chain: Scout discovers, Guard validates, then either
// Watchman starts field monitoring or Fixer drafts remediation.
package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/buildguard/backend/internal/agents"
	"github.com/buildguard/backend/internal/audit"
	"github.com/buildguard/backend/internal/core"
	"github.com/buildguard/backend/internal/events"
	"github.com/buildguard/backend/internal/faults"
	"github.com/buildguard/backend/internal/proof"
)

// DefaultBudgetPerItemUSD bounds the summed agent cost for one work item.
const DefaultBudgetPerItemUSD = 0.007

// Config tunes one runner. The zero value plus defaults from NewRunner is a
// working configuration.
type Config struct {
	BudgetPerItemUSD float64
	StrictBudget     bool // budget overrun becomes an error instead of a warning event
	EnableWatchman   bool // run field monitoring after an approved document
}

// Runner drives the agent sequence for work items. It is re-entrant: each run
// owns its chain accumulator, so concurrent Run calls are safe.
type Runner struct {
	adapter  *agents.Adapter
	scout    agents.Body
	guard    agents.Body
	watchman agents.Body
	fixer    agents.Body
	emitter  events.Emitter
	cfg      Config
	logger   *log.Logger
}

// RunError carries the chain built so far alongside the step failure, so
// callers can inspect partial progress.
type RunError struct {
	Chain *audit.AuditChain
	Step  string
	Err   error
}

func (e *RunError) Error() string {
	return "pipeline step " + e.Step + ": " + e.Err.Error()
}

func (e *RunError) Unwrap() error { return e.Err }

// NewRunner wires a runner over the shared adapter. A nil emitter discards
// events; zero budget falls back to the default.
func NewRunner(adapter *agents.Adapter, scout, guard, watchman, fixer agents.Body, emitter events.Emitter, cfg Config) *Runner {
	if emitter == nil {
		emitter = events.Discard
	}
	if cfg.BudgetPerItemUSD <= 0 {
		cfg.BudgetPerItemUSD = DefaultBudgetPerItemUSD
	}
	return &Runner{
		adapter:  adapter,
		scout:    scout,
		guard:    guard,
		watchman: watchman,
		fixer:    fixer,
		emitter:  emitter,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Run processes one work item end to end and returns its audit chain. On a
// step failure the partial chain is returned together with a *RunError; the
// runner never swallows agent errors.
func (r *Runner) Run(ctx context.Context, opp core.Opportunity, doc *core.Document) (*audit.AuditChain, error) {
	start := time.Now()
	chain := audit.NewChain(opp.ProjectID)
	totalCost := 0.0

	r.emitter.Emit(events.TypePipelineStarted, "pipeline", opp.ProjectID, map[string]interface{}{
		"project_id":    opp.ProjectID,
		"permit_number": opp.PermitNumber,
	})

	fail := func(step string, err error) (*audit.AuditChain, error) {
		r.finalize(chain, totalCost, start, audit.OutcomeRejected)
		r.emitter.Emit(events.TypePipelineFailed, "pipeline", opp.ProjectID, map[string]interface{}{
			"project_id": opp.ProjectID,
			"step":       step,
			"error":      err.Error(),
		})
		return chain, &RunError{Chain: chain, Step: step, Err: err}
	}

	// Step 1: Scout qualifies the opportunity.
	scoutRes, err := r.adapter.Invoke(ctx, r.scout, agents.Request{
		ProjectID:  opp.ProjectID,
		DocumentID: opp.PermitNumber,
		Input:      opp.AsValue(),
	})
	if err != nil {
		return fail("scout", err)
	}
	if err := chain.Append(scoutRes.Handshake); err != nil {
		return fail("scout", err)
	}
	totalCost += scoutRes.CostUSD

	if err := ctx.Err(); err != nil {
		return fail("scout", faults.Wrap(faults.KindCancelled, err, "run cancelled"))
	}

	// Step 2: Guard validates the document.
	guardInput := map[string]interface{}{}
	docID := ""
	if doc != nil {
		guardInput = doc.AsValue()
		docID = doc.DocumentID
	}
	guardRes, err := r.adapter.Invoke(ctx, r.guard, agents.Request{
		ProjectID:  opp.ProjectID,
		DocumentID: docID,
		Input:      guardInput,
		Parent:     scoutRes.Handshake,
	})
	if err != nil {
		return fail("guard", err)
	}
	if err := chain.Append(guardRes.Handshake); err != nil {
		return fail("guard", err)
	}
	totalCost += guardRes.CostUSD

	if err := ctx.Err(); err != nil {
		return fail("guard", faults.Wrap(faults.KindCancelled, err, "run cancelled"))
	}

	// Step 3: route on the validation status.
	outcome := audit.OutcomeRejected
	switch guardRes.Decision {
	case proof.DecisionApproved:
		outcome = audit.OutcomeBidReady
		if r.cfg.EnableWatchman && r.watchman != nil {
			watchRes, err := r.adapter.Invoke(ctx, r.watchman, agents.Request{
				ProjectID:  opp.ProjectID,
				DocumentID: docID,
				Input: map[string]interface{}{
					"site_id":    opp.ProjectID,
					"address":    opp.Address,
					"violations": []interface{}{},
				},
				Parent: guardRes.Handshake,
			})
			if err != nil {
				return fail("watchman", err)
			}
			if err := chain.Append(watchRes.Handshake); err != nil {
				return fail("watchman", err)
			}
			totalCost += watchRes.CostUSD
			outcome = audit.OutcomeMonitoringActive
		}

	case proof.DecisionPendingFix, proof.DecisionRejected:
		fixInput := map[string]interface{}{
			"deficiencies": guardRes.Payload["deficiencies"],
		}
		if doc != nil && doc.Broker != "" {
			fixInput["broker"] = doc.Broker
		}
		fixRes, err := r.adapter.Invoke(ctx, r.fixer, agents.Request{
			ProjectID:  opp.ProjectID,
			DocumentID: docID,
			Input:      fixInput,
			Parent:     guardRes.Handshake,
		})
		if err != nil {
			// Remediation could not be drafted; the item stays rejected.
			return fail("fixer", err)
		}
		if err := chain.Append(fixRes.Handshake); err != nil {
			return fail("fixer", err)
		}
		totalCost += fixRes.CostUSD
		outcome = audit.OutcomePendingFix

	case proof.DecisionIllegible:
		// Terminal: manual review, no downstream agent.
		outcome = audit.OutcomeRejected

	default:
		return fail("guard", faults.New(faults.KindInternal,
			"unroutable validation status %q", guardRes.Decision))
	}

	r.finalize(chain, totalCost, start, outcome)

	if err := chain.VerifyIntegrity(); err != nil {
		return fail("verify", err)
	}

	// Budget check runs after assembly; it never rolls the chain back.
	if totalCost > r.cfg.BudgetPerItemUSD {
		r.emitter.Emit(events.TypeBudgetExceeded, "pipeline", opp.ProjectID, map[string]interface{}{
			"project_id": opp.ProjectID,
			"cost_usd":   totalCost,
			"budget_usd": r.cfg.BudgetPerItemUSD,
		})
		r.logger.Printf("⚠️ %s cost $%.6f exceeds per-item budget $%.6f",
			opp.ProjectID, totalCost, r.cfg.BudgetPerItemUSD)
		if r.cfg.StrictBudget {
			err := faults.New(faults.KindBudgetExceeded,
				"item cost $%.6f exceeds budget $%.6f", totalCost, r.cfg.BudgetPerItemUSD)
			return chain, &RunError{Chain: chain, Step: "budget", Err: err}
		}
	}

	r.emitter.Emit(events.TypePipelineCompleted, "pipeline", opp.ProjectID, map[string]interface{}{
		"project_id":       opp.ProjectID,
		"outcome":          string(chain.Outcome),
		"chain_length":     chain.Len(),
		"cost_usd":         totalCost,
		"duration_seconds": chain.ProcessingTimeSeconds,
	})
	r.logger.Printf("✅ %s completed: outcome=%s links=%d cost=$%.6f in %.2fs",
		opp.ProjectID, chain.Outcome, chain.Len(), totalCost, chain.ProcessingTimeSeconds)

	return chain, nil
}

func (r *Runner) finalize(chain *audit.AuditChain, cost float64, start time.Time, outcome audit.Outcome) {
	chain.TotalCostUSD = cost
	chain.ProcessingTimeSeconds = time.Since(start).Seconds()
	chain.Outcome = outcome
}
