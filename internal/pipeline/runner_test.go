package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildguard/backend/internal/agents"
	"github.com/buildguard/backend/internal/audit"
	"github.com/buildguard/backend/internal/core"
	"github.com/buildguard/backend/internal/events"
	"github.com/buildguard/backend/internal/faults"
	"github.com/buildguard/backend/internal/ledger"
)

func testRunner(cfg Config) (*Runner, *ledger.Ledger, *events.Bus) {
	l := ledger.New(ledger.DefaultPricing())
	bus := events.NewBus()
	r := NewRunner(agents.NewAdapter(l),
		&agents.Scout{}, &agents.Guard{}, &agents.Watchman{}, &agents.Fixer{},
		bus, cfg)
	return r, l, bus
}

func testOpportunity() core.Opportunity {
	return core.Opportunity{
		ProjectID:            "proj-2200",
		PermitNumber:         "121234567",
		Address:              "45 Gold St",
		Borough:              "Manhattan",
		WorkType:             "Electrical",
		EstimatedProjectCost: 5_000_000,
		GeneralContractor:    "Acme Builders",
		FiledAt:              time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func cleanDocument() *core.Document {
	return &core.Document{
		DocumentID: "coi-1",
		ProjectID:  "proj-2200",
		Kind:       "COI",
		Broker:     "broker@example.com",
		Fields:     map[string]interface{}{},
		ReceivedAt: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
	}
}

func deficientDocument() *core.Document {
	d := cleanDocument()
	d.Fields = map[string]interface{}{
		"missing_endorsements": []interface{}{"Missing Waiver of Subrogation"},
	}
	return d
}

func TestApprovedDocumentEndsInMonitoring(t *testing.T) {
	r, l, _ := testRunner(Config{EnableWatchman: true})

	chain, err := r.Run(context.Background(), testOpportunity(), cleanDocument())
	require.NoError(t, err)

	assert.Equal(t, 3, chain.Len())
	assert.Equal(t, audit.OutcomeMonitoringActive, chain.Outcome)
	assert.NoError(t, chain.VerifyIntegrity())
	assert.Less(t, chain.TotalCostUSD, 0.005)
	assert.Equal(t, 3, l.Aggregate(DefaultBudgetPerItemUSD).Operations)
}

func TestApprovedWithoutWatchmanIsBidReady(t *testing.T) {
	r, _, _ := testRunner(Config{EnableWatchman: false})

	chain, err := r.Run(context.Background(), testOpportunity(), cleanDocument())
	require.NoError(t, err)

	assert.Equal(t, 2, chain.Len())
	assert.Equal(t, audit.OutcomeBidReady, chain.Outcome)
}

func TestDeficiencyRoutesToFixer(t *testing.T) {
	r, _, _ := testRunner(Config{EnableWatchman: true})

	chain, err := r.Run(context.Background(), testOpportunity(), deficientDocument())
	require.NoError(t, err)

	require.Equal(t, 3, chain.Len())
	assert.Equal(t, audit.OutcomePendingFix, chain.Outcome)

	guard, fixer := chain.ChainLinks[1], chain.ChainLinks[2]
	assert.Equal(t, audit.RoleGuard, guard.SourceAgent)
	assert.Equal(t, audit.RoleFixer, fixer.SourceAgent)
	assert.Equal(t, guard.DecisionHash, fixer.ParentHandshakeID)
}

func TestIllegibleDocumentTerminatesRejected(t *testing.T) {
	r, _, _ := testRunner(Config{EnableWatchman: true})

	doc := cleanDocument()
	doc.Fields = map[string]interface{}{"illegible": true}

	chain, err := r.Run(context.Background(), testOpportunity(), doc)
	require.NoError(t, err)

	assert.Equal(t, 2, chain.Len())
	assert.Equal(t, audit.OutcomeRejected, chain.Outcome)
}

func TestFixerFailurePropagatesWithPartialChain(t *testing.T) {
	r, _, _ := testRunner(Config{EnableWatchman: true})

	doc := deficientDocument()
	doc.Broker = "" // no remediation recipient

	chain, err := r.Run(context.Background(), testOpportunity(), doc)
	require.Error(t, err)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "fixer", runErr.Step)
	assert.Equal(t, chain, runErr.Chain)
	assert.Equal(t, 2, chain.Len(), "scout and guard links survive")
	assert.Equal(t, audit.OutcomeRejected, chain.Outcome)
}

func TestScoutFailurePropagates(t *testing.T) {
	r, _, _ := testRunner(Config{})

	opp := testOpportunity()
	opp.PermitNumber = ""

	chain, err := r.Run(context.Background(), opp, cleanDocument())
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	assert.Equal(t, 0, chain.Len())
}

func TestBudgetOverrunWarnsButCompletes(t *testing.T) {
	r, l, bus := testRunner(Config{EnableWatchman: true, BudgetPerItemUSD: 1e-09})
	warnings := bus.Subscribe(events.TypeBudgetExceeded)

	chain, err := r.Run(context.Background(), testOpportunity(), cleanDocument())
	require.NoError(t, err, "default mode never fails on budget")
	assert.Equal(t, audit.OutcomeMonitoringActive, chain.Outcome)

	select {
	case ev := <-warnings:
		assert.Equal(t, events.TypeBudgetExceeded, ev.Type)
		assert.Equal(t, chain.ProjectID, ev.Data["project_id"])
	default:
		t.Fatal("expected a budget.exceeded event")
	}

	assert.False(t, l.MeetsTarget(1e-09))
}

func TestStrictBudgetFails(t *testing.T) {
	r, _, _ := testRunner(Config{EnableWatchman: true, BudgetPerItemUSD: 1e-09, StrictBudget: true})

	chain, err := r.Run(context.Background(), testOpportunity(), cleanDocument())
	require.Error(t, err)
	assert.Equal(t, faults.KindBudgetExceeded, faults.KindOf(err))
	assert.NotNil(t, chain)
	assert.Equal(t, 3, chain.Len(), "chain is returned despite the overrun")
}

func TestTamperedChainFailsVerification(t *testing.T) {
	r, _, _ := testRunner(Config{EnableWatchman: true})

	chain, err := r.Run(context.Background(), testOpportunity(), cleanDocument())
	require.NoError(t, err)
	require.NoError(t, chain.VerifyIntegrity())

	chain.ChainLinks[1].DecisionHash = chain.ChainLinks[0].DecisionHash
	assert.Error(t, chain.VerifyIntegrity())
}

func TestCancelledRunReturnsPartialChain(t *testing.T) {
	r, _, _ := testRunner(Config{EnableWatchman: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain, err := r.Run(ctx, testOpportunity(), cleanDocument())
	require.Error(t, err)
	assert.Equal(t, faults.KindCancelled, faults.KindOf(err))
	assert.NotNil(t, chain)
}

func TestConcurrentRunsDoNotInterfere(t *testing.T) {
	r, _, _ := testRunner(Config{EnableWatchman: true})

	type result struct {
		chain *audit.AuditChain
		err   error
	}
	results := make(chan result, 8)
	for i := 0; i < 8; i++ {
		go func() {
			chain, err := r.Run(context.Background(), testOpportunity(), cleanDocument())
			results <- result{chain, err}
		}()
	}

	for i := 0; i < 8; i++ {
		res := <-results
		require.NoError(t, res.err)
		assert.NoError(t, res.chain.VerifyIntegrity())
		assert.Equal(t, 3, res.chain.Len())
	}
}

func TestPipelineEventsEmitted(t *testing.T) {
	r, _, bus := testRunner(Config{EnableWatchman: true})
	done := bus.Subscribe(events.TypePipelineCompleted)

	_, err := r.Run(context.Background(), testOpportunity(), cleanDocument())
	require.NoError(t, err)

	select {
	case ev := <-done:
		assert.Equal(t, string(audit.OutcomeMonitoringActive), ev.Data["outcome"])
	default:
		t.Fatal("expected a pipeline.completed event")
	}
}

func TestRunErrorUnwraps(t *testing.T) {
	inner := faults.Validation("boom")
	err := &RunError{Chain: audit.NewChain("p"), Step: "guard", Err: inner}
	assert.True(t, errors.Is(err, inner) || errors.As(err, new(*faults.Fault)))
	assert.Contains(t, err.Error(), "guard")
}
