package proof

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInput() Input {
	return Input{
		AgentName: "guard",
		Decision:  DecisionApproved,
		InputData: map[string]interface{}{
			"document_id":   "coi-4411",
			"permit_number": "121234567",
		},
		Citations: []LogicCitation{
			{
				Standard:       "NYC-DOB-1",
				Clause:         "28-105.1",
				Interpretation: "Permit required before commencing work",
				Confidence:     0.97,
			},
		},
		Reasoning:  "Certificate lists all required endorsements and valid dates.",
		Confidence: 0.95,
		RiskLevel:  RiskLow,
	}
}

func TestBuildThenVerify(t *testing.T) {
	p, err := Build(sampleInput())
	require.NoError(t, err)

	assert.Len(t, p.ProofHash, 64)
	assert.True(t, Verify(p))
	assert.Contains(t, p.DecisionID, "guard-")
}

func TestTamperingBreaksVerification(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *DecisionProof)
	}{
		{"decision", func(p *DecisionProof) { p.Decision = DecisionRejected }},
		{"confidence", func(p *DecisionProof) { p.Confidence = 0.10 }},
		{"reasoning", func(p *DecisionProof) { p.Reasoning = "rewritten after the fact" }},
		{"agent", func(p *DecisionProof) { p.AgentName = "impostor" }},
		{"input", func(p *DecisionProof) { p.InputData["permit_number"] = "999999999" }},
		{"citation", func(p *DecisionProof) { p.LogicCitations[0].Clause = "28-999" }},
		{"timestamp", func(p *DecisionProof) { p.Timestamp = p.Timestamp.Add(time.Hour) }},
		{"risk", func(p *DecisionProof) { p.RiskLevel = RiskCritical }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Build(sampleInput())
			require.NoError(t, err)
			tt.mutate(p)
			assert.False(t, Verify(p), "mutated %s must fail verification", tt.name)
		})
	}
}

func TestCostFillDoesNotBreakVerification(t *testing.T) {
	p, err := Build(sampleInput())
	require.NoError(t, err)

	p.SetCost(0.00042)
	assert.True(t, Verify(p), "cost_usd is outside the hash")
}

func TestBuildValidatesInputs(t *testing.T) {
	in := sampleInput()
	in.AgentName = ""
	_, err := Build(in)
	assert.Error(t, err)

	in = sampleInput()
	in.Confidence = 1.5
	_, err = Build(in)
	assert.Error(t, err)

	in = sampleInput()
	in.Decision = ""
	_, err = Build(in)
	assert.Error(t, err)
}

func TestBuildRejectsUnhashableInput(t *testing.T) {
	in := sampleInput()
	in.InputData = map[string]interface{}{"ch": make(chan int)}
	_, err := Build(in)
	assert.Error(t, err)
}

func TestValidateCleanProof(t *testing.T) {
	p, err := Build(sampleInput())
	require.NoError(t, err)

	issues := Validate(p)
	assert.Empty(t, issues)
}

func TestValidateWarnings(t *testing.T) {
	in := sampleInput()
	in.Citations = nil
	in.Confidence = 0.3
	in.Reasoning = "short"
	p, err := Build(in)
	require.NoError(t, err)

	issues := Validate(p)
	require.Len(t, issues, 3)
	for _, is := range issues {
		assert.Equal(t, SeverityWarning, is.Severity)
	}
	assert.True(t, Verify(p), "warnings do not invalidate the proof")
	assert.False(t, HasBlocking(issues))
}

func TestValidateTamperedIsCritical(t *testing.T) {
	p, err := Build(sampleInput())
	require.NoError(t, err)
	p.Decision = DecisionRejected

	issues := Validate(p)
	require.NotEmpty(t, issues)
	assert.Equal(t, SeverityCritical, issues[0].Severity)
	assert.True(t, HasBlocking(issues))
}

func TestValidateFutureTimestamp(t *testing.T) {
	p, err := Build(sampleInput())
	require.NoError(t, err)
	p.Timestamp = time.Now().Add(5 * time.Minute)

	issues := Validate(p)
	var sawError bool
	for _, is := range issues {
		if is.Severity == SeverityError {
			sawError = true
		}
	}
	assert.True(t, sawError, "future timestamp beyond skew allowance is an ERROR")
}

func TestDecisionIDsUniquePerEmitter(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		p, err := Build(sampleInput())
		require.NoError(t, err)
		assert.False(t, seen[p.DecisionID], "duplicate decision ID %s", p.DecisionID)
		seen[p.DecisionID] = true
	}
}

func BenchmarkBuild(b *testing.B) {
	in := sampleInput()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Build(in)
	}
}
