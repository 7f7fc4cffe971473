package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildguard/backend/internal/faults"
)

func fakeHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// buildChain assembles a valid chain of n links for tests.
func buildChain(t *testing.T, n int) *AuditChain {
	t.Helper()

	roles := []AgentRole{RoleScout, RoleGuard, RoleWatchman, RoleFixer}
	chain := NewChain("proj-77")

	parent := ""
	for i := 0; i < n; i++ {
		in := LinkInput{
			Source:           roles[i%len(roles)],
			ProjectID:        "proj-77",
			DecisionHash:     fakeHash(fmt.Sprintf("decision-%d", i)),
			Parent:           parent,
			TransitionReason: "step_complete",
		}
		if i < n-1 {
			in.Target = roles[(i+1)%len(roles)]
		}
		hs, err := Link(in)
		require.NoError(t, err)
		require.NoError(t, chain.Append(hs))
		parent = hs.DecisionHash
	}
	return chain
}

func TestLinkValidation(t *testing.T) {
	_, err := Link(LinkInput{Source: "PAINTER", ProjectID: "p", DecisionHash: fakeHash("x")})
	assert.Error(t, err)

	_, err = Link(LinkInput{Source: RoleScout, ProjectID: "", DecisionHash: fakeHash("x")})
	assert.Error(t, err)

	_, err = Link(LinkInput{Source: RoleScout, ProjectID: "p", DecisionHash: "not-a-hash"})
	assert.Error(t, err)

	_, err = Link(LinkInput{Source: RoleScout, ProjectID: "p", DecisionHash: fakeHash("x"), Parent: "bad"})
	assert.Error(t, err)
}

func TestSingleLinkChain(t *testing.T) {
	chain := buildChain(t, 1)
	assert.NoError(t, chain.VerifyIntegrity())
	assert.True(t, chain.Valid())
}

func TestSingleLinkChainWithParentFails(t *testing.T) {
	chain := NewChain("proj-77")
	hs, err := Link(LinkInput{
		Source:       RoleScout,
		ProjectID:    "proj-77",
		DecisionHash: fakeHash("d"),
		Parent:       fakeHash("phantom-parent"),
	})
	require.NoError(t, err)

	assert.Error(t, chain.Append(hs), "root link with a parent must be rejected")

	// Force it in to confirm verification also catches it.
	chain.ChainLinks = append(chain.ChainLinks, hs)
	assert.False(t, chain.Valid())
}

func TestChainIntegrityHappyPath(t *testing.T) {
	chain := buildChain(t, 3)
	assert.NoError(t, chain.VerifyIntegrity())
}

func TestAppendRejectsBrokenLinkage(t *testing.T) {
	chain := buildChain(t, 2)

	hs, err := Link(LinkInput{
		Source:       RoleFixer,
		ProjectID:    "proj-77",
		DecisionHash: fakeHash("stray"),
		Parent:       fakeHash("not-the-tail"),
	})
	require.NoError(t, err)

	err = chain.Append(hs)
	require.Error(t, err)
	assert.Equal(t, faults.KindChainIntegrity, faults.KindOf(err))
}

func TestAppendRejectsWrongProject(t *testing.T) {
	chain := buildChain(t, 1)

	hs, err := Link(LinkInput{
		Source:       RoleGuard,
		ProjectID:    "other-project",
		DecisionHash: fakeHash("g"),
		Parent:       chain.Tail().DecisionHash,
	})
	require.NoError(t, err)
	assert.Error(t, chain.Append(hs))
}

func TestTamperedParentBreaksVerification(t *testing.T) {
	chain := buildChain(t, 3)
	require.True(t, chain.Valid())

	chain.ChainLinks[1].ParentHandshakeID = fakeHash("forged")
	assert.False(t, chain.Valid())
}

func TestTamperedDecisionHashBreaksVerification(t *testing.T) {
	chain := buildChain(t, 3)
	chain.ChainLinks[1].DecisionHash = fakeHash("rewritten")
	assert.False(t, chain.Valid())
}

func TestSwappedLinksBreakVerification(t *testing.T) {
	chain := buildChain(t, 3)
	chain.ChainLinks[0], chain.ChainLinks[1] = chain.ChainLinks[1], chain.ChainLinks[0]
	assert.False(t, chain.Valid())
}

func TestMetadataIsNonBinding(t *testing.T) {
	chain := buildChain(t, 3)
	chain.ChainLinks[1].Metadata = map[string]interface{}{"note": "annotated later"}
	assert.True(t, chain.Valid(), "metadata changes do not affect chain linkage")
}

func TestExportImportRoundTrip(t *testing.T) {
	chain := buildChain(t, 3)
	chain.Outcome = OutcomeMonitoringActive
	chain.TotalCostUSD = 0.0042

	data, err := chain.ExportJSON()
	require.NoError(t, err)

	restored, err := ImportJSON(data)
	require.NoError(t, err)

	assert.Equal(t, chain.ProjectID, restored.ProjectID)
	assert.Equal(t, chain.Outcome, restored.Outcome)
	require.Len(t, restored.ChainLinks, 3)
	assert.Equal(t, chain.Valid(), restored.Valid(),
		"verification verdict must survive an export/import round trip")
}

func TestImportedTamperedChainStillFails(t *testing.T) {
	chain := buildChain(t, 3)
	chain.ChainLinks[2].ParentHandshakeID = fakeHash("forged")

	data, err := chain.ExportJSON()
	require.NoError(t, err)

	restored, err := ImportJSON(data)
	require.NoError(t, err)
	assert.False(t, restored.Valid())
}

func TestEmptyChainIsInvalid(t *testing.T) {
	chain := NewChain("proj-empty")
	err := chain.VerifyIntegrity()
	require.Error(t, err)
	assert.Equal(t, faults.KindChainIntegrity, faults.KindOf(err))
}
