package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"forge/internal/model"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func sampleProposal(name string) model.SkillProposal {
	return model.SkillProposal{
		Name:            name,
		Description:     "writes a note to disk",
		SideEffectClass: model.SideEffectFileWrite,
		InputSchema:     `{"title":"string","body":"string"}`,
		OutputSchema:    `{"path":"string"}`,
	}
}

func TestCreateProposalStartsProposed(t *testing.T) {
	l := newTestLedger(t)
	id, err := l.CreateProposal(sampleProposal("write_note"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	status, err := l.QueryStatus(id)
	require.NoError(t, err)
	require.Equal(t, model.StatusProposed, status)
}

func TestOpenBuildRejectsUnknownProposal(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.OpenBuild("does-not-exist", "")
	require.Error(t, err)
}

func TestOpenBuildAttemptNumbersAreContiguous(t *testing.T) {
	l := newTestLedger(t)
	propID, err := l.CreateProposal(sampleProposal("write_note"))
	require.NoError(t, err)

	b1, err := l.OpenBuild(propID, "")
	require.NoError(t, err)
	require.NoError(t, l.RecordBuildResult(b1, model.OutcomeFailed, "", model.FailureBuildError, "boom"))

	b2, err := l.OpenBuild(propID, b1)
	require.NoError(t, err)

	build1, err := l.GetBuild(b1)
	require.NoError(t, err)
	build2, err := l.GetBuild(b2)
	require.NoError(t, err)
	require.Equal(t, 1, build1.AttemptNumber)
	require.Equal(t, 2, build2.AttemptNumber)
	require.Equal(t, b1, build2.ParentBuildID)
}

func TestSetBuildDiffPreviewRoundTrips(t *testing.T) {
	l := newTestLedger(t)
	propID, err := l.CreateProposal(sampleProposal("write_note"))
	require.NoError(t, err)

	buildID, err := l.OpenBuild(propID, "")
	require.NoError(t, err)

	build, err := l.GetBuild(buildID)
	require.NoError(t, err)
	require.Empty(t, build.DiffArtifactID)

	require.NoError(t, l.SetBuildDiffPreview(buildID, "artifact-123"))

	build, err = l.GetBuild(buildID)
	require.NoError(t, err)
	require.Equal(t, "artifact-123", build.DiffArtifactID)
}

func TestOpenBuildRejectsSecondInFlightBuild(t *testing.T) {
	l := newTestLedger(t)
	propID, err := l.CreateProposal(sampleProposal("write_note"))
	require.NoError(t, err)

	_, err = l.OpenBuild(propID, "")
	require.NoError(t, err)

	_, err = l.OpenBuild(propID, "")
	require.Error(t, err)
}

func TestFullLifecycleReachesTrusted(t *testing.T) {
	l := newTestLedger(t)
	propID, err := l.CreateProposal(sampleProposal("write_note"))
	require.NoError(t, err)

	buildID, err := l.OpenBuild(propID, "")
	require.NoError(t, err)
	require.NoError(t, l.RecordBuildResult(buildID, model.OutcomeSucceeded, "log-artifact", "", ""))

	status, err := l.QueryStatus(propID)
	require.NoError(t, err)
	require.Equal(t, model.StatusBuilt, status)

	_, err = l.RecordVerification(model.VerificationRecord{
		BuildID: buildID, LintOK: true, TypeCheckOK: true, UnitTestOK: true, PolicyOK: true, InvariantOK: true,
	})
	require.NoError(t, err)

	status, err = l.QueryStatus(propID)
	require.NoError(t, err)
	require.Equal(t, model.StatusVerified, status)

	_, err = l.RecordPromotion(propID, "operator@example.com", "deadbeef")
	require.NoError(t, err)

	status, err = l.QueryStatus(propID)
	require.NoError(t, err)
	require.Equal(t, model.StatusTrusted, status)
}

func TestFailedVerificationResetsToProposed(t *testing.T) {
	l := newTestLedger(t)
	propID, err := l.CreateProposal(sampleProposal("write_note"))
	require.NoError(t, err)

	buildID, err := l.OpenBuild(propID, "")
	require.NoError(t, err)
	require.NoError(t, l.RecordBuildResult(buildID, model.OutcomeSucceeded, "log-artifact", "", ""))

	_, err = l.RecordVerification(model.VerificationRecord{
		BuildID: buildID, LintOK: true, TypeCheckOK: false, UnitTestOK: true, PolicyOK: true, InvariantOK: true,
	})
	require.NoError(t, err)

	status, err := l.QueryStatus(propID)
	require.NoError(t, err)
	require.Equal(t, model.StatusProposed, status)
}

func TestPromotionRequiresVerifiedStatus(t *testing.T) {
	l := newTestLedger(t)
	propID, err := l.CreateProposal(sampleProposal("write_note"))
	require.NoError(t, err)

	_, err = l.RecordPromotion(propID, "operator@example.com", "deadbeef")
	require.Error(t, err)
}
