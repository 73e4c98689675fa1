package classify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"forge/internal/model"
)

var defaultKeywords = []string{"network", "money", "payment", "messaging", "secret", "credential"}

func TestClassifyGateViolation(t *testing.T) {
	rec := Classify(Input{GateViolation: true, GateOffendingPaths: []string{"setup.py"}})
	require.Equal(t, model.FailureGateViolation, rec.Kind)
	require.Equal(t, []string{"setup.py"}, rec.Facts["offending_paths"])
}

func TestClassifyTimeout(t *testing.T) {
	rec := Classify(Input{TimedOut: true})
	require.Equal(t, model.FailureTimeout, rec.Kind)
}

func TestClassifyBuildError(t *testing.T) {
	rec := Classify(Input{WorkerFailed: true, BuildStderrTail: "Traceback..."})
	require.Equal(t, model.FailureBuildError, rec.Kind)
}

func TestClassifyVerifyLint(t *testing.T) {
	rec := Classify(Input{VerifyRan: true, LintOK: false, TypeCheckOK: true, UnitTestOK: true, PolicyOK: true, InvariantOK: true})
	require.Equal(t, model.FailureVerifyLint, rec.Kind)
}

func TestClassifyVerifyTest(t *testing.T) {
	rec := Classify(Input{
		VerifyRan: true, LintOK: true, TypeCheckOK: true, UnitTestOK: false, PolicyOK: true, InvariantOK: true,
		FailingTests: []string{"test_write_note_rejects_blank_title"},
	})
	require.Equal(t, model.FailureVerifyTest, rec.Kind)
	require.Equal(t, []string{"test_write_note_rejects_blank_title"}, rec.Facts["failing_tests"])
}

func TestClassifyVerifyPolicySetsSecurityClassTrigger(t *testing.T) {
	rec := Classify(Input{
		VerifyRan: true, LintOK: true, TypeCheckOK: true, UnitTestOK: true, PolicyOK: false, InvariantOK: true,
		PolicyFacts: []string{"forbidden_module:subprocess"},
	})
	require.Equal(t, model.FailureVerifyPolicy, rec.Kind)
	require.True(t, rec.HasTrigger(model.TriggerSecurityClass))
	require.True(t, rec.RequiresApproval())
}

func TestClassifyVerifyInvariant(t *testing.T) {
	rec := Classify(Input{VerifyRan: true, LintOK: true, TypeCheckOK: true, UnitTestOK: true, PolicyOK: true, InvariantOK: false})
	require.Equal(t, model.FailureVerifyInvariant, rec.Kind)
	require.True(t, rec.HasTrigger(model.TriggerSecurityClass))
}

func TestClassifyUnknownSetsAmbiguousTrigger(t *testing.T) {
	rec := Classify(Input{})
	require.Equal(t, model.FailureUnknown, rec.Kind)
	require.True(t, rec.HasTrigger(model.TriggerAmbiguous))
}

func TestClassifyRepeatedFailureTrigger(t *testing.T) {
	rec := Classify(Input{WorkerFailed: true, ConsecutiveFailures: 3})
	require.True(t, rec.HasTrigger(model.TriggerRepeatedFailure))
}

func TestClassifyPermissionWideningTrigger(t *testing.T) {
	rec := Classify(Input{
		WorkerFailed:       true,
		PreviousPacketText: "write a note to disk",
		NextPacketText:     "write a note to disk and send it over the network",
		EscalationKeywords: defaultKeywords,
	})
	require.True(t, rec.HasTrigger(model.TriggerPermissionWidening))
}

func TestClassifyNoPermissionWideningWhenKeywordAlreadyPresent(t *testing.T) {
	rec := Classify(Input{
		WorkerFailed:       true,
		PreviousPacketText: "send a network request",
		NextPacketText:     "send a network request with retries",
		EscalationKeywords: defaultKeywords,
	})
	require.False(t, rec.HasTrigger(model.TriggerPermissionWidening))
}

func TestClassifyLargeDiffTrigger(t *testing.T) {
	rec := Classify(Input{WorkerFailed: true, LargeDiffPercent: 75})
	require.True(t, rec.HasTrigger(model.TriggerLargeDiff))
}

func TestClassifyAdvisoryUnavailableSetsAmbiguous(t *testing.T) {
	rec := Classify(Input{WorkerFailed: true, AdvisoryUnavailable: true})
	require.True(t, rec.HasTrigger(model.TriggerAmbiguous))
}

func TestClassifyIsDeterministic(t *testing.T) {
	in := Input{VerifyRan: true, LintOK: false, PolicyOK: true, InvariantOK: true, TypeCheckOK: true, UnitTestOK: true}
	a := Classify(in)
	b := Classify(in)
	require.Equal(t, a.Kind, b.Kind)
	require.Equal(t, a.Triggers, b.Triggers)
}
