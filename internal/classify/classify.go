// Package classify implements the failure classifier (spec §4.8): a
// pure function from a build's logs and gate results to a typed
// FailureRecord. Equal inputs always produce equal output, so the
// classifier never owns a clock, a store handle, or any other
// non-deterministic dependency.
package classify

import (
	"strings"

	"forge/internal/model"
)

// Input bundles everything the classifier is allowed to look at. All
// fields are facts already computed elsewhere (the sandbox's gate
// outcome, the verification battery's per-gate results) — the
// classifier itself never re-derives them.
type Input struct {
	GateViolation    bool     // §4.4 sandbox gate rejected the diff
	GateOffendingPaths []string
	TimedOut         bool
	WorkerExitCode   int
	WorkerFailed     bool // worker exited non-zero and it was not a gate violation or timeout
	BuildStderrTail  string

	VerifyRan      bool
	LintOK         bool
	TypeCheckOK    bool
	UnitTestOK     bool
	PolicyOK       bool
	InvariantOK    bool
	FailingTests   []string
	PolicyFacts    []string
	InvariantFacts []string

	// Context for escalation triggers, independent of failure_kind.
	ConsecutiveFailures int
	NextPacketText      string
	PreviousPacketText  string
	EscalationKeywords  []string
	LargeDiffPercent    float64
	AdvisoryUnavailable bool
}

// Classify derives a FailureRecord from in. It is a pure function: the
// same Input always yields the same FailureRecord.
func Classify(in Input) model.FailureRecord {
	kind, facts := classifyKind(in)
	triggers := classifyTriggers(in, kind)
	return model.FailureRecord{Kind: kind, Facts: facts, Triggers: triggers}
}

func classifyKind(in Input) (model.FailureKind, map[string]any) {
	switch {
	case in.GateViolation:
		return model.FailureGateViolation, map[string]any{"offending_paths": in.GateOffendingPaths}
	case in.TimedOut:
		return model.FailureTimeout, map[string]any{"exit_code": in.WorkerExitCode}
	case in.WorkerFailed:
		return model.FailureBuildError, map[string]any{"stderr_tail": tail(in.BuildStderrTail, 2000)}
	case in.VerifyRan && (!in.LintOK || !in.TypeCheckOK):
		return model.FailureVerifyLint, map[string]any{"lint_ok": in.LintOK, "type_check_ok": in.TypeCheckOK}
	case in.VerifyRan && !in.UnitTestOK:
		return model.FailureVerifyTest, map[string]any{"failing_tests": in.FailingTests}
	case in.VerifyRan && !in.PolicyOK:
		return model.FailureVerifyPolicy, map[string]any{"violations": in.PolicyFacts}
	case in.VerifyRan && !in.InvariantOK:
		return model.FailureVerifyInvariant, map[string]any{"violations": in.InvariantFacts}
	default:
		return model.FailureUnknown, map[string]any{}
	}
}

func classifyTriggers(in Input, kind model.FailureKind) map[model.EscalationTrigger]bool {
	triggers := map[model.EscalationTrigger]bool{}

	if in.ConsecutiveFailures >= 3 {
		triggers[model.TriggerRepeatedFailure] = true
	}

	if hasEscalatingKeyword(in.NextPacketText, in.EscalationKeywords) &&
		!hasEscalatingKeyword(in.PreviousPacketText, in.EscalationKeywords) {
		triggers[model.TriggerPermissionWidening] = true
	}

	if kind == model.FailureVerifyPolicy || kind == model.FailureVerifyInvariant {
		triggers[model.TriggerSecurityClass] = true
	}

	if in.LargeDiffPercent > 50.0 {
		triggers[model.TriggerLargeDiff] = true
	}

	if kind == model.FailureUnknown || in.AdvisoryUnavailable {
		triggers[model.TriggerAmbiguous] = true
	}

	return triggers
}

func hasEscalatingKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
