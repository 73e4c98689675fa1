package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"forge/internal/model"
)

type stubAdvisor struct {
	response string
	err      error
}

func (s stubAdvisor) Advise(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return s.response, s.err
}

var defaultKeywords = []string{"network", "money", "payment", "messaging", "secret", "credential"}

func failingRecord(kind model.FailureKind) model.FailureRecord {
	return model.FailureRecord{Kind: kind, Facts: map[string]any{"stderr_tail": "boom"}, Triggers: map[model.EscalationTrigger]bool{}}
}

func TestNextFallsBackToDeterministicWithoutAdvisor(t *testing.T) {
	e := New(nil, 8000, defaultKeywords, 50)
	result := e.Next(context.Background(), "write a note to disk", failingRecord(model.FailureBuildError), 1)

	require.Contains(t, result.NextPacket, "write a note to disk")
	require.Contains(t, result.NextPacket, "Previous Attempt Failed")
	require.True(t, result.Record.HasTrigger(model.TriggerAmbiguous))
}

func TestNextUsesAdvisoryPacketOnSuccess(t *testing.T) {
	advisor := stubAdvisor{response: `{"packet": "write a note to disk, revised"}`}
	e := New(advisor, 8000, defaultKeywords, 50)
	result := e.Next(context.Background(), "write a note to disk", failingRecord(model.FailureVerifyTest), 1)

	require.Equal(t, "write a note to disk, revised", result.NextPacket)
	require.False(t, result.Record.HasTrigger(model.TriggerAmbiguous))
}

func TestNextFallsBackOnGatewayError(t *testing.T) {
	advisor := stubAdvisor{err: errors.New("connection refused")}
	e := New(advisor, 8000, defaultKeywords, 50)
	result := e.Next(context.Background(), "write a note to disk", failingRecord(model.FailureBuildError), 1)

	require.Contains(t, result.NextPacket, "Previous Attempt Failed")
	require.True(t, result.Record.HasTrigger(model.TriggerAmbiguous))
}

func TestNextFallsBackOnMalformedAdvisoryResponse(t *testing.T) {
	advisor := stubAdvisor{response: "not json"}
	e := New(advisor, 8000, defaultKeywords, 50)
	result := e.Next(context.Background(), "write a note to disk", failingRecord(model.FailureBuildError), 1)

	require.Contains(t, result.NextPacket, "Previous Attempt Failed")
	require.True(t, result.Record.HasTrigger(model.TriggerAmbiguous))
}

func TestNextSetsPermissionWideningTrigger(t *testing.T) {
	advisor := stubAdvisor{response: `{"packet": "write a note to disk and post it over the network"}`}
	e := New(advisor, 8000, defaultKeywords, 50)
	result := e.Next(context.Background(), "write a note to disk", failingRecord(model.FailureBuildError), 1)

	require.True(t, result.Record.HasTrigger(model.TriggerPermissionWidening))
}

func TestNextPreservesSecurityClassTriggerFromOriginalFailure(t *testing.T) {
	e := New(nil, 8000, defaultKeywords, 50)
	original := model.FailureRecord{
		Kind:     model.FailureVerifyPolicy,
		Facts:    map[string]any{},
		Triggers: map[model.EscalationTrigger]bool{model.TriggerSecurityClass: true},
	}
	result := e.Next(context.Background(), "write a note to disk", original, 1)

	require.True(t, result.Record.HasTrigger(model.TriggerSecurityClass))
}

func TestNextSetsRepeatedFailureTrigger(t *testing.T) {
	e := New(nil, 8000, defaultKeywords, 50)
	result := e.Next(context.Background(), "write a note to disk", failingRecord(model.FailureBuildError), 3)

	require.True(t, result.Record.HasTrigger(model.TriggerRepeatedFailure))
}
