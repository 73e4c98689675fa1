// Package retry implements the retry engine (spec §4.9): given a failed
// build's facts and its original packet, produce the next packet plus
// an escalation trigger set. It never opens a new build itself — the
// caller decides what to do with the enriched packet.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"forge/internal/classify"
	"forge/internal/gateway"
	"forge/internal/logging"
	"forge/internal/model"
)

// Engine produces the next build packet from a failed attempt. Advisor
// may be nil, which is equivalent to the gateway being unconfigured:
// the engine falls back to the deterministic packet and records the
// AMBIGUOUS trigger.
type Engine struct {
	Advisor            gateway.Advisor
	PromptCharCap      int
	EscalationKeywords []string
	LargeDiffPercent   float64
}

// New builds an Engine. A nil advisor disables the advisory layer.
func New(advisor gateway.Advisor, promptCharCap int, escalationKeywords []string, largeDiffPercent float64) *Engine {
	if promptCharCap <= 0 {
		promptCharCap = 8000
	}
	return &Engine{
		Advisor:            advisor,
		PromptCharCap:      promptCharCap,
		EscalationKeywords: escalationKeywords,
		LargeDiffPercent:   largeDiffPercent,
	}
}

// Result is what one retry round produces.
type Result struct {
	NextPacket string
	Record     model.FailureRecord
}

// advisoryProposal is the shape an advisory response must parse into.
type advisoryProposal struct {
	Packet string `json:"packet"`
}

// Next computes the next build packet for proposal given its previous
// packet, the classified failure, and the consecutive-failure count.
// It always returns a usable packet, even when the advisory layer is
// absent or fails.
func (e *Engine) Next(ctx context.Context, previousPacket string, failure model.FailureRecord, consecutiveFailures int) Result {
	log := logging.Get(logging.CategoryRetry)

	deterministic := enrich(previousPacket, failure)

	in := classify.Input{
		WorkerFailed:        true,
		ConsecutiveFailures: consecutiveFailures,
		PreviousPacketText:  previousPacket,
		NextPacketText:      deterministic,
		EscalationKeywords:  e.EscalationKeywords,
		LargeDiffPercent:    diffPercent(previousPacket, deterministic),
	}

	if e.Advisor == nil {
		log.Debug("no advisor configured, falling back to deterministic packet")
		return e.finalize(deterministic, failure, in, true)
	}

	advised, err := e.tryAdvisory(ctx, deterministic, failure)
	if err != nil {
		log.Warn("advisory layer unavailable: %v", err)
		return e.finalize(deterministic, failure, in, true)
	}

	in.NextPacketText = advised
	in.LargeDiffPercent = diffPercent(previousPacket, advised)
	return e.finalize(advised, failure, in, false)
}

func (e *Engine) finalize(packet string, failure model.FailureRecord, in classify.Input, advisoryUnavailable bool) Result {
	in.AdvisoryUnavailable = advisoryUnavailable
	triggers := classify.Classify(classify.Input{
		ConsecutiveFailures: in.ConsecutiveFailures,
		PreviousPacketText:  in.PreviousPacketText,
		NextPacketText:      in.NextPacketText,
		EscalationKeywords:  in.EscalationKeywords,
		LargeDiffPercent:    in.LargeDiffPercent,
		AdvisoryUnavailable: advisoryUnavailable,
		WorkerFailed:        failure.Kind != model.FailureUnknown,
	}).Triggers

	merged := model.FailureRecord{Kind: failure.Kind, Facts: failure.Facts, Triggers: mergeTriggers(failure.Triggers, triggers)}
	return Result{NextPacket: packet, Record: merged}
}

func mergeTriggers(a, b map[model.EscalationTrigger]bool) map[model.EscalationTrigger]bool {
	out := make(map[model.EscalationTrigger]bool, len(a)+len(b))
	for k, v := range a {
		if v {
			out[k] = true
		}
	}
	for k, v := range b {
		if v {
			out[k] = true
		}
	}
	return out
}

// tryAdvisory sends a bounded prompt to the gateway and parses the
// response as a packet proposal. Any failure (unreachable gateway,
// malformed JSON, missing packet field) is reported as an error so the
// caller falls back to the deterministic packet.
func (e *Engine) tryAdvisory(ctx context.Context, deterministicPacket string, failure model.FailureRecord) (string, error) {
	systemPrompt := "You revise a skill build packet that failed verification. " +
		"Respond with a JSON object of the form {\"packet\": \"<revised packet text>\"} and nothing else."
	userPrompt := truncate(deterministicPacket, e.PromptCharCap)

	response, err := e.Advisor.Advise(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", fmt.Errorf("advisory request: %w", err)
	}

	proposal, err := parseAdvisoryResponse(response)
	if err != nil {
		return "", fmt.Errorf("advisory response: %w", err)
	}
	if strings.TrimSpace(proposal.Packet) == "" {
		return "", fmt.Errorf("advisory response carried an empty packet")
	}
	return proposal.Packet, nil
}

func parseAdvisoryResponse(response string) (advisoryProposal, error) {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	var proposal advisoryProposal
	if err := json.Unmarshal([]byte(response), &proposal); err != nil {
		return advisoryProposal{}, fmt.Errorf("parse json: %w", err)
	}
	return proposal, nil
}

// enrich appends a deterministic "previous attempt failed" section to
// packet, per spec §4.9's deterministic layer. It never changes the
// semantic content of the original packet.
func enrich(packet string, failure model.FailureRecord) string {
	var b strings.Builder
	b.WriteString(packet)
	b.WriteString("\n\n## Previous Attempt Failed\n")
	fmt.Fprintf(&b, "kind: %s\n", failure.Kind)
	keys := make([]string, 0, len(failure.Facts))
	for k := range failure.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, failure.Facts[k])
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// diffPercent estimates the line-level change between two packet texts
// as a percentage, feeding the classifier's LARGE_DIFF trigger.
func diffPercent(before, after string) float64 {
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")

	beforeSet := make(map[string]int, len(beforeLines))
	for _, l := range beforeLines {
		beforeSet[l]++
	}
	changed := 0
	for _, l := range afterLines {
		if beforeSet[l] > 0 {
			beforeSet[l]--
			continue
		}
		changed++
	}
	total := len(afterLines)
	if total == 0 {
		return 0
	}
	return 100 * float64(changed) / float64(total)
}
