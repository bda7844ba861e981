package team

import (
	"strings"
	"time"
)

// StopReason names the termination condition that ended a run.
type StopReason string

const (
	StopMaxDuration   StopReason = "max_duration"
	StopMaxTokens     StopReason = "max_tokens"
	StopMaxIterations StopReason = "max_iterations"
	StopPhrase        StopReason = "stop_phrase"
)

// EvaluateTermination is a pure decision function over round state.
// Conditions are checked in fixed priority order — maxDuration >
// maxTokens > maxIterations > stopPhrases — so the reported reason is
// deterministic when several are simultaneously true.
func EvaluateTermination(elapsedTokens int, elapsed time.Duration, round int, recentOutputs []string, p TerminationPolicy) (bool, StopReason) {
	if p.MaxDuration > 0 && elapsed >= p.MaxDuration {
		return true, StopMaxDuration
	}
	if p.MaxTokens > 0 && elapsedTokens >= p.MaxTokens {
		return true, StopMaxTokens
	}
	if p.MaxIterations > 0 && round >= p.MaxIterations {
		return true, StopMaxIterations
	}
	for _, phrase := range p.StopPhrases {
		if phrase == "" {
			continue
		}
		lower := strings.ToLower(phrase)
		for _, out := range recentOutputs {
			if strings.Contains(strings.ToLower(out), lower) {
				return true, StopPhrase
			}
		}
	}
	return false, ""
}
