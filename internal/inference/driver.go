// Package inference runs prompts through a generation backend and enforces
// the power-aware termination contract: a long-running generation must be
// cut short, with a visible marker, if the battery crosses the watchdog
// threshold before it finishes.
package inference

import (
	"context"
	"errors"
)

// TruncationMarker is appended to any response cut short by the power
// watchdog, so callers never need to special-case "done" vs "interrupted"
// responses beyond checking for this marker.
const TruncationMarker = "\n[truncated: low battery]"

// ErrEmptyPrompt is returned by Simulator/SubprocessDriver.Generate for an
// empty prompt; callers surface it as a producer error (§7).
var ErrEmptyPrompt = errors.New("inference: prompt must not be empty")

// Driver is the capability set the Scheduler depends on. Two concrete
// implementations exist — Simulator and SubprocessDriver — and neither is a
// specialization of the other; both independently satisfy this contract.
type Driver interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	MaxTokensForBattery(batteryPercent float64) int
}

// MaxTokensForBattery implements the shared, monotonically non-decreasing
// token-budget mapping used by both driver variants: battery above 80%
// allows the largest budget, tapering down to a conservative floor at or
// below 30%.
func MaxTokensForBattery(batteryPercent float64) int {
	switch {
	case batteryPercent > 80:
		return 2048
	case batteryPercent > 50:
		return 1024
	case batteryPercent > 30:
		return 512
	default:
		return 256
	}
}

// EstimateTokens approximates a prompt's token count at roughly four
// characters per token, with a floor of one token for any non-empty
// prompt, per the Scheduler's estimate_tokens contract.
func EstimateTokens(prompt string) int {
	if prompt == "" {
		return 0
	}
	t := len(prompt) / 4
	if t < 1 {
		t = 1
	}
	return t
}
