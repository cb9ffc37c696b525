package inference

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Simulator is a deterministic or pseudo-random text generator with a
// synthetic duration derived from tokens/processingSpeed, used for tests
// and for nodes without a real inference backend wired up.
type Simulator struct {
	processingSpeed float64 // tokens per second
	canned          map[string]string
	rng             *rand.Rand
	log             zerolog.Logger
}

// NewSimulator builds a Simulator. canned maps exact prompt text to a fixed
// response; any prompt not found there gets a pseudo-random echo response.
// processingSpeed must be positive.
func NewSimulator(processingSpeed float64, canned map[string]string, seed int64, log zerolog.Logger) *Simulator {
	if canned == nil {
		canned = map[string]string{}
	}
	return &Simulator{
		processingSpeed: processingSpeed,
		canned:          canned,
		rng:             rand.New(rand.NewSource(seed)),
		log:             log.With().Str("component", "inference.simulator").Logger(),
	}
}

// Generate returns a canned response when the prompt matches exactly,
// otherwise a pseudo-random response, sleeping for the synthetic duration
// implied by the token count and processing speed (or returning early,
// with the truncation marker, if ctx is canceled first).
func (s *Simulator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	response, ok := s.canned[prompt]
	if !ok {
		response = s.randomResponse(prompt, maxTokens)
	}

	tokens := EstimateTokens(prompt)
	duration := time.Duration(float64(tokens)/s.processingSpeed*float64(time.Second))

	select {
	case <-time.After(duration):
		return response, nil
	case <-ctx.Done():
		s.log.Info().Msg("generation canceled before completion")
		return response + TruncationMarker, nil
	}
}

func (s *Simulator) randomResponse(prompt string, maxTokens int) string {
	words := []string{"ok", "processing", "result", "value", "done", "token"}
	n := maxTokens
	if n <= 0 || n > 64 {
		n = 16
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "echo(%s):", prompt)
	for i := 0; i < n && i < 16; i++ {
		sb.WriteByte(' ')
		sb.WriteString(words[s.rng.Intn(len(words))])
	}
	return sb.String()
}

// MaxTokensForBattery delegates to the shared contract mapping.
func (s *Simulator) MaxTokensForBattery(batteryPercent float64) int {
	return MaxTokensForBattery(batteryPercent)
}

var _ Driver = (*Simulator)(nil)
