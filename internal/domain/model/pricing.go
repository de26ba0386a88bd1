package model

import (
	"fmt"
	"strings"

	"video-batch-service/internal/domain"
)

const (
	MaxPromptLen = 3000
	MaxNumVideos = 50
)

// pricingTable maps model -> duration seconds -> unit cost in credits.
// One video at a given model/duration combination costs exactly one unit.
var pricingTable = map[string]map[int]int{
	"sora-2":     {10: 10, 15: 15},
	"sora-2-pro": {10: 50, 15: 75, 25: 100},
}

var allowedSizes = map[string][]string{
	"sora-2":     {"720x1280", "1280x720"},
	"sora-2-pro": {"720x1280", "1280x720", "1024x1792", "1792x1024"},
}

// UnitCost returns the credit price of one video, or ErrInvalidArgument for
// an unknown model/duration combination.
func UnitCost(model string, duration int) (int, error) {
	durations, ok := pricingTable[model]
	if !ok {
		return 0, fmt.Errorf("unknown model %q: %w", model, domain.ErrInvalidArgument)
	}
	cost, ok := durations[duration]
	if !ok {
		return 0, fmt.Errorf("model %q does not support duration %ds: %w", model, duration, domain.ErrInvalidArgument)
	}
	return cost, nil
}

func KnownModels() []string {
	out := make([]string, 0, len(pricingTable))
	for m := range pricingTable {
		out = append(out, m)
	}
	return out
}

// BatchSpec is the validated shape of a creation request.
type BatchSpec struct {
	Prompt      string
	Model       string
	Orientation Orientation
	Size        string
	Duration    int
	NumVideos   int
	ImageRef    string
}

// Validate rejects a spec synchronously, before any side effect.
func (s *BatchSpec) Validate() error {
	s.Prompt = strings.TrimSpace(s.Prompt)
	if s.Prompt == "" {
		return fmt.Errorf("prompt is required: %w", domain.ErrInvalidArgument)
	}
	if len(s.Prompt) > MaxPromptLen {
		return fmt.Errorf("prompt exceeds %d characters: %w", MaxPromptLen, domain.ErrInvalidArgument)
	}
	if s.NumVideos < 1 || s.NumVideos > MaxNumVideos {
		return fmt.Errorf("num_videos must be between 1 and %d: %w", MaxNumVideos, domain.ErrInvalidArgument)
	}
	if s.Orientation != OrientationLandscape && s.Orientation != OrientationPortrait {
		return fmt.Errorf("orientation must be landscape or portrait: %w", domain.ErrInvalidArgument)
	}
	if _, err := UnitCost(s.Model, s.Duration); err != nil {
		return err
	}
	sizes, ok := allowedSizes[s.Model]
	if !ok {
		return fmt.Errorf("unknown model %q: %w", s.Model, domain.ErrInvalidArgument)
	}
	for _, sz := range sizes {
		if sz == s.Size {
			return nil
		}
	}
	return fmt.Errorf("model %q does not support size %q: %w", s.Model, s.Size, domain.ErrInvalidArgument)
}
