// Package config holds the tunable policy knobs for replaykit.
//
// Settings load from YAML or JSON files. Zero values are replaced by
// defaults, so a partial file only overrides what it names. The host
// application re-fetches configuration to clear a billing hold; see the
// pipeline's ClearBillingHold.
package config

import (
	"fmt"
	"time"
)

// Settings is the full configuration tree.
type Settings struct {
	Capture  CaptureSettings  `yaml:"capture" json:"capture"`
	Pipeline PipelineSettings `yaml:"pipeline" json:"pipeline"`
	Recovery RecoverySettings `yaml:"recovery" json:"recovery"`
}

// CaptureSettings tunes the capture decision engine.
// All quiet windows are policy knobs, not contracts.
type CaptureSettings struct {
	TouchQuiet      Duration `yaml:"touch_quiet" json:"touch_quiet"`
	ScrollQuiet     Duration `yaml:"scroll_quiet" json:"scroll_quiet"`
	BounceQuiet     Duration `yaml:"bounce_quiet" json:"bounce_quiet"`
	RefreshQuiet    Duration `yaml:"refresh_quiet" json:"refresh_quiet"`
	TransitionQuiet Duration `yaml:"transition_quiet" json:"transition_quiet"`
	KeyboardQuiet   Duration `yaml:"keyboard_quiet" json:"keyboard_quiet"`
	AnimationQuiet  Duration `yaml:"animation_quiet" json:"animation_quiet"`
	MapQuiet        Duration `yaml:"map_quiet" json:"map_quiet"`
	MapSettle       Duration `yaml:"map_settle" json:"map_settle"`
	MaxStaleness    Duration `yaml:"max_staleness" json:"max_staleness"`
	ChurnWindow     Duration `yaml:"churn_window" json:"churn_window"`
	KeyframeSpacing Duration `yaml:"keyframe_spacing" json:"keyframe_spacing"`
	MaxPendingBonus int      `yaml:"max_pending_bonus" json:"max_pending_bonus"`
}

// PipelineSettings tunes the upload pipeline.
type PipelineSettings struct {
	// RequestTimeout bounds every network call. A timeout counts as a
	// failure for circuit-breaker accounting.
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit breaker.
	BreakerThreshold int `yaml:"breaker_threshold" json:"breaker_threshold"`

	// BreakerCooldown is how long the breaker stays open before
	// auto-resetting.
	BreakerCooldown Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
}

// RecoverySettings tunes the background durability worker.
type RecoverySettings struct {
	// GracePeriod: sessions whose marker was updated more recently than
	// this are treated as owned by a live process and skipped.
	GracePeriod Duration `yaml:"grace_period" json:"grace_period"`

	// MaxAttempts caps retries per session per recovery pass.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff"`
}

// Default returns the recommended settings.
func Default() Settings {
	return Settings{
		Capture: CaptureSettings{
			TouchQuiet:      Duration(120 * time.Millisecond),
			ScrollQuiet:     Duration(200 * time.Millisecond),
			BounceQuiet:     Duration(200 * time.Millisecond),
			RefreshQuiet:    Duration(220 * time.Millisecond),
			TransitionQuiet: Duration(100 * time.Millisecond),
			KeyboardQuiet:   Duration(250 * time.Millisecond),
			AnimationQuiet:  Duration(250 * time.Millisecond),
			MapQuiet:        Duration(550 * time.Millisecond),
			MapSettle:       Duration(800 * time.Millisecond),
			MaxStaleness:    Duration(5 * time.Second),
			ChurnWindow:     Duration(250 * time.Millisecond),
			KeyframeSpacing: Duration(250 * time.Millisecond),
			MaxPendingBonus: 3,
		},
		Pipeline: PipelineSettings{
			RequestTimeout:   Duration(30 * time.Second),
			BreakerThreshold: 5,
			BreakerCooldown:  Duration(60 * time.Second),
		},
		Recovery: RecoverySettings{
			GracePeriod:    Duration(60 * time.Second),
			MaxAttempts:    5,
			InitialBackoff: Duration(2 * time.Second),
		},
	}
}

// Validate reports the first invalid field, or nil.
func (s Settings) Validate() error {
	if s.Pipeline.BreakerThreshold < 1 {
		return fmt.Errorf("pipeline.breaker_threshold must be >= 1, got %d", s.Pipeline.BreakerThreshold)
	}
	if s.Pipeline.BreakerCooldown <= 0 {
		return fmt.Errorf("pipeline.breaker_cooldown must be positive, got %s", s.Pipeline.BreakerCooldown)
	}
	if s.Pipeline.RequestTimeout <= 0 {
		return fmt.Errorf("pipeline.request_timeout must be positive, got %s", s.Pipeline.RequestTimeout)
	}
	if s.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("recovery.max_attempts must be >= 1, got %d", s.Recovery.MaxAttempts)
	}
	if s.Recovery.GracePeriod < 0 {
		return fmt.Errorf("recovery.grace_period must not be negative, got %s", s.Recovery.GracePeriod)
	}
	if s.Capture.MaxStaleness <= 0 {
		return fmt.Errorf("capture.max_staleness must be positive, got %s", s.Capture.MaxStaleness)
	}
	if s.Capture.MaxPendingBonus < 0 {
		return fmt.Errorf("capture.max_pending_bonus must not be negative, got %d", s.Capture.MaxPendingBonus)
	}
	return nil
}

// withDefaults fills zero-valued fields from Default.
func (s Settings) withDefaults() Settings {
	def := Default()
	fill := func(dst *Duration, d Duration) {
		if *dst == 0 {
			*dst = d
		}
	}
	c, dc := &s.Capture, def.Capture
	fill(&c.TouchQuiet, dc.TouchQuiet)
	fill(&c.ScrollQuiet, dc.ScrollQuiet)
	fill(&c.BounceQuiet, dc.BounceQuiet)
	fill(&c.RefreshQuiet, dc.RefreshQuiet)
	fill(&c.TransitionQuiet, dc.TransitionQuiet)
	fill(&c.KeyboardQuiet, dc.KeyboardQuiet)
	fill(&c.AnimationQuiet, dc.AnimationQuiet)
	fill(&c.MapQuiet, dc.MapQuiet)
	fill(&c.MapSettle, dc.MapSettle)
	fill(&c.MaxStaleness, dc.MaxStaleness)
	fill(&c.ChurnWindow, dc.ChurnWindow)
	fill(&c.KeyframeSpacing, dc.KeyframeSpacing)
	if c.MaxPendingBonus == 0 {
		c.MaxPendingBonus = dc.MaxPendingBonus
	}
	fill(&s.Pipeline.RequestTimeout, def.Pipeline.RequestTimeout)
	if s.Pipeline.BreakerThreshold == 0 {
		s.Pipeline.BreakerThreshold = def.Pipeline.BreakerThreshold
	}
	fill(&s.Pipeline.BreakerCooldown, def.Pipeline.BreakerCooldown)
	fill(&s.Recovery.GracePeriod, def.Recovery.GracePeriod)
	if s.Recovery.MaxAttempts == 0 {
		s.Recovery.MaxAttempts = def.Recovery.MaxAttempts
	}
	fill(&s.Recovery.InitialBackoff, def.Recovery.InitialBackoff)
	return s
}
