package capture

import (
	"time"

	"github.com/randalmurphal/replaykit/pkg/replaykit/config"
)

// policy is the resolved form of config.CaptureSettings.
type policy struct {
	quiet           map[Kind]time.Duration
	mapSettle       time.Duration
	maxStaleness    time.Duration
	churnWindow     time.Duration
	keyframeSpacing time.Duration
	maxPendingBonus int
}

func resolvePolicy(s config.CaptureSettings) policy {
	return policy{
		quiet: map[Kind]time.Duration{
			KindTouch:      s.TouchQuiet.Std(),
			KindScroll:     s.ScrollQuiet.Std(),
			KindBounce:     s.BounceQuiet.Std(),
			KindRefresh:    s.RefreshQuiet.Std(),
			KindTransition: s.TransitionQuiet.Std(),
			KindKeyboard:   s.KeyboardQuiet.Std(),
			KindMap:        s.MapQuiet.Std(),
			KindAnimation:  s.AnimationQuiet.Std(),
		},
		mapSettle:       s.MapSettle.Std(),
		maxStaleness:    s.MaxStaleness.Std(),
		churnWindow:     s.ChurnWindow.Std(),
		keyframeSpacing: s.KeyframeSpacing.Std(),
		maxPendingBonus: s.MaxPendingBonus,
	}
}

// bonusDelay is the settle delay before a follow-up capture for signal
// transitions that leave the UI in motion briefly after they end.
// Zero means the kind schedules no follow-up.
func bonusDelay(kind Kind) time.Duration {
	switch kind {
	case KindTouch:
		return 150 * time.Millisecond
	case KindScroll:
		return 250 * time.Millisecond
	case KindTransition:
		return 100 * time.Millisecond
	case KindKeyboard:
		return 350 * time.Millisecond
	case KindAnimation:
		return 250 * time.Millisecond
	default:
		return 0
	}
}

// Engine is the per-session capture decision state machine.
//
// Not safe for concurrent use: the caller must drive it from one
// logical goroutine (the capture loop). Engine never blocks.
type Engine struct {
	policy policy

	lastSeen map[Kind]time.Time

	// Churn detection: recent layout-signature flip times.
	lastObservedSig string
	flips           []time.Time

	// Render state.
	lastRenderedSig string
	lastRenderAt    time.Time
	rendered        bool

	// Bonus/keyframe scheduling.
	bonusDue       []time.Time
	lastKeyframeAt time.Time

	liveMedia bool
}

// NewEngine creates an engine with the given capture settings.
func NewEngine(settings config.CaptureSettings) *Engine {
	return &Engine{
		policy:   resolvePolicy(settings),
		lastSeen: make(map[Kind]time.Time),
	}
}

// Observe records a signal occurrence. Transitions that leave the UI
// settling (touch release, scroll end, navigation, keyboard show, end
// of a blocking animation) also schedule a follow-up bonus capture so
// the settled UI is captured again shortly after.
func (e *Engine) Observe(sig Signal) {
	if sig.At.After(e.lastSeen[sig.Kind]) {
		e.lastSeen[sig.Kind] = sig.At
	}
	if delay := bonusDelay(sig.Kind); delay > 0 {
		e.scheduleBonus(sig.At.Add(delay))
	}
}

// SetLiveMedia tells the engine whether a live media surface (video,
// embedded web, camera) is currently present. Re-encoding unchanged
// pixel surfaces is pure cost, so staleness renders are skipped while
// one is on screen.
func (e *Engine) SetLiveMedia(present bool) {
	e.liveMedia = present
}

// scheduleBonus enqueues a follow-up capture deadline, bounded by the
// outstanding-request cap.
func (e *Engine) scheduleBonus(at time.Time) {
	if len(e.bonusDue) >= e.policy.maxPendingBonus {
		return
	}
	e.bonusDue = append(e.bonusDue, at)
}

// Decide evaluates one candidate capture tick.
//
// signature is a cheap structural fingerprint of the current layout;
// hasLastFrame reports whether a previous frame exists to reuse.
func (e *Engine) Decide(signature string, now time.Time, hasLastFrame bool, importance Importance) Decision {
	e.trackChurn(signature, now)

	if d, blocked := e.activeBlocker(now, importance); blocked {
		return d
	}

	if !hasLastFrame {
		return e.render(signature, now, "no_frame", false)
	}
	if signature != e.lastRenderedSig || !e.rendered {
		return e.render(signature, now, "signature_changed", false)
	}
	if importance >= ImportanceHigh {
		return e.render(signature, now, "forced", false)
	}
	if e.bonusReady(now) {
		return e.render(signature, now, "keyframe", true)
	}
	if now.Sub(e.lastRenderAt) >= e.policy.maxStaleness {
		// Stale but unchanged: with a live media surface present a
		// re-render would re-encode identical pixels.
		if e.liveMedia {
			return Decision{Action: ReuseLast, Reason: "live_media"}
		}
		return e.render(signature, now, "stale", true)
	}
	return Decision{Action: ReuseLast, Reason: "unchanged"}
}

// trackChurn records layout-signature flips inside the churn window.
func (e *Engine) trackChurn(signature string, now time.Time) {
	if e.lastObservedSig != "" && signature != e.lastObservedSig {
		e.flips = append(e.flips, now)
	}
	e.lastObservedSig = signature

	cutoff := now.Add(-e.policy.churnWindow)
	kept := e.flips[:0]
	for _, t := range e.flips {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.flips = kept
}

// activeBlocker returns a Defer decision if any applicable quiet
// window is still open. DeferUntil is the latest unmet deadline and
// Reason names the kind producing it.
func (e *Engine) activeBlocker(now time.Time, importance Importance) (Decision, bool) {
	var (
		latest time.Time
		reason string
	)

	for _, kind := range blockerOrder {
		if !e.blockerApplies(kind, importance) {
			continue
		}
		seen, ok := e.lastSeen[kind]
		if !ok {
			continue
		}
		deadline := seen.Add(e.policy.quiet[kind])
		if kind == KindMap {
			// Map renders are jarring until the camera fully settles,
			// so the map gets an extra settle window past its quiet one.
			deadline = deadline.Add(e.policy.mapSettle)
		}
		if deadline.After(now) && deadline.After(latest) {
			latest = deadline
			reason = kind.String()
		}
	}

	// Two or more signature flips inside the churn window means the
	// layout is mid-transition; capturing now would record garbage.
	// Churn is treated like the animation blocker.
	if e.blockerApplies(KindAnimation, importance) && len(e.flips) >= 2 {
		deadline := e.flips[len(e.flips)-1].Add(e.policy.churnWindow)
		if deadline.After(now) && deadline.After(latest) {
			latest = deadline
			reason = "churn"
		}
	}

	if latest.IsZero() {
		return Decision{}, false
	}
	return Decision{Action: Defer, Reason: reason, DeferUntil: latest}, true
}

// blockerApplies reports whether a blocker kind is honored at the
// given importance. HIGH suppresses cosmetic blockers but scroll and
// map renders are visually jarring if interrupted, so those two hold
// until CRITICAL.
func (e *Engine) blockerApplies(kind Kind, importance Importance) bool {
	switch {
	case importance >= ImportanceCritical:
		return false
	case importance >= ImportanceHigh:
		return kind == KindScroll || kind == KindMap
	default:
		return true
	}
}

// bonusReady reports whether a scheduled bonus capture is due,
// honoring the minimum spacing between consecutive keyframes.
func (e *Engine) bonusReady(now time.Time) bool {
	if !e.lastKeyframeAt.IsZero() && now.Sub(e.lastKeyframeAt) < e.policy.keyframeSpacing {
		return false
	}
	for _, due := range e.bonusDue {
		if !due.After(now) {
			return true
		}
	}
	return false
}

// render records a render and returns the RenderNow decision.
// keyframe marks captures forced independent of signature change.
func (e *Engine) render(signature string, now time.Time, reason string, keyframe bool) Decision {
	e.lastRenderedSig = signature
	e.lastRenderAt = now
	e.rendered = true
	if keyframe {
		e.lastKeyframeAt = now
	}

	// Consume bonus deadlines satisfied by this render.
	kept := e.bonusDue[:0]
	for _, due := range e.bonusDue {
		if due.After(now) {
			kept = append(kept, due)
		}
	}
	e.bonusDue = kept

	return Decision{Action: RenderNow, Reason: reason}
}
