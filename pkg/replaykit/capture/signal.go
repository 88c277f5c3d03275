// Package capture implements the per-session capture decision engine.
//
// The engine is a pure state machine: it consumes interaction and
// layout signals, and on each candidate tick produces a verdict:
// render now, defer until the UI settles, or reuse the last frame.
// It is single-writer by contract: one logical goroutine per session
// drives it, it holds no locks, and every call returns immediately.
package capture

import "time"

// Kind identifies a disruptive UI signal.
type Kind int

// Signal kinds, in blocker priority order.
const (
	KindTouch Kind = iota
	KindScroll
	KindBounce
	KindRefresh
	KindTransition
	KindKeyboard
	KindMap
	KindAnimation
)

// blockerOrder is the fixed priority order blockers are evaluated in.
var blockerOrder = []Kind{
	KindTouch,
	KindScroll,
	KindBounce,
	KindRefresh,
	KindTransition,
	KindKeyboard,
	KindMap,
	KindAnimation,
}

// String returns the signal kind name.
func (k Kind) String() string {
	switch k {
	case KindTouch:
		return "touch"
	case KindScroll:
		return "scroll"
	case KindBounce:
		return "bounce"
	case KindRefresh:
		return "refresh"
	case KindTransition:
		return "transition"
	case KindKeyboard:
		return "keyboard"
	case KindMap:
		return "map"
	case KindAnimation:
		return "animation"
	default:
		return "unknown"
	}
}

// Signal is an ephemeral interaction or layout event. Signals are
// consumed immediately and never persisted.
type Signal struct {
	Kind Kind
	At   time.Time
}

// Importance ranks how urgent a candidate capture is.
type Importance int

// Importance levels. HIGH and CRITICAL suppress most blockers so
// urgent captures (e.g. a navigation transition) are not starved.
const (
	ImportanceLow Importance = iota
	ImportanceNormal
	ImportanceHigh
	ImportanceCritical
)

// String returns the importance name.
func (i Importance) String() string {
	switch i {
	case ImportanceLow:
		return "low"
	case ImportanceNormal:
		return "normal"
	case ImportanceHigh:
		return "high"
	case ImportanceCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Action is the capture verdict.
type Action int

const (
	// RenderNow: capture a fresh frame immediately.
	RenderNow Action = iota

	// Defer: a quiet window is still open; try again at DeferUntil.
	Defer

	// ReuseLast: nothing changed, reuse the previous frame.
	ReuseLast
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case RenderNow:
		return "render_now"
	case Defer:
		return "defer"
	case ReuseLast:
		return "reuse_last"
	default:
		return "unknown"
	}
}

// Decision is the engine's verdict for one candidate tick.
// Derived, never stored.
type Decision struct {
	Action Action

	// Reason names the blocker or the render trigger.
	Reason string

	// DeferUntil is the latest unmet quiet-window deadline.
	// Only set when Action is Defer.
	DeferUntil time.Time
}
