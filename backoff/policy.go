package backoff

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// POLICY - The Tunables Behind Every Counter
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// The counter mechanics in backoff.go are fixed; everything worth tuning lives here. A Policy is
// an immutable value constructed once at startup and handed to whatever owns the interpreter
// context. Two contexts with different policies coexist freely in one process; nothing in this
// package reads package-level mutable state.
//
// Each knob is overridable from the environment at process start (PolicyFromEnv), so deployments
// can retune warm-up behavior without rebuilding. After construction the policy never changes:
// retuning a live interpreter would make counters armed under the old policy inconsistent with
// resets applied under the new one.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Validation sentinels. PolicyFromEnv and Validate wrap these with the offending field and
// value; callers match with errors.Is.
var (
	// ErrBadThreshold: an initial countdown does not fit the 12-bit remaining field.
	ErrBadThreshold = errors.New("initial threshold out of range")

	// ErrBadExponent: a backoff exponent exceeds MaxExponent. Exponents 13-15 are either
	// underivable or reserved for the unreachable sentinel and may not be configured.
	ErrBadExponent = errors.New("backoff exponent out of range")

	// ErrBadChainDepth: the chain-depth cap is negative.
	ErrBadChainDepth = errors.New("max chain depth must not be negative")

	// ErrBadConfidence: the confidence floor is outside the 0..1000 fixed-point scale.
	ErrBadConfidence = errors.New("confidence floor out of range")
)

// Policy is the complete set of process-wide backoff tunables. The zero value is not useful;
// start from DefaultPolicy or PolicyFromEnv.
type Policy struct {
	// LoopThreshold is the number of taken back-edges before the first optimization attempt
	// on a loop. High by default: most loops are short-lived and must never reach the
	// optimizer. TIERVM_LOOP_THRESHOLD.
	LoopThreshold uint16

	// LoopBackoff is the exponent a fresh loop counter starts from, feeding the growth
	// sequence after its first fire. TIERVM_LOOP_BACKOFF.
	LoopBackoff uint8

	// ExitThreshold is the number of executions of one side exit before attempting to grow a
	// chained trace there. Much lower than LoopThreshold: a side exit only exists inside an
	// already-hot trace, so modest traffic is already a strong signal. Must stay comfortably
	// above the cooldown interval, or an exit can re-fire before the tier below has
	// re-stabilized. TIERVM_EXIT_THRESHOLD.
	ExitThreshold uint16

	// ExitBackoff is the starting exponent for side-exit counters. TIERVM_EXIT_BACKOFF.
	ExitBackoff uint8

	// SuccessBackoff is the exponent applied by ResetOnSuccess: the steady-state re-check
	// interval once a site has an installed trace. Small, because a site with a working trace
	// is cheap to re-count when the trace is later invalidated. TIERVM_SUCCESS_BACKOFF.
	SuccessBackoff uint8

	// CooldownBackoff is the exponent applied by ResetOnFailure: the penalty interval after
	// the optimizer declines or fails a site. Larger than SuccessBackoff, trading a little
	// lost opportunity for a hard bound on repeated wasted attempts. TIERVM_COOLDOWN_BACKOFF.
	CooldownBackoff uint8

	// MaxChainDepth is the hard structural cap on how many side-exit traces may be stitched
	// onto one root trace. At the cap, ShouldChain refuses regardless of confidence.
	// TIERVM_MAX_CHAIN_DEPTH.
	MaxChainDepth int

	// ConfidenceFloor is the minimum trace confidence, on the 0..1000 fixed-point scale,
	// required to chain further. Below it a trace is considered statistically unreliable and
	// chaining onto it only multiplies the unreliability. TIERVM_CONFIDENCE_FLOOR.
	ConfidenceFloor Confidence
}

// DefaultPolicy returns the tuning the interpreter ships with.
//
// The loop pair (4095, 12) makes a loop fire first on its 4096th back-edge: long enough that
// one-shot setup loops never trigger tracing, short enough that a numeric kernel tiers up
// within its first millisecond. The exit pair (64, 6) fires on the 65th occurrence of one side
// exit, above the 63-event cooldown interval so a freshly cooled site cannot immediately
// re-fire. Chain depth 8 keeps trace graphs shallow, and floor 333 stops chaining once the
// compounded confidence of a trace drops below one third.
func DefaultPolicy() Policy {
	return Policy{
		LoopThreshold:   4095,
		LoopBackoff:     12,
		ExitThreshold:   64,
		ExitBackoff:     6,
		SuccessBackoff:  4,
		CooldownBackoff: 6,
		MaxChainDepth:   8,
		ConfidenceFloor: 333,
	}
}

// PolicyFromEnv returns DefaultPolicy with any TIERVM_* environment overrides applied, then
// validated. Unset variables keep their defaults; a malformed or out-of-range value fails the
// whole load so a typo cannot silently run with half a tuning.
func PolicyFromEnv() (Policy, error) {
	p := DefaultPolicy()

	var err error
	if p.LoopThreshold, err = envUint16("TIERVM_LOOP_THRESHOLD", p.LoopThreshold); err != nil {
		return Policy{}, err
	}
	if p.LoopBackoff, err = envUint8("TIERVM_LOOP_BACKOFF", p.LoopBackoff); err != nil {
		return Policy{}, err
	}
	if p.ExitThreshold, err = envUint16("TIERVM_EXIT_THRESHOLD", p.ExitThreshold); err != nil {
		return Policy{}, err
	}
	if p.ExitBackoff, err = envUint8("TIERVM_EXIT_BACKOFF", p.ExitBackoff); err != nil {
		return Policy{}, err
	}
	if p.SuccessBackoff, err = envUint8("TIERVM_SUCCESS_BACKOFF", p.SuccessBackoff); err != nil {
		return Policy{}, err
	}
	if p.CooldownBackoff, err = envUint8("TIERVM_COOLDOWN_BACKOFF", p.CooldownBackoff); err != nil {
		return Policy{}, err
	}
	if p.MaxChainDepth, err = envInt("TIERVM_MAX_CHAIN_DEPTH", p.MaxChainDepth); err != nil {
		return Policy{}, err
	}
	floor, err := envInt("TIERVM_CONFIDENCE_FLOOR", int(p.ConfidenceFloor))
	if err != nil {
		return Policy{}, err
	}
	p.ConfidenceFloor = Confidence(floor)

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks every field against the representation limits. A policy that validates can
// never produce a counter that wraps, saturates incorrectly, or aliases the unreachable
// sentinel.
func (p Policy) Validate() error {
	if p.LoopThreshold > MaxRemaining {
		return fmt.Errorf("loop threshold %d exceeds %d: %w", p.LoopThreshold, MaxRemaining, ErrBadThreshold)
	}
	if p.ExitThreshold > MaxRemaining {
		return fmt.Errorf("exit threshold %d exceeds %d: %w", p.ExitThreshold, MaxRemaining, ErrBadThreshold)
	}
	if p.LoopBackoff > MaxExponent {
		return fmt.Errorf("loop backoff %d exceeds %d: %w", p.LoopBackoff, MaxExponent, ErrBadExponent)
	}
	if p.ExitBackoff > MaxExponent {
		return fmt.Errorf("exit backoff %d exceeds %d: %w", p.ExitBackoff, MaxExponent, ErrBadExponent)
	}
	if p.SuccessBackoff > MaxExponent {
		return fmt.Errorf("success backoff %d exceeds %d: %w", p.SuccessBackoff, MaxExponent, ErrBadExponent)
	}
	if p.CooldownBackoff > MaxExponent {
		return fmt.Errorf("cooldown backoff %d exceeds %d: %w", p.CooldownBackoff, MaxExponent, ErrBadExponent)
	}
	if p.MaxChainDepth < 0 {
		return fmt.Errorf("max chain depth %d: %w", p.MaxChainDepth, ErrBadChainDepth)
	}
	if p.ConfidenceFloor < 0 || p.ConfidenceFloor > ConfidenceFull {
		return fmt.Errorf("confidence floor %d outside 0..%d: %w", p.ConfidenceFloor, ConfidenceFull, ErrBadConfidence)
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Counter construction and outcome resets. These live on Policy because the arming values are
// policy decisions; the arithmetic they drive lives on Counter.
// ───────────────────────────────────────────────────────────────────────────────────────────────

// NewCounter arms a fresh counter for a newly observed site of the given kind: the initial
// threshold and exponent for that kind are installed together as one packed word.
func (p Policy) NewCounter(kind Kind) Counter {
	if kind == SideExit {
		return Counter{bits: pack(p.ExitThreshold, p.ExitBackoff), kind: kind}
	}
	return Counter{bits: pack(p.LoopThreshold, p.LoopBackoff), kind: kind}
}

// ResetOnSuccess re-arms the counter at the steady-state exponent after the optimizer installed
// a trace at its site. The reset is absolute: the same cheap re-check interval applies no matter
// how far the counter had backed off before.
func (p Policy) ResetOnSuccess(c Counter) Counter {
	return c.rearm(p.SuccessBackoff)
}

// ResetOnFailure re-arms the counter at the cooldown exponent after the optimizer failed at or
// declined its site. Also absolute, and deliberately longer than the steady-state interval.
func (p Policy) ResetOnFailure(c Counter) Counter {
	return c.rearm(p.CooldownBackoff)
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Environment parsing helpers
// ───────────────────────────────────────────────────────────────────────────────────────────────

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envUint16(key string, def uint16) (uint16, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return uint16(n), nil
}

func envUint8(key string, def uint8) (uint8, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return uint8(n), nil
}
