package backoff

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// Adaptive Backoff Counters - Tier-Up Gating for a Tiered Interpreter
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// WHAT IS THIS?
// ─────────────
// A tiered interpreter runs bytecode in a cheap, general tier (Tier 0) and promotes hot code to
// an expensive, specialized tier (an optimized trace). Promotion is expensive: tracing, guard
// synthesis, and installation can cost thousands of times more than one interpreted instruction.
// The question this package answers is WHEN to pay that cost.
//
// Every candidate location (a loop back-edge, or a side exit out of an existing trace) carries
// one Counter. The interpreter advances the counter on every occurrence of the event it watches.
// Almost always the counter just counts down. When it hits zero it "fires": the caller hands the
// site to the optimizer, and the counter re-arms itself with a LARGER interval, so a site that
// keeps firing without getting promoted backs off exponentially.
//
// WHY EXPONENTIAL BACKOFF?
// ────────────────────────
// Consider a site the optimizer can never improve (a megamorphic loop, a trace that always
// bails). With a fixed threshold T, that site pays one failed optimization attempt every T
// events, forever: overhead is linear in execution count. With doubling intervals the site
// fires after 2^k - 1 more events on the k-th cycle, so after N events it has fired only about
// log2(N) times. Pathological code costs O(log N) wasted attempts instead of O(N/T). That bound
// is the entire reason this package exists.
//
// The countdown itself must be nearly free, because it sits on the back-edge of every loop in
// every program, hot or cold:
//
//   Cost per event: one 16-bit compare + one 16-bit subtract. No allocation, no call, no lock.
//
// PACKED LAYOUT
// ─────────────
// The countdown and the current exponent live in one 16-bit word so the pair is read, advanced,
// and re-armed as a single unit (a torn pair would break the re-derivation invariant, see
// Shared in shared.go for the concurrent variant):
//
//        15                          4   3           0
//       ┌─────────────────────────────┬───────────────┐
//       │    remaining (12 bits)      │ exponent (4)  │
//       └─────────────────────────────┴───────────────┘
//
// Because the exponent occupies the low bits, "decrement the countdown" is a plain subtraction
// of 1<<4 from the whole word, and "the countdown is exhausted" is a single unsigned compare of
// the whole word against the reachability sentinel. The arithmetic never touches the fields
// separately.
//
// LIFE OF A SITE
// ──────────────
//
//        Policy.NewCounter(kind)
//                 │
//                 ▼
//        ┌─────────────────┐   Advance (remaining > 0)
//        │     WARMING     │◄───────────────────────────┐
//        │  remaining > 0  │────────────────────────────┘
//        └────────┬────────┘
//                 │ Advance (remaining == 0) → Fire, interval doubles (saturating)
//                 ▼
//          optimizer attempt ──success──► Policy.ResetOnSuccess  (short steady-state interval)
//                 │
//                 └────failure──► Policy.ResetOnFailure          (long cooldown interval)
//
// There is no terminal state: a counter cycles for as long as its site's metadata lives. The
// one exception is the unreachable sentinel (exponent 15), a counter that can never fire, used
// to silence sites that must never be retried (for example a side exit whose chain depth is
// exhausted).
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTANTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	// ───────────────────────────────────────────────────────────────────────────────────────────
	// BIT LAYOUT
	// ───────────────────────────────────────────────────────────────────────────────────────────

	// ExponentBits is the width of the backoff-exponent field in the packed word.
	// 4 bits cover exponents 0..15: twelve usable doubling steps plus the sentinel.
	ExponentBits = 4

	// RemainingBits is the width of the countdown field.
	// 12 bits cap any single interval at 4095 events between fires.
	RemainingBits = 12

	// MaxRemaining is the largest countdown the packed word can hold.
	MaxRemaining = 1<<RemainingBits - 1 // 4095

	// MaxExponent is the saturation point for backoff growth. It is pinned to RemainingBits:
	// the re-derived countdown (1<<exponent)-1 must fit the remaining field exactly, so growth
	// past 12 would wrap the countdown to a small value and defeat the backoff. Growth beyond
	// MaxExponent is a no-op, never a wraparound.
	MaxExponent = 12

	// UnreachableExponent marks a counter that never fires. Exponent 15 is representable but
	// not derivable (no growth or reset produces it), so it doubles as a reliable sentinel.
	UnreachableExponent = 15

	// exponentMask extracts the exponent field from the packed word.
	exponentMask = 1<<ExponentBits - 1

	// advanceStep is one unit of countdown expressed in packed form. Subtracting it from the
	// whole word decrements remaining by exactly 1 and leaves the exponent bits untouched.
	advanceStep = 1 << ExponentBits

	// unreachableBits is the packed form of the sentinel: remaining 0, exponent 15. Every
	// reachable zero-countdown word (exponent 0..14) is strictly below it, so "will this
	// counter fire" is one unsigned compare against this value.
	unreachableBits = UnreachableExponent
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// KINDS AND EVENTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Kind tags a counter with the site category it watches. Both kinds share identical mechanics;
// they differ only in the initial arming values the Policy assigns them.
type Kind uint8

const (
	// LoopBackward counts taken loop back-edges. Firing proposes tracing the loop body.
	LoopBackward Kind = iota

	// SideExit counts executions of a guard-failure path out of an optimized trace. Firing
	// proposes specializing that exit into a chained trace of its own.
	SideExit
)

// String returns the kind's wire-stable name, used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case LoopBackward:
		return "loop_backward"
	case SideExit:
		return "side_exit"
	default:
		return "invalid"
	}
}

// Event is the verdict of one Advance call.
type Event uint8

const (
	// Continue: nothing to do, stay on the current execution path.
	Continue Event = iota

	// Fire: the countdown is exhausted. The caller should hand the site to the optimizer and
	// then apply ResetOnSuccess or ResetOnFailure depending on the outcome. The counter has
	// already re-armed itself with the next larger interval, so even a caller that ignores
	// the verdict keeps a sane, backed-off counter.
	Fire
)

// String returns a short verdict name for logs.
func (e Event) String() string {
	if e == Fire {
		return "fire"
	}
	return "continue"
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// COUNTER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Counter is the per-site backoff state: a 12-bit countdown and a 4-bit exponent packed into one
// word, plus the immutable kind tag. Counters are plain values; every operation returns the
// successor state instead of mutating in place, which keeps the hot path allocation-free and
// makes the compare-and-swap discipline of Shared a direct reuse of the same arithmetic.
//
// The zero Counter is a LoopBackward counter with remaining 0 and exponent 0: it fires on the
// first Advance and then behaves normally. Real construction goes through Policy.NewCounter.
type Counter struct {
	bits uint16
	kind Kind
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Packing helpers. These are the only places the two fields are assembled or clamped; everything
// else manipulates the packed word whole.
// ───────────────────────────────────────────────────────────────────────────────────────────────

//go:inline
func pack(remaining uint16, exponent uint8) uint16 {
	return (remaining&MaxRemaining)<<ExponentBits | uint16(exponent&exponentMask)
}

//go:inline
func clampExponent(e uint8) uint8 {
	if e > MaxExponent {
		return MaxExponent
	}
	return e
}

// Interval returns the countdown a counter re-arms to at the given exponent: (1<<e)-1, with the
// exponent saturated at MaxExponent. Exponent 0 yields 0, meaning "fire on the next event".
//
//go:inline
func Interval(exponent uint8) uint16 {
	return 1<<clampExponent(exponent) - 1
}

// rearm derives a fresh countdown from the given exponent and installs both fields as one unit.
// All automatic re-arming (fire growth, outcome resets) funnels through here, which is what
// keeps remaining and exponent consistent for the counter's whole life.
//
//go:inline
func (c Counter) rearm(exponent uint8) Counter {
	e := clampExponent(exponent)
	c.bits = pack(1<<e-1, e)
	return c
}

// fromBits rebuilds a counter around a raw packed word. Shared uses it to reconstitute state
// loaded from its atomic cell; tests use it to probe corner encodings.
//
//go:inline
func fromBits(bits uint16, kind Kind) Counter {
	return Counter{bits: bits, kind: kind}
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Advance - the hot path
// ───────────────────────────────────────────────────────────────────────────────────────────────

// Advance consumes one occurrence of the watched event and returns the successor counter with
// the verdict.
//
// ALGORITHM:
//
//	1. If the packed word is below the unreachable sentinel, remaining is 0 on a reachable
//	   counter: re-arm at exponent+1 (saturating at MaxExponent) and report Fire.
//	2. Otherwise subtract one countdown unit from the whole word and report Continue.
//
// The common case (step 2) is one compare and one subtract on a value already in a register.
// For the unreachable sentinel the subtraction wraps the remaining field while leaving the
// exponent bits at 15, so the sentinel keeps absorbing advances without ever satisfying the
// fire test; no extra branch is spent keeping it inert.
func (c Counter) Advance() (Counter, Event) {
	if c.bits < unreachableBits {
		return c.rearm(c.Exponent() + 1), Fire
	}
	c.bits -= advanceStep
	return c, Continue
}

// Pause defers an imminent fire by one occurrence without growing the interval. It sets the low
// countdown bit, so a counter about to fire counts one more event first; a counter mid-countdown
// with an odd remaining is unchanged. Callers use it when the optimizer cannot accept work at
// this exact moment but the site should stay hot.
func (c Counter) Pause() Counter {
	c.bits |= advanceStep
	return c
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Inspection
// ───────────────────────────────────────────────────────────────────────────────────────────────

// Remaining is the number of further events before the counter fires. Not meaningful for
// unreachable counters, whose countdown field wraps freely.
func (c Counter) Remaining() uint16 {
	return c.bits >> ExponentBits
}

// Exponent is the current backoff exponent.
func (c Counter) Exponent() uint8 {
	return uint8(c.bits & exponentMask)
}

// Kind reports which site category the counter was armed for.
func (c Counter) Kind() Kind {
	return c.kind
}

// Triggers reports whether the next Advance will fire. Mirrors the exact test Advance performs.
func (c Counter) Triggers() bool {
	return c.bits < unreachableBits
}

// IsUnreachable reports whether the counter is the never-fires sentinel.
func (c Counter) IsUnreachable() bool {
	return c.Exponent() == UnreachableExponent
}

// NextInterval is the countdown the counter will re-arm to when it next fires, 0 for the
// unreachable sentinel. Exposed for logs and tests; the hot path never calls it.
func (c Counter) NextInterval() uint16 {
	if c.IsUnreachable() {
		return 0
	}
	return Interval(c.Exponent() + 1)
}

// Packed exposes the raw word for debug logging and for persistence by embedders that snapshot
// interpreter state. The layout is stable: remaining in bits 15..4, exponent in bits 3..0.
func (c Counter) Packed() uint16 {
	return c.bits
}

// ───────────────────────────────────────────────────────────────────────────────────────────────
// Sentinel construction
// ───────────────────────────────────────────────────────────────────────────────────────────────

// UnreachableCounter returns the never-fires sentinel for the given kind. Sites that must not be
// retried (chain depth exhausted, target invalidated beyond repair) swap their counter for this
// and keep paying only the ordinary advance cost.
func UnreachableCounter(kind Kind) Counter {
	return Counter{bits: unreachableBits, kind: kind}
}
