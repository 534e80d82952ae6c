// Package tracecache tracks the per-site bookkeeping a tiered interpreter keeps for every
// monitored location: the backoff counter, the chain position, and the outcome of the last
// optimization attempt. Sites give the raw counters of package backoff an owner and a
// lifecycle; the interpreter and optimizer talk to sites, never to counters directly.
package tracecache

import "github.com/maverick0025/tiervm/backoff"

// SiteKey identifies one monitored location: a loop back-edge or a side exit is pinned by the
// code object it lives in and the instruction offset inside it. Keys are dense small integers
// handed out by the embedding runtime, not hashes.
type SiteKey struct {
	Code   uint32 // code object identity, stable for the object's lifetime
	Offset uint32 // instruction offset of the back-edge or guard exit
}

// State is the optimization status of a site. It is bookkeeping for humans and victim
// selection; the counter alone drives the firing schedule.
//
// STATE MACHINE (per site):
//
//	Warming ──fire+install──► Installed ──trace invalidated──► Warming
//	Warming ──fire+refusal──► Cooling   ──next fire──────────► (attempt again)
//	Warming ──chain depth exhausted────► Silenced              (terminal)
type State uint8

const (
	// Warming: counting toward the next optimization attempt.
	Warming State = iota

	// Installed: an optimized trace is live at this site; the counter runs the cheap
	// steady-state schedule so re-warming after an invalidation is quick.
	Installed

	// Cooling: the optimizer failed or declined here; the counter runs the long cooldown
	// schedule before the site may fire again.
	Cooling

	// Silenced: permanently refused. The counter is the unreachable sentinel and the site
	// will never fire again; the record remains only so the slot is not re-created.
	Silenced
)

// String returns the state's label for logs and metrics.
func (s State) String() string {
	switch s {
	case Warming:
		return "warming"
	case Installed:
		return "installed"
	case Cooling:
		return "cooling"
	case Silenced:
		return "silenced"
	default:
		return "invalid"
	}
}

// numStates sizes per-state stat arrays.
const numStates = 4

// Site is one monitored location's record. Fields are exported for the controller and for
// tests; all mutation happens on the single execution context that owns the table.
type Site struct {
	Key  SiteKey
	Kind backoff.Kind

	// Counter is the site's backoff state. Created with the site, destroyed with it,
	// never shared between sites.
	Counter backoff.Counter

	// ChainDepth is how many stitched traces lie between the root trace and this site.
	// Loop back-edge sites are roots and stay at 0; a side exit out of a depth-d trace
	// records d+1 when its own trace installs.
	ChainDepth int

	// Confidence is the compounded estimate of the trace rooted at this site, recorded when
	// the optimizer installs it. Meaningful only in state Installed.
	Confidence backoff.Confidence

	State State

	// age counts sweeps since the site was last observed, saturating at maxSiteAge. Victim
	// selection prefers high ages.
	age uint8
}

// Advance consumes one occurrence of the site's event and returns the verdict.
func (s *Site) Advance() backoff.Event {
	var ev backoff.Event
	s.Counter, ev = s.Counter.Advance()
	return ev
}

/// Silence permanently refuses this site: the counter becomes the unreachable sentinel and the
// state goes terminal. Only new sites (after invalidation re-creates the record) can fire here
// again.
func (s *Site) Silence() {
	s.Counter = backoff.UnreachableCounter(s.Kind)
	s.State = Silenced
}

// Age reports sweeps since last observation. Exposed for tests and debugging.
func (s *Site) Age() uint8 {
	return s.age
}
