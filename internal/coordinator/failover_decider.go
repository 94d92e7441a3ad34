package coordinator

import (
	"strconv"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/failsafe/internal/cluster"
)

// Phase is the failover state of one system.
type Phase int

const (
	// PhaseStable means the master answers probes.
	PhaseStable Phase = iota
	// PhaseSuspect means the master failed at least one probe. Votes run in this phase.
	PhaseSuspect
	// PhaseSwitching means enough watchers confirmed the master is gone.
	PhaseSwitching
)

func (p Phase) String() string {
	switch p {
	case PhaseSuspect:
		return "suspect"
	case PhaseSwitching:
		return "switching"
	default:
		return "stable"
	}
}

// Decision tells the server what to do after an event was fed to a decider.
type Decision int

const (
	// DecisionNone requires no action.
	DecisionNone Decision = iota
	// DecisionStartVote asks the server to ping all watchers with the current token.
	DecisionStartVote
	// DecisionInvalidate asks the server to send invalidate with the current token.
	DecisionInvalidate
	// DecisionSwitch asks the server to promote a new master.
	DecisionSwitch
	// DecisionNoop means a vote ended without enough confidence.
	DecisionNoop
	// DecisionRecovered means the master answered again while suspected.
	DecisionRecovered
)

func (d Decision) String() string {
	switch d {
	case DecisionStartVote:
		return "start_vote"
	case DecisionInvalidate:
		return "invalidate"
	case DecisionSwitch:
		return "switch"
	case DecisionNoop:
		return "noop"
	case DecisionRecovered:
		return "recovered"
	default:
		return "none"
	}
}

type voteRound int

const (
	roundNone voteRound = iota
	roundPing
	roundInvalidate
)

// DeciderConfig configures a FailoverDecider.
type DeciderConfig struct {
	MasterRetries   int           // Failed probes before a vote starts
	Watchers        []string      // Configured watcher ids
	ConfidenceLevel int           // Percentage of watchers that must agree
	Window          time.Duration // Duration of each voting round
}

// Quorum reports whether votes out of population reach the confidence level
// given in percent: votes*100 >= confidence*population.
func Quorum(votes, population, confidence int) bool {
	return votes*100 >= confidence*population
}

// FailoverDecider decides when the master of one system is replaced.
// It is a pure state machine: callers feed it probe results, watcher replies
// and the current time, and act on the returned Decision.
//
// State transitions:
//
//	Stable ──unreachable──▶ Suspect ──failures ≥ retries──▶ ping round
//	  ▲                        │                               │ quorum
//	  │◀──reachable────────────┤                               ▼
//	  │◀──window elapsed───────┤◀─────────────────────── invalidate round
//	  │                                                        │ quorum
//	  └──────────────Complete()────────── Switching ◀──────────┘
//
// Thread-safety: NOT safe for concurrent use. The server guards it with its mutex.
type FailoverDecider struct {
	pongs       map[string]bool
	votes       map[string]bool
	windowStart time.Time
	cfg         DeciderConfig
	phase       Phase
	round       voteRound
	failures    int
	token       int64
}

// NewFailoverDecider creates a decider in the stable phase.
func NewFailoverDecider(cfg DeciderConfig, now time.Time) *FailoverDecider {
	if cfg.MasterRetries <= 0 {
		cfg.MasterRetries = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	d := &FailoverDecider{cfg: cfg}
	d.nextToken(now)
	return d
}

// Phase returns the current phase.
func (d *FailoverDecider) Phase() Phase { return d.phase }

// Token returns the current voting token in its wire form.
func (d *FailoverDecider) Token() string { return strconv.FormatInt(d.token, 10) }

// Voting reports whether a voting round is open.
func (d *FailoverDecider) Voting() bool { return d.round != roundNone }

// InProgress reports whether the master is being replaced or voted on.
func (d *FailoverDecider) InProgress() bool {
	return d.phase == PhaseSwitching || d.round != roundNone
}

// Failures returns the number of consecutive failed master probes.
func (d *FailoverDecider) Failures() int { return d.failures }

// nextToken issues a token derived from the clock that is strictly larger
// than the previous one, so tokens keep increasing across server restarts.
func (d *FailoverDecider) nextToken(now time.Time) {
	t := now.UnixMilli()
	if t <= d.token {
		t = d.token + 1
	}
	d.token = t
}

func (d *FailoverDecider) reset() {
	d.phase = PhaseStable
	d.round = roundNone
	d.failures = 0
	d.pongs = nil
	d.votes = nil
}

// ObserveProbe feeds the result of one master probe.
func (d *FailoverDecider) ObserveProbe(reachable bool, now time.Time) Decision {
	if reachable {
		switch d.phase {
		case PhaseSuspect:
			d.reset()
			d.nextToken(now)
			return DecisionRecovered
		case PhaseStable:
			d.failures = 0
		}
		return DecisionNone
	}

	if d.phase == PhaseSwitching || d.round != roundNone {
		return DecisionNone
	}
	d.phase = PhaseSuspect
	d.failures++
	if d.failures >= d.cfg.MasterRetries {
		return d.startVote(now)
	}
	return DecisionNone
}

// ForceVote starts a vote right away unless one is already running.
func (d *FailoverDecider) ForceVote(now time.Time) Decision {
	if d.InProgress() {
		return DecisionNone
	}
	d.phase = PhaseSuspect
	if d.failures < d.cfg.MasterRetries {
		d.failures = d.cfg.MasterRetries
	}
	return d.startVote(now)
}

func (d *FailoverDecider) startVote(now time.Time) Decision {
	if len(d.cfg.Watchers) == 0 || Quorum(0, len(d.cfg.Watchers), d.cfg.ConfidenceLevel) {
		d.phase = PhaseSwitching
		d.round = roundNone
		return DecisionSwitch
	}
	d.round = roundPing
	d.pongs = make(map[string]bool)
	d.votes = nil
	d.windowStart = now
	d.nextToken(now)
	return DecisionStartVote
}

func (d *FailoverDecider) accepts(id, token string, round voteRound) bool {
	return d.phase == PhaseSuspect &&
		d.round == round &&
		token == d.Token() &&
		slices.Contains(d.cfg.Watchers, id)
}

func (d *FailoverDecider) inWindow(t time.Time) bool {
	return !t.Before(d.windowStart) && t.Sub(d.windowStart) <= d.cfg.Window
}

// RecordPong counts a pong reply of the ping round.
func (d *FailoverDecider) RecordPong(id, token string, now time.Time) Decision {
	if !d.accepts(id, token, roundPing) || !d.inWindow(now) {
		return DecisionNone
	}
	d.pongs[id] = true
	if !Quorum(len(d.pongs), len(d.cfg.Watchers), d.cfg.ConfidenceLevel) {
		return DecisionNone
	}
	d.round = roundInvalidate
	d.votes = make(map[string]bool)
	d.windowStart = now
	d.nextToken(now)
	return DecisionInvalidate
}

// RecordVote counts a client_invalidated reply of the invalidate round.
// Votes from unknown watchers, with stale tokens or outside the window are ignored.
func (d *FailoverDecider) RecordVote(obs cluster.Observation, now time.Time) Decision {
	ts := obs.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if !obs.ObservedUnreachable || !d.accepts(obs.WatcherID, obs.Token, roundInvalidate) || !d.inWindow(ts) {
		return DecisionNone
	}
	d.votes[obs.WatcherID] = true
	if !Quorum(len(d.votes), len(d.cfg.Watchers), d.cfg.ConfidenceLevel) {
		return DecisionNone
	}
	d.phase = PhaseSwitching
	d.round = roundNone
	return DecisionSwitch
}

// Expire closes a voting round whose window elapsed without quorum.
func (d *FailoverDecider) Expire(now time.Time) Decision {
	if d.phase != PhaseSuspect || d.round == roundNone || now.Sub(d.windowStart) < d.cfg.Window {
		return DecisionNone
	}
	d.reset()
	d.nextToken(now)
	return DecisionNoop
}

// Complete ends the switching phase, whether or not a new master was set.
// The decider is Stable again, so the next failed probe starts over.
func (d *FailoverDecider) Complete(now time.Time) {
	d.reset()
	d.nextToken(now)
}
