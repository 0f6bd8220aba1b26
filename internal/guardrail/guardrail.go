// Package guardrail enforces per-session boundaries: protected file
// globs, forbidden tools, and categories that always require a human,
// plus drift detection comparing an agent's recent activity against
// its declared boundaries.
package guardrail

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// DriftWindow is the number of recent check-ins considered for the
// Jaccard-distance drift calculation (spec §4.C7, K=5).
const DriftWindow = 5

// DriftThreshold is the distance above which a single check-in counts
// as a drift strike.
const DriftThreshold = 0.3

// ViolationsBeforeEscalation is the accumulated-violations cap per
// agent before a human-required escalation and dispatch pause.
const ViolationsBeforeEscalation = 3

// Config is the guardrail's static policy.
type Config struct {
	ProtectedPaths         []string
	ForbiddenTools         []string
	HumanRequiredCategories []string
}

// DefaultProtectedPaths covers the common secret/credential locations
// every session protects regardless of objective-level boundaries.
var DefaultProtectedPaths = []string{
	"**/.env",
	"**/.env.*",
	"**/*.pem",
	"**/secrets/**",
	"**/keys/**",
}

type agentState struct {
	violations     int
	driftStrikes   int
	recentTouches  [][]string // ring buffer, most recent last, len <= DriftWindow
	paused         bool
}

// Engine evaluates check-ins and insights against Config and tracks
// per-agent violation counts.
type Engine struct {
	cfg            Config
	protectedGlobs []glob.Glob
	forbidden      map[string]struct{}
	humanRequired  map[string]struct{}

	mu          sync.Mutex
	agents      map[string]*agentState
	boundaryGlobCache map[string]glob.Glob
}

// New compiles cfg's protected-path globs once and returns an error if
// any of them is invalid.
func New(cfg Config) (*Engine, error) {
	paths := cfg.ProtectedPaths
	if len(paths) == 0 {
		paths = DefaultProtectedPaths
	}
	compiled := make([]glob.Glob, 0, len(paths))
	for _, p := range paths {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("guardrail: compile protected path %q: %w", p, err)
		}
		compiled = append(compiled, g)
	}

	forbidden := make(map[string]struct{}, len(cfg.ForbiddenTools))
	for _, t := range cfg.ForbiddenTools {
		forbidden[t] = struct{}{}
	}
	humanRequired := make(map[string]struct{}, len(cfg.HumanRequiredCategories))
	for _, c := range cfg.HumanRequiredCategories {
		humanRequired[c] = struct{}{}
	}

	return &Engine{
		cfg:               cfg,
		protectedGlobs:    compiled,
		forbidden:         forbidden,
		humanRequired:     humanRequired,
		agents:            map[string]*agentState{},
		boundaryGlobCache: map[string]glob.Glob{},
	}, nil
}

func (e *Engine) state(agentID string) *agentState {
	s, ok := e.agents[agentID]
	if !ok {
		s = &agentState{}
		e.agents[agentID] = s
	}
	return s
}

// Verdict is the outcome of evaluating one check-in or insight.
type Verdict struct {
	CourseCorrect  bool
	Reason         string
	DriftAlert     bool
	DriftEvidence  string
	Escalate       bool
	EscalateReason string
	Paused         bool
}

// IsHumanRequired reports whether category always requires a human
// decision rather than autonomous agent action.
func (e *Engine) IsHumanRequired(category string) bool {
	_, ok := e.humanRequired[category]
	return ok
}

// ForbiddenTools returns the configured forbidden tool names, used by
// callers that need to scan free text (check-in progress notes,
// insight payloads) for a mention rather than a structured field.
func (e *Engine) ForbiddenTools() []string {
	out := make([]string, 0, len(e.forbidden))
	for t := range e.forbidden {
		out = append(out, t)
	}
	return out
}

// CheckFilesTouched evaluates a check-in's files against protected
// paths and accumulates a violation if any match; it also runs drift
// detection against boundaryGlobs (the objective's allowed globs).
func (e *Engine) CheckFilesTouched(agentID string, filesTouched []string, boundaryGlobs []string) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state(agentID)
	if st.paused {
		return Verdict{Paused: true}
	}

	var v Verdict

	if e.touchesProtected(filesTouched) {
		v.CourseCorrect = true
		v.Reason = "touched a protected path"
		st.violations++
	}

	st.recentTouches = append(st.recentTouches, filesTouched)
	if len(st.recentTouches) > DriftWindow {
		st.recentTouches = st.recentTouches[len(st.recentTouches)-DriftWindow:]
	}
	dist := e.driftDistance(flatten(st.recentTouches), boundaryGlobs)
	if dist > DriftThreshold {
		st.driftStrikes++
		if st.driftStrikes >= 2 {
			v.DriftAlert = true
			v.DriftEvidence = fmt.Sprintf("jaccard distance %.2f over last %d check-ins", dist, len(st.recentTouches))
			st.driftStrikes = 0
		}
	} else {
		st.driftStrikes = 0
	}

	e.applyEscalation(st, agentID, &v)
	return v
}

// CheckToolUsage flags any tool name present in forbidden_tools,
// whether named in a check-in or an insight payload.
func (e *Engine) CheckToolUsage(agentID string, toolNames []string) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state(agentID)
	if st.paused {
		return Verdict{Paused: true}
	}

	var v Verdict
	for _, t := range toolNames {
		if _, ok := e.forbidden[t]; ok {
			v.CourseCorrect = true
			v.Reason = fmt.Sprintf("used forbidden tool %q", t)
			st.violations++
			break
		}
	}

	e.applyEscalation(st, agentID, &v)
	return v
}

// applyEscalation must be called with e.mu held.
func (e *Engine) applyEscalation(st *agentState, agentID string, v *Verdict) {
	if st.violations >= ViolationsBeforeEscalation && !st.paused {
		st.paused = true
		v.Escalate = true
		v.EscalateReason = "boundary-violations"
		v.Paused = true
	}
}

// Ack clears an agent's pause after a human ack (pop:human:ack:<id>).
func (e *Engine) Ack(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.agents[agentID]; ok {
		st.paused = false
		st.violations = 0
	}
}

// Paused reports whether dispatch to agentID is currently paused.
func (e *Engine) Paused(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.agents[agentID]
	return ok && st.paused
}

// PausedAgents returns the ids of every agent currently paused pending
// a human ack, for the coordinator's tick-driven pop:human:ack:<id>
// poll.
func (e *Engine) PausedAgents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, st := range e.agents {
		if st.paused {
			out = append(out, id)
		}
	}
	return out
}

// touchesProtected also tries each file with a leading "/" so that a
// pattern such as "**/.env" matches a file at the project root.
func (e *Engine) touchesProtected(files []string) bool {
	for _, f := range files {
		for _, g := range e.protectedGlobs {
			if g.Match(f) || g.Match("/"+f) {
				return true
			}
		}
	}
	return false
}

func flatten(windows [][]string) []string {
	var out []string
	for _, w := range windows {
		out = append(out, w...)
	}
	return out
}

// driftDistance is the Jaccard distance between the set of distinct
// touched files and the subset of those files that fall within the
// declared boundary globs: 1 - |in-bounds|/|touched ∪ in-bounds|,
// which collapses to the simple "fraction of touched files outside
// the boundary" since in-bounds ⊆ touched. An agent that has touched
// nothing, or whose boundary is unset, has not drifted.
func (e *Engine) driftDistance(touched []string, boundaryPatterns []string) float64 {
	distinct := toSet(touched)
	if len(distinct) == 0 || len(boundaryPatterns) == 0 {
		return 0
	}

	inBounds := 0
	for f := range distinct {
		if e.matchesAny(f, boundaryPatterns) {
			inBounds++
		}
	}

	return 1 - float64(inBounds)/float64(len(distinct))
}

// matchesAny must be called with e.mu held; it lazily compiles and
// caches boundary glob patterns since boundaries are shared across an
// entire objective and change far less often than check-ins arrive.
func (e *Engine) matchesAny(file string, patterns []string) bool {
	for _, p := range patterns {
		g, ok := e.boundaryGlobCache[p]
		if !ok {
			compiled, err := glob.Compile(p, '/')
			if err != nil {
				continue
			}
			e.boundaryGlobCache[p] = compiled
			g = compiled
		}
		if g.Match(file) {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}
