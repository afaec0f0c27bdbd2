package rotation

import (
	"errors"
	"fmt"

	"github.com/kmirotor/rotor/pkg/config"
	"github.com/kmirotor/rotor/pkg/keys"
	"github.com/kmirotor/rotor/pkg/state"
	"github.com/kmirotor/rotor/pkg/usage"
)

// ErrNoEligibleKeys is returned when every key is disabled, blocked,
// exhausted, or gated out by strict usage mode.
var ErrNoEligibleKeys = errors.New("no eligible keys")

// Health is a read-only snapshot of the health cache, keyed by label. A nil
// map means no usage information is available at all.
type Health map[string]usage.HealthInfo

// Engine selects keys for requests and for manual rotation. It never holds
// the state lock itself; every method must be called with the lock held by
// the caller, mutating the passed State in place.
type Engine struct {
	registry *keys.Registry
	cfg      *config.Config
}

// New builds an Engine over an immutable registry.
func New(registry *keys.Registry, cfg *config.Config) *Engine {
	return &Engine{registry: registry, cfg: cfg}
}

// IsEligible reports whether the credential may be selected right now.
// A 401 on record is a permanent invalidation until the state is cleared.
func (e *Engine) IsEligible(st *state.State, cred *keys.Credential, health Health) bool {
	if cred.Disabled {
		return false
	}
	ks, ok := st.Keys[cred.Label]
	if ok && ks.Err401 > 0 {
		return false
	}
	if st.IsExhausted(cred.Label) || st.IsBlocked(cred.Label) {
		return false
	}
	if health == nil {
		return !e.cfg.RequireUsageBeforeRequest || e.cfg.FailOpenOnEmptyCache
	}
	info, ok := health[cred.Label]
	if !ok {
		if e.cfg.RequireUsageBeforeRequest {
			return false
		}
		return true
	}
	return info.Status != usage.StatusBlocked && info.Status != usage.StatusExhausted
}

// SelectRoundRobin advances the round-robin cursor. Two passes from the
// cursor: the first takes only keys reported healthy, the second takes any
// eligible key, with warn keys included only when configured. The cursor
// moves to selected+1 mod len on success.
func (e *Engine) SelectRoundRobin(st *state.State, health Health) *keys.Credential {
	n := e.registry.Len()
	if n == 0 {
		return nil
	}
	start := st.RotationIndex % n
	if start < 0 {
		start = 0
	}

	if health != nil {
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			cred := &e.registry.Keys[idx]
			if !e.IsEligible(st, cred, health) {
				continue
			}
			if info, ok := health[cred.Label]; ok && info.Status == usage.StatusHealthy {
				return e.commitRoundRobin(st, idx)
			}
		}
	}

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		cred := &e.registry.Keys[idx]
		if !e.IsEligible(st, cred, health) {
			continue
		}
		if health != nil {
			if info, ok := health[cred.Label]; ok && info.Status == usage.StatusWarn && !e.cfg.RotateIncludeWarn {
				continue
			}
		}
		return e.commitRoundRobin(st, idx)
	}
	return nil
}

func (e *Engine) commitRoundRobin(st *state.State, idx int) *keys.Credential {
	st.RotationIndex = (idx + 1) % e.registry.Len()
	cred := &e.registry.Keys[idx]
	st.MarkLastUsed(cred.Label)
	return cred
}

// SelectForRequest picks the key for one request. With auto-rotation on
// (both the persisted intent and the policy gate) it round-robins; otherwise
// it sticks to the active key, falling forward to the next eligible one.
func (e *Engine) SelectForRequest(st *state.State, health Health) *keys.Credential {
	if st.AutoRotate && e.cfg.AutoRotateAllowed {
		return e.SelectRoundRobin(st, health)
	}
	return e.selectActiveOrNext(st, health)
}

// selectActiveOrNext keeps active_index when the active key is eligible,
// otherwise commits the next eligible key (scanning forward from active) as
// the new active key.
func (e *Engine) selectActiveOrNext(st *state.State, health Health) *keys.Credential {
	n := e.registry.Len()
	if n == 0 {
		return nil
	}
	active := st.ActiveIndex
	if active < 0 || active >= n {
		active = 0
	}
	for i := 0; i < n; i++ {
		idx := (active + i) % n
		cred := &e.registry.Keys[idx]
		if !e.IsEligible(st, cred, health) {
			continue
		}
		if idx != st.ActiveIndex {
			st.ActiveIndex = idx
		}
		st.MarkLastUsed(cred.Label)
		return cred
	}
	return nil
}

// candidate pairs a registry index with its manual-rotation score.
type candidate struct {
	index int
	cred  *keys.Credential
	score score
}

// score is the lexicographic manual-rotation ranking; lower is better.
type score struct {
	statusRank int     // healthy=0, warn=1, other=2
	quota      float64 // negated remaining percent, 1.0 when unknown
	errorRate  float64
}

func (s score) less(other score) bool {
	if s.statusRank != other.statusRank {
		return s.statusRank < other.statusRank
	}
	if s.quota != other.quota {
		return s.quota < other.quota
	}
	return s.errorRate < other.errorRate
}

func (e *Engine) scoreOf(st *state.State, cred *keys.Credential, health Health) score {
	sc := score{statusRank: 2, quota: 1.0}
	info, ok := health[cred.Label]
	if ok {
		switch info.Status {
		case usage.StatusHealthy:
			sc.statusRank = 0
		case usage.StatusWarn:
			sc.statusRank = 1
		}
		if info.RemainingPercent != nil {
			sc.quota = -*info.RemainingPercent
		}
		sc.errorRate = info.ErrorRate
	} else if ks, found := st.Keys[cred.Label]; found {
		sc.errorRate = float64(ks.Err403+ks.Err429+ks.Err5xx) / float64(maxInt(ks.RequestCount, 1))
	}
	return sc
}

// RotateManual picks the best-scored eligible key and makes it active.
// When the current active key ties for best, preferNextOnTie decides whether
// to advance or stay; a stay always carries a human-readable reason.
func (e *Engine) RotateManual(st *state.State, health Health, preferNextOnTie bool) (*keys.Credential, bool, string, error) {
	var candidates []candidate
	for i := range e.registry.Keys {
		cred := &e.registry.Keys[i]
		if !e.IsEligible(st, cred, health) {
			continue
		}
		candidates = append(candidates, candidate{index: i, cred: cred, score: e.scoreOf(st, cred, health)})
	}
	if len(candidates) == 0 {
		return nil, false, "", ErrNoEligibleKeys
	}

	best := candidates[0].score
	for _, c := range candidates[1:] {
		if c.score.less(best) {
			best = c.score
		}
	}
	var bestSet []candidate
	for _, c := range candidates {
		if !best.less(c.score) && !c.score.less(best) {
			bestSet = append(bestSet, c)
		}
	}

	currentIdx := -1
	for _, c := range bestSet {
		if c.index == st.ActiveIndex {
			currentIdx = c.index
			break
		}
	}

	if currentIdx >= 0 {
		if preferNextOnTie && len(bestSet) > 1 {
			next := nextAfter(bestSet, currentIdx)
			st.ActiveIndex = next.index
			st.MarkLastUsed(next.cred.Label)
			return next.cred, true, "Tie for best; rotating to next.", nil
		}
		current := &e.registry.Keys[currentIdx]
		reason := e.stayReason(st, current, candidates, health)
		return current, false, reason, nil
	}

	winner := bestSet[0]
	st.ActiveIndex = winner.index
	st.MarkLastUsed(winner.cred.Label)
	return winner.cred, true, "", nil
}

// nextAfter returns the best-set member following idx in registry order,
// wrapping around.
func nextAfter(bestSet []candidate, idx int) candidate {
	for _, c := range bestSet {
		if c.index > idx {
			return c
		}
	}
	return bestSet[0]
}

// stayReason explains why the current key stays active, comparing it to the
// next-best non-current candidate.
func (e *Engine) stayReason(st *state.State, current *keys.Credential, candidates []candidate, health Health) string {
	currentScore := e.scoreOf(st, current, health)
	var runner *candidate
	for i := range candidates {
		c := &candidates[i]
		if c.cred.Label == current.Label {
			continue
		}
		if runner == nil || c.score.less(runner.score) {
			runner = c
		}
	}
	currentInfo, currentOK := health[current.Label]
	if runner == nil {
		return fmt.Sprintf("Current key already ranks best (status=%s).", statusName(currentInfo, currentOK))
	}
	runnerInfo, runnerOK := health[runner.cred.Label]

	if !currentScore.less(runner.score) && !runner.score.less(currentScore) {
		if currentOK && currentInfo.RemainingPercent != nil {
			return fmt.Sprintf("Current key ties for best remaining quota (%.1f%%). Keeping current over %s.",
				*currentInfo.RemainingPercent, runner.cred.Label)
		}
		return fmt.Sprintf("Current key ties for best score. Keeping current over %s.", runner.cred.Label)
	}
	if currentOK && runnerOK && currentInfo.RemainingPercent != nil && runnerInfo.RemainingPercent != nil {
		return fmt.Sprintf("Current key has higher remaining quota (%.1f%%), next best %s has %.1f%%.",
			*currentInfo.RemainingPercent, runner.cred.Label, *runnerInfo.RemainingPercent)
	}
	if currentScore.errorRate != runner.score.errorRate {
		return fmt.Sprintf("Current key has lower error rate (%.1f%%), next best %s has %.1f%%.",
			currentScore.errorRate*100, runner.cred.Label, runner.score.errorRate*100)
	}
	if currentScore.statusRank != runner.score.statusRank {
		return fmt.Sprintf("Current key has better status (%s), next best %s has (%s).",
			statusName(currentInfo, currentOK), runner.cred.Label, statusName(runnerInfo, runnerOK))
	}
	return fmt.Sprintf("Current key already ranks best (status=%s).", statusName(currentInfo, currentOK))
}

func statusName(info usage.HealthInfo, ok bool) string {
	if !ok || info.Status == "" {
		return "unknown"
	}
	return string(info.Status)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
