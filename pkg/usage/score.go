package usage

// Status classifies a key for selection and display.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarn      Status = "warn"
	StatusBlocked   Status = "blocked"
	StatusExhausted Status = "exhausted"
)

// Counters is the slice of key state the scorer needs. The caller resolves
// the exhausted and blocked predicates under the state lock before scoring.
type Counters struct {
	RequestCount int
	Err401       int
	Err403       int
	Err429       int
	Err5xx       int
}

// HealthInfo is the scored snapshot stored in the health cache and served to
// operators. ErrorRate here is the operator-facing rate and includes 403s.
type HealthInfo struct {
	Status           Status   `json:"status"`
	RemainingPercent *float64 `json:"remaining_percent,omitempty"`
	Used             *int64   `json:"used,omitempty"`
	Limit            *int64   `json:"limit,omitempty"`
	Remaining        *int64   `json:"remaining,omitempty"`
	ResetHint        string   `json:"reset_hint,omitempty"`
	ErrorRate        float64  `json:"error_rate"`
	Email            string   `json:"email,omitempty"`
}

// Score derives a HealthInfo from a usage snapshot and the key's lifetime
// counters. u may be nil when no usage has been fetched yet.
func Score(u *Usage, counters Counters, exhausted, blocked bool) HealthInfo {
	info := HealthInfo{
		Status:    classify(u, counters, exhausted, blocked),
		ErrorRate: operatorErrorRate(counters),
	}
	if u != nil {
		info.RemainingPercent = u.RemainingPercent
		info.Used = u.Used
		info.Limit = u.Limit
		info.Remaining = u.Remaining
		info.ResetHint = u.ResetHint
		info.Email = u.Email
	}
	return info
}

func classify(u *Usage, counters Counters, exhausted, blocked bool) Status {
	switch {
	case blocked:
		return StatusBlocked
	case exhausted:
		return StatusExhausted
	case counters.Err401 > 0:
		return StatusBlocked
	case u != nil && u.RemainingPercent != nil && *u.RemainingPercent <= 0:
		return StatusBlocked
	case counters.Err403 > 0:
		return StatusWarn
	case u == nil:
		return StatusWarn
	case u.RemainingPercent != nil && *u.RemainingPercent < 20:
		return StatusWarn
	case counters.Err429 > 0 || counters.Err5xx > 0 || scoringErrorRate(counters) >= 0.05:
		return StatusWarn
	default:
		return StatusHealthy
	}
}

// scoringErrorRate counts only transient failures; 401 and 403 already gate
// the status directly.
func scoringErrorRate(counters Counters) float64 {
	return float64(counters.Err429+counters.Err5xx) / float64(maxInt(counters.RequestCount, 1))
}

func operatorErrorRate(counters Counters) float64 {
	return float64(counters.Err403+counters.Err429+counters.Err5xx) / float64(maxInt(counters.RequestCount, 1))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
