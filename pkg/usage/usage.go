package usage

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Usage is an immutable snapshot of one key's quota, parsed from the
// upstream usage endpoint. All numeric fields are optional; Raw retains the
// original payload for debugging only.
type Usage struct {
	RemainingPercent *float64
	Used             *int64
	Limit            *int64
	Remaining        *int64
	ResetHint        string
	Limits           []LimitInfo
	Email            string
	Raw              map[string]any
}

// LimitInfo is one window-specific limit from a payload's limits list.
type LimitInfo struct {
	Label       string
	Used        *int64
	Limit       *int64
	Remaining   *int64
	ResetHint   string
	WindowHours *float64
}

// Parse extracts a Usage from an upstream payload. Shapes vary by provider;
// the preference order is explicit remaining_percent, then (used, limit)
// pairs, then the windowed limits list (largest window wins). When an
// explicit percentage disagrees with the derived one by more than one
// point, the derived value is trusted.
func Parse(data []byte) (*Usage, error) {
	payload := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decoding usage payload: %w", err)
		}
	}

	u := &Usage{
		Raw:    payload,
		Limits: parseLimits(payload),
		Email:  extractEmail(payload),
	}
	u.Used, u.Limit, u.Remaining, u.ResetHint = extractSummary(payload)
	u.RemainingPercent = extractRemainingPercent(payload)

	if u.RemainingPercent == nil && u.Remaining != nil && u.Limit != nil && *u.Limit > 0 {
		u.RemainingPercent = pct(*u.Remaining, *u.Limit)
	}
	if u.RemainingPercent == nil && u.Used != nil && u.Limit != nil && *u.Limit > 0 {
		if u.Remaining == nil {
			remaining := max64(*u.Limit-*u.Used, 0)
			u.Remaining = &remaining
		}
		u.RemainingPercent = pct(*u.Remaining, *u.Limit)
	}
	if u.RemainingPercent != nil && u.Used != nil && u.Limit != nil && *u.Limit > 0 {
		computed := *pct(max64(*u.Limit-*u.Used, 0), *u.Limit)
		if math.Abs(*u.RemainingPercent-computed) > 1.0 {
			u.RemainingPercent = &computed
		}
	}
	if u.RemainingPercent == nil && len(u.Limits) > 0 {
		u.fillFromWidestWindow()
	}
	return u, nil
}

// fillFromWidestWindow falls back to the limits entry with the largest
// window for the summary numbers.
func (u *Usage) fillFromWidestWindow() {
	var candidate *LimitInfo
	bestWindow := math.Inf(-1)
	for i := range u.Limits {
		entry := &u.Limits[i]
		if entry.Limit == nil || *entry.Limit <= 0 {
			continue
		}
		window := math.Inf(-1)
		if entry.WindowHours != nil {
			window = *entry.WindowHours
		}
		if candidate == nil || window > bestWindow {
			candidate = entry
			bestWindow = window
		}
	}
	if candidate == nil {
		return
	}
	if u.Used == nil {
		u.Used = candidate.Used
	}
	if u.Limit == nil {
		u.Limit = candidate.Limit
	}
	if u.Remaining == nil {
		u.Remaining = candidate.Remaining
	}
	if u.Used != nil && u.Limit != nil && *u.Limit > 0 {
		if u.Remaining == nil {
			remaining := max64(*u.Limit-*u.Used, 0)
			u.Remaining = &remaining
		}
		u.RemainingPercent = pct(*u.Remaining, *u.Limit)
	}
}

func extractRemainingPercent(payload map[string]any) *float64 {
	if raw, ok := payload["remaining_percent"]; ok {
		if v, ok := toFloat(raw); ok {
			return &v
		}
		return nil
	}
	if remaining, ok := toFloat(payload["remaining"]); ok {
		if total, ok := toFloat(payload["total"]); ok {
			return ratioPct(remaining, total)
		}
	}
	if data, ok := payload["data"].(map[string]any); ok {
		for _, key := range []string{"remaining", "remaining_quota", "remain"} {
			if remaining, ok := toFloat(data[key]); ok {
				if total, ok := toFloat(data["total"]); ok {
					return ratioPct(remaining, total)
				}
				return nil
			}
		}
	}
	return nil
}

func ratioPct(remaining, total float64) *float64 {
	v := 0.0
	if total > 0 {
		v = remaining / total * 100
	}
	return &v
}

func extractSummary(payload map[string]any) (used, limit, remaining *int64, resetHint string) {
	if usageObj, ok := payload["usage"].(map[string]any); ok {
		used = toInt(usageObj["used"])
		limit = toInt(usageObj["limit"])
		remaining = toInt(usageObj["remaining"])
		resetHint = extractResetHint(usageObj)
	}
	if limits, ok := payload["limits"].([]any); ok && len(limits) > 0 {
		if first, ok := limits[0].(map[string]any); ok {
			detail := detailOf(first)
			if used == nil {
				used = toInt(detail["used"])
			}
			if limit == nil {
				limit = toInt(detail["limit"])
			}
			if remaining == nil {
				remaining = toInt(detail["remaining"])
			}
			if resetHint == "" {
				resetHint = extractResetHint(detail)
			}
		}
	}
	return used, limit, remaining, resetHint
}

func extractResetHint(obj map[string]any) string {
	for _, key := range []string{"reset_at", "resetAt", "reset_time", "resetTime"} {
		if v, ok := obj[key]; ok && v != nil && fmt.Sprint(v) != "" {
			return fmt.Sprint(v)
		}
	}
	for _, key := range []string{"reset_in", "resetIn", "ttl", "window"} {
		if v, ok := obj[key]; ok && v != nil && fmt.Sprint(v) != "" {
			return fmt.Sprintf("resets in %vs", v)
		}
	}
	return ""
}

func parseLimits(payload map[string]any) []LimitInfo {
	raw, ok := payload["limits"].([]any)
	if !ok {
		return nil
	}
	limits := make([]LimitInfo, 0, len(raw))
	for idx, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		detail := detailOf(obj)
		window, _ := obj["window"].(map[string]any)
		info := LimitInfo{
			Label:       limitLabel(obj, detail, window, idx),
			Used:        toInt(detail["used"]),
			Limit:       toInt(detail["limit"]),
			Remaining:   toInt(detail["remaining"]),
			ResetHint:   extractResetHint(detail),
			WindowHours: windowHours(window),
		}
		limits = append(limits, info)
	}
	return limits
}

func detailOf(obj map[string]any) map[string]any {
	if detail, ok := obj["detail"].(map[string]any); ok {
		return detail
	}
	return obj
}

func windowHours(window map[string]any) *float64 {
	if window == nil {
		return nil
	}
	duration := toInt(window["duration"])
	if duration == nil {
		return nil
	}
	unit := strings.ToUpper(fmt.Sprint(window["timeUnit"]))
	var hours float64
	switch {
	case strings.Contains(unit, "MINUTE"):
		hours = float64(*duration) / 60
	case strings.Contains(unit, "HOUR"):
		hours = float64(*duration)
	case strings.Contains(unit, "DAY"):
		hours = float64(*duration) * 24
	case strings.Contains(unit, "WEEK"):
		hours = float64(*duration) * 24 * 7
	default:
		return nil
	}
	return &hours
}

func limitLabel(item, detail, window map[string]any, idx int) string {
	for _, key := range []string{"name", "title", "scope"} {
		if v, ok := item[key]; ok && v != nil && fmt.Sprint(v) != "" {
			return fmt.Sprint(v)
		}
		if v, ok := detail[key]; ok && v != nil && fmt.Sprint(v) != "" {
			return fmt.Sprint(v)
		}
	}
	if hours := windowHours(window); hours != nil {
		h := *hours
		switch {
		case h >= 24 && math.Mod(h, 24) == 0:
			return fmt.Sprintf("%dd limit", int(h/24))
		case h == math.Trunc(h):
			return fmt.Sprintf("%dh limit", int(h))
		default:
			return fmt.Sprintf("%.1fh limit", h)
		}
	}
	return fmt.Sprintf("Limit #%d", idx+1)
}

func extractEmail(payload map[string]any) string {
	if email := emailFrom(payload); email != "" {
		return email
	}
	if data, ok := payload["data"].(map[string]any); ok {
		if email := emailFrom(data); email != "" {
			return email
		}
	}
	if account, ok := payload["account"].(map[string]any); ok {
		if email := emailFrom(account); email != "" {
			return email
		}
	}
	return ""
}

func emailFrom(obj map[string]any) string {
	for _, key := range []string{"email", "account_email", "user_email"} {
		if v, ok := obj[key].(string); ok {
			trimmed := strings.TrimSpace(v)
			if strings.Contains(trimmed, "@") && strings.Contains(trimmed, ".") {
				return trimmed
			}
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		var f float64
		_, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v any) *int64 {
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	i := int64(f)
	return &i
}

func pct(remaining, limit int64) *float64 {
	v := math.Round(float64(remaining)/float64(limit)*100*100) / 100
	return &v
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
