package clock

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResolveLocation maps a configured time zone name to a *time.Location.
// Accepted forms: "" or "local" (system zone), "UTC"/"GMT"/"Z", fixed
// offsets like "+03" / "-0530" / "+05:45", and IANA names. Anything that
// fails to parse falls back to UTC.
func ResolveLocation(name string) *time.Location {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || strings.EqualFold(trimmed, "local") {
		return time.Local
	}
	switch strings.ToUpper(trimmed) {
	case "UTC", "GMT", "Z":
		return time.UTC
	}
	if strings.HasPrefix(trimmed, "+") || strings.HasPrefix(trimmed, "-") {
		if loc := fixedOffsetLocation(trimmed); loc != nil {
			return loc
		}
		return time.UTC
	}
	loc, err := time.LoadLocation(trimmed)
	if err != nil {
		return time.UTC
	}
	return loc
}

func fixedOffsetLocation(spec string) *time.Location {
	sign := 1
	if spec[0] == '-' {
		sign = -1
	}
	raw := spec[1:]
	var hoursRaw, minutesRaw string
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		hoursRaw, minutesRaw = raw[:idx], raw[idx+1:]
	} else if len(raw) > 2 {
		hoursRaw, minutesRaw = raw[:2], raw[2:]
	} else {
		hoursRaw, minutesRaw = raw, "0"
	}
	hours, err := strconv.Atoi(hoursRaw)
	if err != nil {
		return nil
	}
	minutes, err := strconv.Atoi(minutesRaw)
	if err != nil {
		return nil
	}
	offset := sign * (hours*3600 + minutes*60)
	return time.FixedZone(spec, offset)
}

// Timestamp formats t in the given location the way trace entries record it.
func Timestamp(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02 15:04:05 -0700")
}

// Now returns the current wall-clock timestamp string for the named zone.
func Now(tzName string) string {
	return Timestamp(time.Now(), ResolveLocation(tzName))
}

// NewRequestID returns a 32-character hex string (16 random bytes) used to
// correlate a request across logs and trace entries.
func NewRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
