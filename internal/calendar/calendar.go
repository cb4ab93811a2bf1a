// Package calendar loads the event-day calendar file consumed by the
// risk gate's event-day afternoon block.
package calendar

import (
	"encoding/json"
	"os"
	"time"

	"github.com/aashi6126/optiontrader/internal/observ"
)

// Calendar holds the set of blocked afternoon session dates.
type Calendar struct {
	blocked map[string]bool
}

type fileFormat struct {
	BlockedAfternoons []string `json:"blocked_afternoons"`
}

// Empty returns a Calendar with no blocked dates, used when the file is
// absent or unparseable; reading the calendar is best-effort.
func Empty() *Calendar {
	return &Calendar{blocked: map[string]bool{}}
}

// Load reads path and parses its single "blocked_afternoons" key. Any
// failure is logged as a warning and an empty Calendar is returned
// rather than propagated; the file is optional.
func Load(path string) *Calendar {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			observ.Log("calendar_read_warning", map[string]any{"path": path, "error": err.Error()})
		}
		return Empty()
	}

	var f fileFormat
	if err := json.Unmarshal(b, &f); err != nil {
		observ.Log("calendar_parse_warning", map[string]any{"path": path, "error": err.Error()})
		return Empty()
	}

	c := Empty()
	for _, d := range f.BlockedAfternoons {
		c.blocked[d] = true
	}
	return c
}

// IsBlockedAfternoon reports whether the ISO calendar date of t (in t's
// own location; no zone conversion is applied) is a blocked event-day
// afternoon.
func (c *Calendar) IsBlockedAfternoon(t time.Time) bool {
	if c == nil {
		return false
	}
	return c.blocked[t.Format("2006-01-02")]
}
