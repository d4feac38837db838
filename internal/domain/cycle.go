package domain

import "time"

// CycleRecord describes one active pass of the scheduler over the watchlist.
type CycleRecord struct {
	ID        string            `json:"id"`
	Number    int               `json:"number"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Evaluated []string          `json:"evaluated"`
	Opened    []string          `json:"opened"`
	Closed    []string          `json:"closed"`
	Failed    []string          `json:"failed"`
	Skipped   map[string]string `json:"skipped"`
}

// Clone returns a deep copy safe to hand to readers.
func (c CycleRecord) Clone() CycleRecord {
	out := c
	out.Evaluated = append([]string(nil), c.Evaluated...)
	out.Opened = append([]string(nil), c.Opened...)
	out.Closed = append([]string(nil), c.Closed...)
	out.Failed = append([]string(nil), c.Failed...)
	if c.Skipped != nil {
		out.Skipped = make(map[string]string, len(c.Skipped))
		for k, v := range c.Skipped {
			out.Skipped[k] = v
		}
	}
	return out
}
