package escalation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Urgency is the alert urgency level that selects a row of the timeout table.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Urgencies lists every urgency, lowest first.
var Urgencies = []Urgency{UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical}

// Valid returns true for a known urgency.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	default:
		return false
	}
}

// ParseUrgency normalizes user input.
func ParseUrgency(value string) (Urgency, error) {
	u := Urgency(strings.ToLower(strings.TrimSpace(value)))
	if !u.Valid() {
		return "", fmt.Errorf("escalation: unknown urgency %q", value)
	}
	return u, nil
}

// Tier is an escalation level, starting at Tier1.
type Tier int

const (
	Tier1 Tier = 1

	DefaultMaxTier Tier = 4
)

var (
	ErrInvalidTable = errors.New("escalation: invalid timeout table")
)

// TimeoutTable holds, per urgency, how long each tier waits before escalating.
// Entry i is the timeout of tier i+1; the last tier (MaxTier) never times out.
type TimeoutTable struct {
	timeouts map[Urgency][]time.Duration
	maxTier  Tier
}

// NewTimeoutTable validates and builds a table. Every urgency needs maxTier-1 positive timeouts.
func NewTimeoutTable(timeouts map[Urgency][]time.Duration, maxTier Tier) (TimeoutTable, error) {
	if maxTier < 2 {
		return TimeoutTable{}, fmt.Errorf("%w: max tier %d", ErrInvalidTable, maxTier)
	}
	table := TimeoutTable{timeouts: make(map[Urgency][]time.Duration, len(Urgencies)), maxTier: maxTier}
	for _, urgency := range Urgencies {
		row, ok := timeouts[urgency]
		if !ok {
			return TimeoutTable{}, fmt.Errorf("%w: missing urgency %s", ErrInvalidTable, urgency)
		}
		if len(row) < int(maxTier)-1 {
			return TimeoutTable{}, fmt.Errorf("%w: urgency %s has %d timeouts, need %d", ErrInvalidTable, urgency, len(row), maxTier-1)
		}
		for i, timeout := range row {
			if timeout <= 0 {
				return TimeoutTable{}, fmt.Errorf("%w: urgency %s tier %d timeout must be positive", ErrInvalidTable, urgency, i+1)
			}
		}
		table.timeouts[urgency] = append([]time.Duration(nil), row[:maxTier-1]...)
	}
	return table, nil
}

// DefaultTimeoutTable is used when no table is configured.
func DefaultTimeoutTable() TimeoutTable {
	table, err := NewTimeoutTable(map[Urgency][]time.Duration{
		UrgencyCritical: {2 * time.Minute, 3 * time.Minute, 5 * time.Minute},
		UrgencyHigh:     {5 * time.Minute, 10 * time.Minute, 15 * time.Minute},
		UrgencyNormal:   {10 * time.Minute, 15 * time.Minute, 20 * time.Minute},
		UrgencyLow:      {15 * time.Minute, 30 * time.Minute, 30 * time.Minute},
	}, DefaultMaxTier)
	if err != nil {
		panic(err)
	}
	return table
}

// MaxTier is the terminal tier.
func (t TimeoutTable) MaxTier() Tier {
	return t.maxTier
}

// Timeout returns how long tier waits before escalating. It reports false for the
// terminal tier, an out-of-range tier or an unknown urgency.
func (t TimeoutTable) Timeout(urgency Urgency, tier Tier) (time.Duration, bool) {
	if tier < Tier1 || tier >= t.maxTier {
		return 0, false
	}
	row, ok := t.timeouts[urgency]
	if !ok {
		return 0, false
	}
	return row[tier-1], true
}
