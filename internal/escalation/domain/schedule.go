package escalation

import (
	"sync/atomic"
	"time"
)

// ScheduleState is the lifecycle of one armed deadline.
type ScheduleState int32

const (
	StateArmed ScheduleState = iota
	StateFiring
	StateFired
	StateCancelled
)

func (s ScheduleState) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	case StateFired:
		return "fired"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Schedule is one deadline for one alert at one tier. Its state only moves
// armed -> firing -> fired or armed -> cancelled, each step a compare-and-swap,
// so a fire and a cancel racing on the same schedule cannot both win.
type Schedule struct {
	AlertID  string
	ScopeID  string
	Urgency  Urgency
	Tier     Tier
	Deadline time.Time

	state atomic.Int32
}

// NewSchedule returns an armed schedule.
func NewSchedule(alertID, scopeID string, urgency Urgency, tier Tier, deadline time.Time) *Schedule {
	s := &Schedule{
		AlertID:  alertID,
		ScopeID:  scopeID,
		Urgency:  urgency,
		Tier:     tier,
		Deadline: deadline,
	}
	s.state.Store(int32(StateArmed))
	return s
}

// State returns the current state.
func (s *Schedule) State() ScheduleState {
	return ScheduleState(s.state.Load())
}

// BeginFire claims the schedule for firing. Only one caller can succeed, and only while armed.
func (s *Schedule) BeginFire() bool {
	return s.state.CompareAndSwap(int32(StateArmed), int32(StateFiring))
}

// FinishFire marks a firing schedule as fired.
func (s *Schedule) FinishFire() bool {
	return s.state.CompareAndSwap(int32(StateFiring), int32(StateFired))
}

// Cancel disarms the schedule. It fails once firing has begun.
func (s *Schedule) Cancel() bool {
	return s.state.CompareAndSwap(int32(StateArmed), int32(StateCancelled))
}
