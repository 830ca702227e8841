package shift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanStartBreakBoundary(t *testing.T) {
	rules := DefaultRules()
	end := time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)
	state := &State{UserID: "u1", ShiftEnd: end}

	under := rules.CanStart(state, end.Add(rules.MinBreakDuration-time.Millisecond))
	assert.False(t, under.Allowed)
	assert.Equal(t, ReasonBreakTooShort, under.Reason)
	assert.Equal(t, end.Add(rules.MinBreakDuration), under.AvailableAt)

	assert.True(t, rules.CanStart(state, end.Add(rules.MinBreakDuration)).Allowed)
	assert.True(t, rules.CanStart(state, end.Add(rules.MinBreakDuration+time.Millisecond)).Allowed)
}

func TestCanStartUsesLaterOfRecordedAndActualEnd(t *testing.T) {
	rules := DefaultRules()
	capped := time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)
	left := capped.Add(8 * time.Hour)
	state := &State{UserID: "u1", ShiftEnd: capped, EndedAt: left}

	early := rules.CanStart(state, left.Add(time.Minute))
	assert.False(t, early.Allowed)
	assert.Equal(t, left.Add(rules.MinBreakDuration), early.AvailableAt)
	assert.True(t, rules.CanStart(state, left.Add(rules.MinBreakDuration)).Allowed)

	onlyActual := &State{UserID: "u1", EndedAt: left}
	assert.False(t, rules.CanStart(onlyActual, left.Add(time.Hour)).Allowed)
}

func TestCanStartOnDutyAndFirstShift(t *testing.T) {
	rules := DefaultRules()
	now := time.Now()
	assert.True(t, rules.CanStart(nil, now).Allowed)
	assert.True(t, rules.CanStart(&State{UserID: "u1"}, now).Allowed)

	onDuty := rules.CanStart(&State{UserID: "u1", OnDuty: true, ShiftStart: now}, now)
	assert.False(t, onDuty.Allowed)
	assert.Equal(t, ReasonAlreadyOnDuty, onDuty.Reason)
}

func TestNotesSufficient(t *testing.T) {
	rules := DefaultRules()
	assert.True(t, rules.NotesSufficient("", 0))
	assert.False(t, rules.NotesSufficient("", 2))
	assert.False(t, rules.NotesSufficient("too short", 2))
	assert.True(t, rules.NotesSufficient("bed 4 pain", 2))
	assert.True(t, rules.NotesSufficient("überwachung", 1))
}

func TestClampEnd(t *testing.T) {
	rules := DefaultRules()
	start := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)

	end, overrun := rules.ClampEnd(start, start.Add(11*time.Hour))
	assert.Equal(t, start.Add(11*time.Hour), end)
	assert.Zero(t, overrun)

	end, overrun = rules.ClampEnd(start, start.Add(13*time.Hour))
	assert.Equal(t, start.Add(rules.MaxShiftDuration), end)
	assert.Equal(t, time.Hour, overrun)
}

func TestRulesValidate(t *testing.T) {
	assert.NoError(t, DefaultRules().Validate())
	assert.ErrorIs(t, Rules{}.Validate(), ErrInvalidRules)
	assert.ErrorIs(t, Rules{MaxShiftDuration: time.Hour, MinNotesLength: -1}.Validate(), ErrInvalidRules)
}
