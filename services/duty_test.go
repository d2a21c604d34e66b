package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/statuswatch/oncall/db"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.Local)
}

func TestCheckIsOnDuty_DayShift(t *testing.T) {
	member := db.TeamMember{UserID: "u1", StartTime: "09:00", EndTime: "17:00"}

	assert.True(t, CheckIsOnDuty(member, at(9, 0)), "start of shift is on duty")
	assert.True(t, CheckIsOnDuty(member, at(12, 30)))
	assert.True(t, CheckIsOnDuty(member, at(16, 59)))
	assert.False(t, CheckIsOnDuty(member, at(17, 0)), "end of shift is off duty")
	assert.False(t, CheckIsOnDuty(member, at(8, 59)))
	assert.False(t, CheckIsOnDuty(member, at(23, 0)))
}

func TestCheckIsOnDuty_OvernightShift(t *testing.T) {
	member := db.TeamMember{UserID: "u1", StartTime: "22:00", EndTime: "06:00"}

	assert.True(t, CheckIsOnDuty(member, at(23, 30)))
	assert.True(t, CheckIsOnDuty(member, at(2, 0)))
	assert.True(t, CheckIsOnDuty(member, at(5, 59)))
	assert.False(t, CheckIsOnDuty(member, at(6, 0)))
	assert.False(t, CheckIsOnDuty(member, at(12, 0)))
	assert.False(t, CheckIsOnDuty(member, at(21, 59)))
}

func TestCheckIsOnDuty_AlwaysOnDuty(t *testing.T) {
	assert.True(t, CheckIsOnDuty(db.TeamMember{UserID: "u1"}, at(3, 0)), "no bounds means always on duty")
	assert.True(t, CheckIsOnDuty(db.TeamMember{UserID: "u1", StartTime: "09:00"}, at(3, 0)), "missing end bound")
	assert.True(t, CheckIsOnDuty(db.TeamMember{UserID: "u1", EndTime: "17:00"}, at(3, 0)), "missing start bound")
	assert.True(t, CheckIsOnDuty(db.TeamMember{UserID: "u1", StartTime: "08:00", EndTime: "08:00"}, at(3, 0)), "equal bounds")
}

func TestCheckIsOnDuty_InvalidTimesFailOpen(t *testing.T) {
	member := db.TeamMember{UserID: "u1", StartTime: "not-a-time", EndTime: "17:00"}
	assert.True(t, CheckIsOnDuty(member, at(3, 0)))
}

func TestOnDutyMembers(t *testing.T) {
	team := []db.TeamMember{
		{UserID: "day", StartTime: "09:00", EndTime: "17:00"},
		{UserID: "night", StartTime: "22:00", EndTime: "06:00"},
		{UserID: "always"},
	}

	onDuty := OnDutyMembers(team, at(10, 0))
	assert.Len(t, onDuty, 2)
	assert.Equal(t, "day", onDuty[0].UserID)
	assert.Equal(t, "always", onDuty[1].UserID)
}

func TestSetDutyTimezone(t *testing.T) {
	assert.NoError(t, SetDutyTimezone("UTC"))
	assert.Equal(t, time.UTC, DutyLocation)

	assert.Error(t, SetDutyTimezone("Not/AZone"))

	assert.NoError(t, SetDutyTimezone(""))
	assert.Equal(t, time.Local, DutyLocation)
}
