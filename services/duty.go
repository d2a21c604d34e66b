package services

import (
	"fmt"
	"time"

	"github.com/statuswatch/oncall/db"
)

// DutyLocation is the time zone duty windows are evaluated in. It is
// set once at startup from config; empty config keeps server local
// time.
var DutyLocation = time.Local

// SetDutyTimezone points duty evaluation at a named zone.
func SetDutyTimezone(name string) error {
	if name == "" {
		DutyLocation = time.Local
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Errorf("failed to load duty timezone %q: %w", name, err)
	}
	DutyLocation = loc
	return nil
}

// CheckIsOnDuty reports whether a team member's duty window covers the
// given instant. Windows are daily HH:MM spans; a member without both
// bounds, or with equal bounds, is always on duty. A window whose end
// is before its start wraps past midnight.
func CheckIsOnDuty(member db.TeamMember, now time.Time) bool {
	if member.StartTime == "" || member.EndTime == "" {
		return true
	}
	if member.StartTime == member.EndTime {
		return true
	}

	start, err := minutesOfDay(member.StartTime)
	if err != nil {
		return true
	}
	end, err := minutesOfDay(member.EndTime)
	if err != nil {
		return true
	}

	local := now.In(DutyLocation)
	current := local.Hour()*60 + local.Minute()

	if start < end {
		return current >= start && current < end
	}
	// Overnight shift, e.g. 22:00 to 06:00.
	return current >= start || current < end
}

func minutesOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid duty time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// OnDutyMembers filters a policy's team down to members currently on
// duty.
func OnDutyMembers(team []db.TeamMember, now time.Time) []db.TeamMember {
	var onDuty []db.TeamMember
	for _, member := range team {
		if CheckIsOnDuty(member, now) {
			onDuty = append(onDuty, member)
		}
	}
	return onDuty
}
