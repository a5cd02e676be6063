package redisx

import "fmt"

const ns = "stagepass:v1"

func KeySeatHoldOwner(scheduleID, seatID int64) string {
	return fmt.Sprintf("%s:seat:hold:owner:%d:%d", ns, scheduleID, seatID)
}

func KeySeatSoldSet(scheduleID int64) string {
	return fmt.Sprintf("%s:seat:sold:%d", ns, scheduleID)
}

func KeyBookingSession(sessionID string) string {
	return fmt.Sprintf("%s:booking:session:%s", ns, sessionID)
}

func KeyBookingSessionDevice(sessionID string) string {
	return fmt.Sprintf("%s:booking:session:device:%s", ns, sessionID)
}

func KeyBookingSessionUser(sessionID string) string {
	return fmt.Sprintf("%s:booking:session:user:%s", ns, sessionID)
}

func KeyBookingSessionByUser(userID, scheduleID int64) string {
	return fmt.Sprintf("%s:booking:session:by-user:%d:%d", ns, userID, scheduleID)
}

func KeyActiveSessions(scheduleID int64) string {
	return fmt.Sprintf("%s:booking:active:%d", ns, scheduleID)
}

// PatternActiveSessions matches every KeyActiveSessions key; SCAN input for
// the session sweeper.
func PatternActiveSessions() string {
	return ns + ":booking:active:*"
}

func KeyWaitingToken(token string) string {
	return fmt.Sprintf("%s:waiting:%s", ns, token)
}

func KeyWaitingLock(token string) string {
	return fmt.Sprintf("%s:waiting:lock:%s", ns, token)
}

func KeyScheduleSeatCounts(scheduleID int64) string {
	return fmt.Sprintf("%s:schedule:%d:seat-counts", ns, scheduleID)
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func ChannelScheduleChanged() string {
	return ns + ":schedules:changed"
}
