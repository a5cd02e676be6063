package redisx

import (
	"path"
	"strings"
	"testing"
)

func TestKeysCarryNamespaceAndIDs(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"seat hold owner", KeySeatHoldOwner(3, 17), "stagepass:v1:seat:hold:owner:3:17"},
		{"seat sold set", KeySeatSoldSet(3), "stagepass:v1:seat:sold:3"},
		{"booking session", KeyBookingSession("abc"), "stagepass:v1:booking:session:abc"},
		{"session device", KeyBookingSessionDevice("abc"), "stagepass:v1:booking:session:device:abc"},
		{"session user", KeyBookingSessionUser("abc"), "stagepass:v1:booking:session:user:abc"},
		{"session by user", KeyBookingSessionByUser(7, 3), "stagepass:v1:booking:session:by-user:7:3"},
		{"active sessions", KeyActiveSessions(3), "stagepass:v1:booking:active:3"},
		{"waiting token", KeyWaitingToken("tok"), "stagepass:v1:waiting:tok"},
		{"waiting lock", KeyWaitingLock("tok"), "stagepass:v1:waiting:lock:tok"},
		{"seat counts", KeyScheduleSeatCounts(3), "stagepass:v1:schedule:3:seat-counts"},
		{"rate limit", KeyRateLimit("hold", "ip:1.2.3.4"), "stagepass:v1:rl:hold:ip:1.2.3.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.key != tt.want {
				t.Errorf("key = %q, want %q", tt.key, tt.want)
			}
		})
	}
}

func TestSeatHoldOwnerKeysAreDistinctPerSeat(t *testing.T) {
	if KeySeatHoldOwner(1, 2) == KeySeatHoldOwner(2, 1) {
		t.Error("schedule and seat ids collide in the key")
	}
}

func TestPatternActiveSessionsMatchesKeys(t *testing.T) {
	pattern := PatternActiveSessions()

	ok, err := path.Match(pattern, KeyActiveSessions(42))
	if err != nil {
		t.Fatalf("bad pattern %q: %v", pattern, err)
	}
	if !ok {
		t.Errorf("pattern %q does not match %q", pattern, KeyActiveSessions(42))
	}

	if ok, _ := path.Match(pattern, KeyBookingSession("x")); ok {
		t.Errorf("pattern %q matches a session key", pattern)
	}
}

func TestChannelScheduleChanged(t *testing.T) {
	if !strings.HasPrefix(ChannelScheduleChanged(), "stagepass:v1:") {
		t.Errorf("channel %q outside namespace", ChannelScheduleChanged())
	}
}
