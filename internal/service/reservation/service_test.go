package reservation

import (
	"slices"
	"testing"
	"time"
)

func TestNormalizeSeatIDs(t *testing.T) {
	tests := []struct {
		name string
		in   []int64
		want []int64
	}{
		{"empty", nil, nil},
		{"sorted", []int64{1, 2, 3}, []int64{1, 2, 3}},
		{"unsorted", []int64{3, 1, 2}, []int64{1, 2, 3}},
		{"duplicates", []int64{2, 1, 2, 1}, []int64{1, 2}},
		{"single", []int64{5}, []int64{5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeSeatIDs(tt.in)
			if !slices.Equal(got, tt.want) {
				t.Errorf("normalizeSeatIDs(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeSeatIDsDoesNotMutateInput(t *testing.T) {
	in := []int64{3, 1, 2}
	normalizeSeatIDs(in)

	if !slices.Equal(in, []int64{3, 1, 2}) {
		t.Errorf("input mutated: %v", in)
	}
}

func TestClampTTL(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, nil, Config{
		HoldTTL:    7 * time.Minute,
		MinHoldTTL: time.Minute,
		MaxHoldTTL: 15 * time.Minute,
	})

	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"zero falls back to default", 0, 7 * time.Minute},
		{"below min", time.Second, time.Minute},
		{"within range", 5 * time.Minute, 5 * time.Minute},
		{"above max", time.Hour, 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.clampTTL(tt.in); got != tt.want {
				t.Errorf("clampTTL(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, nil, Config{})

	if s.cfg.HoldTTL != 7*time.Minute {
		t.Errorf("HoldTTL = %s, want 7m", s.cfg.HoldTTL)
	}
	if s.cfg.MinHoldTTL != time.Minute {
		t.Errorf("MinHoldTTL = %s, want 1m", s.cfg.MinHoldTTL)
	}
	if s.cfg.MaxHoldTTL != 15*time.Minute {
		t.Errorf("MaxHoldTTL = %s, want 15m", s.cfg.MaxHoldTTL)
	}
	if s.cfg.ConsumeGrace != 2*time.Minute {
		t.Errorf("ConsumeGrace = %s, want 2m", s.cfg.ConsumeGrace)
	}
}
