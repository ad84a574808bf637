package handlers

import (
	"testing"
	"time"

	"github.com/acme/voice-agent-platform/internal/domain"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
)

func TestOutcomeFromCallStatus(t *testing.T) {
	cases := []struct {
		status string
		want   domain.CallOutcome
		mapped bool
	}{
		{"completed", domain.OutcomeAnswered, true},
		{"no-answer", domain.OutcomeNoAnswer, true},
		{"busy", domain.OutcomeBusy, true},
		{"failed", domain.OutcomeFailed, true},
		{"canceled", domain.OutcomeFailed, true},
		{"ringing", "", false},
		{"in-progress", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := outcomeFromCallStatus(tc.status)
		if ok != tc.mapped || got != tc.want {
			t.Errorf("outcomeFromCallStatus(%q) = %q, %v; want %q, %v", tc.status, got, ok, tc.want, tc.mapped)
		}
	}
}

func TestParsePacing(t *testing.T) {
	pacing, err := parsePacing(pacingRequest{
		DailyCallLimit:   120,
		MinCallInterval:  "90s",
		CallWindowStart:  "09:00",
		CallWindowEnd:    "20:30",
		MaxRetryAttempts: 3,
		RetryInterval:    "15m",
	})
	if err != nil {
		t.Fatalf("parsePacing: %v", err)
	}

	if pacing.DailyCallLimit != 120 || pacing.MaxRetryAttempts != 3 {
		t.Errorf("limits = %+v", pacing)
	}
	if pacing.MinCallInterval != 90*time.Second {
		t.Errorf("min call interval = %v", pacing.MinCallInterval)
	}
	if pacing.RetryInterval != 15*time.Minute {
		t.Errorf("retry interval = %v", pacing.RetryInterval)
	}
	if pacing.CallWindowStart != 9*60 || pacing.CallWindowEnd != 20*60+30 {
		t.Errorf("window = [%d, %d)", pacing.CallWindowStart, pacing.CallWindowEnd)
	}
}

func TestParsePacingRejectsBadValues(t *testing.T) {
	cases := []pacingRequest{
		{MinCallInterval: "soon"},
		{RetryInterval: "never"},
		{CallWindowStart: "9am", CallWindowEnd: "20:00"},
		{CallWindowStart: "09:00", CallWindowEnd: "8pm"},
	}
	for _, tc := range cases {
		if _, err := parsePacing(tc); !apperrors.Is(err, apperrors.ErrValidation) {
			t.Errorf("parsePacing(%+v) err = %v, want validation error", tc, err)
		}
	}
}

func TestMinuteOfDayRoundTrip(t *testing.T) {
	for _, value := range []string{"00:00", "09:05", "23:59"} {
		minute, err := parseMinuteOfDay(value)
		if err != nil {
			t.Fatalf("parseMinuteOfDay(%q): %v", value, err)
		}
		if got := formatMinuteOfDay(minute); got != value {
			t.Errorf("round trip %q -> %d -> %q", value, minute, got)
		}
	}
}
