package dialer

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/database/models"
)

func testScheduler() *Scheduler {
	logger := slog.New(slog.DiscardHandler)
	return NewScheduler(config.SchedulerConfig{}, nil, nil, nil, logger)
}

func retryCampaign() *models.Campaign {
	return &models.Campaign{
		ID:                1,
		MaxRetries:        3,
		RetryDelayMinutes: 15,
		RetryOnBusy:       true,
		RetryOnNoAnswer:   true,
		RetryOnFailed:     false,
	}
}

func TestDecideRetryPolicy(t *testing.T) {
	s := testScheduler()
	c := retryCampaign()

	tests := []struct {
		name        string
		disposition string
		attempts    int
		optedOut    bool
		wantStatus  string
		wantRetry   bool
	}{
		{"human answer completes", DispositionAnsweredHuman, 1, false, models.ContactCompleted, false},
		{"machine answer completes", DispositionAnsweredMachine, 1, false, models.ContactCompleted, false},
		{"busy retries", DispositionBusy, 1, false, models.ContactPending, true},
		{"busy exhausts retries", DispositionBusy, 3, false, models.ContactFailed, false},
		{"no answer retries", DispositionNoAnswer, 2, false, models.ContactPending, true},
		{"failed not retryable", DispositionFailed, 1, false, models.ContactFailed, false},
		{"opt out wins over retry", DispositionOptOut, 1, true, models.ContactDNC, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := &CallOutcome{
				Campaign:    c,
				Disposition: tt.disposition,
				Attempts:    tt.attempts,
				OptedOut:    tt.optedOut,
			}
			status, nextAt := s.decide(outcome)
			if status != tt.wantStatus {
				t.Errorf("decide() status = %q, want %q", status, tt.wantStatus)
			}
			if tt.wantRetry {
				if nextAt == nil {
					t.Fatal("decide() nextAt = nil, want a retry time")
				}
				delay := time.Until(*nextAt)
				if delay < 14*time.Minute || delay > 16*time.Minute {
					t.Errorf("retry delay = %s, want about 15m", delay.Round(time.Second))
				}
			} else if nextAt != nil {
				t.Errorf("decide() nextAt = %v, want nil", nextAt)
			}
		})
	}
}

func TestWithinCallingHours(t *testing.T) {
	day := func(hour, min int) time.Time {
		return time.Date(2026, 1, 5, hour, min, 0, 0, time.UTC)
	}

	c := &models.Campaign{CallingHoursStart: "09:00", CallingHoursEnd: "17:00"}
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"inside window", day(10, 30), true},
		{"at start", day(9, 0), true},
		{"at end", day(17, 0), false},
		{"before start", day(8, 59), false},
		{"after end", day(20, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withinCallingHours(c, "", tt.now); got != tt.want {
				t.Errorf("withinCallingHours(%s) = %v, want %v", tt.now.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestWithinCallingHoursCrossesMidnight(t *testing.T) {
	c := &models.Campaign{CallingHoursStart: "21:00", CallingHoursEnd: "03:00"}
	evening := time.Date(2026, 1, 5, 22, 0, 0, 0, time.UTC)
	night := time.Date(2026, 1, 6, 2, 0, 0, 0, time.UTC)
	noon := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	if !withinCallingHours(c, "", evening) {
		t.Error("22:00 should be inside a 21:00-03:00 window")
	}
	if !withinCallingHours(c, "", night) {
		t.Error("02:00 should be inside a 21:00-03:00 window")
	}
	if withinCallingHours(c, "", noon) {
		t.Error("12:00 should be outside a 21:00-03:00 window")
	}
}

func TestWithinCallingHoursRespectsContactTimezone(t *testing.T) {
	c := &models.Campaign{
		CallingHoursStart: "09:00",
		CallingHoursEnd:   "17:00",
		RespectTimezone:   true,
	}

	// 15:00 UTC on a January day is 10:00 in New York.
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	if !withinCallingHours(c, "America/New_York", now) {
		t.Error("10:00 local should be inside the window")
	}

	// 02:00 UTC is 21:00 the previous evening in New York.
	late := time.Date(2026, 1, 6, 2, 0, 0, 0, time.UTC)
	if withinCallingHours(c, "America/New_York", late) {
		t.Error("21:00 local should be outside the window")
	}

	// Unknown zones fall back to the time's own location.
	if !withinCallingHours(c, "Not/AZone", now) {
		t.Error("unknown timezone should evaluate in the given location")
	}
}

func TestWithinCallingHoursUnsetWindowAlwaysOpen(t *testing.T) {
	c := &models.Campaign{}
	now := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	if !withinCallingHours(c, "", now) {
		t.Error("campaign without calling hours should always dial")
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"00:00", 0, true},
		{"09:30", 570, true},
		{"23:59", 1439, true},
		{"25:00", 0, false},
		{"garbage", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseClock(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseClock(%q) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestContactVariables(t *testing.T) {
	c := &models.Campaign{ID: 9, Name: "spring-drive"}
	contact := &models.Contact{ID: 42, Phone: "+15550001234", FirstName: "Ada", LastName: "Lovelace"}

	vars := contactVariables(c, contact)
	want := map[string]string{
		"campaign_id":   "9",
		"campaign_name": "spring-drive",
		"contact_id":    "42",
		"phone":         "+15550001234",
		"first_name":    "Ada",
		"last_name":     "Lovelace",
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("vars[%q] = %q, want %q", k, vars[k], v)
		}
	}
}
