package reporter

import (
	"context"
	"testing"
	"time"

	"mercator-hq/custodian/pkg/compliance"
)

func TestScheduler_Start(t *testing.T) {
	tests := []struct {
		name        string
		daily       string
		monthly     string
		wantRunning bool
	}{
		{"both cadences", "0 3 * * *", "0 4 1 * *", true},
		{"daily only", "0 3 * * *", "", true},
		{"nothing scheduled", "", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) {
				c.DailySchedule = tt.daily
				c.MonthlySchedule = tt.monthly
			})
			scheduler := NewScheduler(f.reporter)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := scheduler.Start(ctx); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if scheduler.IsRunning() != tt.wantRunning {
				t.Errorf("IsRunning() = %v, want %v", scheduler.IsRunning(), tt.wantRunning)
			}

			daily := scheduler.NextRun(compliance.RunDaily)
			if tt.wantRunning && (daily == nil || !daily.After(time.Now())) {
				t.Errorf("NextRun(daily) = %v", daily)
			}
			if tt.monthly == "" && scheduler.NextRun(compliance.RunMonthly) != nil {
				t.Error("NextRun(monthly) set without a schedule")
			}

			scheduler.Stop()
			if scheduler.IsRunning() {
				t.Error("IsRunning() after Stop()")
			}
		})
	}
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, nil)
	scheduler := NewScheduler(f.reporter)

	ctx, cancel := context.WithCancel(context.Background())
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for scheduler.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if scheduler.IsRunning() {
		t.Error("scheduler still running after context cancel")
	}
}
