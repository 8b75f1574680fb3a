package scheduler

import (
	"context"
	"testing"
	"time"

	logx "repeatbot/pkg/logx"
)

func TestAddBeforeStartFails(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, logx.Nop())
	if _, err := s.AddInterval("job", time.Minute, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error before Start")
	}
	if _, err := s.AddCron("job", "* * * * *", 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestDisabledSchedulerNeverRuns(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, logx.Nop())
	s.Start(context.Background())
	if _, err := s.AddInterval("job", time.Minute, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("disabled scheduler must reject jobs")
	}
}

func TestAddJobs(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if _, err := s.AddInterval("tick", time.Hour, time.Minute, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	if _, err := s.AddCron("nightly", "0 3 * * *", time.Minute, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	if _, err := s.AddCron("bad", "not a spec", 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
	if _, err := s.AddInterval("bad", 0, 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for non-positive interval")
	}
}
