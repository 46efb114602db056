package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/memclaw/internal/logger"
)

func newTestService() *Service {
	return NewService(logger.Nop())
}

func TestService_AddAndListJobs(t *testing.T) {
	s := newTestService()
	noop := func(context.Context) error { return nil }

	if err := s.AddEvery("sweep", time.Minute, noop); err != nil {
		t.Fatalf("AddEvery error: %v", err)
	}
	if err := s.AddSchedule("compact", "*/5 * * * *", noop); err != nil {
		t.Fatalf("AddSchedule error: %v", err)
	}

	jobs := s.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].Name != "compact" || jobs[1].Name != "sweep" {
		t.Errorf("jobs not sorted by name: %+v", jobs)
	}
	if jobs[1].Spec != "@every 1m0s" {
		t.Errorf("spec = %q, want @every 1m0s", jobs[1].Spec)
	}
}

func TestService_AddValidation(t *testing.T) {
	s := newTestService()
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name string
		add  func() error
	}{
		{"empty name", func() error { return s.AddSchedule("", "@hourly", noop) }},
		{"nil func", func() error { return s.AddSchedule("x", "@hourly", nil) }},
		{"bad spec", func() error { return s.AddSchedule("x", "not a spec", noop) }},
		{"zero interval", func() error { return s.AddEvery("x", 0, noop) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.add(); err == nil {
				t.Error("expected error")
			}
		})
	}
	if len(s.Jobs()) != 0 {
		t.Errorf("invalid jobs were registered: %+v", s.Jobs())
	}
}

func TestService_DuplicateName(t *testing.T) {
	s := newTestService()
	noop := func(context.Context) error { return nil }
	if err := s.AddEvery("dup", time.Minute, noop); err != nil {
		t.Fatalf("AddEvery error: %v", err)
	}
	if err := s.AddEvery("dup", time.Hour, noop); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestService_RunNowRecordsState(t *testing.T) {
	s := newTestService()
	var calls atomic.Int32
	fail := false
	err := s.AddEvery("job", time.Hour, func(context.Context) error {
		calls.Add(1)
		if fail {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AddEvery error: %v", err)
	}

	if err := s.RunNow("job"); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	st := s.Jobs()[0]
	if st.Runs != 1 || st.LastStatus != "ok" || st.LastRunAt.IsZero() {
		t.Errorf("state after ok run = %+v", st)
	}

	fail = true
	if err := s.RunNow("job"); err == nil {
		t.Fatal("expected job error")
	}
	st = s.Jobs()[0]
	if st.Runs != 2 || st.LastStatus != "error" || st.LastError != "boom" {
		t.Errorf("state after failed run = %+v", st)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}

	if err := s.RunNow("missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestService_Reschedule(t *testing.T) {
	s := newTestService()
	if err := s.AddEvery("job", time.Minute, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddEvery error: %v", err)
	}
	if err := s.RescheduleEvery("job", 2*time.Minute); err != nil {
		t.Fatalf("RescheduleEvery error: %v", err)
	}
	if got := s.Jobs()[0].Spec; got != "@every 2m0s" {
		t.Errorf("spec = %q", got)
	}
	if err := s.Reschedule("job", "garbage"); err == nil {
		t.Error("expected error for bad spec")
	}
	if got := s.Jobs()[0].Spec; got != "@every 2m0s" {
		t.Errorf("bad reschedule changed spec to %q", got)
	}
	if err := s.Reschedule("missing", "@hourly"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestService_Remove(t *testing.T) {
	s := newTestService()
	_ = s.AddEvery("rm", time.Minute, func(context.Context) error { return nil })
	if !s.Remove("rm") {
		t.Error("Remove returned false")
	}
	if len(s.Jobs()) != 0 {
		t.Error("job not removed")
	}
	if s.Remove("rm") {
		t.Error("Remove should return false for unknown job")
	}
}

func TestService_StartRunsScheduledJobs(t *testing.T) {
	s := newTestService()
	var calls atomic.Int32
	_ = s.AddEvery("tick", time.Second, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("scheduled job never ran")
	}
	if next := s.Jobs()[0].NextRunAt; next.IsZero() {
		t.Error("NextRunAt should be set while running")
	}
}

func TestService_StopCancelsJobContext(t *testing.T) {
	s := newTestService()
	started := make(chan struct{})
	cancelled := make(chan struct{})
	var once atomic.Bool
	_ = s.AddEvery("long", time.Second, func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
			<-ctx.Done()
			close(cancelled)
		}
		return nil
	})

	s.Start(context.Background())
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	s.Stop()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("job context not cancelled on Stop")
	}
}

func TestService_StopIdempotent(t *testing.T) {
	s := newTestService()
	s.Stop()
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
