package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestScheduler_RegisterAndRunNow(t *testing.T) {
	s, err := New(zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	ran := make(chan struct{}, 1)
	err = s.RegisterTask(TaskConfig{
		ID:   "reconcile",
		Name: "Reconcile downloads",
		Cron: "*/10 * * * *",
		Func: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}

	if err := s.RunNow("reconcile"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestScheduler_DuplicateID(t *testing.T) {
	s, err := New(zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	cfg := TaskConfig{ID: "cleanup", Name: "Cleanup", Cron: "0 4 * * *", Func: func(context.Context) error { return nil }}
	if err := s.RegisterTask(cfg); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	if err := s.RegisterTask(cfg); err == nil {
		t.Fatal("registering the same task ID twice should fail")
	}
}

func TestScheduler_RunNowUnknownTask(t *testing.T) {
	s, err := New(zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	if err := s.RunNow("no-such-task"); err == nil {
		t.Fatal("RunNow on an unknown task should fail")
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	s, err := New(zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	ran := make(chan struct{}, 1)
	err = s.RegisterTask(TaskConfig{
		ID:         "startup-task",
		Name:       "Startup task",
		Cron:       "0 0 * * *",
		RunOnStart: true,
		Func: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}

	s.Start()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnStart task did not run")
	}
}
