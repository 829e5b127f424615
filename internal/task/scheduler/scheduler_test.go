package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "banwatch/pkg/logx"
)

func TestServiceRunOnStartAndInfo(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	done := make(chan struct{}, 1)
	s := New(Config{Enabled: true, Spec: "0 */2 * * *", Timezone: "UTC", RunOnStart: true}, func(context.Context) error {
		runs.Add(1)
		done <- struct{}{}
		return nil
	}, logx.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run on start did not fire")
	}
	info := s.Info()
	if info.Kind != SpecCron || info.Timezone != "UTC" {
		t.Fatalf("info = %+v", info)
	}
	if info.Next.IsZero() || info.Next.Minute() != 0 || info.Next.Hour()%2 != 0 {
		t.Fatalf("next = %v", info.Next)
	}
}

func TestServiceSkipsOverlappingFires(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	s := New(Config{Enabled: true, Spec: "1h"}, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	go s.wrapped.Run()
	<-started
	s.wrapped.Run() // skipped while the first run holds the slot
	close(release)

	s.Stop(context.Background())
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}

func TestServiceApplyReschedules(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Spec: "@daily", Timezone: "UTC"}, func(context.Context) error { return nil }, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	s.Apply(Config{Enabled: true, Spec: "30m", Timezone: "UTC"})
	info := s.Info()
	if info.Kind != SpecInterval || info.Spec != "30m" {
		t.Fatalf("info = %+v", info)
	}
	if until := time.Until(info.Next); until < 29*time.Minute || until > 31*time.Minute {
		t.Fatalf("next in %v", until)
	}
}

func TestServiceValidate(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	if err := s.Validate(Config{Enabled: true, Spec: "61 * * * *"}); err == nil {
		t.Fatal("expected invalid cron error")
	}
	if err := s.Validate(Config{Enabled: true, Spec: "1h", Timezone: "Mars/Base"}); err == nil {
		t.Fatal("expected timezone error")
	}
	if err := s.Validate(Config{Enabled: false}); err != nil {
		t.Fatalf("disabled without spec: %v", err)
	}
}
